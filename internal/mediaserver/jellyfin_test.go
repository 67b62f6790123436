// Watchsync - Cross-Server Watch State Reconciliation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchsync

package mediaserver

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tomtom215/watchsync/internal/models"
)

func newJellyfinTestServer(t *testing.T, handler http.HandlerFunc) *JellyfinClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewJellyfinClient(Options{ID: "jf", URL: srv.URL + "/", Token: "key"})
}

func TestJellyfinListLibrariesAndUsers(t *testing.T) {
	c := newJellyfinTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Emby-Token") != "key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/Library/MediaFolders":
			_, _ = io.WriteString(w, `{"Items":[{"Id":"m1","Name":"Movies","CollectionType":"movies"},{"Id":"t1","Name":"Shows","CollectionType":"tvshows"}]}`)
		case "/Users":
			_, _ = io.WriteString(w, `[{"Id":"u1","Name":"Alice"},{"Id":"u2","Name":"bob"}]`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	libs, err := c.ListLibraries(context.Background())
	checkNoError(t, err)
	checkIntEqual(t, "libraries", len(libs), 2)
	checkStringEqual(t, "type", libs[0].Type, models.LibraryTypeMovies)
	checkStringEqual(t, "type", libs[1].Type, models.LibraryTypeShows)

	users, err := c.ListUsers(context.Background())
	checkNoError(t, err)
	checkIntEqual(t, "users", len(users), 2)
	checkStringEqual(t, "name", users[0].Name, "Alice")
}

func TestJellyfinListItemsPaging(t *testing.T) {
	var calls atomic.Int32
	c := newJellyfinTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Query().Get("ParentId") != "m1" {
			t.Errorf("ParentId = %q", r.URL.Query().Get("ParentId"))
		}
		switch r.URL.Query().Get("StartIndex") {
		case "0":
			_, _ = io.WriteString(w, `{"TotalRecordCount":2,"Items":[{"Id":"a","Name":"The Matrix","Type":"Movie","Path":"/m/The.Matrix.1999.mkv","RunTimeTicks":81600000000,"ProviderIds":{"Imdb":"tt0133093","Tmdb":"603"}}]}`)
		default:
			_, _ = io.WriteString(w, `{"TotalRecordCount":2,"Items":[{"Id":"b","Name":"Pilot","Type":"Episode","SeriesName":"Show","ParentIndexNumber":1,"IndexNumber":1,"Path":"/tv/Show.S01E01.mkv"}]}`)
		}
	})

	items, err := c.ListItems(context.Background(), "m1")
	checkNoError(t, err)
	checkIntEqual(t, "items", len(items), 2)
	checkIntEqual(t, "calls", int(calls.Load()), 2)

	matrix := items[0]
	checkStringEqual(t, "server", matrix.ServerID, "jf")
	checkIntEqual(t, "provider ids", len(matrix.ProviderIDs), 2)
	checkTrue(t, "duration 136m", matrix.Duration == 136*time.Minute)
	for _, p := range matrix.ProviderIDs {
		checkTrue(t, "lowercase namespace", p.Namespace == "imdb" || p.Namespace == "tmdb")
	}
	checkStringEqual(t, "episode title", items[1].Title, "Show - S01E01 - Pilot")
}

func TestJellyfinWatchStates(t *testing.T) {
	c := newJellyfinTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/Users/u1/Items":
			_, _ = io.WriteString(w, `{"TotalRecordCount":3,"Items":[
				{"Id":"a","UserData":{"Played":true,"LastPlayedDate":"2024-05-01T10:00:00.1234567Z"}},
				{"Id":"b","UserData":{"Played":false,"PlaybackPositionTicks":6000000000}},
				{"Id":"c","UserData":{"Played":false,"PlaybackPositionTicks":0}}]}`)
		case "/Users/u1/Items/b":
			_, _ = io.WriteString(w, `{"Id":"b","UserData":{"Played":false,"PlaybackPositionTicks":6000000000}}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	states, err := c.ListWatchStates(context.Background(), "m1", "u1")
	checkNoError(t, err)
	checkIntEqual(t, "states", len(states), 2)
	checkTrue(t, "a watched", states["a"].Watched)
	checkTrue(t, "a observed", !states["a"].ObservedAt.IsZero())
	checkIntEqual(t, "b progress", states["b"].ProgressSeconds, 600)

	ws, err := c.GetWatchState(context.Background(), "b", "u1")
	checkNoError(t, err)
	checkIntEqual(t, "progress", ws.ProgressSeconds, 600)

	_, err = c.GetWatchState(context.Background(), "zzz", "u1")
	checkTrue(t, "not found kind", errors.Is(err, ErrNotFound))
}

func TestJellyfinSetWatchState(t *testing.T) {
	var got []string
	c := newJellyfinTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got = append(got, r.Method+" "+r.URL.Path+" "+strings.TrimSpace(string(body)))
		w.WriteHeader(http.StatusNoContent)
	})

	ctx := context.Background()
	checkNoError(t, c.SetWatchState(ctx, "a", "u1", models.WatchState{Watched: true}))
	checkNoError(t, c.SetWatchState(ctx, "b", "u1", models.WatchState{ProgressSeconds: 90}))
	checkNoError(t, c.SetWatchState(ctx, "c", "u1", models.WatchState{}))

	checkIntEqual(t, "requests", len(got), 3)
	checkStringEqual(t, "watched", got[0], "POST /Users/u1/PlayedItems/a ")
	checkTrue(t, "progress body", strings.HasPrefix(got[1], "POST /Users/u1/Items/b/UserData ") && strings.Contains(got[1], `"PlaybackPositionTicks":900000000`))
	checkStringEqual(t, "unwatched", got[2], "DELETE /Users/u1/PlayedItems/c ")
}

func TestJellyfinPlaylists(t *testing.T) {
	var writes []string
	c := newJellyfinTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/Users/u1/Items":
			if r.URL.Query().Get("IncludeItemTypes") != "Playlist" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			_, _ = io.WriteString(w, `{"Items":[{"Id":"p1","Name":"Weekend"}],"TotalRecordCount":1}`)
		case r.Method == http.MethodGet && r.URL.Path == "/Playlists/p1/Items":
			_, _ = io.WriteString(w, `{"Items":[{"Id":"m1","PlaylistItemId":"e1"},{"Id":"m2","PlaylistItemId":"e2"}],"TotalRecordCount":2}`)
		default:
			writes = append(writes, r.Method+" "+r.URL.Path+"?"+r.URL.RawQuery)
			w.WriteHeader(http.StatusNoContent)
		}
	})
	ctx := context.Background()

	pls, err := c.ListPlaylists(ctx, "u1")
	checkNoError(t, err)
	checkIntEqual(t, "playlists", len(pls), 1)
	checkStringEqual(t, "title", pls[0].Title, "Weekend")
	checkIntEqual(t, "entries", len(pls[0].Entries), 2)
	checkStringEqual(t, "entry id", pls[0].Entries[1].EntryID, "e2")
	checkStringEqual(t, "item id", pls[0].Entries[1].ItemID, "m2")

	checkNoError(t, c.CreatePlaylist(ctx, "u1", "Late Night", []string{"m1", "m3"}))
	checkNoError(t, c.AddPlaylistItems(ctx, "u1", "p1", []string{"m3"}))
	checkNoError(t, c.RemovePlaylistItems(ctx, "u1", "p1", []string{"e1", "e2"}))

	checkIntEqual(t, "writes", len(writes), 3)
	checkTrue(t, "create", strings.HasPrefix(writes[0], "POST /Playlists?") &&
		strings.Contains(writes[0], "Ids=m1%2Cm3") && strings.Contains(writes[0], "Name=Late+Night"))
	checkTrue(t, "add", strings.HasPrefix(writes[1], "POST /Playlists/p1/Items?") && strings.Contains(writes[1], "Ids=m3"))
	checkStringEqual(t, "remove", writes[2], "DELETE /Playlists/p1/Items?EntryIds=e1%2Ce2")
}

func TestErrorKinds(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"unauthorized", http.StatusUnauthorized, ErrUnauthorized},
		{"forbidden", http.StatusForbidden, ErrUnauthorized},
		{"not found", http.StatusNotFound, ErrNotFound},
		{"gateway timeout", http.StatusGatewayTimeout, ErrTimeout},
		{"server error", http.StatusInternalServerError, ErrUnreachable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newJellyfinTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			})
			_, err := c.ListUsers(context.Background())
			if !errors.Is(err, tt.want) {
				t.Fatalf("error %v is not %v", err, tt.want)
			}
			var se *Error
			checkTrue(t, "is *Error", errors.As(err, &se))
			checkStringEqual(t, "op", se.Op, "list_users")
			checkStringEqual(t, "server", se.Server, "jf")
		})
	}
}

func TestTimeoutKind(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)

	c := NewJellyfinClient(Options{ID: "slow", URL: srv.URL, Token: "k", Timeout: 50 * time.Millisecond})
	_, err := c.ListUsers(context.Background())
	checkTrue(t, "timeout kind", errors.Is(err, ErrTimeout))
}

func TestUnreachableKind(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewEmbyClient(Options{ID: "gone", URL: url, Token: "k"})
	_, err := c.ListLibraries(context.Background())
	checkTrue(t, "unreachable kind", errors.Is(err, ErrUnreachable))
	checkStringEqual(t, "kind string", KindOf(err).String(), "unreachable")
}

func TestRateLimitRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = io.WriteString(w, `[]`)
	}))
	t.Cleanup(srv.Close)

	c := NewJellyfinClient(Options{ID: "jf", URL: srv.URL, Token: "k"})
	_, err := c.ListUsers(context.Background())
	checkNoError(t, err)
	checkIntEqual(t, "calls", int(calls.Load()), 2)
}
