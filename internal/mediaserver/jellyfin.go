// Watchsync - Cross-Server Watch State Reconciliation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchsync

/*
jellyfin.go - Jellyfin and Emby REST adapter

Jellyfin forked from Emby and both still serve the same endpoints used here,
authenticated with an admin API key in X-Emby-Token:

  - GET  /Library/MediaFolders
  - GET  /Items?ParentId=&Recursive=true&IncludeItemTypes=Movie,Episode
  - GET  /Users
  - GET  /Users/{user}/Items?ParentId=...      (per-user UserData, batch)
  - GET  /Users/{user}/Items/{item}
  - POST /Users/{user}/PlayedItems/{item}
  - DELETE /Users/{user}/PlayedItems/{item}
  - POST /Users/{user}/Items/{item}/UserData
  - GET  /Users/{user}/Items?IncludeItemTypes=Playlist
  - GET  /Playlists/{id}/Items?UserId=        (PlaylistItemId per entry)
  - POST /Playlists?Name=&Ids=&UserId=
  - POST /Playlists/{id}/Items?Ids=&UserId=
  - DELETE /Playlists/{id}/Items?EntryIds=

Playback positions are reported in ticks (10,000,000 per second).
*/

package mediaserver

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tomtom215/watchsync/internal/models"
)

const (
	ticksPerSecond = 10_000_000
	itemsPageSize  = 500
	itemTypes      = "Movie,Episode"
	itemFields     = "Path,ProviderIds,DateLastSaved"
)

// JellyfinClient talks to a Jellyfin or Emby server.
type JellyfinClient struct {
	id     string
	flavor string
	t      *transport
}

var (
	_ MediaServer      = (*JellyfinClient)(nil)
	_ WatchStateLister = (*JellyfinClient)(nil)
	_ PlaylistServer   = (*JellyfinClient)(nil)
)

// NewJellyfinClient creates a Jellyfin adapter.
func NewJellyfinClient(opts Options) *JellyfinClient {
	return newEmbyFamilyClient(opts, models.ServerTypeJellyfin)
}

// NewEmbyClient creates an Emby adapter.
func NewEmbyClient(opts Options) *JellyfinClient {
	return newEmbyFamilyClient(opts, models.ServerTypeEmby)
}

func newEmbyFamilyClient(opts Options, flavor string) *JellyfinClient {
	token := opts.Token
	return &JellyfinClient{
		id:     opts.ID,
		flavor: flavor,
		t: newTransport(opts, func(h http.Header) {
			h.Set("X-Emby-Token", token)
			h.Set("X-Emby-Client", "Watchsync")
			h.Set("X-Emby-Device-Name", "Watchsync")
			h.Set("X-Emby-Device-Id", "watchsync")
			h.Set("X-Emby-Client-Version", "1.0.0")
		}),
	}
}

// ID implements MediaServer.
func (c *JellyfinClient) ID() string { return c.id }

type jfUser struct {
	ID   string `json:"Id"`
	Name string `json:"Name"`
}

type jfFolder struct {
	ID             string `json:"Id"`
	Name           string `json:"Name"`
	CollectionType string `json:"CollectionType"`
}

type jfUserData struct {
	Played                bool   `json:"Played"`
	PlaybackPositionTicks int64  `json:"PlaybackPositionTicks"`
	LastPlayedDate        string `json:"LastPlayedDate"`
}

type jfItem struct {
	ID                string            `json:"Id"`
	Name              string            `json:"Name"`
	Type              string            `json:"Type"`
	Path              string            `json:"Path"`
	SeriesName        string            `json:"SeriesName"`
	ParentIndexNumber int               `json:"ParentIndexNumber"`
	IndexNumber       int               `json:"IndexNumber"`
	RunTimeTicks      int64             `json:"RunTimeTicks"`
	DateLastSaved     string            `json:"DateLastSaved"`
	ProviderIds       map[string]string `json:"ProviderIds"`
	UserData          *jfUserData       `json:"UserData"`
	PlaylistItemID    string            `json:"PlaylistItemId"`
}

type jfItemsPage struct {
	Items            []jfItem `json:"Items"`
	TotalRecordCount int      `json:"TotalRecordCount"`
}

// ListLibraries implements MediaServer.
func (c *JellyfinClient) ListLibraries(ctx context.Context) ([]models.Library, error) {
	var resp struct {
		Items []jfFolder `json:"Items"`
	}
	if err := c.t.do(ctx, request{op: "list_libraries", method: http.MethodGet, path: "/Library/MediaFolders"}, &resp); err != nil {
		return nil, err
	}

	libs := make([]models.Library, 0, len(resp.Items))
	for _, f := range resp.Items {
		libs = append(libs, models.Library{ID: f.ID, Name: f.Name, Type: libraryType(f.CollectionType)})
	}
	return libs, nil
}

// ListUsers implements MediaServer.
func (c *JellyfinClient) ListUsers(ctx context.Context) ([]models.Account, error) {
	var users []jfUser
	if err := c.t.do(ctx, request{op: "list_users", method: http.MethodGet, path: "/Users"}, &users); err != nil {
		return nil, err
	}

	accounts := make([]models.Account, 0, len(users))
	for _, u := range users {
		accounts = append(accounts, models.Account{ID: u.ID, Name: u.Name})
	}
	return accounts, nil
}

// ListItems implements MediaServer.
func (c *JellyfinClient) ListItems(ctx context.Context, libraryID string) ([]models.ServerItem, error) {
	var items []models.ServerItem
	err := c.pageItems(ctx, "list_items", "/Items", libraryID, func(it jfItem) {
		items = append(items, c.toServerItem(libraryID, it))
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// ListWatchStates implements WatchStateLister.
func (c *JellyfinClient) ListWatchStates(ctx context.Context, libraryID, userID string) (map[string]models.WatchState, error) {
	states := make(map[string]models.WatchState)
	path := "/Users/" + url.PathEscape(userID) + "/Items"
	err := c.pageItems(ctx, "list_watch_states", path, libraryID, func(it jfItem) {
		if ws := toWatchState(it.UserData); ws.Watched || ws.ProgressSeconds > 0 {
			states[it.ID] = ws
		}
	})
	if err != nil {
		return nil, err
	}
	return states, nil
}

func (c *JellyfinClient) pageItems(ctx context.Context, op, path, libraryID string, visit func(jfItem)) error {
	for start := 0; ; {
		q := url.Values{}
		q.Set("ParentId", libraryID)
		q.Set("Recursive", "true")
		q.Set("IncludeItemTypes", itemTypes)
		q.Set("Fields", itemFields)
		q.Set("StartIndex", strconv.Itoa(start))
		q.Set("Limit", strconv.Itoa(itemsPageSize))

		var page jfItemsPage
		if err := c.t.do(ctx, request{op: op, method: http.MethodGet, path: path, query: q}, &page); err != nil {
			return err
		}
		for _, it := range page.Items {
			visit(it)
		}

		start += len(page.Items)
		if len(page.Items) == 0 || start >= page.TotalRecordCount {
			return nil
		}
	}
}

// GetWatchState implements MediaServer.
func (c *JellyfinClient) GetWatchState(ctx context.Context, itemID, userID string) (models.WatchState, error) {
	var it jfItem
	path := "/Users/" + url.PathEscape(userID) + "/Items/" + url.PathEscape(itemID)
	if err := c.t.do(ctx, request{op: "get_watch_state", method: http.MethodGet, path: path}, &it); err != nil {
		return models.WatchState{}, err
	}
	return toWatchState(it.UserData), nil
}

// SetWatchState implements MediaServer.
func (c *JellyfinClient) SetWatchState(ctx context.Context, itemID, userID string, state models.WatchState) error {
	user := url.PathEscape(userID)
	item := url.PathEscape(itemID)

	switch {
	case state.Watched:
		return c.t.do(ctx, request{op: "set_watched", method: http.MethodPost, path: "/Users/" + user + "/PlayedItems/" + item}, nil)
	case state.ProgressSeconds > 0:
		body := map[string]interface{}{
			"PlaybackPositionTicks": int64(state.ProgressSeconds) * ticksPerSecond,
			"Played":                false,
		}
		return c.t.do(ctx, request{op: "set_progress", method: http.MethodPost, path: "/Users/" + user + "/Items/" + item + "/UserData", body: body}, nil)
	default:
		return c.t.do(ctx, request{op: "set_unwatched", method: http.MethodDelete, path: "/Users/" + user + "/PlayedItems/" + item}, nil)
	}
}

func (c *JellyfinClient) toServerItem(libraryID string, it jfItem) models.ServerItem {
	item := models.ServerItem{
		ServerID:  c.id,
		LibraryID: libraryID,
		ItemID:    it.ID,
		Title:     it.Name,
		Path:      it.Path,
		Duration:  time.Duration(it.RunTimeTicks * 100),
		UpdatedAt: parseTime(it.DateLastSaved),
	}
	if it.Type == "Episode" && it.SeriesName != "" {
		item.Title = episodeTitle(it.SeriesName, it.ParentIndexNumber, it.IndexNumber, it.Name)
	}
	for ns, v := range it.ProviderIds {
		if v == "" {
			continue
		}
		item.ProviderIDs = append(item.ProviderIDs, models.ProviderID{Namespace: strings.ToLower(ns), Value: v})
	}
	if it.UserData != nil {
		ws := toWatchState(it.UserData)
		item.Watched = ws.Watched
		item.ProgressSeconds = ws.ProgressSeconds
	}
	return item
}

func toWatchState(ud *jfUserData) models.WatchState {
	if ud == nil {
		return models.WatchState{}
	}
	ws := models.WatchState{
		Watched:    ud.Played,
		ObservedAt: parseTime(ud.LastPlayedDate),
	}
	if !ud.Played {
		ws.ProgressSeconds = int(ud.PlaybackPositionTicks / ticksPerSecond)
	}
	return ws
}

func libraryType(collectionType string) string {
	switch strings.ToLower(collectionType) {
	case "movies", "movie":
		return models.LibraryTypeMovies
	case "tvshows", "show":
		return models.LibraryTypeShows
	case "":
		return "mixed"
	default:
		return strings.ToLower(collectionType)
	}
}

func episodeTitle(series string, season, episode int, name string) string {
	var b strings.Builder
	b.WriteString(series)
	b.WriteString(" - S")
	if season < 10 {
		b.WriteByte('0')
	}
	b.WriteString(strconv.Itoa(season))
	b.WriteByte('E')
	if episode < 10 {
		b.WriteByte('0')
	}
	b.WriteString(strconv.Itoa(episode))
	if name != "" {
		b.WriteString(" - ")
		b.WriteString(name)
	}
	return b.String()
}

// ListPlaylists implements PlaylistServer.
func (c *JellyfinClient) ListPlaylists(ctx context.Context, userID string) ([]models.Playlist, error) {
	q := url.Values{}
	q.Set("IncludeItemTypes", "Playlist")
	q.Set("Recursive", "true")
	var page jfItemsPage
	path := "/Users/" + url.PathEscape(userID) + "/Items"
	if err := c.t.do(ctx, request{op: "list_playlists", method: http.MethodGet, path: path, query: q}, &page); err != nil {
		return nil, err
	}

	playlists := make([]models.Playlist, 0, len(page.Items))
	for _, pl := range page.Items {
		entries, err := c.playlistEntries(ctx, userID, pl.ID)
		if err != nil {
			return nil, err
		}
		playlists = append(playlists, models.Playlist{ID: pl.ID, Title: pl.Name, Entries: entries})
	}
	return playlists, nil
}

func (c *JellyfinClient) playlistEntries(ctx context.Context, userID, playlistID string) ([]models.PlaylistEntry, error) {
	var entries []models.PlaylistEntry
	for start := 0; ; {
		q := url.Values{}
		q.Set("UserId", userID)
		q.Set("StartIndex", strconv.Itoa(start))
		q.Set("Limit", strconv.Itoa(itemsPageSize))

		var page jfItemsPage
		path := "/Playlists/" + url.PathEscape(playlistID) + "/Items"
		if err := c.t.do(ctx, request{op: "list_playlist_items", method: http.MethodGet, path: path, query: q}, &page); err != nil {
			return nil, err
		}
		for _, it := range page.Items {
			entries = append(entries, models.PlaylistEntry{EntryID: it.PlaylistItemID, ItemID: it.ID})
		}

		start += len(page.Items)
		if len(page.Items) == 0 || start >= page.TotalRecordCount {
			return entries, nil
		}
	}
}

// CreatePlaylist implements PlaylistServer.
func (c *JellyfinClient) CreatePlaylist(ctx context.Context, userID, title string, itemIDs []string) error {
	q := url.Values{}
	q.Set("Name", title)
	q.Set("Ids", strings.Join(itemIDs, ","))
	q.Set("UserId", userID)
	q.Set("MediaType", "Video")
	return c.t.do(ctx, request{op: "create_playlist", method: http.MethodPost, path: "/Playlists", query: q}, nil)
}

// AddPlaylistItems implements PlaylistServer.
func (c *JellyfinClient) AddPlaylistItems(ctx context.Context, userID, playlistID string, itemIDs []string) error {
	q := url.Values{}
	q.Set("Ids", strings.Join(itemIDs, ","))
	q.Set("UserId", userID)
	path := "/Playlists/" + url.PathEscape(playlistID) + "/Items"
	return c.t.do(ctx, request{op: "add_playlist_items", method: http.MethodPost, path: path, query: q}, nil)
}

// RemovePlaylistItems implements PlaylistServer. Entry IDs are the
// playlist's own slot ids, not item ids.
func (c *JellyfinClient) RemovePlaylistItems(ctx context.Context, _, playlistID string, entryIDs []string) error {
	q := url.Values{}
	q.Set("EntryIds", strings.Join(entryIDs, ","))
	path := "/Playlists/" + url.PathEscape(playlistID) + "/Items"
	return c.t.do(ctx, request{op: "remove_playlist_items", method: http.MethodDelete, path: path, query: q}, nil)
}
