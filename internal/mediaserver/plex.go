// Watchsync - Cross-Server Watch State Reconciliation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchsync

/*
plex.go - Plex Media Server adapter

Plex keeps watch state per account and only exposes it to that account's
token, so every per-user call is made with the token configured for the
account in user_tokens. The server owner (account 1) uses the server token.

Endpoints:
  - GET /library/sections
  - GET /library/sections/{id}/all?type=1|4&includeGuids=1   (paged)
  - GET /accounts
  - GET /library/metadata/{id}
  - GET /:/scrobble, /:/unscrobble, /:/progress
  - GET /identity                                             (machine id)
  - GET /playlists?playlistType=video, /playlists/{id}/items
  - POST /playlists?uri=server://{machine}/...                (create)
  - PUT /playlists/{id}/items?uri=...                         (add)
  - DELETE /playlists/{id}/items/{playlistItemID}

Playlists are per account, so they are read and written with the account's
token like watch state. Smart playlists are skipped.
*/

package mediaserver

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tomtom215/watchsync/internal/models"
)

const (
	plexOwnerAccountID = "1"
	plexLibraryID      = "com.plexapp.plugins.library"
	plexTypeMovie      = "1"
	plexTypeEpisode    = "4"
)

// PlexClient talks to one Plex Media Server.
type PlexClient struct {
	id         string
	token      string
	userTokens map[string]string
	t          *transport

	mu       sync.RWMutex
	sections map[string]string // section key -> plex type
	accounts map[string]string // account id -> lowercase name
	machine  string
}

var (
	_ MediaServer      = (*PlexClient)(nil)
	_ WatchStateLister = (*PlexClient)(nil)
	_ PlaylistServer   = (*PlexClient)(nil)
)

// NewPlexClient creates a Plex adapter.
func NewPlexClient(opts Options) *PlexClient {
	tokens := make(map[string]string, len(opts.UserTokens))
	for k, v := range opts.UserTokens {
		tokens[strings.ToLower(k)] = v
	}
	token := opts.Token
	return &PlexClient{
		id:         opts.ID,
		token:      token,
		userTokens: tokens,
		sections:   make(map[string]string),
		accounts:   make(map[string]string),
		t: newTransport(opts, func(h http.Header) {
			h.Set("X-Plex-Token", token)
			h.Set("X-Plex-Client-Identifier", "watchsync")
			h.Set("X-Plex-Product", "Watchsync")
		}),
	}
}

// ID implements MediaServer.
func (c *PlexClient) ID() string { return c.id }

type plexGUID struct {
	ID string `json:"id"`
}

type plexPart struct {
	File string `json:"file"`
}

type plexMedia struct {
	Part []plexPart `json:"Part"`
}

type plexMetadata struct {
	RatingKey        string      `json:"ratingKey"`
	Type             string      `json:"type"`
	Title            string      `json:"title"`
	GrandparentTitle string      `json:"grandparentTitle"`
	ParentIndex      int         `json:"parentIndex"`
	Index            int         `json:"index"`
	GUID             string      `json:"guid"`
	Guids            []plexGUID  `json:"Guid"`
	Duration         int64       `json:"duration"`
	ViewCount        int         `json:"viewCount"`
	ViewOffset       int64       `json:"viewOffset"`
	LastViewedAt     int64       `json:"lastViewedAt"`
	UpdatedAt        int64       `json:"updatedAt"`
	Media            []plexMedia `json:"Media"`
	Smart            bool        `json:"smart"`
	PlaylistItemID   int64       `json:"playlistItemID"`
}

type plexDirectory struct {
	Key   string `json:"key"`
	Title string `json:"title"`
	Type  string `json:"type"`
}

type plexAccount struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

type plexContainer struct {
	MediaContainer struct {
		Size              int             `json:"size"`
		TotalSize         int             `json:"totalSize"`
		MachineIdentifier string          `json:"machineIdentifier"`
		Directory         []plexDirectory `json:"Directory"`
		Metadata          []plexMetadata  `json:"Metadata"`
		Account           []plexAccount   `json:"Account"`
	} `json:"MediaContainer"`
}

// ListLibraries implements MediaServer. Only movie and show sections are
// returned.
func (c *PlexClient) ListLibraries(ctx context.Context) ([]models.Library, error) {
	var resp plexContainer
	if err := c.t.do(ctx, request{op: "list_libraries", method: http.MethodGet, path: "/library/sections"}, &resp); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var libs []models.Library
	for _, d := range resp.MediaContainer.Directory {
		if d.Type != "movie" && d.Type != "show" {
			continue
		}
		c.sections[d.Key] = d.Type
		libs = append(libs, models.Library{ID: d.Key, Name: d.Title, Type: libraryType(d.Type)})
	}
	return libs, nil
}

// ListUsers implements MediaServer.
func (c *PlexClient) ListUsers(ctx context.Context) ([]models.Account, error) {
	var resp plexContainer
	if err := c.t.do(ctx, request{op: "list_users", method: http.MethodGet, path: "/accounts"}, &resp); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var accounts []models.Account
	for _, a := range resp.MediaContainer.Account {
		if a.ID == 0 || a.Name == "" {
			continue
		}
		id := strconv.Itoa(a.ID)
		c.accounts[id] = strings.ToLower(a.Name)
		accounts = append(accounts, models.Account{ID: id, Name: a.Name})
	}
	return accounts, nil
}

// ListItems implements MediaServer.
func (c *PlexClient) ListItems(ctx context.Context, libraryID string) ([]models.ServerItem, error) {
	var items []models.ServerItem
	err := c.pageSection(ctx, "list_items", libraryID, nil, func(m plexMetadata) {
		items = append(items, c.toServerItem(libraryID, m))
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// ListWatchStates implements WatchStateLister.
func (c *PlexClient) ListWatchStates(ctx context.Context, libraryID, userID string) (map[string]models.WatchState, error) {
	hdr, err := c.userHeader("list_watch_states", userID)
	if err != nil {
		return nil, err
	}

	states := make(map[string]models.WatchState)
	err = c.pageSection(ctx, "list_watch_states", libraryID, hdr, func(m plexMetadata) {
		if ws := plexWatchState(m); ws.Watched || ws.ProgressSeconds > 0 {
			states[m.RatingKey] = ws
		}
	})
	if err != nil {
		return nil, err
	}
	return states, nil
}

func (c *PlexClient) pageSection(ctx context.Context, op, libraryID string, hdr http.Header, visit func(plexMetadata)) error {
	plexType, err := c.sectionType(ctx, libraryID)
	if err != nil {
		return err
	}

	path := "/library/sections/" + url.PathEscape(libraryID) + "/all"
	for start := 0; ; {
		q := url.Values{}
		q.Set("type", plexType)
		q.Set("includeGuids", "1")
		q.Set("X-Plex-Container-Start", strconv.Itoa(start))
		q.Set("X-Plex-Container-Size", strconv.Itoa(itemsPageSize))

		var resp plexContainer
		if err := c.t.do(ctx, request{op: op, method: http.MethodGet, path: path, query: q, header: hdr}, &resp); err != nil {
			return err
		}
		for _, m := range resp.MediaContainer.Metadata {
			visit(m)
		}

		n := len(resp.MediaContainer.Metadata)
		start += n
		if n < itemsPageSize || (resp.MediaContainer.TotalSize > 0 && start >= resp.MediaContainer.TotalSize) {
			return nil
		}
	}
}

func (c *PlexClient) sectionType(ctx context.Context, libraryID string) (string, error) {
	c.mu.RLock()
	t, ok := c.sections[libraryID]
	c.mu.RUnlock()
	if !ok {
		if _, err := c.ListLibraries(ctx); err != nil {
			return "", err
		}
		c.mu.RLock()
		t, ok = c.sections[libraryID]
		c.mu.RUnlock()
		if !ok {
			return "", newError(c.id, "list_items", KindNotFound, fmt.Errorf("library %s", libraryID))
		}
	}
	if t == "show" {
		return plexTypeEpisode, nil
	}
	return plexTypeMovie, nil
}

// GetWatchState implements MediaServer.
func (c *PlexClient) GetWatchState(ctx context.Context, itemID, userID string) (models.WatchState, error) {
	hdr, err := c.userHeader("get_watch_state", userID)
	if err != nil {
		return models.WatchState{}, err
	}

	var resp plexContainer
	path := "/library/metadata/" + url.PathEscape(itemID)
	if err := c.t.do(ctx, request{op: "get_watch_state", method: http.MethodGet, path: path, header: hdr}, &resp); err != nil {
		return models.WatchState{}, err
	}
	if len(resp.MediaContainer.Metadata) == 0 {
		return models.WatchState{}, newError(c.id, "get_watch_state", KindNotFound, fmt.Errorf("item %s", itemID))
	}
	return plexWatchState(resp.MediaContainer.Metadata[0]), nil
}

// SetWatchState implements MediaServer.
func (c *PlexClient) SetWatchState(ctx context.Context, itemID, userID string, state models.WatchState) error {
	op := "set_unwatched"
	path := "/:/unscrobble"
	q := url.Values{}
	q.Set("key", itemID)
	q.Set("identifier", plexLibraryID)

	switch {
	case state.Watched:
		op, path = "set_watched", "/:/scrobble"
	case state.ProgressSeconds > 0:
		op, path = "set_progress", "/:/progress"
		q.Set("time", strconv.FormatInt(int64(state.ProgressSeconds)*1000, 10))
		q.Set("state", "stopped")
	}

	hdr, err := c.userHeader(op, userID)
	if err != nil {
		return err
	}
	return c.t.do(ctx, request{op: op, method: http.MethodGet, path: path, query: q, header: hdr}, nil)
}

// userHeader returns the token override for userID. The owner account uses
// the server token.
func (c *PlexClient) userHeader(op, userID string) (http.Header, error) {
	if userID == "" || userID == plexOwnerAccountID {
		return nil, nil
	}

	token, ok := c.userTokens[strings.ToLower(userID)]
	if !ok {
		c.mu.RLock()
		name := c.accounts[userID]
		c.mu.RUnlock()
		if name != "" {
			token, ok = c.userTokens[name]
		}
	}
	if !ok || token == "" {
		return nil, newError(c.id, op, KindUnauthorized, fmt.Errorf("no token configured for account %s", userID))
	}

	h := http.Header{}
	h.Set("X-Plex-Token", token)
	return h, nil
}

// ListPlaylists implements PlaylistServer.
func (c *PlexClient) ListPlaylists(ctx context.Context, userID string) ([]models.Playlist, error) {
	hdr, err := c.userHeader("list_playlists", userID)
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("playlistType", "video")
	var resp plexContainer
	if err := c.t.do(ctx, request{op: "list_playlists", method: http.MethodGet, path: "/playlists", query: q, header: hdr}, &resp); err != nil {
		return nil, err
	}

	var playlists []models.Playlist
	for _, m := range resp.MediaContainer.Metadata {
		if m.Smart {
			continue
		}
		var items plexContainer
		path := "/playlists/" + url.PathEscape(m.RatingKey) + "/items"
		if err := c.t.do(ctx, request{op: "list_playlist_items", method: http.MethodGet, path: path, header: hdr}, &items); err != nil {
			return nil, err
		}
		pl := models.Playlist{ID: m.RatingKey, Title: m.Title}
		for _, it := range items.MediaContainer.Metadata {
			pl.Entries = append(pl.Entries, models.PlaylistEntry{
				EntryID: strconv.FormatInt(it.PlaylistItemID, 10),
				ItemID:  it.RatingKey,
			})
		}
		playlists = append(playlists, pl)
	}
	return playlists, nil
}

// CreatePlaylist implements PlaylistServer.
func (c *PlexClient) CreatePlaylist(ctx context.Context, userID, title string, itemIDs []string) error {
	hdr, err := c.userHeader("create_playlist", userID)
	if err != nil {
		return err
	}
	uri, err := c.itemsURI(ctx, itemIDs)
	if err != nil {
		return err
	}
	q := url.Values{}
	q.Set("type", "video")
	q.Set("title", title)
	q.Set("smart", "0")
	q.Set("uri", uri)
	return c.t.do(ctx, request{op: "create_playlist", method: http.MethodPost, path: "/playlists", query: q, header: hdr}, nil)
}

// AddPlaylistItems implements PlaylistServer.
func (c *PlexClient) AddPlaylistItems(ctx context.Context, userID, playlistID string, itemIDs []string) error {
	hdr, err := c.userHeader("add_playlist_items", userID)
	if err != nil {
		return err
	}
	uri, err := c.itemsURI(ctx, itemIDs)
	if err != nil {
		return err
	}
	q := url.Values{}
	q.Set("uri", uri)
	path := "/playlists/" + url.PathEscape(playlistID) + "/items"
	return c.t.do(ctx, request{op: "add_playlist_items", method: http.MethodPut, path: path, query: q, header: hdr}, nil)
}

// RemovePlaylistItems implements PlaylistServer. Plex removes one entry
// per call.
func (c *PlexClient) RemovePlaylistItems(ctx context.Context, userID, playlistID string, entryIDs []string) error {
	hdr, err := c.userHeader("remove_playlist_items", userID)
	if err != nil {
		return err
	}
	for _, e := range entryIDs {
		path := "/playlists/" + url.PathEscape(playlistID) + "/items/" + url.PathEscape(e)
		if err := c.t.do(ctx, request{op: "remove_playlist_items", method: http.MethodDelete, path: path, header: hdr}, nil); err != nil {
			return err
		}
	}
	return nil
}

// itemsURI addresses library items on this server for playlist writes.
func (c *PlexClient) itemsURI(ctx context.Context, itemIDs []string) (string, error) {
	machine, err := c.machineID(ctx)
	if err != nil {
		return "", err
	}
	return "server://" + machine + "/" + plexLibraryID + "/library/metadata/" + strings.Join(itemIDs, ","), nil
}

func (c *PlexClient) machineID(ctx context.Context) (string, error) {
	c.mu.RLock()
	id := c.machine
	c.mu.RUnlock()
	if id != "" {
		return id, nil
	}

	var resp plexContainer
	if err := c.t.do(ctx, request{op: "identity", method: http.MethodGet, path: "/identity"}, &resp); err != nil {
		return "", err
	}
	id = resp.MediaContainer.MachineIdentifier
	if id == "" {
		return "", newError(c.id, "identity", KindUnreachable, fmt.Errorf("no machine identifier"))
	}
	c.mu.Lock()
	c.machine = id
	c.mu.Unlock()
	return id, nil
}

func (c *PlexClient) toServerItem(libraryID string, m plexMetadata) models.ServerItem {
	ws := plexWatchState(m)
	item := models.ServerItem{
		ServerID:        c.id,
		LibraryID:       libraryID,
		ItemID:          m.RatingKey,
		Title:           m.Title,
		Duration:        time.Duration(m.Duration) * time.Millisecond,
		Watched:         ws.Watched,
		ProgressSeconds: ws.ProgressSeconds,
	}
	if m.UpdatedAt > 0 {
		item.UpdatedAt = time.Unix(m.UpdatedAt, 0).UTC()
	}
	if m.Type == "episode" && m.GrandparentTitle != "" {
		item.Title = episodeTitle(m.GrandparentTitle, m.ParentIndex, m.Index, m.Title)
	}
	if len(m.Media) > 0 && len(m.Media[0].Part) > 0 {
		item.Path = m.Media[0].Part[0].File
	}

	guids := make([]string, 0, len(m.Guids)+1)
	if m.GUID != "" {
		guids = append(guids, m.GUID)
	}
	for _, g := range m.Guids {
		guids = append(guids, g.ID)
	}
	for _, g := range guids {
		if p, ok := splitGUID(g); ok {
			item.ProviderIDs = append(item.ProviderIDs, p)
		}
	}
	return item
}

func plexWatchState(m plexMetadata) models.WatchState {
	ws := models.WatchState{Watched: m.ViewCount > 0}
	if m.LastViewedAt > 0 {
		ws.ObservedAt = time.Unix(m.LastViewedAt, 0).UTC()
	}
	if !ws.Watched && m.ViewOffset > 0 {
		ws.ProgressSeconds = int(m.ViewOffset / 1000)
	}
	return ws
}

// splitGUID splits "scheme://value" into a provider ID. Local media
// ("local://") carries no cross-server identity.
func splitGUID(guid string) (models.ProviderID, bool) {
	scheme, value, ok := strings.Cut(guid, "://")
	if !ok || scheme == "" || value == "" || scheme == "local" || scheme == "none" {
		return models.ProviderID{}, false
	}
	return models.ProviderID{Namespace: strings.ToLower(scheme), Value: value}, true
}
