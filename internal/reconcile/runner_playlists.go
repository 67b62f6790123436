// Watchsync - Cross-Server Watch State Reconciliation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchsync

package reconcile

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tomtom215/watchsync/internal/logging"
	"github.com/tomtom215/watchsync/internal/mediaserver"
	"github.com/tomtom215/watchsync/internal/metrics"
	"github.com/tomtom215/watchsync/internal/models"
)

// syncPlaylists runs after watch state is applied. Each cross-server
// identity is handled on its own: its playlists are read from every server
// that supports them, diffed against the stored membership, and written
// back. The stored membership only advances when every write for the
// identity succeeded, so a failed removal is detected again next pass.
func (r *Runner) syncPlaylists(ctx context.Context, groups []ItemGroup, mapping *UserMapping,
	listed []*serverListing, report *models.PassReport) {
	servers := make([]string, 0, len(listed))
	capable := make(map[string]mediaserver.PlaylistServer)
	for _, l := range listed {
		servers = append(servers, l.server)
		if ps, ok := r.byID[l.server].(mediaserver.PlaylistServer); ok {
			capable[l.server] = ps
		}
	}
	if len(capable) < 2 {
		return
	}

	idx := NewItemIndex(groups, r.norm)
	sources := r.director.Sources(servers)
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(r.opts.Workers)
	for _, id := range mapping.CrossServer() {
		if !r.opts.Policy.Users.Permits(id.Canonical) {
			continue
		}
		g.Go(func() error {
			r.syncIdentityPlaylists(ctx, id, capable, sources, idx, report, &mu)
			return nil
		})
	}
	_ = g.Wait()
}

func (r *Runner) syncIdentityPlaylists(ctx context.Context, id *Identity, capable map[string]mediaserver.PlaylistServer,
	sources map[string]bool, idx *ItemIndex, report *models.PassReport, mu *sync.Mutex) {
	log := logging.Ctx(ctx).With().Str("user", id.Canonical).Logger()

	var views []PlaylistView
	for _, server := range sortedKeys(id.Accounts) {
		ps, ok := capable[server]
		if !ok {
			continue
		}
		acc := id.Accounts[server]
		pls, err := withTimeout(ctx, r.opts.CallTimeout, func(c context.Context) ([]models.Playlist, error) {
			return ps.ListPlaylists(c, acc.ID)
		})
		if err != nil {
			log.Warn().Err(err).Str("server", server).Str("kind", errorKind(err)).
				Msg("Playlists skipped for this pass")
			mu.Lock()
			if report.DegradedAccounts == nil {
				report.DegradedAccounts = make(map[string]string)
			}
			report.DegradedAccounts[server+"/"+acc.Name] = "playlists: " + err.Error()
			mu.Unlock()
			continue
		}
		view := PlaylistView{
			Server:    server,
			Account:   acc,
			Source:    sources == nil || sources[server],
			Playlists: make(map[string]models.Playlist, len(pls)),
		}
		for _, pl := range pls {
			if _, dup := view.Playlists[pl.Title]; dup {
				log.Warn().Str("server", server).Str("playlist", pl.Title).
					Msg("Duplicate playlist title, keeping the first")
				continue
			}
			view.Playlists[pl.Title] = pl
		}
		views = append(views, view)
	}
	if len(views) < 2 {
		return
	}

	var previous []models.PlaylistRecord
	if r.playlists != nil {
		var err error
		previous, err = r.playlists.LoadPlaylists(ctx, id.Canonical)
		if err != nil {
			log.Error().Err(err).Msg("Failed to load playlist state, skipping user")
			return
		}
	}

	differ := &PlaylistDiffer{}
	plan := differ.Diff(id.Canonical, views, previous, idx)

	var actions []models.PlaylistAction
	for _, a := range plan.Actions {
		if r.director.AllowsTarget(a.CanonicalUser, a.TargetAccount, a.TargetServer) {
			actions = append(actions, a)
		}
	}
	mu.Lock()
	report.PlaylistActionsPlanned += len(actions)
	mu.Unlock()

	if r.opts.DryRun {
		for _, a := range actions {
			log.Info().Str("server", a.TargetServer).Str("playlist", a.Title).Str("kind", string(a.Kind)).
				Int("items", len(a.ItemIDs)+len(a.EntryIDs)).Msg("Dry run: would update playlist")
			metrics.RecordPlaylistAction(a.TargetServer, string(a.Kind), "dry_run")
		}
		return
	}

	failed := 0
	for _, a := range actions {
		if ctx.Err() != nil {
			return
		}
		ps := capable[a.TargetServer]
		attempts, err := retryWithBackoff(ctx, r.opts.Retry, func(c context.Context) error {
			cctx, cancel := context.WithTimeout(c, r.opts.CallTimeout)
			defer cancel()
			return applyPlaylistAction(cctx, ps, a)
		})
		if err != nil {
			failed++
			log.Error().Err(err).Str("server", a.TargetServer).Str("playlist", a.Title).Str("kind", string(a.Kind)).
				Int("attempts", attempts).Msg("Playlist update failed")
			metrics.RecordPlaylistAction(a.TargetServer, string(a.Kind), "failed")
			continue
		}
		plan.MarkSynced(a, idx)
		log.Info().Str("server", a.TargetServer).Str("playlist", a.Title).Str("kind", string(a.Kind)).
			Int("items", len(a.ItemIDs)+len(a.EntryIDs)).Msg("Playlist updated")
		metrics.RecordPlaylistAction(a.TargetServer, string(a.Kind), "applied")
	}

	mu.Lock()
	report.PlaylistActionsApplied += len(actions) - failed
	report.PlaylistActionsFailed += failed
	mu.Unlock()

	if failed > 0 || r.playlists == nil {
		return
	}
	if err := r.playlists.SavePlaylists(ctx, id.Canonical, plan.Records); err != nil {
		log.Error().Err(err).Msg("Failed to save playlist state")
	}
}

func applyPlaylistAction(ctx context.Context, ps mediaserver.PlaylistServer, a models.PlaylistAction) error {
	switch a.Kind {
	case models.PlaylistCreate:
		return ps.CreatePlaylist(ctx, a.TargetUser, a.Title, a.ItemIDs)
	case models.PlaylistAdd:
		return ps.AddPlaylistItems(ctx, a.TargetUser, a.PlaylistID, a.ItemIDs)
	case models.PlaylistRemove:
		return ps.RemovePlaylistItems(ctx, a.TargetUser, a.PlaylistID, a.EntryIDs)
	default:
		return fmt.Errorf("unknown playlist action %q", a.Kind)
	}
}
