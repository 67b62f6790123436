// Watchsync - Cross-Server Watch State Reconciliation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchsync

/*
Package models defines the data structures shared by the media server
adapters, the reconciliation engine, the store and the admin API.

Snapshot types:

  - ServerItem: one media entry on one server, taken once per pass
  - Library, Account: listings from one server
  - WatchState: playback state of one item for one user

Pass types:

  - SyncAction: a single write produced by the Differ and applied by the Runner
  - PassReport: the summary of a pass, persisted and served by the admin API
  - RunMark: checkpoint of the last successfully completed pass
  - FailedAction: an action that exhausted its retries
*/
package models
