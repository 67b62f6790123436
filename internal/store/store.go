// Watchsync - Cross-Server Watch State Reconciliation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchsync

// Package store persists the run mark, pass reports, failed actions and
// playlist membership in BadgerDB.
//
// Key layout:
//
//	mark                              RunMark of the last completed pass
//	report:<started-unix-nanos>:<id>  PassReport, expires after the retention
//	reportid:<id>                     index from pass id to report key
//	failed:<pass-id>:<seq>            FailedAction, same retention as reports
//	playlist:<user>                   []PlaylistRecord of one canonical user
//
// Report keys sort by start time, so a reverse prefix scan lists the newest
// passes first.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/tomtom215/watchsync/internal/logging"
	"github.com/tomtom215/watchsync/internal/models"
)

const (
	keyMark        = "mark"
	prefixReport   = "report:"
	prefixReportID = "reportid:"
	prefixFailed   = "failed:"
	prefixPlaylist = "playlist:"
)

// ErrNotFound is returned when a report does not exist or has expired.
var ErrNotFound = errors.New("not found")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("store is closed")

// Store is a BadgerDB-backed state store. It is safe for concurrent use.
type Store struct {
	db        *badger.DB
	retention time.Duration

	mu     sync.RWMutex
	closed bool
}

// Open opens (or creates) the store at path. Reports and failed actions
// expire after retention; zero keeps them forever.
func Open(path string, retention time.Duration) (*Store, error) {
	opts := badger.DefaultOptions(path)
	opts.SyncWrites = true
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open BadgerDB: %w", err)
	}

	logging.Info().
		Str("path", path).
		Dur("report_retention", retention).
		Msg("State store opened")
	return &Store{db: db, retention: retention}, nil
}

// OpenForTesting opens an in-memory store.
func OpenForTesting(retention time.Duration) (*Store, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open BadgerDB: %w", err)
	}
	return &Store{db: db, retention: retention}, nil
}

// Close flushes and closes the database. It is idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close BadgerDB: %w", err)
	}
	logging.Info().Msg("State store closed")
	return nil
}

func (s *Store) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *Store) entry(key, value []byte) *badger.Entry {
	e := badger.NewEntry(key, value)
	if s.retention > 0 {
		e = e.WithTTL(s.retention)
	}
	return e
}

// LoadMark returns the last run mark, or a zero mark before the first
// completed pass.
func (s *Store) LoadMark(ctx context.Context) (models.RunMark, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var mark models.RunMark
	if err := s.check(ctx); err != nil {
		return mark, err
	}

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyMark))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &mark)
		})
	})
	if err != nil {
		return models.RunMark{}, fmt.Errorf("load run mark: %w", err)
	}
	return mark, nil
}

// SaveMark replaces the run mark. The mark never expires.
func (s *Store) SaveMark(ctx context.Context, mark models.RunMark) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx); err != nil {
		return err
	}

	data, err := json.Marshal(mark)
	if err != nil {
		return fmt.Errorf("marshal run mark: %w", err)
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(keyMark), data)
	}); err != nil {
		return fmt.Errorf("save run mark: %w", err)
	}
	return nil
}

func reportKey(r *models.PassReport) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", prefixReport, r.StartedAt.UnixNano(), r.ID))
}

// SaveReport stores a pass report. Failed actions carried on the report
// are not duplicated into the report record; use SaveFailedActions.
func (s *Store) SaveReport(ctx context.Context, report *models.PassReport) error {
	if report == nil || report.ID == "" {
		return fmt.Errorf("save report: report has no id")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx); err != nil {
		return err
	}

	stored := *report
	stored.FailedActions = nil
	data, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	key := reportKey(report)
	if err := s.db.Update(func(txn *badger.Txn) error {
		if err := txn.SetEntry(s.entry(key, data)); err != nil {
			return err
		}
		return txn.SetEntry(s.entry([]byte(prefixReportID+report.ID), key))
	}); err != nil {
		return fmt.Errorf("save report %s: %w", report.ID, err)
	}
	return nil
}

// ListReports returns up to limit reports, newest first. A non-positive
// limit returns every retained report.
func (s *Store) ListReports(ctx context.Context, limit int) ([]*models.PassReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	var reports []*models.PassReport
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = []byte(prefixReport)
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration starts at the largest key <= seek.
		seek := append([]byte(prefixReport), 0xff)
		for it.Seek(seek); it.ValidForPrefix(opts.Prefix); it.Next() {
			if limit > 0 && len(reports) >= limit {
				break
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			r := &models.PassReport{}
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, r)
			}); err != nil {
				return err
			}
			reports = append(reports, r)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	return reports, nil
}

// GetReport returns one report by pass id.
func (s *Store) GetReport(ctx context.Context, id string) (*models.PassReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	r := &models.PassReport{}
	err := s.db.View(func(txn *badger.Txn) error {
		idx, err := txn.Get([]byte(prefixReportID + id))
		if err != nil {
			return err
		}
		key, err := idx.ValueCopy(nil)
		if err != nil {
			return err
		}
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, r)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get report %s: %w", id, err)
	}
	return r, nil
}

// SaveFailedActions stores the failed actions of one pass.
func (s *Store) SaveFailedActions(ctx context.Context, passID string, failed []models.FailedAction) error {
	if len(failed) == 0 {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx); err != nil {
		return err
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for i := range failed {
		data, err := json.Marshal(&failed[i])
		if err != nil {
			return fmt.Errorf("marshal failed action: %w", err)
		}
		key := []byte(fmt.Sprintf("%s%s:%06d", prefixFailed, passID, i))
		if err := wb.SetEntry(s.entry(key, data)); err != nil {
			return fmt.Errorf("save failed actions: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("save failed actions: %w", err)
	}
	return nil
}

// ListFailedActions returns the failed actions recorded for passID in the
// order they were saved.
func (s *Store) ListFailedActions(ctx context.Context, passID string) ([]models.FailedAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	prefix := []byte(prefixFailed + passID + ":")
	var out []models.FailedAction
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var fa models.FailedAction
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &fa)
			}); err != nil {
				return err
			}
			out = append(out, fa)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list failed actions for %s: %w", passID, err)
	}
	return out, nil
}

// LoadPlaylists returns the stored playlist membership of user, or nil
// before the first save.
func (s *Store) LoadPlaylists(ctx context.Context, user string) ([]models.PlaylistRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	var records []models.PlaylistRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixPlaylist + user))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &records)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("load playlists for %s: %w", user, err)
	}
	return records, nil
}

// SavePlaylists replaces the playlist membership of user. It never
// expires; an empty slice deletes it.
func (s *Store) SavePlaylists(ctx context.Context, user string, records []models.PlaylistRecord) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx); err != nil {
		return err
	}

	key := []byte(prefixPlaylist + user)
	err := s.db.Update(func(txn *badger.Txn) error {
		if len(records) == 0 {
			return txn.Delete(key)
		}
		data, err := json.Marshal(records)
		if err != nil {
			return err
		}
		return txn.Set(key, data)
	})
	if err != nil {
		return fmt.Errorf("save playlists for %s: %w", user, err)
	}
	return nil
}

// RunGC reclaims value-log space until nothing is left to rewrite.
func (s *Store) RunGC() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	for {
		err := s.db.RunValueLogGC(0.5)
		if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrGCInMemoryMode) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("run GC: %w", err)
		}
	}
}
