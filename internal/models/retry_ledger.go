// Copyright (c) 2026, the nemorosa contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/nemorosa/nemorosa/internal/dbinterface"
)

// RetryEntry is one parked unit of work that failed with a transient error.
// Stage records where the pipeline stopped so the sweep can resume there.
type RetryEntry struct {
	InfoHash      string    `json:"infoHash"`
	Site          string    `json:"site"`
	Stage         string    `json:"stage"`
	Attempts      int       `json:"attempts"`
	NextAttemptAt time.Time `json:"nextAttemptAt"`
	LastError     string    `json:"lastError,omitempty"`
	Payload       string    `json:"payload,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

type RetryStore struct {
	db dbinterface.Querier
}

func NewRetryStore(db dbinterface.Querier) *RetryStore {
	return &RetryStore{db: db}
}

// Park records a transient failure, bumping the attempt counter when the
// entry already exists.
func (s *RetryStore) Park(ctx context.Context, e *RetryEntry) error {
	if e == nil {
		return errors.New("retry entry is nil")
	}
	hash := normalizeInfoHash(e.InfoHash)
	if hash == "" {
		return errors.New("infohash is required")
	}
	if e.Site == "" {
		return errors.New("site is required")
	}
	if e.NextAttemptAt.IsZero() {
		return errors.New("next attempt time is required")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO retry_ledger (infohash, site, stage, attempts, next_attempt_at, last_error, payload)
		VALUES (?, ?, ?, 1, ?, ?, ?)
		ON CONFLICT(infohash, site)
		DO UPDATE SET
			stage = excluded.stage,
			attempts = retry_ledger.attempts + 1,
			next_attempt_at = excluded.next_attempt_at,
			last_error = excluded.last_error,
			payload = excluded.payload,
			updated_at = CURRENT_TIMESTAMP
	`, hash, e.Site, e.Stage, e.NextAttemptAt.UTC(), e.LastError, e.Payload)
	return err
}

// Get returns the parked entry for (infohash, site), or nil when absent.
func (s *RetryStore) Get(ctx context.Context, infoHash, site string) (*RetryEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT infohash, site, stage, attempts, next_attempt_at, last_error, payload, created_at, updated_at
		FROM retry_ledger
		WHERE infohash = ? AND site = ?
	`, normalizeInfoHash(infoHash), site)

	var e RetryEntry
	err := row.Scan(&e.InfoHash, &e.Site, &e.Stage, &e.Attempts, &e.NextAttemptAt,
		&e.LastError, &e.Payload, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// Due returns entries whose next attempt time has passed, oldest first.
func (s *RetryStore) Due(ctx context.Context, now time.Time) ([]*RetryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT infohash, site, stage, attempts, next_attempt_at, last_error, payload, created_at, updated_at
		FROM retry_ledger
		WHERE next_attempt_at <= ?
		ORDER BY next_attempt_at ASC
	`, now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*RetryEntry
	for rows.Next() {
		var e RetryEntry
		if err := rows.Scan(&e.InfoHash, &e.Site, &e.Stage, &e.Attempts, &e.NextAttemptAt,
			&e.LastError, &e.Payload, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// Resolve removes a parked entry after a successful retry or a permanent
// outcome.
func (s *RetryStore) Resolve(ctx context.Context, infoHash, site string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM retry_ledger WHERE infohash = ? AND site = ?
	`, normalizeInfoHash(infoHash), site)
	return err
}

// Count returns the number of parked entries.
func (s *RetryStore) Count(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM retry_ledger`).Scan(&count)
	return count, err
}
