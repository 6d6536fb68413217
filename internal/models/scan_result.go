// Copyright (c) 2026, the nemorosa contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package models contains the persisted stores backing the scan ledger,
// the retry ledger and their row types.
package models

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/nemorosa/nemorosa/internal/dbinterface"
)

// OutcomeStatus is the terminal (or parked) state of one source torrent
// against one target site.
type OutcomeStatus string

const (
	StatusMatched        OutcomeStatus = "matched"
	StatusNoMatch        OutcomeStatus = "no_match"
	StatusSkipped        OutcomeStatus = "skipped"
	StatusFoundNoFetch   OutcomeStatus = "found_not_downloaded"
	StatusDownloadFailed OutcomeStatus = "download_failed"
	StatusInjectFailed   OutcomeStatus = "inject_failed"
	StatusVerifyFailed   OutcomeStatus = "verify_failed"
)

// Retryable reports whether a recorded outcome should not gate future scans
// of the same torrent.
func (s OutcomeStatus) Retryable() bool {
	switch s {
	case StatusDownloadFailed, StatusInjectFailed, StatusVerifyFailed:
		return true
	}
	return false
}

// ScanResult is one (source torrent, target site) outcome row.
type ScanResult struct {
	InfoHash        string        `json:"infoHash"`
	Site            string        `json:"site"`
	Name            string        `json:"name"`
	Status          OutcomeStatus `json:"status"`
	Detail          string        `json:"detail,omitempty"`
	MatchURL        string        `json:"matchUrl,omitempty"`
	MatchedInfoHash string        `json:"matchedInfoHash,omitempty"`
	CreatedAt       time.Time     `json:"createdAt"`
	UpdatedAt       time.Time     `json:"updatedAt"`
}

var ErrScanResultNotFound = errors.New("scan result not found")

type ScanStore struct {
	db dbinterface.Querier
}

func NewScanStore(db dbinterface.Querier) *ScanStore {
	return &ScanStore{db: db}
}

// Record upserts the outcome for (infohash, site).
func (s *ScanStore) Record(ctx context.Context, r *ScanResult) error {
	if r == nil {
		return errors.New("scan result is nil")
	}
	hash := normalizeInfoHash(r.InfoHash)
	if hash == "" {
		return errors.New("infohash is required")
	}
	if r.Site == "" {
		return errors.New("site is required")
	}
	if r.Status == "" {
		return errors.New("status is required")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scan_results (infohash, site, name, status, detail, match_url, matched_infohash)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(infohash, site)
		DO UPDATE SET
			name = excluded.name,
			status = excluded.status,
			detail = excluded.detail,
			match_url = excluded.match_url,
			matched_infohash = excluded.matched_infohash,
			updated_at = CURRENT_TIMESTAMP
	`, hash, r.Site, r.Name, string(r.Status), r.Detail, r.MatchURL, normalizeInfoHash(r.MatchedInfoHash))
	return err
}

// Get returns the outcome for (infohash, site), or ErrScanResultNotFound.
func (s *ScanStore) Get(ctx context.Context, infoHash, site string) (*ScanResult, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT infohash, site, name, status, detail, match_url, matched_infohash, created_at, updated_at
		FROM scan_results
		WHERE infohash = ? AND site = ?
	`, normalizeInfoHash(infoHash), site)

	var r ScanResult
	var status string
	err := row.Scan(&r.InfoHash, &r.Site, &r.Name, &status, &r.Detail,
		&r.MatchURL, &r.MatchedInfoHash, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrScanResultNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Status = OutcomeStatus(status)
	return &r, nil
}

// Seen reports whether a non-retryable outcome already exists for
// (infohash, site). The orchestrator uses it as the scan gate.
func (s *ScanStore) Seen(ctx context.Context, infoHash, site string) (bool, error) {
	r, err := s.Get(ctx, infoHash, site)
	if errors.Is(err, ErrScanResultNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !r.Status.Retryable(), nil
}

// ListByStatus returns all outcomes with the given status, newest first.
func (s *ScanStore) ListByStatus(ctx context.Context, status OutcomeStatus) ([]*ScanResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT infohash, site, name, status, detail, match_url, matched_infohash, created_at, updated_at
		FROM scan_results
		WHERE status = ?
		ORDER BY updated_at DESC
	`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanResultRows(rows)
}

// ListRecent returns the most recently updated outcomes, newest first.
func (s *ScanStore) ListRecent(ctx context.Context, limit int) ([]*ScanResult, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT infohash, site, name, status, detail, match_url, matched_infohash, created_at, updated_at
		FROM scan_results
		ORDER BY updated_at DESC, infohash
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanResultRows(rows)
}

// Stats returns outcome counts per status for the run summary.
func (s *ScanStore) Stats(ctx context.Context) (map[OutcomeStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM scan_results GROUP BY status
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := make(map[OutcomeStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[OutcomeStatus(status)] = count
	}
	return stats, rows.Err()
}

func scanResultRows(rows *sql.Rows) ([]*ScanResult, error) {
	var results []*ScanResult
	for rows.Next() {
		var r ScanResult
		var status string
		if err := rows.Scan(&r.InfoHash, &r.Site, &r.Name, &status, &r.Detail,
			&r.MatchURL, &r.MatchedInfoHash, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.Status = OutcomeStatus(status)
		results = append(results, &r)
	}
	return results, rows.Err()
}

func normalizeInfoHash(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
