// Copyright (c) 2026, the nemorosa contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package torrentcache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/nemorosa/nemorosa/internal/dbinterface"
	"github.com/nemorosa/nemorosa/pkg/normalize"
)

// LocalEntry is a snapshot of one torrent registered in the local client,
// with its raw metainfo so matching does not depend on the client being
// reachable mid-pipeline.
type LocalEntry struct {
	InfoHash       string    `json:"infoHash"`
	Name           string    `json:"name"`
	NormalizedName string    `json:"-"`
	SavePath       string    `json:"savePath"`
	TotalSize      int64     `json:"totalSize"`
	Trackers       []string  `json:"trackers,omitempty"`
	Metainfo       []byte    `json:"-"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

type LocalStore struct {
	db dbinterface.Querier
}

func NewLocalStore(db dbinterface.Querier) *LocalStore {
	return &LocalStore{db: db}
}

// Put upserts a snapshot. A nil Metainfo keeps any previously stored blob so
// a listing refresh does not erase exported metainfo.
func (s *LocalStore) Put(ctx context.Context, e *LocalEntry) error {
	if e == nil || e.InfoHash == "" {
		return errors.New("local entry requires an infohash")
	}

	trackersJSON, err := json.Marshal(e.Trackers)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO local_torrents (infohash, name, normalized_name, save_path, total_size, trackers_json, metainfo)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(infohash)
		DO UPDATE SET
			name = excluded.name,
			normalized_name = excluded.normalized_name,
			save_path = excluded.save_path,
			total_size = excluded.total_size,
			trackers_json = excluded.trackers_json,
			metainfo = COALESCE(excluded.metainfo, local_torrents.metainfo),
			updated_at = CURRENT_TIMESTAMP
	`, strings.ToLower(e.InfoHash), e.Name, normalize.String(e.Name, normalize.Loose),
		e.SavePath, e.TotalSize, string(trackersJSON), e.Metainfo)
	return err
}

// Get returns the snapshot for the infohash, or nil when absent.
func (s *LocalStore) Get(ctx context.Context, infoHash string) (*LocalEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT infohash, name, normalized_name, save_path, total_size, trackers_json, metainfo, updated_at
		FROM local_torrents
		WHERE infohash = ?
	`, strings.ToLower(infoHash))
	return scanLocalEntry(row)
}

// FindByNameSize resolves an announce-style lookup: loose-normalized name
// plus exact total size.
func (s *LocalStore) FindByNameSize(ctx context.Context, name string, totalSize int64) ([]*LocalEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT infohash, name, normalized_name, save_path, total_size, trackers_json, metainfo, updated_at
		FROM local_torrents
		WHERE normalized_name = ? AND total_size = ?
	`, normalize.String(name, normalize.Loose), totalSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLocalEntries(rows)
}

// All returns every snapshot, oldest-updated first.
func (s *LocalStore) All(ctx context.Context) ([]*LocalEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT infohash, name, normalized_name, save_path, total_size, trackers_json, metainfo, updated_at
		FROM local_torrents
		ORDER BY updated_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLocalEntries(rows)
}

// Delete removes snapshots for torrents no longer in the client.
func (s *LocalStore) Delete(ctx context.Context, infoHashes ...string) error {
	for _, h := range infoHashes {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM local_torrents WHERE infohash = ?`, strings.ToLower(h)); err != nil {
			return err
		}
	}
	return nil
}

func scanLocalEntry(row rowScanner) (*LocalEntry, error) {
	var e LocalEntry
	var trackersJSON string
	err := row.Scan(&e.InfoHash, &e.Name, &e.NormalizedName, &e.SavePath,
		&e.TotalSize, &trackersJSON, &e.Metainfo, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(trackersJSON), &e.Trackers); err != nil {
		return nil, err
	}
	return &e, nil
}

func scanLocalEntries(rows *sql.Rows) ([]*LocalEntry, error) {
	var entries []*LocalEntry
	for rows.Next() {
		e, err := scanLocalEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
