// Copyright (c) 2026, the nemorosa contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package torrentcache persists candidate torrent metadata fetched from
// target sites so repeated scans do not re-query the same torrents.
//
// Entries are indexed two ways: by infohash for the hash search ladder, and
// by loose-normalized name for the filename ladder.
package torrentcache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/nemorosa/nemorosa/internal/dbinterface"
	"github.com/nemorosa/nemorosa/pkg/normalize"
)

// FileEntry is one file inside a cached candidate torrent.
type FileEntry struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// Entry is one cached candidate torrent from a target site.
type Entry struct {
	Site           string      `json:"site"`
	TorrentID      int64       `json:"torrentId"`
	GroupID        int64       `json:"groupId,omitempty"`
	InfoHash       string      `json:"infoHash,omitempty"`
	Name           string      `json:"name"`
	NormalizedName string      `json:"-"`
	TotalSize      int64       `json:"totalSize"`
	Files          []FileEntry `json:"files"`
	FetchedAt      time.Time   `json:"fetchedAt"`
}

type Cache struct {
	db dbinterface.Querier
}

func New(db dbinterface.Querier) *Cache {
	return &Cache{db: db}
}

// Put upserts an entry, recomputing the normalized-name index column.
func (c *Cache) Put(ctx context.Context, e *Entry) error {
	if e == nil {
		return errors.New("entry is nil")
	}
	if e.Site == "" || e.TorrentID == 0 {
		return errors.New("site and torrent id are required")
	}

	filesJSON, err := json.Marshal(e.Files)
	if err != nil {
		return err
	}

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO torrent_cache (site, torrent_id, group_id, infohash, name, normalized_name, total_size, files_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(site, torrent_id)
		DO UPDATE SET
			group_id = excluded.group_id,
			infohash = excluded.infohash,
			name = excluded.name,
			normalized_name = excluded.normalized_name,
			total_size = excluded.total_size,
			files_json = excluded.files_json,
			fetched_at = CURRENT_TIMESTAMP
	`, e.Site, e.TorrentID, e.GroupID, e.InfoHash, e.Name,
		normalize.String(e.Name, normalize.Loose), e.TotalSize, string(filesJSON))
	return err
}

// Get returns the cached entry for (site, torrentID), or nil when absent.
func (c *Cache) Get(ctx context.Context, site string, torrentID int64) (*Entry, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT site, torrent_id, group_id, infohash, name, normalized_name, total_size, files_json, fetched_at
		FROM torrent_cache
		WHERE site = ? AND torrent_id = ?
	`, site, torrentID)
	return scanEntry(row)
}

// FindByHash returns all cached entries with the given infohash across
// sites. Source-flag variants of the same content have distinct hashes, so
// this is an exact lookup.
func (c *Cache) FindByHash(ctx context.Context, infoHash string) ([]*Entry, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT site, torrent_id, group_id, infohash, name, normalized_name, total_size, files_json, fetched_at
		FROM torrent_cache
		WHERE infohash = ?
	`, infoHash)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

// FindByName returns cached entries on site whose loose-normalized name
// equals the loose normalization of name.
func (c *Cache) FindByName(ctx context.Context, site, name string) ([]*Entry, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT site, torrent_id, group_id, infohash, name, normalized_name, total_size, files_json, fetched_at
		FROM torrent_cache
		WHERE site = ? AND normalized_name = ?
	`, site, normalize.String(name, normalize.Loose))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var e Entry
	var filesJSON string
	err := row.Scan(&e.Site, &e.TorrentID, &e.GroupID, &e.InfoHash, &e.Name,
		&e.NormalizedName, &e.TotalSize, &filesJSON, &e.FetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(filesJSON), &e.Files); err != nil {
		return nil, err
	}
	return &e, nil
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
