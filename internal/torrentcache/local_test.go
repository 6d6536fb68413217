// Copyright (c) 2026, the nemorosa contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package torrentcache

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/nemorosa/nemorosa/internal/database"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLocalStore(t *testing.T) *LocalStore {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "nemorosa.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewLocalStore(db)
}

func sampleLocal() *LocalEntry {
	return &LocalEntry{
		InfoHash:  "ABCDEF0123456789ABCDEF0123456789ABCDEF01",
		Name:      "Artist - Album (2020) [FLAC]",
		SavePath:  "/data/music",
		TotalSize: 130000,
		Trackers:  []string{"https://flacsfor.me/announce"},
		Metainfo:  []byte("d4:infod4:name5:albumee"),
	}
}

func TestLocalStorePutGetLowercasesHash(t *testing.T) {
	ctx := context.Background()
	store := newLocalStore(t)

	require.NoError(t, store.Put(ctx, sampleLocal()))

	got, err := store.Get(ctx, "abcdef0123456789abcdef0123456789abcdef01")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "/data/music", got.SavePath)
	assert.Equal(t, []string{"https://flacsfor.me/announce"}, got.Trackers)
	assert.NotEmpty(t, got.Metainfo)
}

func TestLocalStoreRefreshKeepsMetainfo(t *testing.T) {
	ctx := context.Background()
	store := newLocalStore(t)

	require.NoError(t, store.Put(ctx, sampleLocal()))

	// A listing refresh carries no metainfo blob.
	refreshed := sampleLocal()
	refreshed.Metainfo = nil
	refreshed.SavePath = "/data/music/moved"
	require.NoError(t, store.Put(ctx, refreshed))

	got, err := store.Get(ctx, refreshed.InfoHash)
	require.NoError(t, err)
	assert.Equal(t, "/data/music/moved", got.SavePath)
	assert.NotEmpty(t, got.Metainfo, "refresh must not erase stored metainfo")
}

func TestLocalStoreFindByNameSize(t *testing.T) {
	ctx := context.Background()
	store := newLocalStore(t)

	require.NoError(t, store.Put(ctx, sampleLocal()))

	entries, err := store.FindByNameSize(ctx, "artist - album (2020) [flac]", 130000)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	none, err := store.FindByNameSize(ctx, "artist - album (2020) [flac]", 999)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestLocalStoreDelete(t *testing.T) {
	ctx := context.Background()
	store := newLocalStore(t)

	require.NoError(t, store.Put(ctx, sampleLocal()))
	require.NoError(t, store.Delete(ctx, sampleLocal().InfoHash))

	got, err := store.Get(ctx, sampleLocal().InfoHash)
	require.NoError(t, err)
	assert.Nil(t, got)

	all, err := store.All(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}
