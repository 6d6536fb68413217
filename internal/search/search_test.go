// Copyright (c) 2026, the nemorosa contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nemorosa/nemorosa/internal/database"
	"github.com/nemorosa/nemorosa/internal/domain"
	"github.com/nemorosa/nemorosa/internal/gazelle"
	"github.com/nemorosa/nemorosa/internal/torrentcache"
	"github.com/nemorosa/nemorosa/pkg/torrents"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildLocal(t *testing.T) *torrents.Torrent {
	t.Helper()
	tor, err := torrents.Build("Artist - Album (2020) [FLAC]", 16384, []torrents.BuildFile{
		{Path: "01 - A Very Distinctive Opening Track.flac", Data: []byte(strings.Repeat("a", 30000))},
		{Path: "02 - B.flac", Data: []byte(strings.Repeat("b", 20000))},
		{Path: "cover.jpg", Data: []byte(strings.Repeat("c", 1000))},
	}, "")
	require.NoError(t, err)
	return tor
}

func siteClient(t *testing.T, handler http.Handler) *gazelle.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := gazelle.NewClient(domain.TargetSiteConfig{
		Server:  srv.URL,
		Tracker: "tracker.example",
		APIKey:  "k",
	}, zerolog.Nop())
	require.NoError(t, err)
	return client
}

func ajaxSuccess(w http.ResponseWriter, response any) {
	raw, _ := json.Marshal(response)
	fmt.Fprintf(w, `{"status":"success","response":%s}`, raw)
}

func TestFindCandidatesHashHitShortCircuits(t *testing.T) {
	local := buildLocal(t)
	localHash := strings.ToUpper(local.InfoHash().HexString())

	var filenameSearches int
	site := siteClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("action") {
		case "torrent":
			if r.URL.Query().Get("hash") == localHash {
				ajaxSuccess(w, map[string]any{
					"group":   map[string]any{"id": 7, "name": "Artist - Album"},
					"torrent": map[string]any{"id": 42, "size": local.TotalSize()},
				})
				return
			}
			fmt.Fprint(w, `{"status":"failure","error":"bad hash parameter"}`)
		case "browse":
			filenameSearches++
			ajaxSuccess(w, map[string]any{"results": []any{}})
		}
	}))

	strategy := New(5*time.Second, nil, zerolog.Nop())
	candidates, err := strategy.FindCandidates(context.Background(), local, site)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.True(t, candidates[0].FromHash)
	assert.Equal(t, int64(42), candidates[0].TorrentID)
	assert.Zero(t, filenameSearches, "hash hit must skip the name ladder")
}

func TestFindCandidatesNameLadder(t *testing.T) {
	local := buildLocal(t)

	site := siteClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("action") {
		case "torrent":
			fmt.Fprint(w, `{"status":"failure","error":"bad hash parameter"}`)
		case "browse":
			ajaxSuccess(w, map[string]any{"results": []any{
				map[string]any{
					"groupId":   1,
					"groupName": "Totally Unrelated Compilation",
					"torrents":  []any{map[string]any{"torrentId": 10, "size": 99}},
				},
				map[string]any{
					"groupId":   2,
					"groupName": "Artist - Album (2020) [FLAC]",
					"torrents":  []any{map[string]any{"torrentId": 20, "size": local.TotalSize()}},
				},
			}})
		}
	}))

	strategy := New(5*time.Second, nil, zerolog.Nop())
	candidates, err := strategy.FindCandidates(context.Background(), local, site)
	require.NoError(t, err)
	require.Len(t, candidates, 2)

	// Ranked by title similarity to the local name.
	assert.Equal(t, int64(20), candidates[0].TorrentID)
	assert.Equal(t, int64(10), candidates[1].TorrentID)
	assert.False(t, candidates[0].FromHash)
}

func TestFindCandidatesBroadResultsFallBackToCleanedQuery(t *testing.T) {
	local := buildLocal(t)

	var queries []string
	site := siteClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("action") {
		case "torrent":
			fmt.Fprint(w, `{"status":"failure","error":"bad hash parameter"}`)
		case "browse":
			q := r.URL.Query().Get("filelist")
			queries = append(queries, q)
			if strings.HasSuffix(q, ".flac") {
				// Raw filename: flood of results.
				results := make([]any, 0, 21)
				for i := 0; i < 21; i++ {
					results = append(results, map[string]any{
						"groupId":   i,
						"groupName": fmt.Sprintf("Group %d", i),
						"torrents":  []any{map[string]any{"torrentId": 1000 + i, "size": 1}},
					})
				}
				ajaxSuccess(w, map[string]any{"results": results})
				return
			}
			// Cleaned query: a single specific hit.
			ajaxSuccess(w, map[string]any{"results": []any{
				map[string]any{
					"groupId":   5,
					"groupName": "Artist - Album",
					"torrents":  []any{map[string]any{"torrentId": 500, "size": 1}},
				},
			}})
		}
	}))

	strategy := New(5*time.Second, nil, zerolog.Nop())
	candidates, err := strategy.FindCandidates(context.Background(), local, site)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, int64(500), candidates[0].TorrentID)

	require.GreaterOrEqual(t, len(queries), 2)
	assert.Equal(t, "01 - A Very Distinctive Opening Track.flac", queries[0])
	assert.NotContains(t, queries[1], ".flac")
}

func testCache(t *testing.T) *torrentcache.Cache {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "nemorosa.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return torrentcache.New(db)
}

func TestFindCandidatesCachedHashSkipsSite(t *testing.T) {
	local := buildLocal(t)

	var siteRequests int
	site := siteClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		siteRequests++
		fmt.Fprint(w, `{"status":"failure","error":"bad hash parameter"}`)
	}))

	cache := testCache(t)
	require.NoError(t, cache.Put(context.Background(), &torrentcache.Entry{
		Site:      site.Host(),
		TorrentID: 42,
		GroupID:   7,
		InfoHash:  strings.ToLower(local.InfoHash().HexString()),
		Name:      "Artist - Album",
		TotalSize: local.TotalSize(),
	}))

	strategy := New(5*time.Second, cache, zerolog.Nop())
	candidates, err := strategy.FindCandidates(context.Background(), local, site)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.True(t, candidates[0].FromHash)
	assert.Equal(t, int64(42), candidates[0].TorrentID)
	assert.Zero(t, siteRequests, "cached hash must answer without a site query")
}

func TestNameLadderSeedsFromCache(t *testing.T) {
	local := buildLocal(t)

	site := siteClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("action") {
		case "torrent":
			fmt.Fprint(w, `{"status":"failure","error":"bad hash parameter"}`)
		case "browse":
			ajaxSuccess(w, map[string]any{"results": []any{}})
		}
	}))

	cache := testCache(t)
	require.NoError(t, cache.Put(context.Background(), &torrentcache.Entry{
		Site:      site.Host(),
		TorrentID: 20,
		Name:      local.Name(),
		TotalSize: local.TotalSize(),
	}))

	strategy := New(5*time.Second, cache, zerolog.Nop())
	candidates, err := strategy.FindCandidates(context.Background(), local, site)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, int64(20), candidates[0].TorrentID)
	assert.False(t, candidates[0].FromHash)
}

func TestFilenameQueriesPreferMusicAndLength(t *testing.T) {
	tor, err := torrents.Build("Album", 16384, []torrents.BuildFile{
		{Path: "a-very-long-non-music-name-that-wins-on-length.log", Data: []byte("xx")},
		{Path: "01 - Short.flac", Data: []byte("yy")},
		{Path: "02 - A Somewhat Longer Track Title.flac", Data: []byte("zz")},
	}, "")
	require.NoError(t, err)

	queries := filenameQueries(tor)
	require.Len(t, queries, 3)
	assert.Equal(t, "02 - A Somewhat Longer Track Title.flac", queries[0])
	assert.Equal(t, "01 - Short.flac", queries[1])
	assert.Equal(t, "a-very-long-non-music-name-that-wins-on-length.log", queries[2])
}
