// Copyright (c) 2026, the nemorosa contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nemorosa/nemorosa/internal/clients"
	"github.com/nemorosa/nemorosa/internal/database"
	"github.com/nemorosa/nemorosa/internal/domain"
	"github.com/nemorosa/nemorosa/internal/gazelle"
	"github.com/nemorosa/nemorosa/internal/models"
	"github.com/nemorosa/nemorosa/internal/pipeline"
	"github.com/nemorosa/nemorosa/internal/reconcile"
	"github.com/nemorosa/nemorosa/internal/search"
	"github.com/nemorosa/nemorosa/internal/torrentcache"
	"github.com/nemorosa/nemorosa/pkg/torrents"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	mu      sync.Mutex
	seeding []clients.LocalTorrent
	meta    map[string][]byte
	exports int
}

func (f *fakeClient) Kind() domain.ClientKind { return domain.ClientQBittorrent }

func (f *fakeClient) ListSeeding(context.Context) ([]clients.LocalTorrent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seeding, nil
}

func (f *fakeClient) Files(context.Context, string) ([]clients.TorrentFile, error) { return nil, nil }

func (f *fakeClient) Export(_ context.Context, infoHash string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exports++
	data, ok := f.meta[strings.ToLower(infoHash)]
	if !ok {
		return nil, &domain.ClientError{Op: "export torrent", Err: fmt.Errorf("unknown hash %s", infoHash)}
	}
	return data, nil
}

func (f *fakeClient) Inject(context.Context, clients.InjectRequest) error { return nil }

func (f *fakeClient) Recheck(context.Context, string) error { return nil }

func (f *fakeClient) Status(context.Context, string) (*clients.TorrentStatus, error) {
	return &clients.TorrentStatus{Progress: 1.0}, nil
}

func (f *fakeClient) Start(context.Context, string) error { return nil }

func buildAlbum(t *testing.T, name string) *torrents.Torrent {
	t.Helper()
	tor, err := torrents.Build(name, 16384, []torrents.BuildFile{
		{Path: "01 - Intro.flac", Data: []byte(strings.Repeat("a", 30000))},
		{Path: "02 - Song.flac", Data: []byte(strings.Repeat("b", 20000))},
	}, "")
	require.NoError(t, err)
	return tor
}

func seedingEntry(t *testing.T, tor *torrents.Torrent, savePath string) (clients.LocalTorrent, []byte) {
	t.Helper()
	data, err := tor.Encode()
	require.NoError(t, err)
	return clients.LocalTorrent{
		InfoHash: tor.InfoHash().HexString(),
		Name:     tor.Name(),
		SavePath: savePath,
		Trackers: []string{"https://flacsfor.me/abc/announce"},
		Progress: 1.0,
	}, data
}

// siteFor serves one torrent for hash lookup and download.
func siteFor(t *testing.T, tor *torrents.Torrent, torrentID int64) http.Handler {
	t.Helper()
	data, err := tor.Encode()
	require.NoError(t, err)
	hash := strings.ToUpper(tor.InfoHash().HexString())

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		switch q.Get("action") {
		case "torrent":
			if h := q.Get("hash"); h != "" && h != hash {
				fmt.Fprint(w, `{"status":"failure","error":"bad hash parameter"}`)
				return
			}
			resp := map[string]any{
				"group":   map[string]any{"id": 1, "name": tor.Name()},
				"torrent": map[string]any{"id": torrentID, "size": tor.TotalSize()},
			}
			raw, _ := json.Marshal(resp)
			fmt.Fprintf(w, `{"status":"success","response":%s}`, raw)
		case "download":
			w.Write(data)
		default:
			fmt.Fprint(w, `{"status":"success","response":{"results":[]}}`)
		}
	})
}

type env struct {
	orch    *Orchestrator
	client  *fakeClient
	locals  *torrentcache.LocalStore
	scans   *models.ScanStore
	retries *models.RetryStore
	site    *gazelle.Client
}

func newEnv(t *testing.T, handler http.Handler) *env {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), "nemorosa.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	site, err := gazelle.NewClient(domain.TargetSiteConfig{
		Server:  srv.URL,
		Tracker: "flacsfor.me",
		APIKey:  "k",
	}, zerolog.Nop())
	require.NoError(t, err)

	cfg := &domain.Config{}
	cfg.ApplyDefaults()
	cfg.Global.CheckTrackers = []string{"flacsfor.me"}
	cfg.Global.Linking.Mode = domain.LinkModeHard
	cfg.Global.ScanConcurrency = 2
	cfg.Global.SearchTimeout = 5 * time.Second
	cfg.Global.FetchTimeout = 5 * time.Second
	cfg.Global.InjectTimeout = 5 * time.Second
	cfg.Global.VerifyTimeout = 5 * time.Second

	fc := &fakeClient{meta: make(map[string][]byte)}
	scans := models.NewScanStore(db)
	retries := models.NewRetryStore(db)
	locals := torrentcache.NewLocalStore(db)

	sites := []*gazelle.Client{site}
	candidates := torrentcache.New(db)
	pipe := pipeline.New(cfg, fc, search.New(cfg.Global.SearchTimeout, candidates, zerolog.Nop()),
		reconcile.New(zerolog.Nop()), scans, retries, candidates, zerolog.Nop())

	return &env{
		orch:    New(cfg, fc, sites, pipe, locals, retries, zerolog.Nop()),
		client:  fc,
		locals:  locals,
		scans:   scans,
		retries: retries,
		site:    site,
	}
}

func TestRefreshLocalExportsNewAndPrunesRemoved(t *testing.T) {
	tor := buildAlbum(t, "Artist - Album (2020) [FLAC]")
	e := newEnv(t, siteFor(t, tor, 42))
	ctx := context.Background()

	seed, data := seedingEntry(t, tor, t.TempDir())
	e.client.seeding = []clients.LocalTorrent{seed}
	e.client.meta[seed.InfoHash] = data

	n, err := e.orch.RefreshLocal(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, e.client.exports)

	entry, err := e.locals.Get(ctx, seed.InfoHash)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.NotEmpty(t, entry.Metainfo)
	assert.Equal(t, tor.TotalSize(), entry.TotalSize)

	// Second refresh keeps the metainfo without re-exporting.
	_, err = e.orch.RefreshLocal(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, e.client.exports)

	// Torrent leaves the client: snapshot is pruned.
	e.client.seeding = nil
	_, err = e.orch.RefreshLocal(ctx)
	require.NoError(t, err)
	entry, err = e.locals.Get(ctx, seed.InfoHash)
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestScanAllAggregatesOutcomes(t *testing.T) {
	tor := buildAlbum(t, "Artist - Album (2020) [FLAC]")
	e := newEnv(t, siteFor(t, tor, 42))
	ctx := context.Background()

	seed, data := seedingEntry(t, tor, t.TempDir())
	e.client.seeding = []clients.LocalTorrent{seed}
	e.client.meta[seed.InfoHash] = data

	summary, err := e.orch.ScanAll(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Scanned)
	assert.Equal(t, 1, summary.Outcomes[models.StatusMatched])

	// A matched pair is final: the next scan skips it.
	summary, err = e.orch.ScanAll(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Scanned)
	assert.Empty(t, summary.Outcomes)
}

func TestScanOneUnknownHash(t *testing.T) {
	tor := buildAlbum(t, "Artist - Album (2020) [FLAC]")
	e := newEnv(t, siteFor(t, tor, 42))

	_, err := e.orch.ScanOne(context.Background(), strings.Repeat("ab", 20), false)
	assert.ErrorIs(t, err, ErrUnknownTorrent)
}

func TestScanOneRefreshesFromClient(t *testing.T) {
	tor := buildAlbum(t, "Artist - Album (2020) [FLAC]")
	e := newEnv(t, siteFor(t, tor, 42))
	ctx := context.Background()

	seed, data := seedingEntry(t, tor, t.TempDir())
	e.client.seeding = []clients.LocalTorrent{seed}
	e.client.meta[seed.InfoHash] = data

	results, err := e.orch.ScanOne(ctx, strings.ToUpper(seed.InfoHash), false)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, models.StatusMatched, results[0].Status)
}

func TestResolveAnnounce(t *testing.T) {
	tor := buildAlbum(t, "Artist - Album (2020) [FLAC]")
	e := newEnv(t, siteFor(t, tor, 42))
	ctx := context.Background()

	seed, data := seedingEntry(t, tor, t.TempDir())
	e.client.seeding = []clients.LocalTorrent{seed}
	e.client.meta[seed.InfoHash] = data
	_, err := e.orch.RefreshLocal(ctx)
	require.NoError(t, err)

	byHash, err := e.orch.ResolveAnnounce(ctx, seed.InfoHash, "", 0)
	require.NoError(t, err)
	require.NotNil(t, byHash)

	byName, err := e.orch.ResolveAnnounce(ctx, "", "ARTIST - Album (2020) [FLAC]", tor.TotalSize())
	require.NoError(t, err)
	require.NotNil(t, byName)
	assert.Equal(t, seed.InfoHash, byName.InfoHash)

	miss, err := e.orch.ResolveAnnounce(ctx, "", "Artist - Album (2020) [FLAC]", 123)
	require.NoError(t, err)
	assert.Nil(t, miss)
}

func TestSweepRetriesDropsExhaustedEntries(t *testing.T) {
	tor := buildAlbum(t, "Artist - Album (2020) [FLAC]")
	e := newEnv(t, siteFor(t, tor, 42))
	ctx := context.Background()

	entry := &models.RetryEntry{
		InfoHash:      tor.InfoHash().HexString(),
		Site:          e.site.Host(),
		Stage:         "download",
		NextAttemptAt: time.Now().Add(-time.Minute),
	}
	// Park past the retry budget.
	for i := 0; i < 6; i++ {
		require.NoError(t, e.retries.Park(ctx, entry))
	}

	swept, err := e.orch.SweepRetries(ctx)
	require.NoError(t, err)
	assert.Zero(t, swept)

	remaining, err := e.retries.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, remaining, "exhausted entries are resolved")
}

func TestSweepRetriesResumesDueEntry(t *testing.T) {
	tor := buildAlbum(t, "Artist - Album (2020) [FLAC]")
	e := newEnv(t, siteFor(t, tor, 42))
	ctx := context.Background()

	seed, data := seedingEntry(t, tor, t.TempDir())
	e.client.seeding = []clients.LocalTorrent{seed}
	e.client.meta[seed.InfoHash] = data
	_, err := e.orch.RefreshLocal(ctx)
	require.NoError(t, err)

	require.NoError(t, e.retries.Park(ctx, &models.RetryEntry{
		InfoHash:      seed.InfoHash,
		Site:          e.site.Host(),
		Stage:         "download",
		NextAttemptAt: time.Now().Add(-time.Minute),
		Payload:       `{"torrentId":42}`,
	}))

	swept, err := e.orch.SweepRetries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	row, err := e.scans.Get(ctx, seed.InfoHash, e.site.Host())
	require.NoError(t, err)
	assert.Equal(t, models.StatusMatched, row.Status)

	remaining, err := e.retries.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, remaining)
}
