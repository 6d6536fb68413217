// Copyright (c) 2026, the nemorosa contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package api

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

	"github.com/nemorosa/nemorosa/internal/clients"
	"github.com/nemorosa/nemorosa/internal/database"
	"github.com/nemorosa/nemorosa/internal/domain"
	"github.com/nemorosa/nemorosa/internal/gazelle"
	"github.com/nemorosa/nemorosa/internal/models"
	"github.com/nemorosa/nemorosa/internal/orchestrator"
	"github.com/nemorosa/nemorosa/internal/pipeline"
	"github.com/nemorosa/nemorosa/internal/reconcile"
	"github.com/nemorosa/nemorosa/internal/search"
	"github.com/nemorosa/nemorosa/internal/torrentcache"
	"github.com/nemorosa/nemorosa/pkg/torrents"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubClient struct {
	seeding []clients.LocalTorrent
	meta    map[string][]byte
}

func (s *stubClient) Kind() domain.ClientKind { return domain.ClientQBittorrent }

func (s *stubClient) ListSeeding(context.Context) ([]clients.LocalTorrent, error) {
	return s.seeding, nil
}

func (s *stubClient) Files(context.Context, string) ([]clients.TorrentFile, error) { return nil, nil }

func (s *stubClient) Export(_ context.Context, infoHash string) ([]byte, error) {
	if data, ok := s.meta[strings.ToLower(infoHash)]; ok {
		return data, nil
	}
	return nil, &domain.ClientError{Op: "export torrent", Err: fmt.Errorf("unknown hash")}
}

func (s *stubClient) Inject(context.Context, clients.InjectRequest) error { return nil }

func (s *stubClient) Recheck(context.Context, string) error { return nil }

func (s *stubClient) Status(context.Context, string) (*clients.TorrentStatus, error) {
	return &clients.TorrentStatus{Progress: 1.0}, nil
}

func (s *stubClient) Start(context.Context, string) error { return nil }

func buildAlbum(t *testing.T) *torrents.Torrent {
	t.Helper()
	tor, err := torrents.Build("Artist - Album (2020) [FLAC]", 16384, []torrents.BuildFile{
		{Path: "01 - Intro.flac", Data: []byte(strings.Repeat("a", 30000))},
	}, "")
	require.NoError(t, err)
	return tor
}

func siteFor(t *testing.T, tor *torrents.Torrent) http.Handler {
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
				"torrent": map[string]any{"id": 42, "size": tor.TotalSize()},
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

func newTestServer(t *testing.T, tor *torrents.Torrent) (*httptest.Server, *stubClient) {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), "nemorosa.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	gazelleSrv := httptest.NewServer(siteFor(t, tor))
	t.Cleanup(gazelleSrv.Close)
	site, err := gazelle.NewClient(domain.TargetSiteConfig{
		Server:  gazelleSrv.URL,
		Tracker: "flacsfor.me",
		APIKey:  "k",
	}, zerolog.Nop())
	require.NoError(t, err)

	cfg := &domain.Config{}
	cfg.ApplyDefaults()
	cfg.Server.APIKey = "secret"
	cfg.Global.CheckTrackers = []string{"flacsfor.me"}
	cfg.Global.Linking.Mode = domain.LinkModeHard
	cfg.Global.SearchTimeout = 5 * time.Second
	cfg.Global.FetchTimeout = 5 * time.Second
	cfg.Global.InjectTimeout = 5 * time.Second
	cfg.Global.VerifyTimeout = 5 * time.Second

	fc := &stubClient{meta: make(map[string][]byte)}
	scans := models.NewScanStore(db)
	retries := models.NewRetryStore(db)
	locals := torrentcache.NewLocalStore(db)
	sites := []*gazelle.Client{site}

	candidates := torrentcache.New(db)
	pipe := pipeline.New(cfg, fc, search.New(cfg.Global.SearchTimeout, candidates, zerolog.Nop()),
		reconcile.New(zerolog.Nop()), scans, retries, candidates, zerolog.Nop())
	orch := orchestrator.New(cfg, fc, sites, pipe, locals, retries, zerolog.Nop())

	srv := httptest.NewServer(NewServer(cfg, orch, scans, retries, zerolog.Nop()).Handler())
	t.Cleanup(srv.Close)
	return srv, fc
}

func post(t *testing.T, url, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestBannerAndHealthAreUnauthenticated(t *testing.T) {
	srv, _ := newTestServer(t, buildAlbum(t))

	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var banner struct {
		Name      string   `json:"name"`
		Version   string   `json:"version"`
		Endpoints []string `json:"endpoints"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&banner))
	assert.Equal(t, "nemorosa", banner.Name)
	assert.Contains(t, banner.Endpoints, "POST /api/webhook")
	assert.Contains(t, banner.Endpoints, "GET /api/jobs")

	health, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)
}

func TestWebhookRequiresAuth(t *testing.T) {
	srv, _ := newTestServer(t, buildAlbum(t))

	resp := post(t, srv.URL+"/api/webhook?infoHash="+strings.Repeat("ab", 20), "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = post(t, srv.URL+"/api/webhook?infoHash="+strings.Repeat("ab", 20), "wrong")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebhookValidatesParams(t *testing.T) {
	srv, _ := newTestServer(t, buildAlbum(t))

	resp := post(t, srv.URL+"/api/webhook", "secret")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = post(t, srv.URL+"/api/webhook?infoHash=zzz", "secret")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWebhookUnknownHash(t *testing.T) {
	srv, _ := newTestServer(t, buildAlbum(t))

	resp := post(t, srv.URL+"/api/webhook?infoHash="+strings.Repeat("ab", 20), "secret")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebhookMatchReturnsOK(t *testing.T) {
	tor := buildAlbum(t)
	srv, fc := newTestServer(t, tor)

	data, err := tor.Encode()
	require.NoError(t, err)
	hash := tor.InfoHash().HexString()
	fc.seeding = []clients.LocalTorrent{{
		InfoHash: hash,
		Name:     tor.Name(),
		SavePath: t.TempDir(),
		Trackers: []string{"https://flacsfor.me/abc/announce"},
	}}
	fc.meta[hash] = data

	resp := post(t, srv.URL+"/api/webhook?infoHash="+hash, "secret")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		InfoHash string            `json:"infoHash"`
		Results  []pipeline.Result `json:"results"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, hash, body.InfoHash)
	require.Len(t, body.Results, 1)
	assert.Equal(t, models.StatusMatched, body.Results[0].Status)
}

func TestJobsEndpoint(t *testing.T) {
	tor := buildAlbum(t)
	srv, fc := newTestServer(t, tor)

	data, err := tor.Encode()
	require.NoError(t, err)
	hash := tor.InfoHash().HexString()
	fc.seeding = []clients.LocalTorrent{{
		InfoHash: hash,
		Name:     tor.Name(),
		SavePath: t.TempDir(),
		Trackers: []string{"https://flacsfor.me/abc/announce"},
	}}
	fc.meta[hash] = data

	post(t, srv.URL+"/api/webhook?infoHash="+hash, "secret")

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/jobs", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Jobs           []*models.ScanResult `json:"jobs"`
		Outcomes       map[string]int       `json:"outcomes"`
		PendingRetries int                  `json:"pendingRetries"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 1, body.Outcomes["matched"])
	assert.Zero(t, body.PendingRetries)

	require.Len(t, body.Jobs, 1)
	assert.Equal(t, strings.ToLower(hash), body.Jobs[0].InfoHash)
	assert.Equal(t, models.StatusMatched, body.Jobs[0].Status)
}
