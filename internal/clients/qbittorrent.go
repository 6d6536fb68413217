// Copyright (c) 2026, the nemorosa contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package clients

import (
	"context"
	"strings"

	"github.com/nemorosa/nemorosa/internal/domain"

	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/rs/zerolog/log"
)

type qbittorrentClient struct {
	client *qbt.Client
}

func newQBittorrent(ctx context.Context, cu *domain.ClientURL) (Client, error) {
	host := cu.URL.Scheme + "://" + cu.URL.Host + cu.URL.Path

	cfg := qbt.Config{
		Host:    host,
		Timeout: 30,
	}
	if cu.URL.User != nil {
		cfg.Username = cu.URL.User.Username()
		cfg.Password, _ = cu.URL.User.Password()
	}

	client := qbt.NewClient(cfg)
	if err := client.LoginCtx(ctx); err != nil {
		return nil, &domain.AuthError{Site: host, Err: err}
	}

	log.Debug().Str("host", host).Msg("connected to qBittorrent")
	return &qbittorrentClient{client: client}, nil
}

func (c *qbittorrentClient) Kind() domain.ClientKind {
	return domain.ClientQBittorrent
}

func (c *qbittorrentClient) ListSeeding(ctx context.Context) ([]LocalTorrent, error) {
	torrents, err := c.client.GetTorrentsCtx(ctx, qbt.TorrentFilterOptions{
		Filter: qbt.TorrentFilterCompleted,
	})
	if err != nil {
		return nil, &domain.ClientError{Op: "list torrents", Err: err}
	}

	out := make([]LocalTorrent, 0, len(torrents))
	for _, t := range torrents {
		lt := LocalTorrent{
			InfoHash: strings.ToLower(t.Hash),
			Name:     t.Name,
			SavePath: t.SavePath,
			Category: t.Category,
			Progress: t.Progress,
		}
		if t.Tracker != "" {
			lt.Trackers = []string{t.Tracker}
		}
		out = append(out, lt)
	}
	return out, nil
}

func (c *qbittorrentClient) Files(ctx context.Context, infoHash string) ([]TorrentFile, error) {
	filesInfo, err := c.client.GetFilesInformationCtx(ctx, infoHash)
	if err != nil {
		return nil, &domain.ClientError{Op: "get files", Err: err}
	}
	if filesInfo == nil {
		return nil, nil
	}

	files := make([]TorrentFile, 0, len(*filesInfo))
	for _, f := range *filesInfo {
		files = append(files, TorrentFile{Path: f.Name, Size: f.Size})
	}
	return files, nil
}

func (c *qbittorrentClient) Export(ctx context.Context, infoHash string) ([]byte, error) {
	data, err := c.client.ExportTorrentCtx(ctx, infoHash)
	if err != nil {
		return nil, &domain.ClientError{Op: "export torrent", Err: err}
	}
	return data, nil
}

func (c *qbittorrentClient) Inject(ctx context.Context, req InjectRequest) error {
	options := map[string]string{
		"savepath": req.SavePath,
		"autoTMM":  "false",
	}
	if req.Category != "" {
		options["category"] = req.Category
	}
	if req.Paused {
		options["paused"] = "true"
		options["stopped"] = "true"
	}
	if req.SkipChecking {
		options["skip_checking"] = "true"
	}

	if err := c.client.AddTorrentFromMemoryCtx(ctx, req.TorrentData, options); err != nil {
		return &domain.ClientError{Op: "add torrent", Err: err}
	}
	return nil
}

func (c *qbittorrentClient) Recheck(ctx context.Context, infoHash string) error {
	if err := c.client.RecheckCtx(ctx, []string{infoHash}); err != nil {
		return &domain.ClientError{Op: "recheck", Err: err}
	}
	return nil
}

func (c *qbittorrentClient) Status(ctx context.Context, infoHash string) (*TorrentStatus, error) {
	torrents, err := c.client.GetTorrentsCtx(ctx, qbt.TorrentFilterOptions{
		Hashes: []string{infoHash},
	})
	if err != nil {
		return nil, &domain.ClientError{Op: "get status", Err: err}
	}
	if len(torrents) == 0 {
		return nil, &domain.ClientError{Op: "get status", Err: errTorrentNotFound}
	}

	t := torrents[0]
	state := string(t.State)
	return &TorrentStatus{
		Progress: t.Progress,
		Checking: strings.HasPrefix(state, "checking"),
		State:    state,
	}, nil
}

func (c *qbittorrentClient) Start(ctx context.Context, infoHash string) error {
	if err := c.client.ResumeCtx(ctx, []string{infoHash}); err != nil {
		return &domain.ClientError{Op: "resume", Err: err}
	}
	return nil
}
