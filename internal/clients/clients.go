// Copyright (c) 2026, the nemorosa contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package clients defines the torrent client adapter contract and its
// implementations. The pipeline only talks to the Client interface, so a
// new client kind needs nothing beyond an adapter here.
package clients

import (
	"context"

	"github.com/nemorosa/nemorosa/internal/domain"
)

// TorrentFile is one file of a client-side torrent, path relative to the
// torrent root.
type TorrentFile struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// LocalTorrent is a torrent currently registered in the client.
type LocalTorrent struct {
	InfoHash string   `json:"infoHash"`
	Name     string   `json:"name"`
	SavePath string   `json:"savePath"`
	Category string   `json:"category,omitempty"`
	Trackers []string `json:"trackers,omitempty"`
	Progress float64  `json:"progress"`
}

// InjectRequest adds a torrent whose payload already exists on disk.
type InjectRequest struct {
	TorrentData  []byte
	InfoHash     string
	SavePath     string
	Category     string
	Paused       bool
	SkipChecking bool
}

// TorrentStatus is a point-in-time view used while waiting for a recheck.
type TorrentStatus struct {
	Progress float64
	Checking bool
	State    string
}

// Client is the adapter contract every supported torrent client implements.
type Client interface {
	Kind() domain.ClientKind

	// ListSeeding returns completed torrents, with trackers populated.
	ListSeeding(ctx context.Context) ([]LocalTorrent, error)

	// Files returns the file list of a registered torrent.
	Files(ctx context.Context, infoHash string) ([]TorrentFile, error)

	// Export returns the raw .torrent metainfo of a registered torrent.
	Export(ctx context.Context, infoHash string) ([]byte, error)

	// Inject adds the torrent paused/checking per the request.
	Inject(ctx context.Context, req InjectRequest) error

	// Recheck forces a hash recheck of the torrent.
	Recheck(ctx context.Context, infoHash string) error

	// Status reports recheck progress for the torrent.
	Status(ctx context.Context, infoHash string) (*TorrentStatus, error)

	// Start resumes a paused torrent.
	Start(ctx context.Context, infoHash string) error
}

// New connects the adapter selected by the downloader.client URL.
func New(ctx context.Context, cu *domain.ClientURL) (Client, error) {
	switch cu.Kind {
	case domain.ClientQBittorrent:
		return newQBittorrent(ctx, cu)
	case domain.ClientTransmission, domain.ClientDeluge:
		return nil, &domain.ConfigError{
			Msg: "client kind " + string(cu.Kind) + " is not supported yet, use qbittorrent",
		}
	default:
		return nil, &domain.ConfigError{Msg: "unknown client kind " + string(cu.Kind)}
	}
}
