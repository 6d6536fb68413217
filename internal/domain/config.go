// Copyright (c) 2026, the nemorosa contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package domain holds the immutable configuration value plumbed through
// constructors. No process-wide mutable config exists; the loaded Config is
// treated as read-only after validation.
package domain

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// LinkMode selects how the reconciler projects local files into the layout a
// target torrent expects.
type LinkMode string

const (
	LinkModeNone    LinkMode = "none"
	LinkModeHard    LinkMode = "hard"
	LinkModeSym     LinkMode = "sym"
	LinkModeReflink LinkMode = "reflink"
)

func (m LinkMode) Valid() bool {
	switch m {
	case LinkModeNone, LinkModeHard, LinkModeSym, LinkModeReflink:
		return true
	}
	return false
}

// ClientKind identifies a torrent client RPC dialect.
type ClientKind string

const (
	ClientQBittorrent  ClientKind = "qbittorrent"
	ClientTransmission ClientKind = "transmission"
	ClientDeluge       ClientKind = "deluge"
)

// DefaultMaxMissingBytes covers the typical artwork allowance: a couple of
// scans plus a booklet.
const DefaultMaxMissingBytes = int64(4 << 20)

// LinkingConfig controls file projection.
type LinkingConfig struct {
	Mode               LinkMode `mapstructure:"mode"`
	AllowPartialPieces bool     `mapstructure:"allow_partial_pieces"`
}

// GlobalConfig mirrors the `global` section of config.yml.
type GlobalConfig struct {
	LogLevel          string        `mapstructure:"loglevel"`
	LogPath           string        `mapstructure:"log_path"`
	NoDownload        bool          `mapstructure:"no_download"`
	ExcludeMP3        bool          `mapstructure:"exclude_mp3"`
	CheckTrackers     []string      `mapstructure:"check_trackers"`
	CheckMusicOnly    bool          `mapstructure:"check_music_only"`
	AutoStartTorrents bool          `mapstructure:"auto_start_torrents"`
	Linking           LinkingConfig `mapstructure:"linking"`
	MaxMissingBytes   int64         `mapstructure:"max_missing_bytes"`

	SearchTimeout   time.Duration `mapstructure:"search_timeout"`
	FetchTimeout    time.Duration `mapstructure:"fetch_timeout"`
	InjectTimeout   time.Duration `mapstructure:"inject_timeout"`
	VerifyTimeout   time.Duration `mapstructure:"verify_timeout"`
	ScanConcurrency int           `mapstructure:"scan_concurrency"`
	MaxRetries      int           `mapstructure:"max_retries"`
}

// ServerConfig mirrors the `server` section.
type ServerConfig struct {
	Host   string `mapstructure:"host"`
	Port   int    `mapstructure:"port"`
	APIKey string `mapstructure:"api_key"`
}

// DownloaderConfig mirrors the `downloader` section.
type DownloaderConfig struct {
	Client string `mapstructure:"client"`
	Label  string `mapstructure:"label"`
}

// TargetSiteConfig describes one Gazelle target site.
type TargetSiteConfig struct {
	Server  string `mapstructure:"server"`
	Tracker string `mapstructure:"tracker"`
	APIKey  string `mapstructure:"api_key"`
	Cookie  string `mapstructure:"cookie"`
}

// Config is the complete application configuration.
type Config struct {
	Global      GlobalConfig       `mapstructure:"global"`
	Server      ServerConfig       `mapstructure:"server"`
	Downloader  DownloaderConfig   `mapstructure:"downloader"`
	TargetSites []TargetSiteConfig `mapstructure:"target_site"`

	// DatabasePath is derived from the config directory, not user-set.
	DatabasePath string `mapstructure:"-"`
}

var validLogLevels = map[string]bool{
	"debug":    true,
	"info":     true,
	"warning":  true,
	"error":    true,
	"critical": true,
}

// ApplyDefaults fills zero-valued fields with their documented defaults.
func (c *Config) ApplyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = "info"
	}
	if c.Global.Linking.Mode == "" {
		c.Global.Linking.Mode = LinkModeNone
	}
	if c.Global.MaxMissingBytes == 0 {
		c.Global.MaxMissingBytes = DefaultMaxMissingBytes
	}
	if c.Global.SearchTimeout == 0 {
		c.Global.SearchTimeout = 15 * time.Second
	}
	if c.Global.FetchTimeout == 0 {
		c.Global.FetchTimeout = 30 * time.Second
	}
	if c.Global.InjectTimeout == 0 {
		c.Global.InjectTimeout = 30 * time.Second
	}
	if c.Global.VerifyTimeout == 0 {
		c.Global.VerifyTimeout = 10 * time.Minute
	}
	if c.Global.ScanConcurrency == 0 {
		c.Global.ScanConcurrency = 8
	}
	if c.Global.MaxRetries == 0 {
		c.Global.MaxRetries = 5
	}
	if len(c.Global.CheckTrackers) == 0 {
		c.Global.CheckTrackers = []string{"flacsfor.me", "home.opsfet.ch"}
	}
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8256
	}
	if c.Downloader.Label == "" {
		c.Downloader.Label = "nemorosa"
	}
}

// Validate checks the configuration. All failures here carry user-actionable
// messages and map to the configuration-error exit code.
func (c *Config) Validate() error {
	if !validLogLevels[c.Global.LogLevel] {
		return fmt.Errorf("invalid loglevel %q, must be one of debug|info|warning|error|critical", c.Global.LogLevel)
	}
	if !c.Global.Linking.Mode.Valid() {
		return fmt.Errorf("invalid linking.mode %q, must be one of none|hard|sym|reflink", c.Global.Linking.Mode)
	}
	if c.Global.Linking.AllowPartialPieces && c.Global.Linking.Mode != LinkModeReflink {
		return errors.New("linking.allow_partial_pieces requires linking.mode: reflink")
	}
	if c.Global.MaxMissingBytes < 0 {
		return errors.New("max_missing_bytes must not be negative")
	}
	if strings.TrimSpace(c.Downloader.Client) == "" {
		return errors.New("downloader.client is required")
	}
	if _, err := ParseClientURL(c.Downloader.Client); err != nil {
		return fmt.Errorf("downloader.client: %w", err)
	}
	if strings.TrimSpace(c.Downloader.Label) == "" {
		return errors.New("downloader.label cannot be empty")
	}
	if len(c.TargetSites) == 0 {
		return errors.New("at least one target_site is required")
	}
	for i, site := range c.TargetSites {
		if site.Server == "" {
			return fmt.Errorf("target_site[%d]: server URL is required", i)
		}
		if !strings.HasPrefix(site.Server, "http://") && !strings.HasPrefix(site.Server, "https://") {
			return fmt.Errorf("target_site[%d]: invalid server URL %q", i, site.Server)
		}
		if site.Tracker == "" {
			return fmt.Errorf("target_site[%d]: tracker announce host is required", i)
		}
		if site.APIKey == "" && site.Cookie == "" {
			return fmt.Errorf("target_site[%d]: either api_key or cookie is required for %s", i, site.Server)
		}
	}
	return nil
}

// ClientURL is the parsed form of downloader.client, which has the shape
// {kind}+{scheme}://user:pass@host:port[/path][?torrents_dir=...].
type ClientURL struct {
	Kind        ClientKind
	URL         *url.URL
	TorrentsDir string
}

// ParseClientURL splits the client kind off the scheme and validates it.
func ParseClientURL(raw string) (*ClientURL, error) {
	kind, rest, found := strings.Cut(raw, "+")
	if !found {
		// Deluge historically uses a bare deluge:// scheme.
		if strings.HasPrefix(raw, "deluge://") {
			kind, rest = string(ClientDeluge), "tcp"+raw[len("deluge"):]
		} else {
			return nil, fmt.Errorf("client URL %q must look like kind+scheme://host (kind: qbittorrent, transmission, deluge)", raw)
		}
	}

	switch ClientKind(kind) {
	case ClientQBittorrent, ClientTransmission, ClientDeluge:
	default:
		return nil, fmt.Errorf("unsupported client kind %q", kind)
	}

	u, err := url.Parse(rest)
	if err != nil {
		return nil, fmt.Errorf("invalid client URL: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("client URL %q has no host", raw)
	}

	return &ClientURL{
		Kind:        ClientKind(kind),
		URL:         u,
		TorrentsDir: u.Query().Get("torrents_dir"),
	}, nil
}
