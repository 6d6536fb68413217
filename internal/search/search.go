// Copyright (c) 2026, the nemorosa contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package search finds candidate torrents on a target site for a local
// torrent: first by infohash (including source-flag variants), then by
// filename queries derived from the local file list.
package search

import (
	"context"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/nemorosa/nemorosa/internal/gazelle"
	"github.com/nemorosa/nemorosa/internal/matcher"
	"github.com/nemorosa/nemorosa/internal/torrentcache"
	"github.com/nemorosa/nemorosa/pkg/normalize"
	"github.com/nemorosa/nemorosa/pkg/torrents"

	"github.com/lithammer/fuzzysearch/fuzzy"
	"github.com/rs/zerolog"
)

const (
	// maxFilenameQueries bounds the name ladder to the most distinctive
	// filenames.
	maxFilenameQueries = 5
	// broadResultLimit marks a filename query as too generic; the cleaned
	// query is tried instead.
	broadResultLimit = 20
	// maxCandidates caps how many name-ladder candidates are retained.
	maxCandidates = 25
)

// Candidate is one potential cross-seed target, ranked for fetching.
type Candidate struct {
	Site       string
	TorrentID  int64
	GroupID    int64
	Title      string
	Size       int64
	FromHash   bool
	SourceFlag string
}

type Strategy struct {
	timeout time.Duration
	cache   *torrentcache.Cache
	log     zerolog.Logger
}

// New builds a strategy. cache may be nil; when set, previously fetched
// candidates answer hash and name probes without a site round-trip.
func New(timeout time.Duration, cache *torrentcache.Cache, logger zerolog.Logger) *Strategy {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Strategy{
		timeout: timeout,
		cache:   cache,
		log:     logger.With().Str("component", "search").Logger(),
	}
}

// FindCandidates runs the hash ladder and, when it misses, the name
// ladder. A hash hit short-circuits: it is returned alone since the site
// itself confirmed the exact torrent.
func (s *Strategy) FindCandidates(ctx context.Context, local *torrents.Torrent, site *gazelle.Client) ([]Candidate, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if c, err := s.hashLadder(ctx, local, site); err != nil {
		return nil, err
	} else if c != nil {
		return []Candidate{*c}, nil
	}

	return s.nameLadder(ctx, local, site)
}

// hashLadder probes the base infohash, then each source-flag variant the
// site may have re-flagged the torrent with.
func (s *Strategy) hashLadder(ctx context.Context, local *torrents.Torrent, site *gazelle.Client) (*Candidate, error) {
	hashes := []struct {
		hash string
		flag string
	}{{hash: local.InfoHash().HexString(), flag: local.Source()}}

	for _, flag := range site.SourceFlags() {
		if flag == local.Source() {
			continue
		}
		variant, err := local.WithSource(flag)
		if err != nil {
			return nil, err
		}
		hashes = append(hashes, struct {
			hash string
			flag string
		}{hash: variant.InfoHash().HexString(), flag: flag})
	}

	for _, h := range hashes {
		if c := s.cachedByHash(ctx, site, h.hash, h.flag); c != nil {
			return c, nil
		}
		result, err := site.SearchByHash(ctx, h.hash)
		if err != nil {
			return nil, err
		}
		if result == nil {
			continue
		}
		s.log.Debug().
			Str("site", site.Host()).
			Str("hash", h.hash).
			Int64("torrentId", result.TorrentID).
			Msg("hash ladder hit")
		return &Candidate{
			Site:       site.Host(),
			TorrentID:  result.TorrentID,
			GroupID:    result.GroupID,
			Title:      result.Title,
			Size:       result.Size,
			FromHash:   true,
			SourceFlag: h.flag,
		}, nil
	}
	return nil, nil
}

// cachedByHash answers a hash probe from earlier fetches of this site's
// torrents. A cached hash is the site's own prior confirmation.
func (s *Strategy) cachedByHash(ctx context.Context, site *gazelle.Client, hash, flag string) *Candidate {
	if s.cache == nil {
		return nil
	}
	entries, err := s.cache.FindByHash(ctx, strings.ToLower(hash))
	if err != nil {
		return nil
	}
	for _, e := range entries {
		if e.Site != site.Host() {
			continue
		}
		s.log.Debug().
			Str("site", site.Host()).
			Str("hash", hash).
			Int64("torrentId", e.TorrentID).
			Msg("hash ladder hit from cache")
		return &Candidate{
			Site:       e.Site,
			TorrentID:  e.TorrentID,
			GroupID:    e.GroupID,
			Title:      e.Name,
			Size:       e.TotalSize,
			FromHash:   true,
			SourceFlag: flag,
		}
	}
	return nil
}

// nameLadder searches by the most distinctive filenames and ranks the
// merged results by title similarity to the local torrent name. Cached
// same-name candidates seed the pool before any site query.
func (s *Strategy) nameLadder(ctx context.Context, local *torrents.Torrent, site *gazelle.Client) ([]Candidate, error) {
	queries := filenameQueries(local)

	seen := make(map[int64]bool)
	var candidates []Candidate

	if s.cache != nil {
		entries, err := s.cache.FindByName(ctx, site.Host(), local.Name())
		if err == nil {
			for _, e := range entries {
				if seen[e.TorrentID] {
					continue
				}
				seen[e.TorrentID] = true
				candidates = append(candidates, Candidate{
					Site:      e.Site,
					TorrentID: e.TorrentID,
					GroupID:   e.GroupID,
					Title:     e.Name,
					Size:      e.TotalSize,
				})
			}
		}
	}

	for _, q := range queries {
		results, err := site.SearchByFilename(ctx, q)
		if err != nil {
			return nil, err
		}

		// A flood of hits means the name is too generic to trust; retry
		// with the cleaned query before giving up on it.
		if len(results) > broadResultLimit {
			cleaned := normalize.SearchQuery(q)
			if cleaned == "" || cleaned == q {
				continue
			}
			results, err = site.SearchByFilename(ctx, cleaned)
			if err != nil {
				return nil, err
			}
			if len(results) > broadResultLimit {
				continue
			}
		}

		for _, r := range results {
			if seen[r.TorrentID] {
				continue
			}
			seen[r.TorrentID] = true
			candidates = append(candidates, Candidate{
				Site:      site.Host(),
				TorrentID: r.TorrentID,
				GroupID:   r.GroupID,
				Title:     r.Title,
				Size:      r.Size,
			})
		}

		// A music filename that produced results is as specific as the
		// ladder gets.
		if len(results) > 0 && matcher.IsMusicFile(q) {
			break
		}
	}

	localName := normalize.String(local.Name(), normalize.Loose)
	sort.SliceStable(candidates, func(a, b int) bool {
		return fuzzy.LevenshteinDistance(localName, normalize.String(candidates[a].Title, normalize.Loose)) <
			fuzzy.LevenshteinDistance(localName, normalize.String(candidates[b].Title, normalize.Loose))
	})

	if len(candidates) > maxCandidates {
		candidates = candidates[:maxCandidates]
	}
	return candidates, nil
}

// filenameQueries picks up to five filenames, preferring music files and
// longer (more distinctive) names.
func filenameQueries(local *torrents.Torrent) []string {
	files := local.Files()
	names := make([]string, 0, len(files))
	for _, f := range files {
		names = append(names, path.Base(f.Path))
	}

	sort.SliceStable(names, func(a, b int) bool {
		am, bm := matcher.IsMusicFile(names[a]), matcher.IsMusicFile(names[b])
		if am != bm {
			return am
		}
		return len(names[a]) > len(names[b])
	})

	var queries []string
	seen := make(map[string]bool)
	for _, name := range names {
		if strings.TrimSpace(name) == "" || seen[name] {
			continue
		}
		seen[name] = true
		queries = append(queries, name)
		if len(queries) == maxFilenameQueries {
			break
		}
	}
	return queries
}
