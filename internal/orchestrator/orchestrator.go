// Copyright (c) 2026, the nemorosa contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package orchestrator drives scans: it snapshots the client's torrents,
// fans them out to the pipeline with bounded concurrency, sweeps the retry
// ledger and optionally runs on a schedule.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nemorosa/nemorosa/internal/clients"
	"github.com/nemorosa/nemorosa/internal/domain"
	"github.com/nemorosa/nemorosa/internal/gazelle"
	"github.com/nemorosa/nemorosa/internal/models"
	"github.com/nemorosa/nemorosa/internal/pipeline"
	"github.com/nemorosa/nemorosa/internal/torrentcache"
	"github.com/nemorosa/nemorosa/pkg/torrents"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ErrUnknownTorrent is returned when a requested infohash is not registered
// in the client.
var ErrUnknownTorrent = errors.New("torrent not found in client")

// Summary aggregates one scan run.
type Summary struct {
	Scanned  int                          `json:"scanned"`
	Outcomes map[models.OutcomeStatus]int `json:"outcomes"`
	Elapsed  time.Duration                `json:"elapsed"`
}

type Orchestrator struct {
	cfg      *domain.Config
	client   clients.Client
	sites    []*gazelle.Client
	pipeline *pipeline.Pipeline
	locals   *torrentcache.LocalStore
	retries  *models.RetryStore
	log      zerolog.Logger

	mu       sync.Mutex
	inflight map[string]bool
}

func New(cfg *domain.Config, client clients.Client, sites []*gazelle.Client,
	pipe *pipeline.Pipeline, locals *torrentcache.LocalStore, retries *models.RetryStore,
	logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		client:   client,
		sites:    sites,
		pipeline: pipe,
		locals:   locals,
		retries:  retries,
		log:      logger.With().Str("component", "orchestrator").Logger(),
		inflight: make(map[string]bool),
	}
}

// acquire marks a hash in-flight. A torrent announced while a full scan is
// processing it must not enter the pipeline twice.
func (o *Orchestrator) acquire(infoHash string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inflight[infoHash] {
		return false
	}
	o.inflight[infoHash] = true
	return true
}

func (o *Orchestrator) release(infoHash string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inflight, infoHash)
}

// RefreshLocal reconciles the snapshot store with the client: new torrents
// get their metainfo exported, removed ones are pruned. Returns how many
// snapshots exist afterwards.
func (o *Orchestrator) RefreshLocal(ctx context.Context) (int, error) {
	seeding, err := o.client.ListSeeding(ctx)
	if err != nil {
		return 0, err
	}

	existing, err := o.locals.All(ctx)
	if err != nil {
		return 0, err
	}
	known := make(map[string]*torrentcache.LocalEntry, len(existing))
	for _, e := range existing {
		known[e.InfoHash] = e
	}

	current := make(map[string]bool, len(seeding))
	for _, t := range seeding {
		hash := strings.ToLower(t.InfoHash)
		current[hash] = true

		entry := &torrentcache.LocalEntry{
			InfoHash:  hash,
			Name:      t.Name,
			SavePath:  t.SavePath,
			Trackers:  t.Trackers,
			TotalSize: 0,
		}
		if prev, ok := known[hash]; ok {
			entry.TotalSize = prev.TotalSize
		}

		if prev, ok := known[hash]; !ok || len(prev.Metainfo) == 0 {
			data, err := o.client.Export(ctx, hash)
			if err != nil {
				o.log.Warn().Err(err).Str("infohash", hash).Msg("failed to export metainfo")
			} else {
				entry.Metainfo = data
				if tor, err := torrents.Parse(data); err == nil {
					entry.TotalSize = tor.TotalSize()
				}
			}
		}
		if err := o.locals.Put(ctx, entry); err != nil {
			return 0, err
		}
	}

	var stale []string
	for hash := range known {
		if !current[hash] {
			stale = append(stale, hash)
		}
	}
	if len(stale) > 0 {
		if err := o.locals.Delete(ctx, stale...); err != nil {
			return 0, err
		}
	}

	o.log.Info().Int("torrents", len(seeding)).Int("removed", len(stale)).Msg("local snapshot refreshed")
	return len(seeding), nil
}

// ScanAll refreshes the snapshot and runs every torrent through the
// pipeline. Concurrency is bounded by scan_concurrency; outcomes aggregate
// into the returned summary.
func (o *Orchestrator) ScanAll(ctx context.Context, force bool) (*Summary, error) {
	start := time.Now()

	if _, err := o.RefreshLocal(ctx); err != nil {
		return nil, err
	}

	entries, err := o.locals.All(ctx)
	if err != nil {
		return nil, err
	}

	summary := &Summary{Outcomes: make(map[models.OutcomeStatus]int)}
	var sumMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Global.ScanConcurrency)

	for _, entry := range entries {
		if len(entry.Metainfo) == 0 {
			continue
		}
		g.Go(func() error {
			if !o.acquire(entry.InfoHash) {
				return nil
			}
			defer o.release(entry.InfoHash)

			results, err := o.pipeline.Process(gctx, entry, o.sites, force)
			sumMu.Lock()
			summary.Scanned++
			for _, r := range results {
				summary.Outcomes[r.Status]++
			}
			sumMu.Unlock()
			if err != nil && !errors.Is(err, context.Canceled) {
				o.log.Error().Err(err).Str("infohash", entry.InfoHash).Msg("scan failed")
			}
			return gctx.Err()
		})
	}

	err = g.Wait()
	summary.Elapsed = time.Since(start)
	o.logSummary(summary)
	return summary, err
}

// ScanOne runs a single torrent, refreshing its snapshot from the client
// when it is missing or has no metainfo yet.
func (o *Orchestrator) ScanOne(ctx context.Context, infoHash string, force bool) ([]pipeline.Result, error) {
	infoHash = strings.ToLower(infoHash)

	entry, err := o.locals.Get(ctx, infoHash)
	if err != nil {
		return nil, err
	}
	if entry == nil || len(entry.Metainfo) == 0 {
		if _, err := o.RefreshLocal(ctx); err != nil {
			return nil, err
		}
		entry, err = o.locals.Get(ctx, infoHash)
		if err != nil {
			return nil, err
		}
	}
	if entry == nil || len(entry.Metainfo) == 0 {
		return nil, ErrUnknownTorrent
	}

	if !o.acquire(infoHash) {
		return nil, fmt.Errorf("torrent %s is already being processed", infoHash)
	}
	defer o.release(infoHash)

	return o.pipeline.Process(ctx, entry, o.sites, force)
}

// ResolveAnnounce maps an announce to a local snapshot: by infohash first,
// then by name plus exact size for clients that renamed the payload.
func (o *Orchestrator) ResolveAnnounce(ctx context.Context, infoHash, name string, totalSize int64) (*torrentcache.LocalEntry, error) {
	if infoHash != "" {
		entry, err := o.locals.Get(ctx, infoHash)
		if err != nil || entry != nil {
			return entry, err
		}
	}
	if name == "" || totalSize == 0 {
		return nil, nil
	}
	entries, err := o.locals.FindByNameSize(ctx, name, totalSize)
	if err != nil {
		return nil, err
	}
	if len(entries) != 1 {
		// Ambiguous name+size resolution is treated as a miss.
		return nil, nil
	}
	return entries[0], nil
}

// SweepRetries resumes every due ledger entry. Entries past the retry budget
// are resolved and their last recorded outcome stands as permanent.
func (o *Orchestrator) SweepRetries(ctx context.Context) (int, error) {
	due, err := o.retries.Due(ctx, time.Now())
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, entry := range due {
		if err := ctx.Err(); err != nil {
			return swept, err
		}

		if entry.Attempts >= o.cfg.Global.MaxRetries {
			o.log.Warn().Str("infohash", entry.InfoHash).Str("site", entry.Site).
				Int("attempts", entry.Attempts).Msg("retry budget exhausted")
			if err := o.retries.Resolve(ctx, entry.InfoHash, entry.Site); err != nil {
				return swept, err
			}
			continue
		}

		site := o.siteByHost(entry.Site)
		if site == nil {
			// Site was removed from the configuration; drop the entry.
			if err := o.retries.Resolve(ctx, entry.InfoHash, entry.Site); err != nil {
				return swept, err
			}
			continue
		}

		local, err := o.locals.Get(ctx, entry.InfoHash)
		if err != nil {
			return swept, err
		}
		if local == nil || len(local.Metainfo) == 0 {
			// Torrent left the client; nothing to retry.
			if err := o.retries.Resolve(ctx, entry.InfoHash, entry.Site); err != nil {
				return swept, err
			}
			continue
		}

		if !o.acquire(entry.InfoHash) {
			continue
		}
		result, err := o.pipeline.Resume(ctx, local, site, entry)
		o.release(entry.InfoHash)
		if err != nil {
			o.log.Error().Err(err).Str("infohash", entry.InfoHash).Msg("retry failed")
			continue
		}
		swept++
		o.log.Info().Str("infohash", entry.InfoHash).Str("site", entry.Site).
			Str("status", string(result.Status)).Msg("retry swept")
	}
	return swept, nil
}

// RetryUndownloaded re-runs pairs recorded as found_not_downloaded, used
// after no_download runs once downloading is allowed again.
func (o *Orchestrator) RetryUndownloaded(ctx context.Context, scans *models.ScanStore) (int, error) {
	rows, err := scans.ListByStatus(ctx, models.StatusFoundNoFetch)
	if err != nil {
		return 0, err
	}

	ran := 0
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return ran, err
		}
		site := o.siteByHost(row.Site)
		if site == nil {
			continue
		}
		local, err := o.locals.Get(ctx, row.InfoHash)
		if err != nil {
			return ran, err
		}
		if local == nil || len(local.Metainfo) == 0 {
			continue
		}
		if !o.acquire(row.InfoHash) {
			continue
		}
		_, err = o.pipeline.Resume(ctx, local, site, nil)
		o.release(row.InfoHash)
		if err != nil {
			o.log.Error().Err(err).Str("infohash", row.InfoHash).Msg("re-fetch failed")
			continue
		}
		ran++
	}
	return ran, nil
}

// RunScheduler loops scans and retry sweeps until the context ends. The
// first scan runs immediately.
func (o *Orchestrator) RunScheduler(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := o.ScanAll(ctx, false); err != nil && !errors.Is(err, context.Canceled) {
			o.log.Error().Err(err).Msg("scheduled scan failed")
		}
		if _, err := o.SweepRetries(ctx); err != nil && !errors.Is(err, context.Canceled) {
			o.log.Error().Err(err).Msg("retry sweep failed")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) siteByHost(host string) *gazelle.Client {
	for _, s := range o.sites {
		if s.Host() == host {
			return s
		}
	}
	return nil
}

func (o *Orchestrator) logSummary(s *Summary) {
	ev := o.log.Info().Int("scanned", s.Scanned).Dur("elapsed", s.Elapsed)
	for status, n := range s.Outcomes {
		ev = ev.Int(string(status), n)
	}
	ev.Msg("scan complete")
}
