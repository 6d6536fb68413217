// Copyright (c) 2026, the nemorosa contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package pipeline runs one local torrent through the cross-seed state
// machine against each target site: gate, search, match, reconcile, inject,
// verify, record. Every (torrent, site) pair ends in exactly one recorded
// outcome.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/nemorosa/nemorosa/internal/clients"
	"github.com/nemorosa/nemorosa/internal/domain"
	"github.com/nemorosa/nemorosa/internal/gazelle"
	"github.com/nemorosa/nemorosa/internal/matcher"
	"github.com/nemorosa/nemorosa/internal/models"
	"github.com/nemorosa/nemorosa/internal/reconcile"
	"github.com/nemorosa/nemorosa/internal/search"
	"github.com/nemorosa/nemorosa/internal/torrentcache"
	"github.com/nemorosa/nemorosa/pkg/torrents"

	"github.com/rs/zerolog"
)

// maxVerifyPollInterval caps how often the client is polled during a
// recheck; short verify timeouts poll proportionally faster.
const maxVerifyPollInterval = 2 * time.Second

// completeProgress treats a torrent as fully present. qBittorrent reports
// progress as a float that can stop a hair short of 1.0.
const completeProgress = 0.999

// fetchHintBudget caps how many browser-download hints a run logs; after the
// first few the operator has the idea.
const fetchHintBudget = 10

// Result is the outcome of one (torrent, site) pipeline run.
type Result struct {
	InfoHash string               `json:"infoHash"`
	Site     string               `json:"site"`
	Status   models.OutcomeStatus `json:"status"`
	Detail   string               `json:"detail,omitempty"`
	MatchURL string               `json:"matchUrl,omitempty"`
}

// retryPayload is stored in the retry ledger so a sweep can resume with the
// same candidate without searching again.
type retryPayload struct {
	TorrentID int64 `json:"torrentId"`
}

type Pipeline struct {
	cfg        *domain.Config
	client     clients.Client
	strategy   *search.Strategy
	reconciler *reconcile.Reconciler
	scans      *models.ScanStore
	retries    *models.RetryStore
	candidates *torrentcache.Cache
	log        zerolog.Logger

	mu        sync.Mutex
	disabled  map[string]bool
	fetchHint int
}

func New(cfg *domain.Config, client clients.Client, strategy *search.Strategy,
	reconciler *reconcile.Reconciler, scans *models.ScanStore, retries *models.RetryStore,
	candidates *torrentcache.Cache, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		cfg:        cfg,
		client:     client,
		strategy:   strategy,
		reconciler: reconciler,
		scans:      scans,
		retries:    retries,
		candidates: candidates,
		log:        logger.With().Str("component", "pipeline").Logger(),
		disabled:   make(map[string]bool),
	}
}

// DisableSite takes a site out of the current run, typically after an
// authentication failure. It stays disabled until the process restarts.
func (p *Pipeline) DisableSite(host, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.disabled[host] {
		p.log.Warn().Str("site", host).Str("reason", reason).Msg("site disabled for this run")
	}
	p.disabled[host] = true
}

func (p *Pipeline) siteDisabled(host string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disabled[host]
}

// Process runs one local torrent against every site. force bypasses the
// already-seen gate, re-evaluating pairs with a final recorded outcome.
func (p *Pipeline) Process(ctx context.Context, local *torrentcache.LocalEntry, sites []*gazelle.Client, force bool) ([]Result, error) {
	if local == nil || len(local.Metainfo) == 0 {
		return nil, errors.New("local torrent has no stored metainfo")
	}

	tor, err := torrents.Parse(local.Metainfo)
	if err != nil {
		return nil, fmt.Errorf("parse local metainfo: %w", err)
	}

	if reason, ok := p.gateReason(local, tor); ok {
		results := make([]Result, 0, len(sites))
		for _, site := range sites {
			r := Result{InfoHash: local.InfoHash, Site: site.Host(), Status: models.StatusSkipped, Detail: reason}
			p.record(ctx, local, r)
			results = append(results, r)
		}
		return results, nil
	}

	var results []Result
	for _, site := range sites {
		if p.siteDisabled(site.Host()) {
			continue
		}
		if !force {
			seen, err := p.scans.Seen(ctx, local.InfoHash, site.Host())
			if err != nil {
				return results, err
			}
			if seen {
				continue
			}
		}

		r := p.runSite(ctx, local, tor, site, nil)
		results = append(results, r)

		if err := ctx.Err(); err != nil {
			return results, err
		}
	}
	return results, nil
}

// Resume re-runs a parked (torrent, site) pair. When the ledger entry names
// a candidate the search phase is skipped and that candidate is fetched
// directly.
func (p *Pipeline) Resume(ctx context.Context, local *torrentcache.LocalEntry, site *gazelle.Client, entry *models.RetryEntry) (Result, error) {
	if local == nil || len(local.Metainfo) == 0 {
		return Result{}, errors.New("local torrent has no stored metainfo")
	}
	tor, err := torrents.Parse(local.Metainfo)
	if err != nil {
		return Result{}, fmt.Errorf("parse local metainfo: %w", err)
	}

	var pinned *search.Candidate
	if entry != nil && entry.Payload != "" {
		var payload retryPayload
		if err := json.Unmarshal([]byte(entry.Payload), &payload); err == nil && payload.TorrentID != 0 {
			pinned = &search.Candidate{Site: site.Host(), TorrentID: payload.TorrentID}
		}
	}
	return p.runSite(ctx, local, tor, site, pinned), nil
}

// gateReason decides whether the torrent enters the pipeline at all.
func (p *Pipeline) gateReason(local *torrentcache.LocalEntry, tor *torrents.Torrent) (string, bool) {
	if !trackerAllowed(local.Trackers, p.cfg.Global.CheckTrackers) {
		return "tracker not in check_trackers", true
	}

	hasMusic, hasMP3 := false, false
	for _, f := range tor.Files() {
		if matcher.IsMusicFile(f.Path) {
			hasMusic = true
		}
		if strings.EqualFold(path.Ext(f.Path), ".mp3") {
			hasMP3 = true
		}
	}
	if p.cfg.Global.CheckMusicOnly && !hasMusic {
		return "no music files", true
	}
	if p.cfg.Global.ExcludeMP3 && hasMP3 {
		return "contains mp3 files", true
	}
	return "", false
}

func trackerAllowed(trackers, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, t := range trackers {
		for _, a := range allowed {
			if strings.Contains(strings.ToLower(t), strings.ToLower(a)) {
				return true
			}
		}
	}
	return false
}

// runSite drives the state machine for one site. Every exit path records an
// outcome except auth failures, which disable the site without consuming the
// pair's outcome slot.
func (p *Pipeline) runSite(ctx context.Context, local *torrentcache.LocalEntry, tor *torrents.Torrent, site *gazelle.Client, pinned *search.Candidate) Result {
	log := p.log.With().Str("site", site.Host()).Str("infohash", local.InfoHash).Logger()

	var cands []search.Candidate
	if pinned != nil {
		cands = []search.Candidate{*pinned}
	} else {
		found, err := p.strategy.FindCandidates(ctx, tor, site)
		if err != nil {
			return p.searchFailure(ctx, local, site, err, log)
		}
		cands = found
	}

	if len(cands) == 0 {
		r := Result{InfoHash: local.InfoHash, Site: site.Host(), Status: models.StatusNoMatch}
		p.record(ctx, local, r)
		return r
	}

	match, r, done := p.selectCandidate(ctx, local, tor, site, cands, log)
	if done {
		return r
	}

	return p.deliver(ctx, local, tor, site, match, log)
}

// accepted bundles everything the delivery phases need once a candidate
// passed matching.
type accepted struct {
	candidate search.Candidate
	torrent   *torrents.Torrent
	data      []byte
	mapping   *matcher.Mapping
}

// selectCandidate walks the ranked candidates and returns the first whose
// metainfo the matcher accepts. done means a terminal result was recorded.
func (p *Pipeline) selectCandidate(ctx context.Context, local *torrentcache.LocalEntry, tor *torrents.Torrent, site *gazelle.Client, cands []search.Candidate, log zerolog.Logger) (*accepted, Result, bool) {
	policy := matcher.Policy{
		LinkMode:           p.cfg.Global.Linking.Mode,
		AllowPartialPieces: p.cfg.Global.Linking.AllowPartialPieces,
		MaxMissingBytes:    p.cfg.Global.MaxMissingBytes,
	}

	lastDetail := ""
	fetchFailed := false
	for i := range cands {
		cand := cands[i]
		if err := ctx.Err(); err != nil {
			return nil, Result{InfoHash: local.InfoHash, Site: site.Host(), Status: models.StatusSkipped, Detail: "cancelled"}, true
		}

		// Hash hits are the site's own confirmation; name hits get a cheap
		// file-list screen before the .torrent download is spent.
		if !cand.FromHash {
			ok, err := p.screenCandidate(ctx, tor, site, &cand)
			if err != nil {
				if r, fatal := p.fetchFailure(ctx, local, site, cand, err, log); fatal {
					return nil, r, true
				}
				continue
			}
			if !ok {
				lastDetail = fmt.Sprintf("torrent %d: file list screen failed", cand.TorrentID)
				continue
			}
		}

		if p.cfg.Global.NoDownload {
			r := Result{
				InfoHash: local.InfoHash,
				Site:     site.Host(),
				Status:   models.StatusFoundNoFetch,
				Detail:   fmt.Sprintf("torrent %d matched, download skipped", cand.TorrentID),
				MatchURL: site.PermalinkURL(cand.TorrentID),
			}
			p.record(ctx, local, r)
			return nil, r, true
		}

		fetchCtx, cancel := context.WithTimeout(ctx, p.cfg.Global.FetchTimeout)
		data, err := site.DownloadTorrent(fetchCtx, cand.TorrentID)
		cancel()
		if err != nil {
			if r, fatal := p.fetchFailure(ctx, local, site, cand, err, log); fatal {
				return nil, r, true
			}
			lastDetail = fmt.Sprintf("torrent %d: %v", cand.TorrentID, err)
			fetchFailed = true
			continue
		}

		candTor, err := torrents.Parse(data)
		if err != nil {
			lastDetail = fmt.Sprintf("torrent %d: bad metainfo: %v", cand.TorrentID, err)
			continue
		}

		verdict := matcher.Match(tor, candTor, policy)
		if !verdict.Accepted {
			lastDetail = fmt.Sprintf("torrent %d: %s", cand.TorrentID, verdict.Reason)
			log.Debug().Int64("torrentId", cand.TorrentID).
				Str("reason", string(verdict.Reason)).Str("detail", verdict.Detail).
				Msg("candidate rejected")
			continue
		}

		return &accepted{candidate: cand, torrent: candTor, data: data, mapping: verdict.Mapping}, Result{}, false
	}

	// A candidate that failed to download is not a no-match verdict; keep
	// the pair retryable.
	status := models.StatusNoMatch
	if fetchFailed {
		status = models.StatusDownloadFailed
	}
	r := Result{InfoHash: local.InfoHash, Site: site.Host(), Status: status, Detail: lastDetail}
	p.record(ctx, local, r)
	return nil, r, true
}

// screenCandidate checks the site-reported file list against local sizes:
// every remote music file needs a local size partner and the rest must fit
// the missing-bytes budget. The full matcher still decides after download.
func (p *Pipeline) screenCandidate(ctx context.Context, tor *torrents.Torrent, site *gazelle.Client, cand *search.Candidate) (bool, error) {
	files, err := p.candidateFiles(ctx, site, cand)
	if err != nil {
		return false, err
	}
	if len(files) == 0 {
		// Sites can omit the file list; let the matcher decide.
		return true, nil
	}

	sizes := make(map[int64]int)
	for _, f := range tor.Files() {
		sizes[f.Length]++
	}

	var missing int64
	for _, f := range files {
		if sizes[f.Size] > 0 {
			sizes[f.Size]--
			continue
		}
		if matcher.IsMusicFile(f.Path) {
			return false, nil
		}
		missing += f.Size
	}
	return missing <= p.cfg.Global.MaxMissingBytes, nil
}

// candidateFiles returns the candidate's file list, via the cache when warm.
func (p *Pipeline) candidateFiles(ctx context.Context, site *gazelle.Client, cand *search.Candidate) ([]gazelle.RemoteFile, error) {
	if entry, err := p.candidates.Get(ctx, cand.Site, cand.TorrentID); err == nil && entry != nil {
		files := make([]gazelle.RemoteFile, 0, len(entry.Files))
		for _, f := range entry.Files {
			files = append(files, gazelle.RemoteFile{Path: f.Path, Size: f.Size})
		}
		return files, nil
	}

	resp, err := site.GetTorrent(ctx, cand.TorrentID)
	if err != nil {
		return nil, err
	}
	files := gazelle.ParseFileList(resp.Torrent.FileList)

	entry := &torrentcache.Entry{
		Site:      cand.Site,
		TorrentID: cand.TorrentID,
		GroupID:   resp.Group.ID,
		InfoHash:  strings.ToLower(resp.Torrent.InfoHash),
		Name:      resp.Group.Name,
		TotalSize: resp.Torrent.Size,
	}
	for _, f := range files {
		entry.Files = append(entry.Files, torrentcache.FileEntry{Path: f.Path, Size: f.Size})
	}
	if err := p.candidates.Put(ctx, entry); err != nil {
		p.log.Warn().Err(err).Int64("torrentId", cand.TorrentID).Msg("failed to cache candidate")
	}
	return files, nil
}

// deliver reconciles the accepted mapping on disk, injects the torrent and
// verifies the recheck. Cancellation is not honored once injection starts.
func (p *Pipeline) deliver(ctx context.Context, local *torrentcache.LocalEntry, tor *torrents.Torrent, site *gazelle.Client, match *accepted, log zerolog.Logger) Result {
	localRoot := contentRoot(local.SavePath, tor.Name(), tor.IsSingleFile())
	targetRoot := contentRoot(local.SavePath, match.torrent.Name(), match.torrent.IsSingleFile())

	if err := p.reconciler.Apply(ctx, match.mapping, localRoot, targetRoot); err != nil {
		r := Result{
			InfoHash: local.InfoHash,
			Site:     site.Host(),
			Status:   models.StatusInjectFailed,
			Detail:   fmt.Sprintf("reconcile: %v", err),
		}
		p.record(ctx, local, r)
		return r
	}

	injectCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.Global.InjectTimeout)
	defer cancel()

	candHash := match.torrent.InfoHash().HexString()
	err := p.client.Inject(injectCtx, clients.InjectRequest{
		TorrentData: match.data,
		InfoHash:    candHash,
		SavePath:    local.SavePath,
		Category:    p.cfg.Downloader.Label,
		Paused:      true,
	})
	if err != nil {
		p.park(ctx, local, site, match.candidate, "inject", err)
		r := Result{
			InfoHash: local.InfoHash,
			Site:     site.Host(),
			Status:   models.StatusInjectFailed,
			Detail:   err.Error(),
		}
		p.record(ctx, local, r)
		return r
	}

	if err := p.verify(injectCtx, candHash); err != nil {
		p.park(ctx, local, site, match.candidate, "verify", err)
		r := Result{
			InfoHash: local.InfoHash,
			Site:     site.Host(),
			Status:   models.StatusVerifyFailed,
			Detail:   err.Error(),
		}
		p.record(ctx, local, r)
		return r
	}

	postCtx, cancelPost := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
	defer cancelPost()

	if p.cfg.Global.AutoStartTorrents {
		if err := p.client.Start(postCtx, candHash); err != nil {
			log.Warn().Err(err).Str("candidate", candHash).Msg("failed to start verified torrent")
		}
	}

	if err := p.retries.Resolve(postCtx, local.InfoHash, site.Host()); err != nil {
		log.Warn().Err(err).Msg("failed to clear retry ledger entry")
	}

	r := Result{
		InfoHash: local.InfoHash,
		Site:     site.Host(),
		Status:   models.StatusMatched,
		Detail:   match.mapping.Summary(),
		MatchURL: site.PermalinkURL(match.candidate.TorrentID),
	}
	p.recordMatched(ctx, local, r, candHash)
	log.Info().Int64("torrentId", match.candidate.TorrentID).
		Str("actions", match.mapping.Summary()).Msg("cross-seed injected")
	return r
}

// verify waits for the injected torrent to finish its hash recheck.
func (p *Pipeline) verify(ctx context.Context, infoHash string) error {
	verifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.Global.VerifyTimeout)
	defer cancel()

	if err := p.client.Recheck(verifyCtx, infoHash); err != nil {
		return err
	}

	interval := p.cfg.Global.VerifyTimeout / 100
	if interval > maxVerifyPollInterval {
		interval = maxVerifyPollInterval
	}
	if interval <= 0 {
		interval = maxVerifyPollInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-verifyCtx.Done():
			return fmt.Errorf("recheck did not finish within %s", p.cfg.Global.VerifyTimeout)
		case <-ticker.C:
		}

		status, err := p.client.Status(verifyCtx, infoHash)
		if err != nil {
			// The client may not list the torrent immediately after add.
			if clients.IsNotFound(err) {
				continue
			}
			return err
		}
		if status.Checking {
			continue
		}
		if status.Progress < completeProgress {
			return fmt.Errorf("recheck finished at %.1f%% complete", status.Progress*100)
		}
		return nil
	}
}

// searchFailure classifies a search-phase error. Auth failures disable the
// site without recording; transient failures park the pair for a sweep.
func (p *Pipeline) searchFailure(ctx context.Context, local *torrentcache.LocalEntry, site *gazelle.Client, err error, log zerolog.Logger) Result {
	if domain.IsAuth(err) {
		p.DisableSite(site.Host(), err.Error())
		return Result{InfoHash: local.InfoHash, Site: site.Host(), Status: models.StatusSkipped, Detail: "site authentication failed"}
	}

	if domain.IsTransient(err) {
		p.park(ctx, local, site, search.Candidate{}, "search", err)
	}
	log.Error().Err(err).Msg("search failed")

	r := Result{
		InfoHash: local.InfoHash,
		Site:     site.Host(),
		Status:   models.StatusDownloadFailed,
		Detail:   fmt.Sprintf("search: %v", err),
	}
	p.record(ctx, local, r)
	return r
}

// fetchFailure classifies a candidate fetch error. fatal means the site run
// is over and a result was recorded; otherwise the next candidate is tried.
func (p *Pipeline) fetchFailure(ctx context.Context, local *torrentcache.LocalEntry, site *gazelle.Client, cand search.Candidate, err error, log zerolog.Logger) (Result, bool) {
	if domain.IsAuth(err) {
		p.DisableSite(site.Host(), err.Error())
		return Result{InfoHash: local.InfoHash, Site: site.Host(), Status: models.StatusSkipped, Detail: "site authentication failed"}, true
	}

	if domain.IsTransient(err) {
		p.park(ctx, local, site, cand, "download", err)
		r := Result{
			InfoHash: local.InfoHash,
			Site:     site.Host(),
			Status:   models.StatusDownloadFailed,
			Detail:   fmt.Sprintf("torrent %d: %v", cand.TorrentID, err),
		}
		p.record(ctx, local, r)
		return r, true
	}

	// Permanent per-candidate failures (deleted torrent, download locked)
	// do not end the run.
	log.Debug().Err(err).Int64("torrentId", cand.TorrentID).Msg("candidate fetch failed")
	p.mu.Lock()
	p.fetchHint++
	hint := p.fetchHint <= fetchHintBudget
	p.mu.Unlock()
	if hint {
		log.Info().Str("url", site.PermalinkURL(cand.TorrentID)).
			Msg("torrent may still be downloadable in a browser")
	}
	return Result{}, false
}

// park writes a retry ledger entry with exponential backoff over attempts.
func (p *Pipeline) park(ctx context.Context, local *torrentcache.LocalEntry, site *gazelle.Client, cand search.Candidate, stage string, cause error) {
	var payload string
	if cand.TorrentID != 0 {
		raw, err := json.Marshal(retryPayload{TorrentID: cand.TorrentID})
		if err == nil {
			payload = string(raw)
		}
	}

	attempts := 0
	if prev, err := p.retries.Get(ctx, local.InfoHash, site.Host()); err == nil && prev != nil {
		attempts = prev.Attempts
	}

	entry := &models.RetryEntry{
		InfoHash:      local.InfoHash,
		Site:          site.Host(),
		Stage:         stage,
		NextAttemptAt: time.Now().Add(retryBackoff(attempts)),
		LastError:     cause.Error(),
		Payload:       payload,
	}
	if err := p.retries.Park(ctx, entry); err != nil {
		p.log.Warn().Err(err).Str("site", site.Host()).Msg("failed to park retry entry")
	}
}

// retryBackoff doubles from one minute per prior attempt with up to 20%
// jitter, capped at an hour. Jitter keeps parked entries from a burst
// failure coming due in the same sweep.
func retryBackoff(attempts int) time.Duration {
	d := time.Minute << uint(attempts)
	if d > time.Hour || d <= 0 {
		d = time.Hour
	}
	return d + rand.N(d/5)
}

func (p *Pipeline) record(ctx context.Context, local *torrentcache.LocalEntry, r Result) {
	p.recordMatched(ctx, local, r, "")
}

func (p *Pipeline) recordMatched(ctx context.Context, local *torrentcache.LocalEntry, r Result, matchedHash string) {
	err := p.scans.Record(ctx, &models.ScanResult{
		InfoHash:        local.InfoHash,
		Site:            r.Site,
		Name:            local.Name,
		Status:          r.Status,
		Detail:          r.Detail,
		MatchURL:        r.MatchURL,
		MatchedInfoHash: matchedHash,
	})
	if err != nil {
		p.log.Error().Err(err).Str("site", r.Site).Str("infohash", local.InfoHash).Msg("failed to record outcome")
	}
}

// contentRoot resolves where a torrent's payload lives. Multi-file torrents
// nest under their name directory; single-file torrents sit in the save path.
func contentRoot(savePath, name string, singleFile bool) string {
	if singleFile {
		return savePath
	}
	return filepath.Join(savePath, name)
}
