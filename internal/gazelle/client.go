// Copyright (c) 2026, the nemorosa contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package gazelle talks to Gazelle-family tracker sites (RED, OPS) through
// their ajax.php JSON API, with cookie-based download fallback for sites
// where no API key is configured.
package gazelle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nemorosa/nemorosa/internal/buildinfo"
	"github.com/nemorosa/nemorosa/internal/domain"

	"github.com/avast/retry-go"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// sharedTransport pools connections across site clients.
var sharedTransport = func() *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.MaxIdleConns = 100
	t.MaxIdleConnsPerHost = 10
	t.IdleConnTimeout = 90 * time.Second
	t.ForceAttemptHTTP2 = true
	return t
}()

// SiteSpec carries per-site constants: API rate budget and the source flag
// the site writes into its torrents' info dicts.
type SiteSpec struct {
	Host       string
	RateLimit  int
	RatePeriod int
	SourceFlag string
	// Sister flags are older source values still found in the wild for the
	// same site (PTH for RED, APL for OPS).
	SisterFlags []string
}

var knownSites = map[string]SiteSpec{
	"redacted.sh": {
		Host:        "redacted.sh",
		RateLimit:   10,
		RatePeriod:  10,
		SourceFlag:  "RED",
		SisterFlags: []string{"PTH"},
	},
	"orpheus.network": {
		Host:        "orpheus.network",
		RateLimit:   5,
		RatePeriod:  10,
		SourceFlag:  "OPS",
		SisterFlags: []string{"APL"},
	},
}

var defaultSpec = SiteSpec{RateLimit: 5, RatePeriod: 10}

type ajaxResponse struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
	Error    string          `json:"error"`
}

// TorrentResponse is the `torrent` ajax action payload.
type TorrentResponse struct {
	Group   TorrentGroup   `json:"group"`
	Torrent TorrentDetails `json:"torrent"`
}

type TorrentGroup struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type TorrentDetails struct {
	ID          int64  `json:"id"`
	InfoHash    string `json:"infoHash"`
	Size        int64  `json:"size"`
	FileCount   int    `json:"fileCount"`
	FilePath    string `json:"filePath"`
	FileList    string `json:"fileList"`
	TrumpableIf string `json:"trumpableIf,omitempty"`
}

type searchResponse struct {
	Results []searchResult `json:"results"`
}

type searchResult struct {
	GroupID   FlexInt         `json:"groupId"`
	GroupName string          `json:"groupName"`
	Artist    string          `json:"artist"`
	Torrents  []searchTorrent `json:"torrents"`
}

type searchTorrent struct {
	TorrentID FlexInt `json:"torrentId"`
	Size      int64   `json:"size"`
}

// FlexInt handles JSON fields that can be either string or number.
type FlexInt int64

func (f *FlexInt) UnmarshalJSON(data []byte) error {
	var n int64
	if err := json.Unmarshal(data, &n); err == nil {
		*f = FlexInt(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return err
		}
		*f = FlexInt(parsed)
		return nil
	}
	return fmt.Errorf("cannot unmarshal %s into FlexInt", string(data))
}

// SearchResult is one candidate returned by hash or filename search.
type SearchResult struct {
	TorrentID int64
	GroupID   int64
	Size      int64
	Title     string
	InfoHash  string
}

// Client is one target site's API client. Requests are rate limited per
// site and transient failures are retried with backoff.
type Client struct {
	baseURL    string
	apiKey     string
	cookie     string
	tracker    string
	httpClient *http.Client
	limiter    *rate.Limiter
	host       string
	spec       SiteSpec
	retryDelay time.Duration
	log        zerolog.Logger
}

// NewClient builds a site client from its configuration. Either an API key
// or a session cookie must be present; the caller has already validated
// that.
func NewClient(cfg domain.TargetSiteConfig, logger zerolog.Logger) (*Client, error) {
	parsed, err := url.Parse(cfg.Server)
	if err != nil {
		return nil, &domain.ConfigError{Msg: fmt.Sprintf("invalid server URL %q: %v", cfg.Server, err)}
	}
	host := parsed.Host

	spec, ok := knownSites[host]
	if !ok {
		spec = defaultSpec
		spec.Host = host
	}

	// Burst up to the window allowance; Gazelle rate limits are windowed,
	// not spaced.
	limiter := rate.NewLimiter(
		rate.Every(time.Duration(spec.RatePeriod)*time.Second/time.Duration(spec.RateLimit)),
		spec.RateLimit)

	return &Client{
		baseURL: strings.TrimSuffix(cfg.Server, "/"),
		apiKey:  cfg.APIKey,
		cookie:  cfg.Cookie,
		tracker: cfg.Tracker,
		spec:    spec,
		httpClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: sharedTransport,
		},
		limiter:    limiter,
		host:       host,
		retryDelay: time.Second,
		log:        logger.With().Str("site", host).Logger(),
	}, nil
}

func (c *Client) Host() string       { return c.host }
func (c *Client) Tracker() string    { return c.tracker }
func (c *Client) SourceFlag() string { return c.spec.SourceFlag }

// SourceFlags returns every source value worth probing for this site: the
// current flag first, then its sister flags, then the empty (absent) flag.
func (c *Client) SourceFlags() []string {
	flags := make([]string, 0, len(c.spec.SisterFlags)+2)
	if c.spec.SourceFlag != "" {
		flags = append(flags, c.spec.SourceFlag)
	}
	flags = append(flags, c.spec.SisterFlags...)
	flags = append(flags, "")
	return flags
}

func (c *Client) request(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &domain.TransientNetError{Op: "rate limit wait", Err: err}
	}

	reqURL := c.baseURL + "/" + endpoint
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	var body []byte
	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			if c.apiKey != "" {
				req.Header.Set("Authorization", c.apiKey)
			}
			if c.cookie != "" {
				req.Header.Set("Cookie", c.cookie)
			}
			req.Header.Set("User-Agent", buildinfo.UserAgent())

			resp, err := c.httpClient.Do(req)
			if err != nil {
				return &domain.TransientNetError{Op: endpoint, Err: err}
			}
			defer resp.Body.Close()

			body, err = io.ReadAll(resp.Body)
			if err != nil {
				return &domain.TransientNetError{Op: endpoint, Err: err}
			}

			switch {
			case resp.StatusCode == http.StatusOK:
				return nil
			case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
				return retry.Unrecoverable(&domain.AuthError{
					Site: c.host,
					Err:  fmt.Errorf("status %d", resp.StatusCode),
				})
			case resp.StatusCode == http.StatusNotFound:
				return retry.Unrecoverable(&domain.PermanentSiteError{
					Op:  endpoint,
					Err: fmt.Errorf("status %d", resp.StatusCode),
				})
			case resp.StatusCode == http.StatusTooManyRequests:
				// The site's Retry-After takes precedence over our own backoff.
				if d := parseRetryAfter(resp.Header.Get("Retry-After")); d > 0 {
					select {
					case <-time.After(d):
					case <-ctx.Done():
						return retry.Unrecoverable(ctx.Err())
					}
				}
				return &domain.TransientNetError{
					Op:  endpoint,
					Err: fmt.Errorf("status %d", resp.StatusCode),
				}
			case resp.StatusCode >= 500:
				return &domain.TransientNetError{
					Op:  endpoint,
					Err: fmt.Errorf("status %d", resp.StatusCode),
				}
			default:
				return retry.Unrecoverable(&domain.PermanentSiteError{
					Op:  endpoint,
					Err: fmt.Errorf("status %d: %s", resp.StatusCode, snippet(body)),
				})
			}
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(c.retryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, err
	}
	return body, nil
}

// parseRetryAfter reads an integer-seconds or HTTP-date Retry-After value,
// capped at one minute.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	const maxWait = time.Minute
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return min(time.Duration(secs)*time.Second, maxWait)
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return min(d, maxWait)
		}
	}
	return 0
}

func (c *Client) ajax(ctx context.Context, action string, params url.Values) (*ajaxResponse, error) {
	if params == nil {
		params = url.Values{}
	}
	params.Set("action", action)

	body, err := c.request(ctx, "ajax.php", params)
	if err != nil {
		return nil, err
	}

	var resp ajaxResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &domain.PermanentSiteError{Op: action, Err: fmt.Errorf("parse response: %w", err)}
	}
	if resp.Status != "success" {
		return nil, &domain.PermanentSiteError{Op: action, Err: fmt.Errorf("API error: %s", resp.Error)}
	}
	return &resp, nil
}

// CheckAuth verifies credentials with the index action. An AuthError here
// disables the site for the rest of the run.
func (c *Client) CheckAuth(ctx context.Context) error {
	_, err := c.ajax(ctx, "index", nil)
	return err
}

// SearchByHash looks up a torrent by its exact infohash. A nil result means
// no torrent with that hash exists on the site.
func (c *Client) SearchByHash(ctx context.Context, hash string) (*SearchResult, error) {
	params := url.Values{}
	params.Set("hash", strings.ToUpper(hash))

	resp, err := c.ajax(ctx, "torrent", params)
	if err != nil {
		// Gazelle reports not-found as a bad parameter error.
		if isNotFoundError(err) {
			c.log.Trace().Str("hash", hash).Msg("no match by hash")
			return nil, nil
		}
		return nil, err
	}

	var torrentResp TorrentResponse
	if err := json.Unmarshal(resp.Response, &torrentResp); err != nil {
		return nil, &domain.PermanentSiteError{Op: "torrent", Err: err}
	}

	return &SearchResult{
		TorrentID: torrentResp.Torrent.ID,
		GroupID:   torrentResp.Group.ID,
		Size:      torrentResp.Torrent.Size,
		Title:     torrentResp.Group.Name,
		InfoHash:  torrentResp.Torrent.InfoHash,
	}, nil
}

// SearchByFilename runs a filelist search and flattens the grouped results.
func (c *Client) SearchByFilename(ctx context.Context, filename string) ([]SearchResult, error) {
	params := url.Values{}
	params.Set("filelist", filename)

	resp, err := c.ajax(ctx, "browse", params)
	if err != nil {
		return nil, err
	}

	var searchResp searchResponse
	if err := json.Unmarshal(resp.Response, &searchResp); err != nil {
		return nil, &domain.PermanentSiteError{Op: "browse", Err: err}
	}

	results := make([]SearchResult, 0, 64)
	for _, r := range searchResp.Results {
		for _, t := range r.Torrents {
			results = append(results, SearchResult{
				TorrentID: int64(t.TorrentID),
				GroupID:   int64(r.GroupID),
				Size:      t.Size,
				Title:     r.GroupName,
			})
		}
	}
	return results, nil
}

// GetTorrent fetches full torrent details, including the encoded file list.
func (c *Client) GetTorrent(ctx context.Context, torrentID int64) (*TorrentResponse, error) {
	params := url.Values{}
	params.Set("id", strconv.FormatInt(torrentID, 10))

	resp, err := c.ajax(ctx, "torrent", params)
	if err != nil {
		if isNotFoundError(err) {
			return nil, &domain.PermanentSiteError{Op: "torrent", Err: fmt.Errorf("torrent %d not found", torrentID)}
		}
		return nil, err
	}

	var torrentResp TorrentResponse
	if err := json.Unmarshal(resp.Response, &torrentResp); err != nil {
		return nil, &domain.PermanentSiteError{Op: "torrent", Err: err}
	}
	return &torrentResp, nil
}

// DownloadTorrent fetches the .torrent payload. With an API key it uses the
// ajax download action; with only a cookie it falls back to the classic
// torrents.php download endpoint.
func (c *Client) DownloadTorrent(ctx context.Context, torrentID int64) ([]byte, error) {
	endpoint := "ajax.php"
	params := url.Values{}
	params.Set("action", "download")
	params.Set("id", strconv.FormatInt(torrentID, 10))

	if c.apiKey == "" {
		endpoint = "torrents.php"
	}

	body, err := c.request(ctx, endpoint, params)
	if err != nil {
		return nil, err
	}

	if !looksLikeTorrentPayload(body) {
		var ajaxErr ajaxResponse
		if json.Unmarshal(body, &ajaxErr) == nil && ajaxErr.Error != "" {
			return nil, &domain.PermanentSiteError{
				Op:  "download",
				Err: fmt.Errorf("download failed: %s", ajaxErr.Error),
			}
		}
		return nil, &domain.PermanentSiteError{
			Op:  "download",
			Err: fmt.Errorf("downloaded data appears invalid (size=%d)", len(body)),
		}
	}
	return body, nil
}

// PermalinkURL is the human-facing torrent page URL recorded in outcomes.
func (c *Client) PermalinkURL(torrentID int64) string {
	return fmt.Sprintf("%s/torrents.php?torrentid=%d", c.baseURL, torrentID)
}

func isNotFoundError(err error) bool {
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "bad id parameter") ||
		strings.Contains(lower, "bad parameters") ||
		strings.Contains(lower, "bad hash parameter")
}

func snippet(body []byte) string {
	const max = 200
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
