// Copyright (c) 2026, the nemorosa contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nemorosa/nemorosa/internal/api"
	"github.com/nemorosa/nemorosa/internal/buildinfo"
	"github.com/nemorosa/nemorosa/internal/clients"
	"github.com/nemorosa/nemorosa/internal/config"
	"github.com/nemorosa/nemorosa/internal/database"
	"github.com/nemorosa/nemorosa/internal/domain"
	"github.com/nemorosa/nemorosa/internal/gazelle"
	"github.com/nemorosa/nemorosa/internal/logger"
	"github.com/nemorosa/nemorosa/internal/models"
	"github.com/nemorosa/nemorosa/internal/orchestrator"
	"github.com/nemorosa/nemorosa/internal/pipeline"
	"github.com/nemorosa/nemorosa/internal/reconcile"
	"github.com/nemorosa/nemorosa/internal/search"
	"github.com/nemorosa/nemorosa/internal/torrentcache"
)

// errClientUnreachable maps to its own exit code so wrapper scripts can
// distinguish a down client from a failed scan.
var errClientUnreachable = errors.New("torrent client unreachable")

type cliFlags struct {
	configPath        string
	clientURL         string
	noDownload        bool
	retryUndownloaded bool
	serverMode        bool
	torrentHash       string
	host              string
	port              int
	logLevel          string
	force             bool
	scanInterval      time.Duration
}

func RootCommand() *cobra.Command {
	flags := &cliFlags{}

	cmd := &cobra.Command{
		Use:           "nemorosa",
		Short:         "Cross-seed seeding torrents to Gazelle music trackers",
		Version:       buildinfo.Version,
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), flags)
		},
	}

	f := cmd.Flags()
	f.StringVar(&flags.configPath, "config", "", "path to config.yml (default: user config dir)")
	f.StringVar(&flags.clientURL, "client", "", "override downloader.client URL")
	f.BoolVar(&flags.noDownload, "no-download", false, "stop after matching, do not download or inject")
	f.BoolVarP(&flags.retryUndownloaded, "retry-undownloaded", "r", false, "re-run matches recorded during no-download runs")
	f.BoolVarP(&flags.serverMode, "server", "s", false, "run the webhook server and scheduled scans")
	f.StringVarP(&flags.torrentHash, "torrent", "t", "", "scan a single torrent by infohash")
	f.StringVar(&flags.host, "host", "", "override server.host")
	f.IntVar(&flags.port, "port", 0, "override server.port")
	f.StringVarP(&flags.logLevel, "loglevel", "l", "", "override global.loglevel")
	f.BoolVar(&flags.force, "force", false, "re-scan pairs that already have a final outcome")
	f.DurationVar(&flags.scanInterval, "scan-interval", time.Hour, "full scan interval in server mode")

	cmd.AddCommand(versionCommand())
	return cmd
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Print(buildinfo.String())
		},
	}
}

func run(ctx context.Context, flags *cliFlags) error {
	appCfg, err := config.New(flags.configPath)
	if err != nil {
		var firstRun *config.FirstRunError
		if errors.As(err, &firstRun) {
			fmt.Println(firstRun.Error())
			return nil
		}
		return err
	}
	cfg := appCfg.Config
	applyOverrides(cfg, flags)

	log := logger.New(cfg.Global)
	log.Info().Str("version", buildinfo.Version).Msg("starting nemorosa")

	db, err := database.New(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	clientURL, err := domain.ParseClientURL(cfg.Downloader.Client)
	if err != nil {
		return &domain.ConfigError{Msg: err.Error()}
	}
	client, err := clients.New(ctx, clientURL)
	if err != nil {
		var cfgErr *domain.ConfigError
		if errors.As(err, &cfgErr) {
			return err
		}
		log.Error().Err(err).Msg("cannot reach torrent client")
		return fmt.Errorf("%w: %v", errClientUnreachable, err)
	}

	var sites []*gazelle.Client
	for _, sc := range cfg.TargetSites {
		site, err := gazelle.NewClient(sc, log)
		if err != nil {
			return err
		}
		sites = append(sites, site)
	}

	scans := models.NewScanStore(db)
	retries := models.NewRetryStore(db)
	locals := torrentcache.NewLocalStore(db)
	candidates := torrentcache.New(db)

	pipe := pipeline.New(cfg, client, search.New(cfg.Global.SearchTimeout, candidates, log),
		reconcile.New(log), scans, retries, candidates, log)
	orch := orchestrator.New(cfg, client, sites, pipe, locals, retries, log)

	// Sites with bad credentials drop out now rather than mid-scan.
	for _, site := range sites {
		if err := site.CheckAuth(ctx); err != nil {
			if domain.IsAuth(err) {
				pipe.DisableSite(site.Host(), err.Error())
				continue
			}
			log.Warn().Err(err).Str("site", site.Host()).Msg("auth check failed, keeping site")
		}
	}

	switch {
	case flags.torrentHash != "":
		results, err := orch.ScanOne(ctx, flags.torrentHash, flags.force)
		if err != nil {
			return err
		}
		matched := false
		for _, r := range results {
			log.Info().Str("site", r.Site).Str("status", string(r.Status)).
				Str("detail", r.Detail).Str("url", r.MatchURL).Msg("outcome")
			if r.Status == models.StatusMatched || r.Status == models.StatusFoundNoFetch {
				matched = true
			}
		}
		if !matched {
			return errors.New("no cross-seed match found")
		}
		return nil

	case flags.retryUndownloaded:
		cfg.Global.NoDownload = false
		n, err := orch.RetryUndownloaded(ctx, scans)
		if err != nil {
			return err
		}
		log.Info().Int("fetched", n).Msg("undownloaded matches re-run")
		_, err = orch.SweepRetries(ctx)
		return err

	case flags.serverMode:
		srv := api.NewServer(cfg, orch, scans, retries, log)
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return srv.ListenAndServe(gctx) })
		g.Go(func() error { return orch.RunScheduler(gctx, flags.scanInterval) })
		err := g.Wait()
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err

	default:
		summary, err := orch.ScanAll(ctx, flags.force)
		if err != nil {
			return err
		}
		if _, err := orch.SweepRetries(ctx); err != nil {
			return err
		}
		log.Info().Int("scanned", summary.Scanned).
			Int("matched", summary.Outcomes[models.StatusMatched]).
			Msg("done")
		return nil
	}
}

func applyOverrides(cfg *domain.Config, flags *cliFlags) {
	if flags.clientURL != "" {
		cfg.Downloader.Client = flags.clientURL
	}
	if flags.noDownload {
		cfg.Global.NoDownload = true
	}
	if flags.host != "" {
		cfg.Server.Host = flags.host
	}
	if flags.port != 0 {
		cfg.Server.Port = flags.port
	}
	if flags.logLevel != "" {
		cfg.Global.LogLevel = flags.logLevel
	}
}
