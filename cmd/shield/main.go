package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/BetterCallFirewall/shield/internal/config"
	"github.com/BetterCallFirewall/shield/internal/crawler"
	"github.com/BetterCallFirewall/shield/internal/security"
	"github.com/BetterCallFirewall/shield/internal/store"
	"github.com/BetterCallFirewall/shield/internal/supervisor"
	"github.com/BetterCallFirewall/shield/internal/waf"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatal().Err(err).Msg("shield: fatal error")
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "shield",
		Short: "The Shield: a protective caching WAF front-end for legacy dynamic origins",
	}
	root.AddCommand(newServeCmd(), newCrawlCmd(), newDeployCmd(), newUndeployCmd())
	return root
}

func setupLogging(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.LogFormat == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

func openStore(cfg *config.Config) (*store.Store, error) {
	return store.Open(cfg.DataDir + "/shield.db")
}

// newServeCmd starts the long-running process: opens the store, starts the
// Security Event Collector, auto-deploys every persisted-active site, then
// blocks on SIGINT/SIGTERM, following the teacher's signal-driven graceful
// shutdown shape in cmd/main.go.
func newServeCmd() *cobra.Command {
	var geoDBPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Shield supervisor and auto-deploy active sites",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			setupLogging(cfg)

			db, err := openStore(cfg)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer db.Close()

			geo := waf.NewGeoResolver(geoDBPath)
			defer geo.Close()

			events := security.New(db, time.Duration(cfg.EventRetentionDays)*24*time.Hour)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			events.Start(ctx)
			defer events.Stop()

			sup := supervisor.New(db, cfg.CacheRoot, events, geo)
			sup.AutoDeployIfNeeded(ctx)

			log.Info().Msg("shield supervisor started")

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			<-sigCh

			log.Info().Msg("shutting down")
			return nil
		},
	}
	cmd.Flags().StringVar(&geoDBPath, "geoip-db", "", "path to a MaxMind GeoLite2-Country database (optional)")
	return cmd
}

// newCrawlCmd runs a single synchronous crawl for one site and exits.
func newCrawlCmd() *cobra.Command {
	var (
		siteID, targetURL, internalURL, hostOverride string
		maxConcurrency, maxPages                     int
		delay                                        time.Duration
		respectRobots                                bool
	)
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawl a site's public origin into its cache directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			setupLogging(cfg)

			db, err := openStore(cfg)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer db.Close()

			cacheDir := cfg.CacheRoot + "/" + siteID
			if err := os.MkdirAll(cacheDir, 0o755); err != nil {
				return fmt.Errorf("prepare cache directory: %w", err)
			}

			ctx := context.Background()
			job, err := db.CreateCrawlJob(ctx, siteID)
			if err != nil {
				return fmt.Errorf("create crawl job: %w", err)
			}

			engine := crawler.New(crawler.Options{
				SiteID:         siteID,
				TargetURL:      targetURL,
				InternalURL:    internalURL,
				OverrideHost:   hostOverride,
				CacheDir:       cacheDir,
				MaxConcurrency: maxConcurrency,
				Delay:          delay,
				MaxPages:       maxPages,
				RespectRobots:  respectRobots,
			})

			if err := engine.Run(ctx, job.ID, db, db); err != nil {
				return fmt.Errorf("crawl failed: %w", err)
			}
			log.Info().Str("site", siteID).Msg("crawl completed")
			return nil
		},
	}
	cmd.Flags().StringVar(&siteID, "site-id", "", "site identifier (required)")
	cmd.Flags().StringVar(&targetURL, "target-url", "", "public origin to crawl (required)")
	cmd.Flags().StringVar(&internalURL, "internal-url", "", "optional split-horizon origin for fetches")
	cmd.Flags().StringVar(&hostOverride, "host-override", "", "Host header to send when internal-url is set")
	cmd.Flags().IntVar(&maxConcurrency, "max-concurrency", 8, "bounded fetch concurrency")
	cmd.Flags().IntVar(&maxPages, "max-pages", 5000, "page cap for this run")
	cmd.Flags().DurationVar(&delay, "delay", 250*time.Millisecond, "delay between fetches")
	cmd.Flags().BoolVar(&respectRobots, "respect-robots", true, "honor robots.txt disallow rules")
	_ = cmd.MarkFlagRequired("site-id")
	_ = cmd.MarkFlagRequired("target-url")
	return cmd
}

func newDeployCmd() *cobra.Command {
	var siteID, geoDBPath string
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Deploy a site's shield listener and block until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			setupLogging(cfg)

			db, err := openStore(cfg)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer db.Close()

			geo := waf.NewGeoResolver(geoDBPath)
			defer geo.Close()

			events := security.New(db, time.Duration(cfg.EventRetentionDays)*24*time.Hour)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			events.Start(ctx)
			defer events.Stop()

			sup := supervisor.New(db, cfg.CacheRoot, events, geo)
			if err := sup.Deploy(ctx, siteID); err != nil {
				return fmt.Errorf("deploy: %w", err)
			}
			log.Info().Str("site", siteID).Msg("shield deployed, blocking until interrupted")

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			<-sigCh

			return sup.Undeploy(context.Background(), siteID)
		},
	}
	cmd.Flags().StringVar(&siteID, "site-id", "", "site identifier (required)")
	cmd.Flags().StringVar(&geoDBPath, "geoip-db", "", "path to a MaxMind GeoLite2-Country database (optional)")
	_ = cmd.MarkFlagRequired("site-id")
	return cmd
}

func newUndeployCmd() *cobra.Command {
	var siteID string
	cmd := &cobra.Command{
		Use:   "undeploy",
		Short: "Clear a site's persisted shield_active flag",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			setupLogging(cfg)

			db, err := openStore(cfg)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer db.Close()

			return db.SetShieldActive(context.Background(), siteID, false)
		},
	}
	cmd.Flags().StringVar(&siteID, "site-id", "", "site identifier (required)")
	_ = cmd.MarkFlagRequired("site-id")
	return cmd
}
