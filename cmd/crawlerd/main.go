package main

import (
	"context"
	"errors"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"devicecrawl/internal/api"
	"devicecrawl/internal/config"
	"devicecrawl/internal/logger"
	"devicecrawl/internal/proxy"
	"devicecrawl/internal/ratelimit"
	"devicecrawl/internal/requestqueue"
	"devicecrawl/internal/scheduler"
	"devicecrawl/internal/scrape"
	"devicecrawl/internal/storage"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		stdlog.Fatalf("failed to load config: %v", err)
	}

	logger.Init(cfg.Server.LogLevel)
	log := logger.WithComponent("main")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var store *storage.Store
	switch cfg.Database.Driver {
	case "postgres":
		store, err = storage.OpenPostgres(cfg.Database.DSN)
	case "sqlite":
		store, err = storage.OpenSQLite(cfg.Database.DSN)
	default:
		log.Fatal().Str("driver", cfg.Database.Driver).Msg("unsupported database driver")
	}
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}

	jobStore := storage.NewSQLJobStore(store)
	defer func() {
		if err := jobStore.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close job store")
		}
	}()

	if err := jobStore.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}

	limiter := ratelimit.New(cfg.RateLimit)

	var proxies *proxy.Manager
	if cfg.Proxy.Enabled {
		prober := proxy.NewHTTPProber(cfg.Proxy.ProbeTarget, cfg.Proxy.ProbeTimeout)
		var source proxy.SourceFetcher
		if cfg.Proxy.SourceURL != "" {
			source = proxy.NewHTTPSource(cfg.Proxy.SourceURL, cfg.Proxy.ProbeTimeout)
		}
		proxies = proxy.NewManager(cfg.Proxy, prober, source, proxy.NewFileStore(cfg.Proxy.FilePath))
		if err := proxies.Load(); err != nil {
			log.Fatal().Err(err).Msg("failed to load proxy pool")
		}
		proxies.Start(ctx)
		defer proxies.Stop()
	}

	requests := requestqueue.New(cfg.Requests, limiter, proxies)
	defer requests.Close()

	queue := scheduler.New(cfg.Scheduler, jobStore)

	dataDir := os.Getenv("DATA_DIR")
	if dataDir == "" {
		dataDir = "data"
	}
	catalog, err := newFileCatalog(dataDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open catalog storage")
	}

	fetcher := scrape.NewHTTPFetcher(cfg.Fetcher, requests)
	scraper := scrape.NewScraper(fetcher, &jsonExtractor{}, catalog, queue)
	scraper.Register()

	if err := queue.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start job queue")
	}
	defer queue.Stop()

	handler := api.NewAPI(queue, limiter, proxies, requests)
	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           handler.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("status API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP shutdown failed")
	}
}
