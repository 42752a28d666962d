package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"tickersync/internal/application/service"
	"tickersync/internal/infrastructure/config"
	"tickersync/internal/infrastructure/httpx"
	"tickersync/internal/infrastructure/logger"
	"tickersync/internal/infrastructure/provider/finnhub"
	"tickersync/internal/infrastructure/provider/yahoo"
	"tickersync/internal/infrastructure/storage"
	"tickersync/internal/interfaces/console"
)

func main() {
	logger.Setup()
	_ = godotenv.Load()

	configPath := flag.String("config", "configs/config.toml", "path to config.toml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Fatal().Err(err).Str("config", *configPath).Msg("load config failed")
		}
		log.Warn().Str("config", *configPath).Msg("config not found, using defaults")
		cfg = config.Default()
	}

	// Environment credentials take precedence over the config file.
	if key := os.Getenv("TICKER_API_KEY"); key != "" {
		cfg.Provider.Finnhub.APIKey = key
	}
	if key := os.Getenv("TICKER_API_KEY2"); key != "" {
		cfg.Provider.Finnhub.APIKey2 = key
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpClient, err := httpx.New(httpx.Options{
		ProxyURL: cfg.HTTP.Proxy,
		CertFile: cfg.HTTP.CertFile,
		Timeout:  cfg.HTTPTimeout(),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("http client setup failed")
	}

	repo, err := storage.Open(storage.Options{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		PostgresDSN: cfg.Storage.PostgresDSN,
		RedisAddr:   cfg.Storage.RedisAddr,
		RedisPrefix: cfg.Storage.RedisPrefix,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("storage setup failed")
	}
	defer repo.Close()

	// A watchlist saved by a previous run overrides the config list.
	symbols := cfg.Symbols.List
	if saved, err := repo.LoadWatchlist(ctx); err == nil && len(saved) > 0 {
		symbols = saved
	}
	if err := repo.SaveWatchlist(ctx, symbols); err != nil {
		log.Warn().Err(err).Msg("watchlist persist failed")
	}

	fetcher := service.NewBatchFetcher(
		finnhub.NewRestClient(cfg.Provider.Finnhub.BaseURL, httpClient),
		yahoo.NewChartClient(cfg.Provider.Yahoo.BaseURL, httpClient),
		cfg.Provider.Finnhub.APIKey,
		cfg.Provider.Finnhub.APIKey2,
	)
	if !fetcher.HasCredential() {
		log.Warn().Msg("no api key configured, equity symbols will not be fetched")
	}

	stream := finnhub.NewStream(finnhub.StreamConfig{
		URL:           cfg.Provider.Finnhub.WsURL,
		Token:         cfg.Provider.Finnhub.APIKey,
		MaxReconnects: cfg.Stream.MaxReconnects,
	})

	coord := service.NewCoordinator(service.CoordinatorConfig{
		PollInterval:  cfg.PollInterval(),
		DrainInterval: cfg.DrainInterval(),
		DrainBatch:    cfg.Stream.DrainBatch,
	}, service.CoordinatorDeps{
		Fetcher:   fetcher,
		Cache:     service.NewQuoteCache(cfg.CacheTTL()),
		Backoff:   service.NewBackoffController(0),
		Stream:    stream,
		Coalescer: service.NewUpdateCoalescer(stream, cfg.MinUpdateInterval(), cfg.Stream.MinChangePct),
		Repo:      repo,
	})

	display := console.Attach(coord, os.Stdout, symbols)
	defer display.Detach(coord)

	log.Info().
		Int("symbols", len(symbols)).
		Dur("poll_interval", cfg.PollInterval()).
		Str("storage", cfg.Storage.Driver).
		Msg("tickersync started")

	if err := coord.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("coordinator exited")
	}
}
