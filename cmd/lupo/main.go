package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"lupo/client/internal/app"
	"lupo/client/internal/auth"
	"lupo/client/internal/backup"
	"lupo/client/internal/cache"
	"lupo/client/internal/config"
	"lupo/client/internal/events"
	"lupo/client/internal/market"
	"lupo/client/internal/netclient"
	"lupo/client/internal/portfolio"
	"lupo/client/internal/realtime"
	"lupo/client/internal/state"
	"lupo/client/internal/store"
	"lupo/client/internal/syncer"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config failed", "err", err)
		os.Exit(1)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("lupo stopped", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	var checks []app.Option
	cacheOpts := []cache.Option{cache.WithLogger(logger)}

	switch {
	case strings.TrimSpace(cfg.RedisURL) != "":
		logger.Info("using redis for the durable cache scope")
		redisBackend, err := cache.NewRedisBackend(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer redisBackend.Close()
		cacheOpts = append(cacheOpts, cache.WithBackend(cache.Durable, redisBackend))
		checks = append(checks, app.WithCheck("redis", redisBackend))
	case strings.TrimSpace(cfg.DatabaseURL) != "":
		logger.Info("using postgres for the durable cache scope")
		db, err := openDatabase(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		pg := store.NewPostgresBackend(db)
		cacheOpts = append(cacheOpts, cache.WithBackend(cache.Durable, pg))
		checks = append(checks, app.WithCheck("database", pg))
	default:
		logger.Info("durable cache scope kept in memory")
	}

	c, err := cache.New(cache.Config{
		Namespace:            cfg.Namespace,
		MaxEntries:           cfg.CacheMaxEntries,
		MemoryMaxAge:         cfg.CacheMemoryMaxAge,
		CompressionThreshold: cfg.CompressionThreshold,
		SweepInterval:        cfg.CacheSweepInterval,
		EncryptionKey:        cfg.EncryptionKey,
	}, cacheOpts...)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	if err := c.Start(ctx); err != nil {
		return fmt.Errorf("cache start: %w", err)
	}
	defer c.Close()

	bus := events.NewLocalBus(events.WithLogger(logger))
	unwatchCache := c.OnChange(func(change cache.Change) {
		bus.Publish(events.CacheChanged, change)
	})
	defer unwatchCache()

	durable := c.Scoped(cache.Durable)
	st, err := state.New(ctx,
		state.WithPersister(durable),
		state.WithHistoryLimit(cfg.HistoryLimit),
		state.WithMaxPersistAge(cfg.StateMaxAge),
		state.WithVolatilePaths(cfg.VolatileStatePath...),
		state.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("state: %w", err)
	}

	client := netclient.New(cfg.APIBaseURL, netclient.WithLogger(logger))

	authOpts := []auth.Option{auth.WithBus(bus), auth.WithLogger(logger)}
	if cfg.EncryptionKey != "" {
		authOpts = append(authOpts, auth.WithPersister(c.Scoped(cache.Durable, cache.WithEncryption())))
	} else {
		authOpts = append(authOpts, auth.WithPersister(durable))
	}
	authService := auth.NewService(client, authOpts...)
	if err := authService.Restore(ctx); err != nil {
		logger.Warn("session restore failed", "err", err)
	}

	portfolioService := portfolio.NewService(client, portfolio.WithBus(bus), portfolio.WithLogger(logger))

	marketOpts := []market.Option{market.WithLogger(logger)}
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili := market.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meili.Close()
		marketOpts = append(marketOpts, market.WithSearcher(meili))
		checks = append(checks, app.WithCheck("search", app.PingFunc(func(context.Context) error {
			if !meili.Healthy() {
				return fmt.Errorf("meilisearch unhealthy")
			}
			return nil
		})))
	}
	marketService := market.NewService(client, c, marketOpts...)

	sync := syncer.New(st, bus,
		syncer.WithLogger(logger),
		syncer.WithInterval(cfg.SyncInterval),
		syncer.WithStaleness(cfg.PortfolioStaleAfter, cfg.MarketStaleAfter),
		syncer.WithPreferenceStore(durable),
		syncer.WithCredentialTargets(client),
	)
	defer sync.Close()

	registrations := []syncer.Registration{
		{Name: syncer.ServiceAuth, Handle: authService},
		{Name: syncer.ServicePortfolio, Handle: portfolioService, WatchedMethods: []string{"getPortfolio", "executeTrade"}},
		{Name: syncer.ServiceMarket, Handle: marketService, WatchedMethods: []string{"getQuotes", "addToWatchlist", "removeFromWatchlist"}},
	}

	var feed *realtime.Feed
	if strings.TrimSpace(cfg.FeedURL) != "" {
		feed = realtime.New(cfg.FeedURL, bus, realtime.WithLogger(logger))
		registrations = append(registrations, syncer.Registration{Name: syncer.ServiceRealtime, Handle: feed})
	}
	for _, reg := range registrations {
		if err := sync.Register(reg); err != nil {
			return fmt.Errorf("register %s: %w", reg.Name, err)
		}
	}
	if err := sync.Start(ctx); err != nil {
		return fmt.Errorf("synchronizer start: %w", err)
	}

	if feed != nil {
		if token := authService.AuthToken(); token != "" {
			feed.SetAuthToken(token)
		}
		defer feed.Close()
		go func() {
			if err := feed.Run(ctx); err != nil {
				logger.Error("realtime feed stopped", "err", err)
			}
		}()
	}

	appOpts := append(checks,
		app.WithLogger(logger),
		app.WithAdminToken(cfg.AdminToken),
		app.WithActions(app.SyncedActions(sync, portfolioService, marketService)),
	)
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		target, err := backup.NewMinioTarget(backup.Config{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			return fmt.Errorf("backup target: %w", err)
		}
		appOpts = append(appOpts, app.WithBackupTarget(target), app.WithCheck("backups", target))
	}

	service := app.NewService(st, c, sync, appOpts...)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("lupo listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", "err", err)
	}
	return nil
}

func openDatabase(ctx context.Context, url string) (*sql.DB, error) {
	db, err := store.Open(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	if err := store.ApplyMigrations(ctx, db, store.Migrations()); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrations failed: %w", err)
	}
	return db, nil
}
