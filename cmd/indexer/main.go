package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/cdp-indexer/internal/api"
	"github.com/atmx/cdp-indexer/internal/config"
	"github.com/atmx/cdp-indexer/internal/feed"
	"github.com/atmx/cdp-indexer/internal/indexer"
	"github.com/atmx/cdp-indexer/internal/metrics"
	"github.com/atmx/cdp-indexer/internal/oracle"
	"github.com/atmx/cdp-indexer/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})).
		With("service", "cdp-indexer", "run", uuid.NewString())
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("indexer stopped", "err", err)
		os.Exit(1)
	}
	fmt.Println("cdp-indexer stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	// --- Initialize store ---
	st, cleanup, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	// --- Chain client ---
	client, err := ethclient.DialContext(ctx, cfg.Chain.RPCURL)
	if err != nil {
		return fmt.Errorf("dial %s: %w", cfg.Chain.RPCURL, err)
	}
	defer client.Close()

	// --- Indexing pipeline ---
	prices := indexer.NewPriceCache(st,
		oracle.NewContractReader(client, cfg.Chain.Pip()),
		oracle.NewContractReader(client, cfg.Chain.Pep()),
		logger,
	)
	wsHub := api.NewWSHub(logger)
	proc := indexer.NewProcessor(st, prices, wsHub, logger)

	stats, err := st.GetStats(ctx)
	if err != nil {
		return fmt.Errorf("load stats: %w", err)
	}
	metrics.OpenCdps.Set(float64(stats.OpenCdpCount))
	metrics.LastBlock.Set(float64(stats.LastBlock))
	from := feed.ResumeBlock(cfg.Chain.StartBlock, stats.LastBlock)

	src := feed.NewSource(client, cfg.Chain.Tub(), proc, feed.Options{
		BatchSize:     cfg.Chain.BatchSize,
		Confirmations: cfg.Chain.Confirmations,
		PollInterval:  cfg.Chain.PollInterval.Duration,
	}, logger)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"cdp-indexer"}`))
	})
	r.Handle("/metrics", metrics.Handler())

	queries := api.NewHandler(st, logger)
	r.Route("/api/v1", func(r chi.Router) {
		queries.Register(r, wsHub)
	})

	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:     r,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return wsHub.Run(ctx)
	})

	g.Go(func() error {
		return src.Run(ctx, from)
	})

	g.Go(func() error {
		logger.Info("cdp-indexer listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	// Graceful shutdown.
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down cdp-indexer...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// openStore picks Postgres (optionally behind Redis) when a database URL is
// configured and the in-memory store otherwise.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, func(), error) {
	var cleanup []func()
	closeAll := func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}

	if cfg.Database.URL == "" {
		logger.Warn("database url not set, using in-memory store (data will not persist)")
		return store.NewMemoryStore(), closeAll, nil
	}

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("database connection failed: %w", err)
	}
	cleanup = append(cleanup, pool.Close)

	pg := store.NewPostgresStore(pool)
	if cfg.Database.Migrate {
		if err := pg.Migrate(ctx); err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
	}
	logger.Info("connected to PostgreSQL")

	var st store.Store = pg
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("invalid redis url: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.Redis.TTL.Duration)
		logger.Info("Redis cache enabled")
	}
	return st, closeAll, nil
}
