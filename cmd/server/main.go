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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/wagerboard/wager-engine/internal/api"
	"github.com/wagerboard/wager-engine/internal/config"
	"github.com/wagerboard/wager-engine/internal/ledger"
	"github.com/wagerboard/wager-engine/internal/live"
	"github.com/wagerboard/wager-engine/internal/notify"
	"github.com/wagerboard/wager-engine/internal/store"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to YAML config (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}
	slog.SetDefault(cfg.Logger())

	if err := run(cfg); err != nil {
		slog.Error("wager-engine stopped with error", "err", err)
		os.Exit(1)
	}
	fmt.Println("wager-engine stopped")
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	// --- Initialize store ---
	st, closeStore, err := openStore(ctx, g, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	// --- Notifications ---
	emitters := notify.Multi{notify.NewStoreEmitter(st)}
	if cfg.Kafka.Brokers != "" {
		kw := notify.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.NotificationTopic)
		defer kw.Close()
		emitters = append(emitters, notify.NewKafkaEmitter(kw))
		slog.Info("kafka notifications enabled", "topic", cfg.Kafka.NotificationTopic)
	}
	outbox := notify.NewOutbox(emitters, cfg.Notify.QueueSize, cfg.Notify.Timeout)

	// --- Ledger ---
	engine := ledger.New(st, outbox,
		ledger.WithRetry(cfg.Ledger.MaxAttempts, cfg.Ledger.RetryBase, cfg.Ledger.RetryMax))

	// --- Live queries ---
	dist := live.NewDistributor(st)
	if err := dist.Start(ctx); err != nil {
		return fmt.Errorf("start distributor: %w", err)
	}
	wsSrv := live.NewWSServer(dist, cfg.Live.MaxBacklog)

	// --- HTTP ---
	svc := api.NewService(engine, st, dist, cfg.Ledger.StarterPoints)
	router := api.NewRouter(svc, api.RouterConfig{
		WS:             http.HandlerFunc(wsSrv.HandleWS),
		RateLimitRPS:   cfg.Server.RateLimitRPS,
		RateLimitBurst: cfg.Server.RateLimitBurst,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g.Go(func() error {
		slog.Info("wager-engine listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	// Graceful shutdown.
	g.Go(func() error {
		<-ctx.Done()
		slog.Info("shutting down wager-engine...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		wsSrv.Close()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "err", err)
		}
		// Flush notifications requested by the last in-flight operations.
		if err := outbox.Close(shutdownCtx); err != nil {
			slog.Warn("notification outbox not drained", "err", err)
		}
		return nil
	})

	return g.Wait()
}

// openStore picks the store from config: PostgreSQL when DATABASE_URL is
// set, optionally behind a Redis cache, otherwise in-memory. Background
// loops are started on g.
func openStore(ctx context.Context, g *errgroup.Group, cfg *config.Config) (store.Store, func(), error) {
	if cfg.Database.URL == "" {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		return store.NewMemoryStore(), func() {}, nil
	}

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("database connection failed: %w", err)
	}
	cleanup := []func(){pool.Close}
	closeAll := func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}

	pg := store.NewPostgresStore(pool)
	if cfg.Database.Migrate {
		if err := pg.Migrate(ctx); err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
	}
	g.Go(func() error { return pg.Listen(ctx) })
	slog.Info("connected to PostgreSQL")

	var st store.Store = pg

	// Wrap with Redis read-through cache if configured.
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })

		cached := store.NewCachedStore(pg, rdb, cfg.Redis.CacheTTL)
		g.Go(func() error {
			cached.Run(ctx)
			return nil
		})
		st = cached
		slog.Info("Redis cache enabled", "ttl", cfg.Redis.CacheTTL)
	}

	return st, closeAll, nil
}
