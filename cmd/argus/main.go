package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/XavierBriggs/Argus/adapters/compa"
	"github.com/XavierBriggs/Argus/adapters/compb"
	"github.com/XavierBriggs/Argus/adapters/primary"
	"github.com/XavierBriggs/Argus/internal/api"
	"github.com/XavierBriggs/Argus/internal/broadcast"
	"github.com/XavierBriggs/Argus/internal/cache"
	"github.com/XavierBriggs/Argus/internal/config"
	"github.com/XavierBriggs/Argus/internal/coordinator"
	"github.com/XavierBriggs/Argus/internal/registry"
	"github.com/XavierBriggs/Argus/internal/scheduler"
	"github.com/XavierBriggs/Argus/internal/store"
	"github.com/XavierBriggs/Argus/internal/writer"
	"github.com/XavierBriggs/Argus/pkg/contracts"
)

// Exit codes: 0 clean shutdown, 1 startup or runtime failure, 2 forced
// shutdown (second signal or drain timeout).
const (
	exitOK      = 0
	exitFailure = 1
	exitForced  = 2
)

const shutdownTimeout = 30 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to config file (default: configs/argus.yaml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitFailure
	}

	logger := newLogger(cfg.Logging.Level)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		logger.Error("database open failed", "error", err)
		return exitFailure
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		logger.Error("database ping failed", "error", err)
		return exitFailure
	}
	logger.Info("connected to database")

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
		})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Error("redis ping failed", "error", err)
			return exitFailure
		}
		logger.Info("connected to redis", "stream", cfg.Redis.Stream)
	}

	st := store.New(db, logger)
	if err := st.EnsureSchema(ctx); err != nil {
		logger.Error("schema bootstrap failed", "error", err)
		return exitFailure
	}

	set, err := st.LoadSettings(ctx)
	if err != nil {
		logger.Error("settings load failed", "error", err)
		return exitFailure
	}

	// Warm the cache before anything serves reads.
	oddsCache := cache.New()
	if err := st.WarmCache(ctx, oddsCache, set.EventGrace); err != nil {
		logger.Error("cache warmup failed", "error", err)
		return exitFailure
	}

	books := registry.NewBookRegistry()
	clients := []contracts.BookClient{
		primary.NewClient(cfg.Books.Primary.BaseURL, cfg.Books.Primary.MaxInFlight, cfg.Books.Primary.Timeout, logger),
		compa.NewClient(cfg.Books.CompetitorA.BaseURL, cfg.Books.CompetitorA.MaxInFlight, cfg.Books.CompetitorA.Timeout, logger),
		compb.NewClient(cfg.Books.CompetitorB.BaseURL, cfg.Books.CompetitorB.MaxInFlight, cfg.Books.CompetitorB.MinRequestGap, cfg.Books.CompetitorB.Timeout, logger),
	}
	for _, client := range clients {
		if err := books.Register(client); err != nil {
			logger.Error("book registration failed", "book", client.Slug(), "error", err)
			return exitFailure
		}
	}
	logger.Info("registered books", "count", books.Count())

	hub := broadcast.NewHub(logger, cfg.Broadcast.PingInterval, cfg.Broadcast.PongWait, cfg.Broadcast.SendBuffer)

	wr := writer.New(db, oddsCache, hub, redisClient, cfg.Redis.Stream, logger)
	wr.Start(ctx)

	coord := coordinator.New(books, st, oddsCache, wr, logger)
	sched := scheduler.New(st, st, coord, hub, logger)
	sched.Start(ctx)

	server := api.NewServer(cfg.Server, oddsCache, st, sched, hub, logger)
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	code := exitOK
	select {
	case sig := <-sigChan:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			logger.Error("api server failed", "error", err)
			code = exitFailure
		}
	}

	// Drain in the background; a second signal or a stalled drain forces
	// the process out.
	done := make(chan struct{})
	go func() {
		defer close(done)
		cancel()
		sched.Stop()
		wr.Stop()
		if err := server.Stop(); err != nil {
			logger.Error("api shutdown failed", "error", err)
		}
	}()

	select {
	case <-done:
		logger.Info("stopped")
		return code
	case sig := <-sigChan:
		logger.Error("forced shutdown", "signal", sig.String())
		return exitForced
	case <-time.After(shutdownTimeout):
		logger.Error("shutdown timed out")
		return exitForced
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
