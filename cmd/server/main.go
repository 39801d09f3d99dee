package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/kuru/margin-engine/internal/api"
	"github.com/kuru/margin-engine/internal/config"
	"github.com/kuru/margin-engine/internal/engine"
	"github.com/kuru/margin-engine/internal/events"
	"github.com/kuru/margin-engine/internal/exposure"
	"github.com/kuru/margin-engine/internal/instrument"
	"github.com/kuru/margin-engine/internal/metrics"
	"github.com/kuru/margin-engine/internal/store"
	"github.com/kuru/margin-engine/internal/venue"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := run(cfg); err != nil {
		slog.Error("margin-engine exited with error", "err", err)
		os.Exit(1)
	}
	fmt.Println("margin-engine stopped")
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	st, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Venue ---
	marks := make(map[string]decimal.Decimal, len(cfg.VenuePrices))
	for inst, price := range cfg.VenuePrices {
		id, err := instrument.Normalize(inst)
		if err != nil {
			return fmt.Errorf("venue prices: %w", err)
		}
		marks[id] = price
	}
	v := venue.NewSimulated(marks, cfg.VenueSpread)
	slog.Info("simulated venue ready", "instruments", v.Instruments(), "spread", cfg.VenueSpread.String())

	// --- Event delivery ---
	hub := api.NewWSHub()
	pubs := events.Multi{hub}
	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		cleanup = append(cleanup, func() {
			if err := kp.Close(); err != nil {
				slog.Warn("kafka writer close failed", "err", err)
			}
		})
		pubs = append(pubs, kp)
		slog.Info("kafka events enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	// --- Engine ---
	limiter := exposure.NewLimiter(cfg.MaxPositionSize, cfg.MaxAccountExposure, cfg.MaxLeverage)
	eng := engine.New(st, v, engine.Config{
		LTVMax:                cfg.LTVMax,
		InterestRatePerSecond: cfg.InterestRatePerSecond,
		MinExecutionFee:       cfg.MinExecutionFee,
		MinDelay:              cfg.MinDelay,
		MaxDelay:              cfg.MaxDelay,
		Gov:                   cfg.GovAccount,
		Keepers:               cfg.Keepers,
	}, engine.WithPublisher(pubs), engine.WithLimiter(limiter))

	if ps, err := eng.PoolStatus(ctx); err == nil {
		slog.Info("pool loaded", "reserve", ps.Reserve.String(), "outstanding", ps.OutstandingLoans.String(), "shares", ps.TotalShares.String())
	}
	if accounts, err := eng.Accounts(ctx); err == nil {
		metrics.Controllers.Set(float64(len(accounts)))
	}

	// --- HTTP router ---
	rl := api.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	svc := api.NewService(eng)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+api.CallerHeader)
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"margin-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Engine events pushed live; not throttled.
		r.Get("/ws", hub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			r.Use(rl.Middleware)
			svc.Routes(r)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})

	g.Go(func() error {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				rl.Prune(10 * time.Minute)
			}
		}
	})

	g.Go(func() error {
		slog.Info("margin-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	// Graceful shutdown.
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down margin-engine...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// openStore picks the backend: Postgres (optionally behind Redis), then
// SQLite, then memory.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, []func(), error) {
	var cleanup []func()

	switch {
	case cfg.DatabaseURL != "":
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		slog.Info("connected to PostgreSQL")

		var st store.Store = pg
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				pool.Close()
				return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.RedisCacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.RedisCacheTTL)
		}
		return st, cleanup, nil

	case cfg.SQLitePath != "":
		sq, err := store.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("sqlite: %w", err)
		}
		cleanup = append(cleanup, func() { sq.Close() })
		slog.Info("using SQLite store", "path", cfg.SQLitePath)
		return sq, cleanup, nil

	default:
		slog.Warn("DATABASE_URL and SQLITE_PATH not set, using in-memory store (data will not persist)")
		return store.NewMemoryStore(), cleanup, nil
	}
}
