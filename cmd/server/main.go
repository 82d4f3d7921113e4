package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/paper-engine/internal/api"
	"github.com/atmx/paper-engine/internal/config"
	"github.com/atmx/paper-engine/internal/contract"
	"github.com/atmx/paper-engine/internal/engine"
	"github.com/atmx/paper-engine/internal/fees"
	"github.com/atmx/paper-engine/internal/metrics"
	"github.com/atmx/paper-engine/internal/notify"
	"github.com/atmx/paper-engine/internal/pnl"
	"github.com/atmx/paper-engine/internal/quote"
	"github.com/atmx/paper-engine/internal/risk"
	"github.com/atmx/paper-engine/internal/store"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	level, _ := cfg.LogLevel()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Redis (optional) ---
	var rdb *redis.Client
	if cfg.Storage.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.Storage.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		slog.Info("Redis enabled")
	}

	// --- Initialize store ---
	var st store.Store
	if cfg.Storage.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.Storage.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("schema migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		if rdb != nil {
			st = store.NewCachedStore(st, rdb, cfg.Storage.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.Storage.CacheTTL)
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Quote feed ---
	var feed quote.Source
	if rdb != nil {
		feed = quote.NewRedisSource(rdb)
		slog.Info("quotes from Redis")
	} else {
		feed = quote.NewRandomSource(cfg.Quotes.RandomSeed, cfg.Quotes.RandomStep)
		slog.Warn("REDIS_URL not set, using random mock quotes")
	}
	quotes := quote.NewBreakerSource("quotes", feed, cfg.Quotes.Breaker)

	// --- P&L fan-out ---
	aggregator := pnl.NewAggregator(st, quotes)
	hub := notify.NewHub()
	go hub.Run(ctx)

	publishers := []notify.Publisher{hub}
	if rdb != nil {
		publishers = append(publishers, notify.NewRedisPublisher(rdb))
	}
	broadcaster := notify.NewBroadcaster(aggregator, cfg.Broadcast.Buffer, cfg.Broadcast.Timeout, publishers...)
	go broadcaster.Run(ctx)

	// --- Engine ---
	limiter := risk.NewPositionLimiter(cfg.Risk.MaxLotsPerContract, cfg.Risk.MaxLotsPerUnderlying)
	eng := engine.New(st, quotes, fees.NewCalculator(cfg.Fees), cfg.EngineConfig(),
		engine.WithLimiter(limiter),
		engine.WithNotifier(broadcaster),
	)

	weekday, _ := cfg.ExpiryWeekday()
	expiry := contract.NextExpiry(time.Now(), weekday)
	seeded, err := eng.SeedCatalog(ctx, cfg.Catalog.Underlyings, expiry)
	if err != nil {
		slog.Error("catalog seeding failed", "err", err)
		os.Exit(1)
	}
	slog.Info("catalog seeded", "contracts", seeded, "expiry", expiry.Format(time.DateOnly))

	var matcher *engine.Matcher
	if cfg.MatchingEnabled() {
		matcher, err = engine.NewMatcher(eng, cfg.Engine.MatchSchedule, cfg.Engine.MatchTimeout)
		if err != nil {
			slog.Error("matcher setup failed", "err", err)
			os.Exit(1)
		}
		matcher.Start()
	} else {
		slog.Warn("match_schedule empty, resting orders fill only on placement")
	}

	// --- HTTP router ---
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
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"paper-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	h := api.NewHandler(eng, aggregator, hub, cfg.Accounts.DefaultCapital)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(timeoutExceptUpgrades(cfg.Server.RequestTimeout))
		h.Routes(r)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:        ":" + strconv.Itoa(cfg.Server.Port),
		Handler:     r,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		slog.Info("paper-engine listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down paper-engine...")
	if matcher != nil {
		matcher.Stop(shutdownCtx)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("paper-engine stopped")
}

// timeoutExceptUpgrades applies middleware.Timeout to everything but
// WebSocket handshakes, whose connections outlive the request.
func timeoutExceptUpgrades(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		timed := middleware.Timeout(d)(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if websocket.IsWebSocketUpgrade(r) {
				next.ServeHTTP(w, r)
				return
			}
			timed.ServeHTTP(w, r)
		})
	}
}
