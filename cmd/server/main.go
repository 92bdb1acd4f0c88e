package main

import (
	"context"
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

	"github.com/lunopoly/table-engine/internal/api"
	"github.com/lunopoly/table-engine/internal/auction"
	"github.com/lunopoly/table-engine/internal/bankruptcy"
	"github.com/lunopoly/table-engine/internal/bot"
	"github.com/lunopoly/table-engine/internal/config"
	"github.com/lunopoly/table-engine/internal/economy"
	"github.com/lunopoly/table-engine/internal/ledger"
	"github.com/lunopoly/table-engine/internal/lobby"
	"github.com/lunopoly/table-engine/internal/logging"
	"github.com/lunopoly/table-engine/internal/metrics"
	"github.com/lunopoly/table-engine/internal/model"
	"github.com/lunopoly/table-engine/internal/realtime"
	"github.com/lunopoly/table-engine/internal/store"
	"github.com/lunopoly/table-engine/internal/table"
	"github.com/lunopoly/table-engine/internal/trade"
)

func main() {
	cfg := config.Load()

	logger, logCloser, err := logging.New(cfg.Server.LogLevel, cfg.Server.LogFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "log file:", err)
		os.Exit(1)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.Server.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.Server.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("database migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.Server.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.Server.RedisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.Server.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.Server.CacheTTL)
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Economy ---
	econ := economy.New(st, economy.Config{
		APRMultiplier: cfg.Economy.APRMultiplier,
		YieldRate:     cfg.Economy.YieldRate,
		Interval:      cfg.Economy.DistributionInterval,
	})
	go econ.Run(ctx)

	// --- WebSocket hub ---
	wsHub := realtime.NewHub()
	go wsHub.Run(ctx)

	// Bots answer events from every engine; the driver is built once the
	// registry exists.
	var driver *bot.Driver
	pub := model.Publishers{wsHub, model.PublisherFunc(func(e model.Event) { driver.Publish(e) })}

	// --- Game engines ---
	l := ledger.New(st)
	auctions := auction.New(l, auction.Config{
		Duration:           cfg.Game.AuctionDuration,
		AntiSnipeWindow:    cfg.Game.AntiSnipeWindow,
		AntiSnipeExtension: cfg.Game.AntiSnipeExtension,
	}, pub)
	trades := trade.New(l, trade.Config{TTL: cfg.Game.TradeTTL}, pub)
	protocol := bankruptcy.New(l, bankruptcy.Config{GracePeriod: cfg.Game.GracePeriod}, pub, trades)

	var mm *lobby.Matchmaker
	reg := table.NewRegistry(ctx, table.Config{
		StartingBalance:   cfg.Game.StartingBalance,
		StartBonus:        cfg.Game.StartBonus,
		JailFine:          cfg.Game.JailFine,
		JailMaxAttempts:   cfg.Game.JailMaxAttempts,
		TurnTimeout:       cfg.Game.TurnTimeout,
		DisconnectTimeout: cfg.Game.DisconnectTimeout,
		MaxTurns:          cfg.Game.MaxTurns,
	}, table.Deps{
		Ledger:     l,
		Auctions:   auctions,
		Trades:     trades,
		Bankruptcy: protocol,
		Publisher:  pub,
		OnGameOver: func(gt model.GameTable, results []model.MatchResult) { mm.GameOver(gt, results) },
	})
	driver = bot.New(reg, auctions, l, bot.Config{
		ThinkMin: cfg.Lobby.BotThinkMin,
		ThinkMax: cfg.Lobby.BotThinkMax,
		Reserve:  100,
	})
	mm = lobby.New(lobby.Config{
		MinPlayers:    cfg.Lobby.MinPlayers,
		MaxPlayers:    cfg.Lobby.MaxPlayers,
		Countdown:     cfg.Lobby.Countdown,
		BotFill:       cfg.Lobby.BotFill,
		PrizePerTable: cfg.Lobby.PrizePerTable,
	}, st, econ, reg, pub)

	svc := api.NewService(st, l, reg, mm, econ)

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
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
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
		w.Write([]byte(`{"status":"ok","service":"table-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for table events; the timeout below would cut it.
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			svc.Routes(r)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("table-engine listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down table-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	mm.Close()
	driver.Close()
	reg.Close()
	stop()
	fmt.Println("table-engine stopped")
}
