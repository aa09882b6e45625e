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

	"github.com/clashout/settlement-engine/internal/api"
	"github.com/clashout/settlement-engine/internal/betting"
	"github.com/clashout/settlement-engine/internal/config"
	"github.com/clashout/settlement-engine/internal/dispute"
	"github.com/clashout/settlement-engine/internal/escrow"
	"github.com/clashout/settlement-engine/internal/escrow/chain"
	"github.com/clashout/settlement-engine/internal/escrow/escrowcom"
	"github.com/clashout/settlement-engine/internal/escrow/walletcustody"
	"github.com/clashout/settlement-engine/internal/events"
	"github.com/clashout/settlement-engine/internal/limits"
	"github.com/clashout/settlement-engine/internal/metrics"
	"github.com/clashout/settlement-engine/internal/reconcile"
	"github.com/clashout/settlement-engine/internal/settlement"
	"github.com/clashout/settlement-engine/internal/store"
	"github.com/clashout/settlement-engine/internal/wallet"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var rdb *redis.Client
	var cleanup []func()

	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
	}

	if cfg.DatabaseURL != "" {
		if err := store.Migrate(cfg.DatabaseURL); err != nil {
			slog.Error("database migration failed", "err", err)
			os.Exit(1)
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if rdb != nil {
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			slog.Info("Redis cache enabled")
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

	// --- Custody providers ---
	providers := []escrow.Provider{
		walletcustody.New(st),
		escrowcom.New(escrowcom.Config{
			APIKey:    cfg.EscrowComAPIKey,
			APISecret: cfg.EscrowComAPISecret,
			Sandbox:   cfg.EscrowSandbox,
			RPS:       cfg.EscrowComRPS,
		}),
	}
	if cfg.ChainContractAddress != "" && rdb != nil {
		providers = append(providers, chain.New(cfg.ChainContractAddress, chain.NewRedisContractState(rdb)))
		slog.Info("smart contract escrow enabled", "address", cfg.ChainContractAddress)
	} else {
		slog.Warn("smart contract escrow disabled: CHAIN_CONTRACT_ADDRESS and REDIS_URL are both required")
	}
	registry := escrow.NewRegistry(cfg.DefaultEscrowProvider, providers...)
	custodian := escrow.NewCustodian(st, registry, cfg.ProviderTimeout)

	// --- Events ---
	var publisher events.Publisher = events.NopPublisher{}
	if cfg.KafkaBrokers != "" {
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopicPrefix)
		cleanup = append(cleanup, func() { kp.Close() })
		publisher = kp
		slog.Info("Kafka publishing enabled", "brokers", cfg.KafkaBrokers)
	}

	// --- WebSocket hub ---
	hub := api.NewHub()
	go hub.Run(ctx)

	// --- Services ---
	disputes := dispute.NewDirectory(st)
	ledger := wallet.NewLedger(st, wallet.Config{
		DailyLimit:      cfg.DailyLimit,
		MonthlyLimit:    cfg.MonthlyLimit,
		PlatformAccount: cfg.PlatformAccount,
	}, custodian)
	bets := betting.NewService(st, disputes, ledger, custodian, limits.NewLimiter(cfg.MaxBetAmount), publisher, hub, betting.Config{
		PlatformFee:     cfg.PlatformFee,
		PlatformAccount: cfg.PlatformAccount,
	})
	engine := settlement.NewEngine(st, ledger, custodian, bets, publisher, hub, settlement.Config{
		MaxPayoutRetries: cfg.PayoutMaxRetries,
		PlatformAccount:  cfg.PlatformAccount,
	})

	// --- Reconciliation ---
	inbox := reconcile.NewInbox(st, registry, cfg.WebhookSecrets)
	worker := reconcile.NewWorker(st, custodian, bets, ledger)
	sweeper := reconcile.NewSweeper(st, custodian, bets, engine, cfg.SweepGrace)
	go worker.Run(ctx, cfg.InboxInterval)
	go sweeper.Run(ctx, cfg.SweepInterval)

	if cfg.KafkaBrokers != "" {
		consumer := events.NewResolutionConsumer(cfg.KafkaBrokers, cfg.KafkaResolutionTopic, cfg.KafkaGroupID, engine)
		cleanup = append(cleanup, func() { consumer.Close() })
		go func() {
			if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
				slog.Error("resolution consumer stopped", "err", err)
			}
		}()
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
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-User-ID")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"settlement-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	// Provider calls can take up to PROVIDER_TIMEOUT each; the websocket
	// route is excluded from the request timeout.
	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(3*cfg.ProviderTimeout + 5*time.Second))
		api.NewHandler(bets, ledger, disputes, engine, inbox, sweeper, nil).Routes(r)
	})
	r.Get("/api/v1/ws", hub.HandleWS)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 3*cfg.ProviderTimeout + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("settlement-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	slog.Info("shutting down settlement-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	stop()
	fmt.Println("settlement-engine stopped")
}
