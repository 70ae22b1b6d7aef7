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

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/easybet/market-engine/internal/api"
	"github.com/easybet/market-engine/internal/config"
	"github.com/easybet/market-engine/internal/ledger"
	"github.com/easybet/market-engine/internal/ledger/evm"
	"github.com/easybet/market-engine/internal/ledger/sim"
	"github.com/easybet/market-engine/internal/limits"
	"github.com/easybet/market-engine/internal/market"
	"github.com/easybet/market-engine/internal/metrics"
	"github.com/easybet/market-engine/internal/money"
	"github.com/easybet/market-engine/internal/settlement"
	"github.com/easybet/market-engine/internal/store"
)

// simBuyer settles purchases in LEDGER_MODE=sim.
var simBuyer = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cleanup []func()
	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Initialize ledger ---
	var (
		reader  ledger.Reader
		settler ledger.Settler
	)
	switch cfg.LedgerMode {
	case config.LedgerEVM:
		rpc, err := ethclient.DialContext(ctx, cfg.LedgerRPCURL)
		if err != nil {
			slog.Error("ledger connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, rpc.Close)
		client, err := evm.NewClient(rpc,
			common.HexToAddress(cfg.MarketContract),
			common.HexToAddress(cfg.TicketContract),
			cfg.ReceiptPollInterval,
		)
		if err != nil {
			slog.Error("ledger binding failed", "err", err)
			os.Exit(1)
		}
		reader = client
		if cfg.SignerKey != "" {
			signer, err := evm.NewKeySigner(cfg.SignerKey)
			if err != nil {
				slog.Error("invalid SIGNER_KEY", "err", err)
				os.Exit(1)
			}
			settler = client.Bind(signer)
			slog.Info("connected to ledger", "rpc", cfg.LedgerRPCURL, "buyer", signer.Address().Hex())
		} else {
			slog.Warn("SIGNER_KEY not set, purchases disabled")
		}

	default:
		l := sim.New(sim.Config{BlockGasLimit: cfg.GasCeiling})
		if cfg.SimSeed {
			seedSim(l)
		}
		reader = l
		settler = l.Account(simBuyer)
		slog.Warn("using simulated ledger (settlements are not real)", "buyer", simBuyer.Hex())
	}

	// --- Initialize store ---
	var st store.Store
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
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
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- WebSocket hub ---
	wsHub := api.NewWSHub()
	go wsHub.Run(ctx)

	// --- Planner and settlement ---
	planner := market.NewPlanner(reader, cfg.MaxBatchSize, cfg.OwnerReadConcurrency)

	var engine *settlement.Engine
	if settler != nil {
		exec := settlement.NewExecutor(settler, st, wsHub, settlement.Config{
			GasBufferPercent: cfg.GasBufferPercent,
			GasCeiling:       cfg.GasCeiling,
			FinalityTimeout:  cfg.FinalityTimeout,
			BatchDelay:       cfg.BatchDelay,
		})
		engine = settlement.NewEngine(planner, exec, st)
	}

	limiter := limits.NewPositionLimiter(cfg.MaxUnitsPerOption, cfg.MaxUnitsPerProject)
	svc := api.NewService(planner, engine, st, limiter)

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
		w.Write([]byte(`{"status":"ok","service":"market-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for settlement progress.
		r.Get("/ws", wsHub.HandleWS)

		// Purchases run for as long as settlement takes; no request timeout.
		r.Post("/purchases", svc.Purchase)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			r.Get("/projects/{projectID}/options/{option}/listings", svc.GetListings)
			r.Post("/quote", svc.Quote)
			r.Get("/purchases/{purchaseID}", svc.GetPurchase)
			r.Get("/buyers/{address}/purchases", svc.ListBuyerPurchases)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:        ":" + strconv.Itoa(cfg.Port),
		Handler:     r,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		slog.Info("market-engine listening", "port", cfg.Port, "ledger", cfg.LedgerMode)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down market-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("market-engine stopped")
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// seedSim lists a small demo pool: project 1 with two options, shared
// prices across sellers, and one listing whose ticket has since moved.
func seedSim(l *sim.Ledger) {
	sellers := []common.Address{
		common.HexToAddress("0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC"),
		common.HexToAddress("0x90F79bf6EB2c4f870365E785982E1f47f1B3f63A"),
		common.HexToAddress("0x15d34AAf54267DB7D7c367839AAf71A00a2C6A65"),
	}
	listings := []struct {
		seller   int
		option   uint32
		ticketID uint64
		price    string
		quantity uint64
	}{
		{0, 0, 1, "0.012", 40},
		{1, 0, 2, "0.010", 25},
		{2, 0, 3, "0.010", 60},
		{1, 0, 4, "0.015", 100},
		{0, 1, 5, "0.020", 30},
		{2, 1, 6, "0.018", 45},
	}
	for _, s := range listings {
		price, err := money.ParseEther(s.price)
		if err != nil {
			panic(err)
		}
		l.List(sellers[s.seller], 1, s.option, s.ticketID, price, s.quantity)
	}
	// Ticket 4 changed hands outside the marketplace.
	l.Transfer(4, sellers[2])
}
