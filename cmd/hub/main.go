package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/luna-platform/hub/internal/cache"
	"github.com/luna-platform/hub/internal/config"
	"github.com/luna-platform/hub/internal/energy"
	"github.com/luna-platform/hub/internal/events"
	"github.com/luna-platform/hub/internal/httpapi"
	"github.com/luna-platform/hub/internal/monitoring"
	"github.com/luna-platform/hub/internal/narrative"
	"github.com/luna-platform/hub/internal/orchestrator"
	"github.com/luna-platform/hub/internal/ratelimit"
	"github.com/luna-platform/hub/internal/store"
	"github.com/luna-platform/hub/internal/stream"
	"github.com/luna-platform/hub/internal/token"
)

const version = "1.2.0"

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx := context.Background()

	// Persistence. The hub refuses to boot without Postgres in production;
	// dev mode falls back to the in-memory stores.
	var (
		energyStore  energy.Store
		eventStore   events.Store
		sessionStore token.SessionStore
		blockStore   ratelimit.BlockStore
		pg           *store.Postgres
	)
	bus := events.NewBus()
	if cfg.Database.URL != "" {
		pg, err = store.Open(ctx, cfg.Database.URL, store.Options{
			MaxOpenConns: cfg.Database.MaxOpenConns,
			MaxIdleConns: cfg.Database.MaxIdleConns,
			QueryTimeout: cfg.Database.QueryTimeout,
		})
		if err != nil {
			log.Fatalf("postgres: %v", err)
		}
		defer pg.Close()
		energyStore = store.NewEnergyStore(pg)
		eventStore = store.NewEventStore(pg, bus)
		sessionStore = store.NewSessionStore(pg)
		blockStore = store.NewBlockStore(pg)
	} else {
		if cfg.IsProduction() {
			log.Fatal("DATABASE_URL is required in production")
		}
		logger.Warn("no DATABASE_URL, using in-memory stores (dev only)")
		memEvents := events.NewMemoryStore(bus)
		memEnergy := energy.NewMemoryStore(memEvents)
		energyStore = memEnergy
		eventStore = memEvents
		sessionStore = token.NewMemorySessionStore()
		blockStore = ratelimit.NewMemoryBlockStore()
	}

	// Cache: redis when reachable, tiered with a local LRU; pure in-memory
	// otherwise.
	var hubCache cache.Cache
	local := cache.NewMemoryCache(10000)
	if redisCache, rerr := cache.NewRedisCache(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB); rerr == nil {
		hubCache = cache.NewTiered(ctx, local, redisCache)
		logger.Info("cache: redis tiered", "addr", cfg.Redis.Addr)
	} else {
		logger.Warn("cache: redis unreachable, memory only", "addr", cfg.Redis.Addr, "err", rerr)
		hubCache = local
	}
	defer hubCache.Close()

	// Services.
	catalog := energy.DefaultCatalog()
	ledger := energy.NewLedger(energyStore, eventStore, catalog, hubCache, energy.NewMetrics(), energy.Options{
		StartingBalance: cfg.Energy.StartingBalance,
		DefaultMax:      cfg.Energy.DefaultMax,
		BalanceCacheTTL: cfg.Energy.BalanceCacheTTL,
	})

	limiter := ratelimit.New(hubCache, blockStore, eventStore, ratelimit.DefaultRules(),
		ratelimit.NewMetrics(), ratelimit.Options{
			AuditAllowed: cfg.Security.RateLimitAudit,
			FailClosed:   cfg.Security.StrictMode,
		})
	defer limiter.Close()

	signer := token.NewSigner(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenIssuer, cfg.Auth.AccessTokenTTL)
	tokens := token.NewService(signer, sessionStore, eventStore,
		cfg.Auth.RefreshTokenTTL, cfg.Auth.SessionTTL, cfg.Auth.BcryptCost)

	analyzer := narrative.New(eventStore, sessionStore, hubCache, nil, narrative.Windows{
		Short: cfg.Narrative.ShortWindowDays,
		Mid:   cfg.Narrative.MidWindowDays,
		Long:  cfg.Narrative.LongWindowDays,
	}, cfg.Narrative.PacketCacheTTL)

	var provider orchestrator.PaymentProvider
	if cfg.Billing.ProviderKey != "" {
		provider = orchestrator.NewStripeProvider(cfg.Billing.ProviderURL, cfg.Billing.ProviderKey,
			cfg.Billing.Timeout, cfg.Billing.MaxInFlight)
	} else {
		logger.Warn("no payment provider key, using mock billing (dev only)")
		provider = orchestrator.NewMockProvider()
	}
	orch := orchestrator.New(ledger, limiter, signer, eventStore, provider, orchestrator.NewMetrics(),
		orchestrator.Options{RefundWindow: cfg.Energy.RefundWindow})

	streamHub := stream.NewHub(bus, nil)
	defer streamHub.Close()

	probes := monitoring.New(version)
	if pg != nil {
		probes.Register("postgres", func(ctx context.Context) error {
			return pg.DB().PingContext(ctx)
		})
	}
	probes.Register("cache", func(ctx context.Context) error {
		return hubCache.Set(ctx, "luna:probe", []byte("ok"), 10*time.Second)
	})

	server := httpapi.New(cfg, tokens, ledger, analyzer, orch, limiter, eventStore, streamHub, probes)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      server.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("luna hub listening", "port", cfg.Server.Port, "env", cfg.Server.Env)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "err", err)
	}
}
