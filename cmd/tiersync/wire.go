package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	gcpfirestore "cloud.google.com/go/firestore"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mihaimyh/tiersync/internal/config"
	"github.com/mihaimyh/tiersync/pkg/billing"
	zerologadapter "github.com/mihaimyh/tiersync/pkg/billing/logger/zerolog"
	prommetrics "github.com/mihaimyh/tiersync/pkg/billing/metrics/prometheus"
	"github.com/mihaimyh/tiersync/pkg/billing/stripe"
	"github.com/mihaimyh/tiersync/pkg/ratelimit"
	"github.com/mihaimyh/tiersync/pkg/subscription"
	"github.com/mihaimyh/tiersync/storage/breaker"
	"github.com/mihaimyh/tiersync/storage/firestore"
	"github.com/mihaimyh/tiersync/storage/memory"
	"github.com/mihaimyh/tiersync/storage/postgres"
	"github.com/mihaimyh/tiersync/storage/redis"
)

// backend is a subscription store that also knows the product's users.
type backend interface {
	subscription.Store
	subscription.UserDirectory
}

type pinger interface {
	Ping(ctx context.Context) error
}

type app struct {
	router   http.Handler
	limiter  *ratelimit.Limiter
	store    backend
	health   pinger
	registry *prometheus.Registry
	closers  []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func build(ctx context.Context, cfg *config.Config, zlog zerolog.Logger) (*app, error) {
	a := &app{registry: prometheus.NewRegistry()}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	logger := zerologadapter.NewLogger(zlog)
	metrics := prommetrics.NewMetrics(a.registry, cfg.Metrics.Namespace)

	var redisClient goredis.UniversalClient
	if cfg.Storage.Backend == "redis" || cfg.RateLimit.Backend == "redis" {
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		redisClient = client
		a.closers = append(a.closers, func() { _ = client.Close() })
	}

	store, err := a.openStore(ctx, cfg, redisClient)
	if err != nil {
		a.close()
		return nil, err
	}
	if p, ok := store.(pinger); ok {
		a.health = p
	}
	if cfg.Storage.Backend != "memory" && cfg.Storage.BreakerThreshold > 0 {
		guarded, err := breaker.New(store, breaker.Config{
			FailureThreshold: cfg.Storage.BreakerThreshold,
			ResetTimeout:     cfg.Storage.BreakerResetTimeout,
			OnStateChange: func(state breaker.State) {
				zlog.Warn().Str("state", string(state)).Msg("storage circuit breaker changed state")
			},
		})
		if err != nil {
			a.close()
			return nil, err
		}
		store = guarded
	}
	a.store = store

	limiter, err := newLimiter(cfg.RateLimit, redisClient, logger)
	if err != nil {
		a.close()
		return nil, err
	}
	a.limiter = limiter

	tiers, err := billing.NewTierResolver(billing.ProductMapping{
		ProMonthly:   cfg.Billing.Product.ProMonthly,
		ProAnnual:    cfg.Billing.Product.ProAnnual,
		PowerMonthly: cfg.Billing.Product.PowerMonthly,
		PowerAnnual:  cfg.Billing.Product.PowerAnnual,
	})
	if err != nil {
		a.close()
		return nil, fmt.Errorf("invalid product mapping: %w", err)
	}
	if cfg.Billing.Product.Empty() {
		zlog.Warn().Msg("no paid product ids configured; every subscription event will be ignored")
	}

	provider, err := newProvider(cfg.Billing, tiers)
	if err != nil {
		a.close()
		return nil, err
	}
	if !provider.Configured() {
		zlog.Warn().Str("provider", provider.Name()).Msg("webhook secret is not set; deliveries will be refused")
	}

	reconciler, err := billing.NewReconciler(billing.ReconcilerConfig{
		Store:    store,
		Identity: billing.NewIdentityResolver(store, store, cfg.Billing.PreferCustomerLookup),
		Tiers:    tiers,
		Provider: provider.Name(),
		Logger:   logger,
		Metrics:  metrics,
	})
	if err != nil {
		a.close()
		return nil, err
	}

	handler, err := billing.NewHandler(billing.Config{
		Provider:    provider,
		Reconciler:  reconciler,
		RateLimiter: limiter,
		ClientKey:   ratelimit.ClientIP(cfg.RateLimit.ClientHeader),
		Logger:      logger,
		Metrics:     metrics,
	})
	if err != nil {
		a.close()
		return nil, err
	}

	a.router = a.routes(handler)
	return a, nil
}

func (a *app) routes(webhook http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	// The webhook handler answers its own 405s.
	r.Handle("/webhooks/billing", webhook)
	r.Get("/healthz", a.healthz)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	return r
}

func (a *app) healthz(w http.ResponseWriter, r *http.Request) {
	if a.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.health.Ping(ctx); err != nil {
			http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

func (a *app) openStore(ctx context.Context, cfg *config.Config, redisClient goredis.UniversalClient) (backend, error) {
	switch cfg.Storage.Backend {
	case "postgres":
		pgConfig := postgres.DefaultConfig()
		pgConfig.ConnectionString = cfg.Postgres.DSN
		pgConfig.AutoMigrate = true
		store, err := postgres.New(ctx, pgConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres storage: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		return store, nil

	case "redis":
		store, err := redis.New(redisClient, redis.DefaultConfig())
		if err != nil {
			return nil, fmt.Errorf("failed to open redis storage: %w", err)
		}
		if err := store.Ping(ctx); err != nil {
			return nil, fmt.Errorf("failed to reach redis: %w", err)
		}
		if len(cfg.Storage.Users) > 0 {
			if err := store.AddUser(ctx, cfg.Storage.Users...); err != nil {
				return nil, fmt.Errorf("failed to seed users: %w", err)
			}
		}
		return store, nil

	case "firestore":
		client, err := gcpfirestore.NewClient(ctx, cfg.Firestore.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("failed to create firestore client: %w", err)
		}
		store, err := firestore.New(client, firestore.Config{})
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = store.Close() })
		return store, nil

	default:
		store := memory.New()
		store.AddUser(cfg.Storage.Users...)
		return store, nil
	}
}

func newLimiter(cfg config.RateLimitConfig, redisClient goredis.UniversalClient, logger billing.Logger) (*ratelimit.Limiter, error) {
	var store ratelimit.Store
	if cfg.Backend == "redis" {
		rs, err := ratelimit.NewRedisStore(redisClient, "")
		if err != nil {
			return nil, err
		}
		store = rs
	} else {
		store = ratelimit.NewMemoryStore()
	}
	return ratelimit.New(ratelimit.Config{
		Limit:           cfg.Requests,
		Window:          cfg.Window,
		CleanupInterval: cfg.CleanupInterval,
		Store:           store,
		OnError: func(err error) {
			logger.Error("rate limiter store failed; admitting request", billing.Field{Key: "error", Value: err})
		},
	})
}

func newProvider(cfg config.BillingConfig, tiers *billing.TierResolver) (billing.Provider, error) {
	switch cfg.Provider {
	case "stripe":
		return stripe.NewProvider(stripe.Config{
			WebhookSecret: cfg.WebhookSecret,
			Tiers:         tiers,
		}), nil
	default:
		validator, err := billing.NewValidator()
		if err != nil {
			return nil, err
		}
		return billing.NewHMACProvider(cfg.WebhookSecret, cfg.SignatureHeader, validator), nil
	}
}
