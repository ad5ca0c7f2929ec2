package handlers

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"parentpilot-billing/pkg/billing"
	"parentpilot-billing/pkg/config"
	"parentpilot-billing/pkg/database"
	"parentpilot-billing/pkg/utils"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
)

// App 持有一次冷启动内复用的全部依赖
// The router is rebuilt only when the pool hands out a new store.
type App struct {
	cfg      *config.Config
	logger   *logrus.Logger
	pool     *database.Pool
	provider billing.PaymentProvider
	parser   billing.EventParser
	deferred billing.DeferredStore
	registry *prometheus.Registry
	metrics  *billing.Metrics
	jwt      *utils.JWTService

	mu     sync.Mutex
	store  database.Store
	router http.Handler
}

// NewApp builds every long-lived dependency from cfg.
func NewApp(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a := &App{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		metrics:  billing.NewMetrics(registry),
		jwt:      utils.NewJWTService(cfg.SupabaseJWTSecret),
		pool: database.NewPool(database.DatabaseConfig{
			UseLocalDB:   cfg.UseLocalDB,
			LocalDataDir: cfg.LocalDataDir,
			PostgresDSN:  cfg.PostgresDSN,
			SupabaseURL:  cfg.SupabaseURL,
			SupabaseKey:  cfg.SupabaseKey,
			Debug:        cfg.Debug,
		}, logger.WithField("component", "database")),
	}

	switch cfg.PaymentProvider {
	case config.ProviderFake:
		logger.Warn("🧪 Using fake payment provider")
		a.provider = billing.NewFakeProvider()
		a.parser = billing.NewStripeEventParser(cfg.StripeWebhookSecret)
	default:
		stripeProvider := billing.NewStripeProvider(cfg.StripeSecretKey, cfg.StripeWebhookSecret)
		a.provider = stripeProvider
		a.parser = stripeProvider
	}

	if cfg.RedisURL != "" {
		deferred, err := billing.NewRedisDeferredStoreFromURL(ctx, cfg.RedisURL, cfg.DeferredEventTTL)
		if err != nil {
			return nil, err
		}
		logger.Info("📮 Using Redis deferred event buffer")
		a.deferred = deferred
	} else {
		logger.Warn("📮 Using in-memory deferred event buffer (single instance only)")
		a.deferred = billing.NewMemoryDeferredStore(cfg.DeferredEventTTL)
	}

	return a, nil
}

// ServeHTTP 将请求交给当前 store 对应的路由
func (a *App) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	router, err := a.routerFor(r.Context())
	if err != nil {
		a.logger.WithError(err).Error("❌ Database unavailable")
		utils.WriteErrorResponseWithCode(w, http.StatusServiceUnavailable, "DATABASE_UNAVAILABLE", "Database unavailable", "")
		return
	}
	router.ServeHTTP(w, r)
}

func (a *App) routerFor(ctx context.Context) (http.Handler, error) {
	store, err := a.pool.Get(ctx)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.router != nil && a.store == store {
		return a.router, nil
	}

	services := billing.NewServices(billing.Deps{
		Store:    store,
		Provider: a.provider,
		Parser:   a.parser,
		Deferred: a.deferred,
		Policy:   billing.UnmatchedPolicy(a.cfg.WebhookUnmatchedPolicy),
		URLs: billing.CheckoutURLs{
			Success: a.cfg.CheckoutSuccessURL(),
			Cancel:  a.cfg.CheckoutCancelURL(),
		},
		Logger:  a.logger,
		Metrics: a.metrics,
	})
	a.store = store
	a.router = NewRouter(RouterDeps{
		Config:   a.cfg,
		Store:    store,
		Services: services,
		JWT:      a.jwt,
		Logger:   a.logger,
		Gatherer: a.registry,
		Pool:     a.pool,
	})
	return a.router, nil
}

// Close 释放数据库与缓冲连接
func (a *App) Close() error {
	if closer, ok := a.deferred.(interface{ Close() error }); ok {
		closer.Close()
	}
	return a.pool.Close()
}
