package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/metergate/gateway/adminapi"
	"github.com/metergate/gateway/backend"
	"github.com/metergate/gateway/config"
	"github.com/metergate/gateway/ledger"
	"github.com/metergate/gateway/limiter"
	"github.com/metergate/gateway/logger"
	"github.com/metergate/gateway/observability"
	"github.com/metergate/gateway/pricing"
	"github.com/metergate/gateway/proxy"
	"github.com/metergate/gateway/redisclient"
	"github.com/metergate/gateway/rewrite"
	"github.com/metergate/gateway/router"
	"github.com/metergate/gateway/store"
	"github.com/metergate/gateway/tenant"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log := logger.New(cfg)
	log.Info().Str("env", cfg.Env).Msg("metergate starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.New(ctx, cfg.DatabaseURL, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}

	cache, err := redisclient.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to configure redis cache")
	}
	defer cache.Close()

	tenants := tenant.New(db)
	tenants.SetCache(cache)
	backends := backend.New(db)
	backends.SetCache(cache)
	if cfg.AnthropicAPIKey != "" {
		if err := backends.SeedDefault(ctx, "default", cfg.AnthropicBaseURL, cfg.AnthropicAPIKey); err != nil {
			log.Warn().Err(err).Msg("failed to seed default backend")
		}
	}

	pricingTable := pricing.DefaultTable()

	l := ledger.New(db, 10000)
	defer l.Close()

	metrics := observability.New()
	l.SetMetrics(metrics)

	limits := limiter.New(l)
	models := rewrite.NewStore(cfg.EnableModelSwapping, cfg.ModelMapping)

	pipeline := proxy.New(log, tenants, limits, backends, pricingTable, l, models, cfg.UpstreamTimeout, metrics)
	admin := adminapi.New(log, tenants, backends, limits, l, models, adminapi.Config{
		AdminUsername:            cfg.AdminUsername,
		AdminPasswordHash:        cfg.AdminPasswordHash,
		SecretKey:                cfg.SecretKey,
		AccessTokenExpireMinutes: cfg.AccessTokenExpireMinutes,
	})

	r := router.New(cfg, log, db, pipeline, admin, metrics)

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.UpstreamTimeout + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("gateway listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	} else {
		log.Info().Msg("gateway stopped gracefully")
	}
}
