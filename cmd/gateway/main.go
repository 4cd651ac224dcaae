package main

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/choruslabs/chorus-gateway/internal/adapter"
	"github.com/choruslabs/chorus-gateway/internal/billing"
	"github.com/choruslabs/chorus-gateway/internal/cache"
	"github.com/choruslabs/chorus-gateway/internal/config"
	"github.com/choruslabs/chorus-gateway/internal/events"
	"github.com/choruslabs/chorus-gateway/internal/gateway"
	"github.com/choruslabs/chorus-gateway/internal/health"
	"github.com/choruslabs/chorus-gateway/internal/pipeline"
	"github.com/choruslabs/chorus-gateway/internal/provider"
)

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if os.Getenv("LOG_LEVEL") == "debug" {
		log.SetLevel(log.DebugLevel)
	}

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}
	if len(cfg.Providers) == 0 {
		log.Fatal("No providers configured")
	}

	healthMgr := health.NewManager(cfg.ModelCounts(), health.Policy{
		MinModels:     cfg.Availability.MinModels,
		MinProviders:  cfg.Availability.MinProviders,
		AllowDegraded: cfg.Availability.AllowDegraded,
		DownThreshold: cfg.Availability.DownThreshold,
	})

	adapters := make(map[string]pipeline.Generator, len(cfg.Providers))
	for _, p := range cfg.Providers {
		client := provider.NewClient(p.Name, p.BaseURL, p.APIKey, p.Timeout)
		breaker := adapter.NewCircuitBreaker(p.Name, adapter.CircuitConfig{
			FailureThreshold: cfg.Resilience.FailureThreshold,
			OpenDuration:     cfg.Resilience.OpenDuration,
		})
		adapters[p.Name] = adapter.New(client, breaker, healthMgr, adapter.Config{
			Timeout:              p.Timeout,
			MaxRetries:           cfg.Resilience.MaxRetries,
			BackoffBase:          cfg.Resilience.BackoffBase,
			RateLimitBackoffBase: cfg.Resilience.RateLimitBackoffBase,
		})
		log.WithFields(log.Fields{
			"provider": p.Name,
			"models":   len(p.Models),
			"event":    "provider_registered",
		}).Info("Provider registered")
	}

	bus := events.NewBus(events.Config{
		QueueSize:         cfg.Events.QueueSize,
		HeartbeatInterval: cfg.Events.HeartbeatInterval,
		Retention:         cfg.Events.Retention,
	})

	pipe := pipeline.New(adapters, healthMgr, bus, billing.LogRecorder{}, pipeline.Config{
		StageTimeout:              cfg.Pipeline.StageTimeout,
		EnableSingleModelFallback: cfg.Availability.EnableSingleModelFallback,
	})

	var store cache.Cache
	if cfg.Cache.Enabled {
		store = cache.NewRedis(cfg.Cache.RedisAddr)
		log.WithField("addr", cfg.Cache.RedisAddr).Info("Result cache enabled")
	}

	handler := gateway.NewHandler(pipe, healthMgr, bus, store, cfg.Cache.TTL, cfg.ModelIndex())
	router := gateway.NewRouter(handler, bus, cfg.Auth.APIKeys)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	log.WithField("addr", addr).Info("Orchestration gateway starting")
	if err := router.Run(addr); err != nil {
		log.WithError(err).Fatal("Server exited")
	}
}
