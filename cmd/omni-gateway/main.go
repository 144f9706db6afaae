// Command omni-gateway runs the omnichannel message gateway: the HTTP
// surface, the bus-backed routing pipeline, and the channel dispatchers,
// all in one process.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/omnichat/gateway/internal/adapter"
	"github.com/omnichat/gateway/internal/bus"
	"github.com/omnichat/gateway/internal/bus/transport"
	"github.com/omnichat/gateway/internal/compose"
	"github.com/omnichat/gateway/internal/config"
	"github.com/omnichat/gateway/internal/gateway"
	"github.com/omnichat/gateway/internal/logging"
	"github.com/omnichat/gateway/internal/metrics"
	"github.com/omnichat/gateway/internal/ratelimit"
	"github.com/omnichat/gateway/internal/router"
)

const shutdownGrace = 15 * time.Second

func main() {
	logger := logging.NewDefaultLogger()

	if err := run(logger); err != nil {
		logger.Error("gateway exited", err, nil)
		os.Exit(1)
	}
}

func run(logger logging.ServiceLogger) error {
	cfg := config.FromEnv()
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger.Info("configuration loaded", logging.LogFields{"config": cfg.String()})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	promRegistry := prometheus.NewRegistry()
	registry := metrics.NewRegistry(promRegistry)

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		defer redisClient.Close()
	}

	limiter := buildLimiter(cfg, redisClient)
	ledger := buildLedger(redisClient)

	streams, err := transport.Build(ctx, cfg, logging.NewWatermillAdapter(logger))
	if err != nil {
		return err
	}
	defer streams.Publisher.Close()
	defer streams.Subscriber.Close()

	publisher := bus.NewPublisher(streams.Publisher, bus.RetryConfig{
		MaxAttempts:    cfg.PublishMaxAttempts,
		InitialBackoff: cfg.PublishInitialBackoff,
		MaxBackoff:     cfg.PublishMaxBackoff,
	}, logger)

	consumer, err := bus.NewConsumer(bus.ConsumerConfig{
		PoisonTopic: cfg.PoisonTopic,
		MaxRetries:  cfg.ConsumerMaxRetries,
	}, bus.Transport{Publisher: streams.Publisher, Subscriber: streams.Subscriber}, logger, registry)
	if err != nil {
		return err
	}

	adapters := adapter.NewDefaultRegistry(ledger, logger, nil)
	routing := router.NewService(router.NewEngine(router.DefaultRules()), adapters, logger, registry)
	if err := routing.Register(consumer, cfg.InboundTopic, cfg.OutboundTopic); err != nil {
		return err
	}

	composer := compose.NewComposer(compose.DefaultDoc())
	server := gateway.NewServer(cfg, logger, publisher, composer, limiter, registry, promRegistry, nil)

	consumerErr := make(chan error, 1)
	go func() {
		consumerErr <- consumer.Run(ctx)
	}()
	<-consumer.Running()

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received", nil)
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case err := <-consumerErr:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", err, nil)
	}
	if err := consumer.Close(); err != nil {
		logger.Error("consumer shutdown failed", err, nil)
	}
	return nil
}

func buildLimiter(cfg *config.Config, client *redis.Client) ratelimit.Limiter {
	limit := ratelimit.Config{
		RequestsPerSecond: cfg.RateLimitRPS,
		Burst:             cfg.RateLimitBurst,
		Window:            cfg.RateLimitWindow,
	}.LimitPerWindow()

	if client != nil {
		return ratelimit.NewRedis(client, limit, cfg.RateLimitWindow)
	}
	return ratelimit.NewInMemory(limit, cfg.RateLimitWindow)
}

func buildLedger(client *redis.Client) adapter.SentLedger {
	if client != nil {
		return adapter.NewRedisLedger(client, 0)
	}
	return adapter.NewMemoryLedger()
}
