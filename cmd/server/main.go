package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	jwttoken "contactr/internal/jwt_token"
	"contactr/internal/lifecycle"
	"contactr/internal/platform/config"
	"contactr/internal/platform/httpserver"
	"contactr/internal/platform/logger"
	"contactr/internal/platform/metrics"
	"contactr/internal/platform/redis"
	"contactr/internal/presence"
	"contactr/internal/relay"
	"contactr/internal/search"
	httptransport "contactr/internal/transport/http"
	"contactr/internal/upstream"
)

// main wires the relay and hands control to the lifecycle coordinator, which
// owns startup and shutdown ordering.
func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log := logger.New(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("relay stopped with error", "error", err)
		os.Exit(1)
	}
	log.Info("relay exited")
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	registry := relay.NewRegistry(m)
	broadcaster := relay.NewBroadcaster(registry, log, m)

	admitterOpts := []relay.AdmitterOption{
		relay.WithMetrics(m),
		relay.WithSendQueue(cfg.Relay.SendQueueSize, cfg.Relay.WriteTimeout),
	}
	var handlerOpts []relay.HandlerOption
	var httpOpts []httptransport.HandlerOption

	redisClient, err := redis.New(ctx, cfg.Redis)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	if redisClient != nil {
		defer redisClient.Close()
		store := presence.NewRedis(redisClient.Client, presence.WithTTL(cfg.Redis.PresenceTTL))
		admitterOpts = append(admitterOpts, relay.WithPresenceTracker(store))
		handlerOpts = append(handlerOpts, relay.WithPresence(store))
		httpOpts = append(httpOpts, httptransport.WithDirectory(store))
		log.Info("presence tracking enabled")
	}

	admitter := relay.NewAdmitter(jwttoken.NewClaimsExtractor(), registry, log, admitterOpts...)
	messages := relay.NewMessageHandler(cfg.Relay.LockMessage, cfg.Relay.LockHint, log, handlerOpts...)

	listenerOpts := []upstream.Option{
		upstream.WithMetrics(m),
		upstream.WithLossGrace(cfg.Postgres.LossGrace),
	}
	if cfg.Search.Host != "" {
		mirror := search.NewMirror(search.NewMeiliIndexer(cfg.Search), log,
			search.WithMetrics(m),
			search.WithCircuitBreaker(search.NewCircuitBreaker(cfg.Search.FailureThreshold, cfg.Search.Cooldown)),
		)
		listenerOpts = append(listenerOpts, upstream.WithMirror(mirror), upstream.WithMirrorTimeout(cfg.Search.Timeout))
		log.Info("search mirror enabled", "host", cfg.Search.Host, "index", cfg.Search.Index)
	} else {
		log.Warn("MEILI_HOST not set, search mirror disabled")
	}
	listener := upstream.NewListener(
		upstream.Channels{ChangeFeed: cfg.Postgres.ChangeChannel, RecordLock: cfg.Postgres.LockChannel},
		broadcaster, log, listenerOpts...,
	)

	srv := httpserver.New(cfg.Server.Addr, nil)
	coordinator := lifecycle.New(listener, upstream.PostgresConnector(cfg.Postgres), registry, srv, log,
		lifecycle.WithShutdownTimeout(cfg.Server.ShutdownTimeout),
	)

	httpOpts = append(httpOpts,
		httptransport.WithGate(coordinator),
		httptransport.WithReadLimit(int64(cfg.Relay.ReadLimit)),
	)
	handler := httptransport.NewHandler(admitter, messages, registry, cfg.Server.WebSocketPath, log, httpOpts...)
	srv.Handler = httptransport.NewRouter(handler, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), log)

	return coordinator.Run(ctx)
}
