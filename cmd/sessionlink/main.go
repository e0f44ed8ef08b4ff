package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"sessionlink/internal/audit"
	"sessionlink/internal/authz"
	"sessionlink/internal/conn"
	"sessionlink/internal/login"
	"sessionlink/internal/platform/config"
	"sessionlink/internal/platform/httpserver"
	"sessionlink/internal/platform/logger"
	"sessionlink/internal/platform/metrics"
	platformredis "sessionlink/internal/platform/redis"
	"sessionlink/internal/refresh"
	sessionstore "sessionlink/internal/session/store"
	httptransport "sessionlink/internal/transport/http"
)

// main wires high-level dependencies and keeps the process lifecycle small.
// Session semantics live in the internal packages.
func main() {
	cfg := config.FromEnv()
	log := logger.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Persisted state: redis when configured, in-memory otherwise.
	var store sessionstore.Store
	redisClient, err := platformredis.New(ctx, cfg.RedisURL)
	if err != nil {
		log.Error("redis unavailable", "error", err)
		os.Exit(1)
	}
	if redisClient != nil {
		store = sessionstore.NewRedisStore(redisClient.Client)
		defer redisClient.Close()
		log.Info("using redis session store")
	} else {
		store = sessionstore.NewInMemoryStore()
		log.Warn("no redis configured, session state will not survive restarts")
	}

	m := metrics.New()

	var auditPub audit.Publisher = audit.NopPublisher{}
	var kafkaPub *audit.KafkaPublisher
	if len(cfg.KafkaBrokers) > 0 {
		kafkaPub, err = audit.NewKafkaPublisher(cfg.KafkaBrokers, cfg.AuditTopic, log)
		if err != nil {
			log.Error("kafka unavailable", "error", err)
			os.Exit(1)
		}
		auditPub = kafkaPub
	}

	handler := refresh.NewHandler(store, log, m, auditPub)
	registry := conn.NewRegistry(conn.Config{
		BaseURL:              cfg.WSBaseURL,
		DialTimeout:          cfg.DialTimeout,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		BackoffBase:          cfg.BackoffBase,
		BackoffCap:           cfg.BackoffCap,
	}, conn.NewWebsocketDialer(cfg.DialTimeout), handler, log, m)
	handler.Bind(registry)

	verifier := authz.NewVerifier(store, cfg.VerifyTTL, log, m)
	handler.BindPurger(verifier)

	loginClient := login.NewClient(cfg.LoginURL, store, log)
	loginClient.Bind(registry, verifier)

	statusHandler := httptransport.NewHandler(registry, verifier, cfg.RefreshThreshold, log)
	srv := httpserver.New(cfg.HTTPAddr, httptransport.NewRouter(statusHandler, log))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("sessionlink listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if kafkaPub != nil {
		g.Go(func() error {
			if err := kafkaPub.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()

		registry.DisconnectAll()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("shutdown failed", "error", err)
		os.Exit(1)
	}
	log.Info("sessionlink stopped")
}
