package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"taskpulse/contracts/events"
	"taskpulse/internal/audit"
	"taskpulse/internal/config"
	"taskpulse/internal/httpserver"
	"taskpulse/pkg/db"
	"taskpulse/pkg/logger"
	"taskpulse/pkg/mq"
)

const queueName = "audit.events"

type appConfig struct {
	DB      config.DBConfig    `yaml:"db"`
	MQ      config.MQConfig    `yaml:"mq"`
	Audit   config.AuditConfig `yaml:"audit"`
	Servers struct {
		Audit config.ServerConfig `yaml:"audit"`
	} `yaml:"servers"`
}

func main() {
	log := logger.NewLogger()
	defer log.Sync()

	var cfg appConfig
	if err := config.Load(config.ConfigEnv(), "", &cfg); err != nil {
		log.Fatal("Failed to load config", zap.Error(err))
	}
	config.OverrideDBFromEnv(&cfg.DB)
	config.OverrideMQFromEnv(&cfg.MQ)
	config.OverrideServerFromEnv(&cfg.Servers.Audit)

	pool, err := db.NewConnection(cfg.DB, log)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	publisher := mq.NewPublisher(cfg.MQ.URL, log)
	defer publisher.Close()
	if err := publisher.EnsureDLQQueue(audit.DLQRoutingKey); err != nil {
		// Sunk payloads are only retained once the queue exists.
		log.Warn("Failed to declare audit DLQ queue", zap.Error(err))
	}

	repo := audit.NewRepository(pool, log)
	sink := audit.NewSink(pool, publisher, log)
	svc := audit.NewService(repo, sink, log,
		cfg.Audit.BatchSize,
		time.Duration(cfg.Audit.FlushIntervalMS)*time.Millisecond,
		audit.RetryPolicy{
			MaxRetries: cfg.Audit.RetryMax,
			Base:       time.Duration(cfg.Audit.RetryBaseMS) * time.Millisecond,
			MaxDelay:   time.Duration(cfg.Audit.RetryMaxDelaySec) * time.Second,
		},
	)

	consumer := mq.NewConsumer(cfg.MQ.URL, queueName, events.AllKeys, log)
	consumer.SetHandler(svc.HandleEvent)
	defer consumer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("Consumer stopped", zap.Error(err))
		}
	}()
	go func() {
		defer wg.Done()
		svc.Run(ctx)
	}()

	router := httpserver.NewRouter(
		httpserver.ReadinessCheck{Name: "db", Check: pool.Ping},
		httpserver.ReadinessCheck{Name: "mq", Check: func(ctx context.Context) error {
			if !consumer.IsConnected() {
				return fmt.Errorf("consumer disconnected")
			}
			return nil
		}},
	)
	history := audit.NewHistoryHandler(repo, log)
	history.Register(router.Engine)

	srv := &http.Server{
		Addr:    ":" + cfg.Servers.Audit.Port,
		Handler: router.Engine,
	}
	go func() {
		log.Info("Audit HTTP server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down audit logger")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	wg.Wait()
	log.Info("Audit logger stopped")
}
