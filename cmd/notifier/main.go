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
	"taskpulse/internal/config"
	"taskpulse/internal/httpserver"
	"taskpulse/internal/notifier"
	"taskpulse/pkg/logger"
	"taskpulse/pkg/mq"
	"taskpulse/pkg/redis"
	"taskpulse/pkg/util"
)

const queueName = "notifier.events"

type appConfig struct {
	MQ       config.MQConfig       `yaml:"mq"`
	Redis    config.RedisConfig    `yaml:"redis"`
	JWT      config.JWTConfig      `yaml:"jwt"`
	Notifier config.NotifierConfig `yaml:"notifier"`
	Servers  struct {
		Notifier config.ServerConfig `yaml:"notifier"`
	} `yaml:"servers"`
}

func main() {
	log := logger.NewLogger()
	defer log.Sync()

	var cfg appConfig
	if err := config.Load(config.ConfigEnv(), "", &cfg); err != nil {
		log.Fatal("Failed to load config", zap.Error(err))
	}
	config.OverrideMQFromEnv(&cfg.MQ)
	config.OverrideRedisFromEnv(&cfg.Redis)
	config.OverrideJWTFromEnv(&cfg.JWT)
	config.OverrideServerFromEnv(&cfg.Servers.Notifier)

	rdb := redis.NewClient(cfg.Redis)
	defer rdb.Close()

	registry := notifier.NewRegistry(cfg.Notifier.MaxConnsPerUser, log)
	deduper := util.NewDeduper(rdb, 24*time.Hour, log)
	hub := notifier.NewHub(registry, deduper, log,
		time.Duration(cfg.Notifier.HeartbeatSeconds)*time.Second,
		time.Duration(cfg.Notifier.StaleAfterSeconds)*time.Second,
	)

	consumer := mq.NewConsumer(cfg.MQ.URL, queueName, events.AllKeys, log)
	consumer.SetHandler(hub.HandleEvent)
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
		hub.RunHeartbeat(ctx)
	}()

	router := httpserver.NewRouter(
		httpserver.ReadinessCheck{Name: "redis", Check: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}},
		httpserver.ReadinessCheck{Name: "mq", Check: func(ctx context.Context) error {
			if !consumer.IsConnected() {
				return fmt.Errorf("consumer disconnected")
			}
			return nil
		}},
	)
	stream := notifier.NewStreamHandler(registry, cfg.JWT.Secret, cfg.Notifier.MessagesPerSecond, log)
	stream.Register(router.Engine)

	srv := &http.Server{
		Addr:    ":" + cfg.Servers.Notifier.Port,
		Handler: router.Engine,
	}
	go func() {
		log.Info("Notifier HTTP server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down notifier")

	registry.CloseAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	wg.Wait()
	log.Info("Notifier stopped")
}
