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
	"taskpulse/internal/scheduler"
	"taskpulse/pkg/logger"
	"taskpulse/pkg/mq"
	"taskpulse/pkg/redis"
)

const queueName = "scheduler.tasks"

type appConfig struct {
	MQ        config.MQConfig        `yaml:"mq"`
	Redis     config.RedisConfig     `yaml:"redis"`
	Scheduler config.SchedulerConfig `yaml:"scheduler"`
	Servers   struct {
		Scheduler config.ServerConfig `yaml:"scheduler"`
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
	config.OverrideServerFromEnv(&cfg.Servers.Scheduler)

	rdb := redis.NewClient(cfg.Redis)
	defer rdb.Close()

	publisher := mq.NewPublisher(cfg.MQ.URL, log)
	defer publisher.Close()

	snapshots := scheduler.NewRedisSnapshotStore(rdb, cfg.Scheduler.SnapshotKey, log)
	sched := scheduler.New(snapshots, publisher, log,
		time.Duration(cfg.Scheduler.TickSeconds)*time.Second,
		time.Duration(cfg.Scheduler.SnapshotIntervalSecond)*time.Second,
	)

	restoreCtx, cancelRestore := context.WithTimeout(context.Background(), 10*time.Second)
	if err := sched.Restore(restoreCtx); err != nil {
		// Startup continues with an empty queue; task updates rebuild it.
		log.Error("Failed to restore reminder snapshot", zap.Error(err))
	}
	cancelRestore()

	consumer := mq.NewConsumer(cfg.MQ.URL, queueName, events.TaskKeys, log)
	consumer.SetHandler(sched.HandleEvent)
	defer consumer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		if err := consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("Consumer stopped", zap.Error(err))
		}
	}()
	go func() {
		defer wg.Done()
		sched.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		sched.RunSnapshots(ctx)
	}()

	router := httpserver.NewRouter(
		httpserver.ReadinessCheck{Name: "redis", Check: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}},
		httpserver.ReadinessCheck{Name: "mq", Check: func(ctx context.Context) error {
			if !consumer.IsConnected() {
				return fmt.Errorf("consumer disconnected")
			}
			if !publisher.IsConnected() {
				return fmt.Errorf("publisher disconnected")
			}
			return nil
		}},
	)

	srv := &http.Server{
		Addr:    ":" + cfg.Servers.Scheduler.Port,
		Handler: router.Engine,
	}
	go func() {
		log.Info("Scheduler HTTP server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down scheduler")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	wg.Wait()
	log.Info("Scheduler stopped")
}
