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
	"taskpulse/internal/generator"
	"taskpulse/internal/httpserver"
	"taskpulse/internal/taskapi"
	"taskpulse/pkg/db"
	"taskpulse/pkg/logger"
	"taskpulse/pkg/mq"
)

const queueName = "generator.tasks"

type appConfig struct {
	DB        config.DBConfig        `yaml:"db"`
	MQ        config.MQConfig        `yaml:"mq"`
	Generator config.GeneratorConfig `yaml:"generator"`
	Servers   struct {
		Generator config.ServerConfig `yaml:"generator"`
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
	config.OverrideServerFromEnv(&cfg.Servers.Generator)

	pool, err := db.NewConnection(cfg.DB, log)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	repo := generator.NewTemplateRepository(pool, log)
	tasks := taskapi.NewClient(cfg.Generator.TaskAPIBaseURL)
	svc := generator.NewService(repo, tasks, log,
		time.Duration(cfg.Generator.PollIntervalSeconds)*time.Second,
		time.Duration(cfg.Generator.ScanWindowHours)*time.Hour,
	)

	consumer := mq.NewConsumer(cfg.MQ.URL, queueName, events.TemplateKeys, log)
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

	srv := &http.Server{
		Addr:    ":" + cfg.Servers.Generator.Port,
		Handler: router.Engine,
	}
	go func() {
		log.Info("Generator HTTP server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down generator")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	wg.Wait()
	log.Info("Generator stopped")
}
