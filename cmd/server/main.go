package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"membershippay/internal/config"
	"membershippay/internal/gateway"
	"membershippay/internal/handler"
	"membershippay/internal/infrastructure/cache"
	"membershippay/internal/infrastructure/database"
	"membershippay/internal/infrastructure/mq"
	"membershippay/internal/job"
	"membershippay/internal/logging"
	"membershippay/internal/notify"
	"membershippay/internal/repository"
	"membershippay/internal/service"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Init("membershippay", cfg.Log.Level, cfg.Log.Env)

	db, err := database.InitMySQL(&cfg.MySQL, cfg.Log.Level)
	if err != nil {
		logger.Error("init mysql", "error", err)
		os.Exit(1)
	}

	redisClient, err := cache.InitRedis(&cfg.Redis)
	if err != nil {
		logger.Error("init redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	producer, err := mq.InitKafka(&cfg.Kafka)
	if err != nil {
		logger.Error("init kafka", "error", err)
		os.Exit(1)
	}
	defer producer.Close()

	gatewayClient, err := gateway.NewClient(cfg.Gateway)
	if err != nil {
		logger.Error("init gateway client", "error", err)
		os.Exit(1)
	}

	notifier := notify.NewOutboxNotifier(repository.NewOutboxRepository(db), cfg.Kafka.Topic.MembershipEvents)
	orderService := service.NewOrderService(db, gatewayClient, cfg)
	reconciler := service.NewReconciler(db, gatewayClient, notifier, cfg)
	refundService := service.NewRefundService(db, redisClient, gatewayClient, notifier, cfg)

	ctx, cancel := context.WithCancel(logging.WithLogger(context.Background(), logger))
	defer cancel()

	var jobs sync.WaitGroup
	outboxSender := job.NewOutboxSender(db, producer, cfg)
	reconcileJob := job.NewReconcileJob(db, reconciler, cfg)
	for _, start := range []func(context.Context){outboxSender.Start, reconcileJob.Start} {
		start := start
		jobs.Add(1)
		go func() {
			defer jobs.Done()
			start(ctx)
		}()
	}

	router := handler.SetupRouter(handler.NewHandler(orderService, reconciler, refundService), logger)
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server listening", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "error", err)
	}

	cancel()
	jobs.Wait()

	logger.Info("server stopped")
}
