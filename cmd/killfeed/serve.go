package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zifox666/xiaobawang/internal/config"
	"github.com/zifox666/xiaobawang/internal/consumer"
	"github.com/zifox666/xiaobawang/internal/delivery"
	"github.com/zifox666/xiaobawang/internal/handler"
	"github.com/zifox666/xiaobawang/internal/matcher"
	"github.com/zifox666/xiaobawang/internal/metrics"
	"github.com/zifox666/xiaobawang/internal/migrations"
	"github.com/zifox666/xiaobawang/internal/queue/sqs"
	"github.com/zifox666/xiaobawang/internal/render"
	"github.com/zifox666/xiaobawang/internal/repository/clickhouse"
	"github.com/zifox666/xiaobawang/internal/repository/postgres"
	"github.com/zifox666/xiaobawang/internal/service"
	"github.com/zifox666/xiaobawang/internal/source"
	"github.com/zifox666/xiaobawang/internal/store"
	"github.com/zifox666/xiaobawang/internal/subscription"
	"github.com/zifox666/xiaobawang/internal/universe"
)

const serverShutdownTimeout = 10 * time.Second

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the kill event pipeline and admin API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, flushLog, err := bootstrap()
			if err != nil {
				return err
			}
			defer flushLog()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg, log)
		},
	}
}

func openStore(cfg config.Store, log *zap.Logger) (store.Store, func(context.Context), error) {
	if cfg.Backend == "memory" {
		log.Warn("Using in-memory store, dedup markers and cursors will not survive restarts")
		return store.NewMemory(), func(context.Context) {}, nil
	}

	ps, err := store.OpenPebble(store.PebbleOptions{DataDir: cfg.DataDir}, log.Named("store"))
	if err != nil {
		return nil, nil, err
	}
	janitor := func(ctx context.Context) { ps.RunJanitor(ctx, cfg.JanitorInterval) }
	return ps, janitor, nil
}

func serve(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	log.Info("Starting killfeed",
		zap.String("environment", cfg.Service.Environment),
		zap.String("source", cfg.Source.Mode))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Store
	kv, runJanitor, err := openStore(cfg.Store, log)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		if err := kv.Close(); err != nil {
			log.Error("Failed to close store", zap.Error(err))
		}
	}()

	// Subscriptions
	db, err := postgres.Open(ctx, cfg.Postgres, log)
	if err != nil {
		return err
	}
	defer func(db *sql.DB) {
		if err := db.Close(); err != nil {
			log.Error("Failed to close Postgres", zap.Error(err))
		}
	}(db)

	if err := migrations.Run(db, cfg.Postgres.AutoMigrate, log.Named("migrations")); err != nil {
		return err
	}

	subRepo := postgres.NewSubscriptionRepository(db, log.Named("subscriptions"))
	subSource := subscription.NewSource(subRepo, cfg.Pipeline.SubscriptionTTL, log.Named("subscriptions"))

	// Push analytics
	var (
		records   delivery.RecordSink
		pushStats handler.PushStatsReader
		writer    *delivery.RecordWriter
	)
	if cfg.ClickHouse.Enabled {
		chClient, err := clickhouse.NewClient(ctx, &cfg.ClickHouse, log)
		if err != nil {
			return fmt.Errorf("failed to create ClickHouse client: %w", err)
		}
		chRepo := clickhouse.NewRepository(chClient, log.Named("clickhouse"))
		defer func() {
			if err := chRepo.Close(); err != nil {
				log.Error("Failed to close ClickHouse client", zap.Error(err))
			}
		}()

		if err := chRepo.InitSchema(ctx); err != nil {
			return fmt.Errorf("failed to initialize ClickHouse schema: %w", err)
		}

		writer = delivery.NewRecordWriter(chRepo, delivery.RecordWriterConfig{
			MaxBatchSize: cfg.Delivery.RecordBatchSize,
			FlushTimeout: cfg.Delivery.RecordFlushTimeout,
		}, m, log.Named("records"))
		records = writer
		pushStats = chRepo
	}

	// Delivery
	sender, err := sqs.NewClient(ctx, cfg.SQS, log.Named("sqs"))
	if err != nil {
		return fmt.Errorf("failed to create SQS client: %w", err)
	}

	images, err := delivery.NewImageStore(cfg.Delivery.ImageDir, log.Named("images"))
	if err != nil {
		return err
	}

	dispatcher := delivery.NewDispatcher(sender, delivery.Deps{
		Images:  images,
		Refs:    store.NewMessageRefs(kv, cfg.Store.MessageRefTTL),
		Records: records,
	}, delivery.Config{
		MaxMessages:           cfg.Delivery.MaxMessages,
		ImmediateFlushCount:   cfg.Delivery.ImmediateFlushCount,
		CheckInterval:         cfg.Delivery.CheckInterval,
		MaxWait:               cfg.Delivery.MaxWait,
		ExtendedWaitThreshold: cfg.Delivery.ExtendedWaitThreshold,
		MaxMergeItems:         cfg.Delivery.MaxMergeItems,
		ShutdownTimeout:       cfg.Delivery.ShutdownTimeout,
	}, m, log.Named("delivery"))

	// Matching
	resolver := universe.NewESIResolver(cfg.ESI, kv, cfg.Service.UserAgent, log.Named("universe"))
	match := matcher.New(resolver, matcher.Config{Concurrency: cfg.Pipeline.MatchConcurrency}, m, log)

	var renderer service.Renderer
	if cfg.Delivery.RenderURL != "" {
		renderer = render.NewClient(cfg.Delivery, cfg.Service.UserAgent, log.Named("render"))
	} else {
		log.Info("No render service configured, sending text only")
	}

	svc := service.NewKillmailService(subSource, match, dispatcher, renderer, images, service.KillmailConfig{
		GlobalMinValue: cfg.Pipeline.GlobalMinValue,
		GlobalMaxAge:   cfg.Pipeline.GlobalMaxAge,
		ImmediateValue: cfg.Pipeline.ImmediateValue,
	}, log.Named("service"))

	// Ingest
	dedup := store.NewDedup(kv, cfg.Pipeline.DedupTTL)
	queue := consumer.NewQueue(consumer.QueueConfig{
		WarnThreshold: cfg.Pipeline.QueueWarnThreshold,
		WarnInterval:  cfg.Pipeline.QueueWarnInterval,
		Milestone:     cfg.Pipeline.QueueMilestone,
	}, m, log.Named("queue"))
	pool := consumer.NewWorkerPool(queue, svc, dedup, consumer.PoolConfig{
		Workers:      cfg.Pipeline.Workers,
		Concurrency:  cfg.Pipeline.Concurrency,
		PollTimeout:  cfg.Pipeline.PollTimeout,
		DrainTimeout: cfg.Pipeline.DrainTimeout,
	}, m, log.Named("pool"))
	c := consumer.NewConsumer(queue, pool, dedup, consumer.Config{
		DedupFailOpen: cfg.Pipeline.DedupFailOpen,
	}, m, log.Named("consumer"))

	src, err := source.New(cfg.Source, source.Deps{
		Enqueue:   c.Enqueue,
		Store:     kv,
		Metrics:   m,
		UserAgent: cfg.Service.UserAgent,
	}, log.Named("source"))
	if err != nil {
		return err
	}

	// Admin API
	if cfg.Service.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	h := handler.NewHandler(handler.Deps{
		Database:      subRepo,
		Store:         kv,
		Subscriptions: subRepo,
		Cache:         subSource,
		Ingest:        c,
		Delivery:      dispatcher,
		Pushes:        pushStats,
		Gatherer:      reg,
	}, log.Named("api"))
	server := &http.Server{
		Addr:              ":" + cfg.Service.APIPort,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Stages stop in order: ingest, delivery, record writer.
	deliveryCtx, stopDelivery := context.WithCancel(context.WithoutCancel(ctx))
	recordsCtx, stopRecords := context.WithCancel(context.WithoutCancel(ctx))
	defer stopDelivery()
	defer stopRecords()

	var background sync.WaitGroup
	run := func(f func()) {
		background.Add(1)
		go func() {
			defer background.Done()
			f()
		}()
	}

	run(func() { runJanitor(ctx) })
	run(func() { watchSubscriptions(ctx, cfg, subSource, log) })

	var deliveryDone sync.WaitGroup
	deliveryDone.Add(1)
	go func() {
		defer deliveryDone.Done()
		dispatcher.Run(deliveryCtx)
	}()

	var recordsDone sync.WaitGroup
	if writer != nil {
		recordsDone.Add(1)
		go func() {
			defer recordsDone.Done()
			writer.Start(recordsCtx)
		}()
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("API server starting", zap.String("address", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	ingestCtx, stopIngest := context.WithCancel(ctx)
	defer stopIngest()

	consumerErr := make(chan error, 1)
	go func() {
		consumerErr <- c.Run(ingestCtx, src)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	case err := <-serverErr:
		runErr = fmt.Errorf("API server failed: %w", err)
	case err := <-consumerErr:
		// the consumer only returns early on a fatal source error
		consumerErr <- err
		log.Error("Consumer stopped unexpectedly", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), serverShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Failed to shut down API server", zap.Error(err))
	}

	stopIngest()
	if err := <-consumerErr; err != nil {
		log.Error("Consumer stopped with error", zap.Error(err))
		if runErr == nil {
			runErr = err
		}
	}

	stopDelivery()
	deliveryDone.Wait()
	stopRecords()
	recordsDone.Wait()
	background.Wait()

	log.Info("Killfeed stopped")
	return runErr
}

// watchSubscriptions invalidates the subscription cache on Postgres change
// notifications. Without a listener the TTL alone bounds staleness.
func watchSubscriptions(ctx context.Context, cfg *config.Config, src *subscription.Source, log *zap.Logger) {
	listener, err := postgres.NewChangeListener(cfg.Postgres.DSN, cfg.Pipeline.SubscriptionChannel, log.Named("listener"))
	if err != nil {
		log.Warn("Subscription change listener unavailable, relying on cache TTL", zap.Error(err))
		return
	}

	notifications := make(chan string)
	go listener.Start(ctx, notifications)
	src.Watch(ctx, notifications)
}
