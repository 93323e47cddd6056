package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"social-credit-ledger/api/internal/eventlog"
	"social-credit-ledger/api/internal/relay"
	"social-credit-ledger/api/internal/repos"
	"social-credit-ledger/api/internal/routing"
	"social-credit-ledger/shared/cachex"
	"social-credit-ledger/shared/config"
	"social-credit-ledger/shared/dbx"
	"social-credit-ledger/shared/logx"
	"social-credit-ledger/shared/metricsx"
	"social-credit-ledger/shared/mqx"
	"social-credit-ledger/shared/observability"
)

const (
	taskRelayScan = "eventlog.relay"
	relayName     = "kafka"
)

func main() {
	cfg, problems := config.Load("relay-worker", 8083)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)

	if cfg.DatabaseURL == "" {
		problems = append(problems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
	}
	if cfg.RedisAddr == "" {
		problems = append(problems, config.Problem{Field: "REDIS_ADDR", Message: "REDIS_ADDR is required"})
	}
	if cfg.AsynqRedisAddr == "" {
		problems = append(problems, config.Problem{Field: "ASYNQ_REDIS_ADDR", Message: "ASYNQ_REDIS_ADDR is required"})
	}
	if len(cfg.KafkaBrokers) == 0 {
		problems = append(problems, config.Problem{Field: "KAFKA_BROKERS", Message: "KAFKA_BROKERS is required"})
	}
	routes, err := routing.LoadOrDefault(cfg.RoutesPath, cfg.Env)
	if err != nil {
		problems = append(problems, config.Problem{Field: "ROUTES_PATH", Message: err.Error()})
	}
	if len(problems) > 0 {
		logger.Error(context.Background(), "config_invalid", "invalid config",
			slog.String("error_code", logx.CodeFailedPrecondition),
			slog.Any("problems", problems),
		)
		os.Exit(1)
	}

	if cfg.OtelEnabled {
		if shutdown, err := observability.InitTracer(context.Background(), observability.TracerConfig{
			ServiceName: cfg.ServiceName,
			Version:     version,
			Env:         cfg.Env,
			Endpoint:    cfg.OtelEndpoint,
			Insecure:    cfg.OtelInsecure,
			SampleRatio: cfg.OtelSampleRatio,
		}); err == nil {
			defer func() { _ = shutdown(context.Background()) }()
		}
	}

	dbPool, err := dbx.NewPool(cfg)
	if err != nil {
		logger.Error(context.Background(), "db_init_failed", "db init failed", logx.Failure(logx.CodeFailedPrecondition, err)...)
		os.Exit(1)
	}
	defer dbPool.Close()
	schemaCtx, cancelSchema := context.WithTimeout(context.Background(), 30*time.Second)
	err = dbx.WaitReady(schemaCtx, dbPool, time.Second)
	if err == nil {
		err = repos.EnsureSchema(schemaCtx, dbPool)
	}
	cancelSchema()
	if err != nil {
		logger.Error(context.Background(), "db_schema_failed", "db schema init failed", logx.Failure(logx.CodeFailedPrecondition, err)...)
		os.Exit(1)
	}

	cache, err := cachex.New(cfg)
	if err != nil {
		logger.Error(context.Background(), "redis_init_failed", "redis init failed", logx.Failure(logx.CodeFailedPrecondition, err)...)
		os.Exit(1)
	}
	defer cache.Close()
	stream, err := eventlog.NewRedisStream(cache.Client(), cfg.EventStream)
	if err != nil {
		logger.Error(context.Background(), "eventlog_init_failed", "event log init failed", logx.Failure(logx.CodeFailedPrecondition, err)...)
		os.Exit(1)
	}

	producer, err := mqx.NewProducer(cfg)
	if err != nil {
		logger.Error(context.Background(), "kafka_init_failed", "kafka producer init failed", logx.Failure(logx.CodeFailedPrecondition, err)...)
		os.Exit(1)
	}
	defer producer.Close()

	rl := &relay.Relay{
		Name:      relayName,
		Reader:    stream,
		Publisher: producer,
		Cursors:   repos.NewCursorsRepo(dbPool),
		Routes:    routes,
		BatchSize: cfg.RelayBatchSize,
		Logger:    logger,
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.AsynqRedisAddr,
		Password: cfg.AsynqRedisPass,
		DB:       cfg.AsynqRedisDB,
	}
	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.AsynqConcurrency,
		Queues: map[string]int{
			cfg.AsynqQueue: 1,
		},
	})
	defer server.Shutdown()

	// 同一进程内只允许一个批次推进游标
	var relayMu sync.Mutex
	mux := asynq.NewServeMux()
	mux.HandleFunc(taskRelayScan, func(ctx context.Context, t *asynq.Task) error {
		if !relayMu.TryLock() {
			return nil
		}
		defer relayMu.Unlock()

		ctx, span := otel.Tracer("asynq").Start(ctx, "eventlog.relay")
		span.SetAttributes(attribute.String("queue", cfg.AsynqQueue))
		defer span.End()

		stats, err := rl.RunOnce(ctx)
		if err != nil {
			span.RecordError(err)
			return err
		}
		if stats.Published+stats.Skipped+stats.Malformed > 0 {
			logger.Debug(ctx, "relay_batch", "relay batch done",
				slog.Int("published", stats.Published),
				slog.Int("skipped", stats.Skipped),
				slog.Int("malformed", stats.Malformed),
				slog.String("cursor", stats.Cursor.String()),
			)
		}
		return nil
	})

	scanEvery := time.Duration(cfg.RelayScanSec) * time.Second
	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{
		Location: time.UTC,
	})
	defer scheduler.Shutdown()
	inspector := asynq.NewInspector(redisOpt)
	defer inspector.Close()
	task := asynq.NewTask(taskRelayScan, nil, asynq.Queue(cfg.AsynqQueue), asynq.MaxRetry(0), asynq.Unique(scanEvery))
	if _, err := scheduler.Register("@every "+strconv.Itoa(cfg.RelayScanSec)+"s", task); err != nil {
		logger.Error(context.Background(), "scheduler_init_failed", "scheduler init failed", logx.Failure(logx.CodeFailedPrecondition, err)...)
		os.Exit(1)
	}
	if err := scheduler.Start(); err != nil {
		logger.Error(context.Background(), "scheduler_start_failed", "scheduler start failed", logx.Failure(logx.CodeInternal, err)...)
		os.Exit(1)
	}

	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			info, err := inspector.GetQueueInfo(cfg.AsynqQueue)
			if err != nil {
				continue
			}
			metricsx.SetAsynqQueueDepth(cfg.AsynqQueue, info.Size)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "worker_start", "relay worker started",
			slog.String("queue", cfg.AsynqQueue),
			slog.Int("concurrency", cfg.AsynqConcurrency),
			slog.String("stream", cfg.EventStream),
			slog.Any("topics", routes.Topics()),
		)
		errCh <- server.Run(mux)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, asynq.ErrServerClosed) {
			logger.Error(context.Background(), "worker_failed", "worker failed", logx.Failure(logx.CodeInternal, err)...)
			os.Exit(1)
		}
	}

	logger.Info(context.Background(), "worker_stop", "relay worker stopped")
}
