package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"social-credit-ledger/api/internal/analytics"
	"social-credit-ledger/api/internal/routing"
	"social-credit-ledger/shared/cachex"
	"social-credit-ledger/shared/config"
	sharedevents "social-credit-ledger/shared/events"
	"social-credit-ledger/shared/influxx"
	"social-credit-ledger/shared/logx"
	"social-credit-ledger/shared/metricsx"
	"social-credit-ledger/shared/mqx"
	"social-credit-ledger/shared/observability"
)

const (
	retryBase = 200 * time.Millisecond
	retryMax  = 10 * time.Second
)

func main() {
	cfg, problems := config.Load("analytics-consumer", 8082)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)

	if len(cfg.KafkaBrokers) == 0 {
		problems = append(problems, config.Problem{Field: "KAFKA_BROKERS", Message: "KAFKA_BROKERS is required"})
	}
	if cfg.KafkaGroupID == "" {
		problems = append(problems, config.Problem{Field: "KAFKA_CONSUMER_GROUP", Message: "KAFKA_CONSUMER_GROUP is required"})
	}
	if cfg.InfluxURL == "" {
		problems = append(problems, config.Problem{Field: "INFLUX_URL", Message: "INFLUX_URL is required"})
	}
	if cfg.RedisAddr == "" {
		problems = append(problems, config.Problem{Field: "REDIS_ADDR", Message: "REDIS_ADDR is required"})
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

	influx, err := influxx.New(cfg)
	if err != nil {
		logger.Error(context.Background(), "influx_init_failed", "influx init failed", logx.Failure(logx.CodeFailedPrecondition, err)...)
		os.Exit(1)
	}
	defer influx.Close()
	if err := influx.Ready(context.Background()); err != nil {
		logger.Warn(context.Background(), "influx_not_ready", "influx ping failed, writes will retry",
			logx.Failure(logx.CodeFailedPrecondition, err)...,
		)
	}

	cache, err := cachex.New(cfg)
	if err != nil {
		logger.Error(context.Background(), "redis_init_failed", "redis init failed", logx.Failure(logx.CodeFailedPrecondition, err)...)
		os.Exit(1)
	}
	defer cache.Close()

	topics := routes.Topics()
	reader, err := mqx.NewConsumer(cfg, topics, cfg.KafkaGroupID)
	if err != nil {
		logger.Error(context.Background(), "kafka_init_failed", "kafka reader init failed", logx.Failure(logx.CodeFailedPrecondition, err)...)
		os.Exit(1)
	}
	defer reader.Close()

	recorder := analytics.NewRecorder(influx, cache, 0)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	logger.Info(ctx, "consumer_start", "analytics consumer started",
		slog.Any("topics", topics),
		slog.String("group", cfg.KafkaGroupID),
	)

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				break
			}
			logger.Error(ctx, "kafka_fetch_failed", "failed to fetch message", logx.Failure(logx.CodeInternal, err)...)
			time.Sleep(500 * time.Millisecond)
			continue
		}

		if err := handleWithRetry(ctx, logger, recorder, msg); err != nil {
			// 只有关闭时才会放弃, 未提交的消息在重启后重新投递
			break
		}
		if err := reader.CommitMessages(ctx, msg); err != nil {
			logger.Error(ctx, "kafka_commit_failed", "failed to commit message", logx.Failure(logx.CodeInternal, err)...)
		}
		stats := reader.Stats()
		metricsx.SetKafkaLag(stats.Topic, cfg.KafkaGroupID, stats.Lag)
	}

	logger.Info(context.Background(), "consumer_stop", "analytics consumer stopped")
}

// handleWithRetry keeps retrying transient failures so offsets are never
// committed past an unrecorded event. Bad envelopes are logged and skipped.
func handleWithRetry(ctx context.Context, logger logx.Logger, recorder *analytics.Recorder, msg kafka.Message) error {
	delay := retryBase
	eventType, _ := mqx.Header(msg, sharedevents.HeaderEventType)
	for {
		spanCtx, span := otel.Tracer("mqx").Start(ctx, "kafka.consume")
		span.SetAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", msg.Topic),
			attribute.Int64("messaging.kafka.offset", msg.Offset),
			attribute.String("ledger.event_type", eventType),
		)
		written, err := recorder.Handle(spanCtx, msg.Value)
		if err == nil {
			span.SetAttributes(attribute.Bool("duplicate", !written))
			span.End()
			return nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()

		if errors.Is(err, analytics.ErrBadEnvelope) {
			logger.Warn(ctx, "event_bad_envelope", "skipping unreadable message",
				append(logx.Failure(logx.CodeFailedPrecondition, err),
					slog.String("topic", msg.Topic),
					slog.Int64("offset", msg.Offset),
				)...,
			)
			return nil
		}
		logger.Error(ctx, "event_handle_failed", "failed to record event",
			append(logx.Failure(logx.CodeInternal, err),
				slog.String("topic", msg.Topic),
				slog.Int64("offset", msg.Offset),
				slog.Duration("retry_in", delay),
			)...,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > retryMax {
			delay = retryMax
		}
	}
}
