package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"social-credit-ledger/api/internal/bootstrap"
	"social-credit-ledger/api/internal/commands"
	"social-credit-ledger/api/internal/eventlog"
	"social-credit-ledger/api/internal/httpapi"
	"social-credit-ledger/api/internal/middleware"
	"social-credit-ledger/api/internal/processor"
	"social-credit-ledger/api/internal/repos"
	"social-credit-ledger/shared/authx"
	"social-credit-ledger/shared/cachex"
	"social-credit-ledger/shared/config"
	"social-credit-ledger/shared/dbx"
	"social-credit-ledger/shared/httpx"
	"social-credit-ledger/shared/logx"
	"social-credit-ledger/shared/metricsx"
	"social-credit-ledger/shared/observability"
)

type statusResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Env     string `json:"env,omitempty"`
	Version string `json:"version,omitempty"`
}

func main() {
	cfg, readyProblems := config.Load("api", 8080)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)
	metricsx.Register()

	fatal := func(event string, msg string, err error) {
		logger.Error(context.Background(), event, msg, logx.Failure(logx.CodeFailedPrecondition, err)...)
		os.Exit(1)
	}

	var shutdownTracer func(context.Context) error
	if cfg.OtelEnabled {
		var err error
		shutdownTracer, err = observability.InitTracer(context.Background(), observability.TracerConfig{
			ServiceName: cfg.ServiceName,
			Version:     version,
			Env:         cfg.Env,
			Endpoint:    cfg.OtelEndpoint,
			Insecure:    cfg.OtelInsecure,
			SampleRatio: cfg.OtelSampleRatio,
		})
		if err != nil {
			logger.Error(context.Background(), "otel_init_failed", "otel init failed",
				logx.Failure(logx.CodeFailedPrecondition, err)...,
			)
		}
	}

	// 投影存储: Postgres
	dbPool, err := dbx.NewPool(cfg)
	if err != nil {
		fatal("db_init_failed", "database init failed", err)
	}
	defer dbPool.Close()
	schemaCtx, cancelSchema := context.WithTimeout(context.Background(), 30*time.Second)
	err = dbx.WaitReady(schemaCtx, dbPool, time.Second)
	if err == nil {
		err = repos.EnsureSchema(schemaCtx, dbPool)
	}
	cancelSchema()
	if err != nil {
		fatal("db_schema_failed", "database schema init failed", err)
	}

	// 事件日志、锁与读缓存共用一个 Redis
	cache, err := cachex.New(cfg)
	if err != nil {
		fatal("redis_init_failed", "redis init failed", err)
	}
	defer cache.Close()
	stream, err := eventlog.NewRedisStream(cache.Client(), cfg.EventStream)
	if err != nil {
		fatal("eventlog_init_failed", "event log init failed", err)
	}
	locker, err := bootstrap.Locker(cfg, cache.Client())
	if err != nil {
		fatal("locker_init_failed", "locker init failed", err)
	}

	profiles := repos.NewCachedProfiles(
		repos.NewProfilesRepo(dbPool),
		cache,
		time.Duration(cfg.ProfileCacheTTLSec)*time.Second,
	)
	proc, err := processor.New(profiles, stream, bootstrap.ProcessorOptions(cfg, locker, logger))
	if err != nil {
		fatal("processor_init_failed", "processor init failed", err)
	}

	recoverCtx, cancelRecover := context.WithTimeout(context.Background(), 60*time.Second)
	stats, err := proc.Recover(recoverCtx, stream, cfg.RecoverWindow)
	cancelRecover()
	if err != nil {
		fatal("recover_failed", "startup recovery failed", err)
	}
	logger.Info(context.Background(), "recover_done", "startup recovery finished",
		slog.Int("scanned", stats.Scanned),
		slog.Int("applied", stats.Applied),
		slog.Int("skipped", stats.Skipped),
		slog.Int("malformed", stats.Malformed),
	)

	var verifier middleware.TokenVerifier
	if cfg.AuthEnabled {
		jwtVerifier, err := authx.NewJWTVerifier(cfg.OIDCIssuer, cfg.OIDCAudience, cfg.OIDCJWKSURL, cfg.JWKSTTLSeconds, cfg.JWTClockSkewSec)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "OIDC_ISSUER", Message: "failed to initialize JWT verifier"})
		} else {
			verifier = jwtVerifier
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ok",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
		})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if len(readyProblems) > 0 {
			httpx.WriteError(
				w,
				r,
				http.StatusServiceUnavailable,
				logx.CodeFailedPrecondition,
				"service not ready: invalid configuration",
				map[string]any{"problems": readyProblems},
			)
			return
		}
		if err := dbx.Ping(r.Context(), dbPool); err != nil {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, logx.CodeFailedPrecondition,
				"service not ready: database unavailable", map[string]any{"problem": "db_ping_failed"})
			return
		}
		if err := cache.Ping(r.Context()); err != nil {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, logx.CodeFailedPrecondition,
				"service not ready: redis unavailable", map[string]any{"problem": "redis_ping_failed"})
			return
		}
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ready",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
		})
	})
	mux.Handle("GET /metrics", metricsx.Handler())

	httpapi.New(commands.NewService(proc, profiles, logger), logger).Register(mux)

	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
	})

	handler := httpx.WrapServeMux(mux, notFound)
	handler = middleware.RateLimitMiddleware{
		Limiter: middleware.NewIPRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, 0),
		Skip:    middleware.PublicPaths,
	}.Wrap(handler)
	if cfg.AuthEnabled {
		handler = middleware.AuthMiddleware{
			Verifier: verifier,
			Skip:     middleware.PublicPaths,
		}.Wrap(handler)
	}
	handler = httpx.WithTimeout(cfg.RequestTimeout, handler)
	handler = httpx.WithRequestID(handler)
	handler = httpx.WithRecover(logger, handler)
	handler = metricsx.Instrument(handler, metricsx.MuxRoute(mux))
	handler = httpx.WithRequestLog(logger, httpx.RequestLogOptions{SkipPaths: map[string]bool{"/healthz": true, "/metrics": true}}, handler)
	handler = otelhttp.NewHandler(handler, "http")

	server := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.HTTPPort)),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "service_start", "starting service",
			slog.String("addr", server.Addr),
			slog.Int("http_port", cfg.HTTPPort),
			slog.String("log_level", cfg.LogLevel),
			slog.Int("request_timeout_ms", cfg.RequestTimeoutMS),
			slog.String("event_stream", cfg.EventStream),
			slog.String("lock_mode", cfg.LockMode),
			slog.Bool("auth_enabled", cfg.AuthEnabled),
		)
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "server_failed", "server failed",
				logx.Failure(logx.CodeInternal, err)...,
			)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(context.Background(), "shutdown_failed", "shutdown failed",
			logx.Failure(logx.CodeInternal, err)...,
		)
	}
	if shutdownTracer != nil {
		_ = shutdownTracer(context.Background())
	}
	logger.Info(context.Background(), "service_stop", "service stopped")
}
