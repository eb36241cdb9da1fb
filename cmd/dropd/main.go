package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"keydrop/config"
	"keydrop/core/events"
	"keydrop/core/promise"
	"keydrop/core/state"
	"keydrop/gateway/middleware"
	"keydrop/gateway/routes"
	"keydrop/gateway/stream"
	"keydrop/integrations/chaincall"
	"keydrop/integrations/journal"
	"keydrop/integrations/webhooks"
	"keydrop/native/drops"
	"keydrop/observability"
	"keydrop/observability/logging"
	telemetry "keydrop/observability/otel"
	"keydrop/storage"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.toml", "path to dropd configuration")
	flag.Parse()

	if err := run(cfgPath); err != nil {
		fmt.Fprintf(os.Stderr, "dropd: %v\n", err)
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	env := cfg.Environment
	if override := strings.TrimSpace(os.Getenv("KEYDROP_ENV")); override != "" {
		env = override
	}
	logger := logging.SetupWithOptions("dropd", env, logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Enabled {
		shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
			ServiceName: "dropd",
			Environment: env,
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
			Headers:     cfg.Telemetry.Headers,
			Metrics:     cfg.Telemetry.Metrics,
			Traces:      cfg.Telemetry.Traces,
			SampleRatio: cfg.Telemetry.SampleRatio,
		})
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		defer func() {
			if shutdownTelemetry != nil {
				_ = shutdownTelemetry(context.Background())
			}
		}()
	}

	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "state"))
	if err != nil {
		return fmt.Errorf("open state: %w", err)
	}
	defer db.Close()
	manager := state.NewManager(db)

	executor, err := chaincall.New(chaincall.Config{
		Endpoint:  cfg.Executor.Endpoint,
		AuthToken: cfg.Executor.AuthToken,
		Signer:    cfg.ContractAccount,
		Timeout:   time.Duration(cfg.Executor.TimeoutSeconds) * time.Second,
		Retries:   cfg.Executor.Retries,
	}, chaincall.WithLogger(logger))
	if err != nil {
		return err
	}
	scheduler := promise.NewScheduler(executor,
		promise.WithMaxParallel(cfg.Scheduler.MaxParallelBranches),
		promise.WithLogger(logger))

	gas, err := cfg.GasSchedule()
	if err != nil {
		return err
	}
	deposit, err := cfg.AccountDeposit()
	if err != nil {
		return err
	}

	emitters := events.MultiEmitter{observability.Events()}
	if cfg.Journal.Driver != "" {
		journalDB, err := journal.Open(cfg.Journal.Driver, cfg.Journal.DSN)
		if err != nil {
			return err
		}
		if sqlDB, err := journalDB.DB(); err == nil {
			defer sqlDB.Close()
		}
		claims := journal.New(journalDB, logger)
		defer claims.Close()
		emitters = append(emitters, claims)
		logger.Info("claim journal enabled", slog.String("driver", cfg.Journal.Driver))
	}

	if endpoint := strings.TrimSpace(cfg.Webhook.Endpoint); endpoint != "" {
		opts := []webhooks.Option{webhooks.WithLogger(logger)}
		if cfg.Webhook.RefundsOnly {
			opts = append(opts, webhooks.WithRefundsOnly())
		}
		dispatcher, err := webhooks.NewDispatcher(endpoint, []byte(cfg.Webhook.Secret), opts...)
		if err != nil {
			return err
		}
		defer dispatcher.Close()
		emitters = append(emitters, dispatcher)
		logger.Info("settlement webhooks enabled",
			slog.String("endpoint", endpoint),
			logging.MaskField("secret", cfg.Webhook.Secret))
	}

	var hub *stream.Hub
	if cfg.Stream.Enabled {
		hub = stream.NewHub(logger, cfg.CORS.AllowedOrigins)
		emitters = append(emitters, hub)
	}

	engine := drops.NewEngine()
	engine.SetState(manager)
	engine.SetScheduler(scheduler)
	engine.SetAccountCreator(drops.RootAccountCreator{Root: cfg.RootAccount, Deposit: deposit})
	if err := engine.SetGasSchedule(gas); err != nil {
		return err
	}
	engine.SetEmitter(emitters)
	engine.SetLogger(logger)
	engine.SetMetrics(observability.Drops())

	gatewayMetrics := observability.Gateway()
	auth := middleware.NewAuthenticator(middleware.AuthConfig{
		Enabled:    cfg.Auth.Enabled,
		HMACSecret: cfg.Auth.HMACSecret,
		Issuer:     cfg.Auth.Issuer,
		Audience:   cfg.Auth.Audience,
	}, logger)
	if auth.Enabled() {
		logger.Info("funder view auth enabled",
			slog.String("issuer", cfg.Auth.Issuer),
			logging.MaskField("hmac_secret", cfg.Auth.HMACSecret))
	}
	routerCfg := routes.Config{
		Engine:        engine,
		RateLimiter:   middleware.NewRateLimiter(middleware.RateLimit{RatePerSecond: cfg.RateLimit.RequestsPerSecond, Burst: cfg.RateLimit.Burst}, gatewayMetrics, logger),
		Observability: middleware.NewObservability("dropd-gateway", gatewayMetrics, logger, true),
		Auth:          auth,
		CORS:          middleware.CORSConfig{AllowedOrigins: cfg.CORS.AllowedOrigins},
		WaitTimeout:   time.Duration(cfg.WaitTimeoutSeconds) * time.Second,
		Logger:        logger,
	}
	if hub != nil {
		routerCfg.Stream = hub
	}
	router := routes.New(routerCfg)
	handler := http.Handler(router)
	if cfg.Telemetry.Enabled && cfg.Telemetry.Traces {
		handler = otelhttp.NewHandler(router, "dropd")
	}

	server := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("dropd listening", slog.String("addr", cfg.ListenAddress))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	}

	drain := time.Duration(cfg.Scheduler.DrainSeconds) * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drain)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("gateway shutdown", slog.Any("error", err))
	}

	drained := make(chan struct{})
	go func() {
		scheduler.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		logger.Info("in-flight claims settled")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timed out with claims in flight", slog.Int("pending", engine.Pending()))
	}
	return nil
}
