package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"rezrewards/auth"
	"rezrewards/catalog"
	"rezrewards/config"
	"rezrewards/enrollment"
	"rezrewards/impact"
	"rezrewards/ledger"
	"rezrewards/models"
	"rezrewards/observability"
	"rezrewards/observability/logging"
	"rezrewards/observability/otel"
	"rezrewards/recon"
	"rezrewards/rewards"
	"rezrewards/server"
)

const serviceName = "rewardsd"

func main() {
	if err := run(); err != nil {
		slog.Error("rewardsd exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	var logOut io.Writer = os.Stdout
	if cfg.LogFile != "" {
		logOut = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    100, // megabytes
			MaxBackups: 7,
			MaxAge:     28,
			Compress:   true,
		})
	}
	logger := logging.Setup(serviceName, cfg.Env, logOut)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if otelCfg := otel.FromEnv(serviceName, cfg.Env); otelCfg.Enabled() {
		shutdown, err := otel.Init(ctx, otelCfg)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.Error("telemetry shutdown failed", slog.String("error", err.Error()))
			}
		}()
	}

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	if err != nil {
		return err
	}
	if err := models.AutoMigrate(db); err != nil {
		return err
	}

	var wallet rewards.WalletClient
	if cfg.WalletBaseURL != "" {
		wallet = rewards.NewHTTPWallet(cfg.WalletBaseURL, cfg.WalletAPIKey, cfg.WalletTimeout(), logger)
	} else {
		logger.Warn("no wallet endpoint configured, rez coin credits are logged only")
		wallet = rewards.NewNoopWallet(logger)
	}

	engine := ledger.NewEngine(db,
		ledger.WithLogger(logger),
		ledger.WithMetrics(observability.Ledger()))
	stats := impact.NewAggregator(db, impact.WithLogger(logger))
	coordinator := rewards.NewCoordinator(engine, stats, wallet,
		rewards.WithLogger(logger),
		rewards.WithMetrics(observability.Enrollments()))
	enrollments := enrollment.NewService(db, coordinator, stats,
		enrollment.WithLogger(logger),
		enrollment.WithMetrics(observability.Enrollments()),
		enrollment.WithOTPTTL(cfg.OTPTTL()),
		enrollment.WithQRTTL(cfg.QRTTL()),
		enrollment.WithDefaultCheckInRadius(cfg.DefaultCheckInRadiusM))

	srv := server.New(server.Config{
		DB:                  db,
		Ledger:              engine,
		Enrollments:         enrollments,
		Catalog:             catalog.NewService(db, catalog.WithLogger(logger)),
		Impact:              stats,
		Verifier:            auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer, cfg.DevAuth),
		Logger:              logger,
		VerifyRatePerMinute: float64(cfg.VerifyRatePerMinute),
		VerifyRateBurst:     cfg.VerifyRateBurst,
	})

	reconciler, err := recon.NewReconciler(recon.Config{
		DB:      db,
		Logger:  logger,
		Metrics: observability.Recon(),
	})
	if err != nil {
		return err
	}
	scheduler := recon.NewScheduler(recon.SchedulerConfig{
		Reconciler: reconciler,
		RunHour:    cfg.ReconRunHour,
		RunMinute:  cfg.ReconRunMinute,
		Logger:     logger,
	})
	go scheduler.Start(ctx)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      srv.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("rewardsd listening", slog.String("addr", httpServer.Addr))
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}
