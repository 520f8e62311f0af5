package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"smartattend.org/internal/auth"
	"smartattend.org/internal/config"
	"smartattend.org/internal/escalation"
	"smartattend.org/internal/httpapi"
	"smartattend.org/internal/integrity"
	"smartattend.org/internal/migrate"
	"smartattend.org/internal/obs"
	"smartattend.org/internal/store/pg"
)

var version = "0.1.0"

func main() {
	_ = godotenv.Load()
	var (
		configPath = flag.String("config", os.Getenv("INTEGRITY_CONFIG"), "Path to YAML config")
		runMigrate = flag.Bool("migrate", false, "Apply embedded migrations before serving")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := obs.NewLogger(cfg.LogOptions())
	defer func() { _ = logger.Sync() }()
	obs.SetLogger(logger)
	obs.Init()
	obs.SetBuildInfo(version)

	opts := integrity.Options{
		Clock:      cfg.ClockOptions(),
		Attendance: cfg.AttendanceOptions(),
		Escalation: cfg.EscalationOptions(),
		Logger:     logger,
	}

	var (
		engine *integrity.Engine
		probe  httpapi.ReadyProbe
		store  *pg.Store
	)
	if cfg.Database.DSN != "" {
		store, err = pg.Open(cfg.Database.DSN)
		if err != nil {
			logger.Fatal("open database", zap.Error(err))
		}
		if *runMigrate {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			err := migrate.NewManager(store.DB(), migrate.Migrations(), nil).Up(ctx)
			cancel()
			if err != nil {
				logger.Fatal("apply migrations", zap.Error(err))
			}
		}
		probe = httpapi.ReadyProbe{DB: store.DB()}
		engine = integrity.New(store.Drift(), store.Attendance(), store.Escalation(), opts)
		logger.Info("using postgres ledgers")
	} else {
		engine = integrity.NewMemory(opts)
		logger.Warn("no database configured, ledgers are in memory only")
	}

	tokens, err := auth.NewTokens(cfg.Auth.Secret, auth.WithIssuer(cfg.Auth.Issuer))
	if err != nil {
		logger.Fatal("auth", zap.Error(err))
	}

	api := httpapi.New(engine, tokens,
		httpapi.WithReadiness(probe),
		httpapi.WithVersion(version),
		httpapi.WithLogger(logger),
		httpapi.WithRateLimit(cfg.RateLimit.Burst, cfg.RateLimit.PerSecond),
	)
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	health := httpapi.NewHealthServer(probe)
	grpcSrv := grpc.NewServer()
	health.Register(grpcSrv)
	go health.Run(ctx, 10*time.Second)

	var sweeper *escalation.Sweeper
	if cfg.Sweep.Enabled {
		sweeper, err = escalation.NewSweeper(engine.Detector(), cfg.Sweep.Schedule, logger)
		if err != nil {
			logger.Fatal("sweeper", zap.Error(err))
		}
		sweeper.Start()
	}

	go func() {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			logger.Fatal("grpc listen", zap.Error(err))
		}
		if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			logger.Error("grpc serve", zap.Error(err))
		}
	}()

	go func() {
		logger.Info("starting integrity api", zap.String("version", version), zap.String("addr", srv.Addr), zap.String("grpc_addr", cfg.GRPC.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if sweeper != nil {
		sweeper.Stop(shutdownCtx)
	}
	_ = srv.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()
	if store != nil {
		_ = store.Close()
	}
	logger.Info("stopped")
}
