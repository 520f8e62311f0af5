package main

import (
	"context"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"smartattend.org/internal/config"
	"smartattend.org/internal/migrate"
	"smartattend.org/internal/obs"
	"smartattend.org/internal/store/pg"
)

const usage = "usage: migrate [-config file] [-dsn dsn] [-seeds dir] up|down|seed|status"

func main() {
	_ = godotenv.Load()
	var (
		configPath = flag.String("config", os.Getenv("INTEGRITY_CONFIG"), "Path to YAML config")
		dsn        = flag.String("dsn", "", "PostgreSQL DSN, overrides database.dsn")
		seedsPath  = flag.String("seeds", "", "Directory of SQL seed files")
		timeout    = flag.Duration("timeout", 30*time.Second, "Overall timeout")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	logger := obs.NewLogger(cfg.LogOptions())
	defer func() { _ = logger.Sync() }()

	if *dsn == "" {
		*dsn = cfg.Database.DSN
	}
	if *dsn == "" {
		logger.Fatal("missing DSN: provide -dsn, database.dsn or INTEGRITY_DATABASE_DSN")
	}
	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	cmd := flag.Arg(0)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	store, err := pg.Open(*dsn)
	if err != nil {
		logger.Fatal("open database", zap.Error(err))
	}
	defer store.Close()

	var seeds fs.FS
	if *seedsPath != "" {
		seeds = os.DirFS(*seedsPath)
	}
	mgr := migrate.NewManager(store.DB(), migrate.Migrations(), seeds)

	switch cmd {
	case "up":
		err = mgr.Up(ctx)
	case "down":
		err = mgr.Down(ctx)
	case "seed":
		if seeds == nil {
			logger.Fatal("seed requires -seeds")
		}
		err = mgr.Seed(ctx)
	case "status":
		err = printStatus(ctx, mgr)
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		logger.Fatal("migrate failed", zap.String("command", cmd), zap.Error(err))
	}
	logger.Info("migrate done", zap.String("command", cmd))
}

func printStatus(ctx context.Context, mgr *migrate.Manager) error {
	applied, err := mgr.Status(ctx)
	if err != nil {
		return err
	}
	pending, err := mgr.Pending(ctx)
	if err != nil {
		return err
	}
	for _, name := range applied {
		fmt.Println("applied ", name)
	}
	for _, name := range pending {
		fmt.Println("pending ", name)
	}
	return nil
}
