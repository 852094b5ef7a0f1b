package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/zengqingfu1442/onnx-simplifier/internal/api"
	"github.com/zengqingfu1442/onnx-simplifier/internal/config"
	"github.com/zengqingfu1442/onnx-simplifier/internal/dispatch"
	"github.com/zengqingfu1442/onnx-simplifier/internal/jobs"
	"github.com/zengqingfu1442/onnx-simplifier/internal/onnx"
	"github.com/zengqingfu1442/onnx-simplifier/internal/store"
)

func main() {
	if err := run(); err != nil {
		log.Printf("convertmodel: %v", err)
		os.Exit(1)
	}
}

// run returns after every deferred cleanup so main can exit non-zero safely.
func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	out, closeLog := config.LogOutput(os.Stdout, cfg.LogFile)
	defer closeLog()
	logger := config.NewLogger(out, cfg.Level(), cfg.LogFormat)

	logger.Info("convertmodel: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"workers", cfg.Workers,
	)

	profile, err := config.LoadEngineProfile(cfg.EngineConfig)
	if err != nil {
		return fmt.Errorf("load engine profile: %w", err)
	}

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)

	m := jobs.NewManager(db, logger)
	pool := dispatch.NewPool(ctx, cfg.Workers, onnx.NewExecOpener(profile.ExecOptions()), m, logger, cfg.QueueSize)
	defer pool.Stop()
	m.Attach(pool)

	go func() {
		if err := pool.Wait(ctx); err != nil {
			cancel(err)
			return
		}
		logger.Info("conversion engines ready", "available", pool.Available())
	}()

	srv := api.NewServer(cfg.ListenAddr, db, m, pool, logger, api.WithMaxBodySize(cfg.MaxModelBytes()))
	if err := srv.Run(ctx); err != nil {
		return err
	}

	if err := context.Cause(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("no conversion engine could be initialized", "error", err)
		return err
	}
	return nil
}
