// testserver starts the conversion API with a scripted in-memory engine so
// the HTTP surface can be exercised without onnxsim or onnxoptimizer installed.
// Usage: go run ./cmd/testserver
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/zengqingfu1442/onnx-simplifier/internal/api"
	"github.com/zengqingfu1442/onnx-simplifier/internal/dispatch"
	"github.com/zengqingfu1442/onnx-simplifier/internal/jobs"
	"github.com/zengqingfu1442/onnx-simplifier/internal/onnx"
	"github.com/zengqingfu1442/onnx-simplifier/internal/onnx/onnxtest"
	"github.com/zengqingfu1442/onnx-simplifier/internal/store"
)

func main() {
	addr := ":8080"
	if v := os.Getenv("CONVERTMODEL_LISTEN_ADDR"); v != "" {
		addr = v
	}

	db, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	fake := &onnxtest.Engine{
		Stdout: []string{"[stub] loading model", "[stub] converting", "[stub] done"},
		Convert: func(call onnxtest.Call) ([]byte, error) {
			time.Sleep(500 * time.Millisecond)
			return call.Model, nil
		},
		PassCatalog: onnx.Catalog{
			Passes:                []string{"eliminate_deadend", "eliminate_identity", "fuse_bn_into_conv"},
			FuseEliminationPasses: []string{"eliminate_deadend", "eliminate_identity", "fuse_bn_into_conv"},
		},
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	m := jobs.NewManager(db, logger)
	pool := dispatch.NewPool(context.Background(), 2, fake.Opener(), m, logger, dispatch.DefaultQueueSize)
	defer pool.Stop()
	m.Attach(pool)

	srv := api.NewServer(addr, db, m, pool, logger)

	logger.Info("testserver: starting", "addr", addr)
	if err := srv.Run(context.Background()); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
