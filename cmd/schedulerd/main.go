// Command schedulerd wires the task engine's components into a running
// process: the relational task store, the durable retry queue, the cron
// and interval schedule source, the bounded dispatcher, the execution
// runtime, and the crash-recovery sweeper. It is grounded on the teacher's
// services/orchestrator/main.go startup and shutdown sequencing, expanded
// from a single in-memory workflow demo into the full durable engine.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/swarmguard/taskengine/internal/config"
	"github.com/swarmguard/taskengine/internal/dispatcher"
	"github.com/swarmguard/taskengine/internal/liveness"
	"github.com/swarmguard/taskengine/internal/obs"
	"github.com/swarmguard/taskengine/internal/registry"
	"github.com/swarmguard/taskengine/internal/retryqueue"
	"github.com/swarmguard/taskengine/internal/runtime"
	"github.com/swarmguard/taskengine/internal/schedule"
	"github.com/swarmguard/taskengine/internal/store"
	"github.com/swarmguard/taskengine/internal/sweeper"
)

const service = "schedulerd"

func main() {
	cfg := config.Load()
	logger := obs.InitLogging(service)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := obs.InitTracer(ctx, service)
	shutdownMetrics, _ := obs.InitMetrics(ctx, service)

	taskStore, err := store.Open(cfg.StorePath, store.WithMaxResultSize(cfg.MaxResultSize))
	if err != nil {
		logger.Error("failed to open task store", "error", err)
		return
	}
	defer taskStore.Close()

	retryQ, err := retryqueue.Open(cfg.RetryQueuePath)
	if err != nil {
		logger.Error("failed to open retry queue", "error", err)
		return
	}
	defer retryQ.Close()

	reg := registry.New()
	reg.RegisterBuiltins()

	live := liveness.New()
	rt := runtime.New(taskStore, reg, retryQ, live)

	disp := dispatcher.New(taskStore, rt, retryQ, cfg.WorkerPoolSize, logger)
	disp.Start()
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer stopCancel()
		if err := disp.Stop(stopCtx); err != nil {
			logger.Warn("dispatcher stop did not complete cleanly", "error", err)
		}
	}()

	sched := schedule.New(taskStore, retryQ, disp.FireScheduled, logger)
	if err := sched.Start(ctx); err != nil {
		logger.Error("failed to start schedule source", "error", err)
		return
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		_ = sched.Stop(stopCtx)
	}()

	sweep := sweeper.New(taskStore, live, cfg.SweeperInterval, logger)
	sweep.Start()
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		_ = sweep.Stop(stopCtx)
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if _, err := taskStore.Stats(r.Context(), nil); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("store unavailable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("health server error", "error", err)
			cancel()
		}
	}()

	logger.Info("schedulerd started",
		"store_path", cfg.StorePath,
		"retry_queue_path", cfg.RetryQueuePath,
		"worker_pool_size", cfg.WorkerPoolSize,
		"listen_addr", cfg.ListenAddr,
	)

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)

	obs.Flush(shutdownCtx, shutdownTrace)
	_ = shutdownMetrics(shutdownCtx)

	slog.Info("shutdown complete")
}
