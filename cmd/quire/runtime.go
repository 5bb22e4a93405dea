package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/quirehq/quire/internal/config"
	"github.com/quirehq/quire/internal/conversation"
	"github.com/quirehq/quire/internal/engine"
	"github.com/quirehq/quire/internal/jobs"
	"github.com/quirehq/quire/internal/sandbox"
	"github.com/quirehq/quire/internal/storage"
	"github.com/quirehq/quire/internal/usecase"
)

// runtime is everything a process that executes operations needs.
type runtime struct {
	store     *storage.Store
	engine    *engine.Engine
	backend   *usecase.Backend
	scheduler *jobs.Scheduler
}

func setupLogging(cfg config.Config) {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel()})))
}

func openRuntime(cfg config.Config) (*runtime, error) {
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	eng := engine.New(cfg.Engine())
	backend := usecase.NewBackend(store, usecase.Options{
		Sandbox:   sandbox.New(cfg.Sandbox.Timeout),
		Inference: eng.Service,
		Settings:  cfg.Settings(),
		Logger:    slog.Default(),
	})
	sched := jobs.New(backend, cfg.Jobs.PollInterval)
	registerJobs(sched)

	return &runtime{store: store, engine: eng, backend: backend, scheduler: sched}, nil
}

// registerJobs binds every background job name to its operation.
func registerJobs(s *jobs.Scheduler) {
	s.Register(conversation.JobProcess, usecase.HandlerFor(conversation.Process))
}

func (r *runtime) Close() {
	if err := r.engine.Close(); err != nil {
		slog.Warn("closing inference provider", "error", err)
	}
	if err := r.store.Close(); err != nil {
		slog.Warn("closing storage", "error", err)
	}
}
