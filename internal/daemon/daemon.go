// Package daemon owns the long-running process: single-instance locking,
// component wiring, the HTTP API, and the websocket channel endpoint.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"reelforge/internal/background"
	"reelforge/internal/channel"
	"reelforge/internal/config"
	"reelforge/internal/fanout"
	"reelforge/internal/generation"
	"reelforge/internal/intent"
	"reelforge/internal/logging"
	"reelforge/internal/orchestrator"
	"reelforge/internal/session"
	"reelforge/internal/stage"
	"reelforge/internal/stages"
	"reelforge/internal/store"
)

// Daemon composes the session store, channel hub, background pool, and
// orchestrator behind one HTTP surface.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	store  *store.Store
	hub    *channel.Hub
	runner *background.Runner
	orch   *orchestrator.Orchestrator
	lock   *flock.Flock
	server *http.Server
}

// New wires a daemon from configuration. The store is opened here; the
// worker pools start in Run.
func New(cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	if logger == nil {
		logger = logging.NewNop()
	}

	st, err := store.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	text := generation.NewChatClient(cfg.LLM)
	media := generation.NewMediaClient(cfg.Media, nil)

	hub := channel.NewHub(cfg.Channel, st, logger)
	engine := fanout.NewEngine(media, logger)
	runner := background.NewRunner(cfg.Background, media, media, st, hub, logger)
	classifier := intent.New(text, logger)

	executors := map[session.Stage]stage.Executor{
		session.StageStory:      stages.NewStoryExecutor(text),
		session.StageReferences: stages.NewReferencesExecutor(text, media),
		session.StageScenes:     stages.NewScenesExecutor(text),
	}

	orch := orchestrator.New(cfg, st, hub, engine, runner, classifier, executors, logger)
	hub.SetHandler(orch)

	d := &Daemon{
		cfg:    cfg,
		logger: logger.With(logging.String(logging.FieldComponent, "daemon")),
		store:  st,
		hub:    hub,
		runner: runner,
		orch:   orch,
		lock:   flock.New(filepath.Join(cfg.Paths.DataDir, "reelforge.lock")),
	}
	d.server = &http.Server{
		Addr:              cfg.Paths.APIBind,
		Handler:           d.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return d, nil
}

// Run acquires the instance lock, starts the worker pools, and serves the
// API until ctx is canceled.
func (d *Daemon) Run(ctx context.Context) error {
	locked, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("instance lock: %w", err)
	}
	if !locked {
		return errors.New("another reelforge daemon is already running")
	}
	defer func() {
		_ = d.lock.Unlock()
	}()

	d.runner.Start(ctx)
	defer d.runner.Stop()

	if err := d.orch.Start(ctx); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		d.logger.Info("api listening", logging.String("bind", d.cfg.Paths.APIBind))
		if serveErr := d.server.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			errCh <- serveErr
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		d.logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.server.Shutdown(shutdownCtx); err != nil {
		d.logger.Warn("server shutdown", logging.Error(err))
	}
	d.hub.Close()
	return d.store.Close()
}
