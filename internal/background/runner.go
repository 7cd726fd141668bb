// Package background executes advisory work (clip scoring, final assembly)
// on a worker pool isolated from request handling and the generation
// pipeline. Submission never blocks, and a background failure never touches
// the terminal state of the session that spawned it.
package background

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"reelforge/internal/config"
	"reelforge/internal/generation"
	"reelforge/internal/logging"
	"reelforge/internal/session"
	"reelforge/internal/store"
)

// Kind identifies what a background task does.
type Kind string

const (
	KindScore    Kind = "score"
	KindAssemble Kind = "assemble"
)

// Task is one unit of detached work. SubjectRef is the clip's scene ID for
// per-clip scores, or session.OverallSubject for run-level work.
type Task struct {
	ID         string
	Kind       Kind
	SessionID  string
	SubjectRef string
	AssetURL   string
	ClipURLs   []string
}

// Sink receives the score_ready and run_complete events the runner emits.
type Sink interface {
	Publish(evt session.Event)
}

// scorePayload is the wire payload for score_ready events.
type scorePayload struct {
	Subject   string  `json:"subject"`
	Available bool    `json:"available"`
	Value     float64 `json:"value,omitempty"`
	Summary   string  `json:"summary,omitempty"`
}

// assemblePayload is the wire payload for run_complete events.
type assemblePayload struct {
	Available bool   `json:"available"`
	AssetURL  string `json:"asset_url,omitempty"`
}

// Runner is the background worker pool.
type Runner struct {
	scorer    generation.ScoreService
	assembler generation.AssembleService
	store     *store.Store
	sink      Sink
	logger    *slog.Logger

	workers int
	tasks   chan Task

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewRunner constructs a runner sized by the background pool configuration.
func NewRunner(cfg config.Background, scorer generation.ScoreService, assembler generation.AssembleService, st *store.Store, sink Sink, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = logging.NewNop()
	}
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	queue := cfg.QueueSize
	if queue < 1 {
		queue = 1
	}
	return &Runner{
		scorer:    scorer,
		assembler: assembler,
		store:     st,
		sink:      sink,
		logger:    logger.With(logging.String(logging.FieldComponent, "background")),
		workers:   workers,
		tasks:     make(chan Task, queue),
	}
}

// Start launches the worker pool. Calling Start twice is a no-op.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go r.worker(runCtx)
	}
	r.logger.Info("background pool started", logging.Int("workers", r.workers))
}

// Stop cancels in-flight work and waits for the workers to exit. Tasks left
// in the queue are abandoned; their results stay unavailable.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	cancel := r.cancel
	r.mu.Unlock()

	cancel()
	r.wg.Wait()
}

// Submit enqueues a task and returns immediately. It reports false when the
// queue is full; the task is then dropped and its result stays unavailable,
// which is the same soft-failure contract a failed task has.
func (r *Runner) Submit(task Task) bool {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	select {
	case r.tasks <- task:
		return true
	default:
		r.logger.Warn("background queue full, dropping task",
			logging.String(logging.FieldTaskID, task.ID),
			logging.String(logging.FieldSessionID, task.SessionID),
			logging.String("kind", string(task.Kind)))
		r.emitUnavailable(task)
		return false
	}
}

func (r *Runner) worker(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-r.tasks:
			r.run(ctx, task)
		}
	}
}

// run executes one task. Errors are logged and surfaced as unavailable
// results, never returned.
func (r *Runner) run(ctx context.Context, task Task) {
	switch task.Kind {
	case KindScore:
		r.runScore(ctx, task)
	case KindAssemble:
		r.runAssemble(ctx, task)
	default:
		r.logger.Warn("unknown background task kind", logging.String("kind", string(task.Kind)))
	}
}

func (r *Runner) runScore(ctx context.Context, task Task) {
	result, err := r.scorer.ScoreAsset(ctx, task.AssetURL)
	if err != nil {
		r.logger.Warn("scoring failed",
			logging.String(logging.FieldSessionID, task.SessionID),
			logging.String(logging.FieldSubject, task.SubjectRef),
			logging.Error(err))
		r.recordScore(ctx, task, session.Score{Available: false})
		return
	}
	r.recordScore(ctx, task, session.Score{
		Available: true,
		Value:     result.Value,
		Summary:   result.Summary,
	})
}

func (r *Runner) recordScore(ctx context.Context, task Task, score session.Score) {
	if err := r.store.WriteScore(ctx, task.SessionID, task.SubjectRef, score); err != nil {
		r.logger.Warn("score persist failed",
			logging.String(logging.FieldSessionID, task.SessionID),
			logging.Error(err))
	}
	if r.sink != nil {
		r.sink.Publish(session.NewEvent(session.EventScoreReady, task.SessionID, task.SubjectRef, scorePayload{
			Subject:   task.SubjectRef,
			Available: score.Available,
			Value:     score.Value,
			Summary:   score.Summary,
		}))
	}
}

func (r *Runner) runAssemble(ctx context.Context, task Task) {
	assetURL, err := r.assembler.Assemble(ctx, generation.AssembleRequest{
		SessionID: task.SessionID,
		ClipURLs:  task.ClipURLs,
	})
	if err != nil {
		r.logger.Warn("assembly failed",
			logging.String(logging.FieldSessionID, task.SessionID),
			logging.Error(err))
		r.publishAssembly(task, assemblePayload{Available: false})
		return
	}
	if err := r.store.WriteFinalAsset(ctx, task.SessionID, assetURL); err != nil {
		r.logger.Warn("final asset persist failed",
			logging.String(logging.FieldSessionID, task.SessionID),
			logging.Error(err))
	}
	r.publishAssembly(task, assemblePayload{Available: true, AssetURL: assetURL})
}

func (r *Runner) publishAssembly(task Task, payload assemblePayload) {
	if r.sink == nil {
		return
	}
	r.sink.Publish(session.NewEvent(session.EventRunComplete, task.SessionID, session.OverallSubject, payload))
}

// emitUnavailable surfaces a dropped or canceled task as an unavailable
// result so clients see "unavailable" instead of silence.
func (r *Runner) emitUnavailable(task Task) {
	switch task.Kind {
	case KindScore:
		if r.sink != nil {
			r.sink.Publish(session.NewEvent(session.EventScoreReady, task.SessionID, task.SubjectRef, scorePayload{
				Subject:   task.SubjectRef,
				Available: false,
			}))
		}
	case KindAssemble:
		r.publishAssembly(task, assemblePayload{Available: false})
	}
}
