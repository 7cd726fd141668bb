// Package fanout runs a batch of independent clip generation jobs under a
// bounded concurrency limit. Each worker polls its job on a fixed interval
// and streams progress events; partial failure is an expected outcome, not
// an error of the batch.
package fanout

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"reelforge/internal/generation"
	"reelforge/internal/logging"
	"reelforge/internal/services"
	"reelforge/internal/session"
)

// Sink receives progress and completion events as the batch runs.
type Sink interface {
	Publish(evt session.Event)
}

// Task is one unit of parallel work: one scene's clip.
type Task struct {
	ID      string
	Request generation.ClipRequest
}

// Result is the terminal outcome of one task. Err is set only for failed
// tasks and carries the last error observed for that task.
type Result struct {
	TaskID   string
	Status   session.ClipStatus
	Progress int
	AssetURL string
	Err      error
}

// progressPayload is the wire payload for task_progress and task_complete.
type progressPayload struct {
	TaskID   string `json:"task_id"`
	Status   string `json:"status"`
	Progress int    `json:"progress"`
	AssetURL string `json:"asset_url,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Options tune one batch run. Zero values fall back to safe defaults.
type Options struct {
	MaxConcurrency int
	PollInterval   time.Duration
	RetryCount     int
}

func (o Options) withDefaults() Options {
	if o.MaxConcurrency < 1 {
		o.MaxConcurrency = 1
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.RetryCount < 0 {
		o.RetryCount = 0
	}
	return o
}

// Engine executes fan-out batches against a clip synthesis service.
type Engine struct {
	clips  generation.ClipService
	logger *slog.Logger
}

// NewEngine constructs a fan-out engine.
func NewEngine(clips generation.ClipService, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Engine{
		clips:  clips,
		logger: logger.With(logging.String(logging.FieldComponent, "fanout")),
	}
}

// RunAll executes every task under the configured concurrency limit and
// returns once all tasks are terminal. Results are returned in task order.
// Canceling ctx stops polling and marks unfinished tasks failed; it does
// not recall work already dispatched to the synthesis service.
func (e *Engine) RunAll(ctx context.Context, sessionID string, tasks []Task, opts Options, sink Sink) []Result {
	opts = opts.withDefaults()
	results := make([]Result, len(tasks))

	sem := semaphore.NewWeighted(int64(opts.MaxConcurrency))
	var wg sync.WaitGroup
	for i := range tasks {
		if err := sem.Acquire(ctx, 1); err != nil {
			for j := i; j < len(tasks); j++ {
				results[j] = Result{
					TaskID: tasks[j].ID,
					Status: session.ClipFailed,
					Err:    services.Wrap(services.ErrTimeout, "videos", "fanout", "batch canceled before dispatch", err),
				}
				e.emit(sink, sessionID, session.EventTaskComplete, results[j])
			}
			break
		}

		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			defer sem.Release(1)
			results[idx] = e.runTask(ctx, sessionID, tasks[idx], opts, sink)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, res := range results {
		if res.Status == session.ClipSucceeded {
			succeeded++
		}
	}
	e.logger.Info("fan-out batch finished",
		logging.String(logging.FieldSessionID, sessionID),
		logging.Int("tasks", len(tasks)),
		logging.Int("succeeded", succeeded))
	return results
}

// runTask drives one task to a terminal status, retrying transient failures
// of this task alone. Progress reported to the sink never decreases.
func (e *Engine) runTask(ctx context.Context, sessionID string, task Task, opts Options, sink Sink) Result {
	result := Result{TaskID: task.ID, Status: session.ClipQueued}
	e.emit(sink, sessionID, session.EventTaskProgress, result)

	var lastErr error
	for attempt := 0; attempt <= opts.RetryCount; attempt++ {
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}
		if attempt > 0 {
			e.logger.Info("retrying clip task",
				logging.String(logging.FieldSessionID, sessionID),
				logging.String(logging.FieldTaskID, task.ID),
				logging.Int("attempt", attempt+1))
		}

		res, err := e.attempt(ctx, sessionID, task, opts, sink, &result)
		if err == nil {
			return res
		}
		lastErr = err
		if !services.IsRetryable(err) {
			break
		}
	}

	result.Status = session.ClipFailed
	result.Err = lastErr
	e.emit(sink, sessionID, session.EventTaskComplete, result)
	e.logger.Warn("clip task failed",
		logging.String(logging.FieldSessionID, sessionID),
		logging.String(logging.FieldTaskID, task.ID),
		logging.Error(lastErr))
	return result
}

// attempt is one start-then-poll cycle. The shared result tracks the high
// water mark of progress across attempts.
func (e *Engine) attempt(ctx context.Context, sessionID string, task Task, opts Options, sink Sink, result *Result) (Result, error) {
	jobID, err := e.clips.StartClip(ctx, task.Request)
	if err != nil {
		return Result{}, services.Wrap(services.ErrExternal, "videos", "start", fmt.Sprintf("clip %s dispatch failed", task.ID), err)
	}

	result.Status = session.ClipRunning
	e.emit(sink, sessionID, session.EventTaskProgress, *result)

	ticker := time.NewTicker(opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return Result{}, services.Wrap(services.ErrTimeout, "videos", "poll", fmt.Sprintf("clip %s polling canceled", task.ID), ctx.Err())
		case <-ticker.C:
		}

		poll, err := e.clips.PollClip(ctx, jobID)
		if err != nil {
			return Result{}, services.Wrap(services.ErrTransient, "videos", "poll", fmt.Sprintf("clip %s poll failed", task.ID), err)
		}

		if poll.Progress > result.Progress {
			result.Progress = poll.Progress
		}

		switch poll.Status {
		case generation.JobSucceeded:
			result.Status = session.ClipSucceeded
			result.Progress = 100
			result.AssetURL = poll.AssetURL
			e.emit(sink, sessionID, session.EventTaskComplete, *result)
			return *result, nil
		case generation.JobFailed:
			message := poll.Message
			if message == "" {
				message = "synthesis failed"
			}
			return Result{}, services.Wrap(services.ErrTransient, "videos", "poll", fmt.Sprintf("clip %s: %s", task.ID, message), nil)
		default:
			e.emit(sink, sessionID, session.EventTaskProgress, *result)
		}
	}
}

func (e *Engine) emit(sink Sink, sessionID string, eventType session.EventType, res Result) {
	if sink == nil {
		return
	}
	payload := progressPayload{
		TaskID:   res.TaskID,
		Status:   string(res.Status),
		Progress: res.Progress,
		AssetURL: res.AssetURL,
	}
	if res.Err != nil {
		payload.Error = services.Details(res.Err).Message
	}
	sink.Publish(session.NewEvent(eventType, sessionID, res.TaskID, payload))
}
