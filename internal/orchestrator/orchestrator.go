// Package orchestrator drives a generation session through its stage state
// machine: sequential stages with optional interactive checkpoints, clip
// fan-out at the videos stage, and advisory background work submitted on
// completion. It is the single writer of session stage and outputs.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"reelforge/internal/background"
	"reelforge/internal/config"
	"reelforge/internal/fanout"
	"reelforge/internal/generation"
	"reelforge/internal/intent"
	"reelforge/internal/logging"
	"reelforge/internal/services"
	"reelforge/internal/session"
	"reelforge/internal/stage"
	"reelforge/internal/store"
)

// Sink receives the session events the orchestrator emits.
type Sink interface {
	Publish(evt session.Event)
}

// Request is one run submission.
type Request struct {
	OwnerID     string
	Prompt      string
	Framework   string
	BrandAsset  string
	Interactive bool
	Overrides   Overrides
}

// Overrides optionally adjusts the run's config snapshot at submission.
// Zero values keep the daemon defaults.
type Overrides struct {
	MaxConcurrency      int
	MaxRefineIterations int
	MinClipScore        float64
}

// feedbackNote carries refine or edit input from a directive to the next
// executor invocation of a parked session.
type feedbackNote struct {
	Feedback string
	Subject  string
}

// Orchestrator composes the store, fan-out engine, background runner, and
// intent classifier into the top-level run state machine.
type Orchestrator struct {
	cfg        *config.Config
	store      *store.Store
	sink       Sink
	engine     *fanout.Engine
	runner     *background.Runner
	classifier *intent.Classifier
	executors  map[session.Stage]stage.Executor
	logger     *slog.Logger

	mu      sync.Mutex
	baseCtx context.Context
	driving map[string]bool
	pending map[string]feedbackNote
}

// New constructs an orchestrator. The executors map must cover the story,
// references, and scenes stages.
func New(
	cfg *config.Config,
	st *store.Store,
	sink Sink,
	engine *fanout.Engine,
	runner *background.Runner,
	classifier *intent.Classifier,
	executors map[session.Stage]stage.Executor,
	logger *slog.Logger,
) *Orchestrator {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Orchestrator{
		cfg:        cfg,
		store:      st,
		sink:       sink,
		engine:     engine,
		runner:     runner,
		classifier: classifier,
		executors:  executors,
		logger:     logger.With(logging.String(logging.FieldComponent, "orchestrator")),
		baseCtx:    context.Background(),
		driving:    make(map[string]bool),
		pending:    make(map[string]feedbackNote),
	}
}

// Start binds the orchestrator to the daemon lifetime context and resumes
// sessions that were mid-flight when the daemon last stopped. Parked
// sessions stay parked; they resume on their next directive.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	o.baseCtx = ctx
	o.mu.Unlock()

	active, err := o.store.Active(ctx)
	if err != nil {
		return fmt.Errorf("resume scan: %w", err)
	}
	resumed := 0
	for _, sess := range active {
		if sess.Awaiting {
			continue
		}
		o.startDrive(sess.ID)
		resumed++
	}
	if resumed > 0 {
		o.logger.Info("resumed in-flight sessions", logging.Int("count", resumed))
	}
	return nil
}

// Submit creates a session and starts driving it. It returns the session
// identifier immediately, before any stage work begins.
func (o *Orchestrator) Submit(ctx context.Context, req Request) (string, error) {
	if req.Prompt == "" {
		return "", services.Wrap(services.ErrValidation, "submit", "validate", "prompt is required", nil)
	}

	mode := session.ModeAutomated
	if req.Interactive {
		mode = session.ModeInteractive
	}

	sess := &session.Session{
		ID:         uuid.NewString(),
		OwnerID:    req.OwnerID,
		Prompt:     req.Prompt,
		Framework:  req.Framework,
		BrandAsset: req.BrandAsset,
		Stage:      session.StagePending,
		Mode:       mode,
		Config:     o.runConfig(req.Overrides),
	}
	if err := o.store.SaveSnapshot(ctx, sess); err != nil {
		return "", fmt.Errorf("save session: %w", err)
	}

	o.logger.Info("session submitted",
		logging.String(logging.FieldSessionID, sess.ID),
		logging.String("mode", string(mode)))
	o.startDrive(sess.ID)
	return sess.ID, nil
}

// runConfig snapshots the daemon pipeline limits, applying any overrides.
func (o *Orchestrator) runConfig(ov Overrides) session.RunConfig {
	p := o.cfg.Pipeline
	rc := session.RunConfig{
		MaxConcurrency:      p.MaxConcurrency,
		ClipPollInterval:    p.ClipPollInterval,
		ClipRetryCount:      p.ClipRetryCount,
		StageTimeout:        p.StageTimeout,
		StageRetryCount:     p.StageRetryCount,
		RetryBackoff:        p.RetryBackoff,
		MaxRefineIterations: p.MaxRefineIterations,
		MinClipScore:        p.MinClipScore,
	}
	if ov.MaxConcurrency > 0 {
		rc.MaxConcurrency = ov.MaxConcurrency
	}
	if ov.MaxRefineIterations > 0 {
		rc.MaxRefineIterations = ov.MaxRefineIterations
	}
	if ov.MinClipScore > 0 {
		rc.MinClipScore = ov.MinClipScore
	}
	return rc
}

// startDrive launches the drive loop for a session unless one is already
// running. The claim map keeps a session on a single driver goroutine.
func (o *Orchestrator) startDrive(sessionID string) {
	o.mu.Lock()
	if o.driving[sessionID] {
		o.mu.Unlock()
		return
	}
	o.driving[sessionID] = true
	ctx := o.baseCtx
	o.mu.Unlock()

	go func() {
		defer func() {
			o.mu.Lock()
			delete(o.driving, sessionID)
			o.mu.Unlock()
		}()
		o.drive(services.WithSessionID(ctx, sessionID), sessionID)
	}()
}

// drive advances a session until it parks at a checkpoint or reaches a
// terminal stage. Each iteration reloads the session so directives applied
// between stages are observed.
func (o *Orchestrator) drive(ctx context.Context, sessionID string) {
	logger := o.logger.With(logging.String(logging.FieldSessionID, sessionID))
	for {
		if ctx.Err() != nil {
			return
		}
		sess, err := o.store.LoadSnapshot(ctx, sessionID)
		if err != nil {
			logger.Error("load session failed", logging.Error(err))
			return
		}
		if sess == nil {
			logger.Warn("session vanished mid-drive")
			return
		}
		if sess.Stage.IsTerminal() || sess.Awaiting {
			return
		}

		switch sess.Stage {
		case session.StagePending:
			sess.Stage = session.StageStory
			if err := o.store.Update(ctx, sess); err != nil {
				logger.Warn("pending advance failed", logging.Error(err))
				if !errors.Is(err, store.ErrStale) {
					return
				}
			}
		case session.StageStory, session.StageReferences, session.StageScenes:
			if parked := o.runStage(ctx, sess, logger); parked {
				return
			}
		case session.StageVideos:
			o.runVideos(ctx, sess, logger)
			return
		default:
			logger.Error("unknown stage", logging.String(logging.FieldStage, string(sess.Stage)))
			return
		}
	}
}

// runStage executes the current stage and either advances the session or
// parks it at a checkpoint. It returns true when the drive loop must stop
// (parked or failed).
func (o *Orchestrator) runStage(ctx context.Context, sess *session.Session, logger *slog.Logger) (parked bool) {
	exec, ok := o.executors[sess.Stage]
	if !ok {
		o.failSession(ctx, sess, logger, fmt.Sprintf("no executor for stage %s", sess.Stage))
		return true
	}

	note := o.takeNote(sess.ID)
	req := stage.Request{Session: sess, Feedback: note.Feedback, Subject: note.Subject}

	if err := o.executeWithRetry(ctx, exec, req, sess.Config); err != nil {
		logger.Error("stage failed",
			logging.String(logging.FieldStage, string(sess.Stage)),
			logging.Error(err))
		o.failSession(ctx, sess, logger, services.Details(err).Message)
		return true
	}

	checkpoint := sess.Mode == session.ModeInteractive && sess.Stage.HasCheckpoint()
	if checkpoint {
		sess.Awaiting = true
	} else {
		sess.Stage = sess.Stage.Next()
		sess.Iterations = 0
	}

	if err := o.store.Update(ctx, sess); err != nil {
		logger.Warn("stage persist failed", logging.Error(err))
		return !errors.Is(err, store.ErrStale)
	}

	o.publishCandidate(sess)
	return checkpoint
}

// executeWithRetry runs one executor under the session's timeout and retry
// budget. Permanent errors stop retrying immediately.
func (o *Orchestrator) executeWithRetry(ctx context.Context, exec stage.Executor, req stage.Request, rc session.RunConfig) error {
	attempts := rc.StageRetryCount
	if attempts < 1 {
		attempts = 1
	}
	timeout := time.Duration(rc.StageTimeout) * time.Second

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			backoff := time.Duration(rc.RetryBackoff*(attempt-1)) * time.Second
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
		}

		attemptCtx := ctx
		cancel := context.CancelFunc(func() {})
		if timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		}
		err := exec.Execute(services.WithStage(attemptCtx, exec.Name()), req)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if !services.IsRetryable(err) {
			break
		}
	}
	return lastErr
}

// failSession moves the session to failed and reports the reason.
func (o *Orchestrator) failSession(ctx context.Context, sess *session.Session, logger *slog.Logger, reason string) {
	failing := sess.Stage
	sess.SetFailed(failing, reason)
	if err := o.persistWithReload(ctx, sess, func(fresh *session.Session) {
		fresh.SetFailed(failing, reason)
	}); err != nil {
		logger.Error("failed-state persist failed", logging.Error(err))
	}
	o.publish(session.NewEvent(session.EventError, sess.ID, "", map[string]string{
		"stage":   string(failing),
		"message": reason,
	}))
}

// persistWithReload updates the session, resolving version races by
// reloading and reapplying the mutation.
func (o *Orchestrator) persistWithReload(ctx context.Context, sess *session.Session, apply func(*session.Session)) error {
	err := o.store.Update(ctx, sess)
	if err == nil || !errors.Is(err, store.ErrStale) {
		return err
	}
	for attempt := 0; attempt < 3; attempt++ {
		fresh, loadErr := o.store.LoadSnapshot(ctx, sess.ID)
		if loadErr != nil {
			return loadErr
		}
		if fresh == nil {
			return services.Wrap(services.ErrNotFound, "orchestrator", "persist", "session vanished", nil)
		}
		if fresh.Stage.IsTerminal() {
			return nil
		}
		apply(fresh)
		err = o.store.Update(ctx, fresh)
		if err == nil || !errors.Is(err, store.ErrStale) {
			return err
		}
	}
	return store.ErrStale
}

// runVideos fans out clip generation, persists results, submits advisory
// background work, and completes the run. A batch with zero successes fails
// the run; partial failure completes it with the failed scenes flagged.
func (o *Orchestrator) runVideos(ctx context.Context, sess *session.Session, logger *slog.Logger) {
	tasks := o.clipTasks(sess)
	if len(tasks) == 0 && len(sess.Outputs.Scenes) == 0 {
		o.failSession(ctx, sess, logger, "no scenes to generate")
		return
	}

	results := o.engine.RunAll(ctx, sess.ID, tasks, fanout.Options{
		MaxConcurrency: sess.Config.MaxConcurrency,
		PollInterval:   time.Duration(sess.Config.ClipPollInterval) * time.Second,
		RetryCount:     sess.Config.ClipRetryCount,
	}, o.sink)

	mergeClips(sess, results)

	succeeded := successfulClipURLs(sess)
	if len(succeeded) == 0 {
		o.failSession(ctx, sess, logger, "no clips were generated")
		return
	}

	sess.Stage = session.StageCompleted
	sess.Awaiting = false
	// A background score write can bump the version between the fan-out
	// load and this update; reload and reapply so the run is never left
	// stranded at videos with no driver.
	if err := o.persistWithReload(ctx, sess, func(fresh *session.Session) {
		mergeClips(fresh, results)
		fresh.Stage = session.StageCompleted
		fresh.Awaiting = false
	}); err != nil {
		logger.Error("completion persist failed", logging.Error(err))
		return
	}

	o.submitAdvisory(sess)
	o.publishCandidate(sess)
	o.publish(session.NewEvent(session.EventRunComplete, sess.ID, session.OverallSubject, map[string]any{
		"clips":         len(succeeded),
		"failed_scenes": sess.FailedSceneIDs(),
	}))
	logger.Info("run completed",
		logging.Int("clips", len(succeeded)),
		logging.Int("failed", len(sess.FailedSceneIDs())))
}

// clipTasks builds fan-out tasks for scenes without a successful clip.
func (o *Orchestrator) clipTasks(sess *session.Session) []fanout.Task {
	refs := make([]string, 0, len(sess.Outputs.References))
	for _, ref := range sess.Outputs.References {
		refs = append(refs, ref.AssetURL)
	}

	var tasks []fanout.Task
	for _, scene := range sess.Outputs.Scenes {
		if clip, ok := sess.ClipFor(scene.ID); ok && clip.Status == session.ClipSucceeded {
			continue
		}
		tasks = append(tasks, fanout.Task{
			ID: scene.ID,
			Request: generation.ClipRequest{
				SceneID:       scene.ID,
				Prompt:        scene.Description,
				Duration:      scene.Duration,
				ReferenceURLs: refs,
				Style:         sess.Outputs.Context.Style,
			},
		})
	}
	return tasks
}

// mergeClips folds batch results into the session, preserving clips that
// were not part of this batch.
func mergeClips(sess *session.Session, results []fanout.Result) {
	byScene := make(map[string]session.Clip, len(sess.Outputs.Clips))
	for _, clip := range sess.Outputs.Clips {
		byScene[clip.SceneID] = clip
	}
	for _, res := range results {
		clip := session.Clip{
			SceneID:  res.TaskID,
			Status:   res.Status,
			Progress: res.Progress,
			AssetURL: res.AssetURL,
		}
		if res.Err != nil {
			clip.Error = services.Details(res.Err).Message
		}
		byScene[res.TaskID] = clip
	}

	clips := make([]session.Clip, 0, len(byScene))
	for _, scene := range sess.Outputs.Scenes {
		if clip, ok := byScene[scene.ID]; ok {
			clips = append(clips, clip)
		}
	}
	sess.Outputs.Clips = clips
}

func successfulClipURLs(sess *session.Session) []string {
	var urls []string
	for _, clip := range sess.Outputs.Clips {
		if clip.Status == session.ClipSucceeded {
			urls = append(urls, clip.AssetURL)
		}
	}
	return urls
}

// submitAdvisory queues per-clip scoring and final assembly. These never
// block or fail the run.
func (o *Orchestrator) submitAdvisory(sess *session.Session) {
	if o.runner == nil {
		return
	}
	for _, clip := range sess.Outputs.Clips {
		if clip.Status != session.ClipSucceeded {
			continue
		}
		o.runner.Submit(background.Task{
			Kind:       background.KindScore,
			SessionID:  sess.ID,
			SubjectRef: clip.SceneID,
			AssetURL:   clip.AssetURL,
		})
	}
	o.runner.Submit(background.Task{
		Kind:      background.KindAssemble,
		SessionID: sess.ID,
		ClipURLs:  successfulClipURLs(sess),
	})
}

// publishCandidate emits the current stage's output for client display and,
// at checkpoints, approval.
func (o *Orchestrator) publishCandidate(sess *session.Session) {
	payload := map[string]any{
		"stage":    string(sess.Stage),
		"awaiting": sess.Awaiting,
	}

	// When parked, Stage is the checkpoint whose candidate needs approval;
	// after an advance, Stage already names the next stage, so the produced
	// output belongs to its predecessor.
	produced := sess.Stage
	if !sess.Awaiting {
		switch sess.Stage {
		case session.StageReferences:
			produced = session.StageStory
		case session.StageScenes:
			produced = session.StageReferences
		case session.StageVideos:
			produced = session.StageScenes
		}
	}

	switch produced {
	case session.StageStory:
		payload["story"] = sess.Outputs.Story
	case session.StageReferences:
		payload["references"] = sess.Outputs.References
		payload["context"] = sess.Outputs.Context
	case session.StageScenes:
		payload["scenes"] = sess.Outputs.Scenes
	case session.StageCompleted:
		payload["clips"] = sess.Outputs.Clips
		payload["failed_scenes"] = sess.FailedSceneIDs()
	}
	o.publish(session.NewEvent(session.EventStageResult, sess.ID, "", payload))
}

func (o *Orchestrator) publish(evt session.Event) {
	if o.sink != nil {
		o.sink.Publish(evt)
	}
}

// takeNote removes and returns the pending feedback note for a session.
func (o *Orchestrator) takeNote(sessionID string) feedbackNote {
	o.mu.Lock()
	defer o.mu.Unlock()
	note := o.pending[sessionID]
	delete(o.pending, sessionID)
	return note
}

func (o *Orchestrator) setNote(sessionID string, note feedbackNote) {
	o.mu.Lock()
	o.pending[sessionID] = note
	o.mu.Unlock()
}

// sleep waits for d or context cancellation, reporting whether the full
// duration elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
