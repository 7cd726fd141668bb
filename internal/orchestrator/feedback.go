package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"reelforge/internal/fanout"
	"reelforge/internal/intent"
	"reelforge/internal/logging"
	"reelforge/internal/services"
	"reelforge/internal/session"
	"reelforge/internal/stage"
	"reelforge/internal/store"
)

// HandleFeedback classifies a free-text message against the session's
// parked checkpoint and applies the resulting directive. It satisfies the
// channel hub's inbound handler contract.
func (o *Orchestrator) HandleFeedback(ctx context.Context, sessionID, message string) error {
	sess, err := o.store.LoadSnapshot(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess == nil {
		return services.Wrap(services.ErrNotFound, "feedback", "load", fmt.Sprintf("session %s", sessionID), nil)
	}
	if sess.Stage.IsTerminal() {
		return services.Wrap(services.ErrValidation, "feedback", "validate", "run already finished", nil)
	}
	if !sess.Awaiting {
		return services.Wrap(services.ErrValidation, "feedback", "validate", "no checkpoint awaiting feedback", nil)
	}

	subjects := make([]string, 0, len(sess.Outputs.Scenes))
	for _, scene := range sess.Outputs.Scenes {
		subjects = append(subjects, scene.ID)
	}

	directive, err := o.classifier.Classify(ctx, message, intent.Context{
		Stage:    sess.Stage,
		Subjects: subjects,
	})
	if err != nil {
		return err
	}
	return o.ApplyDirective(ctx, sess, directive)
}

// ApplyDirective resolves a classified directive against a parked session.
// Duplicate delivery is idempotent: the version check rejects the second
// writer, and a session that already moved on absorbs the directive as a
// no-op.
func (o *Orchestrator) ApplyDirective(ctx context.Context, sess *session.Session, directive session.Directive) error {
	logger := o.logger.With(
		logging.String(logging.FieldSessionID, sess.ID),
		logging.String(logging.FieldStage, string(sess.Stage)))

	switch directive.Kind {
	case session.DirectiveApprove:
		return o.applyAdvance(ctx, sess, logger, "approved")

	case session.DirectiveRegenerate:
		sess.Awaiting = false
		if err := o.store.Update(ctx, sess); err != nil {
			return o.absorbStale(ctx, sess.ID, err)
		}
		logger.Info("regenerate requested")
		o.startDrive(sess.ID)
		return nil

	case session.DirectiveRefine:
		sess.Iterations++
		if sess.Config.MaxRefineIterations > 0 && sess.Iterations > sess.Config.MaxRefineIterations {
			logger.Info("iteration cap reached, advancing with current candidate",
				logging.Int("iterations", sess.Iterations-1))
			return o.applyAdvance(ctx, sess, logger, "iteration cap")
		}
		sess.Awaiting = false
		if err := o.store.Update(ctx, sess); err != nil {
			return o.absorbStale(ctx, sess.ID, err)
		}
		o.setNote(sess.ID, feedbackNote{Feedback: directive.Feedback})
		logger.Info("refine requested", logging.Int("iteration", sess.Iterations))
		o.startDrive(sess.ID)
		return nil

	case session.DirectiveEditSubject:
		return o.applyEdit(ctx, sess, directive)

	default:
		return services.Wrap(services.ErrValidation, "feedback", "apply", fmt.Sprintf("unknown directive %q", directive.Kind), nil)
	}
}

// applyAdvance moves a parked session past its checkpoint.
func (o *Orchestrator) applyAdvance(ctx context.Context, sess *session.Session, logger *slog.Logger, reason string) error {
	next := sess.Stage.Next()
	if !sess.Stage.CanAdvanceTo(next) {
		return services.Wrap(services.ErrValidation, "feedback", "advance", fmt.Sprintf("cannot advance from %s", sess.Stage), nil)
	}
	sess.Stage = next
	sess.Awaiting = false
	sess.Iterations = 0
	if err := o.store.Update(ctx, sess); err != nil {
		return o.absorbStale(ctx, sess.ID, err)
	}
	logger.Info("checkpoint cleared",
		logging.String("reason", reason),
		logging.String("next", string(next)))
	o.startDrive(sess.ID)
	return nil
}

// applyEdit rewrites one scene while the session stays parked at the
// scenes checkpoint.
func (o *Orchestrator) applyEdit(ctx context.Context, sess *session.Session, directive session.Directive) error {
	if sess.Stage != session.StageScenes {
		return services.Wrap(services.ErrValidation, "feedback", "edit", "scene edits apply only at the scenes checkpoint", nil)
	}
	exec, ok := o.executors[session.StageScenes]
	if !ok {
		return services.Wrap(services.ErrConfiguration, "feedback", "edit", "scenes executor missing", nil)
	}

	req := stage.Request{Session: sess, Feedback: directive.Feedback, Subject: directive.Subject}
	if err := o.executeWithRetry(ctx, exec, req, sess.Config); err != nil {
		return err
	}
	if err := o.store.Update(ctx, sess); err != nil {
		return o.absorbStale(ctx, sess.ID, err)
	}
	o.publishCandidate(sess)
	return nil
}

// absorbStale converts a lost version race into success when the session
// has already absorbed an equivalent directive, which is what duplicate
// delivery looks like.
func (o *Orchestrator) absorbStale(ctx context.Context, sessionID string, err error) error {
	if !errors.Is(err, store.ErrStale) {
		return err
	}
	fresh, loadErr := o.store.LoadSnapshot(ctx, sessionID)
	if loadErr != nil {
		return loadErr
	}
	if fresh == nil || fresh.Stage.IsTerminal() || !fresh.Awaiting {
		return nil
	}
	return services.Wrap(services.ErrTransient, "feedback", "apply", "directive lost a concurrent update, retry", err)
}

// RetryClips re-runs fan-out for the session's failed scenes and refreshes
// the final assembly. The run's stage is untouched: clip retry is an
// asynchronous repair, not a new stage transition.
func (o *Orchestrator) RetryClips(ctx context.Context, sessionID string) error {
	sess, err := o.store.LoadSnapshot(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess == nil {
		return services.Wrap(services.ErrNotFound, "retry", "load", fmt.Sprintf("session %s", sessionID), nil)
	}
	if sess.Stage != session.StageCompleted {
		return services.Wrap(services.ErrValidation, "retry", "validate", "clip retry requires a completed run", nil)
	}
	failed := sess.FailedSceneIDs()
	if len(failed) == 0 {
		return services.Wrap(services.ErrValidation, "retry", "validate", "no failed clips to retry", nil)
	}

	o.mu.Lock()
	ctx = o.baseCtx
	o.mu.Unlock()

	go func() {
		results := o.engine.RunAll(ctx, sess.ID, o.clipTasks(sess), fanout.Options{
			MaxConcurrency: sess.Config.MaxConcurrency,
			PollInterval:   time.Duration(sess.Config.ClipPollInterval) * time.Second,
			RetryCount:     sess.Config.ClipRetryCount,
		}, o.sink)

		for attempt := 0; attempt < 5; attempt++ {
			fresh, loadErr := o.store.LoadSnapshot(ctx, sess.ID)
			if loadErr != nil || fresh == nil {
				o.logger.Error("clip retry reload failed",
					logging.String(logging.FieldSessionID, sess.ID),
					logging.Error(loadErr))
				return
			}
			mergeClips(fresh, results)
			updateErr := o.store.Update(ctx, fresh)
			if updateErr == nil {
				o.submitAdvisory(fresh)
				o.publishCandidate(fresh)
				return
			}
			if !errors.Is(updateErr, store.ErrStale) {
				o.logger.Error("clip retry persist failed",
					logging.String(logging.FieldSessionID, sess.ID),
					logging.Error(updateErr))
				return
			}
		}
	}()
	return nil
}
