// Package stage declares the contract the orchestrator needs from each
// pipeline stage. Executors are stateless with respect to orchestration:
// they read the session, call model services, and write their result into
// the session's outputs.
package stage

import (
	"context"

	"reelforge/internal/session"
)

// Request carries one stage invocation. Feedback is set when the invocation
// is a refine pass; Subject is set when a single scene is being re-executed.
type Request struct {
	Session  *session.Session
	Feedback string
	Subject  string
}

// Executor executes one pipeline stage.
type Executor interface {
	Name() string
	Execute(ctx context.Context, req Request) error
}
