package testsupport

import (
	"context"
	"testing"

	"reelforge/internal/config"
	"reelforge/internal/session"
	"reelforge/internal/store"
)

// MustOpenStore opens a session store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *store.Store {
	t.Helper()

	st, err := store.Open(cfg)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() {
		st.Close()
	})
	return st
}

// NewSession persists a fresh session at the given stage for tests.
func NewSession(t testing.TB, st *store.Store, stage session.Stage) *session.Session {
	t.Helper()

	sess := &session.Session{
		ID:     "sess-" + string(stage) + "-" + t.Name(),
		Prompt: "advertise a reusable water bottle",
		Stage:  stage,
		Mode:   session.ModeAutomated,
		Config: session.RunConfig{
			MaxConcurrency:      2,
			ClipPollInterval:    1,
			ClipRetryCount:      1,
			StageTimeout:        30,
			StageRetryCount:     2,
			RetryBackoff:        1,
			MaxRefineIterations: 3,
		},
	}
	if err := st.SaveSnapshot(context.Background(), sess); err != nil {
		t.Fatalf("store.SaveSnapshot: %v", err)
	}
	return sess
}
