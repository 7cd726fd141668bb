// Package testsupport provides shared fixtures for package tests: seeded
// configs with per-test temp directories, store openers, and session
// builders.
package testsupport

import (
	"path/filepath"
	"testing"

	"reelforge/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*config.Config)

// NewConfig produces a config seeded with unique temp directories per test.
// Pipeline intervals are shortened so tests never wait on wall-clock
// defaults.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.DataDir = filepath.Join(base, "data")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Paths.AssetDir = filepath.Join(base, "assets")
	cfg.Paths.APIBind = "127.0.0.1:0"
	cfg.Pipeline.ClipPollInterval = 1
	cfg.Pipeline.RetryBackoff = 1
	cfg.Pipeline.StageTimeout = 30
	cfg.LLM.APIKey = "test"
	cfg.Media.APIKey = "test"

	for _, opt := range opts {
		opt(&cfg)
	}
	return &cfg
}

// WithMaxConcurrency overrides the fan-out concurrency limit.
func WithMaxConcurrency(limit int) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Pipeline.MaxConcurrency = limit
	}
}

// WithRefineCap overrides the refine iteration cap.
func WithRefineCap(limit int) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Pipeline.MaxRefineIterations = limit
	}
}
