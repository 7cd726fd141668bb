package config

import (
	"errors"
	"fmt"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePipeline(); err != nil {
		return err
	}
	if err := c.validateChannel(); err != nil {
		return err
	}
	if err := c.validateBackground(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validatePipeline() error {
	if err := ensurePositiveMap(map[string]int{
		"pipeline.max_concurrency":       c.Pipeline.MaxConcurrency,
		"pipeline.clip_poll_interval":    c.Pipeline.ClipPollInterval,
		"pipeline.stage_timeout":         c.Pipeline.StageTimeout,
		"pipeline.retry_backoff":         c.Pipeline.RetryBackoff,
		"pipeline.max_refine_iterations": c.Pipeline.MaxRefineIterations,
	}); err != nil {
		return err
	}
	if c.Pipeline.StageRetryCount < 0 {
		return errors.New("pipeline.stage_retry_count must not be negative")
	}
	if c.Pipeline.ClipRetryCount < 0 {
		return errors.New("pipeline.clip_retry_count must not be negative")
	}
	if c.Pipeline.MinClipScore < 0 || c.Pipeline.MinClipScore > 1 {
		return errors.New("pipeline.min_clip_score must be between 0 and 1")
	}
	return nil
}

func (c *Config) validateChannel() error {
	if err := ensurePositiveMap(map[string]int{
		"channel.heartbeat_interval": c.Channel.HeartbeatInterval,
		"channel.heartbeat_misses":   c.Channel.HeartbeatMisses,
		"channel.replay_buffer_size": c.Channel.ReplayBufferSize,
		"channel.resume_window":      c.Channel.ResumeWindow,
	}); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateBackground() error {
	return ensurePositiveMap(map[string]int{
		"background.workers":    c.Background.Workers,
		"background.queue_size": c.Background.QueueSize,
	})
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format)
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
