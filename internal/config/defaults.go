package config

const (
	defaultDataDir  = "~/.local/share/reelforge"
	defaultLogDir   = "~/.local/share/reelforge/logs"
	defaultAssetDir = "~/.local/share/reelforge/assets"
	defaultAPIBind  = "127.0.0.1:7823"

	defaultMaxConcurrency      = 5
	defaultClipPollInterval    = 2
	defaultClipRetryCount      = 2
	defaultStageTimeout        = 300
	defaultStageRetryCount     = 3
	defaultRetryBackoff        = 5
	defaultMaxRefineIterations = 3
	defaultMinClipScore        = 0.6

	defaultHeartbeatInterval = 15
	defaultHeartbeatMisses   = 3
	defaultReplayBufferSize  = 256
	defaultResumeWindow      = 1800

	defaultBackgroundWorkers   = 2
	defaultBackgroundQueueSize = 64

	defaultLLMBaseURL        = "https://openrouter.ai/api/v1/chat/completions"
	defaultLLMModel          = "google/gemini-3-flash-preview"
	defaultLLMTimeoutSeconds = 60

	defaultMediaTimeoutSeconds = 120

	defaultLogFormat = "console"
	defaultLogLevel  = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir:  defaultDataDir,
			LogDir:   defaultLogDir,
			AssetDir: defaultAssetDir,
			APIBind:  defaultAPIBind,
		},
		Pipeline: Pipeline{
			MaxConcurrency:      defaultMaxConcurrency,
			ClipPollInterval:    defaultClipPollInterval,
			ClipRetryCount:      defaultClipRetryCount,
			StageTimeout:        defaultStageTimeout,
			StageRetryCount:     defaultStageRetryCount,
			RetryBackoff:        defaultRetryBackoff,
			MaxRefineIterations: defaultMaxRefineIterations,
			MinClipScore:        defaultMinClipScore,
		},
		Channel: Channel{
			HeartbeatInterval: defaultHeartbeatInterval,
			HeartbeatMisses:   defaultHeartbeatMisses,
			ReplayBufferSize:  defaultReplayBufferSize,
			ResumeWindow:      defaultResumeWindow,
		},
		Background: Background{
			Workers:   defaultBackgroundWorkers,
			QueueSize: defaultBackgroundQueueSize,
		},
		LLM: LLM{
			BaseURL:        defaultLLMBaseURL,
			Model:          defaultLLMModel,
			TimeoutSeconds: defaultLLMTimeoutSeconds,
		},
		Media: Media{
			TimeoutSeconds: defaultMediaTimeoutSeconds,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
