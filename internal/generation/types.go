package generation

import "context"

// TextService is the chat-completion surface used for story and scene
// writing and the semantic intent fallback.
type TextService interface {
	CompleteJSON(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// ImageRequest describes one reference image to synthesize.
type ImageRequest struct {
	Prompt     string `json:"prompt"`
	Subject    string `json:"subject"`
	BrandAsset string `json:"brand_asset,omitempty"`
	Style      string `json:"style,omitempty"`
}

// ImageResult is a finished reference image.
type ImageResult struct {
	AssetURL string `json:"asset_url"`
}

// ImageService synthesizes reference images synchronously.
type ImageService interface {
	GenerateImage(ctx context.Context, req ImageRequest) (ImageResult, error)
}

// ClipRequest describes one scene's video clip job.
type ClipRequest struct {
	SceneID       string   `json:"scene_id"`
	Prompt        string   `json:"prompt"`
	Duration      int      `json:"duration_seconds"`
	ReferenceURLs []string `json:"reference_urls,omitempty"`
	Style         string   `json:"style,omitempty"`
}

// Clip job states reported by the media service.
const (
	JobQueued    = "queued"
	JobRunning   = "running"
	JobSucceeded = "succeeded"
	JobFailed    = "failed"
)

// ClipPoll is a snapshot of an in-flight clip job.
type ClipPoll struct {
	Status   string `json:"status"`
	Progress int    `json:"progress"`
	AssetURL string `json:"asset_url,omitempty"`
	Message  string `json:"message,omitempty"`
}

// Terminal reports whether the poll snapshot represents a finished job.
func (p ClipPoll) Terminal() bool {
	return p.Status == JobSucceeded || p.Status == JobFailed
}

// ClipService runs long-lived video synthesis jobs. StartClip dispatches
// work and returns a job handle; PollClip reports progress. The service has
// no cancellation API: dispatched work runs to completion server-side.
type ClipService interface {
	StartClip(ctx context.Context, req ClipRequest) (string, error)
	PollClip(ctx context.Context, jobID string) (ClipPoll, error)
}

// ScoreResult is an advisory quality measurement.
type ScoreResult struct {
	Value   float64 `json:"value"`
	Summary string  `json:"summary,omitempty"`
}

// ScoreService measures clip and run quality.
type ScoreService interface {
	ScoreAsset(ctx context.Context, assetURL string) (ScoreResult, error)
}

// AssembleRequest lists the clips to stitch into the final advertisement.
type AssembleRequest struct {
	SessionID string   `json:"session_id"`
	ClipURLs  []string `json:"clip_urls"`
}

// AssembleService produces the final cut from successful clips.
type AssembleService interface {
	Assemble(ctx context.Context, req AssembleRequest) (string, error)
}
