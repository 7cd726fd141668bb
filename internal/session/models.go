package session

import (
	"strings"
	"time"
)

// Mode selects between checkpointed and fully automated runs.
type Mode string

const (
	ModeInteractive Mode = "interactive"
	ModeAutomated   Mode = "automated"
)

// ParseMode converts a string into a known Mode.
func ParseMode(value string) (Mode, bool) {
	switch Mode(strings.ToLower(strings.TrimSpace(value))) {
	case ModeInteractive:
		return ModeInteractive, true
	case ModeAutomated, "":
		return ModeAutomated, true
	default:
		return "", false
	}
}

// RunConfig is the immutable snapshot of run parameters captured at
// submission. It is persisted with the session so a run's behavior stays
// reproducible even if daemon configuration changes mid-flight.
type RunConfig struct {
	MaxConcurrency      int     `json:"max_concurrency"`
	ClipPollInterval    int     `json:"clip_poll_interval"`
	ClipRetryCount      int     `json:"clip_retry_count"`
	StageTimeout        int     `json:"stage_timeout"`
	StageRetryCount     int     `json:"stage_retry_count"`
	RetryBackoff        int     `json:"retry_backoff"`
	MaxRefineIterations int     `json:"max_refine_iterations"`
	MinClipScore        float64 `json:"min_clip_score"`
}

// ConsistencyContext is derived once at the references stage and attached
// read-only to every later stage that needs visual and narrative coherence.
type ConsistencyContext struct {
	Product    string   `json:"product"`
	Characters []string `json:"characters,omitempty"`
	Style      string   `json:"style"`
	Palette    string   `json:"palette,omitempty"`
	Narrative  string   `json:"narrative,omitempty"`
}

// Reference is one generated reference image.
type Reference struct {
	ID       string `json:"id"`
	Subject  string `json:"subject"`
	AssetURL string `json:"asset_url"`
}

// Scene is one unit of the storyboard and the subject of one fan-out clip.
type Scene struct {
	ID          string `json:"id"`
	Index       int    `json:"index"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Duration    int    `json:"duration_seconds"`
}

// ClipStatus tracks one clip's terminal outcome within a fan-out batch.
type ClipStatus string

const (
	ClipQueued    ClipStatus = "queued"
	ClipRunning   ClipStatus = "running"
	ClipSucceeded ClipStatus = "succeeded"
	ClipFailed    ClipStatus = "failed"
)

// Clip is the persisted result of one fan-out task.
type Clip struct {
	SceneID  string     `json:"scene_id"`
	Status   ClipStatus `json:"status"`
	Progress int        `json:"progress"`
	AssetURL string     `json:"asset_url,omitempty"`
	Error    string     `json:"error,omitempty"`
}

// Score is an advisory quality result produced by the background runner.
// Unavailable scores render as such; they never fail a run.
type Score struct {
	Available bool    `json:"available"`
	Value     float64 `json:"value,omitempty"`
	Summary   string  `json:"summary,omitempty"`
}

// OverallSubject is the score subject covering the assembled run.
const OverallSubject = "overall"

// Outputs collects per-stage results. Each field is owned by the
// orchestrator except Scores, which is reserved for the background runner.
type Outputs struct {
	Story      string             `json:"story,omitempty"`
	References []Reference        `json:"references,omitempty"`
	Context    ConsistencyContext `json:"context,omitempty"`
	Scenes     []Scene            `json:"scenes,omitempty"`
	Clips      []Clip             `json:"clips,omitempty"`
	FinalAsset string             `json:"final_asset,omitempty"`
	Scores     map[string]Score   `json:"scores,omitempty"`
}

// Session is one end-to-end generation run. Stage and Outputs follow a
// single-writer discipline: only the orchestrator mutates them, with the
// sole exception of Outputs.Scores.
type Session struct {
	ID         string
	OwnerID    string
	Prompt     string
	Framework  string
	BrandAsset string
	Stage      Stage
	Mode       Mode
	Awaiting   bool
	Iterations int
	Outputs    Outputs
	Config     RunConfig
	Error      string
	CreatedAt  time.Time
	UpdatedAt  time.Time

	// Version guards read-modify-write cycles in the store. Every
	// successful update increments it; stale writers are rejected.
	Version int64
}

// SetFailed marks the session failed with the given human-readable reason.
func (s *Session) SetFailed(stage Stage, message string) {
	s.Stage = StageFailed
	s.Awaiting = false
	s.Error = strings.TrimSpace(stage.Label() + ": " + message)
}

// ClipFor returns the persisted clip for a scene, if present.
func (s *Session) ClipFor(sceneID string) (Clip, bool) {
	for _, clip := range s.Outputs.Clips {
		if clip.SceneID == sceneID {
			return clip, true
		}
	}
	return Clip{}, false
}

// SceneByID returns the scene with the given identifier, if present.
func (s *Session) SceneByID(id string) (Scene, bool) {
	for _, scene := range s.Outputs.Scenes {
		if scene.ID == id {
			return scene, true
		}
	}
	return Scene{}, false
}

// Clone returns a deep copy safe to hand across goroutine boundaries.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Outputs.References = append([]Reference(nil), s.Outputs.References...)
	cp.Outputs.Context.Characters = append([]string(nil), s.Outputs.Context.Characters...)
	cp.Outputs.Scenes = append([]Scene(nil), s.Outputs.Scenes...)
	cp.Outputs.Clips = append([]Clip(nil), s.Outputs.Clips...)
	if s.Outputs.Scores != nil {
		cp.Outputs.Scores = make(map[string]Score, len(s.Outputs.Scores))
		for subject, score := range s.Outputs.Scores {
			cp.Outputs.Scores[subject] = score
		}
	}
	return &cp
}

// FailedSceneIDs lists scenes whose clips failed and await manual retry.
func (s *Session) FailedSceneIDs() []string {
	var ids []string
	for _, clip := range s.Outputs.Clips {
		if clip.Status == ClipFailed {
			ids = append(ids, clip.SceneID)
		}
	}
	return ids
}
