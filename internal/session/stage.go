package session

import "strings"

// Stage represents the lifecycle of a generation session.
type Stage string

const (
	StagePending    Stage = "pending"
	StageStory      Stage = "story"
	StageReferences Stage = "references"
	StageScenes     Stage = "scenes"
	StageVideos     Stage = "videos"
	StageCompleted  Stage = "completed"
	StageFailed     Stage = "failed"
)

var stageOrder = []Stage{
	StagePending,
	StageStory,
	StageReferences,
	StageScenes,
	StageVideos,
	StageCompleted,
}

var stageRank = func() map[Stage]int {
	ranks := make(map[Stage]int, len(stageOrder))
	for i, stage := range stageOrder {
		ranks[stage] = i
	}
	return ranks
}()

// AllStages returns the ordered list of pipeline stages, excluding failed.
func AllStages() []Stage {
	cp := make([]Stage, len(stageOrder))
	copy(cp, stageOrder)
	return cp
}

// ParseStage converts a string into a known Stage.
func ParseStage(value string) (Stage, bool) {
	normalized := Stage(strings.ToLower(strings.TrimSpace(value)))
	if normalized == StageFailed {
		return StageFailed, true
	}
	if _, ok := stageRank[normalized]; ok {
		return normalized, true
	}
	return "", false
}

// Next returns the stage that follows s in the pipeline. Terminal stages
// return themselves.
func (s Stage) Next() Stage {
	rank, ok := stageRank[s]
	if !ok || rank >= len(stageOrder)-1 {
		return s
	}
	return stageOrder[rank+1]
}

// IsTerminal reports whether the stage permits no further mutation.
func (s Stage) IsTerminal() bool {
	return s == StageCompleted || s == StageFailed
}

// CanAdvanceTo reports whether moving from s to next honors the forward-only
// invariant: next must be the immediate successor, or failed from any
// non-terminal stage.
func (s Stage) CanAdvanceTo(next Stage) bool {
	if s.IsTerminal() {
		return false
	}
	if next == StageFailed {
		return true
	}
	currentRank, ok := stageRank[s]
	if !ok {
		return false
	}
	nextRank, ok := stageRank[next]
	if !ok {
		return false
	}
	return nextRank == currentRank+1
}

// Label returns the user-facing display name for a stage.
func (s Stage) Label() string {
	switch s {
	case StagePending:
		return "Pending"
	case StageStory:
		return "Story"
	case StageReferences:
		return "References"
	case StageScenes:
		return "Scenes"
	case StageVideos:
		return "Videos"
	case StageCompleted:
		return "Completed"
	case StageFailed:
		return "Failed"
	default:
		return string(s)
	}
}

// HasCheckpoint reports whether the stage pauses for approval in
// interactive mode.
func (s Stage) HasCheckpoint() bool {
	return s == StageStory || s == StageScenes
}
