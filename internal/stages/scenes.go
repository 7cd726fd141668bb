package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"reelforge/internal/generation"
	"reelforge/internal/services"
	"reelforge/internal/session"
	"reelforge/internal/stage"
)

// ScenesExecutor breaks the story into the scene list that seeds clip
// fan-out. When a request names a subject, only that scene is rewritten.
type ScenesExecutor struct {
	text generation.TextService
}

// NewScenesExecutor constructs the scenes stage.
func NewScenesExecutor(text generation.TextService) *ScenesExecutor {
	return &ScenesExecutor{text: text}
}

// Name identifies the stage in logs and errors.
func (e *ScenesExecutor) Name() string { return "scenes" }

// Execute writes the scene list into the session outputs.
func (e *ScenesExecutor) Execute(ctx context.Context, req stage.Request) error {
	sess := req.Session
	if sess == nil {
		return services.Wrap(services.ErrValidation, e.Name(), "execute", "session required", nil)
	}
	if strings.TrimSpace(sess.Outputs.Story) == "" {
		return services.Wrap(services.ErrValidation, e.Name(), "execute", "story output required", nil)
	}

	if req.Subject != "" {
		return e.editScene(ctx, req)
	}
	return e.writeScenes(ctx, req)
}

func (e *ScenesExecutor) writeScenes(ctx context.Context, req stage.Request) error {
	sess := req.Session

	var user strings.Builder
	fmt.Fprintf(&user, "Story: %s\n", sess.Outputs.Story)
	fmt.Fprintf(&user, "Visual brief: %s\n", briefSummary(sess.Outputs.Context))
	if req.Feedback != "" && len(sess.Outputs.Scenes) > 0 {
		previous, _ := json.Marshal(sess.Outputs.Scenes)
		fmt.Fprintf(&user, "Previous scenes: %s\n", previous)
		fmt.Fprintf(&user, "Revise according to this feedback: %s\n", req.Feedback)
	}

	content, err := e.text.CompleteJSON(ctx, scenesSystemPrompt, user.String())
	if err != nil {
		return services.Wrap(services.ErrExternal, e.Name(), "complete", "scene writing failed", err)
	}

	var parsed struct {
		Scenes []struct {
			Title       string `json:"title"`
			Description string `json:"description"`
			Duration    int    `json:"duration_seconds"`
		} `json:"scenes"`
	}
	if err := generation.DecodeModelJSON(content, &parsed); err != nil {
		return services.Wrap(services.ErrExternal, e.Name(), "decode", "scenes payload malformed", err)
	}
	if len(parsed.Scenes) == 0 {
		return services.Wrap(services.ErrExternal, e.Name(), "decode", "scenes payload empty", nil)
	}

	scenes := make([]session.Scene, 0, len(parsed.Scenes))
	for i, raw := range parsed.Scenes {
		scenes = append(scenes, session.Scene{
			ID:          uuid.NewString(),
			Index:       i + 1,
			Title:       strings.TrimSpace(raw.Title),
			Description: strings.TrimSpace(raw.Description),
			Duration:    raw.Duration,
		})
	}
	sess.Outputs.Scenes = scenes
	return nil
}

// editScene rewrites a single scene in place, preserving its identifier and
// position so already-generated siblings stay untouched.
func (e *ScenesExecutor) editScene(ctx context.Context, req stage.Request) error {
	sess := req.Session
	target, ok := sess.SceneByID(req.Subject)
	if !ok {
		return services.Wrap(services.ErrNotFound, e.Name(), "edit", fmt.Sprintf("scene %s not found", req.Subject), nil)
	}

	var user strings.Builder
	fmt.Fprintf(&user, "Visual brief: %s\n", briefSummary(sess.Outputs.Context))
	fmt.Fprintf(&user, "Scene title: %s\n", target.Title)
	fmt.Fprintf(&user, "Scene description: %s\n", target.Description)
	fmt.Fprintf(&user, "Instruction: %s\n", req.Feedback)

	content, err := e.text.CompleteJSON(ctx, sceneEditSystemPrompt, user.String())
	if err != nil {
		return services.Wrap(services.ErrExternal, e.Name(), "complete", "scene edit failed", err)
	}

	var parsed struct {
		Scene struct {
			Title       string `json:"title"`
			Description string `json:"description"`
			Duration    int    `json:"duration_seconds"`
		} `json:"scene"`
	}
	if err := generation.DecodeModelJSON(content, &parsed); err != nil {
		return services.Wrap(services.ErrExternal, e.Name(), "decode", "scene edit payload malformed", err)
	}
	if strings.TrimSpace(parsed.Scene.Description) == "" {
		return services.Wrap(services.ErrExternal, e.Name(), "decode", "scene edit payload empty", nil)
	}

	for i := range sess.Outputs.Scenes {
		if sess.Outputs.Scenes[i].ID == target.ID {
			sess.Outputs.Scenes[i].Title = strings.TrimSpace(parsed.Scene.Title)
			sess.Outputs.Scenes[i].Description = strings.TrimSpace(parsed.Scene.Description)
			if parsed.Scene.Duration > 0 {
				sess.Outputs.Scenes[i].Duration = parsed.Scene.Duration
			}
			break
		}
	}
	return nil
}

func briefSummary(brief session.ConsistencyContext) string {
	parts := make([]string, 0, 5)
	if brief.Product != "" {
		parts = append(parts, "product "+brief.Product)
	}
	if len(brief.Characters) > 0 {
		parts = append(parts, "characters "+strings.Join(brief.Characters, "; "))
	}
	if brief.Style != "" {
		parts = append(parts, "style "+brief.Style)
	}
	if brief.Palette != "" {
		parts = append(parts, "palette "+brief.Palette)
	}
	if brief.Narrative != "" {
		parts = append(parts, "narrative "+brief.Narrative)
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ", ")
}
