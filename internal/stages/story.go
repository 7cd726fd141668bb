// Package stages implements the concrete pipeline stage executors: story
// writing, reference derivation, and scene breakdown. Clip generation is
// not a stage executor; the orchestrator hands it to the fan-out engine.
package stages

import (
	"context"
	"fmt"
	"strings"

	"reelforge/internal/generation"
	"reelforge/internal/services"
	"reelforge/internal/stage"
)

// StoryExecutor writes or refines the advertisement story treatment.
type StoryExecutor struct {
	text generation.TextService
}

// NewStoryExecutor constructs the story stage.
func NewStoryExecutor(text generation.TextService) *StoryExecutor {
	return &StoryExecutor{text: text}
}

// Name identifies the stage in logs and errors.
func (e *StoryExecutor) Name() string { return "story" }

// Execute writes the story into the session outputs. A refine pass includes
// the prior candidate and the user's feedback in the prompt.
func (e *StoryExecutor) Execute(ctx context.Context, req stage.Request) error {
	sess := req.Session
	if sess == nil {
		return services.Wrap(services.ErrValidation, e.Name(), "execute", "session required", nil)
	}
	if strings.TrimSpace(sess.Prompt) == "" {
		return services.Wrap(services.ErrValidation, e.Name(), "execute", "prompt required", nil)
	}

	var user strings.Builder
	fmt.Fprintf(&user, "Product brief: %s\n", sess.Prompt)
	if sess.Framework != "" {
		fmt.Fprintf(&user, "Narrative framework: %s\n", sess.Framework)
	}
	if sess.BrandAsset != "" {
		fmt.Fprintf(&user, "Brand asset: %s\n", sess.BrandAsset)
	}
	if req.Feedback != "" && sess.Outputs.Story != "" {
		fmt.Fprintf(&user, "Previous story: %s\n", sess.Outputs.Story)
		fmt.Fprintf(&user, "Revise according to this feedback: %s\n", req.Feedback)
	}

	content, err := e.text.CompleteJSON(ctx, storySystemPrompt, user.String())
	if err != nil {
		return services.Wrap(services.ErrExternal, e.Name(), "complete", "story generation failed", err)
	}

	var parsed struct {
		Story string `json:"story"`
	}
	if err := generation.DecodeModelJSON(content, &parsed); err != nil {
		return services.Wrap(services.ErrExternal, e.Name(), "decode", "story payload malformed", err)
	}
	if strings.TrimSpace(parsed.Story) == "" {
		return services.Wrap(services.ErrExternal, e.Name(), "decode", "story payload empty", nil)
	}

	sess.Outputs.Story = strings.TrimSpace(parsed.Story)
	return nil
}
