package stages

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"reelforge/internal/generation"
	"reelforge/internal/services"
	"reelforge/internal/session"
	"reelforge/internal/stage"
)

// ReferencesExecutor derives the consistency context from the approved story
// and synthesizes the reference image set. The context it produces is
// immutable afterward: scene writing and clip generation read it as-is.
type ReferencesExecutor struct {
	text  generation.TextService
	image generation.ImageService
}

// NewReferencesExecutor constructs the references stage.
func NewReferencesExecutor(text generation.TextService, image generation.ImageService) *ReferencesExecutor {
	return &ReferencesExecutor{text: text, image: image}
}

// Name identifies the stage in logs and errors.
func (e *ReferencesExecutor) Name() string { return "references" }

// Execute writes the consistency context and reference set into the session.
func (e *ReferencesExecutor) Execute(ctx context.Context, req stage.Request) error {
	sess := req.Session
	if sess == nil {
		return services.Wrap(services.ErrValidation, e.Name(), "execute", "session required", nil)
	}
	if strings.TrimSpace(sess.Outputs.Story) == "" {
		return services.Wrap(services.ErrValidation, e.Name(), "execute", "story output required", nil)
	}

	brief, subjects, err := e.deriveContext(ctx, sess)
	if err != nil {
		return err
	}

	references := make([]session.Reference, 0, len(subjects))
	for _, subject := range subjects {
		result, err := e.image.GenerateImage(ctx, generation.ImageRequest{
			Prompt:     fmt.Sprintf("%s. Style: %s. Palette: %s.", subject, brief.Style, brief.Palette),
			Subject:    subject,
			BrandAsset: sess.BrandAsset,
			Style:      brief.Style,
		})
		if err != nil {
			return services.Wrap(services.ErrExternal, e.Name(), "image", fmt.Sprintf("reference %q failed", subject), err)
		}
		references = append(references, session.Reference{
			ID:       uuid.NewString(),
			Subject:  subject,
			AssetURL: result.AssetURL,
		})
	}

	sess.Outputs.Context = brief
	sess.Outputs.References = references
	return nil
}

func (e *ReferencesExecutor) deriveContext(ctx context.Context, sess *session.Session) (session.ConsistencyContext, []string, error) {
	var empty session.ConsistencyContext

	user := fmt.Sprintf("Story: %s\nProduct brief: %s", sess.Outputs.Story, sess.Prompt)
	content, err := e.text.CompleteJSON(ctx, contextSystemPrompt, user)
	if err != nil {
		return empty, nil, services.Wrap(services.ErrExternal, e.Name(), "complete", "context derivation failed", err)
	}

	var parsed struct {
		Product    string   `json:"product"`
		Characters []string `json:"characters"`
		Style      string   `json:"style"`
		Palette    string   `json:"palette"`
		Narrative  string   `json:"narrative"`
		Subjects   []string `json:"subjects"`
	}
	if err := generation.DecodeModelJSON(content, &parsed); err != nil {
		return empty, nil, services.Wrap(services.ErrExternal, e.Name(), "decode", "context payload malformed", err)
	}
	if len(parsed.Subjects) == 0 {
		return empty, nil, services.Wrap(services.ErrExternal, e.Name(), "decode", "no reference subjects", nil)
	}

	brief := session.ConsistencyContext{
		Product:    strings.TrimSpace(parsed.Product),
		Characters: parsed.Characters,
		Style:      strings.TrimSpace(parsed.Style),
		Palette:    strings.TrimSpace(parsed.Palette),
		Narrative:  strings.TrimSpace(parsed.Narrative),
	}
	return brief, parsed.Subjects, nil
}
