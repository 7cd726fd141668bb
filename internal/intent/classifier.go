// Package intent maps free-text checkpoint feedback to a structured
// directive. A deterministic rule tier over a small fixed vocabulary
// handles the common case; longer open-ended feedback falls back to a
// semantic classification call.
package intent

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/cases"

	"reelforge/internal/generation"
	"reelforge/internal/logging"
	"reelforge/internal/services"
	"reelforge/internal/session"
)

// Context carries the pipeline state the classifier needs: the stage the
// feedback answers and the ordered subject identifiers at that stage.
type Context struct {
	Stage    session.Stage
	Subjects []string
}

// semanticThreshold is the minimum folded-message length before the
// classifier pays for a semantic call instead of defaulting to refine.
const semanticThreshold = 12

var affirmativePhrases = map[string]struct{}{
	"yes": {}, "y": {}, "ok": {}, "okay": {}, "sure": {},
	"approve": {}, "approved": {}, "accept": {}, "accepted": {},
	"looks good": {}, "lgtm": {}, "good": {}, "great": {}, "perfect": {},
	"continue": {}, "proceed": {}, "go ahead": {}, "next": {}, "ship it": {},
}

var regeneratePhrases = map[string]struct{}{
	"no": {}, "redo": {}, "regenerate": {}, "again": {}, "retry": {},
	"try again": {}, "start over": {}, "another": {}, "another one": {},
	"do it again": {}, "new version": {},
}

var editScenePattern = regexp.MustCompile(`^(?:edit|change|update|rewrite|fix)\s+scene\s+(\d+)\b[\s:,.-]*(.*)$`)

// Classifier is the two-tier feedback classifier. The semantic tier is
// optional; without it unmatched feedback becomes a refine directive.
type Classifier struct {
	text   generation.TextService
	folder cases.Caser
	logger *slog.Logger
}

// New constructs a classifier. text may be nil to disable the semantic tier.
func New(text generation.TextService, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Classifier{
		text:   text,
		folder: cases.Fold(),
		logger: logger.With(logging.String(logging.FieldComponent, "intent")),
	}
}

// Classify maps a message to a directive. The rule tier is deterministic;
// results from the semantic tier depend on the external classifier.
func (c *Classifier) Classify(ctx context.Context, message string, cc Context) (session.Directive, error) {
	folded := strings.TrimSpace(c.folder.String(message))
	folded = strings.TrimRight(folded, "!.")
	if folded == "" {
		return session.Directive{}, services.Wrap(services.ErrValidation, "intent", "classify", "empty feedback", nil)
	}

	if directive, ok := c.classifyByRule(folded, cc); ok {
		c.logger.Debug("rule tier matched", logging.String("kind", string(directive.Kind)))
		return directive, nil
	}

	if c.text != nil && len(folded) >= semanticThreshold {
		directive, err := c.classifySemantic(ctx, message, cc)
		if err == nil {
			return directive, nil
		}
		c.logger.Warn("semantic classification failed, treating as refine", logging.Error(err))
	}

	return session.Refine(strings.TrimSpace(message)), nil
}

func (c *Classifier) classifyByRule(folded string, cc Context) (session.Directive, bool) {
	if _, ok := affirmativePhrases[folded]; ok {
		return session.Approve(), true
	}
	if _, ok := regeneratePhrases[folded]; ok {
		return session.Regenerate(), true
	}

	if match := editScenePattern.FindStringSubmatch(folded); match != nil {
		index, err := strconv.Atoi(match[1])
		if err != nil || index < 1 || index > len(cc.Subjects) {
			return session.Directive{}, false
		}
		return session.EditSubject(cc.Subjects[index-1], strings.TrimSpace(match[2])), true
	}

	return session.Directive{}, false
}

func (c *Classifier) classifySemantic(ctx context.Context, message string, cc Context) (session.Directive, error) {
	var user strings.Builder
	fmt.Fprintf(&user, "Stage: %s\n", cc.Stage)
	fmt.Fprintf(&user, "Subject count: %d\n", len(cc.Subjects))
	fmt.Fprintf(&user, "Message: %s\n", message)

	content, err := c.text.CompleteJSON(ctx, classifySystemPrompt, user.String())
	if err != nil {
		return session.Directive{}, services.Wrap(services.ErrExternal, "intent", "complete", "semantic classification failed", err)
	}

	var parsed struct {
		Kind         string `json:"kind"`
		Feedback     string `json:"feedback"`
		SubjectIndex int    `json:"subject_index"`
	}
	if err := generation.DecodeModelJSON(content, &parsed); err != nil {
		return session.Directive{}, services.Wrap(services.ErrExternal, "intent", "decode", "classification payload malformed", err)
	}

	switch session.DirectiveKind(parsed.Kind) {
	case session.DirectiveApprove:
		return session.Approve(), nil
	case session.DirectiveRegenerate:
		return session.Regenerate(), nil
	case session.DirectiveRefine:
		feedback := parsed.Feedback
		if feedback == "" {
			feedback = message
		}
		return session.Refine(feedback), nil
	case session.DirectiveEditSubject:
		if parsed.SubjectIndex < 1 || parsed.SubjectIndex > len(cc.Subjects) {
			return session.Refine(message), nil
		}
		return session.EditSubject(cc.Subjects[parsed.SubjectIndex-1], parsed.Feedback), nil
	default:
		return session.Directive{}, services.Wrap(services.ErrExternal, "intent", "decode", fmt.Sprintf("unknown directive kind %q", parsed.Kind), nil)
	}
}

const classifySystemPrompt = `You classify feedback on a generated advertisement draft.
Respond with JSON only:
{"kind": "approve"|"regenerate"|"refine"|"edit_subject", "feedback": "<instruction text, empty for approve>", "subject_index": <1-based scene number, 0 if not applicable>}
Use "approve" when the user is satisfied, "regenerate" when they want a fresh
attempt with no guidance, "refine" when they give guidance for the whole draft,
and "edit_subject" only when they target one numbered scene.`
