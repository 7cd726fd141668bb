package session

import "strings"

// DirectiveKind enumerates the closed set of classified human intents.
type DirectiveKind string

const (
	DirectiveApprove     DirectiveKind = "approve"
	DirectiveRegenerate  DirectiveKind = "regenerate"
	DirectiveRefine      DirectiveKind = "refine"
	DirectiveEditSubject DirectiveKind = "edit_subject"
)

// Directive is the structured outcome of classifying free-text feedback.
// Only the intent classifier inspects message text; everything downstream
// branches on this value.
type Directive struct {
	Kind     DirectiveKind
	Feedback string
	Subject  string
}

// Approve constructs an approval directive.
func Approve() Directive { return Directive{Kind: DirectiveApprove} }

// Regenerate constructs a regenerate directive.
func Regenerate() Directive { return Directive{Kind: DirectiveRegenerate} }

// Refine constructs a refine directive carrying feedback text.
func Refine(feedback string) Directive {
	return Directive{Kind: DirectiveRefine, Feedback: strings.TrimSpace(feedback)}
}

// EditSubject constructs a single-subject edit directive.
func EditSubject(subjectID, text string) Directive {
	return Directive{Kind: DirectiveEditSubject, Subject: subjectID, Feedback: strings.TrimSpace(text)}
}
