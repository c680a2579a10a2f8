// Package intent classifies a contact's text reply into the coarse intents
// the conversation state machine branches on.
package intent

import (
	"context"
	"strings"
)

// Intent is the classified meaning of a contact reply.
type Intent string

const (
	Affirmative   Intent = "affirmative"
	Negative      Intent = "negative"
	Ambiguous     Intent = "ambiguous"
	HardRejection Intent = "hard_rejection"
)

// Parse maps a label to an Intent. Unknown labels are reported as not ok.
func Parse(raw string) (Intent, bool) {
	switch i := Intent(strings.ToLower(strings.TrimSpace(raw))); i {
	case Affirmative, Negative, Ambiguous, HardRejection:
		return i, true
	}
	return "", false
}

// Classifier labels one reply.
type Classifier interface {
	Classify(ctx context.Context, text string) (Intent, error)
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(ctx context.Context, text string) (Intent, error)

func (f ClassifierFunc) Classify(ctx context.Context, text string) (Intent, error) {
	return f(ctx, text)
}
