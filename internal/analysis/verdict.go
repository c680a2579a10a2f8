package analysis

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/paradixe-xz/evaInstance-sub000/internal/contacts"
	"github.com/paradixe-xz/evaInstance-sub000/internal/llm"
)

// PriorityFor maps a verdict's interest level onto a hand-off priority.
func PriorityFor(level contacts.InterestLevel) contacts.Priority {
	switch level {
	case contacts.InterestHigh:
		return contacts.PriorityHigh
	case contacts.InterestMedium:
		return contacts.PriorityNormal
	default:
		return contacts.PriorityLow
	}
}

// VerdictValidationFailure describes why a reasoning-service answer could not
// be used. The pipeline recovers from it with a manual-review verdict.
type VerdictValidationFailure struct {
	Reason string
	Raw    string
	Err    error
}

func (e *VerdictValidationFailure) Error() string {
	msg := "analysis: invalid verdict: " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *VerdictValidationFailure) Unwrap() error {
	return e.Err
}

type rawVerdict struct {
	InterestLevel *string   `json:"interestLevel"`
	Objections    *[]string `json:"objections"`
	Summary       *string   `json:"summary"`
	NextAction    *string   `json:"nextAction"`
}

// ParseVerdict decodes {interestLevel, objections, summary, nextAction} from
// a model answer, tolerating code fences and surrounding prose. Every field
// must be present.
func ParseVerdict(text string) (contacts.Verdict, error) {
	body := llm.ExtractJSONObject(text)
	if strings.TrimSpace(body) == "" {
		return contacts.Verdict{}, &VerdictValidationFailure{Reason: "empty response", Raw: text}
	}
	var raw rawVerdict
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return contacts.Verdict{}, &VerdictValidationFailure{Reason: "malformed JSON", Raw: text, Err: err}
	}

	var missing []string
	if raw.InterestLevel == nil {
		missing = append(missing, "interestLevel")
	}
	if raw.Objections == nil {
		missing = append(missing, "objections")
	}
	if raw.Summary == nil || strings.TrimSpace(*raw.Summary) == "" {
		missing = append(missing, "summary")
	}
	if raw.NextAction == nil || strings.TrimSpace(*raw.NextAction) == "" {
		missing = append(missing, "nextAction")
	}
	if len(missing) > 0 {
		return contacts.Verdict{}, &VerdictValidationFailure{Reason: "missing " + strings.Join(missing, ", "), Raw: text}
	}

	level := contacts.InterestLevel(strings.ToLower(strings.TrimSpace(*raw.InterestLevel)))
	if !level.Valid() {
		return contacts.Verdict{}, &VerdictValidationFailure{Reason: fmt.Sprintf("unknown interestLevel %q", *raw.InterestLevel), Raw: text}
	}

	objections := make([]string, 0, len(*raw.Objections))
	for _, o := range *raw.Objections {
		if o = strings.TrimSpace(o); o != "" {
			objections = append(objections, o)
		}
	}
	return contacts.Verdict{
		InterestLevel: level,
		Objections:    objections,
		Summary:       strings.TrimSpace(*raw.Summary),
		NextAction:    strings.TrimSpace(*raw.NextAction),
		Priority:      PriorityFor(level),
	}, nil
}

// fallbackVerdict is the safe default recorded when no usable verdict exists.
func fallbackVerdict(reason string) contacts.Verdict {
	return contacts.Verdict{
		InterestLevel: contacts.InterestNone,
		Objections:    []string{},
		Summary:       "Automatic analysis unavailable: " + reason,
		NextAction:    "manual_review",
		Priority:      contacts.PriorityLow,
		ManualReview:  true,
	}
}
