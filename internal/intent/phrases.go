package intent

import (
	"context"
	"regexp"
	"strings"
)

// hardRejectionPatterns match replies that end the campaign for a contact
// regardless of how many persuasion attempts remain.
var hardRejectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^\s*(stop|stopall|unsubscribe|cancel|end|quit)\s*[.!]*\s*$`),
	regexp.MustCompile(`(?i)\b(don'?t|do\s+not|never)\s+(contact|call|text|message)\s+me\b`),
	regexp.MustCompile(`(?i)\bremove\s+me\b`),
	regexp.MustCompile(`(?i)\btake\s+me\s+off\b`),
	regexp.MustCompile(`(?i)\bleave\s+me\s+alone\b`),
	regexp.MustCompile(`(?i)\bwrong\s+number\b`),
	regexp.MustCompile(`(?i)\bno\s+me\s+(vuelva[ns]?\s+a\s+)?(llam[ae]\w*|escrib\w*|contact\w*)`),
	regexp.MustCompile(`(?i)\bno\s+(vuelva[ns]?\s+a\s+)?(llamar|escribir)(me)?\b`),
	regexp.MustCompile(`(?i)\bb[oó]rr[ae]?(me|nme)\b`),
	regexp.MustCompile(`(?i)\bd[eé]j(ame|enme)\s+(en\s+paz|tranquil[oa])\b`),
	regexp.MustCompile(`(?i)\bn[uú]mero\s+equivocado\b`),
	regexp.MustCompile(`(?i)\bdenunciar\b`),
}

// PhraseDetector recognizes hard rejections and opt-outs.
type PhraseDetector struct {
	patterns []*regexp.Regexp
}

// NewPhraseDetector returns a detector with the built-in English and Spanish
// phrases plus any extra patterns.
func NewPhraseDetector(extra ...*regexp.Regexp) *PhraseDetector {
	patterns := make([]*regexp.Regexp, 0, len(hardRejectionPatterns)+len(extra))
	patterns = append(patterns, hardRejectionPatterns...)
	for _, p := range extra {
		if p != nil {
			patterns = append(patterns, p)
		}
	}
	return &PhraseDetector{patterns: patterns}
}

// IsHardRejection reports whether text matches any rejection phrase.
func (d *PhraseDetector) IsHardRejection(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	for _, pat := range d.patterns {
		if pat.MatchString(text) {
			return true
		}
	}
	return false
}

// Classify returns HardRejection on a match and Ambiguous otherwise.
func (d *PhraseDetector) Classify(_ context.Context, text string) (Intent, error) {
	if d.IsHardRejection(text) {
		return HardRejection, nil
	}
	return Ambiguous, nil
}
