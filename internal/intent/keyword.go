package intent

import (
	"context"
	"strings"
	"unicode"
)

var affirmativeWords = map[string]struct{}{
	"yes": {}, "yeah": {}, "yep": {}, "sure": {}, "ok": {}, "okay": {}, "interested": {},
	"si": {}, "sí": {}, "claro": {}, "dale": {}, "bueno": {}, "listo": {}, "vale": {},
	"perfecto": {}, "interesa": {}, "acepto": {}, "adelante": {}, "llamame": {}, "llámame": {},
}

var negativeWords = map[string]struct{}{
	"no": {}, "nope": {}, "nah": {}, "not": {}, "busy": {}, "later": {},
	"ocupado": {}, "ocupada": {}, "luego": {}, "despues": {}, "después": {}, "nunca": {},
	"tampoco": {},
}

var affirmativePhrases = []string{
	"of course", "sounds good", "go ahead", "call me", "por supuesto", "me interesa",
	"de acuerdo", "con gusto", "puede llamar", "pueden llamar",
}

var negativePhrases = []string{
	"not interested", "no thanks", "no thank you", "no gracias", "no me interesa",
	"no estoy interesad", "no tengo tiempo", "no puedo", "ahora no",
}

// KeywordClassifier is a deterministic lexical classifier used when the
// reasoning service is unavailable.
type KeywordClassifier struct{}

func NewKeywordClassifier() KeywordClassifier { return KeywordClassifier{} }

func (KeywordClassifier) Classify(_ context.Context, text string) (Intent, error) {
	return classifyKeywords(text), nil
}

func classifyKeywords(text string) Intent {
	lower := strings.ToLower(strings.TrimSpace(text))
	if lower == "" {
		return Ambiguous
	}
	for _, phrase := range negativePhrases {
		if strings.Contains(lower, phrase) {
			return Negative
		}
	}
	for _, phrase := range affirmativePhrases {
		if strings.Contains(lower, phrase) {
			return Affirmative
		}
	}

	words := strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
	var yes, no int
	for _, w := range words {
		if _, ok := affirmativeWords[w]; ok {
			yes++
		}
		if _, ok := negativeWords[w]; ok {
			no++
		}
	}
	switch {
	case yes > 0 && no == 0:
		return Affirmative
	case no > 0 && yes == 0:
		return Negative
	default:
		return Ambiguous
	}
}
