package archive

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
)

type redaction struct {
	re   *regexp.Regexp
	repl string
}

// Order matters: card runs are longer than phone numbers, and a national ID
// is only recognized next to its label.
var redactions = []redaction{
	{regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), "[EMAIL]"},
	{regexp.MustCompile(`\b\d(?:[ -]?\d){12,18}\b`), "[CARD]"},
	{regexp.MustCompile(`(?i)\b(c[eé]dula|documento)\b[^\d]{0,15}[\d.]{6,13}`), "${1} [ID]"},
	{regexp.MustCompile(`\+?(?:\d{1,3}[-.\s]?)?\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}`), "[PHONE]"},
}

// HashPhone returns the hex SHA-256 of a canonical phone number. Archives
// key on it so exports never carry the raw number.
func HashPhone(phone string) string {
	h := sha256.Sum256([]byte(phone))
	return hex.EncodeToString(h[:])
}

// ScrubPII masks emails, card numbers, labelled national IDs and phone
// numbers. Names stay so the exchange remains readable.
func ScrubPII(text string) string {
	for _, r := range redactions {
		text = r.re.ReplaceAllString(text, r.repl)
	}
	return text
}

// ScrubTurns scrubs every turn in place.
func ScrubTurns(turns []Turn) {
	for i := range turns {
		turns[i].Text = ScrubPII(turns[i].Text)
	}
}
