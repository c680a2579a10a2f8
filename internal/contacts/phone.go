package contacts

import (
	"fmt"
	"strings"
)

// NormalizePhone canonicalizes a phone number into an E.164-like string.
// Ten-digit numbers are assumed to be NANP and get a +1 prefix.
func NormalizePhone(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrInvalidPhone
	}
	var digits strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	d := digits.String()
	hasPlus := strings.HasPrefix(raw, "+")
	if strings.HasPrefix(d, "00") && !hasPlus {
		d = strings.TrimPrefix(d, "00")
		hasPlus = true
	}
	if !hasPlus && len(d) == 10 {
		d = "1" + d
	}
	if len(d) < 8 || len(d) > 15 {
		return "", fmt.Errorf("%w: %q", ErrInvalidPhone, raw)
	}
	return "+" + d, nil
}
