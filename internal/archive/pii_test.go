package archive

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHashPhoneIsStable(t *testing.T) {
	h := HashPhone("+573001234567")
	assert.Equal(t, h, HashPhone("+573001234567"))
	assert.NotEqual(t, h, HashPhone("+573001234568"))
	assert.Len(t, h, 64)
}

func TestScrubPII(t *testing.T) {
	cases := map[string]struct {
		in, want string
	}{
		"email":           {"escribeme a juan@example.com por favor", "escribeme a [EMAIL] por favor"},
		"local phone":     {"llamame al (330) 333-2654", "llamame al [PHONE]"},
		"colombian phone": {"mi numero es +57 300 123 4567", "mi numero es [PHONE]"},
		"e164":            {"mi numero es +15005550002", "mi numero es [PHONE]"},
		"card":            {"tarjeta 4111 1111 1111 1111 gracias", "tarjeta [CARD] gracias"},
		"national id":     {"mi cédula es 1.020.304.050", "mi cédula [ID]"},
		"no pii":          {"Si, me interesa el acuerdo", "Si, me interesa el acuerdo"},
		"name kept":       {"Me llamo Ana Lopez", "Me llamo Ana Lopez"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, ScrubPII(tc.in))
		})
	}
}

func TestScrubTurns(t *testing.T) {
	turns := []Turn{
		{Role: "contact", Text: "mi correo es test@test.com", Timestamp: time.Now()},
		{Role: "agent", Text: "Perfecto", Timestamp: time.Now()},
	}
	ScrubTurns(turns)
	assert.Equal(t, "mi correo es [EMAIL]", turns[0].Text)
	assert.Equal(t, "Perfecto", turns[1].Text)
}
