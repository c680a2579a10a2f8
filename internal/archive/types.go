package archive

import (
	"time"

	"github.com/paradixe-xz/evaInstance-sub000/internal/contacts"
)

const recordVersion = "1.0"

// SessionRecord is the archived form of one analyzed session: the scrubbed
// transcript next to the verdict it produced.
type SessionRecord struct {
	Version     string           `json:"version"`
	SessionID   string           `json:"session_id"`
	ContactHash string           `json:"contact_hash"` // sha256 of phone
	ArchivedAt  time.Time        `json:"archived_at"`
	TurnCount   int              `json:"turn_count"`
	Verdict     contacts.Verdict `json:"verdict"`
	Turns       []Turn           `json:"turns"`
}

// Turn is a single transcript entry.
type Turn struct {
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// ManifestEntry is one JSONL line in the monthly manifest file.
type ManifestEntry struct {
	SessionID     string `json:"session_id"`
	S3Key         string `json:"s3_key"`
	InterestLevel string `json:"interest_level"`
	Priority      string `json:"priority"`
	ManualReview  bool   `json:"manual_review"`
	ArchivedAt    string `json:"archived_at"`
	TurnCount     int    `json:"turn_count"`
}
