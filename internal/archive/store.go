// Package archive writes analyzed sessions (scrubbed transcript and verdict)
// to S3 for later review.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/paradixe-xz/evaInstance-sub000/internal/contacts"
	"github.com/paradixe-xz/evaInstance-sub000/internal/transcript"
	"github.com/paradixe-xz/evaInstance-sub000/pkg/logging"
)

// S3API is the subset of the S3 client used by Store.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Store archives session records to S3. If bucket is empty, all operations
// are no-ops.
type Store struct {
	bucket   string
	s3Client S3API
	logger   *logging.Logger

	// manifest appends are read-modify-write
	manifestMu sync.Mutex
}

func NewStore(s3Client S3API, bucket string, logger *logging.Logger) *Store {
	if logger == nil {
		logger = logging.Default()
	}
	return &Store{bucket: bucket, s3Client: s3Client, logger: logger}
}

// Enabled returns true if archival is configured (bucket is set).
func (s *Store) Enabled() bool {
	return s != nil && s.bucket != "" && s.s3Client != nil
}

// NewSessionRecord builds the archive form of an analyzed session. The
// contact phone is hashed and turn text is scrubbed.
func NewSessionRecord(phone string, tr transcript.Transcript, verdict contacts.Verdict, now time.Time) *SessionRecord {
	turns := make([]Turn, 0, len(tr.Turns))
	for _, turn := range tr.Turns {
		turns = append(turns, Turn{Role: turn.Role, Text: turn.Text, Timestamp: turn.Timestamp})
	}
	ScrubTurns(turns)
	return &SessionRecord{
		Version:     recordVersion,
		SessionID:   tr.SessionID,
		ContactHash: HashPhone(phone),
		ArchivedAt:  now.UTC(),
		TurnCount:   len(turns),
		Verdict:     verdict,
		Turns:       turns,
	}
}

// ArchiveSession writes a SessionRecord as JSON to S3 and appends to the manifest.
func (s *Store) ArchiveSession(ctx context.Context, record *SessionRecord) error {
	if !s.Enabled() {
		return nil
	}
	if record == nil || record.SessionID == "" {
		return errors.New("archive: session record requires a session id")
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("archive: marshal record: %w", err)
	}

	now := record.ArchivedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	s3Key := fmt.Sprintf("sessions/v1/by-date/%d/%02d/%02d/%s.json",
		now.Year(), now.Month(), now.Day(), record.SessionID)

	_, err = s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s3Key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("archive: s3 put %s: %w", s3Key, err)
	}

	s.logger.Info("archived session to S3",
		"session_id", record.SessionID,
		"s3_key", s3Key,
		"turn_count", record.TurnCount,
		"interest_level", record.Verdict.InterestLevel,
	)

	entry := ManifestEntry{
		SessionID:     record.SessionID,
		S3Key:         s3Key,
		InterestLevel: string(record.Verdict.InterestLevel),
		Priority:      string(record.Verdict.Priority),
		ManualReview:  record.Verdict.ManualReview,
		ArchivedAt:    now.Format(time.RFC3339),
		TurnCount:     record.TurnCount,
	}
	if err := s.AppendManifest(ctx, entry); err != nil {
		// the session object is already stored
		s.logger.Warn("failed to append manifest", "error", err, "session_id", record.SessionID)
	}
	return nil
}

// AppendManifest appends a JSONL line to the monthly manifest file.
// S3 has no append, so the object is rewritten.
func (s *Store) AppendManifest(ctx context.Context, entry ManifestEntry) error {
	if !s.Enabled() {
		return nil
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("archive: marshal manifest entry: %w", err)
	}

	s.manifestMu.Lock()
	defer s.manifestMu.Unlock()

	now := time.Now().UTC()
	manifestKey := fmt.Sprintf("sessions/v1/manifests/%d-%02d.jsonl", now.Year(), now.Month())

	var existing []byte
	getResp, err := s.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(manifestKey),
	})
	switch {
	case err == nil:
		existing, err = io.ReadAll(getResp.Body)
		getResp.Body.Close()
		if err != nil {
			return fmt.Errorf("archive: read manifest: %w", err)
		}
	case isNotFound(err):
		s.logger.Debug("manifest not found, creating new", "key", manifestKey)
	default:
		return fmt.Errorf("archive: s3 get manifest: %w", err)
	}

	var buf bytes.Buffer
	if len(existing) > 0 {
		buf.Write(existing)
		if existing[len(existing)-1] != '\n' {
			buf.WriteByte('\n')
		}
	}
	buf.Write(line)
	buf.WriteByte('\n')

	_, err = s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(manifestKey),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("archive: s3 put manifest: %w", err)
	}
	return nil
}

func isNotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "NoSuchKey") || strings.Contains(msg, "StatusCode: 404")
}
