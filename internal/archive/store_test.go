package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paradixe-xz/evaInstance-sub000/internal/contacts"
	"github.com/paradixe-xz/evaInstance-sub000/internal/transcript"
	"github.com/paradixe-xz/evaInstance-sub000/pkg/logging"
)

// mockS3Client records PutObject/GetObject calls for testing.
type mockS3Client struct {
	putCalls []putCall
	objects  map[string][]byte // key -> body
	getErr   error
}

type putCall struct {
	bucket string
	key    string
	body   []byte
}

func newMockS3() *mockS3Client {
	return &mockS3Client{objects: make(map[string][]byte)}
}

func (m *mockS3Client) PutObject(_ context.Context, input *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, _ := io.ReadAll(input.Body)
	m.putCalls = append(m.putCalls, putCall{
		bucket: *input.Bucket,
		key:    *input.Key,
		body:   body,
	})
	m.objects[*input.Key] = body
	return &s3.PutObjectOutput{}, nil
}

func (m *mockS3Client) GetObject(_ context.Context, input *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	data, ok := m.objects[*input.Key]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{
		Body: io.NopCloser(bytes.NewReader(data)),
	}, nil
}

func TestStore_ArchiveSession(t *testing.T) {
	mock := newMockS3()
	store := NewStore(mock, "test-bucket", logging.Discard())

	now := time.Date(2026, 2, 12, 15, 0, 0, 0, time.UTC)
	tr := transcript.Transcript{
		SessionID: "sess-123",
		Sealed:    true,
		Turns: []transcript.Turn{
			{Role: "agent", Text: "Hola, soy Eva", Timestamp: now},
			{Role: "contact", Text: "Mi correo es ana@example.com", Timestamp: now.Add(time.Second)},
		},
	}
	verdict := contacts.Verdict{SessionID: "sess-123", InterestLevel: contacts.InterestHigh, Priority: contacts.PriorityHigh}
	record := NewSessionRecord("+15551234567", tr, verdict, now)

	require.NoError(t, store.ArchiveSession(context.Background(), record))

	// session object + manifest
	require.Len(t, mock.putCalls, 2)
	assert.Equal(t, "sessions/v1/by-date/2026/02/12/sess-123.json", mock.putCalls[0].key)

	var decoded SessionRecord
	require.NoError(t, json.Unmarshal(mock.putCalls[0].body, &decoded))
	assert.Equal(t, "sess-123", decoded.SessionID)
	assert.Equal(t, HashPhone("+15551234567"), decoded.ContactHash)
	assert.Equal(t, "Mi correo es [EMAIL]", decoded.Turns[1].Text)
	assert.Equal(t, contacts.InterestHigh, decoded.Verdict.InterestLevel)

	assert.Contains(t, mock.putCalls[1].key, "sessions/v1/manifests/")
	var entry ManifestEntry
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(mock.putCalls[1].body), &entry))
	assert.Equal(t, "sess-123", entry.SessionID)
	assert.Equal(t, "high", entry.Priority)
}

func TestStore_Disabled(t *testing.T) {
	store := NewStore(nil, "", nil)
	assert.False(t, store.Enabled())
	assert.NoError(t, store.ArchiveSession(context.Background(), &SessionRecord{}))
}

func TestStore_ManifestAppend(t *testing.T) {
	mock := newMockS3()
	store := NewStore(mock, "test-bucket", logging.Discard())

	require.NoError(t, store.AppendManifest(context.Background(), ManifestEntry{SessionID: "s-1", Priority: "high"}))
	require.NoError(t, store.AppendManifest(context.Background(), ManifestEntry{SessionID: "s-2", Priority: "low"}))

	lastPut := mock.putCalls[len(mock.putCalls)-1]
	lines := bytes.Split(bytes.TrimSpace(lastPut.body), []byte("\n"))
	assert.Len(t, lines, 2)
}

func TestStore_ManifestReadFailure(t *testing.T) {
	mock := newMockS3()
	mock.getErr = errors.New("access denied")
	store := NewStore(mock, "test-bucket", logging.Discard())

	err := store.AppendManifest(context.Background(), ManifestEntry{SessionID: "s-1"})
	assert.Error(t, err)
	assert.Empty(t, mock.putCalls, "manifest must not be overwritten when it cannot be read")
}
