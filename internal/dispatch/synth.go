package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

const maxAudioBytes = 16 << 20

// AudioStore hosts synthesized audio and returns a URL the telephony
// provider can fetch.
type AudioStore interface {
	Put(ctx context.Context, key string, audio []byte, contentType string) (string, error)
}

type s3PutAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3AudioStore writes audio objects to a bucket.
type S3AudioStore struct {
	client  s3PutAPI
	bucket  string
	baseURL string
}

func NewS3AudioStore(client s3PutAPI, bucket, baseURL string) *S3AudioStore {
	if client == nil {
		panic("dispatch: s3 client required")
	}
	if strings.TrimSpace(bucket) == "" {
		panic("dispatch: audio bucket required")
	}
	return &S3AudioStore{client: client, bucket: bucket, baseURL: strings.TrimRight(baseURL, "/")}
}

func (s *S3AudioStore) Put(ctx context.Context, key string, audio []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(audio),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("dispatch: s3 put %s: %w", key, err)
	}
	if s.baseURL != "" {
		return s.baseURL + "/" + key, nil
	}
	return fmt.Sprintf("https://%s.s3.amazonaws.com/%s", s.bucket, key), nil
}

// HTTPSynthesizer calls a JSON text-to-speech endpoint that answers with the
// audio bytes, then hosts the result in an AudioStore.
type HTTPSynthesizer struct {
	endpoint string
	apiKey   string
	voice    string
	client   *http.Client
	store    AudioStore
	newKey   func(ext string) string
}

var _ Synthesizer = (*HTTPSynthesizer)(nil)

func NewHTTPSynthesizer(endpoint, apiKey, voice string, store AudioStore, client *http.Client) *HTTPSynthesizer {
	if strings.TrimSpace(endpoint) == "" {
		panic("dispatch: tts endpoint required")
	}
	if store == nil {
		panic("dispatch: audio store required")
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPSynthesizer{
		endpoint: endpoint,
		apiKey:   apiKey,
		voice:    voice,
		client:   client,
		store:    store,
		newKey: func(ext string) string {
			return "tts/" + uuid.NewString() + ext
		},
	}
}

func (s *HTTPSynthesizer) Synthesize(ctx context.Context, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", errors.New("dispatch: nothing to synthesize")
	}
	body, err := json.Marshal(map[string]string{"text": text, "voice": s.voice})
	if err != nil {
		return "", fmt.Errorf("dispatch: marshal tts request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("dispatch: build tts request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("dispatch: tts request: %w", err)
	}
	defer resp.Body.Close()

	audio, err := io.ReadAll(io.LimitReader(resp.Body, maxAudioBytes))
	if err != nil {
		return "", fmt.Errorf("dispatch: read tts response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &ProviderError{Provider: "tts", StatusCode: resp.StatusCode, Body: truncate(string(audio), 256)}
	}
	if len(audio) == 0 {
		return "", errors.New("dispatch: tts returned no audio")
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "audio/mpeg"
	}
	return s.store.Put(ctx, s.newKey(audioExtension(contentType)), audio, contentType)
}

func audioExtension(contentType string) string {
	switch {
	case strings.Contains(contentType, "wav"):
		return ".wav"
	case strings.Contains(contentType, "ogg"):
		return ".ogg"
	default:
		return ".mp3"
	}
}

// ProviderError is a non-2xx answer from an HTTP provider.
type ProviderError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("dispatch: %s returned status %d: %s", e.Provider, e.StatusCode, e.Body)
}

// Temporary reports whether retrying may succeed.
func (e *ProviderError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
