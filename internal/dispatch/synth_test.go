package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type fakeS3 struct {
	bucket, key, contentType string
	body                     []byte
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.bucket = *in.Bucket
	f.key = *in.Key
	f.contentType = *in.ContentType
	f.body, _ = io.ReadAll(in.Body)
	return &s3.PutObjectOutput{}, nil
}

func TestHTTPSynthesizerUploadsAudio(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("missing bearer token")
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["text"] != "Hola Ana" || body["voice"] != "female" {
			t.Errorf("unexpected request body %v", body)
		}
		w.Header().Set("Content-Type", "audio/wav")
		_, _ = w.Write([]byte("RIFFdata"))
	}))
	defer srv.Close()

	bucket := &fakeS3{}
	synth := NewHTTPSynthesizer(srv.URL, "secret", "female", NewS3AudioStore(bucket, "campaign-audio", "https://cdn.example.com/"), srv.Client())
	synth.newKey = func(ext string) string { return "tts/fixed" + ext }

	url, err := synth.Synthesize(context.Background(), "Hola Ana")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if url != "https://cdn.example.com/tts/fixed.wav" {
		t.Fatalf("unexpected url %s", url)
	}
	if bucket.bucket != "campaign-audio" || bucket.contentType != "audio/wav" || string(bucket.body) != "RIFFdata" {
		t.Fatalf("unexpected upload %+v", bucket)
	}
}

func TestHTTPSynthesizerProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	synth := NewHTTPSynthesizer(srv.URL, "", "female", NewS3AudioStore(&fakeS3{}, "b", ""), srv.Client())
	_, err := synth.Synthesize(context.Background(), "Hola")
	var provErr *ProviderError
	if !errors.As(err, &provErr) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if !provErr.Temporary() || !strings.Contains(provErr.Body, "overloaded") {
		t.Fatalf("unexpected provider error %+v", provErr)
	}
}

func TestS3AudioStoreDefaultURL(t *testing.T) {
	store := NewS3AudioStore(&fakeS3{}, "campaign-audio", "")
	url, err := store.Put(context.Background(), "tts/a.mp3", []byte("x"), "audio/mpeg")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if url != "https://campaign-audio.s3.amazonaws.com/tts/a.mp3" {
		t.Fatalf("unexpected url %s", url)
	}
}
