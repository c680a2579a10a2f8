package bootstrap

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appconfig "github.com/paradixe-xz/evaInstance-sub000/internal/config"
	"github.com/paradixe-xz/evaInstance-sub000/internal/contacts"
	httpmiddleware "github.com/paradixe-xz/evaInstance-sub000/internal/http/middleware"
	"github.com/paradixe-xz/evaInstance-sub000/pkg/logging"
)

const adminSecret = "test-admin-secret"

type fakeProvider struct {
	mu    sync.Mutex
	texts []string
	dials []string
}

func (p *fakeProvider) SendMessage(_ context.Context, to, text string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.texts = append(p.texts, to+": "+text)
	return "msg-out", nil
}

func (p *fakeProvider) Dial(_ context.Context, to, sessionID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dials = append(p.dials, to)
	return "call-" + sessionID, nil
}

func (p *fakeProvider) Hangup(context.Context, string) error {
	return nil
}

func (p *fakeProvider) Speak(context.Context, string, string) error {
	return nil
}

func (p *fakeProvider) Play(context.Context, string, string) error {
	return nil
}

func (p *fakeProvider) sent() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.texts...)
}

func (p *fakeProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.dials)
}

func memoryConfig() *appconfig.Config {
	return &appconfig.Config{
		Env:               "test",
		LedgerDriver:      "memory",
		HandoffBackend:    "memory",
		TranscriptBackend: "memory",
		UseMemoryQueue:    true,
		WorkerCount:       1,
		TimerBackend:      "queue",
		AdminJWTSecret:    adminSecret,
		AgentName:         "Eva",
		CampaignName:      "Acme Credit",
		ResponderEnabled:  true,
	}
}

func buildTestCampaign(t *testing.T, cfg *appconfig.Config, opts ...Option) *Campaign {
	t.Helper()
	c, err := Build(context.Background(), cfg, aws.Config{Region: "us-east-1"}, logging.Discard(), opts...)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func adminRequest(t *testing.T, method, path, body string) *http.Request {
	t.Helper()
	token, err := httpmiddleware.SignOperatorToken(adminSecret, "ops@example.com", time.Hour)
	require.NoError(t, err)
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestBuildMemoryCampaignServesHealthAndMetrics(t *testing.T) {
	c := buildTestCampaign(t, memoryConfig())
	h := c.Router()

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "go_goroutines")

	assert.Nil(t, c.Deliverer)
	assert.Nil(t, c.timers)
}

func TestCampaignFromIngestToScheduledCall(t *testing.T) {
	provider := &fakeProvider{}
	c := buildTestCampaign(t, memoryConfig(), WithProviders(provider, provider))
	h := c.Router()

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, adminRequest(t, http.MethodPost, "/admin/contacts", `[{"phone":"+15550001111","name":"Ana Gomez"}]`))
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, adminRequest(t, http.MethodPost, "/admin/contacts/+15550001111/start", ""))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var started contacts.Contact
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &started))
	assert.Equal(t, contacts.StateWaitingConfirmation, started.State)

	sent := provider.sent()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0], "Hi Ana, this is Eva from Acme Credit")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	inbound := `{"data":{"id":"evt-1","event_type":"message.received","occurred_at":"2026-03-01T10:00:00Z",
	  "payload":{"id":"msg-in-1","text":"yes","from":{"phone_number":"+15550001111"},"to":[{"phone_number":"+15559990000"}]}}}`
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/webhooks/telnyx/messages", strings.NewReader(inbound)))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	require.Eventually(t, func() bool { return provider.calls() == 1 }, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		got, err := c.Storage.Ledger.Get(context.Background(), "+15550001111")
		return err == nil && got.State == contacts.StateScheduledCall
	}, 3*time.Second, 10*time.Millisecond)
}

func TestBuildInlineTimers(t *testing.T) {
	cfg := memoryConfig()
	cfg.TimerBackend = "inline"
	c := buildTestCampaign(t, cfg)
	require.NotNil(t, c.timers)
	assert.Equal(t, 0, c.timers.Pending())
}

func TestBuildRejectsBadBackends(t *testing.T) {
	cases := map[string]func(*appconfig.Config){
		"ledger":          func(c *appconfig.Config) { c.LedgerDriver = "mongo" },
		"transcripts":     func(c *appconfig.Config) { c.TranscriptBackend = "redis" },
		"handoff":         func(c *appconfig.Config) { c.HandoffBackend = "kafka" },
		"sqs without url": func(c *appconfig.Config) { c.UseMemoryQueue = false },
		"llm provider":    func(c *appconfig.Config) { c.LLMProvider = "mystery" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := memoryConfig()
			mutate(cfg)
			_, err := Build(context.Background(), cfg, aws.Config{Region: "us-east-1"}, logging.Discard())
			assert.Error(t, err)
		})
	}
}

func TestWebhookVerifierRequiredInProduction(t *testing.T) {
	cfg := memoryConfig()
	cfg.Env = "production"
	_, err := webhookVerifier(cfg, logging.Discard())
	require.Error(t, err)

	cfg.TelnyxWebhookSecret = "whsec"
	cfg.TelnyxWebhookMaxSkew = time.Minute
	verify, err := webhookVerifier(cfg, logging.Discard())
	require.NoError(t, err)
	require.NotNil(t, verify)
	assert.Error(t, verify("1", "bad", []byte("{}")))
}

func TestPolicyFromConfig(t *testing.T) {
	cfg := memoryConfig()
	cfg.MaxConvincingAttempts = 5
	cfg.NoResponseRetryDelay = 30 * time.Minute
	cfg.AnalysisGuard = time.Minute
	p := PolicyFromConfig(cfg)
	assert.Equal(t, 5, p.MaxConvincing)
	assert.Equal(t, 30*time.Minute, p.RetryDelay)
	assert.Equal(t, time.Minute, p.AnalysisGuard)
}
