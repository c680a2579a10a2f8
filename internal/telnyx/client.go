// Package telnyx is a thin client for the Telnyx Messaging and Call Control
// APIs used by the campaign dispatcher.
package telnyx

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/paradixe-xz/evaInstance-sub000/pkg/logging"
)

const (
	defaultBaseURL   = "https://api.telnyx.com/v2"
	defaultUserAgent = "campaign-orchestrator/1.0"
)

// Config controls how the client behaves.
type Config struct {
	BaseURL            string
	APIKey             string
	MessagingProfileID string
	ConnectionID       string
	FromNumber         string
	WebhookSecret      string
	Timeout            time.Duration
	MaxRetries         int
	Backoff            time.Duration
	MaxSkew            time.Duration
	HTTPClient         *http.Client
	Logger             *logging.Logger
	UserAgent          string
}

// Client wraps the Telnyx REST endpoints the campaign needs.
type Client struct {
	apiKey             string
	baseURL            string
	messagingProfileID string
	connectionID       string
	fromNumber         string
	webhookSecret      string
	httpClient         *http.Client
	maxRetries         int
	backoff            time.Duration
	maxSkew            time.Duration
	logger             *logging.Logger
	userAgent          string
	now                func() time.Time
}

// New creates a configured Client. Retries default to none because the
// dispatcher owns the retry budget.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("telnyx: API key is required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = 250 * time.Millisecond
	}
	maxSkew := cfg.MaxSkew
	if maxSkew <= 0 {
		maxSkew = 5 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	userAgent := strings.TrimSpace(cfg.UserAgent)
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	return &Client{
		apiKey:             cfg.APIKey,
		baseURL:            baseURL,
		messagingProfileID: cfg.MessagingProfileID,
		connectionID:       cfg.ConnectionID,
		fromNumber:         cfg.FromNumber,
		webhookSecret:      cfg.WebhookSecret,
		httpClient:         httpClient,
		maxRetries:         max(cfg.MaxRetries, 0),
		backoff:            backoff,
		maxSkew:            maxSkew,
		logger:             logger,
		userAgent:          userAgent,
		now:                time.Now,
	}, nil
}

// MessageResponse is the subset of the message resource the campaign reads.
type MessageResponse struct {
	ID     string `json:"id"`
	Status string `json:"status,omitempty"`
}

// SendMessage sends an SMS from the campaign number.
func (c *Client) SendMessage(ctx context.Context, to, text string) (*MessageResponse, error) {
	if strings.TrimSpace(to) == "" || strings.TrimSpace(text) == "" {
		return nil, errors.New("telnyx: recipient and text are required")
	}
	body, err := json.Marshal(struct {
		From               string `json:"from,omitempty"`
		To                 string `json:"to"`
		Text               string `json:"text"`
		MessagingProfileID string `json:"messaging_profile_id,omitempty"`
	}{
		From:               c.fromNumber,
		To:                 to,
		Text:               text,
		MessagingProfileID: c.messagingProfileID,
	})
	if err != nil {
		return nil, fmt.Errorf("telnyx: marshal message: %w", err)
	}
	data, err := c.invoke(ctx, http.MethodPost, "/messages", nil, body)
	if err != nil {
		return nil, err
	}
	return decodeDataWrapper[MessageResponse](data)
}

// CallResponse identifies a call leg created by Dial.
type CallResponse struct {
	CallControlID string `json:"call_control_id"`
	CallLegID     string `json:"call_leg_id"`
	CallSessionID string `json:"call_session_id"`
	IsAlive       bool   `json:"is_alive"`
}

// Dial places an outbound call with answering machine detection. clientState
// is echoed back on every webhook for the call.
func (c *Client) Dial(ctx context.Context, to, clientState string) (*CallResponse, error) {
	if strings.TrimSpace(to) == "" {
		return nil, errors.New("telnyx: recipient is required")
	}
	if c.connectionID == "" {
		return nil, errors.New("telnyx: connection id is required to place calls")
	}
	body, err := json.Marshal(map[string]any{
		"connection_id":               c.connectionID,
		"to":                          to,
		"from":                        c.fromNumber,
		"client_state":                clientState,
		"answering_machine_detection": "premium",
		"transcription":               true,
		"transcription_config": map[string]string{
			"transcription_engine": "B",
			"transcription_tracks": "inbound",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("telnyx: marshal dial: %w", err)
	}
	c.logger.Info("telnyx: placing call", "to", maskPhone(to))
	data, err := c.invoke(ctx, http.MethodPost, "/calls", nil, body)
	if err != nil {
		return nil, err
	}
	return decodeDataWrapper[CallResponse](data)
}

// Hangup ends the call identified by callControlID.
func (c *Client) Hangup(ctx context.Context, callControlID string) error {
	return c.action(ctx, callControlID, "hangup", map[string]any{})
}

// Speak reads text on the call with the platform voice.
func (c *Client) Speak(ctx context.Context, callControlID, text, voice string) error {
	if voice == "" {
		voice = "female"
	}
	return c.action(ctx, callControlID, "speak", map[string]any{
		"payload":  text,
		"voice":    voice,
		"language": "es-MX",
	})
}

// PlayAudio streams a hosted audio file on the call.
func (c *Client) PlayAudio(ctx context.Context, callControlID, audioURL string) error {
	if strings.TrimSpace(audioURL) == "" {
		return errors.New("telnyx: audio url is required")
	}
	return c.action(ctx, callControlID, "playback_start", map[string]any{"audio_url": audioURL})
}

func (c *Client) action(ctx context.Context, callControlID, name string, payload map[string]any) error {
	if strings.TrimSpace(callControlID) == "" {
		return errors.New("telnyx: call control id is required")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("telnyx: marshal %s: %w", name, err)
	}
	path := fmt.Sprintf("/calls/%s/actions/%s", url.PathEscape(callControlID), name)
	_, err = c.invoke(ctx, http.MethodPost, path, nil, body)
	return err
}

// VerifyWebhookSignature validates the HMAC signature Telnyx attaches to
// webhooks: hex(HMAC-SHA256(secret, timestamp + "." + payload)).
func (c *Client) VerifyWebhookSignature(timestamp, signature string, payload []byte) error {
	return VerifySignature(c.webhookSecret, timestamp, signature, payload, c.maxSkew, c.now())
}

// VerifySignature is the stateless form of VerifyWebhookSignature.
func VerifySignature(secret, timestamp, signature string, payload []byte, maxSkew time.Duration, now time.Time) error {
	if secret == "" {
		return errors.New("telnyx: webhook secret not configured")
	}
	ts := strings.TrimSpace(timestamp)
	if ts == "" {
		return errors.New("telnyx: missing signature timestamp")
	}
	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("telnyx: invalid signature timestamp: %w", err)
	}
	if diff := now.Sub(time.Unix(sec, 0)); diff > maxSkew || diff < -maxSkew {
		return fmt.Errorf("telnyx: signature timestamp skew %s exceeds limit", diff)
	}
	actual := strings.ToLower(strings.TrimSpace(signature))
	if actual == "" {
		return errors.New("telnyx: missing signature header")
	}
	if !hmac.Equal([]byte(Sign(secret, ts, payload)), []byte(actual)) {
		return errors.New("telnyx: signature mismatch")
	}
	return nil
}

// Sign computes the webhook signature for payload.
func Sign(secret, timestamp string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + "." + string(payload)))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *Client) invoke(ctx context.Context, method, path string, query url.Values, body []byte) ([]byte, error) {
	fullURL := c.buildURL(path, query)
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, fullURL, bodyReader)
		if err != nil {
			return nil, fmt.Errorf("telnyx: build request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("User-Agent", c.userAgent)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if !shouldRetry(0, err) || attempt == c.maxRetries {
				return nil, fmt.Errorf("telnyx: http error: %w", err)
			}
			lastErr = err
			c.logRetry(path, attempt, 0, err)
			if sleepErr := c.sleep(ctx, attempt); sleepErr != nil {
				return nil, sleepErr
			}
			continue
		}
		data, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		if readErr != nil {
			return nil, fmt.Errorf("telnyx: read response: %w", readErr)
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return data, nil
		}
		apiErr := decodeAPIError(resp.StatusCode, data)
		if attempt < c.maxRetries && shouldRetry(resp.StatusCode, nil) {
			lastErr = apiErr
			c.logRetry(path, attempt, resp.StatusCode, apiErr)
			if sleepErr := c.sleep(ctx, attempt); sleepErr != nil {
				return nil, sleepErr
			}
			continue
		}
		return nil, apiErr
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, errors.New("telnyx: request failed without response")
}

func (c *Client) buildURL(path string, query url.Values) string {
	full := c.baseURL + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		full += "?" + query.Encode()
	}
	return full
}

func (c *Client) sleep(ctx context.Context, attempt int) error {
	timer := time.NewTimer(c.backoff * time.Duration(1<<attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Client) logRetry(path string, attempt int, status int, err error) {
	c.logger.Warn("telnyx retry", "path", path, "attempt", attempt+1, "status", status, "error", err)
}

func shouldRetry(status int, err error) bool {
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return true
		}
		return !errors.Is(err, context.Canceled)
	}
	return status == http.StatusTooManyRequests || (status >= 500 && status <= 599)
}

// APIError is a non-2xx answer from Telnyx.
type APIError struct {
	StatusCode int             `json:"-"`
	Title      string          `json:"title,omitempty"`
	Detail     string          `json:"detail,omitempty"`
	Errors     json.RawMessage `json:"errors,omitempty"`
}

func (e *APIError) Error() string {
	if e.Title != "" {
		return fmt.Sprintf("telnyx: %s (status=%d)", e.Title, e.StatusCode)
	}
	if e.Detail != "" {
		return fmt.Sprintf("telnyx: %s (status=%d)", e.Detail, e.StatusCode)
	}
	return fmt.Sprintf("telnyx: http status %d", e.StatusCode)
}

// Temporary reports whether retrying the request may succeed.
func (e *APIError) Temporary() bool {
	return shouldRetry(e.StatusCode, nil)
}

func decodeAPIError(status int, body []byte) error {
	var wrapper struct {
		Errors []APIError `json:"errors"`
	}
	if err := json.Unmarshal(body, &wrapper); err == nil && len(wrapper.Errors) > 0 {
		out := wrapper.Errors[0]
		out.StatusCode = status
		return &out
	}
	var parsed APIError
	if err := json.Unmarshal(body, &parsed); err != nil {
		return &APIError{StatusCode: status, Detail: string(body)}
	}
	parsed.StatusCode = status
	return &parsed
}

func decodeDataWrapper[T any](body []byte) (*T, error) {
	var wrapper struct {
		Data T `json:"data"`
	}
	if err := json.Unmarshal(body, &wrapper); err != nil {
		return nil, fmt.Errorf("telnyx: decode response: %w", err)
	}
	return &wrapper.Data, nil
}

func maskPhone(phone string) string {
	if len(phone) <= 4 {
		return "****"
	}
	return strings.Repeat("*", len(phone)-4) + phone[len(phone)-4:]
}
