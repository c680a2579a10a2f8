// Package analysis turns a sealed transcript into a verdict, records it on
// the contact and reports it back to the orchestrator.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/paradixe-xz/evaInstance-sub000/internal/archive"
	"github.com/paradixe-xz/evaInstance-sub000/internal/contacts"
	"github.com/paradixe-xz/evaInstance-sub000/internal/events"
	"github.com/paradixe-xz/evaInstance-sub000/internal/llm"
	"github.com/paradixe-xz/evaInstance-sub000/internal/lock"
	"github.com/paradixe-xz/evaInstance-sub000/internal/observability/metrics"
	"github.com/paradixe-xz/evaInstance-sub000/internal/transcript"
	"github.com/paradixe-xz/evaInstance-sub000/pkg/logging"
)

// ProviderName tags verdict_ready events.
const ProviderName = "analysis"

const verdictPrompt = `You review the transcript of an outbound sales call and judge the contact's interest.
Answer with JSON only, using exactly these fields:
{"interestLevel": "high|medium|low|none", "objections": ["..."], "summary": "...", "nextAction": "..."}
"objections" lists the concerns the contact raised (empty list when none).
"summary" is two sentences at most. "nextAction" is what a human agent should do next.`

// Request identifies the session to analyze.
type Request struct {
	ContactID string `json:"contactId"`
	SessionID string `json:"sessionId"`
}

// TranscriptReader reads a session transcript.
type TranscriptReader interface {
	Get(ctx context.Context, sessionID string) (transcript.Transcript, error)
}

// VerdictStore is the part of the contact ledger the pipeline writes to.
type VerdictStore interface {
	Get(ctx context.Context, id string) (*contacts.Contact, error)
	SaveVerdict(ctx context.Context, contactID string, v contacts.Verdict) (bool, error)
	GetVerdict(ctx context.Context, sessionID string) (*contacts.Verdict, error)
}

// Archiver stores the analyzed session outside the ledger.
type Archiver interface {
	ArchiveSession(ctx context.Context, record *archive.SessionRecord) error
}

// EventSink receives verdict_ready events.
type EventSink interface {
	Submit(ctx context.Context, evt events.Event) error
}

type Option func(*Pipeline)

func WithModel(model string) Option {
	return func(p *Pipeline) { p.model = model }
}

// WithTimeout bounds the reasoning-service call. On expiry the fallback
// verdict is recorded.
func WithTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithLocker serializes verdict writes with the orchestrator's transitions
// on the same contact.
func WithLocker(l lock.Locker) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.locker = l
		}
	}
}

func WithArchiver(a Archiver) Option {
	return func(p *Pipeline) { p.archive = a }
}

func WithMetrics(m *metrics.CampaignMetrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

func WithLogger(logger *logging.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// Pipeline produces exactly one verdict per session.
type Pipeline struct {
	transcripts TranscriptReader
	store       VerdictStore
	client      llm.Client
	sink        EventSink
	locker      lock.Locker
	archive     Archiver
	model       string
	timeout     time.Duration
	metrics     *metrics.CampaignMetrics
	logger      *logging.Logger
	tracer      trace.Tracer
	now         func() time.Time
}

func NewPipeline(transcripts TranscriptReader, store VerdictStore, client llm.Client, sink EventSink, opts ...Option) *Pipeline {
	if transcripts == nil {
		panic("analysis: transcript reader required")
	}
	if store == nil {
		panic("analysis: verdict store required")
	}
	if client == nil {
		panic("analysis: reasoning client required")
	}
	if sink == nil {
		panic("analysis: event sink required")
	}
	p := &Pipeline{
		transcripts: transcripts,
		store:       store,
		client:      client,
		sink:        sink,
		locker:      lock.NewKeyedMutex(),
		timeout:     20 * time.Second,
		logger:      logging.Default(),
		tracer:      otel.Tracer("campaign/analysis"),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Analyze records the verdict for req.SessionID and emits verdict_ready.
// A session that already has a verdict is not re-analyzed; its stored
// verdict is reported again so a lost verdict_ready can be recovered.
func (p *Pipeline) Analyze(ctx context.Context, req Request) (contacts.Verdict, error) {
	ctx, span := p.tracer.Start(ctx, "analysis.analyze", trace.WithAttributes(
		attribute.String("contact_id", req.ContactID),
		attribute.String("session_id", req.SessionID),
	))
	defer span.End()

	if req.ContactID == "" || req.SessionID == "" {
		return contacts.Verdict{}, errors.New("analysis: contact and session ids are required")
	}
	logger := p.logger.With("contact_id", req.ContactID, "session_id", req.SessionID)

	contact, err := p.store.Get(ctx, req.ContactID)
	if err != nil {
		span.RecordError(err)
		return contacts.Verdict{}, fmt.Errorf("analysis: load contact: %w", err)
	}
	existing, err := p.storedVerdict(ctx, req.SessionID)
	if err != nil {
		span.RecordError(err)
		return contacts.Verdict{}, err
	}
	if existing != nil {
		logger.Info("analysis: session already analyzed, re-emitting verdict")
		return *existing, p.emit(ctx, req, *existing)
	}

	tr, err := p.transcripts.Get(ctx, req.SessionID)
	if err != nil {
		span.RecordError(err)
		return contacts.Verdict{}, fmt.Errorf("analysis: load transcript: %w", err)
	}

	verdict, failure := p.evaluate(ctx, contact, tr)
	if failure != nil {
		logger.Warn("analysis: falling back to manual review", "error", failure)
		verdict = fallbackVerdict(failure.Reason)
	}
	verdict.SessionID = req.SessionID
	verdict.CreatedAt = p.now().UTC()

	stored, err := p.saveVerdict(ctx, req.ContactID, verdict)
	if err != nil {
		span.RecordError(err)
		return contacts.Verdict{}, err
	}
	if !stored {
		// a concurrent run won; report its verdict
		winner, err := p.storedVerdict(ctx, req.SessionID)
		if err != nil {
			span.RecordError(err)
			return contacts.Verdict{}, err
		}
		if winner != nil {
			verdict = *winner
		}
		return verdict, p.emit(ctx, req, verdict)
	}

	p.metrics.ObserveVerdict(string(verdict.InterestLevel), failure != nil)
	span.SetAttributes(
		attribute.String("interest_level", string(verdict.InterestLevel)),
		attribute.Bool("manual_review", verdict.ManualReview),
	)
	logger.Info("analysis: verdict recorded",
		"interest_level", verdict.InterestLevel,
		"priority", verdict.Priority,
		"manual_review", verdict.ManualReview,
	)

	if p.archive != nil {
		record := archive.NewSessionRecord(contact.Phone, tr, verdict, p.now())
		if err := p.archive.ArchiveSession(ctx, record); err != nil {
			logger.Warn("analysis: archive failed", "error", err)
		}
	}
	return verdict, p.emit(ctx, req, verdict)
}

// saveVerdict writes under the contact lock so a transition running at the
// same time cannot overwrite the contact row with a copy read before it.
func (p *Pipeline) saveVerdict(ctx context.Context, contactID string, v contacts.Verdict) (bool, error) {
	release, err := p.locker.Lock(ctx, lock.ContactKey(contactID))
	if err != nil {
		return false, fmt.Errorf("analysis: lock contact: %w", err)
	}
	defer release()
	stored, err := p.store.SaveVerdict(ctx, contactID, v)
	if err != nil {
		return false, fmt.Errorf("analysis: save verdict: %w", err)
	}
	return stored, nil
}

func (p *Pipeline) storedVerdict(ctx context.Context, sessionID string) (*contacts.Verdict, error) {
	v, err := p.store.GetVerdict(ctx, sessionID)
	if errors.Is(err, contacts.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("analysis: load verdict: %w", err)
	}
	return v, nil
}

type contactMeta struct {
	ID     string            `json:"id"`
	Name   string            `json:"name,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
}

type analysisInput struct {
	Transcript  []transcript.Turn `json:"transcript"`
	ContactMeta contactMeta       `json:"contactMeta"`
}

// evaluate asks the reasoning service for a verdict. Any failure, including
// the call timing out, is returned as a validation failure.
func (p *Pipeline) evaluate(ctx context.Context, contact *contacts.Contact, tr transcript.Transcript) (contacts.Verdict, *VerdictValidationFailure) {
	if !tr.Sealed {
		return contacts.Verdict{}, &VerdictValidationFailure{Reason: "transcript is not sealed"}
	}
	if len(tr.Turns) == 0 {
		return contacts.Verdict{}, &VerdictValidationFailure{Reason: "transcript is empty"}
	}

	payload, err := json.Marshal(analysisInput{
		Transcript:  tr.Turns,
		ContactMeta: contactMeta{ID: contact.ID, Name: contact.Name, Fields: contact.Fields},
	})
	if err != nil {
		return contacts.Verdict{}, &VerdictValidationFailure{Reason: "encode request", Err: err}
	}

	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	resp, err := p.client.Complete(callCtx, llm.Request{
		Model:       p.model,
		System:      []string{verdictPrompt},
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: string(payload)}},
		MaxTokens:   512,
		Temperature: 0,
	})
	if err != nil {
		reason := "reasoning service error"
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			reason = "reasoning service timed out"
		}
		return contacts.Verdict{}, &VerdictValidationFailure{Reason: reason, Err: err}
	}

	verdict, err := ParseVerdict(resp.Text)
	if err != nil {
		var failure *VerdictValidationFailure
		if errors.As(err, &failure) {
			return contacts.Verdict{}, failure
		}
		return contacts.Verdict{}, &VerdictValidationFailure{Reason: "parse", Raw: resp.Text, Err: err}
	}
	return verdict, nil
}

func (p *Pipeline) emit(ctx context.Context, req Request, v contacts.Verdict) error {
	evt := events.Event{
		ContactID:   req.ContactID,
		SessionHint: req.SessionID,
		Type:        events.TypeVerdictReady,
		Payload: events.Payload{
			InterestLevel: string(v.InterestLevel),
			Priority:      string(v.Priority),
			ManualReview:  v.ManualReview,
		},
		ProviderEventID: "verdict:" + req.SessionID,
		OccurredAt:      p.now().UTC(),
		Provider:        ProviderName,
	}
	if err := p.sink.Submit(ctx, evt); err != nil {
		return fmt.Errorf("analysis: submit verdict_ready: %w", err)
	}
	return nil
}
