// Package orchestrator runs the campaign for each contact: it serializes
// events per contact, feeds them to the state machine and carries out the
// resulting commands.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/paradixe-xz/evaInstance-sub000/internal/contacts"
	"github.com/paradixe-xz/evaInstance-sub000/internal/dispatch"
	"github.com/paradixe-xz/evaInstance-sub000/internal/events"
	"github.com/paradixe-xz/evaInstance-sub000/internal/handoff"
	"github.com/paradixe-xz/evaInstance-sub000/internal/intent"
	"github.com/paradixe-xz/evaInstance-sub000/internal/lock"
	"github.com/paradixe-xz/evaInstance-sub000/internal/observability/metrics"
	"github.com/paradixe-xz/evaInstance-sub000/internal/statemachine"
	"github.com/paradixe-xz/evaInstance-sub000/internal/templates"
	"github.com/paradixe-xz/evaInstance-sub000/internal/transcript"
	"github.com/paradixe-xz/evaInstance-sub000/pkg/logging"
)

// Dispatcher sends provider commands and opens sessions.
type Dispatcher interface {
	OpenSession(ctx context.Context, contactID string, channel contacts.Channel) (*contacts.Session, error)
	Dispatch(ctx context.Context, contactID string, cmd dispatch.Command) (dispatch.Receipt, error)
}

// Scheduler delivers ev back to the orchestrator after a delay.
type Scheduler interface {
	Schedule(ctx context.Context, ev events.Event, after time.Duration) error
}

// AnalysisRequester queues the analysis of a sealed session.
type AnalysisRequester interface {
	RequestAnalysis(ctx context.Context, contactID, sessionID string) error
}

// Responder writes the agent's next spoken line during a call.
type Responder interface {
	Respond(ctx context.Context, c *contacts.Contact, tr transcript.Transcript) (string, error)
}

// Catalog renders outbound messages.
type Catalog interface {
	Render(key string, attempt int, data templates.Data) (string, error)
}

type Option func(*Orchestrator)

func WithPolicy(p statemachine.Policy) Option {
	return func(o *Orchestrator) { o.policy = p }
}

func WithLocker(l lock.Locker) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.locker = l
		}
	}
}

func WithProcessedTracker(p events.ProcessedTracker) Option {
	return func(o *Orchestrator) {
		if p != nil {
			o.processed = p
		}
	}
}

func WithResponder(r Responder) Option {
	return func(o *Orchestrator) { o.responder = r }
}

// WithPublisher streams state changes to operator consoles.
func WithPublisher(p handoff.Publisher) Option {
	return func(o *Orchestrator) { o.publisher = p }
}

// WithPersona sets the agent and campaign names used in messages.
func WithPersona(agent, campaign string) Option {
	return func(o *Orchestrator) {
		if agent != "" {
			o.agent = agent
		}
		if campaign != "" {
			o.campaign = campaign
		}
	}
}

func WithMetrics(m *metrics.CampaignMetrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func WithLogger(logger *logging.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// Orchestrator wires the ledger, the state machine and the side effects.
type Orchestrator struct {
	ledger      contacts.Repository
	dispatcher  Dispatcher
	transcripts transcript.Assembler
	classifier  intent.Classifier
	queue       handoff.Queue
	scheduler   Scheduler
	analysis    AnalysisRequester
	catalog     Catalog

	policy    statemachine.Policy
	locker    lock.Locker
	processed events.ProcessedTracker
	responder Responder
	publisher handoff.Publisher
	agent     string
	campaign  string
	metrics   *metrics.CampaignMetrics
	logger    *logging.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// Deps are the required collaborators.
type Deps struct {
	Ledger      contacts.Repository
	Dispatcher  Dispatcher
	Transcripts transcript.Assembler
	Classifier  intent.Classifier
	Handoff     handoff.Queue
	Scheduler   Scheduler
	Analysis    AnalysisRequester
	Catalog     Catalog
}

func New(deps Deps, opts ...Option) *Orchestrator {
	switch {
	case deps.Ledger == nil:
		panic("orchestrator: contact ledger required")
	case deps.Dispatcher == nil:
		panic("orchestrator: dispatcher required")
	case deps.Transcripts == nil:
		panic("orchestrator: transcript assembler required")
	case deps.Classifier == nil:
		panic("orchestrator: intent classifier required")
	case deps.Handoff == nil:
		panic("orchestrator: hand-off queue required")
	case deps.Scheduler == nil:
		panic("orchestrator: scheduler required")
	case deps.Analysis == nil:
		panic("orchestrator: analysis requester required")
	case deps.Catalog == nil:
		panic("orchestrator: message catalog required")
	}
	o := &Orchestrator{
		ledger:      deps.Ledger,
		dispatcher:  deps.Dispatcher,
		transcripts: deps.Transcripts,
		classifier:  deps.Classifier,
		queue:       deps.Handoff,
		scheduler:   deps.Scheduler,
		analysis:    deps.Analysis,
		catalog:     deps.Catalog,
		policy:      statemachine.DefaultPolicy(),
		locker:      lock.NewKeyedMutex(),
		processed:   events.NewMemoryProcessedStore(),
		agent:       "Eva",
		campaign:    "our team",
		logger:      logging.Default(),
		tracer:      otel.Tracer("campaign/orchestrator"),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Handled reports what HandleEvent did with an event.
type Handled struct {
	Result statemachine.Result
	From   contacts.State
	// Status is one of applied, ignored, duplicate or dropped.
	Status string
	Reason string
}

const (
	statusApplied   = "applied"
	statusIgnored   = "ignored"
	statusDuplicate = "duplicate"
	statusDropped   = "dropped"
)

// HandleEvent applies one normalized event. Events the contact cannot act on
// are logged and dropped; only infrastructure failures are returned.
func (o *Orchestrator) HandleEvent(ctx context.Context, ev events.Event) error {
	_, err := o.handle(ctx, ev)
	return err
}

func (o *Orchestrator) handle(ctx context.Context, ev events.Event) (out Handled, err error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.handle_event", trace.WithAttributes(
		attribute.String("contact_id", ev.ContactID),
		attribute.String("event_type", string(ev.Type)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		span.SetAttributes(attribute.String("status", out.Status))
		span.End()
	}()

	if ev.ContactID == "" {
		return Handled{Status: statusDropped, Reason: "event has no contact"}, nil
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = o.now().UTC()
	}
	logger := o.logger.ForContact(ev.ContactID).With("event_type", string(ev.Type), "provider_event_id", ev.ProviderEventID)

	release, err := o.locker.Lock(ctx, lock.ContactKey(ev.ContactID))
	if err != nil {
		return Handled{}, fmt.Errorf("orchestrator: lock %s: %w", ev.ContactID, err)
	}
	defer release()

	c, err := o.ledger.Get(ctx, ev.ContactID)
	if errors.Is(err, contacts.ErrNotFound) {
		logger.Warn("event for unknown contact dropped")
		o.metrics.ObserveEvent(string(ev.Type), statusDropped)
		return Handled{Status: statusDropped, Reason: "unknown contact"}, nil
	}
	if err != nil {
		return Handled{}, fmt.Errorf("orchestrator: load contact: %w", err)
	}
	out.From = c.State

	sess, err := o.resolveSession(ctx, c.ID, ev)
	if err != nil {
		return out, err
	}
	if ev.Type.FromProvider() && !sess.Open() && !opensCampaign(c, ev) {
		logger.Info("provider event without an open session dropped", "session_hint", ev.SessionHint)
		o.metrics.ObserveEvent(string(ev.Type), statusDropped)
		out.Status, out.Reason = statusDropped, "no open session"
		return out, nil
	}

	scope := dedupeScope(c.ID, ev, sess)
	if ev.ProviderEventID != "" {
		seen, err := o.processed.AlreadyProcessed(ctx, scope, ev.ProviderEventID)
		if err != nil {
			return out, fmt.Errorf("orchestrator: dedupe lookup: %w", err)
		}
		if seen {
			logger.Debug("duplicate event ignored", "scope", scope)
			o.metrics.ObserveEvent(string(ev.Type), statusDuplicate)
			out.Status, out.Reason = statusDuplicate, "already processed"
			return out, nil
		}
	}

	in := statemachine.Input{Event: ev, Session: sess, Now: o.now().UTC()}
	if ev.Type == events.TypeMessageReceived {
		in.Intent = o.classify(ctx, ev.Payload.Text, logger)
		ts := ev.OccurredAt
		c.LastInboundAt = &ts
	}

	res := statemachine.Transition(o.policy, c.State, in, c.Counters)
	out.Result = res
	if res.Ignored {
		logger.Info("event ignored", "state", string(c.State), "reason", res.Reason)
		if err := o.markProcessed(ctx, scope, ev); err != nil {
			return out, err
		}
		o.metrics.ObserveEvent(string(ev.Type), statusIgnored)
		out.Status, out.Reason = statusIgnored, res.Reason
		return out, nil
	}

	r := &run{o: o, c: c, ev: ev, session: sess, logger: logger, now: in.Now}
	r.apply(ctx, res)

	from := c.State
	c.State = res.Next
	c.Counters = res.Data
	if res.Outcome != "" {
		c.Outcome = res.Outcome
	}
	if ev.Type == events.TypeMarkClosed && ev.Payload.Notes != "" {
		c.Notes = ev.Payload.Notes
	}
	if r.outbound {
		ts := in.Now
		c.LastOutboundAt = &ts
	}
	if err := o.ledger.Save(ctx, c, from); err != nil {
		return out, fmt.Errorf("orchestrator: save contact: %w", err)
	}
	if err := o.markProcessed(ctx, scope, ev); err != nil {
		return out, err
	}

	o.record(from, res)
	o.metrics.ObserveEvent(string(ev.Type), statusApplied)
	if res.Changed(from) {
		logger.Info("contact state changed", "state_from", string(from), "state_to", string(res.Next), "commands", len(res.Commands))
		if o.publisher != nil {
			o.publisher.Publish(handoff.StreamEvent{
				Type:      handoff.StreamStateChanged,
				ContactID: c.ID,
				From:      string(from),
				To:        string(res.Next),
				At:        in.Now,
			})
		}
	}
	out.Status = statusApplied
	return out, nil
}

// resolveSession finds the session an event belongs to: the hinted one
// when it is still this contact's, otherwise the contact's open session.
func (o *Orchestrator) resolveSession(ctx context.Context, contactID string, ev events.Event) (*contacts.Session, error) {
	if ev.SessionHint != "" {
		s, err := o.ledger.GetSession(ctx, ev.SessionHint)
		switch {
		case err == nil && s.ContactID == contactID:
			if s.Open() || ev.Type.FromProvider() {
				return s, nil
			}
		case err != nil && !errors.Is(err, contacts.ErrNotFound):
			return nil, fmt.Errorf("orchestrator: load session: %w", err)
		}
		if ev.Type.FromProvider() {
			// a hint that names another contact's or an unknown session
			return nil, nil
		}
	}
	s, err := o.ledger.OpenSessionFor(ctx, contactID)
	if errors.Is(err, contacts.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("orchestrator: load open session: %w", err)
	}
	return s, nil
}

// opensCampaign reports whether ev is a contact writing in before the
// campaign reached them, which is handled without a session.
func opensCampaign(c *contacts.Contact, ev events.Event) bool {
	return c.State == contacts.StateInitial && ev.Type == events.TypeMessageReceived
}

func dedupeScope(contactID string, ev events.Event, sess *contacts.Session) string {
	switch {
	case ev.Type.FromProvider() && sess != nil:
		return "session:" + sess.ID
	case ev.SessionHint != "":
		return "session:" + ev.SessionHint
	default:
		return "contact:" + contactID
	}
}

func (o *Orchestrator) markProcessed(ctx context.Context, scope string, ev events.Event) error {
	if ev.ProviderEventID == "" {
		return nil
	}
	if _, err := o.processed.MarkProcessed(ctx, scope, ev.ProviderEventID); err != nil {
		return fmt.Errorf("orchestrator: mark processed: %w", err)
	}
	return nil
}

func (o *Orchestrator) classify(ctx context.Context, text string, logger *logging.Logger) intent.Intent {
	got, err := o.classifier.Classify(ctx, text)
	if err != nil {
		logger.Warn("intent classification failed", "error", err)
		return intent.Ambiguous
	}
	return got
}

func (o *Orchestrator) record(from contacts.State, res statemachine.Result) {
	prev := from
	for _, s := range res.Path {
		o.metrics.ObserveTransition(string(prev), string(s))
		prev = s
	}
}
