// Package dispatch executes outbound provider commands for a contact under
// a per-contact lock, with rate limiting, bounded retries and a command log.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/paradixe-xz/evaInstance-sub000/internal/contacts"
	"github.com/paradixe-xz/evaInstance-sub000/internal/events"
	"github.com/paradixe-xz/evaInstance-sub000/internal/lock"
	"github.com/paradixe-xz/evaInstance-sub000/internal/observability/metrics"
	"github.com/paradixe-xz/evaInstance-sub000/pkg/logging"
)

// ProviderName tags synthetic events produced by the dispatcher.
const ProviderName = "dispatcher"

// Sessions is the part of the contact ledger the dispatcher guards.
type Sessions interface {
	OpenSession(ctx context.Context, contactID string, channel contacts.Channel, at time.Time) (*contacts.Session, error)
	OpenSessionFor(ctx context.Context, contactID string) (*contacts.Session, error)
	SetSessionHandle(ctx context.Context, sessionID, handle string) error
}

// EventSink accepts the synthetic provider_error event emitted when a
// command fails for good. It must not call back into the dispatcher
// synchronously for the same contact.
type EventSink interface {
	Submit(ctx context.Context, evt events.Event) error
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ctx context.Context, evt events.Event) error

func (f EventSinkFunc) Submit(ctx context.Context, evt events.Event) error {
	return f(ctx, evt)
}

// Config bounds provider calls. A zero RatePerSecond or PerMinute disables
// that limiter.
type Config struct {
	ProviderTimeout time.Duration
	MaxRetries      int
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	RatePerSecond   float64
	Burst           int
	PerMinute       int
}

func DefaultConfig() Config {
	return Config{
		ProviderTimeout: 5 * time.Second,
		MaxRetries:      3,
		InitialBackoff:  250 * time.Millisecond,
		MaxBackoff:      5 * time.Second,
		RatePerSecond:   5,
		Burst:           5,
		PerMinute:       120,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.ProviderTimeout <= 0 {
		c.ProviderTimeout = def.ProviderTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = def.InitialBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	if c.Burst < 1 {
		c.Burst = 1
	}
	return c
}

type Option func(*Dispatcher)

func WithLocker(l lock.Locker) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.locker = l
		}
	}
}

func WithCommandLog(log CommandLog) Option {
	return func(d *Dispatcher) {
		if log != nil {
			d.log = log
		}
	}
}

func WithEventSink(sink EventSink) Option {
	return func(d *Dispatcher) { d.sink = sink }
}

func WithMessenger(m Messenger) Option {
	return func(d *Dispatcher) { d.messenger = m }
}

func WithTelephony(t Telephony) Option {
	return func(d *Dispatcher) { d.telephony = t }
}

// WithSynthesizer routes speak commands through hosted audio instead of the
// telephony provider's built-in voice.
func WithSynthesizer(s Synthesizer) Option {
	return func(d *Dispatcher) { d.synth = s }
}

func WithMetrics(m *metrics.CampaignMetrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

func WithLogger(logger *logging.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// Dispatcher is the only component that talks to outbound providers.
type Dispatcher struct {
	cfg       Config
	sessions  Sessions
	locker    lock.Locker
	messenger Messenger
	telephony Telephony
	synth     Synthesizer
	log       CommandLog
	sink      EventSink
	perSecond *rate.Limiter
	perMinute *rate.Limiter
	metrics   *metrics.CampaignMetrics
	logger    *logging.Logger
	now       func() time.Time
	newID     func() string
}

func New(cfg Config, sessions Sessions, opts ...Option) *Dispatcher {
	if sessions == nil {
		panic("dispatch: session registry required")
	}
	cfg = cfg.withDefaults()
	d := &Dispatcher{
		cfg:      cfg,
		sessions: sessions,
		locker:   lock.NewKeyedMutex(),
		log:      NewMemoryCommandLog(),
		logger:   logging.Default(),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	if cfg.RatePerSecond > 0 {
		d.perSecond = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst)
	}
	if cfg.PerMinute > 0 {
		d.perMinute = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.PerMinute)), cfg.PerMinute)
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func lockKey(contactID string) string {
	return "dispatch:" + contactID
}

// OpenSession opens a session for the contact, rejecting a second one with
// *SessionAlreadyOpenError.
func (d *Dispatcher) OpenSession(ctx context.Context, contactID string, channel contacts.Channel) (*contacts.Session, error) {
	release, err := d.locker.Lock(ctx, lockKey(contactID))
	if err != nil {
		return nil, fmt.Errorf("dispatch: lock contact %s: %w", contactID, err)
	}
	defer release()

	session, err := d.sessions.OpenSession(ctx, contactID, channel, d.now().UTC())
	if errors.Is(err, contacts.ErrSessionAlreadyOpen) {
		alreadyOpen := &SessionAlreadyOpenError{ContactID: contactID}
		if existing, lookupErr := d.sessions.OpenSessionFor(ctx, contactID); lookupErr == nil {
			alreadyOpen.SessionID = existing.ID
		}
		return nil, alreadyOpen
	}
	if err != nil {
		return nil, fmt.Errorf("dispatch: open session: %w", err)
	}
	return session, nil
}

// Dispatch runs cmd against its provider. A permanent provider failure is
// logged, reported to the event sink as provider_error and returned as
// *DispatchFailure.
func (d *Dispatcher) Dispatch(ctx context.Context, contactID string, cmd Command) (Receipt, error) {
	if cmd.ID == "" {
		cmd.ID = d.newID()
	}
	release, err := d.locker.Lock(ctx, lockKey(contactID))
	if err != nil {
		return Receipt{}, fmt.Errorf("dispatch: lock contact %s: %w", contactID, err)
	}
	defer release()

	if cmd.Kind.startsSession() {
		if err := d.guardStart(ctx, contactID, cmd); err != nil {
			return Receipt{}, err
		}
	}
	if err := d.throttle(ctx, cmd.Kind); err != nil {
		return Receipt{}, fmt.Errorf("dispatch: rate limit: %w", err)
	}
	if err := d.log.PutPending(ctx, &CommandRecord{
		CommandID: cmd.ID,
		ContactID: contactID,
		SessionID: cmd.SessionID,
		Kind:      cmd.Kind,
	}); err != nil {
		return Receipt{}, err
	}

	started := d.now()
	receipt := Receipt{CommandID: cmd.ID}
	attempts := 0
	operation := func() error {
		attempts++
		callCtx, cancel := context.WithTimeout(ctx, d.cfg.ProviderTimeout)
		defer cancel()
		err := d.invoke(callCtx, cmd, &receipt)
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		d.logger.Warn("dispatch: provider call failed, retrying",
			"contact_id", contactID,
			"command", cmd.Kind,
			"attempt", attempts,
			"backoff", wait.String(),
			"error", err,
		)
	}
	err = backoff.RetryNotify(operation, d.retryPolicy(ctx), notify)
	receipt.Attempts = attempts
	receipt.Elapsed = d.now().Sub(started)
	if err != nil {
		return receipt, d.fail(ctx, contactID, cmd, receipt, err)
	}

	if logErr := d.log.MarkSucceeded(ctx, cmd.ID, receipt.ProviderID, attempts); logErr != nil {
		d.logger.Error("dispatch: command log update failed", "command_id", cmd.ID, "error", logErr)
	}
	if cmd.Kind == KindStartCall && receipt.ProviderID != "" {
		if err := d.sessions.SetSessionHandle(ctx, cmd.SessionID, receipt.ProviderID); err != nil {
			d.logger.Warn("dispatch: failed to record call handle",
				"contact_id", contactID,
				"session_id", cmd.SessionID,
				"error", err,
			)
		}
	}
	d.metrics.ObserveDispatch(string(cmd.Kind), "succeeded", receipt.Elapsed.Seconds())
	d.logger.Debug("dispatch: command delivered",
		"contact_id", contactID,
		"command", cmd.Kind,
		"attempts", attempts,
	)
	return receipt, nil
}

// guardStart allows start_call only for the contact's open session, and
// only once.
func (d *Dispatcher) guardStart(ctx context.Context, contactID string, cmd Command) error {
	open, err := d.sessions.OpenSessionFor(ctx, contactID)
	if errors.Is(err, contacts.ErrNotFound) {
		return fmt.Errorf("dispatch: %s for contact %s: %w", cmd.Kind, contactID, contacts.ErrSessionClosed)
	}
	if err != nil {
		return fmt.Errorf("dispatch: lookup open session: %w", err)
	}
	if open.ID != cmd.SessionID || open.ProviderHandle != "" {
		return &SessionAlreadyOpenError{ContactID: contactID, SessionID: open.ID}
	}
	return nil
}

func (d *Dispatcher) throttle(ctx context.Context, kind Kind) error {
	if !kind.rateLimited() {
		return nil
	}
	if d.perSecond != nil {
		if err := d.perSecond.Wait(ctx); err != nil {
			return err
		}
	}
	if d.perMinute != nil {
		if err := d.perMinute.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) retryPolicy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.InitialBackoff
	b.MaxInterval = d.cfg.MaxBackoff
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(d.cfg.MaxRetries)), ctx)
}

func (d *Dispatcher) invoke(ctx context.Context, cmd Command, receipt *Receipt) error {
	switch cmd.Kind {
	case KindSendMessage:
		if d.messenger == nil {
			return backoff.Permanent(ErrNoProvider)
		}
		id, err := d.messenger.SendMessage(ctx, cmd.To, cmd.Text)
		if err != nil {
			return err
		}
		receipt.ProviderID = id
		return nil
	case KindStartCall:
		if d.telephony == nil {
			return backoff.Permanent(ErrNoProvider)
		}
		handle, err := d.telephony.Dial(ctx, cmd.To, cmd.SessionID)
		if err != nil {
			return err
		}
		receipt.ProviderID = handle
		return nil
	case KindSpeak:
		if d.telephony == nil {
			return backoff.Permanent(ErrNoProvider)
		}
		return d.speak(ctx, cmd, receipt)
	case KindHangup:
		if d.telephony == nil {
			return backoff.Permanent(ErrNoProvider)
		}
		return d.telephony.Hangup(ctx, cmd.Handle)
	default:
		return backoff.Permanent(fmt.Errorf("dispatch: unsupported command %q", cmd.Kind))
	}
}

// speak plays synthesized audio when a synthesizer is configured and falls
// back to the provider voice if synthesis fails.
func (d *Dispatcher) speak(ctx context.Context, cmd Command, receipt *Receipt) error {
	if d.synth != nil && receipt.AudioURL == "" {
		url, err := d.synth.Synthesize(ctx, cmd.Text)
		if err != nil {
			d.logger.Warn("dispatch: speech synthesis failed, using provider voice",
				"session_id", cmd.SessionID,
				"error", err,
			)
		} else {
			receipt.AudioURL = url
		}
	}
	if receipt.AudioURL != "" {
		return d.telephony.Play(ctx, cmd.Handle, receipt.AudioURL)
	}
	return d.telephony.Speak(ctx, cmd.Handle, cmd.Text)
}

func (d *Dispatcher) fail(ctx context.Context, contactID string, cmd Command, receipt Receipt, cause error) error {
	msg := cause.Error()
	if logErr := d.log.MarkFailed(ctx, cmd.ID, msg, receipt.Attempts); logErr != nil {
		d.logger.Error("dispatch: command log update failed", "command_id", cmd.ID, "error", logErr)
	}
	d.metrics.ObserveDispatch(string(cmd.Kind), "failed", receipt.Elapsed.Seconds())
	d.logger.Error("dispatch: command failed",
		"contact_id", contactID,
		"session_id", cmd.SessionID,
		"command", cmd.Kind,
		"attempts", receipt.Attempts,
		"error", cause,
	)

	if d.sink != nil {
		evt := events.Event{
			ContactID:   contactID,
			SessionHint: cmd.SessionID,
			Type:        events.TypeProviderError,
			Payload: events.Payload{
				Command: string(cmd.Kind),
				Error:   msg,
			},
			ProviderEventID: "dispatch:" + cmd.ID,
			OccurredAt:      d.now().UTC(),
			Provider:        ProviderName,
		}
		if err := d.sink.Submit(context.WithoutCancel(ctx), evt); err != nil {
			d.logger.Error("dispatch: failed to submit provider_error event",
				"contact_id", contactID,
				"command_id", cmd.ID,
				"error", err,
			)
		}
	}

	return &DispatchFailure{
		CommandID: cmd.ID,
		Kind:      cmd.Kind,
		ContactID: contactID,
		Attempts:  receipt.Attempts,
		Err:       cause,
	}
}

// retryable treats errors that declare themselves non-temporary as final.
func retryable(err error) bool {
	var temp interface{ Temporary() bool }
	if errors.As(err, &temp) {
		return temp.Temporary()
	}
	return true
}
