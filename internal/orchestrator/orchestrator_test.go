package orchestrator

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paradixe-xz/evaInstance-sub000/internal/contacts"
	"github.com/paradixe-xz/evaInstance-sub000/internal/dispatch"
	"github.com/paradixe-xz/evaInstance-sub000/internal/events"
	"github.com/paradixe-xz/evaInstance-sub000/internal/handoff"
	"github.com/paradixe-xz/evaInstance-sub000/internal/intent"
	"github.com/paradixe-xz/evaInstance-sub000/internal/templates"
	"github.com/paradixe-xz/evaInstance-sub000/internal/transcript"
	"github.com/paradixe-xz/evaInstance-sub000/pkg/logging"
)

type fakeDispatcher struct {
	mu       sync.Mutex
	ledger   contacts.Repository
	sent     []dispatch.Command
	failKind dispatch.Kind
}

func (f *fakeDispatcher) OpenSession(ctx context.Context, contactID string, channel contacts.Channel) (*contacts.Session, error) {
	s, err := f.ledger.OpenSession(ctx, contactID, channel, time.Now().UTC())
	if errors.Is(err, contacts.ErrSessionAlreadyOpen) {
		return nil, &dispatch.SessionAlreadyOpenError{ContactID: contactID}
	}
	return s, err
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, contactID string, cmd dispatch.Command) (dispatch.Receipt, error) {
	f.mu.Lock()
	f.sent = append(f.sent, cmd)
	f.mu.Unlock()
	if cmd.Kind == f.failKind {
		return dispatch.Receipt{}, &dispatch.DispatchFailure{Kind: cmd.Kind, ContactID: contactID, Attempts: 3, Err: errors.New("provider down")}
	}
	if cmd.Kind == dispatch.KindStartCall {
		if err := f.ledger.SetSessionHandle(ctx, cmd.SessionID, "call-"+contactID); err != nil {
			return dispatch.Receipt{}, err
		}
	}
	return dispatch.Receipt{CommandID: cmd.ID, Attempts: 1}, nil
}

func (f *fakeDispatcher) commands() []dispatch.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]dispatch.Command(nil), f.sent...)
}

func (f *fakeDispatcher) kinds() []dispatch.Kind {
	var out []dispatch.Kind
	for _, c := range f.commands() {
		out = append(out, c.Kind)
	}
	return out
}

type scheduled struct {
	ev    events.Event
	after time.Duration
}

type recordingScheduler struct {
	mu   sync.Mutex
	jobs []scheduled
}

func (s *recordingScheduler) Schedule(_ context.Context, ev events.Event, after time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, scheduled{ev: ev, after: after})
	return nil
}

func (s *recordingScheduler) last(t *testing.T) scheduled {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.jobs)
	return s.jobs[len(s.jobs)-1]
}

func (s *recordingScheduler) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

type recordingAnalysis struct {
	mu       sync.Mutex
	requests []string
}

func (a *recordingAnalysis) RequestAnalysis(_ context.Context, contactID, sessionID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.requests = append(a.requests, contactID+"/"+sessionID)
	return nil
}

type responderFunc func(ctx context.Context, c *contacts.Contact, tr transcript.Transcript) (string, error)

func (f responderFunc) Respond(ctx context.Context, c *contacts.Contact, tr transcript.Transcript) (string, error) {
	return f(ctx, c, tr)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []handoff.StreamEvent
}

func (p *recordingPublisher) Publish(ev handoff.StreamEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

// keywordIntents maps a few literal replies for tests.
var keywordIntents = intent.ClassifierFunc(func(_ context.Context, text string) (intent.Intent, error) {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "yes":
		return intent.Affirmative, nil
	case "no":
		return intent.Negative, nil
	case "stop":
		return intent.HardRejection, nil
	case "boom":
		return "", errors.New("classifier unavailable")
	}
	return intent.Ambiguous, nil
})

type fixture struct {
	ledger      *contacts.MemoryRepository
	disp        *fakeDispatcher
	sched       *recordingScheduler
	analysis    *recordingAnalysis
	transcripts *transcript.MemoryAssembler
	queue       *handoff.MemoryQueue
	publisher   *recordingPublisher
	orch        *Orchestrator
	contact     *contacts.Contact
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	catalog, err := templates.Default()
	require.NoError(t, err)

	f := &fixture{
		ledger:      contacts.NewMemoryRepository(),
		sched:       &recordingScheduler{},
		analysis:    &recordingAnalysis{},
		transcripts: transcript.NewMemoryAssembler(),
		queue:       handoff.NewMemoryQueue(),
		publisher:   &recordingPublisher{},
	}
	f.disp = &fakeDispatcher{ledger: f.ledger}
	base := []Option{
		WithLogger(logging.Discard()),
		WithPersona("Eva", "Acme Credit"),
		WithPublisher(f.publisher),
		WithResponder(responderFunc(func(context.Context, *contacts.Contact, transcript.Transcript) (string, error) {
			return "Sounds good, let me explain the plan.", nil
		})),
	}
	f.orch = New(Deps{
		Ledger:      f.ledger,
		Dispatcher:  f.disp,
		Transcripts: f.transcripts,
		Classifier:  keywordIntents,
		Handoff:     f.queue,
		Scheduler:   f.sched,
		Analysis:    f.analysis,
		Catalog:     catalog,
	}, append(base, opts...)...)

	c, _, err := f.ledger.Create(context.Background(), contacts.NewContact{Phone: "+15550001111", Name: "Ana Gomez"})
	require.NoError(t, err)
	f.contact = c
	return f
}

func (f *fixture) state(t *testing.T) *contacts.Contact {
	t.Helper()
	c, err := f.ledger.Get(context.Background(), f.contact.ID)
	require.NoError(t, err)
	return c
}

func (f *fixture) openSession(t *testing.T) *contacts.Session {
	t.Helper()
	s, err := f.ledger.OpenSessionFor(context.Background(), f.contact.ID)
	require.NoError(t, err)
	return s
}

func (f *fixture) provider(typ events.Type, sessionID, eventID string, p events.Payload) events.Event {
	return events.Event{
		ContactID:       f.contact.ID,
		SessionHint:     sessionID,
		Type:            typ,
		Payload:         p,
		ProviderEventID: eventID,
		OccurredAt:      time.Now().UTC(),
		Provider:        "telnyx",
	}
}

func TestNewPanicsWithoutDependencies(t *testing.T) {
	assert.Panics(t, func() { New(Deps{}) })
}

func TestCampaignThroughCallToHandoff(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.orch.FirstContact(ctx, f.contact.ID))
	c := f.state(t)
	assert.Equal(t, contacts.StateWaitingConfirmation, c.State)
	assert.NotNil(t, c.LastOutboundAt)
	text := f.openSession(t)
	assert.Equal(t, contacts.ChannelText, text.Channel)

	sent := f.disp.commands()
	require.Len(t, sent, 1)
	assert.Equal(t, dispatch.KindSendMessage, sent[0].Kind)
	assert.Equal(t, "+15550001111", sent[0].To)
	assert.Equal(t, text.ID, sent[0].SessionID)
	assert.Contains(t, sent[0].Text, "Hi Ana, this is Eva from Acme Credit")

	timer := f.sched.last(t)
	assert.Equal(t, events.TypeTimerFired, timer.ev.Type)
	assert.Equal(t, events.TimerReply, timer.ev.Payload.Timer)
	assert.Equal(t, c.Counters.TimerSeq, timer.ev.Payload.TimerSeq)
	assert.Equal(t, 24*time.Hour, timer.after)

	// the contact accepts and the text session gives way to a call
	require.NoError(t, f.orch.HandleEvent(ctx, f.provider(events.TypeMessageReceived, text.ID, "msg-1", events.Payload{Text: "yes"})))
	c = f.state(t)
	assert.Equal(t, contacts.StateScheduledCall, c.State)
	assert.NotNil(t, c.LastInboundAt)
	closed, err := f.ledger.GetSession(ctx, text.ID)
	require.NoError(t, err)
	assert.False(t, closed.Open())
	voice := f.openSession(t)
	assert.Equal(t, contacts.ChannelVoice, voice.Channel)
	assert.Equal(t, []dispatch.Kind{dispatch.KindSendMessage, dispatch.KindStartCall}, f.disp.kinds())

	require.NoError(t, f.orch.HandleEvent(ctx, f.provider(events.TypeCallStarted, voice.ID, "call-ev-1", events.Payload{})))
	assert.Equal(t, contacts.StateCallInProgress, f.state(t).State)
	sent = f.disp.commands()
	greeting := sent[len(sent)-1]
	assert.Equal(t, dispatch.KindSpeak, greeting.Kind)
	assert.Equal(t, "call-"+f.contact.ID, greeting.Handle)
	assert.Contains(t, greeting.Text, "Hello Ana")

	speech := f.provider(events.TypeSpeechRecognized, voice.ID, "stt-1", events.Payload{Text: "I'm listening"})
	require.NoError(t, f.orch.HandleEvent(ctx, speech))
	before := len(f.disp.commands())
	require.NoError(t, f.orch.HandleEvent(ctx, speech))
	assert.Len(t, f.disp.commands(), before, "duplicate speech must not trigger a second reply")

	require.NoError(t, f.orch.HandleEvent(ctx, f.provider(events.TypeCallEnded, voice.ID, "call-ev-2", events.Payload{EndReason: "completed"})))
	c = f.state(t)
	assert.Equal(t, contacts.StateCallCompleted, c.State)
	ended, err := f.ledger.GetSession(ctx, voice.ID)
	require.NoError(t, err)
	assert.Equal(t, contacts.EndCompleted, ended.EndReason)

	tr, err := f.transcripts.Get(ctx, voice.ID)
	require.NoError(t, err)
	assert.True(t, tr.Sealed)
	require.Len(t, tr.Turns, 3)
	assert.Equal(t, transcript.RoleAgent, tr.Turns[0].Role)
	assert.Equal(t, "I'm listening", tr.Turns[1].Text)
	assert.Equal(t, "Sounds good, let me explain the plan.", tr.Turns[2].Text)
	assert.Equal(t, []string{f.contact.ID + "/" + voice.ID}, f.analysis.requests)
	assert.Equal(t, events.TimerAnalysis, f.sched.last(t).ev.Payload.Timer)
	assert.Equal(t, voice.ID, f.sched.last(t).ev.SessionHint)

	_, err = f.ledger.SaveVerdict(ctx, f.contact.ID, contacts.Verdict{
		SessionID:     voice.ID,
		InterestLevel: contacts.InterestHigh,
		Priority:      contacts.PriorityHigh,
		Summary:       "Wants a payment plan",
		CreatedAt:     time.Now().UTC(),
	})
	require.NoError(t, err)
	require.NoError(t, f.orch.HandleEvent(ctx, events.Event{
		ContactID:       f.contact.ID,
		SessionHint:     voice.ID,
		Type:            events.TypeVerdictReady,
		Payload:         events.Payload{InterestLevel: "high", Priority: "high"},
		ProviderEventID: "verdict:" + voice.ID,
		OccurredAt:      time.Now().UTC(),
	}))
	c = f.state(t)
	assert.Equal(t, contacts.StateReadyForHuman, c.State)
	assert.Equal(t, contacts.OutcomeInterested, c.Outcome)
	entry, err := f.queue.Get(ctx, f.contact.ID)
	require.NoError(t, err)
	assert.Equal(t, contacts.PriorityHigh, entry.Priority)
	assert.Equal(t, "Wants a payment plan", entry.Summary)
	assert.Equal(t, voice.ID, entry.SessionID)

	require.NoError(t, f.orch.MarkClosed(ctx, f.contact.ID, "interested", " booked for Monday "))
	c = f.state(t)
	assert.Equal(t, contacts.StateClosedByHuman, c.State)
	assert.Equal(t, "booked for Monday", c.Notes)
	_, err = f.queue.Get(ctx, f.contact.ID)
	assert.ErrorIs(t, err, handoff.ErrNotFound)

	err = f.orch.MarkClosed(ctx, f.contact.ID, "closed", "")
	assert.ErrorIs(t, err, contacts.ErrInvalidTransition)

	f.publisher.mu.Lock()
	var last handoff.StreamEvent
	if n := len(f.publisher.events); n > 0 {
		last = f.publisher.events[n-1]
	}
	f.publisher.mu.Unlock()
	assert.Equal(t, handoff.StreamStateChanged, last.Type)
	assert.Equal(t, string(contacts.StateClosedByHuman), last.To)
}

func TestHardRejectionClosesImmediately(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.orch.FirstContact(ctx, f.contact.ID))
	text := f.openSession(t)

	require.NoError(t, f.orch.HandleEvent(ctx, f.provider(events.TypeMessageReceived, text.ID, "msg-1", events.Payload{Text: "no"})))
	c := f.state(t)
	assert.Equal(t, contacts.StateConvincing, c.State)
	assert.Equal(t, 1, c.Counters.Convincing)
	sent := f.disp.commands()
	assert.Contains(t, sent[len(sent)-1].Text, "I understand, Ana")

	require.NoError(t, f.orch.HandleEvent(ctx, f.provider(events.TypeMessageReceived, text.ID, "msg-2", events.Payload{Text: "stop"})))
	c = f.state(t)
	assert.Equal(t, contacts.StateRejected, c.State)
	assert.Equal(t, contacts.OutcomeNotInterested, c.Outcome)
	_, err := f.ledger.OpenSessionFor(ctx, f.contact.ID)
	assert.ErrorIs(t, err, contacts.ErrNotFound)
}

func TestClassifierFailureCountsAsAmbiguous(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.orch.FirstContact(ctx, f.contact.ID))
	text := f.openSession(t)

	require.NoError(t, f.orch.HandleEvent(ctx, f.provider(events.TypeMessageReceived, text.ID, "msg-1", events.Payload{Text: "boom"})))
	c := f.state(t)
	assert.Equal(t, contacts.StateWaitingConfirmation, c.State)
	assert.Equal(t, 1, c.Counters.Ambiguous)
	sent := f.disp.commands()
	assert.Contains(t, sent[len(sent)-1].Text, "didn't quite get that")
}

func TestStaleTimerIgnoredAndCurrentTimerFires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.orch.FirstContact(ctx, f.contact.ID))
	current := f.sched.last(t).ev

	stale := current
	stale.Payload.TimerSeq = current.Payload.TimerSeq - 1
	stale.ProviderEventID = "timer:reply:stale"
	out, err := f.orch.handle(ctx, stale)
	require.NoError(t, err)
	assert.Equal(t, statusIgnored, out.Status)
	assert.Equal(t, contacts.StateWaitingConfirmation, f.state(t).State)

	require.NoError(t, f.orch.HandleEvent(ctx, current))
	c := f.state(t)
	assert.Equal(t, contacts.StateNoResponse, c.State)
	_, err = f.ledger.OpenSessionFor(ctx, f.contact.ID)
	assert.ErrorIs(t, err, contacts.ErrNotFound)
	assert.Equal(t, events.TimerRetry, f.sched.last(t).ev.Payload.Timer)
}

func TestProviderEventWithoutSessionDropped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.orch.handle(ctx, f.provider(events.TypeCallStarted, "", "call-ev-1", events.Payload{}))
	require.NoError(t, err)
	assert.Equal(t, statusDropped, out.Status)
	assert.Equal(t, contacts.StateInitial, f.state(t).State)
	assert.Empty(t, f.disp.commands())

	out, err = f.orch.handle(ctx, events.Event{ContactID: "+19990000000", Type: events.TypeFirstContact})
	require.NoError(t, err)
	assert.Equal(t, statusDropped, out.Status)
	assert.ErrorIs(t, f.orch.FirstContact(ctx, "+19990000000"), contacts.ErrNotFound)
}

func TestInboundBeforeCampaignOpensConversation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.orch.HandleEvent(ctx, f.provider(events.TypeMessageReceived, "", "msg-0", events.Payload{Text: "who is this?"})))
	assert.Equal(t, contacts.StateWaitingConfirmation, f.state(t).State)
	assert.Equal(t, []dispatch.Kind{dispatch.KindSendMessage}, f.disp.kinds())
}

func TestDispatchFailureKeepsStateAndStopsCommands(t *testing.T) {
	f := newFixture(t)
	f.disp.failKind = dispatch.KindSendMessage
	ctx := context.Background()

	require.NoError(t, f.orch.FirstContact(ctx, f.contact.ID))
	assert.Equal(t, contacts.StateWaitingConfirmation, f.state(t).State)
	assert.Zero(t, f.sched.count(), "timer after the failed send is dropped")
	assert.Nil(t, f.state(t).LastOutboundAt)
}

func TestFirstContactTwiceIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.orch.FirstContact(ctx, f.contact.ID))
	assert.ErrorIs(t, f.orch.FirstContact(ctx, f.contact.ID), contacts.ErrInvalidTransition)
	assert.Len(t, f.disp.commands(), 1)
}

func TestCancelHangsUpLiveCall(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.orch.FirstContact(ctx, f.contact.ID))
	text := f.openSession(t)
	require.NoError(t, f.orch.HandleEvent(ctx, f.provider(events.TypeMessageReceived, text.ID, "msg-1", events.Payload{Text: "yes"})))
	voice := f.openSession(t)
	require.NoError(t, f.orch.HandleEvent(ctx, f.provider(events.TypeCallStarted, voice.ID, "call-ev-1", events.Payload{})))

	require.NoError(t, f.orch.Cancel(ctx, f.contact.ID))
	kinds := f.disp.kinds()
	assert.Equal(t, dispatch.KindHangup, kinds[len(kinds)-1])
	assert.Equal(t, contacts.StateCallCompleted, f.state(t).State)
	assert.Len(t, f.analysis.requests, 1)
}

func TestCancelWithoutConversationIsRejected(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.orch.Cancel(context.Background(), f.contact.ID), contacts.ErrInvalidTransition)
}

func TestMarkClosedRejectsUnknownOutcome(t *testing.T) {
	f := newFixture(t)
	err := f.orch.MarkClosed(context.Background(), f.contact.ID, "maybe", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown outcome")
}

func TestIngestAndStartCampaign(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.orch.Ingest(ctx, []contacts.NewContact{
		{Phone: "+15550002222", Name: "Luis"},
		{Phone: "+15550003333", Name: "Marta"},
		{Phone: "+15550001111", Name: "Ana again"},
		{Phone: "not a phone"},
	})
	require.NoError(t, err)
	assert.Len(t, res.Created, 2)
	assert.Len(t, res.Existing, 1)
	require.Len(t, res.Rejected, 1)
	assert.Equal(t, "not a phone", res.Rejected[0].Phone)

	started, err := f.orch.StartCampaign(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, started)

	started, err = f.orch.StartCampaign(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, started)

	remaining, err := f.ledger.List(ctx, contacts.ListFilter{State: contacts.StateInitial})
	require.NoError(t, err)
	assert.Empty(t, remaining)
	assert.Len(t, f.disp.commands(), 3)
}

// hookLedger runs onGet once, right after the orchestrator loads a contact.
type hookLedger struct {
	*contacts.MemoryRepository
	mu    sync.Mutex
	onGet func()
}

func (h *hookLedger) Get(ctx context.Context, id string) (*contacts.Contact, error) {
	c, err := h.MemoryRepository.Get(ctx, id)
	h.mu.Lock()
	hook := h.onGet
	h.onGet = nil
	h.mu.Unlock()
	if hook != nil {
		hook()
	}
	return c, err
}

func (f *fixture) orchestratorOver(t *testing.T, ledger contacts.Repository) *Orchestrator {
	t.Helper()
	catalog, err := templates.Default()
	require.NoError(t, err)
	return New(Deps{
		Ledger:      ledger,
		Dispatcher:  f.disp,
		Transcripts: f.transcripts,
		Classifier:  keywordIntents,
		Handoff:     f.queue,
		Scheduler:   f.sched,
		Analysis:    f.analysis,
		Catalog:     catalog,
	}, WithLogger(logging.Discard()))
}

// toCompletedCall walks the fixture contact through a call that ends early.
func (f *fixture) toCompletedCall(t *testing.T) *contacts.Session {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.orch.FirstContact(ctx, f.contact.ID))
	text := f.openSession(t)
	require.NoError(t, f.orch.HandleEvent(ctx, f.provider(events.TypeMessageReceived, text.ID, "msg-1", events.Payload{Text: "yes"})))
	voice := f.openSession(t)
	require.NoError(t, f.orch.HandleEvent(ctx, f.provider(events.TypeCallStarted, voice.ID, "call-ev-1", events.Payload{})))
	require.NoError(t, f.orch.Cancel(ctx, f.contact.ID))
	require.Equal(t, contacts.StateCallCompleted, f.state(t).State)
	return voice
}

func TestAnalysisGuardTimerKeepsVerdictStoredMeanwhile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	voice := f.toCompletedCall(t)
	guard := f.sched.last(t).ev
	require.Equal(t, events.TimerAnalysis, guard.Payload.Timer)

	ledger := &hookLedger{MemoryRepository: f.ledger}
	ledger.onGet = func() {
		stored, err := f.ledger.SaveVerdict(ctx, f.contact.ID, contacts.Verdict{
			SessionID:     voice.ID,
			InterestLevel: contacts.InterestNone,
			Priority:      contacts.PriorityLow,
			ManualReview:  true,
			CreatedAt:     time.Now().UTC(),
		})
		require.NoError(t, err)
		require.True(t, stored)
	}
	orch := f.orchestratorOver(t, ledger)

	require.NoError(t, orch.HandleEvent(ctx, guard))
	c := f.state(t)
	assert.Equal(t, contacts.StateCallCompleted, c.State)
	require.NotNil(t, c.Verdict, "guard timer save erased the verdict")
	assert.Equal(t, voice.ID, c.Verdict.SessionID)
	assert.True(t, c.ManualReview, "guard timer save cleared manual review")
	assert.Len(t, f.analysis.requests, 2)
}

func TestVoicemailReengagedOnceByLaterRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	toVoicemail := func(msgID, amdID string) {
		text := f.openSession(t)
		require.NoError(t, f.orch.HandleEvent(ctx, f.provider(events.TypeMessageReceived, text.ID, msgID, events.Payload{Text: "yes"})))
		voice := f.openSession(t)
		require.NoError(t, f.orch.HandleEvent(ctx, f.provider(events.TypeVoicemailDetected, voice.ID, amdID, events.Payload{})))
		require.Equal(t, contacts.StateVoicemail, f.state(t).State)
	}

	require.NoError(t, f.orch.FirstContact(ctx, f.contact.ID))
	toVoicemail("msg-1", "amd-1")

	started, err := f.orch.StartCampaign(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, started)
	c := f.state(t)
	assert.Equal(t, contacts.StateWaitingConfirmation, c.State)
	assert.Equal(t, 1, c.Counters.Reengagements)
	sent := f.disp.commands()
	assert.Contains(t, sent[len(sent)-1].Text, "Eva again from Acme Credit")

	toVoicemail("msg-2", "amd-2")
	before := len(f.disp.commands())
	started, err = f.orch.StartCampaign(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, started)
	assert.ErrorIs(t, f.orch.FirstContact(ctx, f.contact.ID), contacts.ErrInvalidTransition)
	assert.Equal(t, contacts.StateVoicemail, f.state(t).State)
	assert.Len(t, f.disp.commands(), before)
}

func TestConcurrentEventsForOneContactApplyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.orch.FirstContact(ctx, f.contact.ID))
	text := f.openSession(t)

	burst := func(next func(i int) events.Event) {
		var wg sync.WaitGroup
		errs := make(chan error, 10)
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs <- f.orch.HandleEvent(ctx, next(i))
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}
	}

	// duplicate and distinct acceptances race each other
	burst(func(i int) events.Event {
		id := "msg-dup"
		if i%2 == 1 {
			id = "msg-" + strconv.Itoa(i)
		}
		return f.provider(events.TypeMessageReceived, text.ID, id, events.Payload{Text: "yes"})
	})
	assert.Equal(t, contacts.StateScheduledCall, f.state(t).State)
	voice := f.openSession(t)
	assert.Equal(t, contacts.ChannelVoice, voice.Channel)
	assert.Equal(t, []dispatch.Kind{dispatch.KindSendMessage, dispatch.KindStartCall}, f.disp.kinds())

	burst(func(int) events.Event {
		return f.provider(events.TypeCallStarted, voice.ID, "call-ev-1", events.Payload{})
	})
	assert.Equal(t, contacts.StateCallInProgress, f.state(t).State)
	assert.Equal(t, []dispatch.Kind{dispatch.KindSendMessage, dispatch.KindStartCall, dispatch.KindSpeak}, f.disp.kinds())
	assert.Equal(t, voice.ID, f.openSession(t).ID)
}

type handlerFunc func(ctx context.Context, ev events.Event) error

func (f handlerFunc) HandleEvent(ctx context.Context, ev events.Event) error {
	return f(ctx, ev)
}

func TestAfterFuncSchedulerDelivers(t *testing.T) {
	s := NewAfterFuncScheduler(logging.Discard())
	got := make(chan events.Event, 1)
	s.Bind(handlerFunc(func(_ context.Context, ev events.Event) error {
		got <- ev
		return nil
	}))

	require.NoError(t, s.Schedule(context.Background(), events.Event{ContactID: "c1", Type: events.TypeTimerFired}, 10*time.Millisecond))
	select {
	case ev := <-got:
		assert.Equal(t, "c1", ev.ContactID)
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired")
	}
	s.Close()
}

func TestAfterFuncSchedulerCloseStopsPending(t *testing.T) {
	s := NewAfterFuncScheduler(logging.Discard())
	fired := make(chan struct{}, 1)
	s.Bind(handlerFunc(func(context.Context, events.Event) error {
		fired <- struct{}{}
		return nil
	}))
	require.NoError(t, s.Schedule(context.Background(), events.Event{ContactID: "c1"}, time.Hour))
	assert.Equal(t, 1, s.Pending())
	s.Close()
	assert.Zero(t, s.Pending())
	require.NoError(t, s.Schedule(context.Background(), events.Event{ContactID: "c2"}, 0))
	select {
	case <-fired:
		t.Fatal("closed scheduler delivered a timer")
	case <-time.After(50 * time.Millisecond):
	}
}
