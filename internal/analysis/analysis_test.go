package analysis

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/paradixe-xz/evaInstance-sub000/internal/archive"
	"github.com/paradixe-xz/evaInstance-sub000/internal/contacts"
	"github.com/paradixe-xz/evaInstance-sub000/internal/events"
	"github.com/paradixe-xz/evaInstance-sub000/internal/llm"
	"github.com/paradixe-xz/evaInstance-sub000/internal/lock"
	"github.com/paradixe-xz/evaInstance-sub000/internal/transcript"
	"github.com/paradixe-xz/evaInstance-sub000/pkg/logging"
)

const testPhone = "+15551234567"

type recordingSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingSink) Submit(_ context.Context, evt events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

type recordingArchive struct {
	records []*archive.SessionRecord
}

func (r *recordingArchive) ArchiveSession(_ context.Context, rec *archive.SessionRecord) error {
	r.records = append(r.records, rec)
	return nil
}

type countingClient struct {
	mu    sync.Mutex
	calls int
	fn    llm.ClientFunc
}

func (c *countingClient) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.fn(ctx, req)
}

func answer(text string) *countingClient {
	return &countingClient{fn: func(context.Context, llm.Request) (llm.Response, error) {
		return llm.Response{Text: text}, nil
	}}
}

type fixture struct {
	ledger      *contacts.MemoryRepository
	transcripts *transcript.MemoryAssembler
	sink        *recordingSink
	sessionID   string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	ledger := contacts.NewMemoryRepository()
	if _, _, err := ledger.Create(ctx, contacts.NewContact{Phone: testPhone, Name: "Ana"}); err != nil {
		t.Fatalf("create contact: %v", err)
	}
	session, err := ledger.OpenSession(ctx, testPhone, contacts.ChannelVoice, time.Now())
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	asm := transcript.NewMemoryAssembler()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	turns := []transcript.Turn{
		{Role: transcript.RoleAgent, Text: "Hola Ana, soy Eva", Timestamp: base, ProviderEventID: "t1"},
		{Role: transcript.RoleContact, Text: "Si, cuentame mas", Timestamp: base.Add(2 * time.Second), ProviderEventID: "t2"},
	}
	for _, turn := range turns {
		if err := asm.Append(ctx, session.ID, turn); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if _, err := asm.Seal(ctx, session.ID); err != nil {
		t.Fatalf("seal: %v", err)
	}
	return fixture{ledger: ledger, transcripts: asm, sink: &recordingSink{}, sessionID: session.ID}
}

func TestPriorityFor(t *testing.T) {
	cases := map[contacts.InterestLevel]contacts.Priority{
		contacts.InterestHigh:   contacts.PriorityHigh,
		contacts.InterestMedium: contacts.PriorityNormal,
		contacts.InterestLow:    contacts.PriorityLow,
		contacts.InterestNone:   contacts.PriorityLow,
	}
	for level, want := range cases {
		if got := PriorityFor(level); got != want {
			t.Errorf("PriorityFor(%s) = %s, want %s", level, got, want)
		}
	}
}

func TestParseVerdict(t *testing.T) {
	v, err := ParseVerdict("```json\n{\"interestLevel\":\"Medium\",\"objections\":[\"price\",\" \"],\"summary\":\"Wants details\",\"nextAction\":\"Call back\"}\n```")
	if err != nil {
		t.Fatalf("ParseVerdict: %v", err)
	}
	if v.InterestLevel != contacts.InterestMedium || v.Priority != contacts.PriorityNormal {
		t.Fatalf("unexpected verdict %+v", v)
	}
	if len(v.Objections) != 1 || v.Objections[0] != "price" {
		t.Fatalf("unexpected objections %v", v.Objections)
	}

	invalid := []string{
		"",
		"not json at all",
		`{"interestLevel":"high","summary":"x","nextAction":"y"}`,
		`{"interestLevel":"extreme","objections":[],"summary":"x","nextAction":"y"}`,
		`{"interestLevel":"high","objections":[],"summary":"","nextAction":"y"}`,
	}
	for _, raw := range invalid {
		_, err := ParseVerdict(raw)
		var failure *VerdictValidationFailure
		if !errors.As(err, &failure) {
			t.Errorf("ParseVerdict(%q) expected VerdictValidationFailure, got %v", raw, err)
		}
	}
}

func TestAnalyzeRecordsVerdictAndEmitsEvent(t *testing.T) {
	fx := newFixture(t)
	client := answer(`{"interestLevel":"high","objections":[],"summary":"Ready to buy","nextAction":"Call today"}`)
	arch := &recordingArchive{}
	p := NewPipeline(fx.transcripts, fx.ledger, client, fx.sink, WithArchiver(arch), WithLogger(logging.Discard()))

	v, err := p.Analyze(context.Background(), Request{ContactID: testPhone, SessionID: fx.sessionID})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if v.Priority != contacts.PriorityHigh || v.ManualReview || v.SessionID != fx.sessionID {
		t.Fatalf("unexpected verdict %+v", v)
	}

	stored, _ := fx.ledger.Get(context.Background(), testPhone)
	if stored.Verdict == nil || stored.Verdict.Summary != "Ready to buy" {
		t.Fatalf("verdict not stored: %+v", stored.Verdict)
	}
	if len(fx.sink.events) != 1 {
		t.Fatalf("expected one event, got %d", len(fx.sink.events))
	}
	evt := fx.sink.events[0]
	if evt.Type != events.TypeVerdictReady || evt.Payload.Priority != "high" || evt.SessionHint != fx.sessionID {
		t.Fatalf("unexpected event %+v", evt)
	}
	if len(arch.records) != 1 || arch.records[0].TurnCount != 2 {
		t.Fatalf("expected archived session, got %+v", arch.records)
	}
}

func TestAnalyzeTimeoutFallsBack(t *testing.T) {
	fx := newFixture(t)
	client := &countingClient{fn: func(ctx context.Context, _ llm.Request) (llm.Response, error) {
		<-ctx.Done()
		return llm.Response{}, ctx.Err()
	}}
	p := NewPipeline(fx.transcripts, fx.ledger, client, fx.sink, WithTimeout(20*time.Millisecond), WithLogger(logging.Discard()))

	v, err := p.Analyze(context.Background(), Request{ContactID: testPhone, SessionID: fx.sessionID})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if v.InterestLevel != contacts.InterestNone || v.Priority != contacts.PriorityLow || !v.ManualReview {
		t.Fatalf("expected fallback verdict, got %+v", v)
	}
	if !strings.Contains(v.Summary, "timed out") {
		t.Fatalf("expected timeout reason in summary, got %q", v.Summary)
	}
	stored, _ := fx.ledger.Get(context.Background(), testPhone)
	if !stored.ManualReview {
		t.Fatal("expected contact flagged for manual review")
	}
	if fx.sink.events[0].Payload.Priority != string(contacts.PriorityLow) {
		t.Fatalf("expected low priority event, got %+v", fx.sink.events[0])
	}
}

func TestAnalyzeMalformedFallsBack(t *testing.T) {
	fx := newFixture(t)
	p := NewPipeline(fx.transcripts, fx.ledger, answer("I think they liked it"), fx.sink, WithLogger(logging.Discard()))
	v, err := p.Analyze(context.Background(), Request{ContactID: testPhone, SessionID: fx.sessionID})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if !v.ManualReview || v.Priority != contacts.PriorityLow {
		t.Fatalf("expected manual review fallback, got %+v", v)
	}
}

func TestAnalyzeOncePerSession(t *testing.T) {
	fx := newFixture(t)
	client := answer(`{"interestLevel":"medium","objections":["timing"],"summary":"Maybe later","nextAction":"Follow up"}`)
	p := NewPipeline(fx.transcripts, fx.ledger, client, fx.sink, WithLogger(logging.Discard()))
	req := Request{ContactID: testPhone, SessionID: fx.sessionID}

	first, err := p.Analyze(context.Background(), req)
	if err != nil {
		t.Fatalf("first Analyze: %v", err)
	}
	second, err := p.Analyze(context.Background(), req)
	if err != nil {
		t.Fatalf("second Analyze: %v", err)
	}
	if client.calls != 1 {
		t.Fatalf("expected one reasoning call, got %d", client.calls)
	}
	if second.Summary != first.Summary || second.Priority != contacts.PriorityNormal {
		t.Fatalf("expected stored verdict, got %+v", second)
	}
	if len(fx.sink.events) != 2 || fx.sink.events[1].ProviderEventID != fx.sink.events[0].ProviderEventID {
		t.Fatalf("expected the same verdict_ready id twice, got %+v", fx.sink.events)
	}
}

func TestAnalyzeUnsealedTranscript(t *testing.T) {
	fx := newFixture(t)
	client := answer(`{}`)
	p := NewPipeline(fx.transcripts, fx.ledger, client, fx.sink, WithLogger(logging.Discard()))
	v, err := p.Analyze(context.Background(), Request{ContactID: testPhone, SessionID: "never-sealed"})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if !v.ManualReview || client.calls != 0 {
		t.Fatalf("expected fallback without reasoning call, got %+v (calls %d)", v, client.calls)
	}
}

func TestResponderMapsTurns(t *testing.T) {
	var got llm.Request
	client := llm.ClientFunc(func(_ context.Context, req llm.Request) (llm.Response, error) {
		got = req
		return llm.Response{Text: " Claro, te cuento. "}, nil
	})
	r := NewResponder(client, "model-x", "Eva", "Campaña", time.Second)
	tr := transcript.Transcript{Turns: []transcript.Turn{
		{Role: transcript.RoleAgent, Text: "Hola"},
		{Role: transcript.RoleContact, Text: "¿De qué se trata?"},
	}}
	text, err := r.Respond(context.Background(), &contacts.Contact{Name: "Ana"}, tr)
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if text != "Claro, te cuento." {
		t.Fatalf("unexpected text %q", text)
	}
	if len(got.Messages) != 3 || got.Messages[0].Role != llm.RoleUser || got.Messages[1].Role != llm.RoleAssistant {
		t.Fatalf("unexpected messages %+v", got.Messages)
	}
	if !strings.Contains(got.System[0], "Ana") {
		t.Fatalf("expected contact name in prompt, got %q", got.System[0])
	}
}

func TestResponderNeedsContactTurn(t *testing.T) {
	r := NewResponder(answer("x"), "", "", "", time.Second)
	tr := transcript.Transcript{Turns: []transcript.Turn{{Role: transcript.RoleAgent, Text: "Hola"}}}
	if _, err := r.Respond(context.Background(), nil, tr); err == nil {
		t.Fatal("expected an error when the agent spoke last")
	}
}

func TestAnalyzeWaitsForContactLock(t *testing.T) {
	fx := newFixture(t)
	locker := lock.NewKeyedMutex()
	client := answer(`{"interestLevel":"none","objections":[],"summary":"Not now","nextAction":"None"}`)
	p := NewPipeline(fx.transcripts, fx.ledger, client, fx.sink, WithLocker(locker), WithLogger(logging.Discard()))

	release, err := locker.Lock(context.Background(), lock.ContactKey(testPhone))
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	done := make(chan error, 1)
	go func() {
		_, err := p.Analyze(context.Background(), Request{ContactID: testPhone, SessionID: fx.sessionID})
		done <- err
	}()

	select {
	case err := <-done:
		t.Fatalf("verdict written while a transition held the contact: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	if _, err := fx.ledger.GetVerdict(context.Background(), fx.sessionID); !errors.Is(err, contacts.ErrNotFound) {
		t.Fatalf("expected no verdict before the lock is released, got %v", err)
	}

	release()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Analyze: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Analyze never finished")
	}
	if _, err := fx.ledger.GetVerdict(context.Background(), fx.sessionID); err != nil {
		t.Fatalf("expected verdict after release, got %v", err)
	}
}

// racingLedger lets another run store its verdict first.
type racingLedger struct {
	*contacts.MemoryRepository
	winner contacts.Verdict
}

func (r *racingLedger) SaveVerdict(ctx context.Context, contactID string, v contacts.Verdict) (bool, error) {
	if _, err := r.MemoryRepository.SaveVerdict(ctx, contactID, r.winner); err != nil {
		return false, err
	}
	return r.MemoryRepository.SaveVerdict(ctx, contactID, v)
}

func TestAnalyzeLosingRaceReportsStoredVerdict(t *testing.T) {
	fx := newFixture(t)
	ledger := &racingLedger{
		MemoryRepository: fx.ledger,
		winner: contacts.Verdict{
			SessionID:     fx.sessionID,
			InterestLevel: contacts.InterestHigh,
			Priority:      contacts.PriorityHigh,
			Summary:       "First run",
			CreatedAt:     time.Now().UTC(),
		},
	}
	client := answer(`{"interestLevel":"low","objections":[],"summary":"Second run","nextAction":"None"}`)
	p := NewPipeline(fx.transcripts, ledger, client, fx.sink, WithLogger(logging.Discard()))

	v, err := p.Analyze(context.Background(), Request{ContactID: testPhone, SessionID: fx.sessionID})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if v.Summary != "First run" || v.Priority != contacts.PriorityHigh {
		t.Fatalf("expected the stored verdict, got %+v", v)
	}
	if len(fx.sink.events) != 1 || fx.sink.events[0].Payload.Priority != "high" {
		t.Fatalf("expected verdict_ready for the stored verdict, got %+v", fx.sink.events)
	}
}
