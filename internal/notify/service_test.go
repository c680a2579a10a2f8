package notify

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/paradixe-xz/evaInstance-sub000/internal/contacts"
	"github.com/paradixe-xz/evaInstance-sub000/internal/handoff"
)

type mockEmailSender struct {
	sent   []EmailMessage
	failOn string
}

func (m *mockEmailSender) Send(_ context.Context, msg EmailMessage) error {
	if m.failOn != "" && msg.To == m.failOn {
		return errors.New("mock email error")
	}
	m.sent = append(m.sent, msg)
	return nil
}

type mockSMSSender struct {
	sent    []struct{ to, body string }
	callErr error
}

func (m *mockSMSSender) SendSMS(_ context.Context, to, body string) error {
	if m.callErr != nil {
		return m.callErr
	}
	m.sent = append(m.sent, struct{ to, body string }{to, body})
	return nil
}

func testEntry() handoff.Entry {
	return handoff.Entry{
		ContactID:     "+15551112222",
		SessionID:     "sess-1",
		Name:          "Ana <Ruiz>",
		Phone:         "+15551112222",
		Priority:      contacts.PriorityHigh,
		InterestLevel: contacts.InterestHigh,
		Summary:       "Asked for a payment plan",
		NextAction:    "call back today",
		Objections:    []string{"price"},
		VerdictAt:     time.Date(2026, 3, 2, 15, 4, 0, 0, time.UTC),
	}
}

func TestService_NotifyHandoff_BothChannels(t *testing.T) {
	email := &mockEmailSender{}
	sms := &mockSMSSender{}
	svc := NewService(email, sms, Recipients{
		Emails: []string{"ops1@example.com", "ops2@example.com"},
		Phones: []string{"+15559990000"},
	}, "Cartera", nil)

	if err := svc.NotifyHandoff(context.Background(), testEntry()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(email.sent) != 2 {
		t.Fatalf("expected 2 emails, got %d", len(email.sent))
	}
	msg := email.sent[0]
	if msg.Subject != "High priority hand-off: Ana <Ruiz>" {
		t.Errorf("unexpected subject %q", msg.Subject)
	}
	for _, want := range []string{"+15551112222", "Asked for a payment plan", "Objections: price", "March 2, 2026 at 3:04 PM", "Cartera campaign"} {
		if !strings.Contains(msg.Body, want) {
			t.Errorf("email body missing %q:\n%s", want, msg.Body)
		}
	}
	if msg.Tags["category"] != "handoff" || msg.Tags["priority"] != string(contacts.PriorityHigh) {
		t.Errorf("unexpected tags %v", msg.Tags)
	}
	if !strings.Contains(msg.HTML, "Ana &lt;Ruiz&gt;") {
		t.Errorf("expected escaped name in HTML, got %s", msg.HTML)
	}
	if len(sms.sent) != 1 || sms.sent[0].to != "+15559990000" {
		t.Fatalf("unexpected sms %+v", sms.sent)
	}
	if !strings.Contains(sms.sent[0].body, "High priority hand-off") {
		t.Errorf("unexpected sms body %q", sms.sent[0].body)
	}
}

func TestService_NotifyHandoff_NoRecipients(t *testing.T) {
	email := &mockEmailSender{}
	svc := NewService(email, nil, Recipients{}, "", nil)
	if err := svc.NotifyHandoff(context.Background(), testEntry()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(email.sent) != 0 {
		t.Errorf("expected no email, got %d", len(email.sent))
	}
}

func TestService_NotifyHandoff_PartialFailure(t *testing.T) {
	email := &mockEmailSender{failOn: "bad@example.com"}
	sms := &mockSMSSender{callErr: errors.New("carrier rejected")}
	svc := NewService(email, sms, Recipients{
		Emails: []string{"bad@example.com", "good@example.com"},
		Phones: []string{"+15559990000"},
	}, "", nil)

	err := svc.NotifyHandoff(context.Background(), testEntry())
	if err == nil || !strings.Contains(err.Error(), "2 notification(s) failed") {
		t.Fatalf("expected 2 failures, got %v", err)
	}
	if len(email.sent) != 1 || email.sent[0].To != "good@example.com" {
		t.Errorf("expected delivery to continue after a failure, got %+v", email.sent)
	}
}

func TestService_NotifyHandoff_UsesLocation(t *testing.T) {
	loc := time.FixedZone("COT", -5*3600)
	email := &mockEmailSender{}
	svc := NewService(email, nil, Recipients{Emails: []string{"ops@example.com"}}, "", nil).WithLocation(loc)

	e := testEntry()
	e.Name = ""
	if err := svc.NotifyHandoff(context.Background(), e); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	body := email.sent[0].Body
	if !strings.Contains(body, "March 2, 2026 at 10:04 AM") {
		t.Errorf("expected local time in body: %s", body)
	}
	if !strings.HasPrefix(body, "A contact is waiting") {
		t.Errorf("expected placeholder name: %s", body)
	}
}

func TestSimpleSMSSender_SendSMS(t *testing.T) {
	var capturedTo, capturedFrom, capturedBody string
	sendFunc := func(ctx context.Context, to, from, body string) error {
		capturedTo = to
		capturedFrom = from
		capturedBody = body
		return nil
	}

	sender := NewSimpleSMSSender("+15551111111", sendFunc, nil)

	err := sender.SendSMS(context.Background(), "+15552222222", "Hello!")

	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if capturedTo != "+15552222222" {
		t.Errorf("expected to +15552222222, got %s", capturedTo)
	}
	if capturedFrom != "+15551111111" {
		t.Errorf("expected from +15551111111, got %s", capturedFrom)
	}
	if capturedBody != "Hello!" {
		t.Errorf("expected body 'Hello!', got %s", capturedBody)
	}
}

func TestSimpleSMSSender_NilSendFunc(t *testing.T) {
	sender := NewSimpleSMSSender("+15551111111", nil, nil)

	err := sender.SendSMS(context.Background(), "+15552222222", "Hello!")

	// Should not error, just warn
	if err != nil {
		t.Errorf("expected no error with nil sendFunc, got: %v", err)
	}
}

func TestSimpleSMSSender_Error(t *testing.T) {
	sendFunc := func(ctx context.Context, to, from, body string) error {
		return errors.New("send failed")
	}

	sender := NewSimpleSMSSender("+15551111111", sendFunc, nil)

	err := sender.SendSMS(context.Background(), "+15552222222", "Hello!")

	if err == nil {
		t.Error("expected error from sendFunc")
	}
}

func TestStubSMSSender_SendSMS(t *testing.T) {
	sender := NewStubSMSSender(nil)

	err := sender.SendSMS(context.Background(), "+15552222222", "Hello!")

	if err != nil {
		t.Errorf("stub should not error, got: %v", err)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"hello", 10, "hello"},
		{"hello", 5, "hello"},
		{"hello world", 5, "hello..."},
		{"", 5, ""},
		{"ab", 1, "a..."},
	}

	for _, tt := range tests {
		result := truncate(tt.input, tt.maxLen)
		if result != tt.expected {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.input, tt.maxLen, result, tt.expected)
		}
	}
}
