package notify

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/paradixe-xz/evaInstance-sub000/internal/contacts"
	"github.com/paradixe-xz/evaInstance-sub000/internal/handoff"
	"github.com/paradixe-xz/evaInstance-sub000/pkg/logging"
)

// SMSSender sends SMS messages to operators.
type SMSSender interface {
	SendSMS(ctx context.Context, to, body string) error
}

// Recipients lists the operators alerted about hand-offs.
type Recipients struct {
	Emails []string
	Phones []string
}

// Service alerts operators when a contact lands in the hand-off queue.
type Service struct {
	email      EmailSender
	sms        SMSSender
	recipients Recipients
	campaign   string
	location   *time.Location
	logger     *logging.Logger
}

var _ handoff.Notifier = (*Service)(nil)

// NewService creates a notification service. Either sender may be nil.
func NewService(email EmailSender, sms SMSSender, recipients Recipients, campaign string, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{
		email:      email,
		sms:        sms,
		recipients: recipients,
		campaign:   campaign,
		location:   time.UTC,
		logger:     logger,
	}
}

// WithLocation renders timestamps in loc.
func (s *Service) WithLocation(loc *time.Location) *Service {
	if loc != nil {
		s.location = loc
	}
	return s
}

// NotifyHandoff emails and texts every configured operator. Each failed
// delivery is logged; the returned error counts them.
func (s *Service) NotifyHandoff(ctx context.Context, e handoff.Entry) error {
	name := strings.TrimSpace(e.Name)
	if name == "" {
		name = "A contact"
	}
	verdictAt := e.VerdictAt.In(s.location).Format("January 2, 2006 at 3:04 PM")

	var errs []error

	if s.email != nil && len(s.recipients.Emails) > 0 {
		subject := fmt.Sprintf("%s hand-off: %s", priorityLabel(e.Priority), name)
		body := fmt.Sprintf(`%s is waiting for a call back.

Phone: %s
Priority: %s
Interest: %s
Analyzed: %s%s%s%s

%s`, name, e.Phone, e.Priority, e.InterestLevel, verdictAt,
			textLine("Summary", e.Summary), textLine("Next action", e.NextAction),
			textLine("Objections", strings.Join(e.Objections, ", ")), s.signature())

		htmlBody := fmt.Sprintf(`<div style="font-family: sans-serif; max-width: 600px;">
<h2>%s hand-off</h2>
<p><strong>%s</strong> is waiting for a call back.</p>
<table style="border-collapse: collapse; margin: 20px 0;">
  %s%s%s%s%s%s%s
</table>
<p style="color: #6b7280; font-size: 12px; margin-top: 20px;">%s</p>
</div>`,
			priorityLabel(e.Priority), html.EscapeString(name),
			htmlRow("Phone", fmt.Sprintf(`<a href="tel:%s">%s</a>`, html.EscapeString(e.Phone), html.EscapeString(e.Phone))),
			htmlRow("Priority", html.EscapeString(string(e.Priority))),
			htmlRow("Interest", html.EscapeString(string(e.InterestLevel))),
			htmlRow("Analyzed", verdictAt),
			optionalRow("Summary", e.Summary),
			optionalRow("Next action", e.NextAction),
			optionalRow("Objections", strings.Join(e.Objections, ", ")),
			html.EscapeString(s.signature()))

		for _, recipient := range s.recipients.Emails {
			msg := EmailMessage{
				To:      recipient,
				Subject: subject,
				Body:    body,
				HTML:    htmlBody,
				Tags:    map[string]string{"category": "handoff", "priority": string(e.Priority)},
			}
			if err := s.email.Send(ctx, msg); err != nil {
				s.logger.Error("notify: failed to send email", "error", err, "to", recipient)
				errs = append(errs, err)
			} else {
				s.logger.Info("notify: hand-off email sent", "to", recipient, "contact_id", e.ContactID)
			}
		}
	}

	if s.sms != nil && len(s.recipients.Phones) > 0 {
		smsBody := fmt.Sprintf("%s hand-off: %s (%s), interest %s.%s Please call back.",
			priorityLabel(e.Priority), name, e.Phone, e.InterestLevel, smsSummary(e.Summary))
		for _, recipient := range s.recipients.Phones {
			if err := s.sms.SendSMS(ctx, recipient, smsBody); err != nil {
				s.logger.Error("notify: failed to send operator SMS", "error", err, "to", recipient)
				errs = append(errs, err)
			} else {
				s.logger.Info("notify: hand-off SMS sent to operator", "to", recipient, "contact_id", e.ContactID)
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("notify: %d notification(s) failed", len(errs))
	}
	return nil
}

func (s *Service) signature() string {
	if s.campaign == "" {
		return "Campaign Desk"
	}
	return s.campaign + " campaign"
}

func priorityLabel(p contacts.Priority) string {
	switch p {
	case contacts.PriorityHigh:
		return "High priority"
	case contacts.PriorityNormal:
		return "Normal priority"
	default:
		return "Low priority"
	}
}

func textLine(label, value string) string {
	if strings.TrimSpace(value) == "" {
		return ""
	}
	return fmt.Sprintf("\n%s: %s", label, value)
}

const cellStyle = `padding: 8px; border-bottom: 1px solid #e5e7eb;`

func htmlRow(label, value string) string {
	return fmt.Sprintf(`<tr><td style="%s"><strong>%s:</strong></td><td style="%s">%s</td></tr>`, cellStyle, label, cellStyle, value)
}

func optionalRow(label, value string) string {
	if strings.TrimSpace(value) == "" {
		return ""
	}
	return htmlRow(label, html.EscapeString(value))
}

func smsSummary(summary string) string {
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return ""
	}
	return " " + truncate(summary, 80)
}

// SimpleSMSSender provides a simple SMS sending implementation.
type SimpleSMSSender struct {
	sendFunc func(ctx context.Context, to, from, body string) error
	from     string
	logger   *logging.Logger
}

// NewSimpleSMSSender creates an SMS sender with a custom send function.
func NewSimpleSMSSender(from string, sendFunc func(ctx context.Context, to, from, body string) error, logger *logging.Logger) *SimpleSMSSender {
	if logger == nil {
		logger = logging.Default()
	}
	return &SimpleSMSSender{
		sendFunc: sendFunc,
		from:     from,
		logger:   logger,
	}
}

// SendSMS sends an SMS message.
func (s *SimpleSMSSender) SendSMS(ctx context.Context, to, body string) error {
	if s.sendFunc == nil {
		s.logger.Warn("notify: SMS sender not configured")
		return nil
	}
	return s.sendFunc(ctx, to, s.from, body)
}

// StubSMSSender is a no-op sender for testing.
type StubSMSSender struct {
	logger *logging.Logger
}

// NewStubSMSSender creates a stub SMS sender.
func NewStubSMSSender(logger *logging.Logger) *StubSMSSender {
	if logger == nil {
		logger = logging.Default()
	}
	return &StubSMSSender{logger: logger}
}

// SendSMS logs but doesn't send.
func (s *StubSMSSender) SendSMS(_ context.Context, to, body string) error {
	s.logger.Info("stub SMS sender: would send", "to", to, "body_preview", truncate(body, 50))
	return nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

var _ SMSSender = (*SimpleSMSSender)(nil)
var _ SMSSender = (*StubSMSSender)(nil)
