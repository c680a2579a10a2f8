package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/paradixe-xz/evaInstance-sub000/internal/contacts"
	"github.com/paradixe-xz/evaInstance-sub000/internal/events"
)

const operatorProvider = "operator"

// IngestResult summarizes a batch of ingested contacts.
type IngestResult struct {
	Created  []*contacts.Contact `json:"created"`
	Existing []*contacts.Contact `json:"existing"`
	Rejected []IngestRejection   `json:"rejected,omitempty"`
}

type IngestRejection struct {
	Phone  string `json:"phone"`
	Reason string `json:"reason"`
}

// Ingest creates contacts in the initial state. Rows already on the ledger
// are reported as existing and left untouched.
func (o *Orchestrator) Ingest(ctx context.Context, in []contacts.NewContact) (IngestResult, error) {
	var res IngestResult
	for _, nc := range in {
		c, created, err := o.ledger.Create(ctx, nc)
		switch {
		case errors.Is(err, contacts.ErrInvalidPhone):
			res.Rejected = append(res.Rejected, IngestRejection{Phone: nc.Phone, Reason: err.Error()})
		case err != nil:
			return res, fmt.Errorf("orchestrator: ingest %s: %w", nc.Phone, err)
		case created:
			res.Created = append(res.Created, c)
		default:
			res.Existing = append(res.Existing, c)
		}
	}
	o.logger.Info("contacts ingested", "created", len(res.Created), "existing", len(res.Existing), "rejected", len(res.Rejected))
	return res, nil
}

// FirstContact starts the campaign for one contact in the initial state, or
// re-engages a contact whose earlier call reached voicemail.
func (o *Orchestrator) FirstContact(ctx context.Context, contactID string) error {
	eventID := "first_contact"
	if c, err := o.ledger.Get(ctx, contactID); err == nil && c.State == contacts.StateVoicemail {
		// one id per re-engagement so an earlier start is not a duplicate
		eventID = "reengagement:" + strconv.Itoa(c.Counters.Reengagements+1)
	}
	return o.operate(ctx, events.Event{
		ContactID:       contactID,
		Type:            events.TypeFirstContact,
		ProviderEventID: eventID,
		Provider:        operatorProvider,
	})
}

// StartCampaign runs the campaign for up to limit contacts and returns how
// many were started. Contacts still in the initial state come first, then
// voicemail contacts with a re-engagement left. A zero limit takes all.
func (o *Orchestrator) StartCampaign(ctx context.Context, limit int) (int, error) {
	pending, err := o.campaignCandidates(ctx, limit)
	if err != nil {
		return 0, err
	}
	started := 0
	var errs []error
	for _, c := range pending {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := o.FirstContact(ctx, c.ID); err != nil {
			if errors.Is(err, contacts.ErrInvalidTransition) {
				continue
			}
			errs = append(errs, err)
			continue
		}
		started++
	}
	o.logger.Info("campaign started", "contacts", started, "candidates", len(pending), "failures", len(errs))
	return started, errors.Join(errs...)
}

func (o *Orchestrator) campaignCandidates(ctx context.Context, limit int) ([]*contacts.Contact, error) {
	pending, err := o.ledger.List(ctx, contacts.ListFilter{State: contacts.StateInitial, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: list initial contacts: %w", err)
	}
	if limit > 0 && len(pending) >= limit {
		return pending, nil
	}
	voicemail, err := o.ledger.List(ctx, contacts.ListFilter{State: contacts.StateVoicemail})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: list voicemail contacts: %w", err)
	}
	for _, c := range voicemail {
		if limit > 0 && len(pending) >= limit {
			break
		}
		if c.Counters.Reengagements < o.policy.MaxReengagements {
			pending = append(pending, c)
		}
	}
	return pending, nil
}

// MarkClosed records a human's decision on an analyzed contact.
func (o *Orchestrator) MarkClosed(ctx context.Context, contactID, outcome, notes string) error {
	if outcome != "" {
		if _, ok := contacts.ParseOutcome(outcome); !ok {
			return fmt.Errorf("orchestrator: unknown outcome %q", outcome)
		}
	}
	return o.operate(ctx, events.Event{
		ContactID:       contactID,
		Type:            events.TypeMarkClosed,
		Payload:         events.Payload{Outcome: strings.ToLower(strings.TrimSpace(outcome)), Notes: strings.TrimSpace(notes)},
		ProviderEventID: "mark_closed:" + uuid.NewString(),
		Provider:        operatorProvider,
	})
}

// Cancel hangs up a live call or ends the current attempt for a contact.
func (o *Orchestrator) Cancel(ctx context.Context, contactID string) error {
	return o.operate(ctx, events.Event{
		ContactID:       contactID,
		Type:            events.TypeHangup,
		ProviderEventID: "cancel:" + uuid.NewString(),
		Provider:        operatorProvider,
	})
}

// operate runs an operator event and turns a no-op into an error the
// caller can report.
func (o *Orchestrator) operate(ctx context.Context, ev events.Event) error {
	out, err := o.handle(ctx, ev)
	if err != nil {
		return err
	}
	switch out.Status {
	case statusApplied:
		return nil
	case statusDropped:
		if out.Reason == "unknown contact" {
			return fmt.Errorf("orchestrator: contact %s: %w", ev.ContactID, contacts.ErrNotFound)
		}
		return fmt.Errorf("orchestrator: %s dropped: %s", ev.Type, out.Reason)
	default:
		return fmt.Errorf("%w: %s not allowed in state %s: %s", contacts.ErrInvalidTransition, ev.Type, out.From, out.Reason)
	}
}
