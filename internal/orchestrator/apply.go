package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/paradixe-xz/evaInstance-sub000/internal/contacts"
	"github.com/paradixe-xz/evaInstance-sub000/internal/dispatch"
	"github.com/paradixe-xz/evaInstance-sub000/internal/events"
	"github.com/paradixe-xz/evaInstance-sub000/internal/handoff"
	"github.com/paradixe-xz/evaInstance-sub000/internal/statemachine"
	"github.com/paradixe-xz/evaInstance-sub000/internal/templates"
	"github.com/paradixe-xz/evaInstance-sub000/internal/transcript"
	"github.com/paradixe-xz/evaInstance-sub000/pkg/logging"
)

// run carries the effects of one transition for one contact.
type run struct {
	o      *Orchestrator
	c      *contacts.Contact
	ev     events.Event
	logger *logging.Logger
	now    time.Time

	// session is the contact's open session as commands open and close it.
	session *contacts.Session
	// last is the most recent session touched, open or closed.
	last string

	outbound bool
	halted   bool
}

func (r *run) apply(ctx context.Context, res statemachine.Result) {
	if r.session != nil {
		r.last = r.session.ID
	}
	for _, cmd := range res.Commands {
		if r.halted {
			r.logger.Warn("command skipped after dispatch failure", "command", cmd.String())
			continue
		}
		err := r.exec(ctx, cmd)
		if err == nil {
			continue
		}
		var failure *dispatch.DispatchFailure
		if errors.As(err, &failure) {
			// the dispatcher reports provider_error on its own
			r.halted = true
			r.logger.Warn("dispatch failed, remaining commands dropped", "command", cmd.String(), "error", err)
			continue
		}
		r.logger.Error("command failed", "command", cmd.String(), "error", err)
	}
}

func (r *run) exec(ctx context.Context, cmd statemachine.Command) error {
	o := r.o
	switch cmd.Kind {
	case statemachine.CmdOpenSession:
		return r.openSession(ctx, cmd.Channel)

	case statemachine.CmdCloseSession:
		if !r.session.Open() {
			return nil
		}
		if err := o.ledger.CloseSession(ctx, r.session.ID, cmd.EndReason, r.now); err != nil {
			return fmt.Errorf("close session: %w", err)
		}
		r.last = r.session.ID
		r.session = nil
		return nil

	case statemachine.CmdSendMessage:
		text, err := r.render(cmd.Template, cmd.Attempt)
		if err != nil {
			return err
		}
		if _, err := o.dispatcher.Dispatch(ctx, r.c.ID, dispatch.Command{
			Kind:      dispatch.KindSendMessage,
			SessionID: r.sessionID(),
			To:        r.c.Phone,
			Text:      text,
		}); err != nil {
			return err
		}
		r.outbound = true
		return nil

	case statemachine.CmdStartCall:
		if _, err := o.dispatcher.Dispatch(ctx, r.c.ID, dispatch.Command{
			Kind:      dispatch.KindStartCall,
			SessionID: r.sessionID(),
			To:        r.c.Phone,
		}); err != nil {
			return err
		}
		r.outbound = true
		return nil

	case statemachine.CmdSpeak:
		text, err := r.render(cmd.Template, cmd.Attempt)
		if err != nil {
			return err
		}
		return r.say(ctx, text)

	case statemachine.CmdRespond:
		if o.responder == nil {
			r.logger.Debug("no responder configured, reply skipped")
			return nil
		}
		tr, err := o.transcripts.Get(ctx, r.sessionID())
		if err != nil {
			return fmt.Errorf("read transcript: %w", err)
		}
		text, err := o.responder.Respond(ctx, r.c, tr)
		if err != nil {
			return fmt.Errorf("generate reply: %w", err)
		}
		if text == "" {
			return nil
		}
		return r.say(ctx, text)

	case statemachine.CmdHangup:
		handle, err := r.handle(ctx)
		if err != nil {
			return err
		}
		_, err = o.dispatcher.Dispatch(ctx, r.c.ID, dispatch.Command{
			Kind:      dispatch.KindHangup,
			SessionID: r.sessionID(),
			Handle:    handle,
		})
		return err

	case statemachine.CmdAppendTurn:
		err := o.transcripts.Append(ctx, r.sessionID(), transcript.Turn{
			Role:            cmd.Role,
			Text:            cmd.Text,
			Timestamp:       cmd.At,
			ProviderEventID: cmd.EventID,
		})
		if errors.Is(err, transcript.ErrDuplicateTurn) {
			return nil
		}
		return err

	case statemachine.CmdSealTranscript:
		_, err := o.transcripts.Seal(ctx, r.sessionID())
		var sealed *transcript.AlreadySealedError
		if errors.As(err, &sealed) {
			return nil
		}
		return err

	case statemachine.CmdRequestAnalysis:
		sessionID := r.lastSessionID()
		if sessionID == "" {
			return errors.New("request analysis: no session to analyze")
		}
		return o.analysis.RequestAnalysis(ctx, r.c.ID, sessionID)

	case statemachine.CmdEnqueueHandoff:
		entry := handoff.EntryFor(r.c, r.verdict(), r.now)
		entry.Priority = cmd.Priority
		_, err := o.queue.Enqueue(ctx, entry)
		return err

	case statemachine.CmdRemoveHandoff:
		_, err := o.queue.Remove(ctx, r.c.ID)
		return err

	case statemachine.CmdScheduleTimer:
		ev := events.Event{
			ContactID:       r.c.ID,
			SessionHint:     r.lastSessionID(),
			Type:            events.TypeTimerFired,
			Payload:         events.Payload{Timer: cmd.Timer, TimerSeq: cmd.Seq},
			ProviderEventID: "timer:" + cmd.Timer + ":" + strconv.FormatInt(cmd.Seq, 10),
			OccurredAt:      r.now.Add(cmd.After),
			Provider:        "timer",
		}
		return o.scheduler.Schedule(ctx, ev, cmd.After)

	case statemachine.CmdCancelTimers:
		// pending timers carry an older sequence and are ignored on arrival
		return nil
	}
	return fmt.Errorf("unknown command %q", cmd.Kind)
}

func (r *run) openSession(ctx context.Context, channel contacts.Channel) error {
	s, err := r.o.dispatcher.OpenSession(ctx, r.c.ID, channel)
	var already *dispatch.SessionAlreadyOpenError
	if errors.As(err, &already) {
		// a redelivered event already opened it
		s, err = r.o.ledger.OpenSessionFor(ctx, r.c.ID)
		if err == nil && s.Channel != channel {
			return fmt.Errorf("open %s session: contact has an open %s session", channel, s.Channel)
		}
	}
	if err != nil {
		return fmt.Errorf("open %s session: %w", channel, err)
	}
	r.session = s
	r.last = s.ID
	return nil
}

// say speaks text on the live call and records it as an agent turn.
func (r *run) say(ctx context.Context, text string) error {
	handle, err := r.handle(ctx)
	if err != nil {
		return err
	}
	if _, err := r.o.dispatcher.Dispatch(ctx, r.c.ID, dispatch.Command{
		Kind:      dispatch.KindSpeak,
		SessionID: r.sessionID(),
		Handle:    handle,
		Text:      text,
	}); err != nil {
		return err
	}
	r.outbound = true
	return r.o.transcripts.Append(ctx, r.sessionID(), transcript.Turn{
		Role:      transcript.RoleAgent,
		Text:      text,
		Timestamp: r.o.now().UTC(),
	})
}

// handle returns the call control id of the open session. The session was
// loaded before the call connected, so it is re-read when still empty.
func (r *run) handle(ctx context.Context) (string, error) {
	if r.session == nil {
		return "", errors.New("no open call")
	}
	if r.session.ProviderHandle != "" {
		return r.session.ProviderHandle, nil
	}
	s, err := r.o.ledger.GetSession(ctx, r.session.ID)
	if err != nil {
		return "", fmt.Errorf("reload session: %w", err)
	}
	if s.ProviderHandle == "" {
		return "", fmt.Errorf("session %s has no call handle", s.ID)
	}
	r.session = s
	return s.ProviderHandle, nil
}

func (r *run) render(key string, attempt int) (string, error) {
	data := templates.NewData(r.c.Name, r.o.agent, r.o.campaign, r.c.Fields)
	text, err := r.o.catalog.Render(key, attempt, data)
	if err != nil {
		return "", fmt.Errorf("render %s: %w", key, err)
	}
	return text, nil
}

func (r *run) sessionID() string {
	if r.session != nil {
		return r.session.ID
	}
	return ""
}

func (r *run) lastSessionID() string {
	switch {
	case r.session != nil:
		return r.session.ID
	case r.last != "":
		return r.last
	default:
		return r.ev.SessionHint
	}
}

// verdict prefers the stored verdict and falls back to the event payload.
func (r *run) verdict() contacts.Verdict {
	if r.c.Verdict != nil {
		return *r.c.Verdict
	}
	p := r.ev.Payload
	return contacts.Verdict{
		SessionID:     r.ev.SessionHint,
		InterestLevel: contacts.InterestLevel(p.InterestLevel),
		Priority:      contacts.Priority(p.Priority),
		ManualReview:  p.ManualReview,
		CreatedAt:     r.ev.OccurredAt,
	}
}
