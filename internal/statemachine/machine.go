package statemachine

import (
	"time"

	"github.com/paradixe-xz/evaInstance-sub000/internal/contacts"
	"github.com/paradixe-xz/evaInstance-sub000/internal/events"
	"github.com/paradixe-xz/evaInstance-sub000/internal/intent"
)

// Input is everything the machine needs besides the current state.
type Input struct {
	Event events.Event
	// Intent is the classification of Event's text, set for message_received.
	Intent intent.Intent
	// Session is the contact's open session, nil when there is none.
	Session *contacts.Session
	Now     time.Time
}

// Result is the outcome of one transition.
type Result struct {
	Next     contacts.State
	Path     []contacts.State
	Commands []Command
	Data     contacts.Counters
	Outcome  contacts.Outcome
	Ignored  bool
	Reason   string
}

// Changed reports whether the transition moved the contact to a new state.
func (r Result) Changed(from contacts.State) bool {
	return r.Next != from
}

type handler func(t *transition)

var handlers = map[contacts.State]handler{
	contacts.StateInitial:             (*transition).initial,
	contacts.StateWaitingConfirmation: (*transition).conversing,
	contacts.StateConvincing:          (*transition).conversing,
	contacts.StateNoResponse:          (*transition).noResponse,
	contacts.StateVoicemail:           (*transition).afterVoicemail,
	contacts.StateScheduledCall:       (*transition).scheduledCall,
	contacts.StateCallInProgress:      (*transition).callInProgress,
	contacts.StateCallCompleted:       (*transition).callCompleted,
	contacts.StateAnalyzed:            (*transition).awaitingHuman,
	contacts.StateReadyForHuman:       (*transition).awaitingHuman,
}

// Transition computes the next state and commands for one event. It never
// mutates its arguments.
func Transition(policy Policy, state contacts.State, in Input, data contacts.Counters) Result {
	t := &transition{
		p:    policy.withDefaults(),
		in:   in,
		from: state,
		res:  Result{Next: state, Data: data},
	}
	if in.Now.IsZero() {
		t.in.Now = in.Event.OccurredAt
	}

	h, ok := handlers[state]
	switch {
	case state.Terminal():
		t.ignore("contact is in a terminal state")
	case !ok:
		t.ignore("unknown state")
	case in.Event.Type == events.TypeTimerFired && in.Event.Payload.TimerSeq != data.TimerSeq:
		t.ignore("stale timer")
	default:
		h(t)
	}
	return t.res
}

type transition struct {
	p    Policy
	in   Input
	from contacts.State
	res  Result
}

func (t *transition) ev() events.Event { return t.in.Event }

func (t *transition) timer() string {
	if t.in.Event.Type != events.TypeTimerFired {
		return ""
	}
	return t.in.Event.Payload.Timer
}

func (t *transition) to(s contacts.State) {
	t.res.Path = append(t.res.Path, s)
	t.res.Next = s
}

func (t *transition) emit(cmds ...Command) {
	t.res.Commands = append(t.res.Commands, cmds...)
}

func (t *transition) ignore(reason string) {
	t.res.Ignored = true
	t.res.Reason = reason
}

// schedule arms a timer. Each new timer supersedes the previous one.
func (t *transition) schedule(kind string, after time.Duration) {
	t.res.Data.TimerSeq++
	t.emit(Command{Kind: CmdScheduleTimer, Timer: kind, After: after, Seq: t.res.Data.TimerSeq})
}

func (t *transition) cancelTimers() {
	t.res.Data.TimerSeq++
	t.emit(Command{Kind: CmdCancelTimers, Seq: t.res.Data.TimerSeq})
}

func (t *transition) sessionOpen() bool {
	return t.in.Session.Open()
}

func (t *transition) voiceOpen() bool {
	return t.sessionOpen() && t.in.Session.Channel == contacts.ChannelVoice
}

func (t *transition) closeSession(reason contacts.EndReason) {
	if t.sessionOpen() {
		t.emit(Command{Kind: CmdCloseSession, EndReason: reason})
	}
}

func (t *transition) hangup() {
	if t.voiceOpen() {
		t.emit(Command{Kind: CmdHangup})
	}
}

// ensureText opens a text session unless one is already open.
func (t *transition) ensureText() {
	if t.sessionOpen() && t.in.Session.Channel == contacts.ChannelText {
		return
	}
	t.closeSession(contacts.EndCompleted)
	t.emit(Command{Kind: CmdOpenSession, Channel: contacts.ChannelText})
}

func (t *transition) send(template string, attempt int) {
	t.emit(Command{Kind: CmdSendMessage, Channel: contacts.ChannelText, Template: template, Attempt: attempt})
}

func (t *transition) initial() {
	switch t.ev().Type {
	case events.TypeFirstContact:
		t.open()
	case events.TypeMessageReceived:
		// The contact wrote before the campaign reached them.
		switch t.in.Intent {
		case intent.HardRejection:
			t.reject()
		case intent.Affirmative:
			t.to(contacts.StateWaitingConfirmation)
			t.startCall()
		default:
			t.open()
		}
	default:
		t.ignore("campaign has not started for this contact")
	}
}

func (t *transition) open() {
	t.ensureText()
	t.send(TemplateOpening, 0)
	t.schedule(events.TimerReply, t.p.ReplyTimeout)
	t.to(contacts.StateWaitingConfirmation)
}

func (t *transition) conversing() {
	switch t.ev().Type {
	case events.TypeMessageReceived:
		t.reply()
	case events.TypeDeliveryFailed, events.TypeProviderError:
		t.schedule(events.TimerInactivity, t.p.InactivityWindow)
	case events.TypeHangup:
		t.closeSession(contacts.EndHangup)
		t.schedule(events.TimerInactivity, t.p.InactivityWindow)
	case events.TypeTimerFired:
		switch t.timer() {
		case events.TimerReply, events.TimerInactivity:
			t.giveUpForNow(contacts.EndNoAnswer)
		default:
			t.ignore("timer does not apply while waiting for a reply")
		}
	default:
		t.ignore("event does not apply while waiting for a reply")
	}
}

func (t *transition) reply() {
	data := &t.res.Data
	switch t.in.Intent {
	case intent.HardRejection:
		t.reject()
	case intent.Affirmative:
		t.startCall()
	case intent.Negative:
		if data.Convincing >= t.p.MaxConvincing {
			t.reject()
			return
		}
		data.Convincing++
		t.ensureText()
		t.send(TemplatePersuasive, data.Convincing)
		t.schedule(events.TimerReply, t.p.ReplyTimeout)
		t.to(contacts.StateConvincing)
	default:
		data.Ambiguous++
		if data.Ambiguous > t.p.MaxAmbiguous {
			t.giveUpForNow(contacts.EndNoAnswer)
			return
		}
		t.ensureText()
		t.send(TemplateClarification, data.Ambiguous)
		t.schedule(events.TimerReply, t.p.ReplyTimeout)
	}
}

func (t *transition) reject() {
	t.hangup()
	t.closeSession(contacts.EndCompleted)
	t.cancelTimers()
	t.res.Outcome = contacts.OutcomeNotInterested
	t.to(contacts.StateRejected)
}

func (t *transition) startCall() {
	t.closeSession(contacts.EndCompleted)
	t.emit(
		Command{Kind: CmdOpenSession, Channel: contacts.ChannelVoice},
		Command{Kind: CmdStartCall, Channel: contacts.ChannelVoice},
	)
	t.schedule(events.TimerCallSetup, t.p.CallSetupTimeout)
	t.to(contacts.StateScheduledCall)
}

// giveUpForNow ends the current attempt and arms the re-engagement retry.
func (t *transition) giveUpForNow(reason contacts.EndReason) {
	t.hangup()
	t.closeSession(reason)
	t.schedule(events.TimerRetry, t.p.RetryDelay)
	t.to(contacts.StateNoResponse)
}

func (t *transition) noResponse() {
	if t.timer() != events.TimerRetry {
		t.ignore("waiting for the re-engagement retry")
		return
	}
	if t.res.Data.Reengagements >= t.p.MaxReengagements {
		t.reject()
		return
	}
	t.reengage()
}

// afterVoicemail waits for a new campaign run. The call that hit voicemail
// is never retried within the run that placed it.
func (t *transition) afterVoicemail() {
	if t.ev().Type != events.TypeFirstContact {
		t.ignore("voicemail contacts wait for a new campaign run")
		return
	}
	if t.res.Data.Reengagements >= t.p.MaxReengagements {
		t.ignore("re-engagement already used")
		return
	}
	t.reengage()
}

func (t *transition) reengage() {
	data := &t.res.Data
	data.Reengagements++
	data.Ambiguous = 0
	t.ensureText()
	t.send(TemplateReengagement, data.Reengagements)
	t.schedule(events.TimerReply, t.p.ReplyTimeout)
	t.to(contacts.StateWaitingConfirmation)
}

func (t *transition) scheduledCall() {
	switch t.ev().Type {
	case events.TypeCallStarted:
		t.emit(Command{Kind: CmdSpeak, Channel: contacts.ChannelVoice, Template: TemplateGreeting})
		t.schedule(events.TimerCallGuard, t.p.MaxCallDuration)
		t.to(contacts.StateCallInProgress)
	case events.TypeVoicemailDetected:
		t.voicemail()
	case events.TypeCallEnded:
		t.giveUpForNow(endReason(t.ev(), contacts.EndNoAnswer))
	case events.TypeProviderError:
		t.schedule(events.TimerInactivity, t.p.InactivityWindow)
	case events.TypeHangup:
		t.hangup()
		t.closeSession(contacts.EndHangup)
		t.schedule(events.TimerInactivity, t.p.InactivityWindow)
	case events.TypeTimerFired:
		switch t.timer() {
		case events.TimerCallSetup:
			t.giveUpForNow(contacts.EndNoAnswer)
		case events.TimerInactivity:
			t.giveUpForNow(contacts.EndError)
		default:
			t.ignore("timer does not apply while the call is being placed")
		}
	default:
		t.ignore("event does not apply while the call is being placed")
	}
}

func (t *transition) voicemail() {
	t.hangup()
	t.closeSession(contacts.EndVoicemailDetected)
	t.cancelTimers()
	t.to(contacts.StateVoicemail)
}

func (t *transition) callInProgress() {
	ev := t.ev()
	switch ev.Type {
	case events.TypeSpeechRecognized:
		t.emit(
			Command{Kind: CmdAppendTurn, Role: RoleContact, Text: ev.Payload.Text, EventID: ev.ProviderEventID, At: ev.OccurredAt},
			Command{Kind: CmdRespond, Channel: contacts.ChannelVoice},
		)
		t.schedule(events.TimerCallGuard, t.remainingCallTime())
	case events.TypeVoicemailDetected:
		t.voicemail()
	case events.TypeCallEnded:
		t.completeCall(endReason(ev, contacts.EndCompleted))
	case events.TypeHangup:
		t.hangup()
		t.completeCall(contacts.EndHangup)
	case events.TypeProviderError:
		t.schedule(events.TimerInactivity, t.p.InactivityWindow)
	case events.TypeTimerFired:
		switch t.timer() {
		case events.TimerCallGuard:
			t.hangup()
			t.completeCall(contacts.EndHangup)
		case events.TimerInactivity:
			t.giveUpForNow(contacts.EndError)
		default:
			t.ignore("timer does not apply during a call")
		}
	default:
		t.ignore("event does not apply during a call")
	}
}

func (t *transition) remainingCallTime() time.Duration {
	if !t.sessionOpen() || t.in.Session.StartedAt.IsZero() || t.in.Now.IsZero() {
		return t.p.MaxCallDuration
	}
	left := t.p.MaxCallDuration - t.in.Now.Sub(t.in.Session.StartedAt)
	if left < time.Second {
		return time.Second
	}
	return left
}

func (t *transition) completeCall(reason contacts.EndReason) {
	t.emit(Command{Kind: CmdSealTranscript})
	t.closeSession(reason)
	t.emit(Command{Kind: CmdRequestAnalysis})
	t.schedule(events.TimerAnalysis, t.p.AnalysisGuard)
	t.to(contacts.StateCallCompleted)
}

func (t *transition) callCompleted() {
	switch {
	case t.ev().Type == events.TypeVerdictReady:
		priority, ok := contacts.ParsePriority(t.ev().Payload.Priority)
		if !ok {
			priority = contacts.PriorityLow
		}
		t.cancelTimers()
		t.to(contacts.StateAnalyzed)
		if priority.NeedsHuman() {
			t.emit(Command{Kind: CmdEnqueueHandoff, Priority: priority})
			t.res.Outcome = contacts.OutcomeInterested
			t.to(contacts.StateReadyForHuman)
		}
	case t.timer() == events.TimerAnalysis:
		t.emit(Command{Kind: CmdRequestAnalysis})
		t.schedule(events.TimerAnalysis, t.p.AnalysisGuard)
	default:
		t.ignore("waiting for the analysis verdict")
	}
}

func (t *transition) awaitingHuman() {
	if t.ev().Type != events.TypeMarkClosed {
		t.ignore("waiting for a human")
		return
	}
	outcome, ok := contacts.ParseOutcome(t.ev().Payload.Outcome)
	if !ok || outcome == contacts.OutcomeNone {
		outcome = contacts.OutcomeClosed
	}
	if t.from == contacts.StateReadyForHuman {
		t.emit(Command{Kind: CmdRemoveHandoff})
	}
	t.cancelTimers()
	t.res.Outcome = outcome
	t.to(contacts.StateClosedByHuman)
}

func endReason(ev events.Event, fallback contacts.EndReason) contacts.EndReason {
	switch r := contacts.EndReason(ev.Payload.EndReason); r {
	case contacts.EndCompleted, contacts.EndNoAnswer, contacts.EndVoicemailDetected,
		contacts.EndHangup, contacts.EndError:
		return r
	}
	return fallback
}
