package statemachine

import (
	"fmt"
	"time"

	"github.com/paradixe-xz/evaInstance-sub000/internal/contacts"
)

// CommandKind names an effect the orchestrator must carry out.
type CommandKind string

const (
	CmdOpenSession     CommandKind = "open_session"
	CmdCloseSession    CommandKind = "close_session"
	CmdSendMessage     CommandKind = "send_message"
	CmdStartCall       CommandKind = "start_call"
	CmdSpeak           CommandKind = "speak"
	CmdRespond         CommandKind = "respond"
	CmdHangup          CommandKind = "hangup"
	CmdAppendTurn      CommandKind = "append_turn"
	CmdSealTranscript  CommandKind = "seal_transcript"
	CmdRequestAnalysis CommandKind = "request_analysis"
	CmdEnqueueHandoff  CommandKind = "enqueue_handoff"
	CmdRemoveHandoff   CommandKind = "remove_handoff"
	CmdScheduleTimer   CommandKind = "schedule_timer"
	CmdCancelTimers    CommandKind = "cancel_timers"
)

// Message catalog keys used by send_message and speak.
const (
	TemplateOpening       = "opening"
	TemplatePersuasive    = "persuasive"
	TemplateClarification = "clarification"
	TemplateReengagement  = "reengagement"
	TemplateGreeting      = "greeting"
)

// Turn roles for append_turn.
const (
	RoleContact = "contact"
	RoleAgent   = "agent"
)

// Command is one effect. Only the fields relevant to Kind are set.
type Command struct {
	Kind      CommandKind        `json:"kind"`
	Channel   contacts.Channel   `json:"channel,omitempty"`
	Template  string             `json:"template,omitempty"`
	Attempt   int                `json:"attempt,omitempty"`
	Role      string             `json:"role,omitempty"`
	Text      string             `json:"text,omitempty"`
	EventID   string             `json:"event_id,omitempty"`
	At        time.Time          `json:"at,omitempty"`
	EndReason contacts.EndReason `json:"end_reason,omitempty"`
	Timer     string             `json:"timer,omitempty"`
	After     time.Duration      `json:"after,omitempty"`
	Seq       int64              `json:"seq,omitempty"`
	Priority  contacts.Priority  `json:"priority,omitempty"`
}

func (c Command) String() string {
	switch c.Kind {
	case CmdSendMessage, CmdSpeak:
		return fmt.Sprintf("%s(%s)", c.Kind, c.Template)
	case CmdOpenSession:
		return fmt.Sprintf("%s(%s)", c.Kind, c.Channel)
	case CmdCloseSession:
		return fmt.Sprintf("%s(%s)", c.Kind, c.EndReason)
	case CmdScheduleTimer:
		return fmt.Sprintf("%s(%s#%d)", c.Kind, c.Timer, c.Seq)
	default:
		return string(c.Kind)
	}
}
