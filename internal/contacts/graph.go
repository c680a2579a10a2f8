package contacts

// graph lists the states reachable from each state in one save.
// call_completed may jump straight to ready_for_human because the verdict
// passes through analyzed within a single transition. initial reaches
// scheduled_call the same way, through waiting_confirmation, when the very
// first inbound reply already accepts the call. A contact who opts out before
// being reached goes from initial straight to rejected. voicemail re-enters the
// conversation once, when a later run re-engages it.
var graph = map[State][]State{
	StateInitial:             {StateWaitingConfirmation, StateScheduledCall, StateRejected},
	StateWaitingConfirmation: {StateConvincing, StateScheduledCall, StateNoResponse, StateRejected},
	StateConvincing:          {StateWaitingConfirmation, StateScheduledCall, StateNoResponse, StateRejected},
	StateScheduledCall:       {StateCallInProgress, StateVoicemail, StateNoResponse},
	StateCallInProgress:      {StateCallCompleted, StateVoicemail, StateNoResponse},
	StateCallCompleted:       {StateAnalyzed, StateReadyForHuman},
	StateAnalyzed:            {StateReadyForHuman, StateClosedByHuman},
	StateReadyForHuman:       {StateClosedByHuman},
	StateNoResponse:          {StateWaitingConfirmation, StateRejected},
	StateVoicemail:           {StateWaitingConfirmation},
	StateRejected:            nil,
	StateClosedByHuman:       nil,
}

// CanTransition reports whether moving from -> to follows the state graph.
// Staying in the same state is always allowed.
func CanTransition(from, to State) bool {
	if from == to {
		return from.Valid()
	}
	for _, next := range graph[from] {
		if next == to {
			return true
		}
	}
	return false
}
