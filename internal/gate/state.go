package gate

// State is the lifecycle position of an export request. The set is closed:
// every switch over State in this package handles all four values.
type State string

const (
	StatePending    State = "PENDING"
	StatePHIBlocked State = "PHI_BLOCKED"
	StateApproved   State = "APPROVED"
	StateRejected   State = "REJECTED"
)

func (s State) Valid() bool {
	switch s {
	case StatePending, StatePHIBlocked, StateApproved, StateRejected:
		return true
	default:
		return false
	}
}

// Terminal states accept no further transitions except downloads.
func (s State) Terminal() bool {
	switch s {
	case StateApproved, StateRejected:
		return true
	case StatePending, StatePHIBlocked:
		return false
	default:
		return false
	}
}

// Action is a request made against an export.
type Action string

const (
	ActionOverride Action = "phi-override"
	ActionApprove  Action = "approve"
	ActionDeny     Action = "deny"
	ActionDownload Action = "download"
)

// transitions lists every legal (state, action) pair and its target state.
var transitions = map[State]map[Action]State{
	StatePHIBlocked: {
		ActionOverride: StatePending,
		ActionDeny:     StateRejected,
	},
	StatePending: {
		ActionApprove: StateApproved,
		ActionDeny:    StateRejected,
	},
	StateApproved: {
		ActionDownload: StateApproved,
	},
	StateRejected: {},
}

// Next returns the state reached by applying a in s, or the error a caller
// should see for an illegal pair.
func Next(s State, a Action) (State, error) {
	if to, ok := transitions[s][a]; ok {
		return to, nil
	}
	switch a {
	case ActionOverride:
		return s, newError(CodeNotPHIBlocked, "phi override is only possible for a PHI_BLOCKED request", s)
	case ActionApprove:
		if s == StatePHIBlocked {
			return s, newError(CodePHIOverrideRequired, "request is blocked by the content scan and needs a phi override before approval", s)
		}
		return s, newError(CodeInvalidStatus, "only PENDING requests can be approved", s)
	case ActionDownload:
		return s, newError(CodeNotApproved, "request has not been approved", s)
	case ActionDeny:
		return s, newError(CodeInvalidStatus, "only PENDING or PHI_BLOCKED requests can be denied", s)
	default:
		return s, newError(CodeValidation, "unknown action "+string(a), s)
	}
}

// legalActions returns the actions with a transition out of s, in a fixed order.
func legalActions(s State) []Action {
	var out []Action
	for _, a := range []Action{ActionOverride, ActionApprove, ActionDeny, ActionDownload} {
		if _, ok := transitions[s][a]; ok {
			out = append(out, a)
		}
	}
	return out
}
