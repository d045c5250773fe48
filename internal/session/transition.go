package session

import "time"

type EventKind string

const (
	EventChooseToken     EventKind = "choose_token"
	EventChooseGlobalKey EventKind = "choose_global_key"
	EventText            EventKind = "text"
	EventConfirm         EventKind = "confirm"
	EventCancel          EventKind = "cancel"
)

type Event struct {
	Kind EventKind
	Text string
}

// Action is what the router must do after a transition.
type Action int

const (
	// ActionIgnored: the (state, event) pair is not in the table; the
	// session is unchanged and the event falls through to other handlers.
	ActionIgnored Action = iota
	// ActionAdvanced: an input was captured and the wizard moved on.
	ActionAdvanced
	// ActionDeploy: all inputs collected and confirmed; run the orchestrator.
	ActionDeploy
	// ActionConnect: persistent flow captured the token; store it.
	ActionConnect
	// ActionCancelled: the user backed out; delete the session.
	ActionCancelled
)

// Transition applies one event to the session. The table is total: any pair
// not listed leaves the session untouched and returns ActionIgnored.
func Transition(s *Session, ev Event, now time.Time) Action {
	switch s.State {
	case StateAwaitingAuthMethod:
		switch ev.Kind {
		case EventChooseToken:
			s.AuthMethod = AuthToken
			s.State = StateAwaitingAccountID
		case EventChooseGlobalKey:
			s.AuthMethod = AuthGlobalKey
			s.State = StateAwaitingAccountID
		case EventCancel:
			return ActionCancelled
		default:
			return ActionIgnored
		}

	case StateAwaitingAccountID:
		switch ev.Kind {
		case EventText:
			s.AccountID = ev.Text
			if s.AuthMethod == AuthGlobalKey {
				s.State = StateAwaitingEmail
			} else {
				s.State = StateAwaitingAPIToken
			}
		case EventCancel:
			return ActionCancelled
		default:
			return ActionIgnored
		}

	case StateAwaitingAPIToken:
		switch ev.Kind {
		case EventText:
			s.APIToken = ev.Text
			s.State = StateReadyToDeploy
		case EventCancel:
			return ActionCancelled
		default:
			return ActionIgnored
		}

	case StateAwaitingEmail:
		switch ev.Kind {
		case EventText:
			s.Email = ev.Text
			s.State = StateAwaitingGlobalKey
		case EventCancel:
			return ActionCancelled
		default:
			return ActionIgnored
		}

	case StateAwaitingGlobalKey:
		switch ev.Kind {
		case EventText:
			s.GlobalKey = ev.Text
			s.State = StateReadyToDeploy
		case EventCancel:
			return ActionCancelled
		default:
			return ActionIgnored
		}

	case StateReadyToDeploy:
		switch ev.Kind {
		case EventConfirm:
			return ActionDeploy
		case EventCancel:
			return ActionCancelled
		default:
			return ActionIgnored
		}

	case StateAwaitingToken:
		switch ev.Kind {
		case EventText:
			s.APIToken = ev.Text
			return ActionConnect
		case EventCancel:
			return ActionCancelled
		default:
			return ActionIgnored
		}

	default:
		return ActionIgnored
	}

	s.LastTouchedAt = now
	return ActionAdvanced
}
