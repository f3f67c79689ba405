package domain

import (
	"encoding/json"
	"fmt"
)

// Wire event names delivered on the commerce session stream.
const (
	StreamEventCreated   = "commerce_session.created"
	StreamEventUpdated   = "commerce_session.updated"
	StreamEventCompleted = "commerce_session.completed"
	StreamEventClosed    = "commerce_session.closed"
)

// StreamEventNames lists every event type the SDK subscribes to.
var StreamEventNames = []string{
	StreamEventCreated,
	StreamEventUpdated,
	StreamEventCompleted,
	StreamEventClosed,
}

// EventKind classifies a decoded session event.
type EventKind int

const (
	EventCreated EventKind = iota
	EventRequiresAmount
	EventRequiresTransaction
	EventRequiresApproval
	EventCompleted
	EventClosed
)

// String returns the event kind name for logging.
func (k EventKind) String() string {
	switch k {
	case EventCreated:
		return "created"
	case EventRequiresAmount:
		return "requires_amount"
	case EventRequiresTransaction:
		return "requires_transaction"
	case EventRequiresApproval:
		return "requires_approval"
	case EventCompleted:
		return "completed"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// SessionEvent is a decoded commerce session event. All kinds except EventClosed
// carry a session snapshot; EventClosed carries only the session ID.
type SessionEvent struct {
	Kind      EventKind
	SessionID string
	Session   *CommerceSession
}

// closedPayload is the optional body of a session-closed signal.
type closedPayload struct {
	ID                string `json:"id"`
	CommerceSessionID string `json:"commerce_session_id"`
}

// DecodeSessionEvent turns a named wire event into a SessionEvent. Updated events
// are fanned out by snapshot status; an updated snapshot that already reads closed
// or completed is mapped to the matching terminal kind so stale routing cannot
// resurrect a finished session.
func DecodeSessionEvent(eventType string, data []byte) (SessionEvent, error) {
	switch eventType {
	case StreamEventClosed:
		var p closedPayload
		if len(data) > 0 {
			if err := json.Unmarshal(data, &p); err != nil {
				return SessionEvent{}, fmt.Errorf("decoding closed event: %w", err)
			}
		}
		id := p.CommerceSessionID
		if id == "" {
			id = p.ID
		}
		return SessionEvent{Kind: EventClosed, SessionID: id}, nil

	case StreamEventCreated, StreamEventUpdated, StreamEventCompleted:
		session := &CommerceSession{}
		if err := json.Unmarshal(data, session); err != nil {
			return SessionEvent{}, fmt.Errorf("decoding %s event: %w", eventType, err)
		}
		session.Status = ParseSessionStatus(string(session.Status))
		if eventType == StreamEventCreated {
			return SessionEvent{Kind: EventCreated, SessionID: session.ID, Session: session}, nil
		}
		if eventType == StreamEventCompleted {
			return SessionEvent{Kind: EventCompleted, SessionID: session.ID, Session: session}, nil
		}
		return EventFromStatus(session), nil

	default:
		return SessionEvent{}, fmt.Errorf("unknown stream event type %q", eventType)
	}
}

// EventFromStatus synthesizes the event matching a session snapshot's status.
// Used by the resume-on-launch path to replay a pinned session through the
// normal event handler.
func EventFromStatus(session *CommerceSession) SessionEvent {
	ev := SessionEvent{SessionID: session.ID, Session: session}
	switch session.Status {
	case SessionStatusRequiresAmount:
		ev.Kind = EventRequiresAmount
	case SessionStatusRequiresTransaction:
		ev.Kind = EventRequiresTransaction
	case SessionStatusRequiresApproval:
		ev.Kind = EventRequiresApproval
	case SessionStatusCompleted:
		ev.Kind = EventCompleted
	case SessionStatusClosed:
		ev.Kind = EventClosed
		ev.Session = nil
	default:
		ev.Kind = EventCreated
	}
	return ev
}
