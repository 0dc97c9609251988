// Package domain contains protocol entities and their rules, no transport or lifecycle logic.
package domain

import "time"

type (
	// StreamID is the negotiation leg identifier ("sid" on the wire).
	StreamID string
	// ParticipantID is a signaling-level session id of a room participant.
	ParticipantID string
)

type Role string

const (
	RolePublish   Role = "publish"
	RoleSubscribe Role = "subscribe"
)

type State string

const (
	StateCreated        State = "created"
	StateOfferSent      State = "offer_sent"
	StateAnswerPending  State = "answer_pending"
	StateOfferRequested State = "offer_requested"
	StateOfferReceived  State = "offer_received"
	StateAnswerSent     State = "answer_sent"
	StateConnected      State = "connected"
	StateClosed         State = "closed"
)

var transitions = map[Role]map[State][]State{
	RolePublish: {
		StateCreated:       {StateOfferSent},
		StateOfferSent:     {StateAnswerPending},
		StateAnswerPending: {StateConnected},
	},
	RoleSubscribe: {
		StateCreated:        {StateOfferRequested, StateOfferReceived},
		StateOfferRequested: {StateOfferReceived},
		StateOfferReceived:  {StateAnswerSent},
		StateAnswerSent:     {StateConnected},
	},
}

// CanTransition reports whether role allows moving from one state to another.
// Every state except closed may move to closed; closed is terminal.
func CanTransition(role Role, from, to State) bool {
	if from == StateClosed {
		return false
	}
	if to == StateClosed {
		return true
	}
	for _, next := range transitions[role][from] {
		if next == to {
			return true
		}
	}
	return false
}

// SessionInfo is a read-only snapshot of a negotiation session.
type SessionInfo struct {
	StreamID    StreamID      `json:"streamId"`
	Role        Role          `json:"role"`
	Participant ParticipantID `json:"participant,omitempty"`
	State       State         `json:"state"`
	Bound       bool          `json:"bound"`
	CreatedAt   time.Time     `json:"createdAt"`
}

type EventKind string

const (
	EventStateChanged EventKind = "state"
	EventRebound      EventKind = "rebound"
	EventSourceEnded  EventKind = "source_ended"
	EventCallEnded    EventKind = "call_ended"
)

// SessionEvent is emitted by the engine for every observable session change.
// Err is set when a session closes because of a failure.
type SessionEvent struct {
	Kind        EventKind
	StreamID    StreamID
	PreviousID  StreamID
	Role        Role
	Participant ParticipantID
	State       State
	Err         error
	At          time.Time
}
