package core

import "github.com/dkeye/talkcaster/internal/domain"

// Frame is a raw websocket payload.
type Frame []byte

// SignalConnection is the single signaling channel of an engine.
// Owned by whoever dialed it; Close is idempotent.
type SignalConnection interface {
	// Send assigns the next sequence id to msg and queues it. It returns the id.
	Send(msg *domain.Message) (string, error)
	// Inbound is closed when the connection ends; Err then tells why.
	Inbound() <-chan *domain.Message
	Done() <-chan struct{}
	Err() error
	SessionID() string
	ResumeID() string
	Close() error
}
