package domain

import (
	"errors"
	"fmt"
)

var (
	ErrAuthentication       = errors.New("authentication rejected")
	ErrConnectionLost       = errors.New("signaling connection lost")
	ErrNegotiationRejected  = errors.New("negotiation rejected")
	ErrPeerTransportFailure = errors.New("peer transport failure")
	ErrTimeout              = errors.New("negotiation timeout")
	ErrTransportUnavailable = errors.New("peer transport unavailable")

	ErrPublishActive  = errors.New("publish session already active")
	ErrResumeFailed   = errors.New("session resume rejected")
	ErrRateLimited    = errors.New("rate limited by signaling server")
	ErrByeReceived    = errors.New("signaling server said bye")
	ErrEngineStopped  = errors.New("engine stopped")
	ErrDuplicateLeg   = errors.New("stream id already registered")
	ErrRequestLimited = errors.New("too many offer requests for participant")
)

// ServerError carries the code and message of a signaling "error" reply.
// Kind is one of the sentinel errors above and is what errors.Is matches.
type ServerError struct {
	Kind    error
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%v: %s", e.Kind, e.Code)
	}
	return fmt.Sprintf("%v: %s (%s)", e.Kind, e.Code, e.Message)
}

func (e *ServerError) Unwrap() error { return e.Kind }
