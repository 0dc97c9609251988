package media

import "sync/atomic"

type TrackState int32

const (
	TrackStatePending TrackState = iota
	TrackStateLive
	TrackStateClosed
)

func (s TrackState) String() string {
	switch s {
	case TrackStatePending:
		return "pending"
	case TrackStateLive:
		return "live"
	case TrackStateClosed:
		return "closed"
	}
	return "unknown"
}

// trackState is the lifecycle flag shared between the pump and the engine.
type trackState struct {
	v atomic.Int32 // Zero by default (TrackStatePending)
}

func (t *trackState) Get() TrackState { return TrackState(t.v.Load()) }

func (t *trackState) MarkLive() { t.v.Store(int32(TrackStateLive)) }

func (t *trackState) MarkClosed() { t.v.Store(int32(TrackStateClosed)) }
