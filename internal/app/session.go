package app

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/talkcaster/internal/app/media"
	"github.com/dkeye/talkcaster/internal/core"
	"github.com/dkeye/talkcaster/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var sessionSeq atomic.Uint64

// Session is one negotiation leg. Its mutable fields belong to the engine's
// dispatch loop; mu only guards what status readers may look at.
type Session struct {
	seq       uint64
	role      domain.Role
	createdAt time.Time

	mu          sync.RWMutex
	streamID    domain.StreamID
	participant domain.ParticipantID
	state       domain.State
	bound       bool

	transport     core.PeerTransport
	transportOnce sync.Once
	remoteApplied bool
	pending       []webrtc.ICECandidateInit

	timer    *time.Timer
	timerGen uint64

	publisher *media.Publisher
	source    core.AudioSource
	pumpStop  context.CancelFunc
	pumpDone  chan struct{}

	subStop context.CancelFunc

	closeErr error
	logger   zerolog.Logger
}

func newSession(sid domain.StreamID, role domain.Role, participant domain.ParticipantID) *Session {
	return &Session{
		seq:         sessionSeq.Add(1),
		role:        role,
		createdAt:   time.Now(),
		streamID:    sid,
		participant: participant,
		state:       domain.StateCreated,
		logger:      log.With().Str("module", "app.session").Str("role", string(role)).Logger(),
	}
}

func (s *Session) Role() domain.Role { return s.role }

func (s *Session) StreamID() domain.StreamID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.streamID
}

func (s *Session) setStreamID(sid domain.StreamID) {
	s.mu.Lock()
	s.streamID = sid
	s.mu.Unlock()
}

func (s *Session) Participant() domain.ParticipantID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.participant
}

func (s *Session) State() domain.State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) Bound() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bound
}

func (s *Session) Closed() bool { return s.State() == domain.StateClosed }

func (s *Session) Info() domain.SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return domain.SessionInfo{
		StreamID:    s.streamID,
		Role:        s.role,
		Participant: s.participant,
		State:       s.state,
		Bound:       s.bound,
		CreatedAt:   s.createdAt,
	}
}

// bind marks the leg as confirmed by the remote end and learns its sender.
func (s *Session) bind(from domain.ParticipantID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bound = true
	if s.participant == "" && from != "" {
		s.participant = from
	}
}

func (s *Session) can(to domain.State) bool {
	return domain.CanTransition(s.role, s.State(), to)
}

// transition moves the session to the given state and reports whether the
// state machine allowed it. Rejected transitions are logged and ignored.
func (s *Session) transition(to domain.State) bool {
	s.mu.Lock()
	from := s.state
	if !domain.CanTransition(s.role, from, to) {
		s.mu.Unlock()
		s.log().Warn().Str("from", string(from)).Str("to", string(to)).Msg("ignored invalid transition")
		return false
	}
	s.state = to
	s.mu.Unlock()
	s.log().Debug().Str("from", string(from)).Str("to", string(to)).Msg("state changed")
	return true
}

func (s *Session) log() *zerolog.Logger {
	l := s.logger.With().Str("sid", string(s.StreamID())).Logger()
	return &l
}

// addRemoteCandidate applies c, or queues it until the remote description is set.
func (s *Session) addRemoteCandidate(c webrtc.ICECandidateInit) error {
	if !s.remoteApplied {
		s.pending = append(s.pending, c)
		return nil
	}
	return s.transport.AddICECandidate(c)
}

// applyRemote sets the remote description and drains queued candidates in
// receipt order before any new candidate is applied directly.
func (s *Session) applyRemote(desc webrtc.SessionDescription) error {
	if err := s.transport.SetRemoteDescription(desc); err != nil {
		return err
	}
	s.remoteApplied = true
	queued := s.pending
	s.pending = nil
	for _, c := range queued {
		if err := s.transport.AddICECandidate(c); err != nil {
			s.log().Warn().Err(err).Str("candidate", c.Candidate).Msg("apply queued candidate")
		}
	}
	return nil
}

func (s *Session) PendingCandidates() int { return len(s.pending) }

func (s *Session) stopTimer() {
	s.timerGen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// releaseTransport closes the owned transport exactly once.
func (s *Session) releaseTransport() error {
	var err error
	s.transportOnce.Do(func() {
		if s.transport != nil {
			err = s.transport.Close()
		}
	})
	return err
}

func (s *Session) markClosed(cause error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == domain.StateClosed {
		return false
	}
	s.state = domain.StateClosed
	s.closeErr = cause
	return true
}

// Err returns why the session closed, nil for a requested close.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closeErr
}
