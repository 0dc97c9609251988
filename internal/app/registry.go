package app

import (
	"fmt"
	"sort"
	"sync"

	"github.com/dkeye/talkcaster/internal/domain"
	"github.com/rs/zerolog/log"
)

// Registry owns every live negotiation session, keyed by stream id.
// Only the engine's dispatch loop mutates it; readers take snapshots.
type Registry struct {
	mu       sync.RWMutex
	sessions map[domain.StreamID]*Session
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[domain.StreamID]*Session),
	}
}

func (r *Registry) Bind(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sid := s.StreamID()
	if _, ok := r.sessions[sid]; ok {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateLeg, sid)
	}
	r.sessions[sid] = s
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Str("role", string(s.Role())).Msg("bound session")
	return nil
}

// Rebind moves s under a server-assigned stream id.
func (r *Registry) Rebind(s *Session, to domain.StreamID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	from := s.StreamID()
	if from == to {
		return nil
	}
	if _, ok := r.sessions[to]; ok {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateLeg, to)
	}
	if cur, ok := r.sessions[from]; !ok || cur != s {
		return fmt.Errorf("rebind %s: session not registered", from)
	}
	delete(r.sessions, from)
	s.setStreamID(to)
	r.sessions[to] = s
	log.Info().Str("module", "app.registry").Str("from", string(from)).Str("sid", string(to)).Msg("rebound session")
	return nil
}

func (r *Registry) Get(sid domain.StreamID) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sid]
	return s, ok
}

func (r *Registry) Unbind(sid domain.StreamID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[sid]; !ok {
		return
	}
	delete(r.sessions, sid)
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("unbind session")
}

// Publish returns the active publish session, if any.
func (r *Registry) Publish() (*Session, bool) {
	return r.find(func(s *Session) bool { return s.Role() == domain.RolePublish })
}

// PendingPublish returns the publish session still waiting for its first
// inbound message, the only one an unknown stream id may bind to.
func (r *Registry) PendingPublish() (*Session, bool) {
	return r.find(func(s *Session) bool {
		return s.Role() == domain.RolePublish && !s.Bound() && s.State() == domain.StateOfferSent
	})
}

// AwaitingOffer returns the requested subscribe session for p that has not
// yet been bound to a server stream id.
func (r *Registry) AwaitingOffer(p domain.ParticipantID) (*Session, bool) {
	return r.find(func(s *Session) bool {
		return s.Role() == domain.RoleSubscribe && !s.Bound() &&
			s.Participant() == p && s.State() == domain.StateOfferRequested
	})
}

// SubscriptionsOf returns every subscribe session whose remote end is p.
func (r *Registry) SubscriptionsOf(p domain.ParticipantID) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Session
	for _, s := range r.sessions {
		if s.Role() == domain.RoleSubscribe && s.Participant() == p {
			out = append(out, s)
		}
	}
	return out
}

func (r *Registry) find(match func(*Session) bool) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		if match(s) {
			return s, true
		}
	}
	return nil, false
}

// Sessions returns the registered sessions ordered by creation time.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (r *Registry) Snapshot() []domain.SessionInfo {
	sessions := r.Sessions()
	out := make([]domain.SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Drain removes and returns every session.
func (r *Registry) Drain() []*Session {
	out := r.Sessions()
	r.mu.Lock()
	r.sessions = make(map[domain.StreamID]*Session)
	r.mu.Unlock()
	log.Info().Str("module", "app.registry").Int("count", len(out)).Msg("drained sessions")
	return out
}
