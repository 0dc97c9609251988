package app

import (
	"sort"
	"sync"
	"time"

	"github.com/dkeye/talkcaster/internal/domain"
)

// Participants tracks remote room members from participants update events.
// Entries are transcript targets and candidates for subscription.
type Participants struct {
	mu   sync.RWMutex
	self domain.ParticipantID
	byID map[domain.ParticipantID]domain.Participant
}

func NewParticipants(self domain.ParticipantID) *Participants {
	return &Participants{
		self: self,
		byID: make(map[domain.ParticipantID]domain.Participant),
	}
}

type ParticipantsDelta struct {
	Present   []domain.Participant
	Left      []domain.ParticipantID
	CallEnded bool
}

func (p *Participants) Apply(u domain.ParticipantsUpdate) ParticipantsDelta {
	p.mu.Lock()
	defer p.mu.Unlock()

	if u.All && u.InCall == domain.CallFlagDisconnected {
		var d ParticipantsDelta
		for id := range p.byID {
			d.Left = append(d.Left, id)
		}
		p.byID = make(map[domain.ParticipantID]domain.Participant)
		d.CallEnded = true
		return d
	}

	var d ParticipantsDelta
	now := time.Now()
	for _, u := range u.Users {
		id := domain.ParticipantID(u.SessionID)
		if u.Internal || id == "" || id == p.self {
			continue
		}
		if u.InCall == domain.CallFlagDisconnected {
			if _, ok := p.byID[id]; ok {
				delete(p.byID, id)
			}
			d.Left = append(d.Left, id)
			continue
		}
		entry := domain.Participant{
			ID:                 id,
			NextcloudSessionID: u.NextcloudSessionID,
			InCall:             u.InCall,
			SeenAt:             now,
		}
		p.byID[id] = entry
		d.Present = append(d.Present, entry)
	}
	return d
}

// Add records a participant learned from negotiation traffic.
func (p *Participants) Add(id domain.ParticipantID) {
	if id == "" || id == p.self {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.byID[id]; !ok {
		p.byID[id] = domain.Participant{ID: id, SeenAt: time.Now()}
	}
}

func (p *Participants) Targets() []domain.ParticipantID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]domain.ParticipantID, 0, len(p.byID))
	for id := range p.byID {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (p *Participants) Snapshot() []domain.Participant {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]domain.Participant, 0, len(p.byID))
	for _, e := range p.byID {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (p *Participants) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.byID)
}
