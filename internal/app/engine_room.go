package app

import (
	"time"

	"github.com/dkeye/talkcaster/internal/domain"
)

func (e *Engine) handleEvent(ev *domain.EventMessage) {
	if ev == nil {
		return
	}
	if ev.Target != "participants" || ev.Type != "update" || ev.Update == nil {
		e.logger.Debug().Str("target", ev.Target).Str("type", ev.Type).Msg("ignored event")
		return
	}

	delta := e.participants.Apply(*ev.Update)
	for _, p := range delta.Left {
		e.dropParticipant(p)
	}
	if delta.CallEnded {
		e.logger.Info().Msg("call ended for everyone")
		e.emit(domain.SessionEvent{Kind: domain.EventCallEnded})
		return
	}

	for _, p := range delta.Present {
		subs := e.registry.SubscriptionsOf(p.ID)
		switch e.policy.OnParticipant(p, len(subs) > 0) {
		case RequestOffer:
			if _, err := e.requestSubscribe(p.ID); err != nil {
				e.logger.Warn().Err(err).Str("participant", string(p.ID)).Msg("auto subscribe")
			}
		case DropSubscription:
			for _, s := range subs {
				e.closeSession(s, nil)
			}
		}
	}
	e.checkAlone()
}

func (e *Engine) dropParticipant(p domain.ParticipantID) {
	for _, s := range e.registry.SubscriptionsOf(p) {
		e.closeSession(s, nil)
	}
	e.limiter.Forget(p)
	e.logger.Debug().Str("participant", string(p)).Msg("participant left")
}

// checkAlone arms the leave timer while nobody else is in the room.
func (e *Engine) checkAlone() {
	if e.cfg.LeaveTimeout <= 0 {
		return
	}
	if e.participants.Len() > 0 {
		e.stopLeaveTimer()
		return
	}
	if e.leaveTimer != nil {
		return
	}
	gen := e.leaveGen
	d := e.cfg.LeaveTimeout
	e.leaveTimer = time.AfterFunc(d, func() {
		e.post(func() {
			if gen != e.leaveGen || e.participants.Len() > 0 {
				return
			}
			e.leaveTimer = nil
			e.logger.Info().Dur("after", d).Msg("no participants left, leaving call")
			e.emit(domain.SessionEvent{Kind: domain.EventCallEnded})
		})
	})
}

func (e *Engine) stopLeaveTimer() {
	e.leaveGen++
	if e.leaveTimer != nil {
		e.leaveTimer.Stop()
		e.leaveTimer = nil
	}
}

func (e *Engine) broadcastTranscript(t domain.Transcript) (int, error) {
	final := !t.Partial
	ts := t.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	sent := 0
	var firstErr error
	for _, to := range e.participants.Targets() {
		_, err := e.sendData(string(to), &domain.MessageData{
			Type:             domain.DataTranscript,
			Final:            &final,
			LangID:           t.LangID,
			Text:             t.Text,
			SpeakerSessionID: string(t.SpeakerSessionID),
			Timestamp:        ts.UnixMilli(),
		})
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		sent++
	}
	return sent, firstErr
}
