package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/talkcaster/internal/app/media"
	"github.com/dkeye/talkcaster/internal/core"
	"github.com/dkeye/talkcaster/internal/domain"
	"github.com/pion/webrtc/v4"
)

// requestSubscribe sends a bare requestoffer. No stream id is proposed:
// strict servers reject requests that pre-assign one.
func (e *Engine) requestSubscribe(p domain.ParticipantID) (domain.StreamID, error) {
	if p == "" {
		return "", errors.New("participant id required")
	}
	if subs := e.registry.SubscriptionsOf(p); len(subs) > 0 {
		return subs[0].StreamID(), nil
	}
	if !e.limiter.Allow(p) {
		return "", fmt.Errorf("%w: %s", domain.ErrRequestLimited, p)
	}

	s := newSession(provisionalStreamID(), domain.RoleSubscribe, p)
	if err := e.registry.Bind(s); err != nil {
		return "", err
	}
	id, err := e.sendData(string(p), &domain.MessageData{
		Type:     domain.DataRequestOffer,
		RoomType: domain.RoomTypeVideo,
	})
	if err != nil {
		cause := fmt.Errorf("send requestoffer: %w", err)
		e.closeSession(s, cause)
		return "", cause
	}
	e.expectReply(id, s)
	e.advance(s, domain.StateOfferRequested)
	e.armTimer(s, e.cfg.AnswerTimeout, "offer")
	e.participants.Add(p)

	s.log().Info().Str("participant", string(p)).Msg("offer requested")
	return s.StreamID(), nil
}

func (e *Engine) handleOffer(from domain.ParticipantID, d *domain.MessageData) {
	sid := domain.StreamID(d.SID)
	if sid == "" {
		e.logger.Warn().Str("from", string(from)).Msg("offer without sid dropped")
		return
	}
	if e.wasClosed(sid) {
		e.logger.Debug().Str("sid", d.SID).Msg("offer for closed leg ignored")
		return
	}
	p, err := domain.ParseSDP(d.Payload)
	if err != nil {
		e.logger.Warn().Err(err).Str("sid", d.SID).Msg("bad offer payload")
		return
	}

	s, ok := e.registry.Get(sid)
	switch {
	case ok && s.Role() != domain.RoleSubscribe:
		s.log().Warn().Msg("offer for publish leg ignored")
		return
	case ok:
	default:
		if s, ok = e.registry.AwaitingOffer(from); ok {
			prev := s.StreamID()
			if err := e.registry.Rebind(s, sid); err != nil {
				s.log().Warn().Err(err).Msg("bind subscribe leg")
				return
			}
			e.emitRebound(s, prev)
		} else {
			s = newSession(sid, domain.RoleSubscribe, from)
			if err := e.registry.Bind(s); err != nil {
				e.logger.Warn().Err(err).Msg("register unsolicited offer")
				return
			}
			s.log().Info().Str("participant", string(from)).Msg("unsolicited offer, subscribe session created")
		}
	}

	if !s.can(domain.StateOfferReceived) {
		s.log().Warn().Str("state", string(s.State())).Msg("offer ignored")
		return
	}
	s.bind(from)
	e.replayHeld(s)
	e.participants.Add(s.Participant())
	e.advance(s, domain.StateOfferReceived)
	s.stopTimer()

	if s.transport == nil {
		if err := e.attachTransport(s); err != nil {
			e.closeSession(s, err)
			return
		}
	}
	if err := s.applyRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: p.SDP}); err != nil {
		e.closeSession(s, fmt.Errorf("%w: apply offer: %v", domain.ErrPeerTransportFailure, err))
		return
	}
	answer, err := s.transport.CreateAnswer()
	if err == nil {
		err = s.transport.SetLocalDescription(answer)
	}
	if err != nil {
		e.closeSession(s, fmt.Errorf("%w: create answer: %v", domain.ErrPeerTransportFailure, err))
		return
	}

	to := string(s.Participant())
	if d.From != "" {
		to = d.From
	}
	roomType := d.RoomType
	if roomType == "" {
		roomType = domain.RoomTypeVideo
	}
	id, err := e.sendData(to, &domain.MessageData{
		To:       to,
		Type:     domain.DataAnswer,
		SID:      string(sid),
		RoomType: roomType,
		Payload:  domain.MustPayload(domain.SDPPayload{Type: domain.DataAnswer, SDP: answer.SDP, Nick: e.cfg.Nick}),
	})
	if err != nil {
		e.closeSession(s, fmt.Errorf("send answer: %w", err))
		return
	}
	e.expectReply(id, s)
	e.advance(s, domain.StateAnswerSent)
	e.armTimer(s, e.cfg.ConnectTimeout, "connection")
}

func (e *Engine) handleCandidate(from domain.ParticipantID, d *domain.MessageData) {
	info, err := domain.ParseCandidate(d.Payload)
	if err != nil {
		e.logger.Warn().Err(err).Str("sid", d.SID).Msg("bad candidate payload")
		return
	}
	mid, idx := info.SDPMid, info.SDPMLineIndex
	cand := webrtc.ICECandidateInit{Candidate: info.Candidate, SDPMid: &mid, SDPMLineIndex: &idx}

	sid := domain.StreamID(d.SID)
	s, ok := e.lookupLeg(sid)
	if !ok {
		if sid != "" && e.wasClosed(sid) {
			e.logger.Debug().Str("sid", d.SID).Msg("candidate for closed leg ignored")
			return
		}
		if e.ownsPublish(from) {
			s, ok = e.adoptPublish(sid)
		}
	}
	if !ok {
		// may precede the offer or answer that binds sid
		if e.holdCandidate(sid, cand) {
			e.logger.Debug().Str("sid", d.SID).Str("from", string(from)).Msg("candidate held for unknown leg")
		} else {
			e.logger.Warn().Str("sid", d.SID).Str("from", string(from)).Msg("unmatched candidate dropped")
		}
		return
	}
	s.bind(from)

	if err := s.addRemoteCandidate(cand); err != nil {
		s.log().Warn().Err(err).Str("candidate", info.Candidate).Msg("add ice candidate")
	}
}

func (e *Engine) onLocalCandidate(s *Session, c webrtc.ICECandidateInit) {
	if s.Closed() {
		return
	}
	info := domain.CandidateInfo{Candidate: c.Candidate}
	if c.SDPMid != nil {
		info.SDPMid = *c.SDPMid
	}
	if c.SDPMLineIndex != nil {
		info.SDPMLineIndex = *c.SDPMLineIndex
	}
	to := e.peerOf(s)
	if _, err := e.sendData(to, &domain.MessageData{
		To:       to,
		Type:     domain.DataCandidate,
		SID:      string(s.StreamID()),
		RoomType: domain.RoomTypeVideo,
		Payload:  domain.MustPayload(domain.CandidatePayload{Candidate: info}),
	}); err != nil {
		s.log().Warn().Err(err).Msg("send local candidate")
	}
}

func (e *Engine) onTransportState(s *Session, st webrtc.PeerConnectionState) {
	if s.Closed() {
		return
	}
	s.log().Info().Str("peer_connection_state", st.String()).Msg("peer state")
	switch st {
	case webrtc.PeerConnectionStateConnected:
		if !s.can(domain.StateConnected) {
			return
		}
		s.stopTimer()
		e.advance(s, domain.StateConnected)
		if s.publisher != nil {
			s.publisher.SetLive()
			e.startPump(s)
		}
	case webrtc.PeerConnectionStateFailed:
		e.closeSession(s, fmt.Errorf("%w: peer connection failed", domain.ErrPeerTransportFailure))
	case webrtc.PeerConnectionStateClosed:
		e.closeSession(s, fmt.Errorf("%w: peer connection closed", domain.ErrPeerTransportFailure))
	}
}

func (e *Engine) onRemoteTrack(s *Session, tr core.RemoteTrack) {
	if s.Closed() || s.Role() != domain.RoleSubscribe {
		return
	}
	if tr.Kind() != webrtc.RTPCodecTypeAudio {
		s.log().Debug().Str("kind", tr.Kind().String()).Msg("non-audio track ignored")
		return
	}
	sub, err := media.NewSubscriber(tr, media.SubscriberOptions{
		StreamID:     s.StreamID(),
		Participant:  s.Participant(),
		Channels:     e.cfg.SubscribeChannels,
		FrameSamples: e.cfg.FrameSamples,
		NewDecoder:   e.newDecoder,
		Handler:      e.onFrame,
	})
	if err != nil {
		s.log().Error().Err(err).Msg("create subscriber")
		return
	}
	if s.subStop != nil {
		s.subStop()
	}
	ctx, cancel := context.WithCancel(e.runCtx)
	s.subStop = cancel
	go func() {
		if err := sub.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.log().Debug().Err(err).Msg("subscriber ended")
		}
	}()
}

// peerOf is where a leg's candidates go: the learned remote end, or our own
// session while a publish leg is still unbound.
func (e *Engine) peerOf(s *Session) string {
	if p := s.Participant(); p != "" {
		return string(p)
	}
	return e.conn.SessionID()
}
