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

func (e *Engine) startPublish(src core.AudioSource) (domain.StreamID, error) {
	if s, ok := e.registry.Publish(); ok {
		return s.StreamID(), domain.ErrPublishActive
	}

	s := newSession(newStreamID(), domain.RolePublish, "")
	if err := e.attachTransport(s); err != nil {
		return "", err
	}
	sink := s.transport.AudioSink()
	if sink == nil {
		_ = s.releaseTransport()
		return "", fmt.Errorf("%w: transport has no outbound audio track", domain.ErrTransportUnavailable)
	}
	s.publisher = media.NewPublisher(sink, media.PublisherOptions{
		PrebufferFrames: e.cfg.PrebufferFrames,
		NewEncoder:      e.newEncoder,
		StreamID:        s.StreamID(),
	})
	s.source = src
	if err := e.registry.Bind(s); err != nil {
		_ = s.releaseTransport()
		return "", err
	}

	offer, err := s.transport.CreateOffer()
	if err == nil {
		err = s.transport.SetLocalDescription(offer)
	}
	if err != nil {
		cause := fmt.Errorf("%w: create offer: %v", domain.ErrPeerTransportFailure, err)
		e.closeSession(s, cause)
		return "", cause
	}

	// The relay negotiates as if it were a peer of the publisher, so the
	// offer is addressed to our own session.
	self := e.conn.SessionID()
	sid := s.StreamID()
	id, err := e.sendData(self, &domain.MessageData{
		To:       self,
		Type:     domain.DataOffer,
		SID:      string(sid),
		RoomType: domain.RoomTypeVideo,
		Payload:  domain.MustPayload(domain.SDPPayload{Type: domain.DataOffer, SDP: offer.SDP, Nick: e.cfg.Nick}),
	})
	if err != nil {
		cause := fmt.Errorf("send offer: %w", err)
		e.closeSession(s, cause)
		return "", cause
	}
	e.expectReply(id, s)
	e.advance(s, domain.StateOfferSent)
	e.armTimer(s, e.cfg.AnswerTimeout, "answer")
	e.announcePublish(s)

	s.log().Info().Msg("publish offer sent")
	return sid, nil
}

// announcePublish tells the room who is speaking and that audio is on.
// Both messages are fire-and-forget.
func (e *Engine) announcePublish(s *Session) {
	if _, err := e.sendRoom(&domain.MessageData{
		Type:    domain.DataNickChanged,
		Payload: domain.MustPayload(domain.NickPayload{Name: e.cfg.Nick}),
	}); err != nil {
		s.log().Debug().Err(err).Msg("send nickChanged")
	}
	self := e.conn.SessionID()
	if _, err := e.sendData(self, &domain.MessageData{
		To:       self,
		Type:     domain.DataMedia,
		SID:      string(s.StreamID()),
		RoomType: domain.RoomTypeVideo,
		Payload:  domain.MustPayload(domain.MediaPayload{Audio: true}),
	}); err != nil {
		s.log().Debug().Err(err).Msg("send media state")
	}
}

func (e *Engine) handleAnswer(from domain.ParticipantID, d *domain.MessageData) {
	sid := domain.StreamID(d.SID)
	s, ok := e.lookupLeg(sid)
	if !ok && (sid == "" || !e.wasClosed(sid)) {
		s, ok = e.adoptPublish(sid)
	}
	if !ok {
		e.logger.Warn().Str("sid", d.SID).Str("from", string(from)).Msg("unmatched answer dropped")
		return
	}
	if s.Role() != domain.RolePublish || !s.can(domain.StateAnswerPending) {
		s.log().Warn().Str("state", string(s.State())).Msg("answer ignored")
		return
	}
	p, err := domain.ParseSDP(d.Payload)
	if err != nil {
		s.log().Warn().Err(err).Msg("bad answer payload")
		return
	}
	s.bind(from)

	if err := s.applyRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: p.SDP}); err != nil {
		e.closeSession(s, fmt.Errorf("%w: apply answer: %v", domain.ErrPeerTransportFailure, err))
		return
	}
	e.advance(s, domain.StateAnswerPending)
	e.armTimer(s, e.cfg.ConnectTimeout, "connection")
}

func (e *Engine) lookupLeg(sid domain.StreamID) (*Session, bool) {
	if sid == "" {
		return nil, false
	}
	return e.registry.Get(sid)
}

// adoptPublish binds an inbound stream id to the single publish leg still
// waiting for its first reply. Candidates held for that id are replayed.
func (e *Engine) adoptPublish(sid domain.StreamID) (*Session, bool) {
	s, ok := e.registry.PendingPublish()
	if !ok {
		return nil, false
	}
	if sid != "" && sid != s.StreamID() {
		prev := s.StreamID()
		if err := e.registry.Rebind(s, sid); err != nil {
			s.log().Warn().Err(err).Msg("bind publish leg")
			return nil, false
		}
		e.emitRebound(s, prev)
	}
	e.replayHeld(s)
	return s, true
}

// ownsPublish reports whether a message from sender may belong to the
// pending publish leg: only our own session or the leg's peer answer it.
func (e *Engine) ownsPublish(from domain.ParticipantID) bool {
	s, ok := e.registry.PendingPublish()
	return ok && from != "" && string(from) == e.peerOf(s)
}

func (e *Engine) emitRebound(s *Session, prev domain.StreamID) {
	info := s.Info()
	e.emit(domain.SessionEvent{
		Kind:        domain.EventRebound,
		StreamID:    info.StreamID,
		PreviousID:  prev,
		Role:        info.Role,
		Participant: info.Participant,
		State:       info.State,
	})
}

func (e *Engine) startPump(s *Session) {
	if s.source == nil || s.pumpStop != nil {
		return
	}
	ctx, cancel := context.WithCancel(e.runCtx)
	done := make(chan struct{})
	s.pumpStop, s.pumpDone = cancel, done

	src, sink := s.source, s.publisher
	go func() {
		err := src.Run(ctx, sink)
		close(done)
		e.post(func() { e.onPumpFinished(s, err) })
	}()
	s.log().Info().Msg("audio pump started")
}

func (e *Engine) onPumpFinished(s *Session, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	if err != nil {
		s.log().Error().Err(err).Msg("audio source failed")
	} else {
		s.log().Info().Msg("audio source finished")
	}
	info := s.Info()
	e.emit(domain.SessionEvent{
		Kind:     domain.EventSourceEnded,
		StreamID: info.StreamID,
		Role:     info.Role,
		State:    info.State,
		Err:      err,
	})
}
