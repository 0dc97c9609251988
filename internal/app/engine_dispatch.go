package app

import (
	"fmt"

	"github.com/dkeye/talkcaster/internal/domain"
)

// dispatch handles one inbound message. It runs only on the loop goroutine,
// one message at a time, in arrival order.
func (e *Engine) dispatch(msg *domain.Message) {
	if msg == nil {
		return
	}
	switch msg.Type {
	case domain.TypeMessage:
		e.handleMessage(msg.Message)
	case domain.TypeControl:
		e.handleControl(msg.Control)
	case domain.TypeEvent:
		e.handleEvent(msg.Event)
	case domain.TypeError:
		e.handleError(msg)
	case domain.TypeBye:
		reason := ""
		if msg.Bye != nil {
			reason = msg.Bye.Reason
		}
		e.logger.Info().Str("reason", reason).Msg("received bye")
		e.exitErr = fmt.Errorf("%w: %s", domain.ErrByeReceived, reason)
	case domain.TypeRoom, domain.TypeWelcome, domain.TypeHello:
		e.logger.Debug().Str("type", msg.Type).Msg("ignored handshake message")
	default:
		e.logger.Warn().Str("type", msg.Type).Msg("unknown signal")
	}
}

func (e *Engine) handleMessage(m *domain.DataMessage) {
	if m == nil || m.Data == nil {
		e.logger.Warn().Msg("message without data")
		return
	}
	var from domain.ParticipantID
	if m.Sender != nil {
		from = domain.ParticipantID(m.Sender.SessionID)
	}

	d := m.Data
	switch d.Type {
	case domain.DataOffer:
		e.handleOffer(from, d)
	case domain.DataAnswer:
		e.handleAnswer(from, d)
	case domain.DataCandidate:
		e.handleCandidate(from, d)
	case domain.DataTranscript:
		e.logger.Debug().Str("from", string(from)).Str("speaker", d.SpeakerSessionID).Msg("transcript from peer")
	case domain.DataRequestOffer:
		e.logger.Debug().Str("from", string(from)).Msg("peer requested an offer, publish leg is managed locally")
	default:
		e.logger.Debug().Str("from", string(from)).Str("data_type", d.Type).Msg("ignored message")
	}
}

func (e *Engine) handleControl(m *domain.DataMessage) {
	if m == nil || m.Data == nil {
		return
	}
	e.logger.Debug().Str("data_type", m.Data.Type).Msg("control message")
}

// handleError maps an error reply back to the leg whose message caused it.
// Such a rejection closes only that leg.
func (e *Engine) handleError(msg *domain.Message) {
	var code, text string
	if msg.Error != nil {
		code, text = msg.Error.Code, msg.Error.Message
	}

	if s, ok := e.replies[msg.ID]; ok && msg.ID != "" {
		delete(e.replies, msg.ID)
		e.closeSession(s, &domain.ServerError{Kind: domain.ErrNegotiationRejected, Code: code, Message: text})
		return
	}
	if code == "processing_failed" {
		e.logger.Warn().Str("code", code).Str("message", text).Msg("recoverable signaling error")
		return
	}
	e.logger.Warn().Str("id", msg.ID).Str("code", code).Str("message", text).Msg("uncorrelated signaling error")
}

func (e *Engine) sendData(to string, data *domain.MessageData) (string, error) {
	return e.conn.Send(&domain.Message{
		Type: domain.TypeMessage,
		Message: &domain.DataMessage{
			Recipient: &domain.Recipient{Type: "session", SessionID: to},
			Data:      data,
		},
	})
}

func (e *Engine) sendRoom(data *domain.MessageData) (string, error) {
	return e.conn.Send(&domain.Message{
		Type: domain.TypeMessage,
		Message: &domain.DataMessage{
			Recipient: &domain.Recipient{Type: "room"},
			Data:      data,
		},
	})
}
