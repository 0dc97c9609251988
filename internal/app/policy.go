package app

import "github.com/dkeye/talkcaster/internal/domain"

type SubscribeAction int

const (
	NoAction SubscribeAction = iota
	RequestOffer
	DropSubscription
)

// Policy decides how the engine reacts to a participant's call flags.
type Policy interface {
	OnParticipant(p domain.Participant, subscribed bool) SubscribeAction
}

// SimplePolicy asks for an offer once a participant is in the call with
// audio, and drops the subscription when they stop sending audio.
type SimplePolicy struct {
	AutoSubscribe bool
}

func (sp SimplePolicy) OnParticipant(p domain.Participant, subscribed bool) SubscribeAction {
	if !sp.AutoSubscribe {
		return NoAction
	}
	switch {
	case p.InCall.Audible() && !subscribed:
		return RequestOffer
	case !p.InCall.Has(domain.CallFlagInCall) && subscribed:
		return DropSubscription
	}
	return NoAction
}
