package domain

import "time"

// CallFlag is the in-call bitmask used by participants updates and the incall message.
type CallFlag int

const (
	CallFlagDisconnected CallFlag = 0
	CallFlagInCall       CallFlag = 1
	CallFlagWithAudio    CallFlag = 2
	CallFlagWithVideo    CallFlag = 4
	CallFlagWithPhone    CallFlag = 8
)

func (f CallFlag) Has(flag CallFlag) bool { return f&flag == flag }

// Audible reports whether a participant is in the call and publishing audio.
func (f CallFlag) Audible() bool {
	return f.Has(CallFlagInCall) && f.Has(CallFlagWithAudio)
}

type ParticipantsUpdate struct {
	RoomID string             `json:"roomid,omitempty"`
	Users  []ParticipantEntry `json:"users"`
	All    bool               `json:"all,omitempty"`
	InCall CallFlag           `json:"incall,omitempty"`
}

type ParticipantEntry struct {
	SessionID          string   `json:"sessionId"`
	NextcloudSessionID string   `json:"nextcloudSessionId,omitempty"`
	UserID             string   `json:"userId,omitempty"`
	InCall             CallFlag `json:"inCall"`
	Internal           bool     `json:"internal,omitempty"`
}

// Participant is the bot's view of a remote room member.
type Participant struct {
	ID                 ParticipantID `json:"id"`
	NextcloudSessionID string        `json:"nextcloudSessionId,omitempty"`
	InCall             CallFlag      `json:"inCall"`
	SeenAt             time.Time     `json:"seenAt"`
}

// Transcript is one recognised utterance relayed to the room.
type Transcript struct {
	SpeakerSessionID ParticipantID `json:"speakerSessionId"`
	Text             string        `json:"text"`
	Partial          bool          `json:"partial"`
	LangID           string        `json:"langId,omitempty"`
	Timestamp        time.Time     `json:"timestamp"`
}
