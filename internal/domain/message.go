package domain

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	HelloVersion  = "2.0"
	RoomTypeVideo = "video"
)

// Top-level message types.
const (
	TypeHello    = "hello"
	TypeWelcome  = "welcome"
	TypeRoom     = "room"
	TypeMessage  = "message"
	TypeControl  = "control"
	TypeEvent    = "event"
	TypeError    = "error"
	TypeBye      = "bye"
	TypeInternal = "internal"
)

// Data types carried inside a "message" envelope.
const (
	DataOffer        = "offer"
	DataAnswer       = "answer"
	DataCandidate    = "candidate"
	DataRequestOffer = "requestoffer"
	DataTranscript   = "transcript"
	DataNickChanged  = "nickChanged"
	DataMedia        = "media"
)

// Message is the signaling envelope exchanged with the server.
type Message struct {
	ID       string           `json:"id,omitempty"`
	Type     string           `json:"type"`
	Hello    *HelloMessage    `json:"hello,omitempty"`
	Error    *ErrorMessage    `json:"error,omitempty"`
	Room     *RoomMessage     `json:"room,omitempty"`
	Internal *InternalMessage `json:"internal,omitempty"`
	Message  *DataMessage     `json:"message,omitempty"`
	Control  *DataMessage     `json:"control,omitempty"`
	Event    *EventMessage    `json:"event,omitempty"`
	Bye      *ByeMessage      `json:"bye,omitempty"`
	Welcome  json.RawMessage  `json:"welcome,omitempty"`
}

type HelloMessage struct {
	Version   string     `json:"version"`
	ResumeID  string     `json:"resumeid,omitempty"`
	SessionID string     `json:"sessionid,omitempty"`
	UserID    string     `json:"userid,omitempty"`
	Auth      *HelloAuth `json:"auth,omitempty"`
}

type HelloAuth struct {
	Type   string          `json:"type,omitempty"`
	URL    string          `json:"url,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

type InternalAuthParams struct {
	Random  string `json:"random"`
	Token   string `json:"token"`
	Backend string `json:"backend"`
}

type ErrorMessage struct {
	Code    string          `json:"code"`
	Message string          `json:"message,omitempty"`
	Details json.RawMessage `json:"details,omitempty"`
}

type RoomMessage struct {
	RoomID     string          `json:"roomid"`
	SessionID  string          `json:"sessionid,omitempty"`
	Properties json.RawMessage `json:"properties,omitempty"`
}

type InternalMessage struct {
	Type   string         `json:"type"`
	InCall *InCallMessage `json:"incall,omitempty"`
}

type InCallMessage struct {
	InCall CallFlag `json:"incall"`
}

type ByeMessage struct {
	Reason string `json:"reason,omitempty"`
}

type Recipient struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionid,omitempty"`
}

type Sender struct {
	Type      string `json:"type,omitempty"`
	SessionID string `json:"sessionid,omitempty"`
	UserID    string `json:"userid,omitempty"`
}

type DataMessage struct {
	Recipient *Recipient   `json:"recipient,omitempty"`
	Sender    *Sender      `json:"sender,omitempty"`
	Data      *MessageData `json:"data,omitempty"`
}

// MessageData is the union of every data shape the bot sends or reads.
type MessageData struct {
	To       string          `json:"to,omitempty"`
	From     string          `json:"from,omitempty"`
	Type     string          `json:"type"`
	SID      string          `json:"sid,omitempty"`
	RoomType string          `json:"roomType,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`

	Final            *bool  `json:"final,omitempty"`
	LangID           string `json:"langId,omitempty"`
	Text             string `json:"message,omitempty"`
	SpeakerSessionID string `json:"speakerSessionId,omitempty"`
	Timestamp        int64  `json:"timestamp,omitempty"`
}

// SDPPayload is the payload of offer and answer messages.
type SDPPayload struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
	Nick string `json:"nick,omitempty"`
}

type CandidateInfo struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
}

type CandidatePayload struct {
	Candidate CandidateInfo `json:"candidate"`
}

type NickPayload struct {
	Name string `json:"name"`
}

type MediaPayload struct {
	Audio             bool `json:"audio"`
	Video             bool `json:"video"`
	ScreenSharing     bool `json:"screensharing"`
	VirtualBackground bool `json:"virtualBackground"`
}

type EventMessage struct {
	Target string              `json:"target"`
	Type   string              `json:"type"`
	Update *ParticipantsUpdate `json:"update,omitempty"`
}

var ErrMalformedPayload = errors.New("malformed payload")

// ParseSDP extracts the sdp field of an offer or answer payload.
func ParseSDP(raw json.RawMessage) (SDPPayload, error) {
	var p SDPPayload
	if len(raw) == 0 {
		return p, fmt.Errorf("%w: empty sdp payload", ErrMalformedPayload)
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if p.SDP == "" {
		return p, fmt.Errorf("%w: missing sdp", ErrMalformedPayload)
	}
	return p, nil
}

// ParseCandidate accepts both the nested {"candidate":{...}} form and the
// flat {"candidate":"...","sdpMid":...} form.
func ParseCandidate(raw json.RawMessage) (CandidateInfo, error) {
	var outer struct {
		Candidate     json.RawMessage `json:"candidate"`
		SDPMid        *string         `json:"sdpMid"`
		SDPMLineIndex *uint16         `json:"sdpMLineIndex"`
	}
	if err := json.Unmarshal(raw, &outer); err != nil {
		return CandidateInfo{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if len(outer.Candidate) == 0 {
		return CandidateInfo{}, fmt.Errorf("%w: missing candidate", ErrMalformedPayload)
	}

	if outer.Candidate[0] == '{' {
		var info CandidateInfo
		if err := json.Unmarshal(outer.Candidate, &info); err != nil {
			return CandidateInfo{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		return info, nil
	}

	info := CandidateInfo{}
	if err := json.Unmarshal(outer.Candidate, &info.Candidate); err != nil {
		return CandidateInfo{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if outer.SDPMid != nil {
		info.SDPMid = *outer.SDPMid
	}
	if outer.SDPMLineIndex != nil {
		info.SDPMLineIndex = *outer.SDPMLineIndex
	}
	return info, nil
}

// MustPayload marshals v for use as MessageData.Payload.
func MustPayload(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("domain: marshal payload: %v", err))
	}
	return b
}
