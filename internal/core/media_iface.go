package core

import (
	"context"

	"github.com/dkeye/talkcaster/internal/domain"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// PeerTransport is one media negotiation endpoint (ICE/DTLS/SRTP).
// Callbacks may fire on any goroutine.
type PeerTransport interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	// AddICECandidate applies a remote ICE candidate.
	AddICECandidate(webrtc.ICECandidateInit) error
	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	// OnTrack sets a callback invoked when a remote track arrives.
	OnTrack(func(RemoteTrack))
	// AudioSink is the outbound track of a send-only transport, nil for receivers.
	AudioSink() SampleWriter
	// Close releases every underlying media resource.
	Close() error
}

type SampleWriter interface {
	WriteSample(media.Sample) error
}

// RemoteTrack is the read side of a received media track.
type RemoteTrack interface {
	ID() string
	Kind() webrtc.RTPCodecType
	ClockRate() uint32
	Channels() uint16
	ReadRTP() (*rtp.Packet, error)
}

type TransportOptions struct {
	Role     domain.Role
	StreamID domain.StreamID
}

type PeerTransportFactory interface {
	NewPeerTransport(ctx context.Context, opts TransportOptions) (PeerTransport, error)
}
