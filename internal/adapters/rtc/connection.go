package rtc

import (
	"encoding/json"
	"sync"

	"github.com/dkeye/talkcaster/internal/core"
	"github.com/dkeye/talkcaster/internal/domain"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const statusChannel = "status"

// statusMessages tell Talk clients that the bot's audio is on and audible.
var statusMessages = []string{"audioOn", "unmute", "speaking"}

// Connection is a pion PeerConnection behind core.PeerTransport.
type Connection struct {
	pc    *webrtc.PeerConnection
	sid   domain.StreamID
	track *webrtc.TrackLocalStaticSample

	closeOnce sync.Once
	closeErr  error

	logger zerolog.Logger
}

var _ core.PeerTransport = (*Connection)(nil)

func newConnection(pc *webrtc.PeerConnection, opts core.TransportOptions) *Connection {
	c := &Connection{
		pc:     pc,
		sid:    opts.StreamID,
		logger: log.With().Str("module", "webrtc").Str("sid", string(opts.StreamID)).Str("role", string(opts.Role)).Logger(),
	}
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		c.logger.Debug().Str("ice_state", s.String()).Msg("ICE state")
	})
	return c
}

// addSendTrack attaches a send-only opus track and drains its RTCP.
func (c *Connection) addSendTrack(channels uint16) error {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: channels},
		"audio", "talkcaster-"+string(c.sid),
	)
	if err != nil {
		return err
	}
	tr, err := c.pc.AddTransceiverFromTrack(track, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionSendonly})
	if err != nil {
		return err
	}
	c.track = track

	sender := tr.Sender()
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

// addStatusChannel opens the data channel Talk clients read speaking state from.
func (c *Connection) addStatusChannel() error {
	dc, err := c.pc.CreateDataChannel(statusChannel, nil)
	if err != nil {
		return err
	}
	dc.OnOpen(func() {
		for _, typ := range statusMessages {
			b, _ := json.Marshal(map[string]string{"type": typ})
			if err := dc.SendText(string(b)); err != nil {
				c.logger.Debug().Err(err).Str("status", typ).Msg("status channel send")
				return
			}
		}
		c.logger.Debug().Msg("status channel open")
	})
	return nil
}

func (c *Connection) CreateOffer() (webrtc.SessionDescription, error) {
	return c.pc.CreateOffer(nil)
}

func (c *Connection) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(nil)
}

// SetLocalDescription starts gathering; candidates trickle out through
// OnICECandidate instead of being waited for.
func (c *Connection) SetLocalDescription(d webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(d)
}

func (c *Connection) SetRemoteDescription(d webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(d)
}

func (c *Connection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

func (c *Connection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand != nil {
			fn(cand.ToJSON())
		}
	})
}

func (c *Connection) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.logger.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
		fn(s)
	})
}

func (c *Connection) OnTrack(fn func(core.RemoteTrack)) {
	c.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.logger.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Str("codec", track.Codec().MimeType).
			Msg("OnTrack received")
		fn(remoteTrack{track})
	})
}

func (c *Connection) AudioSink() core.SampleWriter {
	if c.track == nil {
		return nil
	}
	return c.track
}

func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.pc.Close()
		if c.closeErr != nil {
			c.logger.Error().Err(c.closeErr).Msg("close error")
		} else {
			c.logger.Info().Msg("closed")
		}
	})
	return c.closeErr
}

type remoteTrack struct {
	t *webrtc.TrackRemote
}

func (r remoteTrack) ID() string                { return r.t.ID() }
func (r remoteTrack) Kind() webrtc.RTPCodecType { return r.t.Kind() }
func (r remoteTrack) ClockRate() uint32         { return r.t.Codec().ClockRate }
func (r remoteTrack) Channels() uint16          { return r.t.Codec().Channels }

func (r remoteTrack) ReadRTP() (*rtp.Packet, error) {
	pkt, _, err := r.t.ReadRTP()
	return pkt, err
}
