package rtc

import (
	"context"
	"fmt"

	"github.com/dkeye/talkcaster/internal/core"
	"github.com/dkeye/talkcaster/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type FactoryOptions struct {
	ICEServers []webrtc.ICEServer
	// StatusChannel opens the "status" data channel on publish legs.
	StatusChannel bool
	// IncludeLoopback gathers 127.0.0.1 candidates; for same-host peers.
	IncludeLoopback bool
}

func DefaultICEServers() []webrtc.ICEServer {
	return []webrtc.ICEServer{
		{
			URLs: []string{"stun:stun.l.google.com:19302"},
		},
	}
}

// Factory builds pion transports that share one API (codecs, interceptors,
// settings) and one ICE configuration.
type Factory struct {
	api    *webrtc.API
	config webrtc.Configuration
	opts   FactoryOptions
}

var _ core.PeerTransportFactory = (*Factory)(nil)

func NewFactory(opts FactoryOptions) (*Factory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{LoggerFactory: LoggerFactory{Logger: log.Logger}}
	se.SetIncludeLoopbackCandidate(opts.IncludeLoopback)

	if opts.ICEServers == nil {
		opts.ICEServers = DefaultICEServers()
	}
	return &Factory{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(m),
			webrtc.WithInterceptorRegistry(ir),
			webrtc.WithSettingEngine(se),
		),
		config: webrtc.Configuration{ICEServers: opts.ICEServers},
		opts:   opts,
	}, nil
}

// NewPeerTransport creates a send-only transport for publish legs and a bare
// one for subscribe legs, whose transceivers come from the remote offer.
func (f *Factory) NewPeerTransport(_ context.Context, opts core.TransportOptions) (core.PeerTransport, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	c := newConnection(pc, opts)

	if opts.Role == domain.RolePublish {
		if err := c.addSendTrack(2); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("add audio track: %w", err)
		}
		if f.opts.StatusChannel {
			if err := c.addStatusChannel(); err != nil {
				_ = c.Close()
				return nil, fmt.Errorf("status channel: %w", err)
			}
		}
	}
	return c, nil
}
