package media

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dkeye/talkcaster/internal/core"
	"github.com/dkeye/talkcaster/internal/domain"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrTrackClosed = errors.New("publish track closed")

type PublisherOptions struct {
	// PrebufferFrames bounds how many frames are held before the session is
	// connected. Zero drops them instead.
	PrebufferFrames int
	NewEncoder      EncoderFactory
	StreamID        domain.StreamID
}

type PublisherStats struct {
	State   string `json:"state"`
	Written uint64 `json:"written"`
	Dropped uint64 `json:"dropped"`
}

// Publisher is the publish side of the media track adapter: it encodes PCM
// frames and writes them to the session's outbound track.
type Publisher struct {
	sink       core.SampleWriter
	newEncoder EncoderFactory
	limit      int

	state trackState

	mu      sync.Mutex
	enc     Encoder
	format  domain.AudioFormat
	pending []domain.AudioFrame
	out     []byte

	written atomic.Uint64
	dropped atomic.Uint64

	logger zerolog.Logger
}

func NewPublisher(sink core.SampleWriter, opts PublisherOptions) *Publisher {
	if opts.NewEncoder == nil {
		opts.NewEncoder = NewOpusEncoder
	}
	if opts.PrebufferFrames < 0 {
		opts.PrebufferFrames = 0
	}
	return &Publisher{
		sink:       sink,
		newEncoder: opts.NewEncoder,
		limit:      opts.PrebufferFrames,
		out:        make([]byte, maxOpusPacket),
		logger:     log.With().Str("module", "media.publisher").Str("sid", string(opts.StreamID)).Logger(),
	}
}

// PushFrame never blocks on the network: before the track is live frames are
// buffered up to the prebuffer bound (oldest dropped first) or dropped.
func (p *Publisher) PushFrame(f domain.AudioFrame) error {
	if f.EndOfStream {
		p.logger.Info().Dur("at", f.Timestamp).Msg("audio source ended")
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state.Get() {
	case TrackStateClosed:
		return ErrTrackClosed
	case TrackStatePending:
		p.hold(f)
		return nil
	}
	return p.write(f)
}

func (p *Publisher) hold(f domain.AudioFrame) {
	if p.limit == 0 {
		p.dropped.Add(1)
		return
	}
	if len(p.pending) == p.limit {
		copy(p.pending, p.pending[1:])
		p.pending = p.pending[:len(p.pending)-1]
		p.dropped.Add(1)
	}
	p.pending = append(p.pending, f)
}

// write must be called with mu held.
func (p *Publisher) write(f domain.AudioFrame) error {
	if p.enc == nil || p.format != f.Format {
		enc, err := p.newEncoder(f.Format)
		if err != nil {
			return fmt.Errorf("create encoder %d/%d: %w", f.Format.SampleRate, f.Format.Channels, err)
		}
		p.enc = enc
		p.format = f.Format
	}

	n, err := p.enc.Encode(f.Samples, p.out)
	if err != nil {
		p.dropped.Add(1)
		return fmt.Errorf("encode frame: %w", err)
	}
	data := make([]byte, n)
	copy(data, p.out[:n])

	if err := p.sink.WriteSample(media.Sample{Data: data, Duration: f.Duration()}); err != nil {
		p.dropped.Add(1)
		return fmt.Errorf("write sample: %w", err)
	}
	p.written.Add(1)
	return nil
}

// SetLive marks the track connected and flushes anything held meanwhile.
func (p *Publisher) SetLive() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.Get() != TrackStatePending {
		return
	}
	p.state.MarkLive()

	held := p.pending
	p.pending = nil
	for _, f := range held {
		if err := p.write(f); err != nil {
			p.logger.Warn().Err(err).Msg("flush held frame")
		}
	}
	p.logger.Info().Int("flushed", len(held)).Msg("publish track live")
}

func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state.MarkClosed()
	p.pending = nil
}

func (p *Publisher) State() TrackState { return p.state.Get() }

func (p *Publisher) Stats() PublisherStats {
	return PublisherStats{
		State:   p.state.Get().String(),
		Written: p.written.Load(),
		Dropped: p.dropped.Load(),
	}
}
