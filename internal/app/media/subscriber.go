package media

import (
	"context"
	"fmt"

	"github.com/dkeye/talkcaster/internal/core"
	"github.com/dkeye/talkcaster/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// FrameHandler receives decoded remote audio. It runs on the subscriber's
// read goroutine and must return quickly.
type FrameHandler func(streamID domain.StreamID, from domain.ParticipantID, frame domain.AudioFrame)

type SubscriberOptions struct {
	StreamID    domain.StreamID
	Participant domain.ParticipantID
	Channels    int
	// FrameSamples is the per-channel frame size the consumer expects.
	FrameSamples int
	NewDecoder   DecoderFactory
	Handler      FrameHandler
}

// Subscriber is the subscribe side of the media track adapter.
type Subscriber struct {
	track    core.RemoteTrack
	dec      Decoder
	reframer *Reframer
	format   domain.AudioFormat
	opts     SubscriberOptions
	pcm      []int16

	frames uint64
	logger zerolog.Logger
}

func NewSubscriber(track core.RemoteTrack, opts SubscriberOptions) (*Subscriber, error) {
	if opts.Channels <= 0 {
		opts.Channels = 1
	}
	if opts.NewDecoder == nil {
		opts.NewDecoder = NewOpusDecoder
	}
	format := domain.AudioFormat{SampleRate: OpusSampleRate, Channels: opts.Channels}
	dec, err := opts.NewDecoder(format)
	if err != nil {
		return nil, fmt.Errorf("create decoder: %w", err)
	}
	return &Subscriber{
		track:    track,
		dec:      dec,
		reframer: NewReframer(format, opts.FrameSamples),
		format:   format,
		opts:     opts,
		pcm:      make([]int16, maxDecodedSamples*opts.Channels),
		logger: log.With().
			Str("module", "media.subscriber").
			Str("sid", string(opts.StreamID)).
			Str("participant", string(opts.Participant)).
			Str("track_id", track.ID()).
			Logger(),
	}, nil
}

// Run reads RTP from the remote track until ctx is done or the track ends.
func (s *Subscriber) Run(ctx context.Context) error {
	s.logger.Info().Uint32("clock_rate", s.track.ClockRate()).Msg("subscriber started")
	defer func() {
		s.logger.Info().Uint64("frames", s.frames).Msg("subscriber stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		pkt, err := s.track.ReadRTP()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read rtp: %w", err)
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		n, err := s.dec.Decode(pkt.Payload, s.pcm)
		if err != nil {
			s.logger.Debug().Err(err).Uint16("seq", pkt.SequenceNumber).Msg("opus decode error")
			continue
		}
		if n == 0 {
			continue
		}
		s.reframer.Push(s.pcm[:n*s.format.Channels], s.deliver)
	}
}

func (s *Subscriber) deliver(f domain.AudioFrame) {
	s.frames++
	if s.opts.Handler != nil {
		s.opts.Handler(s.opts.StreamID, s.opts.Participant, f)
	}
}
