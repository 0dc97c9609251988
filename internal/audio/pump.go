package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dkeye/talkcaster/internal/core"
	"github.com/dkeye/talkcaster/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const DefaultFrameDuration = 20 * time.Millisecond

type PumpOptions struct {
	FrameDuration time.Duration
	Loop          bool
}

// Pump paces decoded audio into a sink at real time. Frame n is pushed at
// start+n*period, so slow or bursty decoding never accumulates drift.
type Pump struct {
	open   Opener
	period time.Duration
	loop   bool
	logger zerolog.Logger
}

var _ core.AudioSource = (*Pump)(nil)

func NewPump(open Opener, opts PumpOptions) *Pump {
	if opts.FrameDuration <= 0 {
		opts.FrameDuration = DefaultFrameDuration
	}
	return &Pump{
		open:   open,
		period: opts.FrameDuration,
		loop:   opts.Loop,
		logger: log.With().Str("module", "audio.pump").Logger(),
	}
}

// Run may be called again after it returned; every run reopens the source.
func (p *Pump) Run(ctx context.Context, sink core.FrameSink) error {
	dec, err := p.open(ctx)
	if err != nil {
		return fmt.Errorf("open audio source: %w", err)
	}
	defer func() { _ = dec.Close() }()

	format := dec.Format()
	spc := format.SamplesPerChannel(p.period)
	if spc == 0 {
		return fmt.Errorf("%w: %+v", ErrUnsupportedFormat, format)
	}
	buf := make([]int16, spc*format.Channels)

	timer := time.NewTimer(0)
	timer.Stop()
	defer timer.Stop()

	start := time.Now()
	var n, passFrames int64
	p.logger.Info().Int("rate", format.SampleRate).Int("channels", format.Channels).
		Dur("frame", p.period).Bool("loop", p.loop).Msg("pump started")

	for {
		got, rerr := readFull(dec, buf)
		if rerr != nil && !errors.Is(rerr, io.EOF) {
			return fmt.Errorf("decode audio: %w", rerr)
		}
		if got > 0 {
			// pad the last partial frame with silence
			clear(buf[got:])
			if err := p.wait(ctx, timer, start.Add(time.Duration(n)*p.period)); err != nil {
				return err
			}
			samples := make([]int16, len(buf))
			copy(samples, buf)
			if err := sink.PushFrame(domain.NewAudioFrame(samples, format, time.Duration(n)*p.period)); err != nil {
				return fmt.Errorf("push frame: %w", err)
			}
			n++
			passFrames++
		}
		if rerr == nil {
			continue
		}

		if !p.loop {
			if err := p.wait(ctx, timer, start.Add(time.Duration(n)*p.period)); err != nil {
				return err
			}
			p.logger.Info().Int64("frames", n).Msg("audio source ended")
			return sink.PushFrame(domain.EndOfStreamFrame(format, time.Duration(n)*p.period))
		}
		if passFrames == 0 {
			return ErrEmptySource
		}
		passFrames = 0
		next, err := p.open(ctx)
		if err != nil {
			return fmt.Errorf("reopen audio source: %w", err)
		}
		_ = dec.Close()
		dec = next
		if f := dec.Format(); f != format {
			return fmt.Errorf("%w: format changed between loops", ErrUnsupportedFormat)
		}
		p.logger.Debug().Int64("frames", n).Msg("audio source looped")
	}
}

func (p *Pump) wait(ctx context.Context, timer *time.Timer, at time.Time) error {
	d := time.Until(at)
	if d <= 0 {
		return ctx.Err()
	}
	timer.Reset(d)
	select {
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
