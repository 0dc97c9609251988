package audio

import (
	"context"
	"errors"
	"io"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/talkcaster/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sliceDecoder hands out samples from memory, optionally slowly.
type sliceDecoder struct {
	format  domain.AudioFormat
	samples []int16
	delay   time.Duration
	closed  bool
}

func (d *sliceDecoder) Format() domain.AudioFormat { return d.format }

func (d *sliceDecoder) Read(buf []int16) (int, error) {
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	if len(d.samples) == 0 {
		return 0, io.EOF
	}
	n := copy(buf, d.samples)
	d.samples = d.samples[n:]
	return n, nil
}

func (d *sliceDecoder) Close() error {
	d.closed = true
	return nil
}

func sliceOpener(format domain.AudioFormat, total int, delay time.Duration) (Opener, *int) {
	opened := 0
	return func(context.Context) (Decoder, error) {
		opened++
		return &sliceDecoder{format: format, samples: make([]int16, total), delay: delay}, nil
	}, &opened
}

type recordingSink struct {
	mu     sync.Mutex
	frames []domain.AudioFrame
	at     []time.Time
	limit  int
	cancel context.CancelFunc
}

func (s *recordingSink) PushFrame(f domain.AudioFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
	s.at = append(s.at, time.Now())
	if s.limit > 0 && len(s.frames) >= s.limit && s.cancel != nil {
		s.cancel()
	}
	return nil
}

var mono8k = domain.AudioFormat{SampleRate: 8000, Channels: 1}

func TestPumpCadence(t *testing.T) {
	if testing.Short() {
		t.Skip("multi-second timing run")
	}
	const (
		period = 20 * time.Millisecond
		frames = 120
	)
	// decoding takes a sixth of a period per read
	open, _ := sliceOpener(mono8k, 160*frames, 3*time.Millisecond)
	sink := &recordingSink{}

	start := time.Now()
	require.NoError(t, NewPump(open, PumpOptions{FrameDuration: period}).Run(context.Background(), sink))
	require.Len(t, sink.frames, frames+1)

	// consecutive pushes stay within 2ms of the period; the 95th percentile
	// must hold, outliers only within scheduler noise
	devs := make([]time.Duration, 0, frames-1)
	for i := 1; i < frames; i++ {
		d := sink.at[i].Sub(sink.at[i-1]) - period
		devs = append(devs, d.Abs())
	}
	slices.Sort(devs)
	assert.LessOrEqual(t, devs[len(devs)*95/100], 2*time.Millisecond, "p95 gap jitter")
	assert.Less(t, devs[len(devs)-1], 15*time.Millisecond, "worst gap jitter")

	// frame n never goes out before start+n*period, nor drifts behind it
	for i := 0; i < frames; i++ {
		due := start.Add(time.Duration(i) * period)
		assert.False(t, sink.at[i].Before(due.Add(-time.Millisecond)), "frame %d early", i)
	}
	assert.Less(t, sink.at[frames-1].Sub(start), time.Duration(frames-1)*period+20*time.Millisecond)
}

func TestPumpFramesAndEndMarker(t *testing.T) {
	// 2.5 frames of 10ms at 8kHz
	open, _ := sliceOpener(mono8k, 200, 0)
	sink := &recordingSink{}

	require.NoError(t, NewPump(open, PumpOptions{FrameDuration: 10 * time.Millisecond}).Run(context.Background(), sink))

	require.Len(t, sink.frames, 4)
	for i, f := range sink.frames[:3] {
		assert.Equal(t, 80, f.SampleCount)
		assert.Equal(t, time.Duration(i)*10*time.Millisecond, f.Timestamp)
		assert.False(t, f.EndOfStream)
	}
	end := sink.frames[3]
	assert.True(t, end.EndOfStream)
	assert.Equal(t, 30*time.Millisecond, end.Timestamp)
}

func TestPumpLoops(t *testing.T) {
	open, opened := sliceOpener(mono8k, 160, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := &recordingSink{limit: 5, cancel: cancel}

	err := NewPump(open, PumpOptions{FrameDuration: 10 * time.Millisecond, Loop: true}).Run(ctx, sink)
	assert.ErrorIs(t, err, context.Canceled)
	assert.GreaterOrEqual(t, *opened, 3)
	for _, f := range sink.frames {
		assert.False(t, f.EndOfStream)
	}
}

func TestPumpLoopOfEmptySourceFails(t *testing.T) {
	open, _ := sliceOpener(mono8k, 0, 0)
	err := NewPump(open, PumpOptions{Loop: true}).Run(context.Background(), &recordingSink{})
	assert.ErrorIs(t, err, ErrEmptySource)
}

func TestPumpStopsOnCancel(t *testing.T) {
	open, _ := sliceOpener(mono8k, 8000*60, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := NewPump(open, PumpOptions{}).Run(ctx, &recordingSink{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPumpOpenError(t *testing.T) {
	boom := errors.New("boom")
	open := func(context.Context) (Decoder, error) { return nil, boom }
	assert.ErrorIs(t, NewPump(open, PumpOptions{}).Run(context.Background(), &recordingSink{}), boom)
}
