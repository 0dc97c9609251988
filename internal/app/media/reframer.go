package media

import (
	"time"

	"github.com/dkeye/talkcaster/internal/domain"
)

// Reframer regroups decoded PCM into frames of a fixed per-channel size.
// A zero size passes every chunk through as its own frame.
type Reframer struct {
	format  domain.AudioFormat
	size    int
	pending []int16
	emitted int64 // samples per channel already emitted
}

func NewReframer(format domain.AudioFormat, samplesPerChannel int) *Reframer {
	return &Reframer{format: format, size: samplesPerChannel}
}

func (r *Reframer) Push(samples []int16, emit func(domain.AudioFrame)) {
	if len(samples) == 0 {
		return
	}
	if r.size <= 0 {
		out := make([]int16, len(samples))
		copy(out, samples)
		r.emit(out, emit)
		return
	}

	r.pending = append(r.pending, samples...)
	step := r.size * r.format.Channels
	for len(r.pending) >= step {
		out := make([]int16, step)
		copy(out, r.pending[:step])
		r.pending = r.pending[step:]
		r.emit(out, emit)
	}
	if len(r.pending) == 0 {
		r.pending = nil
	}
}

func (r *Reframer) emit(samples []int16, emit func(domain.AudioFrame)) {
	ts := time.Duration(r.emitted) * time.Second / time.Duration(r.format.SampleRate)
	f := domain.NewAudioFrame(samples, r.format, ts)
	r.emitted += int64(f.SampleCount)
	emit(f)
}

// Buffered returns the per-channel sample count waiting for a full frame.
func (r *Reframer) Buffered() int {
	return len(r.pending) / r.format.Channels
}
