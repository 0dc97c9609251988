package domain

import "time"

// AudioFormat describes interleaved signed 16-bit PCM.
type AudioFormat struct {
	SampleRate int `json:"sampleRate"`
	Channels   int `json:"channels"`
}

// SamplesPerChannel returns how many samples per channel fit in d.
func (f AudioFormat) SamplesPerChannel(d time.Duration) int {
	return int(int64(f.SampleRate) * int64(d) / int64(time.Second))
}

// FrameBytes returns the byte size of one frame of duration d.
func (f AudioFormat) FrameBytes(d time.Duration) int {
	return f.SamplesPerChannel(d) * f.Channels * 2
}

func (f AudioFormat) Valid() bool {
	return f.SampleRate > 0 && f.Channels > 0
}

// AudioFrame is one fixed-duration unit of PCM. Samples are interleaved and
// must not be modified once the frame has been emitted.
type AudioFrame struct {
	Samples     []int16
	SampleCount int // per channel
	Format      AudioFormat
	Timestamp   time.Duration // offset from source start
	EndOfStream bool
}

func NewAudioFrame(samples []int16, format AudioFormat, ts time.Duration) AudioFrame {
	count := 0
	if format.Channels > 0 {
		count = len(samples) / format.Channels
	}
	return AudioFrame{Samples: samples, SampleCount: count, Format: format, Timestamp: ts}
}

// EndOfStreamFrame marks the end of a finite source.
func EndOfStreamFrame(format AudioFormat, ts time.Duration) AudioFrame {
	return AudioFrame{Format: format, Timestamp: ts, EndOfStream: true}
}

func (f AudioFrame) Duration() time.Duration {
	if f.Format.SampleRate == 0 {
		return 0
	}
	return time.Duration(f.SampleCount) * time.Second / time.Duration(f.Format.SampleRate)
}
