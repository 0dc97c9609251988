package audio

import (
	"fmt"
	"io"
	"os"

	"github.com/dkeye/talkcaster/internal/domain"
	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const wavChunkSamples = 4096

type wavDecoder struct {
	file   *os.File
	dec    *wav.Decoder
	format domain.AudioFormat
	buf    *goaudio.IntBuffer
	// decoded but not yet handed out
	rest []int
}

// OpenWAV opens a 16-bit PCM WAV file at a rate the encoder accepts.
func OpenWAV(path string) (Decoder, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open wav: %w", err)
	}
	d, err := newWAVDecoder(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	d.file = f
	return d, nil
}

func newWAVDecoder(r io.ReadSeeker) (*wavDecoder, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%w: not a wav file", ErrUnsupportedFormat)
	}
	if err := dec.FwdToPCM(); err != nil {
		return nil, fmt.Errorf("wav pcm chunk: %w", err)
	}
	format := domain.AudioFormat{SampleRate: int(dec.SampleRate), Channels: int(dec.NumChans)}
	if dec.WavAudioFormat != 1 || dec.BitDepth != 16 {
		return nil, fmt.Errorf("%w: wav format %d with %d bits", ErrUnsupportedFormat, dec.WavAudioFormat, dec.BitDepth)
	}
	if !encodable(format) {
		return nil, fmt.Errorf("%w: %d Hz, %d channels", ErrUnsupportedFormat, format.SampleRate, format.Channels)
	}
	return &wavDecoder{
		dec:    dec,
		format: format,
		buf: &goaudio.IntBuffer{
			Format: &goaudio.Format{NumChannels: format.Channels, SampleRate: format.SampleRate},
			Data:   make([]int, wavChunkSamples*format.Channels),
		},
	}, nil
}

func (d *wavDecoder) Format() domain.AudioFormat { return d.format }

func (d *wavDecoder) Read(out []int16) (int, error) {
	if len(d.rest) == 0 {
		n, err := d.dec.PCMBuffer(d.buf)
		if err != nil {
			return 0, fmt.Errorf("read wav: %w", err)
		}
		if n == 0 {
			return 0, io.EOF
		}
		d.rest = d.buf.Data[:n]
	}
	n := min(len(out), len(d.rest))
	for i := range n {
		out[i] = int16(d.rest[i])
	}
	d.rest = d.rest[n:]
	return n, nil
}

func (d *wavDecoder) Close() error {
	if d.file == nil {
		return nil
	}
	return d.file.Close()
}
