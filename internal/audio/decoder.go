// Package audio turns files into paced PCM frames for a publish session.
package audio

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"

	"github.com/dkeye/talkcaster/internal/domain"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported audio format")
	ErrEmptySource       = errors.New("audio source produced no samples")
)

// DefaultFormat is what ffmpeg resamples to and what raw files are assumed to be.
var DefaultFormat = domain.AudioFormat{SampleRate: 48000, Channels: 1}

// Decoder yields interleaved signed 16-bit PCM.
type Decoder interface {
	Format() domain.AudioFormat
	// Read fills buf and returns how many samples were written. It returns
	// io.EOF once the source is exhausted.
	Read(buf []int16) (int, error)
	Close() error
}

// Opener opens a fresh decoder; the pump calls it again for every loop.
type Opener func(ctx context.Context) (Decoder, error)

type DecodeOptions struct {
	// Format of raw input and of ffmpeg output.
	Format     domain.AudioFormat
	FFmpegPath string
}

func (o DecodeOptions) withDefaults() DecodeOptions {
	if !o.Format.Valid() {
		o.Format = DefaultFormat
	}
	if o.FFmpegPath == "" {
		o.FFmpegPath = "ffmpeg"
	}
	return o
}

// FileOpener picks a decoder by extension. WAV files the encoder cannot take
// as they are, and every other container, go through ffmpeg.
func FileOpener(path string, opts DecodeOptions) Opener {
	opts = opts.withDefaults()
	return func(ctx context.Context) (Decoder, error) {
		switch strings.ToLower(filepath.Ext(path)) {
		case ".wav":
			d, err := OpenWAV(path)
			if !errors.Is(err, ErrUnsupportedFormat) {
				return d, err
			}
		case ".pcm", ".raw", ".s16le":
			return OpenRaw(path, opts.Format)
		}
		return StartFFmpeg(ctx, path, opts)
	}
}

// readFull reads until buf is full or the decoder is exhausted.
func readFull(d Decoder, buf []int16) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := d.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, io.ErrNoProgress
		}
	}
	return total, nil
}

// encodable reports whether the opus encoder accepts f directly.
func encodable(f domain.AudioFormat) bool {
	switch f.SampleRate {
	case 8000, 12000, 16000, 24000, 48000:
		return f.Channels == 1 || f.Channels == 2
	}
	return false
}
