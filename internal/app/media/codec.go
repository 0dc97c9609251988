package media

import (
	"github.com/dkeye/talkcaster/internal/domain"
	"github.com/hraban/opus"
)

// Opus operates on 48kHz internally; every RTP leg is clocked at it.
const OpusSampleRate = 48000

// maxOpusPacket bounds one encoded packet (RFC 6716 recommends 4000 bytes).
const maxOpusPacket = 4000

// maxDecodedSamples is 120ms at 48kHz, the longest opus frame.
const maxDecodedSamples = 5760

type Encoder interface {
	Encode(pcm []int16, data []byte) (int, error)
}

type Decoder interface {
	Decode(data []byte, pcm []int16) (int, error)
}

type EncoderFactory func(domain.AudioFormat) (Encoder, error)

type DecoderFactory func(domain.AudioFormat) (Decoder, error)

func NewOpusEncoder(format domain.AudioFormat) (Encoder, error) {
	return opus.NewEncoder(format.SampleRate, format.Channels, opus.AppVoIP)
}

func NewOpusDecoder(format domain.AudioFormat) (Decoder, error) {
	return opus.NewDecoder(format.SampleRate, format.Channels)
}
