package audio

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/dkeye/talkcaster/internal/domain"
)

// rawDecoder reads headerless little-endian signed 16-bit PCM.
type rawDecoder struct {
	r      *bufio.Reader
	closer io.Closer
	format domain.AudioFormat
	pair   [2]byte
}

func OpenRaw(path string, format domain.AudioFormat) (Decoder, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open raw pcm: %w", err)
	}
	return NewRawDecoder(f, format), nil
}

// NewRawDecoder wraps rc; Close closes it.
func NewRawDecoder(rc io.ReadCloser, format domain.AudioFormat) Decoder {
	if !format.Valid() {
		format = DefaultFormat
	}
	return &rawDecoder{r: bufio.NewReaderSize(rc, 32<<10), closer: rc, format: format}
}

func (d *rawDecoder) Format() domain.AudioFormat { return d.format }

func (d *rawDecoder) Read(out []int16) (int, error) {
	for i := range out {
		if _, err := io.ReadFull(d.r, d.pair[:]); err != nil {
			// a trailing odd byte is not a sample
			if errors.Is(err, io.ErrUnexpectedEOF) {
				err = io.EOF
			}
			if i > 0 && errors.Is(err, io.EOF) {
				return i, nil
			}
			return i, err
		}
		out[i] = int16(binary.LittleEndian.Uint16(d.pair[:]))
	}
	return len(out), nil
}

func (d *rawDecoder) Close() error { return d.closer.Close() }
