package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// ffmpegDecoder reads s16le PCM from an ffmpeg child process.
type ffmpegDecoder struct {
	Decoder
	cmd    *exec.Cmd
	stderr *bytes.Buffer
	once   sync.Once
	err    error
}

// StartFFmpeg decodes and resamples any container ffmpeg understands into
// opts.Format. The process is killed when ctx is done or on Close.
func StartFFmpeg(ctx context.Context, path string, opts DecodeOptions) (Decoder, error) {
	opts = opts.withDefaults()
	args := []string{
		"-hide_banner", "-loglevel", "error", "-nostdin",
		"-i", path,
		"-vn",
		"-f", "s16le", "-acodec", "pcm_s16le",
		"-ac", strconv.Itoa(opts.Format.Channels),
		"-ar", strconv.Itoa(opts.Format.SampleRate),
		"pipe:1",
	}
	cmd := exec.CommandContext(ctx, opts.FFmpegPath, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdout: %w", err)
	}
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}
	log.Info().Str("module", "audio.ffmpeg").Str("path", path).Int("pid", cmd.Process.Pid).
		Int("rate", opts.Format.SampleRate).Int("channels", opts.Format.Channels).Msg("ffmpeg started")

	return &ffmpegDecoder{
		Decoder: NewRawDecoder(stdout, opts.Format),
		cmd:     cmd,
		stderr:  stderr,
	}, nil
}

func (d *ffmpegDecoder) Close() error {
	d.once.Do(func() {
		_ = d.Decoder.Close()
		_ = d.cmd.Process.Kill()
		err := d.cmd.Wait()
		var exit *exec.ExitError
		if errors.As(err, &exit) && !exit.Exited() {
			// killed by us
			err = nil
		}
		if err != nil {
			d.err = fmt.Errorf("ffmpeg: %w: %s", err, strings.TrimSpace(d.stderr.String()))
		}
	})
	return d.err
}
