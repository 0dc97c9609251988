package app

import (
	"context"
	"time"

	"github.com/dkeye/talkcaster/internal/domain"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// MinTranscriptInterval paces partial transcripts.
const MinTranscriptInterval = 300 * time.Millisecond

type TranscriptBroadcaster interface {
	BroadcastTranscript(ctx context.Context, t domain.Transcript) (int, error)
}

// TranscriptRelay forwards recognised text into the room. Final results are
// always sent; partial results are dropped when they come faster than the
// configured interval.
type TranscriptRelay struct {
	out     TranscriptBroadcaster
	partial *rate.Limiter
}

func NewTranscriptRelay(out TranscriptBroadcaster, interval time.Duration) *TranscriptRelay {
	if interval <= 0 {
		interval = MinTranscriptInterval
	}
	return &TranscriptRelay{
		out:     out,
		partial: rate.NewLimiter(rate.Every(interval), 1),
	}
}

// Publish returns the number of recipients, zero when a partial was paced out.
func (r *TranscriptRelay) Publish(ctx context.Context, t domain.Transcript) (int, error) {
	if t.Partial && !r.partial.Allow() {
		log.Debug().Str("module", "app.transcript").Str("speaker", string(t.SpeakerSessionID)).Msg("partial transcript paced out")
		return 0, nil
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now()
	}
	return r.out.BroadcastTranscript(ctx, t)
}
