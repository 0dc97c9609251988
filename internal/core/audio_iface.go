package core

import (
	"context"

	"github.com/dkeye/talkcaster/internal/domain"
)

// FrameSink consumes paced audio. PushFrame must not block.
type FrameSink interface {
	PushFrame(domain.AudioFrame) error
}

// AudioSource pushes frames into sink at real-time cadence until the source
// ends or ctx is done.
type AudioSource interface {
	Run(ctx context.Context, sink FrameSink) error
}
