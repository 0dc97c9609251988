package main

import (
	"math"
	"sync"
	"time"

	"github.com/dkeye/talkcaster/internal/domain"
	"github.com/rs/zerolog/log"
)

// frameStats logs per-stream receive statistics at most once per interval.
type frameStats struct {
	interval time.Duration

	mu      sync.Mutex
	streams map[domain.StreamID]*streamStats
}

type streamStats struct {
	from     domain.ParticipantID
	frames   int
	samples  int
	peak     int
	lastLog  time.Time
	lastSeen time.Time
}

func newFrameStats(interval time.Duration) *frameStats {
	return &frameStats{interval: interval, streams: make(map[domain.StreamID]*streamStats)}
}

func (s *frameStats) observe(sid domain.StreamID, from domain.ParticipantID, f domain.AudioFrame) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.streams[sid]
	if !ok {
		st = &streamStats{from: from, lastLog: now}
		s.streams[sid] = st
		log.Info().Str("module", "cmd.listen").Str("sid", string(sid)).Str("from", string(from)).
			Int("rate", f.Format.SampleRate).Int("channels", f.Format.Channels).Msg("receiving audio")
	}
	st.frames++
	st.samples += len(f.Samples)
	st.peak = max(st.peak, peak(f.Samples))
	st.lastSeen = now

	if now.Sub(st.lastLog) >= s.interval {
		st.log(sid)
		st.frames, st.samples, st.peak = 0, 0, 0
		st.lastLog = now
	}
}

func (s *frameStats) report() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sid, st := range s.streams {
		if st.frames > 0 {
			st.log(sid)
		}
	}
}

func (st *streamStats) log(sid domain.StreamID) {
	dbfs := -96.0
	if st.peak > 0 {
		dbfs = 20 * math.Log10(float64(st.peak)/math.MaxInt16)
	}
	log.Info().
		Str("module", "cmd.listen").
		Str("sid", string(sid)).
		Str("from", string(st.from)).
		Int("frames", st.frames).
		Int("samples", st.samples).
		Float64("peak_dbfs", math.Round(dbfs*10)/10).
		Time("last_seen", st.lastSeen).
		Msg("audio stats")
}

func peak(samples []int16) int {
	p := 0
	for _, v := range samples {
		a := int(v)
		if a < 0 {
			a = -a
		}
		p = max(p, a)
	}
	return p
}
