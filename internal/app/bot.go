package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dkeye/talkcaster/internal/core"
	"github.com/dkeye/talkcaster/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sethvargo/go-retry"
)

var ErrNotConnected = errors.New("bot is not connected")

// ConnectFunc dials, authenticates and joins the room. A non-empty resumeID
// asks for a short resume of the previous signaling session.
type ConnectFunc func(ctx context.Context, resumeID string) (core.SignalConnection, error)

type BotConfig struct {
	Engine EngineConfig

	RetryBase  time.Duration
	RetryMax   time.Duration
	MaxRetries uint64

	// LeaveOnSourceEnd leaves the call once a finite audio source is done.
	LeaveOnSourceEnd bool
	RepublishDelay   time.Duration
	MaxRepublish     int
}

// Bot keeps one engine alive per signaling connection and rebuilds the
// session state after a connection loss.
type Bot struct {
	cfg     BotConfig
	connect ConnectFunc
	factory core.PeerTransportFactory
	source  core.AudioSource
	opts    []Option

	mu     sync.RWMutex
	engine *Engine

	leave     chan struct{}
	leaveOnce sync.Once

	logger zerolog.Logger
}

// NewBot wires a supervisor. source may be nil for a listen-only bot.
func NewBot(cfg BotConfig, connect ConnectFunc, factory core.PeerTransportFactory, source core.AudioSource, opts ...Option) *Bot {
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 30 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 8
	}
	if cfg.RepublishDelay <= 0 {
		cfg.RepublishDelay = 2 * time.Second
	}
	return &Bot{
		cfg:     cfg,
		connect: connect,
		factory: factory,
		source:  source,
		opts:    opts,
		leave:   make(chan struct{}),
		logger:  log.With().Str("module", "app.bot").Logger(),
	}
}

var errCallEnded = errors.New("call ended")

// Run returns nil when the call ends or Leave is called, and an error when
// the bot cannot stay connected.
func (b *Bot) Run(ctx context.Context) error {
	resume := ""
	for {
		conn, err := b.dial(ctx, resume)
		if err != nil {
			return err
		}
		eng := NewEngine(conn, b.factory, b.cfg.Engine, b.opts...)
		b.setEngine(eng)
		err = b.serve(ctx, eng)
		b.setEngine(nil)

		switch {
		case errors.Is(err, domain.ErrConnectionLost) && ctx.Err() == nil:
			resume = conn.ResumeID()
			b.logger.Warn().Err(err).Bool("resume", resume != "").Msg("reconnecting")
		case errors.Is(err, errCallEnded):
			return nil
		default:
			return err
		}
	}
}

func (b *Bot) dial(ctx context.Context, resume string) (core.SignalConnection, error) {
	var conn core.SignalConnection
	backoff := retry.NewExponential(b.cfg.RetryBase)
	backoff = retry.WithCappedDuration(b.cfg.RetryMax, backoff)
	backoff = retry.WithMaxRetries(b.cfg.MaxRetries, backoff)

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		c, err := b.connect(ctx, resume)
		switch {
		case err == nil:
			conn = c
			return nil
		case errors.Is(err, domain.ErrResumeFailed):
			b.logger.Info().Msg("resume rejected, falling back to full hello")
			resume = ""
			return retry.RetryableError(err)
		case errors.Is(err, domain.ErrAuthentication):
			return err
		default:
			b.logger.Warn().Err(err).Msg("connect failed")
			return retry.RetryableError(err)
		}
	})
	return conn, err
}

func (b *Bot) serve(ctx context.Context, eng *Engine) error {
	runErr := make(chan error, 1)
	go func() { runErr <- eng.Run(ctx) }()

	republished := 0
	var republish <-chan time.Time
	startPublish := func() {
		if b.source == nil {
			return
		}
		if _, err := eng.StartPublish(ctx, b.source); err != nil {
			b.logger.Error().Err(err).Msg("start publish")
		}
	}
	startPublish()

	stop := func(reason error) error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := eng.Shutdown(shutdownCtx); err != nil {
			b.logger.Warn().Err(err).Msg("engine shutdown")
		}
		<-runErr
		return reason
	}

	for {
		select {
		case ev, ok := <-eng.Events():
			if !ok {
				return <-runErr
			}
			b.observe(ev)
			switch {
			case ev.Kind == domain.EventCallEnded:
				return stop(errCallEnded)
			case ev.Kind == domain.EventSourceEnded && b.cfg.LeaveOnSourceEnd:
				return stop(errCallEnded)
			case ev.Kind == domain.EventStateChanged && ev.Role == domain.RolePublish &&
				ev.State == domain.StateClosed && ev.Err != nil && republished < b.cfg.MaxRepublish:
				republished++
				republish = time.After(b.cfg.RepublishDelay)
			}
		case <-republish:
			republish = nil
			startPublish()
		case <-b.leave:
			return stop(errCallEnded)
		}
	}
}

func (b *Bot) observe(ev domain.SessionEvent) {
	l := b.logger.Info()
	if ev.Err != nil {
		l = b.logger.Warn().Err(ev.Err)
	}
	l.Str("kind", string(ev.Kind)).
		Str("sid", string(ev.StreamID)).
		Str("role", string(ev.Role)).
		Str("state", string(ev.State)).
		Str("participant", string(ev.Participant)).
		Msg("session event")
}

// Leave makes Run return after an orderly shutdown.
func (b *Bot) Leave() {
	b.leaveOnce.Do(func() { close(b.leave) })
}

func (b *Bot) setEngine(e *Engine) {
	b.mu.Lock()
	b.engine = e
	b.mu.Unlock()
}

func (b *Bot) current() (*Engine, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.engine == nil {
		return nil, ErrNotConnected
	}
	return b.engine, nil
}

func (b *Bot) Connected() bool {
	_, err := b.current()
	return err == nil
}

func (b *Bot) SessionID() string {
	e, err := b.current()
	if err != nil {
		return ""
	}
	return e.SessionID()
}

func (b *Bot) Sessions() []domain.SessionInfo {
	e, err := b.current()
	if err != nil {
		return nil
	}
	return e.Sessions()
}

func (b *Bot) Participants() []domain.Participant {
	e, err := b.current()
	if err != nil {
		return nil
	}
	return e.Participants()
}

func (b *Bot) RequestSubscribe(ctx context.Context, p domain.ParticipantID) (domain.StreamID, error) {
	e, err := b.current()
	if err != nil {
		return "", err
	}
	return e.RequestSubscribe(ctx, p)
}

func (b *Bot) CloseSession(ctx context.Context, sid domain.StreamID) error {
	e, err := b.current()
	if err != nil {
		return err
	}
	return e.CloseSession(ctx, sid)
}

func (b *Bot) BroadcastTranscript(ctx context.Context, t domain.Transcript) (int, error) {
	e, err := b.current()
	if err != nil {
		return 0, err
	}
	return e.BroadcastTranscript(ctx, t)
}
