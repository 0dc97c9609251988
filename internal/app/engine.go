package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/talkcaster/internal/app/media"
	"github.com/dkeye/talkcaster/internal/core"
	"github.com/dkeye/talkcaster/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	defaultAnswerTimeout  = 12 * time.Second
	defaultConnectTimeout = 30 * time.Second
	defaultEventBuffer    = 64
	inboxSize             = 256
	pumpStopTimeout       = 2 * time.Second
	closedLegMemory       = 128
	eventDrainTimeout     = time.Second
	strayLegLimit         = 32
	strayCandidateLimit   = 16
)

type EngineConfig struct {
	Nick string
	// AnswerTimeout bounds the wait for an answer (publish) or offer (subscribe).
	AnswerTimeout time.Duration
	// ConnectTimeout bounds the wait between applying descriptions and the
	// transport reporting connected.
	ConnectTimeout time.Duration
	// LeaveTimeout emits EventCallEnded after the room has had no remote
	// participants for this long. Zero disables it.
	LeaveTimeout      time.Duration
	PrebufferFrames   int
	SubscribeChannels int
	FrameSamples      int
	RequestLimit      int
	RequestWindow     time.Duration
	EventBuffer       int
}

func (c EngineConfig) withDefaults() EngineConfig {
	if c.AnswerTimeout <= 0 {
		c.AnswerTimeout = defaultAnswerTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = defaultEventBuffer
	}
	if c.SubscribeChannels <= 0 {
		c.SubscribeChannels = 1
	}
	if c.Nick == "" {
		c.Nick = "talkcaster"
	}
	return c
}

type Option func(*Engine)

func WithFrameHandler(fn media.FrameHandler) Option {
	return func(e *Engine) { e.onFrame = fn }
}

func WithPolicy(p Policy) Option {
	return func(e *Engine) { e.policy = p }
}

func WithCodecs(enc media.EncoderFactory, dec media.DecoderFactory) Option {
	return func(e *Engine) {
		e.newEncoder = enc
		e.newDecoder = dec
	}
}

// Engine owns one signaling connection and every negotiation session on it.
// All session state is mutated by the dispatch loop in Run; public methods
// post their work to that loop.
type Engine struct {
	cfg          EngineConfig
	conn         core.SignalConnection
	factory      core.PeerTransportFactory
	registry     *Registry
	participants *Participants
	limiter      *RequestLimiter
	policy       Policy

	onFrame    media.FrameHandler
	newEncoder media.EncoderFactory
	newDecoder media.DecoderFactory

	inbox    chan func()
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	started  atomic.Bool
	events   chan domain.SessionEvent

	// loop-owned
	runCtx       context.Context
	replies      map[string]*Session
	closedLegs   map[domain.StreamID]struct{}
	closedOrder  []domain.StreamID
	strays       map[domain.StreamID][]webrtc.ICECandidateInit
	strayOrder   []domain.StreamID
	leaveTimer   *time.Timer
	leaveGen     uint64
	drainBy      time.Time
	exitErr      error
	shutdownOnce sync.Once
	shutdownErr  error

	logger zerolog.Logger
}

func NewEngine(conn core.SignalConnection, factory core.PeerTransportFactory, cfg EngineConfig, opts ...Option) *Engine {
	cfg = cfg.withDefaults()
	e := &Engine{
		cfg:          cfg,
		conn:         conn,
		factory:      factory,
		registry:     NewRegistry(),
		participants: NewParticipants(domain.ParticipantID(conn.SessionID())),
		limiter:      NewRequestLimiter(cfg.RequestLimit, cfg.RequestWindow),
		policy:       SimplePolicy{},
		inbox:        make(chan func(), inboxSize),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
		events:       make(chan domain.SessionEvent, cfg.EventBuffer),
		runCtx:       context.Background(),
		replies:      make(map[string]*Session),
		closedLegs:   make(map[domain.StreamID]struct{}),
		strays:       make(map[domain.StreamID][]webrtc.ICECandidateInit),
		logger:       log.With().Str("module", "app.engine").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run is the dispatch loop. It returns when ctx is done, Shutdown is called,
// the server says bye, or the signaling connection is lost (an error
// wrapping domain.ErrConnectionLost).
func (e *Engine) Run(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return domain.ErrEngineStopped
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.runCtx = runCtx
	defer func() {
		cancel()
		close(e.events)
		close(e.done)
	}()

	e.logger.Info().Str("session_id", e.conn.SessionID()).Msg("engine started")
	e.checkAlone()

	inbound := e.conn.Inbound()
	for {
		select {
		case <-ctx.Done():
			e.shutdown(ctx.Err())
			return ctx.Err()
		case <-e.stop:
			e.shutdown(nil)
			return e.shutdownErr
		case msg, ok := <-inbound:
			if !ok {
				cause := e.conn.Err()
				switch {
				case cause == nil:
					cause = domain.ErrConnectionLost
				case !errors.Is(cause, domain.ErrConnectionLost):
					cause = fmt.Errorf("%w: %v", domain.ErrConnectionLost, cause)
				}
				e.logger.Warn().Err(cause).Msg("signaling connection lost")
				e.shutdown(cause)
				return cause
			}
			e.dispatch(msg)
		case fn := <-e.inbox:
			fn()
		}
		if e.exitErr != nil {
			e.shutdown(e.exitErr)
			return e.exitErr
		}
	}
}

// Shutdown stops the loop: pump first, then session transports, then the
// signaling connection, then the registry. Every step runs even if an
// earlier one failed.
func (e *Engine) Shutdown(ctx context.Context) error {
	if e.started.CompareAndSwap(false, true) {
		e.shutdown(nil)
		close(e.events)
		close(e.done)
		return e.shutdownErr
	}
	e.stopOnce.Do(func() { close(e.stop) })
	select {
	case <-e.done:
		return e.shutdownErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) Done() <-chan struct{} { return e.done }

// Events delivers session events. It is closed when the engine stops.
// While running, events beyond EventBuffer that nobody reads are dropped;
// during shutdown each send waits for the reader, up to one second in total.
func (e *Engine) Events() <-chan domain.SessionEvent { return e.events }

func (e *Engine) SessionID() string { return e.conn.SessionID() }

func (e *Engine) Sessions() []domain.SessionInfo { return e.registry.Snapshot() }

func (e *Engine) Participants() []domain.Participant { return e.participants.Snapshot() }

// StartPublish creates the publish leg and sends its offer. source starts
// pumping once the transport reports connected; it may be nil.
func (e *Engine) StartPublish(ctx context.Context, source core.AudioSource) (domain.StreamID, error) {
	var (
		sid domain.StreamID
		err error
	)
	if derr := e.do(ctx, func() { sid, err = e.startPublish(source) }); derr != nil {
		return "", derr
	}
	return sid, err
}

// RequestSubscribe asks participant for an offer. The returned id is the
// local key of the leg until the server's offer binds it; the rebinding is
// reported as an EventRebound.
func (e *Engine) RequestSubscribe(ctx context.Context, participant domain.ParticipantID) (domain.StreamID, error) {
	var (
		sid domain.StreamID
		err error
	)
	if derr := e.do(ctx, func() { sid, err = e.requestSubscribe(participant) }); derr != nil {
		return "", derr
	}
	return sid, err
}

// CloseSession tears a leg down. Closing an unknown or already closed leg is a no-op.
func (e *Engine) CloseSession(ctx context.Context, sid domain.StreamID) error {
	return e.do(ctx, func() {
		if s, ok := e.registry.Get(sid); ok {
			e.closeSession(s, nil)
		}
	})
}

// BroadcastTranscript sends t to every known remote participant and returns
// how many recipients it was queued for.
func (e *Engine) BroadcastTranscript(ctx context.Context, t domain.Transcript) (int, error) {
	var (
		n   int
		err error
	)
	if derr := e.do(ctx, func() { n, err = e.broadcastTranscript(t) }); derr != nil {
		return 0, derr
	}
	return n, err
}

// do runs fn on the dispatch loop and waits for it.
func (e *Engine) do(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	job := func() {
		fn()
		close(ran)
	}
	select {
	case e.inbox <- job:
	case <-e.done:
		return domain.ErrEngineStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ran:
		return nil
	case <-e.done:
		select {
		case <-ran:
			return nil
		default:
			return domain.ErrEngineStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post queues fn on the dispatch loop without waiting. Used by transport
// callbacks, timers and pump goroutines.
func (e *Engine) post(fn func()) {
	select {
	case e.inbox <- fn:
	case <-e.done:
	}
}

func (e *Engine) emit(ev domain.SessionEvent) {
	ev.At = time.Now()
	select {
	case e.events <- ev:
		return
	default:
	}
	if wait := time.Until(e.drainBy); !e.drainBy.IsZero() && wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		select {
		case e.events <- ev:
			return
		case <-t.C:
		}
	}
	e.logger.Warn().Str("kind", string(ev.Kind)).Str("sid", string(ev.StreamID)).Msg("event buffer full, dropping event")
}

func (e *Engine) emitState(s *Session) {
	info := s.Info()
	e.emit(domain.SessionEvent{
		Kind:        domain.EventStateChanged,
		StreamID:    info.StreamID,
		Role:        info.Role,
		Participant: info.Participant,
		State:       info.State,
		Err:         s.Err(),
	})
}

func (e *Engine) advance(s *Session, to domain.State) bool {
	if !s.transition(to) {
		return false
	}
	e.emitState(s)
	return true
}

func (e *Engine) attachTransport(s *Session) error {
	t, err := e.factory.NewPeerTransport(e.runCtx, core.TransportOptions{Role: s.Role(), StreamID: s.StreamID()})
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrTransportUnavailable, err)
	}
	s.transport = t
	t.OnICECandidate(func(c webrtc.ICECandidateInit) {
		e.post(func() { e.onLocalCandidate(s, c) })
	})
	t.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		e.post(func() { e.onTransportState(s, st) })
	})
	t.OnTrack(func(tr core.RemoteTrack) {
		e.post(func() { e.onRemoteTrack(s, tr) })
	})
	return nil
}

func (e *Engine) armTimer(s *Session, d time.Duration, what string) {
	s.stopTimer()
	if d <= 0 {
		return
	}
	gen := s.timerGen
	s.timer = time.AfterFunc(d, func() {
		e.post(func() {
			if s.Closed() || s.timerGen != gen {
				return
			}
			e.closeSession(s, fmt.Errorf("%w: no %s within %s", domain.ErrTimeout, what, d))
		})
	})
}

// closeSession releases everything s owns and deregisters it in one loop
// step. Repeated calls are no-ops.
func (e *Engine) closeSession(s *Session, cause error) {
	if s.Closed() {
		return
	}
	s.stopTimer()
	e.stopPump(s)
	e.stopMedia(s)
	if err := s.releaseTransport(); err != nil {
		s.log().Warn().Err(err).Msg("close transport")
	}
	sid := s.StreamID()
	e.registry.Unbind(sid)
	s.markClosed(cause)
	e.forgetReplies(s)
	e.rememberClosed(sid)

	if cause != nil {
		s.log().Warn().Err(cause).Msg("session closed")
	} else {
		s.log().Info().Msg("session closed")
	}
	e.emitState(s)
}

func (e *Engine) stopMedia(s *Session) {
	if s.publisher != nil {
		s.publisher.Close()
	}
	if s.subStop != nil {
		s.subStop()
		s.subStop = nil
	}
}

func (e *Engine) stopPump(s *Session) {
	if s.pumpStop == nil {
		return
	}
	s.pumpStop()
	select {
	case <-s.pumpDone:
	case <-time.After(pumpStopTimeout):
		s.log().Warn().Msg("audio pump did not stop in time")
	}
	s.pumpStop = nil
}

func (e *Engine) expectReply(id string, s *Session) {
	if id != "" {
		e.replies[id] = s
	}
}

func (e *Engine) forgetReplies(s *Session) {
	for id, owner := range e.replies {
		if owner == s {
			delete(e.replies, id)
		}
	}
}

func (e *Engine) rememberClosed(sid domain.StreamID) {
	if _, ok := e.closedLegs[sid]; ok {
		return
	}
	e.closedLegs[sid] = struct{}{}
	delete(e.strays, sid)
	e.closedOrder = append(e.closedOrder, sid)
	if len(e.closedOrder) > closedLegMemory {
		delete(e.closedLegs, e.closedOrder[0])
		e.closedOrder = e.closedOrder[1:]
	}
}

func (e *Engine) wasClosed(sid domain.StreamID) bool {
	_, ok := e.closedLegs[sid]
	return ok
}

// holdCandidate keeps a candidate for a stream id no leg owns yet. At most
// strayLegLimit ids are held, oldest evicted first.
func (e *Engine) holdCandidate(sid domain.StreamID, c webrtc.ICECandidateInit) bool {
	if sid == "" {
		return false
	}
	q, ok := e.strays[sid]
	if !ok {
		e.strayOrder = slices.DeleteFunc(e.strayOrder, func(id domain.StreamID) bool {
			_, held := e.strays[id]
			return !held
		})
		if len(e.strayOrder) >= strayLegLimit {
			delete(e.strays, e.strayOrder[0])
			e.strayOrder = e.strayOrder[1:]
		}
		e.strayOrder = append(e.strayOrder, sid)
	}
	if len(q) >= strayCandidateLimit {
		return false
	}
	e.strays[sid] = append(q, c)
	return true
}

// replayHeld hands s the candidates held for its stream id, in receipt order.
func (e *Engine) replayHeld(s *Session) {
	sid := s.StreamID()
	held := e.strays[sid]
	if len(held) == 0 {
		return
	}
	delete(e.strays, sid)
	for _, c := range held {
		if err := s.addRemoteCandidate(c); err != nil {
			s.log().Warn().Err(err).Str("candidate", c.Candidate).Msg("add held candidate")
		}
	}
	s.log().Debug().Int("candidates", len(held)).Msg("held candidates replayed")
}

func (e *Engine) shutdown(cause error) {
	e.shutdownOnce.Do(func() {
		e.drainBy = time.Now().Add(eventDrainTimeout)
		var errs []error
		sessions := e.registry.Sessions()

		for _, s := range sessions {
			e.stopPump(s)
		}
		for _, s := range sessions {
			s.stopTimer()
			e.stopMedia(s)
			if err := s.releaseTransport(); err != nil {
				errs = append(errs, fmt.Errorf("close transport %s: %w", s.StreamID(), err))
			}
		}
		if err := e.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close signaling: %w", err))
		}
		for _, s := range e.registry.Drain() {
			if s.markClosed(cause) {
				e.emitState(s)
			}
		}
		clear(e.replies)
		clear(e.strays)
		e.strayOrder = nil
		e.stopLeaveTimer()

		e.shutdownErr = errors.Join(errs...)
		ev := e.logger.Info()
		if cause != nil {
			ev = ev.AnErr("cause", cause)
		}
		ev.Int("sessions", len(sessions)).Msg("engine shut down")
	})
}

func newStreamID() domain.StreamID {
	return domain.StreamID(uuid.NewString())
}

// provisionalStreamID keys a requested subscribe leg until the server's
// offer assigns the real id.
func provisionalStreamID() domain.StreamID {
	return domain.StreamID("req-" + uuid.NewString())
}
