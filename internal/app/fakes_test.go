package app

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/talkcaster/internal/core"
	"github.com/dkeye/talkcaster/internal/domain"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	sid string
	in  chan *domain.Message

	mu      sync.Mutex
	seq     int
	sent    []*domain.Message
	sendErr error
	closes  int
	err     error

	done      chan struct{}
	closeOnce sync.Once
}

func newFakeConn(sid string) *fakeConn {
	return &fakeConn{
		sid:  sid,
		in:   make(chan *domain.Message),
		done: make(chan struct{}),
	}
}

func (c *fakeConn) Send(msg *domain.Message) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return "", c.sendErr
	}
	c.seq++
	msg.ID = strconv.Itoa(c.seq)
	c.sent = append(c.sent, msg)
	return msg.ID, nil
}

func (c *fakeConn) Inbound() <-chan *domain.Message { return c.in }
func (c *fakeConn) Done() <-chan struct{}           { return c.done }
func (c *fakeConn) SessionID() string               { return c.sid }
func (c *fakeConn) ResumeID() string                { return "resume-" + c.sid }

func (c *fakeConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closes++
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

// dataOf returns every sent message data of the given type, in send order.
func (c *fakeConn) dataOf(typ string) []*domain.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*domain.Message
	for _, m := range c.sent {
		if m.Message != nil && m.Message.Data != nil && m.Message.Data.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

type fakeSink struct {
	mu      sync.Mutex
	samples int
}

func (s *fakeSink) WriteSample(media.Sample) error {
	s.mu.Lock()
	s.samples++
	s.mu.Unlock()
	return nil
}

type fakeTransport struct {
	role domain.Role
	sink *fakeSink

	mu         sync.Mutex
	local      []webrtc.SessionDescription
	remote     []webrtc.SessionDescription
	candidates []string
	closes     int
	remoteErr  error

	onCandidate func(webrtc.ICECandidateInit)
	onState     func(webrtc.PeerConnectionState)
	onTrack     func(core.RemoteTrack)
}

func (t *fakeTransport) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 local-offer"}, nil
}

func (t *fakeTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 local-answer"}, nil
}

func (t *fakeTransport) SetLocalDescription(d webrtc.SessionDescription) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.local = append(t.local, d)
	return nil
}

func (t *fakeTransport) SetRemoteDescription(d webrtc.SessionDescription) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.remoteErr != nil {
		return t.remoteErr
	}
	t.remote = append(t.remote, d)
	return nil
}

func (t *fakeTransport) AddICECandidate(c webrtc.ICECandidateInit) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.remote) == 0 {
		return errors.New("remote description not set")
	}
	t.candidates = append(t.candidates, c.Candidate)
	return nil
}

func (t *fakeTransport) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	t.mu.Lock()
	t.onCandidate = fn
	t.mu.Unlock()
}

func (t *fakeTransport) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	t.mu.Lock()
	t.onState = fn
	t.mu.Unlock()
}

func (t *fakeTransport) OnTrack(fn func(core.RemoteTrack)) {
	t.mu.Lock()
	t.onTrack = fn
	t.mu.Unlock()
}

func (t *fakeTransport) AudioSink() core.SampleWriter {
	if t.sink == nil {
		return nil
	}
	return t.sink
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closes++
	return nil
}

func (t *fakeTransport) fireState(st webrtc.PeerConnectionState) {
	t.mu.Lock()
	fn := t.onState
	t.mu.Unlock()
	fn(st)
}

func (t *fakeTransport) fireCandidate(c string) {
	t.mu.Lock()
	fn := t.onCandidate
	t.mu.Unlock()
	mid, idx := "0", uint16(0)
	fn(webrtc.ICECandidateInit{Candidate: c, SDPMid: &mid, SDPMLineIndex: &idx})
}

func (t *fakeTransport) Candidates() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.candidates...)
}

func (t *fakeTransport) Remote() []webrtc.SessionDescription {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]webrtc.SessionDescription(nil), t.remote...)
}

func (t *fakeTransport) Closes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closes
}

type fakeFactory struct {
	mu   sync.Mutex
	err  error
	made []*fakeTransport
}

func (f *fakeFactory) NewPeerTransport(_ context.Context, opts core.TransportOptions) (core.PeerTransport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	t := &fakeTransport{role: opts.Role}
	if opts.Role == domain.RolePublish {
		t.sink = &fakeSink{}
	}
	f.made = append(f.made, t)
	return t, nil
}

func (f *fakeFactory) Made() []*fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeTransport(nil), f.made...)
}

type fakeRemoteTrack struct{}

func (fakeRemoteTrack) ID() string                    { return "video-1" }
func (fakeRemoteTrack) Kind() webrtc.RTPCodecType     { return webrtc.RTPCodecTypeVideo }
func (fakeRemoteTrack) ClockRate() uint32             { return 90000 }
func (fakeRemoteTrack) Channels() uint16              { return 0 }
func (fakeRemoteTrack) ReadRTP() (*rtp.Packet, error) { return nil, errors.New("eof") }

// harness runs an engine against fakes for the duration of a test.
type harness struct {
	t       *testing.T
	engine  *Engine
	conn    *fakeConn
	factory *fakeFactory
	runErr  chan error
	cancel  context.CancelFunc
}

func newHarness(t *testing.T, cfg EngineConfig, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		conn:    newFakeConn("self-session"),
		factory: &fakeFactory{},
		runErr:  make(chan error, 1),
	}
	h.engine = NewEngine(h.conn, h.factory, cfg, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.runErr <- h.engine.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-h.engine.Done()
	})
	return h
}

// deliver hands msg to the dispatch loop and waits until it was handled.
func (h *harness) deliver(msg *domain.Message) {
	h.t.Helper()
	select {
	case h.conn.in <- msg:
	case <-time.After(time.Second):
		h.t.Fatal("engine did not take inbound message")
	}
	h.sync()
}

// sync waits until every job queued before it has run on the loop.
func (h *harness) sync() {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(h.t, h.engine.do(ctx, func() {}))
}

func (h *harness) session(sid domain.StreamID) (domain.SessionInfo, bool) {
	for _, info := range h.engine.Sessions() {
		if info.StreamID == sid {
			return info, true
		}
	}
	return domain.SessionInfo{}, false
}

// drainEvents collects every event emitted so far.
func (h *harness) drainEvents() []domain.SessionEvent {
	var out []domain.SessionEvent
	for {
		select {
		case ev, ok := <-h.engine.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func peerMessage(from, typ, sid string, payload any) *domain.Message {
	d := &domain.MessageData{Type: typ, SID: sid, RoomType: domain.RoomTypeVideo, From: from}
	if payload != nil {
		d.Payload = domain.MustPayload(payload)
	}
	return &domain.Message{
		Type: domain.TypeMessage,
		Message: &domain.DataMessage{
			Sender: &domain.Sender{Type: "session", SessionID: from},
			Data:   d,
		},
	}
}

func answerFrom(from, sid string) *domain.Message {
	return peerMessage(from, domain.DataAnswer, sid, domain.SDPPayload{Type: "answer", SDP: "v=0 remote-answer"})
}

func offerFrom(from, sid string) *domain.Message {
	return peerMessage(from, domain.DataOffer, sid, domain.SDPPayload{Type: "offer", SDP: "v=0 remote-offer"})
}

func candidateFrom(from, sid, cand string) *domain.Message {
	return peerMessage(from, domain.DataCandidate, sid, domain.CandidatePayload{
		Candidate: domain.CandidateInfo{Candidate: cand, SDPMid: "0"},
	})
}

func participantsUpdate(all bool, flag domain.CallFlag, users ...domain.ParticipantEntry) *domain.Message {
	return &domain.Message{
		Type: domain.TypeEvent,
		Event: &domain.EventMessage{
			Target: "participants",
			Type:   "update",
			Update: &domain.ParticipantsUpdate{All: all, InCall: flag, Users: users},
		},
	}
}
