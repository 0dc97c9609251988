// Package signal is the websocket client for the standalone signaling server
// (Nextcloud Talk HPB, protocol version 2.0).
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/talkcaster/internal/core"
	"github.com/dkeye/talkcaster/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrBackpressure = errors.New("backpressure")

const (
	defaultWelcomeTimeout   = 2 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	defaultReceiveTimeout   = 30 * time.Second
	defaultSendBuffer       = 64
	writeWait               = 5 * time.Second
	closeWait               = time.Second
)

// Params describes one signaling connection. Exactly one of client auth
// (AuthURL) or internal auth (InternalSecret) must be set.
type Params struct {
	URL    string
	Header http.Header
	Dialer *websocket.Dialer

	AuthURL    string
	AuthParams json.RawMessage

	InternalSecret string
	Backend        string

	RoomID        string
	RoomSessionID string
	// InCall is announced with an internal incall message after joining.
	// Only used with internal auth.
	InCall domain.CallFlag

	// ResumeID, when set, tries a short resume instead of a full hello.
	ResumeID string

	WelcomeTimeout   time.Duration
	HandshakeTimeout time.Duration
	ReceiveTimeout   time.Duration
	SendBuffer       int
}

func (p Params) withDefaults() Params {
	if p.Dialer == nil {
		p.Dialer = websocket.DefaultDialer
	}
	if p.WelcomeTimeout <= 0 {
		p.WelcomeTimeout = defaultWelcomeTimeout
	}
	if p.HandshakeTimeout <= 0 {
		p.HandshakeTimeout = defaultHandshakeTimeout
	}
	if p.ReceiveTimeout <= 0 {
		p.ReceiveTimeout = defaultReceiveTimeout
	}
	if p.SendBuffer <= 0 {
		p.SendBuffer = defaultSendBuffer
	}
	return p
}

func (p Params) validate() error {
	switch {
	case p.URL == "":
		return errors.New("signaling url required")
	case p.AuthURL == "" && p.InternalSecret == "" && p.ResumeID == "":
		return errors.New("either client or internal auth required")
	case p.RoomID == "" && p.ResumeID == "":
		return errors.New("room id required")
	}
	return nil
}

// Client is one live signaling connection. It implements core.SignalConnection.
type Client struct {
	conn   *websocket.Conn
	params Params

	send    chan core.Frame
	recv    chan *domain.Message
	inbound chan *domain.Message
	seq     atomic.Uint64

	sessionID string
	resumeID  string
	userID    string

	mu      sync.RWMutex
	closing bool
	err     error

	done       chan struct{}
	doneOnce   sync.Once
	stopped    chan struct{}
	closeOnce  sync.Once
	writerDone chan struct{}

	logger zerolog.Logger
}

var _ core.SignalConnection = (*Client)(nil)

// Dial connects, greets, says hello and joins the room. It returns once the
// server confirmed the room (or the resume).
func Dial(ctx context.Context, p Params) (*Client, error) {
	p = p.withDefaults()
	if err := p.validate(); err != nil {
		return nil, err
	}

	ws, resp, err := p.Dialer.DialContext(ctx, p.URL, p.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", domain.ErrConnectionLost, p.URL, err)
	}

	c := &Client{
		conn:       ws,
		params:     p,
		send:       make(chan core.Frame, p.SendBuffer),
		recv:       make(chan *domain.Message, p.SendBuffer),
		inbound:    make(chan *domain.Message, p.SendBuffer),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
		writerDone: make(chan struct{}),
		logger:     log.With().Str("module", "signal").Logger(),
	}
	go c.writePump()
	go c.readPump()

	backlog, err := c.handshake(ctx)
	if err != nil {
		c.abort()
		return nil, err
	}
	go c.forward(backlog)

	c.logger.Info().Str("session_id", c.sessionID).Str("room", p.RoomID).Bool("resumed", p.ResumeID != "").Msg("signaling connected")
	return c, nil
}

// Send assigns the next sequence id to msg and queues it for writing.
func (c *Client) Send(msg *domain.Message) (string, error) {
	msg.ID = strconv.FormatUint(c.seq.Add(1), 10)
	b, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshal %s: %w", msg.Type, err)
	}
	if err := c.TrySend(b); err != nil {
		return "", err
	}
	return msg.ID, nil
}

// TrySend queues a raw frame without blocking.
func (c *Client) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closing {
		return fmt.Errorf("%w: connection closed", domain.ErrConnectionLost)
	}
	select {
	case <-c.done:
		return c.errLocked()
	default:
	}
	select {
	case c.send <- f:
		return nil
	default:
		return ErrBackpressure
	}
}

func (c *Client) Inbound() <-chan *domain.Message { return c.inbound }

func (c *Client) Done() <-chan struct{} { return c.done }

// Err is nil while connected and after Close; otherwise it wraps
// domain.ErrConnectionLost.
func (c *Client) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

func (c *Client) errLocked() error {
	if c.err != nil {
		return c.err
	}
	return domain.ErrConnectionLost
}

func (c *Client) SessionID() string { return c.sessionID }

func (c *Client) ResumeID() string { return c.resumeID }

func (c *Client) UserID() string { return c.userID }

// Close says bye on a best-effort basis and tears the socket down.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		alive := !c.closing
		c.closing = true
		if alive {
			select {
			case <-c.done:
			default:
				if b, err := json.Marshal(&domain.Message{Type: domain.TypeBye, Bye: &domain.ByeMessage{}}); err == nil {
					select {
					case c.send <- b:
					default:
					}
				}
			}
			close(c.send)
		}
		c.mu.Unlock()
		close(c.stopped)

		select {
		case <-c.writerDone:
		case <-time.After(closeWait):
		}
		_ = c.conn.Close()
		c.logger.Info().Str("session_id", c.sessionID).Msg("signaling closed")
	})
	return nil
}

// abort drops a connection whose handshake failed, without a bye.
func (c *Client) abort() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closing = true
		close(c.send)
		c.mu.Unlock()
		close(c.stopped)
		_ = c.conn.Close()
	})
}

// fail records an unexpected loss. Failures after Close are not errors.
func (c *Client) fail(cause error) {
	c.mu.Lock()
	if !c.closing && c.err == nil {
		c.err = fmt.Errorf("%w: %v", domain.ErrConnectionLost, cause)
	}
	c.mu.Unlock()
	c.doneOnce.Do(func() { close(c.done) })
}
