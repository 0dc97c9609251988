package signal

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/talkcaster/internal/domain"
)

var errClosed = errors.New("closed locally")

const (
	codeNoSuchSession   = "no_such_session"
	codeTooManyRequests = "too_many_requests"
)

// handshake runs greeting, hello and room join. Messages that are not part
// of it are returned so they reach Inbound in order.
func (c *Client) handshake(ctx context.Context) ([]*domain.Message, error) {
	var backlog []*domain.Message
	p := c.params

	// Servers that greet send welcome first; others wait for our hello.
	welcome, held, err := c.await(ctx, p.WelcomeTimeout, func(m *domain.Message) bool {
		return m.Type == domain.TypeWelcome
	})
	backlog = append(backlog, held...)
	switch {
	case err == nil:
		c.logger.Debug().RawJSON("features", nonEmpty(welcome.Welcome)).Msg("server welcome")
	case errors.Is(err, errAwaitTimeout):
		c.logger.Debug().Dur("after", p.WelcomeTimeout).Msg("no welcome, sending hello")
	default:
		return nil, err
	}

	hello, err := c.helloMessage()
	if err != nil {
		return nil, err
	}
	id, err := c.Send(hello)
	if err != nil {
		return nil, err
	}
	reply, held, err := c.await(ctx, p.HandshakeTimeout, replyTo(id, domain.TypeHello))
	backlog = append(backlog, held...)
	if err != nil {
		return nil, fmt.Errorf("hello: %w", err)
	}
	if reply.Type == domain.TypeError {
		return nil, helloError(reply.Error)
	}
	if reply.Hello != nil {
		c.sessionID = reply.Hello.SessionID
		c.resumeID = reply.Hello.ResumeID
		c.userID = reply.Hello.UserID
	}
	if c.sessionID == "" {
		return nil, fmt.Errorf("%w: hello reply without session id", domain.ErrAuthentication)
	}
	if c.resumeID == "" {
		c.resumeID = p.ResumeID
	}

	// A resumed session is still in its room.
	if p.ResumeID != "" {
		return backlog, nil
	}

	id, err = c.Send(&domain.Message{
		Type: domain.TypeRoom,
		Room: &domain.RoomMessage{RoomID: p.RoomID, SessionID: p.RoomSessionID},
	})
	if err != nil {
		return nil, err
	}
	reply, held, err = c.await(ctx, p.HandshakeTimeout, replyTo(id, domain.TypeRoom))
	backlog = append(backlog, held...)
	if err != nil {
		return nil, fmt.Errorf("join room: %w", err)
	}
	if reply.Type == domain.TypeError {
		return nil, serverError(domain.ErrAuthentication, reply.Error)
	}

	if p.InternalSecret != "" && p.InCall != domain.CallFlagDisconnected {
		if _, err := c.Send(&domain.Message{
			Type: domain.TypeInternal,
			Internal: &domain.InternalMessage{
				Type:   "incall",
				InCall: &domain.InCallMessage{InCall: p.InCall},
			},
		}); err != nil {
			return nil, err
		}
	}
	return backlog, nil
}

func (c *Client) helloMessage() (*domain.Message, error) {
	p := c.params
	hello := &domain.HelloMessage{Version: domain.HelloVersion}
	switch {
	case p.ResumeID != "":
		hello.ResumeID = p.ResumeID
	case p.InternalSecret != "":
		params, err := InternalAuth(p.InternalSecret, p.Backend)
		if err != nil {
			return nil, err
		}
		hello.Auth = &domain.HelloAuth{Type: "internal", Params: domain.MustPayload(params)}
	default:
		hello.Auth = &domain.HelloAuth{URL: p.AuthURL, Params: p.AuthParams}
	}
	return &domain.Message{Type: domain.TypeHello, Hello: hello}, nil
}

// InternalAuth builds the params of an internal hello: a random nonce and
// its HMAC-SHA256 under the shared secret, both hex encoded.
func InternalAuth(secret, backend string) (domain.InternalAuthParams, error) {
	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return domain.InternalAuthParams{}, fmt.Errorf("internal auth nonce: %w", err)
	}
	random := hex.EncodeToString(nonce)
	return domain.InternalAuthParams{
		Random:  random,
		Token:   InternalToken(secret, random),
		Backend: backend,
	}, nil
}

func InternalToken(secret, random string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(random))
	return hex.EncodeToString(mac.Sum(nil))
}

func helloError(e *domain.ErrorMessage) error {
	code := ""
	if e != nil {
		code = e.Code
	}
	switch code {
	case codeNoSuchSession:
		return serverError(domain.ErrResumeFailed, e)
	case codeTooManyRequests:
		return serverError(domain.ErrRateLimited, e)
	default:
		return serverError(domain.ErrAuthentication, e)
	}
}

func serverError(kind error, e *domain.ErrorMessage) error {
	se := &domain.ServerError{Kind: kind}
	if e != nil {
		se.Code, se.Message = e.Code, e.Message
	}
	return se
}

var errAwaitTimeout = errors.New("no reply in time")

func replyTo(id, typ string) func(*domain.Message) bool {
	return func(m *domain.Message) bool {
		switch m.Type {
		case typ:
			return true
		case domain.TypeError:
			return m.ID == id || m.ID == ""
		}
		return false
	}
}

// await reads until match accepts a message. Everything read before that is
// returned as held.
func (c *Client) await(ctx context.Context, timeout time.Duration, match func(*domain.Message) bool) (*domain.Message, []*domain.Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var held []*domain.Message
	for {
		select {
		case <-ctx.Done():
			return nil, held, ctx.Err()
		case <-timer.C:
			return nil, held, errAwaitTimeout
		case m, ok := <-c.recv:
			if !ok {
				return nil, held, c.lostErr()
			}
			if match(m) {
				return m, held, nil
			}
			if m.Type == domain.TypeBye {
				return nil, held, fmt.Errorf("%w during handshake", domain.ErrByeReceived)
			}
			held = append(held, m)
		}
	}
}

func (c *Client) lostErr() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.errLocked()
}

func nonEmpty(raw []byte) []byte {
	if len(raw) == 0 {
		return []byte("{}")
	}
	return raw
}
