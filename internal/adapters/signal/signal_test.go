package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/talkcaster/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// fakeHPB runs script against every accepted connection and records what
// the client sent.
type fakeHPB struct {
	srv  *httptest.Server
	seen chan *domain.Message
}

func newFakeHPB(t *testing.T, script func(h *fakeHPB, conn *websocket.Conn)) *fakeHPB {
	t.Helper()
	h := &fakeHPB{seen: make(chan *domain.Message, 64)}
	h.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		script(h, conn)
	}))
	t.Cleanup(h.srv.Close)
	return h
}

func (h *fakeHPB) url() string { return "ws" + strings.TrimPrefix(h.srv.URL, "http") }

func (h *fakeHPB) read(conn *websocket.Conn) (*domain.Message, bool) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, false
	}
	var m domain.Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, false
	}
	h.seen <- &m
	return &m, true
}

func write(conn *websocket.Conn, m *domain.Message) {
	b, _ := json.Marshal(m)
	_ = conn.WriteMessage(websocket.TextMessage, b)
}

func (h *fakeHPB) next(t *testing.T) *domain.Message {
	t.Helper()
	select {
	case m := <-h.seen:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("server saw nothing")
		return nil
	}
}

func helloOK(id string) *domain.Message {
	return &domain.Message{ID: id, Type: domain.TypeHello, Hello: &domain.HelloMessage{
		Version: domain.HelloVersion, SessionID: "sess-1", ResumeID: "res-1", UserID: "bot",
	}}
}

// standard greets, accepts hello and room, then records until the socket closes.
func standard(welcome bool, beforeRoom ...*domain.Message) func(*fakeHPB, *websocket.Conn) {
	return func(h *fakeHPB, conn *websocket.Conn) {
		if welcome {
			write(conn, &domain.Message{Type: domain.TypeWelcome, Welcome: json.RawMessage(`{"features":["mcu"]}`)})
		}
		hello, ok := h.read(conn)
		if !ok {
			return
		}
		write(conn, helloOK(hello.ID))
		if hello.Hello.ResumeID == "" {
			room, ok := h.read(conn)
			if !ok {
				return
			}
			for _, m := range beforeRoom {
				write(conn, m)
			}
			write(conn, &domain.Message{ID: room.ID, Type: domain.TypeRoom, Room: &domain.RoomMessage{RoomID: room.Room.RoomID}})
		}
		for {
			if _, ok := h.read(conn); !ok {
				return
			}
		}
	}
}

func dial(t *testing.T, p Params) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	c, err := Dial(ctx, p)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestDialClientAuth(t *testing.T) {
	h := newFakeHPB(t, standard(true))
	c := dial(t, Params{
		URL:           h.url(),
		AuthURL:       "https://cloud.example/ocs/v2.php/apps/spreed/api/v3/signaling/backend",
		AuthParams:    json.RawMessage(`{"userid":"bot","ticket":"t-1"}`),
		RoomID:        "abc123",
		RoomSessionID: "room-session",
	})

	assert.Equal(t, "sess-1", c.SessionID())
	assert.Equal(t, "res-1", c.ResumeID())
	assert.Equal(t, "bot", c.UserID())

	hello := h.next(t)
	assert.Equal(t, domain.TypeHello, hello.Type)
	assert.Equal(t, "2.0", hello.Hello.Version)
	assert.Equal(t, "https://cloud.example/ocs/v2.php/apps/spreed/api/v3/signaling/backend", hello.Hello.Auth.URL)
	assert.JSONEq(t, `{"userid":"bot","ticket":"t-1"}`, string(hello.Hello.Auth.Params))

	room := h.next(t)
	assert.Equal(t, domain.TypeRoom, room.Type)
	assert.Equal(t, "abc123", room.Room.RoomID)
	assert.Equal(t, "room-session", room.Room.SessionID)
	assert.NotEqual(t, hello.ID, room.ID)
}

func TestDialWithoutWelcome(t *testing.T) {
	h := newFakeHPB(t, standard(false))
	start := time.Now()
	c := dial(t, Params{URL: h.url(), AuthURL: "https://cloud.example", RoomID: "r", WelcomeTimeout: 30 * time.Millisecond})

	assert.Equal(t, "sess-1", c.SessionID())
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestDialInternalAuth(t *testing.T) {
	h := newFakeHPB(t, standard(true))
	dial(t, Params{
		URL:            h.url(),
		InternalSecret: "s3cret",
		Backend:        "https://cloud.example/",
		RoomID:         "r",
		InCall:         domain.CallFlagInCall | domain.CallFlagWithAudio,
	})

	hello := h.next(t)
	assert.Equal(t, "internal", hello.Hello.Auth.Type)
	var params domain.InternalAuthParams
	require.NoError(t, json.Unmarshal(hello.Hello.Auth.Params, &params))
	assert.Len(t, params.Random, 64)
	assert.Equal(t, InternalToken("s3cret", params.Random), params.Token)
	assert.Equal(t, "https://cloud.example/", params.Backend)

	assert.Equal(t, domain.TypeRoom, h.next(t).Type)
	incall := h.next(t)
	assert.Equal(t, domain.TypeInternal, incall.Type)
	assert.Equal(t, "incall", incall.Internal.Type)
	assert.Equal(t, domain.CallFlag(3), incall.Internal.InCall.InCall)
}

func TestInternalTokenIsHMAC(t *testing.T) {
	// echo -n "random" | openssl dgst -sha256 -hmac "secret"
	assert.Equal(t, "569672e929d231f8bf278ef2ff7cee6b3a409ecdf84097cb7ce1d13793506ce1", InternalToken("secret", "random"))
	assert.NotEqual(t, InternalToken("secret", "random"), InternalToken("other", "random"))
}

func TestResumeSkipsRoomJoin(t *testing.T) {
	h := newFakeHPB(t, standard(true))
	c := dial(t, Params{URL: h.url(), ResumeID: "res-0"})

	hello := h.next(t)
	assert.Equal(t, "res-0", hello.Hello.ResumeID)
	assert.Nil(t, hello.Hello.Auth)

	_, err := c.Send(&domain.Message{Type: domain.TypeMessage, Message: &domain.DataMessage{
		Recipient: &domain.Recipient{Type: "session", SessionID: "peer"},
		Data:      &domain.MessageData{Type: domain.DataRequestOffer, RoomType: domain.RoomTypeVideo},
	}})
	require.NoError(t, err)
	assert.Equal(t, domain.TypeMessage, h.next(t).Type)
}

func rejectHello(code string) func(*fakeHPB, *websocket.Conn) {
	return func(h *fakeHPB, conn *websocket.Conn) {
		hello, ok := h.read(conn)
		if !ok {
			return
		}
		write(conn, &domain.Message{ID: hello.ID, Type: domain.TypeError, Error: &domain.ErrorMessage{Code: code, Message: "nope"}})
		_, _, _ = conn.ReadMessage()
	}
}

func TestHelloErrors(t *testing.T) {
	cases := []struct {
		code string
		want error
	}{
		{"no_such_session", domain.ErrResumeFailed},
		{"too_many_requests", domain.ErrRateLimited},
		{"invalid_token", domain.ErrAuthentication},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			h := newFakeHPB(t, rejectHello(tc.code))
			_, err := Dial(context.Background(), Params{URL: h.url(), ResumeID: "res-0", WelcomeTimeout: 10 * time.Millisecond})
			require.ErrorIs(t, err, tc.want)
			var se *domain.ServerError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tc.code, se.Code)
		})
	}
}

func TestEarlyMessagesKeepOrder(t *testing.T) {
	event := &domain.Message{Type: domain.TypeEvent, Event: &domain.EventMessage{Target: "participants", Type: "update"}}
	h := newFakeHPB(t, func(h *fakeHPB, conn *websocket.Conn) {
		standard(true, event)(h, conn)
	})
	c := dial(t, Params{URL: h.url(), AuthURL: "https://cloud.example", RoomID: "r"})

	select {
	case m := <-c.Inbound():
		assert.Equal(t, domain.TypeEvent, m.Type)
		assert.Equal(t, "participants", m.Event.Target)
	case <-time.After(2 * time.Second):
		t.Fatal("early event not delivered")
	}
}

func TestSendAssignsSequentialIDs(t *testing.T) {
	h := newFakeHPB(t, standard(true))
	c := dial(t, Params{URL: h.url(), AuthURL: "https://cloud.example", RoomID: "r"})
	h.next(t)
	h.next(t)

	first, err := c.Send(&domain.Message{Type: domain.TypeMessage})
	require.NoError(t, err)
	second, err := c.Send(&domain.Message{Type: domain.TypeMessage})
	require.NoError(t, err)

	assert.Equal(t, "3", first)
	assert.Equal(t, "4", second)
	assert.Equal(t, first, h.next(t).ID)
	assert.Equal(t, second, h.next(t).ID)
}

func TestConnectionLost(t *testing.T) {
	h := newFakeHPB(t, func(h *fakeHPB, conn *websocket.Conn) {
		hello, _ := h.read(conn)
		write(conn, helloOK(hello.ID))
		room, _ := h.read(conn)
		write(conn, &domain.Message{ID: room.ID, Type: domain.TypeRoom, Room: &domain.RoomMessage{RoomID: "r"}})
		write(conn, &domain.Message{Type: domain.TypeEvent, Event: &domain.EventMessage{Target: "room"}})
		// drop without a close frame
		conn.UnderlyingConn().Close()
	})
	c := dial(t, Params{URL: h.url(), AuthURL: "https://cloud.example", RoomID: "r", WelcomeTimeout: 10 * time.Millisecond})

	var got []*domain.Message
	for m := range c.Inbound() {
		got = append(got, m)
	}
	require.Len(t, got, 1)
	assert.Equal(t, domain.TypeEvent, got[0].Type)

	<-c.Done()
	assert.ErrorIs(t, c.Err(), domain.ErrConnectionLost)
	_, err := c.Send(&domain.Message{Type: domain.TypeMessage})
	assert.ErrorIs(t, err, domain.ErrConnectionLost)
}

func TestCloseSendsBye(t *testing.T) {
	h := newFakeHPB(t, standard(true))
	c := dial(t, Params{URL: h.url(), AuthURL: "https://cloud.example", RoomID: "r"})
	h.next(t)
	h.next(t)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	assert.Equal(t, domain.TypeBye, h.next(t).Type)
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("done not closed")
	}
	assert.NoError(t, c.Err())
	_, err := c.Send(&domain.Message{Type: domain.TypeMessage})
	assert.ErrorIs(t, err, domain.ErrConnectionLost)
}

func TestDialValidatesParams(t *testing.T) {
	_, err := Dial(context.Background(), Params{})
	assert.Error(t, err)
	_, err = Dial(context.Background(), Params{URL: "ws://127.0.0.1:1", RoomID: "r"})
	assert.Error(t, err)
}
