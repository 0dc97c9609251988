package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/dkeye/talkcaster/internal/app"
	"github.com/dkeye/talkcaster/internal/config"
	"github.com/dkeye/talkcaster/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBot struct {
	mu        sync.Mutex
	connected bool
	sessions  []domain.SessionInfo
	requested []domain.ParticipantID
	closed    []domain.StreamID
	left      int
	err       error
}

func (f *fakeBot) Connected() bool   { return f.connected }
func (f *fakeBot) SessionID() string { return "self" }

func (f *fakeBot) Sessions() []domain.SessionInfo { return f.sessions }

func (f *fakeBot) Participants() []domain.Participant {
	return []domain.Participant{{ID: "peer-1", InCall: domain.CallFlagInCall | domain.CallFlagWithAudio}}
}

func (f *fakeBot) RequestSubscribe(_ context.Context, p domain.ParticipantID) (domain.StreamID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.requested = append(f.requested, p)
	return "req-1", nil
}

func (f *fakeBot) CloseSession(_ context.Context, sid domain.StreamID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, sid)
	return f.err
}

func (f *fakeBot) Leave() {
	f.mu.Lock()
	f.left++
	f.mu.Unlock()
}

type fakeTranscripts struct {
	got []domain.Transcript
}

func (f *fakeTranscripts) Publish(_ context.Context, t domain.Transcript) (int, error) {
	f.got = append(f.got, t)
	return 2, nil
}

func newRouter(bot *fakeBot, tr *fakeTranscripts) *gin.Engine {
	gin.SetMode(gin.TestMode)
	return SetupRouter(&config.HTTP{Mode: "test", Secret: "test-secret"}, bot, tr)
}

func do(r http.Handler, method, path, body string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	bot := &fakeBot{}
	r := newRouter(bot, &fakeTranscripts{})

	w := do(r, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	bot.connected = true
	w = do(r, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"connected":true,"sessionId":"self"}`, w.Body.String())
}

func TestListSessions(t *testing.T) {
	bot := &fakeBot{sessions: []domain.SessionInfo{{StreamID: "pub-1", Role: domain.RolePublish, State: domain.StateConnected, Bound: true}}}
	r := newRouter(bot, &fakeTranscripts{})

	w := do(r, http.MethodGet, "/api/sessions", "")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Sessions []domain.SessionInfo `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Sessions, 1)
	assert.Equal(t, domain.StreamID("pub-1"), body.Sessions[0].StreamID)

	empty := newRouter(&fakeBot{}, &fakeTranscripts{})
	w = do(empty, http.MethodGet, "/api/sessions", "")
	assert.JSONEq(t, `{"sessions":[]}`, w.Body.String())
}

func TestParticipants(t *testing.T) {
	w := do(newRouter(&fakeBot{}, &fakeTranscripts{}), http.MethodGet, "/api/participants", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"peer-1"`)
}

func TestSubscribe(t *testing.T) {
	bot := &fakeBot{}
	r := newRouter(bot, &fakeTranscripts{})

	w := do(r, http.MethodPost, "/api/sessions/subscribe", `{"participant":"peer-1"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.JSONEq(t, `{"streamId":"req-1"}`, w.Body.String())
	assert.Equal(t, []domain.ParticipantID{"peer-1"}, bot.requested)

	w = do(r, http.MethodPost, "/api/sessions/subscribe", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSubscribeErrors(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{app.ErrNotConnected, http.StatusServiceUnavailable},
		{domain.ErrRequestLimited, http.StatusTooManyRequests},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{domain.ErrTransportUnavailable, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			r := newRouter(&fakeBot{err: tc.err}, &fakeTranscripts{})
			w := do(r, http.MethodPost, "/api/sessions/subscribe", `{"participant":"peer-1"}`)
			assert.Equal(t, tc.want, w.Code)
		})
	}
}

func TestCloseSession(t *testing.T) {
	bot := &fakeBot{}
	r := newRouter(bot, &fakeTranscripts{})

	w := do(r, http.MethodDelete, "/api/sessions/sub-7", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, []domain.StreamID{"sub-7"}, bot.closed)
}

func TestTranscript(t *testing.T) {
	tr := &fakeTranscripts{}
	r := newRouter(&fakeBot{}, tr)

	w := do(r, http.MethodPost, "/api/transcripts", `{"speakerSessionId":"peer-1","text":"hello","partial":true,"langId":"en"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"recipients":2}`, w.Body.String())
	require.Len(t, tr.got, 1)
	assert.Equal(t, domain.ParticipantID("peer-1"), tr.got[0].SpeakerSessionID)
	assert.Equal(t, "hello", tr.got[0].Text)
	assert.True(t, tr.got[0].Partial)
	assert.Equal(t, "en", tr.got[0].LangID)

	w = do(r, http.MethodPost, "/api/transcripts", `{"speakerSessionId":"peer-1"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLeave(t *testing.T) {
	bot := &fakeBot{}
	w := do(newRouter(bot, &fakeTranscripts{}), http.MethodPost, "/api/leave", "")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, 1, bot.left)
}

func TestClientTokenSession(t *testing.T) {
	r := newRouter(&fakeBot{}, &fakeTranscripts{})

	w := do(r, http.MethodGet, "/api/sessions", "")
	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, "TalkcasterSessions", cookies[0].Name)
	assert.True(t, cookies[0].HttpOnly)

	// an existing session is not rewritten
	w = do(r, http.MethodGet, "/api/sessions", "", cookies[0])
	assert.Empty(t, w.Result().Cookies())

	// health checks stay cookie-free
	w = do(r, http.MethodGet, "/healthz", "")
	assert.Empty(t, w.Result().Cookies())
}
