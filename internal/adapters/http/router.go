package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/dkeye/talkcaster/internal/app"
	"github.com/dkeye/talkcaster/internal/config"
	"github.com/dkeye/talkcaster/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const clientTokenKey = "client_token"

// Controller is the part of the bot the control API drives.
type Controller interface {
	Connected() bool
	SessionID() string
	Sessions() []domain.SessionInfo
	Participants() []domain.Participant
	RequestSubscribe(ctx context.Context, p domain.ParticipantID) (domain.StreamID, error)
	CloseSession(ctx context.Context, sid domain.StreamID) error
	Leave()
}

// TranscriptPublisher is satisfied by app.TranscriptRelay.
type TranscriptPublisher interface {
	Publish(ctx context.Context, t domain.Transcript) (int, error)
}

func genClientToken() string {
	return uuid.NewString()
}

// ClientTokenMiddleware keeps one token per operator in the cookie session so
// API calls from the same browser or script can be told apart in the logs.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		sess := sessions.Default(c)
		token, _ := sess.Get(clientTokenKey).(string)
		if token == "" {
			token = genClientToken()
			sess.Set(clientTokenKey, token)
			if err := sess.Save(); err != nil {
				log.Warn().Str("module", "adapters.http").Err(err).Msg("save session")
			}
		}
		c.Set(clientTokenKey, token)
		c.Next()
	}
}

func SetupRouter(cfg *config.HTTP, bot Controller, transcripts TranscriptPublisher) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	store.Options(sessions.Options{Path: "/", MaxAge: 3600 * 24 * 7, HttpOnly: true})
	r.Use(sessions.Sessions("TalkcasterSessions", store))

	h := &handlers{bot: bot, transcripts: transcripts, timeout: cfg.RequestTimeout}
	r.GET("/healthz", h.health)

	api := r.Group("/api", ClientTokenMiddleware())
	api.GET("/sessions", h.sessions)
	api.POST("/sessions/subscribe", h.subscribe)
	api.DELETE("/sessions/:sid", h.closeSession)
	api.GET("/participants", h.participants)
	api.POST("/transcripts", h.transcript)
	api.POST("/leave", h.leave)

	log.Info().Str("module", "adapters.http").Str("mode", cfg.Mode).Msg("router setup")
	return r
}

type handlers struct {
	bot         Controller
	transcripts TranscriptPublisher
	timeout     time.Duration
}

func (h *handlers) ctx(c *gin.Context) (context.Context, context.CancelFunc) {
	timeout := h.timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return context.WithTimeout(c.Request.Context(), timeout)
}

func (h *handlers) health(c *gin.Context) {
	status := http.StatusOK
	if !h.bot.Connected() {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"connected": h.bot.Connected(),
		"sessionId": h.bot.SessionID(),
	})
}

func (h *handlers) sessions(c *gin.Context) {
	list := h.bot.Sessions()
	if list == nil {
		list = []domain.SessionInfo{}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": list})
}

func (h *handlers) participants(c *gin.Context) {
	list := h.bot.Participants()
	if list == nil {
		list = []domain.Participant{}
	}
	c.JSON(http.StatusOK, gin.H{"participants": list})
}

type subscribeRequest struct {
	Participant string `json:"participant" binding:"required"`
}

func (h *handlers) subscribe(c *gin.Context) {
	var req subscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid participant"})
		return
	}
	ctx, cancel := h.ctx(c)
	defer cancel()

	sid, err := h.bot.RequestSubscribe(ctx, domain.ParticipantID(req.Participant))
	if err != nil {
		h.fail(c, err)
		return
	}
	logRequest(c, log.Info()).Str("participant", req.Participant).Str("sid", string(sid)).Msg("subscribe requested")
	c.JSON(http.StatusAccepted, gin.H{"streamId": sid})
}

func (h *handlers) closeSession(c *gin.Context) {
	sid := domain.StreamID(c.Param("sid"))
	ctx, cancel := h.ctx(c)
	defer cancel()

	if err := h.bot.CloseSession(ctx, sid); err != nil {
		h.fail(c, err)
		return
	}
	logRequest(c, log.Info()).Str("sid", string(sid)).Msg("session closed")
	c.Status(http.StatusNoContent)
}

type transcriptRequest struct {
	Speaker string `json:"speakerSessionId" binding:"required"`
	Text    string `json:"text" binding:"required"`
	Partial bool   `json:"partial"`
	LangID  string `json:"langId"`
}

func (h *handlers) transcript(c *gin.Context) {
	var req transcriptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "speakerSessionId and text are required"})
		return
	}
	ctx, cancel := h.ctx(c)
	defer cancel()

	n, err := h.transcripts.Publish(ctx, domain.Transcript{
		SpeakerSessionID: domain.ParticipantID(req.Speaker),
		Text:             req.Text,
		Partial:          req.Partial,
		LangID:           req.LangID,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"recipients": n})
}

func (h *handlers) leave(c *gin.Context) {
	logRequest(c, log.Info()).Msg("leave requested")
	h.bot.Leave()
	c.Status(http.StatusAccepted)
}

func (h *handlers) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, app.ErrNotConnected), errors.Is(err, domain.ErrEngineStopped):
		status = http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrRequestLimited):
		status = http.StatusTooManyRequests
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	logRequest(c, log.Warn()).Err(err).Int("status", status).Msg("request failed")
	c.JSON(status, gin.H{"error": err.Error()})
}

func logRequest(c *gin.Context, ev *zerolog.Event) *zerolog.Event {
	return ev.
		Str("module", "adapters.http").
		Str("client_token", c.GetString(clientTokenKey)).
		Str("path", c.FullPath())
}
