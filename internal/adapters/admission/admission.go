// Package admission performs the Nextcloud HTTP bootstrap that precedes
// signaling: it joins the room as an active participant, fetches the
// signaling settings and enters the call.
package admission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/dkeye/talkcaster/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/publicsuffix"
)

const (
	ocsBase         = "/ocs/v2.php/apps/spreed/api"
	backendAuthPath = ocsBase + "/v3/signaling/backend"
)

var ErrRequestToken = errors.New("requesttoken not found on room page")

// Admission is everything the signaling transport needs to connect.
type Admission struct {
	SignalingURL  string
	RoomToken     string
	RoomSessionID string
	AuthURL       string
	AuthParams    json.RawMessage
	ICEServers    []webrtc.ICEServer
}

type Options struct {
	HTTPClient *http.Client
	// Flags are sent when entering the call.
	Flags domain.CallFlag
	// Timeout bounds each HTTP request.
	Timeout time.Duration
}

// Client holds the cookie session of one room visit.
type Client struct {
	http   *http.Client
	base   string
	token  string
	room   string
	flags  domain.CallFlag
	logger zerolog.Logger

	requestToken string
}

// New parses a room link such as https://cloud.example/call/abc123.
func New(roomURL string, opts Options) (*Client, error) {
	base, token, err := ParseRoomURL(roomURL)
	if err != nil {
		return nil, err
	}
	hc := opts.HTTPClient
	if hc == nil {
		jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		if err != nil {
			return nil, err
		}
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		hc = &http.Client{Jar: jar, Timeout: timeout}
	}
	flags := opts.Flags
	if flags == domain.CallFlagDisconnected {
		flags = domain.CallFlagInCall | domain.CallFlagWithAudio
	}
	return &Client{
		http:   hc,
		base:   base,
		token:  token,
		room:   roomURL,
		flags:  flags,
		logger: log.With().Str("module", "adapters.admission").Str("room", token).Logger(),
	}, nil
}

func ParseRoomURL(roomURL string) (base, token string, err error) {
	u, err := url.Parse(roomURL)
	if err != nil {
		return "", "", fmt.Errorf("room url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", "", fmt.Errorf("room url %q: missing scheme or host", roomURL)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	token = parts[len(parts)-1]
	if token == "" {
		return "", "", fmt.Errorf("room url %q: missing room token", roomURL)
	}
	return u.Scheme + "://" + u.Host, token, nil
}

// Join runs the bootstrap and leaves the client inside the call.
func (c *Client) Join(ctx context.Context) (*Admission, error) {
	rt, err := c.fetchRequestToken(ctx)
	if err != nil {
		return nil, err
	}
	c.requestToken = rt

	var participant struct {
		SessionID string `json:"sessionId"`
	}
	if err := c.ocs(ctx, http.MethodPost, "/v4/room/"+c.token+"/participants/active", nil,
		map[string]any{"force": true}, &participant); err != nil {
		return nil, fmt.Errorf("join room: %w", err)
	}

	var settings Settings
	if err := c.ocs(ctx, http.MethodGet, "/v3/signaling/settings", url.Values{"token": {c.token}}, nil, &settings); err != nil {
		return nil, fmt.Errorf("signaling settings: %w", err)
	}
	if settings.Server == "" {
		return nil, errors.New("signaling settings: no signaling server configured")
	}

	if err := c.ocs(ctx, http.MethodPost, "/v4/call/"+c.token, nil, map[string]any{
		"flags":            c.flags,
		"silent":           false,
		"recordingConsent": false,
		"silentFor":        []string{},
	}, nil); err != nil {
		return nil, fmt.Errorf("join call: %w", err)
	}

	a := &Admission{
		SignalingURL:  SignalingURL(settings.Server),
		RoomToken:     c.token,
		RoomSessionID: participant.SessionID,
		AuthURL:       c.base + backendAuthPath,
		AuthParams:    settings.HelloAuthParams[domain.HelloVersion],
		ICEServers:    settings.ICEServers(),
	}
	c.logger.Info().
		Str("signaling", a.SignalingURL).
		Str("room_session", a.RoomSessionID).
		Int("ice_servers", len(a.ICEServers)).
		Msg("admitted")
	return a, nil
}

// Leave ends the call for this cookie session.
func (c *Client) Leave(ctx context.Context) error {
	if c.requestToken == "" {
		return nil
	}
	if err := c.ocs(ctx, http.MethodDelete, "/v4/call/"+c.token, nil, nil, nil); err != nil {
		return fmt.Errorf("leave call: %w", err)
	}
	c.logger.Info().Msg("left call")
	return nil
}

// SignalingURL turns the configured server address into the websocket
// endpoint of the signaling service.
func SignalingURL(server string) string {
	switch {
	case strings.HasPrefix(server, "https://"):
		server = "wss://" + strings.TrimPrefix(server, "https://")
	case strings.HasPrefix(server, "http://"):
		server = "ws://" + strings.TrimPrefix(server, "http://")
	}
	server = strings.TrimSuffix(server, "/")
	if !strings.HasSuffix(server, "/spreed") {
		server += "/spreed"
	}
	return server
}
