package admission

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/dkeye/talkcaster/internal/domain"
	"github.com/pion/webrtc/v4"
	"golang.org/x/net/html"
)

// Settings is the data of the signaling settings endpoint.
type Settings struct {
	Server          string                     `json:"server"`
	StunServers     []stunServer               `json:"stunservers"`
	TurnServers     []turnServer               `json:"turnservers"`
	HelloAuthParams map[string]json.RawMessage `json:"helloAuthParams"`
}

type stunServer struct {
	URLs urls `json:"urls"`
}

type turnServer struct {
	URLs       urls   `json:"urls"`
	Username   string `json:"username"`
	Credential string `json:"credential"`
}

// urls accepts a single string or a list.
type urls []string

func (u *urls) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*u = urls{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*u = many
	return nil
}

func (s Settings) ICEServers() []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(s.StunServers)+len(s.TurnServers))
	for _, st := range s.StunServers {
		if len(st.URLs) > 0 {
			out = append(out, webrtc.ICEServer{URLs: st.URLs})
		}
	}
	for _, t := range s.TurnServers {
		if len(t.URLs) > 0 {
			out = append(out, webrtc.ICEServer{URLs: t.URLs, Username: t.Username, Credential: t.Credential})
		}
	}
	return out
}

type ocsEnvelope struct {
	OCS struct {
		Meta struct {
			Status     string `json:"status"`
			StatusCode int    `json:"statuscode"`
			Message    string `json:"message"`
		} `json:"meta"`
		Data json.RawMessage `json:"data"`
	} `json:"ocs"`
}

// StatusError is a non-2xx answer from the OCS API.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("ocs status %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("ocs status %d", e.Status)
}

func (e *StatusError) Unwrap() error {
	if e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden {
		return domain.ErrAuthentication
	}
	return nil
}

func (c *Client) ocs(ctx context.Context, method, path string, query url.Values, body, out any) error {
	if query == nil {
		query = url.Values{}
	}
	query.Set("format", "json")
	target := c.base + ocsBase + path + "?" + query.Encode()

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return err
	}
	req.Header.Set("OCS-APIRequest", "true")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("requesttoken", c.requestToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env ocsEnvelope
	decodeErr := json.NewDecoder(resp.Body).Decode(&env)
	if resp.StatusCode >= 300 {
		return &StatusError{Status: resp.StatusCode, Message: env.OCS.Meta.Message}
	}
	if decodeErr != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, decodeErr)
	}
	c.logger.Debug().Str("method", method).Str("path", path).Int("status", resp.StatusCode).Msg("ocs")
	if out == nil || len(env.OCS.Data) == 0 {
		return nil
	}
	return json.Unmarshal(env.OCS.Data, out)
}

// fetchRequestToken loads the room page, which also sets the session cookies,
// and reads the CSRF token from the data-requesttoken attribute.
func (c *Client) fetchRequestToken(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.room, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("room page: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("room page: %w", &StatusError{Status: resp.StatusCode})
	}

	z := html.NewTokenizer(resp.Body)
	for {
		switch z.Next() {
		case html.ErrorToken:
			if z.Err() == io.EOF {
				return "", ErrRequestToken
			}
			return "", fmt.Errorf("room page: %w", z.Err())
		case html.StartTagToken, html.SelfClosingTagToken:
			for {
				key, val, more := z.TagAttr()
				if string(key) == "data-requesttoken" && len(val) > 0 {
					return string(val), nil
				}
				if !more {
					break
				}
			}
		}
	}
}
