// Package homeassistant speaks messages on a smart speaker through the Home
// Assistant REST API.
package homeassistant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	appLog "calremind/internal/log"
	"calremind/internal/model"
)

// Target kinds, derived from the target id prefix.
const (
	KindScript      = "script"
	KindNotify      = "notify"
	KindMediaPlayer = "media_player"
	KindUnknown     = "unknown"
)

// Client talks to one Home Assistant instance.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New creates a Client. baseURL is e.g. "http://192.168.1.100:8123" and
// token a long-lived access token.
func New(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

// TargetKind classifies a target id.
func TargetKind(target string) string {
	switch {
	case strings.HasPrefix(target, "script."):
		return KindScript
	case strings.HasPrefix(target, "notify."):
		return KindNotify
	case strings.HasPrefix(target, "media_player."):
		return KindMediaPlayer
	default:
		return KindUnknown
	}
}

// Announce speaks message on target. Supported targets:
//
//   - script.*       -> script.turn_on with variables.msg (recommended)
//   - notify.*       -> notify/<name> with message
//   - anything else  -> xiaomi_miot.intelligent_speaker, falling back to tts.baidu_say
//
// Failures wrap model.ErrNotificationFailed.
func (c *Client) Announce(ctx context.Context, target, message string) error {
	if target == "" {
		return fmt.Errorf("%w: empty target", model.ErrNotificationFailed)
	}

	var err error
	switch TargetKind(target) {
	case KindScript:
		_, err = c.CallService(ctx, "script", "turn_on", map[string]any{
			"entity_id": target,
			"variables": map[string]string{"msg": message},
		})
	case KindNotify:
		_, err = c.CallService(ctx, "notify", strings.TrimPrefix(target, "notify."), map[string]any{
			"message": message,
		})
	default:
		_, err = c.CallService(ctx, "xiaomi_miot", "intelligent_speaker", map[string]any{
			"entity_id": target,
			"text":      message,
		})
		if err != nil && ctx.Err() == nil {
			appLog.Warn("intelligent_speaker failed; trying tts.baidu_say", "err", err, "target", target)
			_, err = c.CallService(ctx, "tts", "baidu_say", map[string]any{
				"entity_id": target,
				"message":   message,
			})
		}
	}

	if err != nil {
		return fmt.Errorf("%w: %s: %w", model.ErrNotificationFailed, target, err)
	}
	return nil
}

// CallService POSTs data to /api/services/<domain>/<service> and returns
// the raw JSON response.
func (c *Client) CallService(ctx context.Context, domain, service string, data any) (json.RawMessage, error) {
	if data == nil {
		data = map[string]any{}
	}
	body, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	url := c.baseURL + "/api/services/" + domain + "/" + service
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	c.authorize(req)
	req.Header.Set("Content-Type", "application/json")

	appLog.Debug("home assistant call", "domain", domain, "service", service, "body", string(body))

	respBody, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("%s.%s: %w", domain, service, err)
	}
	return json.RawMessage(respBody), nil
}

// TestConnection checks that the API is reachable and the token accepted.
func (c *Client) TestConnection(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/", nil)
	if err != nil {
		return err
	}
	c.authorize(req)
	_, err = c.do(req)
	return err
}

func (c *Client) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.token)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			return nil, errors.New(resp.Status)
		}
		return nil, fmt.Errorf("%s: %s", resp.Status, msg)
	}
	return body, nil
}
