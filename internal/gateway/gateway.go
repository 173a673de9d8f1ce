// Package gateway is the client for the messaging gateway that owns the
// chat sessions. It speaks the WAHA-style HTTP API.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"github.com/Mutter0815/MassSender/internal/model"
)

// ErrUnreachable wraps every failure that means the session cannot be used
// right now: transport errors, timeouts, gateway 5xx and unknown sessions.
var ErrUnreachable = errors.New("gateway unreachable")

// RejectedError is returned when the gateway answered but refused the call.
type RejectedError struct {
	StatusCode int
	Message    string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("gateway rejected request (%d): %s", e.StatusCode, e.Message)
}

type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// RPS caps calls per second across all sessions. Zero disables pacing.
	RPS float64
}

type Client struct {
	http    *resty.Client
	limiter *rate.Limiter
}

func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	hc := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")
	if cfg.APIKey != "" {
		hc.SetHeader("X-Api-Key", cfg.APIKey)
	}
	c := &Client{http: hc}
	if cfg.RPS > 0 {
		burst := int(cfg.RPS)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RPS), burst)
	}
	return c
}

type SessionStatus struct {
	Status      string
	PhoneNumber string
}

type SendResult struct {
	MessageID string
}

// Content is what one job delivers. Buttons take precedence over a bare
// image; the image then becomes the button message header.
type Content struct {
	Text     string
	ImageURL string
	Buttons  []model.Button
}

type apiError struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	var apiErr apiError
	req := c.http.R().SetContext(ctx).SetError(&apiErr)
	if body != nil {
		req.SetBody(body)
	}
	if out != nil {
		req.SetResult(out)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s %s: %v", ErrUnreachable, method, path, err)
	}
	if !resp.IsError() {
		return nil
	}
	msg := apiErr.Message
	if msg == "" {
		msg = apiErr.Error
	}
	if msg == "" {
		msg = strings.TrimSpace(resp.String())
	}
	switch code := resp.StatusCode(); {
	case code >= 500, code == http.StatusNotFound, code == http.StatusConflict:
		return fmt.Errorf("%w: %s %s: %d %s", ErrUnreachable, method, path, code, msg)
	default:
		return &RejectedError{StatusCode: code, Message: msg}
	}
}

func (c *Client) StartSession(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/api/sessions/start", map[string]string{"name": name}, nil)
}

func (c *Client) StopSession(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/api/sessions/stop", map[string]string{"name": name}, nil)
}

// Status returns the live session status, lower-cased.
func (c *Client) Status(ctx context.Context, name string) (SessionStatus, error) {
	var out struct {
		Status string `json:"status"`
		Me     *struct {
			ID string `json:"id"`
		} `json:"me"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/sessions/"+name, nil, &out); err != nil {
		return SessionStatus{}, err
	}
	st := SessionStatus{Status: model.NormalizeStatus(out.Status)}
	if out.Me != nil {
		st.PhoneNumber, _, _ = strings.Cut(out.Me.ID, "@")
	}
	return st, nil
}

// QRCode returns the raw pairing code for a session waiting for a scan.
func (c *Client) QRCode(ctx context.Context, name string) (string, error) {
	var out struct {
		Value string `json:"value"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/"+name+"/auth/qr?format=raw", nil, &out); err != nil {
		return "", err
	}
	return out.Value, nil
}

func (c *Client) SendText(ctx context.Context, session, phone, text string) (SendResult, error) {
	body := map[string]any{"session": session, "chatId": ChatID(phone), "text": text}
	return c.send(ctx, "/api/sendText", body)
}

func (c *Client) SendImage(ctx context.Context, session, phone, imageURL, caption string) (SendResult, error) {
	body := map[string]any{
		"session": session,
		"chatId":  ChatID(phone),
		"file":    map[string]string{"url": imageURL},
		"caption": caption,
	}
	return c.send(ctx, "/api/sendImage", body)
}

func (c *Client) SendButtons(ctx context.Context, session, phone string, content Content) (SendResult, error) {
	buttons := make([]map[string]string, 0, len(content.Buttons))
	for _, b := range content.Buttons {
		buttons = append(buttons, map[string]string{"type": "url", "text": b.Label, "url": b.URL})
	}
	body := map[string]any{
		"session": session,
		"chatId":  ChatID(phone),
		"body":    content.Text,
		"buttons": buttons,
	}
	if content.ImageURL != "" {
		body["headerImage"] = map[string]string{"url": content.ImageURL}
	}
	return c.send(ctx, "/api/sendButtons", body)
}

// Send picks the endpoint that fits content.
func (c *Client) Send(ctx context.Context, session, phone string, content Content) (SendResult, error) {
	switch {
	case len(content.Buttons) > 0:
		return c.SendButtons(ctx, session, phone, content)
	case content.ImageURL != "":
		return c.SendImage(ctx, session, phone, content.ImageURL, content.Text)
	default:
		return c.SendText(ctx, session, phone, content.Text)
	}
}

func (c *Client) send(ctx context.Context, path string, body any) (SendResult, error) {
	var out struct {
		ID json.RawMessage `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, path, body, &out); err != nil {
		return SendResult{}, err
	}
	return SendResult{MessageID: messageID(out.ID)}, nil
}

// messageID accepts both the plain string id and the {"_serialized": ...}
// object form.
func messageID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Serialized string `json:"_serialized"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.Serialized
	}
	return ""
}

// ChatID turns a phone number into the gateway's chat address.
func ChatID(phone string) string {
	if strings.Contains(phone, "@") {
		return phone
	}
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String() + "@c.us"
}
