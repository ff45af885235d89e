package whatsapp

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/samuelwildary2025/novo-agente/internal/delivery"
	"github.com/samuelwildary2025/novo-agente/internal/media"
)

// Provider REST paths.
const (
	pathSendText = "/send/text"
	pathPresence = "/message/presence"
	pathRead     = "/chat/read"
	pathDownload = "/message/download"
)

// DefaultSendRPM paces outbound provider calls.
const DefaultSendRPM = 120

// ErrNotConfigured is returned when no api url is set.
var ErrNotConfigured = errors.New("whatsapp: api url not configured")

// APIError is a non-2xx provider response.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("whatsapp: http %d: %s", e.Status, e.Body)
}

// ClientConfig configures the provider client.
type ClientConfig struct {
	APIURL  string
	Token   string
	SendRPM int
}

// Client talks to the WhatsApp provider's REST API. Outbound calls share one
// token bucket so bursts across conversations stay under the provider limit.
type Client struct {
	base    string
	token   string
	http    *http.Client
	limiter *rate.Limiter
}

func NewClient(cfg ClientConfig) *Client {
	rpm := cfg.SendRPM
	if rpm <= 0 {
		rpm = DefaultSendRPM
	}
	return &Client{
		base:    strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/"),
		token:   strings.TrimSpace(cfg.Token),
		http:    &http.Client{Timeout: 15 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(float64(rpm)/60), max(1, rpm/10)),
	}
}

// SendText sends one text message.
func (c *Client) SendText(ctx context.Context, to, text string) error {
	return c.post(ctx, pathSendText, map[string]any{
		"number": digits(to),
		"text":   text,
	}, nil)
}

// SendPresence sets the chat presence. "paused" maps to the provider's
// "available" state.
func (c *Client) SendPresence(ctx context.Context, to string, state delivery.Presence) error {
	return c.post(ctx, pathPresence, map[string]any{
		"number":   digits(to),
		"presence": providerPresence(state),
	}, nil)
}

// MarkRead marks the whole chat as read.
func (c *Client) MarkRead(ctx context.Context, chat string) error {
	return c.post(ctx, pathRead, map[string]any{
		"number": digits(chat),
		"read":   true,
	}, nil)
}

type downloadResponse struct {
	FileURL  string `json:"fileURL"`
	URL      string `json:"url"`
	Base64   string `json:"base64"`
	Mimetype string `json:"mimetype"`
}

// MediaURL asks the provider for a public link to a message's attachment.
func (c *Client) MediaURL(ctx context.Context, messageID string) (string, error) {
	var out downloadResponse
	if err := c.post(ctx, pathDownload, map[string]any{
		"id":            messageID,
		"return_link":   true,
		"return_base64": false,
	}, &out); err != nil {
		return "", err
	}
	if out.FileURL != "" {
		return out.FileURL, nil
	}
	return out.URL, nil
}

// FetchMedia downloads a message's attachment inline.
func (c *Client) FetchMedia(ctx context.Context, messageID string) (media.Media, error) {
	var out downloadResponse
	if err := c.post(ctx, pathDownload, map[string]any{
		"id":            messageID,
		"return_link":   false,
		"return_base64": true,
	}, &out); err != nil {
		return media.Media{}, err
	}
	if out.Base64 == "" {
		return media.Media{}, fmt.Errorf("whatsapp: no media for %s", messageID)
	}
	raw := out.Base64
	if _, after, ok := strings.Cut(raw, ";base64,"); ok {
		raw = after
	}
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return media.Media{}, fmt.Errorf("whatsapp: decode media: %w", err)
	}
	mime, _, _ := strings.Cut(out.Mimetype, ";")
	return media.Media{Data: data, MimeType: strings.TrimSpace(mime)}, nil
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	if c.base == "" {
		return ErrNotConfigured
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("whatsapp: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path), bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("whatsapp: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("token", c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("whatsapp: %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("whatsapp: decode %s: %w", path, err)
	}
	slog.Debug("whatsapp: api call", "path", path, "status", resp.StatusCode)
	return nil
}

// endpoint resolves path against the host of the configured url; a path
// suffix on the api url (e.g. /message/send) is ignored.
func (c *Client) endpoint(path string) string {
	u, err := url.Parse(c.base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return c.base + path
	}
	return u.Scheme + "://" + u.Host + path
}

func providerPresence(state delivery.Presence) string {
	switch state {
	case delivery.PresenceComposing:
		return "composing"
	default:
		return "available"
	}
}

func digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

var (
	_ delivery.Provider = (*Client)(nil)
	_ media.Fetcher     = (*Client)(nil)
)
