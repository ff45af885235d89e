// Package whatsapp holds the WhatsApp provider integration: the REST client
// used for outbound calls and the WebSocket bridge used as an inbound source.
package whatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/samuelwildary2025/novo-agente/internal/channels"
)

// Bridge connects to a WhatsApp bridge via WebSocket.
// The bridge relays provider events as JSON frames; frames of
// type "message" carry the same payload the webhook would receive.
type Bridge struct {
	*channels.BaseChannel
	url    string
	token  string
	conn   *websocket.Conn
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewBridge creates the bridge channel.
func NewBridge(bridgeURL, token string, handler channels.InboundHandler) (*Bridge, error) {
	if bridgeURL == "" {
		return nil, fmt.Errorf("whatsapp bridge_url is required")
	}
	return &Bridge{
		BaseChannel: channels.NewBaseChannel("whatsapp-bridge", handler),
		url:         bridgeURL,
		token:       token,
	}, nil
}

// Start connects to the bridge and begins listening.
func (b *Bridge) Start(ctx context.Context) error {
	slog.Info("starting whatsapp bridge", "bridge_url", b.url)

	b.ctx, b.cancel = context.WithCancel(ctx)
	b.done = make(chan struct{})

	if err := b.connect(); err != nil {
		// Don't fail hard; the reconnect loop keeps trying
		slog.Warn("initial whatsapp bridge connection failed, will retry", "error", err)
	}

	go b.listenLoop()

	b.SetRunning(true)
	return nil
}

// Stop closes the connection and waits for the listen loop to exit.
func (b *Bridge) Stop(_ context.Context) error {
	slog.Info("stopping whatsapp bridge")

	if b.cancel != nil {
		b.cancel()
	}

	b.mu.Lock()
	if b.conn != nil {
		_ = b.conn.Close()
		b.conn = nil
	}
	b.mu.Unlock()

	if b.done != nil {
		<-b.done
	}
	b.SetRunning(false)
	return nil
}

func (b *Bridge) connect() error {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second

	var header http.Header
	if b.token != "" {
		header = http.Header{"token": []string{b.token}}
	}

	conn, _, err := dialer.DialContext(b.ctx, b.url, header)
	if err != nil {
		return fmt.Errorf("dial whatsapp bridge %s: %w", b.url, err)
	}

	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()

	slog.Info("whatsapp bridge connected", "url", b.url)
	return nil
}

// listenLoop reads frames from the bridge with automatic reconnection.
func (b *Bridge) listenLoop() {
	defer close(b.done)
	backoff := time.Second

	for {
		select {
		case <-b.ctx.Done():
			return
		default:
		}

		b.mu.Lock()
		conn := b.conn
		b.mu.Unlock()

		if conn == nil {
			slog.Info("attempting whatsapp bridge reconnect", "backoff", backoff)

			select {
			case <-b.ctx.Done():
				return
			case <-time.After(backoff):
			}

			if err := b.connect(); err != nil {
				slog.Warn("whatsapp bridge reconnect failed", "error", err)
				backoff = min(backoff*2, 30*time.Second)
				continue
			}

			backoff = time.Second
			continue
		}

		_, frame, err := conn.ReadMessage()
		if err != nil {
			if b.ctx.Err() != nil {
				return
			}
			slog.Warn("whatsapp read error, will reconnect", "error", err)

			b.mu.Lock()
			if b.conn != nil {
				_ = b.conn.Close()
				b.conn = nil
			}
			b.mu.Unlock()
			continue
		}

		b.handleFrame(frame)
	}
}

type bridgeFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// handleFrame forwards "message" frames to the engine. The event is either
// the frame's payload field or the frame itself.
func (b *Bridge) handleFrame(frame []byte) {
	var f bridgeFrame
	if err := json.Unmarshal(frame, &f); err != nil {
		slog.Warn("invalid whatsapp bridge frame", "error", err)
		return
	}
	if f.Type != "message" {
		return
	}

	raw := frame
	if len(f.Payload) > 0 && string(f.Payload) != "null" {
		raw = f.Payload
	}

	status := b.HandleInbound(b.ctx, raw)
	slog.Debug("whatsapp bridge message handled", "status", status, "preview", channels.Truncate(string(raw), 80))
}

var _ channels.Channel = (*Bridge)(nil)
