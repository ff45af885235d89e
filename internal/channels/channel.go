// Package channels connects inbound transports (webhook, WebSocket bridge)
// to the gateway engine.
package channels

import (
	"context"
	"sync/atomic"
)

// Inbound statuses reported back to transports.
const (
	StatusIgnored     = "ignored"
	StatusIgnoredSelf = "ignored_self"
	StatusCooldown    = "cooldown"
	StatusBuffering   = "buffering"
)

// InboundHandler accepts one raw provider event and reports what happened
// to it. It must not block on delivery.
type InboundHandler interface {
	HandleInbound(ctx context.Context, raw []byte) string
}

// InboundHandlerFunc adapts a function to InboundHandler.
type InboundHandlerFunc func(ctx context.Context, raw []byte) string

func (f InboundHandlerFunc) HandleInbound(ctx context.Context, raw []byte) string { return f(ctx, raw) }

// Channel is a long-running inbound transport.
type Channel interface {
	// Name returns the channel identifier (e.g. "whatsapp-bridge").
	Name() string

	// Start begins listening for messages. Should be non-blocking after setup.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the channel.
	Stop(ctx context.Context) error

	// IsRunning returns whether the channel is actively processing messages.
	IsRunning() bool
}

// BaseChannel provides shared functionality for channel implementations.
type BaseChannel struct {
	name    string
	handler InboundHandler
	running atomic.Bool
}

func NewBaseChannel(name string, handler InboundHandler) *BaseChannel {
	return &BaseChannel{name: name, handler: handler}
}

func (c *BaseChannel) Name() string { return c.name }

func (c *BaseChannel) IsRunning() bool { return c.running.Load() }

func (c *BaseChannel) SetRunning(running bool) { c.running.Store(running) }

// HandleInbound forwards a raw event to the engine.
func (c *BaseChannel) HandleInbound(ctx context.Context, raw []byte) string {
	return c.handler.HandleInbound(ctx, raw)
}

// Truncate shortens a string to maxLen bytes, appending "..." if truncated.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	for maxLen > 0 && maxLen < len(s) && s[maxLen]&0xC0 == 0x80 {
		maxLen--
	}
	return s[:maxLen] + "..."
}
