// Package messaging defines the messaging-channel client contract (C6):
// an opaque source of raw text messages that the signal parser turns into
// Signals, close requests, trend switches, and TP-hit notifications, per
// spec.md §1's explicit framing of the messaging channel as an opaque
// client with a specified capability set rather than a protocol the core
// depends on directly.
//
// Grounded on original_source/signal-dca-bot/telegram_listener.py's shape
// (a client with on_signal/on_close/on_tp_hit callbacks, an is_configured
// guard, start/stop lifecycle) generalized so the channel implementation
// is swappable. No Telegram client library appears anywhere in the
// example pack (MTProto bindings are not part of this corpus's dependency
// surface), so rather than fabricate one, the concrete implementation
// shipped here is HTTPWebhookClient: it treats spec.md §6's POST /webhook
// endpoint as the channel transport, which is the one delivery path the
// spec itself names as always present. A real Telegram/Slack/Discord
// client would implement the same Client interface and plug in at
// cmd/bot/main.go without the orchestrator changing.
package messaging

import "context"

// Handler receives raw message text from the channel. Parsing happens in
// internal/signal; this package only delivers bytes.
type Handler func(ctx context.Context, text string)

// Client is the messaging-channel contract the orchestrator wires a
// Handler into. Implementations own their own connection lifecycle.
type Client interface {
	// IsConfigured reports whether the client has the credentials/session
	// it needs to run; an unconfigured client is a no-op, matching
	// telegram_listener.py's is_configured guard.
	IsConfigured() bool
	// Start begins delivering messages to handler until ctx is cancelled.
	Start(ctx context.Context, handler Handler) error
	// Stop releases any held connection. Safe to call on an unstarted or
	// already-stopped client.
	Stop()
}

// HTTPWebhookClient is a null Client: the real transport is the HTTP
// /webhook handler in internal/httpapi, which calls a Handler directly
// with no separate connection to manage. It exists so cmd/bot/main.go can
// wire messaging.Client uniformly regardless of which channel is active.
type HTTPWebhookClient struct {
	handler Handler
}

func NewHTTPWebhookClient() *HTTPWebhookClient { return &HTTPWebhookClient{} }

func (c *HTTPWebhookClient) IsConfigured() bool { return true }

func (c *HTTPWebhookClient) Start(ctx context.Context, handler Handler) error {
	c.handler = handler
	return nil
}

func (c *HTTPWebhookClient) Stop() {}

// Deliver lets the HTTP handler push a webhook body into the registered
// Handler, sharing the same entry point a real push-based channel client
// would use.
func (c *HTTPWebhookClient) Deliver(ctx context.Context, text string) {
	if c.handler != nil {
		c.handler(ctx, text)
	}
}
