// Package relay is the publish/subscribe transport collaborator: the engine
// publishes and receives envelope bytes on sha256-derived topics without
// knowing how they reach the wire. Generalized from the teacher's
// pkg/protocol/ws Client (a Nostr relay connection keyed by subscription
// filters) to the WalletConnect relay's topic/tag/ttl pub-sub model.
package relay

import "context"

// PublishOptions mirrors the relay's per-publish framing (spec §6: "Each
// outbound publish carries {ttl, tag} options").
type PublishOptions struct {
	TTLSeconds int
	Tag        int
}

// InboundMessage is a payload the transport received on a subscribed topic,
// tagged with whatever correlation id the wire protocol assigned it so the
// engine's pending-request map (spec §3 PendingRequest) can match it back to
// an outbound publish.
type InboundMessage struct {
	Topic     string
	RequestID string
	Payload   []byte
}

// Transport is the narrow interface the engine consumes; it never imports a
// websocket package directly (spec §1: "the underlying relay transport ...
// relay.Transport interface").
type Transport interface {
	// Connect dials the relay and starts the internal read/write loops.
	Connect(ctx context.Context) error
	// Disconnect tears the connection down; the Messages() channel is not
	// closed.
	Disconnect(ctx context.Context) error
	// Subscribe registers interest in topic; inbound messages for it begin
	// arriving on Messages().
	Subscribe(ctx context.Context, topic string) error
	// Unsubscribe withdraws interest in topic.
	Unsubscribe(ctx context.Context, topic string) error
	// Publish sends payload on topic and returns the relay's correlation id
	// for the outbound request.
	Publish(ctx context.Context, topic string, payload []byte, opts PublishOptions) (requestID string, err error)
	// Messages is the single channel every inbound payload (requests and
	// responses alike) arrives on; the engine classifies each by its own
	// pending-request bookkeeping.
	Messages() <-chan InboundMessage
	// OnConnect registers a hook invoked after every successful (re)connect,
	// including the first. Used by the watch reconnect policy (spec §4.1).
	OnConnect(fn func())
	// OnDisconnect registers a hook invoked whenever the connection drops.
	OnDisconnect(fn func())
}
