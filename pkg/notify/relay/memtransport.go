package relay

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
)

// MemTransport is an in-process Transport used by engine tests and by
// cmd/mocknotifyserver's embedded wiring: two MemTransports sharing the same
// *MemBus behave like two relay clients connected through the same relay.
type MemTransport struct {
	bus *MemBus

	mu     sync.Mutex
	topics map[string]bool

	idCounter atomic.Int64
	messages  chan InboundMessage

	onConnectMu    sync.Mutex
	onConnectHooks []func()
}

var _ Transport = (*MemTransport)(nil)

// MemBus fans out a Publish on a topic to every MemTransport subscribed to
// it, including the publisher.
type MemBus struct {
	mu      sync.Mutex
	clients []*MemTransport
}

func NewMemBus() *MemBus { return &MemBus{} }

// NewTransport returns a new client attached to this bus.
func (b *MemBus) NewTransport() *MemTransport {
	t := &MemTransport{bus: b, topics: map[string]bool{}, messages: make(chan InboundMessage, 64)}
	b.mu.Lock()
	b.clients = append(b.clients, t)
	b.mu.Unlock()
	return t
}

func (t *MemTransport) Connect(ctx context.Context) error {
	t.onConnectMu.Lock()
	hooks := append([]func(){}, t.onConnectHooks...)
	t.onConnectMu.Unlock()
	for _, h := range hooks {
		h()
	}
	return nil
}

func (t *MemTransport) Disconnect(ctx context.Context) error { return nil }

func (t *MemTransport) Subscribe(ctx context.Context, topic string) error {
	t.mu.Lock()
	t.topics[topic] = true
	t.mu.Unlock()
	return nil
}

func (t *MemTransport) Unsubscribe(ctx context.Context, topic string) error {
	t.mu.Lock()
	delete(t.topics, topic)
	t.mu.Unlock()
	return nil
}

func (t *MemTransport) Publish(
	ctx context.Context, topic string, payload []byte, opts PublishOptions,
) (string, error) {
	id := strconv.FormatInt(t.idCounter.Add(1), 10)
	t.bus.mu.Lock()
	clients := append([]*MemTransport{}, t.bus.clients...)
	t.bus.mu.Unlock()
	for _, c := range clients {
		c.mu.Lock()
		subscribed := c.topics[topic]
		c.mu.Unlock()
		if !subscribed {
			continue
		}
		cp := append([]byte(nil), payload...)
		c.messages <- InboundMessage{Topic: topic, RequestID: id, Payload: cp}
	}
	return id, nil
}

func (t *MemTransport) Messages() <-chan InboundMessage { return t.messages }

func (t *MemTransport) OnConnect(fn func()) {
	t.onConnectMu.Lock()
	t.onConnectHooks = append(t.onConnectHooks, fn)
	t.onConnectMu.Unlock()
}

func (t *MemTransport) OnDisconnect(fn func()) {}
