package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/puzpuzpuz/xsync/v3"

	"notify.dev/pkg/telemetry/chk"
	"notify.dev/pkg/telemetry/log"
)

// irn request/response framing, the WalletConnect relay's actual JSON-RPC
// method family (irn_subscribe, irn_unsubscribe, irn_publish, irn_subscription).
type irnRequest struct {
	ID      int64      `json:"id"`
	JSONRPC string     `json:"jsonrpc"`
	Method  string     `json:"method"`
	Params  irnParams  `json:"params"`
}

type irnParams struct {
	Topic   string `json:"topic,omitempty"`
	Message string `json:"message,omitempty"`
	TTL     int    `json:"ttl,omitempty"`
	Tag     int    `json:"tag,omitempty"`
	Data    *irnSubscriptionData `json:"data,omitempty"`
}

type irnSubscriptionData struct {
	Topic   string `json:"topic"`
	Message string `json:"message"`
}

type irnResponse struct {
	ID      int64           `json:"id"`
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method,omitempty"`
	Params  *irnParams      `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *irnError       `json:"error,omitempty"`
}

type irnError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type writeRequest struct {
	msg    []byte
	answer chan error
}

// WSTransport is the default Transport adapter, over github.com/coder/websocket,
// mirroring the teacher's single-writer-goroutine design
// (pkg/protocol/ws/client.go's writeQueue channel and okCallbacks
// correlation map) generalized to irn_* topic pub/sub.
type WSTransport struct {
	url string

	mu   sync.Mutex
	conn *websocket.Conn

	writeQueue  chan writeRequest
	acks        *xsync.MapOf[int64, chan *irnResponse]
	idCounter   atomic.Int64
	messages    chan InboundMessage
	done        chan struct{}

	onConnectMu    sync.Mutex
	onConnectHooks []func()
	onDisconnectMu sync.Mutex
	onDisconnectHooks []func()
}

var _ Transport = (*WSTransport)(nil)

// NewWSTransport constructs a transport bound to a relay URL. Connect must
// be called before Subscribe/Publish.
func NewWSTransport(url string) *WSTransport {
	return &WSTransport{
		url:        url,
		writeQueue: make(chan writeRequest),
		acks:       xsync.NewMapOf[int64, chan *irnResponse](),
		messages:   make(chan InboundMessage, 64),
		done:       make(chan struct{}),
	}
}

func (t *WSTransport) OnConnect(fn func()) {
	t.onConnectMu.Lock()
	defer t.onConnectMu.Unlock()
	t.onConnectHooks = append(t.onConnectHooks, fn)
}

func (t *WSTransport) OnDisconnect(fn func()) {
	t.onDisconnectMu.Lock()
	defer t.onDisconnectMu.Unlock()
	t.onDisconnectHooks = append(t.onDisconnectHooks, fn)
}

func (t *WSTransport) fireConnect() {
	t.onConnectMu.Lock()
	hooks := append([]func(){}, t.onConnectHooks...)
	t.onConnectMu.Unlock()
	for _, h := range hooks {
		h()
	}
}

func (t *WSTransport) fireDisconnect() {
	t.onDisconnectMu.Lock()
	hooks := append([]func(){}, t.onDisconnectHooks...)
	t.onDisconnectMu.Unlock()
	for _, h := range hooks {
		h()
	}
}

// Connect dials the relay and starts the write-serializing and read loops.
func (t *WSTransport) Connect(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, t.url, nil)
	if chk.E(err) {
		return fmt.Errorf("relay: dial %s: %w", t.url, err)
	}
	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()

	go t.writeLoop()
	go t.readLoop()
	t.fireConnect()
	return nil
}

// Disconnect closes the websocket and stops both loops.
func (t *WSTransport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	close(t.done)
	return conn.Close(websocket.StatusNormalClosure, "client disconnect")
}

func (t *WSTransport) writeLoop() {
	for {
		select {
		case <-t.done:
			return
		case wr := <-t.writeQueue:
			t.mu.Lock()
			conn := t.conn
			t.mu.Unlock()
			if conn == nil {
				wr.answer <- fmt.Errorf("relay: not connected")
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := conn.Write(ctx, websocket.MessageText, wr.msg)
			cancel()
			wr.answer <- err
		}
	}
}

func (t *WSTransport) readLoop() {
	for {
		t.mu.Lock()
		conn := t.conn
		t.mu.Unlock()
		if conn == nil {
			return
		}
		_, data, err := conn.Read(context.Background())
		if err != nil {
			log.I.F("relay: %s read loop ended: %v", t.url, err)
			t.fireDisconnect()
			return
		}
		var resp irnResponse
		if err = json.Unmarshal(data, &resp); chk.D(err) {
			continue
		}
		switch {
		case resp.Method == "irn_subscription" && resp.Params != nil && resp.Params.Data != nil:
			t.messages <- InboundMessage{
				Topic:     resp.Params.Data.Topic,
				RequestID: strconv.FormatInt(resp.ID, 10),
				Payload:   []byte(resp.Params.Data.Message),
			}
		default:
			if ch, ok := t.acks.Load(resp.ID); ok {
				ch <- &resp
			}
		}
	}
}

func (t *WSTransport) send(ctx context.Context, req irnRequest) (*irnResponse, error) {
	ackCh := make(chan *irnResponse, 1)
	t.acks.Store(req.ID, ackCh)
	defer t.acks.Delete(req.ID)

	body, err := json.Marshal(req)
	if chk.E(err) {
		return nil, err
	}
	answer := make(chan error, 1)
	select {
	case t.writeQueue <- writeRequest{msg: body, answer: answer}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err = <-answer; chk.E(err) {
		return nil, err
	}
	select {
	case resp := <-ackCh:
		if resp.Error != nil {
			return nil, fmt.Errorf("relay: %s: %s", req.Method, resp.Error.Message)
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *WSTransport) nextID() int64 { return t.idCounter.Add(1) }

func (t *WSTransport) Subscribe(ctx context.Context, topic string) error {
	_, err := t.send(ctx, irnRequest{
		ID: t.nextID(), JSONRPC: "2.0", Method: "irn_subscribe",
		Params: irnParams{Topic: topic},
	})
	return err
}

func (t *WSTransport) Unsubscribe(ctx context.Context, topic string) error {
	_, err := t.send(ctx, irnRequest{
		ID: t.nextID(), JSONRPC: "2.0", Method: "irn_unsubscribe",
		Params: irnParams{Topic: topic},
	})
	return err
}

func (t *WSTransport) Publish(
	ctx context.Context, topic string, payload []byte, opts PublishOptions,
) (requestID string, err error) {
	id := t.nextID()
	_, err = t.send(ctx, irnRequest{
		ID: id, JSONRPC: "2.0", Method: "irn_publish",
		Params: irnParams{
			Topic: topic, Message: string(payload), TTL: opts.TTLSeconds, Tag: opts.Tag,
		},
	})
	if chk.E(err) {
		return "", err
	}
	return strconv.FormatInt(id, 10), nil
}

func (t *WSTransport) Messages() <-chan InboundMessage { return t.messages }
