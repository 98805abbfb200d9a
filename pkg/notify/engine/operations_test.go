package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"notify.dev/pkg/notify/cryptosvc"
	"notify.dev/pkg/notify/identity"
	"notify.dev/pkg/notify/jwtauth"
	"notify.dev/pkg/notify/relay"
	"notify.dev/pkg/notify/store/memstore"
)

func TestSubscribeUpdateDeleteRoundTrip(t *testing.T) {
	bus := relay.NewMemBus()
	dapp := newDappFixture(t, bus)
	e := newTestEngine(t, bus, nil, "")
	account := testAccount(t)
	registerTestAccount(t, e, account)

	subs, err := e.Subscribe(context.Background(), account, dapp.domain, "alerts")
	require.NoError(t, err)
	require.Len(t, subs, 1)

	stored, ok, err := e.subs.Get(context.Background(), subs[0].Topic)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, account.String(), stored.Account)
	require.Equal(t, dapp.domain, stored.AppDomain)
	require.NotEmpty(t, stored.AppAuthenticationKey, "reconcileOne must resolve and cache the dapp's identity key")
	require.NotEmpty(t, stored.SymKey)

	updated, err := e.Update(context.Background(), account, stored.Topic, "alerts marketing")
	require.NoError(t, err)
	require.Len(t, updated, 1)

	require.NoError(t, e.DeleteSubscription(context.Background(), account, stored.Topic))
	remaining, err := e.subs.ListByAccount(context.Background(), account.String())
	require.NoError(t, err)
	require.Empty(t, remaining)
}

func TestMarkReadAndGetHistory(t *testing.T) {
	bus := relay.NewMemBus()
	dapp := newDappFixture(t, bus)
	e := newTestEngine(t, bus, nil, "")
	account := testAccount(t)
	registerTestAccount(t, e, account)

	subs, err := e.Subscribe(context.Background(), account, dapp.domain, "alerts")
	require.NoError(t, err)
	topic := subs[0].Topic

	dapp.pushMessage(t, topic, jwtauth.NotifyMessage{ID: "n0", Title: "first", Body: "body", Type: "alert"})
	requireEventuallyUnread(t, e, topic, 1)

	recs, _, err := e.GetHistory(context.Background(), account, topic, 10, "", false)
	require.NoError(t, err)
	require.NotEmpty(t, recs, "GetHistory must return the dapp's paged notifications merged with locally ingested ones")

	require.NoError(t, e.MarkRead(context.Background(), account, topic, nil, true))
	sub, ok, err := e.subs.Get(context.Background(), topic)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 0, sub.UnreadCount)
}

func TestSubscribeFailsWhenAccountNotRegistered(t *testing.T) {
	bus := relay.NewMemBus()
	dapp := newDappFixture(t, bus)
	e := newTestEngine(t, bus, nil, "")
	account := testAccount(t)

	_, err := e.Subscribe(context.Background(), account, dapp.domain, "alerts")
	require.ErrorIs(t, err, ErrNotRegistered)
}

func TestUpdateAndDeleteFailWithoutExistingSubscription(t *testing.T) {
	bus := relay.NewMemBus()
	e := newTestEngine(t, bus, nil, "")
	account := testAccount(t)
	registerTestAccount(t, e, account)

	_, err := e.Update(context.Background(), account, "unknown-topic", "alerts")
	require.ErrorIs(t, err, ErrSubscriptionMissing)

	err = e.DeleteSubscription(context.Background(), account, "unknown-topic")
	require.ErrorIs(t, err, ErrSubscriptionMissing)
}

// tagSpyCapture wraps a relay.Transport and records the PublishOptions of
// every outbound Publish in call order, so tests can assert the engine sends
// the tag/ttl the spec §6 tag table assigns each method without threading
// that detail through the dapp fixture. Recording by call order (rather than
// by topic) matters because subscribe/watch publish their request on the
// dapp's/notify-server's key topic, not the response topic the subscription
// is later keyed by.
func newTagSpy(inner relay.Transport) *tagSpyCapture {
	return &tagSpyCapture{Transport: inner}
}

type tagSpyCapture struct {
	relay.Transport
	muLock sync.Mutex
	calls  []relay.PublishOptions
}

func (s *tagSpyCapture) Publish(ctx context.Context, topic string, payload []byte, opts relay.PublishOptions) (string, error) {
	s.muLock.Lock()
	s.calls = append(s.calls, opts)
	s.muLock.Unlock()
	return s.Transport.Publish(ctx, topic, payload, opts)
}

func (s *tagSpyCapture) last() relay.PublishOptions {
	s.muLock.Lock()
	defer s.muLock.Unlock()
	return s.calls[len(s.calls)-1]
}

// TestOutboundRequestTagsAndTTLsMatchSpecTable pins every outbound request's
// {tag, ttl} to the spec §6 tag table: a wrong value here would silently
// break interop with a real notify server even though every other behavior
// looks correct. The spy is wired in before Init so run()'s read of
// e.deps.Transport never races with this goroutine's writes.
func TestOutboundRequestTagsAndTTLsMatchSpecTable(t *testing.T) {
	bus := relay.NewMemBus()
	dapp := newDappFixture(t, bus)

	st := memstore.New()
	keyserver := stubKeyserver(t)
	spy := newTagSpy(bus.NewTransport())
	e := NewWalletEngine(Deps{
		Transport:     spy,
		Crypto:        cryptosvc.X25519ChaCha{},
		Identity:      identity.NewHTTPService(keyserver.URL),
		Subs:          st.Subscriptions,
		Messages:      st.Messages,
		Registrations: st.Registrations,
		Watch:         st.WatchedAccounts,
		Config:        fakeConfigFetcher{},
		KeyserverURL:  keyserver.URL,
	})
	require.NoError(t, e.Init(context.Background()))
	t.Cleanup(func() { _ = e.Teardown(context.Background()) })

	account := testAccount(t)
	payload, _, err := e.PrepareRegistration(context.Background(), account, "example-wallet.com", false)
	require.NoError(t, err)
	require.NoError(t, e.CompleteRegistration(context.Background(), account, payload, "0xsignature"))

	subs, err := e.Subscribe(context.Background(), account, dapp.domain, "alerts")
	require.NoError(t, err)
	topic := subs[0].Topic
	opts := spy.last()
	require.Equal(t, 4000, opts.Tag)
	require.Equal(t, 300, opts.TTLSeconds)

	_, err = e.Update(context.Background(), account, topic, "alerts marketing")
	require.NoError(t, err)
	opts = spy.last()
	require.Equal(t, 4008, opts.Tag)
	require.Equal(t, 300, opts.TTLSeconds)

	require.NoError(t, e.MarkRead(context.Background(), account, topic, nil, true))
	opts = spy.last()
	require.Equal(t, 4020, opts.Tag)
	require.Equal(t, 300, opts.TTLSeconds)

	_, _, err = e.GetHistory(context.Background(), account, topic, 10, "", false)
	require.NoError(t, err)
	opts = spy.last()
	require.Equal(t, 4014, opts.Tag)
	require.Equal(t, 300, opts.TTLSeconds)

	require.NoError(t, e.DeleteSubscription(context.Background(), account, topic))
	opts = spy.last()
	require.Equal(t, 4004, opts.Tag)
	require.Equal(t, 30*24*3600, opts.TTLSeconds)
}

// requireEventuallyUnread polls the subscription's unread count since message
// ingestion completes asynchronously on the engine's run() goroutine.
func requireEventuallyUnread(t *testing.T, e *testEngine, topic string, want int) {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		sub, ok, err := e.subs.Get(context.Background(), topic)
		require.NoError(t, err)
		if ok && sub.UnreadCount >= want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("subscription at %s never reached unread count %d", topic, want)
}
