package engine

import (
	"context"
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"notify.dev/pkg/notify/cryptosvc"
	"notify.dev/pkg/notify/ids"
	"notify.dev/pkg/notify/jwtauth"
	"notify.dev/pkg/notify/relay"
	"notify.dev/pkg/notify/store"
)

// notifyServerFixture is a minimal simulated notify server: it answers
// notify_watch_subscriptions the way the real server's watch channel would
// (spec §4.1 "Watch reconnect policy").
type notifyServerFixture struct {
	crypto    cryptosvc.Service
	kaPub     []byte
	kaPriv    []byte
	idPub     ed25519.PublicKey
	idPriv    ed25519.PrivateKey
	transport *relay.MemTransport
}

func newNotifyServerFixture(t *testing.T, bus *relay.MemBus) *notifyServerFixture {
	crypto := cryptosvc.X25519ChaCha{}
	kaPub, kaPriv, err := crypto.GenerateKeypair()
	require.NoError(t, err)
	idPub, idPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	n := &notifyServerFixture{
		crypto: crypto, kaPub: kaPub, kaPriv: kaPriv, idPub: idPub, idPriv: idPriv,
		transport: bus.NewTransport(),
	}
	require.NoError(t, n.transport.Connect(context.Background()))
	require.NoError(t, n.transport.Subscribe(context.Background(), crypto.Topic(kaPub)))
	go n.run()
	return n
}

func (n *notifyServerFixture) identityDid() string { return ids.DidKey(n.idPub) }

func (n *notifyServerFixture) run() {
	for msg := range n.transport.Messages() {
		n.handle(msg)
	}
}

func (n *notifyServerFixture) handle(msg relay.InboundMessage) {
	plain, senderPub, err := n.crypto.OpenType1(n.kaPriv, msg.Payload)
	if err != nil {
		return
	}
	symKey, err := n.crypto.SharedKey(n.kaPriv, senderPub)
	if err != nil {
		return
	}

	parser := jwt.NewParser()
	mc := jwt.MapClaims{}
	if _, _, err = parser.ParseUnverified(string(plain), mc); err != nil {
		return
	}
	iss, _ := mc["iss"].(string)
	clientSigner, err := ids.ParseDidKey(iss)
	if err != nil {
		return
	}

	var claims jwtauth.WatchSubscriptionsRequestClaims
	if jwtauth.Decode(string(plain), clientSigner, jwtauth.ActWatchSubscriptionsRequest, &claims) != nil {
		return
	}

	topic := n.crypto.Topic(symKey)
	ctx := context.Background()
	_ = n.transport.Subscribe(ctx, topic)

	resp := jwtauth.WatchSubscriptionsResponseClaims{}
	resp.Iat = claims.Iat
	resp.Exp = claims.Iat + 300
	resp.Iss = n.identityDid()
	resp.Aud = claims.Iss
	resp.Sub = claims.Sub
	resp.Act = jwtauth.ActWatchSubscriptionsResponse
	resp.Sbs = []jwtauth.ScopedSub{} // no subscriptions yet, still a non-nil authoritative list

	token, err := jwtauth.Sign(&resp, n.idPriv)
	if err != nil {
		return
	}
	envelope, err := n.crypto.SealType0(symKey, []byte(token))
	if err != nil {
		return
	}
	_, _ = n.transport.Publish(ctx, topic, envelope, relay.PublishOptions{TTLSeconds: 300, Tag: 4010})
}

func TestIssueWatchRoundTrip(t *testing.T) {
	bus := relay.NewMemBus()
	notifyServer := newNotifyServerFixture(t, bus)
	e := newTestEngine(t, bus, notifyServer.kaPub, notifyServer.identityDid())
	account := testAccount(t)
	registerTestAccount(t, e, account)

	kaPub, kaPriv, err := e.deps.Crypto.GenerateKeypair()
	require.NoError(t, err)
	wa := store.WatchedAccount{
		Account: account.String(), AllApps: true, PubKeyY: kaPub, PrivKeyY: kaPriv,
	}

	require.NoError(t, e.issueWatch(context.Background(), wa))

	stored, ok, err := e.watch.LastWatched(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, stored.LastWatched)
	require.NotEmpty(t, stored.ResTopic)
	require.True(t, e.HasFinishedInitialLoad())
}

// TestReconnectPolicyTriggersRewatch exercises the onConnect arithmetic
// (spec §4.1 "Watch reconnect policy"): a disconnect lasting at least
// 4m30s-to-5m, or 23h30m of elapsed watch age, forces a rewatch on the next
// reconnect.
func TestReconnectPolicyTriggersRewatch(t *testing.T) {
	bus := relay.NewMemBus()
	notifyServer := newNotifyServerFixture(t, bus)
	e := newTestEngine(t, bus, notifyServer.kaPub, notifyServer.identityDid())
	account := testAccount(t)
	registerTestAccount(t, e, account)

	kaPub, kaPriv, err := e.deps.Crypto.GenerateKeypair()
	require.NoError(t, err)
	wa := store.WatchedAccount{
		Account: account.String(), AllApps: true, PubKeyY: kaPub, PrivKeyY: kaPriv,
	}
	require.NoError(t, e.issueWatch(context.Background(), wa))
	firstTopic, _, err := e.watch.LastWatched(context.Background())
	require.NoError(t, err)

	e.onDisconnect()
	e.clock.advance(5 * time.Minute)
	e.onConnect()

	require.Eventually(t, func() bool {
		stored, ok, err := e.watch.LastWatched(context.Background())
		return err == nil && ok && stored.ResTopic != firstTopic.ResTopic
	}, 2*time.Second, 10*time.Millisecond, "a >=4m30s outage must force issueWatch to run again on reconnect")
}

func TestReconnectPolicySkipsRewatchWhenRecentlyWatched(t *testing.T) {
	bus := relay.NewMemBus()
	notifyServer := newNotifyServerFixture(t, bus)
	e := newTestEngine(t, bus, notifyServer.kaPub, notifyServer.identityDid())
	account := testAccount(t)
	registerTestAccount(t, e, account)

	kaPub, kaPriv, err := e.deps.Crypto.GenerateKeypair()
	require.NoError(t, err)
	wa := store.WatchedAccount{
		Account: account.String(), AllApps: true, PubKeyY: kaPub, PrivKeyY: kaPriv,
	}
	require.NoError(t, e.issueWatch(context.Background(), wa))
	firstTopic, _, err := e.watch.LastWatched(context.Background())
	require.NoError(t, err)

	e.onDisconnect()
	e.clock.advance(1 * time.Second)
	e.onConnect()

	time.Sleep(50 * time.Millisecond)
	stored, ok, err := e.watch.LastWatched(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, firstTopic.ResTopic, stored.ResTopic, "a brief reconnect must not reissue the watch request")
}
