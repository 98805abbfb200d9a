package engine

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	neturl "net/url"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"notify.dev/pkg/notify/cryptosvc"
	"notify.dev/pkg/notify/identity"
	"notify.dev/pkg/notify/ids"
	"notify.dev/pkg/notify/jwtauth"
	"notify.dev/pkg/notify/relay"
	"notify.dev/pkg/notify/store"
	"notify.dev/pkg/notify/store/memstore"
)

// fakeClock lets the watch reconnect policy (spec §4.1) be driven
// deterministically, the way Clock is documented to support.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{t: time.Unix(1_700_000_000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func testAccount(t *testing.T) ids.Account {
	a, err := ids.ParseAccount("eip155:1:0xAbC0000000000000000000000000000000dEaD")
	require.NoError(t, err)
	return a
}

func stubKeyserver(t *testing.T) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func jwkX(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// dappFixture is a minimal simulated dapp: it publishes a did.json, and its
// responder goroutine answers subscribe/update/delete/mark_read/
// get_history requests the way the real notify server's dapp-facing half
// would (spec §4.1, §6).
type dappFixture struct {
	t        *testing.T
	domain   string
	didSrv   *httptest.Server
	crypto   cryptosvc.Service
	kaPub    []byte
	kaPriv   []byte
	idPub    ed25519.PublicKey
	idPriv   ed25519.PrivateKey
	transport *relay.MemTransport

	mu   sync.Mutex
	subs map[string]dappSubState // topic -> state
}

type dappSubState struct {
	symKey []byte
	scope  string
	unread int
}

func newDappFixture(t *testing.T, bus *relay.MemBus) *dappFixture {
	crypto := cryptosvc.X25519ChaCha{}
	kaPub, kaPriv, err := crypto.GenerateKeypair()
	require.NoError(t, err)
	idPub, idPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	d := &dappFixture{
		t: t, crypto: crypto, kaPub: kaPub, kaPriv: kaPriv, idPub: idPub, idPriv: idPriv,
		transport: bus.NewTransport(),
		subs:      map[string]dappSubState{},
	}

	keyAgreementID := "did:web:dapp#key-agreement"
	authID := "did:web:dapp#identity-key"
	d.didSrv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		doc := store.DidDocument{
			VerificationMethod: []store.VerificationMethod{
				{ID: keyAgreementID, Type: "X25519KeyAgreementKey2019", PublicKeyJWK: store.JWK{Kty: "OKP", Crv: "X25519", X: jwkX(kaPub)}},
				{ID: authID, Type: "Ed25519VerificationKey2018", PublicKeyJWK: store.JWK{Kty: "OKP", Crv: "Ed25519", X: jwkX(idPub)}},
			},
			KeyAgreement:   []string{keyAgreementID},
			Authentication: []string{authID},
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, jsonEncode(w, doc))
	}))
	t.Cleanup(d.didSrv.Close)
	d.domain = "localhost:" + portOf(t, d.didSrv.URL)

	require.NoError(t, d.transport.Connect(context.Background()))
	require.NoError(t, d.transport.Subscribe(context.Background(), crypto.Topic(kaPub)))
	go d.run()
	return d
}

func (d *dappFixture) run() {
	for msg := range d.transport.Messages() {
		d.handle(msg)
	}
}

func (d *dappFixture) handle(msg relay.InboundMessage) {
	d.mu.Lock()
	state, known := d.subs[msg.Topic]
	d.mu.Unlock()

	if !known {
		d.handleSubscribeRequest(msg)
		return
	}
	d.handleSubscriptionTopicRequest(msg, state)
}

func (d *dappFixture) handleSubscribeRequest(msg relay.InboundMessage) {
	plain, senderPub, err := d.crypto.OpenType1(d.kaPriv, msg.Payload)
	if err != nil {
		return
	}
	symKey, err := d.crypto.SharedKey(d.kaPriv, senderPub)
	if err != nil {
		return
	}
	var claims jwtauth.SubscriptionRequestClaims
	if err = jwtauth.Decode(string(plain), d.clientSigner(string(plain)), jwtauth.ActSubscriptionRequest, &claims); err != nil {
		return
	}

	topic := d.crypto.Topic(symKey)
	d.mu.Lock()
	d.subs[topic] = dappSubState{symKey: symKey, scope: claims.Scp}
	d.mu.Unlock()

	ctx := context.Background()
	_ = d.transport.Subscribe(ctx, topic)

	resp := jwtauth.SubscriptionResponseClaims{}
	resp.Iat = claims.Iat
	resp.Exp = claims.Iat + 300
	resp.Iss = ids.DidKey(d.idPub)
	resp.Aud = claims.Iss
	resp.Sub = claims.Sub
	resp.Act = jwtauth.ActSubscriptionResponse
	resp.Sbs = []jwtauth.ScopedSub{{
		Account: claims.Sub, AppDomain: d.domain, SymKey: hex.EncodeToString(symKey),
		Expiry: claims.Iat + 86400, Scope: claims.Scp,
	}}
	d.signAndPublish(ctx, topic, symKey, &resp)
}

func (d *dappFixture) handleSubscriptionTopicRequest(msg relay.InboundMessage, state dappSubState) {
	plain, err := d.crypto.OpenType0(state.symKey, msg.Payload)
	if err != nil {
		return
	}
	act, err := peekAct(string(plain))
	if err != nil {
		return
	}
	ctx := context.Background()
	switch act {
	case jwtauth.ActUpdateRequest:
		var claims jwtauth.UpdateRequestClaims
		if jwtauth.Decode(string(plain), d.clientSigner(string(plain)), jwtauth.ActUpdateRequest, &claims) != nil {
			return
		}
		d.mu.Lock()
		state.scope = claims.Scp
		d.subs[msg.Topic] = state
		d.mu.Unlock()
		resp := jwtauth.UpdateResponseClaims{}
		resp.Iat, resp.Exp, resp.Iss, resp.Aud, resp.Act = claims.Iat, claims.Iat+300, ids.DidKey(d.idPub), claims.Iss, jwtauth.ActUpdateResponse
		resp.Sub = claims.Sub
		resp.Sbs = []jwtauth.ScopedSub{{
			Account: claims.Sub, AppDomain: d.domain, SymKey: hex.EncodeToString(state.symKey),
			Expiry: claims.Iat + 86400, Scope: claims.Scp,
		}}
		d.signAndPublish(ctx, msg.Topic, state.symKey, &resp)

	case jwtauth.ActDeleteRequest:
		var claims jwtauth.DeleteRequestClaims
		if jwtauth.Decode(string(plain), d.clientSigner(string(plain)), jwtauth.ActDeleteRequest, &claims) != nil {
			return
		}
		d.mu.Lock()
		delete(d.subs, msg.Topic)
		d.mu.Unlock()
		resp := jwtauth.DeleteResponseClaims{}
		resp.Iat, resp.Exp, resp.Iss, resp.Aud, resp.Act = claims.Iat, claims.Iat+300, ids.DidKey(d.idPub), claims.Iss, jwtauth.ActDeleteResponse
		resp.Sub = claims.Sub
		resp.Sbs = []jwtauth.ScopedSub{} // non-nil: signals reconcile to run with zero entries left
		d.signAndPublish(ctx, msg.Topic, state.symKey, &resp)

	case jwtauth.ActMarkNotificationsReadRequest:
		var claims jwtauth.MarkNotificationsReadRequestClaims
		if jwtauth.Decode(string(plain), d.clientSigner(string(plain)), jwtauth.ActMarkNotificationsReadRequest, &claims) != nil {
			return
		}
		resp := jwtauth.MarkNotificationsReadResponseClaims{}
		resp.Iat, resp.Exp, resp.Iss, resp.Aud, resp.Act = claims.Iat, claims.Iat+300, ids.DidKey(d.idPub), claims.Iss, jwtauth.ActMarkNotificationsReadResp
		resp.Success = true
		d.signAndPublish(ctx, msg.Topic, state.symKey, &resp)

	case jwtauth.ActGetNotificationsRequest:
		var claims jwtauth.GetNotificationsRequestClaims
		if jwtauth.Decode(string(plain), d.clientSigner(string(plain)), jwtauth.ActGetNotificationsRequest, &claims) != nil {
			return
		}
		resp := jwtauth.GetNotificationsResponseClaims{}
		resp.Iat, resp.Exp, resp.Iss, resp.Aud, resp.Act = claims.Iat, claims.Iat+300, ids.DidKey(d.idPub), claims.Iss, jwtauth.ActGetNotificationsResponse
		resp.Notifications = []jwtauth.NotifyMessage{
			{ID: "n1", Title: "Hello", Body: "world", Type: "alert"},
		}
		resp.HasMore = false
		d.signAndPublish(ctx, msg.Topic, state.symKey, &resp)
	}
}

// clientSigner returns the engine's identity public key embedded in the
// unverified `iss` claim of token — test-only shortcut standing in for the
// keyserver DID lookup resolve_keys(iss) would otherwise require.
func (d *dappFixture) clientSigner(token string) ed25519.PublicKey {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	_, _, _ = parser.ParseUnverified(token, claims)
	iss, _ := claims["iss"].(string)
	pub, err := ids.ParseDidKey(iss)
	if err != nil {
		return nil
	}
	return pub
}

func (d *dappFixture) signAndPublish(ctx context.Context, topic string, symKey []byte, claims jwt.Claims) {
	token, err := jwtauth.Sign(claims, d.idPriv)
	if err != nil {
		return
	}
	envelope, err := d.crypto.SealType0(symKey, []byte(token))
	if err != nil {
		return
	}
	_, _ = d.transport.Publish(ctx, topic, envelope, relay.PublishOptions{TTLSeconds: 300, Tag: 4001})
}

// pushMessage simulates the dapp sending a notify_message to an established
// subscription topic (spec §4.1 "Notification ingestion").
func (d *dappFixture) pushMessage(t *testing.T, topic string, msg jwtauth.NotifyMessage) {
	d.mu.Lock()
	state, ok := d.subs[topic]
	d.mu.Unlock()
	require.True(t, ok, "dapp has no record of subscription topic %s", topic)

	claims := jwtauth.MessageClaims{Msg: msg}
	claims.Iat = time.Now().Unix()
	claims.Exp = claims.Iat + 300
	claims.Iss = ids.DidKey(d.idPub)
	claims.Act = jwtauth.ActMessage
	d.signAndPublish(context.Background(), topic, state.symKey, &claims)
}

// pushSubscriptionsChanged simulates the dapp pushing an unsolicited
// notify_subscriptions_changed to an established subscription topic, e.g.
// after the dapp itself revokes the subscription out of band (spec §4.1
// "Inbound dispatch").
func (d *dappFixture) pushSubscriptionsChanged(t *testing.T, topic string, account string, sbs []jwtauth.ScopedSub) {
	d.mu.Lock()
	state, ok := d.subs[topic]
	d.mu.Unlock()
	require.True(t, ok, "dapp has no record of subscription topic %s", topic)

	claims := jwtauth.SubscriptionsChangedClaims{Sbs: sbs}
	claims.Iat = time.Now().Unix()
	claims.Exp = claims.Iat + 300
	claims.Iss = ids.DidKey(d.idPub)
	claims.Sub = "did:pkh:" + account
	claims.Act = jwtauth.ActSubscriptionsChanged
	d.signAndPublish(context.Background(), topic, state.symKey, &claims)
}

type testEngine struct {
	*Engine
	clock    *fakeClock
	watch    store.WatchStore
	subs     store.SubscriptionStore
	msgs     store.MessageStore
	regs     store.RegistrationStore
	transport *relay.MemTransport
	identity *identity.HTTPService
}

func newTestEngine(t *testing.T, bus *relay.MemBus, notifyServerPub []byte, notifyServerIdentityDid string) *testEngine {
	st := memstore.New()
	clock := newFakeClock()
	keyserver := stubKeyserver(t)
	idSvc := identity.NewHTTPService(keyserver.URL)
	tr := bus.NewTransport()

	e := NewWalletEngine(Deps{
		Transport:     tr,
		Crypto:        cryptosvc.X25519ChaCha{},
		Identity:      idSvc,
		Subs:          st.Subscriptions,
		Messages:      st.Messages,
		Registrations: st.Registrations,
		Watch:         st.WatchedAccounts,
		Config:        fakeConfigFetcher{},
		Clock:         clock,

		KeyserverURL:    keyserver.URL,
		NotifyServerURL: "https://notify.example.com",
		ProjectID:       "proj1",

		NotifyServerPublicKey:  notifyServerPub,
		NotifyServerIdentityDid: notifyServerIdentityDid,
	})
	require.NoError(t, e.Init(context.Background()))
	t.Cleanup(func() { _ = e.Teardown(context.Background()) })

	return &testEngine{
		Engine: e, clock: clock, watch: st.WatchedAccounts, subs: st.Subscriptions,
		msgs: st.Messages, regs: st.Registrations, transport: tr, identity: idSvc,
	}
}

// newUninitializedEngine builds an Engine without calling Init, to exercise
// requireInitialized's NotInitialized guard (spec §4.1).
func newUninitializedEngine(t *testing.T, bus *relay.MemBus) *Engine {
	st := memstore.New()
	keyserver := stubKeyserver(t)
	e := NewWalletEngine(Deps{
		Transport:     bus.NewTransport(),
		Crypto:        cryptosvc.X25519ChaCha{},
		Identity:      identity.NewHTTPService(keyserver.URL),
		Subs:          st.Subscriptions,
		Messages:      st.Messages,
		Registrations: st.Registrations,
		Watch:         st.WatchedAccounts,
		Config:        fakeConfigFetcher{},
		KeyserverURL:  keyserver.URL,
	})
	t.Cleanup(func() { _ = e.Teardown(context.Background()) })
	return e
}

type fakeConfigFetcher struct{}

func (fakeConfigFetcher) Fetch(ctx context.Context, projectID, appDomain string) (store.NotifyConfig, error) {
	return store.NotifyConfig{Name: appDomain}, nil
}

// registerTestAccount drives PrepareRegistration/CompleteRegistration with a
// throwaway signature, mirroring how a real wallet signs the CACAO
// statement and hands the signature back (spec §4.1 "Identity registration").
func registerTestAccount(t *testing.T, e *testEngine, account ids.Account) {
	payload, _, err := e.PrepareRegistration(context.Background(), account, "example-wallet.com", false)
	require.NoError(t, err)
	require.NoError(t, e.CompleteRegistration(context.Background(), account, payload, "0xsignature"))
}

func jsonEncode(w http.ResponseWriter, v any) error {
	return json.NewEncoder(w).Encode(v)
}

func portOf(t *testing.T, url string) string {
	u, err := neturl.Parse(url)
	require.NoError(t, err)
	return u.Port()
}
