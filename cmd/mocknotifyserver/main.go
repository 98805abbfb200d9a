// Command mocknotifyserver stands in for both the dapp's subscription
// endpoint and the notify server's watch channel, so notifyctl can be
// exercised against a real relay without standing up the full WalletConnect
// infrastructure. Flag-parsed and single-file, mirroring
// cmd/walletcli/mock-wallet-service's shape (spec §2 "Ambient stack", §6
// "External interfaces").
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"sync"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/curve25519"

	"notify.dev/pkg/notify/cryptosvc"
	"notify.dev/pkg/notify/ids"
	"notify.dev/pkg/notify/jwtauth"
	"notify.dev/pkg/notify/relay"
	"notify.dev/pkg/telemetry/chk"
	"notify.dev/pkg/telemetry/log"
)

var (
	relayURL    = flag.String("relay", "ws://localhost:8080", "relay URL to connect to")
	identityHex = flag.String("identity-key", "", "hex-encoded ed25519 seed for the server's identity key; generated if empty")
	kaHex       = flag.String("ka-key", "", "hex-encoded X25519 private key for the key-agreement keypair; generated if empty")
)

// scopedSub is the server's record of one account/appDomain subscription,
// the same shape issueWatch and reconcile expect back on the wire.
type scopedSub struct {
	account   string
	appDomain string
	symKey    []byte
	expiry    int64
	scope     string
}

// server holds every account's subscriptions in memory, generalizing
// engine_test.go's dappFixture/notifyServerFixture into one standalone
// process so it can answer both the dapp-side request/response flows and
// the notify server's watch channel over a real transport.
type server struct {
	crypto cryptosvc.Service
	kaPub  []byte
	kaPriv []byte
	idPub  ed25519.PublicKey
	idPriv ed25519.PrivateKey

	transport *relay.WSTransport

	mu   sync.Mutex
	subs map[string][]*scopedSub // account -> subs
}

func main() {
	flag.Parse()

	crypto := cryptosvc.X25519ChaCha{}
	idPub, idPriv, err := loadOrGenerateIdentity()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	kaPub, kaPriv, err := loadOrGenerateKeyAgreement(crypto)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	fmt.Printf("identity did:     %s\n", ids.DidKey(idPub))
	fmt.Printf("key agreement pub: %s\n", hex.EncodeToString(kaPub))
	fmt.Println("point NOTIFY_SERVER_IDENTITY_DID and NOTIFY_SERVER_PUBLIC_KEY at these values")

	s := &server{
		crypto: crypto, kaPub: kaPub, kaPriv: kaPriv, idPub: idPub, idPriv: idPriv,
		transport: relay.NewWSTransport(*relayURL),
		subs:      make(map[string][]*scopedSub),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err = s.transport.Connect(ctx); chk.E(err) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer chk.W(s.transport.Disconnect(context.Background()))

	if err = s.transport.Subscribe(ctx, crypto.Topic(kaPub)); chk.E(err) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log.I.F("mocknotifyserver listening on %s", crypto.Topic(kaPub))
	s.run()
}

func loadOrGenerateIdentity() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	if *identityHex == "" {
		pub, priv, err := ed25519.GenerateKey(nil)
		return pub, priv, err
	}
	seed, err := hex.DecodeString(*identityHex)
	if err != nil {
		return nil, nil, fmt.Errorf("mocknotifyserver: -identity-key: %w", err)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return priv.Public().(ed25519.PublicKey), priv, nil
}

func loadOrGenerateKeyAgreement(crypto cryptosvc.Service) (pub, priv []byte, err error) {
	if *kaHex == "" {
		return crypto.GenerateKeypair()
	}
	priv, err = hex.DecodeString(*kaHex)
	if err != nil {
		return nil, nil, fmt.Errorf("mocknotifyserver: -ka-key: %w", err)
	}
	// Derive the public half from the private scalar the same way
	// X25519ChaCha.GenerateKeypair does.
	if pub, err = curve25519.X25519(priv, curve25519.Basepoint); err != nil {
		return nil, nil, fmt.Errorf("mocknotifyserver: -ka-key: %w", err)
	}
	return pub, priv, nil
}

func (s *server) run() {
	for msg := range s.transport.Messages() {
		s.handle(msg)
	}
}

// handle dispatches one inbound envelope. Every request this protocol
// defines except GetHistory/MarkRead (which travel over an established
// subscription's own sym key, not the well-known ka topic) arrives Type-1
// sealed against kaPub; replies travel back Type-0 under the derived
// sym key (spec §4.1, §6).
func (s *server) handle(msg relay.InboundMessage) {
	plain, senderPub, err := s.crypto.OpenType1(s.kaPriv, msg.Payload)
	if chk.D(err) {
		return
	}
	symKey, err := s.crypto.SharedKey(s.kaPriv, senderPub)
	if chk.D(err) {
		return
	}
	clientDid, act, ok := peekClaims(plain)
	if !ok {
		return
	}
	clientSigner, err := ids.ParseDidKey(clientDid)
	if chk.D(err) {
		return
	}

	responseTopic := s.crypto.Topic(symKey)
	ctx := context.Background()
	chk.W(s.transport.Subscribe(ctx, responseTopic))

	switch act {
	case jwtauth.ActSubscriptionRequest:
		s.handleSubscribe(ctx, plain, clientSigner, responseTopic, symKey)
	case jwtauth.ActUpdateRequest:
		s.handleUpdate(ctx, plain, clientSigner, responseTopic, symKey)
	case jwtauth.ActDeleteRequest:
		s.handleDelete(ctx, plain, clientSigner, responseTopic, symKey)
	case jwtauth.ActWatchSubscriptionsRequest:
		s.handleWatch(ctx, plain, clientSigner, responseTopic, symKey)
	default:
		log.D.F("mocknotifyserver: unhandled act %q", act)
	}
}

// peekClaims extracts iss/act from an unverified parse, the same
// trust-nothing-until-Decode pattern dispatch.go's peekAct uses in the
// engine proper.
func peekClaims(token []byte) (iss string, act jwtauth.Act, ok bool) {
	parser := jwt.NewParser()
	mc := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(string(token), mc); err != nil {
		return "", "", false
	}
	iss, _ = mc["iss"].(string)
	a, _ := mc["act"].(string)
	if iss == "" || a == "" {
		return "", "", false
	}
	return iss, jwtauth.Act(a), true
}

func (s *server) handleSubscribe(
	ctx context.Context, plain []byte, clientSigner ed25519.PublicKey, responseTopic string, symKey []byte,
) {
	var claims jwtauth.SubscriptionRequestClaims
	if chk.D(jwtauth.Decode(string(plain), clientSigner, jwtauth.ActSubscriptionRequest, &claims)) {
		return
	}
	account := stripDidPKH(claims.Sub)
	appDomain := stripDidWeb(claims.App)

	s.mu.Lock()
	s.subs[account] = append(s.subs[account], &scopedSub{
		account: account, appDomain: appDomain, symKey: symKey,
		expiry: claims.Exp, scope: claims.Scp,
	})
	sbs := s.sbsFor(account)
	s.mu.Unlock()

	resp := jwtauth.SubscriptionResponseClaims{Sbs: sbs}
	resp.Iat, resp.Exp, resp.Iss, resp.Aud, resp.Act = claims.Iat, claims.Iat+300, claims.Aud, claims.Iss, jwtauth.ActSubscriptionResponse
	s.reply(ctx, responseTopic, symKey, &resp)
}

func (s *server) handleUpdate(
	ctx context.Context, plain []byte, clientSigner ed25519.PublicKey, responseTopic string, symKey []byte,
) {
	var claims jwtauth.UpdateRequestClaims
	if chk.D(jwtauth.Decode(string(plain), clientSigner, jwtauth.ActUpdateRequest, &claims)) {
		return
	}
	account := stripDidPKH(claims.Sub)

	s.mu.Lock()
	for _, sub := range s.subs[account] {
		if s.crypto.Topic(sub.symKey) == s.crypto.Topic(symKey) {
			sub.scope = claims.Scp
		}
	}
	sbs := s.sbsFor(account)
	s.mu.Unlock()

	resp := jwtauth.UpdateResponseClaims{Sbs: sbs}
	resp.Iat, resp.Exp, resp.Iss, resp.Aud, resp.Act = claims.Iat, claims.Iat+300, claims.Aud, claims.Iss, jwtauth.ActUpdateResponse
	s.reply(ctx, responseTopic, symKey, &resp)
}

func (s *server) handleDelete(
	ctx context.Context, plain []byte, clientSigner ed25519.PublicKey, responseTopic string, symKey []byte,
) {
	var claims jwtauth.DeleteRequestClaims
	if chk.D(jwtauth.Decode(string(plain), clientSigner, jwtauth.ActDeleteRequest, &claims)) {
		return
	}
	account := stripDidPKH(claims.Sub)

	s.mu.Lock()
	kept := s.subs[account][:0]
	for _, sub := range s.subs[account] {
		if s.crypto.Topic(sub.symKey) != s.crypto.Topic(symKey) {
			kept = append(kept, sub)
		}
	}
	s.subs[account] = kept
	sbs := s.sbsFor(account)
	s.mu.Unlock()

	resp := jwtauth.DeleteResponseClaims{Sbs: sbs}
	resp.Iat, resp.Exp, resp.Iss, resp.Aud, resp.Act = claims.Iat, claims.Iat+300, claims.Aud, claims.Iss, jwtauth.ActDeleteResponse
	s.reply(ctx, responseTopic, symKey, &resp)
}

func (s *server) handleWatch(
	ctx context.Context, plain []byte, clientSigner ed25519.PublicKey, responseTopic string, symKey []byte,
) {
	var claims jwtauth.WatchSubscriptionsRequestClaims
	if chk.D(jwtauth.Decode(string(plain), clientSigner, jwtauth.ActWatchSubscriptionsRequest, &claims)) {
		return
	}
	account := stripDidPKH(claims.Sub)

	s.mu.Lock()
	sbs := s.sbsFor(account)
	s.mu.Unlock()

	resp := jwtauth.WatchSubscriptionsResponseClaims{Sbs: sbs}
	resp.Iat, resp.Exp, resp.Iss, resp.Aud, resp.Act = claims.Iat, claims.Iat+300, claims.Aud, claims.Iss, jwtauth.ActWatchSubscriptionsResponse
	s.reply(ctx, responseTopic, symKey, &resp)
}

// sbsFor must be called with s.mu held.
func (s *server) sbsFor(account string) []jwtauth.ScopedSub {
	out := make([]jwtauth.ScopedSub, 0, len(s.subs[account]))
	for _, sub := range s.subs[account] {
		out = append(out, jwtauth.ScopedSub{
			Account: account, AppDomain: sub.appDomain,
			SymKey: hex.EncodeToString(sub.symKey), Expiry: sub.expiry, Scope: sub.scope,
		})
	}
	return out
}

func (s *server) reply(ctx context.Context, topic string, symKey []byte, claims jwt.Claims) {
	token, err := jwtauth.Sign(claims, s.idPriv)
	if chk.E(err) {
		return
	}
	envelope, err := s.crypto.SealType0(symKey, []byte(token))
	if chk.E(err) {
		return
	}
	if _, err = s.transport.Publish(ctx, topic, envelope, relay.PublishOptions{TTLSeconds: 300, Tag: 4010}); chk.E(err) {
		log.W.F("mocknotifyserver: publish reply: %v", err)
	}
}

func stripDidPKH(sub string) string {
	const prefix = "did:pkh:"
	if len(sub) > len(prefix) && sub[:len(prefix)] == prefix {
		return sub[len(prefix):]
	}
	return sub
}

func stripDidWeb(aud string) string {
	const prefix = "did:web:"
	if len(aud) > len(prefix) && aud[:len(prefix)] == prefix {
		return aud[len(prefix):]
	}
	return aud
}
