package engine

import (
	"context"
	"crypto/ed25519"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"notify.dev/pkg/notify/cryptosvc"
	"notify.dev/pkg/notify/events"
	"notify.dev/pkg/notify/ids"
	"notify.dev/pkg/notify/jwtauth"
	"notify.dev/pkg/notify/relay"
	"notify.dev/pkg/notify/store"
	"notify.dev/pkg/telemetry/chk"
	"notify.dev/pkg/telemetry/log"
)

// peekAct decodes a compact JWS without verifying its signature, solely to
// classify the message (spec §4.1 "Inbound dispatch"); every downstream
// handler re-decodes with jwtauth.Decode, which does verify.
func peekAct(token string) (jwtauth.Act, error) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	act, _ := claims["act"].(string)
	if act == "" {
		return "", fmt.Errorf("%w: missing act claim", ErrInvalidToken)
	}
	return jwtauth.Act(act), nil
}

// openType0 decrypts a Type-0 envelope, the framing every subscription-topic
// message (requests and responses alike) uses once a shared key is
// installed (spec §6 "Envelope").
func openType0(crypto cryptosvc.Service, symKey, payload []byte) (string, error) {
	if len(payload) == 0 {
		return "", fmt.Errorf("%w: empty envelope", ErrInvalidToken)
	}
	if cryptosvc.EnvelopeType(payload[0]) != cryptosvc.Type0 {
		return "", fmt.Errorf("%w: expected type-0 envelope, got type %d", ErrInvalidToken, payload[0])
	}
	plain, err := crypto.OpenType0(symKey, payload)
	if chk.E(err) {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return string(plain), nil
}

// handleInbound classifies and routes one relay message; it always runs on
// the single command-loop goroutine (called only from run()).
func (e *Engine) handleInbound(ctx context.Context, msg relay.InboundMessage) {
	// Correlation is by topic, not relay request id: every outbound
	// operation subscribes a topic dedicated to its response before
	// publishing the request (spec §3 PendingRequest), so the response
	// topic alone identifies which pendingRequest it answers.
	if pr, ok := e.pending.LoadAndDelete(msg.Topic); ok {
		e.handleResponse(ctx, msg, pr)
		return
	}
	e.handleSubscriptionTopicRequest(ctx, msg)
}

// handleResponse decrypts and verifies a correlated response using the key
// material the originating operation stashed on the pendingRequest (spec §3
// PendingRequest).
func (e *Engine) handleResponse(ctx context.Context, msg relay.InboundMessage, pr *pendingRequest) {
	token, err := openType0(e.deps.Crypto, pr.TopicKey, msg.Payload)
	if err != nil {
		pr.Result <- pendingResult{Err: err}
		return
	}

	act, err := peekAct(token)
	if err != nil {
		pr.Result <- pendingResult{Err: err}
		return
	}
	if act != pr.Act {
		pr.Result <- pendingResult{Err: fmt.Errorf("%w: got %q want %q", ErrActMismatch, act, pr.Act)}
		return
	}

	claims, sbs, sub, err := decodeTypedResponse(act, token, pr.Signer)
	if err != nil {
		pr.Result <- pendingResult{Err: err}
		return
	}
	if sbs != nil {
		if _, rErr := e.reconcile(ctx, stripDidPKH(sub), sbs); chk.E(rErr) {
			pr.Result <- pendingResult{Err: rErr}
			return
		}
	}
	pr.Result <- pendingResult{Claims: claims}
}

// decodeTypedResponse decodes and verifies token against its expected shape,
// returning the sbs slice and subject when the act carries one (spec §4.2).
func decodeTypedResponse(act jwtauth.Act, token string, signer ed25519.PublicKey) (
	claims any, sbs []jwtauth.ScopedSub, sub string, err error,
) {
	switch act {
	case jwtauth.ActSubscriptionResponse:
		var c jwtauth.SubscriptionResponseClaims
		if err = jwtauth.Decode(token, signer, act, &c); err != nil {
			return nil, nil, "", err
		}
		return c, c.Sbs, c.Sub, nil
	case jwtauth.ActUpdateResponse:
		var c jwtauth.UpdateResponseClaims
		if err = jwtauth.Decode(token, signer, act, &c); err != nil {
			return nil, nil, "", err
		}
		return c, c.Sbs, c.Sub, nil
	case jwtauth.ActDeleteResponse:
		var c jwtauth.DeleteResponseClaims
		if err = jwtauth.Decode(token, signer, act, &c); err != nil {
			return nil, nil, "", err
		}
		return c, c.Sbs, c.Sub, nil
	case jwtauth.ActWatchSubscriptionsResponse:
		var c jwtauth.WatchSubscriptionsResponseClaims
		if err = jwtauth.Decode(token, signer, act, &c); err != nil {
			return nil, nil, "", err
		}
		return c, c.Sbs, c.Sub, nil
	case jwtauth.ActGetNotificationsResponse:
		var c jwtauth.GetNotificationsResponseClaims
		if err = jwtauth.Decode(token, signer, act, &c); err != nil {
			return nil, nil, "", err
		}
		return c, nil, "", nil
	case jwtauth.ActMarkNotificationsReadResp:
		var c jwtauth.MarkNotificationsReadResponseClaims
		if err = jwtauth.Decode(token, signer, act, &c); err != nil {
			return nil, nil, "", err
		}
		return c, nil, "", nil
	default:
		return nil, nil, "", fmt.Errorf("%w: unexpected response act %q", ErrActMismatch, act)
	}
}

// handleSubscriptionTopicRequest handles a server-originated JSON-RPC
// request arriving on an already-established subscription topic:
// notify_message or notify_subscriptions_changed (spec §4.1 "Inbound
// dispatch"). Such a request is never on a response topic, so the
// subscription's own installed key always decrypts it.
func (e *Engine) handleSubscriptionTopicRequest(ctx context.Context, msg relay.InboundMessage) {
	sub, ok, err := e.deps.Subs.Get(ctx, msg.Topic)
	if chk.E(err) || !ok {
		log.D.F("engine: dropping request on unrecognised topic %s", msg.Topic)
		return
	}
	token, err := openType0(e.deps.Crypto, sub.SymKey, msg.Payload)
	if chk.D(err) {
		return
	}
	act, err := peekAct(token)
	if chk.D(err) {
		return
	}
	switch act {
	case jwtauth.ActMessage:
		e.onNotifyMessageRequest(ctx, sub, token)
	case jwtauth.ActSubscriptionsChanged:
		e.onSubscriptionsChangedRequest(ctx, sub, token)
	default:
		log.D.F("engine: unknown request act %q on topic %s, dropping", act, msg.Topic)
	}
}

// onNotifyMessageRequest implements spec §4.1 "Notification ingestion".
func (e *Engine) onNotifyMessageRequest(ctx context.Context, sub store.Subscription, token string) {
	signer, err := dappSignerFor(sub)
	if chk.W(err) {
		return
	}
	var claims jwtauth.MessageClaims
	if err = jwtauth.Decode(token, signer, jwtauth.ActMessage, &claims); chk.W(err) {
		return
	}

	if err = e.deps.Messages.EnsureBucket(ctx, sub.Topic); chk.E(err) {
		return
	}
	rec := store.MessageRecord{
		ID:    fmt.Sprintf("%s:%d", claims.Msg.ID, claims.Iat),
		Topic: sub.Topic,
		Message: store.NotifyMessage{
			ID: claims.Msg.ID, Title: claims.Msg.Title, Body: claims.Msg.Body,
			Icon: claims.Msg.Icon, URL: claims.Msg.URL, Type: claims.Msg.Type,
		},
		PublishedAt: claims.Iat * 1000,
	}
	inserted, err := e.deps.Messages.Insert(ctx, sub.Topic, rec)
	if chk.E(err) || !inserted {
		return // error, or a duplicate msg.id silently ignored (spec §7)
	}

	sub.UnreadCount++
	chk.W(e.deps.Subs.Upsert(ctx, sub))

	account, err := ids.ParseAccount(sub.Account)
	if chk.E(err) {
		return
	}
	identityPub, err := e.identityFor(ctx, sub.Account)
	if chk.W(err) {
		return
	}
	now := nowSeconds(e.deps.Clock)
	respClaims := jwtauth.NewMessageResponseClaims(
		ids.DidKey(identityPub), sub.AppAuthenticationKey, e.deps.KeyserverURL, now, 300,
	)
	tok, err := e.deps.Identity.GenerateIDAuth(ctx, account, &respClaims)
	if chk.E(err) {
		return
	}
	envelope, err := e.deps.Crypto.SealType0(sub.SymKey, []byte(tok))
	if chk.E(err) {
		return
	}
	if _, err = e.deps.Transport.Publish(
		ctx, sub.Topic, envelope, relay.PublishOptions{TTLSeconds: 2592000, Tag: 4003},
	); chk.W(err) {
	}

	e.bus.Emit(events.Event{Kind: events.KindMessage, Data: rec})
}

func (e *Engine) onSubscriptionsChangedRequest(ctx context.Context, sub store.Subscription, token string) {
	signer, err := dappSignerFor(sub)
	if chk.W(err) {
		return
	}
	var claims jwtauth.SubscriptionsChangedClaims
	if err = jwtauth.Decode(token, signer, jwtauth.ActSubscriptionsChanged, &claims); chk.W(err) {
		return
	}
	if _, err = e.reconcile(ctx, stripDidPKH(claims.Sub), claims.Sbs); chk.E(err) {
	}
}

// stripDidPKH strips the "did:pkh:" prefix the JWT `sub` claim carries
// (spec §4.2: "sub = claims.sub parsed as CAIP-10"), since the store keys
// Subscription.Account by the plain CAIP-10 form.
func stripDidPKH(sub string) string {
	const prefix = "did:pkh:"
	if len(sub) > len(prefix) && sub[:len(prefix)] == prefix {
		return sub[len(prefix):]
	}
	return sub
}

func dappSignerFor(sub store.Subscription) (ed25519.PublicKey, error) {
	if sub.AppAuthenticationKey == "" {
		return nil, fmt.Errorf("%w: subscription has no cached dapp auth key", ErrKeysUnavailable)
	}
	return decodeDidKeySigner(sub.AppAuthenticationKey)
}

func decodeDidKeySigner(did string) (ed25519.PublicKey, error) {
	pub, err := ids.ParseDidKey(did)
	if chk.E(err) {
		return nil, fmt.Errorf("%w: %v", ErrKeysUnavailable, err)
	}
	return pub, nil
}

// onConnect implements the watch reconnect policy (spec §4.1 "Watch
// reconnect policy"). It runs on the single command-loop goroutine.
func (e *Engine) onConnect() {
	// The reconnect-policy arithmetic and store lookup run serialized on the
	// command loop; issueWatch's blocking request/response round trip runs
	// on this (the Connect caller's) goroutine instead, since run() must stay
	// free to deliver the correlated response (see runSync doc).
	var toWatch *store.WatchedAccount
	chk.W(e.runSync(context.Background(), func(ctx context.Context) error {
		now := e.deps.Clock.Now().UnixMilli()
		lastDisconnect := e.lastDisconnectAtMs.Load()
		lastWatch := e.lastWatchIssuedAtMs.Load()

		needsRewatch := false
		if lastDisconnect != 0 {
			offline := now - lastDisconnect
			if offline+30_000 >= 5*60_000 {
				needsRewatch = true
			}
		}
		if lastWatch != 0 {
			online := now - lastWatch
			if online+30*60_000 >= 24*60*60_000 {
				needsRewatch = true
			}
		}
		e.lastDisconnectAtMs.Store(0)

		if !needsRewatch {
			return nil
		}
		wa, ok, err := e.deps.Watch.LastWatched(ctx)
		if chk.E(err) || !ok {
			return nil
		}
		toWatch = &wa
		return nil
	}))
	if toWatch == nil {
		return
	}
	if err := e.issueWatch(context.Background(), *toWatch); chk.W(err) {
		e.lastErr.Store(err)
	}
}

func (e *Engine) onDisconnect() {
	if e.lastDisconnectAtMs.Load() == 0 {
		e.lastDisconnectAtMs.Store(e.deps.Clock.Now().UnixMilli())
	}
}

func nowSeconds(c Clock) int64 { return c.Now().Unix() }
