package engine

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"time"

	"notify.dev/pkg/notify/ids"
	"notify.dev/pkg/notify/jwtauth"
	"notify.dev/pkg/notify/relay"
	"notify.dev/pkg/notify/store"
	"notify.dev/pkg/telemetry/chk"
)

// defaultRequestTimeout bounds every outbound request/response round trip
// (spec §4.1: "a pending request that never receives a matching response
// times out after 5 minutes").
const defaultRequestTimeout = 5 * time.Minute

// requestTTLSeconds is the jwt exp horizon and relay message TTL for every
// outbound request whose req.ttl the tag table (spec §6) lists as 300s:
// subscribe, watch, update, get_notifications, mark_read.
const requestTTLSeconds = 300

// deleteRequestTTLSeconds is delete's req.ttl per the spec §6 tag table (30
// days), unlike every other outbound request this module issues.
const deleteRequestTTLSeconds = 30 * 24 * 3600

// awaitResponse implements the outbound operation template's publish/await
// half (spec §4.1): subscribe responseTopic, register pr under it, publish
// envelope to publishTopic, then block for the correlated response
// (delivered by the run() goroutine via handleResponse) or time out.
func (e *Engine) awaitResponse(
	ctx context.Context, publishTopic, responseTopic string, act jwtauth.Act,
	envelope []byte, opts relay.PublishOptions, pr *pendingRequest,
) (any, error) {
	if err := e.deps.Transport.Subscribe(ctx, responseTopic); chk.E(err) {
		return nil, fmt.Errorf("%w: %v", ErrNetworkFailure, err)
	}
	pr.Topic = responseTopic
	pr.Act = act
	pr.Result = make(chan pendingResult, 1)
	e.pending.Store(responseTopic, pr)

	if _, err := e.deps.Transport.Publish(ctx, publishTopic, envelope, opts); chk.E(err) {
		e.pending.Delete(responseTopic)
		return nil, fmt.Errorf("%w: %v", ErrNetworkFailure, err)
	}

	select {
	case res := <-pr.Result:
		return res.Claims, res.Err
	case <-ctx.Done():
		e.pending.Delete(responseTopic)
		return nil, ctx.Err()
	case <-time.After(defaultRequestTimeout):
		e.pending.Delete(responseTopic)
		return nil, ErrTimeout
	}
}

// issueWatch implements spec §4.1 step 5: authorize the watch channel with
// the notify server and install the response topic so subsequent
// notify_subscriptions_changed pushes and the initial response are
// recognised by handleSubscriptionTopicRequest/handleResponse.
func (e *Engine) issueWatch(ctx context.Context, wa store.WatchedAccount) error {
	account, err := ids.ParseAccount(wa.Account)
	if chk.E(err) {
		return fmt.Errorf("%w: %v", ErrStoreFailure, err)
	}
	identityPub, err := e.identityFor(ctx, wa.Account)
	if err != nil {
		return err
	}

	app := ""
	if !wa.AllApps {
		app = ids.DidWeb(wa.AppDomain)
	}
	now := nowSeconds(e.deps.Clock)
	claims := jwtauth.NewWatchSubscriptionsRequestClaims(
		ids.DidKey(identityPub), e.deps.NotifyServerIdentityDid, account.DidPKH(),
		e.deps.KeyserverURL, app, now, requestTTLSeconds,
	)
	token, err := e.deps.Identity.GenerateIDAuth(ctx, account, &claims)
	if chk.E(err) {
		return err
	}
	envelope, _, symKey, err := e.deps.Crypto.SealType1(wa.PrivKeyY, e.deps.NotifyServerPublicKey, []byte(token))
	if chk.E(err) {
		return fmt.Errorf("%w: %v", ErrKeysUnavailable, err)
	}
	responseTopic := e.deps.Crypto.Topic(symKey)

	publishTopic := e.deps.Crypto.Topic(e.deps.NotifyServerPublicKey)
	if _, err = e.awaitResponse(
		ctx, publishTopic, responseTopic, jwtauth.ActWatchSubscriptionsResponse,
		envelope, relay.PublishOptions{TTLSeconds: requestTTLSeconds, Tag: 4010},
		&pendingRequest{TopicKey: symKey, Signer: mustDecodeSigner(e.deps.NotifyServerIdentityDid)},
	); err != nil {
		return err
	}

	wa.ResTopic = responseTopic
	wa.LastWatched = true
	if err = e.deps.Watch.Put(ctx, wa); chk.E(err) {
		return fmt.Errorf("%w: %v", ErrStoreFailure, err)
	}
	e.lastWatchIssuedAtMs.Store(e.deps.Clock.Now().UnixMilli())
	e.hasFinishedInitialLoad.Store(true)
	return nil
}

func mustDecodeSigner(did string) ed25519.PublicKey {
	pub, err := decodeDidKeySigner(did)
	if chk.W(err) {
		return nil
	}
	return pub
}

// Watch opens (or re-opens) the watch channel for account, generating a
// fresh ephemeral key pair and delegating to issueWatch. A caller that
// already has one running (e.g. from Init's startup rewatch) does not need
// to call this directly; it exists for establishing the channel the first
// time or pointing it at a different appDomain (spec §4.1 "watch").
func (e *Engine) Watch(ctx context.Context, account ids.Account, appDomain string, allApps bool) error {
	if err := e.requireInitialized(); err != nil {
		return err
	}
	pub, priv, err := e.deps.Crypto.GenerateKeypair()
	if chk.E(err) {
		return fmt.Errorf("%w: %v", ErrKeysUnavailable, err)
	}
	return e.issueWatch(ctx, store.WatchedAccount{
		Account: account.String(), AppDomain: appDomain, AllApps: allApps,
		PubKeyY: pub, PrivKeyY: priv,
	})
}

// Subscribe implements spec §4.1 "subscribe": resolve the dapp's published
// keys, authorize a fresh subscription with a one-shot ephemeral keypair,
// and return the reconciled subscription list once the dapp replies.
func (e *Engine) Subscribe(ctx context.Context, account ids.Account, appDomain, scope string) ([]store.Subscription, error) {
	if err := e.requireInitialized(); err != nil {
		return nil, err
	}
	identityPub, err := e.identityFor(ctx, account.String())
	if err != nil {
		return nil, err
	}
	keys, err := e.resolveDappKeys(ctx, appDomain)
	if err != nil {
		return nil, err
	}

	_, ephPriv, err := e.deps.Crypto.GenerateKeypair()
	if chk.E(err) {
		return nil, fmt.Errorf("%w: %v", ErrKeysUnavailable, err)
	}

	now := nowSeconds(e.deps.Clock)
	claims := jwtauth.NewSubscriptionRequestClaims(
		ids.DidKey(identityPub), keys.DappIdentityDid, account.DidPKH(),
		e.deps.KeyserverURL, ids.DidWeb(appDomain), scope, now, requestTTLSeconds,
	)
	token, err := e.deps.Identity.GenerateIDAuth(ctx, account, &claims)
	if chk.E(err) {
		return nil, err
	}
	envelope, _, symKey, err := e.deps.Crypto.SealType1(ephPriv, keys.DappPublicKey, []byte(token))
	if chk.E(err) {
		return nil, fmt.Errorf("%w: %v", ErrKeysUnavailable, err)
	}
	responseTopic := e.deps.Crypto.Topic(symKey)
	signer, err := decodeDidKeySigner(keys.DappIdentityDid)
	if chk.E(err) {
		return nil, err
	}

	publishTopic := e.deps.Crypto.Topic(keys.DappPublicKey)
	if _, err = e.awaitResponse(
		ctx, publishTopic, responseTopic, jwtauth.ActSubscriptionResponse,
		envelope, relay.PublishOptions{TTLSeconds: requestTTLSeconds, Tag: 4000},
		&pendingRequest{TopicKey: symKey, Signer: signer},
	); err != nil {
		return nil, err
	}
	return e.deps.Subs.ListByAccount(ctx, account.String())
}

// Update implements spec §4.1 "update": reuses the already-installed
// subscription topic rather than a fresh response topic, since the scope
// update travels over the established symmetric key.
func (e *Engine) Update(ctx context.Context, account ids.Account, topic, scope string) ([]store.Subscription, error) {
	if err := e.requireInitialized(); err != nil {
		return nil, err
	}
	sub, ok, err := e.deps.Subs.Get(ctx, topic)
	if chk.E(err) || !ok {
		return nil, ErrSubscriptionMissing
	}
	identityPub, err := e.identityFor(ctx, account.String())
	if err != nil {
		return nil, err
	}
	now := nowSeconds(e.deps.Clock)
	claims := jwtauth.NewUpdateRequestClaims(
		ids.DidKey(identityPub), sub.AppAuthenticationKey, account.DidPKH(),
		e.deps.KeyserverURL, ids.DidWeb(sub.AppDomain), scope, now, requestTTLSeconds,
	)
	token, err := e.deps.Identity.GenerateIDAuth(ctx, account, &claims)
	if chk.E(err) {
		return nil, err
	}
	return e.requestOverSubscription(ctx, sub, jwtauth.ActUpdateResponse, token, 4008, requestTTLSeconds)
}

// DeleteSubscription implements spec §4.1 "delete".
func (e *Engine) DeleteSubscription(ctx context.Context, account ids.Account, topic string) error {
	if err := e.requireInitialized(); err != nil {
		return err
	}
	sub, ok, err := e.deps.Subs.Get(ctx, topic)
	if chk.E(err) || !ok {
		return ErrSubscriptionMissing
	}
	identityPub, err := e.identityFor(ctx, account.String())
	if err != nil {
		return err
	}
	now := nowSeconds(e.deps.Clock)
	claims := jwtauth.NewDeleteRequestClaims(
		ids.DidKey(identityPub), sub.AppAuthenticationKey, account.DidPKH(),
		e.deps.KeyserverURL, ids.DidWeb(sub.AppDomain), now, deleteRequestTTLSeconds,
	)
	token, err := e.deps.Identity.GenerateIDAuth(ctx, account, &claims)
	if chk.E(err) {
		return err
	}
	_, err = e.requestOverSubscription(ctx, sub, jwtauth.ActDeleteResponse, token, 4004, deleteRequestTTLSeconds)
	return err
}

// requestOverSubscription sends a Type-0 request on sub's own topic and
// awaits the reply on that same topic — update/delete/mark_read/
// get_history all reuse the installed symmetric key rather than a fresh
// response topic, unlike subscribe/watch (spec §4.1). ttl must match the
// method's req.ttl from the spec §6 tag table; it is not always
// requestTTLSeconds (delete's is 30 days).
func (e *Engine) requestOverSubscription(
	ctx context.Context, sub store.Subscription, respAct jwtauth.Act, token string, tag int, ttl int64,
) ([]store.Subscription, error) {
	envelope, err := e.deps.Crypto.SealType0(sub.SymKey, []byte(token))
	if chk.E(err) {
		return nil, fmt.Errorf("%w: %v", ErrKeysUnavailable, err)
	}
	signer, err := dappSignerFor(sub)
	if chk.E(err) {
		return nil, err
	}
	if _, err = e.awaitResponse(
		ctx, sub.Topic, sub.Topic, respAct, envelope,
		relay.PublishOptions{TTLSeconds: ttl, Tag: tag},
		&pendingRequest{TopicKey: sub.SymKey, Signer: signer},
	); err != nil {
		return nil, err
	}
	return e.deps.Subs.ListByAccount(ctx, sub.Account)
}

// MarkRead implements spec §4.1 "mark_read": authorizes the mark-read
// request with the dapp, then applies the acknowledged ids locally.
func (e *Engine) MarkRead(ctx context.Context, account ids.Account, topic string, notificationIDs []string, all bool) error {
	if err := e.requireInitialized(); err != nil {
		return err
	}
	sub, ok, err := e.deps.Subs.Get(ctx, topic)
	if chk.E(err) || !ok {
		return ErrSubscriptionMissing
	}
	identityPub, err := e.identityFor(ctx, account.String())
	if err != nil {
		return err
	}
	now := nowSeconds(e.deps.Clock)
	claims := jwtauth.NewMarkNotificationsReadRequestClaims(
		ids.DidKey(identityPub), sub.AppAuthenticationKey, account.DidPKH(),
		e.deps.KeyserverURL, ids.DidWeb(sub.AppDomain), notificationIDs, all, now, requestTTLSeconds,
	)
	token, err := e.deps.Identity.GenerateIDAuth(ctx, account, &claims)
	if chk.E(err) {
		return err
	}
	envelope, err := e.deps.Crypto.SealType0(sub.SymKey, []byte(token))
	if chk.E(err) {
		return fmt.Errorf("%w: %v", ErrKeysUnavailable, err)
	}
	signer, err := dappSignerFor(sub)
	if chk.E(err) {
		return err
	}
	if _, err = e.awaitResponse(
		ctx, sub.Topic, sub.Topic, jwtauth.ActMarkNotificationsReadResp, envelope,
		relay.PublishOptions{TTLSeconds: requestTTLSeconds, Tag: 4020},
		&pendingRequest{TopicKey: sub.SymKey, Signer: signer},
	); err != nil {
		return err
	}
	return e.deps.Messages.MarkRead(ctx, topic, notificationIDs, all)
}

// GetHistory implements spec §4.1 "get_history": requests a page from the
// dapp, stores whatever it returns (deduplicated by message id), then
// serves the page back out of the local store so repeated calls are
// idempotent even across a dropped response.
func (e *Engine) GetHistory(
	ctx context.Context, account ids.Account, topic string, limit int, after string, unreadFirst bool,
) ([]store.MessageRecord, bool, error) {
	if err := e.requireInitialized(); err != nil {
		return nil, false, err
	}
	sub, ok, err := e.deps.Subs.Get(ctx, topic)
	if chk.E(err) || !ok {
		return nil, false, ErrSubscriptionMissing
	}
	identityPub, err := e.identityFor(ctx, account.String())
	if err != nil {
		return nil, false, err
	}
	now := nowSeconds(e.deps.Clock)
	claims := jwtauth.NewGetNotificationsRequestClaims(
		ids.DidKey(identityPub), sub.AppAuthenticationKey, account.DidPKH(),
		e.deps.KeyserverURL, ids.DidWeb(sub.AppDomain), limit, after, unreadFirst, now, requestTTLSeconds,
	)
	token, err := e.deps.Identity.GenerateIDAuth(ctx, account, &claims)
	if chk.E(err) {
		return nil, false, err
	}
	envelope, err := e.deps.Crypto.SealType0(sub.SymKey, []byte(token))
	if chk.E(err) {
		return nil, false, fmt.Errorf("%w: %v", ErrKeysUnavailable, err)
	}
	signer, err := dappSignerFor(sub)
	if chk.E(err) {
		return nil, false, err
	}
	resp, err := e.awaitResponse(
		ctx, sub.Topic, sub.Topic, jwtauth.ActGetNotificationsResponse, envelope,
		relay.PublishOptions{TTLSeconds: requestTTLSeconds, Tag: 4014},
		&pendingRequest{TopicKey: sub.SymKey, Signer: signer},
	)
	if err != nil {
		return nil, false, err
	}
	claimsOut, ok := resp.(jwtauth.GetNotificationsResponseClaims)
	if ok {
		if err = e.deps.Messages.EnsureBucket(ctx, topic); chk.E(err) {
			return nil, false, fmt.Errorf("%w: %v", ErrStoreFailure, err)
		}
		for _, n := range claimsOut.Notifications {
			_, insErr := e.deps.Messages.Insert(ctx, topic, store.MessageRecord{
				ID:    fmt.Sprintf("%s:%d", n.ID, now),
				Topic: topic,
				Message: store.NotifyMessage{
					ID: n.ID, Title: n.Title, Body: n.Body, Icon: n.Icon, URL: n.URL, Type: n.Type,
				},
				PublishedAt: now * 1000,
			})
			chk.W(insErr)
		}
	}
	return e.deps.Messages.List(ctx, topic, limit, after)
}
