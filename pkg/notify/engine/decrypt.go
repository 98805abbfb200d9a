package engine

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"notify.dev/pkg/notify/jwtauth"
	"notify.dev/pkg/notify/store"
	"notify.dev/pkg/telemetry/chk"
)

// DecryptMessage implements the decrypt_message operation (spec §2, §8
// scenario 1): open a Type-0 envelope under symKey and return the inner
// notify_message payload. Unlike every other operation in this package it
// is a pure function of (topic, symKey, envelope) — it never consults the
// subscription store, since its real use is decoding a push notification
// payload the OS handed the app before a Subscription for that topic is
// necessarily known locally yet.
//
// The inner JWT's signature is not verified: a background push handler has
// no subscription record to source a dapp authentication key from, and the
// envelope having opened under the subscription's own symKey is the only
// authentication decrypt_message is positioned to check.
func (e *Engine) DecryptMessage(ctx context.Context, topic string, symKey, envelope []byte) (store.NotifyMessage, error) {
	if err := e.requireInitialized(); err != nil {
		return store.NotifyMessage{}, err
	}
	if got := e.deps.Crypto.Topic(symKey); got != topic {
		return store.NotifyMessage{}, fmt.Errorf("%w: topic %s does not match sha256(symKey) %s", ErrInvalidToken, topic, got)
	}
	token, err := openType0(e.deps.Crypto, symKey, envelope)
	if chk.E(err) {
		return store.NotifyMessage{}, err
	}
	claims, err := decodeMessageClaimsUnverified(token)
	if chk.E(err) {
		return store.NotifyMessage{}, err
	}
	return store.NotifyMessage{
		ID:    claims.Msg.ID,
		Title: claims.Msg.Title,
		Body:  claims.Msg.Body,
		Icon:  claims.Msg.Icon,
		URL:   claims.Msg.URL,
		Type:  claims.Msg.Type,
	}, nil
}

// decodeMessageClaimsUnverified parses a compact JWS's claims into
// jwtauth.MessageClaims without verifying its signature, mirroring peekAct's
// unverified parse but returning the full claim set instead of only act.
func decodeMessageClaimsUnverified(token string) (jwtauth.MessageClaims, error) {
	var claims jwtauth.MessageClaims
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, &claims); err != nil {
		return jwtauth.MessageClaims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Act != jwtauth.ActMessage {
		return jwtauth.MessageClaims{}, fmt.Errorf("%w: expected %q, got %q", ErrActMismatch, jwtauth.ActMessage, claims.Act)
	}
	return claims, nil
}
