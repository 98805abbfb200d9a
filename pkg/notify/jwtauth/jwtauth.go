package jwtauth

import (
	"crypto/ed25519"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"notify.dev/pkg/notify/ids"
	"notify.dev/pkg/telemetry/chk"
)

// Sign serializes claims as a compact JWS using EdDSA over identityPriv.
// identityPriv must be a full 64-byte ed25519 private key, matching the
// teacher's preference for passing the whole keypair rather than a seed
// (pkg/protocol/nwc.Client holds *secp256k1.PrivateKey the same way).
func Sign(claims jwt.Claims, identityPriv ed25519.PrivateKey) (token string, err error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	if token, err = tok.SignedString(identityPriv); chk.E(err) {
		return "", fmt.Errorf("jwtauth: sign: %w", err)
	}
	return token, nil
}

// Decode parses and verifies a compact JWS against signerPub, unmarshals its
// claims into dst (a pointer to one of the claim types in claims.go), and
// checks that the decoded act matches want.
//
// This is the decode_and_validate(jwt, expected_act) routine (spec §4.3).
func Decode(token string, signerPub ed25519.PublicKey, want Act, dst jwt.Claims) error {
	parsed, err := jwt.ParseWithClaims(token, dst, func(*jwt.Token) (any, error) {
		return signerPub, nil
	}, jwt.WithValidMethods([]string{"EdDSA"}))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return fmt.Errorf("%w: signature/claims rejected", ErrInvalidToken)
	}
	got, err := actOf(dst)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return checkAct(got, want)
}

// actOf extracts the act field without requiring every claim type to
// implement an interface solely for this purpose — a small type switch
// mirrors the teacher's method-table dispatch in pkg/protocol/nwc/methods.go.
func actOf(c jwt.Claims) (Act, error) {
	switch v := c.(type) {
	case *SubscriptionRequestClaims:
		return v.Act, nil
	case *SubscriptionResponseClaims:
		return v.Act, nil
	case *UpdateRequestClaims:
		return v.Act, nil
	case *UpdateResponseClaims:
		return v.Act, nil
	case *DeleteRequestClaims:
		return v.Act, nil
	case *DeleteResponseClaims:
		return v.Act, nil
	case *WatchSubscriptionsRequestClaims:
		return v.Act, nil
	case *WatchSubscriptionsResponseClaims:
		return v.Act, nil
	case *SubscriptionsChangedClaims:
		return v.Act, nil
	case *MessageClaims:
		return v.Act, nil
	case *MessageResponseClaims:
		return v.Act, nil
	case *GetNotificationsRequestClaims:
		return v.Act, nil
	case *GetNotificationsResponseClaims:
		return v.Act, nil
	case *MarkNotificationsReadRequestClaims:
		return v.Act, nil
	case *MarkNotificationsReadResponseClaims:
		return v.Act, nil
	default:
		return "", fmt.Errorf("jwtauth: unrecognised claims type %T", c)
	}
}

// Builder composes request claim sets for a single identity keypair,
// mirroring the teacher's client-holds-its-own-signing-key shape
// (pkg/protocol/nwc/client.go's Client.conversationKey usage alongside its
// secp256k1 private key field).
type Builder struct {
	IdentityPub  ed25519.PublicKey
	IdentityPriv ed25519.PrivateKey
	KeyserverURL string
}

// NewSubscriptionRequest builds and signs a notify_subscription JWT.
func (b Builder) NewSubscriptionRequest(
	account ids.Account, appDomain, dappAuthKeyDid, scope string, iat, ttl int64,
) (string, error) {
	claims := SubscriptionRequestClaims{
		baseClaims: newBase(
			ids.DidKey(b.IdentityPub), dappAuthKeyDid, account.DidPKH(),
			b.KeyserverURL, ids.DidWeb(appDomain), ActSubscriptionRequest, iat, ttl,
		),
		Scp: scope,
	}
	return Sign(&claims, b.IdentityPriv)
}

// NewUpdateRequest builds and signs a notify_update JWT.
func (b Builder) NewUpdateRequest(
	account ids.Account, appDomain, dappAuthKeyDid, scope string, iat, ttl int64,
) (string, error) {
	claims := UpdateRequestClaims{
		baseClaims: newBase(
			ids.DidKey(b.IdentityPub), dappAuthKeyDid, account.DidPKH(),
			b.KeyserverURL, ids.DidWeb(appDomain), ActUpdateRequest, iat, ttl,
		),
		Scp: scope,
	}
	return Sign(&claims, b.IdentityPriv)
}

// NewDeleteRequest builds and signs a notify_delete JWT.
func (b Builder) NewDeleteRequest(
	account ids.Account, appDomain, dappAuthKeyDid string, iat, ttl int64,
) (string, error) {
	claims := DeleteRequestClaims{
		baseClaims: newBase(
			ids.DidKey(b.IdentityPub), dappAuthKeyDid, account.DidPKH(),
			b.KeyserverURL, ids.DidWeb(appDomain), ActDeleteRequest, iat, ttl,
		),
	}
	return Sign(&claims, b.IdentityPriv)
}

// NewWatchSubscriptionsRequest builds and signs a notify_watch_subscriptions
// JWT. app is empty for an all-apps watch (spec §4.1 step 5: "app =
// did:web:<domain> or null for all apps").
func (b Builder) NewWatchSubscriptionsRequest(
	account ids.Account, app, notifyIdentityKeyDid string, iat, ttl int64,
) (string, error) {
	claims := WatchSubscriptionsRequestClaims{
		baseClaims: newBase(
			ids.DidKey(b.IdentityPub), notifyIdentityKeyDid, account.DidPKH(),
			b.KeyserverURL, app, ActWatchSubscriptionsRequest, iat, ttl,
		),
	}
	return Sign(&claims, b.IdentityPriv)
}

// NewMessageResponse builds and signs a notify_message_response JWT,
// acknowledging an inbound MessageClaims delivery.
func (b Builder) NewMessageResponse(dappAuthKeyDid string, iat, ttl int64) (string, error) {
	claims := MessageResponseClaims{
		baseClaims: newBase(
			ids.DidKey(b.IdentityPub), dappAuthKeyDid, "",
			b.KeyserverURL, "", ActMessageResponse, iat, ttl,
		),
	}
	return Sign(&claims, b.IdentityPriv)
}

// NewGetNotificationsRequest builds and signs a notify_get_notifications JWT.
func (b Builder) NewGetNotificationsRequest(
	account ids.Account, appDomain, dappAuthKeyDid string, limit int, after string, iat, ttl int64,
) (string, error) {
	claims := GetNotificationsRequestClaims{
		baseClaims: newBase(
			ids.DidKey(b.IdentityPub), dappAuthKeyDid, account.DidPKH(),
			b.KeyserverURL, ids.DidWeb(appDomain), ActGetNotificationsRequest, iat, ttl,
		),
		Limit: limit,
		After: after,
	}
	return Sign(&claims, b.IdentityPriv)
}

// NewMarkNotificationsReadRequest builds and signs a
// notify_mark_notifications_as_read JWT.
func (b Builder) NewMarkNotificationsReadRequest(
	account ids.Account, appDomain, dappAuthKeyDid string, ids_ []string, all bool, iat, ttl int64,
) (string, error) {
	claims := MarkNotificationsReadRequestClaims{
		baseClaims: newBase(
			ids.DidKey(b.IdentityPub), dappAuthKeyDid, account.DidPKH(),
			b.KeyserverURL, ids.DidWeb(appDomain), ActMarkNotificationsReadRequest, iat, ttl,
		),
		IDs:       ids_,
		AllNotifs: all,
	}
	return Sign(&claims, b.IdentityPriv)
}
