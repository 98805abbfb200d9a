// Package jwtauth builds and verifies the `act`-tagged JWS claim sets that
// authorize every protocol message, mirroring the teacher's preference for
// typed request/response structs over map[string]any
// (pkg/protocol/nwc/types.go).
package jwtauth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Act tags the purpose of a claim set; every claim struct below sets one.
type Act string

const (
	ActSubscriptionRequest          Act = "notify_subscription"
	ActSubscriptionResponse         Act = "notify_subscription_response"
	ActUpdateRequest                Act = "notify_update"
	ActUpdateResponse               Act = "notify_update_response"
	ActDeleteRequest                Act = "notify_delete"
	ActDeleteResponse               Act = "notify_delete_response"
	ActWatchSubscriptionsRequest    Act = "notify_watch_subscriptions"
	ActWatchSubscriptionsResponse   Act = "notify_watch_subscriptions_response"
	ActSubscriptionsChanged         Act = "notify_subscriptions_changed"
	ActMessage                      Act = "notify_message"
	ActMessageResponse              Act = "notify_message_response"
	ActGetNotificationsRequest      Act = "notify_get_notifications"
	ActGetNotificationsResponse     Act = "notify_get_notifications_response"
	ActMarkNotificationsReadRequest Act = "notify_mark_notifications_as_read"
	ActMarkNotificationsReadResp    Act = "notify_mark_notifications_as_read_response"
)

// ErrActMismatch is returned when a decoded claim set's act does not match
// what the caller expected (spec §7 "ActMismatch").
var ErrActMismatch = errors.New("jwtauth: act mismatch")

// ErrInvalidToken is returned when a JWT fails structural decode or
// signature verification (spec §7 "InvalidToken").
var ErrInvalidToken = errors.New("jwtauth: invalid token")

// ScopedSub, a ScopeEntry accepted by sbs-bearing responses. sym_key and
// expiry are hex/unix-seconds on the wire, matching the relay's JSON
// encoding of the authoritative subscription list.
type ScopedSub struct {
	Account    string `json:"account"`
	AppDomain  string `json:"appDomain"`
	SymKey     string `json:"symKey"`
	Expiry     int64  `json:"expiry"`
	Scope      string `json:"scope"`
}

// baseClaims is embedded by every claim struct; satisfies jwt.Claims.
type baseClaims struct {
	Iat int64  `json:"iat"`
	Exp int64  `json:"exp"`
	Iss string `json:"iss"`
	Aud string `json:"aud"`
	Sub string `json:"sub,omitempty"`
	Ksu string `json:"ksu"`
	App string `json:"app,omitempty"`
	Act Act    `json:"act"`
}

func (c baseClaims) GetExpirationTime() (*jwt.NumericDate, error) {
	return jwt.NewNumericDate(time.Unix(c.Exp, 0)), nil
}
func (c baseClaims) GetIssuedAt() (*jwt.NumericDate, error) {
	return jwt.NewNumericDate(time.Unix(c.Iat, 0)), nil
}
func (c baseClaims) GetNotBefore() (*jwt.NumericDate, error) { return nil, nil }
func (c baseClaims) GetIssuer() (string, error)              { return c.Iss, nil }
func (c baseClaims) GetSubject() (string, error)              { return c.Sub, nil }
func (c baseClaims) GetAudience() (jwt.ClaimStrings, error) {
	return jwt.ClaimStrings{c.Aud}, nil
}

// SubscriptionRequestClaims authorizes a subscribe request (act =
// notify_subscription).
type SubscriptionRequestClaims struct {
	baseClaims
	Scp string `json:"scp"`
}

// SubscriptionResponseClaims carries the authoritative subscription list
// (act = notify_subscription_response).
type SubscriptionResponseClaims struct {
	baseClaims
	Sbs []ScopedSub `json:"sbs"`
}

// UpdateRequestClaims authorizes a scope update (act = notify_update).
type UpdateRequestClaims struct {
	baseClaims
	Scp string `json:"scp"`
}

// UpdateResponseClaims mirrors SubscriptionResponseClaims for updates.
type UpdateResponseClaims struct {
	baseClaims
	Sbs []ScopedSub `json:"sbs"`
}

// DeleteRequestClaims authorizes unsubscribing (act = notify_delete).
type DeleteRequestClaims struct {
	baseClaims
}

// DeleteResponseClaims mirrors SubscriptionResponseClaims for deletes.
type DeleteResponseClaims struct {
	baseClaims
	Sbs []ScopedSub `json:"sbs"`
}

// WatchSubscriptionsRequestClaims authorizes the watch channel (act =
// notify_watch_subscriptions).
type WatchSubscriptionsRequestClaims struct {
	baseClaims
}

// WatchSubscriptionsResponseClaims carries the initial authoritative list.
type WatchSubscriptionsResponseClaims struct {
	baseClaims
	Sbs []ScopedSub `json:"sbs"`
}

// SubscriptionsChangedClaims is server-pushed whenever the authoritative
// list changes out of band (act = notify_subscriptions_changed).
type SubscriptionsChangedClaims struct {
	baseClaims
	Sbs []ScopedSub `json:"sbs"`
}

// NotifyMessage is the inner notification payload carried by
// MessageClaims.Msg.
type NotifyMessage struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Body  string `json:"body"`
	Icon  string `json:"icon,omitempty"`
	URL   string `json:"url,omitempty"`
	Type  string `json:"type"`
}

// MessageClaims carries an inbound notification (act = notify_message).
type MessageClaims struct {
	baseClaims
	Msg NotifyMessage `json:"msg"`
}

// MessageResponseClaims acknowledges a MessageClaims delivery (act =
// notify_message_response).
type MessageResponseClaims struct {
	baseClaims
}

// GetNotificationsRequestClaims requests paginated history (act =
// notify_get_notifications).
type GetNotificationsRequestClaims struct {
	baseClaims
	Limit        int    `json:"limit"`
	After        string `json:"after,omitempty"`
	UnreadFirst  bool   `json:"unreadFirst,omitempty"`
}

// GetNotificationsResponseClaims returns a page of notifications.
type GetNotificationsResponseClaims struct {
	baseClaims
	Notifications []NotifyMessage `json:"notifications"`
	HasMore       bool            `json:"hasMore"`
}

// MarkNotificationsReadRequestClaims marks notification ids read (act =
// notify_mark_notifications_as_read).
type MarkNotificationsReadRequestClaims struct {
	baseClaims
	IDs        []string `json:"notificationIds,omitempty"`
	AllNotifs  bool     `json:"allNotifications,omitempty"`
}

// MarkNotificationsReadResponseClaims acknowledges the mark-read request.
type MarkNotificationsReadResponseClaims struct {
	baseClaims
	Success bool `json:"success"`
}

var _ jwt.Claims = baseClaims{}

// newBase fills the fields common to every claim set. exp is computed from
// the caller-supplied ttl (spec §4.1: "exp = iat + method.req.ttl").
func newBase(iss, aud, sub, ksu, app string, act Act, iat int64, ttl int64) baseClaims {
	return baseClaims{
		Iat: iat,
		Exp: iat + ttl,
		Iss: iss,
		Aud: aud,
		Sub: sub,
		Ksu: ksu,
		App: app,
		Act: act,
	}
}

// The New*Claims constructors below build unsigned claim sets: the shape
// jwtauth.Builder signs directly when the caller holds the identity private
// key, and the shape an identity.Service implementation signs internally
// when it holds that key instead (spec §5: "the identity private key is
// held by the identity service; the engine only requests signatures").

// NewSubscriptionRequestClaims builds an unsigned notify_subscription claim set.
func NewSubscriptionRequestClaims(
	identityDid, dappAuthKeyDid, sub, ksu, appDomain, scope string, iat, ttl int64,
) SubscriptionRequestClaims {
	return SubscriptionRequestClaims{
		baseClaims: newBase(identityDid, dappAuthKeyDid, sub, ksu, appDomain, ActSubscriptionRequest, iat, ttl),
		Scp:        scope,
	}
}

// NewUpdateRequestClaims builds an unsigned notify_update claim set.
func NewUpdateRequestClaims(
	identityDid, dappAuthKeyDid, sub, ksu, appDomain, scope string, iat, ttl int64,
) UpdateRequestClaims {
	return UpdateRequestClaims{
		baseClaims: newBase(identityDid, dappAuthKeyDid, sub, ksu, appDomain, ActUpdateRequest, iat, ttl),
		Scp:        scope,
	}
}

// NewDeleteRequestClaims builds an unsigned notify_delete claim set.
func NewDeleteRequestClaims(
	identityDid, dappAuthKeyDid, sub, ksu, appDomain string, iat, ttl int64,
) DeleteRequestClaims {
	return DeleteRequestClaims{
		baseClaims: newBase(identityDid, dappAuthKeyDid, sub, ksu, appDomain, ActDeleteRequest, iat, ttl),
	}
}

// NewWatchSubscriptionsRequestClaims builds an unsigned
// notify_watch_subscriptions claim set. app is empty for an all-apps watch
// (spec §4.1 step 5).
func NewWatchSubscriptionsRequestClaims(
	identityDid, notifyIdentityDid, sub, ksu, app string, iat, ttl int64,
) WatchSubscriptionsRequestClaims {
	return WatchSubscriptionsRequestClaims{
		baseClaims: newBase(identityDid, notifyIdentityDid, sub, ksu, app, ActWatchSubscriptionsRequest, iat, ttl),
	}
}

// NewGetNotificationsRequestClaims builds an unsigned
// notify_get_notifications claim set.
func NewGetNotificationsRequestClaims(
	identityDid, dappAuthKeyDid, sub, ksu, appDomain string, limit int, after string, unreadFirst bool, iat, ttl int64,
) GetNotificationsRequestClaims {
	return GetNotificationsRequestClaims{
		baseClaims:  newBase(identityDid, dappAuthKeyDid, sub, ksu, appDomain, ActGetNotificationsRequest, iat, ttl),
		Limit:       limit,
		After:       after,
		UnreadFirst: unreadFirst,
	}
}

// NewMarkNotificationsReadRequestClaims builds an unsigned
// notify_mark_notifications_as_read claim set.
func NewMarkNotificationsReadRequestClaims(
	identityDid, dappAuthKeyDid, sub, ksu, appDomain string, ids []string, all bool, iat, ttl int64,
) MarkNotificationsReadRequestClaims {
	return MarkNotificationsReadRequestClaims{
		baseClaims: newBase(identityDid, dappAuthKeyDid, sub, ksu, appDomain, ActMarkNotificationsReadRequest, iat, ttl),
		IDs:        ids,
		AllNotifs:  all,
	}
}

// NewMessageResponseClaims builds an unsigned notify_message_response claim set.
func NewMessageResponseClaims(identityDid, dappAuthKeyDid, ksu string, iat, ttl int64) MessageResponseClaims {
	return MessageResponseClaims{
		baseClaims: newBase(identityDid, dappAuthKeyDid, "", ksu, "", ActMessageResponse, iat, ttl),
	}
}

// checkAct is shared by every typed Decode function below.
func checkAct(got, want Act) error {
	if got != want {
		return fmt.Errorf("%w: got %q want %q", ErrActMismatch, got, want)
	}
	return nil
}
