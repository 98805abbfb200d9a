// Package store declares the persistence collaborators the engine consumes
// for subscriptions, messages, registration statements and watched
// accounts (spec §3 DATA MODEL), segregated into narrow capability
// interfaces the way the teacher composes store.I from Pather/Wiper/Querier
// (pkg/interfaces/store).
package store

// ImageURLs is the {sm, md, lg} triple the explorer-api and dapp DID
// documents both use for notification-type artwork (spec §3 "Supplemented
// fields").
type ImageURLs struct {
	SM string `json:"sm" msgpack:"sm"`
	MD string `json:"md" msgpack:"md"`
	LG string `json:"lg" msgpack:"lg"`
}

// ScopeEntry is one notification-type row in a Subscription's ScopeMap.
type ScopeEntry struct {
	ID          string    `json:"id" msgpack:"id"`
	Name        string    `json:"name" msgpack:"name"`
	Description string    `json:"description" msgpack:"description"`
	Enabled     bool      `json:"enabled" msgpack:"enabled"`
	ImageURLs   ImageURLs `json:"imageUrls" msgpack:"image_urls"`
}

// Subscription is the client-side mirror of one server-authoritative
// subscription entry (spec §3). It is only ever created, updated or deleted
// by reconciliation (spec §4.2) — never directly.
type Subscription struct {
	Topic                string                `msgpack:"topic"`
	Account              string                `msgpack:"account"`
	AppDomain            string                `msgpack:"app_domain"`
	AppAuthenticationKey string                `msgpack:"app_authentication_key"`
	ScopeMap             map[string]ScopeEntry `msgpack:"scope_map"`
	SymKey               []byte                `msgpack:"sym_key"`
	Expiry               int64                 `msgpack:"expiry"`
	Metadata             NotifyConfig          `msgpack:"metadata"`
	UnreadCount          int                   `msgpack:"unread_count"`
}

// NotifyConfig is the per-app-domain descriptor fetched lazily from the
// explorer API (spec §6 "Notify-config document").
type NotifyConfig struct {
	ID               string             `json:"id" msgpack:"id"`
	Name             string             `json:"name" msgpack:"name"`
	Description      string             `json:"description" msgpack:"description"`
	ImageURL         ImageURLs          `json:"image_url" msgpack:"image_url"`
	NotificationTypes []NotificationType `json:"notificationTypes" msgpack:"notification_types"`
}

// NotificationType is one entry of NotifyConfig.NotificationTypes.
type NotificationType struct {
	ID          string    `json:"id" msgpack:"id"`
	Name        string    `json:"name" msgpack:"name"`
	Description string    `json:"description" msgpack:"description"`
	ImageURLs   ImageURLs `json:"imageUrls" msgpack:"image_urls"`
}

// DidDocument is the cached shape of a dapp's /.well-known/did.json (spec
// §3, §4.4 "Key resolver and DID cache").
type DidDocument struct {
	VerificationMethod []VerificationMethod `json:"verificationMethod"`
	KeyAgreement       []string             `json:"keyAgreement"`
	Authentication     []string             `json:"authentication"`
}

// VerificationMethod is one entry of DidDocument.VerificationMethod.
type VerificationMethod struct {
	ID                 string `json:"id"`
	Type               string `json:"type"`
	Controller         string `json:"controller"`
	PublicKeyJWK       JWK    `json:"publicKeyJwk"`
}

// JWK is the minimal OKP JWK shape the protocol uses for X25519/Ed25519 keys.
type JWK struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
}

// MessageRecord is one stored notification (spec §3).
type MessageRecord struct {
	ID          string        `msgpack:"id"`
	Topic       string        `msgpack:"topic"`
	Message     NotifyMessage `msgpack:"message"`
	PublishedAt int64         `msgpack:"published_at"`
}

// NotifyMessage is the decoded notification payload; mirrors
// jwtauth.NotifyMessage so the store package has no dependency on jwtauth.
type NotifyMessage struct {
	ID    string `msgpack:"id"`
	Title string `msgpack:"title"`
	Body  string `msgpack:"body"`
	Icon  string `msgpack:"icon"`
	URL   string `msgpack:"url"`
	Type  string `msgpack:"type"`
}

// RegistrationStatement records the human-readable authorization text the
// user signed, used to detect staleness (spec §4.1).
type RegistrationStatement struct {
	Account   string `msgpack:"account"`
	Domain    string `msgpack:"domain"`
	Statement string `msgpack:"statement"`
}

// WatchedAccount persists the ephemeral key pair used as the local side of
// key agreement with the notify server on the watch channel (spec §3).
type WatchedAccount struct {
	Account     string `msgpack:"account"`
	AppDomain   string `msgpack:"app_domain"`
	AllApps     bool   `msgpack:"all_apps"`
	PubKeyY     []byte `msgpack:"pub_key_y"`
	PrivKeyY    []byte `msgpack:"priv_key_y"`
	ResTopic    string `msgpack:"res_topic"`
	LastWatched bool   `msgpack:"last_watched"`
}
