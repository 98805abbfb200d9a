// Package identity is the identity-key lifecycle collaborator: preparing and
// submitting the CAIP-122 registration statement, holding the resulting
// ed25519 identity key, and signing outbound claim sets on the engine's
// behalf (spec §5: "the identity private key is held by the identity
// service; the engine only requests signatures").
package identity

import (
	"context"
	"crypto/ed25519"

	"github.com/golang-jwt/jwt/v5"

	"notify.dev/pkg/notify/ids"
)

// CACAOPayload is the Sign-In-With-X message container the user's wallet
// signs to authorize identity-key registration (spec §4.1
// "prepare_registration composes a CAIP-122 ... message").
type CACAOPayload struct {
	Domain     string   `json:"domain"`
	Iss        string   `json:"iss"`
	Statement  string   `json:"statement"`
	Aud        string   `json:"aud"`
	Version    string   `json:"version"`
	Nonce      string   `json:"nonce"`
	IssuedAt   string   `json:"issuedAt"`
	Resources  []string `json:"resources,omitempty"`
}

// Service is the keyserver collaborator consumed by the engine (spec §6).
type Service interface {
	// PrepareRegistration composes the CAIP-122 statement and a fresh
	// ephemeral identity keypair, returning the payload to sign and its
	// human-readable message text.
	PrepareRegistration(ctx context.Context, account ids.Account, domain string, allApps bool) (
		payload CACAOPayload, messageText string, err error,
	)
	// RegisterIdentity submits the signed CACAO payload to the keyserver and
	// returns the registered identity public key.
	RegisterIdentity(ctx context.Context, account ids.Account, payload CACAOPayload, signature string) (
		identityPub ed25519.PublicKey, err error,
	)
	// GenerateIDAuth signs claims with the account's identity key.
	GenerateIDAuth(ctx context.Context, account ids.Account, claims jwt.Claims) (token string, err error)
	// GetIdentity returns the account's currently held identity public key.
	GetIdentity(ctx context.Context, account ids.Account) (identityPub ed25519.PublicKey, err error)
	// HasIdentity reports whether an identity key is held for account.
	HasIdentity(ctx context.Context, account ids.Account) bool
	// UnregisterIdentity removes the identity key from the keyserver and
	// local storage.
	UnregisterIdentity(ctx context.Context, account ids.Account) error
	// IsRegistered reports whether the keyserver still honors this identity.
	IsRegistered(ctx context.Context, account ids.Account) bool
}
