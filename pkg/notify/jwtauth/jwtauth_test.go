package jwtauth

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/require"

	"notify.dev/pkg/notify/ids"
)

func testAccount(t *testing.T) ids.Account {
	a, err := ids.ParseAccount("eip155:1:0xAbC0000000000000000000000000000000dEaD")
	require.NoError(t, err)
	return a
}

func TestSubscriptionRequestRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	b := Builder{IdentityPub: pub, IdentityPriv: priv, KeyserverURL: "https://keys.walletconnect.com"}
	dappPub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	dappDid := ids.DidKey(dappPub)

	token, err := b.NewSubscriptionRequest(testAccount(t), "example.com", dappDid, "alerts promotions", 1000, 300)
	require.NoError(t, err)

	var got SubscriptionRequestClaims
	err = Decode(token, pub, ActSubscriptionRequest, &got)
	require.NoError(t, err)
	require.Equal(t, "alerts promotions", got.Scp)
	require.Equal(t, int64(1300), got.Exp)
	require.Equal(t, dappDid, got.Aud)
}

func TestDecodeRejectsWrongAct(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	b := Builder{IdentityPub: pub, IdentityPriv: priv, KeyserverURL: "ksu"}

	token, err := b.NewDeleteRequest(testAccount(t), "example.com", "did:key:zdapp", 1000, 300)
	require.NoError(t, err)

	var got SubscriptionRequestClaims
	err = Decode(token, pub, ActSubscriptionRequest, &got)
	require.ErrorIs(t, err, ErrActMismatch)
}

func TestDecodeRejectsWrongSigner(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	otherPub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	b := Builder{IdentityPub: pub, IdentityPriv: priv, KeyserverURL: "ksu"}
	token, err := b.NewDeleteRequest(testAccount(t), "example.com", "did:key:zdapp", 1000, 300)
	require.NoError(t, err)

	var got DeleteRequestClaims
	err = Decode(token, otherPub, ActDeleteRequest, &got)
	require.ErrorIs(t, err, ErrInvalidToken)
}
