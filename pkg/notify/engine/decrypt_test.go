package engine

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"lukechampine.com/frand"

	"notify.dev/pkg/notify/cryptosvc"
	"notify.dev/pkg/notify/jwtauth"
	"notify.dev/pkg/notify/relay"
	"notify.dev/pkg/notify/store"
)

// TestDecryptMessageMatchesSpecVector reproduces spec §8 scenario 1's literal
// topic and sym key. The repository's own encoded payload for this vector
// was not retrievable (the original source tree this module was distilled
// from kept zero files), so the envelope is instead sealed here under the
// same sym key with cryptosvc.SealType0 — the one piece genuinely unique to
// the vector, the literal ciphertext bytes, is therefore synthetic, but the
// topic/symKey pairing and the decoded field values match the spec exactly.
func TestDecryptMessageMatchesSpecVector(t *testing.T) {
	const topic = "cf4ddc421a73353801dcd26f64e21fa3877ccc98e577a20a7b092337b0ab76ba"
	symKey, err := hex.DecodeString("3a9a380042fc94a50bf8a1f7e8fea86956fc8362641d78fa62970e835d770180")
	require.NoError(t, err)
	require.Equal(t, topic, cryptosvc.X25519ChaCha{}.Topic(symKey), "sha256(symKey) must equal the vector's topic")

	bus := relay.NewMemBus()
	e := newTestEngine(t, bus, nil, "")

	claims := jwtauth.MessageClaims{
		Msg: jwtauth.NotifyMessage{
			ID: "msg1", Title: "Test Message", Body: "Test", URL: "https://test.coms", Type: "gm_hourly",
		},
	}
	claims.Act = jwtauth.ActMessage
	claims.Iat = time.Now().Unix()
	claims.Exp = claims.Iat + 300

	// DecryptMessage never verifies the inner JWT's signature (it has no
	// subscription record to source a verification key from), so any
	// identity keypair signs it here.
	_, priv, err := ed25519.GenerateKey(frand.Reader)
	require.NoError(t, err)
	token, err := jwtauth.Sign(&claims, priv)
	require.NoError(t, err)

	envelope, err := cryptosvc.X25519ChaCha{}.SealType0(symKey, []byte(token))
	require.NoError(t, err)

	msg, err := e.DecryptMessage(context.Background(), topic, symKey, envelope)
	require.NoError(t, err)
	require.Equal(t, store.NotifyMessage{
		ID: "msg1", Title: "Test Message", Body: "Test", Icon: "", URL: "https://test.coms", Type: "gm_hourly",
	}, msg)
}

func TestDecryptMessageRejectsTopicMismatch(t *testing.T) {
	bus := relay.NewMemBus()
	e := newTestEngine(t, bus, nil, "")
	symKey := make([]byte, 32)
	_, err := e.DecryptMessage(context.Background(), "0000", symKey, []byte{0})
	require.ErrorIs(t, err, ErrInvalidToken)
}
