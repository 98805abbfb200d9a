package ids

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseAccountRoundTrip(t *testing.T) {
	a, err := ParseAccount("eip155:1:0xAbC0000000000000000000000000000000dEaD")
	require.NoError(t, err)
	require.Equal(t, "eip155", a.Namespace)
	require.Equal(t, "did:pkh:eip155:1:0xAbC0000000000000000000000000000000dEaD", a.DidPKH())
}

func TestParseAccountRejectsMalformed(t *testing.T) {
	for _, bad := range []string{"", "eip155", "eip155:1", "eip155::0xabc", ":1:0xabc"} {
		_, err := ParseAccount(bad)
		require.ErrorIs(t, err, ErrInvalidAccount, "input %q", bad)
	}
}

func TestDidKeyRoundTrip(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	did := DidKey(pub)
	require.Regexp(t, `^did:key:z`, did)
	got, err := ParseDidKey(did)
	require.NoError(t, err)
	require.Equal(t, pub, got)
}

func TestParseDidKeyRejectsGarbage(t *testing.T) {
	_, err := ParseDidKey("did:key:znotbase58!!!")
	require.ErrorIs(t, err, ErrInvalidDidKey)
	_, err = ParseDidKey("did:web:example.com")
	require.ErrorIs(t, err, ErrInvalidDidKey)
}

func TestBase58EncodeDecodeWithLeadingZeros(t *testing.T) {
	in := []byte{0, 0, 1, 2, 3, 255}
	enc := base58Encode(in)
	dec, err := base58Decode(enc)
	require.NoError(t, err)
	require.Equal(t, in, dec)
}
