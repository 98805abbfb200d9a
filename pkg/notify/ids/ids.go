// Package ids parses and composes the identifier formats the notify
// protocol threads through every JWT: CAIP-10 accounts, and the did:pkh,
// did:web and did:key URI schemes built from them.
package ids

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
)

// Account is a CAIP-10 blockchain account identifier, namespace:reference:address.
// It is immutable once constructed: every field is set at Parse/New time and
// never mutated, matching its role as a JWT subject.
type Account struct {
	Namespace string
	Reference string
	Address   string
}

// ErrInvalidAccount is returned when a string does not have the
// namespace:reference:address shape CAIP-10 requires.
var ErrInvalidAccount = errors.New("ids: invalid CAIP-10 account")

// ParseAccount parses "namespace:reference:address", e.g. "eip155:1:0xabc...".
func ParseAccount(s string) (a Account, err error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return a, fmt.Errorf("%w: %q", ErrInvalidAccount, s)
	}
	a.Namespace, a.Reference, a.Address = parts[0], parts[1], parts[2]
	return a, nil
}

// String renders the CAIP-10 form "namespace:reference:address".
func (a Account) String() string {
	return a.Namespace + ":" + a.Reference + ":" + a.Address
}

// DidPKH renders the account as "did:pkh:<caip10>", used as the JWT `sub`.
func (a Account) DidPKH() string {
	return "did:pkh:" + a.String()
}

// DidWeb renders an HTTPS domain as "did:web:<domain>", used as the JWT
// `app` claim and, for a dapp acting as audience, the `aud` claim subject.
func DidWeb(domain string) string {
	return "did:web:" + domain
}

// multicodec varint prefix for an Ed25519 public key, per the did:key spec.
var ed25519MulticodecPrefix = []byte{0xed, 0x01}

// DidKey encodes an Ed25519 public key as "did:key:z<multibase-base58btc>".
func DidKey(pub ed25519.PublicKey) string {
	buf := make([]byte, 0, len(ed25519MulticodecPrefix)+len(pub))
	buf = append(buf, ed25519MulticodecPrefix...)
	buf = append(buf, pub...)
	return "did:key:z" + base58Encode(buf)
}

// ErrInvalidDidKey is returned when a string isn't a recognised did:key.
var ErrInvalidDidKey = errors.New("ids: invalid did:key")

// ParseDidKey decodes a "did:key:z..." URI back into an Ed25519 public key.
func ParseDidKey(did string) (pub ed25519.PublicKey, err error) {
	const prefix = "did:key:z"
	if !strings.HasPrefix(did, prefix) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDidKey, did)
	}
	raw, err := base58Decode(did[len(prefix):])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDidKey, err)
	}
	if len(raw) != len(ed25519MulticodecPrefix)+ed25519.PublicKeySize ||
		raw[0] != ed25519MulticodecPrefix[0] || raw[1] != ed25519MulticodecPrefix[1] {
		return nil, fmt.Errorf("%w: unexpected multicodec prefix", ErrInvalidDidKey)
	}
	return ed25519.PublicKey(raw[len(ed25519MulticodecPrefix):]), nil
}

// base58 is the Bitcoin/IPFS base58btc alphabet used by multibase 'z'.
// No example repo in the corpus vendors a base58 library (the teacher's
// bech32 package covers a different encoding, bech32's 5-bit groups rather
// than base58's big-integer division), so it is implemented directly here;
// see DESIGN.md.
const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

func base58Encode(b []byte) string {
	zero := byte(base58Alphabet[0])
	var leadingZeros int
	for leadingZeros < len(b) && b[leadingZeros] == 0 {
		leadingZeros++
	}
	input := append([]byte(nil), b...)
	var out []byte
	for len(input) > 0 {
		var remainder int
		var quotient []byte
		for _, c := range input {
			acc := remainder*256 + int(c)
			digit := acc / 58
			remainder = acc % 58
			if len(quotient) > 0 || digit != 0 {
				quotient = append(quotient, byte(digit))
			}
		}
		out = append(out, base58Alphabet[remainder])
		input = quotient
	}
	for i := 0; i < leadingZeros; i++ {
		out = append(out, zero)
	}
	reverse(out)
	return string(out)
}

func base58Decode(s string) ([]byte, error) {
	var index [256]int8
	for i := range index {
		index[i] = -1
	}
	for i, c := range base58Alphabet {
		index[byte(c)] = int8(i)
	}
	var leadingZeros int
	for leadingZeros < len(s) && s[leadingZeros] == base58Alphabet[0] {
		leadingZeros++
	}
	var out []byte
	for i := 0; i < len(s); i++ {
		d := index[s[i]]
		if d < 0 {
			return nil, fmt.Errorf("ids: invalid base58 character %q", s[i])
		}
		var carry int = int(d)
		for j := 0; j < len(out); j++ {
			carry += int(out[j]) * 58
			out[j] = byte(carry & 0xff)
			carry >>= 8
		}
		for carry > 0 {
			out = append(out, byte(carry&0xff))
			carry >>= 8
		}
	}
	for i := 0; i < leadingZeros; i++ {
		out = append(out, 0)
	}
	reverse(out)
	return out, nil
}

func reverse(b []byte) {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
}
