// Package cryptosvc is the cryptography service the engine consumes for key
// agreement and symmetric envelope encode/decode (spec §1: "Generic
// symmetric envelope encode/decode and shared-secret derivation primitives
// — consumed as a cryptography service"). The engine only ever talks to the
// Service interface; X25519ChaCha is the one concrete adapter this module
// ships.
package cryptosvc

import (
	"hash"

	sha256 "github.com/minio/sha256-simd"
)

func newSHA256() hash.Hash { return sha256.New() }

// EnvelopeType distinguishes the two relay wire framings (spec §6).
type EnvelopeType int

const (
	// Type0 is symmetric-key AEAD using a key already installed at the topic.
	Type0 EnvelopeType = 0
	// Type1 is asymmetric pre-shared: sender's ephemeral public key is
	// prepended, and the receiver derives the shared secret from its own
	// static/ephemeral private key.
	Type1 EnvelopeType = 1
)

// Service is the cryptography collaborator: X25519 key agreement plus an
// AEAD symmetric envelope, generalized from the teacher's secp256k1
// "conversation key" concept (pkg/protocol/nwc.Client.conversationKey) to the
// X25519 keys this protocol's dapp/notify-server DID documents publish.
type Service interface {
	// GenerateKeypair returns a fresh X25519 key agreement keypair.
	GenerateKeypair() (pub, priv []byte, err error)
	// SharedKey derives the symmetric key shared between priv and peerPub.
	SharedKey(priv, peerPub []byte) (symKey []byte, err error)
	// SealType0 encrypts plaintext under symKey, returning the wire envelope.
	SealType0(symKey, plaintext []byte) (envelope []byte, err error)
	// OpenType0 decrypts a Type0 envelope under symKey.
	OpenType0(symKey, envelope []byte) (plaintext []byte, err error)
	// SealType1 encrypts plaintext for receiverPub under senderPriv (the
	// caller's own X25519 private key, fresh-per-call for a one-shot
	// subscribe request or the account's persistent watch
	// keypair for the watch channel), returning the wire envelope (which
	// carries the sender's public key), that public key separately, and
	// the derived symmetric key — the caller needs it to compute the
	// dedicated response topic (Topic(symKey)) the reply arrives on, since
	// the reply travels back as a Type0 envelope under this same key
	// rather than another Type1 envelope (spec §4.1, §6).
	SealType1(senderPriv, receiverPub, plaintext []byte) (envelope, senderPub, symKey []byte, err error)
	// OpenType1 decrypts a Type1 envelope using the receiver's static
	// private key, returning the plaintext and the sender's ephemeral
	// public key that was embedded in the envelope.
	OpenType1(receiverPriv, envelope []byte) (plaintext, senderPub []byte, err error)
	// Topic computes the relay topic for a public key or symmetric key:
	// sha256(key), lowercase hex (spec §3, §4.2: "topic = sha256(sym_key)").
	Topic(key []byte) string
}

// topicHex is shared by every Service implementation's Topic method.
func topicHex(key []byte) string {
	sum := sha256.Sum256(key)
	const hextable = "0123456789abcdef"
	out := make([]byte, 64)
	for i, b := range sum {
		out[i*2] = hextable[b>>4]
		out[i*2+1] = hextable[b&0xf]
	}
	return string(out)
}
