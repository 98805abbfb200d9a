package cryptosvc

import (
	"fmt"
	"io"

	"lukechampine.com/frand"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"notify.dev/pkg/telemetry/chk"
)

// X25519ChaCha is the default Service adapter: X25519 for key agreement,
// HKDF-SHA256 to stretch the raw ECDH point into a 256-bit AEAD key, and
// ChaCha20-Poly1305 as the AEAD itself.
type X25519ChaCha struct{}

var _ Service = X25519ChaCha{}

// GenerateKeypair returns a fresh X25519 keypair.
func (X25519ChaCha) GenerateKeypair() (pub, priv []byte, err error) {
	priv = make([]byte, curve25519.ScalarSize)
	if _, err = io.ReadFull(frand.Reader, priv); chk.E(err) {
		return nil, nil, err
	}
	if pub, err = curve25519.X25519(priv, curve25519.Basepoint); chk.E(err) {
		return nil, nil, err
	}
	return pub, priv, nil
}

// SharedKey derives a symmetric key from a local private scalar and a peer
// public point via X25519, then stretches it with HKDF-SHA256.
func (X25519ChaCha) SharedKey(priv, peerPub []byte) (symKey []byte, err error) {
	point, err := curve25519.X25519(priv, peerPub)
	if chk.E(err) {
		return nil, fmt.Errorf("cryptosvc: ECDH failed: %w", err)
	}
	h := hkdf.New(newSHA256, point, nil, []byte("notify-envelope"))
	symKey = make([]byte, chacha20poly1305.KeySize)
	if _, err = io.ReadFull(h, symKey); chk.E(err) {
		return nil, err
	}
	return symKey, nil
}

// SealType0 produces version(1) || nonce(12) || sealed(...).
func (X25519ChaCha) SealType0(symKey, plaintext []byte) (envelope []byte, err error) {
	aead, err := chacha20poly1305.New(symKey)
	if chk.E(err) {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err = io.ReadFull(frand.Reader, nonce); chk.E(err) {
		return nil, err
	}
	envelope = make([]byte, 0, 1+len(nonce)+len(plaintext)+aead.Overhead())
	envelope = append(envelope, byte(Type0))
	envelope = append(envelope, nonce...)
	envelope = aead.Seal(envelope, nonce, plaintext, nil)
	return envelope, nil
}

// OpenType0 reverses SealType0.
func (X25519ChaCha) OpenType0(symKey, envelope []byte) (plaintext []byte, err error) {
	aead, err := chacha20poly1305.New(symKey)
	if chk.E(err) {
		return nil, err
	}
	if len(envelope) < 1+aead.NonceSize() {
		return nil, fmt.Errorf("cryptosvc: envelope too short")
	}
	if envelope[0] != byte(Type0) {
		return nil, fmt.Errorf("cryptosvc: expected type 0 envelope, got %d", envelope[0])
	}
	nonce := envelope[1 : 1+aead.NonceSize()]
	sealed := envelope[1+aead.NonceSize():]
	if plaintext, err = aead.Open(nil, nonce, sealed, nil); chk.E(err) {
		return nil, err
	}
	return plaintext, nil
}

// SealType1 derives the shared key between senderPriv and receiverPub and
// produces version(1) || senderPub(32) || nonce(12) || sealed(...). The
// derived symKey is also returned so the caller can compute the response
// topic (Topic(symKey)).
func (X25519ChaCha) SealType1(senderPriv, receiverPub, plaintext []byte) (
	envelope, senderPub, symKey []byte, err error,
) {
	if senderPub, err = curve25519.X25519(senderPriv, curve25519.Basepoint); chk.E(err) {
		return nil, nil, nil, err
	}
	if symKey, err = (X25519ChaCha{}).SharedKey(senderPriv, receiverPub); chk.E(err) {
		return nil, nil, nil, err
	}
	aead, err := chacha20poly1305.New(symKey)
	if chk.E(err) {
		return nil, nil, nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err = io.ReadFull(frand.Reader, nonce); chk.E(err) {
		return nil, nil, nil, err
	}
	envelope = make([]byte, 0, 1+len(senderPub)+len(nonce)+len(plaintext)+aead.Overhead())
	envelope = append(envelope, byte(Type1))
	envelope = append(envelope, senderPub...)
	envelope = append(envelope, nonce...)
	envelope = aead.Seal(envelope, nonce, plaintext, nil)
	return envelope, senderPub, symKey, nil
}

// OpenType1 reverses SealType1 using the receiver's static private key.
func (X25519ChaCha) OpenType1(receiverPriv, envelope []byte) (
	plaintext, senderPub []byte, err error,
) {
	const pubSize = curve25519.PointSize
	if len(envelope) < 1+pubSize {
		return nil, nil, fmt.Errorf("cryptosvc: envelope too short")
	}
	if envelope[0] != byte(Type1) {
		return nil, nil, fmt.Errorf("cryptosvc: expected type 1 envelope, got %d", envelope[0])
	}
	senderPub = envelope[1 : 1+pubSize]
	symKey, err := (X25519ChaCha{}).SharedKey(receiverPriv, senderPub)
	if chk.E(err) {
		return nil, nil, err
	}
	aead, err := chacha20poly1305.New(symKey)
	if chk.E(err) {
		return nil, nil, err
	}
	rest := envelope[1+pubSize:]
	if len(rest) < aead.NonceSize() {
		return nil, nil, fmt.Errorf("cryptosvc: envelope too short")
	}
	nonce := rest[:aead.NonceSize()]
	sealed := rest[aead.NonceSize():]
	if plaintext, err = aead.Open(nil, nonce, sealed, nil); chk.E(err) {
		return nil, nil, err
	}
	return plaintext, senderPub, nil
}

// Topic computes sha256(key) as lowercase hex.
func (X25519ChaCha) Topic(key []byte) string { return topicHex(key) }
