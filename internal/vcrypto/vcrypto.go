// Package vcrypto collects the primitive cryptographic operations used
// across the identity, ratchet, exchange, and recovery packages: Ed25519
// signing, X25519 key agreement, HKDF-SHA256 derivation with
// domain-separated info strings, AES-256-GCM content encryption, and a
// PBKDF2-HMAC-SHA256 password KDF for local backups.
package vcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"
	"runtime"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

const (
	KeySize        = 32
	NonceSize      = 12
	SigningKeySize = ed25519.PublicKeySize

	// PBKDFIterations matches the original implementation's password
	// key-derivation work factor.
	PBKDFIterations = 100_000
)

var (
	ErrCiphertextTooShort = errors.New("vcrypto: ciphertext too short")
	ErrInvalidKeySize     = errors.New("vcrypto: invalid key size")
	ErrDecryptionFailed   = errors.New("vcrypto: decryption failed")
)

// SigningKeyPair is an Ed25519 key pair used for card/device/voucher
// signatures.
type SigningKeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// ExchangeKeyPair is an X25519 key pair used for ECDH agreements.
type ExchangeKeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// SigningKeyPairFromSeed derives a deterministic Ed25519 key pair from a
// 32-byte seed, as Go's ed25519.NewKeyFromSeed expects.
func SigningKeyPairFromSeed(seed []byte) (SigningKeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return SigningKeyPair{}, ErrInvalidKeySize
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return SigningKeyPair{Public: pub, Private: priv}, nil
}

// ExchangeKeyPairFromSeed derives a deterministic X25519 key pair from a
// 32-byte seed via clamped scalar multiplication with the base point.
func ExchangeKeyPairFromSeed(seed []byte) (ExchangeKeyPair, error) {
	if len(seed) != KeySize {
		return ExchangeKeyPair{}, ErrInvalidKeySize
	}
	var priv [32]byte
	copy(priv[:], seed)
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return ExchangeKeyPair{}, err
	}
	var kp ExchangeKeyPair
	copy(kp.Private[:], priv[:])
	copy(kp.Public[:], pub)
	return kp, nil
}

// ECDH performs an X25519 Diffie-Hellman exchange.
func ECDH(priv, peerPub []byte) ([]byte, error) {
	if len(priv) != KeySize || len(peerPub) != KeySize {
		return nil, ErrInvalidKeySize
	}
	out, err := curve25519.X25519(priv, peerPub)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// HKDFDerive runs HKDF-SHA256 (extract-then-expand, no salt) over ikm
// with the given domain-separation info string, producing outLen bytes.
func HKDFDerive(ikm []byte, info string, outLen int) ([]byte, error) {
	r := hkdf.New(sha256.New, ikm, nil, []byte(info))
	out := make([]byte, outLen)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

// HKDFDeriveSalted is HKDFDerive with an explicit salt, used where two
// input key materials must be combined (e.g. root-key ratcheting).
func HKDFDeriveSalted(salt, ikm []byte, info string, outLen int) ([]byte, error) {
	r := hkdf.New(sha256.New, ikm, salt, []byte(info))
	out := make([]byte, outLen)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Seal encrypts plaintext with AES-256-GCM under key, binding aad.
// The returned value is ciphertext||tag; the nonce is not included.
func Seal(key, nonce, plaintext, aad []byte) ([]byte, error) {
	aead, err := newAESGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, ErrInvalidKeySize
	}
	return aead.Seal(nil, nonce, plaintext, aad), nil
}

// SealRandom is Seal with a freshly generated random nonce, returning
// nonce||ciphertext||tag as a single buffer.
func SealRandom(key, plaintext, aad []byte) ([]byte, error) {
	aead, err := newAESGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	sealed := aead.Seal(nonce, nonce, plaintext, aad)
	return sealed, nil
}

// Open decrypts a nonce||ciphertext||tag buffer produced by SealRandom.
func Open(key, sealed, aad []byte) ([]byte, error) {
	aead, err := newAESGCM(key)
	if err != nil {
		return nil, err
	}
	ns := aead.NonceSize()
	if len(sealed) < ns {
		return nil, ErrCiphertextTooShort
	}
	nonce, ct := sealed[:ns], sealed[ns:]
	pt, err := aead.Open(nil, nonce, ct, aad)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return pt, nil
}

// OpenWithNonce decrypts ciphertext produced by Seal with an explicit
// nonce supplied out of band (e.g. derived from a chain index).
func OpenWithNonce(key, nonce, ciphertext, aad []byte) ([]byte, error) {
	aead, err := newAESGCM(key)
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return pt, nil
}

func newAESGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// DerivePasswordKey stretches a password into a 32-byte key using
// PBKDF2-HMAC-SHA256, matching the iteration count the original backup
// format was authored against.
func DerivePasswordKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, PBKDFIterations, KeySize, sha256.New)
}

// RandomBytes returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, err
	}
	return b, nil
}

// Wipe zeroes a byte slice in place. Callers holding key material in a
// buffer they control should call this once the buffer is no longer
// needed; runtime.KeepAlive prevents the compiler from eliding the
// write as dead code.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}

// Sign produces an Ed25519 signature over msg.
func Sign(priv ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(priv, msg)
}

// Verify checks an Ed25519 signature.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}
