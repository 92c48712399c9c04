// Package securestore provides an at-rest AEAD envelope for secrets
// (identity seeds, storage keys, device-link payloads) keyed by either a
// user password or an arbitrary derived key, plus pluggable backends for
// where the key material itself lives.
package securestore

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"strings"

	"vauchi/internal/vcrypto"
)

const (
	envelopeVersion = 1
	saltSize        = 16
	filePrefix      = "VAUCHIENC1\n"
	kdfPBKDF2       = "pbkdf2-hmac-sha256"
)

var (
	ErrAuthFailed = errors.New("securestore: authentication failed")
	ErrInvalid    = errors.New("securestore: envelope is invalid")
	ErrLegacyData = errors.New("securestore: legacy plaintext data")
)

// Envelope is the serialized, at-rest form of an encrypted secret.
type Envelope struct {
	Version    uint32 `json:"version"`
	KDF        string `json:"kdf"`
	Iterations uint32 `json:"iterations"`
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// Encrypt seals plaintext under a password, returning a file-prefixed
// byte stream suitable for writing straight to disk.
func Encrypt(passphrase string, plaintext []byte) ([]byte, error) {
	env, err := EncryptEnvelope(passphrase, plaintext)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	return append([]byte(filePrefix), raw...), nil
}

// EncryptEnvelope seals plaintext under a password and returns the
// structured envelope (caller decides how to serialize it).
func EncryptEnvelope(passphrase string, plaintext []byte) (*Envelope, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	key := vcrypto.DerivePasswordKey(passphrase, salt)
	defer vcrypto.Wipe(key)

	sealed, err := vcrypto.SealRandom(key, plaintext, nil)
	if err != nil {
		return nil, err
	}
	nonce := sealed[:vcrypto.NonceSize]
	ciphertext := sealed[vcrypto.NonceSize:]

	return &Envelope{
		Version:    envelopeVersion,
		KDF:        kdfPBKDF2,
		Iterations: vcrypto.PBKDFIterations,
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: ciphertext,
	}, nil
}

// Decrypt opens a file-prefixed byte stream produced by Encrypt.
func Decrypt(passphrase string, data []byte) ([]byte, error) {
	if !strings.HasPrefix(string(data), filePrefix) {
		return nil, ErrLegacyData
	}
	data = data[len(filePrefix):]
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, ErrInvalid
	}
	return DecryptEnvelope(passphrase, &env)
}

// DecryptEnvelope opens a structured envelope produced by
// EncryptEnvelope.
func DecryptEnvelope(passphrase string, env *Envelope) ([]byte, error) {
	if !isValidEnvelope(env) {
		return nil, ErrInvalid
	}
	key := vcrypto.DerivePasswordKey(passphrase, env.Salt)
	defer vcrypto.Wipe(key)

	sealed := append(append([]byte(nil), env.Nonce...), env.Ciphertext...)
	plaintext, err := vcrypto.Open(key, sealed, nil)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

// EncryptWithKey seals plaintext under an already-derived 32-byte key,
// bypassing the password KDF. Used for device-link and storage-key
// sealing where the key itself is a random or ECDH-derived value, not a
// stretched password.
func EncryptWithKey(key, plaintext, aad []byte) (*Envelope, error) {
	sealed, err := vcrypto.SealRandom(key, plaintext, aad)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Version:    envelopeVersion,
		KDF:        "raw",
		Nonce:      sealed[:vcrypto.NonceSize],
		Ciphertext: sealed[vcrypto.NonceSize:],
	}, nil
}

// DecryptWithKey opens an envelope produced by EncryptWithKey.
func DecryptWithKey(key []byte, env *Envelope, aad []byte) ([]byte, error) {
	if env == nil || len(env.Nonce) != vcrypto.NonceSize || len(env.Ciphertext) == 0 {
		return nil, ErrInvalid
	}
	sealed := append(append([]byte(nil), env.Nonce...), env.Ciphertext...)
	pt, err := vcrypto.Open(key, sealed, aad)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return pt, nil
}

func isValidEnvelope(env *Envelope) bool {
	if env == nil {
		return false
	}
	if env.Version != envelopeVersion || env.KDF != kdfPBKDF2 {
		return false
	}
	if env.Iterations != vcrypto.PBKDFIterations {
		return false
	}
	if len(env.Salt) != saltSize || len(env.Nonce) != vcrypto.NonceSize || len(env.Ciphertext) == 0 {
		return false
	}
	return true
}
