// Package identity derives an identity's signing and exchange key
// pairs from a single 32-byte master seed, maintains that identity's
// signed device registry (up to MaxDevices slots), and manages the
// password-encrypted backup of the seed itself.
package identity

import "time"

// MaxDevices bounds how many devices a single identity may register at
// once. Revoked slots may be reused by a later AddDevice call.
const MaxDevices = 10

// Keys holds the full set of material derived from a master seed.
type Keys struct {
	SigningPublic   []byte // ed25519.PublicKey
	SigningPrivate  []byte // ed25519.PrivateKey
	ExchangePublic  [32]byte
	ExchangePrivate [32]byte
}

// Identity is the public-facing identity record: a stable id derived
// from the signing public key, plus bookkeeping timestamps.
type Identity struct {
	ID               string
	SigningPublicKey []byte
	CreatedAt        time.Time
	LastUsedAt       time.Time
}

// Device is one registered device's public record.
type Device struct {
	Index          int
	DeviceID       string
	DeviceName     string
	ExchangePublic [32]byte
	CreatedAt      time.Time
	Revoked        bool
	RevokedAt      time.Time
}

// Registry is the signed, versioned device registry for one identity.
type Registry struct {
	Devices   []Device
	Version   uint32
	Signature []byte
}
