package identity

import (
	"crypto/ed25519"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"vauchi/internal/vcrypto"
)

const (
	signingSeedInfo  = "Vauchi_Signing_Seed"
	exchangeSeedInfo = "Vauchi_Exchange_Seed"
	identityIDPrefix = "vch1"
)

// MasterSeedSize is the size, in bytes, of an identity's master seed.
const MasterSeedSize = 32

// NewMasterSeed returns a fresh, cryptographically random master seed.
func NewMasterSeed() ([32]byte, error) {
	var seed [32]byte
	b, err := vcrypto.RandomBytes(MasterSeedSize)
	if err != nil {
		return seed, err
	}
	copy(seed[:], b)
	vcrypto.Wipe(b)
	return seed, nil
}

// DeriveKeys derives the signing and exchange key pairs rooted at a
// master seed.
func DeriveKeys(seed []byte) (Keys, error) {
	if len(seed) != MasterSeedSize {
		return Keys{}, fmt.Errorf("identity: master seed must be %d bytes", MasterSeedSize)
	}
	signingSeed, err := vcrypto.HKDFDerive(seed, signingSeedInfo, ed25519.SeedSize)
	if err != nil {
		return Keys{}, err
	}
	defer vcrypto.Wipe(signingSeed)
	signingKP, err := vcrypto.SigningKeyPairFromSeed(signingSeed)
	if err != nil {
		return Keys{}, err
	}

	exchangeSeed, err := vcrypto.HKDFDerive(seed, exchangeSeedInfo, 32)
	if err != nil {
		return Keys{}, err
	}
	defer vcrypto.Wipe(exchangeSeed)
	exchangeKP, err := vcrypto.ExchangeKeyPairFromSeed(exchangeSeed)
	if err != nil {
		return Keys{}, err
	}

	return Keys{
		SigningPublic:   append([]byte(nil), signingKP.Public...),
		SigningPrivate:  append([]byte(nil), signingKP.Private...),
		ExchangePublic:  exchangeKP.Public,
		ExchangePrivate: exchangeKP.Private,
	}, nil
}

// BuildIdentityID derives a stable, human-displayable identifier from a
// signing public key.
func BuildIdentityID(signingPublicKey []byte) (string, error) {
	if len(signingPublicKey) != ed25519.PublicKeySize {
		return "", fmt.Errorf("identity: invalid signing public key size: %d", len(signingPublicKey))
	}
	h := blake2b.Sum256(signingPublicKey)
	return identityIDPrefix + hexEncode(h[:16]), nil
}

// VerifyIdentityID reports whether identityID was derived from
// signingPublicKey.
func VerifyIdentityID(identityID string, signingPublicKey []byte) (bool, error) {
	expected, err := BuildIdentityID(signingPublicKey)
	if err != nil {
		return false, err
	}
	return identityID == expected, nil
}

func hexEncode(b []byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hextable[v>>4]
		out[i*2+1] = hextable[v&0x0f]
	}
	return string(out)
}
