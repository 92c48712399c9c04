// Package recovery implements social-vouching contact recovery: a user
// who lost every device proves continuity between an old and a new
// identity by collecting signed vouchers from existing contacts until
// a threshold is met.
package recovery

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"time"
)

var (
	ErrInsufficientVouchers = errors.New("recovery: insufficient vouchers")
	ErrDuplicateVoucher     = errors.New("recovery: duplicate voucher from same contact")
	ErrInvalidSignature     = errors.New("recovery: voucher has invalid signature")
	ErrMismatchedKeys       = errors.New("recovery: voucher keys do not match proof keys")
	ErrProofExpired         = errors.New("recovery: recovery proof has expired")
	ErrClaimExpired         = errors.New("recovery: recovery claim has expired")
	ErrInvalidFormat        = errors.New("recovery: invalid recovery data format")
)

const wireVersion = 1

// Default thresholds and lifetimes, per the platform's recovery
// defaults.
const (
	DefaultRecoveryThreshold     = 3
	DefaultVerificationThreshold = 2
	ProofExpiry                  = 90 * 24 * time.Hour
	ClaimExpiry                  = 48 * time.Hour
)

// Claim is shown as a QR code by a user who lost their device and
// wants to prove they owned the old identity.
type Claim struct {
	OldPublic ed25519.PublicKey
	NewPublic ed25519.PublicKey
	Timestamp time.Time
}

// NewClaim builds a claim stamped with the current time.
func NewClaim(oldPublic, newPublic ed25519.PublicKey) Claim {
	return Claim{OldPublic: oldPublic, NewPublic: newPublic, Timestamp: time.Now().UTC()}
}

// IsExpired reports whether the claim is older than ClaimExpiry.
func (c Claim) IsExpired() bool {
	return time.Since(c.Timestamp) > ClaimExpiry
}

const claimWireLen = 1 + 32 + 32 + 8

// EncodeClaim serializes a claim to its fixed-layout wire form: a
// version byte, the old and new public keys, and a little-endian Unix
// timestamp in seconds.
func EncodeClaim(c Claim) []byte {
	buf := make([]byte, claimWireLen)
	buf[0] = wireVersion
	copy(buf[1:33], c.OldPublic)
	copy(buf[33:65], c.NewPublic)
	binary.LittleEndian.PutUint64(buf[65:73], uint64(c.Timestamp.Unix()))
	return buf
}

// DecodeClaim parses a claim from its wire form.
func DecodeClaim(raw []byte) (Claim, error) {
	if len(raw) < claimWireLen || raw[0] != wireVersion {
		return Claim{}, ErrInvalidFormat
	}
	return Claim{
		OldPublic: append(ed25519.PublicKey(nil), raw[1:33]...),
		NewPublic: append(ed25519.PublicKey(nil), raw[33:65]...),
		Timestamp: time.Unix(int64(binary.LittleEndian.Uint64(raw[65:73])), 0).UTC(),
	}, nil
}

// Voucher is a signed attestation from an existing contact confirming
// a recovery claim.
type Voucher struct {
	OldPublic    ed25519.PublicKey
	NewPublic    ed25519.PublicKey
	VoucherPublic ed25519.PublicKey
	Timestamp    time.Time
	Signature    []byte
}

func voucherSigningBytes(oldPublic, newPublic, voucherPublic ed25519.PublicKey, timestamp time.Time) []byte {
	buf := make([]byte, 0, 32+32+32+8)
	buf = append(buf, oldPublic...)
	buf = append(buf, newPublic...)
	buf = append(buf, voucherPublic...)
	ts := make([]byte, 8)
	binary.LittleEndian.PutUint64(ts, uint64(timestamp.Unix()))
	return append(buf, ts...)
}

// CreateVoucher signs a voucher binding oldPublic and newPublic under
// the voucher's own signing key pair.
func CreateVoucher(oldPublic, newPublic, voucherPublic ed25519.PublicKey, voucherPrivate ed25519.PrivateKey) Voucher {
	timestamp := time.Now().UTC()
	sig := ed25519.Sign(voucherPrivate, voucherSigningBytes(oldPublic, newPublic, voucherPublic, timestamp))
	return Voucher{OldPublic: oldPublic, NewPublic: newPublic, VoucherPublic: voucherPublic, Timestamp: timestamp, Signature: sig}
}

// Verify checks the voucher's own signature.
func (v Voucher) Verify() bool {
	return ed25519.Verify(v.VoucherPublic, voucherSigningBytes(v.OldPublic, v.NewPublic, v.VoucherPublic, v.Timestamp), v.Signature)
}

const voucherWireLen = 1 + 32 + 32 + 32 + 8 + 64

// EncodeVoucher serializes a voucher to its fixed-layout wire form.
func EncodeVoucher(v Voucher) []byte {
	buf := make([]byte, voucherWireLen)
	buf[0] = wireVersion
	copy(buf[1:33], v.OldPublic)
	copy(buf[33:65], v.NewPublic)
	copy(buf[65:97], v.VoucherPublic)
	binary.LittleEndian.PutUint64(buf[97:105], uint64(v.Timestamp.Unix()))
	copy(buf[105:169], v.Signature)
	return buf
}

// DecodeVoucher parses a voucher from its wire form.
func DecodeVoucher(raw []byte) (Voucher, error) {
	if len(raw) < voucherWireLen || raw[0] != wireVersion {
		return Voucher{}, ErrInvalidFormat
	}
	return Voucher{
		OldPublic:     append(ed25519.PublicKey(nil), raw[1:33]...),
		NewPublic:     append(ed25519.PublicKey(nil), raw[33:65]...),
		VoucherPublic: append(ed25519.PublicKey(nil), raw[65:97]...),
		Timestamp:     time.Unix(int64(binary.LittleEndian.Uint64(raw[97:105])), 0).UTC(),
		Signature:     append([]byte(nil), raw[105:169]...),
	}, nil
}

// Proof collects vouchers toward proving continuity between an old
// and a new identity.
type Proof struct {
	OldPublic ed25519.PublicKey
	NewPublic ed25519.PublicKey
	Threshold int
	Vouchers  []Voucher
	CreatedAt time.Time
	ExpiresAt time.Time
}

// NewProof starts an empty proof requiring threshold vouchers, expiring ProofExpiry from now.
func NewProof(oldPublic, newPublic ed25519.PublicKey, threshold int) Proof {
	now := time.Now().UTC()
	return Proof{
		OldPublic: oldPublic,
		NewPublic: newPublic,
		Threshold: threshold,
		CreatedAt: now,
		ExpiresAt: now.Add(ProofExpiry),
	}
}

// AddVoucher appends a voucher after checking it binds the same
// (old, new) key pair, verifies, and is not a duplicate of a voucher
// already collected from the same contact.
func (p *Proof) AddVoucher(v Voucher) error {
	if !bytes.Equal(v.OldPublic, p.OldPublic) || !bytes.Equal(v.NewPublic, p.NewPublic) {
		return ErrMismatchedKeys
	}
	if !v.Verify() {
		return ErrInvalidSignature
	}
	for _, existing := range p.Vouchers {
		if bytes.Equal(existing.VoucherPublic, v.VoucherPublic) {
			return ErrDuplicateVoucher
		}
	}
	p.Vouchers = append(p.Vouchers, v)
	return nil
}

// Validate requires at least Threshold vouchers, all individually
// verifying and sharing the proof's (old, new) key pair, and the proof
// itself not expired.
func (p Proof) Validate() error {
	if time.Now().After(p.ExpiresAt) {
		return ErrProofExpired
	}
	if len(p.Vouchers) < p.Threshold {
		return ErrInsufficientVouchers
	}
	seen := make(map[string]struct{}, len(p.Vouchers))
	for _, v := range p.Vouchers {
		key := string(v.VoucherPublic)
		if _, dup := seen[key]; dup {
			return ErrDuplicateVoucher
		}
		seen[key] = struct{}{}
		if !v.Verify() {
			return ErrInvalidSignature
		}
		if !bytes.Equal(v.OldPublic, p.OldPublic) || !bytes.Equal(v.NewPublic, p.NewPublic) {
			return ErrMismatchedKeys
		}
	}
	return nil
}

// Confidence classifies how much a recovery proof can be trusted from
// one particular verifier's point of view.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// VerificationResult is the outcome of checking a proof's vouchers
// against the verifier's own contact list.
type VerificationResult struct {
	Confidence     Confidence
	MutualVouchers []string
	Required       int
	TotalVouchers  int
}

// Settings are a user's recovery preferences.
type Settings struct {
	RecoveryThreshold     int
	VerificationThreshold int
}

// DefaultSettings returns the platform's default recovery thresholds.
func DefaultSettings() Settings {
	return Settings{RecoveryThreshold: DefaultRecoveryThreshold, VerificationThreshold: DefaultVerificationThreshold}
}

// Contact is the minimal shape VerifyForContact needs from a local
// contact: its public key and a display name for the mutual-voucher
// list.
type Contact struct {
	PublicKey   ed25519.PublicKey
	DisplayName string
}

// VerifyForContact checks the proof's vouchers against the verifier's
// own contacts and classifies confidence: High if enough mutual
// contacts vouched to meet settings.VerificationThreshold, Medium if
// some vouched but not enough, Low if none did.
func (p Proof) VerifyForContact(myContacts []Contact, settings Settings) VerificationResult {
	byKey := make(map[string]string, len(myContacts))
	for _, c := range myContacts {
		byKey[string(c.PublicKey)] = c.DisplayName
	}

	var mutual []string
	for _, v := range p.Vouchers {
		if name, ok := byKey[string(v.VoucherPublic)]; ok {
			mutual = append(mutual, name)
		}
	}

	result := VerificationResult{
		MutualVouchers: mutual,
		Required:       settings.VerificationThreshold,
		TotalVouchers:  len(p.Vouchers),
	}
	switch {
	case len(mutual) >= settings.VerificationThreshold:
		result.Confidence = ConfidenceHigh
	case len(mutual) > 0:
		result.Confidence = ConfidenceMedium
	default:
		result.Confidence = ConfidenceLow
	}
	return result
}
