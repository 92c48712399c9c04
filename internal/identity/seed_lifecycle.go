package identity

import (
	"errors"
	"sync"
	"time"

	"github.com/tyler-smith/go-bip39"

	"vauchi/internal/securestore"
	"vauchi/internal/vcrypto"
)

var (
	ErrWeakPassword     = errors.New("identity: password does not meet the minimum strength requirement")
	ErrWrongPassword    = errors.New("identity: incorrect password")
	ErrLockedOut        = errors.New("identity: too many failed attempts, try again shortly")
	ErrNoSeedConfigured = errors.New("identity: no seed has been created or imported yet")
)

const minPasswordScore = 3

// lockoutBackoff mirrors the doubling cooldown applied after repeated
// failed password attempts: 1s, 2s, 4s, ... capped at 32s.
var lockoutBackoff = []time.Duration{
	1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
	16 * time.Second, 32 * time.Second,
}

// SeedManager owns the lifecycle of a single master seed: creation,
// import, password-protected export, and password changes, with a
// failed-attempt lockout.
type SeedManager struct {
	mu            sync.Mutex
	seed          [32]byte
	haveSeed      bool
	envelope      *securestore.Envelope
	failedAttempt int
	lockedUntil   time.Time
}

// NewSeedManager returns an empty seed manager; call Create or Import
// before using it.
func NewSeedManager() *SeedManager {
	return &SeedManager{}
}

// Create generates a fresh master seed, encrypts it under password, and
// returns the derived keys plus a mnemonic convenience export.
func (s *SeedManager) Create(password string) (mnemonic string, keys Keys, err error) {
	if err := checkPasswordStrength(password); err != nil {
		return "", Keys{}, err
	}
	seed, err := NewMasterSeed()
	if err != nil {
		return "", Keys{}, err
	}
	return s.adopt(seed, password)
}

// Import adopts a master seed recovered from a mnemonic phrase.
func (s *SeedManager) Import(mnemonic, password string) (Keys, error) {
	if err := checkPasswordStrength(password); err != nil {
		return Keys{}, err
	}
	seed, err := SeedFromMnemonic(mnemonic)
	if err != nil {
		return Keys{}, err
	}
	_, keys, err := s.adopt(seed, password)
	return keys, err
}

// ImportRaw adopts a 32-byte master seed directly (the device-link
// path never has a mnemonic to work from).
func (s *SeedManager) ImportRaw(seed [32]byte, password string) (Keys, error) {
	if err := checkPasswordStrength(password); err != nil {
		return Keys{}, err
	}
	_, keys, err := s.adopt(seed, password)
	return keys, err
}

func (s *SeedManager) adopt(seed [32]byte, password string) (string, Keys, error) {
	keys, err := DeriveKeys(seed[:])
	if err != nil {
		return "", Keys{}, err
	}
	env, err := securestore.EncryptEnvelope(password, seed[:])
	if err != nil {
		return "", Keys{}, err
	}

	s.mu.Lock()
	s.seed = seed
	s.haveSeed = true
	s.envelope = env
	s.failedAttempt = 0
	s.mu.Unlock()

	phrase, mErr := Mnemonic(seed[:])
	if mErr != nil {
		phrase = ""
	}
	return phrase, keys, nil
}

// Export decrypts and returns the master seed, applying lockout backoff
// after repeated failures.
func (s *SeedManager) Export(password string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.haveSeed {
		return nil, ErrNoSeedConfigured
	}
	if time.Now().Before(s.lockedUntil) {
		return nil, ErrLockedOut
	}
	seed, err := securestore.DecryptEnvelope(password, s.envelope)
	if err != nil {
		s.registerFailureLocked()
		return nil, ErrWrongPassword
	}
	s.failedAttempt = 0
	return seed, nil
}

func (s *SeedManager) registerFailureLocked() {
	idx := s.failedAttempt
	if idx >= len(lockoutBackoff) {
		idx = len(lockoutBackoff) - 1
	}
	s.lockedUntil = time.Now().Add(lockoutBackoff[idx])
	s.failedAttempt++
}

// ChangePassword re-encrypts the seed under a new password after
// verifying the old one.
func (s *SeedManager) ChangePassword(oldPassword, newPassword string) error {
	if err := checkPasswordStrength(newPassword); err != nil {
		return err
	}
	seed, err := s.Export(oldPassword)
	if err != nil {
		return err
	}
	defer vcrypto.Wipe(seed)
	env, err := securestore.EncryptEnvelope(newPassword, seed)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.envelope = env
	s.mu.Unlock()
	return nil
}

// VerifyPassword reports whether password successfully decrypts the
// current seed envelope.
func (s *SeedManager) VerifyPassword(password string) bool {
	_, err := s.Export(password)
	return err == nil
}

// SnapshotEnvelope returns the current encrypted envelope for
// persistence.
func (s *SeedManager) SnapshotEnvelope() *securestore.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.envelope
}

// RestoreEnvelope loads a previously persisted envelope without
// decrypting it; the seed becomes available again only after a
// successful Export call.
func (s *SeedManager) RestoreEnvelope(env *securestore.Envelope) {
	s.mu.Lock()
	s.envelope = env
	s.haveSeed = env != nil
	s.mu.Unlock()
}

// Mnemonic renders a 32-byte seed as a BIP-39 mnemonic phrase, offered
// as a human-memorable convenience export alongside the canonical
// password-encrypted backup.
func Mnemonic(seed []byte) (string, error) {
	return bip39.NewMnemonic(seed)
}

// SeedFromMnemonic recovers the 32-byte seed encoded in a mnemonic
// phrase produced by Mnemonic.
func SeedFromMnemonic(mnemonic string) ([32]byte, error) {
	var out [32]byte
	if !bip39.IsMnemonicValid(mnemonic) {
		return out, errors.New("identity: invalid mnemonic phrase")
	}
	entropy, err := bip39.EntropyFromMnemonic(mnemonic)
	if err != nil {
		return out, err
	}
	if len(entropy) != 32 {
		return out, errors.New("identity: mnemonic does not encode a 32-byte seed")
	}
	copy(out[:], entropy)
	return out, nil
}

// ValidateMnemonic reports whether a phrase is well-formed BIP-39.
func ValidateMnemonic(mnemonic string) bool {
	return bip39.IsMnemonicValid(mnemonic)
}

// checkPasswordStrength applies a stdlib heuristic scorer: length plus
// character-class diversity, approximating a minimum zxcvbn-style score
// of 3 without pulling in a scoring model this corpus does not ship.
func checkPasswordStrength(password string) error {
	if passwordScore(password) < minPasswordScore {
		return ErrWeakPassword
	}
	return nil
}

// passwordScore returns a 0-4 heuristic strength score: one point for
// length >= 12, plus one point per character class present (lower,
// upper, digit, symbol), capped at 4.
func passwordScore(password string) int {
	if len(password) < 8 {
		return 0
	}
	score := 0
	if len(password) >= 12 {
		score++
	}
	var hasLower, hasUpper, hasDigit, hasSymbol bool
	for _, r := range password {
		switch {
		case r >= 'a' && r <= 'z':
			hasLower = true
		case r >= 'A' && r <= 'Z':
			hasUpper = true
		case r >= '0' && r <= '9':
			hasDigit = true
		default:
			hasSymbol = true
		}
	}
	for _, present := range []bool{hasLower, hasUpper, hasDigit, hasSymbol} {
		if present {
			score++
		}
	}
	if score > 4 {
		score = 4
	}
	return score
}
