package identity

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"vauchi/internal/securestore"
	"vauchi/internal/vcrypto"
)

var (
	ErrIdentityMismatch = errors.New("identity: identity id does not match public key")
	ErrNotInitialized   = errors.New("identity: manager has no identity yet")
)

// Manager owns one local identity's derived keys and device registry,
// guarded by a mutex so it can be shared across the exchange, sync, and
// storage subsystems within a process.
type Manager struct {
	mu       sync.RWMutex
	identity Identity
	keys     Keys
	seeds    *SeedManager
	registry *Registry
	primary  [32]byte // this device's exchange private key
}

// NewManager returns an uninitialized manager; call Create or Import.
func NewManager() *Manager {
	return &Manager{seeds: NewSeedManager()}
}

// Create generates a brand-new identity protected by password, with a
// single primary device named deviceName.
func (m *Manager) Create(password, deviceName string) (Identity, string, error) {
	mnemonic, keys, err := m.seeds.Create(password)
	if err != nil {
		return Identity{}, "", err
	}
	seed, err := m.seeds.Export(password)
	if err != nil {
		return Identity{}, "", err
	}
	defer vcrypto.Wipe(seed)
	identity, err := m.adopt(seed, keys, deviceName)
	return identity, mnemonic, err
}

// Import recovers an identity from a mnemonic phrase.
func (m *Manager) Import(mnemonic, password, deviceName string) (Identity, error) {
	keys, err := m.seeds.Import(mnemonic, password)
	if err != nil {
		return Identity{}, err
	}
	seed, err := m.seeds.Export(password)
	if err != nil {
		return Identity{}, err
	}
	defer vcrypto.Wipe(seed)
	return m.adopt(seed, keys, deviceName)
}

// ImportFromDeviceLink adopts a master seed delivered by a device-link
// exchange, registering this device at the given slot index rather than
// as a fresh primary device.
func (m *Manager) ImportFromDeviceLink(seed [32]byte, password, deviceName string, deviceIndex int, registry *Registry) (Identity, error) {
	keys, err := m.seeds.ImportRaw(seed, password)
	if err != nil {
		return Identity{}, err
	}
	id, err := BuildIdentityID(keys.SigningPublic)
	if err != nil {
		return Identity{}, err
	}
	dev, priv, err := DeriveDevice(seed[:], deviceIndex, deviceName)
	if err != nil {
		return Identity{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.identity = Identity{ID: id, SigningPublicKey: append([]byte(nil), keys.SigningPublic...), CreatedAt: time.Now()}
	m.keys = keys
	m.registry = registry
	m.primary = priv
	_ = dev
	return m.identity, nil
}

func (m *Manager) adopt(seed []byte, keys Keys, deviceName string) (Identity, error) {
	id, err := BuildIdentityID(keys.SigningPublic)
	if err != nil {
		return Identity{}, err
	}
	primaryDevice, priv, err := DeriveDevice(seed, 0, deviceName)
	if err != nil {
		return Identity{}, err
	}
	registry := NewRegistry(primaryDevice)
	registry.Sign(keys.SigningPrivate)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.identity = Identity{ID: id, SigningPublicKey: append([]byte(nil), keys.SigningPublic...), CreatedAt: time.Now()}
	m.keys = keys
	m.registry = registry
	m.primary = priv
	return m.identity, nil
}

// Identity returns the current identity record.
func (m *Manager) Identity() (Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.identity.ID == "" {
		return Identity{}, ErrNotInitialized
	}
	return m.identity, nil
}

// SigningKeyPair returns the identity's Ed25519 key pair.
func (m *Manager) SigningKeyPair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.identity.ID == "" {
		return nil, nil, ErrNotInitialized
	}
	return append([]byte(nil), m.keys.SigningPublic...), append([]byte(nil), m.keys.SigningPrivate...), nil
}

// ExchangeKeyPair returns the identity-level X25519 key pair used for
// the exchange handshake's long-term key agreement.
func (m *Manager) ExchangeKeyPair() (vcrypto.ExchangeKeyPair, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.identity.ID == "" {
		return vcrypto.ExchangeKeyPair{}, ErrNotInitialized
	}
	return vcrypto.ExchangeKeyPair{Public: m.keys.ExchangePublic, Private: m.keys.ExchangePrivate}, nil
}

// Registry returns a copy of the current device registry.
func (m *Manager) Registry() (*Registry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.registry == nil {
		return nil, ErrNotInitialized
	}
	cp := *m.registry
	cp.Devices = append([]Device(nil), m.registry.Devices...)
	return &cp, nil
}

// AddDevice derives a new device at the next free slot, appends it to
// the registry, and re-signs the registry. It returns the new device's
// private exchange key, which the caller must deliver to the new
// device over the device-link protocol; the registry itself never
// carries private material.
func (m *Manager) AddDevice(seed []byte, deviceName string) (Device, [32]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.registry == nil {
		return Device{}, [32]byte{}, ErrNotInitialized
	}
	idx, err := m.registry.NextFreeIndex()
	if err != nil {
		return Device{}, [32]byte{}, err
	}
	dev, priv, err := DeriveDevice(seed, idx, deviceName)
	if err != nil {
		return Device{}, [32]byte{}, err
	}
	if err := m.registry.AddDevice(dev); err != nil {
		return Device{}, [32]byte{}, err
	}
	m.registry.Sign(m.keys.SigningPrivate)
	return dev, priv, nil
}

// RevokeDevice marks a device revoked and re-signs the registry.
func (m *Manager) RevokeDevice(deviceID string) (*Registry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.registry == nil {
		return nil, ErrNotInitialized
	}
	if err := m.registry.RevokeDevice(deviceID); err != nil {
		return nil, err
	}
	m.registry.Sign(m.keys.SigningPrivate)
	cp := *m.registry
	cp.Devices = append([]Device(nil), m.registry.Devices...)
	return &cp, nil
}

// ApplyRemoteRegistry replaces the local registry copy with one
// received from a peer device, after verifying its signature and that
// its version does not regress.
func (m *Manager) ApplyRemoteRegistry(remote *Registry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.identity.ID == "" {
		return ErrNotInitialized
	}
	if !remote.Verify(m.keys.SigningPublic) {
		return ErrInvalidRegistrySig
	}
	if m.registry != nil && remote.Version < m.registry.Version {
		return nil
	}
	m.registry = remote
	return nil
}

// persistedState is the JSON-serializable snapshot of everything the
// manager needs to resume across a process restart, short of the seed
// itself (which remains sealed in its own password envelope).
type persistedState struct {
	Identity      Identity `json:"identity"`
	SigningPublic []byte   `json:"signing_public"`
	ExchangeKey   []byte   `json:"exchange_public"`
	Registry      Registry `json:"registry"`
}

// SnapshotStateJSON serializes the manager's public state (not the
// seed or any private key) for persistence alongside the seed envelope.
func (m *Manager) SnapshotStateJSON() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.identity.ID == "" {
		return nil, ErrNotInitialized
	}
	snap := persistedState{
		Identity:      m.identity,
		SigningPublic: m.keys.SigningPublic,
		ExchangeKey:   m.keys.ExchangePublic[:],
		Registry:      *m.registry,
	}
	return json.Marshal(snap)
}

// VerifyPassword reports whether the given password unlocks the
// identity's seed envelope.
func (m *Manager) VerifyPassword(password string) bool {
	return m.seeds.VerifyPassword(password)
}

// ExportSeed decrypts and returns the raw master seed for backup
// purposes. Callers must wipe the returned slice once done.
func (m *Manager) ExportSeed(password string) ([]byte, error) {
	return m.seeds.Export(password)
}

// ChangePassword re-encrypts the seed envelope under a new password.
func (m *Manager) ChangePassword(oldPassword, newPassword string) error {
	return m.seeds.ChangePassword(oldPassword, newPassword)
}

// SeedEnvelope returns the current password-encrypted seed backup, for
// a caller to persist alongside SnapshotStateJSON.
func (m *Manager) SeedEnvelope() *securestore.Envelope {
	return m.seeds.SnapshotEnvelope()
}

// PrimaryExchangeKey returns this device's own X25519 exchange private
// key, distinct from the identity-level long-term exchange key used in
// the QR handshake: it is what inter-device sync seals payloads under.
func (m *Manager) PrimaryExchangeKey() [32]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.primary
}

// Restore reconstructs a manager from a password-encrypted seed
// envelope plus the identity record and device registry persisted
// alongside it, re-deriving this process's own device slot.
func Restore(password string, env *securestore.Envelope, id Identity, registry Registry, deviceIndex int) (*Manager, error) {
	m := NewManager()
	m.seeds.RestoreEnvelope(env)
	seed, err := m.seeds.Export(password)
	if err != nil {
		return nil, err
	}
	defer vcrypto.Wipe(seed)

	keys, err := DeriveKeys(seed)
	if err != nil {
		return nil, err
	}
	dev, ok := findDevice(registry, deviceIndex)
	if !ok {
		return nil, ErrNotInitialized
	}
	_, priv, err := DeriveDevice(seed, deviceIndex, dev.DeviceName)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.identity = id
	m.keys = keys
	cp := registry
	cp.Devices = append([]Device(nil), registry.Devices...)
	m.registry = &cp
	m.primary = priv
	return m, nil
}

func findDevice(r Registry, index int) (Device, bool) {
	for _, d := range r.Devices {
		if d.Index == index {
			return d, true
		}
	}
	return Device{}, false
}
