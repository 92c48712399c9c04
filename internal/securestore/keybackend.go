package securestore

import (
	"encoding/json"
	"errors"

	"github.com/99designs/keyring"
)

// ErrKeyNotFound is returned by a KeyBackend when no key is stored yet.
var ErrKeyNotFound = errors.New("securestore: key not found")

// KeyBackend stores and retrieves the raw storage key that encrypts a
// caller's local state at rest. Two implementations are provided: a
// plain encrypted-file fallback and one backed by the host OS's
// credential store.
type KeyBackend interface {
	LoadKey(account string) ([]byte, error)
	SaveKey(account string, key []byte) error
	DeleteKey(account string) error
}

// FileKeyBackend stores the storage key itself inside a
// password-encrypted envelope file, for platforms with no usable
// system keychain.
type FileKeyBackend struct {
	Path     string
	Password string
}

func (b FileKeyBackend) LoadKey(account string) ([]byte, error) {
	raw, err := ReadDecryptedFile(b.Path, b.Password)
	if err != nil {
		return nil, err
	}
	var key []byte
	if err := json.Unmarshal(raw, &key); err != nil {
		return nil, err
	}
	return key, nil
}

func (b FileKeyBackend) SaveKey(account string, key []byte) error {
	return WriteEncryptedJSON(b.Path, b.Password, key)
}

func (b FileKeyBackend) DeleteKey(account string) error {
	return nil
}

// KeyringKeyBackend stores the storage key in the platform's native
// credential store (macOS Keychain, Secret Service, Windows Credential
// Manager) via automatic backend selection.
type KeyringKeyBackend struct {
	ServiceName string
	ring        keyring.Keyring
}

// NewKeyringKeyBackend opens (or lazily creates on first use) the
// platform keyring for the given service namespace.
func NewKeyringKeyBackend(serviceName string) (*KeyringKeyBackend, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
	})
	if err != nil {
		return nil, err
	}
	return &KeyringKeyBackend{ServiceName: serviceName, ring: ring}, nil
}

func (b *KeyringKeyBackend) LoadKey(account string) ([]byte, error) {
	item, err := b.ring.Get(account)
	if err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}
	return item.Data, nil
}

func (b *KeyringKeyBackend) SaveKey(account string, key []byte) error {
	return b.ring.Set(keyring.Item{
		Key:  account,
		Data: key,
	})
}

func (b *KeyringKeyBackend) DeleteKey(account string) error {
	err := b.ring.Remove(account)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return nil
	}
	return err
}
