package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"vauchi/internal/config"
	"vauchi/internal/devicesync"
	"vauchi/internal/identity"
	"vauchi/internal/recovery"
	"vauchi/internal/relay"
	"vauchi/internal/securestore"
	"vauchi/internal/storage"
	"vauchi/internal/syncqueue"
	"vauchi/internal/vcrypto"
)

const (
	identityFileName    = "identity.json"
	seedBackupFileName  = "identity.backup"
	storageFileName     = "storage.db"
	storageKeyFileName  = ".storagekey"
	deviceSyncFileName  = "devicesync.state"
	keyringServiceName  = "vauchi"
	storageKeyAccount   = "storage"
)

var errNotInitialized = errors.New("no identity found in this data directory; run \"vauchi init\" first")

// persistedIdentity is the on-disk, plaintext companion to the sealed
// seed backup: the identity record plus the signed device registry,
// neither of which contains private key material.
type persistedIdentity struct {
	Identity    identity.Identity `json:"identity"`
	Registry    identity.Registry `json:"registry"`
	DeviceIndex int               `json:"device_index"`
}

// App bundles every wired-up component one CLI invocation needs,
// mirroring the set of collaborators the daemon composes at startup.
type App struct {
	cfg        config.Config
	dataDir    string
	store      *storage.Store
	identity   *identity.Manager
	deviceSync *devicesync.Manager
	password   string
}

func dataDirPath(dataDir, name string) string {
	return filepath.Join(dataDir, name)
}

// loadStorageKey fetches (or, on first run, creates) the 32-byte key
// that encrypts everything under the storage facade, from a
// platform keyring when one is available and an encrypted-file
// fallback otherwise.
func loadStorageKey(dataDir, password string) ([]byte, error) {
	var backend securestore.KeyBackend
	if ring, err := securestore.NewKeyringKeyBackend(keyringServiceName); err == nil {
		backend = ring
	} else {
		backend = securestore.FileKeyBackend{Path: dataDirPath(dataDir, storageKeyFileName), Password: password}
	}

	key, err := backend.LoadKey(storageKeyAccount)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, securestore.ErrKeyNotFound) && !os.IsNotExist(err) {
		return nil, err
	}

	key, err = vcrypto.RandomBytes(32)
	if err != nil {
		return nil, err
	}
	if err := backend.SaveKey(storageKeyAccount, key); err != nil {
		return nil, err
	}
	return key, nil
}

// openApp loads configuration, the storage facade, and (if this data
// directory already holds one) the identity manager, ready for any
// subcommand but init.
func openApp(cfg config.Config, password string) (*App, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, err
	}
	key, err := loadStorageKey(cfg.DataDir, password)
	if err != nil {
		return nil, fmt.Errorf("load storage key: %w", err)
	}
	store, err := storage.Open(dataDirPath(cfg.DataDir, storageFileName), key)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	app := &App{cfg: cfg, dataDir: cfg.DataDir, store: store, password: password}

	if !store.HasDeviceInfo() {
		return app, nil
	}
	mgr, err := restoreIdentity(cfg.DataDir, password)
	if err != nil {
		return nil, err
	}
	app.identity = mgr

	ds, err := restoreDeviceSync(cfg.DataDir, key)
	if err != nil {
		return nil, err
	}
	app.deviceSync = ds
	return app, nil
}

// requireIdentity returns an error matching errNotInitialized if no
// identity has been created in this data directory yet.
func (a *App) requireIdentity() error {
	if a.identity == nil {
		return errNotInitialized
	}
	return nil
}

func restoreIdentity(dataDir, password string) (*identity.Manager, error) {
	raw, err := os.ReadFile(dataDirPath(dataDir, identityFileName))
	if err != nil {
		return nil, fmt.Errorf("read identity record: %w", err)
	}
	var pid persistedIdentity
	if err := json.Unmarshal(raw, &pid); err != nil {
		return nil, fmt.Errorf("parse identity record: %w", err)
	}

	envRaw, err := os.ReadFile(dataDirPath(dataDir, seedBackupFileName))
	if err != nil {
		return nil, fmt.Errorf("read seed backup: %w", err)
	}
	var env securestore.Envelope
	if err := json.Unmarshal(envRaw, &env); err != nil {
		return nil, fmt.Errorf("parse seed backup: %w", err)
	}

	return identity.Restore(password, &env, pid.Identity, pid.Registry, pid.DeviceIndex)
}

// persistIdentity writes the seed backup and the plaintext identity
// record (identity + registry + this device's slot), the two files
// restoreIdentity reads back on the next invocation.
func persistIdentity(dataDir string, mgr *identity.Manager, deviceIndex int) error {
	id, err := mgr.Identity()
	if err != nil {
		return err
	}
	reg, err := mgr.Registry()
	if err != nil {
		return err
	}
	pid := persistedIdentity{Identity: id, Registry: *reg, DeviceIndex: deviceIndex}
	raw, err := json.Marshal(pid)
	if err != nil {
		return err
	}
	if err := os.WriteFile(dataDirPath(dataDir, identityFileName), raw, 0o600); err != nil {
		return err
	}

	envRaw, err := json.Marshal(mgr.SeedEnvelope())
	if err != nil {
		return err
	}
	return os.WriteFile(dataDirPath(dataDir, seedBackupFileName), envRaw, 0o600)
}

func restoreDeviceSync(dataDir string, storageKey []byte) (*devicesync.Manager, error) {
	path := dataDirPath(dataDir, deviceSyncFileName)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read device sync state: %w", err)
	}
	var env securestore.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("parse device sync state: %w", err)
	}
	plain, err := securestore.DecryptWithKey(storageKey, &env, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt device sync state: %w", err)
	}
	return devicesync.RestoreJSON(plain)
}

func persistDeviceSync(dataDir string, storageKey []byte, ds *devicesync.Manager) error {
	raw, err := ds.SnapshotJSON()
	if err != nil {
		return err
	}
	env, err := securestore.EncryptWithKey(storageKey, raw, nil)
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return os.WriteFile(dataDirPath(dataDir, deviceSyncFileName), encoded, 0o600)
}

func (a *App) saveDeviceSync(storageKey []byte) error {
	if a.deviceSync == nil {
		return nil
	}
	return persistDeviceSync(a.dataDir, storageKey, a.deviceSync)
}

// newSyncOrchestrator wires a syncqueue.Orchestrator over this app's
// storage handle.
func (a *App) newSyncOrchestrator() *syncqueue.Orchestrator {
	return syncqueue.New(a.store, nil)
}

// newRelayClient dials no connection by itself; it builds a client
// ready for Connect, authenticated with this identity's signing keys.
func (a *App) newRelayClient() (*relay.Client, error) {
	if err := a.requireIdentity(); err != nil {
		return nil, err
	}
	pub, priv, err := a.identity.SigningKeyPair()
	if err != nil {
		return nil, err
	}
	relayCfg, err := a.cfg.Relay.ToRelayConfig()
	if err != nil {
		return nil, err
	}
	dialer := relay.WebSocketDialer{HandshakeTimeout: relayCfg.HandshakeTimeout}
	return relay.NewClient(relayCfg, dialer, pub, priv), nil
}

// recoverySettings returns this app's configured recovery thresholds.
func (a *App) recoverySettings() recovery.Settings {
	return a.cfg.Recovery.ToRecoverySettings()
}
