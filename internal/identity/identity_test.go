package identity

import (
	"bytes"
	"testing"
)

func TestDeriveKeysIsDeterministic(t *testing.T) {
	seed := bytes.Repeat([]byte{0x11}, 32)
	a, err := DeriveKeys(seed)
	if err != nil {
		t.Fatalf("derive keys: %v", err)
	}
	b, err := DeriveKeys(seed)
	if err != nil {
		t.Fatalf("derive keys: %v", err)
	}
	if !bytes.Equal(a.SigningPublic, b.SigningPublic) {
		t.Fatal("signing public key must be deterministic from seed")
	}
	if a.ExchangePublic != b.ExchangePublic {
		t.Fatal("exchange public key must be deterministic from seed")
	}
}

func TestDeriveKeysRejectsWrongSeedSize(t *testing.T) {
	if _, err := DeriveKeys([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for short seed")
	}
}

func TestBuildIdentityIDRoundTrips(t *testing.T) {
	seed := bytes.Repeat([]byte{0x22}, 32)
	keys, err := DeriveKeys(seed)
	if err != nil {
		t.Fatalf("derive keys: %v", err)
	}
	id, err := BuildIdentityID(keys.SigningPublic)
	if err != nil {
		t.Fatalf("build identity id: %v", err)
	}
	ok, err := VerifyIdentityID(id, keys.SigningPublic)
	if err != nil {
		t.Fatalf("verify identity id: %v", err)
	}
	if !ok {
		t.Fatal("expected identity id to verify")
	}
}

func TestManagerCreateThenAddAndRevokeDevice(t *testing.T) {
	m := NewManager()
	_, _, err := m.Create("correct horse battery staple 1!", "Primary Phone")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	seed, err := m.ExportSeed("correct horse battery staple 1!")
	if err != nil {
		t.Fatalf("export seed: %v", err)
	}

	dev, _, err := m.AddDevice(seed, "Laptop")
	if err != nil {
		t.Fatalf("add device: %v", err)
	}
	if dev.Index == 0 {
		t.Fatal("second device should not reuse the primary slot")
	}

	reg, err := m.Registry()
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	if len(reg.Devices) != 2 {
		t.Fatalf("expected 2 devices, got %d", len(reg.Devices))
	}

	if _, err := m.RevokeDevice(dev.DeviceID); err != nil {
		t.Fatalf("revoke device: %v", err)
	}
	reg, _ = m.Registry()
	if reg.ActiveCount() != 1 {
		t.Fatalf("expected 1 active device after revocation, got %d", reg.ActiveCount())
	}
}

func TestManagerRestoreRecoversSameKeysAndPrimaryExchangeKey(t *testing.T) {
	m := NewManager()
	id, _, err := m.Create("correct horse battery staple 1!", "Primary Phone")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	reg, err := m.Registry()
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	wantPrimary := m.PrimaryExchangeKey()
	wantPub, _, err := m.SigningKeyPair()
	if err != nil {
		t.Fatalf("signing key pair: %v", err)
	}

	restored, err := Restore("correct horse battery staple 1!", m.SeedEnvelope(), id, *reg, 0)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	gotPub, _, err := restored.SigningKeyPair()
	if err != nil {
		t.Fatalf("restored signing key pair: %v", err)
	}
	if string(gotPub) != string(wantPub) {
		t.Fatal("expected restored manager to recover the same signing key")
	}
	if restored.PrimaryExchangeKey() != wantPrimary {
		t.Fatal("expected restored manager to recover the same primary exchange key")
	}
}

func TestManagerCannotRevokeLastDevice(t *testing.T) {
	m := NewManager()
	_, _, err := m.Create("correct horse battery staple 1!", "Only Device")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	reg, _ := m.Registry()
	primary := reg.Devices[0]
	if _, err := m.RevokeDevice(primary.DeviceID); err != ErrCannotRemoveLastDevice {
		t.Fatalf("expected ErrCannotRemoveLastDevice, got %v", err)
	}
}

func TestRegistrySignatureDetectsTamper(t *testing.T) {
	m := NewManager()
	_, _, err := m.Create("correct horse battery staple 1!", "Primary")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	pub, _, _ := m.SigningKeyPair()
	reg, _ := m.Registry()
	if !reg.Verify(pub) {
		t.Fatal("expected registry signature to verify")
	}
	reg.Devices[0].DeviceID = "tampered"
	if reg.Verify(pub) {
		t.Fatal("expected tampered registry to fail verification")
	}
}

func TestSeedManagerRejectsWeakPassword(t *testing.T) {
	sm := NewSeedManager()
	if _, _, err := sm.Create("short"); err != ErrWeakPassword {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}
}

func TestSeedManagerExportWrongPasswordLocksOut(t *testing.T) {
	sm := NewSeedManager()
	if _, _, err := sm.Create("correct horse battery staple 1!"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := sm.Export("wrong password entirely!"); err != ErrWrongPassword {
		t.Fatalf("expected ErrWrongPassword, got %v", err)
	}
	if _, err := sm.Export("correct horse battery staple 1!"); err != ErrLockedOut {
		t.Fatalf("expected ErrLockedOut immediately after a failure, got %v", err)
	}
}

func TestMnemonicRoundTrip(t *testing.T) {
	seed := bytes.Repeat([]byte{0x33}, 32)
	phrase, err := Mnemonic(seed)
	if err != nil {
		t.Fatalf("mnemonic: %v", err)
	}
	if !ValidateMnemonic(phrase) {
		t.Fatal("expected generated mnemonic to validate")
	}
	recovered, err := SeedFromMnemonic(phrase)
	if err != nil {
		t.Fatalf("seed from mnemonic: %v", err)
	}
	if !bytes.Equal(recovered[:], seed) {
		t.Fatal("recovered seed does not match original")
	}
}
