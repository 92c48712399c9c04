package storage

import (
	"path/filepath"
	"testing"
	"time"

	"vauchi/internal/card"
	"vauchi/internal/testutil/fsperm"
	"vauchi/internal/vcrypto"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key, err := vcrypto.RandomBytes(32)
	if err != nil {
		t.Fatalf("random key: %v", err)
	}
	return key
}

func TestContactSaveLoadListDeleteCascades(t *testing.T) {
	s := New()
	c := Contact{IdentityID: "vch1abc", Card: card.Card{DisplayName: "Ada"}}
	if err := s.SaveContact(c); err != nil {
		t.Fatalf("save contact: %v", err)
	}
	if err := s.SaveRatchetState("vch1abc", []byte("state"), true); err != nil {
		t.Fatalf("save ratchet: %v", err)
	}
	if err := s.QueueUpdate(PendingUpdate{ID: "u1", ContactID: "vch1abc"}); err != nil {
		t.Fatalf("queue update: %v", err)
	}

	loaded, err := s.LoadContact("vch1abc")
	if err != nil {
		t.Fatalf("load contact: %v", err)
	}
	if loaded.Card.DisplayName != "Ada" {
		t.Fatalf("unexpected display name: %q", loaded.Card.DisplayName)
	}
	if len(s.ListContacts()) != 1 {
		t.Fatalf("expected 1 contact, got %d", len(s.ListContacts()))
	}

	if err := s.DeleteContact("vch1abc"); err != nil {
		t.Fatalf("delete contact: %v", err)
	}
	if _, err := s.LoadContact("vch1abc"); err != ErrContactNotFound {
		t.Fatalf("expected ErrContactNotFound, got %v", err)
	}
	if _, err := s.LoadRatchetState("vch1abc"); err != ErrRatchetNotFound {
		t.Fatalf("expected cascaded ratchet deletion, got %v", err)
	}
	if got := s.GetPendingUpdates("vch1abc"); len(got) != 0 {
		t.Fatalf("expected cascaded pending-update deletion, got %d", len(got))
	}
}

func TestOwnCardRoundTrip(t *testing.T) {
	s := New()
	if _, err := s.LoadOwnCard(); err != ErrCardNotFound {
		t.Fatalf("expected ErrCardNotFound, got %v", err)
	}
	c := card.Card{DisplayName: "Me", Version: 1}
	if err := s.SaveOwnCard(c); err != nil {
		t.Fatalf("save own card: %v", err)
	}
	loaded, err := s.LoadOwnCard()
	if err != nil {
		t.Fatalf("load own card: %v", err)
	}
	if loaded.DisplayName != "Me" {
		t.Fatalf("unexpected display name: %q", loaded.DisplayName)
	}
}

func TestPendingUpdateLifecycle(t *testing.T) {
	s := New()
	now := time.Now().UTC()
	if err := s.QueueUpdate(PendingUpdate{ID: "u1", ContactID: "c1", NextRetry: now.Add(-time.Minute)}); err != nil {
		t.Fatalf("queue: %v", err)
	}
	if err := s.QueueUpdate(PendingUpdate{ID: "u2", ContactID: "c1", NextRetry: now.Add(time.Hour)}); err != nil {
		t.Fatalf("queue: %v", err)
	}
	if s.CountPendingUpdates() != 2 {
		t.Fatalf("expected 2 pending updates, got %d", s.CountPendingUpdates())
	}
	ready := s.GetReadyForRetry(now)
	if len(ready) != 1 || ready[0].ID != "u1" {
		t.Fatalf("expected only u1 ready for retry, got %+v", ready)
	}
	if err := s.MarkUpdateSent("u1"); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	if len(s.GetReadyForRetry(now)) != 0 {
		t.Fatal("sent update should not be ready for retry")
	}
	if err := s.DeletePendingUpdate("u2"); err != nil {
		t.Fatalf("delete pending: %v", err)
	}
	if s.CountPendingUpdates() != 1 {
		t.Fatalf("expected 1 remaining pending update, got %d", s.CountPendingUpdates())
	}
}

func TestDeliveryRecordExpiry(t *testing.T) {
	s := New()
	now := time.Now().UTC()
	if err := s.SaveDeliveryRecord(DeliveryRecord{ID: "d1", ContactID: "c1", ExpiresAt: now.Add(-time.Hour)}); err != nil {
		t.Fatalf("save delivery: %v", err)
	}
	if err := s.SaveDeliveryRecord(DeliveryRecord{ID: "d2", ContactID: "c1", ExpiresAt: now.Add(time.Hour)}); err != nil {
		t.Fatalf("save delivery: %v", err)
	}
	expired, err := s.ExpireOldDeliveries(now)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if expired != 1 {
		t.Fatalf("expected 1 expired record, got %d", expired)
	}
	if _, err := s.LoadDeliveryRecord("d1"); err != ErrDeliveryNotFound {
		t.Fatalf("expected d1 gone, got %v", err)
	}
	if _, err := s.LoadDeliveryRecord("d2"); err != nil {
		t.Fatalf("expected d2 to remain: %v", err)
	}
}

func TestEncryptedPersistentStoreRoundTripAndWrongKeyFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "store.enc")
	key := testKey(t)

	s1, err := Open(path, key)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	fsperm.AssertPrivateDirPerm(t, filepath.Dir(path))
	if err := s1.SaveContact(Contact{IdentityID: "vch1xyz", Card: card.Card{DisplayName: "Grace"}}); err != nil {
		t.Fatalf("save contact: %v", err)
	}

	s2, err := Open(path, key)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	loaded, err := s2.LoadContact("vch1xyz")
	if err != nil {
		t.Fatalf("load contact after reopen: %v", err)
	}
	if loaded.Card.DisplayName != "Grace" {
		t.Fatalf("unexpected display name: %q", loaded.Card.DisplayName)
	}

	wrongKey := testKey(t)
	if _, err := Open(path, wrongKey); err == nil {
		t.Fatal("expected decryption failure with wrong key")
	}
}

func TestVersionVectorRoundTrip(t *testing.T) {
	s := New()
	vv := map[string]uint64{"device-a": 3, "device-b": 7}
	if err := s.SaveVersionVector(vv); err != nil {
		t.Fatalf("save version vector: %v", err)
	}
	loaded := s.LoadVersionVector()
	if loaded["device-a"] != 3 || loaded["device-b"] != 7 {
		t.Fatalf("unexpected version vector: %+v", loaded)
	}
	loaded["device-a"] = 99
	if reloaded := s.LoadVersionVector(); reloaded["device-a"] != 3 {
		t.Fatal("LoadVersionVector must return a copy, not shared state")
	}
}
