package devicesync

import (
	"testing"

	"vauchi/internal/card"
	"vauchi/internal/vcrypto"
)

func TestRecordLocalChangeQueuesForEveryOtherDevice(t *testing.T) {
	m := NewManager("device-a", []string{"device-b", "device-c"})

	stamped := m.RecordLocalChange(Item{Kind: ItemContactAdded, ContactID: "contact-1"})
	if stamped.Timestamp != 1 {
		t.Fatalf("expected first local change to get timestamp 1, got %d", stamped.Timestamp)
	}

	for _, device := range []string{"device-b", "device-c"} {
		pending := m.PendingForDevice(device)
		if len(pending) != 1 || pending[0].ContactID != "contact-1" {
			t.Fatalf("expected contact-1 queued for %s, got %+v", device, pending)
		}
	}
	if vv := m.VersionVector(); vv["device-a"] != 1 {
		t.Fatalf("expected our version vector slot to be 1, got %d", vv["device-a"])
	}
}

func TestProcessIncomingAppliesStrictlyNewerTimestampOnly(t *testing.T) {
	m := NewManager("device-a", nil)

	first := Item{Kind: ItemCardUpdated, FieldLabel: "email", FieldValue: "old@example.com", Timestamp: 5}
	applied, err := m.ProcessIncoming([]Item{first})
	if err != nil {
		t.Fatalf("process incoming: %v", err)
	}
	if len(applied) != 1 {
		t.Fatalf("expected first update to apply, got %d", len(applied))
	}

	stale := Item{Kind: ItemCardUpdated, FieldLabel: "email", FieldValue: "stale@example.com", Timestamp: 3}
	applied, err = m.ProcessIncoming([]Item{stale})
	if err != nil {
		t.Fatalf("process incoming: %v", err)
	}
	if len(applied) != 0 {
		t.Fatalf("expected stale update to be rejected, got %+v", applied)
	}

	newer := Item{Kind: ItemCardUpdated, FieldLabel: "email", FieldValue: "new@example.com", Timestamp: 9}
	applied, err = m.ProcessIncoming([]Item{newer})
	if err != nil {
		t.Fatalf("process incoming: %v", err)
	}
	if len(applied) != 1 || applied[0].FieldValue != "new@example.com" {
		t.Fatalf("expected newer update to apply, got %+v", applied)
	}
}

func TestSnapshotJSONRoundTrip(t *testing.T) {
	m := NewManager("device-a", []string{"device-b"})
	m.RecordLocalChange(Item{Kind: ItemContactRemoved, ContactID: "contact-2"})

	raw, err := m.SnapshotJSON()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	restored, err := RestoreJSON(raw)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if len(restored.PendingForDevice("device-b")) != 1 {
		t.Fatalf("expected restored manager to retain pending queue")
	}
	if vv := restored.VersionVector(); vv["device-a"] != 1 {
		t.Fatalf("expected restored version vector to retain our slot, got %+v", vv)
	}
}

func TestSealAndOpenItemsForDeviceRoundTrip(t *testing.T) {
	ourKeys, err := vcrypto.ExchangeKeyPairFromSeed(mustSeed(t, 1))
	if err != nil {
		t.Fatalf("our keys: %v", err)
	}
	theirKeys, err := vcrypto.ExchangeKeyPairFromSeed(mustSeed(t, 2))
	if err != nil {
		t.Fatalf("their keys: %v", err)
	}

	items := []Item{{Kind: ItemVisibilityChange, VisibilityContactID: "contact-3", VisibilityRules: []string{"phone"}, Timestamp: 1}}
	sealed, err := SealItemsForDevice(items, ourKeys.Private[:], theirKeys.Public[:])
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	opened, err := OpenItemsFromDevice(sealed, theirKeys.Private[:], ourKeys.Public[:])
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if len(opened) != 1 || opened[0].VisibilityContactID != "contact-3" {
		t.Fatalf("round trip mismatch: %+v", opened)
	}
}

func TestSealAndOpenFullSyncBundleRoundTrip(t *testing.T) {
	ourKeys, err := vcrypto.ExchangeKeyPairFromSeed(mustSeed(t, 3))
	if err != nil {
		t.Fatalf("our keys: %v", err)
	}
	theirKeys, err := vcrypto.ExchangeKeyPairFromSeed(mustSeed(t, 4))
	if err != nil {
		t.Fatalf("their keys: %v", err)
	}

	bundle := FullSyncBundle{
		OwnCard:       card.Card{IdentityID: "id-1", DisplayName: "Ada"},
		VersionVector: map[string]uint64{"device-a": 3},
	}
	sealed, err := SealFullSyncForDevice(bundle, ourKeys.Private[:], theirKeys.Public[:])
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	opened, err := OpenFullSyncFromDevice(sealed, theirKeys.Private[:], ourKeys.Public[:])
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if opened.OwnCard.DisplayName != "Ada" || opened.VersionVector["device-a"] != 3 {
		t.Fatalf("round trip mismatch: %+v", opened)
	}
}

func mustSeed(t *testing.T, fill byte) []byte {
	t.Helper()
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = fill
	}
	return seed
}
