package syncqueue

import (
	"testing"
	"time"

	"vauchi/internal/card"
	"vauchi/internal/storage"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestQueueCardUpdateNoChangesReturnsErrNoChanges(t *testing.T) {
	store := storage.New()
	o := New(store, fixedClock(time.Now()))
	c := card.Card{DisplayName: "Ada"}
	if _, err := o.QueueCardUpdate("contact-1", c, c); err != ErrNoChanges {
		t.Fatalf("expected ErrNoChanges, got %v", err)
	}
}

func TestQueueCardUpdateThenMarkDelivered(t *testing.T) {
	store := storage.New()
	now := time.Now().UTC()
	o := New(store, fixedClock(now))

	old := card.Card{DisplayName: "Ada"}
	next := card.Card{DisplayName: "Ada Lovelace"}
	u, err := o.QueueCardUpdate("contact-1", old, next)
	if err != nil {
		t.Fatalf("queue card update: %v", err)
	}
	if o.GetSyncState("contact-1").Kind != SyncStatePending {
		t.Fatalf("expected pending sync state, got %+v", o.GetSyncState("contact-1"))
	}

	if err := o.MarkDelivered(u.ID, "contact-1"); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}
	state := o.GetSyncState("contact-1")
	if state.Kind != SyncStateSynced {
		t.Fatalf("expected synced, got %+v", state)
	}
	if !state.LastSync.Equal(now) {
		t.Fatalf("expected last sync stamped to %v, got %v", now, state.LastSync)
	}
}

func TestMarkFailedSchedulesExponentialBackoff(t *testing.T) {
	store := storage.New()
	now := time.Now().UTC()
	o := New(store, fixedClock(now))

	old := card.Card{DisplayName: "Ada"}
	next := card.Card{DisplayName: "Ada L"}
	u, err := o.QueueCardUpdate("contact-1", old, next)
	if err != nil {
		t.Fatalf("queue: %v", err)
	}

	if err := o.MarkFailed(u.ID, 2, "network unreachable"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	state := o.GetSyncState("contact-1")
	if state.Kind != SyncStateFailed {
		t.Fatalf("expected failed state, got %+v", state)
	}
	want := now.Add(30 * time.Second * 4) // 30 * 2^2
	if !state.RetryAt.Equal(want) {
		t.Fatalf("expected retry_at %v, got %v", want, state.RetryAt)
	}

	// retryCount above the cap clamps to 2^6.
	if err := o.MarkFailed(u.ID, 50, "still failing"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	capped := o.GetSyncState("contact-1")
	wantCapped := now.Add(30 * time.Second * 64) // 30 * 2^6
	if !capped.RetryAt.Equal(wantCapped) {
		t.Fatalf("expected capped retry_at %v, got %v", wantCapped, capped.RetryAt)
	}
}

func TestGetReadyForRetryReturnsPendingAndDueFailed(t *testing.T) {
	store := storage.New()
	now := time.Now().UTC()
	o := New(store, fixedClock(now))

	old := card.Card{DisplayName: "A"}
	u1, _ := o.QueueCardUpdate("c1", old, card.Card{DisplayName: "A1"})
	u2, _ := o.QueueCardUpdate("c2", old, card.Card{DisplayName: "A2"})

	if err := o.MarkFailed(u2.ID, 10, "timeout"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	ready := o.GetReadyForRetry()
	if len(ready) != 1 || ready[0].ID != u1.ID {
		t.Fatalf("expected only u1 ready (u2 not yet due), got %+v", ready)
	}

	future := New(store, fixedClock(now.Add(2*time.Hour)))
	readyLater := future.GetReadyForRetry()
	ids := map[string]bool{}
	for _, r := range readyLater {
		ids[r.ID] = true
	}
	if !ids[u1.ID] || !ids[u2.ID] {
		t.Fatalf("expected both updates ready once u2's backoff elapses, got %+v", readyLater)
	}
}

func TestCoalesceUpdatesMergesAndIsIdempotent(t *testing.T) {
	store := storage.New()
	now := time.Now().UTC()
	o := New(store, fixedClock(now))

	base := card.Card{DisplayName: "Ada"}
	step1 := card.Card{DisplayName: "Ada L"}
	step2 := card.Card{DisplayName: "Ada Lovelace"}

	if _, err := o.QueueCardUpdate("c1", base, step1); err != nil {
		t.Fatalf("queue step1: %v", err)
	}
	if _, err := o.QueueCardUpdate("c1", step1, step2); err != nil {
		t.Fatalf("queue step2: %v", err)
	}

	merged, didCoalesce, err := o.CoalesceUpdates("c1")
	if err != nil {
		t.Fatalf("coalesce: %v", err)
	}
	if !didCoalesce {
		t.Fatal("expected coalescing to occur with 2 pending updates")
	}
	if len(store.GetPendingUpdates("c1")) != 1 {
		t.Fatalf("expected exactly 1 pending update after coalescing, got %d", len(store.GetPendingUpdates("c1")))
	}

	_, didCoalesceAgain, err := o.CoalesceUpdates("c1")
	if err != nil {
		t.Fatalf("second coalesce: %v", err)
	}
	if didCoalesceAgain {
		t.Fatal("coalescing with a single remaining pending update must be a no-op")
	}
	stillOne := store.GetPendingUpdates("c1")
	if len(stillOne) != 1 || stillOne[0].ID != merged.ID {
		t.Fatalf("expected the merged update to remain untouched, got %+v", stillOne)
	}
}
