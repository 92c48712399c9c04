// Package syncqueue orchestrates the per-contact outbound card-update
// queue: coalescing, retry scheduling, and the derived sync state the
// UI layer polls. It drives vauchi/internal/storage but owns none of
// the persistence itself.
package syncqueue

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"vauchi/internal/card"
	"vauchi/internal/storage"
)

// Status is a pending update's lifecycle stage.
type Status string

const (
	StatusPending Status = "pending"
	StatusSending Status = "sending"
	StatusFailed  Status = "failed"
)

// ErrNoChanges is returned by QueueCardUpdate when old and new cards
// produce an empty delta — nothing is enqueued.
var ErrNoChanges = errors.New("syncqueue: no changes to queue")

// maxBackoffExponent caps the exponential backoff at 2^6 multiples of
// the base interval, matching the 30·2^min(retry,6) second schedule.
const maxBackoffExponent = 6

const baseRetryInterval = 30 * time.Second

// Orchestrator drives the pending-update queue for one identity's
// storage handle.
type Orchestrator struct {
	store *storage.Store
	now   func() time.Time
}

// New creates an orchestrator over store. now defaults to time.Now if
// nil, overridable in tests for deterministic retry-time assertions.
func New(store *storage.Store, now func() time.Time) *Orchestrator {
	if now == nil {
		now = time.Now
	}
	return &Orchestrator{store: store, now: now}
}

// QueueCardUpdate computes the delta between old and next and, if
// non-empty, persists it as a new Pending update.
func (o *Orchestrator) QueueCardUpdate(contactID string, old, next card.Card) (storage.PendingUpdate, error) {
	delta := card.Compute(old, next)
	if delta.IsEmpty() {
		return storage.PendingUpdate{}, ErrNoChanges
	}
	u := storage.PendingUpdate{
		ID:        uuid.NewString(),
		ContactID: contactID,
		Delta:     delta,
		Status:    string(StatusPending),
		CreatedAt: o.now(),
	}
	if err := o.store.QueueUpdate(u); err != nil {
		return storage.PendingUpdate{}, err
	}
	return u, nil
}

// MarkDelivered deletes the update record and stamps the contact's
// last-sync time.
func (o *Orchestrator) MarkDelivered(updateID, contactID string) error {
	if err := o.store.DeletePendingUpdate(updateID); err != nil {
		return err
	}
	return o.store.SetContactLastSync(contactID, o.now())
}

// MarkFailed sets an update's status to Failed and schedules its next
// retry at now + 30·2^min(retryCount,6) seconds.
func (o *Orchestrator) MarkFailed(updateID string, retryCount int, cause string) error {
	exp := retryCount
	if exp > maxBackoffExponent {
		exp = maxBackoffExponent
	}
	if exp < 0 {
		exp = 0
	}
	backoff := baseRetryInterval << uint(exp)
	retryAt := o.now().Add(backoff)
	return o.store.UpdatePendingStatus(updateID, string(StatusFailed), retryCount, retryAt, cause)
}

// GetReadyForRetry returns every update that is Pending, or Failed
// with a retry_at that has already elapsed.
func (o *Orchestrator) GetReadyForRetry() []storage.PendingUpdate {
	return o.store.GetReadyForRetry(o.now())
}

// CoalesceUpdates merges all Pending updates queued for one contact
// into a single replacement: deltas are concatenated in enqueue order
// (a later change to the same field id wins), the result is stamped
// with the maximum version and the current time, and the originals are
// deleted. Coalescing is idempotent: running it again when at most one
// Pending update remains is a no-op.
func (o *Orchestrator) CoalesceUpdates(contactID string) (storage.PendingUpdate, bool, error) {
	all := o.store.GetPendingUpdates(contactID)
	pending := make([]storage.PendingUpdate, 0, len(all))
	for _, u := range all {
		if u.Status == string(StatusPending) {
			pending = append(pending, u)
		}
	}
	if len(pending) < 2 {
		return storage.PendingUpdate{}, false, nil
	}

	merged := coalesceDeltas(pending)
	replacement := storage.PendingUpdate{
		ID:        uuid.NewString(),
		ContactID: contactID,
		Delta:     merged,
		Status:    string(StatusPending),
		CreatedAt: o.now(),
	}
	if err := o.store.QueueUpdate(replacement); err != nil {
		return storage.PendingUpdate{}, false, err
	}
	for _, u := range pending {
		if err := o.store.DeletePendingUpdate(u.ID); err != nil {
			return storage.PendingUpdate{}, false, err
		}
	}
	return replacement, true, nil
}

// coalesceDeltas concatenates changes from each pending update in
// enqueue order, keeping the last write to any given field id, and
// stamps the merged delta with the maximum version seen.
func coalesceDeltas(pending []storage.PendingUpdate) card.Delta {
	lastByField := make(map[string]int)
	var changes []card.Change
	var maxVersion uint64
	var latestTimestamp time.Time

	for _, u := range pending {
		if u.Delta.Version > maxVersion {
			maxVersion = u.Delta.Version
		}
		if u.Delta.Timestamp.After(latestTimestamp) {
			latestTimestamp = u.Delta.Timestamp
		}
		for _, c := range u.Delta.Changes {
			key := fmt.Sprintf("%d:%s", c.Kind, c.FieldID)
			if idx, exists := lastByField[key]; exists {
				changes[idx] = c
				continue
			}
			lastByField[key] = len(changes)
			changes = append(changes, c)
		}
	}

	return card.Delta{
		Version:   maxVersion,
		Timestamp: time.Now().UTC(),
		Changes:   changes,
	}
}

// SyncState is the derived, UI-facing status for one contact.
type SyncState struct {
	Kind        string    `json:"kind"`
	Queued      int       `json:"queued,omitempty"`
	LastAttempt time.Time `json:"last_attempt,omitempty"`
	LastSync    time.Time `json:"last_sync,omitempty"`
	Error       string    `json:"error,omitempty"`
	RetryAt     time.Time `json:"retry_at,omitempty"`
}

const (
	SyncStateSynced  = "synced"
	SyncStatePending = "pending"
	SyncStateSyncing = "syncing"
	SyncStateFailed  = "failed"
)

// GetSyncState computes a contact's current sync state from the set of
// pending updates addressed to it.
func (o *Orchestrator) GetSyncState(contactID string) SyncState {
	pending := o.store.GetPendingUpdates(contactID)
	if len(pending) == 0 {
		if last, ok := o.store.GetContactLastSync(contactID); ok {
			return SyncState{Kind: SyncStateSynced, LastSync: last}
		}
		return SyncState{Kind: SyncStateSynced}
	}

	var failed *storage.PendingUpdate
	sending := 0
	for i := range pending {
		switch Status(pending[i].Status) {
		case StatusFailed:
			if failed == nil || pending[i].NextRetry.Before(failed.NextRetry) {
				u := pending[i]
				failed = &u
			}
		case StatusSending:
			sending++
		}
	}
	if sending > 0 {
		return SyncState{Kind: SyncStateSyncing, Queued: len(pending)}
	}
	if failed != nil {
		return SyncState{Kind: SyncStateFailed, Error: failed.LastError, RetryAt: failed.NextRetry}
	}

	var lastAttempt time.Time
	for _, u := range pending {
		if u.CreatedAt.After(lastAttempt) {
			lastAttempt = u.CreatedAt
		}
	}
	return SyncState{Kind: SyncStatePending, Queued: len(pending), LastAttempt: lastAttempt}
}
