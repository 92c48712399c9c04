// Package devicesync keeps an identity's own devices consistent with
// each other: local changes are queued per peer device and merged with
// last-write-wins semantics keyed by a conflict key, using a Lamport-
// style clock instead of wall time so merge order is independent of
// clock skew between devices.
package devicesync

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"vauchi/internal/card"
	"vauchi/internal/vcrypto"
)

// ItemKind tags the kind of change an inter-device sync item carries.
type ItemKind string

const (
	ItemContactAdded     ItemKind = "contact_added"
	ItemContactRemoved   ItemKind = "contact_removed"
	ItemCardUpdated      ItemKind = "card_updated"
	ItemVisibilityChange ItemKind = "visibility_changed"
)

var ErrUnknownItemKind = errors.New("devicesync: unknown item kind")

// Item is one inter-device sync record. Only the fields relevant to
// Kind are populated.
type Item struct {
	Kind ItemKind `json:"kind"`

	ContactID   string `json:"contact_id,omitempty"`
	ContactData []byte `json:"contact_data,omitempty"`

	FieldLabel string `json:"field_label,omitempty"`
	FieldValue string `json:"field_value,omitempty"`

	VisibilityContactID string   `json:"visibility_contact_id,omitempty"`
	VisibilityRules      []string `json:"visibility_rules,omitempty"`

	Timestamp uint64 `json:"timestamp"`
}

// ConflictKey identifies which locally-remembered timestamp an
// incoming item competes against for last-write-wins merge.
func (i Item) ConflictKey() (string, error) {
	switch i.Kind {
	case ItemContactAdded, ItemContactRemoved:
		return fmt.Sprintf("contact:%s", i.ContactID), nil
	case ItemCardUpdated:
		return fmt.Sprintf("field:%s", i.FieldLabel), nil
	case ItemVisibilityChange:
		return fmt.Sprintf("visibility:%s", i.VisibilityContactID), nil
	default:
		return "", ErrUnknownItemKind
	}
}

// FullSyncBundle is sent instead of an item batch when a device needs
// to be brought up to date from scratch (first link, or too far
// behind to replay incrementally).
type FullSyncBundle struct {
	Contacts      []card.Card      `json:"contacts"`
	OwnCard       card.Card        `json:"own_card"`
	VersionVector map[string]uint64 `json:"version_vector"`
}

// Manager owns the per-device pending queues, the version vector, and
// the last-applied timestamps used for LWW merge. It does not persist
// itself; callers snapshot it into their own encrypted-at-rest store.
type Manager struct {
	mu sync.Mutex

	ourDeviceID string
	clock       uint64

	versionVector map[string]uint64
	pending       map[string][]Item
	lastApplied   map[string]uint64
	devices       map[string]struct{}
}

// NewManager builds a Manager for ourDeviceID, already aware of the
// given peer device ids.
func NewManager(ourDeviceID string, peerDeviceIDs []string) *Manager {
	m := &Manager{
		ourDeviceID:   ourDeviceID,
		versionVector: make(map[string]uint64),
		pending:       make(map[string][]Item),
		lastApplied:   make(map[string]uint64),
		devices:       make(map[string]struct{}, len(peerDeviceIDs)),
	}
	for _, id := range peerDeviceIDs {
		if id != ourDeviceID {
			m.devices[id] = struct{}{}
			m.pending[id] = nil
		}
	}
	return m
}

// AddDevice registers a new peer device so future local changes are
// queued for it too.
func (m *Manager) AddDevice(deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if deviceID == m.ourDeviceID {
		return
	}
	if _, ok := m.devices[deviceID]; !ok {
		m.devices[deviceID] = struct{}{}
		m.pending[deviceID] = nil
	}
}

// RemoveDevice drops a peer device and discards its queued items, e.g.
// once it has been revoked.
func (m *Manager) RemoveDevice(deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.devices, deviceID)
	delete(m.pending, deviceID)
	delete(m.versionVector, deviceID)
}

// RecordLocalChange stamps item with the next Lamport tick, appends it
// to every other known device's queue, and bumps our own slot in the
// version vector. It returns the stamped item.
func (m *Manager) RecordLocalChange(item Item) Item {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.clock++
	item.Timestamp = m.clock
	for deviceID := range m.devices {
		m.pending[deviceID] = append(m.pending[deviceID], item)
	}
	m.versionVector[m.ourDeviceID]++
	return item
}

// PendingForDevice returns a copy of the queued items awaiting
// delivery to deviceID.
func (m *Manager) PendingForDevice(deviceID string) []Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Item(nil), m.pending[deviceID]...)
}

// MarkSynced clears deviceID's queue and records the version it has
// now been synced up to.
func (m *Manager) MarkSynced(deviceID string, version uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[deviceID] = nil
	m.versionVector[deviceID] = version
}

// ProcessIncoming applies each item whose timestamp strictly exceeds
// the locally-remembered timestamp for its conflict key — last-write-
// wins, decided purely on the item's embedded Lamport timestamp, never
// arrival order. It returns the subset that was actually applied and
// advances our clock to the highest timestamp applied.
func (m *Manager) ProcessIncoming(items []Item) ([]Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	applied := make([]Item, 0, len(items))
	for _, item := range items {
		key, err := item.ConflictKey()
		if err != nil {
			return applied, err
		}
		if item.Timestamp <= m.lastApplied[key] {
			continue
		}
		m.lastApplied[key] = item.Timestamp
		if item.Timestamp > m.clock {
			m.clock = item.Timestamp
		}
		applied = append(applied, item)
	}
	return applied, nil
}

// VersionVector returns a defensive copy of the current version
// vector.
func (m *Manager) VersionVector() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make(map[string]uint64, len(m.versionVector))
	for k, v := range m.versionVector {
		cp[k] = v
	}
	return cp
}

// persistedState mirrors the identity manager's runtime-state snapshot
// shape, generalized to devicesync's own tables.
type persistedState struct {
	OurDeviceID   string              `json:"our_device_id"`
	Clock         uint64              `json:"clock"`
	VersionVector map[string]uint64   `json:"version_vector"`
	Pending       map[string][]Item   `json:"pending"`
	LastApplied   map[string]uint64   `json:"last_applied"`
	Devices       []string            `json:"devices"`
}

// SnapshotJSON serializes the manager's full state for the caller to
// seal and persist.
func (m *Manager) SnapshotJSON() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	devices := make([]string, 0, len(m.devices))
	for id := range m.devices {
		devices = append(devices, id)
	}
	state := persistedState{
		OurDeviceID:   m.ourDeviceID,
		Clock:         m.clock,
		VersionVector: m.versionVector,
		Pending:       m.pending,
		LastApplied:   m.lastApplied,
		Devices:       devices,
	}
	return json.Marshal(state)
}

// RestoreJSON replaces the manager's state with a previously-snapshotted one.
func RestoreJSON(raw []byte) (*Manager, error) {
	var state persistedState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, err
	}
	m := &Manager{
		ourDeviceID:   state.OurDeviceID,
		clock:         state.Clock,
		versionVector: state.VersionVector,
		pending:       state.Pending,
		lastApplied:   state.LastApplied,
		devices:       make(map[string]struct{}, len(state.Devices)),
	}
	if m.versionVector == nil {
		m.versionVector = make(map[string]uint64)
	}
	if m.pending == nil {
		m.pending = make(map[string][]Item)
	}
	if m.lastApplied == nil {
		m.lastApplied = make(map[string]uint64)
	}
	for _, id := range state.Devices {
		m.devices[id] = struct{}{}
	}
	return m, nil
}

const deviceSyncHKDFInfo = "DeviceSync"

// SealItemsForDevice derives a per-pair AEAD key from our device's
// exchange secret and the recipient device's exchange public key, then
// seals a batch of items under it.
func SealItemsForDevice(items []Item, ourDeviceSecret, theirDevicePub []byte) ([]byte, error) {
	plaintext, err := json.Marshal(items)
	if err != nil {
		return nil, err
	}
	key, err := deviceSyncKey(ourDeviceSecret, theirDevicePub)
	if err != nil {
		return nil, err
	}
	defer vcrypto.Wipe(key)
	return vcrypto.SealRandom(key, plaintext, nil)
}

// OpenItemsFromDevice reverses SealItemsForDevice.
func OpenItemsFromDevice(sealed, ourDeviceSecret, theirDevicePub []byte) ([]Item, error) {
	key, err := deviceSyncKey(ourDeviceSecret, theirDevicePub)
	if err != nil {
		return nil, err
	}
	defer vcrypto.Wipe(key)
	plaintext, err := vcrypto.Open(key, sealed, nil)
	if err != nil {
		return nil, err
	}
	var items []Item
	if err := json.Unmarshal(plaintext, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// SealFullSyncForDevice seals a FullSyncBundle the same way as an item
// batch, for bringing a new or far-behind device up to date.
func SealFullSyncForDevice(bundle FullSyncBundle, ourDeviceSecret, theirDevicePub []byte) ([]byte, error) {
	plaintext, err := json.Marshal(bundle)
	if err != nil {
		return nil, err
	}
	key, err := deviceSyncKey(ourDeviceSecret, theirDevicePub)
	if err != nil {
		return nil, err
	}
	defer vcrypto.Wipe(key)
	return vcrypto.SealRandom(key, plaintext, nil)
}

// OpenFullSyncFromDevice reverses SealFullSyncForDevice.
func OpenFullSyncFromDevice(sealed, ourDeviceSecret, theirDevicePub []byte) (FullSyncBundle, error) {
	key, err := deviceSyncKey(ourDeviceSecret, theirDevicePub)
	if err != nil {
		return FullSyncBundle{}, err
	}
	defer vcrypto.Wipe(key)
	plaintext, err := vcrypto.Open(key, sealed, nil)
	if err != nil {
		return FullSyncBundle{}, err
	}
	var bundle FullSyncBundle
	if err := json.Unmarshal(plaintext, &bundle); err != nil {
		return FullSyncBundle{}, err
	}
	return bundle, nil
}

func deviceSyncKey(ourDeviceSecret, theirDevicePub []byte) ([]byte, error) {
	shared, err := vcrypto.ECDH(ourDeviceSecret, theirDevicePub)
	if err != nil {
		return nil, err
	}
	defer vcrypto.Wipe(shared)
	return vcrypto.HKDFDerive(shared, deviceSyncHKDFInfo, 32)
}
