package card

import (
	"crypto/ed25519"
	"sort"
	"time"
)

// ChangeKind tags the kind of atomic edit a Delta carries.
type ChangeKind int

const (
	ChangeAddField ChangeKind = iota
	ChangeRemoveField
	ChangeUpdateField
	ChangeRenameDisplay
	ChangeUpdateLabel
)

// Change is one atomic edit within a Delta.
type Change struct {
	Kind        ChangeKind `json:"kind"`
	FieldID     string     `json:"field_id,omitempty"`
	Field       *Field     `json:"field,omitempty"`
	StringValue string     `json:"string_value,omitempty"`
}

// Delta is a signed, ordered batch of card changes.
type Delta struct {
	Version   uint64    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
	Changes   []Change  `json:"changes"`
	Signature []byte    `json:"signature"`
}

// Compute produces the minimal ordered set of changes that transforms
// old into next: a display-name rename if different, AddField for each
// field id new to next, RemoveField for each field id missing from
// next, UpdateField for shared ids whose value differs, and
// UpdateLabel for shared ids whose label differs.
func Compute(old, next Card) Delta {
	var changes []Change

	if old.DisplayName != next.DisplayName {
		changes = append(changes, Change{Kind: ChangeRenameDisplay, StringValue: next.DisplayName})
	}

	oldByID := make(map[string]Field, len(old.Fields))
	for _, f := range old.Fields {
		oldByID[f.ID] = f
	}
	nextByID := make(map[string]Field, len(next.Fields))
	for _, f := range next.Fields {
		nextByID[f.ID] = f
	}

	for _, f := range next.Fields {
		if _, existed := oldByID[f.ID]; !existed {
			field := f
			changes = append(changes, Change{Kind: ChangeAddField, FieldID: f.ID, Field: &field})
		}
	}
	for _, f := range old.Fields {
		if _, stillThere := nextByID[f.ID]; !stillThere {
			changes = append(changes, Change{Kind: ChangeRemoveField, FieldID: f.ID})
		}
	}
	for id, nf := range nextByID {
		of, existed := oldByID[id]
		if !existed {
			continue
		}
		if of.Value != nf.Value {
			changes = append(changes, Change{Kind: ChangeUpdateField, FieldID: id, StringValue: nf.Value})
		}
		if of.Label != nf.Label {
			changes = append(changes, Change{Kind: ChangeUpdateLabel, FieldID: id, StringValue: nf.Label})
		}
	}

	sortChangesCanonical(changes)

	return Delta{
		Version:   next.Version,
		Timestamp: time.Now(),
		Changes:   changes,
	}
}

// sortChangesCanonical orders changes by kind then field id so that two
// parties computing the same delta produce byte-identical signing
// input.
func sortChangesCanonical(changes []Change) {
	sort.SliceStable(changes, func(i, j int) bool {
		if changes[i].Kind != changes[j].Kind {
			return changes[i].Kind < changes[j].Kind
		}
		return changes[i].FieldID < changes[j].FieldID
	})
}

// IsEmpty reports whether a delta carries no changes.
func (d Delta) IsEmpty() bool {
	return len(d.Changes) == 0
}

// Apply applies a delta's changes atomically to a card: either every
// change applies cleanly, producing a new card, or the original card is
// returned unmodified along with ErrDeltaConflict.
func Apply(base Card, d Delta) (Card, error) {
	working := base
	working.Fields = append([]Field(nil), base.Fields...)

	for _, c := range d.Changes {
		switch c.Kind {
		case ChangeAddField:
			if c.Field == nil {
				return base, ErrDeltaConflict
			}
			working.Fields = append(working.Fields, *c.Field)
		case ChangeRemoveField:
			idx := indexOfField(working.Fields, c.FieldID)
			if idx < 0 {
				return base, ErrDeltaConflict
			}
			working.Fields = append(working.Fields[:idx], working.Fields[idx+1:]...)
		case ChangeUpdateField:
			idx := indexOfField(working.Fields, c.FieldID)
			if idx < 0 {
				return base, ErrDeltaConflict
			}
			working.Fields[idx].Value = c.StringValue
		case ChangeUpdateLabel:
			idx := indexOfField(working.Fields, c.FieldID)
			if idx < 0 {
				return base, ErrDeltaConflict
			}
			working.Fields[idx].Label = c.StringValue
		case ChangeRenameDisplay:
			working.DisplayName = c.StringValue
		default:
			return base, ErrDeltaConflict
		}
	}

	working.Version = d.Version
	working.Timestamp = d.Timestamp
	if err := working.Validate(); err != nil {
		return base, ErrDeltaConflict
	}
	return working, nil
}

func indexOfField(fields []Field, id string) int {
	for i, f := range fields {
		if f.ID == id {
			return i
		}
	}
	return -1
}

// SignDelta signs a delta's canonical encoding with the sender's signing
// key.
func SignDelta(d Delta, priv ed25519.PrivateKey) Delta {
	d.Signature = nil
	d.Signature = ed25519.Sign(priv, canonicalDeltaBytes(d))
	return d
}

// VerifyDelta checks a delta's signature against the sender's signing
// public key.
func VerifyDelta(d Delta, pub ed25519.PublicKey) bool {
	if len(d.Signature) != ed25519.SignatureSize {
		return false
	}
	unsigned := d
	unsigned.Signature = nil
	return ed25519.Verify(pub, canonicalDeltaBytes(unsigned), d.Signature)
}

func canonicalDeltaBytes(d Delta) []byte {
	buf := make([]byte, 0, 64)
	buf = append(buf, uint64Bytes(d.Version)...)
	for _, c := range d.Changes {
		buf = append(buf, byte(c.Kind))
		buf = append(buf, []byte(c.FieldID)...)
		buf = append(buf, 0)
		buf = append(buf, []byte(c.StringValue)...)
		buf = append(buf, 0)
		if c.Field != nil {
			buf = append(buf, []byte(c.Field.ID)...)
			buf = append(buf, []byte(c.Field.Type)...)
			buf = append(buf, []byte(c.Field.Label)...)
			buf = append(buf, []byte(c.Field.Value)...)
		}
	}
	return buf
}
