// Package card implements the contact-card model — an ordered list of
// typed, labeled fields under a display name — plus delta compute/apply
// for propagating incremental edits, and signing/verification of both
// cards and deltas.
package card

import (
	"crypto/ed25519"
	"errors"
	"time"

	"github.com/google/uuid"
)

// FieldType tags the kind of contact-card field.
type FieldType string

const (
	FieldEmail   FieldType = "email"
	FieldPhone   FieldType = "phone"
	FieldWebsite FieldType = "website"
	FieldAddress FieldType = "address"
	FieldSocial  FieldType = "social"
	FieldCustom  FieldType = "custom"
)

// Field is one entry in a contact card.
type Field struct {
	ID    string    `json:"id"`
	Type  FieldType `json:"type"`
	Label string    `json:"label"`
	Value string    `json:"value"`
}

// Card is the full, signed contact card.
type Card struct {
	IdentityID  string    `json:"identity_id"`
	DisplayName string    `json:"display_name"`
	Fields      []Field   `json:"fields"`
	Version     uint64    `json:"version"`
	Timestamp   time.Time `json:"timestamp"`
	Signature   []byte    `json:"signature"`
}

var (
	ErrEmptyDisplayName  = errors.New("card: display name must not be empty")
	ErrDuplicateFieldID  = errors.New("card: duplicate field id")
	ErrInvalidSignature  = errors.New("card: invalid signature")
	ErrIdentityMismatch  = errors.New("card: identity id does not match signer")
	ErrDeltaConflict     = errors.New("card: delta target not present")
	ErrNoChanges         = errors.New("card: delta has no changes")
)

// NewField allocates a field with a fresh stable id.
func NewField(t FieldType, label, value string) Field {
	return Field{ID: uuid.NewString(), Type: t, Label: label, Value: value}
}

// Validate checks card-level invariants: non-empty display name and
// unique field ids.
func (c *Card) Validate() error {
	if c.DisplayName == "" {
		return ErrEmptyDisplayName
	}
	seen := make(map[string]struct{}, len(c.Fields))
	for _, f := range c.Fields {
		if _, dup := seen[f.ID]; dup {
			return ErrDuplicateFieldID
		}
		seen[f.ID] = struct{}{}
	}
	return nil
}

// Sign signs the card's canonical encoding with an identity's signing
// key, after validating identityID matches the signer and card
// invariants hold.
func Sign(c Card, identityID string, verifyID func(string, []byte) (bool, error), pub ed25519.PublicKey, priv ed25519.PrivateKey) (Card, error) {
	if err := c.Validate(); err != nil {
		return Card{}, err
	}
	ok, err := verifyID(identityID, pub)
	if err != nil {
		return Card{}, err
	}
	if !ok {
		return Card{}, ErrIdentityMismatch
	}
	c.IdentityID = identityID
	c.Signature = nil
	c.Signature = ed25519.Sign(priv, canonicalCardBytes(c))
	return c, nil
}

// Verify checks a card's signature against the identity's signing
// public key.
func Verify(c Card, pub ed25519.PublicKey) (bool, error) {
	if len(c.Signature) != ed25519.SignatureSize {
		return false, ErrInvalidSignature
	}
	unsigned := c
	unsigned.Signature = nil
	return ed25519.Verify(pub, canonicalCardBytes(unsigned), c.Signature), nil
}

func canonicalCardBytes(c Card) []byte {
	buf := make([]byte, 0, 128)
	buf = append(buf, []byte(c.IdentityID)...)
	buf = append(buf, 0)
	buf = append(buf, []byte(c.DisplayName)...)
	buf = append(buf, 0)
	buf = append(buf, uint64Bytes(c.Version)...)
	for _, f := range c.Fields {
		buf = append(buf, []byte(f.ID)...)
		buf = append(buf, 0)
		buf = append(buf, []byte(f.Type)...)
		buf = append(buf, 0)
		buf = append(buf, []byte(f.Label)...)
		buf = append(buf, 0)
		buf = append(buf, []byte(f.Value)...)
		buf = append(buf, 0)
	}
	return buf
}

func uint64Bytes(v uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (56 - 8*i))
	}
	return b
}

// FieldByID finds a field by id.
func (c *Card) FieldByID(id string) (Field, bool) {
	for _, f := range c.Fields {
		if f.ID == id {
			return f, true
		}
	}
	return Field{}, false
}
