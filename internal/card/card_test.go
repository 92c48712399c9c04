package card

import (
	"crypto/ed25519"
	"testing"

	"vauchi/internal/identity"
)

func newSignedCard(t *testing.T, displayName string, fields []Field) (Card, ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	id, err := identity.BuildIdentityID(pub)
	if err != nil {
		t.Fatalf("build identity id: %v", err)
	}
	c := Card{DisplayName: displayName, Fields: fields, Version: 1}
	signed, err := Sign(c, id, identity.VerifyIdentityID, pub, priv)
	if err != nil {
		t.Fatalf("sign card: %v", err)
	}
	return signed, pub, priv
}

func TestSignAndVerifyCard(t *testing.T) {
	c, pub, _ := newSignedCard(t, "Ada Lovelace", []Field{NewField(FieldEmail, "Work", "ada@example.com")})
	ok, err := Verify(c, pub)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Fatal("expected signature to verify")
	}
}

func TestVerifyRejectsTamperedCard(t *testing.T) {
	c, pub, _ := newSignedCard(t, "Ada Lovelace", []Field{NewField(FieldEmail, "Work", "ada@example.com")})
	c.DisplayName = "Eve"
	ok, _ := Verify(c, pub)
	if ok {
		t.Fatal("expected tampered card to fail verification")
	}
}

func TestValidateRejectsDuplicateFieldIDs(t *testing.T) {
	f := NewField(FieldEmail, "Work", "a@example.com")
	c := Card{DisplayName: "Ada", Fields: []Field{f, f}}
	if err := c.Validate(); err != ErrDuplicateFieldID {
		t.Fatalf("expected ErrDuplicateFieldID, got %v", err)
	}
}

func TestComputeAndApplyDeltaRoundTrip(t *testing.T) {
	email := NewField(FieldEmail, "Work", "old@example.com")
	old := Card{DisplayName: "Ada", Fields: []Field{email}, Version: 1}

	updatedEmail := email
	updatedEmail.Value = "new@example.com"
	phone := NewField(FieldPhone, "Mobile", "555-0100")
	next := Card{DisplayName: "Ada Lovelace", Fields: []Field{updatedEmail, phone}, Version: 2}

	delta := Compute(old, next)
	if delta.IsEmpty() {
		t.Fatal("expected non-empty delta")
	}

	applied, err := Apply(old, delta)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if applied.DisplayName != "Ada Lovelace" {
		t.Fatalf("expected renamed display name, got %q", applied.DisplayName)
	}
	if len(applied.Fields) != 2 {
		t.Fatalf("expected 2 fields after apply, got %d", len(applied.Fields))
	}
	if got, _ := applied.FieldByID(email.ID); got.Value != "new@example.com" {
		t.Fatalf("expected updated email value, got %q", got.Value)
	}
}

func TestApplyRejectsDeltaAgainstWrongBase(t *testing.T) {
	email := NewField(FieldEmail, "Work", "old@example.com")
	old := Card{DisplayName: "Ada", Fields: []Field{email}, Version: 1}
	next := Card{DisplayName: "Ada", Fields: nil, Version: 2}
	delta := Compute(old, next)

	wrongBase := Card{DisplayName: "Ada", Fields: nil, Version: 1}
	if _, err := Apply(wrongBase, delta); err != ErrDeltaConflict {
		t.Fatalf("expected ErrDeltaConflict, got %v", err)
	}
}

func TestDeltaSignatureDetectsTamper(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	old := Card{DisplayName: "Ada"}
	next := Card{DisplayName: "Eve"}
	delta := SignDelta(Compute(old, next), priv)
	if !VerifyDelta(delta, pub) {
		t.Fatal("expected delta signature to verify")
	}
	delta.Changes[0].StringValue = "Mallory"
	if VerifyDelta(delta, pub) {
		t.Fatal("expected tampered delta to fail verification")
	}
}
