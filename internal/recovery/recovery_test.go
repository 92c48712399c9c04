package recovery

import (
	"crypto/ed25519"
	"testing"
	"time"
)

func TestClaimEncodeDecodeRoundTrip(t *testing.T) {
	oldPub, _, _ := ed25519.GenerateKey(nil)
	newPub, _, _ := ed25519.GenerateKey(nil)
	claim := NewClaim(oldPub, newPub)

	raw := EncodeClaim(claim)
	decoded, err := DecodeClaim(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !decoded.OldPublic.Equal(oldPub) || !decoded.NewPublic.Equal(newPub) {
		t.Fatalf("round trip mismatch: %+v", decoded)
	}
}

func TestClaimIsExpiredAfter48Hours(t *testing.T) {
	oldPub, _, _ := ed25519.GenerateKey(nil)
	newPub, _, _ := ed25519.GenerateKey(nil)
	claim := Claim{OldPublic: oldPub, NewPublic: newPub, Timestamp: time.Now().Add(-49 * time.Hour)}
	if !claim.IsExpired() {
		t.Fatal("expected claim older than 48h to be expired")
	}
	fresh := Claim{OldPublic: oldPub, NewPublic: newPub, Timestamp: time.Now().Add(-1 * time.Hour)}
	if fresh.IsExpired() {
		t.Fatal("expected 1h-old claim to still be valid")
	}
}

func TestVoucherCreateVerifyAndEncodeRoundTrip(t *testing.T) {
	oldPub, _, _ := ed25519.GenerateKey(nil)
	newPub, _, _ := ed25519.GenerateKey(nil)
	voucherPub, voucherPriv, _ := ed25519.GenerateKey(nil)

	v := CreateVoucher(oldPub, newPub, voucherPub, voucherPriv)
	if !v.Verify() {
		t.Fatal("expected freshly created voucher to verify")
	}

	raw := EncodeVoucher(v)
	decoded, err := DecodeVoucher(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !decoded.Verify() {
		t.Fatal("expected decoded voucher to verify")
	}
}

func TestVoucherVerifyRejectsTamperedNewPublic(t *testing.T) {
	oldPub, _, _ := ed25519.GenerateKey(nil)
	newPub, _, _ := ed25519.GenerateKey(nil)
	tamperedPub, _, _ := ed25519.GenerateKey(nil)
	voucherPub, voucherPriv, _ := ed25519.GenerateKey(nil)

	v := CreateVoucher(oldPub, newPub, voucherPub, voucherPriv)
	v.NewPublic = tamperedPub
	if v.Verify() {
		t.Fatal("expected tampered voucher to fail verification")
	}
}

func TestProofAddVoucherRejectsMismatchDuplicateAndBadSignature(t *testing.T) {
	oldPub, _, _ := ed25519.GenerateKey(nil)
	newPub, _, _ := ed25519.GenerateKey(nil)
	voucherPub, voucherPriv, _ := ed25519.GenerateKey(nil)

	proof := NewProof(oldPub, newPub, 2)
	v := CreateVoucher(oldPub, newPub, voucherPub, voucherPriv)

	if err := proof.AddVoucher(v); err != nil {
		t.Fatalf("expected first add to succeed, got %v", err)
	}
	if err := proof.AddVoucher(v); err != ErrDuplicateVoucher {
		t.Fatalf("expected ErrDuplicateVoucher, got %v", err)
	}

	otherOld, _, _ := ed25519.GenerateKey(nil)
	mismatched := CreateVoucher(otherOld, newPub, voucherPub, voucherPriv)
	if err := proof.AddVoucher(mismatched); err != ErrMismatchedKeys {
		t.Fatalf("expected ErrMismatchedKeys, got %v", err)
	}

	tampered := v
	tampered.VoucherPublic, _, _ = ed25519.GenerateKey(nil)
	if err := proof.AddVoucher(tampered); err != ErrInvalidSignature {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestProofValidateRequiresThreshold(t *testing.T) {
	oldPub, _, _ := ed25519.GenerateKey(nil)
	newPub, _, _ := ed25519.GenerateKey(nil)
	proof := NewProof(oldPub, newPub, 3)

	for i := 0; i < 2; i++ {
		voucherPub, voucherPriv, _ := ed25519.GenerateKey(nil)
		if err := proof.AddVoucher(CreateVoucher(oldPub, newPub, voucherPub, voucherPriv)); err != nil {
			t.Fatalf("add voucher %d: %v", i, err)
		}
	}
	if err := proof.Validate(); err != ErrInsufficientVouchers {
		t.Fatalf("expected ErrInsufficientVouchers with 2/3, got %v", err)
	}

	voucherPub, voucherPriv, _ := ed25519.GenerateKey(nil)
	if err := proof.AddVoucher(CreateVoucher(oldPub, newPub, voucherPub, voucherPriv)); err != nil {
		t.Fatalf("add third voucher: %v", err)
	}
	if err := proof.Validate(); err != nil {
		t.Fatalf("expected validate to succeed with 3/3, got %v", err)
	}
}

func TestProofValidateRejectsExpiredProof(t *testing.T) {
	oldPub, _, _ := ed25519.GenerateKey(nil)
	newPub, _, _ := ed25519.GenerateKey(nil)
	proof := NewProof(oldPub, newPub, 1)
	proof.ExpiresAt = time.Now().Add(-time.Hour)

	voucherPub, voucherPriv, _ := ed25519.GenerateKey(nil)
	if err := proof.AddVoucher(CreateVoucher(oldPub, newPub, voucherPub, voucherPriv)); err != nil {
		t.Fatalf("add voucher: %v", err)
	}
	if err := proof.Validate(); err != ErrProofExpired {
		t.Fatalf("expected ErrProofExpired, got %v", err)
	}
}

func TestVerifyForContactClassifiesConfidence(t *testing.T) {
	oldPub, _, _ := ed25519.GenerateKey(nil)
	newPub, _, _ := ed25519.GenerateKey(nil)
	proof := NewProof(oldPub, newPub, 3)

	var mutualContacts []Contact
	for i := 0; i < 5; i++ {
		voucherPub, voucherPriv, _ := ed25519.GenerateKey(nil)
		if err := proof.AddVoucher(CreateVoucher(oldPub, newPub, voucherPub, voucherPriv)); err != nil {
			t.Fatalf("add voucher %d: %v", i, err)
		}
		if i < 2 {
			mutualContacts = append(mutualContacts, Contact{PublicKey: voucherPub, DisplayName: "contact"})
		}
	}

	result := proof.VerifyForContact(mutualContacts, DefaultSettings())
	if result.Confidence != ConfidenceHigh {
		t.Fatalf("expected HighConfidence, got %s", result.Confidence)
	}
	if len(result.MutualVouchers) != 2 {
		t.Fatalf("expected 2 mutual vouchers, got %d", len(result.MutualVouchers))
	}

	lowResult := proof.VerifyForContact(nil, DefaultSettings())
	if lowResult.Confidence != ConfidenceLow {
		t.Fatalf("expected LowConfidence with no mutual contacts, got %s", lowResult.Confidence)
	}

	mediumResult := proof.VerifyForContact(mutualContacts[:1], DefaultSettings())
	if mediumResult.Confidence != ConfidenceMedium {
		t.Fatalf("expected MediumConfidence with 1 mutual contact, got %s", mediumResult.Confidence)
	}
}
