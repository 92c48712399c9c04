package exchange

import (
	"context"
	"crypto/ed25519"
	"testing"

	"vauchi/internal/card"
	"vauchi/internal/identity"
	"vauchi/internal/proximity"
	"vauchi/internal/vcrypto"
)

func newTestIdentity(t *testing.T) Identity {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	id, err := identity.BuildIdentityID(pub)
	if err != nil {
		t.Fatalf("build identity id: %v", err)
	}
	seed, err := vcrypto.RandomBytes(32)
	if err != nil {
		t.Fatalf("random seed: %v", err)
	}
	kp, err := vcrypto.ExchangeKeyPairFromSeed(seed)
	if err != nil {
		t.Fatalf("exchange key pair: %v", err)
	}
	return Identity{
		IdentityID:      id,
		SigningPublic:   pub,
		SigningPrivate:  priv,
		ExchangeKeyPair: kp,
	}
}

func TestFullHandshakeProducesMatchingSharedSecret(t *testing.T) {
	initiatorID := newTestIdentity(t)
	responderID := newTestIdentity(t)

	initiator := NewInitiator(initiatorID, proximity.Mock{})
	responder := NewResponder(responderID, proximity.Mock{})

	qr, err := initiator.GenerateQR()
	if err != nil {
		t.Fatalf("generate qr: %v", err)
	}
	if initiator.State != AwaitingScan {
		t.Fatalf("expected AwaitingScan, got %v", initiator.State)
	}

	if err := responder.ProcessQR(qr); err != nil {
		t.Fatalf("process qr: %v", err)
	}
	if responder.State != AwaitingProximity {
		t.Fatalf("expected AwaitingProximity, got %v", responder.State)
	}

	ctx := context.Background()
	if err := initiator.VerifyProximity(ctx); err != nil {
		t.Fatalf("initiator verify proximity: %v", err)
	}
	if err := responder.VerifyProximity(ctx); err != nil {
		t.Fatalf("responder verify proximity: %v", err)
	}

	// Responder is the X3DH initiator: it generates its ephemeral and
	// the caller relays both ephemeral and long-term keys to the
	// session that displayed the QR.
	responderEphemeral, err := responder.EphemeralPublic()
	if err != nil {
		t.Fatalf("responder ephemeral: %v", err)
	}
	initiator.SetTheirEphemeral(responderEphemeral)
	initiator.SetPeerLongTermKeys(responderID.SigningPublic, responderID.ExchangeKeyPair.Public)

	if err := responder.PerformKeyAgreement(); err != nil {
		t.Fatalf("responder key agreement: %v", err)
	}
	if err := initiator.PerformKeyAgreement(); err != nil {
		t.Fatalf("initiator key agreement: %v", err)
	}

	if len(initiator.SharedSecret()) != 32 || len(responder.SharedSecret()) != 32 {
		t.Fatal("expected 32-byte shared secrets")
	}
	if string(initiator.SharedSecret()) != string(responder.SharedSecret()) {
		t.Fatal("shared secrets must match between initiator and responder")
	}

	c := card.Card{DisplayName: "Responder"}
	if _, err := initiator.CompleteExchange(c, nil); err != nil {
		t.Fatalf("complete exchange: %v", err)
	}
	if initiator.State != Complete {
		t.Fatalf("expected Complete, got %v", initiator.State)
	}
}

func TestProcessQRRejectsSelfExchange(t *testing.T) {
	id := newTestIdentity(t)
	initiator := NewInitiator(id, proximity.Mock{})
	responder := NewResponder(id, proximity.Mock{})

	qr, err := initiator.GenerateQR()
	if err != nil {
		t.Fatalf("generate qr: %v", err)
	}
	if err := responder.ProcessQR(qr); err != ErrSelfExchange {
		t.Fatalf("expected ErrSelfExchange, got %v", err)
	}
	if responder.State != Failed {
		t.Fatalf("expected Failed, got %v", responder.State)
	}
}

func TestGenerateQRWrongRoleFails(t *testing.T) {
	id := newTestIdentity(t)
	responder := NewResponder(id, proximity.Mock{})
	if _, err := responder.GenerateQR(); err != ErrWrongRole {
		t.Fatalf("expected ErrWrongRole, got %v", err)
	}
}
