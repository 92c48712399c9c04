package ratchet

import (
	"bytes"
	"testing"

	"vauchi/internal/vcrypto"
)

func freshPair(t *testing.T) vcrypto.ExchangeKeyPair {
	t.Helper()
	seed, err := vcrypto.RandomBytes(32)
	if err != nil {
		t.Fatalf("random bytes: %v", err)
	}
	kp, err := vcrypto.ExchangeKeyPairFromSeed(seed)
	if err != nil {
		t.Fatalf("derive key pair: %v", err)
	}
	return kp
}

func buildSessionPair(t *testing.T) (*State, *State) {
	t.Helper()
	sharedSecret, err := vcrypto.RandomBytes(32)
	if err != nil {
		t.Fatalf("random shared secret: %v", err)
	}
	initiatorDH := freshPair(t)
	responderDH := freshPair(t)

	initiator, err := InitializeInitiator(sharedSecret, initiatorDH, responderDH.Public)
	if err != nil {
		t.Fatalf("initialize initiator: %v", err)
	}
	responder, err := InitializeResponder(sharedSecret, responderDH)
	if err != nil {
		t.Fatalf("initialize responder: %v", err)
	}
	return initiator, responder
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	initiator, responder := buildSessionPair(t)

	env, err := initiator.Encrypt([]byte("hello"), []byte("aad"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	pt, err := responder.Decrypt(env, []byte("aad"))
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(pt, []byte("hello")) {
		t.Fatalf("plaintext mismatch: %q", pt)
	}
}

func TestOutOfOrderDeliveryUsesSkippedKeys(t *testing.T) {
	initiator, responder := buildSessionPair(t)

	var envs []Envelope
	for i := 0; i < 3; i++ {
		env, err := initiator.Encrypt([]byte{byte(i)}, nil)
		if err != nil {
			t.Fatalf("encrypt %d: %v", i, err)
		}
		envs = append(envs, env)
	}

	// Deliver out of order: 2, 0, 1.
	if pt, err := responder.Decrypt(envs[2], nil); err != nil || pt[0] != 2 {
		t.Fatalf("decrypt[2]: pt=%v err=%v", pt, err)
	}
	if pt, err := responder.Decrypt(envs[0], nil); err != nil || pt[0] != 0 {
		t.Fatalf("decrypt[0]: pt=%v err=%v", pt, err)
	}
	if pt, err := responder.Decrypt(envs[1], nil); err != nil || pt[0] != 1 {
		t.Fatalf("decrypt[1]: pt=%v err=%v", pt, err)
	}
}

func TestBidirectionalConversationRatchetsBothWays(t *testing.T) {
	initiator, responder := buildSessionPair(t)

	env1, err := initiator.Encrypt([]byte("ping"), nil)
	if err != nil {
		t.Fatalf("initiator encrypt: %v", err)
	}
	if _, err := responder.Decrypt(env1, nil); err != nil {
		t.Fatalf("responder decrypt: %v", err)
	}

	env2, err := responder.Encrypt([]byte("pong"), nil)
	if err != nil {
		t.Fatalf("responder encrypt: %v", err)
	}
	pt, err := initiator.Decrypt(env2, nil)
	if err != nil {
		t.Fatalf("initiator decrypt: %v", err)
	}
	if !bytes.Equal(pt, []byte("pong")) {
		t.Fatalf("plaintext mismatch: %q", pt)
	}
	if initiator.DHGeneration == 0 {
		t.Fatal("expected a DH ratchet step after direction flip")
	}
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	initiator, responder := buildSessionPair(t)

	env, err := initiator.Encrypt([]byte("hello"), nil)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	env.Ciphertext[0] ^= 0xFF

	if _, err := responder.Decrypt(env, nil); err == nil {
		t.Fatal("expected tampered ciphertext to fail decryption")
	}
}

func TestSkipRespectsMaxSkipped(t *testing.T) {
	initiator, responder := buildSessionPair(t)

	var last Envelope
	for i := 0; i < MaxSkipped+5; i++ {
		env, err := initiator.Encrypt([]byte{byte(i % 256)}, nil)
		if err != nil {
			t.Fatalf("encrypt %d: %v", i, err)
		}
		last = env
	}

	if _, err := responder.Decrypt(last, nil); err != ErrTooManySkipped {
		t.Fatalf("expected ErrTooManySkipped, got %v", err)
	}
}
