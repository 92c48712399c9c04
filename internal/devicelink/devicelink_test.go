package devicelink

import (
	"bytes"
	"crypto/ed25519"
	"testing"

	"vauchi/internal/identity"
	"vauchi/internal/vcrypto"
)

func TestLinkRequestResponseRoundTrip(t *testing.T) {
	initiatorPub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	link, qr, err := NewLink(initiatorPub)
	if err != nil {
		t.Fatalf("new link: %v", err)
	}
	if qr.IsExpired() {
		t.Fatal("freshly generated qr should not be expired")
	}

	seed, err := vcrypto.RandomBytes(32)
	if err != nil {
		t.Fatalf("random seed: %v", err)
	}
	newDeviceKP, err := vcrypto.ExchangeKeyPairFromSeed(seed)
	if err != nil {
		t.Fatalf("exchange key pair: %v", err)
	}

	req, err := SealRequest(link.LinkKey, newDeviceKP.Private, newDeviceKP.Public, "New Laptop")
	if err != nil {
		t.Fatalf("seal request: %v", err)
	}

	if err := link.Consume(); err != nil {
		t.Fatalf("consume: %v", err)
	}
	if err := link.Consume(); err != ErrAlreadyUsed {
		t.Fatalf("expected ErrAlreadyUsed, got %v", err)
	}

	openedReq, err := OpenRequest(link.LinkKey, req)
	if err != nil {
		t.Fatalf("open request: %v", err)
	}
	if openedReq.DeviceName != "New Laptop" {
		t.Fatalf("unexpected device name: %q", openedReq.DeviceName)
	}
	if openedReq.NewDeviceExchangePub != newDeviceKP.Public {
		t.Fatal("exchange public key mismatch")
	}

	masterSeed, err := identity.NewMasterSeed()
	if err != nil {
		t.Fatalf("new master seed: %v", err)
	}
	registry := identity.Registry{Version: 2}

	resp, err := SealResponse(link.LinkKey, ResponsePayload{
		MasterSeed:      masterSeed,
		DisplayName:     "New Laptop",
		DeviceIndex:     1,
		UpdatedRegistry: registry,
	})
	if err != nil {
		t.Fatalf("seal response: %v", err)
	}

	openedResp, err := OpenResponse(link.LinkKey, resp)
	if err != nil {
		t.Fatalf("open response: %v", err)
	}
	if !bytes.Equal(openedResp.MasterSeed[:], masterSeed[:]) {
		t.Fatal("recovered master seed mismatch")
	}
	if openedResp.DeviceIndex != 1 {
		t.Fatalf("expected device index 1, got %d", openedResp.DeviceIndex)
	}
}

func TestOpenRequestWithWrongLinkKeyFails(t *testing.T) {
	initiatorPub, _, _ := ed25519.GenerateKey(nil)
	link, _, err := NewLink(initiatorPub)
	if err != nil {
		t.Fatalf("new link: %v", err)
	}
	seed, _ := vcrypto.RandomBytes(32)
	kp, _ := vcrypto.ExchangeKeyPairFromSeed(seed)

	req, err := SealRequest(link.LinkKey, kp.Private, kp.Public, "Device")
	if err != nil {
		t.Fatalf("seal request: %v", err)
	}

	var wrongKey [32]byte
	if _, err := OpenRequest(wrongKey, req); err != ErrUnsealFailed {
		t.Fatalf("expected ErrUnsealFailed, got %v", err)
	}
}
