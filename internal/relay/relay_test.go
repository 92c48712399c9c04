package relay

import (
	"context"
	"crypto/ed25519"
	"testing"
	"time"
)

func TestFrameEncodeDecodeRoundTrip(t *testing.T) {
	f := Frame{MessageID: "m1", Timestamp: time.Now().UTC(), Kind: KindEncryptedUpdate, Payload: []byte("secret")}
	raw, err := EncodeFrame(f)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeFrame(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.MessageID != f.MessageID || decoded.Kind != f.Kind || string(decoded.Payload) != "secret" {
		t.Fatalf("round trip mismatch: %+v", decoded)
	}
	if decoded.Version != FrameVersion {
		t.Fatalf("expected version %d, got %d", FrameVersion, decoded.Version)
	}
}

func TestDecodeFrameRejectsShortBuffer(t *testing.T) {
	if _, err := DecodeFrame([]byte{1, 2}); err != ErrShortFrame {
		t.Fatalf("expected ErrShortFrame, got %v", err)
	}
}

func TestClientConnectPerformsSignedHandshake(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	clientConn, serverConn := NewInMemoryPair()
	defer serverConn.Close()

	client := NewClient(Config{URLs: []string{"wss://relay.example"}}, staticDialer{conn: clientConn}, pub, priv)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if client.Status().State != StateConnected {
		t.Fatalf("expected connected, got %s", client.Status().State)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	handshakeFrame, err := serverConn.ReadFrame(ctx)
	if err != nil {
		t.Fatalf("server read handshake: %v", err)
	}
	if handshakeFrame.Kind != KindHandshake {
		t.Fatalf("expected handshake frame, got %s", handshakeFrame.Kind)
	}
}

func TestClientConnectFailureMarksRelayInCooldown(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	client := NewClient(Config{URLs: []string{"wss://down.example"}, RelayCooldown: time.Hour}, staticDialer{err: ErrNotConnected}, pub, priv)

	if err := client.Connect(context.Background()); err == nil {
		t.Fatal("expected connect to fail")
	}
	if _, ok := client.health.Next(time.Now()); ok {
		t.Fatal("expected the only relay to be in cooldown after a failure")
	}
}

func TestHealthTrackerRoundRobinsAndCoolsDownFailures(t *testing.T) {
	h := NewHealthTracker([]string{"a", "b"}, time.Minute)
	now := time.Now()

	first, ok := h.Next(now)
	if !ok {
		t.Fatal("expected a url")
	}
	h.MarkFailure(first, now)

	second, ok := h.Next(now)
	if !ok {
		t.Fatal("expected the other url")
	}
	if second == first {
		t.Fatal("expected round robin to skip the failed url")
	}

	h.MarkFailure(second, now)
	if _, ok := h.Next(now); ok {
		t.Fatal("expected both urls in cooldown")
	}

	later := now.Add(2 * time.Minute)
	if _, ok := h.Next(later); !ok {
		t.Fatal("expected a url to be available once cooldown elapses")
	}
}

func TestClientSendRequiresConnection(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	client := NewClient(Config{URLs: []string{"wss://relay.example"}}, staticDialer{}, pub, priv)
	if err := client.Send(context.Background(), Frame{Kind: KindPresence}); err != ErrNotConnected {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}
