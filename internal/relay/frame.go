// Package relay implements the client side of the relay protocol: a
// single authenticated WebSocket connection per identity, framed
// messages, and a small multi-relay connection manager with
// health-based failover.
package relay

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"time"
)

// FrameVersion is stamped onto every frame this client produces.
const FrameVersion = 1

// Kind tags a frame's payload shape.
type Kind string

const (
	KindEncryptedUpdate Kind = "encrypted_update"
	KindAcknowledgment  Kind = "acknowledgment"
	KindHandshake       Kind = "handshake"
	KindPresence        Kind = "presence"
	KindDeviceSync      Kind = "device_sync"
)

// AckStatus is the delivery state carried by an Acknowledgment frame.
type AckStatus string

const (
	AckStored              AckStatus = "stored"
	AckDelivered            AckStatus = "delivered"
	AckReceivedByRecipient AckStatus = "received_by_recipient"
	AckFailed              AckStatus = "failed"
)

var ErrShortFrame = errors.New("relay: frame shorter than its length prefix")

// Frame is the tagged union every relay message is wrapped in:
// version, message id, timestamp, kind, and an opaque payload whose
// shape is determined by Kind.
type Frame struct {
	Version   uint32    `json:"version"`
	MessageID string    `json:"message_id"`
	Timestamp time.Time `json:"timestamp"`
	Kind      Kind      `json:"kind"`
	Ack       AckStatus `json:"ack,omitempty"`
	Payload   []byte    `json:"payload,omitempty"`
}

// EncodeFrame serializes a frame to its wire form: a big-endian u32
// length prefix followed by the JSON body.
func EncodeFrame(f Frame) ([]byte, error) {
	f.Version = FrameVersion
	body, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(out[:4], uint32(len(body)))
	copy(out[4:], body)
	return out, nil
}

// DecodeFrame parses a frame previously produced by EncodeFrame.
func DecodeFrame(raw []byte) (Frame, error) {
	if len(raw) < 4 {
		return Frame{}, ErrShortFrame
	}
	n := binary.BigEndian.Uint32(raw[:4])
	if uint32(len(raw)-4) < n {
		return Frame{}, ErrShortFrame
	}
	var f Frame
	if err := json.Unmarshal(raw[4:4+n], &f); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// HandshakePayload is the Handshake frame's payload: the connecting
// identity's signing key, a fresh nonce, and a signature over
// nonce∥timestamp proving possession of the matching private key.
type HandshakePayload struct {
	IdentityPub []byte    `json:"identity_pub"`
	Nonce       []byte    `json:"nonce"`
	Timestamp   time.Time `json:"timestamp"`
	Signature   []byte    `json:"signature"`
}

// HandshakeSigningBytes returns the exact bytes signed by a Handshake
// frame: the nonce followed by the binary-marshaled timestamp.
func HandshakeSigningBytes(nonce []byte, timestamp time.Time) []byte {
	ts, _ := timestamp.MarshalBinary()
	return append(append([]byte{}, nonce...), ts...)
}
