// Package qrcodec encodes and decodes the exchange handshake's QR
// payload and renders it as a scannable PNG.
package qrcodec

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"

	"github.com/skip2/go-qrcode"
)

// ErrInvalidPayload is returned when a scanned string is not a
// recognizable handshake QR payload.
var ErrInvalidPayload = errors.New("qrcodec: invalid payload")

// ErrExpired is returned when a scanned QR payload's GeneratedAt is
// older than Expiry.
var ErrExpired = errors.New("qrcodec: qr code has expired")

// ErrBadSignature is returned when a scanned QR payload's signature
// does not verify against its own embedded signing key.
var ErrBadSignature = errors.New("qrcodec: signature invalid")

const schemaVersion = 1

// Expiry is how long a generated QR code remains acceptable to scan.
const Expiry = 5 * time.Minute

// Payload is the data encoded into a handshake QR code: the
// initiator's signing and exchange public keys, an audio proximity
// challenge, a generation timestamp, and a signature over all of the
// above.
type Payload struct {
	Version         int       `json:"v"`
	IdentityID      string    `json:"id"`
	IdentityPublic  []byte    `json:"ik"`
	EphemeralPublic []byte    `json:"ek"`
	SessionNonce    []byte    `json:"n"`
	GeneratedAt     time.Time `json:"t"`
	Signature       []byte    `json:"sig"`
}

func signingBytes(p Payload) []byte {
	buf := make([]byte, 0, 128)
	buf = append(buf, []byte(p.IdentityID)...)
	buf = append(buf, 0)
	buf = append(buf, p.IdentityPublic...)
	buf = append(buf, p.EphemeralPublic...)
	buf = append(buf, p.SessionNonce...)
	ts, _ := p.GeneratedAt.MarshalBinary()
	buf = append(buf, ts...)
	return buf
}

// Sign finalizes a payload (stamping GeneratedAt and Version) and signs
// it with the displaying identity's signing key.
func Sign(p Payload, priv ed25519.PrivateKey) Payload {
	p.Version = schemaVersion
	p.GeneratedAt = time.Now()
	p.Signature = ed25519.Sign(priv, signingBytes(p))
	return p
}

// Encode serializes a signed Payload to the base64 string that gets
// rendered into a QR code.
func Encode(p Payload) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// Decode parses a scanned QR string back into a Payload, checking its
// signature and expiry.
func Decode(s string) (Payload, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Payload{}, ErrInvalidPayload
	}
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, ErrInvalidPayload
	}
	if p.Version != schemaVersion || p.IdentityID == "" || len(p.IdentityPublic) != ed25519.PublicKeySize {
		return Payload{}, ErrInvalidPayload
	}
	if time.Since(p.GeneratedAt) > Expiry {
		return Payload{}, ErrExpired
	}
	unsigned := p
	unsigned.Signature = nil
	if !ed25519.Verify(p.IdentityPublic, signingBytes(unsigned), p.Signature) {
		return Payload{}, ErrBadSignature
	}
	return p, nil
}

// RenderPNG renders a QR payload string as a PNG image of the given
// pixel size, suitable for on-screen display during a handshake.
func RenderPNG(payload string, size int) ([]byte, error) {
	return qrcode.Encode(payload, qrcode.Medium, size)
}
