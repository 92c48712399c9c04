// Package devicelink implements the multi-device enrollment protocol:
// a single-use link key and short-lived QR bind an existing device
// (initiator) to a new device (responder) long enough to seal and
// transfer the identity's master seed.
package devicelink

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"time"

	"vauchi/internal/identity"
	"vauchi/internal/securestore"
	"vauchi/internal/vcrypto"
)

// Validity bounds how long a device-link QR remains acceptable.
const Validity = 10 * time.Minute

var (
	ErrExpiredLink  = errors.New("devicelink: link has expired")
	ErrAlreadyUsed  = errors.New("devicelink: link has already been used")
	ErrSealFailed   = errors.New("devicelink: seal failed")
	ErrUnsealFailed = errors.New("devicelink: unseal failed")

	linkKeyInfo = "Vauchi_DeviceLink"
)

// QR is the short-lived payload an existing device displays to enroll
// a new one.
type QR struct {
	InitiatorSigningPub []byte    `json:"initiator_signing_pub"`
	LinkCommitment      []byte    `json:"link_commitment"`
	GeneratedAt         time.Time `json:"generated_at"`
}

// LinkState is what the initiator holds in memory between emitting a
// QR and receiving the responder's request.
type LinkState struct {
	LinkKey     [32]byte
	GeneratedAt time.Time
	Used        bool
}

// NewLink derives a fresh single-use link key and its QR commitment.
func NewLink(initiatorSigningPub ed25519.PublicKey) (LinkState, QR, error) {
	var linkKey [32]byte
	raw, err := vcrypto.RandomBytes(32)
	if err != nil {
		return LinkState{}, QR{}, err
	}
	copy(linkKey[:], raw)
	vcrypto.Wipe(raw)

	commitment, err := vcrypto.HKDFDerive(linkKey[:], linkKeyInfo+"_Commitment", 32)
	if err != nil {
		return LinkState{}, QR{}, err
	}

	now := time.Now()
	return LinkState{LinkKey: linkKey, GeneratedAt: now},
		QR{InitiatorSigningPub: append([]byte(nil), initiatorSigningPub...), LinkCommitment: commitment, GeneratedAt: now},
		nil
}

// IsExpired reports whether qr's validity window has elapsed.
func (q QR) IsExpired() bool {
	return time.Since(q.GeneratedAt) > Validity
}

// Consume marks a link state used, rejecting a second enrollment
// attempt against the same link key, and rejects an already-expired
// link outright.
func (l *LinkState) Consume() error {
	if time.Since(l.GeneratedAt) > Validity {
		return ErrExpiredLink
	}
	if l.Used {
		return ErrAlreadyUsed
	}
	l.Used = true
	return nil
}

// Request is the responder's encrypted enrollment request, sealed to
// the initiator under the link key.
type Request struct {
	Envelope *securestore.Envelope `json:"envelope"`
}

// RequestPayload is the plaintext carried inside Request.
type RequestPayload struct {
	NewDeviceExchangePub [32]byte `json:"new_device_exchange_pub"`
	DeviceName           string   `json:"device_name"`
}

// SealRequest is called by the responder once it has scanned qr and
// chosen a device name: it seals the caller-supplied exchange public
// key and the device name under a key derived from the link key.
// The caller must separately recover the shared link key out of band
// (e.g. scanning the same QR the initiator is displaying, which embeds
// the same commitment both sides derive independently from their
// local copy of the link key).
func SealRequest(linkKey [32]byte, newDeviceExchangePriv [32]byte, newDeviceExchangePub [32]byte, deviceName string) (Request, error) {
	key, err := vcrypto.HKDFDerive(linkKey[:], linkKeyInfo+"_Request", 32)
	if err != nil {
		return Request{}, err
	}
	payload := RequestPayload{NewDeviceExchangePub: newDeviceExchangePub, DeviceName: deviceName}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Request{}, err
	}
	env, err := securestore.EncryptWithKey(key, raw, nil)
	if err != nil {
		return Request{}, ErrSealFailed
	}
	return Request{Envelope: env}, nil
}

// OpenRequest is called by the initiator on receipt of a Request.
func OpenRequest(linkKey [32]byte, req Request) (RequestPayload, error) {
	key, err := vcrypto.HKDFDerive(linkKey[:], linkKeyInfo+"_Request", 32)
	if err != nil {
		return RequestPayload{}, err
	}
	raw, err := securestore.DecryptWithKey(key, req.Envelope, nil)
	if err != nil {
		return RequestPayload{}, ErrUnsealFailed
	}
	var payload RequestPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return RequestPayload{}, ErrUnsealFailed
	}
	return payload, nil
}

// Response is the initiator's encrypted enrollment response, sealed
// to the responder under the link key.
type Response struct {
	Envelope *securestore.Envelope `json:"envelope"`
}

// ResponsePayload is the plaintext carried inside Response: the master
// seed, the device's assigned identity, and enough state to bootstrap
// without contacting a relay.
type ResponsePayload struct {
	MasterSeed      [32]byte          `json:"master_seed"`
	DisplayName     string            `json:"display_name"`
	DeviceIndex     int               `json:"device_index"`
	UpdatedRegistry identity.Registry `json:"updated_registry"`
	FullSyncPayload []byte            `json:"full_sync_payload"`
}

// SealResponse is called by the initiator once it has added the new
// device to its registry.
func SealResponse(linkKey [32]byte, payload ResponsePayload) (Response, error) {
	key, err := vcrypto.HKDFDerive(linkKey[:], linkKeyInfo+"_Response", 32)
	if err != nil {
		return Response{}, err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Response{}, err
	}
	env, err := securestore.EncryptWithKey(key, raw, nil)
	vcrypto.Wipe(raw)
	if err != nil {
		return Response{}, ErrSealFailed
	}
	return Response{Envelope: env}, nil
}

// OpenResponse is called by the responder to recover the master seed
// and bootstrap state. The caller is responsible for zeroizing
// payload.MasterSeed once it has derived keys from it.
func OpenResponse(linkKey [32]byte, resp Response) (ResponsePayload, error) {
	key, err := vcrypto.HKDFDerive(linkKey[:], linkKeyInfo+"_Response", 32)
	if err != nil {
		return ResponsePayload{}, err
	}
	raw, err := securestore.DecryptWithKey(key, resp.Envelope, nil)
	if err != nil {
		return ResponsePayload{}, ErrUnsealFailed
	}
	defer vcrypto.Wipe(raw)
	var payload ResponsePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return ResponsePayload{}, ErrUnsealFailed
	}
	return payload, nil
}
