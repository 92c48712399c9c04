// Package exchange implements the in-person contact-exchange
// handshake: QR generation/scanning, a proximity check, X3DH key
// agreement, and contact-card exchange, modeled as an explicit state
// machine that fails into an absorbing Failed state from any step.
package exchange

import (
	"context"
	"crypto/ed25519"
	"errors"
	"time"

	"vauchi/internal/card"
	"vauchi/internal/proximity"
	"vauchi/internal/qrcodec"
	"vauchi/internal/vcrypto"
)

// Role distinguishes the party that displays the QR (Initiator) from
// the party that scans it (Responder).
type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

// Kind tags the current state of a Session.
type Kind int

const (
	Idle Kind = iota
	AwaitingScan
	AwaitingProximity
	AwaitingKeyAgreement
	AwaitingCardExchange
	Complete
	Failed
)

const (
	// SessionTimeout bounds the whole handshake from GenerateQR/ProcessQR.
	SessionTimeout = 60 * time.Second
	// ProximityTimeout bounds the VerifyProximity step specifically.
	ProximityTimeout = 30 * time.Second
	// QRExpiry bounds how long a displayed QR remains acceptable to scan.
	QRExpiry = qrcodec.Expiry

	x3dhInfo = "Vauchi_X3DH_v1"
)

var (
	ErrWrongRole        = errors.New("exchange: operation not valid for this role")
	ErrWrongState       = errors.New("exchange: operation not valid in current state")
	ErrSelfExchange     = errors.New("exchange: cannot exchange with self")
	ErrTimedOut         = errors.New("exchange: session timed out")
	ErrMissingEphemeral = errors.New("exchange: peer ephemeral key not yet set")
	ErrMissingPeerKeys  = errors.New("exchange: peer long-term keys not yet set")
)

// DuplicateResolution is the caller's choice when CompleteExchange
// detects an existing contact with the same signing key.
type DuplicateResolution int

const (
	DuplicateUpdate DuplicateResolution = iota
	DuplicateKeep
	DuplicateCancel
)

// Identity is the minimal local-identity surface the exchange package
// needs: long-term signing and exchange key material, used to sign the
// QR challenge and to run X3DH.
type Identity struct {
	IdentityID      string
	SigningPublic   ed25519.PublicKey
	SigningPrivate  ed25519.PrivateKey
	ExchangeKeyPair vcrypto.ExchangeKeyPair
}

// Session drives one handshake attempt end to end.
type Session struct {
	State Kind
	Role  Role

	identity Identity
	proxy    proximity.Verifier

	startedAt   time.Time
	interrupted bool

	ourQR      qrcodec.Payload
	ourChallenge [16]byte

	theirSigningPub  ed25519.PublicKey
	theirExchangePub [32]byte
	theirChallenge   [16]byte
	qrGeneratedAt    time.Time

	ourEphemeral   vcrypto.ExchangeKeyPair
	theirEphemeral *[32]byte

	sharedSecret []byte
	failErr      error
}

// NewInitiator starts a handshake for the party that will display the
// QR code.
func NewInitiator(id Identity, proxy proximity.Verifier) *Session {
	return &Session{State: Idle, Role: RoleInitiator, identity: id, proxy: proxy}
}

// NewResponder starts a handshake for the party that will scan the QR
// code.
func NewResponder(id Identity, proxy proximity.Verifier) *Session {
	return &Session{State: Idle, Role: RoleResponder, identity: id, proxy: proxy}
}

// IsTimedOut reports whether the session has run past SessionTimeout
// since it started.
func (s *Session) IsTimedOut() bool {
	if s.startedAt.IsZero() {
		return false
	}
	return time.Since(s.startedAt) > SessionTimeout
}

// CanResume reports whether an interrupted session may still be
// continued (it was marked interrupted, but has not yet timed out).
func (s *Session) CanResume() bool {
	return s.interrupted && !s.IsTimedOut()
}

// MarkInterrupted flags the session as paused (e.g. app backgrounded)
// without failing it outright.
func (s *Session) MarkInterrupted() {
	s.interrupted = true
}

func (s *Session) fail(err error) error {
	s.State = Failed
	s.failErr = err
	return err
}

// FailErr returns the error that moved the session into Failed, if any.
func (s *Session) FailErr() error {
	return s.failErr
}

// QR returns the payload this session generated, if it is the
// Initiator and GenerateQR has been called.
func (s *Session) QR() qrcodec.Payload {
	return s.ourQR
}

// PeerQRGeneratedAt returns the timestamp embedded in the QR this
// session scanned, if it is the Responder and ProcessQR has been
// called.
func (s *Session) PeerQRGeneratedAt() time.Time {
	return s.qrGeneratedAt
}

// GenerateQR produces and signs this session's QR payload. Valid only
// for the Initiator from Idle.
func (s *Session) GenerateQR() (string, error) {
	if s.Role != RoleInitiator {
		return "", s.fail(ErrWrongRole)
	}
	if s.State != Idle {
		return "", s.fail(ErrWrongState)
	}
	challenge, err := vcrypto.RandomBytes(16)
	if err != nil {
		return "", s.fail(err)
	}
	copy(s.ourChallenge[:], challenge)
	s.startedAt = time.Now()

	payload := qrcodec.Sign(qrcodec.Payload{
		IdentityID:      s.identity.IdentityID,
		IdentityPublic:  append([]byte(nil), s.identity.SigningPublic...),
		EphemeralPublic: append([]byte(nil), s.identity.ExchangeKeyPair.Public[:]...),
		SessionNonce:    append([]byte(nil), s.ourChallenge[:]...),
	}, s.identity.SigningPrivate)
	s.ourQR = payload

	encoded, err := qrcodec.Encode(payload)
	if err != nil {
		return "", s.fail(err)
	}
	s.State = AwaitingScan
	return encoded, nil
}

// ProcessQR consumes a scanned QR string. Valid only for the Responder
// from Idle.
func (s *Session) ProcessQR(qr string) error {
	if s.Role != RoleResponder {
		return s.fail(ErrWrongRole)
	}
	if s.State != Idle {
		return s.fail(ErrWrongState)
	}
	payload, err := qrcodec.Decode(qr)
	if err != nil {
		return s.fail(err)
	}
	if payload.IdentityID == s.identity.IdentityID {
		return s.fail(ErrSelfExchange)
	}
	if len(payload.EphemeralPublic) != 32 {
		return s.fail(qrcodec.ErrInvalidPayload)
	}

	s.startedAt = time.Now()
	s.theirSigningPub = payload.IdentityPublic
	copy(s.theirExchangePub[:], payload.EphemeralPublic)
	copy(s.theirChallenge[:], payload.SessionNonce)
	s.qrGeneratedAt = payload.GeneratedAt
	s.State = AwaitingProximity
	return nil
}

// VerifyProximity runs the proximity verifier under ProximityTimeout.
// The Responder reaches this step from AwaitingProximity (set by
// ProcessQR); the Initiator has no separate scan step of its own and
// reaches it directly from AwaitingScan once the caller's transport has
// relayed the responder's acknowledgement.
func (s *Session) VerifyProximity(ctx context.Context) error {
	if s.State != AwaitingProximity && s.State != AwaitingScan {
		return s.fail(ErrWrongState)
	}
	ctx, cancel := context.WithTimeout(ctx, ProximityTimeout)
	defer cancel()

	token := s.theirChallenge[:]
	if s.Role == RoleInitiator {
		token = s.ourChallenge[:]
	}
	if err := s.proxy.Emit(ctx, token); err != nil {
		return s.fail(err)
	}
	if err := s.proxy.Listen(ctx, token); err != nil {
		return s.fail(err)
	}
	s.State = AwaitingKeyAgreement
	return nil
}

// EphemeralPublic returns this session's ephemeral X25519 public key,
// generated lazily on first call, for the caller to transmit to the
// peer alongside key-agreement traffic.
func (s *Session) EphemeralPublic() ([32]byte, error) {
	if s.ourEphemeral == (vcrypto.ExchangeKeyPair{}) {
		seed, err := vcrypto.RandomBytes(32)
		if err != nil {
			return [32]byte{}, err
		}
		defer vcrypto.Wipe(seed)
		kp, err := vcrypto.ExchangeKeyPairFromSeed(seed)
		if err != nil {
			return [32]byte{}, err
		}
		s.ourEphemeral = kp
	}
	return s.ourEphemeral.Public, nil
}

// SetTheirEphemeral records the peer's ephemeral public key, received
// out of band over whatever transport the caller is using for the
// key-agreement step. This is the explicit caller-wiring point: this
// package never assumes a transport of its own.
func (s *Session) SetTheirEphemeral(pub [32]byte) {
	s.theirEphemeral = &pub
}

// SetPeerLongTermKeys records the peer's long-term signing and exchange
// public keys. The Responder learns these directly from the scanned
// QR; the Initiator has no QR-scan step of its own and must have this
// delivered by the caller's transport once the responder acknowledges
// the scan (e.g. over the same channel used for SetTheirEphemeral).
func (s *Session) SetPeerLongTermKeys(signingPub ed25519.PublicKey, exchangePub [32]byte) {
	s.theirSigningPub = append(ed25519.PublicKey(nil), signingPub...)
	s.theirExchangePub = exchangePub
}

// PerformKeyAgreement runs X3DH. The Responder acts as the X3DH
// initiator (it generates the fresh ephemeral and is the first to be
// able to compute s); the Initiator acts as the X3DH responder and
// must have received the peer's ephemeral via SetTheirEphemeral first.
func (s *Session) PerformKeyAgreement() error {
	if s.State != AwaitingKeyAgreement {
		return s.fail(ErrWrongState)
	}

	var secret []byte
	var err error
	switch s.Role {
	case RoleResponder:
		if _, err = s.EphemeralPublic(); err != nil {
			return s.fail(err)
		}
		secret, err = deriveSharedSecret(
			s.identity.ExchangeKeyPair.Private, s.theirExchangePub,
			s.ourEphemeral.Private, s.theirExchangePub,
			s.ourEphemeral.Private, s.theirExchangePub,
		)
	case RoleInitiator:
		if s.theirEphemeral == nil {
			return s.fail(ErrMissingEphemeral)
		}
		if s.theirSigningPub == nil {
			return s.fail(ErrMissingPeerKeys)
		}
		secret, err = deriveSharedSecret(
			s.identity.ExchangeKeyPair.Private, s.theirExchangePub,
			s.identity.ExchangeKeyPair.Private, *s.theirEphemeral,
			s.identity.ExchangeKeyPair.Private, *s.theirEphemeral,
		)
	}
	if err != nil {
		return s.fail(err)
	}
	s.sharedSecret = secret
	s.State = AwaitingCardExchange
	return nil
}

// SharedSecret returns the X3DH output once key agreement has
// completed, for seeding the double ratchet.
func (s *Session) SharedSecret() []byte {
	return s.sharedSecret
}

// CompleteExchange finalizes the handshake with the peer's contact
// card. existingSigningKey, if non-nil, signals that a contact with
// this signing key already exists. It returns DuplicateUpdate when
// existingSigningKey is non-nil and DuplicateKeep otherwise; it does not
// inspect theirCard or the key's contents.
func (s *Session) CompleteExchange(theirCard card.Card, existingSigningKey []byte) (DuplicateResolution, error) {
	if s.State != AwaitingCardExchange {
		return 0, s.fail(ErrWrongState)
	}
	if existingSigningKey != nil {
		s.State = Complete
		return DuplicateUpdate, nil
	}
	s.State = Complete
	return DuplicateKeep, nil
}

// deriveSharedSecret combines three Diffie-Hellman outputs into one
// HKDF-derived shared secret, matching the handshake's X3DH
// construction: the two long-term keys against each other, then the
// responder's ephemeral against the initiator's long-term key, twice —
// concatenated before derivation. Each side computes these from its
// own private halves and the peer's public halves.
func deriveSharedSecret(privA [32]byte, pubA [32]byte, privB [32]byte, pubB [32]byte, privC [32]byte, pubC [32]byte) ([]byte, error) {
	dh1, err := vcrypto.ECDH(privA[:], pubA[:])
	if err != nil {
		return nil, err
	}
	dh2, err := vcrypto.ECDH(privB[:], pubB[:])
	if err != nil {
		return nil, err
	}
	dh3, err := vcrypto.ECDH(privC[:], pubC[:])
	if err != nil {
		return nil, err
	}
	material := append(append(append([]byte{}, dh1...), dh2...), dh3...)
	return vcrypto.HKDFDerive(material, x3dhInfo, 32)
}
