// Package ratchet implements the Double Ratchet algorithm used to
// encrypt inter-party messages after an exchange handshake has produced
// a shared secret: a symmetric chain-key ratchet over two KDF chains
// plus a Diffie-Hellman ratchet that rekeys on every direction flip.
package ratchet

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/gob"
	"errors"

	"vauchi/internal/vcrypto"
)

const (
	// MaxSkipped bounds how many out-of-order message keys a session
	// will retain before refusing to skip further ahead.
	MaxSkipped = 1000

	// MaxChainGenerations bounds how many completed DH-ratchet steps a
	// session's skipped-key store remembers; generations older than
	// this are pruned to keep the store from growing unbounded across
	// a very long-lived contact relationship.
	MaxChainGenerations = 2000

	rootRatchetInfo = "Vauchi_Root_Ratchet"
	chainKDFInfo    = "Vauchi_Chain_Ratchet"
)

var (
	ErrTooManySkipped  = errors.New("ratchet: too many skipped messages")
	ErrGenerationGone  = errors.New("ratchet: message generation no longer tracked")
	ErrUnknownMessage  = errors.New("ratchet: no key for message")
	ErrDecryptFailed   = errors.New("ratchet: decryption failed")
	ErrNotInitialized  = errors.New("ratchet: chain not initialized")
	ErrInvalidPeerKey  = errors.New("ratchet: invalid peer public key")
)

// skippedID identifies a single skipped message key by the DH
// generation it was produced under and its chain index within that
// generation.
type skippedID struct {
	Generation uint32
	Index      uint32
}

// State is the full, serializable state of one ratchet session. Zero
// value is not usable; construct with InitializeInitiator or
// InitializeResponder.
type State struct {
	RootKey [32]byte

	OurDHPrivate [32]byte
	OurDHPublic  [32]byte
	TheirDH      *[32]byte

	SendChainKey *[32]byte
	RecvChainKey *[32]byte

	SendChainIndex uint32
	RecvChainIndex uint32

	DHGeneration uint32

	PreviousSendChainLength uint32

	SkippedKeys map[skippedID][32]byte
}

// Header travels alongside every ciphertext so the recipient can locate
// or derive the correct message key.
type Header struct {
	DHPublic   [32]byte
	Generation uint32
	PN         uint32
	N          uint32
}

// Envelope is a header plus its AEAD-sealed ciphertext.
type Envelope struct {
	Header     Header
	Ciphertext []byte
}

// MarshalBinary encodes the full session state for storage between
// process invocations. The wire format is a gob of the exported
// fields plus the internal skipped-key store; callers that persist it
// are responsible for encrypting it at rest.
func (s *State) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(s); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes a session state previously produced by
// MarshalBinary.
func (s *State) UnmarshalBinary(data []byte) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(s)
}

// Wipe zeroes all key material held by the state. Call once a session
// is torn down.
func (s *State) Wipe() {
	vcrypto.Wipe(s.RootKey[:])
	vcrypto.Wipe(s.OurDHPrivate[:])
	if s.SendChainKey != nil {
		vcrypto.Wipe(s.SendChainKey[:])
	}
	if s.RecvChainKey != nil {
		vcrypto.Wipe(s.RecvChainKey[:])
	}
	for k, v := range s.SkippedKeys {
		vcrypto.Wipe(v[:])
		delete(s.SkippedKeys, k)
	}
}

// Clone returns a deep copy of the state.
func (s *State) Clone() *State {
	out := &State{
		RootKey:                 s.RootKey,
		OurDHPrivate:            s.OurDHPrivate,
		OurDHPublic:             s.OurDHPublic,
		SendChainIndex:          s.SendChainIndex,
		RecvChainIndex:          s.RecvChainIndex,
		DHGeneration:            s.DHGeneration,
		PreviousSendChainLength: s.PreviousSendChainLength,
		SkippedKeys:             make(map[skippedID][32]byte, len(s.SkippedKeys)),
	}
	if s.TheirDH != nil {
		v := *s.TheirDH
		out.TheirDH = &v
	}
	if s.SendChainKey != nil {
		v := *s.SendChainKey
		out.SendChainKey = &v
	}
	if s.RecvChainKey != nil {
		v := *s.RecvChainKey
		out.RecvChainKey = &v
	}
	for k, v := range s.SkippedKeys {
		out.SkippedKeys[k] = v
	}
	return out
}

// InitializeInitiator builds ratchet state for the party that completed
// the X3DH agreement first. theirDHPublic is the responder's initial
// ratchet public key, exchanged during the handshake.
func InitializeInitiator(sharedSecret []byte, ourDH vcrypto.ExchangeKeyPair, theirDHPublic [32]byte) (*State, error) {
	root, err := vcrypto.HKDFDerive(sharedSecret, rootRatchetInfo, 32)
	if err != nil {
		return nil, err
	}
	s := &State{SkippedKeys: make(map[skippedID][32]byte)}
	copy(s.RootKey[:], root)
	s.OurDHPrivate = ourDH.Private
	s.OurDHPublic = ourDH.Public
	s.TheirDH = &theirDHPublic

	dhOut, err := vcrypto.ECDH(s.OurDHPrivate[:], s.TheirDH[:])
	if err != nil {
		return nil, err
	}
	newRoot, sendCK, err := kdfRootChain(s.RootKey[:], dhOut)
	if err != nil {
		return nil, err
	}
	copy(s.RootKey[:], newRoot)
	s.SendChainKey = sendCK
	return s, nil
}

// InitializeResponder builds ratchet state for the party that completes
// the handshake second. ourDH is the responder's own freshly generated
// ratchet key pair, whose public half must have already been sent to
// the initiator out of band.
func InitializeResponder(sharedSecret []byte, ourDH vcrypto.ExchangeKeyPair) (*State, error) {
	root, err := vcrypto.HKDFDerive(sharedSecret, rootRatchetInfo, 32)
	if err != nil {
		return nil, err
	}
	s := &State{SkippedKeys: make(map[skippedID][32]byte)}
	copy(s.RootKey[:], root)
	s.OurDHPrivate = ourDH.Private
	s.OurDHPublic = ourDH.Public
	return s, nil
}

// Encrypt advances the sending chain by one step and seals plaintext.
func (s *State) Encrypt(plaintext, aad []byte) (Envelope, error) {
	if s.SendChainKey == nil {
		return Envelope{}, ErrNotInitialized
	}
	msgKey, nextCK := kdfChainStep(s.SendChainKey[:])
	s.SendChainKey = &nextCK

	hdr := Header{
		DHPublic:   s.OurDHPublic,
		Generation: s.DHGeneration,
		PN:         s.PreviousSendChainLength,
		N:          s.SendChainIndex,
	}
	s.SendChainIndex++

	ct, err := vcrypto.SealRandom(msgKey[:], plaintext, headerAAD(hdr, aad))
	vcrypto.Wipe(msgKey[:])
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Header: hdr, Ciphertext: ct}, nil
}

// Decrypt opens an envelope, performing a DH ratchet step and/or
// skipped-key lookups as needed to locate the correct message key.
func (s *State) Decrypt(env Envelope, aad []byte) ([]byte, error) {
	if key, ok := s.takeSkipped(env.Header.Generation, env.Header.N); ok {
		pt, err := vcrypto.Open(key[:], env.Ciphertext, headerAAD(env.Header, aad))
		vcrypto.Wipe(key[:])
		if err != nil {
			return nil, ErrDecryptFailed
		}
		return pt, nil
	}

	if s.TheirDH == nil || env.Header.DHPublic != *s.TheirDH {
		if err := s.skipCurrentChain(env.Header.PN); err != nil {
			return nil, err
		}
		if err := s.dhRatchet(env.Header.DHPublic); err != nil {
			return nil, err
		}
	}

	if err := s.skipRecvUntil(env.Header.Generation, env.Header.N); err != nil {
		return nil, err
	}

	if s.RecvChainKey == nil {
		return nil, ErrNotInitialized
	}
	msgKey, nextCK := kdfChainStep(s.RecvChainKey[:])
	s.RecvChainKey = &nextCK
	s.RecvChainIndex++

	pt, err := vcrypto.Open(msgKey[:], env.Ciphertext, headerAAD(env.Header, aad))
	vcrypto.Wipe(msgKey[:])
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return pt, nil
}

// dhRatchet performs a full Diffie-Hellman ratchet step: it absorbs the
// peer's new public key into the receive chain, then generates a fresh
// key pair of our own and absorbs that into the send chain. Order
// matters: receive chain first, exactly as the reference implementation
// this is grounded on requires.
func (s *State) dhRatchet(theirNewPublic [32]byte) error {
	s.TheirDH = &theirNewPublic

	recvDH, err := vcrypto.ECDH(s.OurDHPrivate[:], s.TheirDH[:])
	if err != nil {
		return err
	}
	newRoot, recvCK, err := kdfRootChain(s.RootKey[:], recvDH)
	if err != nil {
		return err
	}
	copy(s.RootKey[:], newRoot)
	s.RecvChainKey = recvCK
	s.PreviousSendChainLength = s.SendChainIndex
	s.SendChainIndex = 0
	s.RecvChainIndex = 0

	ourNew, err := freshExchangeKeyPair()
	if err != nil {
		return err
	}
	s.OurDHPrivate = ourNew.Private
	s.OurDHPublic = ourNew.Public

	sendDH, err := vcrypto.ECDH(s.OurDHPrivate[:], s.TheirDH[:])
	if err != nil {
		return err
	}
	newRoot2, sendCK, err := kdfRootChain(s.RootKey[:], sendDH)
	if err != nil {
		return err
	}
	copy(s.RootKey[:], newRoot2)
	s.SendChainKey = sendCK

	s.DHGeneration++
	s.pruneOldGenerations()
	return nil
}

// skipCurrentChain stashes message keys for any messages on the
// current receive chain that were skipped before a DH ratchet step,
// identified by the previous-chain-length the header just told us
// about.
func (s *State) skipCurrentChain(until uint32) error {
	if s.RecvChainKey == nil {
		return nil
	}
	return s.skipRecvUntilGeneration(s.DHGeneration, until)
}

// skipRecvUntil stashes keys skipped on the current receive chain under
// the sender's header generation, the key takeSkipped looks them up by.
func (s *State) skipRecvUntil(generation, until uint32) error {
	return s.skipRecvUntilGeneration(generation, until)
}

func (s *State) skipRecvUntilGeneration(generation, until uint32) error {
	if s.RecvChainKey == nil {
		return nil
	}
	if s.RecvChainIndex > until {
		return nil
	}
	count := until - s.RecvChainIndex
	if uint64(len(s.SkippedKeys))+uint64(count) > MaxSkipped {
		return ErrTooManySkipped
	}
	for s.RecvChainIndex < until {
		msgKey, nextCK := kdfChainStep(s.RecvChainKey[:])
		id := skippedID{Generation: generation, Index: s.RecvChainIndex}
		s.SkippedKeys[id] = msgKey
		s.RecvChainKey = &nextCK
		s.RecvChainIndex++
	}
	return nil
}

func (s *State) takeSkipped(generation, index uint32) ([32]byte, bool) {
	id := skippedID{Generation: generation, Index: index}
	key, ok := s.SkippedKeys[id]
	if ok {
		delete(s.SkippedKeys, id)
	}
	return key, ok
}

// pruneOldGenerations drops skipped keys from generations too far in
// the past to plausibly still be delivered, bounding memory use across
// a long-lived session.
func (s *State) pruneOldGenerations() {
	if s.DHGeneration < MaxChainGenerations {
		return
	}
	floor := s.DHGeneration - MaxChainGenerations
	for id := range s.SkippedKeys {
		if id.Generation < floor {
			delete(s.SkippedKeys, id)
		}
	}
}

func freshExchangeKeyPair() (vcrypto.ExchangeKeyPair, error) {
	seed, err := vcrypto.RandomBytes(32)
	if err != nil {
		return vcrypto.ExchangeKeyPair{}, err
	}
	defer vcrypto.Wipe(seed)
	return vcrypto.ExchangeKeyPairFromSeed(seed)
}

// kdfRootChain advances the root chain with new DH output, returning
// the next root key and a freshly keyed chain key.
func kdfRootChain(rootKey, dhOutput []byte) (newRoot []byte, chainKey *[32]byte, err error) {
	out, err := vcrypto.HKDFDeriveSalted(rootKey, dhOutput, rootRatchetInfo, 64)
	if err != nil {
		return nil, nil, err
	}
	newRoot = out[:32]
	var ck [32]byte
	copy(ck[:], out[32:])
	return newRoot, &ck, nil
}

// kdfChainStep derives a message key and the next chain key from the
// current chain key using HMAC with fixed, domain-separating constants,
// matching the symmetric-ratchet construction used across the
// reference implementations this package is grounded on.
func kdfChainStep(chainKey []byte) (messageKey [32]byte, nextChainKey [32]byte) {
	mk := hmac.New(sha256.New, chainKey)
	mk.Write([]byte{0x01})
	copy(messageKey[:], mk.Sum(nil))

	ck := hmac.New(sha256.New, chainKey)
	ck.Write([]byte{0x02})
	copy(nextChainKey[:], ck.Sum(nil))
	return messageKey, nextChainKey
}

// headerAAD binds the message header to the AEAD tag so a header
// cannot be swapped without invalidating the ciphertext.
func headerAAD(h Header, extra []byte) []byte {
	buf := make([]byte, 0, 32+4+4+4+len(extra))
	buf = append(buf, h.DHPublic[:]...)
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], h.Generation)
	buf = append(buf, tmp[:]...)
	binary.BigEndian.PutUint32(tmp[:], h.PN)
	buf = append(buf, tmp[:]...)
	binary.BigEndian.PutUint32(tmp[:], h.N)
	buf = append(buf, tmp[:]...)
	buf = append(buf, extra...)
	return buf
}
