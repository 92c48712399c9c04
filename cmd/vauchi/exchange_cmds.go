package main

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"vauchi/internal/card"
	"vauchi/internal/config"
	"vauchi/internal/devicesync"
	"vauchi/internal/exchange"
	"vauchi/internal/proximity"
	"vauchi/internal/qrcodec"
	"vauchi/internal/ratchet"
	"vauchi/internal/storage"
	"vauchi/internal/vcrypto"
)

const pendingExchangeFileName = ".pending_exchange"

// ack is the blob the Responder hands back to the Initiator once it
// has processed the QR and run its half of key agreement: the
// Initiator has no scan step of its own, so it learns the Responder's
// X3DH ephemeral, long-term keys, ratchet public key, and card only
// once this is relayed back over whatever channel carried the QR in
// the other direction.
type ack struct {
	EphemeralPublic [32]byte  `json:"ephemeral_public"`
	SigningPublic   []byte    `json:"signing_public"`
	ExchangePublic  [32]byte  `json:"exchange_public"`
	RatchetPublic   [32]byte  `json:"ratchet_public"`
	Card            card.Card `json:"card"`
}

// pendingExchange is the Initiator's session state between "exchange
// start" (GenerateQR) and "exchange complete" (consuming the
// Responder's ack). The handshake itself is re-run from scratch on the
// completing invocation since a Session is not persisted across
// process exits; only the fact that a session is pending needs to
// survive.
type pendingExchange struct {
	StartedAt time.Time `json:"started_at"`
}

func cmdExchange(cfg *config.Config, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("exchange: missing subcommand (start, complete)")
	}
	switch args[0] {
	case "start":
		return exchangeStart(cfg, args[1:])
	case "complete":
		return exchangeComplete(cfg, args[1:])
	default:
		return fmt.Errorf("exchange: unknown subcommand %q", args[0])
	}
}

func exchangeIdentity(app *App) (exchange.Identity, error) {
	id, err := app.identity.Identity()
	if err != nil {
		return exchange.Identity{}, err
	}
	pub, priv, err := app.identity.SigningKeyPair()
	if err != nil {
		return exchange.Identity{}, err
	}
	ex, err := app.identity.ExchangeKeyPair()
	if err != nil {
		return exchange.Identity{}, err
	}
	return exchange.Identity{
		IdentityID:      id.ID,
		SigningPublic:   pub,
		SigningPrivate:  priv,
		ExchangeKeyPair: ex,
	}, nil
}

// freshExchangeKeyPair generates a key pair independent of any
// identity's long-term or per-session keys, used to seed a ratchet's
// initial DH step.
func freshExchangeKeyPair() (vcrypto.ExchangeKeyPair, error) {
	seed, err := vcrypto.RandomBytes(32)
	if err != nil {
		return vcrypto.ExchangeKeyPair{}, err
	}
	defer vcrypto.Wipe(seed)
	return vcrypto.ExchangeKeyPairFromSeed(seed)
}

// exchangeStart runs the Initiator side of the handshake through key
// agreement readiness: it generates and prints the QR payload, then
// marks a pending session so "exchange complete" knows to act as the
// Initiator on its next invocation.
func exchangeStart(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("exchange start", flag.ContinueOnError)
	qrOut := fs.String("qr-png", "", "optional path to also write a PNG rendering of the QR")
	if err := fs.Parse(args); err != nil {
		return err
	}

	app, err := openIdentityApp(cfg)
	if err != nil {
		return err
	}
	ident, err := exchangeIdentity(app)
	if err != nil {
		return err
	}

	session := exchange.NewInitiator(ident, proximity.Mock{})
	qr, err := session.GenerateQR()
	if err != nil {
		return err
	}
	if err := session.VerifyProximity(context.Background()); err != nil {
		return err
	}

	pending := pendingExchange{StartedAt: time.Now()}
	raw, err := json.Marshal(pending)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(app.dataDir, pendingExchangeFileName), raw, 0o600); err != nil {
		return err
	}

	fmt.Println(qr)
	if *qrOut != "" {
		png, err := qrcodec.RenderPNG(qr, 512)
		if err != nil {
			return err
		}
		if err := os.WriteFile(*qrOut, png, 0o600); err != nil {
			return err
		}
	}
	fmt.Println()
	fmt.Println("Show this QR to the other device, then run \"vauchi exchange complete -ack <their ack>\" once they hand one back.")
	return nil
}

// exchangeComplete is either side of the handshake depending on
// whether an Initiator session is already pending in this data
// directory: with no pending session it is the Responder scanning a
// QR, and with one pending it is the Initiator consuming the
// Responder's ack.
func exchangeComplete(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("exchange complete", flag.ContinueOnError)
	qr := fs.String("qr", "", "the QR payload string displayed by the other device")
	ackFlag := fs.String("ack", "", "the ack blob handed back by the responder, base64-encoded")
	if err := fs.Parse(args); err != nil {
		return err
	}

	app, err := openIdentityApp(cfg)
	if err != nil {
		return err
	}
	pendingPath := filepath.Join(app.dataDir, pendingExchangeFileName)

	if _, err := os.Stat(pendingPath); err == nil {
		return exchangeCompleteInitiator(app, pendingPath, *ackFlag)
	}
	if *qr == "" {
		return fmt.Errorf("exchange complete: -qr is required to act as responder")
	}
	return exchangeCompleteResponder(app, *qr)
}

func exchangeCompleteResponder(app *App, qr string) error {
	ident, err := exchangeIdentity(app)
	if err != nil {
		return err
	}
	session := exchange.NewResponder(ident, proximity.Mock{})
	if err := session.ProcessQR(qr); err != nil {
		return err
	}
	if err := session.VerifyProximity(context.Background()); err != nil {
		return err
	}
	if err := session.PerformKeyAgreement(); err != nil {
		return err
	}

	ourCard, err := loadOwnCardOrFresh(app)
	if err != nil {
		return err
	}
	ephemeral, err := session.EphemeralPublic()
	if err != nil {
		return err
	}
	ratchetKeys, err := freshExchangeKeyPair()
	if err != nil {
		return err
	}
	qrPayload, err := qrcodec.Decode(qr)
	if err != nil {
		return err
	}

	if err := finishExchange(app, session, ratchetKeys, nil, qrPayload.IdentityPublic, ourCard); err != nil {
		return err
	}

	a := ack{
		EphemeralPublic: ephemeral,
		SigningPublic:   append([]byte(nil), ident.SigningPublic...),
		ExchangePublic:  ident.ExchangeKeyPair.Public,
		RatchetPublic:   ratchetKeys.Public,
		Card:            ourCard,
	}
	raw, err := json.Marshal(a)
	if err != nil {
		return err
	}
	fmt.Println("ack (hand this back to the other device):")
	fmt.Println(base64.StdEncoding.EncodeToString(raw))
	return nil
}

func exchangeCompleteInitiator(app *App, pendingPath, ackB64 string) error {
	if ackB64 == "" {
		return fmt.Errorf("exchange complete: -ack is required to finish as initiator")
	}
	ackRaw, err := base64.StdEncoding.DecodeString(ackB64)
	if err != nil {
		return err
	}
	var a ack
	if err := json.Unmarshal(ackRaw, &a); err != nil {
		return err
	}

	ident, err := exchangeIdentity(app)
	if err != nil {
		return err
	}
	session := exchange.NewInitiator(ident, proximity.Mock{})
	if _, err := session.GenerateQR(); err != nil {
		return err
	}
	if err := session.VerifyProximity(context.Background()); err != nil {
		return err
	}
	session.SetTheirEphemeral(a.EphemeralPublic)
	session.SetPeerLongTermKeys(ed25519.PublicKey(a.SigningPublic), a.ExchangePublic)
	if err := session.PerformKeyAgreement(); err != nil {
		return err
	}

	ratchetKeys, err := freshExchangeKeyPair()
	if err != nil {
		return err
	}
	if err := finishExchange(app, session, ratchetKeys, &a.RatchetPublic, a.SigningPublic, a.Card); err != nil {
		return err
	}
	_ = os.Remove(pendingPath)
	fmt.Println("exchange complete:", a.Card.DisplayName)
	return nil
}

// finishExchange completes the handshake, seeds a fresh ratchet
// session from the X3DH output, and persists the resulting contact.
// peerRatchetPublic is nil for the Responder (who generates the first
// DH step from its own fresh key alone) and set for the Initiator (who
// needs the Responder's ratchet public from the ack).
func finishExchange(app *App, session *exchange.Session, ourRatchetKeys vcrypto.ExchangeKeyPair, peerRatchetPublic *[32]byte, theirSigningPublic []byte, theirCard card.Card) error {
	existing, err := app.store.LoadContact(theirCard.IdentityID)
	var existingSigningKey []byte
	if err == nil {
		existingSigningKey = []byte(existing.IdentityID)
	}
	if _, err := session.CompleteExchange(theirCard, existingSigningKey); err != nil {
		return err
	}

	isInitiator := session.Role == exchange.RoleInitiator
	var rstate *ratchet.State
	if isInitiator {
		rstate, err = ratchet.InitializeInitiator(session.SharedSecret(), ourRatchetKeys, *peerRatchetPublic)
	} else {
		rstate, err = ratchet.InitializeResponder(session.SharedSecret(), ourRatchetKeys)
	}
	if err != nil {
		return err
	}
	encoded, err := rstate.MarshalBinary()
	if err != nil {
		return err
	}
	if err := app.store.SaveRatchetState(theirCard.IdentityID, encoded, isInitiator); err != nil {
		return err
	}

	now := time.Now()
	contact := storage.Contact{
		IdentityID:       theirCard.IdentityID,
		SigningPublicKey: append([]byte(nil), theirSigningPublic...),
		Card:             theirCard,
		AddedAt:          now,
		UpdatedAt:        now,
		ExchangedAt:      now,
	}
	if err := app.store.SaveContact(contact); err != nil {
		return err
	}
	if app.deviceSync == nil {
		return nil
	}
	app.deviceSync.RecordLocalChange(devicesync.Item{
		Kind:      devicesync.ItemContactAdded,
		ContactID: theirCard.IdentityID,
	})
	key, err := loadStorageKey(app.dataDir, app.password)
	if err != nil {
		return err
	}
	return app.saveDeviceSync(key)
}
