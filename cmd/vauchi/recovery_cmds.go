package main

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"vauchi/internal/config"
	"vauchi/internal/identity"
	"vauchi/internal/platform/ratelimiter"
	"vauchi/internal/recovery"
)

const (
	pendingRecoveryClaimFileName = ".pending_recovery_claim"
	recoveryProofFileName        = ".recovery_proof"
)

// recoveryAttemptLimiter throttles vouch/add-voucher attempts per data
// directory: both accept attacker-supplied blobs (a forged claim, a
// forged voucher) and run signature verification, which is cheap
// enough to be worth rate-limiting against brute-force submission.
var recoveryAttemptLimiter = ratelimiter.New(1, 5, 10*time.Minute)

func cmdRecovery(cfg *config.Config, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("recovery: missing subcommand (claim, vouch, add-voucher, status, proof, verify, settings)")
	}
	switch args[0] {
	case "claim":
		return recoveryClaim(cfg, args[1:])
	case "vouch":
		return recoveryVouch(cfg, args[1:])
	case "add-voucher":
		return recoveryAddVoucher(cfg, args[1:])
	case "status":
		return recoveryStatus(cfg, args[1:])
	case "proof":
		return recoveryProof(cfg, args[1:])
	case "verify":
		return recoveryVerify(cfg, args[1:])
	case "settings":
		return recoverySettingsCmd(cfg, args[1:])
	default:
		return fmt.Errorf("recovery: unknown subcommand %q", args[0])
	}
}

// recoveryClaim starts the social-vouching process for this identity,
// claiming continuity from a lost identity's signing public key: it
// persists the claim for distribution and a fresh, empty proof that
// "add-voucher" fills in as contacts respond.
func recoveryClaim(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("recovery claim", flag.ContinueOnError)
	oldPublicHex := fs.String("old-public", "", "hex-encoded signing public key of the identity being recovered")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *oldPublicHex == "" {
		return fmt.Errorf("recovery claim: -old-public is required")
	}
	oldPublic, err := hex.DecodeString(*oldPublicHex)
	if err != nil {
		return fmt.Errorf("recovery claim: -old-public: %w", err)
	}

	app, err := openIdentityApp(cfg)
	if err != nil {
		return err
	}
	newPublic, _, err := app.identity.SigningKeyPair()
	if err != nil {
		return err
	}

	claim := recovery.NewClaim(ed25519.PublicKey(oldPublic), newPublic)
	if err := os.WriteFile(filepath.Join(app.dataDir, pendingRecoveryClaimFileName), recovery.EncodeClaim(claim), 0o600); err != nil {
		return err
	}

	settings := app.recoverySettings()
	proof := recovery.NewProof(claim.OldPublic, claim.NewPublic, settings.RecoveryThreshold)
	if err := saveRecoveryProof(app.dataDir, proof); err != nil {
		return err
	}

	fmt.Println("recovery claim (share with contacts of the old identity):")
	fmt.Println(base64.StdEncoding.EncodeToString(recovery.EncodeClaim(claim)))
	fmt.Printf("need %d vouchers to complete recovery\n", settings.RecoveryThreshold)
	return nil
}

// recoveryVouch is run on a contact's device: it checks the claim
// against a known contact's signing key and, if it matches, signs a
// voucher attesting to continuity.
func recoveryVouch(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("recovery vouch", flag.ContinueOnError)
	claimB64 := fs.String("claim", "", "the claim printed by \"recovery claim\", base64-encoded")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *claimB64 == "" {
		return fmt.Errorf("recovery vouch: -claim is required")
	}
	raw, err := base64.StdEncoding.DecodeString(*claimB64)
	if err != nil {
		return err
	}
	claim, err := recovery.DecodeClaim(raw)
	if err != nil {
		return err
	}
	if claim.IsExpired() {
		return fmt.Errorf("recovery vouch: claim has expired")
	}

	app, err := openIdentityApp(cfg)
	if err != nil {
		return err
	}
	if !recoveryAttemptLimiter.Allow(app.dataDir, time.Now()) {
		return fmt.Errorf("recovery vouch: too many attempts, try again later")
	}
	oldID, err := identity.BuildIdentityID(claim.OldPublic)
	if err != nil {
		return err
	}
	if _, err := app.store.LoadContact(oldID); err != nil {
		return fmt.Errorf("recovery vouch: %q is not a known contact, refusing to vouch", oldID)
	}

	pub, priv, err := app.identity.SigningKeyPair()
	if err != nil {
		return err
	}
	voucher := recovery.CreateVoucher(claim.OldPublic, claim.NewPublic, pub, priv)
	fmt.Println("voucher (hand this back to the recovering identity):")
	fmt.Println(base64.StdEncoding.EncodeToString(recovery.EncodeVoucher(voucher)))
	return nil
}

// recoveryAddVoucher is run on the recovering identity's device: it
// folds one received voucher into the in-progress proof.
func recoveryAddVoucher(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("recovery add-voucher", flag.ContinueOnError)
	voucherB64 := fs.String("voucher", "", "the voucher printed by \"recovery vouch\", base64-encoded")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *voucherB64 == "" {
		return fmt.Errorf("recovery add-voucher: -voucher is required")
	}
	raw, err := base64.StdEncoding.DecodeString(*voucherB64)
	if err != nil {
		return err
	}
	voucher, err := recovery.DecodeVoucher(raw)
	if err != nil {
		return err
	}

	app, err := openIdentityApp(cfg)
	if err != nil {
		return err
	}
	if !recoveryAttemptLimiter.Allow(app.dataDir, time.Now()) {
		return fmt.Errorf("recovery add-voucher: too many attempts, try again later")
	}
	proof, err := loadRecoveryProof(app.dataDir)
	if err != nil {
		return err
	}
	if err := proof.AddVoucher(voucher); err != nil {
		return err
	}
	if err := saveRecoveryProof(app.dataDir, proof); err != nil {
		return err
	}
	fmt.Printf("vouchers collected: %d/%d\n", len(proof.Vouchers), proof.Threshold)
	return nil
}

func recoveryStatus(cfg *config.Config, args []string) error {
	app, err := openIdentityApp(cfg)
	if err != nil {
		return err
	}
	proof, err := loadRecoveryProof(app.dataDir)
	if err != nil {
		return err
	}
	fmt.Printf("vouchers: %d/%d\n", len(proof.Vouchers), proof.Threshold)
	fmt.Println("expires: ", proof.ExpiresAt)
	if err := proof.Validate(); err != nil {
		fmt.Println("status:   not yet complete (" + err.Error() + ")")
	} else {
		fmt.Println("status:   complete")
	}
	return nil
}

// recoveryProof prints the full accumulated proof for backup or for
// handing to a party that needs to verify it independently.
func recoveryProof(cfg *config.Config, args []string) error {
	app, err := openIdentityApp(cfg)
	if err != nil {
		return err
	}
	proof, err := loadRecoveryProof(app.dataDir)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(proof)
	if err != nil {
		return err
	}
	fmt.Println(base64.StdEncoding.EncodeToString(raw))
	return nil
}

// recoveryVerify checks someone else's recovery proof against this
// identity's own contact list, classifying confidence by how many of
// the vouchers came from contacts this identity itself recognizes.
func recoveryVerify(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("recovery verify", flag.ContinueOnError)
	proofB64 := fs.String("proof", "", "the proof printed by \"recovery proof\", base64-encoded")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *proofB64 == "" {
		return fmt.Errorf("recovery verify: -proof is required")
	}
	raw, err := base64.StdEncoding.DecodeString(*proofB64)
	if err != nil {
		return err
	}
	var proof recovery.Proof
	if err := json.Unmarshal(raw, &proof); err != nil {
		return err
	}
	if err := proof.Validate(); err != nil {
		return fmt.Errorf("recovery verify: %w", err)
	}

	app, err := openIdentityApp(cfg)
	if err != nil {
		return err
	}
	var myContacts []recovery.Contact
	for _, c := range app.store.ListContacts() {
		if len(c.SigningPublicKey) == 0 {
			continue
		}
		myContacts = append(myContacts, recovery.Contact{PublicKey: c.SigningPublicKey, DisplayName: c.Card.DisplayName})
	}

	result := proof.VerifyForContact(myContacts, app.recoverySettings())
	fmt.Println("confidence:     ", result.Confidence)
	fmt.Println("mutual vouchers:", result.MutualVouchers)
	fmt.Printf("total/required:  %d/%d\n", result.TotalVouchers, result.Required)
	return nil
}

func recoverySettingsCmd(cfg *config.Config, args []string) error {
	app, err := openIdentityApp(cfg)
	if err != nil {
		return err
	}
	settings := app.recoverySettings()
	fmt.Println("recovery threshold:    ", settings.RecoveryThreshold)
	fmt.Println("verification threshold:", settings.VerificationThreshold)
	return nil
}

func loadRecoveryProof(dataDir string) (recovery.Proof, error) {
	raw, err := os.ReadFile(filepath.Join(dataDir, recoveryProofFileName))
	if err != nil {
		return recovery.Proof{}, fmt.Errorf("no recovery in progress in this data directory: %w", err)
	}
	var proof recovery.Proof
	if err := json.Unmarshal(raw, &proof); err != nil {
		return recovery.Proof{}, err
	}
	return proof, nil
}

func saveRecoveryProof(dataDir string, proof recovery.Proof) error {
	raw, err := json.Marshal(proof)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dataDir, recoveryProofFileName), raw, 0o600)
}
