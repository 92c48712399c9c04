package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"os"
	"time"

	"vauchi/internal/config"
	"vauchi/internal/identity"
	"vauchi/internal/securestore"
	"vauchi/internal/storage"
	"vauchi/internal/vcrypto"
)

// cmdExport writes a password-encrypted backup of this identity's
// master seed, plus enough device-slot metadata to restore into the
// same slot, to the given file.
func cmdExport(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	mnemonic := fs.Bool("mnemonic", false, "write a human-memorable BIP-39 phrase instead of an encrypted blob")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("export: usage: vauchi export [-mnemonic] <file>")
	}
	outPath := fs.Arg(0)

	password, err := promptPassword("identity password: ")
	if err != nil {
		return err
	}
	app, err := openApp(*cfg, password)
	if err != nil {
		return err
	}
	if err := app.requireIdentity(); err != nil {
		return err
	}

	seed, err := app.identity.ExportSeed(password)
	if err != nil {
		return fmt.Errorf("export: wrong password or corrupt seed backup: %w", err)
	}
	defer vcrypto.Wipe(seed)

	if *mnemonic {
		phrase, err := identity.Mnemonic(seed)
		if err != nil {
			return err
		}
		return os.WriteFile(outPath, []byte(phrase+"\n"), 0o600)
	}

	info, err := app.store.LoadDeviceInfo()
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	id, err := app.identity.Identity()
	if err != nil {
		return err
	}
	blob := encodeBackupPayload(id.ID, seed, info.Index, info.DeviceName)
	sealed, err := securestore.Encrypt(password, blob)
	if err != nil {
		return err
	}
	return os.WriteFile(outPath, sealed, 0o600)
}

// cmdImport restores an identity into this data directory from a
// backup produced by "export". The data directory must not already
// hold a device.
func cmdImport(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("import", flag.ContinueOnError)
	mnemonic := fs.Bool("mnemonic", false, "the file holds a BIP-39 phrase rather than an encrypted blob")
	deviceName := fs.String("device-name", "Primary Device", "name for this device (mnemonic imports only)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("import: usage: vauchi import [-mnemonic] <file>")
	}
	inPath := fs.Arg(0)
	raw, err := os.ReadFile(inPath)
	if err != nil {
		return err
	}

	password, err := promptPassword("identity password: ")
	if err != nil {
		return err
	}
	app, err := openApp(*cfg, password)
	if err != nil {
		return err
	}
	if app.store.HasDeviceInfo() {
		return fmt.Errorf("import: a device is already registered in %s", app.dataDir)
	}

	if *mnemonic {
		return importMnemonicBackup(app, password, string(raw), *deviceName)
	}
	return importEncryptedBackup(app, password, raw)
}

func importMnemonicBackup(app *App, password, phrase, deviceName string) error {
	mgr := identity.NewManager()
	id, err := mgr.Import(trimNewline(phrase), password, deviceName)
	if err != nil {
		return fmt.Errorf("import: %w", err)
	}
	reg, err := mgr.Registry()
	if err != nil {
		return err
	}
	return finishIdentityImport(app, mgr, id, *reg, 0, deviceName)
}

func importEncryptedBackup(app *App, password string, raw []byte) error {
	plain, err := securestore.Decrypt(password, raw)
	if err != nil {
		return fmt.Errorf("import: wrong password or corrupt backup: %w", err)
	}
	payload, err := decodeBackupPayload(plain)
	if err != nil {
		return fmt.Errorf("import: %w", err)
	}
	defer vcrypto.Wipe(payload.seed[:])

	keys, err := identity.DeriveKeys(payload.seed[:])
	if err != nil {
		return err
	}
	dev, _, err := identity.DeriveDevice(payload.seed[:], payload.deviceIndex, payload.deviceName)
	if err != nil {
		return err
	}
	reg := identity.NewRegistry(dev)
	reg.Sign(keys.SigningPrivate)

	id := identity.Identity{ID: payload.identityName, SigningPublicKey: keys.SigningPublic, CreatedAt: time.Now()}
	env, err := securestore.EncryptEnvelope(password, payload.seed[:])
	if err != nil {
		return err
	}
	mgr, err := identity.Restore(password, env, id, *reg, payload.deviceIndex)
	if err != nil {
		return err
	}
	return finishIdentityImport(app, mgr, id, *reg, payload.deviceIndex, payload.deviceName)
}

func finishIdentityImport(app *App, mgr *identity.Manager, id identity.Identity, reg identity.Registry, deviceIndex int, deviceName string) error {
	if err := app.store.SaveDeviceRegistry(reg); err != nil {
		return err
	}
	var dev identity.Device
	found := false
	for _, d := range reg.Devices {
		if d.Index == deviceIndex {
			dev, found = d, true
			break
		}
	}
	if !found {
		return fmt.Errorf("import: device slot %d not found in restored registry", deviceIndex)
	}
	if err := app.store.SaveDeviceInfo(storage.DeviceInfo{DeviceID: dev.DeviceID, DeviceName: deviceName, Index: deviceIndex}); err != nil {
		return err
	}
	if err := persistIdentity(app.dataDir, mgr, deviceIndex); err != nil {
		return err
	}
	fmt.Println("identity restored:", id.ID)
	fmt.Println("device:           ", dev.DeviceID)
	return nil
}

// backupPayload is the plaintext sealed by an encrypted export, in the
// wire order: name_len ∥ name ∥ seed(32) ∥ device_index ∥
// device_name_len ∥ device_name. Older backups without the trailing
// device-slot fields restore to index 0, "Primary Device".
type backupPayload struct {
	identityName string
	seed         [32]byte
	deviceIndex  int
	deviceName   string
}

func encodeBackupPayload(identityName string, seed []byte, deviceIndex int, deviceName string) []byte {
	nameBytes := []byte(identityName)
	devNameBytes := []byte(deviceName)

	buf := make([]byte, 0, 4+len(nameBytes)+32+4+4+len(devNameBytes))
	buf = appendUint32LenPrefixed(buf, nameBytes)
	buf = append(buf, seed...)
	buf = appendUint32(buf, uint32(deviceIndex))
	buf = appendUint32LenPrefixed(buf, devNameBytes)
	return buf
}

func decodeBackupPayload(raw []byte) (backupPayload, error) {
	name, rest, err := readUint32LenPrefixed(raw)
	if err != nil {
		return backupPayload{}, err
	}
	if len(rest) < 32 {
		return backupPayload{}, fmt.Errorf("backup: truncated seed")
	}
	var seed [32]byte
	copy(seed[:], rest[:32])
	rest = rest[32:]

	payload := backupPayload{identityName: string(name), seed: seed, deviceIndex: 0, deviceName: "Primary Device"}
	if len(rest) == 0 {
		return payload, nil
	}
	if len(rest) < 4 {
		return backupPayload{}, fmt.Errorf("backup: truncated device-slot trailer")
	}
	payload.deviceIndex = int(binary.BigEndian.Uint32(rest[:4]))
	rest = rest[4:]
	devName, _, err := readUint32LenPrefixed(rest)
	if err != nil {
		return backupPayload{}, err
	}
	payload.deviceName = string(devName)
	return payload, nil
}

func appendUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendUint32LenPrefixed(buf, data []byte) []byte {
	buf = appendUint32(buf, uint32(len(data)))
	return append(buf, data...)
}

func readUint32LenPrefixed(raw []byte) (data, rest []byte, err error) {
	if len(raw) < 4 {
		return nil, nil, fmt.Errorf("truncated length prefix")
	}
	n := binary.BigEndian.Uint32(raw[:4])
	raw = raw[4:]
	if uint32(len(raw)) < n {
		return nil, nil, fmt.Errorf("truncated field")
	}
	return raw[:n], raw[n:], nil
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

// cmdCompletions prints a static shell-completion script; vauchi's
// subcommand tree is small and fixed, so this is a plain switch rather
// than a generated one.
func cmdCompletions(cfg *config.Config, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("completions: usage: vauchi completions <bash|zsh|fish>")
	}
	switch args[0] {
	case "bash":
		fmt.Print(bashCompletion)
	case "zsh":
		fmt.Print(zshCompletion)
	case "fish":
		fmt.Print(fishCompletion)
	default:
		return fmt.Errorf("completions: unknown shell %q (want bash, zsh, or fish)", args[0])
	}
	return nil
}

const vauchiSubcommands = "init card contacts device exchange labels recovery sync export import completions"

const bashCompletion = `# vauchi bash completion
_vauchi() {
  local cur=${COMP_WORDS[COMP_CWORD]}
  if [ "$COMP_CWORD" -eq 1 ]; then
    COMPREPLY=( $(compgen -W "` + vauchiSubcommands + `" -- "$cur") )
  fi
}
complete -F _vauchi vauchi
`

const zshCompletion = `#compdef vauchi
_vauchi() {
  _arguments '1: :(` + vauchiSubcommands + `)'
}
_vauchi
`

const fishCompletion = `# vauchi fish completion
complete -c vauchi -n "__fish_use_subcommand" -a "` + vauchiSubcommands + `"
`
