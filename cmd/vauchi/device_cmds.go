package main

import (
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"vauchi/internal/config"
	"vauchi/internal/devicelink"
	"vauchi/internal/devicesync"
	"vauchi/internal/identity"
	"vauchi/internal/storage"
	"vauchi/internal/vcrypto"
)

const (
	pendingDeviceLinkFileName = ".pending_device_link"
	pendingLinkKeyFileName    = ".pending_link_key"
	pendingDeviceNameFileName = ".pending_device_name"
)

func cmdDevice(cfg *config.Config, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("device: missing subcommand (list, info, link, join, complete, finish, revoke)")
	}
	switch args[0] {
	case "list":
		return deviceList(cfg, args[1:])
	case "info":
		return deviceInfo(cfg, args[1:])
	case "link":
		return deviceLink(cfg, args[1:])
	case "join":
		return deviceJoin(cfg, args[1:])
	case "complete":
		return deviceComplete(cfg, args[1:])
	case "finish":
		return deviceFinish(cfg, args[1:])
	case "revoke":
		return deviceRevoke(cfg, args[1:])
	default:
		return fmt.Errorf("device: unknown subcommand %q", args[0])
	}
}

func deviceList(cfg *config.Config, args []string) error {
	app, err := openIdentityApp(cfg)
	if err != nil {
		return err
	}
	reg, err := app.identity.Registry()
	if err != nil {
		return err
	}
	for _, d := range reg.Devices {
		status := "active"
		if d.Revoked {
			status = "revoked"
		}
		fmt.Printf("%d  %-12s %-20s %s\n", d.Index, d.DeviceID, d.DeviceName, status)
	}
	return nil
}

func deviceInfo(cfg *config.Config, args []string) error {
	app, err := openIdentityApp(cfg)
	if err != nil {
		return err
	}
	info, err := app.store.LoadDeviceInfo()
	if err != nil {
		return err
	}
	fmt.Println("index:      ", info.Index)
	fmt.Println("device id:  ", info.DeviceID)
	fmt.Println("device name:", info.DeviceName)
	return nil
}

// linkBundle is what a real device-link QR would visually encode: the
// commitment payload plus the raw link key confirmed by scanning it,
// combined here since this CLI has no camera to scan through.
type linkBundle struct {
	QR      devicelink.QR `json:"qr"`
	LinkKey [32]byte      `json:"link_key"`
}

// deviceLink runs the initiator half of enrollment: it mints a
// single-use link key, persists the pending link state, and prints the
// bundle the new device must be given (by QR in a real client).
func deviceLink(cfg *config.Config, args []string) error {
	app, err := openIdentityApp(cfg)
	if err != nil {
		return err
	}
	pub, _, err := app.identity.SigningKeyPair()
	if err != nil {
		return err
	}
	state, qr, err := devicelink.NewLink(pub)
	if err != nil {
		return err
	}

	stateRaw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(app.dataDir, pendingLinkKeyFileName), stateRaw, 0o600); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(app.dataDir, pendingDeviceLinkFileName), []byte("initiator"), 0o600); err != nil {
		return err
	}

	bundle := linkBundle{QR: qr, LinkKey: state.LinkKey}
	raw, err := json.Marshal(bundle)
	if err != nil {
		return err
	}
	fmt.Println("device link bundle (give this to the new device):")
	fmt.Println(base64.StdEncoding.EncodeToString(raw))
	fmt.Println()
	fmt.Println("Then on the new device, run \"vauchi device join -link <bundle> -device-name <name>\".")
	return nil
}

// pendingJoin is the responder's session state between "device join"
// and "device finish".
type pendingJoin struct {
	LinkKey           [32]byte `json:"link_key"`
	DeviceName        string   `json:"device_name"`
	NewExchangePublic [32]byte `json:"new_exchange_public"`
}

// deviceJoin runs the responder half of enrollment's first step: it
// derives a fresh exchange key pair, seals a request under the link
// key, and prints it for the initiator to consume.
func deviceJoin(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("device join", flag.ContinueOnError)
	linkFlag := fs.String("link", "", "the link bundle printed by \"device link\", base64-encoded")
	deviceName := fs.String("device-name", "", "name for this device")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *linkFlag == "" || *deviceName == "" {
		return fmt.Errorf("device join: -link and -device-name are required")
	}

	raw, err := base64.StdEncoding.DecodeString(*linkFlag)
	if err != nil {
		return err
	}
	var bundle linkBundle
	if err := json.Unmarshal(raw, &bundle); err != nil {
		return err
	}
	if bundle.QR.IsExpired() {
		return devicelink.ErrExpiredLink
	}

	password, err := promptPassword("new device password: ")
	if err != nil {
		return err
	}
	app, err := openApp(*cfg, password)
	if err != nil {
		return err
	}
	if app.store.HasDeviceInfo() {
		return fmt.Errorf("device join: a device is already registered in %s", app.dataDir)
	}

	newKeys, err := freshExchangeKeyPair()
	if err != nil {
		return err
	}
	req, err := devicelink.SealRequest(bundle.LinkKey, newKeys.Private, newKeys.Public, *deviceName)
	if err != nil {
		return err
	}

	pending := pendingJoin{LinkKey: bundle.LinkKey, DeviceName: *deviceName, NewExchangePublic: newKeys.Public}
	pendingRaw, err := json.Marshal(pending)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(app.dataDir, pendingDeviceNameFileName), pendingRaw, 0o600); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(app.dataDir, pendingDeviceLinkFileName), []byte("responder"), 0o600); err != nil {
		return err
	}

	reqRaw, err := json.Marshal(req)
	if err != nil {
		return err
	}
	fmt.Println("enrollment request (give this back to the existing device):")
	fmt.Println(base64.StdEncoding.EncodeToString(reqRaw))
	fmt.Println()
	fmt.Println("Then on the existing device, run \"vauchi device complete -request <blob>\".")
	return nil
}

// deviceComplete runs the initiator's final enrollment step: it opens
// the responder's request, adds the new device to the registry, and
// seals a response carrying the master seed and a full-state bundle.
func deviceComplete(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("device complete", flag.ContinueOnError)
	requestFlag := fs.String("request", "", "the enrollment request printed by \"device join\", base64-encoded")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *requestFlag == "" {
		return fmt.Errorf("device complete: -request is required")
	}

	app, err := openIdentityApp(cfg)
	if err != nil {
		return err
	}
	stateRaw, err := os.ReadFile(filepath.Join(app.dataDir, pendingLinkKeyFileName))
	if err != nil {
		return fmt.Errorf("read pending link state: %w", err)
	}
	var state devicelink.LinkState
	if err := json.Unmarshal(stateRaw, &state); err != nil {
		return err
	}
	if err := state.Consume(); err != nil {
		return err
	}

	reqRaw, err := base64.StdEncoding.DecodeString(*requestFlag)
	if err != nil {
		return err
	}
	var req devicelink.Request
	if err := json.Unmarshal(reqRaw, &req); err != nil {
		return err
	}
	payload, err := devicelink.OpenRequest(state.LinkKey, req)
	if err != nil {
		return err
	}

	seed, err := app.identity.ExportSeed(app.password)
	if err != nil {
		return err
	}
	defer vcrypto.Wipe(seed)

	dev, _, err := app.identity.AddDevice(seed, payload.DeviceName)
	if err != nil {
		return err
	}
	reg, err := app.identity.Registry()
	if err != nil {
		return err
	}
	if err := app.store.SaveDeviceRegistry(*reg); err != nil {
		return err
	}
	ourIndex, err := ourDeviceIndex(app)
	if err != nil {
		return err
	}
	if err := persistIdentity(app.dataDir, app.identity, ourIndex); err != nil {
		return err
	}

	var seedArray [32]byte
	copy(seedArray[:], seed)

	bundle := devicesync.FullSyncBundle{VersionVector: map[string]uint64{}}
	if c, err := app.store.LoadOwnCard(); err == nil {
		bundle.OwnCard = c
	}
	for _, c := range app.store.ListContacts() {
		bundle.Contacts = append(bundle.Contacts, c.Card)
	}
	if app.deviceSync != nil {
		bundle.VersionVector = app.deviceSync.VersionVector()
		app.deviceSync.AddDevice(dev.DeviceID)
	}
	bundleRaw, err := json.Marshal(bundle)
	if err != nil {
		return err
	}

	resp, err := devicelink.SealResponse(state.LinkKey, devicelink.ResponsePayload{
		MasterSeed:      seedArray,
		DisplayName:     dev.DeviceName,
		DeviceIndex:     dev.Index,
		UpdatedRegistry: *reg,
		FullSyncPayload: bundleRaw,
	})
	vcrypto.Wipe(seedArray[:])
	if err != nil {
		return err
	}

	if app.deviceSync != nil {
		key, kerr := loadStorageKey(app.dataDir, app.password)
		if kerr != nil {
			return kerr
		}
		if err := app.saveDeviceSync(key); err != nil {
			return err
		}
	}
	_ = os.Remove(filepath.Join(app.dataDir, pendingLinkKeyFileName))
	_ = os.Remove(filepath.Join(app.dataDir, pendingDeviceLinkFileName))

	respRaw, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	fmt.Println("enrollment response (give this back to the new device):")
	fmt.Println(base64.StdEncoding.EncodeToString(respRaw))
	fmt.Println()
	fmt.Println("Then on the new device, run \"vauchi device finish -response <blob>\".")
	return nil
}

// deviceFinish runs the responder's final enrollment step: it opens
// the initiator's response, adopts the master seed, and applies the
// full-state bundle it was handed.
func deviceFinish(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("device finish", flag.ContinueOnError)
	responseFlag := fs.String("response", "", "the enrollment response printed by \"device complete\", base64-encoded")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *responseFlag == "" {
		return fmt.Errorf("device finish: -response is required")
	}

	password, err := promptPassword("new device password: ")
	if err != nil {
		return err
	}
	app, err := openApp(*cfg, password)
	if err != nil {
		return err
	}

	pendingRaw, err := os.ReadFile(filepath.Join(app.dataDir, pendingDeviceNameFileName))
	if err != nil {
		return fmt.Errorf("read pending join state: %w", err)
	}
	var pending pendingJoin
	if err := json.Unmarshal(pendingRaw, &pending); err != nil {
		return err
	}

	respRaw, err := base64.StdEncoding.DecodeString(*responseFlag)
	if err != nil {
		return err
	}
	var resp devicelink.Response
	if err := json.Unmarshal(respRaw, &resp); err != nil {
		return err
	}
	payload, err := devicelink.OpenResponse(pending.LinkKey, resp)
	if err != nil {
		return err
	}
	defer vcrypto.Wipe(payload.MasterSeed[:])

	mgr, err := importDeviceLinkIdentity(password, payload)
	if err != nil {
		return err
	}
	if err := app.store.SaveDeviceRegistry(payload.UpdatedRegistry); err != nil {
		return err
	}
	if err := app.store.SaveDeviceInfo(storage.DeviceInfo{
		DeviceID:   deviceIDForIndex(payload.UpdatedRegistry, payload.DeviceIndex),
		DeviceName: payload.DisplayName,
		Index:      payload.DeviceIndex,
	}); err != nil {
		return err
	}
	if err := persistIdentity(app.dataDir, mgr, payload.DeviceIndex); err != nil {
		return err
	}

	var bundle devicesync.FullSyncBundle
	if err := json.Unmarshal(payload.FullSyncPayload, &bundle); err == nil {
		if bundle.OwnCard.DisplayName != "" {
			_ = app.store.SaveOwnCard(bundle.OwnCard)
		}
		now := time.Now()
		for _, c := range bundle.Contacts {
			_ = app.store.SaveContact(storage.Contact{IdentityID: c.IdentityID, Card: c, AddedAt: now, UpdatedAt: now})
		}
	}

	ds := devicesync.NewManager(deviceIDForIndex(payload.UpdatedRegistry, payload.DeviceIndex), peerDeviceIDs(payload.UpdatedRegistry, payload.DeviceIndex))
	key, err := loadStorageKey(app.dataDir, password)
	if err != nil {
		return err
	}
	if err := persistDeviceSync(app.dataDir, key, ds); err != nil {
		return err
	}

	_ = os.Remove(filepath.Join(app.dataDir, pendingDeviceNameFileName))
	_ = os.Remove(filepath.Join(app.dataDir, pendingDeviceLinkFileName))
	fmt.Println("device enrolled:", payload.DisplayName)
	return nil
}

func deviceRevoke(cfg *config.Config, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("device revoke: missing device id")
	}
	app, err := openIdentityApp(cfg)
	if err != nil {
		return err
	}
	reg, err := app.identity.RevokeDevice(args[0])
	if err != nil {
		return err
	}
	if err := app.store.SaveDeviceRegistry(*reg); err != nil {
		return err
	}
	ourIndex, err := ourDeviceIndex(app)
	if err != nil {
		return err
	}
	if err := persistIdentity(app.dataDir, app.identity, ourIndex); err != nil {
		return err
	}
	if app.deviceSync != nil {
		app.deviceSync.RemoveDevice(args[0])
		key, kerr := loadStorageKey(app.dataDir, app.password)
		if kerr != nil {
			return kerr
		}
		if err := app.saveDeviceSync(key); err != nil {
			return err
		}
	}
	fmt.Println("revoked:", args[0])
	return nil
}

// ourDeviceIndex returns this data directory's own registered device
// slot, needed to re-persist the identity record after the registry
// changes shape (a new device added or one revoked).
func ourDeviceIndex(app *App) (int, error) {
	info, err := app.store.LoadDeviceInfo()
	if err != nil {
		return 0, err
	}
	return info.Index, nil
}

// deviceIDForIndex looks up a registry slot's device id by index.
func deviceIDForIndex(reg identity.Registry, index int) string {
	for _, d := range reg.Devices {
		if d.Index == index {
			return d.DeviceID
		}
	}
	return ""
}

// peerDeviceIDs lists every non-revoked device in the registry other
// than excludeIndex, for seeding a fresh devicesync.Manager.
func peerDeviceIDs(reg identity.Registry, excludeIndex int) []string {
	var ids []string
	for _, d := range reg.Devices {
		if d.Index == excludeIndex || d.Revoked {
			continue
		}
		ids = append(ids, d.DeviceID)
	}
	return ids
}

// importDeviceLinkIdentity adopts a master seed delivered over the
// device-link protocol into a fresh manager, registering this process
// at the slot the initiator assigned it.
func importDeviceLinkIdentity(password string, payload devicelink.ResponsePayload) (*identity.Manager, error) {
	mgr := identity.NewManager()
	if _, err := mgr.ImportFromDeviceLink(payload.MasterSeed, password, payload.DisplayName, payload.DeviceIndex, &payload.UpdatedRegistry); err != nil {
		return nil, err
	}
	return mgr, nil
}
