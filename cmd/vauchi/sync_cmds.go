package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"time"

	"vauchi/internal/config"
	"vauchi/internal/devicesync"
	"vauchi/internal/identity"
	"vauchi/internal/ratchet"
	"vauchi/internal/relay"
	"vauchi/internal/storage"
	"vauchi/internal/syncqueue"
	"vauchi/internal/vcrypto"
)

// cmdSync flushes the pending-update queue to the relay: every ready
// outbound card delta is ratchet-sealed and sent as an EncryptedUpdate
// frame, and any item this device owes its sibling devices is sealed
// under the device-sync key and sent as a DeviceSync frame.
func cmdSync(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("sync", flag.ContinueOnError)
	timeout := fs.Duration("timeout", 30*time.Second, "how long to wait for the relay connection")
	if err := fs.Parse(args); err != nil {
		return err
	}

	app, err := openIdentityApp(cfg)
	if err != nil {
		return err
	}
	client, err := app.newRelayClient()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("sync: connect to relay: %w", err)
	}
	defer client.Close()

	orch := app.newSyncOrchestrator()
	sent, failed, err := flushCardUpdates(ctx, app, client, orch)
	if err != nil {
		return err
	}
	fmt.Printf("card updates: %d sent, %d failed\n", sent, failed)

	if app.deviceSync != nil {
		synced, err := flushDeviceSync(ctx, app, client)
		if err != nil {
			return err
		}
		fmt.Printf("device sync items: %d sent\n", synced)
	}
	return nil
}

// flushCardUpdates seals and sends every update the orchestrator
// reports ready (pending, or failed past its retry_at), advancing each
// update's ratchet chain as it goes.
func flushCardUpdates(ctx context.Context, app *App, client *relay.Client, orch *syncqueue.Orchestrator) (int, int, error) {
	ready := orch.GetReadyForRetry()
	sent, failed := 0, 0
	for _, u := range ready {
		if err := sendCardUpdate(ctx, app, client, u); err != nil {
			failed++
			logger.Warn("card update send failed", "contact_id", u.ContactID, "update_id", u.ID, "error", err)
			if mErr := orch.MarkFailed(u.ID, u.RetryCount+1, err.Error()); mErr != nil {
				return sent, failed, mErr
			}
			continue
		}
		sent++
		logger.Info("card update delivered", "contact_id", u.ContactID, "update_id", u.ID)
		if err := orch.MarkDelivered(u.ID, u.ContactID); err != nil {
			return sent, failed, err
		}
	}
	return sent, failed, nil
}

func sendCardUpdate(ctx context.Context, app *App, client *relay.Client, u storage.PendingUpdate) error {
	rec, err := app.store.LoadRatchetState(u.ContactID)
	if err != nil {
		return fmt.Errorf("load ratchet state for %s: %w", u.ContactID, err)
	}
	var state ratchet.State
	if err := state.UnmarshalBinary(rec.State); err != nil {
		return fmt.Errorf("decode ratchet state for %s: %w", u.ContactID, err)
	}

	plaintext, err := json.Marshal(u.Delta)
	if err != nil {
		return err
	}
	env, err := state.Encrypt(plaintext, []byte(u.ContactID))
	if err != nil {
		return err
	}
	newState, err := state.MarshalBinary()
	if err != nil {
		return err
	}
	if err := app.store.SaveRatchetState(u.ContactID, newState, rec.IsInitiator); err != nil {
		return err
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	frame := relay.Frame{
		MessageID: u.ID,
		Timestamp: time.Now(),
		Kind:      relay.KindEncryptedUpdate,
		Payload:   payload,
	}
	if err := client.Send(ctx, frame); err != nil {
		return err
	}
	return app.store.MarkUpdateSent(u.ID)
}

// flushDeviceSync seals every item this device's siblings have not yet
// seen under an ECDH+HKDF device-to-device key and sends one
// DeviceSync frame per peer device.
func flushDeviceSync(ctx context.Context, app *App, client *relay.Client) (int, error) {
	reg, err := app.identity.Registry()
	if err != nil {
		return 0, err
	}
	primary := app.identity.PrimaryExchangeKey()
	sent := 0
	for _, dev := range reg.Devices {
		if dev.Revoked || dev.DeviceID == "" {
			continue
		}
		items := app.deviceSync.PendingForDevice(dev.DeviceID)
		if len(items) == 0 {
			continue
		}
		if err := sendDeviceSyncItems(ctx, client, primary, dev, items); err != nil {
			logger.Warn("device sync send failed", "device_id", dev.DeviceID, "items", len(items), "error", err)
			return sent, err
		}
		logger.Info("device sync flushed", "device_id", dev.DeviceID, "items", len(items))
		if v, ok := maxTimestamp(items); ok {
			app.deviceSync.MarkSynced(dev.DeviceID, v)
		}
		sent += len(items)
	}
	if sent == 0 {
		return 0, nil
	}
	key, err := loadStorageKey(app.dataDir, app.password)
	if err != nil {
		return sent, err
	}
	return sent, app.saveDeviceSync(key)
}

func sendDeviceSyncItems(ctx context.Context, client *relay.Client, ourExchangePriv [32]byte, peer identity.Device, items []devicesync.Item) error {
	shared, err := vcrypto.ECDH(ourExchangePriv[:], peer.ExchangePublic[:])
	if err != nil {
		return err
	}
	key, err := vcrypto.HKDFDerive(shared, "DeviceSync", 32)
	if err != nil {
		return err
	}
	defer vcrypto.Wipe(key)

	raw, err := json.Marshal(items)
	if err != nil {
		return err
	}
	sealed, err := vcrypto.SealRandom(key, raw, []byte(peer.DeviceID))
	if err != nil {
		return err
	}
	frame := relay.Frame{
		MessageID: peer.DeviceID + ":" + time.Now().UTC().Format(time.RFC3339Nano),
		Timestamp: time.Now(),
		Kind:      relay.KindDeviceSync,
		Payload:   sealed,
	}
	return client.Send(ctx, frame)
}

func maxTimestamp(items []devicesync.Item) (uint64, bool) {
	var max uint64
	found := false
	for _, it := range items {
		if !found || it.Timestamp > max {
			max = it.Timestamp
			found = true
		}
	}
	return max, found
}
