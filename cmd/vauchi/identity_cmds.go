package main

import (
	"flag"
	"fmt"

	"vauchi/internal/config"
	"vauchi/internal/devicesync"
	"vauchi/internal/identity"
	"vauchi/internal/storage"
)

func cmdInit(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	deviceName := fs.String("device-name", "", "name for this device")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *deviceName == "" {
		return fmt.Errorf("init: -device-name is required")
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
		return fmt.Errorf("init: a device is already registered in %s", app.dataDir)
	}

	mgr := identity.NewManager()
	id, mnemonic, err := mgr.Create(password, *deviceName)
	if err != nil {
		return fmt.Errorf("create identity: %w", err)
	}
	reg, err := mgr.Registry()
	if err != nil {
		return err
	}

	if err := app.store.SaveDeviceRegistry(*reg); err != nil {
		return err
	}
	if err := app.store.SaveDeviceInfo(storage.DeviceInfo{
		DeviceID:   reg.Devices[0].DeviceID,
		DeviceName: *deviceName,
		Index:      0,
	}); err != nil {
		return err
	}
	if err := persistIdentity(app.dataDir, mgr, 0); err != nil {
		return err
	}

	ds := devicesync.NewManager(reg.Devices[0].DeviceID, nil)
	key, err := loadStorageKey(app.dataDir, password)
	if err != nil {
		return err
	}
	if err := persistDeviceSync(app.dataDir, key, ds); err != nil {
		return err
	}

	fmt.Println("identity:", id.ID)
	fmt.Println("device:  ", reg.Devices[0].DeviceID)
	fmt.Println()
	fmt.Println("Write down this recovery phrase and store it somewhere safe.")
	fmt.Println("It is the only way to recover this identity if every device is lost:")
	fmt.Println()
	fmt.Println(" ", mnemonic)
	return nil
}
