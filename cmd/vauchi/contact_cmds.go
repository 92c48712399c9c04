package main

import (
	"flag"
	"fmt"
	"strings"

	"vauchi/internal/config"
	"vauchi/internal/devicesync"
	"vauchi/internal/storage"
)

func cmdContacts(cfg *config.Config, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("contacts: missing subcommand (list, show, search, remove, verify, hide, unhide, visibility, open)")
	}
	switch args[0] {
	case "list":
		return contactsList(cfg, args[1:])
	case "show":
		return contactsShow(cfg, args[1:])
	case "search":
		return contactsSearch(cfg, args[1:])
	case "remove":
		return contactsRemove(cfg, args[1:])
	case "verify":
		return contactsVerify(cfg, args[1:])
	case "hide":
		return contactsSetVisibility(cfg, args[1:], storage.VisibilityNobody)
	case "unhide":
		return contactsSetVisibility(cfg, args[1:], storage.VisibilityEveryone)
	case "visibility":
		return contactsVisibility(cfg, args[1:])
	case "open":
		return contactsOpen(cfg, args[1:])
	default:
		return fmt.Errorf("contacts: unknown subcommand %q", args[0])
	}
}

func contactsList(cfg *config.Config, args []string) error {
	app, err := openIdentityApp(cfg)
	if err != nil {
		return err
	}
	for _, c := range app.store.ListContacts() {
		verified := ""
		if c.FingerprintVerified {
			verified = " (verified)"
		}
		fmt.Printf("%s  %s%s\n", c.IdentityID, c.Card.DisplayName, verified)
	}
	return nil
}

func contactsShow(cfg *config.Config, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("contacts show: missing contact id")
	}
	app, err := openIdentityApp(cfg)
	if err != nil {
		return err
	}
	c, err := app.store.LoadContact(args[0])
	if err != nil {
		return err
	}
	fmt.Println("identity:  ", c.IdentityID)
	fmt.Println("name:      ", c.Card.DisplayName)
	fmt.Println("verified:  ", c.FingerprintVerified)
	fmt.Println("added:     ", c.AddedAt)
	fmt.Println("updated:   ", c.UpdatedAt)
	for _, f := range c.Card.Fields {
		vis := "everyone"
		if rule, ok := c.Visibility[f.ID]; ok {
			vis = string(rule.Kind)
		}
		fmt.Printf("  [%s] %s: %s (%s, visible to: %s)\n", f.ID, f.Label, f.Value, f.Type, vis)
	}
	return nil
}

func contactsSearch(cfg *config.Config, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("contacts search: missing query")
	}
	query := strings.ToLower(strings.Join(args, " "))
	app, err := openIdentityApp(cfg)
	if err != nil {
		return err
	}
	for _, c := range app.store.ListContacts() {
		if strings.Contains(strings.ToLower(c.Card.DisplayName), query) {
			fmt.Printf("%s  %s\n", c.IdentityID, c.Card.DisplayName)
			continue
		}
		for _, f := range c.Card.Fields {
			if strings.Contains(strings.ToLower(f.Value), query) || strings.Contains(strings.ToLower(f.Label), query) {
				fmt.Printf("%s  %s\n", c.IdentityID, c.Card.DisplayName)
				break
			}
		}
	}
	return nil
}

func contactsRemove(cfg *config.Config, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("contacts remove: missing contact id")
	}
	app, err := openIdentityApp(cfg)
	if err != nil {
		return err
	}
	if err := app.store.DeleteContact(args[0]); err != nil {
		return err
	}
	if app.deviceSync != nil {
		item := app.deviceSync.RecordLocalChange(devicesync.Item{
			Kind:      devicesync.ItemContactRemoved,
			ContactID: args[0],
		})
		_ = item
		key, kerr := loadStorageKey(app.dataDir, app.password)
		if kerr != nil {
			return kerr
		}
		return app.saveDeviceSync(key)
	}
	return nil
}

func contactsVerify(cfg *config.Config, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("contacts verify: missing contact id")
	}
	app, err := openIdentityApp(cfg)
	if err != nil {
		return err
	}
	c, err := app.store.LoadContact(args[0])
	if err != nil {
		return err
	}
	c.FingerprintVerified = true
	return app.store.SaveContact(c)
}

func contactsSetVisibility(cfg *config.Config, args []string, kind storage.VisibilityKind) error {
	fs := flag.NewFlagSet("contacts hide/unhide", flag.ContinueOnError)
	fieldID := fs.String("field-id", "", "own-card field id to change visibility for")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) == 0 || *fieldID == "" {
		return fmt.Errorf("contacts hide/unhide: usage <contact-id> -field-id <id>")
	}
	return applyVisibilityRule(cfg, rest[0], *fieldID, storage.FieldVisibility{Kind: kind})
}

func contactsVisibility(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("contacts visibility", flag.ContinueOnError)
	fieldID := fs.String("field-id", "", "own-card field id to change visibility for")
	kind := fs.String("kind", "everyone", "everyone, nobody, or allow_list")
	allowList := fs.String("allow-list", "", "comma-separated contact ids, when -kind=allow_list")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) == 0 || *fieldID == "" {
		return fmt.Errorf("contacts visibility: usage <contact-id> -field-id <id> -kind <kind>")
	}
	rule := storage.FieldVisibility{Kind: storage.VisibilityKind(*kind)}
	if *allowList != "" {
		rule.AllowList = strings.Split(*allowList, ",")
	}
	return applyVisibilityRule(cfg, rest[0], *fieldID, rule)
}

// applyVisibilityRule updates one field's disclosure rule toward one
// contact and records the change for inter-device sync, matching the
// ContactAdded/Removed path's pattern of mirroring every local mutation
// into the per-device-sync queue.
func applyVisibilityRule(cfg *config.Config, contactID, fieldID string, rule storage.FieldVisibility) error {
	app, err := openIdentityApp(cfg)
	if err != nil {
		return err
	}
	c, err := app.store.LoadContact(contactID)
	if err != nil {
		return err
	}
	if c.Visibility == nil {
		c.Visibility = make(map[string]storage.FieldVisibility)
	}
	c.Visibility[fieldID] = rule
	if err := app.store.SaveContact(c); err != nil {
		return err
	}
	if app.deviceSync == nil {
		return nil
	}
	rules := []string{fieldID + ":" + string(rule.Kind)}
	rules = append(rules, rule.AllowList...)
	app.deviceSync.RecordLocalChange(devicesync.Item{
		Kind:                devicesync.ItemVisibilityChange,
		VisibilityContactID: contactID,
		VisibilityRules:     rules,
	})
	key, err := loadStorageKey(app.dataDir, app.password)
	if err != nil {
		return err
	}
	return app.saveDeviceSync(key)
}

func contactsOpen(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("contacts open", flag.ContinueOnError)
	fieldID := fs.String("field-id", "", "field id to print the value of")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) == 0 {
		return fmt.Errorf("contacts open: missing contact id")
	}
	app, err := openIdentityApp(cfg)
	if err != nil {
		return err
	}
	c, err := app.store.LoadContact(rest[0])
	if err != nil {
		return err
	}
	if *fieldID == "" {
		for _, f := range c.Card.Fields {
			fmt.Println(f.Value)
		}
		return nil
	}
	f, ok := c.Card.FieldByID(*fieldID)
	if !ok {
		return fmt.Errorf("contacts open: no field with id %q", *fieldID)
	}
	fmt.Println(f.Value)
	return nil
}
