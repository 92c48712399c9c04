package main

import (
	"flag"
	"fmt"

	"vauchi/internal/card"
	"vauchi/internal/config"
	"vauchi/internal/identity"
	"vauchi/internal/storage"
	"vauchi/internal/syncqueue"
)

func cmdCard(cfg *config.Config, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("card: missing subcommand (show, add, remove, edit, edit-name)")
	}
	switch args[0] {
	case "show":
		return cardShow(cfg, args[1:])
	case "add":
		return cardAdd(cfg, args[1:])
	case "remove":
		return cardRemove(cfg, args[1:])
	case "edit":
		return cardEdit(cfg, args[1:])
	case "edit-name":
		return cardEditName(cfg, args[1:])
	default:
		return fmt.Errorf("card: unknown subcommand %q", args[0])
	}
}

func openIdentityApp(cfg *config.Config) (*App, error) {
	password, err := promptPassword("identity password: ")
	if err != nil {
		return nil, err
	}
	app, err := openApp(*cfg, password)
	if err != nil {
		return nil, err
	}
	if err := app.requireIdentity(); err != nil {
		return nil, err
	}
	return app, nil
}

func cardShow(cfg *config.Config, args []string) error {
	app, err := openIdentityApp(cfg)
	if err != nil {
		return err
	}
	c, err := app.store.LoadOwnCard()
	if err != nil {
		return err
	}
	fmt.Println("display name:", c.DisplayName)
	fmt.Println("version:     ", c.Version)
	for _, f := range c.Fields {
		fmt.Printf("  [%s] %s: %s (%s)\n", f.ID, f.Label, f.Value, f.Type)
	}
	return nil
}

// loadOwnCardOrFresh returns this identity's own card, or, if none has
// been saved yet, a fresh card whose display name is the identity's id.
func loadOwnCardOrFresh(app *App) (card.Card, error) {
	c, err := app.store.LoadOwnCard()
	if err == storage.ErrCardNotFound {
		id, idErr := app.identity.Identity()
		if idErr != nil {
			return card.Card{}, idErr
		}
		return card.Card{DisplayName: id.ID}, nil
	}
	return c, err
}

// saveOwnCard validates, bumps the version, signs, and persists a new
// own-card revision, then enqueues the resulting delta for every known
// contact so the next sync run delivers it.
func saveOwnCard(app *App, next card.Card) error {
	old, err := loadOwnCardOrFresh(app)
	if err != nil {
		return err
	}
	next.Version = old.Version + 1
	if err := next.Validate(); err != nil {
		return err
	}

	id, err := app.identity.Identity()
	if err != nil {
		return err
	}
	pub, priv, err := app.identity.SigningKeyPair()
	if err != nil {
		return err
	}
	signed, err := card.Sign(next, id.ID, identity.VerifyIdentityID, pub, priv)
	if err != nil {
		return err
	}
	if err := app.store.SaveOwnCard(signed); err != nil {
		return err
	}

	orch := app.newSyncOrchestrator()
	for _, contact := range app.store.ListContacts() {
		if _, err := orch.QueueCardUpdate(contact.IdentityID, old, signed); err != nil && err != syncqueue.ErrNoChanges {
			return err
		}
	}
	return nil
}

func cardAdd(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("card add", flag.ContinueOnError)
	fieldType := fs.String("type", string(card.FieldCustom), "field type: email, phone, website, address, social, custom")
	label := fs.String("label", "", "field label")
	value := fs.String("value", "", "field value")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *label == "" || *value == "" {
		return fmt.Errorf("card add: -label and -value are required")
	}

	app, err := openIdentityApp(cfg)
	if err != nil {
		return err
	}
	c, err := loadOwnCardOrFresh(app)
	if err != nil {
		return err
	}
	c.Fields = append(c.Fields, card.NewField(card.FieldType(*fieldType), *label, *value))
	return saveOwnCard(app, c)
}

func cardRemove(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("card remove", flag.ContinueOnError)
	fieldID := fs.String("field-id", "", "id of the field to remove")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *fieldID == "" {
		return fmt.Errorf("card remove: -field-id is required")
	}

	app, err := openIdentityApp(cfg)
	if err != nil {
		return err
	}
	c, err := loadOwnCardOrFresh(app)
	if err != nil {
		return err
	}
	kept := c.Fields[:0]
	found := false
	for _, f := range c.Fields {
		if f.ID == *fieldID {
			found = true
			continue
		}
		kept = append(kept, f)
	}
	if !found {
		return fmt.Errorf("card remove: no field with id %q", *fieldID)
	}
	c.Fields = kept
	return saveOwnCard(app, c)
}

func cardEdit(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("card edit", flag.ContinueOnError)
	fieldID := fs.String("field-id", "", "id of the field to edit")
	value := fs.String("value", "", "new value")
	label := fs.String("label", "", "new label (optional)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *fieldID == "" || *value == "" {
		return fmt.Errorf("card edit: -field-id and -value are required")
	}

	app, err := openIdentityApp(cfg)
	if err != nil {
		return err
	}
	c, err := loadOwnCardOrFresh(app)
	if err != nil {
		return err
	}
	idx := -1
	for i, f := range c.Fields {
		if f.ID == *fieldID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("card edit: no field with id %q", *fieldID)
	}
	c.Fields[idx].Value = *value
	if *label != "" {
		c.Fields[idx].Label = *label
	}
	return saveOwnCard(app, c)
}

func cardEditName(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("card edit-name", flag.ContinueOnError)
	name := fs.String("name", "", "new display name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" {
		return fmt.Errorf("card edit-name: -name is required")
	}

	app, err := openIdentityApp(cfg)
	if err != nil {
		return err
	}
	c, err := loadOwnCardOrFresh(app)
	if err != nil {
		return err
	}
	c.DisplayName = *name
	return saveOwnCard(app, c)
}
