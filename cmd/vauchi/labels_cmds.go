package main

import (
	"fmt"

	"vauchi/internal/config"
)

// cmdLabels is a thin view over the own card's field labels, useful
// for scripting (e.g. picking a -field-id for "card edit") without
// printing field values.
func cmdLabels(cfg *config.Config, args []string) error {
	if len(args) > 0 && args[0] != "list" {
		return fmt.Errorf("labels: unknown subcommand %q", args[0])
	}
	app, err := openIdentityApp(cfg)
	if err != nil {
		return err
	}
	c, err := loadOwnCardOrFresh(app)
	if err != nil {
		return err
	}
	for _, f := range c.Fields {
		fmt.Printf("%s  %s (%s)\n", f.ID, f.Label, f.Type)
	}
	return nil
}
