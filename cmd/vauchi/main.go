// Command vauchi is a thin CLI dispatcher over the core contact-card
// exchange packages: it wires identity, storage, card, exchange,
// device-link, sync, relay, inter-device sync, and recovery together
// behind one flag-based subcommand tree. It contains no business logic
// of its own — every decision is made by the package it calls into.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"vauchi/internal/config"
	"vauchi/internal/platform/privacylog"
)

const version = "0.1.0"

// logger is shared by every subcommand for diagnostics that shouldn't
// go to stdout (reserved for command output a script might parse).
// Its handler wraps slog's own so contact/device/identity identifiers
// never reach a log sink in the clear.
var logger = slog.New(privacylog.WrapHandler(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))

var commands = map[string]func(*config.Config, []string) error{
	"init":        cmdInit,
	"card":        cmdCard,
	"contacts":    cmdContacts,
	"device":      cmdDevice,
	"exchange":    cmdExchange,
	"labels":      cmdLabels,
	"recovery":    cmdRecovery,
	"sync":        cmdSync,
	"export":      cmdExport,
	"import":      cmdImport,
	"completions": cmdCompletions,
}

func main() {
	fs := flag.NewFlagSet("vauchi", flag.ContinueOnError)
	showVersion := fs.Bool("version", false, "print version and exit")
	configPath := fs.String("config", "", "path to a YAML config file")
	dataDir := fs.String("data-dir", "", "override the data directory")
	relayURL := fs.String("relay-url", "", "override the configured relay URL")
	fs.Usage = printUsage

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}
	if *showVersion {
		fmt.Println("vauchi", version)
		return
	}
	if *relayURL != "" {
		os.Setenv("VAUCHI_RELAY_URL", *relayURL)
	}

	args := fs.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(2)
	}

	cfg := config.LoadFromPathWithDataDir(*configPath, *dataDir)

	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(os.Stderr, "vauchi: unknown command %q\n", args[0])
		printUsage()
		os.Exit(2)
	}
	if err := cmd(&cfg, args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "vauchi: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `usage: vauchi [-config path] [-data-dir dir] [-relay-url url] <command> [args]

commands:
  init                                    create a new identity
  card {show,add,remove,edit,edit-name}   manage this identity's own contact card
  exchange {start,complete}               run the in-person QR/proximity handshake
  contacts {list,show,search,remove,verify,hide,unhide,visibility,open}
  device {list,info,link,join,complete,finish,revoke}
  labels {list}                           inspect own-card field labels
  recovery {claim,vouch,add-voucher,status,proof,verify,settings}
  sync                                    flush the pending-update queue to the relay
  export <file>                           write a password-encrypted identity backup
  import <file>                           restore an identity from a backup written by export
  completions <shell>                     print a shell completion script`)
}

// promptPassword resolves the identity password from VAUCHI_PASSWORD,
// falling back to a plain stdin prompt. A real terminal UI would mask
// the input; this CLI is meant to be driven by the same front-end
// collaborators spec.md marks as out of core scope, which own that
// concern.
func promptPassword(prompt string) (string, error) {
	if pw := os.Getenv("VAUCHI_PASSWORD"); pw != "" {
		return pw, nil
	}
	fmt.Fprint(os.Stderr, prompt)
	var line string
	if _, err := fmt.Scanln(&line); err != nil {
		return "", err
	}
	return line, nil
}
