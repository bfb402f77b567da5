// crumblesctl is the control CLI for the crumbles log encryption core.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/crumbles/internal/batch"
	"github.com/google/crumbles/internal/keys"
	"github.com/google/crumbles/internal/keystore"
)

var (
	configPath = flag.String("config", "", "path to config file")
)

func main() {
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	cmd := flag.Arg(0)

	switch cmd {
	case "status":
		cmdStatus()
	case "key":
		cmdKey()
	case "encrypt":
		if flag.NArg() < 2 {
			fmt.Fprintln(os.Stderr, "Usage: crumblesctl encrypt <file>")
			os.Exit(1)
		}
		cmdEncrypt(flag.Arg(1))
	case "decrypt":
		if flag.NArg() < 2 {
			fmt.Fprintln(os.Stderr, "Usage: crumblesctl decrypt <file...>")
			os.Exit(1)
		}
		cmdDecrypt(flag.Args()[1:])
	case "reencrypt":
		cmdReencrypt()
	case "audit":
		cmdAudit()
	case "spool":
		cmdSpool()
	case "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `crumblesctl - Control utility for the crumbles encryption core

Usage: crumblesctl [options] <command> [args]

Commands:
  status                         Show key state, spool and audit trail
  key generate                   Generate the device key pair in the keystore
  key export                     Generate an exportable pair, print the private key once
  key import <pubkey>            Activate an external public key (PEM or DER)
  key add [-external <pubkey>] [alias]
                                 Add a re-encryption target
  key clear                      Deactivate the external key
  key list                       List encryption and re-encryption keys
  encrypt <file>                 Encrypt a file's contents into a spooled batch
  decrypt <file...>              Decrypt batch files next to their inputs
  reencrypt -key <id> <file...>  Re-encrypt batch files for another key
  audit [-all]                   Print recent (or all persisted) audit events
  audit clear                    Delete the audit trail
  spool list                     List spooled batches by state
  spool sweep                    Run one dispatch, mark-sent and delete pass
  spool purge                    Delete every spooled batch
  spool run                      Run the sweep cadences until interrupted
  help                           Show this help message

Options:
  -config <path>  Path to config file (default: <data dir>/config.toml)`)
}

func cmdEncrypt(path string) {
	a := openApp()
	defer a.Close()

	plaintext, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading %s: %v\n", path, err)
		os.Exit(1)
	}

	b, err := a.keys.EncryptLogs(plaintext)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error encrypting: %v\n", err)
		if errors.Is(err, keystore.ErrKeyNotFound) {
			fmt.Fprintln(os.Stderr, "No encryption key is configured. Run 'crumblesctl key generate' first.")
		}
		os.Exit(1)
	}

	spooled, err := a.spool.WriteBatch(b)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error spooling batch: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Encrypted %s (%d bytes) -> %s\n", path, len(plaintext), spooled)
}

func cmdDecrypt(paths []string) {
	a := openApp()
	defer a.Close()

	failed := 0
	for _, path := range paths {
		b, err := batch.ReadFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			failed++
			continue
		}

		name := filepath.Base(path)
		plaintext, err := a.keys.DecryptLogs(b, name)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error decrypting %s: %v\n", name, err)
			switch {
			case errors.Is(err, keystore.ErrAuthenticationRequired):
				fmt.Fprintln(os.Stderr, "User authorization required. Unlock the session and retry.")
			case errors.Is(err, keystore.ErrKeyNotFound):
				fmt.Fprintln(os.Stderr, "The decryption key no longer exists; this batch is unrecoverable.")
			}
			failed++
			continue
		}

		out := strings.TrimSuffix(path, batch.SuffixBin) + ".log"
		if err := os.WriteFile(out, plaintext, 0600); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing %s: %v\n", out, err)
			failed++
			continue
		}
		fmt.Printf("Decrypted %s -> %s\n", name, out)
	}

	if failed > 0 {
		fmt.Fprintf(os.Stderr, "%d of %d files failed\n", failed, len(paths))
		os.Exit(1)
	}
}

func cmdReencrypt() {
	fs := flag.NewFlagSet("reencrypt", flag.ExitOnError)
	keyID := fs.String("key", "", "re-encryption target: an internal alias or an external key id from 'key list'")
	fs.Parse(flag.Args()[1:])

	if *keyID == "" || fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: crumblesctl reencrypt -key <id> <file...>")
		os.Exit(1)
	}

	a := openApp()
	defer a.Close()

	target, err := a.keys.FindReEncryptKey(*keyID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error resolving key %q: %v\n", *keyID, err)
		os.Exit(1)
	}

	failed := 0
	for _, path := range fs.Args() {
		b, err := batch.ReadFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			failed++
			continue
		}

		out, err := a.keys.ReEncryptBatch(b, target)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error re-encrypting %s: %v\n", filepath.Base(path), err)
			if errors.Is(err, keystore.ErrAuthenticationRequired) {
				fmt.Fprintln(os.Stderr, "User authorization required. Unlock the session and retry.")
			}
			failed++
			continue
		}

		// The rewrite is atomic so a crash leaves either the old or the
		// new batch, never a torn file.
		if err := batch.WriteFile(path, out); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing %s: %v\n", path, err)
			failed++
			continue
		}
		fmt.Printf("Re-encrypted %s for key %s\n", filepath.Base(path), target.DisplayID)
	}

	if failed > 0 {
		fmt.Fprintf(os.Stderr, "%d of %d files failed\n", failed, fs.NArg())
		os.Exit(1)
	}
}

func cmdStatus() {
	a := openApp()
	defer a.Close()

	fmt.Println("=== crumbles Status ===")
	fmt.Println()
	fmt.Printf("Data dir: %s\n", a.cfg.Storage.DataDir)
	fmt.Println()

	fmt.Println("Active Key:")
	state, err := a.keys.ActiveState()
	switch {
	case err != nil:
		fmt.Printf("  Error: %v\n", err)
	case state.Kind == keys.StateHardwareKey:
		fmt.Printf("  hardware (alias %s)\n", state.Alias)
	case state.Kind == keys.StateExternalKey:
		fmt.Printf("  external (%s)\n", state.KeyID)
	default:
		fmt.Println("  none - logs cannot be encrypted")
	}
	fmt.Println()

	fmt.Println("Keystore:")
	fmt.Printf("  Provider: %s\n", a.providerKind)
	if aliases, err := a.provider.Aliases(""); err == nil {
		fmt.Printf("  Stored keys: %d\n", len(aliases))
	}
	fmt.Println()

	fmt.Println("Spool:")
	fmt.Printf("  Directory: %s\n", a.spool.Dir())
	printSpoolCount(a, "Pending", a.spool.Pending)
	printSpoolCount(a, "Processing", a.spool.Processing)
	printSpoolCount(a, "Sent", a.spool.Sent)
	fmt.Println()

	fmt.Println("Audit Trail:")
	fmt.Printf("  Recent events: %d\n", len(a.audit.Events()))
	trail := filepath.Join(a.cfg.Audit.Dir, a.cfg.Audit.CurrentFile)
	if info, err := os.Stat(trail); err == nil {
		fmt.Printf("  Current file:  %s (%s)\n", trail, formatBytes(info.Size()))
	} else {
		fmt.Printf("  Current file:  %s (not created)\n", trail)
	}
}

func printSpoolCount(a *app, label string, list func() ([]string, error)) {
	paths, err := list()
	if err != nil {
		fmt.Printf("  %-11s error: %v\n", label+":", err)
		return
	}
	fmt.Printf("  %-11s %d\n", label+":", len(paths))
}

func cmdAudit() {
	fs := flag.NewFlagSet("audit", flag.ExitOnError)
	all := fs.Bool("all", false, "read the full persisted trail instead of the recent window")
	fs.Parse(flag.Args()[1:])

	a := openApp()
	defer a.Close()

	if fs.Arg(0) == "clear" {
		if err := a.audit.Clear(); err != nil {
			fmt.Fprintf(os.Stderr, "Error clearing audit trail: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Audit trail cleared.")
		return
	}

	events := a.audit.Events()
	if *all {
		var err error
		events, err = a.audit.AllPersisted()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading audit trail: %v\n", err)
			os.Exit(1)
		}
	}

	if len(events) == 0 {
		fmt.Println("No audit events recorded.")
		return
	}

	for _, ev := range events {
		fmt.Printf("%s  %-24s %s\n", ev.Timestamp.Format("2006-01-02 15:04:05"), ev.Type, ev.Message)
	}
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
