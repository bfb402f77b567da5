package main

import (
	"encoding/base64"
	"encoding/pem"
	"flag"
	"fmt"
	"os"

	"github.com/google/crumbles/internal/keys"
)

func cmdKey() {
	if flag.NArg() < 2 {
		fmt.Fprintln(os.Stderr, "Usage: crumblesctl key <generate|export|import|add|clear|list> [args]")
		os.Exit(1)
	}

	switch flag.Arg(1) {
	case "generate":
		cmdKeyGenerate()
	case "export":
		cmdKeyExport()
	case "import":
		if flag.NArg() < 3 {
			fmt.Fprintln(os.Stderr, "Usage: crumblesctl key import <pubkey file>")
			os.Exit(1)
		}
		cmdKeyImport(flag.Arg(2))
	case "add":
		cmdKeyAdd()
	case "clear":
		cmdKeyClear()
	case "list":
		cmdKeyList()
	default:
		fmt.Fprintf(os.Stderr, "Unknown key command: %s\n", flag.Arg(1))
		os.Exit(1)
	}
}

func cmdKeyGenerate() {
	a := openApp()
	defer a.Close()

	if err := a.keys.GenerateHardwareKey(); err != nil {
		fmt.Fprintf(os.Stderr, "Error generating device key: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Generated device key pair (alias %s).\n", a.keys.HardwareAlias())
	fmt.Println("The private key never leaves the keystore; decryption requires a fresh user authorization.")
}

func cmdKeyExport() {
	a := openApp()
	defer a.Close()

	fmt.Fprintln(os.Stderr, "The private key is printed once and not retained anywhere.")

	id, err := a.keys.GenerateExportableKey(func(privateKey []byte) error {
		// PKCS#1 DER, base64 on stdout so it can be piped untouched.
		_, err := fmt.Println(base64.StdEncoding.EncodeToString(privateKey))
		return err
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error exporting key: %v\n", err)
		os.Exit(1)
	}

	fmt.Fprintf(os.Stderr, "Active key: %s\n", id)
}

func cmdKeyImport(path string) {
	a := openApp()
	defer a.Close()

	der, err := readPublicKeyDER(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading %s: %v\n", path, err)
		os.Exit(1)
	}

	id, err := a.keys.ImportExternalKey(der)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error importing key: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Imported external public key (%s).\n", id)
	fmt.Println("The device key pair, if any, has been deleted; new batches encrypt to this key.")
}

func cmdKeyAdd() {
	fs := flag.NewFlagSet("key add", flag.ExitOnError)
	external := fs.String("external", "", "public key file to record instead of generating a keystore pair")
	fs.Parse(flag.Args()[2:])

	a := openApp()
	defer a.Close()

	if *external != "" {
		der, err := readPublicKeyDER(*external)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading %s: %v\n", *external, err)
			os.Exit(1)
		}
		id, err := a.keys.AddExternalReEncryptKey(der)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error adding key: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Added external re-encryption key %s\n", id)
		return
	}

	alias, err := a.keys.AddInternalReEncryptKey(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error adding key: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Added internal re-encryption key %s\n", alias)
}

func cmdKeyClear() {
	a := openApp()
	defer a.Close()

	state, err := a.keys.ActiveState()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading key state: %v\n", err)
		os.Exit(1)
	}
	if state.Kind != keys.StateExternalKey {
		fmt.Println("No external key is active.")
		return
	}

	if err := a.keys.ClearActiveKey(); err != nil {
		fmt.Fprintf(os.Stderr, "Error clearing key: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Cleared active external key (%s). It remains selectable for re-encryption.\n", state.KeyID)
}

func cmdKeyList() {
	a := openApp()
	defer a.Close()

	state, err := a.keys.ActiveState()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading key state: %v\n", err)
		os.Exit(1)
	}

	switch state.Kind {
	case keys.StateHardwareKey:
		fmt.Printf("Active: hardware key (alias %s)\n", state.Alias)
	case keys.StateExternalKey:
		fmt.Printf("Active: external key %s\n", state.KeyID)
	default:
		fmt.Println("Active: none")
	}
	fmt.Println()

	list, err := a.keys.ListReEncryptKeys()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error listing keys: %v\n", err)
		os.Exit(1)
	}
	if len(list) == 0 {
		fmt.Println("No re-encryption targets. Add one with 'crumblesctl key add'.")
		return
	}

	fmt.Printf("%-10s %-16s %s\n", "SOURCE", "ID", "ALIAS")
	for _, k := range list {
		marker := ""
		if state.Kind == keys.StateExternalKey && k.DisplayID == state.KeyID {
			marker = " (active)"
		}
		fmt.Printf("%-10s %-16s %s%s\n", k.Source, k.DisplayID, k.Alias, marker)
	}
}

// readPublicKeyDER loads an RSA public key file as X.509
// SubjectPublicKeyInfo DER, unwrapping one PEM block when present.
func readPublicKeyDER(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if block, _ := pem.Decode(data); block != nil {
		return block.Bytes, nil
	}
	return data, nil
}
