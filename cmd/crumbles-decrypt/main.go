// Command crumbles-decrypt is a standalone tool for decrypting crumbles
// log batches.
//
// It opens batch files with a recipient's RSA private key and no device
// keystore, making it suitable for:
// - Reading logs on the analysis host that holds the external private key
// - Verifying that an exported key really opens the batches encrypted to it
// - Recovering spooled batches from a disk image
//
// Usage:
//
//	crumbles-decrypt -key <private key> [flags] <batch.bin>...
//
// Examples:
//
//	# Decrypt one batch next to the input
//	crumbles-decrypt -key external.pem batch.bin
//
//	# Decrypt a spool's batches into ./plain
//	crumbles-decrypt -key external.pem -out plain spool/*.bin
//
//	# Machine-readable report
//	crumbles-decrypt -key external.pem -format json batch.bin
package main

import (
	"crypto/rsa"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/crumbles/internal/batch"
	"github.com/google/crumbles/internal/cipher"
)

var (
	// Version information (set at build time)
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

// result is the per-file outcome, also the JSON report shape.
type result struct {
	File        string `json:"file"`
	OK          bool   `json:"ok"`
	Output      string `json:"output,omitempty"`
	Bytes       int    `json:"bytes,omitempty"`
	DeviceID    string `json:"device_id,omitempty"`
	TimestampMS int64  `json:"timestamp_ms,omitempty"`
	Error       string `json:"error,omitempty"`
}

func main() {
	keyPath := flag.String("key", "", "RSA private key file (PKCS#1 or PKCS#8, PEM or DER)")
	outDir := flag.String("out", "", "directory for decrypted files (default: next to each input)")
	formatStr := flag.String("format", "text", "report format: text, json")
	toStdout := flag.Bool("stdout", false, "print plaintext to stdout instead of writing files")
	quiet := flag.Bool("quiet", false, "quiet mode - no report, exit code only")
	versionFlag := flag.Bool("version", false, "print version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "crumbles-decrypt - Decrypt crumbles log batches offline\n\n")
		fmt.Fprintf(os.Stderr, "Usage: %s -key <private key> [flags] <batch.bin>...\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nThe key file may be PKCS#1 or PKCS#8, PEM, raw DER, or the\n")
		fmt.Fprintf(os.Stderr, "single-line base64 printed by 'crumblesctl key export'.\n")
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s -key external.pem batch.bin\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -key external.pem -out plain spool/*.bin\n", os.Args[0])
	}

	flag.Parse()

	if *versionFlag {
		fmt.Printf("crumbles-decrypt %s (commit: %s, built: %s)\n", version, commit, buildTime)
		os.Exit(0)
	}

	if *keyPath == "" {
		fmt.Fprintf(os.Stderr, "Error: -key is required\n\n")
		flag.Usage()
		os.Exit(2)
	}
	if flag.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "Error: at least one batch file required\n\n")
		flag.Usage()
		os.Exit(2)
	}
	if *formatStr != "text" && *formatStr != "json" {
		fmt.Fprintf(os.Stderr, "Error: unknown format: %s (use text or json)\n", *formatStr)
		os.Exit(2)
	}

	key, err := loadPrivateKey(*keyPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading key: %v\n", err)
		os.Exit(1)
	}

	if *outDir != "" && !*toStdout {
		if err := os.MkdirAll(*outDir, 0700); err != nil {
			fmt.Fprintf(os.Stderr, "Error creating output directory: %v\n", err)
			os.Exit(1)
		}
	}

	c := cipher.New(nil)
	failed := 0
	results := make([]result, 0, flag.NArg())
	for _, path := range flag.Args() {
		r := decryptFile(c, key, path, *outDir, *toStdout)
		if !r.OK {
			failed++
		}
		results = append(results, r)

		if *quiet || *formatStr == "json" {
			continue
		}
		if r.OK {
			dest := r.Output
			if dest == "" {
				dest = "stdout"
			}
			fmt.Fprintf(os.Stderr, "Decrypted %s -> %s (%d bytes, device %s)\n",
				filepath.Base(r.File), dest, r.Bytes, r.DeviceID)
		} else {
			fmt.Fprintf(os.Stderr, "Failed %s: %s\n", filepath.Base(r.File), r.Error)
		}
	}

	if !*quiet && *formatStr == "json" {
		data, err := json.MarshalIndent(results, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error generating report: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(string(data))
	}

	if failed > 0 {
		os.Exit(1)
	}
}

// decryptFile opens one batch file and delivers the plaintext to the
// output directory, next to the input, or stdout.
func decryptFile(c *cipher.Cipher, key *rsa.PrivateKey, path, outDir string, toStdout bool) result {
	r := result{File: path}

	b, err := batch.ReadFile(path)
	if err != nil {
		r.Error = err.Error()
		return r
	}
	r.DeviceID = b.Metadata.DeviceID
	r.TimestampMS = b.Metadata.TimestampMillis

	plaintext, err := c.DecryptWithKey(b, key)
	if err != nil {
		r.Error = err.Error()
		return r
	}
	r.Bytes = len(plaintext)

	if toStdout {
		if _, err := os.Stdout.Write(plaintext); err != nil {
			r.Error = err.Error()
			return r
		}
		r.OK = true
		return r
	}

	out := strings.TrimSuffix(filepath.Base(path), batch.SuffixBin) + ".log"
	if outDir != "" {
		out = filepath.Join(outDir, out)
	} else {
		out = filepath.Join(filepath.Dir(path), out)
	}
	if err := os.WriteFile(out, plaintext, 0600); err != nil {
		r.Error = err.Error()
		return r
	}
	r.Output = out
	r.OK = true
	return r
}
