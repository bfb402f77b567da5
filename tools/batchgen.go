// batchgen generates synthetic encrypted log batches for exercising the
// spool, crumblesctl, and crumbles-decrypt without a provisioned device.
//
// It mints a throwaway RSA recipient, encrypts generated log text to it,
// and spools the batches exactly as the device would. The private key is
// written next to the spool so the batches can be opened again:
//
//	go run tools/batchgen.go -out /tmp/spool -count 10
//	go run tools/batchgen.go -out /tmp/spool -profile auth -seed 7
//	go run ./cmd/crumbles-decrypt -key /tmp/spool/recipient.pem /tmp/spool/*.bin
package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"flag"
	"fmt"
	mrand "math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/crumbles/internal/cipher"
	"github.com/google/crumbles/internal/spool"
)

// LogProfile defines the shape of the synthetic log text.
type LogProfile struct {
	Name        string
	Description string
	// Templates are log line bodies; %d slots are filled with random
	// numbers so repeated lines still differ.
	Templates []string
	// MeanIntervalMs is the simulated time between lines.
	MeanIntervalMs int
}

var profiles = map[string]LogProfile{
	"kernel": {
		Name:        "Kernel Ring Buffer",
		Description: "dmesg-style hardware and driver chatter",
		Templates: []string{
			"kern: usb 1-%d: new high-speed USB device number %d",
			"kern: EXT4-fs (sda%d): mounted filesystem with ordered data mode",
			"kern: CPU%d: Core temperature above threshold, cpu clock throttled",
			"kern: audit: rate limit exceeded, %d messages suppressed",
			"kern: oom-reaper: reaped process %d, now anon-rss:0kB",
		},
		MeanIntervalMs: 700,
	},
	"auth": {
		Name:        "Authentication Trail",
		Description: "login, sudo, and session events",
		Templates: []string{
			"auth: session opened for user admin by (uid=%d)",
			"auth: FAILED password for invalid user guest from 10.0.%d.%d port %d",
			"auth: sudo: admin : TTY=pts/%d ; COMMAND=/usr/bin/systemctl restart unit%d",
			"auth: session closed for user operator after %d seconds",
		},
		MeanIntervalMs: 4000,
	},
	"app": {
		Name:        "Application Diagnostics",
		Description: "service-level warnings and request logs",
		Templates: []string{
			"app: request %d completed in %dms",
			"app: retrying upstream call, attempt %d of 5",
			"app: cache eviction pass removed %d entries",
			"app: worker %d restarted after watchdog timeout",
		},
		MeanIntervalMs: 1200,
	},
}

func main() {
	var (
		outDir      = flag.String("out", "spool-testdata", "Spool directory for the generated batches")
		keyPath     = flag.String("key", "", "Recipient private key output path (default <out>/recipient.pem)")
		count       = flag.Int("count", 5, "Number of batches to generate")
		lines       = flag.Int("lines", 40, "Log lines per batch")
		profileName = flag.String("profile", "kernel", "Log profile to use")
		deviceID    = flag.String("device", "123456789", "Device id stamped into batch metadata")
		seed        = flag.Int64("seed", 0, "Random seed; 0 = use current time")
		list        = flag.Bool("list", false, "List available profiles")
	)
	flag.Parse()

	if *list {
		fmt.Println("Available profiles:")
		for name, p := range profiles {
			fmt.Printf("  %-10s %s\n", name, p.Description)
		}
		os.Exit(0)
	}

	profile, ok := profiles[*profileName]
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown profile: %s\n", *profileName)
		fmt.Fprintf(os.Stderr, "Use -list to see available profiles\n")
		os.Exit(1)
	}

	if *seed == 0 {
		*seed = time.Now().UnixNano()
	}
	rng := mrand.New(mrand.NewSource(*seed))

	if *keyPath == "" {
		*keyPath = filepath.Join(*outDir, "recipient.pem")
	}

	fmt.Printf("Generating %d batches with profile: %s\n", *count, profile.Name)
	fmt.Printf("Random seed: %d\n", *seed)

	recipient, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error generating recipient key: %v\n", err)
		os.Exit(1)
	}

	sp, err := spool.New(spool.Config{Dir: *outDir})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening spool: %v\n", err)
		os.Exit(1)
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(recipient),
	})
	if err := os.WriteFile(*keyPath, keyPEM, 0600); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing recipient key: %v\n", err)
		os.Exit(1)
	}

	c := cipher.New(nil)
	start := time.Now().Add(-time.Duration(*count**lines*profile.MeanIntervalMs) * time.Millisecond)
	var plainBytes, wireBytes int64
	for i := 0; i < *count; i++ {
		payload := generateBatch(rng, profile, *lines, &start)
		b, err := c.Encrypt(payload, &recipient.PublicKey, *deviceID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error encrypting batch %d: %v\n", i, err)
			os.Exit(1)
		}
		path, err := sp.WriteBatch(b)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error spooling batch %d: %v\n", i, err)
			os.Exit(1)
		}
		plainBytes += int64(len(payload))
		wireBytes += b.Metadata.BlobSize
		fmt.Printf("  %s (%d lines, %d bytes)\n", filepath.Base(path), *lines, len(payload))
	}

	fmt.Printf("\nGenerated %d batches to %s\n", *count, *outDir)
	fmt.Printf("Recipient key: %s\n", *keyPath)
	fmt.Println("\nStatistics:")
	fmt.Printf("  Plaintext bytes:  %d\n", plainBytes)
	fmt.Printf("  Ciphertext bytes: %d\n", wireBytes)
	fmt.Printf("  Device id:        %s\n", *deviceID)
}

// generateBatch renders one batch worth of log lines, advancing the
// shared clock so consecutive batches read as a continuous log.
func generateBatch(rng *mrand.Rand, profile LogProfile, lines int, clock *time.Time) []byte {
	var sb strings.Builder
	for i := 0; i < lines; i++ {
		template := profile.Templates[rng.Intn(len(profile.Templates))]
		args := make([]any, strings.Count(template, "%d"))
		for j := range args {
			args[j] = rng.Intn(65536)
		}

		sb.WriteString(clock.UTC().Format(time.RFC3339))
		sb.WriteByte(' ')
		fmt.Fprintf(&sb, template, args...)
		sb.WriteByte('\n')

		// Jitter the interval so lines do not land on a metronome.
		step := profile.MeanIntervalMs/2 + rng.Intn(profile.MeanIntervalMs)
		*clock = clock.Add(time.Duration(step) * time.Millisecond)
	}
	return []byte(sb.String())
}
