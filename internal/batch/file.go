package batch

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// File name contract for spooled batches. A batch file moves through three
// states, expressed purely in its name:
//
//	<name>.bin             pending, not yet dispatched
//	<name>_processing.bin  handed to the dispatcher
//	<name>_sent.bin        dispatch confirmed, eligible for deletion
const (
	// FilePrefix starts every batch file name this module writes.
	FilePrefix = "crumbles_logs_encrypted_"

	// SuffixBin is the extension shared by all batch files.
	SuffixBin = ".bin"

	// SuffixProcessing marks a batch handed to the dispatcher.
	SuffixProcessing = "_processing.bin"

	// SuffixSent marks a batch whose dispatch was confirmed.
	SuffixSent = "_sent.bin"
)

// IsBatchFile reports whether name looks like a spooled batch in any state.
func IsBatchFile(name string) bool {
	return strings.HasSuffix(name, SuffixBin)
}

// IsPending reports whether name is a batch awaiting dispatch.
func IsPending(name string) bool {
	return strings.HasSuffix(name, SuffixBin) &&
		!strings.HasSuffix(name, SuffixProcessing) &&
		!strings.HasSuffix(name, SuffixSent)
}

// IsProcessing reports whether name is a batch handed to the dispatcher.
func IsProcessing(name string) bool {
	return strings.HasSuffix(name, SuffixProcessing)
}

// IsSent reports whether name is a confirmed batch.
func IsSent(name string) bool {
	return strings.HasSuffix(name, SuffixSent)
}

// MarkProcessingName rewrites a pending name to its processing form.
func MarkProcessingName(name string) string {
	return strings.TrimSuffix(name, SuffixBin) + SuffixProcessing
}

// MarkSentName rewrites a processing name to its sent form.
func MarkSentName(name string) string {
	return strings.TrimSuffix(name, SuffixProcessing) + SuffixSent
}

// WriteFile marshals the batch and writes it to path atomically.
// The file is written to a temporary sibling first and renamed into place
// so a crash never leaves a half-written batch with a pending name.
func WriteFile(path string, b *LogBatch) error {
	data, err := Marshal(b)
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("create batch file: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write batch file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync batch file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close batch file: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename batch file: %w", err)
	}
	return nil
}

// ReadFile reads and decodes a batch file.
func ReadFile(path string) (*LogBatch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read batch file: %w", err)
	}

	b, err := Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return b, nil
}
