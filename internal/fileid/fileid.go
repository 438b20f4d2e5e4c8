// Package fileid derives stable identifiers for input files and run inputs.
package fileid

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const prefix = "inputs:"

// PathID returns a stable ID for the given path. Same cleaned absolute path
// always yields the same ID.
func PathID(path string) string {
	hash := sha256.Sum256([]byte(cleanAbs(path)))
	return hex.EncodeToString(hash[:])
}

// Fingerprint identifies a file version by cleaned absolute path, size and
// modification time. The content is not read.
func Fingerprint(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("failed to stat %s: %w", path, err)
	}
	return fmt.Sprintf("%s:%d:%d", PathID(path), info.Size(), info.ModTime().UnixNano()), nil
}

// InputsID combines file fingerprints and settings into one run-inputs ID.
// Order of parts matters.
func InputsID(parts ...string) string {
	hash := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return prefix + hex.EncodeToString(hash[:])
}

func cleanAbs(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return filepath.Clean(path)
}
