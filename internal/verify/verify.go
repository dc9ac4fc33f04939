// Package verify computes and checks content digests of downloaded artifacts.
package verify

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
)

// Result of a digest check.
type Result int

const (
	// Verified means the computed digest matched the expected one.
	Verified Result = iota
	// Unverified means no expected digest was available; the artifact was
	// accepted on an existence/non-empty check only.
	Unverified
	// Mismatch means the computed digest differed from the expected one.
	Mismatch
)

// Checksum streams the file through sha256 and returns the lowercase hex digest.
func Checksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open artifact: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash artifact: %w", err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verify compares the artifact's digest to expectedHex (case-insensitive).
// An empty expectedHex degrades to a non-empty-file check and reports
// Unverified; the caller is responsible for recording that.
func Verify(path, expectedHex string) (Result, error) {
	if expectedHex == "" {
		info, err := os.Stat(path)
		if err != nil {
			return Mismatch, fmt.Errorf("failed to stat artifact: %w", err)
		}

		if info.Size() == 0 {
			return Mismatch, fmt.Errorf("artifact is empty")
		}

		return Unverified, nil
	}

	sum, err := Checksum(path)
	if err != nil {
		return Mismatch, err
	}

	if !strings.EqualFold(sum, expectedHex) {
		return Mismatch, nil
	}

	return Verified, nil
}
