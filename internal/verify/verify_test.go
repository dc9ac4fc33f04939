package verify

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeArtifact(t *testing.T, content []byte) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "artifact.apk")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	return path
}

func TestVerifyMatch(t *testing.T) {
	content := []byte("payload bytes")
	path := writeArtifact(t, content)

	sum := sha256.Sum256(content)
	expected := hex.EncodeToString(sum[:])

	res, err := Verify(path, expected)
	require.NoError(t, err)
	require.Equal(t, Verified, res)

	// Hex comparison is case-insensitive.
	res, err = Verify(path, strings.ToUpper(expected))
	require.NoError(t, err)
	require.Equal(t, Verified, res)
}

func TestVerifyMismatch(t *testing.T) {
	path := writeArtifact(t, []byte("payload bytes"))

	res, err := Verify(path, strings.Repeat("ab", 32))
	require.NoError(t, err)
	require.Equal(t, Mismatch, res)
}

func TestVerifyNoDigestIsUnverified(t *testing.T) {
	path := writeArtifact(t, []byte("payload bytes"))

	res, err := Verify(path, "")
	require.NoError(t, err)
	require.Equal(t, Unverified, res)
}

func TestVerifyNoDigestRejectsEmptyFile(t *testing.T) {
	path := writeArtifact(t, nil)

	_, err := Verify(path, "")
	require.Error(t, err)
}

func TestVerifyMissingFile(t *testing.T) {
	_, err := Verify(filepath.Join(t.TempDir(), "missing.apk"), "")
	require.Error(t, err)
}
