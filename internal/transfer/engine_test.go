package transfer

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func alwaysAlive() error { return nil }

func TestTransferWritesFinalFile(t *testing.T) {
	payload := bytes.Repeat([]byte("appstation"), 50_000) // ~500KB, several liveness chunks

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "app.apk")

	got, err := NewEngine().Transfer(context.Background(), srv.URL, dest, 0, alwaysAlive)
	require.NoError(t, err)
	require.Equal(t, dest, got)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, payload, data)

	// No temp sibling left behind.
	_, err = os.Stat(dest + tempSuffix)
	require.True(t, os.IsNotExist(err))
}

func TestTransferAbortsWhenLivenessFails(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 4*livenessChunk)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "app.apk")
	cancelled := errors.New("run cancelled")

	checks := 0
	alive := func() error {
		checks++
		if checks > 2 {
			return cancelled
		}

		return nil
	}

	_, err := NewEngine().Transfer(context.Background(), srv.URL, dest, 0, alive)
	require.ErrorIs(t, err, cancelled)

	// Neither the final file nor the temp file may exist.
	_, err = os.Stat(dest)
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(dest + tempSuffix)
	require.True(t, os.IsNotExist(err))
}

func TestTransferAbortsOnFinalLivenessCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("tiny"))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "app.apk")
	superseded := errors.New("run superseded")

	checks := 0
	alive := func() error {
		checks++
		// The payload fits in one chunk, so the last call is the pre-rename check.
		if checks >= 2 {
			return superseded
		}

		return nil
	}

	_, err := NewEngine().Transfer(context.Background(), srv.URL, dest, 0, alive)
	require.ErrorIs(t, err, superseded)

	_, err = os.Stat(dest)
	require.True(t, os.IsNotExist(err), "a cancelled download must never materialize a completed artifact")
}

func TestTransferRejectsNonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "app.apk")

	_, err := NewEngine().Transfer(context.Background(), srv.URL, dest, 0, alwaysAlive)
	require.Error(t, err)
	require.Contains(t, err.Error(), "status 502")

	_, err = os.Stat(dest)
	require.True(t, os.IsNotExist(err))
}
