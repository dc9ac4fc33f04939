package catalog

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/braxtechnologies/appstation/internal/store"
	"github.com/stretchr/testify/require"
)

func TestResolveDownloadReady(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/packages/com.example.app/download", r.URL.Path)
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.Equal(t, "1.2.3", r.URL.Query().Get("version"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"url":"https://cdn.example.com/a.zip","digest":"ABCD12","size":1024,"container_kind":"bundle"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret", 5*time.Second)

	res, err := c.ResolveDownload(context.Background(), "com.example.app", "1.2.3")
	require.NoError(t, err)
	require.Equal(t, Ready, res.Outcome)
	require.Equal(t, "https://cdn.example.com/a.zip", res.URL)
	require.Equal(t, "abcd12", res.Digest, "digest is normalized to lowercase")
	require.Equal(t, int64(1024), res.Size)
	require.Equal(t, store.MultiFileBundle, res.ContainerKind)
}

func TestResolveDownloadDeferred(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret", 5*time.Second)

	res, err := c.ResolveDownload(context.Background(), "com.example.app", "")
	require.NoError(t, err)
	require.Equal(t, Deferred, res.Outcome)
}

func TestResolveDownloadError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"message":"no such package"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret", 5*time.Second)

	res, err := c.ResolveDownload(context.Background(), "com.example.gone", "")
	require.NoError(t, err)
	require.Equal(t, Failed, res.Outcome)
	require.Equal(t, "no such package", res.Message)
}

func TestResolveDownloadTimeoutIsDeferred(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret", 20*time.Millisecond)

	res, err := c.ResolveDownload(context.Background(), "com.example.slow", "")
	require.NoError(t, err)
	require.Equal(t, Deferred, res.Outcome, "transport timeout must route to the retry path")
}
