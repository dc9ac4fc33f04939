package transfer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/braxtechnologies/appstation/internal/logctx"
	"github.com/braxtechnologies/appstation/internal/transfer/progress"
	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	// livenessChunk bounds how many bytes are copied between liveness checks,
	// so cancellation and supersession are observed mid-stream.
	livenessChunk = 64 * 1024

	progressInterval = 1024 * 1024 // 1MB

	tempSuffix = ".part"
)

// Liveness is consulted between byte chunks; a non-nil return aborts the
// transfer and propagates as-is.
type Liveness func() error

// Engine streams remote artifacts to local storage.
type Engine struct {
	httpClient *http.Client
}

func NewEngine() *Engine {
	return &Engine{
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Transfer streams url into dest. Bytes land in a temporary sibling first and
// are renamed to dest only after a final liveness check, so a just-cancelled
// download can never materialize a completed artifact. On any non-success path
// the temporary file is removed and dest is left untouched.
func (e *Engine) Transfer(ctx context.Context, url, dest string, declaredSize int64, alive Liveness) (string, error) {
	logger := logctx.LoggerFromContext(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build transfer request: %w", err)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch artifact: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("transfer returned status %d", resp.StatusCode)
	}

	if resp.Body == nil {
		return "", fmt.Errorf("transfer returned empty body")
	}

	total := resp.ContentLength
	if total <= 0 {
		// Server didn't report a length; fall back to what the catalog declared.
		total = declaredSize
	}

	logger.Info("downloading artifact", "url", url, "size", humanize.Bytes(uint64(max(total, 0))))

	tmpPath := dest + tempSuffix

	out, err := os.Create(tmpPath)
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}

	if err := e.copyWithLiveness(ctx, out, resp.Body, url, total, alive); err != nil {
		out.Close()
		os.Remove(tmpPath)

		return "", err
	}

	if err := out.Close(); err != nil {
		os.Remove(tmpPath)

		return "", fmt.Errorf("failed to flush temp file: %w", err)
	}

	// Final check closes the window between the last chunk and the rename.
	if err := alive(); err != nil {
		os.Remove(tmpPath)

		return "", err
	}

	if err := os.Rename(tmpPath, dest); err != nil {
		os.Remove(tmpPath)

		return "", fmt.Errorf("failed to finalize artifact: %w", err)
	}

	logger.Info("artifact saved", "target", dest)

	return dest, nil
}

func (e *Engine) copyWithLiveness(ctx context.Context, out *os.File, body io.Reader, url string, total int64, alive Liveness) error {
	logger := logctx.LoggerFromContext(ctx)

	start := time.Now()
	progressCb := func(written int64, totalBytes int64) {
		if totalBytes > 0 {
			logger.Debug("download progress",
				"url", url,
				"downloaded", humanize.Bytes(uint64(written)),
				"total", humanize.Bytes(uint64(totalBytes)),
				"percent", humanize.FtoaWithDigits(float64(written)*100/float64(totalBytes), 2),
				"elapsed", time.Since(start).String())
		} else {
			logger.Debug("download progress", "url", url, "downloaded", humanize.Bytes(uint64(written)))
		}
	}
	pr := progress.NewReader(body, total, progressInterval, progressCb)

	for {
		if err := alive(); err != nil {
			return err
		}

		_, err := io.CopyN(out, pr, livenessChunk)
		if err == io.EOF {
			return nil
		}

		if err != nil {
			return fmt.Errorf("failed to copy artifact bytes: %w", err)
		}
	}
}
