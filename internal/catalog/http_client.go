package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/braxtechnologies/appstation/internal/logctx"
	"github.com/braxtechnologies/appstation/internal/store"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
)

// Client resolves download locations against the catalog HTTP API.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// NewClient builds a catalog client authenticated with a static bearer token.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	tokenSource := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	httpClient := oauth2.NewClient(context.Background(), tokenSource)
	httpClient.Transport = otelhttp.NewTransport(httpClient.Transport)
	httpClient.Timeout = timeout

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

type downloadResponse struct {
	URL           string `json:"url"`
	Digest        string `json:"digest,omitempty"`
	Size          int64  `json:"size"`
	ContainerKind string `json:"container_kind,omitempty"`
	Message       string `json:"message,omitempty"`
}

// ResolveDownload asks the catalog where the package's artifact can be fetched.
// 200 means ready, 202 means the source is still pulling the artifact from
// upstream. A transport timeout is mapped to Deferred as well: a slow upstream
// fetch must route to the retry path, not count as a hard failure.
func (c *Client) ResolveDownload(ctx context.Context, packageID, versionHint string) (*Resolution, error) {
	logger := logctx.LoggerFromContext(ctx).With("package_id", packageID)

	endpoint := fmt.Sprintf("%s/v1/packages/%s/download", c.baseURL, url.PathEscape(packageID))
	if versionHint != "" {
		endpoint += "?version=" + url.QueryEscape(versionHint)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build resolve request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) && ctx.Err() == nil {
			logger.Warn("catalog resolution timed out, treating as deferred", "err", err)

			return &Resolution{Outcome: Deferred}, nil
		}

		return nil, fmt.Errorf("failed to resolve download: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var body downloadResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return nil, fmt.Errorf("failed to decode resolution: %w", err)
		}

		if body.URL == "" {
			return nil, fmt.Errorf("catalog returned ready resolution without url")
		}

		return &Resolution{
			Outcome:       Ready,
			URL:           body.URL,
			Digest:        strings.ToLower(body.Digest),
			Size:          body.Size,
			ContainerKind: containerKind(body.ContainerKind),
		}, nil
	case http.StatusAccepted:
		logger.Info("artifact not yet available at the source, deferred")

		return &Resolution{Outcome: Deferred}, nil
	default:
		var body downloadResponse

		_ = json.NewDecoder(resp.Body).Decode(&body)

		msg := body.Message
		if msg == "" {
			msg = resp.Status
		}

		return &Resolution{Outcome: Failed, Message: msg}, nil
	}
}

func containerKind(declared string) store.ContainerKind {
	switch declared {
	case "bundle":
		return store.MultiFileBundle
	case "single":
		return store.SingleArchive
	default:
		return store.UnknownKind
	}
}

func isTimeout(err error) bool {
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded)
}
