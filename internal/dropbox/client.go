// Package dropbox is the remote store adapter: opaque get/put of named blobs
// in a Dropbox app folder, authenticated by an externally supplied bearer
// credential. Token acquisition and refresh are out of scope.
package dropbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bookblue/bookblue-sync/internal/logger"
	"github.com/bookblue/bookblue-sync/internal/util"
)

const defaultContentURL = "https://content.dropboxapi.com/2"

// ErrNotFound reports that the requested path does not exist in the remote
// store. On first download this is the "initialize empty state" signal, not
// an error condition.
var ErrNotFound = errors.New("dropbox: path not found")

// Client talks to the Dropbox content API.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	limiter *util.RateLimiter
	logger  *logger.Logger
}

// NewClient creates a client against the production Dropbox content API.
func NewClient(token string, timeout time.Duration) *Client {
	return NewClientWithBaseURL(defaultContentURL, token, timeout)
}

// NewClientWithBaseURL creates a client against an alternate endpoint.
// Used by tests.
func NewClientWithBaseURL(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	log := logger.Get().With().
		Str("component", "dropbox_client").
		Logger()

	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		client: &http.Client{
			Timeout: timeout,
		},
		limiter: util.NewRateLimiter(util.DefaultRate, util.DefaultBurst),
		logger:  &logger.Logger{Logger: log},
	}
}

type apiArg struct {
	Path string `json:"path"`
	Mode string `json:"mode,omitempty"`
	Mute bool   `json:"mute,omitempty"`
}

// Download fetches the blob at path. Returns ErrNotFound when the path does
// not exist.
func (c *Client) Download(ctx context.Context, path string) ([]byte, error) {
	log := c.logger.With().Str("path", path).Logger()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	arg, err := json.Marshal(apiArg{Path: path})
	if err != nil {
		return nil, fmt.Errorf("failed to encode api arg: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/files/download", nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create request")
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Dropbox-API-Arg", string(arg))

	resp, err := c.client.Do(req)
	if err != nil {
		log.Error().Err(err).Msg("Download request failed")
		return nil, fmt.Errorf("download failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Error().Err(err).Msg("Failed to read response body")
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		c.limiter.ResetRate()
		log.Debug().Int("bytes", len(body)).Msg("Downloaded blob")
		return body, nil
	case resp.StatusCode == http.StatusConflict:
		// Dropbox reports a missing path as a 409 path lookup conflict.
		log.Info().Msg("Remote path not found")
		return nil, ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		c.limiter.OnRateLimit(retryAfter(resp))
		return nil, fmt.Errorf("download rate limited: %w", util.ErrRateLimited)
	default:
		log.Error().
			Int("status", resp.StatusCode).
			Str("response", string(body)).
			Msg("Unexpected status code")
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
}

// Upload writes data to path in overwrite mode, the only mode the snapshot
// sync uses.
func (c *Client) Upload(ctx context.Context, path string, data []byte) error {
	log := c.logger.With().Str("path", path).Logger()

	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	arg, err := json.Marshal(apiArg{Path: path, Mode: "overwrite", Mute: true})
	if err != nil {
		return fmt.Errorf("failed to encode api arg: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/files/upload", bytes.NewReader(data))
	if err != nil {
		log.Error().Err(err).Msg("Failed to create request")
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Dropbox-API-Arg", string(arg))

	resp, err := c.client.Do(req)
	if err != nil {
		log.Error().Err(err).Msg("Upload request failed")
		return fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Error().Err(err).Msg("Failed to read response body")
		return fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		c.limiter.ResetRate()
		log.Debug().Int("bytes", len(data)).Msg("Uploaded blob")
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		c.limiter.OnRateLimit(retryAfter(resp))
		return fmt.Errorf("upload rate limited: %w", util.ErrRateLimited)
	default:
		log.Error().
			Int("status", resp.StatusCode).
			Str("response", string(body)).
			Msg("Unexpected status code")
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
}

func retryAfter(resp *http.Response) time.Duration {
	header := resp.Header.Get("Retry-After")
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil {
		return time.Duration(secs) * time.Second
	}
	return 0
}
