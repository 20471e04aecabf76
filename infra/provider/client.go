// Package provider implements the collaborator interfaces of pkg/provider
// as HTTP JSON clients: the signing gateway, the exchange service and the
// fee estimator.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/amirasaad/cryptoledger/pkg/provider"
)

// maxErrorBody bounds how much of an error response ends up in an error.
const maxErrorBody = 512

// client is a small JSON-over-HTTP helper shared by the providers.
type client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *slog.Logger
}

func newClient(baseURL, apiKey string, timeout time.Duration, logger *slog.Logger) *client {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// do sends in as the JSON body (when non-nil) and decodes the response into
// out (when non-nil). Transport failures and 5xx responses wrap
// provider.ErrProviderUnavailable.
func (c *client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding %s request: %w", path, err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", provider.ErrProviderUnavailable, method, path, err)
	}
	defer resp.Body.Close() //nolint:errcheck
	c.logger.Debug("provider call", "method", method, "path", path, "status", resp.StatusCode, "took", time.Since(start))

	if resp.StatusCode >= http.StatusBadRequest {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		err := fmt.Errorf("%s %s returned status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
		if resp.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("%w: %v", provider.ErrProviderUnavailable, err)
		}
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}
