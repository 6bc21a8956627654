// Copyright 2025 The Toolforge Authors
// SPDX-License-Identifier: Apache-2.0

// Package toolforge implements the runtime façade against the Toolforge
// platform APIs (builds-api, jobs-api and envvars-api behind the shared
// api-gateway).
package toolforge

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/toolforge/components-api/internal/runtime"
)

// ClientConfig configures the platform API client.
type ClientConfig struct {
	BaseURL    string
	UserAgent  string
	VerifyCert bool
	Timeout    time.Duration
}

// Client is a thin JSON client for the platform APIs. Transient read
// timeouts are retried with exponential backoff; every other failure
// surfaces immediately.
type Client struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
	logger     *slog.Logger
	backoff    wait.Backoff
}

// defaultBackoff retries transient read timeouts up to 5 attempts total,
// starting at one second and doubling.
func defaultBackoff() wait.Backoff {
	return wait.Backoff{
		Duration: time.Second,
		Factor:   2,
		Steps:    5,
	}
}

// NewClient creates a platform API client.
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
			// #nosec G402 -- disabling verification is an explicit setting
			// used against local development gateways
			InsecureSkipVerify: !cfg.VerifyCert,
		},
	}
	return &Client{
		baseURL:   cfg.BaseURL,
		userAgent: cfg.UserAgent,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		logger:  logger,
		backoff: defaultBackoff(),
	}
}

// isReadTimeout reports whether err is a transport-level timeout worth
// retrying. Anything the server actually answered is not retried.
func isReadTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// request performs one HTTP exchange, decoding a JSON response into out
// when out is non-nil.
func (c *Client) request(ctx context.Context, method, path string, body, out any) error {
	var lastErr error
	backoff := c.backoff
	for attempt := 0; attempt < backoff.Steps; attempt++ {
		if attempt > 0 {
			delay := backoff.Duration
			backoff.Duration = time.Duration(float64(backoff.Duration) * backoff.Factor)
			c.logger.Warn("Retrying platform API request",
				"method", method, "path", path, "attempt", attempt, "delay", delay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		lastErr = c.do(ctx, method, path, body, out)
		if lastErr == nil || !isReadTimeout(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s %s: failed to read response: %w", method, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &runtime.APIError{StatusCode: resp.StatusCode}
		var envelope struct {
			Messages runtime.Messages `json:"messages"`
		}
		if err := json.Unmarshal(raw, &envelope); err == nil {
			apiErr.Messages = envelope.Messages
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s %s: failed to decode response: %w", method, path, err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.request(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	return c.request(ctx, http.MethodPost, path, body, out)
}

func (c *Client) patch(ctx context.Context, path string, body, out any) error {
	return c.request(ctx, http.MethodPatch, path, body, out)
}

func (c *Client) put(ctx context.Context, path string, body, out any) error {
	return c.request(ctx, http.MethodPut, path, body, out)
}

func (c *Client) delete(ctx context.Context, path string, out any) error {
	return c.request(ctx, http.MethodDelete, path, nil, out)
}
