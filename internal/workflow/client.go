// Package workflow is the client for the remote workflow API that queues
// block, unblock and credential validation requests.
package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-hclog"
)

const (
	usersToBlockPath         = "api/blockedloginrequests/userstoblock"
	blockPath                = "api/blockedloginrequests/block"
	blockedLoginRequestsPath = "api/blockedloginrequests"
	unblockRequestsPath      = "api/unblockuserrequests"
	taskRuntimePath          = "api/blockedloginrequests/taskruntime"

	// LocalEnvironment disables certificate pinning.
	LocalEnvironment = "local"

	defaultTimeout = 100 * time.Second
	maxErrorBody   = 4 << 10
)

// Config holds the client settings.
type Config struct {
	BaseURL   string
	AppID     string
	AppSecret string

	// Environment other than "local" enables public key pinning when
	// PinnedPublicKey is set.
	Environment     string
	PinnedPublicKey string

	Timeout time.Duration
}

// PinningEnabled reports whether server certificates are checked against
// the pinned public key.
func (c Config) PinningEnabled() bool {
	return !strings.EqualFold(strings.TrimSpace(c.Environment), LocalEnvironment) &&
		strings.TrimSpace(c.PinnedPublicKey) != ""
}

// Client talks to the remote workflow API.
type Client struct {
	baseURL   *url.URL
	appID     string
	appSecret string
	http      *http.Client
	logger    hclog.Logger
}

// NewClient creates a client for cfg.BaseURL.
func NewClient(cfg Config, logger hclog.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("workflow API base URL is required")
	}

	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid workflow API base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid workflow API base URL %q: scheme must be http or https", cfg.BaseURL)
	}
	// request paths are relative to the base
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}

	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	transport := cleanhttp.DefaultPooledTransport()
	if cfg.PinningEnabled() {
		transport.TLSClientConfig = pinnedTLSConfig(cfg.PinnedPublicKey)
	} else if !strings.EqualFold(cfg.Environment, LocalEnvironment) && base.Scheme == "https" {
		logger.Warn("No pinned public key configured, using standard certificate verification", "environment", cfg.Environment)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		baseURL:   base,
		appID:     cfg.AppID,
		appSecret: cfg.AppSecret,
		http:      &http.Client{Transport: transport, Timeout: timeout},
		logger:    logger,
	}, nil
}

// Close releases idle connections.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

// UsersToBlock lists users pending blocking.
func (c *Client) UsersToBlock(ctx context.Context) ([]BlockRequest, error) {
	var out []BlockRequest
	if err := c.do(ctx, http.MethodGet, usersToBlockPath, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ReportBlock posts the result of a block.
func (c *Client) ReportBlock(ctx context.Context, result BlockResult) error {
	return c.do(ctx, http.MethodPost, blockPath, result, nil)
}

// BlockedLoginRequests lists pending credential validations.
func (c *Client) BlockedLoginRequests(ctx context.Context) ([]BlockedLoginRequest, error) {
	var out []BlockedLoginRequest
	if err := c.do(ctx, http.MethodGet, blockedLoginRequestsPath, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ReportBlockedLogin puts the result of a credential validation.
func (c *Client) ReportBlockedLogin(ctx context.Context, result RequestResult) error {
	return c.do(ctx, http.MethodPut, blockedLoginRequestsPath, result, nil)
}

// UnblockRequests lists pending unblocks.
func (c *Client) UnblockRequests(ctx context.Context) ([]UnblockRequest, error) {
	var out []UnblockRequest
	if err := c.do(ctx, http.MethodGet, unblockRequestsPath, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ReportUnblock puts the result of an unblock.
func (c *Client) ReportUnblock(ctx context.Context, result RequestResult) error {
	return c.do(ctx, http.MethodPut, unblockRequestsPath, result, nil)
}

// Heartbeat records that the task ran.
func (c *Client) Heartbeat(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, taskRuntimePath, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	start := time.Now()

	endpoint := c.baseURL.ResolveReference(&url.URL{Path: path})

	body := io.Reader(http.NoBody)
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode %s %s request: %w", method, path, err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), body)
	if err != nil {
		return fmt.Errorf("failed to build %s %s request: %w", method, path, err)
	}
	req.Header.Set("X-AppId", c.appID)
	req.Header.Set("X-AppSecret", c.appSecret)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("API request failed", "method", method, "path", path, "error", err)
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("API request completed",
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds())

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &APIError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: string(raw)}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("failed to decode %s %s response: %w", method, path, err)
	}
	return nil
}
