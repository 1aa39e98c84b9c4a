package appstore

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"
)

const (
	// ProductionURL is the live verification endpoint.
	ProductionURL = "https://buy.itunes.apple.com/verifyReceipt"
	// SandboxURL is the test-environment verification endpoint.
	SandboxURL = "https://sandbox.itunes.apple.com/verifyReceipt"

	defaultTimeout = 30 * time.Second
)

// Environment is the per-call verification policy: which endpoints to try,
// whether to verify TLS, and the per-request timeout. The zero value rejects
// every receipt; start from one of the presets.
type Environment struct {
	UseProduction bool
	UseSandbox    bool
	VerifySSL     bool
	Timeout       time.Duration
}

// Environment presets matching the four verification modes.
var (
	Production = Environment{UseProduction: true, VerifySSL: true, Timeout: defaultTimeout}
	Sandbox    = Environment{UseSandbox: true, VerifySSL: true, Timeout: defaultTimeout}
	// Review tries production first and falls back to sandbox when the
	// receipt turns out to be a sandbox one, which is what App Review
	// submissions need.
	Review = Environment{UseProduction: true, UseSandbox: true, VerifySSL: true, Timeout: defaultTimeout}
	Reject = Environment{VerifySSL: true, Timeout: defaultTimeout}
)

// EnvironmentFromMode resolves a named verification mode. Unknown names fail
// with ModeError.
func EnvironmentFromMode(mode string) (Environment, error) {
	switch mode {
	case "production":
		return Production, nil
	case "sandbox":
		return Sandbox, nil
	case "review":
		return Review, nil
	case "reject":
		return Reject, nil
	}
	return Environment{}, &ModeError{Mode: mode}
}

// Client verifies receipts against the App Store validation service.
type Client struct {
	env          Environment
	sharedSecret string
	proxy        *url.URL
	proxyErr     error

	productionURL string
	sandboxURL    string

	httpClient *http.Client
	clientMu   sync.Mutex
	built      map[bool]*http.Client
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient supplies the HTTP client to use verbatim. Proxy and TLS
// options are ignored when set; the per-request timeout still applies through
// the request context.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithEnvironment replaces the default production-only policy.
func WithEnvironment(env Environment) Option {
	return func(c *Client) {
		c.env = env
	}
}

// WithSharedSecret sets the app's shared secret, required for verifying
// auto-renewable subscription receipts.
func WithSharedSecret(secret string) Option {
	return func(c *Client) {
		c.sharedSecret = secret
	}
}

// WithProxy routes verification requests through the given proxy URL.
func WithProxy(rawURL string) Option {
	return func(c *Client) {
		c.proxy, c.proxyErr = url.Parse(rawURL)
	}
}

// WithTimeout overrides the default per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.env.Timeout = d
		}
	}
}

// NewClient builds a verification client. Without options it talks to
// production only, verifies TLS and times out after 30 seconds.
func NewClient(opts ...Option) *Client {
	c := &Client{
		env:           Production,
		productionURL: ProductionURL,
		sandboxURL:    SandboxURL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type verifyConfig struct {
	env                    Environment
	password               string
	excludeOldTransactions bool
}

// VerifyOption overrides the client policy for a single Verify call.
type VerifyOption func(*verifyConfig)

// WithVerifyEnvironment replaces the whole policy record for this call.
func WithVerifyEnvironment(env Environment) VerifyOption {
	return func(cfg *verifyConfig) { cfg.env = env }
}

// WithUseProduction toggles the production attempt for this call.
func WithUseProduction(on bool) VerifyOption {
	return func(cfg *verifyConfig) { cfg.env.UseProduction = on }
}

// WithUseSandbox toggles the sandbox attempt for this call.
func WithUseSandbox(on bool) VerifyOption {
	return func(cfg *verifyConfig) { cfg.env.UseSandbox = on }
}

// WithVerifySSL toggles TLS certificate verification for this call.
func WithVerifySSL(on bool) VerifyOption {
	return func(cfg *verifyConfig) { cfg.env.VerifySSL = on }
}

// WithVerifyTimeout overrides the per-request timeout for this call.
func WithVerifyTimeout(d time.Duration) VerifyOption {
	return func(cfg *verifyConfig) {
		if d > 0 {
			cfg.env.Timeout = d
		}
	}
}

// WithPassword sends the given shared secret with this call, overriding the
// client-level one.
func WithPassword(password string) VerifyOption {
	return func(cfg *verifyConfig) { cfg.password = password }
}

// WithExcludeOldTransactions asks the service to return only the latest
// renewal transaction for auto-renewable subscriptions.
func WithExcludeOldTransactions() VerifyOption {
	return func(cfg *verifyConfig) { cfg.excludeOldTransactions = true }
}

// Verify submits the base64 receipt blob for validation and returns the
// parsed response on status 0.
//
// Production is attempted strictly before sandbox when both are enabled.
// Status 21007 from production (a sandbox receipt) falls through to the
// sandbox endpoint; every other nonzero status is fatal immediately, as is
// any nonzero status from sandbox. The sequencing is deliberate: the App
// Review process validates sandbox receipts through production-configured
// clients, and only the wrong-environment signal may mask itself.
func (c *Client) Verify(ctx context.Context, receiptData string, opts ...VerifyOption) (*Response, error) {
	if receiptData == "" {
		return nil, errors.New("appstore: receipt data is required")
	}
	if c.proxyErr != nil {
		return nil, fmt.Errorf("appstore: invalid proxy URL: %w", c.proxyErr)
	}

	cfg := verifyConfig{env: c.env, password: c.sharedSecret}
	for _, opt := range opts {
		opt(&cfg)
	}
	if !cfg.env.UseProduction && !cfg.env.UseSandbox {
		return nil, &ModeError{Mode: "reject"}
	}

	payload := map[string]any{
		"receipt-data":             receiptData,
		"exclude-old-transactions": cfg.excludeOldTransactions,
	}
	// The endpoint has historically rejected unexpected fields, so the
	// password only travels when there is one.
	if cfg.password != "" {
		payload["password"] = cfg.password
	}

	var resp *Response
	if cfg.env.UseProduction {
		r, err := c.verifyFrom(ctx, c.productionURL, payload, cfg.env)
		if err != nil {
			var invalid *InvalidReceiptError
			sandboxReceipt := errors.As(err, &invalid) && invalid.Status == StatusSandboxReceipt
			if !sandboxReceipt || !cfg.env.UseSandbox {
				return nil, err
			}
		} else {
			resp = r
		}
	}

	if resp == nil && cfg.env.UseSandbox {
		r, err := c.verifyFrom(ctx, c.sandboxURL, payload, cfg.env)
		if err != nil {
			return nil, err
		}
		resp = r
	}

	return resp, nil
}

// verifyFrom runs one POST against a single endpoint and classifies the
// outcome.
func (c *Client) verifyFrom(ctx context.Context, endpoint string, payload map[string]any, env Environment) (*Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode verification payload: %w", err)
	}

	timeout := env.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build verification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	httpResp, err := c.httpClientFor(env).Do(req)
	if err != nil {
		return nil, &ServerNotReachableError{Cause: err}
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, &ServerNotReachableError{Cause: err}
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, &ServerNotAvailableError{StatusCode: httpResp.StatusCode, Body: string(data)}
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode verification response: %w", err)
	}

	resp := NewResponse(raw)
	status, err := resp.Status()
	if err != nil {
		return nil, fmt.Errorf("verification response has no status: %w", err)
	}
	if status != StatusOK {
		return nil, newInvalidReceiptError(status, resp)
	}
	return resp, nil
}

// httpClientFor returns the HTTP client for the effective policy, building
// and reusing one transport per TLS setting unless the caller injected a
// client of their own.
func (c *Client) httpClientFor(env Environment) *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}

	c.clientMu.Lock()
	defer c.clientMu.Unlock()
	if hc, ok := c.built[env.VerifySSL]; ok {
		return hc
	}

	transport := &http.Transport{}
	if c.proxy != nil {
		transport.Proxy = http.ProxyURL(c.proxy)
	}
	if !env.VerifySSL {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	hc := &http.Client{Transport: transport}
	if c.built == nil {
		c.built = make(map[bool]*http.Client)
	}
	c.built[env.VerifySSL] = hc
	return hc
}

// Verify is a shortcut running one verification with a throwaway default
// client. Receipts needing a shared secret pass it via WithPassword.
func Verify(ctx context.Context, receiptData string, opts ...VerifyOption) (*Response, error) {
	return NewClient().Verify(ctx, receiptData, opts...)
}
