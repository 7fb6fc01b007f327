package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/google/uuid"
)

// AuthMode selects how requests are authenticated. The mode is fixed when the
// client is constructed and the two modes are never mixed in one request.
type AuthMode string

const (
	// AuthModeBearer authenticates with the session's access token and
	// participates in the refresh protocol. This is the default.
	AuthModeBearer AuthMode = "bearer"

	// AuthModeSigned authenticates with an API key and an HMAC signature
	// over the canonical request string. No session state is involved.
	AuthModeSigned AuthMode = "signed"
)

// Endpoint paths consumed from the admin API.
const (
	loginPath    = "/auth/login"
	refreshPath  = "/auth/refresh-token"
	logoutPath   = "/auth/logout"
	identityPath = "/users/me"
)

// maxResponseBytes caps how much of a response body the client will read.
const maxResponseBytes = 4 << 20

// Config is the environment-level configuration surface.
type Config struct {
	// BaseURL of the admin API. Required.
	BaseURL string

	// APIKey enables signed mode when CredentialMode is AuthModeSigned.
	APIKey string

	// CredentialMode defaults to AuthModeBearer when empty.
	CredentialMode AuthMode
}

// ConfigFromEnv reads the recognized BSKMT_* environment variables.
func ConfigFromEnv() Config {
	cfg := Config{
		BaseURL: os.Getenv("BSKMT_API_BASE_URL"),
		APIKey:  os.Getenv("BSKMT_API_KEY"),
	}
	if mode := os.Getenv("BSKMT_CREDENTIAL_MODE"); mode != "" {
		cfg.CredentialMode = AuthMode(mode)
	}
	return cfg
}

// Client is the authenticated API client. It owns the credential store and
// the refresh coordinator and is safe for concurrent use.
type Client struct {
	baseURL    *url.URL
	mode       AuthMode
	apiKey     string
	store      CredentialStore
	httpClient *http.Client
	skew       time.Duration
	logger     *slog.Logger
	publisher  EventPublisher
	refresher  *refresher
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for all requests. Provide one with
// a cookie Jar to include session cookies the way the browser console did.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithCredentialStore sets the credential store. Defaults to an in-memory
// store that does not survive the process.
func WithCredentialStore(store CredentialStore) Option {
	return func(c *Client) {
		if store != nil {
			c.store = store
		}
	}
}

// WithAuthMode selects bearer or signed authentication.
func WithAuthMode(mode AuthMode) Option {
	return func(c *Client) { c.mode = mode }
}

// WithAPIKey sets the shared secret for signed mode.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithSkewTolerance keeps an access token usable this long past its expiry
// claim, absorbing clock differences with the server. Defaults to zero.
func WithSkewTolerance(d time.Duration) Option {
	return func(c *Client) { c.skew = d }
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithEventPublisher subscribes the hosting application to session events.
func WithEventPublisher(pub EventPublisher) Option {
	return func(c *Client) { c.publisher = pub }
}

// New creates a client for the admin API at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("apiclient: base URL is not set")
	}
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("apiclient: invalid base URL %q", baseURL)
	}

	c := &Client{
		baseURL:    u,
		mode:       AuthModeBearer,
		store:      NewMemoryCredentialStore(),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.mode != AuthModeBearer && c.mode != AuthModeSigned {
		return nil, fmt.Errorf("apiclient: unknown credential mode %q", c.mode)
	}

	c.refresher = &refresher{
		endpoint:   c.resolve(refreshPath).String(),
		store:      c.store,
		httpClient: c.httpClient,
		skew:       c.skew,
		logger:     c.logger,
		publisher:  c.publisher,
	}
	return c, nil
}

// NewFromConfig creates a client from an environment-level Config. Options
// are applied after the config and win on conflict.
func NewFromConfig(cfg Config, opts ...Option) (*Client, error) {
	base := make([]Option, 0, len(opts)+2)
	if cfg.APIKey != "" {
		base = append(base, WithAPIKey(cfg.APIKey))
	}
	if cfg.CredentialMode != "" {
		base = append(base, WithAuthMode(cfg.CredentialMode))
	}
	return New(cfg.BaseURL, append(base, opts...)...)
}

// BaseURL returns the API base URL this client is configured for.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// Mode returns the configured auth mode.
func (c *Client) Mode() AuthMode {
	return c.mode
}

// EnsureFresh returns a currently valid credential, refreshing first when the
// stored access token has expired. Concurrent callers share a single refresh
// exchange.
func (c *Client) EnsureFresh(ctx context.Context) (*Credential, error) {
	return c.refresher.EnsureFresh(ctx)
}

// Refresh forces a refresh exchange even when the stored access token is
// still valid, for callers that know the token was revoked server-side.
// Concurrent callers share a single exchange.
func (c *Client) Refresh(ctx context.Context) (*Credential, error) {
	return c.refresher.Refresh(ctx)
}

// resolve joins a path (optionally with query) against the base URL.
func (c *Client) resolve(path string) *url.URL {
	ref, err := url.Parse(path)
	if err != nil {
		// Fall back to treating the whole string as a path.
		ref = &url.URL{Path: path}
	}
	return c.baseURL.ResolveReference(ref)
}

// Request performs an authenticated API call and returns the unwrapped
// payload. body, when non-nil, is serialized as JSON.
func (c *Client) Request(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("apiclient: encode request body: %w", err)
		}
	}
	return c.send(ctx, requestSpec{
		method:      method,
		url:         c.resolve(path),
		body:        payload,
		contentType: "application/json",
	})
}

// Do performs Request and unmarshals the payload into out. out may be nil to
// discard the payload.
func (c *Client) Do(ctx context.Context, method, path string, body, out any) error {
	raw, err := c.Request(ctx, method, path, body)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return wrapError(KindMalformedResponse, "decode response payload", err)
	}
	return nil
}

// PostMultipart sends a multipart form body. Multipart bodies have no
// canonical serialization, so in signed mode they are exempt from signing and
// carry the API key header alone; this is a deliberate reduced-assurance
// path. contentType must be the writer's FormDataContentType.
func (c *Client) PostMultipart(ctx context.Context, path, contentType string, body []byte) (json.RawMessage, error) {
	return c.send(ctx, requestSpec{
		method:      http.MethodPost,
		url:         c.resolve(path),
		body:        body,
		contentType: contentType,
		multipart:   true,
	})
}

// requestSpec describes one logical request. The retry bookkeeping lives in
// send's attempt counter, never on the requestSpec or the transport, so
// unrelated concurrent requests are each retried independently.
type requestSpec struct {
	method      string
	url         *url.URL
	body        []byte
	contentType string
	multipart   bool
}

// send runs the pipeline for one logical request: attach credentials,
// dispatch, unwrap. A 401 or 403 in bearer mode triggers one forced refresh
// and one resend; a second rejection ends the session.
func (c *Client) send(ctx context.Context, spec requestSpec) (json.RawMessage, error) {
	requestID := uuid.NewString()
	for attempt := 0; attempt < 2; attempt++ {
		req, err := c.newHTTPRequest(ctx, spec)
		if err != nil {
			return nil, err
		}
		if err := c.authorize(ctx, req, spec); err != nil {
			return nil, err
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, wrapError(KindNetworkUnavailable, "request did not reach the server", err)
		}
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		resp.Body.Close()
		if readErr != nil {
			return nil, wrapError(KindNetworkUnavailable, "read response", readErr)
		}

		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			if c.mode != AuthModeBearer {
				// No session to recover in signed mode.
				return nil, serverRejectedError(resp.StatusCode, body)
			}
			if attempt == 0 {
				c.logger.Debug("request rejected, refreshing credential",
					"request_id", requestID, "status", resp.StatusCode)
				if _, err := c.refresher.Refresh(ctx); err != nil {
					return nil, err
				}
				continue
			}
			c.logger.Warn("request rejected after refresh, ending session",
				"request_id", requestID, "status", resp.StatusCode)
			return nil, c.escalateAuthFailure(resp.StatusCode)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, serverRejectedError(resp.StatusCode, body)
		}
		return unwrapEnvelope(body)
	}
	// Unreachable: the second pass always returns.
	return nil, newError(KindServerRejected, "request attempts exhausted")
}

func (c *Client) newHTTPRequest(ctx context.Context, spec requestSpec) (*http.Request, error) {
	var reader io.Reader
	if spec.body != nil {
		reader = bytes.NewReader(spec.body)
	}
	req, err := http.NewRequestWithContext(ctx, spec.method, spec.url.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("apiclient: build request: %w", err)
	}
	if spec.contentType != "" && spec.body != nil {
		req.Header.Set("Content-Type", spec.contentType)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// authorize decorates the request for the configured auth mode.
func (c *Client) authorize(ctx context.Context, req *http.Request, spec requestSpec) error {
	switch c.mode {
	case AuthModeSigned:
		if c.apiKey == "" {
			return newError(KindSigningMisconfigured, "signed mode selected but no API key configured")
		}
		req.Header.Set(HeaderAPIKey, c.apiKey)
		if spec.multipart {
			return nil
		}
		sig := Sign(spec.method, spec.url.RequestURI(), spec.body, c.apiKey, time.Now())
		req.Header.Set(HeaderTimestamp, sig.Timestamp)
		req.Header.Set(HeaderSignature, sig.Signature)
		return nil
	default:
		cred, err := c.refresher.EnsureFresh(ctx)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+cred.AccessToken)
		return nil
	}
}

// escalateAuthFailure ends the session after a rejection that survived one
// refresh-and-retry.
func (c *Client) escalateAuthFailure(statusCode int) error {
	cred, _ := c.store.Get()
	c.refresher.expireSession(cred)
	return &Error{
		Kind:       KindAuthenticationExpired,
		Message:    "authentication rejected after refresh",
		StatusCode: statusCode,
	}
}

// bare dispatches a request outside the session pipeline: no refresh, no
// bearer attachment, no retry. Signed-mode decoration still applies, matching
// how the console signed its login posts. Used by the session controller.
func (c *Client) bare(ctx context.Context, method, path string, body []byte, authorization string) (int, []byte, error) {
	spec := requestSpec{
		method:      method,
		url:         c.resolve(path),
		body:        body,
		contentType: "application/json",
	}
	req, err := c.newHTTPRequest(ctx, spec)
	if err != nil {
		return 0, nil, err
	}
	if c.mode == AuthModeSigned {
		if c.apiKey == "" {
			return 0, nil, newError(KindSigningMisconfigured, "signed mode selected but no API key configured")
		}
		req.Header.Set(HeaderAPIKey, c.apiKey)
		sig := Sign(method, spec.url.RequestURI(), body, c.apiKey, time.Now())
		req.Header.Set(HeaderTimestamp, sig.Timestamp)
		req.Header.Set(HeaderSignature, sig.Signature)
	}
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, wrapError(KindNetworkUnavailable, "request did not reach the server", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, wrapError(KindNetworkUnavailable, "read response", err)
	}
	return resp.StatusCode, respBody, nil
}
