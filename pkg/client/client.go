package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/jmerrifield20/ipwbridge/pkg/signer"
)

// DefaultTimeout bounds each HTTP exchange when no http.Client is supplied.
const DefaultTimeout = 30 * time.Second

const defaultMaxResponseSize = 8 << 20 // 8 MB

// Credential identifies the account the client signs in as.
type Credential struct {
	Username string
	Password string
	Secret   string // shared checksum secret; never sent on the wire
	BaseURL  string // e.g. https://ipw.example.com/api/
}

// Client is the IPW API entry point. Safe for concurrent use; the session
// token is shared by every request made through the same Client.
type Client struct {
	cred       Credential
	base       string
	httpClient *http.Client
	timeout    time.Duration
	limiter    *rate.Limiter
	tokens     *TokenCache
	auth       Authenticator
	ttl        time.Duration
	now        func() time.Time
	logger     *zap.Logger
	metrics    *Metrics

	maxResponseSize int64
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client. WithTimeout is ignored when set.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		if hc == nil {
			return fmt.Errorf("%w: nil http.Client", ErrInvalidArgument)
		}
		c.httpClient = hc
		return nil
	}
}

// WithTimeout sets the per-exchange timeout of the default http.Client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("%w: timeout must be positive", ErrInvalidArgument)
		}
		c.timeout = d
		return nil
	}
}

// WithLogger attaches a zap logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) error {
		if l != nil {
			c.logger = l
		}
		return nil
	}
}

// WithMetrics records request and authentication metrics into m.
func WithMetrics(m *Metrics) Option {
	return func(c *Client) error {
		c.metrics = m
		return nil
	}
}

// WithRateLimit caps outgoing requests, authentication included, at rps
// with the given burst. rps <= 0 disables limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) error {
		if rps <= 0 {
			c.limiter = nil
			return nil
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		return nil
	}
}

// WithTokenTTL overrides DefaultTokenTTL.
func WithTokenTTL(ttl time.Duration) Option {
	return func(c *Client) error {
		if ttl <= 0 {
			return fmt.Errorf("%w: token TTL must be positive", ErrInvalidArgument)
		}
		c.ttl = ttl
		return nil
	}
}

// WithClock replaces time.Now for token expiry. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Client) error {
		if now != nil {
			c.now = now
		}
		return nil
	}
}

// WithAuthenticator replaces the built-in authenticate call.
func WithAuthenticator(a Authenticator) Option {
	return func(c *Client) error {
		c.auth = a
		return nil
	}
}

// WithMaxResponseSize limits how many response bytes are read per request.
func WithMaxResponseSize(n int64) Option {
	return func(c *Client) error {
		if n <= 0 {
			return fmt.Errorf("%w: max response size must be positive", ErrInvalidArgument)
		}
		c.maxResponseSize = n
		return nil
	}
}

// New creates a Client for cred.
//
//	c, err := client.New(client.Credential{
//	    Username: "svc-bridge",
//	    Password: os.Getenv("IPW_PASSWORD"),
//	    Secret:   os.Getenv("IPW_CHECKSUM_SECRET"),
//	    BaseURL:  "https://ipw.example.com/api/",
//	}, client.WithLogger(logger))
func New(cred Credential, opts ...Option) (*Client, error) {
	base, err := normalizeBaseURL(cred.BaseURL)
	if err != nil {
		return nil, err
	}
	c := &Client{
		cred:            cred,
		base:            base,
		timeout:         DefaultTimeout,
		ttl:             DefaultTokenTTL,
		now:             time.Now,
		logger:          zap.NewNop(),
		maxResponseSize: defaultMaxResponseSize,
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: c.timeout}
	}
	if c.auth == nil {
		c.auth = &httpAuthenticator{c: c}
	}
	c.tokens = newTokenCache(c.auth, c.ttl, c.now, c.logger.Named("tokens"), c.metrics)
	return c, nil
}

// MustNew is like New but panics on error. Useful in tests and program init.
func MustNew(cred Credential, opts ...Option) *Client {
	c, err := New(cred, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// Tokens returns the client's token cache.
func (c *Client) Tokens() *TokenCache { return c.tokens }

func normalizeBaseURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("%w: base URL: %v", ErrInvalidArgument, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: base URL %q must be an absolute http(s) URL", ErrInvalidArgument, raw)
	}
	u.RawQuery, u.Fragment = "", ""
	s := u.String()
	if !strings.HasSuffix(s, "/") {
		s += "/"
	}
	return s, nil
}

func (c *Client) endpointURL(endpoint string, p signer.Params) string {
	return c.base + endpoint + "?" + p.Encode()
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

// --- request pipeline ---

// call describes one logical API operation. It is rebuilt from scratch, with
// a fresh token and signature, on every attempt.
type call struct {
	endpoint string
	method   string
	params   signer.Params // signed; token and checksum are added per attempt
	extra    signer.Params // signed, placed after the token
	signBody []byte        // JSON body folded into the signature

	// body returns a fresh request body and its content type.
	body func() (io.Reader, string)
}

type outcome int

const (
	outcomeOK outcome = iota
	outcomeRefresh
	outcomeFatal
)

// result is the classification of a single attempt.
type result struct {
	outcome outcome
	status  int
	body    []byte
	err     error
}

// execute runs cl with the cached token and, if the server reports the token
// as unknown, once more after a forced re-authentication.
func (c *Client) execute(ctx context.Context, cl call) (json.RawMessage, error) {
	token, err := c.tokens.Get(ctx)
	if err != nil {
		return nil, err
	}

	refreshed := false
	for {
		res := c.attempt(ctx, cl, token)
		switch res.outcome {
		case outcomeOK:
			return json.RawMessage(res.body), nil
		case outcomeFatal:
			return nil, res.err
		}

		if refreshed {
			c.logger.Warn("session token rejected after refresh", zap.String("endpoint", cl.endpoint))
			return nil, &AuthError{
				Status: res.status,
				Body:   string(res.body),
				Reason: "token rejected after refresh",
			}
		}
		c.logger.Warn("session token rejected; re-authenticating", zap.String("endpoint", cl.endpoint))
		if token, err = c.tokens.ForceRefresh(ctx); err != nil {
			return nil, err
		}
		refreshed = true
	}
}

func (c *Client) attempt(ctx context.Context, cl call, token string) result {
	req, err := c.build(ctx, cl, token)
	if err != nil {
		return result{outcome: outcomeFatal, err: err}
	}
	if err := c.wait(ctx); err != nil {
		return result{outcome: outcomeFatal, err: fmt.Errorf("%s: rate limit: %w", cl.endpoint, err)}
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.request(cl.endpoint, "transport_error", time.Since(start))
		return result{outcome: outcomeFatal, err: fmt.Errorf("%s: HTTP request failed: %w", cl.endpoint, err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxResponseSize))
	if err != nil {
		c.metrics.request(cl.endpoint, "transport_error", time.Since(start))
		return result{outcome: outcomeFatal, err: fmt.Errorf("%s: read response: %w", cl.endpoint, err)}
	}

	res := classify(cl.endpoint, resp.StatusCode, body)
	latency := time.Since(start)
	c.metrics.request(cl.endpoint, res.outcome.String(), latency)
	c.logger.Debug("request completed",
		zap.String("endpoint", cl.endpoint),
		zap.Int("status", resp.StatusCode),
		zap.Duration("latency", latency),
	)
	return res
}

func (c *Client) build(ctx context.Context, cl call, token string) (*http.Request, error) {
	p := cl.params.Clone()
	p.Add("token", token)
	p = append(p, cl.extra...)

	sum, err := signer.Sign(p, c.cred.Secret, cl.signBody)
	if err != nil {
		return nil, err
	}
	p.Add("checksum", sum)

	var (
		body        io.Reader
		contentType string
	)
	if cl.body != nil {
		body, contentType = cl.body()
	}
	req, err := http.NewRequestWithContext(ctx, cl.method, c.endpointURL(cl.endpoint, p), body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// classify maps an HTTP response to the retry policy's outcome.
func classify(endpoint string, status int, body []byte) result {
	switch {
	case status >= 200 && status < 300:
		if !json.Valid(body) {
			return result{outcome: outcomeFatal, status: status, body: body,
				err: fmt.Errorf("%s: %w", endpoint, ErrInvalidResponse)}
		}
		return result{outcome: outcomeOK, status: status, body: body}
	case strings.Contains(string(body), tokenRejectedMarker):
		return result{outcome: outcomeRefresh, status: status, body: body}
	default:
		return result{outcome: outcomeFatal, status: status, body: body,
			err: &RemoteError{Endpoint: endpoint, Status: status, Body: string(body)}}
	}
}

func (o outcome) String() string {
	switch o {
	case outcomeOK:
		return "ok"
	case outcomeRefresh:
		return "token_rejected"
	default:
		return "error"
	}
}
