package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// DefaultTokenTTL is how long a freshly issued session token is reused.
const DefaultTokenTTL = 25 * time.Minute

// Token is a session token and the instant the cache stops handing it out.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Authenticator exchanges the client's credentials for a new session token.
type Authenticator interface {
	Authenticate(ctx context.Context) (string, error)
}

// AuthenticatorFunc adapts an ordinary function to Authenticator.
type AuthenticatorFunc func(ctx context.Context) (string, error)

// Authenticate calls f(ctx).
func (f AuthenticatorFunc) Authenticate(ctx context.Context) (string, error) { return f(ctx) }

// TokenCache holds the current session token and collapses concurrent
// authentications into a single call. Safe for concurrent use.
type TokenCache struct {
	auth    Authenticator
	ttl     time.Duration
	now     func() time.Time
	logger  *zap.Logger
	metrics *Metrics

	// guarded by mu; epoch counts successful authentications
	mu    sync.RWMutex
	token Token
	epoch uint64

	flight singleflight.Group
}

// NewTokenCache creates a cache that obtains tokens from auth and reuses each
// for ttl (DefaultTokenTTL when zero).
func NewTokenCache(auth Authenticator, ttl time.Duration) *TokenCache {
	return newTokenCache(auth, ttl, time.Now, zap.NewNop(), nil)
}

func newTokenCache(auth Authenticator, ttl time.Duration, now func() time.Time, logger *zap.Logger, m *Metrics) *TokenCache {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenCache{auth: auth, ttl: ttl, now: now, logger: logger, metrics: m}
}

// Get returns the cached token while it is unexpired, authenticating first
// when the cache is empty or stale.
func (tc *TokenCache) Get(ctx context.Context) (string, error) {
	if tok, ok := tc.Snapshot(); ok {
		return tok.Value, nil
	}
	res, err := tc.authenticate(ctx)
	if err != nil {
		return "", err
	}
	return res.token.Value, nil
}

// ForceRefresh discards the cached token, even an unexpired one, and
// authenticates again. Use it only after the server rejected the token.
func (tc *TokenCache) ForceRefresh(ctx context.Context) (string, error) {
	tc.metrics.forcedRefresh()

	stale := tc.invalidate()
	res, err := tc.authenticate(ctx)
	if err != nil {
		return "", err
	}
	// A flight that passed its expiry check before the invalidation can hand
	// back the rejected token; run one more flight against the now-empty cache.
	if res.epoch <= stale {
		tc.invalidate()
		if res, err = tc.authenticate(ctx); err != nil {
			return "", err
		}
	}
	return res.token.Value, nil
}

// Snapshot returns a copy of the cached token and whether it is still valid.
func (tc *TokenCache) Snapshot() (Token, bool) {
	r, ok := tc.current()
	return r.token, ok
}

// issued is a token together with the authentication epoch that produced it.
type issued struct {
	token Token
	epoch uint64
}

func (tc *TokenCache) current() (issued, bool) {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	r := issued{token: tc.token, epoch: tc.epoch}
	return r, tc.token.Value != "" && tc.now().Before(tc.token.ExpiresAt)
}

// invalidate clears the token and returns the epoch it belonged to.
func (tc *TokenCache) invalidate() uint64 {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.token = Token{}
	return tc.epoch
}

// authenticate runs at most one Authenticator call at a time; every caller
// that arrives while it is in flight shares its result or its error. The
// flight is detached from the first caller's cancellation so that one
// impatient caller cannot fail the others.
func (tc *TokenCache) authenticate(ctx context.Context) (issued, error) {
	ch := tc.flight.DoChan("authenticate", func() (any, error) {
		if r, ok := tc.current(); ok {
			return r, nil
		}

		start := tc.now()
		value, err := tc.auth.Authenticate(context.WithoutCancel(ctx))
		if err == nil && value == "" {
			err = &AuthError{Reason: "empty token"}
		}
		if err != nil {
			tc.metrics.authenticated(false)
			if !errors.Is(err, ErrAuthenticationFailed) {
				err = &AuthError{Reason: "authenticator error", Err: err}
			}
			tc.logger.Warn("authentication failed", zap.Error(err))
			return nil, err
		}

		tok := Token{Value: value, ExpiresAt: tc.now().Add(tc.ttl)}
		tc.mu.Lock()
		tc.epoch++
		tc.token = tok
		r := issued{token: tok, epoch: tc.epoch}
		tc.mu.Unlock()

		tc.metrics.authenticated(true)
		tc.logger.Info("authenticated",
			zap.Time("expires_at", tok.ExpiresAt),
			zap.Duration("latency", tc.now().Sub(start)),
		)
		return r, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return issued{}, res.Err
		}
		return res.Val.(issued), nil
	case <-ctx.Done():
		return issued{}, ctx.Err()
	}
}

// TokenSource adapts the cache to oauth2.TokenSource for inspecting the
// session token and its expiry. It is not meant for oauth2.Transport: the IPW
// API reads the token from the query string, never from an Authorization
// header.
func (tc *TokenCache) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &cacheTokenSource{ctx: ctx, tc: tc}
}

type cacheTokenSource struct {
	ctx context.Context
	tc  *TokenCache
}

func (s *cacheTokenSource) Token() (*oauth2.Token, error) {
	r, ok := s.tc.current()
	if !ok {
		var err error
		if r, err = s.tc.authenticate(s.ctx); err != nil {
			return nil, err
		}
	}
	tok := r.token
	return &oauth2.Token{
		AccessToken: tok.Value,
		Expiry:      tok.ExpiresAt,
	}, nil
}
