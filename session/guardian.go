// Package session guards the one authenticated Teams session the keep-alive
// loop runs on. The guardian owns the cached SessionHandle outright: callers
// borrow it for a single presence call and never hold it across ticks.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/alwaysgreen/go-teams-keepalive/credentials"
	"github.com/alwaysgreen/go-teams-keepalive/msauth"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Exchanger is the slice of the authenticator the guardian needs.
type Exchanger interface {
	Authenticate(ctx context.Context, cred credentials.Credential) (*msauth.SessionHandle, error)
	Refresh(ctx context.Context, cred credentials.Credential, handle *msauth.SessionHandle) (*msauth.SessionHandle, error)
}

const refreshKey = "refresh"

// Guardian hands out a valid session, re-authenticating behind the scenes
// when the cached one is inside its expiry margin. Retry policy lives with
// the scheduler: transient failures surface to the caller untouched, so
// there is exactly one backoff authority in the process.
//
// A fatal authentication failure (bad credential, MFA challenge) latches the
// guardian permanently; every later call fails immediately with the same
// error instead of issuing doomed network calls.
type Guardian struct {
	exchanger Exchanger
	cred      credentials.Credential
	margin    time.Duration
	nowTime   func() time.Time
	logger    zerolog.Logger

	lock   sync.Mutex
	cached *msauth.SessionHandle
	fatal  error

	group singleflight.Group
}

// Option defines a function type to modify the Guardian instance.
type Option func(*Guardian)

// WithSafetyMargin sets how long before token expiry the guardian stops
// trusting a cached session. Keep it >= 60s to absorb clock skew.
func WithSafetyMargin(margin time.Duration) Option {
	return func(g *Guardian) {
		g.margin = margin
	}
}

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) Option {
	return func(g *Guardian) {
		g.nowTime = nowFunc
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(g *Guardian) {
		g.logger = logger
	}
}

// NewGuardian creates a Guardian for a single credential.
func NewGuardian(exchanger Exchanger, cred credentials.Credential, options ...Option) (*Guardian, error) {
	if exchanger == nil {
		return nil, errors.New("[NewGuardian] exchanger is required")
	}
	if err := cred.Validate(); err != nil {
		return nil, errors.Wrap(err, "[NewGuardian] credential")
	}

	guardian := &Guardian{
		exchanger: exchanger,
		cred:      cred,
		margin:    time.Minute,
		nowTime:   time.Now,
		logger:    zerolog.Nop(),
	}
	for _, opt := range options {
		opt(guardian)
	}
	return guardian, nil
}

// GetValidSession returns a session guaranteed to outlive the safety margin.
// A cached session inside its window is returned without any network call.
// Concurrent callers during a refresh collapse onto the same in-flight
// attempt; duplicate sign-ins would show up as separate sessions on the
// account and can trip security alerting.
func (g *Guardian) GetValidSession(ctx context.Context) (*msauth.SessionHandle, error) {
	g.lock.Lock()
	if g.fatal != nil {
		defer g.lock.Unlock()
		return nil, g.fatal
	}
	if g.cached.ValidAt(g.nowTime(), g.margin) {
		defer g.lock.Unlock()
		return g.cached, nil
	}
	g.lock.Unlock()

	result, err, _ := g.group.Do(refreshKey, func() (any, error) {
		return g.renew(ctx)
	})
	if err != nil {
		return nil, err
	}
	return result.(*msauth.SessionHandle), nil
}

// Invalidate drops the cached session. The next GetValidSession call will
// authenticate again. Used when the presence service stops accepting the
// token before its declared expiry.
func (g *Guardian) Invalidate() {
	g.lock.Lock()
	defer g.lock.Unlock()
	g.cached = nil
}

// FatalError returns the error that latched the guardian, or nil while
// authentication can still succeed. The process uses it to exit non-zero
// when the loop halted on a credential that will never work.
func (g *Guardian) FatalError() error {
	g.lock.Lock()
	defer g.lock.Unlock()
	return g.fatal
}

// renew runs inside the singleflight group, so at most one authentication
// attempt is on the wire at any time.
func (g *Guardian) renew(ctx context.Context) (*msauth.SessionHandle, error) {
	g.lock.Lock()
	if g.fatal != nil {
		defer g.lock.Unlock()
		return nil, g.fatal
	}
	cached := g.cached
	now := g.nowTime()
	g.lock.Unlock()

	// A caller queued behind a completed refresh sees the fresh session here.
	if cached.ValidAt(now, g.margin) {
		return cached, nil
	}

	if cached != nil && cached.RefreshToken != "" {
		handle, err := g.exchanger.Refresh(ctx, g.cred, cached)
		if err == nil {
			g.store(handle)
			g.logger.Debug().Time("expires_at", handle.ExpiresAt).Msg("session renewed via refresh token")
			return handle, nil
		}
		g.logger.Debug().Err(err).Msg("refresh token renewal failed, falling back to full sign-in")
	}

	handle, err := g.exchanger.Authenticate(ctx, g.cred)
	if err != nil {
		var authErr *msauth.AuthError
		if errors.As(err, &authErr) && authErr.Fatal() {
			g.lock.Lock()
			g.fatal = err
			g.cached = nil
			g.lock.Unlock()
			g.logger.Error().Str("kind", string(authErr.Kind)).Msg("authentication permanently failed")
		}
		return nil, err
	}

	g.store(handle)
	g.logger.Info().Time("expires_at", handle.ExpiresAt).Msg("session established")
	return handle, nil
}

func (g *Guardian) store(handle *msauth.SessionHandle) {
	g.lock.Lock()
	defer g.lock.Unlock()
	g.cached = handle
}
