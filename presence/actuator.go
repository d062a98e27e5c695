// Package presence issues the periodic presence touch that keeps the Teams
// availability indicator pinned. One call per tick, idempotent, and nothing
// else on the account is ever modified.
package presence

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/alwaysgreen/go-teams-keepalive/credentials"
	"github.com/alwaysgreen/go-teams-keepalive/internal/config"
	"github.com/alwaysgreen/go-teams-keepalive/msauth"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Presence hosts per account class. Consumer and organizational accounts
// live on different presence clusters.
const (
	defaultConsumerBase      = "https://presence.teams.live.com"
	defaultOrgBase           = "https://presence.teams.microsoft.com"
	defaultConsumerAuthzBase = "https://teams.live.com"
)

const forceAvailabilityPath = "/v1/me/forceavailability"

// Outcome is what a single presence touch came to. Auth failures are the
// session guardian's concern: a 401 mid-call means the session went stale,
// which is reported as a network error with Unauthorized set so the
// scheduler fetches a fresh session next tick.
type Outcome string

const (
	Success      Outcome = "success"
	NetworkError Outcome = "network_error"
	RateLimited  Outcome = "rate_limited"
)

// Result is consumed immediately by the scheduler's backoff decision and
// not retained.
type Result struct {
	Outcome      Outcome
	RetryAfter   time.Duration // server-supplied hint, only on RateLimited
	Unauthorized bool          // the session was no longer accepted
	At           time.Time
}

// Actuator performs the presence-refresh call. Safe for concurrent use,
// though the scheduler never overlaps ticks.
type Actuator struct {
	httpClient        *http.Client
	consumerBase      string
	orgBase           string
	consumerAuthzBase string
	availability      string
	activity          string
	deviceType        string
	nowTime           func() time.Time
	logger            zerolog.Logger

	// Consumer presence additionally wants a skype token minted from the
	// session's bearer. Cached per access token.
	skypeLock     sync.Mutex
	skypeToken    string
	skypeMintedBy string
}

// Option defines a function type to modify the Actuator instance.
type Option func(*Actuator)

func WithHTTPClient(client *http.Client) Option {
	return func(a *Actuator) {
		a.httpClient = client
	}
}

// WithBaseURLs points the actuator at different presence hosts (primarily
// for testing).
func WithBaseURLs(consumerBase, orgBase string) Option {
	return func(a *Actuator) {
		a.consumerBase = consumerBase
		a.orgBase = orgBase
	}
}

// WithConsumerAuthzBase points the consumer skype-token exchange at a
// different host (primarily for testing).
func WithConsumerAuthzBase(base string) Option {
	return func(a *Actuator) {
		a.consumerAuthzBase = base
	}
}

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) Option {
	return func(a *Actuator) {
		a.nowTime = nowFunc
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(a *Actuator) {
		a.logger = logger
	}
}

func New(cfg config.PresenceConfig, options ...Option) *Actuator {
	actuator := &Actuator{
		httpClient:        http.DefaultClient,
		consumerBase:      defaultConsumerBase,
		orgBase:           defaultOrgBase,
		consumerAuthzBase: defaultConsumerAuthzBase,
		availability:      cfg.GetAvailability(),
		activity:          cfg.GetActivity(),
		deviceType:        cfg.GetDeviceType(),
		nowTime:           time.Now,
		logger:            zerolog.Nop(),
	}
	for _, opt := range options {
		opt(actuator)
	}
	return actuator
}

// Touch re-asserts the configured availability against the presence
// service. One idempotent call; the session handle must still be inside its
// validity window when it arrives here.
func (a *Actuator) Touch(ctx context.Context, handle *msauth.SessionHandle) Result {
	now := a.nowTime()

	req, err := a.buildRequest(ctx, handle)
	if err != nil {
		a.logger.Warn().Err(err).Msg("presence request could not be built")
		return Result{Outcome: NetworkError, At: now}
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		a.logger.Warn().Err(err).Msg("presence touch failed on the wire")
		return Result{Outcome: NetworkError, At: now}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return Result{Outcome: Success, At: now}

	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"), now)
		a.logger.Warn().Dur("retry_after", retryAfter).Msg("presence service throttled the touch")
		return Result{Outcome: RateLimited, RetryAfter: retryAfter, At: now}

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		// Stale session, not our error class. Drop the skype token minted
		// from it as well.
		a.dropSkypeToken(handle.AccessToken)
		a.logger.Warn().Int("status", resp.StatusCode).Msg("presence service no longer accepts the session")
		return Result{Outcome: NetworkError, Unauthorized: true, At: now}
	}

	a.logger.Warn().Int("status", resp.StatusCode).Msg("presence touch rejected")
	return Result{Outcome: NetworkError, At: now}
}

func (a *Actuator) buildRequest(ctx context.Context, handle *msauth.SessionHandle) (*http.Request, error) {
	base := a.orgBase
	if handle.AccountType == credentials.MicrosoftAccount {
		base = a.consumerBase
	}

	body, err := json.Marshal(map[string]string{
		"activity":     a.activity,
		"availability": a.availability,
		"deviceType":   a.deviceType,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, base+forceAvailabilityPath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+handle.AccessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("client-request-id", uuid.NewString())

	if handle.AccountType == credentials.MicrosoftAccount {
		skypeToken, err := a.consumerSkypeToken(ctx, handle)
		if err != nil {
			return nil, err
		}
		req.Header.Set("x-ms-client-consumer-type", "teams4life")
		req.Header.Set("x-skypetoken", skypeToken)
	}
	return req, nil
}

// consumerSkypeToken exchanges the session bearer for a skype token at the
// consumer authz endpoint, caching it for the lifetime of the bearer.
func (a *Actuator) consumerSkypeToken(ctx context.Context, handle *msauth.SessionHandle) (string, error) {
	a.skypeLock.Lock()
	if a.skypeMintedBy == handle.AccessToken && a.skypeToken != "" {
		defer a.skypeLock.Unlock()
		return a.skypeToken, nil
	}
	a.skypeLock.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.consumerAuthzBase+"/api/auth/v1.0/authz/consumer", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+handle.AccessToken)
	req.Header.Set("ms-teams-authz-type", "ExplicitLogin")
	req.Header.Set("client-request-id", uuid.NewString())

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("authz endpoint returned %d", resp.StatusCode)
	}

	// The authz response has carried the token under two different shapes
	// across service versions; accept both.
	var payload struct {
		SkypeToken struct {
			SkypeToken string `json:"skypetoken"`
		} `json:"skypeToken"`
		Tokens struct {
			SkypeToken string `json:"skypeToken"`
		} `json:"tokens"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", err
	}

	skypeToken := payload.SkypeToken.SkypeToken
	if skypeToken == "" {
		skypeToken = payload.Tokens.SkypeToken
	}
	if skypeToken == "" {
		return "", fmt.Errorf("authz response carried no skype token")
	}

	a.skypeLock.Lock()
	a.skypeToken = skypeToken
	a.skypeMintedBy = handle.AccessToken
	a.skypeLock.Unlock()
	return skypeToken, nil
}

func (a *Actuator) dropSkypeToken(accessToken string) {
	a.skypeLock.Lock()
	defer a.skypeLock.Unlock()
	if a.skypeMintedBy == accessToken {
		a.skypeToken = ""
		a.skypeMintedBy = ""
	}
}

// parseRetryAfter handles both forms the header may take: delta seconds or
// an HTTP date. Anything else yields no hint.
func parseRetryAfter(value string, now time.Time) time.Duration {
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
