// Package msauth negotiates Teams sessions against the Microsoft identity
// platform. A credential's account type selects one of two mutually
// exclusive flows: consumer Microsoft accounts authenticate against the
// fixed consumer tenant, organizational accounts against the tenant that
// homes their email domain. Both are resource-owner password grants; the
// identity service owns the wire shapes and we depend only on token +
// expiry coming back.
package msauth

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwaysgreen/go-teams-keepalive/credentials"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"
)

const defaultAuthorityBase = "https://login.microsoftonline.com"

// Client IDs and scopes of the Teams clients each account class signs in
// as. The consumer tenant is the fixed home of all personal Microsoft
// accounts.
const (
	consumerTenant   = "9188040d-6c67-4c5b-b112-36a304b66dad"
	consumerClientID = "8ec6bc83-69c8-4392-8f08-b3c986009232"
	consumerScope    = "service::api.fl.spaces.skype.com::MBI_SSL"

	orgClientID = "1fec8e78-bce4-4aaf-ab1b-5451cc387264"
	orgScope    = "https://api.spaces.skype.com/.default"
)

// Authenticator exchanges a credential for a SessionHandle. It is stateless
// apart from a resolved-tenant cache and is safe for concurrent use, though
// the session guardian already serialises calls into it.
type Authenticator struct {
	httpClient    *http.Client
	authorityBase string
	discoveryBase string
	nowTime       func() time.Time

	tenantLock  sync.Mutex
	tenantCache map[string]string // tenant lookups already resolved, keyed by email

	endpointLock  sync.Mutex
	endpointCache map[string]oauth2.Endpoint // discovered endpoints, keyed by tenant
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithHTTPClient replaces the HTTP client used for every exchange.
func WithHTTPClient(client *http.Client) Option {
	return func(a *Authenticator) {
		a.httpClient = client
	}
}

// WithAuthorityBase points the token flows at a different identity
// authority (primarily for testing).
func WithAuthorityBase(base string) Option {
	return func(a *Authenticator) {
		a.authorityBase = base
	}
}

// WithDiscoveryBase points the account-type and tenant probes at a
// different discovery host (primarily for testing).
func WithDiscoveryBase(base string) Option {
	return func(a *Authenticator) {
		a.discoveryBase = base
	}
}

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) Option {
	return func(a *Authenticator) {
		a.nowTime = nowFunc
	}
}

func New(options ...Option) *Authenticator {
	a := &Authenticator{
		httpClient:    http.DefaultClient,
		authorityBase: defaultAuthorityBase,
		discoveryBase: defaultDiscoveryBase,
		nowTime:       time.Now,
		tenantCache:   make(map[string]string),
		endpointCache: make(map[string]oauth2.Endpoint),
	}
	for _, opt := range options {
		opt(a)
	}
	return a
}

// Authenticate performs the password grant for the credential's account
// type and returns a fresh session handle. Failures come back as
// *AuthError; only KindTransient ones are worth retrying.
func (a *Authenticator) Authenticate(ctx context.Context, cred credentials.Credential) (*SessionHandle, error) {
	if err := cred.Validate(); err != nil {
		return nil, &AuthError{Kind: KindInvalidCredentials, msg: "credential failed validation", cause: err}
	}

	cfg, err := a.oauthConfig(ctx, cred)
	if err != nil {
		return nil, err
	}

	token, err := cfg.PasswordCredentialsToken(a.clientContext(ctx), cred.Email, string(cred.Password))
	if err != nil {
		return nil, classifyTokenError(err)
	}
	return a.handleFromToken(token, cred.AccountType)
}

// Refresh renews a session via its refresh token. Refresh failures are
// never fatal on their own; the caller falls back to a full Authenticate
// and lets that call's classification decide.
func (a *Authenticator) Refresh(ctx context.Context, cred credentials.Credential, handle *SessionHandle) (*SessionHandle, error) {
	if handle == nil || handle.RefreshToken == "" {
		return nil, NewAuthError(KindTransient, "no refresh token held")
	}

	cfg, err := a.oauthConfig(ctx, cred)
	if err != nil {
		return nil, err
	}

	source := cfg.TokenSource(a.clientContext(ctx), &oauth2.Token{RefreshToken: handle.RefreshToken})
	token, err := source.Token()
	if err != nil {
		authErr := classifyTokenError(err)
		// A rejected refresh token just means the session is gone, not that
		// the credential is bad.
		if authErr.Kind == KindInvalidCredentials {
			return nil, NewAuthError(KindTransient, "refresh token no longer accepted")
		}
		return nil, authErr
	}
	return a.handleFromToken(token, cred.AccountType)
}

// oauthConfig builds the flow configuration for the credential's account
// type. The two flows must never be mixed.
func (a *Authenticator) oauthConfig(ctx context.Context, cred credentials.Credential) (*oauth2.Config, error) {
	switch cred.AccountType {
	case credentials.MicrosoftAccount:
		endpoint, err := a.discoverEndpoint(ctx, consumerTenant)
		if err != nil {
			return nil, &AuthError{Kind: KindTransient, msg: "token endpoint discovery failed", cause: err}
		}
		return &oauth2.Config{
			ClientID: consumerClientID,
			Endpoint: endpoint,
			Scopes:   []string{oidc.ScopeOpenID, oidc.ScopeOfflineAccess, "profile", consumerScope},
		}, nil

	case credentials.Organizational:
		tenantID, err := a.resolveTenant(ctx, cred.Email)
		if err != nil {
			return nil, &AuthError{Kind: KindTransient, msg: "tenant discovery failed", cause: err}
		}
		endpoint, err := a.discoverEndpoint(ctx, tenantID)
		if err != nil {
			return nil, &AuthError{Kind: KindTransient, msg: "token endpoint discovery failed", cause: err}
		}
		return &oauth2.Config{
			ClientID: orgClientID,
			Endpoint: endpoint,
			Scopes:   []string{oidc.ScopeOpenID, oidc.ScopeOfflineAccess, "profile", orgScope},
		}, nil
	}
	return nil, NewAuthError(KindInvalidCredentials, fmt.Sprintf("unsupported account type %q", cred.AccountType))
}

func (a *Authenticator) resolveTenant(ctx context.Context, email string) (string, error) {
	a.tenantLock.Lock()
	cached, ok := a.tenantCache[email]
	a.tenantLock.Unlock()
	if ok {
		return cached, nil
	}

	tenantID, err := a.tenantForEmail(ctx, email)
	if err != nil {
		return "", err
	}

	a.tenantLock.Lock()
	a.tenantCache[email] = tenantID
	a.tenantLock.Unlock()
	return tenantID, nil
}

// discoverEndpoint resolves a tenant's OAuth2 endpoints through OIDC
// discovery rather than assuming URL shapes. Resolved endpoints are cached
// per tenant so steady-state renewals make no discovery round trips.
func (a *Authenticator) discoverEndpoint(ctx context.Context, tenantID string) (oauth2.Endpoint, error) {
	a.endpointLock.Lock()
	cached, ok := a.endpointCache[tenantID]
	a.endpointLock.Unlock()
	if ok {
		return cached, nil
	}

	provider, err := oidc.NewProvider(oidc.ClientContext(ctx, a.httpClient), fmt.Sprintf("%s/%s/v2.0", a.authorityBase, tenantID))
	if err != nil {
		return oauth2.Endpoint{}, errors.Wrap(err, "[Authenticator.discoverEndpoint] oidc.NewProvider")
	}

	endpoint := provider.Endpoint()
	a.endpointLock.Lock()
	a.endpointCache[tenantID] = endpoint
	a.endpointLock.Unlock()
	return endpoint, nil
}

func (a *Authenticator) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, a.httpClient)
}

// handleFromToken turns a token response into a SessionHandle. Expiry comes
// from the response when declared, otherwise from the access token's own
// exp claim — never assumed.
func (a *Authenticator) handleFromToken(token *oauth2.Token, accountType credentials.AccountType) (*SessionHandle, error) {
	issuedAt := a.nowTime()

	expiresAt := token.Expiry
	if expiresAt.IsZero() {
		var err error
		expiresAt, err = tokenExpiry(token.AccessToken)
		if err != nil {
			return nil, &AuthError{Kind: KindTransient, msg: "token response carried no usable lifetime", cause: err}
		}
	}
	if !expiresAt.After(issuedAt) {
		return nil, NewAuthError(KindTransient, "token response already expired")
	}

	return &SessionHandle{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		IssuedAt:     issuedAt,
		ExpiresAt:    expiresAt,
		AccountType:  accountType,
	}, nil
}

// tokenExpiry reads the exp claim off the access token without verifying
// the signature. We are the party the token was issued to; the claim is
// only used locally to schedule the refresh.
func tokenExpiry(accessToken string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return time.Time{}, errors.Wrap(err, "parse access token")
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, errors.New("access token carries no exp claim")
	}
	return exp.Time, nil
}
