package msauth_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alwaysgreen/go-teams-keepalive/credentials"
	"github.com/alwaysgreen/go-teams-keepalive/msauth"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

const (
	testEmail    = "john.doe@example.com"
	testPassword = "password123"
	testTenantID = "72f988bf-86f1-41af-91ab-2d7cd011db47"

	consumerClientID = "8ec6bc83-69c8-4392-8f08-b3c986009232"
	orgClientID      = "1fec8e78-bce4-4aaf-ab1b-5451cc387264"
)

// tokenEndpointRecorder captures the form the authenticator posted to the
// token endpoint.
type tokenEndpointRecorder struct {
	calls          int
	discoveryCalls int
	grantType      string
	username       string
	password       string
	clientID       string
	scope          string
}

// newIdentityServer serves OIDC discovery plus a scriptable token endpoint
// for any tenant path.
func newIdentityServer(t *testing.T, rec *tokenEndpointRecorder, tokenHandler http.HandlerFunc) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	var server *httptest.Server

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/v2.0/.well-known/openid-configuration"):
			rec.discoveryCalls++
			tenant := strings.Trim(strings.TrimSuffix(r.URL.Path, "/v2.0/.well-known/openid-configuration"), "/")
			issuer := fmt.Sprintf("%s/%s/v2.0", server.URL, tenant)
			writeJSON(t, w, map[string]any{
				"issuer":                 issuer,
				"authorization_endpoint": issuer + "/oauth2/v2.0/authorize",
				"token_endpoint":         fmt.Sprintf("%s/%s/oauth2/v2.0/token", server.URL, tenant),
				"jwks_uri":               issuer + "/keys",
				"response_types_supported": []string{"code"},
				"subject_types_supported":  []string{"public"},
				"id_token_signing_alg_values_supported": []string{"RS256"},
			})

		case r.Method == http.MethodPost:
			require.NoError(t, r.ParseForm())
			rec.calls++
			rec.grantType = r.PostForm.Get("grant_type")
			rec.username = r.PostForm.Get("username")
			rec.password = r.PostForm.Get("password")
			rec.clientID = r.PostForm.Get("client_id")
			rec.scope = r.PostForm.Get("scope")
			tokenHandler(w, r)

		default:
			http.NotFound(w, r)
		}
	})

	server = httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func writeJSON(t *testing.T, w http.ResponseWriter, payload any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(payload))
}

func tokenResponse(accessToken, refreshToken string, expiresIn int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"token_type":    "Bearer",
			"access_token":  accessToken,
			"refresh_token": refreshToken,
			"expires_in":    expiresIn,
		})
	}
}

func oauthError(status int, errorCode, description string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"error":             errorCode,
			"error_description": description,
		})
	}
}

func consumerCredential() credentials.Credential {
	return credentials.Credential{
		Email:       testEmail,
		Password:    credentials.Secret(testPassword),
		AccountType: credentials.MicrosoftAccount,
	}
}

func orgCredential() credentials.Credential {
	cred := consumerCredential()
	cred.AccountType = credentials.Organizational
	return cred
}

func newAuthenticator(identityURL, discoveryURL string) *msauth.Authenticator {
	return msauth.New(
		msauth.WithAuthorityBase(identityURL),
		msauth.WithDiscoveryBase(discoveryURL),
	)
}

// newDiscoveryServer serves the account-type probe and the federation
// provider tenant lookup.
func newDiscoveryServer(t *testing.T, accountClass string) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/odc/v2.1/idp", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]string{"account": accountClass})
	})
	mux.HandleFunc("/odc/v2.1/federationprovider", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "example.com", r.URL.Query().Get("domain"))
		writeJSON(t, w, map[string]string{"tenantId": testTenantID})
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestAuthenticate_MicrosoftAccountFlow(t *testing.T) {
	rec := &tokenEndpointRecorder{}
	identity := newIdentityServer(t, rec, tokenResponse("access-1", "refresh-1", 3600))

	a := newAuthenticator(identity.URL, "unused")

	before := time.Now()
	handle, err := a.Authenticate(context.Background(), consumerCredential())
	require.NoError(t, err)

	require.Equal(t, "access-1", handle.AccessToken)
	require.Equal(t, "refresh-1", handle.RefreshToken)
	require.Equal(t, credentials.MicrosoftAccount, handle.AccountType)
	require.True(t, handle.ExpiresAt.After(handle.IssuedAt))
	require.WithinDuration(t, before.Add(time.Hour), handle.ExpiresAt, 10*time.Second)

	require.Equal(t, "password", rec.grantType)
	require.Equal(t, testEmail, rec.username)
	require.Equal(t, testPassword, rec.password)
	require.Equal(t, consumerClientID, rec.clientID)
	require.Contains(t, rec.scope, "service::api.fl.spaces.skype.com::MBI_SSL")
}

func TestAuthenticate_EndpointDiscoveryIsCached(t *testing.T) {
	rec := &tokenEndpointRecorder{}
	identity := newIdentityServer(t, rec, tokenResponse("access-1", "", 3600))

	a := newAuthenticator(identity.URL, "unused")

	_, err := a.Authenticate(context.Background(), consumerCredential())
	require.NoError(t, err)
	_, err = a.Authenticate(context.Background(), consumerCredential())
	require.NoError(t, err)

	require.Equal(t, 2, rec.calls)
	require.Equal(t, 1, rec.discoveryCalls, "endpoint metadata is fetched once per tenant")
}

func TestAuthenticate_OrganizationalFlowDiscoversTenant(t *testing.T) {
	rec := &tokenEndpointRecorder{}
	identity := newIdentityServer(t, rec, tokenResponse("access-org", "refresh-org", 1800))
	discovery := newDiscoveryServer(t, "OrgId")

	a := newAuthenticator(identity.URL, discovery.URL)

	handle, err := a.Authenticate(context.Background(), orgCredential())
	require.NoError(t, err)

	require.Equal(t, "access-org", handle.AccessToken)
	require.Equal(t, credentials.Organizational, handle.AccountType)
	require.Equal(t, orgClientID, rec.clientID)
	require.Contains(t, rec.scope, "https://api.spaces.skype.com/.default")
}

func TestAuthenticate_FlowsAreNotMixed(t *testing.T) {
	rec := &tokenEndpointRecorder{}
	identity := newIdentityServer(t, rec, tokenResponse("access", "", 3600))
	discovery := newDiscoveryServer(t, "OrgId")

	a := newAuthenticator(identity.URL, discovery.URL)

	_, err := a.Authenticate(context.Background(), consumerCredential())
	require.NoError(t, err)
	require.Equal(t, consumerClientID, rec.clientID)

	_, err = a.Authenticate(context.Background(), orgCredential())
	require.NoError(t, err)
	require.Equal(t, orgClientID, rec.clientID)
}

func TestAuthenticate_InvalidCredentialsIsFatal(t *testing.T) {
	rec := &tokenEndpointRecorder{}
	identity := newIdentityServer(t, rec,
		oauthError(http.StatusBadRequest, "invalid_grant", "AADSTS50126: Error validating credentials due to invalid username or password."))

	a := newAuthenticator(identity.URL, "unused")

	_, err := a.Authenticate(context.Background(), consumerCredential())
	require.Error(t, err)

	var authErr *msauth.AuthError
	require.ErrorAs(t, err, &authErr)
	require.Equal(t, msauth.KindInvalidCredentials, authErr.Kind)
	require.True(t, authErr.Fatal())
}

func TestAuthenticate_MFARequiredIsFatal(t *testing.T) {
	rec := &tokenEndpointRecorder{}
	identity := newIdentityServer(t, rec,
		oauthError(http.StatusBadRequest, "interaction_required", "AADSTS50076: Due to a configuration change made by your administrator, you must use multi-factor authentication."))

	a := newAuthenticator(identity.URL, "unused")

	_, err := a.Authenticate(context.Background(), consumerCredential())
	require.Error(t, err)

	var authErr *msauth.AuthError
	require.ErrorAs(t, err, &authErr)
	require.Equal(t, msauth.KindMFARequired, authErr.Kind)
	require.True(t, authErr.Fatal())
}

func TestAuthenticate_ServerErrorIsTransient(t *testing.T) {
	rec := &tokenEndpointRecorder{}
	identity := newIdentityServer(t, rec, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream unavailable", http.StatusServiceUnavailable)
	})

	a := newAuthenticator(identity.URL, "unused")

	_, err := a.Authenticate(context.Background(), consumerCredential())
	require.Error(t, err)

	var authErr *msauth.AuthError
	require.ErrorAs(t, err, &authErr)
	require.Equal(t, msauth.KindTransient, authErr.Kind)
	require.False(t, authErr.Fatal())
}

func TestAuthenticate_NetworkFailureIsTransient(t *testing.T) {
	identity := httptest.NewServer(http.NotFoundHandler())
	identity.Close() // connection refused from here on

	a := newAuthenticator(identity.URL, "unused")

	_, err := a.Authenticate(context.Background(), consumerCredential())
	require.Error(t, err)

	var authErr *msauth.AuthError
	require.ErrorAs(t, err, &authErr)
	require.Equal(t, msauth.KindTransient, authErr.Kind)
}

func TestAuthenticate_ExpiryFallsBackToTokenClaim(t *testing.T) {
	exp := time.Now().Add(45 * time.Minute).Truncate(time.Second)
	claims := jwt.MapClaims{"exp": exp.Unix(), "aud": "https://api.spaces.skype.com"}
	accessToken, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	rec := &tokenEndpointRecorder{}
	identity := newIdentityServer(t, rec, func(w http.ResponseWriter, r *http.Request) {
		// No expires_in: the lifetime must be read off the token itself.
		writeJSON(t, w, map[string]any{
			"token_type":   "Bearer",
			"access_token": accessToken,
		})
	})

	a := newAuthenticator(identity.URL, "unused")

	handle, err := a.Authenticate(context.Background(), consumerCredential())
	require.NoError(t, err)
	require.WithinDuration(t, exp, handle.ExpiresAt, time.Second)
}

func TestRefresh_UsesRefreshGrant(t *testing.T) {
	rec := &tokenEndpointRecorder{}
	identity := newIdentityServer(t, rec, tokenResponse("access-2", "refresh-2", 3600))

	a := newAuthenticator(identity.URL, "unused")

	stale := &msauth.SessionHandle{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		IssuedAt:     time.Now().Add(-time.Hour),
		ExpiresAt:    time.Now().Add(-time.Minute),
		AccountType:  credentials.MicrosoftAccount,
	}

	handle, err := a.Refresh(context.Background(), consumerCredential(), stale)
	require.NoError(t, err)
	require.Equal(t, "access-2", handle.AccessToken)
	require.Equal(t, "refresh_token", rec.grantType)
}

func TestRefresh_RejectedRefreshTokenIsNotFatal(t *testing.T) {
	rec := &tokenEndpointRecorder{}
	identity := newIdentityServer(t, rec,
		oauthError(http.StatusBadRequest, "invalid_grant", "AADSTS700082: The refresh token has expired due to inactivity."))

	a := newAuthenticator(identity.URL, "unused")

	stale := &msauth.SessionHandle{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		IssuedAt:     time.Now().Add(-time.Hour),
		ExpiresAt:    time.Now().Add(-time.Minute),
		AccountType:  credentials.MicrosoftAccount,
	}

	_, err := a.Refresh(context.Background(), consumerCredential(), stale)
	require.Error(t, err)

	var authErr *msauth.AuthError
	require.ErrorAs(t, err, &authErr)
	require.Equal(t, msauth.KindTransient, authErr.Kind)
}

func TestRefresh_WithoutRefreshTokenFails(t *testing.T) {
	a := msauth.New()

	_, err := a.Refresh(context.Background(), consumerCredential(), &msauth.SessionHandle{AccessToken: "access-1"})
	require.Error(t, err)

	var authErr *msauth.AuthError
	require.ErrorAs(t, err, &authErr)
	require.Equal(t, msauth.KindTransient, authErr.Kind)
}

func TestDetectAccountType_Consumer(t *testing.T) {
	discovery := newDiscoveryServer(t, "MSAccount")
	a := msauth.New(msauth.WithDiscoveryBase(discovery.URL))

	accountType, err := a.DetectAccountType(context.Background(), testEmail)
	require.NoError(t, err)
	require.Equal(t, credentials.MicrosoftAccount, accountType)
}

func TestDetectAccountType_Organizational(t *testing.T) {
	discovery := newDiscoveryServer(t, "OrgId:Federated")
	a := msauth.New(msauth.WithDiscoveryBase(discovery.URL))

	accountType, err := a.DetectAccountType(context.Background(), testEmail)
	require.NoError(t, err)
	require.Equal(t, credentials.Organizational, accountType)
}

func TestDetectAccountType_UnknownClass(t *testing.T) {
	discovery := newDiscoveryServer(t, "Neither")
	a := msauth.New(msauth.WithDiscoveryBase(discovery.URL))

	_, err := a.DetectAccountType(context.Background(), testEmail)
	require.Error(t, err)
}

func TestSessionHandle_ValidAtRespectsMargin(t *testing.T) {
	now := time.Now()
	handle := &msauth.SessionHandle{
		AccessToken: "access-1",
		IssuedAt:    now,
		ExpiresAt:   now.Add(time.Hour),
	}

	require.True(t, handle.ValidAt(now, time.Minute))
	require.True(t, handle.ValidAt(now.Add(58*time.Minute), time.Minute))
	require.False(t, handle.ValidAt(now.Add(59*time.Minute), time.Minute))
	require.False(t, handle.ValidAt(now.Add(2*time.Hour), time.Minute))

	var nilHandle *msauth.SessionHandle
	require.False(t, nilHandle.ValidAt(now, time.Minute))
}
