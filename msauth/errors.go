package msauth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"golang.org/x/oauth2"
)

// ErrorKind classifies authentication failures for the retry policy.
type ErrorKind string

const (
	// KindInvalidCredentials is fatal: retrying the same credential is doomed
	// and hammers the account's sign-in audit log.
	KindInvalidCredentials ErrorKind = "invalid_credentials"
	// KindMFARequired is fatal for this design: there is no interactive
	// channel to complete a second factor.
	KindMFARequired ErrorKind = "mfa_required"
	// KindTransient covers network failures, 5xx and throttling; retryable.
	KindTransient ErrorKind = "transient"
)

// AuthError is the typed failure of an authentication exchange.
type AuthError struct {
	Kind  ErrorKind
	msg   string
	cause error
}

func NewAuthError(kind ErrorKind, msg string) *AuthError {
	return &AuthError{Kind: kind, msg: msg}
}

func (e *AuthError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("auth %s: %s: %v", e.Kind, e.msg, e.cause)
	}
	return fmt.Sprintf("auth %s: %s", e.Kind, e.msg)
}

func (e *AuthError) Unwrap() error {
	return e.cause
}

// Fatal reports whether the failure rules out further attempts with the
// same credential.
func (e *AuthError) Fatal() bool {
	return e.Kind == KindInvalidCredentials || e.Kind == KindMFARequired
}

// AADSTS error codes embedded in token endpoint error descriptions.
// https://learn.microsoft.com/azure/active-directory/develop/reference-error-codes
var (
	mfaCodes        = []string{"AADSTS50076", "AADSTS50079", "AADSTS50158"}
	credentialCodes = []string{
		"AADSTS50126",   // invalid username or password
		"AADSTS50034",   // user account not found
		"AADSTS50053",   // account locked
		"AADSTS50057",   // account disabled
		"AADSTS7000218", // public client credential rejected
	}
)

// classifyTokenError maps an oauth2 token exchange failure onto the
// AuthError taxonomy. Anything it cannot attribute to the credential is
// treated as transient so the scheduler keeps retrying with backoff.
func classifyTokenError(err error) *AuthError {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		description := retrieveErr.ErrorDescription + " " + string(retrieveErr.Body)
		for _, code := range mfaCodes {
			if strings.Contains(description, code) {
				return &AuthError{Kind: KindMFARequired, msg: "account requires multi-factor authentication", cause: err}
			}
		}
		for _, code := range credentialCodes {
			if strings.Contains(description, code) {
				return &AuthError{Kind: KindInvalidCredentials, msg: "credential rejected by identity service", cause: err}
			}
		}
		if retrieveErr.Response != nil {
			status := retrieveErr.Response.StatusCode
			if status >= 500 || status == 429 {
				return &AuthError{Kind: KindTransient, msg: fmt.Sprintf("identity service returned %d", status), cause: err}
			}
		}
		if retrieveErr.ErrorCode == "invalid_grant" || retrieveErr.ErrorCode == "invalid_request" {
			return &AuthError{Kind: KindInvalidCredentials, msg: "grant rejected by identity service", cause: err}
		}
		return &AuthError{Kind: KindTransient, msg: "token exchange failed", cause: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &AuthError{Kind: KindTransient, msg: "network failure during token exchange", cause: err}
	}
	return &AuthError{Kind: KindTransient, msg: "token exchange failed", cause: err}
}
