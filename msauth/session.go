package msauth

import (
	"time"

	"github.com/alwaysgreen/go-teams-keepalive/credentials"
)

// SessionHandle is an authenticated session against the Teams identity
// service. It is created here and exclusively owned by the session guardian;
// nothing else holds one across calls.
type SessionHandle struct {
	AccessToken  string
	RefreshToken string
	IssuedAt     time.Time
	ExpiresAt    time.Time
	AccountType  credentials.AccountType
}

// ValidAt reports whether the handle can still back a presence call at the
// given instant. The margin absorbs clock skew and in-flight latency; a
// handle inside its margin is treated as already expired.
func (h *SessionHandle) ValidAt(now time.Time, margin time.Duration) bool {
	if h == nil || h.AccessToken == "" {
		return false
	}
	return now.Before(h.ExpiresAt.Add(-margin))
}
