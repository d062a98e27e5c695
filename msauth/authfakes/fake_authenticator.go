package authfakes

import (
	"context"
	"sync"
	"time"

	"github.com/alwaysgreen/go-teams-keepalive/credentials"
	"github.com/alwaysgreen/go-teams-keepalive/msauth"
)

// FakeAuthenticator counts calls and delegates to pluggable funcs. The
// zero-value behaviour hands out one-hour sessions.
type FakeAuthenticator struct {
	AuthenticateFunc func(ctx context.Context, cred credentials.Credential) (*msauth.SessionHandle, error)
	RefreshFunc      func(ctx context.Context, cred credentials.Credential, handle *msauth.SessionHandle) (*msauth.SessionHandle, error)

	lock              sync.Mutex
	authenticateCalls int
	refreshCalls      int
}

func NewFakeAuthenticator() *FakeAuthenticator {
	return &FakeAuthenticator{}
}

func (f *FakeAuthenticator) Authenticate(ctx context.Context, cred credentials.Credential) (*msauth.SessionHandle, error) {
	f.lock.Lock()
	f.authenticateCalls++
	f.lock.Unlock()

	if f.AuthenticateFunc != nil {
		return f.AuthenticateFunc(ctx, cred)
	}
	return defaultHandle(cred), nil
}

func (f *FakeAuthenticator) Refresh(ctx context.Context, cred credentials.Credential, handle *msauth.SessionHandle) (*msauth.SessionHandle, error) {
	f.lock.Lock()
	f.refreshCalls++
	f.lock.Unlock()

	if f.RefreshFunc != nil {
		return f.RefreshFunc(ctx, cred, handle)
	}
	return defaultHandle(cred), nil
}

func (f *FakeAuthenticator) AuthenticateCalls() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.authenticateCalls
}

func (f *FakeAuthenticator) RefreshCalls() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.refreshCalls
}

func defaultHandle(cred credentials.Credential) *msauth.SessionHandle {
	now := time.Now()
	return &msauth.SessionHandle{
		AccessToken: "fake-access-token",
		IssuedAt:    now,
		ExpiresAt:   now.Add(time.Hour),
		AccountType: cred.AccountType,
	}
}
