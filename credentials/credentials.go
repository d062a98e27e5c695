package credentials

import (
	"context"
	"strings"

	"github.com/pkg/errors"
)

// AccountType selects which authentication flow a credential goes through.
// The two flows are mutually exclusive; sending a credential through the
// wrong one makes the identity service reject or silently mis-authenticate.
type AccountType string

const (
	// MicrosoftAccount is a consumer account (outlook.com, live.com, ...).
	MicrosoftAccount AccountType = "microsoft"
	// Organizational is a work or school account homed in an AAD tenant.
	Organizational AccountType = "organizational"
)

var (
	ErrMissingEmail       = errors.New("missing email")
	ErrMissingPassword    = errors.New("missing password")
	ErrUnknownAccountType = errors.New("unknown account type")
)

// ParseAccountType maps the configured account type string onto an
// AccountType. It accepts a few common spellings.
func ParseAccountType(s string) (AccountType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "microsoft", "msaccount", "consumer", "personal":
		return MicrosoftAccount, nil
	case "organizational", "organization", "org", "orgid", "work":
		return Organizational, nil
	}
	return "", errors.Wrapf(ErrUnknownAccountType, "%q", s)
}

// Secret is a string that refuses to print itself. It keeps passwords out
// of logs and marshalled debug output.
type Secret string

func (Secret) String() string {
	return "[redacted]"
}

func (Secret) MarshalJSON() ([]byte, error) {
	return []byte(`"[redacted]"`), nil
}

// Credential is an account's email/password pair plus its declared account
// type. Immutable for the process lifetime; the authenticator borrows it
// read-only.
type Credential struct {
	Email       string
	Password    Secret
	AccountType AccountType
}

func (c Credential) Validate() error {
	if strings.TrimSpace(c.Email) == "" {
		return ErrMissingEmail
	}
	if c.Password == "" {
		return ErrMissingPassword
	}
	if c.AccountType != MicrosoftAccount && c.AccountType != Organizational {
		return errors.Wrapf(ErrUnknownAccountType, "%q", c.AccountType)
	}
	return nil
}

// Supplier yields the account credential the keep-alive loop runs under.
// It is read once at startup; invalid credentials are fatal, so there is no
// re-read path.
type Supplier interface {
	Credential(ctx context.Context) (Credential, error)
}

// Static is a Supplier that returns a fixed credential.
type Static struct {
	Cred Credential
}

var _ Supplier = Static{}

func (s Static) Credential(context.Context) (Credential, error) {
	if err := s.Cred.Validate(); err != nil {
		return Credential{}, errors.Wrap(err, "[Static.Credential] validate")
	}
	return s.Cred, nil
}
