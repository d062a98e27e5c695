package credentials

import (
	"context"
	"strings"

	"github.com/alwaysgreen/go-teams-keepalive/internal/config"
	"github.com/pkg/errors"
)

const (
	emailEnvVar       = "ALWAYSGREEN_EMAIL"
	passwordEnvVar    = "ALWAYSGREEN_PASSWORD"
	accountTypeEnvVar = "ALWAYSGREEN_ACCOUNT_TYPE"
)

// AccountTypeDetector probes the identity service for the account type of
// an email address. Used only when the environment does not declare one.
type AccountTypeDetector interface {
	DetectAccountType(ctx context.Context, email string) (AccountType, error)
}

// EnvSupplier reads the credential from the process environment. When
// ALWAYSGREEN_ACCOUNT_TYPE is unset it falls back to the detector.
type EnvSupplier struct {
	detector AccountTypeDetector
}

var _ Supplier = (*EnvSupplier)(nil)

func NewEnvSupplier(detector AccountTypeDetector) *EnvSupplier {
	return &EnvSupplier{detector: detector}
}

func (s *EnvSupplier) Credential(ctx context.Context) (Credential, error) {
	cred := Credential{
		Email:    config.GetEnv(emailEnvVar, ""),
		Password: Secret(config.GetEnv(passwordEnvVar, "")),
	}

	// Both values must be present before any account-type probe goes out.
	if strings.TrimSpace(cred.Email) == "" {
		return Credential{}, errors.Wrap(ErrMissingEmail, "[EnvSupplier.Credential]")
	}
	if cred.Password == "" {
		return Credential{}, errors.Wrap(ErrMissingPassword, "[EnvSupplier.Credential]")
	}

	if declared := config.GetEnv(accountTypeEnvVar, ""); declared != "" {
		accountType, err := ParseAccountType(declared)
		if err != nil {
			return Credential{}, errors.Wrap(err, "[EnvSupplier.Credential] parse account type")
		}
		cred.AccountType = accountType
	} else {
		if s.detector == nil {
			return Credential{}, errors.New("[EnvSupplier.Credential] no account type declared and no detector configured")
		}
		accountType, err := s.detector.DetectAccountType(ctx, cred.Email)
		if err != nil {
			return Credential{}, errors.Wrap(err, "[EnvSupplier.Credential] detect account type")
		}
		cred.AccountType = accountType
	}

	if err := cred.Validate(); err != nil {
		return Credential{}, errors.Wrap(err, "[EnvSupplier.Credential] validate")
	}
	return cred, nil
}
