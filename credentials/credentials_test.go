package credentials_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/alwaysgreen/go-teams-keepalive/credentials"
	"github.com/stretchr/testify/require"
)

func TestParseAccountType(t *testing.T) {
	for _, spelling := range []string{"microsoft", "MSAccount", "consumer", "Personal"} {
		accountType, err := credentials.ParseAccountType(spelling)
		require.NoError(t, err, spelling)
		require.Equal(t, credentials.MicrosoftAccount, accountType)
	}

	for _, spelling := range []string{"organizational", "org", "OrgId", "work"} {
		accountType, err := credentials.ParseAccountType(spelling)
		require.NoError(t, err, spelling)
		require.Equal(t, credentials.Organizational, accountType)
	}

	_, err := credentials.ParseAccountType("hotmail")
	require.ErrorIs(t, err, credentials.ErrUnknownAccountType)
}

func TestCredential_Validate(t *testing.T) {
	valid := credentials.Credential{
		Email:       "john.doe@example.com",
		Password:    "password123",
		AccountType: credentials.MicrosoftAccount,
	}
	require.NoError(t, valid.Validate())

	missingEmail := valid
	missingEmail.Email = " "
	require.ErrorIs(t, missingEmail.Validate(), credentials.ErrMissingEmail)

	missingPassword := valid
	missingPassword.Password = ""
	require.ErrorIs(t, missingPassword.Validate(), credentials.ErrMissingPassword)

	badType := valid
	badType.AccountType = "guesswork"
	require.ErrorIs(t, badType.Validate(), credentials.ErrUnknownAccountType)
}

func TestSecret_NeverPrints(t *testing.T) {
	secret := credentials.Secret("password123")

	require.Equal(t, "[redacted]", secret.String())
	require.Equal(t, "[redacted]", fmt.Sprintf("%v", secret))
	require.Equal(t, "[redacted]", fmt.Sprintf("%s", secret))

	marshalled, err := json.Marshal(struct{ Password credentials.Secret }{secret})
	require.NoError(t, err)
	require.NotContains(t, string(marshalled), "password123")
}

func TestStatic_ReturnsValidatedCredential(t *testing.T) {
	supplier := credentials.Static{Cred: credentials.Credential{
		Email:       "john.doe@example.com",
		Password:    "password123",
		AccountType: credentials.Organizational,
	}}

	cred, err := supplier.Credential(context.Background())
	require.NoError(t, err)
	require.Equal(t, "john.doe@example.com", cred.Email)

	_, err = credentials.Static{}.Credential(context.Background())
	require.Error(t, err)
}

// fakeDetector stands in for the identity-probe round trip.
type fakeDetector struct {
	accountType credentials.AccountType
	err         error
	calls       int
}

func (d *fakeDetector) DetectAccountType(context.Context, string) (credentials.AccountType, error) {
	d.calls++
	return d.accountType, d.err
}

func TestEnvSupplier_DeclaredAccountType(t *testing.T) {
	t.Setenv("ALWAYSGREEN_EMAIL", "john.doe@example.com")
	t.Setenv("ALWAYSGREEN_PASSWORD", "password123")
	t.Setenv("ALWAYSGREEN_ACCOUNT_TYPE", "organizational")

	detector := &fakeDetector{}
	cred, err := credentials.NewEnvSupplier(detector).Credential(context.Background())
	require.NoError(t, err)

	require.Equal(t, credentials.Organizational, cred.AccountType)
	require.Equal(t, 0, detector.calls, "a declared account type must not be probed")
}

func TestEnvSupplier_FallsBackToDetector(t *testing.T) {
	t.Setenv("ALWAYSGREEN_EMAIL", "john.doe@example.com")
	t.Setenv("ALWAYSGREEN_PASSWORD", "password123")
	t.Setenv("ALWAYSGREEN_ACCOUNT_TYPE", "")

	detector := &fakeDetector{accountType: credentials.MicrosoftAccount}
	cred, err := credentials.NewEnvSupplier(detector).Credential(context.Background())
	require.NoError(t, err)

	require.Equal(t, credentials.MicrosoftAccount, cred.AccountType)
	require.Equal(t, 1, detector.calls)
}

func TestEnvSupplier_NoDetectorAndNoDeclaration(t *testing.T) {
	t.Setenv("ALWAYSGREEN_EMAIL", "john.doe@example.com")
	t.Setenv("ALWAYSGREEN_PASSWORD", "password123")
	t.Setenv("ALWAYSGREEN_ACCOUNT_TYPE", "")

	_, err := credentials.NewEnvSupplier(nil).Credential(context.Background())
	require.Error(t, err)
}

func TestEnvSupplier_MissingCredential(t *testing.T) {
	t.Setenv("ALWAYSGREEN_EMAIL", "")
	t.Setenv("ALWAYSGREEN_PASSWORD", "")
	t.Setenv("ALWAYSGREEN_ACCOUNT_TYPE", "microsoft")

	_, err := credentials.NewEnvSupplier(nil).Credential(context.Background())
	require.ErrorIs(t, err, credentials.ErrMissingEmail)
}

func TestEnvSupplier_MissingEmailIsRejectedBeforeDetection(t *testing.T) {
	t.Setenv("ALWAYSGREEN_EMAIL", "")
	t.Setenv("ALWAYSGREEN_PASSWORD", "password123")
	t.Setenv("ALWAYSGREEN_ACCOUNT_TYPE", "")

	detector := &fakeDetector{accountType: credentials.MicrosoftAccount}
	_, err := credentials.NewEnvSupplier(detector).Credential(context.Background())

	require.ErrorIs(t, err, credentials.ErrMissingEmail)
	require.Equal(t, 0, detector.calls, "an incomplete credential must not be probed")
}

func TestEnvSupplier_MissingPasswordIsRejectedBeforeDetection(t *testing.T) {
	t.Setenv("ALWAYSGREEN_EMAIL", "john.doe@example.com")
	t.Setenv("ALWAYSGREEN_PASSWORD", "")
	t.Setenv("ALWAYSGREEN_ACCOUNT_TYPE", "")

	detector := &fakeDetector{accountType: credentials.MicrosoftAccount}
	_, err := credentials.NewEnvSupplier(detector).Credential(context.Background())

	require.ErrorIs(t, err, credentials.ErrMissingPassword)
	require.Equal(t, 0, detector.calls, "an incomplete credential must not be probed")
}
