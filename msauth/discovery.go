package msauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/alwaysgreen/go-teams-keepalive/credentials"
	"github.com/pkg/errors"
)

const defaultDiscoveryBase = "https://odc.officeapps.live.com"

// DetectAccountType asks the Office identity-provider probe whether an email
// address is a consumer Microsoft account or an organizational one. Used
// only when the credential supplier does not declare the type.
func (a *Authenticator) DetectAccountType(ctx context.Context, email string) (credentials.AccountType, error) {
	probeURL := fmt.Sprintf("%s/odc/v2.1/idp?hm=10&emailAddress=%s&forcerefresh=true",
		a.discoveryBase, url.QueryEscape(email))

	var payload struct {
		Account string `json:"account"`
	}
	if err := a.getJSON(ctx, probeURL, &payload); err != nil {
		return "", errors.Wrap(err, "[Authenticator.DetectAccountType] idp probe")
	}

	switch {
	case payload.Account == "MSAccount":
		return credentials.MicrosoftAccount, nil
	case strings.Contains(payload.Account, "OrgId"):
		return credentials.Organizational, nil
	}
	return "", errors.Errorf("[Authenticator.DetectAccountType] unrecognised account class %q", payload.Account)
}

// tenantForEmail resolves the AAD tenant ID that homes the email's domain.
// Only organizational accounts have one.
func (a *Authenticator) tenantForEmail(ctx context.Context, email string) (string, error) {
	at := strings.LastIndex(email, "@")
	if at < 0 || at == len(email)-1 {
		return "", errors.Errorf("[Authenticator.tenantForEmail] malformed email address")
	}
	domain := email[at+1:]

	federationURL := fmt.Sprintf("%s/odc/v2.1/federationprovider?domain=%s",
		a.discoveryBase, url.QueryEscape(domain))

	var payload struct {
		TenantID string `json:"tenantId"`
	}
	if err := a.getJSON(ctx, federationURL, &payload); err != nil {
		return "", errors.Wrap(err, "[Authenticator.tenantForEmail] federation provider lookup")
	}
	if payload.TenantID == "" {
		return "", errors.Errorf("[Authenticator.tenantForEmail] no tenant registered for domain %q", domain)
	}
	return payload.TenantID, nil
}

func (a *Authenticator) getJSON(ctx context.Context, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return errors.Wrap(err, "build request")
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "do request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("unexpected status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "decode response")
	}
	return nil
}
