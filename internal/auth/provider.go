package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// requestTimeout bounds every token-endpoint HTTP call.
const requestTimeout = 30 * time.Second

// OAuthConfig holds the endpoints and client credentials a provider is
// constructed with. It is immutable for the provider's lifetime except for
// RedirectURI, which the interactive flow rewrites once it knows the bound
// callback port.
type OAuthConfig struct {
	ClientID      string
	ClientSecret  string
	RedirectURI   string
	Scopes        []string
	AuthEndpoint  string
	TokenEndpoint string
}

// Provider is the capability set shared by all OAuth providers. A provider
// instance serves a single authorization attempt at a time: AuthURL stores
// the state (and PKCE verifier) that Exchange later validates against.
type Provider interface {
	// Name returns the provider identifier ("google", "microsoft").
	Name() string

	// AuthURL builds the authorization URL for the given CSRF state,
	// requesting offline/refresh access.
	AuthURL(state string) (string, error)

	// SetRedirectURI rewrites the redirect URI before AuthURL is called,
	// once the callback server's port is known.
	SetRedirectURI(uri string)

	// Exchange validates the echoed state against the value stored by
	// AuthURL (failing closed, before any network call) and exchanges the
	// authorization code for tokens.
	Exchange(ctx context.Context, code, state string) (*TokenRecord, error)

	// Refresh obtains a fresh access token using the record's refresh
	// token. A missing refresh token is an AuthExpiredError with no
	// network call attempted; a response carrying a provider error code
	// that means the grant is dead is likewise AuthExpiredError, while
	// transport and server failures are retry-worthy TokenRefreshError.
	Refresh(ctx context.Context, rec *TokenRecord) (*TokenRecord, error)

	// ValidateToken reports whether the record is still fresh, applying
	// the expiry skew buffer.
	ValidateToken(rec *TokenRecord) bool
}

// tokenResponse is the wire shape of token-endpoint replies, for both the
// success and error cases.
type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	ExpiresIn        int64  `json:"expires_in"`
	TokenType        string `json:"token_type"`
	Scope            string `json:"scope"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// postTokenEndpoint issues a form-encoded POST to a token endpoint and
// decodes the JSON reply. It returns the decoded body even on non-2xx
// statuses so callers can classify provider error codes.
func postTokenEndpoint(ctx context.Context, client *http.Client, endpoint string, form url.Values) (*tokenResponse, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, 0, fmt.Errorf("building token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("posting to token endpoint: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("reading token response: %w", err)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("decoding token response (status %d): %w", resp.StatusCode, err)
	}
	return &tr, resp.StatusCode, nil
}

// expiredGrantCodes are the provider error codes that mean the refresh
// token itself is dead and only an interactive re-authentication helps.
var expiredGrantCodes = map[string]bool{
	"invalid_grant":         true,
	"invalid_refresh_token": true,
	"expired_token":         true,
}

// classifyRefresh turns a token-endpoint refresh outcome into the
// subsystem's error taxonomy. A nil return means the response is usable.
func classifyRefresh(provider, account string, tr *tokenResponse, status int, err error) error {
	if err != nil {
		return &TokenRefreshError{Provider: provider, Err: err}
	}
	if tr.Error != "" {
		if expiredGrantCodes[tr.Error] {
			reason := tr.Error
			if tr.ErrorDescription != "" {
				reason = fmt.Sprintf("%s (%s)", tr.Error, tr.ErrorDescription)
			}
			return &AuthExpiredError{Account: account, Reason: reason}
		}
		return &TokenRefreshError{
			Provider: provider,
			Err:      fmt.Errorf("provider returned %q: %s", tr.Error, tr.ErrorDescription),
		}
	}
	if status < 200 || status >= 300 {
		return &TokenRefreshError{
			Provider: provider,
			Err:      fmt.Errorf("token endpoint returned status %d", status),
		}
	}
	if tr.AccessToken == "" {
		return &TokenRefreshError{
			Provider: provider,
			Err:      fmt.Errorf("token endpoint response missing access_token"),
		}
	}
	return nil
}

// refreshedRecord builds the replacement record for a successful refresh.
// Responses that omit a new refresh token keep the old one.
func refreshedRecord(tr *tokenResponse, prev *TokenRecord, now time.Time) *TokenRecord {
	refresh := tr.RefreshToken
	if refresh == "" && prev != nil {
		refresh = prev.RefreshToken
	}
	return NewTokenRecord(tr.AccessToken, refresh, tr.ExpiresIn, now)
}
