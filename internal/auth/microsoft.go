package auth

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	microsoftAuthEndpoint  = "https://login.microsoftonline.com/common/oauth2/v2.0/authorize"
	microsoftTokenEndpoint = "https://login.microsoftonline.com/common/oauth2/v2.0/token"

	// offlineAccessScope is provider-reserved: it is stripped from
	// caller-supplied scopes and re-added automatically.
	offlineAccessScope = "offline_access"
)

// defaultMicrosoftScopes grants IMAP access to the mailbox.
var defaultMicrosoftScopes = []string{"https://outlook.office.com/IMAP.AccessAsUser.All"}

// MicrosoftProvider implements the Provider contract against the Microsoft
// identity platform (v2.0 endpoints, common tenant).
//
// It supports two application modes: confidential (client secret present)
// and public (no secret registered, refresh goes through a bare
// grant_type=refresh_token POST without client authentication).
type MicrosoftProvider struct {
	config     OAuthConfig
	httpClient *http.Client

	// publicClient uses its own bounded timeout for the manual refresh
	// POST issued when no client secret is registered.
	publicClient *http.Client

	mu           sync.Mutex
	pendingState string
	pendingPKCE  *PKCE

	now func() time.Time
}

// NewMicrosoftProvider constructs a Microsoft provider. Only the client ID
// is required; an empty secret selects public-client mode.
func NewMicrosoftProvider(config OAuthConfig) (*MicrosoftProvider, error) {
	if config.ClientID == "" {
		return nil, &ConfigurationError{Provider: "microsoft", Reason: "missing client ID (set MS_CLIENT_ID)"}
	}
	if config.AuthEndpoint == "" {
		config.AuthEndpoint = microsoftAuthEndpoint
	}
	if config.TokenEndpoint == "" {
		config.TokenEndpoint = microsoftTokenEndpoint
	}
	if len(config.Scopes) == 0 {
		config.Scopes = defaultMicrosoftScopes
	}
	config.Scopes = normalizeMicrosoftScopes(config.Scopes)

	return &MicrosoftProvider{
		config:       config,
		httpClient:   &http.Client{Timeout: requestTimeout},
		publicClient: &http.Client{Timeout: 30 * time.Second},
		now:          time.Now,
	}, nil
}

// normalizeMicrosoftScopes strips any caller-supplied offline_access and
// re-adds it once at the end.
func normalizeMicrosoftScopes(scopes []string) []string {
	out := make([]string, 0, len(scopes)+1)
	for _, s := range scopes {
		if strings.EqualFold(s, offlineAccessScope) {
			continue
		}
		out = append(out, s)
	}
	return append(out, offlineAccessScope)
}

// Name returns "microsoft".
func (m *MicrosoftProvider) Name() string { return "microsoft" }

// Public reports whether the provider runs in public-client mode.
func (m *MicrosoftProvider) Public() bool { return m.config.ClientSecret == "" }

// SetRedirectURI rewrites the redirect URI for this authorization attempt.
func (m *MicrosoftProvider) SetRedirectURI(uri string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config.RedirectURI = uri
}

// AuthURL builds the authorization URL. prompt=select_account defeats
// silent SSO auto-login so the user can pick the intended mailbox. The
// state stored for later validation is exactly the caller's value; this
// provider never substitutes an internally transformed one.
func (m *MicrosoftProvider) AuthURL(state string) (string, error) {
	pkce, err := GeneratePKCE()
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	m.pendingState = state
	m.pendingPKCE = pkce
	redirectURI := m.config.RedirectURI
	m.mu.Unlock()

	params := url.Values{}
	params.Set("client_id", m.config.ClientID)
	params.Set("redirect_uri", redirectURI)
	params.Set("response_type", "code")
	params.Set("response_mode", "query")
	params.Set("scope", strings.Join(m.config.Scopes, " "))
	params.Set("state", state)
	params.Set("prompt", "select_account")
	params.Set("code_challenge", pkce.Challenge)
	params.Set("code_challenge_method", pkce.Method)

	return m.config.AuthEndpoint + "?" + params.Encode(), nil
}

// Exchange validates the echoed state and exchanges the authorization code
// for tokens. The state check fails closed before any network call.
func (m *MicrosoftProvider) Exchange(ctx context.Context, code, state string) (*TokenRecord, error) {
	m.mu.Lock()
	expected := m.pendingState
	pkce := m.pendingPKCE
	redirectURI := m.config.RedirectURI
	m.mu.Unlock()

	if expected == "" || state != expected {
		return nil, &StateMismatchError{}
	}

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("client_id", m.config.ClientID)
	form.Set("redirect_uri", redirectURI)
	form.Set("scope", strings.Join(m.config.Scopes, " "))
	if m.config.ClientSecret != "" {
		form.Set("client_secret", m.config.ClientSecret)
	}
	if pkce != nil {
		form.Set("code_verifier", pkce.Verifier)
	}

	tr, status, err := postTokenEndpoint(ctx, m.httpClient, m.config.TokenEndpoint, form)
	if err != nil {
		return nil, &TokenExchangeError{Provider: "microsoft", Err: err}
	}
	if tr.Error != "" {
		return nil, &TokenExchangeError{
			Provider: "microsoft",
			Err:      fmt.Errorf("provider returned %q: %s", tr.Error, tr.ErrorDescription),
		}
	}
	if status < 200 || status >= 300 {
		return nil, &TokenExchangeError{
			Provider: "microsoft",
			Err:      fmt.Errorf("token endpoint returned status %d", status),
		}
	}
	if tr.AccessToken == "" {
		return nil, &TokenExchangeError{
			Provider: "microsoft",
			Err:      fmt.Errorf("token endpoint response missing access_token"),
		}
	}

	return NewTokenRecord(tr.AccessToken, tr.RefreshToken, tr.ExpiresIn, m.now()), nil
}

// Refresh exchanges the record's refresh token for a fresh access token,
// picking the confidential or public application mode.
func (m *MicrosoftProvider) Refresh(ctx context.Context, rec *TokenRecord) (*TokenRecord, error) {
	if rec == nil || rec.RefreshToken == "" {
		return nil, &AuthExpiredError{Reason: "no refresh token stored"}
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", rec.RefreshToken)
	form.Set("client_id", m.config.ClientID)
	form.Set("scope", strings.Join(m.config.Scopes, " "))

	client := m.publicClient
	if !m.Public() {
		form.Set("client_secret", m.config.ClientSecret)
		client = m.httpClient
	}

	tr, status, err := postTokenEndpoint(ctx, client, m.config.TokenEndpoint, form)
	if cerr := classifyRefresh("microsoft", "", tr, status, err); cerr != nil {
		return nil, cerr
	}

	return refreshedRecord(tr, rec, m.now()), nil
}

// ValidateToken reports whether the record is fresh enough to use.
func (m *MicrosoftProvider) ValidateToken(rec *TokenRecord) bool {
	return !rec.Expired(m.now())
}
