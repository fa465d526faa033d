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
	googleAuthEndpoint  = "https://accounts.google.com/o/oauth2/v2/auth"
	googleTokenEndpoint = "https://oauth2.googleapis.com/token"
)

// defaultGoogleScopes grants full IMAP access to the mailbox.
var defaultGoogleScopes = []string{"https://mail.google.com/"}

// GoogleProvider implements the Provider contract against Google's OAuth
// 2.0 endpoints.
type GoogleProvider struct {
	config     OAuthConfig
	httpClient *http.Client

	mu           sync.Mutex
	pendingState string
	pendingPKCE  *PKCE

	now func() time.Time
}

// NewGoogleProvider constructs a Google provider. The client ID is
// required; the client secret is required too because Gmail's IMAP scopes
// are only issued to confidential clients.
func NewGoogleProvider(config OAuthConfig) (*GoogleProvider, error) {
	if config.ClientID == "" {
		return nil, &ConfigurationError{Provider: "google", Reason: "missing client ID (set GOOGLE_CLIENT_ID)"}
	}
	if config.ClientSecret == "" {
		return nil, &ConfigurationError{Provider: "google", Reason: "missing client secret (set GOOGLE_CLIENT_SECRET)"}
	}
	if config.AuthEndpoint == "" {
		config.AuthEndpoint = googleAuthEndpoint
	}
	if config.TokenEndpoint == "" {
		config.TokenEndpoint = googleTokenEndpoint
	}
	if len(config.Scopes) == 0 {
		config.Scopes = defaultGoogleScopes
	}
	return &GoogleProvider{
		config:     config,
		httpClient: &http.Client{Timeout: requestTimeout},
		now:        time.Now,
	}, nil
}

// Name returns "google".
func (g *GoogleProvider) Name() string { return "google" }

// SetRedirectURI rewrites the redirect URI for this authorization attempt.
func (g *GoogleProvider) SetRedirectURI(uri string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.config.RedirectURI = uri
}

// AuthURL builds the authorization URL. access_type=offline plus
// prompt=consent guarantees a refresh token is issued on every
// authorization, even for a previously consented user.
func (g *GoogleProvider) AuthURL(state string) (string, error) {
	pkce, err := GeneratePKCE()
	if err != nil {
		return "", err
	}

	g.mu.Lock()
	g.pendingState = state
	g.pendingPKCE = pkce
	redirectURI := g.config.RedirectURI
	g.mu.Unlock()

	params := url.Values{}
	params.Set("client_id", g.config.ClientID)
	params.Set("redirect_uri", redirectURI)
	params.Set("response_type", "code")
	params.Set("scope", strings.Join(g.config.Scopes, " "))
	params.Set("state", state)
	params.Set("access_type", "offline")
	params.Set("prompt", "consent")
	params.Set("code_challenge", pkce.Challenge)
	params.Set("code_challenge_method", pkce.Method)

	return g.config.AuthEndpoint + "?" + params.Encode(), nil
}

// Exchange validates the echoed state and exchanges the authorization code
// for tokens. The state check fails closed before any network call.
func (g *GoogleProvider) Exchange(ctx context.Context, code, state string) (*TokenRecord, error) {
	g.mu.Lock()
	expected := g.pendingState
	pkce := g.pendingPKCE
	redirectURI := g.config.RedirectURI
	g.mu.Unlock()

	if expected == "" || state != expected {
		return nil, &StateMismatchError{}
	}

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("client_id", g.config.ClientID)
	form.Set("client_secret", g.config.ClientSecret)
	form.Set("redirect_uri", redirectURI)
	if pkce != nil {
		form.Set("code_verifier", pkce.Verifier)
	}

	tr, status, err := postTokenEndpoint(ctx, g.httpClient, g.config.TokenEndpoint, form)
	if err != nil {
		return nil, &TokenExchangeError{Provider: "google", Err: err}
	}
	if tr.Error != "" {
		return nil, &TokenExchangeError{
			Provider: "google",
			Err:      fmt.Errorf("provider returned %q: %s", tr.Error, tr.ErrorDescription),
		}
	}
	if status < 200 || status >= 300 {
		return nil, &TokenExchangeError{
			Provider: "google",
			Err:      fmt.Errorf("token endpoint returned status %d", status),
		}
	}
	if tr.AccessToken == "" {
		return nil, &TokenExchangeError{
			Provider: "google",
			Err:      fmt.Errorf("token endpoint response missing access_token"),
		}
	}

	return NewTokenRecord(tr.AccessToken, tr.RefreshToken, tr.ExpiresIn, g.now()), nil
}

// Refresh exchanges the record's refresh token for a fresh access token.
func (g *GoogleProvider) Refresh(ctx context.Context, rec *TokenRecord) (*TokenRecord, error) {
	if rec == nil || rec.RefreshToken == "" {
		return nil, &AuthExpiredError{Reason: "no refresh token stored"}
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", rec.RefreshToken)
	form.Set("client_id", g.config.ClientID)
	form.Set("client_secret", g.config.ClientSecret)

	tr, status, err := postTokenEndpoint(ctx, g.httpClient, g.config.TokenEndpoint, form)
	if cerr := classifyRefresh("google", "", tr, status, err); cerr != nil {
		return nil, cerr
	}

	return refreshedRecord(tr, rec, g.now()), nil
}

// ValidateToken reports whether the record is fresh enough to use.
func (g *GoogleProvider) ValidateToken(rec *TokenRecord) bool {
	return !rec.Expired(g.now())
}
