package auth

import (
	"context"
	"fmt"
	"os"

	"github.com/emersion/go-sasl"
	"go.uber.org/zap"

	"github.com/nhle/mailflow/internal/credential"
)

// Conn is the slice of an IMAP connection the authenticators need. The
// imapclient adapter in internal/mailbox satisfies it.
type Conn interface {
	// Login performs the IMAP LOGIN command.
	Login(username, password string) error

	// Authenticate performs IMAP AUTHENTICATE with the given SASL client.
	Authenticate(client sasl.Client) error
}

// Authenticator is the contract consumed by the IMAP connection step,
// usable interchangeably for password and OAuth accounts.
type Authenticator interface {
	Authenticate(ctx context.Context, conn Conn) error
}

// PasswordAuthenticator logs in with a static password resolved from an
// environment variable reference, falling back to the OS keyring. The
// password value never appears in logs or error messages.
type PasswordAuthenticator struct {
	account     string
	username    string
	passwordEnv string

	// resolve overrides the secret lookup, for tests.
	resolve func() (string, error)
}

// NewPasswordAuthenticator builds a password authenticator for the account.
// passwordEnv names the environment variable holding the password; when it
// is unset, the keyring entry password:<account> is consulted.
func NewPasswordAuthenticator(account, username, passwordEnv string) *PasswordAuthenticator {
	return &PasswordAuthenticator{
		account:     account,
		username:    username,
		passwordEnv: passwordEnv,
	}
}

func (a *PasswordAuthenticator) password() (string, error) {
	if a.resolve != nil {
		return a.resolve()
	}
	if a.passwordEnv != "" {
		if v, ok := os.LookupEnv(a.passwordEnv); ok && v != "" {
			return v, nil
		}
	}
	v, err := credential.Get("password:" + a.account)
	if err != nil {
		return "", fmt.Errorf("no password for %s: environment variable %q unset and keyring lookup failed", a.account, a.passwordEnv)
	}
	return v, nil
}

// Authenticate resolves the password and performs IMAP LOGIN.
func (a *PasswordAuthenticator) Authenticate(ctx context.Context, conn Conn) error {
	password, err := a.password()
	if err != nil {
		return &AuthenticationError{Account: a.account, Err: err}
	}
	if err := conn.Login(a.username, password); err != nil {
		return &AuthenticationError{
			Account: a.account,
			Err:     fmt.Errorf("server rejected login for %s: %w", a.username, err),
		}
	}
	return nil
}

// OAuthAuthenticator authenticates with an XOAUTH2 bearer token pulled
// from the token manager, refreshing silently when needed.
type OAuthAuthenticator struct {
	account  string
	mailbox  string
	provider Provider
	tokens   *Manager
	log      *zap.SugaredLogger
}

// NewOAuthAuthenticator builds an OAuth authenticator. mailbox is the
// address presented in the SASL exchange.
func NewOAuthAuthenticator(account, mailbox string, p Provider, tokens *Manager, log *zap.SugaredLogger) *OAuthAuthenticator {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &OAuthAuthenticator{
		account:  account,
		mailbox:  mailbox,
		provider: p,
		tokens:   tokens,
		log:      log,
	}
}

// Authenticate obtains a valid access token and performs IMAP AUTHENTICATE
// under the XOAUTH2 mechanism. An absent token means the interactive flow
// must be re-run; a server-side rejection of a present token is reported
// as a distinct authentication failure.
func (a *OAuthAuthenticator) Authenticate(ctx context.Context, conn Conn) error {
	token, ok := a.tokens.GetValidToken(ctx, a.account, a.provider)
	if !ok {
		return &AuthExpiredError{
			Account: a.account,
			Reason:  "no valid token",
		}
	}

	if err := conn.Authenticate(NewXOAUTH2Client(a.mailbox, token)); err != nil {
		a.log.Warnw("server rejected XOAUTH2 exchange",
			"account", a.account, "provider", a.provider.Name())
		return &AuthenticationError{
			Account: a.account,
			Err:     fmt.Errorf("server rejected XOAUTH2 token: %w", err),
		}
	}
	return nil
}
