package auth

import (
	"context"
	"fmt"
	"testing"

	"github.com/emersion/go-sasl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn records what the authenticators do to the IMAP connection.
type fakeConn struct {
	loginUser string
	loginPass string
	loginErr  error

	saslClient sasl.Client
	authErr    error
}

func (c *fakeConn) Login(username, password string) error {
	c.loginUser = username
	c.loginPass = password
	return c.loginErr
}

func (c *fakeConn) Authenticate(client sasl.Client) error {
	c.saslClient = client
	return c.authErr
}

func TestPasswordAuthenticatorFromEnv(t *testing.T) {
	t.Setenv("TEST_MAIL_PASSWORD", "hunter2")

	a := NewPasswordAuthenticator("work", "user@example.com", "TEST_MAIL_PASSWORD")
	conn := &fakeConn{}

	require.NoError(t, a.Authenticate(context.Background(), conn))
	assert.Equal(t, "user@example.com", conn.loginUser)
	assert.Equal(t, "hunter2", conn.loginPass)
}

func TestPasswordAuthenticatorNeverLeaksSecret(t *testing.T) {
	t.Setenv("TEST_MAIL_PASSWORD", "hunter2")

	a := NewPasswordAuthenticator("work", "user@example.com", "TEST_MAIL_PASSWORD")
	conn := &fakeConn{loginErr: fmt.Errorf("NO [AUTHENTICATIONFAILED]")}

	err := a.Authenticate(context.Background(), conn)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "work", "error must name the account")
	assert.NotContains(t, err.Error(), "hunter2", "error must never contain the password")
}

func TestPasswordAuthenticatorMissingSecret(t *testing.T) {
	a := NewPasswordAuthenticator("work", "user@example.com", "TEST_MAIL_PASSWORD_UNSET")
	a.resolve = func() (string, error) {
		return "", fmt.Errorf("no password for work")
	}

	err := a.Authenticate(context.Background(), &fakeConn{})
	var authErr *AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "work", authErr.Account)
}

func TestOAuthAuthenticatorSuccess(t *testing.T) {
	m := NewManager(t.TempDir(), nil)
	require.NoError(t, m.Save("work", futureRecord("bearer-token")))

	a := NewOAuthAuthenticator("work", "user@example.com", &fakeProvider{}, m, nil)
	conn := &fakeConn{}

	require.NoError(t, a.Authenticate(context.Background(), conn))
	require.NotNil(t, conn.saslClient)

	mech, ir, err := conn.saslClient.Start()
	require.NoError(t, err)
	assert.Equal(t, "XOAUTH2", mech)
	assert.Equal(t, "user=user@example.com\x01auth=Bearer bearer-token\x01\x01", string(ir))
}

func TestOAuthAuthenticatorNoToken(t *testing.T) {
	m := NewManager(t.TempDir(), nil)
	p := &fakeProvider{refreshErr: &TokenRefreshError{Provider: "fake", Err: assert.AnError}}

	a := NewOAuthAuthenticator("work", "user@example.com", p, m, nil)
	conn := &fakeConn{}

	err := a.Authenticate(context.Background(), conn)
	assert.True(t, IsAuthExpired(err), "an absent token means re-run the auth command")
	assert.Nil(t, conn.saslClient, "no SASL exchange without a token")
}

func TestOAuthAuthenticatorServerRejection(t *testing.T) {
	m := NewManager(t.TempDir(), nil)
	require.NoError(t, m.Save("work", futureRecord("present-but-rejected")))

	a := NewOAuthAuthenticator("work", "user@example.com", &fakeProvider{}, m, nil)
	conn := &fakeConn{authErr: fmt.Errorf("NO [AUTHENTICATIONFAILED] invalid credentials")}

	err := a.Authenticate(context.Background(), conn)

	var authErr *AuthenticationError
	require.ErrorAs(t, err, &authErr, "a rejected token is reported distinctly from an absent one")
	assert.False(t, IsAuthExpired(err))
	assert.NotContains(t, err.Error(), "present-but-rejected",
		"token values never appear in error messages")
}
