package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Empty(t, cfg.Accounts)
	assert.Equal(t, 8080, cfg.CallbackPort)
	assert.NotEmpty(t, cfg.CredentialsDir)
	assert.NotEmpty(t, cfg.JournalPath)
}

func TestLoadAccounts(t *testing.T) {
	path := writeConfig(t, `
callback_port: 9000
credentials_dir: /tmp/creds
accounts:
  - name: work
    email: me@example.com
    imap:
      host: imap.gmail.com
    auth:
      method: oauth
      provider: google
  - name: legacy
    email: old@example.com
    imap:
      host: mail.example.com
      port: 143
      tls: false
    auth:
      password_env: LEGACY_PASSWORD
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.CallbackPort)
	assert.Equal(t, "/tmp/creds", cfg.CredentialsDir)
	require.Len(t, cfg.Accounts, 2)

	work, err := cfg.Account("work")
	require.NoError(t, err)
	assert.Equal(t, "me@example.com", work.Email)
	assert.Equal(t, "imap.gmail.com", work.IMAP.Host)
	assert.Equal(t, 993, work.IMAP.Port, "omitted port defaults to IMAPS")
	assert.True(t, work.IMAP.TLS)
	assert.Equal(t, MethodOAuth, work.Auth.Method)
	assert.Equal(t, ProviderGoogle, work.Auth.Provider)

	legacy, err := cfg.Account("legacy")
	require.NoError(t, err)
	assert.Equal(t, 143, legacy.IMAP.Port, "explicit port is kept")
	assert.False(t, legacy.IMAP.TLS)
	assert.Equal(t, MethodPassword, legacy.Auth.Method, "omitted method defaults to password")
	assert.Equal(t, "LEGACY_PASSWORD", legacy.Auth.PasswordEnv)
}

func TestLoadMalformedYAML(t *testing.T) {
	path := writeConfig(t, "accounts: [\n")

	_, err := Load(path)
	assert.Error(t, err)
}

func TestAccountNotFound(t *testing.T) {
	cfg := &AppConfig{Accounts: []AccountConfig{{Name: "work"}}}

	_, err := cfg.Account("missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing")
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := &AppConfig{
		Accounts: []AccountConfig{{
			Name:  "work",
			Email: "me@example.com",
			IMAP:  IMAPConfig{Host: "imap.gmail.com", Port: 993, TLS: true},
			Auth:  AuthConfig{Method: MethodOAuth, Provider: ProviderGoogle},
		}},
		CredentialsDir: "/tmp/creds",
		CallbackPort:   9000,
		JournalPath:    "/tmp/journal.db",
	}

	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.CallbackPort, loaded.CallbackPort)
	assert.Equal(t, cfg.JournalPath, loaded.JournalPath)
	require.Len(t, loaded.Accounts, 1)
	assert.Equal(t, cfg.Accounts[0], loaded.Accounts[0])
}

func TestOAuthClientFromEnv(t *testing.T) {
	t.Setenv("GOOGLE_CLIENT_ID", "gid")
	t.Setenv("GOOGLE_CLIENT_SECRET", "gsecret")
	t.Setenv("MS_CLIENT_ID", "mid")
	t.Setenv("MS_CLIENT_SECRET", "")

	google, err := OAuthClientFromEnv(ProviderGoogle)
	require.NoError(t, err)
	assert.Equal(t, OAuthClient{ClientID: "gid", ClientSecret: "gsecret"}, google)

	ms, err := OAuthClientFromEnv(ProviderMicrosoft)
	require.NoError(t, err)
	assert.Equal(t, OAuthClient{ClientID: "mid"}, ms)

	_, err = OAuthClientFromEnv("yahoo")
	assert.Error(t, err)
}
