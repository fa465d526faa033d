package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Auth methods and providers recognized in account configuration.
const (
	MethodPassword = "password"
	MethodOAuth    = "oauth"

	ProviderGoogle    = "google"
	ProviderMicrosoft = "microsoft"
)

// AuthConfig selects how an account authenticates to its mailbox.
type AuthConfig struct {
	// Method is "password" or "oauth".
	Method string `mapstructure:"method" yaml:"method"`

	// Provider is "google" or "microsoft"; only meaningful for oauth.
	Provider string `mapstructure:"provider" yaml:"provider"`

	// PasswordEnv names the environment variable holding the password;
	// only meaningful for the password method.
	PasswordEnv string `mapstructure:"password_env" yaml:"password_env"`
}

// IMAPConfig holds the mailbox endpoint.
type IMAPConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`
	TLS  bool   `mapstructure:"tls" yaml:"tls"`
}

// AccountConfig is one configured mailbox account.
type AccountConfig struct {
	// Name is the unique account identifier, used to key stored tokens.
	Name string `mapstructure:"name" yaml:"name"`

	// Email is the mailbox address presented during authentication.
	Email string `mapstructure:"email" yaml:"email"`

	IMAP IMAPConfig `mapstructure:"imap" yaml:"imap"`
	Auth AuthConfig `mapstructure:"auth" yaml:"auth"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	Accounts []AccountConfig `mapstructure:"accounts" yaml:"accounts"`

	// CredentialsDir overrides where token records are stored.
	CredentialsDir string `mapstructure:"credentials_dir" yaml:"credentials_dir"`

	// CallbackPort is the preferred local callback port for the
	// interactive OAuth flow.
	CallbackPort int `mapstructure:"callback_port" yaml:"callback_port"`

	// JournalPath overrides where the auth-event journal database lives.
	JournalPath string `mapstructure:"journal_path" yaml:"journal_path"`
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/mailflow/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "mailflow", "config.yaml")
}

// DefaultCredentialsDir returns where token records are stored when the
// config does not override it.
func DefaultCredentialsDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "credentials")
	}
	return filepath.Join(home, ".config", "mailflow", "credentials")
}

// DefaultJournalPath returns where the auth-event journal lives when the
// config does not override it.
func DefaultJournalPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "mailflow.db")
	}
	return filepath.Join(home, ".config", "mailflow", "mailflow.db")
}

// defaultAppConfig returns a sensible default configuration.
func defaultAppConfig() *AppConfig {
	return &AppConfig{
		Accounts:       []AccountConfig{},
		CredentialsDir: DefaultCredentialsDir(),
		CallbackPort:   8080,
		JournalPath:    DefaultJournalPath(),
	}
}

// Load reads configuration from the given YAML file path using Viper. If
// the file does not exist, it returns a default configuration.
func Load(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetDefault("credentials_dir", DefaultCredentialsDir())
	v.SetDefault("callback_port", 8080)
	v.SetDefault("journal_path", DefaultJournalPath())

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); ok {
			return defaultAppConfig(), nil
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return defaultAppConfig(), nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := defaultAppConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	// Apply defaults for each account entry.
	for i := range cfg.Accounts {
		acc := &cfg.Accounts[i]
		if acc.IMAP.Port == 0 {
			acc.IMAP.Port = 993
			acc.IMAP.TLS = true
		}
		if acc.Auth.Method == "" {
			acc.Auth.Method = MethodPassword
		}
	}

	return cfg, nil
}

// Save writes the given configuration to a YAML file at path, creating
// parent directories if needed.
func Save(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("accounts", cfg.Accounts)
	v.Set("credentials_dir", cfg.CredentialsDir)
	v.Set("callback_port", cfg.CallbackPort)
	v.Set("journal_path", cfg.JournalPath)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}

// Account returns the named account's configuration.
func (c *AppConfig) Account(name string) (*AccountConfig, error) {
	for i := range c.Accounts {
		if c.Accounts[i].Name == name {
			return &c.Accounts[i], nil
		}
	}
	return nil, fmt.Errorf("account %q not found in configuration", name)
}

// OAuthClient holds provider client credentials supplied via environment
// variables, resolved once at provider construction rather than looked up
// ambiently inside the providers.
type OAuthClient struct {
	ClientID     string
	ClientSecret string
}

// OAuthClientFromEnv resolves client credentials for the given provider
// from GOOGLE_CLIENT_ID/GOOGLE_CLIENT_SECRET or MS_CLIENT_ID/MS_CLIENT_SECRET.
func OAuthClientFromEnv(provider string) (OAuthClient, error) {
	switch provider {
	case ProviderGoogle:
		return OAuthClient{
			ClientID:     os.Getenv("GOOGLE_CLIENT_ID"),
			ClientSecret: os.Getenv("GOOGLE_CLIENT_SECRET"),
		}, nil
	case ProviderMicrosoft:
		return OAuthClient{
			ClientID:     os.Getenv("MS_CLIENT_ID"),
			ClientSecret: os.Getenv("MS_CLIENT_SECRET"),
		}, nil
	default:
		return OAuthClient{}, fmt.Errorf("unknown oauth provider %q (expected google or microsoft)", provider)
	}
}
