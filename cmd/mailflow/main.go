package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/huh/spinner"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nhle/mailflow/internal/auth"
	"github.com/nhle/mailflow/internal/config"
	"github.com/nhle/mailflow/internal/mailbox"
	"github.com/nhle/mailflow/internal/store"
)

var (
	styleSuccess = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	styleError   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	styleHint    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	styleURL     = lipgloss.NewStyle().Underline(true)
)

func main() {
	var (
		configPath string
		verbose    bool
	)

	rootCmd := &cobra.Command{
		Use:   "mailflow",
		Short: "Mailflow - mailbox authentication for the mail pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultConfigPath(), "Path to the config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	var flowTimeout time.Duration
	authCmd := &cobra.Command{
		Use:   "auth <account>",
		Short: "Run the interactive OAuth authorization flow for an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuth(cmd.Context(), configPath, args[0], flowTimeout, newLogger(verbose))
		},
	}
	authCmd.Flags().DurationVar(&flowTimeout, "timeout", auth.DefaultFlowTimeout, "How long to wait for the browser step")

	statusCmd := &cobra.Command{
		Use:   "status <account>",
		Short: "Show the stored token and recent auth activity for an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), configPath, args[0], newLogger(verbose))
		},
	}

	checkCmd := &cobra.Command{
		Use:   "check <account>",
		Short: "Connect to the account's mailbox and verify authentication",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd.Context(), configPath, args[0], newLogger(verbose))
		},
	}

	rootCmd.AddCommand(authCmd, statusCmd, checkCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, styleError.Render("error: ")+err.Error())
		if hint := remediation(err); hint != "" {
			fmt.Fprintln(os.Stderr, styleHint.Render("hint: "+hint))
		}
		os.Exit(1)
	}
}

// newLogger builds the CLI logger; verbose enables debug output.
func newLogger(verbose bool) *zap.SugaredLogger {
	cfg := zap.NewDevelopmentConfig()
	if !verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop().Sugar()
	}
	return logger.Sugar()
}

// setup loads configuration, resolves the account, and wires the token
// manager plus the (best-effort) auth journal.
func setup(cfgPath, account string, log *zap.SugaredLogger) (*config.AppConfig, *config.AccountConfig, *auth.Manager, *store.JournalStore, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	acc, err := cfg.Account(account)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	journal, err := store.Open(cfg.JournalPath)
	if err != nil {
		log.Warnw("auth journal unavailable", "path", cfg.JournalPath, "error", err)
		journal = nil
	}

	opts := []auth.ManagerOption{}
	if journal != nil {
		opts = append(opts, auth.WithJournal(journal))
	}
	manager := auth.NewManager(cfg.CredentialsDir, log, opts...)

	return cfg, acc, manager, journal, nil
}

// buildProvider constructs the account's OAuth provider from environment
// credentials.
func buildProvider(acc *config.AccountConfig) (auth.Provider, error) {
	client, err := config.OAuthClientFromEnv(acc.Auth.Provider)
	if err != nil {
		return nil, err
	}
	oc := auth.OAuthConfig{
		ClientID:     client.ClientID,
		ClientSecret: client.ClientSecret,
	}
	switch acc.Auth.Provider {
	case config.ProviderGoogle:
		return auth.NewGoogleProvider(oc)
	case config.ProviderMicrosoft:
		return auth.NewMicrosoftProvider(oc)
	default:
		return nil, fmt.Errorf("unknown oauth provider %q", acc.Auth.Provider)
	}
}

func runAuth(ctx context.Context, cfgPath, account string, timeout time.Duration, log *zap.SugaredLogger) error {
	cfg, acc, manager, journal, err := setup(cfgPath, account, log)
	if err != nil {
		return err
	}
	if journal != nil {
		defer journal.Close()
	}
	if acc.Auth.Method != config.MethodOAuth {
		return fmt.Errorf("account %q uses method %q; auth is only needed for oauth accounts", account, acc.Auth.Method)
	}

	provider, err := buildProvider(acc)
	if err != nil {
		return err
	}

	// A still-valid token makes re-authorization optional.
	if rec, err := manager.Load(account); err == nil && rec != nil && !manager.IsExpired(rec) {
		proceed := false
		if err := huh.NewConfirm().
			Title(fmt.Sprintf("The stored token for %s is still valid. Re-authenticate anyway?", account)).
			Value(&proceed).
			Run(); err != nil {
			return err
		}
		if !proceed {
			return nil
		}
	}

	var j auth.Journal
	if journal != nil {
		j = journal
	}
	flow := auth.NewFlow(account, provider, manager, log, j, auth.FlowOptions{
		Timeout: timeout,
		Port:    cfg.CallbackPort,
	})

	var rec *auth.TokenRecord
	err = spinner.New().
		Title("Waiting for browser authorization...").
		Context(ctx).
		ActionWithErr(func(ctx context.Context) error {
			var runErr error
			rec, runErr = flow.Run(ctx)
			return runErr
		}).
		Run()
	if err != nil {
		return err
	}

	exp := "no expiry reported"
	if rec.ExpiresAt != nil {
		exp = "expires " + rec.ExpiresAt.Local().Format(time.RFC1123)
	}
	fmt.Println(styleSuccess.Render("Authenticated ") + account + " (" + exp + ")")
	return nil
}

func runStatus(ctx context.Context, cfgPath, account string, log *zap.SugaredLogger) error {
	_, acc, manager, journal, err := setup(cfgPath, account, log)
	if err != nil {
		return err
	}
	if journal != nil {
		defer journal.Close()
	}

	fmt.Printf("Account:  %s <%s>\n", acc.Name, acc.Email)
	fmt.Printf("Method:   %s", acc.Auth.Method)
	if acc.Auth.Method == config.MethodOAuth {
		fmt.Printf(" (%s)", acc.Auth.Provider)
	}
	fmt.Println()

	if acc.Auth.Method == config.MethodOAuth {
		rec, err := manager.Load(account)
		switch {
		case err != nil:
			return err
		case rec == nil:
			fmt.Println("Token:    none (run `mailflow auth " + account + "`)")
		case manager.IsExpired(rec):
			fmt.Println("Token:    expired (will refresh on next use)")
		default:
			exp := "no expiry reported"
			if rec.ExpiresAt != nil {
				exp = rec.ExpiresAt.Local().Format(time.RFC1123)
			}
			fmt.Println("Token:    valid until " + exp)
		}
	}

	if journal != nil {
		events, err := journal.Recent(ctx, account, 5)
		if err != nil {
			return err
		}
		if len(events) > 0 {
			fmt.Println("\nRecent auth activity:")
			for _, ev := range events {
				detail := ev.Detail
				if detail != "" {
					detail = " (" + detail + ")"
				}
				fmt.Printf("  %s  %-10s %s%s\n",
					ev.CreatedAt.Local().Format("2006-01-02 15:04"),
					ev.Event, ev.Outcome, detail)
			}
		}
	}
	return nil
}

func runCheck(ctx context.Context, cfgPath, account string, log *zap.SugaredLogger) error {
	_, acc, manager, journal, err := setup(cfgPath, account, log)
	if err != nil {
		return err
	}
	if journal != nil {
		defer journal.Close()
	}

	var authenticator auth.Authenticator
	switch acc.Auth.Method {
	case config.MethodPassword:
		authenticator = auth.NewPasswordAuthenticator(acc.Name, acc.Email, acc.Auth.PasswordEnv)
	case config.MethodOAuth:
		provider, err := buildProvider(acc)
		if err != nil {
			return err
		}
		authenticator = auth.NewOAuthAuthenticator(acc.Name, acc.Email, provider, manager, log)
	default:
		return fmt.Errorf("account %q has unknown auth method %q", account, acc.Auth.Method)
	}

	conn, err := mailbox.Dial(acc.IMAP.Host, acc.IMAP.Port, acc.IMAP.TLS)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := authenticator.Authenticate(ctx, conn); err != nil {
		return err
	}

	fmt.Println(styleSuccess.Render("OK ") + account + " authenticated against " +
		styleURL.Render(fmt.Sprintf("%s:%d", acc.IMAP.Host, acc.IMAP.Port)))
	return nil
}

// remediation maps subsystem errors to an actionable next step.
func remediation(err error) string {
	var portErr *auth.PortUnavailableError
	var timeoutErr *auth.TimeoutError
	var callbackErr *auth.CallbackError
	var configErr *auth.ConfigurationError

	switch {
	case errors.As(err, &portErr):
		return "free a local port in the scanned range or set callback_port in the config"
	case errors.As(err, &timeoutErr):
		return "re-run the auth command and complete the browser step within the timeout"
	case errors.As(err, &callbackErr):
		return "retry the browser step; if you denied consent, approve access this time"
	case errors.As(err, &configErr):
		return "export the provider's client credentials before retrying"
	case auth.IsStateMismatch(err):
		return "the callback did not match this attempt; re-run the auth command"
	case auth.IsAuthExpired(err):
		return "run `mailflow auth <account>` to re-authorize"
	}
	return ""
}
