package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// cacheTTL bounds how long a token fetched through GetValidToken is
	// served from memory before the on-disk record is consulted again.
	cacheTTL = 300 * time.Second

	credentialsDirMode  = 0o700
	credentialsFileMode = 0o600
)

// SaveOptions adjusts Manager.Save validation.
type SaveOptions struct {
	// AllowEmptyAccessToken skips the non-empty access token check, for
	// migrating legacy records that carry only a refresh token.
	AllowEmptyAccessToken bool
}

// Manager persists, loads, refreshes, and briefly caches per-account token
// records. Records live as one JSON file per account under a credentials
// directory restricted to the owner. The in-process cache is private to
// each Manager instance; cross-process writers are resolved last-writer-wins
// by the atomic rename, not by locking.
type Manager struct {
	dir     string
	log     *zap.SugaredLogger
	journal Journal

	mu    sync.Mutex
	cache map[string]cacheEntry

	now func() time.Time
}

type cacheEntry struct {
	token    string
	cachedAt time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithJournal attaches an auth-event journal.
func WithJournal(j Journal) ManagerOption {
	return func(m *Manager) { m.journal = j }
}

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a token manager rooted at the given credentials
// directory.
func NewManager(dir string, log *zap.SugaredLogger, opts ...ManagerOption) *Manager {
	m := &Manager{
		dir:   dir,
		log:   log,
		cache: make(map[string]cacheEntry),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// sanitizeAccount rejects account names that could escape the credentials
// directory when used to derive a file path.
func sanitizeAccount(account string) (string, error) {
	if account == "" {
		return "", &ValidationError{Field: "account", Reason: "must not be empty"}
	}
	if strings.ContainsAny(account, `/\`) || strings.Contains(account, "..") {
		return "", &ValidationError{Field: "account", Reason: "must not contain path separators or '..'"}
	}
	return account, nil
}

// path derives the token file path for a sanitized account name.
func (m *Manager) path(account string) string {
	return filepath.Join(m.dir, account+".json")
}

// Save validates and persists a token record for the account. The write
// goes through a temp file and an atomic rename so a concurrent reader
// never observes a partially written file; file and directory modes are
// restricted to the owner.
func (m *Manager) Save(account string, rec *TokenRecord, opts ...SaveOptions) error {
	var o SaveOptions
	if len(opts) > 0 {
		o = opts[0]
	}

	account, err := sanitizeAccount(account)
	if err != nil {
		return err
	}
	if rec == nil {
		return &ValidationError{Field: "record", Reason: "must not be nil"}
	}
	if rec.AccessToken == "" && !o.AllowEmptyAccessToken {
		return &ValidationError{Field: "access_token", Reason: "must not be empty"}
	}

	if err := os.MkdirAll(m.dir, credentialsDirMode); err != nil {
		return fmt.Errorf("creating credentials directory %s: %w", m.dir, err)
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding token record for %s: %w", account, err)
	}

	tmp, err := os.CreateTemp(m.dir, "."+account+"-*.json")
	if err != nil {
		return fmt.Errorf("creating temp token file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(credentialsFileMode); err != nil {
		tmp.Close()
		return fmt.Errorf("restricting token file mode: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing token file for %s: %w", account, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing token file for %s: %w", account, err)
	}
	if err := os.Rename(tmpName, m.path(account)); err != nil {
		return fmt.Errorf("installing token file for %s: %w", account, err)
	}

	m.mu.Lock()
	for key := range m.cache {
		if strings.HasPrefix(key, account+"|") {
			delete(m.cache, key)
		}
	}
	m.mu.Unlock()

	if m.log != nil {
		m.log.Debugw("saved token record", "account", account, "record", rec.String())
	}
	return nil
}

// Load reads the stored token record for the account. A missing file means
// "never authenticated" and returns (nil, nil); a malformed or unreadable
// file is a hard error.
func (m *Manager) Load(account string) (*TokenRecord, error) {
	account, err := sanitizeAccount(account)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(m.path(account))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading token file for %s: %w", account, err)
	}

	var rec TokenRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parsing token file for %s: %w", account, err)
	}
	return &rec, nil
}

// IsExpired reports whether the record counts as expired, applying the
// skew buffer. Missing expiry information is expired by policy.
func (m *Manager) IsExpired(rec *TokenRecord) bool {
	return rec.Expired(m.now())
}

// Refresh loads the stored record and refreshes it through the provider,
// persisting and returning the replacement on success.
func (m *Manager) Refresh(ctx context.Context, account string, p Provider) (*TokenRecord, error) {
	rec, err := m.Load(account)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, &AuthExpiredError{Account: account, Reason: "no stored tokens"}
	}
	if rec.RefreshToken == "" {
		return nil, &AuthExpiredError{Account: account, Reason: "no refresh token stored"}
	}

	fresh, err := p.Refresh(ctx, rec)
	if err != nil {
		m.record(ctx, Event{
			Account: account, Provider: p.Name(),
			Name: "refresh", Outcome: OutcomeFailed, Detail: errorClass(err),
		})
		return nil, err
	}

	if err := m.Save(account, fresh); err != nil {
		return nil, err
	}
	m.record(ctx, Event{
		Account: account, Provider: p.Name(),
		Name: "refresh", Outcome: OutcomeOK,
	})
	return fresh, nil
}

// GetValidToken is the single entry point used by authentication. It
// consults the in-process cache, then disk; an absent or expired record
// triggers a refresh, retried exactly once on transient failure. Failures
// never escape as errors past this boundary: absent means the caller must
// re-run the interactive authentication.
func (m *Manager) GetValidToken(ctx context.Context, account string, p Provider) (string, bool) {
	account, err := sanitizeAccount(account)
	if err != nil {
		if m.log != nil {
			m.log.Warnw("rejecting account name", "error", err)
		}
		return "", false
	}

	key := account + "|" + p.Name()
	now := m.now()

	m.mu.Lock()
	if entry, ok := m.cache[key]; ok && now.Sub(entry.cachedAt) < cacheTTL {
		m.mu.Unlock()
		return entry.token, true
	}
	m.mu.Unlock()

	rec, err := m.Load(account)
	if err != nil {
		if m.log != nil {
			m.log.Warnw("loading token record failed", "account", account, "error", err)
		}
		return "", false
	}

	if rec == nil || rec.Expired(now) {
		rec, err = m.Refresh(ctx, account, p)
		if err != nil && !IsAuthExpired(err) {
			// One retry for transient failures; an expired grant only
			// gets fixed by the interactive flow.
			rec, err = m.Refresh(ctx, account, p)
		}
		if err != nil {
			if m.log != nil {
				m.log.Warnw("token refresh failed", "account", account,
					"provider", p.Name(), "error", err)
			}
			return "", false
		}
	}

	m.mu.Lock()
	m.cache[key] = cacheEntry{token: rec.AccessToken, cachedAt: m.now()}
	m.mu.Unlock()

	return rec.AccessToken, true
}

// record writes a journal event, logging and swallowing journal failures.
func (m *Manager) record(ctx context.Context, ev Event) {
	if m.journal == nil {
		return
	}
	if err := m.journal.Record(ctx, ev); err != nil && m.log != nil {
		m.log.Debugw("journal write failed", "event", ev.Name, "error", err)
	}
}

// errorClass names the taxonomy class of an error for journal entries.
func errorClass(err error) string {
	switch {
	case IsAuthExpired(err):
		return "auth_expired"
	case IsStateMismatch(err):
		return "state_mismatch"
	default:
		var refresh *TokenRefreshError
		if errors.As(err, &refresh) {
			return "refresh_failed"
		}
		var exchange *TokenExchangeError
		if errors.As(err, &exchange) {
			return "exchange_failed"
		}
		return "error"
	}
}
