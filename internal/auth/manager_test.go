package auth

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider implements Provider for tests, counting calls and serving
// canned results.
type fakeProvider struct {
	mu sync.Mutex

	redirectURI string
	authState   string

	exchangeCalls int
	exchangeRec   *TokenRecord
	exchangeErr   error

	refreshCalls int
	refreshRec   *TokenRecord
	refreshErr   error
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) SetRedirectURI(uri string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.redirectURI = uri
}

func (f *fakeProvider) AuthURL(state string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authState = state
	return f.redirectURI + "?fake-authorize&state=" + state, nil
}

func (f *fakeProvider) Exchange(ctx context.Context, code, state string) (*TokenRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if state != f.authState {
		return nil, &StateMismatchError{}
	}
	f.exchangeCalls++
	if f.exchangeErr != nil {
		return nil, f.exchangeErr
	}
	return f.exchangeRec, nil
}

func (f *fakeProvider) Refresh(ctx context.Context, rec *TokenRecord) (*TokenRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshCalls++
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	return f.refreshRec, nil
}

func (f *fakeProvider) ValidateToken(rec *TokenRecord) bool {
	return !rec.Expired(time.Now())
}

func futureRecord(token string) *TokenRecord {
	exp := time.Now().Add(time.Hour)
	return &TokenRecord{AccessToken: token, RefreshToken: "refresh", ExpiresAt: &exp}
}

func expiredRecord(token string) *TokenRecord {
	exp := time.Now().Add(-time.Hour)
	return &TokenRecord{AccessToken: token, RefreshToken: "refresh", ExpiresAt: &exp}
}

func TestManagerSaveLoadRoundTrip(t *testing.T) {
	m := NewManager(t.TempDir(), nil)
	exp := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	rec := &TokenRecord{AccessToken: "access", RefreshToken: "refresh", ExpiresAt: &exp}

	require.NoError(t, m.Save("work", rec))

	got, err := m.Load("work")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "access", got.AccessToken)
	assert.Equal(t, "refresh", got.RefreshToken)
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, exp.Equal(*got.ExpiresAt), "expiry must survive the round trip")
}

func TestManagerLoadAbsentIsNotAnError(t *testing.T) {
	m := NewManager(t.TempDir(), nil)

	rec, err := m.Load("foo")
	assert.NoError(t, err)
	assert.Nil(t, rec)
}

func TestManagerLoadMalformedIsAnError(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "work.json"), []byte("{not json"), 0o600))

	m := NewManager(dir, nil)
	_, err := m.Load("work")
	assert.Error(t, err)
}

func TestManagerSaveValidatesAccessToken(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, nil)

	err := m.Save("foo", &TokenRecord{})

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	entries, readErr := os.ReadDir(dir)
	require.NoError(t, readErr)
	assert.Empty(t, entries, "no file may be left on disk after a failed save")
}

func TestManagerSaveLenientMode(t *testing.T) {
	m := NewManager(t.TempDir(), nil)

	err := m.Save("foo", &TokenRecord{RefreshToken: "r"}, SaveOptions{AllowEmptyAccessToken: true})
	assert.NoError(t, err)
}

func TestManagerRejectsUnsafeAccountNames(t *testing.T) {
	m := NewManager(t.TempDir(), nil)

	for _, account := range []string{"", "../evil", "a/b", `a\b`, "x..y"} {
		err := m.Save(account, futureRecord("t"))
		var verr *ValidationError
		assert.ErrorAs(t, err, &verr, "account %q must be rejected", account)
	}
}

func TestManagerSaveRestrictsFileMode(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, nil)
	require.NoError(t, m.Save("work", futureRecord("t")))

	info, err := os.Stat(filepath.Join(dir, "work.json"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestManagerIsExpired(t *testing.T) {
	m := NewManager(t.TempDir(), nil)

	assert.False(t, m.IsExpired(futureRecord("t")))
	assert.True(t, m.IsExpired(expiredRecord("t")))
	assert.True(t, m.IsExpired(&TokenRecord{AccessToken: "t"}))
}

func TestManagerRefreshWithoutStoredTokens(t *testing.T) {
	m := NewManager(t.TempDir(), nil)
	p := &fakeProvider{}

	_, err := m.Refresh(context.Background(), "work", p)
	assert.True(t, IsAuthExpired(err))
	assert.Zero(t, p.refreshCalls, "no provider call without stored tokens")
}

func TestManagerRefreshWithoutRefreshToken(t *testing.T) {
	m := NewManager(t.TempDir(), nil)
	exp := time.Now().Add(-time.Hour)
	require.NoError(t, m.Save("work", &TokenRecord{AccessToken: "a", ExpiresAt: &exp}))

	p := &fakeProvider{}
	_, err := m.Refresh(context.Background(), "work", p)
	assert.True(t, IsAuthExpired(err))
	assert.Zero(t, p.refreshCalls)
}

func TestManagerGetValidTokenRefreshesExpiredRecord(t *testing.T) {
	m := NewManager(t.TempDir(), nil)
	require.NoError(t, m.Save("work", expiredRecord("old")))

	p := &fakeProvider{refreshRec: futureRecord("new")}
	token, ok := m.GetValidToken(context.Background(), "work", p)

	require.True(t, ok)
	assert.Equal(t, "new", token)
	assert.Equal(t, 1, p.refreshCalls)

	// The replacement record was persisted wholesale.
	got, err := m.Load("work")
	require.NoError(t, err)
	assert.Equal(t, "new", got.AccessToken)
}

func TestManagerGetValidTokenRetriesRefreshExactlyOnce(t *testing.T) {
	m := NewManager(t.TempDir(), nil)
	require.NoError(t, m.Save("work", expiredRecord("old")))

	p := &fakeProvider{refreshErr: &TokenRefreshError{Provider: "fake", Err: assert.AnError}}
	token, ok := m.GetValidToken(context.Background(), "work", p)

	assert.False(t, ok, "a failing refresh must yield absent, not an error")
	assert.Empty(t, token)
	assert.Equal(t, 2, p.refreshCalls, "exactly two refresh attempts")
}

func TestManagerGetValidTokenDoesNotRetryExpiredGrant(t *testing.T) {
	m := NewManager(t.TempDir(), nil)
	require.NoError(t, m.Save("work", expiredRecord("old")))

	p := &fakeProvider{refreshErr: &AuthExpiredError{Account: "work", Reason: "invalid_grant"}}
	_, ok := m.GetValidToken(context.Background(), "work", p)

	assert.False(t, ok)
	assert.Equal(t, 1, p.refreshCalls, "an expired grant is never retried as transient")
}

func TestManagerGetValidTokenAbsentAccount(t *testing.T) {
	m := NewManager(t.TempDir(), nil)

	p := &fakeProvider{refreshErr: &TokenRefreshError{Provider: "fake", Err: assert.AnError}}
	_, ok := m.GetValidToken(context.Background(), "nobody", p)
	assert.False(t, ok)
}

func TestManagerGetValidTokenUsesCache(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, nil)
	require.NoError(t, m.Save("work", futureRecord("cached")))

	p := &fakeProvider{}
	token, ok := m.GetValidToken(context.Background(), "work", p)
	require.True(t, ok)
	assert.Equal(t, "cached", token)

	// Remove the backing file; the cache must still serve the token.
	require.NoError(t, os.Remove(filepath.Join(dir, "work.json")))

	token, ok = m.GetValidToken(context.Background(), "work", p)
	assert.True(t, ok)
	assert.Equal(t, "cached", token)
	assert.Zero(t, p.refreshCalls)
}

func TestManagerGetValidTokenCacheExpires(t *testing.T) {
	now := time.Now()
	current := now
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return current
	}

	dir := t.TempDir()
	m := NewManager(dir, nil, WithClock(clock))
	require.NoError(t, m.Save("work", futureRecord("first")))

	_, ok := m.GetValidToken(context.Background(), "work", &fakeProvider{})
	require.True(t, ok)

	// Replace the stored record, then advance past the cache TTL.
	require.NoError(t, m.Save("work", futureRecord("second")))
	mu.Lock()
	current = now.Add(cacheTTL + time.Second)
	mu.Unlock()

	token, ok := m.GetValidToken(context.Background(), "work", &fakeProvider{})
	require.True(t, ok)
	assert.Equal(t, "second", token)
}
