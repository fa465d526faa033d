package auth

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// ExpirySkew is the safety margin subtracted from a token's nominal expiry.
// A token inside this window counts as expired so it is refreshed before
// the provider actually rejects it.
const ExpirySkew = 300 * time.Second

// TokenRecord is one account's persisted OAuth credential. Records are
// replaced wholesale on every refresh, never field-patched.
type TokenRecord struct {
	AccessToken  string
	RefreshToken string

	// ExpiresAt is the absolute expiry instant, when known.
	ExpiresAt *time.Time

	// ExpiresIn is a relative lifetime in seconds, kept only when the
	// stored record carried no absolute expiry. It is evaluated against
	// wall-clock now at check time.
	ExpiresIn int64
}

// Expired reports whether the record should be treated as expired at the
// given instant. Records with no usable expiry information are expired by
// policy, never optimistically valid.
func (r *TokenRecord) Expired(now time.Time) bool {
	if r == nil || r.AccessToken == "" {
		return true
	}
	if r.ExpiresAt != nil {
		return !now.Add(ExpirySkew).Before(*r.ExpiresAt)
	}
	if r.ExpiresIn > 0 {
		return r.ExpiresIn <= int64(ExpirySkew/time.Second)
	}
	return true
}

// tokenRecordJSON is the on-disk shape: one JSON object per account with
// access_token, refresh_token (nullable) and expires_at (nullable).
type tokenRecordJSON struct {
	AccessToken  string          `json:"access_token"`
	RefreshToken *string         `json:"refresh_token"`
	ExpiresAt    json.RawMessage `json:"expires_at,omitempty"`
	ExpiresIn    int64           `json:"expires_in,omitempty"`
}

// MarshalJSON writes expires_at as an RFC 3339 string or null.
func (r TokenRecord) MarshalJSON() ([]byte, error) {
	out := tokenRecordJSON{
		AccessToken: r.AccessToken,
		ExpiresIn:   r.ExpiresIn,
	}
	if r.RefreshToken != "" {
		rt := r.RefreshToken
		out.RefreshToken = &rt
	}
	if r.ExpiresAt != nil {
		ts, err := json.Marshal(r.ExpiresAt.UTC().Format(time.RFC3339))
		if err != nil {
			return nil, err
		}
		out.ExpiresAt = ts
	} else {
		out.ExpiresAt = json.RawMessage("null")
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts expires_at as an RFC 3339 / ISO-8601 string, an
// integer or float Unix timestamp, or null. Unparseable values are dropped
// so the record evaluates as expired rather than failing the load.
func (r *TokenRecord) UnmarshalJSON(data []byte) error {
	var raw tokenRecordJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.AccessToken = raw.AccessToken
	r.RefreshToken = ""
	if raw.RefreshToken != nil {
		r.RefreshToken = *raw.RefreshToken
	}
	r.ExpiresIn = raw.ExpiresIn
	r.ExpiresAt = parseExpiry(raw.ExpiresAt)
	return nil
}

// parseExpiry decodes the flexible expires_at encodings found in stored
// records. Returns nil when the value is absent or unrecognizable.
func parseExpiry(raw json.RawMessage) *time.Time {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		for _, layout := range []string{
			time.RFC3339Nano,
			time.RFC3339,
			"2006-01-02T15:04:05",
			"2006-01-02 15:04:05",
		} {
			if t, err := time.Parse(layout, s); err == nil {
				return &t
			}
		}
		return nil
	}

	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		sec, frac := math.Modf(f)
		t := time.Unix(int64(sec), int64(frac*float64(time.Second)))
		return &t
	}

	return nil
}

// NewTokenRecord builds a record from a token-endpoint response, turning a
// relative expires_in into an absolute expiry against now.
func NewTokenRecord(accessToken, refreshToken string, expiresIn int64, now time.Time) *TokenRecord {
	rec := &TokenRecord{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
	}
	if expiresIn > 0 {
		at := now.Add(time.Duration(expiresIn) * time.Second)
		rec.ExpiresAt = &at
	}
	return rec
}

// String renders the record for logs without exposing token values.
func (r *TokenRecord) String() string {
	if r == nil {
		return "TokenRecord(nil)"
	}
	exp := "none"
	if r.ExpiresAt != nil {
		exp = r.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return fmt.Sprintf("TokenRecord(access=%t refresh=%t expires_at=%s)",
		r.AccessToken != "", r.RefreshToken != "", exp)
}
