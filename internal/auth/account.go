// Package auth provides credential persistence and OAuth token management
// for the antigravity broker. It owns the versioned accounts file, the
// refresh-token exchange against the upstream OAuth endpoint, and the
// interactive PKCE login flow that adds accounts to the pool.
package auth

import (
	"time"

	"github.com/opencode-tools/antigravity-broker/internal/constant"
)

// Account represents one upstream user credential. The account manager owns
// these records for the process lifetime; the accounts file is the source of
// truth on startup and is flushed back on every mutation.
type Account struct {
	// Index is the account's stable position in the pool.
	Index int `json:"index"`

	// Email identifies the Google account, when known.
	Email string `json:"email,omitempty"`

	// RefreshToken is the opaque long-lived credential.
	RefreshToken string `json:"refreshToken"`

	// ProjectID is a user-supplied cloud project id, if any.
	ProjectID string `json:"projectId,omitempty"`

	// ManagedProjectID is the upstream-managed project discovered via
	// loadCodeAssist.
	ManagedProjectID string `json:"managedProjectId,omitempty"`

	// AccessToken is the current bearer token; empty until first refresh.
	AccessToken string `json:"accessToken,omitempty"`

	// Expires is the access token expiry as unix milliseconds.
	Expires int64 `json:"expires,omitempty"`

	// AddedAt and LastUsed are unix-millisecond bookkeeping stamps.
	AddedAt  int64 `json:"addedAt,omitempty"`
	LastUsed int64 `json:"lastUsed,omitempty"`

	// RateLimitResetTimes maps quota keys to unix-ms reset times. Entries in
	// the past are treated as absent and pruned lazily on access.
	RateLimitResetTimes map[constant.QuotaKey]int64 `json:"rateLimitResetTimes,omitempty"`

	// LastSwitchReason records why this account was last selected.
	LastSwitchReason constant.SwitchReason `json:"lastSwitchReason,omitempty"`
}

// Clone returns a deep copy so callers receive values, not handles into the
// manager's shared records.
func (a *Account) Clone() *Account {
	c := *a
	if a.RateLimitResetTimes != nil {
		c.RateLimitResetTimes = make(map[constant.QuotaKey]int64, len(a.RateLimitResetTimes))
		for k, v := range a.RateLimitResetTimes {
			c.RateLimitResetTimes[k] = v
		}
	}
	return &c
}

// PruneExpiredResets drops reset times that are already in the past.
// Returns true if anything was removed.
func (a *Account) PruneExpiredResets(now time.Time) bool {
	if len(a.RateLimitResetTimes) == 0 {
		return false
	}
	nowMs := now.UnixMilli()
	pruned := false
	for key, reset := range a.RateLimitResetTimes {
		if reset <= nowMs {
			delete(a.RateLimitResetTimes, key)
			pruned = true
		}
	}
	return pruned
}

// TokenExpired reports whether the access token is missing or expires within
// the clock-skew buffer.
func (a *Account) TokenExpired(now time.Time, skewMs int64) bool {
	if a.AccessToken == "" {
		return true
	}
	return a.Expires <= now.UnixMilli()+skewMs
}

// RateLimitedForKey reports whether the given quota bucket has a reset time
// in the future.
func (a *Account) RateLimitedForKey(key constant.QuotaKey, now time.Time) bool {
	reset, ok := a.RateLimitResetTimes[key]
	return ok && reset > now.UnixMilli()
}

// RateLimitedForFamily reports whether every quota bucket of the family is
// limited. An account with any free bucket is still usable for the family.
func (a *Account) RateLimitedForFamily(family constant.ModelFamily, now time.Time) bool {
	for _, key := range constant.QuotaKeysForFamily(family) {
		if !a.RateLimitedForKey(key, now) {
			return false
		}
	}
	return true
}

// FreeInMs returns how long until any of the family's buckets frees up, or 0
// if one is already free. For an account with both Gemini buckets limited
// this is the minimum of the two remaining waits.
func (a *Account) FreeInMs(family constant.ModelFamily, now time.Time) int64 {
	nowMs := now.UnixMilli()
	var min int64 = -1
	for _, key := range constant.QuotaKeysForFamily(family) {
		reset, ok := a.RateLimitResetTimes[key]
		if !ok || reset <= nowMs {
			return 0
		}
		wait := reset - nowMs
		if min < 0 || wait < min {
			min = wait
		}
	}
	if min < 0 {
		return 0
	}
	return min
}
