// Package account implements the credential pool: sticky account selection
// with rotation on rate limits, per-bucket rate-limit bookkeeping, header
// style fallback for the Gemini family, and proactive token refresh.
package account

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/opencode-tools/antigravity-broker/internal/auth"
	"github.com/opencode-tools/antigravity-broker/internal/config"
	"github.com/opencode-tools/antigravity-broker/internal/constant"
)

// Notifier delivers a short human-readable message to the host UI.
type Notifier func(message string)

// ErrNoAccounts is returned when the pool is empty.
var ErrNoAccounts = errors.New("no accounts configured, run login first")

// AllRateLimitedError reports that every account is limited for the family,
// with the shortest wait until one frees up.
type AllRateLimitedError struct {
	Family constant.ModelFamily
	WaitMs int64
}

func (e *AllRateLimitedError) Error() string {
	return fmt.Sprintf("all accounts rate-limited for %s family, retry in %ds", e.Family, e.WaitMs/1000)
}

// Selection is the outcome of account selection: an account snapshot, the
// header style to use, and the quota bucket that style draws from.
type Selection struct {
	Account *auth.Account
	Style   constant.HeaderStyle
	Quota   constant.QuotaKey
}

// Manager owns the account pool. Selection is sticky per model family: the
// cursor only moves when the current account runs out of quota, so prompt
// caches stay warm on the upstream side.
type Manager struct {
	mu        sync.Mutex
	store     *auth.Store
	refresher *auth.Refresher
	notify    Notifier
	quiet     bool

	file *auth.AccountsFile

	// lastToast debounces repeated identical notifications.
	lastToast     map[string]time.Time
	toastDebounce time.Duration

	now func() time.Time
}

// NewManager creates a manager over the given store and refresher. notify may
// be nil.
func NewManager(store *auth.Store, refresher *auth.Refresher, cfg *config.Config, notify Notifier) *Manager {
	return &Manager{
		store:         store,
		refresher:     refresher,
		notify:        notify,
		quiet:         cfg != nil && cfg.QuietMode,
		lastToast:     map[string]time.Time{},
		toastDebounce: 30 * time.Second,
		now:           time.Now,
	}
}

// Load reads the accounts file into memory. Must be called before selection.
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	file, err := m.store.Load()
	if err != nil {
		return err
	}
	m.file = file
	log.Infof("loaded %d account(s)", len(file.Accounts))
	return nil
}

// Count returns the pool size.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return 0
	}
	return len(m.file.Accounts)
}

// Accounts returns deep copies of every account for inspection.
func (m *Manager) Accounts() []*auth.Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return nil
	}
	out := make([]*auth.Account, 0, len(m.file.Accounts))
	for _, account := range m.file.Accounts {
		out = append(out, account.Clone())
	}
	return out
}

// Add inserts or updates an account from a login result. An existing account
// with the same email or the same refresh token has its credentials replaced
// instead of being duplicated; the email can be missing when the userinfo
// fetch failed during login.
func (m *Manager) Add(result *auth.LoginResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		m.file = &auth.AccountsFile{ActiveIndexByFamily: map[constant.ModelFamily]int{}}
	}

	for _, existing := range m.file.Accounts {
		sameEmail := result.Email != "" && existing.Email == result.Email
		if !sameEmail && existing.RefreshToken != result.RefreshToken {
			continue
		}
		existing.RefreshToken = result.RefreshToken
		existing.AccessToken = result.AccessToken
		existing.Expires = result.Expires
		if result.Email != "" {
			existing.Email = result.Email
		}
		log.Infof("updated credentials for account #%d", existing.Index)
		return m.store.Save(m.file)
	}

	m.file.Accounts = append(m.file.Accounts, &auth.Account{
		Index:        len(m.file.Accounts),
		Email:        result.Email,
		RefreshToken: result.RefreshToken,
		AccessToken:  result.AccessToken,
		Expires:      result.Expires,
		AddedAt:      m.now().UnixMilli(),
	})
	log.Infof("added account %s, pool size now %d", result.Email, len(m.file.Accounts))
	return m.store.Save(m.file)
}

// Select returns the account to use for the family, refreshing its access
// token if needed. The current sticky account is preferred; if all of its
// quota buckets are limited the cursor advances to the next available
// account. When every account is limited an AllRateLimitedError carries the
// minimum wait.
func (m *Manager) Select(ctx context.Context, family constant.ModelFamily) (*Selection, error) {
	m.mu.Lock()
	account, style, reason, err := m.pickLocked(family)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if err = m.ensureFreshToken(ctx, account.Index, config.TokenExpirySkewMs); err != nil {
		if errors.Is(err, auth.ErrInvalidGrant) {
			// The account is gone; try again with whoever is left.
			return m.Select(ctx, family)
		}
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	selected := m.accountByIndexLocked(account.Index)
	if selected == nil {
		return nil, ErrNoAccounts
	}
	selected.LastUsed = m.now().UnixMilli()
	if reason != "" {
		selected.LastSwitchReason = reason
	}
	if errSave := m.store.Save(m.file); errSave != nil {
		log.Warnf("failed to persist account selection: %v", errSave)
	}
	return &Selection{
		Account: selected.Clone(),
		Style:   style,
		Quota:   constant.QuotaKeyFor(family, style),
	}, nil
}

// pickLocked chooses the account and header style without touching tokens.
func (m *Manager) pickLocked(family constant.ModelFamily) (*auth.Account, constant.HeaderStyle, constant.SwitchReason, error) {
	if m.file == nil || len(m.file.Accounts) == 0 {
		return nil, "", "", ErrNoAccounts
	}
	now := m.now()
	total := len(m.file.Accounts)
	start := m.file.ActiveIndexByFamily[family]
	if start < 0 || start >= total {
		start = 0
	}

	for offset := 0; offset < total; offset++ {
		idx := (start + offset) % total
		candidate := m.file.Accounts[idx]
		candidate.PruneExpiredResets(now)

		style, ok := availableStyle(candidate, family, now)
		if !ok {
			continue
		}

		reason := constant.SwitchReason("")
		if offset != 0 {
			reason = constant.SwitchRateLimit
			m.file.ActiveIndexByFamily[family] = idx
			m.file.ActiveIndex = idx
			m.toastLocked(fmt.Sprintf("Switched to account %s (rate limit)", displayName(candidate)))
			log.Infof("switched %s family to account #%d (%s)", family, idx, displayName(candidate))
		} else if candidate.LastSwitchReason == "" {
			reason = constant.SwitchInitial
		}
		return candidate, style, reason, nil
	}

	wait := m.minWaitLocked(family, now)
	return nil, "", "", &AllRateLimitedError{Family: family, WaitMs: wait}
}

// availableStyle returns the preferred free header style for the account, in
// bucket preference order. Claude has a single style; Gemini falls back to
// the gemini-cli style when the antigravity bucket is limited.
func availableStyle(account *auth.Account, family constant.ModelFamily, now time.Time) (constant.HeaderStyle, bool) {
	if family == constant.FamilyClaude {
		if account.RateLimitedForKey(constant.QuotaClaude, now) {
			return "", false
		}
		return constant.StyleAntigravity, true
	}
	if !account.RateLimitedForKey(constant.QuotaGeminiAntigravity, now) {
		return constant.StyleAntigravity, true
	}
	if !account.RateLimitedForKey(constant.QuotaGeminiCLI, now) {
		return constant.StyleGeminiCLI, true
	}
	return "", false
}

// MarkRateLimited records a 429 on the given account's quota bucket.
// resetMs of zero applies a one-minute default hold.
func (m *Manager) MarkRateLimited(index int, key constant.QuotaKey, resetMs int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	account := m.accountByIndexLocked(index)
	if account == nil {
		return
	}
	if resetMs <= 0 {
		resetMs = m.now().UnixMilli() + 60_000
	}
	if account.RateLimitResetTimes == nil {
		account.RateLimitResetTimes = map[constant.QuotaKey]int64{}
	}
	account.RateLimitResetTimes[key] = resetMs
	log.Infof("account #%d (%s) rate-limited on %s until %s",
		index, displayName(account), key, time.UnixMilli(resetMs).Format(time.RFC3339))
	if errSave := m.store.Save(m.file); errSave != nil {
		log.Warnf("failed to persist rate-limit state: %v", errSave)
	}
}

// MinWaitMs returns the shortest time in ms until some account frees up for
// the family, or 0 if one is available now.
func (m *Manager) MinWaitMs(family constant.ModelFamily) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return 0
	}
	return m.minWaitLocked(family, m.now())
}

func (m *Manager) minWaitLocked(family constant.ModelFamily, now time.Time) int64 {
	var min int64 = -1
	for _, account := range m.file.Accounts {
		wait := account.FreeInMs(family, now)
		if wait == 0 {
			return 0
		}
		if min < 0 || wait < min {
			min = wait
		}
	}
	if min < 0 {
		return 0
	}
	return min
}

// ensureFreshToken refreshes the account's access token when it is missing or
// expires within windowMs. Revoked accounts are removed from the pool.
func (m *Manager) ensureFreshToken(ctx context.Context, index int, windowMs int64) error {
	m.mu.Lock()
	account := m.accountByIndexLocked(index)
	if account == nil {
		m.mu.Unlock()
		return ErrNoAccounts
	}
	if !account.TokenExpired(m.now(), windowMs) {
		m.mu.Unlock()
		return nil
	}
	refreshToken := account.RefreshToken
	name := displayName(account)
	m.mu.Unlock()

	log.Debugf("refreshing access token for account #%d (%s)", index, name)
	result, err := m.refresher.Refresh(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidGrant) {
			m.Remove(index)
			m.Toast(fmt.Sprintf("Account %s was revoked and has been removed", name))
			return err
		}
		return fmt.Errorf("refresh token for account #%d: %w", index, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	account = m.accountByIndexLocked(index)
	if account == nil {
		return ErrNoAccounts
	}
	account.AccessToken = result.AccessToken
	account.Expires = result.Expires
	if errSave := m.store.Save(m.file); errSave != nil {
		log.Warnf("failed to persist refreshed token: %v", errSave)
	}
	return nil
}

// Remove deletes an account and re-indexes the pool. Cursors pointing past
// the removed slot shift back so selection stays stable.
func (m *Manager) Remove(index int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil || index < 0 || index >= len(m.file.Accounts) {
		return
	}
	removed := m.file.Accounts[index]
	m.file.Accounts = append(m.file.Accounts[:index], m.file.Accounts[index+1:]...)
	for i, account := range m.file.Accounts {
		account.Index = i
	}
	for family, cursor := range m.file.ActiveIndexByFamily {
		if cursor > index {
			m.file.ActiveIndexByFamily[family] = cursor - 1
		} else if cursor >= len(m.file.Accounts) {
			m.file.ActiveIndexByFamily[family] = 0
		}
	}
	if m.file.ActiveIndex > index {
		m.file.ActiveIndex--
	} else if m.file.ActiveIndex >= len(m.file.Accounts) {
		m.file.ActiveIndex = 0
	}
	log.Warnf("removed account #%d (%s), pool size now %d", index, displayName(removed), len(m.file.Accounts))
	if errSave := m.store.Save(m.file); errSave != nil {
		log.Warnf("failed to persist account removal: %v", errSave)
	}
}

// SetProject persists the discovered project ids onto an account.
func (m *Manager) SetProject(index int, managedProjectID, projectID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	account := m.accountByIndexLocked(index)
	if account == nil {
		return
	}
	changed := false
	if managedProjectID != "" && account.ManagedProjectID != managedProjectID {
		account.ManagedProjectID = managedProjectID
		changed = true
	}
	if projectID != "" && account.ProjectID != projectID {
		account.ProjectID = projectID
		changed = true
	}
	if changed {
		if errSave := m.store.Save(m.file); errSave != nil {
			log.Warnf("failed to persist project ids: %v", errSave)
		}
	}
}

// Toast sends a debounced notification unless quiet mode is on.
func (m *Manager) Toast(message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.toastLocked(message)
}

func (m *Manager) toastLocked(message string) {
	if m.notify == nil || m.quiet {
		return
	}
	now := m.now()
	if last, ok := m.lastToast[message]; ok && now.Sub(last) < m.toastDebounce {
		return
	}
	m.lastToast[message] = now
	m.notify(message)
}

func (m *Manager) accountByIndexLocked(index int) *auth.Account {
	if m.file == nil || index < 0 || index >= len(m.file.Accounts) {
		return nil
	}
	return m.file.Accounts[index]
}

func displayName(account *auth.Account) string {
	if account.Email != "" {
		return account.Email
	}
	return fmt.Sprintf("account-%d", account.Index)
}
