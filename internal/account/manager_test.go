package account

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-tools/antigravity-broker/internal/auth"
	"github.com/opencode-tools/antigravity-broker/internal/config"
	"github.com/opencode-tools/antigravity-broker/internal/constant"
)

// newTestManager builds a manager over a temp-dir store with n accounts whose
// access tokens never expire during the test.
func newTestManager(t *testing.T, n int) *Manager {
	t.Helper()
	store := auth.NewStore(t.TempDir(), "accounts.json")
	cfg := &config.Config{}
	cfg.ApplyDefaults()
	manager := NewManager(store, auth.NewRefresher(nil), cfg, nil)
	require.NoError(t, manager.Load())

	for i := 0; i < n; i++ {
		require.NoError(t, manager.Add(&auth.LoginResult{
			Email:        string(rune('a'+i)) + "@example.com",
			RefreshToken: "rt-" + string(rune('a'+i)),
			AccessToken:  "at-" + string(rune('a'+i)),
			Expires:      time.Now().Add(24 * time.Hour).UnixMilli(),
		}))
	}
	return manager
}

func TestAddDedupsOnRefreshToken(t *testing.T) {
	manager := newTestManager(t, 0)

	// A login whose userinfo fetch failed carries no email.
	require.NoError(t, manager.Add(&auth.LoginResult{
		RefreshToken: "rt-a",
		AccessToken:  "at-1",
		Expires:      time.Now().Add(time.Hour).UnixMilli(),
	}))
	require.NoError(t, manager.Add(&auth.LoginResult{
		Email:        "a@example.com",
		RefreshToken: "rt-a",
		AccessToken:  "at-2",
		Expires:      time.Now().Add(2 * time.Hour).UnixMilli(),
	}))

	require.Equal(t, 1, manager.Count())
	account := manager.Accounts()[0]
	assert.Equal(t, "a@example.com", account.Email)
	assert.Equal(t, "at-2", account.AccessToken)
}

func TestStickySelectionWithoutRotation(t *testing.T) {
	manager := newTestManager(t, 2)

	for i := 0; i < 5; i++ {
		selection, err := manager.Select(context.Background(), constant.FamilyClaude)
		require.NoError(t, err)
		assert.Equal(t, 0, selection.Account.Index)
		assert.Equal(t, constant.StyleAntigravity, selection.Style)
		assert.Equal(t, constant.QuotaClaude, selection.Quota)
	}
}

func TestRotationOnRateLimit(t *testing.T) {
	manager := newTestManager(t, 2)
	reset := time.Now().Add(30 * time.Second).UnixMilli()

	manager.MarkRateLimited(0, constant.QuotaClaude, reset)

	for i := 0; i < 2; i++ {
		selection, err := manager.Select(context.Background(), constant.FamilyClaude)
		require.NoError(t, err)
		assert.Equal(t, 1, selection.Account.Index)
	}

	// After the reset passes, account 0 is selectable again.
	manager.now = func() time.Time { return time.Now().Add(31 * time.Second) }
	selection, err := manager.Select(context.Background(), constant.FamilyClaude)
	require.NoError(t, err)
	assert.Contains(t, []int{0, 1}, selection.Account.Index)
}

func TestHeaderStyleFallbackForGemini(t *testing.T) {
	manager := newTestManager(t, 1)
	reset := time.Now().Add(60 * time.Second).UnixMilli()

	manager.MarkRateLimited(0, constant.QuotaGeminiAntigravity, reset)

	selection, err := manager.Select(context.Background(), constant.FamilyGemini)
	require.NoError(t, err)
	assert.Equal(t, 0, selection.Account.Index)
	assert.Equal(t, constant.StyleGeminiCLI, selection.Style)
	assert.Equal(t, constant.QuotaGeminiCLI, selection.Quota)

	// The claude bucket is untouched by gemini limits.
	claudeSel, errClaude := manager.Select(context.Background(), constant.FamilyClaude)
	require.NoError(t, errClaude)
	assert.Equal(t, constant.StyleAntigravity, claudeSel.Style)
}

func TestAllRateLimitedReturnsMinWait(t *testing.T) {
	manager := newTestManager(t, 2)
	now := time.Now()

	manager.MarkRateLimited(0, constant.QuotaClaude, now.Add(90*time.Second).UnixMilli())
	manager.MarkRateLimited(1, constant.QuotaClaude, now.Add(30*time.Second).UnixMilli())

	_, err := manager.Select(context.Background(), constant.FamilyClaude)
	var limited *AllRateLimitedError
	require.ErrorAs(t, err, &limited)
	assert.InDelta(t, 30_000, limited.WaitMs, 2000)

	// Gemini buckets are free; the family is still available.
	_, errGemini := manager.Select(context.Background(), constant.FamilyGemini)
	require.NoError(t, errGemini)
}

func TestAvailableIffAnyQuotaKeyFree(t *testing.T) {
	manager := newTestManager(t, 1)
	now := time.Now()

	manager.MarkRateLimited(0, constant.QuotaGeminiAntigravity, now.Add(time.Minute).UnixMilli())
	_, err := manager.Select(context.Background(), constant.FamilyGemini)
	require.NoError(t, err)

	manager.MarkRateLimited(0, constant.QuotaGeminiCLI, now.Add(time.Minute).UnixMilli())
	_, err = manager.Select(context.Background(), constant.FamilyGemini)
	var limited *AllRateLimitedError
	require.ErrorAs(t, err, &limited)
}

func TestRemoveReindexesAndShiftsCursors(t *testing.T) {
	manager := newTestManager(t, 3)

	// Move the claude cursor onto account 2 by limiting the first two.
	now := time.Now()
	manager.MarkRateLimited(0, constant.QuotaClaude, now.Add(time.Minute).UnixMilli())
	manager.MarkRateLimited(1, constant.QuotaClaude, now.Add(time.Minute).UnixMilli())
	selection, err := manager.Select(context.Background(), constant.FamilyClaude)
	require.NoError(t, err)
	require.Equal(t, 2, selection.Account.Index)

	manager.Remove(0)

	accounts := manager.Accounts()
	require.Len(t, accounts, 2)
	assert.Equal(t, 0, accounts[0].Index)
	assert.Equal(t, 1, accounts[1].Index)

	// The sticky account survives removal of an earlier slot.
	selection, err = manager.Select(context.Background(), constant.FamilyClaude)
	require.NoError(t, err)
	assert.Equal(t, "c@example.com", selection.Account.Email)
}

func TestToastDebounce(t *testing.T) {
	var toasts []string
	store := auth.NewStore(t.TempDir(), "accounts.json")
	cfg := &config.Config{}
	cfg.ApplyDefaults()
	manager := NewManager(store, auth.NewRefresher(nil), cfg, func(message string) {
		toasts = append(toasts, message)
	})
	require.NoError(t, manager.Load())

	manager.Toast("switching")
	manager.Toast("switching")
	assert.Len(t, toasts, 1)

	manager.now = func() time.Time { return time.Now().Add(time.Minute) }
	manager.Toast("switching")
	assert.Len(t, toasts, 2)
}

func TestQuietModeSuppressesToasts(t *testing.T) {
	var toasts []string
	store := auth.NewStore(t.TempDir(), "accounts.json")
	cfg := &config.Config{QuietMode: true}
	cfg.ApplyDefaults()
	manager := NewManager(store, auth.NewRefresher(nil), cfg, func(message string) {
		toasts = append(toasts, message)
	})
	require.NoError(t, manager.Load())

	manager.Toast("switching")
	assert.Empty(t, toasts)
}
