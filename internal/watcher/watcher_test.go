package watcher

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-tools/antigravity-broker/internal/config"
)

func TestHandleEventReloadsConfigOnce(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("port: 9200\n"), 0o600))

	var reloads []*config.Config
	w, err := NewWatcher(configPath, "", func(cfg *config.Config) {
		reloads = append(reloads, cfg)
	}, nil)
	require.NoError(t, err)
	defer func() { _ = w.Stop() }()

	event := fsnotify.Event{Name: configPath, Op: fsnotify.Write}

	// Editors fire several events per save; identical content reloads once.
	w.handleEvent(event)
	w.handleEvent(event)
	require.Len(t, reloads, 1)
	assert.Equal(t, 9200, reloads[0].Port)

	require.NoError(t, os.WriteFile(configPath, []byte("port: 9300\n"), 0o600))
	w.handleEvent(event)
	require.Len(t, reloads, 2)
	assert.Equal(t, 9300, reloads[1].Port)
}

func TestHandleEventReloadsAccounts(t *testing.T) {
	dir := t.TempDir()
	accountsPath := filepath.Join(dir, "accounts.json")
	require.NoError(t, os.WriteFile(accountsPath, []byte(`{"version":3,"accounts":[]}`), 0o600))

	reloads := 0
	w, err := NewWatcher("", accountsPath, nil, func() { reloads++ })
	require.NoError(t, err)
	defer func() { _ = w.Stop() }()

	w.handleEvent(fsnotify.Event{Name: accountsPath, Op: fsnotify.Write})
	assert.Equal(t, 1, reloads)

	// Chmod-only events never trigger a reload.
	w.handleEvent(fsnotify.Event{Name: accountsPath, Op: fsnotify.Chmod})
	assert.Equal(t, 1, reloads)
}

func TestHandleEventIgnoresUnrelatedFiles(t *testing.T) {
	dir := t.TempDir()
	other := filepath.Join(dir, "other.yaml")
	require.NoError(t, os.WriteFile(other, []byte("port: 1\n"), 0o600))

	called := false
	w, err := NewWatcher(filepath.Join(dir, "config.yaml"), "", func(*config.Config) { called = true }, nil)
	require.NoError(t, err)
	defer func() { _ = w.Stop() }()

	w.handleEvent(fsnotify.Event{Name: other, Op: fsnotify.Write})
	assert.False(t, called)
}
