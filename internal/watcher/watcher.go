// Package watcher provides file system monitoring for the broker. It watches
// the configuration file and the accounts file, hot-reloading tunables and
// pool membership when either changes on disk.
package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/opencode-tools/antigravity-broker/internal/config"
)

// Watcher manages file watching for the config and accounts files.
type Watcher struct {
	configPath   string
	accountsPath string

	onConfig   func(*config.Config)
	onAccounts func()

	watcher *fsnotify.Watcher

	mu               sync.Mutex
	lastConfigHash   string
	lastAccountsHash string
}

// NewWatcher creates a watcher. Either callback may be nil.
func NewWatcher(configPath, accountsPath string, onConfig func(*config.Config), onAccounts func()) (*Watcher, error) {
	fsWatcher, errNewWatcher := fsnotify.NewWatcher()
	if errNewWatcher != nil {
		return nil, errNewWatcher
	}
	return &Watcher{
		configPath:   configPath,
		accountsPath: accountsPath,
		onConfig:     onConfig,
		onAccounts:   onAccounts,
		watcher:      fsWatcher,
	}, nil
}

// Start begins watching and launches the event loop.
func (w *Watcher) Start(ctx context.Context) error {
	for _, path := range []string{w.configPath, w.accountsPath} {
		if path == "" {
			continue
		}
		if err := w.watcher.Add(path); err != nil {
			// A file that does not exist yet is not fatal; it may be
			// created later, in which case the directory event covers it.
			log.Debugf("cannot watch %s: %v", path, err)
			continue
		}
		log.Debugf("watching file: %s", path)
	}

	go w.processEvents(ctx)
	return nil
}

// Stop stops the file watcher.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case errWatch, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Errorf("file watcher error: %v", errWatch)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}
	switch event.Name {
	case w.configPath:
		w.reloadConfig()
	case w.accountsPath:
		w.reloadAccounts()
	}
}

// changed computes a content hash and reports whether it differs from the
// previous one. Editors fire several events per save; the hash collapses
// them into one reload.
func (w *Watcher) changed(path string, last *string) bool {
	data, err := os.ReadFile(path)
	if err != nil || len(data) == 0 {
		return false
	}
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	w.mu.Lock()
	defer w.mu.Unlock()
	if *last == hash {
		return false
	}
	*last = hash
	return true
}

func (w *Watcher) reloadConfig() {
	if w.onConfig == nil || !w.changed(w.configPath, &w.lastConfigHash) {
		return
	}
	newConfig, err := config.LoadConfig(w.configPath)
	if err != nil {
		log.Errorf("failed to reload config: %v", err)
		return
	}
	log.Infof("config file changed, reloading: %s", w.configPath)
	w.onConfig(newConfig)
}

func (w *Watcher) reloadAccounts() {
	if w.onAccounts == nil || !w.changed(w.accountsPath, &w.lastAccountsHash) {
		return
	}
	log.Infof("accounts file changed, reloading pool: %s", w.accountsPath)
	w.onAccounts()
}
