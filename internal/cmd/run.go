package cmd

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/opencode-tools/antigravity-broker/internal/account"
	"github.com/opencode-tools/antigravity-broker/internal/api"
	"github.com/opencode-tools/antigravity-broker/internal/auth"
	"github.com/opencode-tools/antigravity-broker/internal/config"
	"github.com/opencode-tools/antigravity-broker/internal/dispatch"
	"github.com/opencode-tools/antigravity-broker/internal/logging"
	"github.com/opencode-tools/antigravity-broker/internal/project"
	"github.com/opencode-tools/antigravity-broker/internal/recovery"
	"github.com/opencode-tools/antigravity-broker/internal/signature"
	"github.com/opencode-tools/antigravity-broker/internal/transform"
	"github.com/opencode-tools/antigravity-broker/internal/util"
	"github.com/opencode-tools/antigravity-broker/internal/watcher"
)

// StartService wires every component and serves until SIGINT or SIGTERM.
func StartService(cfg *config.Config, configPath string) {
	configDir := config.ConfigDir()

	// Outbound client has no overall timeout; streaming responses stay open
	// as long as the model generates.
	httpClient := util.NewHTTPClient(cfg.ProxyURL, 0)

	store := auth.NewStore(configDir, config.AccountsFileName)
	refresher := auth.NewRefresher(httpClient)
	manager := account.NewManager(store, refresher, cfg, func(message string) {
		log.Infof("notify: %s", message)
	})
	if err := manager.Load(); err != nil {
		log.Fatalf("failed to load accounts file: %v", err)
	}
	if manager.Count() == 0 {
		log.Warn("account pool is empty, run with --login to add one")
	}

	resolver := project.NewResolver(httpClient, cfg.ProjectID, nil)
	resolver.SetPersister(func(index int, managedProjectID string) {
		manager.SetProject(index, managedProjectID, "")
	})

	var cache *signature.Cache
	if cfg.CacheEnabled() {
		cache = signature.NewCache(filepath.Join(configDir, config.SignatureCacheFileName), cfg)
		cache.Start()
	}

	var recoveryStore *recovery.Store
	var hook *recovery.Hook
	if cfg.SessionRecovery {
		var errStore error
		recoveryStore, errStore = recovery.OpenStore(filepath.Join(configDir, config.RecoveryStoreFileName))
		if errStore != nil {
			log.Warnf("session recovery store unavailable: %v", errStore)
		}
		hook = recovery.NewHook(cfg, recoveryStore, cache)
	}

	sessionUUID := uuid.NewString()
	transformer := transform.NewTransformer(cfg, cache, sessionUUID)
	responses := transform.NewResponseTransformer(cfg, cache)
	dispatcher := dispatch.NewDispatcher(cfg, manager, resolver, transformer, responses, httpClient)

	var queue *account.RefreshQueue
	if cfg.ProactiveTokenRefresh {
		queue = account.NewRefreshQueue(manager, cfg)
		queue.Start()
	}

	watchCtx, cancelWatch := context.WithCancel(context.Background())
	fileWatcher, errWatcher := watcher.NewWatcher(configPath, store.Path(),
		func(newConfig *config.Config) {
			logging.Setup(newConfig.Debug)
		},
		func() {
			if errReload := manager.Load(); errReload != nil {
				log.Errorf("failed to reload accounts: %v", errReload)
			}
		},
	)
	if errWatcher != nil {
		log.Warnf("file watching unavailable: %v", errWatcher)
	} else if errStart := fileWatcher.Start(watchCtx); errStart != nil {
		log.Warnf("file watching failed to start: %v", errStart)
	}

	server := api.NewServer(cfg, dispatcher, hook, manager, queue, cache)

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Run() }()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-signals:
		log.Infof("received %s, shutting down", sig)
	case err := <-serverErr:
		if err != nil {
			log.Errorf("server failed: %v", err)
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warnf("shutdown did not complete cleanly: %v", err)
	}

	cancelWatch()
	if fileWatcher != nil {
		_ = fileWatcher.Stop()
	}
	if queue != nil {
		queue.Stop()
	}
	if cache != nil {
		cache.Stop()
	}
	if recoveryStore != nil {
		_ = recoveryStore.Close()
	}
	log.Info("shutdown complete")
}
