// Package cmd hosts the two top-level entry points: the interactive login
// flow and the long-running broker service.
package cmd

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/opencode-tools/antigravity-broker/internal/account"
	"github.com/opencode-tools/antigravity-broker/internal/auth"
	"github.com/opencode-tools/antigravity-broker/internal/config"
	"github.com/opencode-tools/antigravity-broker/internal/util"
)

// loginTimeout bounds the whole interactive flow including the user's
// consent wait.
const loginTimeout = 5 * time.Minute

// DoLogin runs the OAuth login flow and appends the account to the pool.
func DoLogin(cfg *config.Config, noBrowser bool) {
	httpClient := util.NewHTTPClient(cfg.ProxyURL, 30*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), loginTimeout)
	defer cancel()

	result, err := auth.Login(ctx, httpClient, noBrowser)
	if err != nil {
		log.Fatalf("login failed: %v", err)
	}

	store := auth.NewStore(config.ConfigDir(), config.AccountsFileName)
	manager := account.NewManager(store, auth.NewRefresher(httpClient), cfg, nil)
	if errLoad := manager.Load(); errLoad != nil {
		log.Fatalf("failed to load accounts file: %v", errLoad)
	}
	if errAdd := manager.Add(result); errAdd != nil {
		log.Fatalf("failed to save account: %v", errAdd)
	}

	name := result.Email
	if name == "" {
		name = "account"
	}
	log.Infof("%s added, pool now holds %d account(s)", name, manager.Count())
}
