package main

import (
	"flag"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"github.com/opencode-tools/antigravity-broker/internal/cmd"
	"github.com/opencode-tools/antigravity-broker/internal/config"
	"github.com/opencode-tools/antigravity-broker/internal/logging"
)

func main() {
	var login bool
	var noBrowser bool
	var projectID string
	var configPath string

	flag.BoolVar(&login, "login", false, "Add a Google account to the pool")
	flag.BoolVar(&noBrowser, "no-browser", false, "Print the sign-in URL instead of opening a browser")
	flag.StringVar(&projectID, "project_id", "", "Cloud project id override")
	flag.StringVar(&configPath, "config", "", "Configuration file path")
	flag.Parse()

	if configPath == "" {
		configPath = filepath.Join(config.ConfigDir(), "config.yaml")
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if projectID != "" {
		cfg.ProjectID = projectID
	}

	logging.Setup(cfg.Debug)
	logDir := cfg.LogDir
	if logDir == "" && !login {
		logDir = filepath.Join(config.ConfigDir(), config.LogDirName)
	}
	if !login {
		if errLog := logging.ConfigureOutput(logDir); errLog != nil {
			log.Warnf("falling back to stdout logging: %v", errLog)
		}
	}

	if login {
		cmd.DoLogin(cfg, noBrowser)
		return
	}
	cmd.StartService(cfg, configPath)
}
