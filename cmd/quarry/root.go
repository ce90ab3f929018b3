package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/quarryhq/quarry/internal/config"
	"github.com/quarryhq/quarry/internal/secrets"
	"github.com/quarryhq/quarry/internal/state"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "quarry",
	Short: "Autonomous work coordination core",
	Long: `Quarry coordinates autonomous agents over a shared queue of work items.

Work items are leased to agents with exactly-once claiming, each attempt
is tracked as a run, and agents publish their changes as review requests
on the hosting service. Webhook events from the host flow back in and
reconcile local state with what actually happened.

Typical setup:
  quarry project add --name demo --repo https://github.com/acme/demo.git
  quarry agent add --key agent-x
  quarry serve            # webhook intake + lease sweeper
  quarry agent run agent-x`,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file path (default: XDG config)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(workCmd)
	rootCmd.AddCommand(projectCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig loads configuration, honoring the --config flag.
func loadConfig() (*config.Config, error) {
	if cfgFile != "" {
		return config.LoadFromPath(cfgFile)
	}
	return config.Load()
}

// openDB opens and migrates the database configured in cfg.
func openDB(cfg *config.Config) (*state.DB, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	db, err := state.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return db, nil
}

// newResolver builds the secret resolver chain: environment first,
// then the optional secrets file. The returned closer stops the file
// watcher and may be nil.
func newResolver(cfg *config.Config) (secrets.Resolver, func() error, error) {
	chain := secrets.Chain{secrets.EnvResolver{}}
	var closer func() error
	if cfg.Secrets.File != "" {
		fr, err := secrets.NewFileResolver(cfg.Secrets.File)
		if err != nil {
			return nil, nil, fmt.Errorf("open secrets file: %w", err)
		}
		chain = append(chain, fr)
		closer = fr.Close
	}
	return chain, closer, nil
}
