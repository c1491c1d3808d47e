// Package cli wires the engine's cobra commands.
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"branchflow.dev/branchflow/internal/audit"
	"branchflow.dev/branchflow/internal/config"
	"branchflow.dev/branchflow/internal/events"
	"branchflow.dev/branchflow/internal/git"
	"branchflow.dev/branchflow/internal/github"
	"branchflow.dev/branchflow/internal/logging"
	"branchflow.dev/branchflow/internal/policy"
	"branchflow.dev/branchflow/internal/routing"
	"branchflow.dev/branchflow/internal/workflow"
)

// NewRootCmd builds the branchflow command tree.
func NewRootCmd(version string) *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:     "branchflow",
		Short:   "Branchflow decides which branch each automated task gets and whether it may merge",
		Version: version,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")

	rootCmd.AddCommand(newRunCmd(&configPath))
	rootCmd.AddCommand(newStatusCmd(&configPath))
	rootCmd.AddCommand(newLogsCmd(&configPath))
	rootCmd.AddCommand(newMetricsCmd(&configPath))

	return rootCmd
}

// engineDeps holds everything a command needs to talk to the engine.
type engineDeps struct {
	cfg      *config.Config
	logger   *zap.Logger
	store    *audit.Store
	recorder *audit.Recorder
	manager  *workflow.Manager
}

func (d *engineDeps) Close() {
	if d.store != nil {
		_ = d.store.Close()
	}
	if d.logger != nil {
		_ = d.logger.Sync()
	}
}

// buildEngine assembles the engine from configuration. withHosting controls
// whether the GitHub client is constructed; query commands skip it.
func buildEngine(ctx context.Context, configPath string, withHosting bool) (*engineDeps, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}

	store, err := audit.NewStore(cfg.Audit.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit store: %w", err)
	}

	recorder := audit.NewRecorder(store, logger, cfg.Audit.WriteTimeout, nil)
	bus := events.NewBus(logger)

	table, err := routing.NewTable(cfg.Routing, cfg.Branches)
	if err != nil {
		return nil, err
	}

	policyEngine := policy.NewEngine(cfg.Policy.ConfidenceThreshold, &policy.StaticReviewerPool{
		Names: cfg.Policy.Reviewers,
	})

	var hosting github.Client
	if withHosting && cfg.GitHub.Enabled {
		client, err := github.NewRealClient(ctx, cfg.GitHub, logger)
		if err != nil {
			logger.Warn("code-hosting integration unavailable", zap.Error(err))
		} else {
			hosting = client
		}
	}

	gitPrimitive := git.NewCLI(cfg.Git.CommandTimeout)
	manager := workflow.NewManager(cfg, table, policyEngine, gitPrimitive, hosting, recorder, bus, logger)

	return &engineDeps{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		recorder: recorder,
		manager:  manager,
	}, nil
}
