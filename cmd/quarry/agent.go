package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/quarryhq/quarry/internal/agentloop"
	"github.com/quarryhq/quarry/internal/audit"
	"github.com/quarryhq/quarry/internal/brain"
	"github.com/quarryhq/quarry/internal/config"
	"github.com/quarryhq/quarry/internal/hosting"
	"github.com/quarryhq/quarry/internal/idempotency"
	"github.com/quarryhq/quarry/internal/queue"
	"github.com/quarryhq/quarry/internal/tracker"
	"github.com/quarryhq/quarry/internal/workspace"
	"github.com/quarryhq/quarry/pkg/models"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Manage and run agents",
}

var agentMaxConcurrency int

var agentAddCmd = &cobra.Command{
	Use:   "add --key <key>",
	Short: "Register an agent",
	RunE:  runAgentAdd,
}

var agentKey string

var agentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered agents",
	RunE:  runAgentList,
}

var agentRunCmd = &cobra.Command{
	Use:   "run <agent-key> [agent-key...]",
	Short: "Run agent workers for the given keys",
	Long: `Run one worker per agent key. Each worker leases work items, asks its
brain for a plan, executes the plan in an isolated workspace, and
publishes the result as a review request.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAgentRun,
}

func init() {
	agentAddCmd.Flags().StringVar(&agentKey, "key", "", "Agent key (required)")
	agentAddCmd.Flags().IntVar(&agentMaxConcurrency, "max-concurrency", 1, "Maximum concurrent leases")
	agentAddCmd.MarkFlagRequired("key")

	agentCmd.AddCommand(agentAddCmd)
	agentCmd.AddCommand(agentListCmd)
	agentCmd.AddCommand(agentRunCmd)
}

func runAgentAdd(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	existing, err := db.GetAgentByKey(agentKey)
	if err != nil {
		return err
	}
	if existing != nil {
		return fmt.Errorf("agent %q already exists", agentKey)
	}
	a := &models.Agent{
		ID:             uuid.New().String(),
		Key:            agentKey,
		Enabled:        true,
		MaxConcurrency: agentMaxConcurrency,
	}
	if err := db.CreateAgent(a); err != nil {
		return err
	}
	fmt.Printf("%s registered agent %s\n", color.GreenString("✓"), agentKey)
	return nil
}

func runAgentList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	agents, err := db.ListAgents(false)
	if err != nil {
		return err
	}
	if len(agents) == 0 {
		fmt.Println("No agents registered. Run 'quarry agent add --key <key>'.")
		return nil
	}
	for _, a := range agents {
		status := color.GreenString("enabled")
		if !a.Enabled {
			status = color.RedString("disabled")
		}
		fmt.Printf("%-20s %s  max-concurrency=%d\n", a.Key, status, a.MaxConcurrency)
	}
	return nil
}

func runAgentRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	resolver, closeResolver, err := newResolver(cfg)
	if err != nil {
		return err
	}
	if closeResolver != nil {
		defer closeResolver()
	}

	apiKey, err := config.GetAPIKey(cfg)
	if err != nil && !cfg.Anthropic.UseAWSBedrock {
		return err
	}
	brainClient, err := brain.NewClient(brain.ClientConfig{
		Model:         anthropic.Model(cfg.Anthropic.Model),
		APIKey:        apiKey,
		UseAWSBedrock: cfg.Anthropic.UseAWSBedrock,
		AWSRegion:     cfg.Anthropic.AWSRegion,
		AWSProfile:    cfg.Anthropic.AWSProfile,
	})
	if err != nil {
		return err
	}

	rec := audit.NewRecorder(db)
	tr := tracker.New(db, rec, nil)
	runner, err := workspace.New(workspace.Config{
		BaseDir: cfg.Workspace.BaseDir,
		Guard:   idempotency.NewGuard(db),
		Tracker: tr,
		Secrets: resolver,
		Host:    hosting.NewGitHubClient(resolver, ""),
	})
	if err != nil {
		return err
	}
	agents, err := agentloop.NewAgentCache(db, 0)
	if err != nil {
		return err
	}
	logger, err := agentloop.NewDebugLogger(cfg.Agent.LogPath)
	if err != nil {
		return err
	}
	defer logger.Close()

	pool := agentloop.NewPool(agentloop.PoolConfig{
		DB:             db,
		Queue:          queue.New(db, nil),
		Tracker:        tr,
		Brain:          brainClient,
		Executor:       runner,
		Agents:         agents,
		Logger:         logger,
		AgentKeys:      args,
		PollInterval:   cfg.Agent.PollInterval,
		ExecuteTimeout: cfg.Agent.ExecuteTimeout,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Printf("running %d agent worker(s): %v\n", len(args), args)
	pool.Start()
	<-ctx.Done()
	fmt.Println("stopping workers")
	pool.Stop()
	return nil
}
