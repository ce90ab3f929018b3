package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/quarryhq/quarry/pkg/models"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue and agent state",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if _, err := os.Stat(cfg.Database.Path); os.IsNotExist(err) {
		fmt.Println("No database yet. Run 'quarry project add' to get started.")
		return nil
	}
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	pending, err := db.CountPending()
	if err != nil {
		return err
	}
	fmt.Printf("Queue depth: %d pending\n\n", pending)

	agents, err := db.ListAgents(false)
	if err != nil {
		return err
	}
	fmt.Printf("Agents (%d):\n", len(agents))
	for _, a := range agents {
		leased, err := db.CountLockedByAgent(a.Key)
		if err != nil {
			return err
		}
		state := color.GreenString("enabled")
		if !a.Enabled {
			state = color.RedString("disabled")
		}
		fmt.Printf("  %-20s %s  %d/%d leases in use\n", a.Key, state, leased, a.MaxConcurrency)
	}

	fmt.Println("\nRecent activity:")
	for _, st := range []models.WorkItemStatus{models.WorkItemInProgress, models.WorkItemFailed} {
		items, err := db.ListWorkItems(&st)
		if err != nil {
			return err
		}
		for _, w := range items {
			fmt.Printf("  %s  %-12s %s\n", w.ID, colorStatus(w.Status), w.WorkType)
		}
	}
	return nil
}
