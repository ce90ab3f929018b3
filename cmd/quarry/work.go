package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/quarryhq/quarry/pkg/models"
)

var workCmd = &cobra.Command{
	Use:   "work",
	Short: "Manage work items",
}

var (
	workProject  string
	workType     string
	workPriority int
	workPayload  string
	workStatus   string
)

var workAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Enqueue a work item",
	RunE:  runWorkAdd,
}

var workListCmd = &cobra.Command{
	Use:   "list",
	Short: "List work items",
	RunE:  runWorkList,
}

var workRetryCmd = &cobra.Command{
	Use:   "retry <work-item-id>",
	Short: "Reset a failed work item to pending",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkRetry,
}

func init() {
	workAddCmd.Flags().StringVar(&workProject, "project", "", "Project name (required)")
	workAddCmd.Flags().StringVar(&workType, "type", "task", "Work type tag")
	workAddCmd.Flags().IntVar(&workPriority, "priority", models.DefaultPriority, "Priority 1-10 (higher first)")
	workAddCmd.Flags().StringVar(&workPayload, "payload", "{}", "JSON payload")
	workAddCmd.MarkFlagRequired("project")

	workListCmd.Flags().StringVar(&workStatus, "status", "", "Filter by status (pending, in_progress, completed, failed)")

	workCmd.AddCommand(workAddCmd)
	workCmd.AddCommand(workListCmd)
	workCmd.AddCommand(workRetryCmd)
}

func runWorkAdd(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	project, err := db.GetProjectByName(workProject)
	if err != nil {
		return err
	}
	if project == nil {
		return fmt.Errorf("project %q not found", workProject)
	}
	if workPriority < 1 || workPriority > 10 {
		return fmt.Errorf("priority must be 1-10, got %d", workPriority)
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(workPayload), &payload); err != nil {
		return fmt.Errorf("invalid payload JSON: %w", err)
	}

	item := &models.WorkItem{
		ID:        uuid.New().String(),
		ProjectID: project.ID,
		WorkType:  workType,
		Priority:  workPriority,
		Payload:   payload,
	}
	if err := db.CreateWorkItem(item); err != nil {
		return err
	}
	fmt.Printf("%s enqueued %s (priority %d)\n", color.GreenString("✓"), item.ID, item.Priority)
	return nil
}

func runWorkList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	var filter *models.WorkItemStatus
	if workStatus != "" {
		s := models.WorkItemStatus(workStatus)
		if !s.Valid() {
			return fmt.Errorf("unknown status %q", workStatus)
		}
		filter = &s
	}
	items, err := db.ListWorkItems(filter)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		fmt.Println("No work items.")
		return nil
	}
	for _, w := range items {
		locked := ""
		if w.LockedBy != "" {
			locked = " locked-by=" + w.LockedBy
		}
		fmt.Printf("%s  %-12s p%-2d %-10s%s\n", w.ID, colorStatus(w.Status), w.Priority, w.WorkType, locked)
	}
	return nil
}

func runWorkRetry(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.ResetForRetry(args[0]); err != nil {
		return err
	}
	fmt.Printf("%s reset %s to pending\n", color.GreenString("✓"), args[0])
	return nil
}

func colorStatus(s models.WorkItemStatus) string {
	padded := fmt.Sprintf("%-11s", string(s))
	switch s {
	case models.WorkItemPending:
		return color.YellowString(padded)
	case models.WorkItemInProgress:
		return color.CyanString(padded)
	case models.WorkItemCompleted:
		return color.GreenString(padded)
	case models.WorkItemFailed:
		return color.RedString(padded)
	default:
		return strings.TrimRight(padded, " ")
	}
}
