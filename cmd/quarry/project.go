package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/quarryhq/quarry/pkg/models"
)

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Manage projects",
}

var (
	projectName        string
	projectRepo        string
	projectBranch      string
	projectTokenSecret string
)

var projectAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register a project",
	Long: `Register a repository quarry may work on.

The push token is referenced by secret name and resolved from the
environment or the secrets file at call time; the token value is never
stored.`,
	RunE: runProjectAdd,
}

var projectListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered projects",
	RunE:  runProjectList,
}

func init() {
	projectAddCmd.Flags().StringVar(&projectName, "name", "", "Project name (required)")
	projectAddCmd.Flags().StringVar(&projectRepo, "repo", "", "Clone URL (required)")
	projectAddCmd.Flags().StringVar(&projectBranch, "branch", "main", "Default branch")
	projectAddCmd.Flags().StringVar(&projectTokenSecret, "token-secret", "", "Secret name for the push token")
	projectAddCmd.MarkFlagRequired("name")
	projectAddCmd.MarkFlagRequired("repo")

	projectCmd.AddCommand(projectAddCmd)
	projectCmd.AddCommand(projectListCmd)
}

func runProjectAdd(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	existing, err := db.GetProjectByName(projectName)
	if err != nil {
		return err
	}
	if existing != nil {
		return fmt.Errorf("project %q already exists", projectName)
	}

	p := &models.Project{
		ID:            uuid.New().String(),
		Name:          projectName,
		RepoURL:       projectRepo,
		DefaultBranch: projectBranch,
		TokenSecret:   projectTokenSecret,
	}
	if err := db.CreateProject(p); err != nil {
		return err
	}
	fmt.Printf("%s registered project %s (%s)\n", color.GreenString("✓"), p.Name, p.RepoURL)
	return nil
}

func runProjectList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	projects, err := db.ListProjects()
	if err != nil {
		return err
	}
	if len(projects) == 0 {
		fmt.Println("No projects registered. Run 'quarry project add'.")
		return nil
	}
	for _, p := range projects {
		token := "(no token secret)"
		if p.TokenSecret != "" {
			token = "token-secret=" + p.TokenSecret
		}
		fmt.Printf("%-20s %s branch=%s %s\n", p.Name, p.RepoURL, p.DefaultBranch, token)
	}
	return nil
}
