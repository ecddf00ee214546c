package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/gantryhq/gantry/internal/card"
	"github.com/gantryhq/gantry/internal/config"
	"github.com/gantryhq/gantry/internal/db"
	"github.com/gantryhq/gantry/internal/deps"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

func newCardCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "card",
		Short: "Card management commands",
	}

	cmd.AddCommand(newCardCreateCmd())
	cmd.AddCommand(newCardListCmd())
	cmd.AddCommand(newCardShowCmd())
	cmd.AddCommand(newCardUpdateCmd())
	cmd.AddCommand(newCardReadyCmd())
	cmd.AddCommand(newCardDepCmd())
	return cmd
}

func newCardCreateCmd() *cobra.Command {
	var (
		configPath  string
		projectID   string
		title       string
		description string
		priority    int
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new card",
		Long:  "Creates a new card (unit of agent work) with an auto-generated ID. Cards start in draft.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCardCreate(cmd, configPath, card.CreateOpts{
				ProjectID:   projectID,
				Title:       title,
				Description: description,
				Priority:    priority,
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "gantry.yaml", "path to Gantry config file")
	cmd.Flags().StringVar(&projectID, "project", "", "project the card belongs to (required)")
	cmd.Flags().StringVar(&title, "title", "", "card title (required)")
	cmd.Flags().StringVar(&description, "description", "", "detailed description")
	cmd.Flags().IntVar(&priority, "priority", 2, "priority (0=critical → 4=backlog)")
	cmd.MarkFlagRequired("project")
	cmd.MarkFlagRequired("title")
	return cmd
}

func runCardCreate(cmd *cobra.Command, configPath string, opts card.CreateOpts) error {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	c, err := card.Create(gormDB, opts)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Created card %s\n", c.ID)
	fmt.Fprintf(out, "Project: %s\n", c.ProjectID)
	fmt.Fprintf(out, "Status:  %s\n", c.Status)
	return nil
}

func newCardListCmd() *cobra.Command {
	var (
		configPath string
		projectID  string
		status     string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cards",
		Long:  "Lists cards with optional filters. Output is formatted as a table.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCardList(cmd, configPath, card.ListFilters{
				ProjectID: projectID,
				Status:    status,
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "gantry.yaml", "path to Gantry config file")
	cmd.Flags().StringVar(&projectID, "project", "", "filter by project")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	return cmd
}

func runCardList(cmd *cobra.Command, configPath string, filters card.ListFilters) error {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	cards, err := card.List(gormDB, filters)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(cards) == 0 {
		fmt.Fprintln(out, "No cards found.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tSTATUS\tPROJECT\tPRI")
	for _, c := range cards {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n",
			c.ID, truncate(c.Title, 40), c.Status, c.ProjectID, c.Priority)
	}
	w.Flush()
	return nil
}

func newCardShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show card details",
		Long:  "Displays full details of a card including description and dependency edges.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCardShow(cmd, configPath, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "gantry.yaml", "path to Gantry config file")
	return cmd
}

func runCardShow(cmd *cobra.Command, configPath, id string) error {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	c, err := card.Get(gormDB, id)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "ID:          %s\n", c.ID)
	fmt.Fprintf(out, "Title:       %s\n", c.Title)
	fmt.Fprintf(out, "Status:      %s\n", c.Status)
	fmt.Fprintf(out, "Project:     %s\n", c.ProjectID)
	fmt.Fprintf(out, "Priority:    %d\n", c.Priority)
	fmt.Fprintf(out, "Created:     %s\n", c.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(out, "Updated:     %s\n", c.UpdatedAt.Format("2006-01-02 15:04:05"))

	if c.Description != "" {
		fmt.Fprintf(out, "\nDescription:\n%s\n", c.Description)
	}

	blockers, dependents, err := deps.ListDeps(gormDB, c.ID)
	if err != nil {
		return err
	}
	if len(blockers) > 0 {
		fmt.Fprintln(out, "\nWaits on:")
		for _, d := range blockers {
			fmt.Fprintf(out, "  %s until %s (gates %s)\n",
				d.DependsOnCardID, d.RequiredStatus, gateList(d.BlockingStatuses))
		}
	}
	if len(dependents) > 0 {
		fmt.Fprintln(out, "\nBlocks:")
		for _, d := range dependents {
			fmt.Fprintf(out, "  %s\n", d.CardID)
		}
	}

	return nil
}

func newCardUpdateCmd() *cobra.Command {
	var (
		configPath  string
		status      string
		title       string
		description string
		priority    int
	)

	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a card",
		Long:  "Updates card fields. Status changes are checked against the card's dependency edges.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			updates := make(map[string]interface{})

			if cmd.Flags().Changed("status") {
				updates["status"] = status
			}
			if cmd.Flags().Changed("title") {
				updates["title"] = title
			}
			if cmd.Flags().Changed("description") {
				updates["description"] = description
			}
			if cmd.Flags().Changed("priority") {
				updates["priority"] = priority
			}

			if len(updates) == 0 {
				return fmt.Errorf("no fields to update; use --status, --title, --description, or --priority")
			}

			return runCardUpdate(cmd, configPath, args[0], updates)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "gantry.yaml", "path to Gantry config file")
	cmd.Flags().StringVar(&status, "status", "", "new status")
	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().StringVar(&description, "description", "", "new description")
	cmd.Flags().IntVar(&priority, "priority", 0, "new priority")
	return cmd
}

func runCardUpdate(cmd *cobra.Command, configPath, id string, updates map[string]interface{}) error {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	if err := card.Update(gormDB, id, updates); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Updated card %s\n", id)
	return nil
}

func newCardReadyCmd() *cobra.Command {
	var (
		configPath string
		projectID  string
	)

	cmd := &cobra.Command{
		Use:   "ready",
		Short: "List dispatchable cards",
		Long:  "Lists cards in ready status whose dependency edges all clear, the same view the scheduler dispatches from.",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}

			cards, err := deps.ReadyCards(gormDB, projectID)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(cards) == 0 {
				fmt.Fprintln(out, "No ready cards.")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTITLE\tPROJECT\tPRI")
			for _, c := range cards {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\n",
					c.ID, truncate(c.Title, 40), c.ProjectID, c.Priority)
			}
			w.Flush()
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "gantry.yaml", "path to Gantry config file")
	cmd.Flags().StringVar(&projectID, "project", "", "filter by project")
	return cmd
}

func newCardDepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dep",
		Short: "Manage card dependencies",
	}

	cmd.AddCommand(newCardDepAddCmd())
	cmd.AddCommand(newCardDepListCmd())
	cmd.AddCommand(newCardDepRemoveCmd())
	return cmd
}

func newCardDepAddCmd() *cobra.Command {
	var (
		configPath string
		on         string
		require    string
		blocking   []string
	)

	cmd := &cobra.Command{
		Use:   "add <card-id>",
		Short: "Add a dependency",
		Long:  "Creates a dependency edge: the card waits on the prerequisite. Edges that would form a cycle are refused.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			edge, err := deps.Add(gormDB, deps.AddOpts{
				CardID:           args[0],
				DependsOnCardID:  on,
				RequiredStatus:   require,
				BlockingStatuses: blocking,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added dependency: %s waits on %s until %s\n",
				edge.CardID, edge.DependsOnCardID, edge.RequiredStatus)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "gantry.yaml", "path to Gantry config file")
	cmd.Flags().StringVar(&on, "on", "", "prerequisite card ID (required)")
	cmd.Flags().StringVar(&require, "require", "done", "prerequisite status that clears the edge")
	cmd.Flags().StringSliceVar(&blocking, "blocking", nil, "dependent statuses the edge gates (default: forward statuses)")
	cmd.MarkFlagRequired("on")
	return cmd
}

func newCardDepListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list <card-id>",
		Short: "List card dependencies",
		Long:  "Shows what this card waits on and what waits on it.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			blockers, dependents, err := deps.ListDeps(gormDB, args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(blockers) == 0 && len(dependents) == 0 {
				fmt.Fprintf(out, "No dependencies for %s\n", args[0])
				return nil
			}

			if len(blockers) > 0 {
				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(out, "Waits on:")
				fmt.Fprintln(w, "  PREREQUISITE\tUNTIL\tGATES")
				for _, d := range blockers {
					fmt.Fprintf(w, "  %s\t%s\t%s\n",
						d.DependsOnCardID, d.RequiredStatus, gateList(d.BlockingStatuses))
				}
				w.Flush()
			}

			if len(dependents) > 0 {
				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(out, "Blocks:")
				fmt.Fprintln(w, "  DEPENDENT\tUNTIL")
				for _, d := range dependents {
					fmt.Fprintf(w, "  %s\t%s\n", d.CardID, d.RequiredStatus)
				}
				w.Flush()
			}

			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "gantry.yaml", "path to Gantry config file")
	return cmd
}

func newCardDepRemoveCmd() *cobra.Command {
	var (
		configPath string
		on         string
	)

	cmd := &cobra.Command{
		Use:   "remove <card-id>",
		Short: "Remove a dependency",
		Long:  "Deactivates the dependency edge between a card and its prerequisite. The edge is kept for history.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			if err := deps.Deactivate(gormDB, args[0], on); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed dependency: %s waits on %s\n", args[0], on)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "gantry.yaml", "path to Gantry config file")
	cmd.Flags().StringVar(&on, "on", "", "prerequisite card ID to remove (required)")
	cmd.MarkFlagRequired("on")
	return cmd
}

// connectFromConfig loads config and returns a GORM DB connection.
func connectFromConfig(configPath string) (*config.Config, *gorm.DB, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return nil, nil, err
	}

	return cfg, gormDB, nil
}

// gateList renders the stored blocking-status JSON for display.
func gateList(raw string) string {
	var statuses []string
	if err := json.Unmarshal([]byte(raw), &statuses); err != nil || len(statuses) == 0 {
		return "-"
	}
	return strings.Join(statuses, ",")
}

// truncate shortens a string to maxLen, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
