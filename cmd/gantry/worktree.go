package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/gantryhq/gantry/internal/worktree"
	"github.com/spf13/cobra"
)

func newWorktreeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worktree",
		Short: "Worktree workspace commands",
	}

	cmd.AddCommand(newWorktreeListCmd())
	cmd.AddCommand(newWorktreeShowCmd())
	cmd.AddCommand(newWorktreeUnlockCmd())
	cmd.AddCommand(newWorktreeCleanupCmd())
	cmd.AddCommand(newWorktreePurgeCmd())
	return cmd
}

func newWorktreeListCmd() *cobra.Command {
	var (
		configPath string
		projectID  string
		status     string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List worktrees",
		Long:  "Lists worktree records with optional filters, oldest first.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorktreeList(cmd, configPath, projectID, status)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "gantry.yaml", "path to Gantry config file")
	cmd.Flags().StringVar(&projectID, "project", "", "filter by project")
	cmd.Flags().StringVar(&status, "status", "", "filter by status (creating, ready, running, cleanup_pending, cleaned, error)")
	return cmd
}

func runWorktreeList(cmd *cobra.Command, configPath, projectID, status string) error {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	worktrees, err := worktree.ListByStatus(gormDB, projectID, status)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(worktrees) == 0 {
		fmt.Fprintln(out, "No worktrees found.")
		return nil
	}

	now := time.Now()
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCARD\tSTATUS\tBRANCH\tLOCK")
	for _, wt := range worktrees {
		lock := "-"
		if wt.LockedBy != "" && wt.LockExpiresAt != nil {
			if wt.LockExpiresAt.After(now) {
				lock = wt.LockedBy
			} else {
				lock = wt.LockedBy + " (expired)"
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			wt.ID, wt.CardID, wt.Status, wt.BranchName, lock)
	}
	w.Flush()
	return nil
}

func newWorktreeShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show worktree details",
		Long:  "Displays full details of a worktree record including its lock and lifecycle timestamps.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorktreeShow(cmd, configPath, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "gantry.yaml", "path to Gantry config file")
	return cmd
}

func runWorktreeShow(cmd *cobra.Command, configPath, id string) error {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	wt, err := worktree.Get(gormDB, id)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "ID:          %s\n", wt.ID)
	fmt.Fprintf(out, "Project:     %s\n", wt.ProjectID)
	if wt.CardID != "" {
		fmt.Fprintf(out, "Card:        %s\n", wt.CardID)
	}
	if wt.JobID != "" {
		fmt.Fprintf(out, "Job:         %s\n", wt.JobID)
	}
	fmt.Fprintf(out, "Status:      %s\n", wt.Status)
	fmt.Fprintf(out, "Branch:      %s\n", wt.BranchName)
	fmt.Fprintf(out, "Base:        %s\n", wt.BaseRef)
	fmt.Fprintf(out, "Path:        %s\n", wt.Path)
	if wt.LockedBy != "" {
		fmt.Fprintf(out, "Locked by:   %s\n", wt.LockedBy)
	}
	if wt.LockExpiresAt != nil {
		fmt.Fprintf(out, "Lock until:  %s\n", wt.LockExpiresAt.Format("2006-01-02 15:04:05"))
	}
	fmt.Fprintf(out, "Created:     %s\n", wt.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(out, "Updated:     %s\n", wt.UpdatedAt.Format("2006-01-02 15:04:05"))
	if wt.CleanupRequestedAt != nil {
		fmt.Fprintf(out, "Cleanup at:  %s\n", wt.CleanupRequestedAt.Format("2006-01-02 15:04:05"))
	}
	if wt.LastError != "" {
		fmt.Fprintf(out, "\nLast error:\n%s\n", wt.LastError)
	}

	return nil
}

func newWorktreeUnlockCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "unlock <id>",
		Short: "Force-release a worktree lock",
		Long: `Releases a worktree's lock regardless of who holds it.

Only use this when the holder is known to be gone; a live holder loses
its claim and may race the next one.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorktreeUnlock(cmd, configPath, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "gantry.yaml", "path to Gantry config file")
	return cmd
}

func runWorktreeUnlock(cmd *cobra.Command, configPath, id string) error {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	released, err := worktree.ReleaseLock(gormDB, id, "")
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if !released {
		fmt.Fprintf(out, "Worktree %s holds no lock.\n", id)
		return nil
	}
	fmt.Fprintf(out, "Released lock on %s\n", id)
	return nil
}

func newWorktreeCleanupCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "cleanup <id>",
		Short: "Queue a worktree for removal",
		Long:  "Marks a worktree cleanup_pending. The reconciler removes the workspace on its next sweep.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorktreeCleanup(cmd, configPath, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "gantry.yaml", "path to Gantry config file")
	return cmd
}

func runWorktreeCleanup(cmd *cobra.Command, configPath, id string) error {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	if err := worktree.RequestCleanup(gormDB, id); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Queued %s for cleanup\n", id)
	return nil
}

func newWorktreePurgeCmd() *cobra.Command {
	var (
		configPath string
		olderThan  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Purge old cleaned worktree records",
		Long:  "Deletes cleaned worktree records older than the given age, freeing their branch names for reuse.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorktreePurge(cmd, configPath, olderThan)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "gantry.yaml", "path to Gantry config file")
	cmd.Flags().DurationVar(&olderThan, "older-than", 24*time.Hour, "minimum age of cleaned records to purge")
	return cmd
}

func runWorktreePurge(cmd *cobra.Command, configPath string, olderThan time.Duration) error {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	purged, err := worktree.PurgeCleaned(gormDB, olderThan)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Purged %d worktree record(s)\n", purged)
	return nil
}
