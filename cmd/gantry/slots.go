package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/gantryhq/gantry/internal/slot"
	"github.com/spf13/cobra"
)

func newSlotsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "slots",
		Short: "Worker slot commands",
	}

	cmd.AddCommand(newSlotsListCmd())
	cmd.AddCommand(newSlotsInitCmd())
	return cmd
}

func newSlotsListCmd() *cobra.Command {
	var (
		configPath string
		projectID  string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a project's worker slots",
		Long:  "Lists the worker slot pool for a project, showing what each busy slot is running.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSlotsList(cmd, configPath, projectID)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "gantry.yaml", "path to Gantry config file")
	cmd.Flags().StringVar(&projectID, "project", "", "project ID (required)")
	cmd.MarkFlagRequired("project")
	return cmd
}

func runSlotsList(cmd *cobra.Command, configPath, projectID string) error {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	slots, err := slot.List(gormDB, projectID)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(slots) == 0 {
		fmt.Fprintf(out, "No slots for %s; run gantry db init to size the pool.\n", projectID)
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SLOT\tSTATUS\tCARD\tJOB\tSTARTED")
	for _, s := range slots {
		cardID := s.CardID
		if cardID == "" {
			cardID = "-"
		}
		jobID := s.JobID
		if jobID == "" {
			jobID = "-"
		}
		started := "-"
		if s.StartedAt != nil {
			started = s.StartedAt.Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
			s.SlotNumber, s.Status, cardID, jobID, started)
	}
	w.Flush()
	return nil
}

func newSlotsInitCmd() *cobra.Command {
	var (
		configPath string
		projectID  string
		count      int
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Rebuild a project's slot pool",
		Long: `Rebuilds the worker slot pool for a project at the given size.

Existing slots are dropped, including busy ones; run this only while
the scheduler is stopped.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSlotsInit(cmd, configPath, projectID, count)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "gantry.yaml", "path to Gantry config file")
	cmd.Flags().StringVar(&projectID, "project", "", "project ID (required)")
	cmd.Flags().IntVar(&count, "count", 2, "number of worker slots")
	cmd.MarkFlagRequired("project")
	return cmd
}

func runSlotsInit(cmd *cobra.Command, configPath, projectID string, count int) error {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	if err := slot.Initialize(gormDB, projectID, count); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Initialized %d slot(s) for %s\n", count, projectID)
	return nil
}
