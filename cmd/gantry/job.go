package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/gantryhq/gantry/internal/job"
	"github.com/spf13/cobra"
)

func newJobCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Job queue commands",
	}

	cmd.AddCommand(newJobListCmd())
	cmd.AddCommand(newJobShowCmd())
	cmd.AddCommand(newJobCancelCmd())
	return cmd
}

func newJobListCmd() *cobra.Command {
	var (
		configPath string
		projectID  string
		state      string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		Long:  "Lists jobs with optional filters, oldest first.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJobList(cmd, configPath, projectID, state)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "gantry.yaml", "path to Gantry config file")
	cmd.Flags().StringVar(&projectID, "project", "", "filter by project")
	cmd.Flags().StringVar(&state, "state", "", "filter by state (queued, running, succeeded, failed, canceled)")
	return cmd
}

func runJobList(cmd *cobra.Command, configPath, projectID, state string) error {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	jobs, err := job.List(gormDB, projectID, state)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(jobs) == 0 {
		fmt.Fprintln(out, "No jobs found.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCARD\tSTATE\tHOLDER\tATTEMPTS\tCREATED")
	for _, j := range jobs {
		cardID := j.CardID
		if cardID == "" {
			cardID = "-"
		}
		holder := j.LeaseHolder
		if holder == "" {
			holder = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			j.ID, cardID, j.State, holder, j.AttemptCount,
			j.CreatedAt.Format("2006-01-02 15:04"))
	}
	w.Flush()
	return nil
}

func newJobShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show job details",
		Long:  "Displays full details of a job including its lease, payload, and result.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJobShow(cmd, configPath, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "gantry.yaml", "path to Gantry config file")
	return cmd
}

func runJobShow(cmd *cobra.Command, configPath, id string) error {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	j, err := job.Get(gormDB, id)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "ID:           %s\n", j.ID)
	fmt.Fprintf(out, "Project:      %s\n", j.ProjectID)
	if j.CardID != "" {
		fmt.Fprintf(out, "Card:         %s\n", j.CardID)
	}
	fmt.Fprintf(out, "Type:         %s\n", j.Type)
	fmt.Fprintf(out, "State:        %s\n", j.State)
	fmt.Fprintf(out, "Attempts:     %d\n", j.AttemptCount)
	if j.LeaseHolder != "" {
		fmt.Fprintf(out, "Lease holder: %s\n", j.LeaseHolder)
	}
	if j.LeaseExpiresAt != nil {
		fmt.Fprintf(out, "Lease until:  %s\n", j.LeaseExpiresAt.Format("2006-01-02 15:04:05"))
	}
	fmt.Fprintf(out, "Created:      %s\n", j.CreatedAt.Format("2006-01-02 15:04:05"))
	if j.StartedAt != nil {
		fmt.Fprintf(out, "Started:      %s\n", j.StartedAt.Format("2006-01-02 15:04:05"))
	}
	if j.FinishedAt != nil {
		fmt.Fprintf(out, "Finished:     %s\n", j.FinishedAt.Format("2006-01-02 15:04:05"))
	}

	if j.Payload != "" {
		fmt.Fprintf(out, "\nPayload:\n%s\n", j.Payload)
	}
	if j.Result != "" {
		fmt.Fprintf(out, "\nResult:\n%s\n", j.Result)
	}
	if j.LastError != "" {
		fmt.Fprintf(out, "\nLast error:\n%s\n", j.LastError)
	}

	return nil
}

func newJobCancelCmd() *cobra.Command {
	var (
		configPath string
		reason     string
	)

	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a job",
		Long:  "Cancels a queued or running job. Jobs that already finished are left untouched.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJobCancel(cmd, configPath, args[0], reason)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "gantry.yaml", "path to Gantry config file")
	cmd.Flags().StringVar(&reason, "reason", "canceled via CLI", "cancellation reason recorded on the job")
	return cmd
}

func runJobCancel(cmd *cobra.Command, configPath, id, reason string) error {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	canceled, err := job.Cancel(gormDB, id, reason)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if !canceled {
		fmt.Fprintf(out, "Job %s is already finished; nothing to cancel.\n", id)
		return nil
	}
	fmt.Fprintf(out, "Canceled job %s\n", id)
	return nil
}
