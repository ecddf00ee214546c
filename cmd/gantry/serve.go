package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/gantryhq/gantry/internal/guard"
	"github.com/gantryhq/gantry/internal/ops"
	"github.com/gantryhq/gantry/internal/reconciler"
	"github.com/gantryhq/gantry/internal/scheduler"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		opsPort    int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Gantry daemon",
		Long: `Runs the scheduler, reconciler, and ops API in one process until
interrupted. The scheduler and ops API share one command guard, so the
audit trail at /api/audit covers everything dispatched runs execute.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, opsPort)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "gantry.yaml", "path to Gantry config file")
	cmd.Flags().IntVar(&opsPort, "port", 0, "ops API port (default: from config)")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string, opsPort int) error {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	if opsPort != 0 {
		cfg.Ops.Port = opsPort
	}

	out := cmd.OutOrStdout()
	validator := guard.NewValidator(cfg.Guard, nil)

	sched, err := scheduler.New(scheduler.Options{
		DB:     gormDB,
		Config: cfg,
		Guard:  validator,
		Out:    out,
	})
	if err != nil {
		return err
	}

	rec, err := reconciler.New(reconciler.Options{
		DB:     gormDB,
		Config: cfg,
		Out:    out,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(out, "Gantry serving %d project(s)\n", len(cfg.Projects))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(ctx) })
	g.Go(func() error { return rec.Start(ctx) })
	g.Go(func() error {
		return ops.Start(ctx, ops.StartOpts{
			DB:    gormDB,
			Port:  cfg.Ops.Port,
			Guard: validator,
			Out:   out,
		})
	})

	if err := g.Wait(); err != nil {
		return err
	}
	fmt.Fprintln(out, "Gantry stopped.")
	return nil
}
