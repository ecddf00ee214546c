package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gantryhq/gantry/internal/config"
	"github.com/gantryhq/gantry/internal/db"
	"github.com/gantryhq/gantry/internal/slot"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Manage the Gantry database",
	}

	cmd.AddCommand(newDBInitCmd())
	cmd.AddCommand(newDBResetCmd())

	return cmd
}

func newDBInitCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create and migrate the Gantry database",
		Long: `Creates the database if it does not exist, migrates all tables,
seeds projects from config, and sizes each project's worker slot pool.

Safe to re-run: migrations are additive and seeding upserts projects,
but slot pools are rebuilt to the configured size.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBInit(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "gantry.yaml", "path to Gantry config file")

	return cmd
}

func runDBInit(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	fmt.Fprintf(out, "Loaded config with %d project(s) from %s\n", len(cfg.Projects), configPath)

	gormDB, err := connectForInit(cfg)
	if err != nil {
		return err
	}

	if err := initStore(gormDB, cfg, out); err != nil {
		return err
	}

	fmt.Fprintln(out, "\nGantry database initialized successfully.")
	return nil
}

func newDBResetCmd() *cobra.Command {
	var (
		configPath string
		yes        bool
	)

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Drop and re-initialize the Gantry database",
		Long: `Drops the Gantry database and re-creates it from config.

All cards, jobs, worktree records, and slots are lost. Workspaces on
disk are not touched; clean those up with git worktree prune.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBReset(cmd, configPath, yes)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "gantry.yaml", "path to Gantry config file")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")

	return cmd
}

func runDBReset(cmd *cobra.Command, configPath string, skipConfirm bool) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	target := cfg.Database.Path
	if cfg.Database.Driver == "mysql" {
		target = cfg.Database.Database
	}
	if !skipConfirm && !confirmReset(cmd, target) {
		fmt.Fprintln(out, "Aborted.")
		return nil
	}

	switch cfg.Database.Driver {
	case "sqlite":
		// WAL mode leaves sidecar files next to the database.
		for _, p := range []string{cfg.Database.Path, cfg.Database.Path + "-wal", cfg.Database.Path + "-shm"} {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("remove %s: %w", p, err)
			}
		}
		fmt.Fprintf(out, "Removed %s\n", cfg.Database.Path)
	case "mysql":
		adminDB, err := db.ConnectAdmin(cfg.Database)
		if err != nil {
			return err
		}
		if err := db.DropDatabase(adminDB, cfg.Database.Database); err != nil {
			return err
		}
		fmt.Fprintf(out, "Dropped database %s\n", cfg.Database.Database)
	}

	gormDB, err := connectForInit(cfg)
	if err != nil {
		return err
	}
	if err := initStore(gormDB, cfg, out); err != nil {
		return err
	}

	fmt.Fprintln(out, "\nGantry database reset successfully.")
	return nil
}

// connectForInit creates the database if it does not exist yet, then
// connects to it.
func connectForInit(cfg *config.Config) (*gorm.DB, error) {
	switch cfg.Database.Driver {
	case "mysql":
		adminDB, err := db.ConnectAdmin(cfg.Database)
		if err != nil {
			return nil, err
		}
		if err := db.CreateDatabase(adminDB, cfg.Database.Database); err != nil {
			return nil, err
		}
	default:
		if dir := filepath.Dir(cfg.Database.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database directory %s: %w", dir, err)
			}
		}
	}
	return db.Connect(cfg.Database)
}

// initStore migrates tables, seeds projects from config, and sizes each
// project's slot pool.
func initStore(gormDB *gorm.DB, cfg *config.Config, out io.Writer) error {
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	fmt.Fprintf(out, "Migrated %d tables\n", len(db.AllModels()))

	if err := db.SeedProjects(gormDB, cfg.Projects); err != nil {
		return err
	}
	for _, p := range cfg.Projects {
		if err := slot.Initialize(gormDB, p.ID, p.SlotCount); err != nil {
			return err
		}
		fmt.Fprintf(out, "Seeded project %s with %d slot(s)\n", p.ID, p.SlotCount)
	}

	return nil
}

func confirmReset(cmd *cobra.Command, target string) bool {
	out := cmd.OutOrStdout()

	fmt.Fprintf(out, "WARNING: this permanently deletes all data in %q.\n", target)
	fmt.Fprint(out, "Type \"yes\" to continue: ")

	scanner := bufio.NewScanner(cmd.InOrStdin())
	if !scanner.Scan() {
		return false
	}
	return strings.TrimSpace(scanner.Text()) == "yes"
}
