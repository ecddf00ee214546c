package main

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/gantryhq/gantry/internal/config"
	"github.com/gantryhq/gantry/internal/db"
	"github.com/spf13/cobra"
)

func newDoctorCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check system prerequisites and configuration",
		Long:  "Runs diagnostic checks on Gantry prerequisites: config, binaries, database, schema, projects, repos, and the worktree root.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "gantry.yaml", "path to Gantry config file")
	return cmd
}

type checkResult struct {
	name   string
	status string // "PASS", "FAIL", "WARN"
	detail string
}

func runDoctor(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Gantry Doctor")
	fmt.Fprintln(out, "=============")

	var results []checkResult

	// 1. Config
	cfg, cfgResult := checkConfig(configPath)
	results = append(results, cfgResult)

	// 2. Binaries
	results = append(results, checkGit())
	if cfg != nil {
		results = append(results, checkAgentCLI(cfg.Scheduler.AgentCommand))
	}

	// 3. Database
	if cfg != nil {
		if cfg.Database.Driver == "mysql" {
			results = append(results, checkMySQLServer(cfg))
		}
		dbResult := checkDatabase(cfg)
		results = append(results, dbResult)
		if dbResult.status == "FAIL" {
			// Connecting anyway would create an empty sqlite file.
			results = append(results, checkResult{"Schema", "FAIL", "skipped (database unavailable)"})
			results = append(results, checkResult{"Projects", "FAIL", "skipped (database unavailable)"})
		} else {
			results = append(results, checkSchema(cfg))
			results = append(results, checkProjects(cfg))
		}
	} else {
		results = append(results, checkResult{"Database", "FAIL", "skipped (no config)"})
		results = append(results, checkResult{"Schema", "FAIL", "skipped (no config)"})
		results = append(results, checkResult{"Projects", "FAIL", "skipped (no config)"})
	}

	// 4. Repos and worktree root
	if cfg != nil {
		results = append(results, checkRepos(cfg)...)
		results = append(results, checkWorktreeRoot(cfg))
	}

	// Print results.
	passed, failed, warned := 0, 0, 0
	for _, r := range results {
		printCheckResult(out, r)
		switch r.status {
		case "PASS":
			passed++
		case "FAIL":
			failed++
		case "WARN":
			warned++
		}
	}

	fmt.Fprintf(out, "\n%d passed, %d failed, %d warning\n", passed, failed, warned)

	if failed > 0 {
		return fmt.Errorf("%d check(s) failed", failed)
	}
	return nil
}

func printCheckResult(out io.Writer, r checkResult) {
	fmt.Fprintf(out, "[%s] %s: %s\n", r.status, r.name, r.detail)
}

func checkConfig(path string) (*config.Config, checkResult) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, checkResult{"Config file", "FAIL", fmt.Sprintf("%s: %v", path, err)}
	}
	return cfg, checkResult{"Config file", "PASS", path}
}

func checkGit() checkResult {
	path, err := exec.LookPath("git")
	if err != nil {
		return checkResult{"Git", "FAIL", "not found in PATH"}
	}

	out, err := exec.Command(path, "version").Output()
	if err != nil {
		return checkResult{"Git", "PASS", "found (version unknown)"}
	}
	return checkResult{"Git", "PASS", strings.TrimSpace(strings.Split(string(out), "\n")[0])}
}

func checkAgentCLI(name string) checkResult {
	path, err := exec.LookPath(name)
	if err != nil {
		return checkResult{"Agent CLI", "WARN", fmt.Sprintf("%s not found (dispatch needs this to spawn agents)", name)}
	}

	out, err := exec.Command(path, "--version").Output()
	if err != nil {
		return checkResult{"Agent CLI", "PASS", fmt.Sprintf("%s found (version unknown)", name)}
	}
	return checkResult{"Agent CLI", "PASS", strings.TrimSpace(strings.Split(string(out), "\n")[0])}
}

func checkMySQLServer(cfg *config.Config) checkResult {
	adminDB, err := db.ConnectAdmin(cfg.Database)
	if err != nil {
		return checkResult{"MySQL server", "FAIL", fmt.Sprintf("%s:%d unreachable: %v", cfg.Database.Host, cfg.Database.Port, err)}
	}
	sqlDB, err := adminDB.DB()
	if err != nil {
		return checkResult{"MySQL server", "FAIL", fmt.Sprintf("get sql.DB: %v", err)}
	}
	if err := sqlDB.Ping(); err != nil {
		return checkResult{"MySQL server", "FAIL", fmt.Sprintf("%s:%d ping failed: %v", cfg.Database.Host, cfg.Database.Port, err)}
	}
	return checkResult{"MySQL server", "PASS", fmt.Sprintf("%s:%d reachable", cfg.Database.Host, cfg.Database.Port)}
}

func checkDatabase(cfg *config.Config) checkResult {
	target := cfg.Database.Database
	if cfg.Database.Driver == "sqlite" {
		target = cfg.Database.Path
		// Connecting would create the file; stat first so doctor stays read-only.
		if _, err := os.Stat(cfg.Database.Path); err != nil {
			return checkResult{"Database", "FAIL", fmt.Sprintf("%s not found (run gantry db init)", cfg.Database.Path)}
		}
	}

	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return checkResult{"Database", "FAIL", fmt.Sprintf("%s: %v", target, err)}
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return checkResult{"Database", "FAIL", fmt.Sprintf("get sql.DB: %v", err)}
	}
	if err := sqlDB.Ping(); err != nil {
		return checkResult{"Database", "FAIL", fmt.Sprintf("%s ping failed: %v", target, err)}
	}
	return checkResult{"Database", "PASS", fmt.Sprintf("%s exists", target)}
}

func checkSchema(cfg *config.Config) checkResult {
	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return checkResult{"Schema", "FAIL", fmt.Sprintf("connect: %v", err)}
	}

	tables, err := gormDB.Migrator().GetTables()
	if err != nil {
		return checkResult{"Schema", "FAIL", fmt.Sprintf("list tables: %v", err)}
	}

	expected := len(db.AllModels())
	actual := len(tables)
	if actual >= expected {
		return checkResult{"Schema", "PASS", fmt.Sprintf("%d/%d tables migrated", actual, expected)}
	}
	return checkResult{"Schema", "WARN", fmt.Sprintf("%d/%d tables migrated (run gantry db init)", actual, expected)}
}

func checkProjects(cfg *config.Config) checkResult {
	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return checkResult{"Projects", "FAIL", fmt.Sprintf("connect: %v", err)}
	}

	var count int64
	if err := gormDB.Table("projects").Count(&count).Error; err != nil {
		return checkResult{"Projects", "FAIL", fmt.Sprintf("count projects: %v", err)}
	}

	return checkResult{"Projects", "PASS", fmt.Sprintf("%d configured, %d seeded", len(cfg.Projects), count)}
}

func checkRepos(cfg *config.Config) []checkResult {
	var results []checkResult
	for _, p := range cfg.Projects {
		name := fmt.Sprintf("Repo (%s)", p.ID)
		info, err := os.Stat(p.RepoPath)
		if err != nil {
			results = append(results, checkResult{name, "FAIL", fmt.Sprintf("%s not found", p.RepoPath)})
			continue
		}
		if !info.IsDir() {
			results = append(results, checkResult{name, "FAIL", fmt.Sprintf("%s is not a directory", p.RepoPath)})
			continue
		}
		if _, err := os.Stat(p.RepoPath + "/.git"); err != nil {
			results = append(results, checkResult{name, "WARN", fmt.Sprintf("%s is not a git repository", p.RepoPath)})
			continue
		}
		results = append(results, checkResult{name, "PASS", p.RepoPath})
	}
	return results
}

func checkWorktreeRoot(cfg *config.Config) checkResult {
	if _, err := os.Stat(cfg.Worktrees.Root); err != nil {
		return checkResult{"Worktree root", "WARN", fmt.Sprintf("%s not found (created on first dispatch)", cfg.Worktrees.Root)}
	}
	return checkResult{"Worktree root", "PASS", cfg.Worktrees.Root}
}
