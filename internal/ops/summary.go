package ops

import (
	"fmt"
	"strings"

	"github.com/gantryhq/gantry/internal/guard"
	"github.com/gantryhq/gantry/internal/job"
	"github.com/gantryhq/gantry/internal/models"
	"github.com/gantryhq/gantry/internal/slot"
	"github.com/gantryhq/gantry/internal/worktree"
	"gorm.io/gorm"
)

// Summary is the queue-wide snapshot served at /api/summary and rendered
// by the status command.
type Summary struct {
	Jobs         map[string]int   `json:"jobs"`
	QueueDepth   int              `json:"queue_depth"`
	Projects     []ProjectSummary `json:"projects"`
	ExpiredLocks int              `json:"expired_locks"`
	Guard        *guard.Stats     `json:"guard,omitempty"`
}

// ProjectSummary reports one project's slot and workspace occupancy.
type ProjectSummary struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	SlotsIdle       int64  `json:"slots_idle"`
	SlotsRunning    int64  `json:"slots_running"`
	ActiveWorktrees int64  `json:"active_worktrees"`
}

// BuildSummary gathers the snapshot from the store.
func BuildSummary(db *gorm.DB) (Summary, error) {
	s := Summary{
		Jobs:     map[string]int{},
		Projects: []ProjectSummary{},
	}
	if db == nil {
		return s, fmt.Errorf("ops: db is required")
	}

	counts, err := job.Summary(db, "")
	if err != nil {
		return s, err
	}
	for _, sc := range counts {
		s.Jobs[sc.State] = sc.Count
		if sc.State == job.StateQueued {
			s.QueueDepth = sc.Count
		}
	}

	var projects []models.Project
	if err := db.Order("id ASC").Find(&projects).Error; err != nil {
		return s, fmt.Errorf("ops: list projects: %w", err)
	}
	for _, p := range projects {
		idle, err := slot.CountIdle(db, p.ID)
		if err != nil {
			return s, err
		}
		running, err := slot.CountRunning(db, p.ID)
		if err != nil {
			return s, err
		}
		active, err := worktree.CountActive(db, p.ID)
		if err != nil {
			return s, err
		}
		s.Projects = append(s.Projects, ProjectSummary{
			ID:              p.ID,
			Name:            p.Name,
			SlotsIdle:       idle,
			SlotsRunning:    running,
			ActiveWorktrees: active,
		})
	}

	expired, err := worktree.ListExpiredLocks(db)
	if err != nil {
		return s, err
	}
	s.ExpiredLocks = len(expired)

	return s, nil
}

// FormatSummary renders a Summary as a human-readable dashboard string.
func FormatSummary(s Summary) string {
	var b strings.Builder

	b.WriteString("PROJECTS\n")
	b.WriteString(fmt.Sprintf("%-16s %-20s %6s %8s %10s\n",
		"ID", "NAME", "IDLE", "RUNNING", "WORKTREES"))
	for _, p := range s.Projects {
		b.WriteString(fmt.Sprintf("%-16s %-20s %6d %8d %10d\n",
			p.ID, p.Name, p.SlotsIdle, p.SlotsRunning, p.ActiveWorktrees))
	}
	if len(s.Projects) == 0 {
		b.WriteString("  (no projects)\n")
	}
	b.WriteString("\n")

	b.WriteString("JOBS\n")
	for _, state := range []string{
		job.StateQueued, job.StateRunning, job.StateSucceeded,
		job.StateFailed, job.StateCanceled,
	} {
		b.WriteString(fmt.Sprintf("%-12s %6d\n", state, s.Jobs[state]))
	}
	b.WriteString("\n")

	b.WriteString(fmt.Sprintf("Queue depth: %d\n", s.QueueDepth))
	b.WriteString(fmt.Sprintf("Expired locks: %d\n", s.ExpiredLocks))
	if s.Guard != nil {
		b.WriteString(fmt.Sprintf("Guard cache: %d hits, %d misses (%d cached, %d audited)\n",
			s.Guard.CacheHits, s.Guard.CacheMisses, s.Guard.CacheLen, s.Guard.AuditLen))
	}
	return b.String()
}
