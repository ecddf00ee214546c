// Package reconciler repairs scheduler state that lost its owner. A crashed
// or interrupted scheduler leaves expired locks, workspaces bound to
// finished jobs, and busy slots pointing at dead work; periodic sweeps
// reclaim all of it through the same conditional updates live schedulers
// use, so the reconciler runs safely beside active instances.
package reconciler

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/gantryhq/gantry/internal/config"
	"github.com/gantryhq/gantry/internal/job"
	"github.com/gantryhq/gantry/internal/models"
	"github.com/gantryhq/gantry/internal/slot"
	"github.com/gantryhq/gantry/internal/vcs"
	"github.com/gantryhq/gantry/internal/worktree"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
)

// Options configures a Reconciler. DB and Config are required; VCS defaults
// to the git executor and Out to io.Discard.
type Options struct {
	DB     *gorm.DB
	Config *config.Config
	VCS    vcs.Executor
	Out    io.Writer
}

// Reconciler owns the background sweep and purge passes.
type Reconciler struct {
	db  *gorm.DB
	cfg *config.Config
	vcs vcs.Executor
	out io.Writer
}

// New builds a Reconciler.
func New(opts Options) (*Reconciler, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("reconciler: db is required")
	}
	if opts.Config == nil {
		return nil, fmt.Errorf("reconciler: config is required")
	}
	if opts.VCS == nil {
		opts.VCS = vcs.GitExecutor{}
	}
	if opts.Out == nil {
		opts.Out = io.Discard
	}

	return &Reconciler{
		db:  opts.DB,
		cfg: opts.Config,
		vcs: opts.VCS,
		out: opts.Out,
	}, nil
}

// Start schedules the sweep and purge entries and blocks until ctx is
// canceled, then waits for any pass still running to finish.
func (r *Reconciler) Start(ctx context.Context) error {
	c := cron.New()

	sweepSpec := "@every " + r.cfg.Reconciler.SweepEvery.Std().String()
	if _, err := c.AddFunc(sweepSpec, func() { r.Sweep(ctx) }); err != nil {
		return fmt.Errorf("reconciler: schedule sweep %q: %w", sweepSpec, err)
	}
	purgeSpec := r.cfg.Reconciler.PurgeCron
	if _, err := c.AddFunc(purgeSpec, func() { r.Purge() }); err != nil {
		return fmt.Errorf("reconciler: schedule purge %q: %w", purgeSpec, err)
	}

	fmt.Fprintf(r.out, "Reconciler starting (sweep %s, purge %s)...\n", sweepSpec, purgeSpec)
	c.Start()

	<-ctx.Done()
	stopped := c.Stop()
	<-stopped.Done()
	fmt.Fprintf(r.out, "Reconciler stopped.\n")
	return nil
}

// Sweep runs one reconciliation pass. The phases are independent; a phase
// that fails is logged and the rest still run.
func (r *Reconciler) Sweep(ctx context.Context) {
	if err := r.releaseExpiredLocks(); err != nil {
		log.Printf("reconciler expired locks error: %v", err)
	}
	if err := r.sweepOrphanedWorktrees(); err != nil {
		log.Printf("reconciler orphan sweep error: %v", err)
	}
	if err := r.processCleanups(ctx); err != nil {
		log.Printf("reconciler cleanup error: %v", err)
	}
	if err := r.releaseOrphanedSlots(); err != nil {
		log.Printf("reconciler slot sweep error: %v", err)
	}
	if err := r.reportStaleJobs(); err != nil {
		log.Printf("reconciler stale jobs error: %v", err)
	}
}

// Purge drops cleaned worktree records older than the configured age,
// freeing their branch names for good.
func (r *Reconciler) Purge() {
	n, err := worktree.PurgeCleaned(r.db, r.cfg.Reconciler.PurgeAfter.Std())
	if err != nil {
		log.Printf("reconciler purge error: %v", err)
		return
	}
	if n > 0 {
		fmt.Fprintf(r.out, "Purged %d cleaned worktree record(s)\n", n)
	}
}

// releaseExpiredLocks force-releases worktree locks whose holder stopped
// renewing. The rows become visible to the orphan sweep in the same pass.
func (r *Reconciler) releaseExpiredLocks() error {
	expired, err := worktree.ListExpiredLocks(r.db)
	if err != nil {
		return err
	}

	for _, wt := range expired {
		if _, err := worktree.ReleaseLock(r.db, wt.ID, ""); err != nil {
			log.Printf("reconciler: release expired lock %s: %v", wt.ID, err)
			continue
		}
		fmt.Fprintf(r.out, "Released expired lock on %s (was held by %s)\n", wt.ID, wt.LockedBy)
	}
	return nil
}

// sweepOrphanedWorktrees queues unlocked ready or running workspaces whose
// job is gone or terminal. A live run always holds a live lock, so anything
// matching here has no owner left.
func (r *Reconciler) sweepOrphanedWorktrees() error {
	var candidates []models.Worktree
	if err := r.db.Where("status IN ? AND (locked_by = '' OR lock_expires_at < ?)",
		[]string{worktree.StatusReady, worktree.StatusRunning}, time.Now()).
		Find(&candidates).Error; err != nil {
		return fmt.Errorf("reconciler: list orphan candidates: %w", err)
	}

	for _, wt := range candidates {
		if wt.JobID != "" {
			j, err := job.Get(r.db, wt.JobID)
			if err == nil && !terminalJobState(j.State) {
				continue
			}
		}
		if err := worktree.RequestCleanup(r.db, wt.ID); err != nil {
			log.Printf("reconciler: queue orphan %s: %v", wt.ID, err)
			continue
		}
		fmt.Fprintf(r.out, "Orphaned worktree %s (%s) queued for cleanup\n", wt.ID, wt.BranchName)
	}
	return nil
}

// processCleanups removes workspaces queued for cleanup and advances their
// records to cleaned. A removal failure parks the record in error with the
// cause; an operator re-queues it once the tree is fixed.
func (r *Reconciler) processCleanups(ctx context.Context) error {
	pending, err := worktree.ListByStatus(r.db, "", worktree.StatusCleanupPending)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	repoDirs, err := r.repoDirs()
	if err != nil {
		return err
	}

	for _, wt := range pending {
		if ctx.Err() != nil {
			return nil
		}
		if err := r.vcs.RemoveWorkspace(ctx, wt.Path, repoDirs[wt.ProjectID]); err != nil {
			log.Printf("reconciler: remove workspace %s: %v", wt.Path, err)
			if markErr := worktree.MarkError(r.db, wt.ID, fmt.Sprintf("remove workspace: %v", err)); markErr != nil {
				log.Printf("reconciler: mark %s error: %v", wt.ID, markErr)
			}
			continue
		}
		if err := worktree.Advance(r.db, wt.ID, worktree.StatusCleaned); err != nil {
			log.Printf("reconciler: advance %s to cleaned: %v", wt.ID, err)
			continue
		}
		fmt.Fprintf(r.out, "Cleaned worktree %s (%s)\n", wt.ID, wt.Path)
	}
	return nil
}

// releaseOrphanedSlots returns running slots to idle when their job is gone
// or terminal. Slots not yet bound to a job are left alone until they are
// older than the lock TTL; by then any live run would have bound or its
// scheduler's locks would have lapsed too.
func (r *Reconciler) releaseOrphanedSlots() error {
	var running []models.WorkerSlot
	if err := r.db.Where("status = ?", slot.StatusRunning).Find(&running).Error; err != nil {
		return fmt.Errorf("reconciler: list running slots: %w", err)
	}

	grace := r.cfg.Worktrees.LockTTL.Std()
	now := time.Now()
	for _, sl := range running {
		if sl.JobID == "" {
			if sl.StartedAt == nil || now.Sub(*sl.StartedAt) < grace {
				continue
			}
		} else {
			j, err := job.Get(r.db, sl.JobID)
			if err == nil && !terminalJobState(j.State) {
				continue
			}
		}
		if err := slot.Release(r.db, sl.ID); err != nil {
			log.Printf("reconciler: release orphaned slot %d: %v", sl.ID, err)
			continue
		}
		fmt.Fprintf(r.out, "Released orphaned slot %d (project %s)\n", sl.SlotNumber, sl.ProjectID)
	}
	return nil
}

// reportStaleJobs surfaces running jobs whose lease lapsed. No repair is
// needed: an expired lease is already acquirable, so the next scheduler
// pick-up re-runs the work.
func (r *Reconciler) reportStaleJobs() error {
	var stale int64
	if err := r.db.Model(&models.Job{}).
		Where("state = ? AND lease_expires_at < ?", job.StateRunning, time.Now()).
		Count(&stale).Error; err != nil {
		return fmt.Errorf("reconciler: count stale jobs: %w", err)
	}
	if stale > 0 {
		fmt.Fprintf(r.out, "%d running job(s) with expired leases await re-acquisition\n", stale)
	}
	return nil
}

// repoDirs maps project IDs to their repository paths for workspace removal.
func (r *Reconciler) repoDirs() (map[string]string, error) {
	var projects []models.Project
	if err := r.db.Find(&projects).Error; err != nil {
		return nil, fmt.Errorf("reconciler: load projects: %w", err)
	}
	dirs := make(map[string]string, len(projects))
	for _, p := range projects {
		dirs[p.ID] = p.RepoPath
	}
	return dirs, nil
}

func terminalJobState(state string) bool {
	switch state {
	case job.StateSucceeded, job.StateFailed, job.StateCanceled:
		return true
	}
	return false
}
