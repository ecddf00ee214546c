// Package scheduler drives the polling dispatch loop that turns ready
// cards into running agents. Each tick enqueues jobs for cards whose
// dependencies allow work, then pairs eligible jobs with an idle worker
// slot and a locked worktree before handing the validated command to the
// agent runner. Every claim is a conditional update, so any number of
// scheduler processes can share one store; this instance's token is what
// identifies its leases and locks.
package scheduler

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/gantryhq/gantry/internal/agent"
	"github.com/gantryhq/gantry/internal/config"
	"github.com/gantryhq/gantry/internal/deps"
	"github.com/gantryhq/gantry/internal/guard"
	"github.com/gantryhq/gantry/internal/job"
	"github.com/gantryhq/gantry/internal/models"
	"github.com/gantryhq/gantry/internal/vcs"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"gorm.io/gorm"
)

// Options configures a Scheduler. DB, Config, and Guard are required; VCS
// and Runner default to the real git and subprocess implementations.
type Options struct {
	DB     *gorm.DB
	Config *config.Config
	Guard  *guard.Validator
	VCS    vcs.Executor
	Runner agent.Runner
	Out    io.Writer
}

// Scheduler is one polling dispatch instance. A crashed instance needs no
// cleanup: its leases and locks carry its token and simply expire.
type Scheduler struct {
	db     *gorm.DB
	cfg    *config.Config
	guard  *guard.Validator
	vcs    vcs.Executor
	runner agent.Runner
	out    io.Writer
	token  string
	sem    *semaphore.Weighted
	wg     sync.WaitGroup
}

// New builds a Scheduler and mints its instance token.
func New(opts Options) (*Scheduler, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("scheduler: db is required")
	}
	if opts.Config == nil {
		return nil, fmt.Errorf("scheduler: config is required")
	}
	if opts.Guard == nil {
		return nil, fmt.Errorf("scheduler: guard is required")
	}
	if opts.VCS == nil {
		opts.VCS = vcs.GitExecutor{}
	}
	if opts.Runner == nil {
		opts.Runner = agent.ExecRunner{}
	}
	if opts.Out == nil {
		opts.Out = io.Discard
	}

	parallel := opts.Config.Scheduler.DispatchParallelism
	if parallel <= 0 {
		parallel = 4
	}

	return &Scheduler{
		db:     opts.DB,
		cfg:    opts.Config,
		guard:  opts.Guard,
		vcs:    opts.VCS,
		runner: opts.Runner,
		out:    opts.Out,
		token:  "sched-" + uuid.NewString(),
		sem:    semaphore.NewWeighted(int64(parallel)),
	}, nil
}

// Token returns the instance token stamped on this scheduler's leases and
// locks.
func (s *Scheduler) Token() string { return s.token }

// Run executes the tick loop until ctx is canceled, then waits for
// in-flight dispatches to finish before returning.
func (s *Scheduler) Run(ctx context.Context) error {
	poll := s.cfg.Scheduler.PollInterval.Std()
	fmt.Fprintf(s.out, "Scheduler %s starting (poll every %s)...\n", s.token, poll)

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintf(s.out, "Scheduler draining...\n")
			s.wg.Wait()
			fmt.Fprintf(s.out, "Scheduler stopped.\n")
			return nil
		default:
		}

		if err := s.Tick(ctx); err != nil {
			log.Printf("scheduler tick error: %v", err)
		}

		sleepWithContext(ctx, poll)
	}
}

// Tick runs one scheduling pass over every active project: discover ready
// cards, then dispatch eligible jobs while slots and the process dispatch
// budget allow. Per-project errors are logged, not fatal; the next tick
// retries.
func (s *Scheduler) Tick(ctx context.Context) error {
	var projects []models.Project
	if err := s.db.Where("active = ?", true).Find(&projects).Error; err != nil {
		return fmt.Errorf("scheduler: load projects: %w", err)
	}

	for i := range projects {
		p := &projects[i]
		if ctx.Err() != nil {
			return nil
		}
		if err := s.enqueueReady(p); err != nil {
			log.Printf("scheduler enqueue %s error: %v", p.ID, err)
		}
		if err := s.dispatchProject(ctx, p); err != nil {
			log.Printf("scheduler dispatch %s error: %v", p.ID, err)
		}
	}
	return nil
}

// enqueueReady creates an agent_run job for each ready card that clears
// its dependency gate and has no job queued or running yet. The failure
// cooldown is applied at dispatch, not here, so a cooling card holds
// exactly one queued job instead of accumulating one per tick.
func (s *Scheduler) enqueueReady(p *models.Project) error {
	cards, err := deps.ReadyCards(s.db, p.ID)
	if err != nil {
		return err
	}

	for i := range cards {
		c := &cards[i]
		var open int64
		if err := s.db.Model(&models.Job{}).
			Where("card_id = ? AND state IN ?", c.ID, []string{job.StateQueued, job.StateRunning}).
			Count(&open).Error; err != nil {
			return fmt.Errorf("scheduler: count open jobs for %s: %w", c.ID, err)
		}
		if open > 0 {
			continue
		}

		j, err := job.Create(s.db, job.CreateOpts{
			ProjectID: p.ID,
			CardID:    c.ID,
			Type:      job.TypeAgentRun,
		})
		if err != nil {
			log.Printf("scheduler enqueue card %s: %v", c.ID, err)
			continue
		}
		fmt.Fprintf(s.out, "Enqueued %s for card %s (%s)\n", j.ID, c.ID, c.Title)
	}
	return nil
}

// sleepWithContext sleeps for duration d, returning early if ctx is
// canceled.
func sleepWithContext(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
