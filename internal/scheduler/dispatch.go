package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/gantryhq/gantry/internal/agent"
	"github.com/gantryhq/gantry/internal/card"
	"github.com/gantryhq/gantry/internal/deps"
	"github.com/gantryhq/gantry/internal/guard"
	"github.com/gantryhq/gantry/internal/job"
	"github.com/gantryhq/gantry/internal/models"
	"github.com/gantryhq/gantry/internal/slot"
	"github.com/gantryhq/gantry/internal/vcs"
	"github.com/gantryhq/gantry/internal/worktree"
)

// RunPayload is the optional payload shape for agent_run and sync jobs.
// An empty command falls back to the configured agent command.
type RunPayload struct {
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
}

// dispatchProject pairs eligible jobs with free slots until the project
// runs out of either. Any skip that leaves the head job eligible ends the
// project's pass for this tick; looping again would only refetch it.
func (s *Scheduler) dispatchProject(ctx context.Context, p *models.Project) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		j, err := job.NextEligible(s.db, p.ID, s.cfg.Scheduler.RetryCooldown.Std())
		if err != nil {
			return err
		}
		if j == nil {
			return nil
		}

		again, err := s.dispatch(ctx, p, j)
		if err != nil {
			return err
		}
		if !again {
			return nil
		}
	}
}

// dispatch tries to launch one eligible job. It returns true only when
// the job's eligibility changed (leased here, leased elsewhere, or
// canceled), meaning NextEligible will surface different work; false
// holds the project until the next tick.
func (s *Scheduler) dispatch(ctx context.Context, p *models.Project, j *models.Job) (bool, error) {
	// The process-wide dispatch budget bounds running agents across all
	// projects.
	if !s.sem.TryAcquire(1) {
		return false, nil
	}
	launched := false
	defer func() {
		if !launched {
			s.sem.Release(1)
		}
	}()

	// Dependency gate. A card that left the schedulable statuses makes its
	// job moot; a blocked card holds its job for a later tick.
	var c *models.Card
	if j.CardID != "" {
		var err error
		c, err = card.Get(s.db, j.CardID)
		if err != nil {
			if _, cErr := job.Cancel(s.db, j.ID, "card not found"); cErr != nil {
				return false, cErr
			}
			fmt.Fprintf(s.out, "Canceled %s: card %s not found\n", j.ID, j.CardID)
			return true, nil
		}

		switch c.Status {
		case card.StatusReady, card.StatusInProgress:
		default:
			if _, cErr := job.Cancel(s.db, j.ID, fmt.Sprintf("card is %s", c.Status)); cErr != nil {
				return false, cErr
			}
			fmt.Fprintf(s.out, "Canceled %s: card %s is %s\n", j.ID, c.ID, c.Status)
			return true, nil
		}

		check, err := deps.CheckTransition(s.db, c, card.StatusInProgress)
		if err != nil {
			return false, err
		}
		if !check.CanMove {
			fmt.Fprintf(s.out, "Holding %s: card %s %s\n", j.ID, c.ID, check.Reason)
			return false, nil
		}
	}

	sl, err := slot.Acquire(s.db, p.ID)
	if err != nil {
		return false, err
	}
	if sl == nil {
		return false, nil
	}

	wt, err := s.ensureWorktree(p, j)
	if err != nil {
		s.releaseSlot(sl.ID)
		return false, err
	}
	if wt == nil {
		// The card's previous workspace is still waiting on the reconciler.
		s.releaseSlot(sl.ID)
		fmt.Fprintf(s.out, "Holding %s: worktree for card %s pending cleanup\n", j.ID, j.CardID)
		return false, nil
	}

	locked, err := worktree.AcquireLock(s.db, wt.ID, s.token, s.cfg.Worktrees.LockTTL.Std())
	if err != nil {
		s.releaseSlot(sl.ID)
		return false, err
	}
	if !locked {
		s.releaseSlot(sl.ID)
		return false, nil
	}

	// The row was read before the lock; a run that finished in between
	// left it cleanup_pending. Re-read under the lock and hold the job.
	fresh, err := worktree.Get(s.db, wt.ID)
	if err != nil {
		s.releaseClaims(sl.ID, wt.ID)
		return false, err
	}
	wt = fresh
	switch wt.Status {
	case worktree.StatusCreating, worktree.StatusReady, worktree.StatusRunning:
	default:
		s.releaseClaims(sl.ID, wt.ID)
		fmt.Fprintf(s.out, "Holding %s: worktree %s is %s\n", j.ID, wt.ID, wt.Status)
		return false, nil
	}

	leased, err := job.AcquireLease(s.db, j.ID, s.token, s.cfg.Scheduler.LeaseTTL.Std())
	if err != nil {
		s.releaseClaims(sl.ID, wt.ID)
		return false, err
	}
	if !leased {
		// Another scheduler won the job; NextEligible skips it now.
		s.releaseClaims(sl.ID, wt.ID)
		return true, nil
	}

	// The job is ours. Vet the command before spending a checkout on it.
	req, err := s.buildRequest(p, j, wt)
	if err != nil {
		s.abortDispatch(j, sl.ID, wt.ID, err.Error())
		return true, nil
	}
	verdict := s.guard.Validate(req)
	if !verdict.Allowed {
		s.abortDispatch(j, sl.ID, wt.ID, "command rejected: "+verdict.Reason)
		return true, nil
	}

	// Materialize the workspace on its first run.
	if wt.Status == worktree.StatusCreating {
		if err := s.vcs.CreateWorkspace(ctx, vcs.WorkspaceSpec{
			RepoDir: p.RepoPath,
			Path:    wt.Path,
			Branch:  wt.BranchName,
			BaseRef: wt.BaseRef,
		}); err != nil {
			if wtErr := worktree.MarkError(s.db, wt.ID, err.Error()); wtErr != nil {
				log.Printf("scheduler: mark worktree %s error: %v", wt.ID, wtErr)
			}
			s.abortDispatch(j, sl.ID, wt.ID, fmt.Sprintf("create workspace: %v", err))
			return true, nil
		}
		if err := worktree.Advance(s.db, wt.ID, worktree.StatusReady); err != nil {
			s.abortDispatch(j, sl.ID, wt.ID, err.Error())
			return true, nil
		}
		wt.Status = worktree.StatusReady
	}

	if wt.Status == worktree.StatusReady {
		if err := worktree.Advance(s.db, wt.ID, worktree.StatusRunning); err != nil {
			s.abortDispatch(j, sl.ID, wt.ID, err.Error())
			return true, nil
		}
	}

	// Card moves last among the fallible writes, so an abort never leaves
	// it stranded in in_progress.
	if c != nil && c.Status != card.StatusInProgress {
		if err := card.SetStatus(s.db, c.ID, card.StatusInProgress); err != nil {
			s.abortDispatch(j, sl.ID, wt.ID, err.Error())
			return true, nil
		}
	}

	if err := worktree.AssignJob(s.db, wt.ID, j.ID); err != nil {
		log.Printf("scheduler: assign job %s to %s: %v", j.ID, wt.ID, err)
	}
	if err := slot.Update(s.db, sl.ID, slot.Binding{CardID: j.CardID, JobID: j.ID, WorktreeID: wt.ID}); err != nil {
		log.Printf("scheduler: bind slot %d: %v", sl.ID, err)
	}

	fmt.Fprintf(s.out, "Dispatching %s (card %s) on slot %d in %s\n",
		j.ID, cardLabel(j.CardID), sl.SlotNumber, wt.Path)

	launched = true
	s.wg.Add(1)
	go func(j models.Job, sl models.WorkerSlot, wt models.Worktree, secured guard.SecuredRequest) {
		defer s.sem.Release(1)
		defer s.wg.Done()
		s.runJob(ctx, j, sl, wt, secured)
	}(*j, *sl, *wt, *verdict.Secured)

	return true, nil
}

// ensureWorktree finds or creates the record backing a job's workspace.
// Returns nil when the card's previous workspace is still cleanup_pending,
// so the caller holds the job until the reconciler frees the branch.
func (s *Scheduler) ensureWorktree(p *models.Project, j *models.Job) (*models.Worktree, error) {
	if j.CardID != "" {
		wt, err := worktree.GetByCard(s.db, p.ID, j.CardID)
		if err != nil {
			return nil, err
		}
		if wt != nil {
			if wt.Status == worktree.StatusCleanupPending {
				return nil, nil
			}
			return wt, nil
		}
	}

	root := p.WorktreeRoot
	if root == "" {
		root = s.cfg.Worktrees.Root
	}
	return worktree.Create(s.db, worktree.CreateOpts{
		ProjectID:    p.ID,
		CardID:       j.CardID,
		JobID:        j.ID,
		BaseRef:      p.BaseBranch,
		BranchPrefix: p.BranchPrefix,
		WorktreeRoot: root,
	})
}

// buildRequest resolves the job payload into a guard request. The payload
// may name the command to run; agent_run jobs usually leave it empty and
// get the configured agent command.
func (s *Scheduler) buildRequest(p *models.Project, j *models.Job, wt *models.Worktree) (guard.Request, error) {
	var payload RunPayload
	if j.Payload != "" {
		if err := json.Unmarshal([]byte(j.Payload), &payload); err != nil {
			return guard.Request{}, fmt.Errorf("scheduler: job %s payload: %w", j.ID, err)
		}
	}

	command := payload.Command
	args := payload.Args
	if command == "" {
		command = s.cfg.Scheduler.AgentCommand
		args = s.cfg.Scheduler.AgentArgs
	}

	policy, err := guard.PolicyFromProject(p)
	if err != nil {
		return guard.Request{}, fmt.Errorf("scheduler: project %s policy: %w", p.ID, err)
	}

	return guard.Request{
		Command: command,
		Args:    args,
		CWD:     wt.Path,
		Policy:  policy,
		Origin:  guard.OriginPipeline,
		Context: "dispatch " + j.ID,
	}, nil
}

// runJob owns one leased job from launch to completion: renewal heartbeat,
// agent run, result reporting, resource release. Runs on its own goroutine
// under the dispatch semaphore.
func (s *Scheduler) runJob(ctx context.Context, j models.Job, sl models.WorkerSlot, wt models.Worktree, secured guard.SecuredRequest) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	lost := s.startRenewals(runCtx, cancel, j.ID, wt.ID)

	res, runErr := s.runner.Run(runCtx, agent.RunSpec{
		JobID:    j.ID,
		CardID:   j.CardID,
		Worktree: wt.Path,
		Request:  secured,
	})
	cancel()

	if lost.Load() {
		// Another scheduler reclaimed the job mid-run and owns reporting
		// now. Hand back what is still ours.
		s.releaseClaims(sl.ID, wt.ID)
		return
	}

	switch {
	case runErr != nil && ctx.Err() != nil:
		s.completeCanceled(&j, &sl, &wt)
	case runErr != nil:
		s.completeFailure(&j, &sl, &wt, fmt.Sprintf("agent run: %v", runErr), res)
	case res.ExitCode != 0:
		s.completeFailure(&j, &sl, &wt, fmt.Sprintf("agent exited %d", res.ExitCode), res)
	default:
		s.completeSuccess(&j, &sl, &wt, res)
	}
}

// startRenewals keeps the job lease and the worktree lock fresh while the
// agent runs. Losing either means another scheduler owns the work now: the
// run context is canceled and the returned flag set so the caller skips
// result reporting.
func (s *Scheduler) startRenewals(ctx context.Context, cancel context.CancelFunc, jobID, wtID string) *atomic.Bool {
	leaseTTL := s.cfg.Scheduler.LeaseTTL.Std()
	lockTTL := s.cfg.Worktrees.LockTTL.Std()
	interval := leaseTTL
	if lockTTL < interval {
		interval = lockTTL
	}
	interval /= 3
	if interval <= 0 {
		interval = time.Second
	}

	lost := &atomic.Bool{}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ok, err := job.RenewLease(s.db, jobID, s.token, leaseTTL)
				if err != nil {
					log.Printf("scheduler: renew lease %s: %v", jobID, err)
					continue
				}
				if !ok {
					log.Printf("scheduler: lost lease on %s, abandoning run", jobID)
					lost.Store(true)
					cancel()
					return
				}

				ok, err = worktree.RenewLock(s.db, wtID, s.token, lockTTL)
				if err != nil {
					log.Printf("scheduler: renew lock %s: %v", wtID, err)
					continue
				}
				if !ok {
					log.Printf("scheduler: lost lock on %s, abandoning run", wtID)
					lost.Store(true)
					cancel()
					return
				}
			}
		}
	}()
	return lost
}

// completeSuccess reports the job succeeded, moves its card to testing,
// and queues the workspace for removal.
func (s *Scheduler) completeSuccess(j *models.Job, sl *models.WorkerSlot, wt *models.Worktree, res *agent.RunResult) {
	if err := job.ReportResult(s.db, j.ID, job.StateSucceeded, resultJSON(res), ""); err != nil {
		log.Printf("scheduler: report %s succeeded: %v", j.ID, err)
	}
	if j.CardID != "" {
		if err := card.SetStatus(s.db, j.CardID, card.StatusTesting); err != nil {
			log.Printf("scheduler: card %s to testing: %v", j.CardID, err)
		}
	}
	if err := worktree.RequestCleanup(s.db, wt.ID); err != nil {
		log.Printf("scheduler: request cleanup %s: %v", wt.ID, err)
	}
	s.releaseClaims(sl.ID, wt.ID)
	fmt.Fprintf(s.out, "Job %s succeeded (card %s)\n", j.ID, cardLabel(j.CardID))
}

// completeFailure reports the job failed and returns its card to ready;
// the cooldown window keeps NextEligible from re-offering the card
// immediately. The workspace is left for the reconciler's orphan sweep.
func (s *Scheduler) completeFailure(j *models.Job, sl *models.WorkerSlot, wt *models.Worktree, reason string, res *agent.RunResult) {
	if err := job.ReportResult(s.db, j.ID, job.StateFailed, resultJSON(res), reason); err != nil {
		log.Printf("scheduler: report %s failed: %v", j.ID, err)
	}
	if j.CardID != "" {
		if err := card.SetStatus(s.db, j.CardID, card.StatusReady); err != nil {
			log.Printf("scheduler: card %s to ready: %v", j.CardID, err)
		}
	}
	s.releaseClaims(sl.ID, wt.ID)
	fmt.Fprintf(s.out, "Job %s failed: %s\n", j.ID, reason)
}

// completeCanceled marks a job interrupted by shutdown. Canceled jobs do
// not trigger the failure cooldown, so a restart re-enqueues the card
// without waiting.
func (s *Scheduler) completeCanceled(j *models.Job, sl *models.WorkerSlot, wt *models.Worktree) {
	if err := job.ReportResult(s.db, j.ID, job.StateCanceled, "", "interrupted by shutdown"); err != nil {
		log.Printf("scheduler: report %s canceled: %v", j.ID, err)
	}
	if j.CardID != "" {
		if err := card.SetStatus(s.db, j.CardID, card.StatusReady); err != nil {
			log.Printf("scheduler: card %s to ready: %v", j.CardID, err)
		}
	}
	s.releaseClaims(sl.ID, wt.ID)
	fmt.Fprintf(s.out, "Job %s canceled: interrupted by shutdown\n", j.ID)
}

// abortDispatch reports a job failed before its agent started and returns
// the slot and lock. Only called while holding the lease.
func (s *Scheduler) abortDispatch(j *models.Job, slotID uint, wtID, reason string) {
	if err := job.ReportResult(s.db, j.ID, job.StateFailed, "", reason); err != nil {
		log.Printf("scheduler: report %s failed: %v", j.ID, err)
	}
	s.releaseClaims(slotID, wtID)
	fmt.Fprintf(s.out, "Job %s failed before start: %s\n", j.ID, reason)
}

// releaseClaims hands back a slot and a worktree lock. The lock release is
// token-checked, so a lock already re-acquired by another scheduler is
// left alone.
func (s *Scheduler) releaseClaims(slotID uint, wtID string) {
	if _, err := worktree.ReleaseLock(s.db, wtID, s.token); err != nil {
		log.Printf("scheduler: release lock %s: %v", wtID, err)
	}
	s.releaseSlot(slotID)
}

func (s *Scheduler) releaseSlot(id uint) {
	if err := slot.Release(s.db, id); err != nil {
		log.Printf("scheduler: release slot %d: %v", id, err)
	}
}

// resultJSON encodes the agent outcome for the job's result column.
func resultJSON(res *agent.RunResult) string {
	if res == nil {
		return ""
	}
	b, err := json.Marshal(map[string]interface{}{
		"exit_code":   res.ExitCode,
		"duration_ms": res.Duration.Milliseconds(),
		"stdout_tail": res.Stdout,
		"stderr_tail": res.Stderr,
	})
	if err != nil {
		return ""
	}
	return string(b)
}

func cardLabel(cardID string) string {
	if cardID == "" {
		return "none"
	}
	return cardID
}
