package scheduler

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gantryhq/gantry/internal/agent"
	"github.com/gantryhq/gantry/internal/config"
	"github.com/gantryhq/gantry/internal/guard"
	"github.com/gantryhq/gantry/internal/job"
	"github.com/gantryhq/gantry/internal/models"
	"github.com/gantryhq/gantry/internal/slot"
	"github.com/gantryhq/gantry/internal/vcs"
	"github.com/gantryhq/gantry/internal/worktree"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openSchedulerTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	// Each :memory: connection is a separate database; keep the pool on one.
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("unwrap test db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(
		&models.Project{}, &models.Card{}, &models.CardDependency{},
		&models.Job{}, &models.Worktree{}, &models.WorkerSlot{},
	); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return db
}

func testConfig() *config.Config {
	return &config.Config{
		Scheduler: config.SchedulerConfig{
			PollInterval:        config.Duration(10 * time.Millisecond),
			LeaseTTL:            config.Duration(time.Minute),
			RetryCooldown:       config.Duration(30 * time.Minute),
			DispatchParallelism: 4,
			AgentCommand:        "claude",
		},
		Worktrees: config.WorktreeConfig{
			Root:    "/srv/gantry/worktrees",
			LockTTL: config.Duration(time.Minute),
		},
		Guard: config.GuardConfig{
			CacheTTL:      config.Duration(time.Minute),
			CacheCapacity: 50,
			AuditCapacity: 100,
		},
	}
}

// stubVCS records workspace calls instead of shelling out to git.
type stubVCS struct {
	mu         sync.Mutex
	created    []vcs.WorkspaceSpec
	removed    []string
	failCreate bool
}

func (s *stubVCS) CreateWorkspace(ctx context.Context, spec vcs.WorkspaceSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCreate {
		return fmt.Errorf("git worktree add: exit status 128")
	}
	s.created = append(s.created, spec)
	return nil
}

func (s *stubVCS) RemoveWorkspace(ctx context.Context, path, repoDir string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = append(s.removed, path)
	return nil
}

func (s *stubVCS) createdCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.created)
}

// stubRunner records run specs and returns a canned outcome. With block
// set it waits for context cancellation like a long agent run.
type stubRunner struct {
	mu       sync.Mutex
	specs    []agent.RunSpec
	exitCode int
	err      error
	block    bool
}

func (r *stubRunner) Run(ctx context.Context, spec agent.RunSpec) (*agent.RunResult, error) {
	r.mu.Lock()
	r.specs = append(r.specs, spec)
	block := r.block
	r.mu.Unlock()

	if block {
		<-ctx.Done()
		return &agent.RunResult{}, fmt.Errorf("agent: run: %w", ctx.Err())
	}
	if r.err != nil {
		return nil, r.err
	}
	return &agent.RunResult{ExitCode: r.exitCode, Stdout: "done"}, nil
}

func (r *stubRunner) runCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.specs)
}

func (r *stubRunner) spec(t *testing.T, i int) agent.RunSpec {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if i >= len(r.specs) {
		t.Fatalf("runner has %d specs, want index %d", len(r.specs), i)
	}
	return r.specs[i]
}

func newTestScheduler(t *testing.T, db *gorm.DB) (*Scheduler, *stubVCS, *stubRunner) {
	t.Helper()
	cfg := testConfig()
	v := &stubVCS{}
	r := &stubRunner{}
	s, err := New(Options{
		DB:     db,
		Config: cfg,
		Guard:  guard.NewValidator(cfg.Guard, log.New(io.Discard, "", 0)),
		VCS:    v,
		Runner: r,
		Out:    io.Discard,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	return s, v, r
}

func seedProject(t *testing.T, db *gorm.DB, slots int) *models.Project {
	t.Helper()
	p := models.Project{
		ID:           "app",
		Name:         "App",
		RepoPath:     "/srv/repos/app",
		BaseBranch:   "main",
		BranchPrefix: "gantry",
		SlotCount:    slots,
		Active:       true,
	}
	if err := db.Create(&p).Error; err != nil {
		t.Fatalf("create project: %v", err)
	}
	if err := slot.Initialize(db, p.ID, slots); err != nil {
		t.Fatalf("init slots: %v", err)
	}
	return &p
}

func seedCard(t *testing.T, db *gorm.DB, id, status string) *models.Card {
	t.Helper()
	c := models.Card{
		ID:        id,
		ProjectID: "app",
		Title:     "Card " + id,
		Status:    status,
	}
	if err := db.Create(&c).Error; err != nil {
		t.Fatalf("create card %s: %v", id, err)
	}
	return &c
}

func jobForCard(t *testing.T, db *gorm.DB, cardID string) *models.Job {
	t.Helper()
	var j models.Job
	result := db.Where("card_id = ?", cardID).Order("created_at DESC").Limit(1).Find(&j)
	if result.Error != nil {
		t.Fatalf("find job for %s: %v", cardID, result.Error)
	}
	if result.RowsAffected == 0 {
		t.Fatalf("no job for card %s", cardID)
	}
	return &j
}

func TestNew_Required(t *testing.T) {
	cfg := testConfig()
	g := guard.NewValidator(cfg.Guard, log.New(io.Discard, "", 0))

	if _, err := New(Options{Config: cfg, Guard: g}); err == nil {
		t.Error("expected error without DB")
	}
	db := openSchedulerTestDB(t)
	if _, err := New(Options{DB: db, Guard: g}); err == nil {
		t.Error("expected error without config")
	}
	if _, err := New(Options{DB: db, Config: cfg}); err == nil {
		t.Error("expected error without guard")
	}
}

func TestNew_Defaults(t *testing.T) {
	db := openSchedulerTestDB(t)
	cfg := testConfig()
	s, err := New(Options{
		DB:     db,
		Config: cfg,
		Guard:  guard.NewValidator(cfg.Guard, log.New(io.Discard, "", 0)),
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	if !strings.HasPrefix(s.Token(), "sched-") {
		t.Errorf("Token = %q, want sched- prefix", s.Token())
	}
	if s.vcs == nil || s.runner == nil || s.out == nil {
		t.Error("expected collaborator defaults to be filled")
	}
}

func TestEnqueueReady_CreatesOneJobPerCard(t *testing.T) {
	db := openSchedulerTestDB(t)
	p := seedProject(t, db, 2)
	seedCard(t, db, "card-001", "ready")
	s, _, _ := newTestScheduler(t, db)

	if err := s.enqueueReady(p); err != nil {
		t.Fatalf("enqueueReady: %v", err)
	}
	j := jobForCard(t, db, "card-001")
	if j.State != job.StateQueued {
		t.Errorf("State = %q, want queued", j.State)
	}
	if j.Type != job.TypeAgentRun {
		t.Errorf("Type = %q, want agent_run", j.Type)
	}

	// A second pass must not stack another job behind the queued one.
	if err := s.enqueueReady(p); err != nil {
		t.Fatalf("enqueueReady again: %v", err)
	}
	var count int64
	if err := db.Model(&models.Job{}).Where("card_id = ?", "card-001").Count(&count).Error; err != nil {
		t.Fatalf("count jobs: %v", err)
	}
	if count != 1 {
		t.Errorf("jobs for card = %d, want 1", count)
	}
}

func TestEnqueueReady_SkipsBlockedCard(t *testing.T) {
	db := openSchedulerTestDB(t)
	p := seedProject(t, db, 2)
	seedCard(t, db, "card-pre", "draft")
	seedCard(t, db, "card-dep", "ready")
	dep := models.CardDependency{
		ProjectID:       "app",
		CardID:          "card-dep",
		DependsOnCardID: "card-pre",
		RequiredStatus:  "done",
		IsActive:        true,
	}
	if err := db.Create(&dep).Error; err != nil {
		t.Fatalf("create dependency: %v", err)
	}
	s, _, _ := newTestScheduler(t, db)

	if err := s.enqueueReady(p); err != nil {
		t.Fatalf("enqueueReady: %v", err)
	}
	var count int64
	if err := db.Model(&models.Job{}).Count(&count).Error; err != nil {
		t.Fatalf("count jobs: %v", err)
	}
	if count != 0 {
		t.Errorf("jobs = %d, want 0 for a gate-blocked card", count)
	}
}

func TestTick_SuccessfulRun(t *testing.T) {
	db := openSchedulerTestDB(t)
	seedProject(t, db, 2)
	seedCard(t, db, "card-001", "ready")
	s, v, r := newTestScheduler(t, db)

	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	s.wg.Wait()

	j := jobForCard(t, db, "card-001")
	if j.State != job.StateSucceeded {
		t.Fatalf("job state = %q, want succeeded (last error %q)", j.State, j.LastError)
	}
	if j.LeaseHolder != "" {
		t.Errorf("LeaseHolder = %q, want cleared", j.LeaseHolder)
	}
	if !strings.Contains(j.Result, "exit_code") {
		t.Errorf("Result = %q, want run outcome JSON", j.Result)
	}

	var c models.Card
	if err := db.First(&c, "id = ?", "card-001").Error; err != nil {
		t.Fatalf("load card: %v", err)
	}
	if c.Status != "testing" {
		t.Errorf("card status = %q, want testing", c.Status)
	}

	wt, err := worktree.GetByCard(db, "app", "card-001")
	if err != nil {
		t.Fatalf("get worktree: %v", err)
	}
	if wt == nil {
		t.Fatal("expected a worktree record")
	}
	if wt.Status != worktree.StatusCleanupPending {
		t.Errorf("worktree status = %q, want cleanup_pending", wt.Status)
	}
	if wt.LockedBy != "" {
		t.Errorf("LockedBy = %q, want released", wt.LockedBy)
	}

	idle, err := slot.CountIdle(db, "app")
	if err != nil {
		t.Fatalf("count idle: %v", err)
	}
	if idle != 2 {
		t.Errorf("idle slots = %d, want 2", idle)
	}

	if v.createdCount() != 1 {
		t.Errorf("workspaces created = %d, want 1", v.createdCount())
	}
	if r.runCount() != 1 {
		t.Fatalf("agent runs = %d, want 1", r.runCount())
	}
	spec := r.spec(t, 0)
	if spec.Request.Command != "claude" {
		t.Errorf("command = %q, want configured agent command", spec.Request.Command)
	}
	if spec.Worktree != wt.Path {
		t.Errorf("run worktree = %q, want %q", spec.Worktree, wt.Path)
	}
}

func TestTick_FailureReturnsCardToReady(t *testing.T) {
	db := openSchedulerTestDB(t)
	seedProject(t, db, 2)
	seedCard(t, db, "card-001", "ready")
	s, _, r := newTestScheduler(t, db)
	r.exitCode = 3

	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	s.wg.Wait()

	j := jobForCard(t, db, "card-001")
	if j.State != job.StateFailed {
		t.Fatalf("job state = %q, want failed", j.State)
	}
	if !strings.Contains(j.LastError, "exited 3") {
		t.Errorf("LastError = %q, want exit code message", j.LastError)
	}

	var c models.Card
	if err := db.First(&c, "id = ?", "card-001").Error; err != nil {
		t.Fatalf("load card: %v", err)
	}
	if c.Status != "ready" {
		t.Errorf("card status = %q, want ready", c.Status)
	}

	// The workspace stays behind for the reconciler, unlocked.
	wt, err := worktree.GetByCard(db, "app", "card-001")
	if err != nil {
		t.Fatalf("get worktree: %v", err)
	}
	if wt == nil {
		t.Fatal("expected the worktree to survive the failure")
	}
	if wt.Status != worktree.StatusRunning {
		t.Errorf("worktree status = %q, want running", wt.Status)
	}
	if wt.LockedBy != "" {
		t.Errorf("LockedBy = %q, want released", wt.LockedBy)
	}

	idle, err := slot.CountIdle(db, "app")
	if err != nil {
		t.Fatalf("count idle: %v", err)
	}
	if idle != 2 {
		t.Errorf("idle slots = %d, want 2", idle)
	}
}

func TestTick_NoIdleSlotHoldsJob(t *testing.T) {
	db := openSchedulerTestDB(t)
	seedProject(t, db, 1)
	seedCard(t, db, "card-001", "ready")
	if _, err := slot.Acquire(db, "app"); err != nil {
		t.Fatalf("exhaust slots: %v", err)
	}
	s, _, r := newTestScheduler(t, db)

	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	s.wg.Wait()

	j := jobForCard(t, db, "card-001")
	if j.State != job.StateQueued {
		t.Errorf("job state = %q, want queued while no slot is idle", j.State)
	}
	if r.runCount() != 0 {
		t.Errorf("agent runs = %d, want 0", r.runCount())
	}
}

func TestDispatch_BlockedCardHolds(t *testing.T) {
	db := openSchedulerTestDB(t)
	p := seedProject(t, db, 2)
	seedCard(t, db, "card-pre", "draft")
	seedCard(t, db, "card-dep", "ready")
	dep := models.CardDependency{
		ProjectID:       "app",
		CardID:          "card-dep",
		DependsOnCardID: "card-pre",
		RequiredStatus:  "done",
		IsActive:        true,
	}
	if err := db.Create(&dep).Error; err != nil {
		t.Fatalf("create dependency: %v", err)
	}
	// Enqueued before the gate closed.
	if _, err := job.Create(db, job.CreateOpts{ProjectID: "app", CardID: "card-dep"}); err != nil {
		t.Fatalf("create job: %v", err)
	}
	s, _, r := newTestScheduler(t, db)

	if err := s.dispatchProject(context.Background(), p); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	s.wg.Wait()

	j := jobForCard(t, db, "card-dep")
	if j.State != job.StateQueued {
		t.Errorf("job state = %q, want queued while blocked", j.State)
	}
	idle, err := slot.CountIdle(db, "app")
	if err != nil {
		t.Fatalf("count idle: %v", err)
	}
	if idle != 2 {
		t.Errorf("idle slots = %d, want 2 (no slot burned on a blocked card)", idle)
	}
	if r.runCount() != 0 {
		t.Errorf("agent runs = %d, want 0", r.runCount())
	}
}

func TestDispatch_CardGoneCancelsJob(t *testing.T) {
	db := openSchedulerTestDB(t)
	p := seedProject(t, db, 2)
	j, err := job.Create(db, job.CreateOpts{ProjectID: "app", CardID: "card-gone"})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	s, _, _ := newTestScheduler(t, db)

	if err := s.dispatchProject(context.Background(), p); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	got, err := job.Get(db, j.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.State != job.StateCanceled {
		t.Errorf("job state = %q, want canceled for a vanished card", got.State)
	}
}

func TestDispatch_DoneCardCancelsJob(t *testing.T) {
	db := openSchedulerTestDB(t)
	p := seedProject(t, db, 2)
	seedCard(t, db, "card-001", "done")
	j, err := job.Create(db, job.CreateOpts{ProjectID: "app", CardID: "card-001"})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	s, _, _ := newTestScheduler(t, db)

	if err := s.dispatchProject(context.Background(), p); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	got, err := job.Get(db, j.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.State != job.StateCanceled {
		t.Errorf("job state = %q, want canceled for a done card", got.State)
	}
	if !strings.Contains(got.LastError, "card is done") {
		t.Errorf("LastError = %q, want card-is-done reason", got.LastError)
	}
}

func TestDispatch_GuardRejectionFailsJob(t *testing.T) {
	db := openSchedulerTestDB(t)
	p := seedProject(t, db, 2)
	payload := `{"command":"curl","args":["http://example.com"]}`
	j, err := job.Create(db, job.CreateOpts{ProjectID: "app", Type: job.TypeSync, Payload: payload})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	s, v, r := newTestScheduler(t, db)

	if err := s.dispatchProject(context.Background(), p); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	s.wg.Wait()

	got, err := job.Get(db, j.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.State != job.StateFailed {
		t.Fatalf("job state = %q, want failed", got.State)
	}
	if !strings.Contains(got.LastError, "rejected") {
		t.Errorf("LastError = %q, want rejection reason", got.LastError)
	}
	if v.createdCount() != 0 {
		t.Errorf("workspaces created = %d, want 0 for a rejected command", v.createdCount())
	}
	if r.runCount() != 0 {
		t.Errorf("agent runs = %d, want 0", r.runCount())
	}

	idle, err := slot.CountIdle(db, "app")
	if err != nil {
		t.Fatalf("count idle: %v", err)
	}
	if idle != 2 {
		t.Errorf("idle slots = %d, want 2", idle)
	}
}

func TestDispatch_WorkspaceFailureFailsJob(t *testing.T) {
	db := openSchedulerTestDB(t)
	seedProject(t, db, 2)
	seedCard(t, db, "card-001", "ready")
	s, v, r := newTestScheduler(t, db)
	v.failCreate = true

	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	s.wg.Wait()

	j := jobForCard(t, db, "card-001")
	if j.State != job.StateFailed {
		t.Fatalf("job state = %q, want failed", j.State)
	}
	if !strings.Contains(j.LastError, "create workspace") {
		t.Errorf("LastError = %q, want create-workspace reason", j.LastError)
	}

	// The record carries the checkout error; the card never left ready.
	var wt models.Worktree
	if err := db.Where("card_id = ?", "card-001").First(&wt).Error; err != nil {
		t.Fatalf("load worktree: %v", err)
	}
	if wt.Status != worktree.StatusError {
		t.Errorf("worktree status = %q, want error", wt.Status)
	}
	var c models.Card
	if err := db.First(&c, "id = ?", "card-001").Error; err != nil {
		t.Fatalf("load card: %v", err)
	}
	if c.Status != "ready" {
		t.Errorf("card status = %q, want ready", c.Status)
	}
	if r.runCount() != 0 {
		t.Errorf("agent runs = %d, want 0", r.runCount())
	}
}

func TestDispatch_PayloadCommandOverridesAgent(t *testing.T) {
	db := openSchedulerTestDB(t)
	p := seedProject(t, db, 2)
	payload := `{"command":"git","args":["fetch","--all"]}`
	j, err := job.Create(db, job.CreateOpts{ProjectID: "app", Type: job.TypeSync, Payload: payload})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	s, _, r := newTestScheduler(t, db)

	if err := s.dispatchProject(context.Background(), p); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	s.wg.Wait()

	got, err := job.Get(db, j.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.State != job.StateSucceeded {
		t.Fatalf("job state = %q, want succeeded (last error %q)", got.State, got.LastError)
	}
	if r.runCount() != 1 {
		t.Fatalf("agent runs = %d, want 1", r.runCount())
	}
	spec := r.spec(t, 0)
	if spec.Request.Command != "git" {
		t.Errorf("command = %q, want payload command", spec.Request.Command)
	}
	if len(spec.Request.Args) != 2 || spec.Request.Args[0] != "fetch" {
		t.Errorf("args = %v, want payload args", spec.Request.Args)
	}
}

func TestDispatch_ReusesExistingWorktree(t *testing.T) {
	db := openSchedulerTestDB(t)
	p := seedProject(t, db, 2)
	seedCard(t, db, "card-001", "ready")
	wt, err := worktree.Create(db, worktree.CreateOpts{
		ProjectID:    "app",
		CardID:       "card-001",
		WorktreeRoot: "/srv/gantry/worktrees",
	})
	if err != nil {
		t.Fatalf("create worktree: %v", err)
	}
	if err := worktree.Advance(db, wt.ID, worktree.StatusReady); err != nil {
		t.Fatalf("advance worktree: %v", err)
	}
	if _, err := job.Create(db, job.CreateOpts{ProjectID: "app", CardID: "card-001"}); err != nil {
		t.Fatalf("create job: %v", err)
	}
	s, v, _ := newTestScheduler(t, db)

	if err := s.dispatchProject(context.Background(), p); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	s.wg.Wait()

	j := jobForCard(t, db, "card-001")
	if j.State != job.StateSucceeded {
		t.Fatalf("job state = %q, want succeeded", j.State)
	}
	if v.createdCount() != 0 {
		t.Errorf("workspaces created = %d, want 0 when reusing a ready record", v.createdCount())
	}
	var count int64
	if err := db.Model(&models.Worktree{}).Where("card_id = ?", "card-001").Count(&count).Error; err != nil {
		t.Fatalf("count worktrees: %v", err)
	}
	if count != 1 {
		t.Errorf("worktrees = %d, want 1", count)
	}
}

func TestDispatch_CleanupPendingWorktreeHolds(t *testing.T) {
	db := openSchedulerTestDB(t)
	p := seedProject(t, db, 2)
	seedCard(t, db, "card-001", "ready")
	wt, err := worktree.Create(db, worktree.CreateOpts{
		ProjectID:    "app",
		CardID:       "card-001",
		WorktreeRoot: "/srv/gantry/worktrees",
	})
	if err != nil {
		t.Fatalf("create worktree: %v", err)
	}
	if err := worktree.Advance(db, wt.ID, worktree.StatusReady); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := worktree.RequestCleanup(db, wt.ID); err != nil {
		t.Fatalf("request cleanup: %v", err)
	}
	if _, err := job.Create(db, job.CreateOpts{ProjectID: "app", CardID: "card-001"}); err != nil {
		t.Fatalf("create job: %v", err)
	}
	s, _, r := newTestScheduler(t, db)

	if err := s.dispatchProject(context.Background(), p); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	s.wg.Wait()

	j := jobForCard(t, db, "card-001")
	if j.State != job.StateQueued {
		t.Errorf("job state = %q, want queued until the reaper frees the branch", j.State)
	}
	if r.runCount() != 0 {
		t.Errorf("agent runs = %d, want 0", r.runCount())
	}
	idle, err := slot.CountIdle(db, "app")
	if err != nil {
		t.Fatalf("count idle: %v", err)
	}
	if idle != 2 {
		t.Errorf("idle slots = %d, want 2", idle)
	}
}

func TestRunJob_LostLeaseSkipsReporting(t *testing.T) {
	db := openSchedulerTestDB(t)
	seedProject(t, db, 1)
	seedCard(t, db, "card-001", "in_progress")

	j, err := job.Create(db, job.CreateOpts{ProjectID: "app", CardID: "card-001"})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	wt, err := worktree.Create(db, worktree.CreateOpts{
		ProjectID:    "app",
		CardID:       "card-001",
		WorktreeRoot: "/srv/gantry/worktrees",
	})
	if err != nil {
		t.Fatalf("create worktree: %v", err)
	}
	sl, err := slot.Acquire(db, "app")
	if err != nil || sl == nil {
		t.Fatalf("acquire slot: %v", err)
	}

	s, _, r := newTestScheduler(t, db)
	r.block = true
	s.cfg.Scheduler.LeaseTTL = config.Duration(150 * time.Millisecond)
	s.cfg.Worktrees.LockTTL = config.Duration(150 * time.Millisecond)

	if ok, err := job.AcquireLease(db, j.ID, s.Token(), time.Minute); err != nil || !ok {
		t.Fatalf("acquire lease: ok=%v err=%v", ok, err)
	}
	if ok, err := worktree.AcquireLock(db, wt.ID, s.Token(), time.Minute); err != nil || !ok {
		t.Fatalf("acquire lock: ok=%v err=%v", ok, err)
	}

	// Another scheduler takes the job over before the first renewal fires.
	past := time.Now().Add(-time.Minute)
	if err := db.Model(&models.Job{}).Where("id = ?", j.ID).
		Update("lease_expires_at", past).Error; err != nil {
		t.Fatalf("expire lease: %v", err)
	}
	if ok, err := job.AcquireLease(db, j.ID, "intruder", time.Minute); err != nil || !ok {
		t.Fatalf("intruder lease: ok=%v err=%v", ok, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.runJob(context.Background(), *j, *sl, *wt, guard.SecuredRequest{Command: "claude"})
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("runJob did not abandon the lost lease")
	}

	got, err := job.Get(db, j.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.State != job.StateRunning {
		t.Errorf("job state = %q, want running (new holder owns reporting)", got.State)
	}
	if got.LeaseHolder != "intruder" {
		t.Errorf("LeaseHolder = %q, want intruder untouched", got.LeaseHolder)
	}
	if got.FinishedAt != nil {
		t.Error("FinishedAt set; the losing scheduler must not report")
	}

	idle, err := slot.CountIdle(db, "app")
	if err != nil {
		t.Fatalf("count idle: %v", err)
	}
	if idle != 1 {
		t.Errorf("idle slots = %d, want 1 (slot handed back)", idle)
	}
}

func TestTick_SkipsInactiveProject(t *testing.T) {
	db := openSchedulerTestDB(t)
	p := seedProject(t, db, 2)
	if err := db.Model(&models.Project{}).Where("id = ?", p.ID).Update("active", false).Error; err != nil {
		t.Fatalf("deactivate project: %v", err)
	}
	seedCard(t, db, "card-001", "ready")
	s, _, _ := newTestScheduler(t, db)

	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	var count int64
	if err := db.Model(&models.Job{}).Count(&count).Error; err != nil {
		t.Fatalf("count jobs: %v", err)
	}
	if count != 0 {
		t.Errorf("jobs = %d, want 0 for an inactive project", count)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	db := openSchedulerTestDB(t)
	seedProject(t, db, 2)
	s, _, _ := newTestScheduler(t, db)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestConcurrent_TwoSchedulers_OneRun(t *testing.T) {
	db := openSchedulerTestDB(t)
	seedProject(t, db, 2)
	seedCard(t, db, "card-001", "ready")

	s1, _, r1 := newTestScheduler(t, db)
	s2, _, r2 := newTestScheduler(t, db)

	var wg sync.WaitGroup
	wg.Add(2)
	for _, s := range []*Scheduler{s1, s2} {
		go func(s *Scheduler) {
			defer wg.Done()
			if err := s.Tick(context.Background()); err != nil {
				t.Errorf("tick: %v", err)
			}
		}(s)
	}
	wg.Wait()
	s1.wg.Wait()
	s2.wg.Wait()

	if total := r1.runCount() + r2.runCount(); total != 1 {
		t.Errorf("agent runs = %d, want exactly 1 across both schedulers", total)
	}
	var succeeded int64
	if err := db.Model(&models.Job{}).Where("card_id = ? AND state = ?", "card-001", job.StateSucceeded).
		Count(&succeeded).Error; err != nil {
		t.Fatalf("count succeeded: %v", err)
	}
	if succeeded != 1 {
		t.Errorf("succeeded jobs = %d, want 1", succeeded)
	}
}
