// Package worktree manages isolated per-card workspaces and their locks.
//
// A worktree record tracks one checked-out branch on disk. Its status walks
// creating → ready → running → cleanup_pending → {cleaned, error}, with
// error reachable from anywhere. Mutual exclusion over the workspace is a
// separate concern from the job lease: a time-boxed advisory lock held by a
// token. A holder that stops renewing simply expires, and the reconciler
// reclaims the workspace without needing a live owner to negotiate with.
package worktree

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/gantryhq/gantry/internal/models"
	"gorm.io/gorm"
)

// Worktree statuses.
const (
	StatusCreating       = "creating"
	StatusReady          = "ready"
	StatusRunning        = "running"
	StatusCleanupPending = "cleanup_pending"
	StatusCleaned        = "cleaned"
	StatusError          = "error"
)

// DefaultLockTTL is the lock duration used when the caller passes zero.
const DefaultLockTTL = 10 * time.Minute

// ValidTransitions maps each status to its valid next statuses.
// The special case "any → error" is handled in isValidTransition.
var ValidTransitions = map[string][]string{
	StatusCreating:       {StatusReady},
	StatusReady:          {StatusRunning, StatusCleanupPending},
	StatusRunning:        {StatusCleanupPending},
	StatusCleanupPending: {StatusCleaned},
	StatusCleaned:        {},
	StatusError:          {StatusCleanupPending},
}

// CreateOpts holds parameters for creating a new worktree record.
type CreateOpts struct {
	ProjectID    string
	CardID       string // optional
	JobID        string // optional
	BaseRef      string // defaults to main
	BranchPrefix string // defaults to gantry
	WorktreeRoot string // directory the workspace path is derived under
}

// GenerateID creates a unique worktree ID in wt-xxxxxxxx format (8-char hex).
func GenerateID() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("worktree: generate ID: %w", err)
	}
	return "wt-" + hex.EncodeToString(b), nil
}

// ComputeBranch builds the branch name for a worktree. Card-bound worktrees
// use the card ID so the branch is recognizable on the remote; cardless ones
// fall back to the worktree ID.
func ComputeBranch(prefix, cardID, worktreeID string) string {
	if cardID != "" {
		return fmt.Sprintf("%s/%s", prefix, cardID)
	}
	return fmt.Sprintf("%s/%s", prefix, worktreeID)
}

// Create inserts a new worktree record in status creating. The branch name
// and on-disk path are derived here; the store enforces that the path is
// globally unique and the branch unique per project. The actual checkout is
// performed afterwards by the version-control executor.
func Create(db *gorm.DB, opts CreateOpts) (*models.Worktree, error) {
	if opts.ProjectID == "" {
		return nil, fmt.Errorf("worktree: projectID is required")
	}
	if opts.WorktreeRoot == "" {
		return nil, fmt.Errorf("worktree: worktreeRoot is required")
	}
	if opts.BaseRef == "" {
		opts.BaseRef = "main"
	}
	if opts.BranchPrefix == "" {
		opts.BranchPrefix = "gantry"
	}

	id, err := generateUniqueID(db)
	if err != nil {
		return nil, err
	}

	branch := ComputeBranch(opts.BranchPrefix, opts.CardID, id)

	// A card that runs again after its previous worktree was cleaned would
	// collide on (project, branch). Cleaned rows are spent, so drop them.
	// Rows in status error are kept: they need an operator cleanup first.
	if err := db.Where("project_id = ? AND branch_name = ? AND status = ?",
		opts.ProjectID, branch, StatusCleaned).Delete(&models.Worktree{}).Error; err != nil {
		return nil, fmt.Errorf("worktree: recycle branch %s for %s: %w", branch, opts.ProjectID, err)
	}

	wt := models.Worktree{
		ID:         id,
		ProjectID:  opts.ProjectID,
		CardID:     opts.CardID,
		JobID:      opts.JobID,
		BranchName: branch,
		Path:       filepath.Join(opts.WorktreeRoot, opts.ProjectID, id),
		BaseRef:    opts.BaseRef,
		Status:     StatusCreating,
	}
	if err := db.Create(&wt).Error; err != nil {
		return nil, fmt.Errorf("worktree: create branch %s for %s: %w", wt.BranchName, opts.ProjectID, err)
	}
	return &wt, nil
}

// AcquireLock attempts to lock a worktree for the given holder token. It
// succeeds only if the worktree is unlocked or the previous lock expired.
// Returns false without error on contention.
func AcquireLock(db *gorm.DB, id, holder string, ttl time.Duration) (bool, error) {
	if id == "" {
		return false, fmt.Errorf("worktree: id is required")
	}
	if holder == "" {
		return false, fmt.Errorf("worktree: holder is required")
	}
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}

	now := time.Now()
	result := db.Model(&models.Worktree{}).
		Where("id = ? AND (locked_by = '' OR lock_expires_at < ?)", id, now).
		Updates(map[string]interface{}{
			"locked_by":       holder,
			"lock_expires_at": now.Add(ttl),
		})
	if result.Error != nil {
		return false, fmt.Errorf("worktree: acquire lock %s: %w", id, result.Error)
	}
	return result.RowsAffected == 1, nil
}

// RenewLock extends the lock TTL. Only the current holder can renew.
func RenewLock(db *gorm.DB, id, holder string, ttl time.Duration) (bool, error) {
	if id == "" {
		return false, fmt.Errorf("worktree: id is required")
	}
	if holder == "" {
		return false, fmt.Errorf("worktree: holder is required")
	}
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}

	result := db.Model(&models.Worktree{}).
		Where("id = ? AND locked_by = ?", id, holder).
		Update("lock_expires_at", time.Now().Add(ttl))
	if result.Error != nil {
		return false, fmt.Errorf("worktree: renew lock %s: %w", id, result.Error)
	}
	return result.RowsAffected == 1, nil
}

// ReleaseLock clears the lock. With a holder token it releases only when
// the token matches; with an empty holder it force-releases regardless,
// which is how administrative cleanup reclaims a dead holder's lock.
func ReleaseLock(db *gorm.DB, id, holder string) (bool, error) {
	if id == "" {
		return false, fmt.Errorf("worktree: id is required")
	}

	q := db.Model(&models.Worktree{}).Where("id = ?", id)
	if holder != "" {
		q = q.Where("locked_by = ?", holder)
	}
	result := q.Updates(map[string]interface{}{
		"locked_by":       "",
		"lock_expires_at": nil,
	})
	if result.Error != nil {
		return false, fmt.Errorf("worktree: release lock %s: %w", id, result.Error)
	}
	return result.RowsAffected == 1, nil
}

// ListExpiredLocks returns worktrees whose lock has lapsed while still
// held. The reconciler sweeps these to reclaim orphaned workspaces.
func ListExpiredLocks(db *gorm.DB) ([]models.Worktree, error) {
	var worktrees []models.Worktree
	if err := db.Where("locked_by <> '' AND lock_expires_at < ?", time.Now()).
		Order("lock_expires_at ASC").
		Find(&worktrees).Error; err != nil {
		return nil, fmt.Errorf("worktree: list expired locks: %w", err)
	}
	return worktrees, nil
}

// CountActive returns the number of worktrees in creating or running that
// hold an unexpired lock.
func CountActive(db *gorm.DB, projectID string) (int64, error) {
	if projectID == "" {
		return 0, fmt.Errorf("worktree: projectID is required")
	}

	var count int64
	err := db.Model(&models.Worktree{}).
		Where("project_id = ? AND status IN ? AND locked_by <> '' AND lock_expires_at >= ?",
			projectID, []string{StatusCreating, StatusRunning}, time.Now()).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("worktree: count active for %s: %w", projectID, err)
	}
	return count, nil
}

// Advance moves a worktree to a new status, validating the transition.
func Advance(db *gorm.DB, id, newStatus string) error {
	wt, err := Get(db, id)
	if err != nil {
		return err
	}
	if !isValidTransition(wt.Status, newStatus) {
		valid := ValidTransitions[wt.Status]
		return fmt.Errorf("worktree: invalid status transition from %q to %q; valid transitions: %v", wt.Status, newStatus, valid)
	}

	if err := db.Model(&models.Worktree{}).Where("id = ?", id).
		Update("status", newStatus).Error; err != nil {
		return fmt.Errorf("worktree: advance %s to %s: %w", id, newStatus, err)
	}
	return nil
}

// MarkError moves a worktree to error from any status and records the cause.
func MarkError(db *gorm.DB, id, msg string) error {
	result := db.Model(&models.Worktree{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     StatusError,
			"last_error": msg,
		})
	if result.Error != nil {
		return fmt.Errorf("worktree: mark error %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("worktree: not found: %s", id)
	}
	return nil
}

// RequestCleanup moves a worktree to cleanup_pending and stamps when
// cleanup was requested. The reconciler performs the actual removal.
func RequestCleanup(db *gorm.DB, id string) error {
	wt, err := Get(db, id)
	if err != nil {
		return err
	}
	if !isValidTransition(wt.Status, StatusCleanupPending) {
		return fmt.Errorf("worktree: cannot request cleanup from status %q", wt.Status)
	}

	if err := db.Model(&models.Worktree{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":               StatusCleanupPending,
			"cleanup_requested_at": time.Now(),
		}).Error; err != nil {
		return fmt.Errorf("worktree: request cleanup %s: %w", id, err)
	}
	return nil
}

// AssignJob binds a worktree to the job currently using it.
func AssignJob(db *gorm.DB, id, jobID string) error {
	result := db.Model(&models.Worktree{}).Where("id = ?", id).Update("job_id", jobID)
	if result.Error != nil {
		return fmt.Errorf("worktree: assign job %s to %s: %w", jobID, id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("worktree: not found: %s", id)
	}
	return nil
}

// Get retrieves a worktree by ID.
func Get(db *gorm.DB, id string) (*models.Worktree, error) {
	var wt models.Worktree
	if err := db.Where("id = ?", id).First(&wt).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("worktree: not found: %s", id)
		}
		return nil, fmt.Errorf("worktree: get %s: %w", id, err)
	}
	return &wt, nil
}

// GetByCard returns the most recent non-terminal worktree for a card, or
// nil when the card has none. Lets the scheduler reuse a prepared
// workspace instead of creating a second one.
func GetByCard(db *gorm.DB, projectID, cardID string) (*models.Worktree, error) {
	if cardID == "" {
		return nil, fmt.Errorf("worktree: cardID is required")
	}

	var wt models.Worktree
	result := db.Where("project_id = ? AND card_id = ? AND status NOT IN ?",
		projectID, cardID, []string{StatusCleaned, StatusError}).
		Order("created_at DESC").
		Limit(1).
		Find(&wt)
	if result.Error != nil {
		return nil, fmt.Errorf("worktree: get by card %s: %w", cardID, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &wt, nil
}

// ListByStatus returns worktrees filtered by project and/or status.
func ListByStatus(db *gorm.DB, projectID, status string) ([]models.Worktree, error) {
	q := db.Model(&models.Worktree{})
	if projectID != "" {
		q = q.Where("project_id = ?", projectID)
	}
	if status != "" {
		q = q.Where("status = ?", status)
	}

	var worktrees []models.Worktree
	if err := q.Order("created_at ASC").Find(&worktrees).Error; err != nil {
		return nil, fmt.Errorf("worktree: list: %w", err)
	}
	return worktrees, nil
}

// PurgeCleaned deletes cleaned worktree records older than the given age,
// freeing their branch names for re-creation. Returns the number purged.
func PurgeCleaned(db *gorm.DB, olderThan time.Duration) (int64, error) {
	result := db.Where("status = ? AND updated_at < ?", StatusCleaned, time.Now().Add(-olderThan)).
		Delete(&models.Worktree{})
	if result.Error != nil {
		return 0, fmt.Errorf("worktree: purge cleaned: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// isValidTransition checks whether a status transition is allowed.
func isValidTransition(from, to string) bool {
	if to == StatusError {
		return true
	}
	valid, ok := ValidTransitions[from]
	if !ok {
		return false
	}
	for _, v := range valid {
		if v == to {
			return true
		}
	}
	return false
}

// generateUniqueID generates an ID and retries once on collision.
func generateUniqueID(db *gorm.DB) (string, error) {
	for i := 0; i < 2; i++ {
		id, err := GenerateID()
		if err != nil {
			return "", err
		}
		var count int64
		if err := db.Model(&models.Worktree{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return "", fmt.Errorf("worktree: check ID uniqueness: %w", err)
		}
		if count == 0 {
			return id, nil
		}
	}
	return "", fmt.Errorf("worktree: failed to generate unique ID after retries")
}
