// Package job provides the lease-based work queue that drives scheduling.
//
// Jobs move queued → running → {succeeded, failed, canceled}. A running job
// is never moved back to queued: when its lease expires it simply becomes
// acquirable again, which is how work survives a crashed worker. Lease
// acquisition and renewal are expressed as single conditional UPDATEs so
// that concurrent schedulers cannot both win the same job.
package job

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/gantryhq/gantry/internal/models"
	"gorm.io/gorm"
)

// Job states.
const (
	StateQueued    = "queued"
	StateRunning   = "running"
	StateSucceeded = "succeeded"
	StateFailed    = "failed"
	StateCanceled  = "canceled"
)

// Job types.
const (
	TypeAgentRun = "agent_run"
	TypeSync     = "sync"
)

// DefaultLease is the lease duration used when the caller passes zero.
const DefaultLease = 5 * time.Minute

// DefaultRetryCooldown is how long a card sits out after a failed job
// before NextEligible will offer work for it again.
const DefaultRetryCooldown = 30 * time.Minute

// CreateOpts holds parameters for enqueueing a new job.
type CreateOpts struct {
	ProjectID string
	CardID    string // optional; empty for project-level work like sync
	Type      string // agent_run, sync
	Payload   string // JSON, defaults to {}
}

// StateCount holds a state and its count for queue summaries.
type StateCount struct {
	State string
	Count int
}

// GenerateID creates a unique job ID in job-xxxxxxxx format (8-char hex).
func GenerateID() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("job: generate ID: %w", err)
	}
	return "job-" + hex.EncodeToString(b), nil
}

// Create enqueues a new job in state queued with zero attempts.
func Create(db *gorm.DB, opts CreateOpts) (*models.Job, error) {
	if opts.ProjectID == "" {
		return nil, fmt.Errorf("job: projectID is required")
	}
	if opts.Type == "" {
		opts.Type = TypeAgentRun
	}
	if opts.Payload == "" {
		opts.Payload = "{}"
	}

	id, err := generateUniqueID(db)
	if err != nil {
		return nil, err
	}

	j := models.Job{
		ID:        id,
		ProjectID: opts.ProjectID,
		CardID:    opts.CardID,
		Type:      opts.Type,
		State:     StateQueued,
		Payload:   opts.Payload,
		Result:    "{}",
	}
	if err := db.Create(&j).Error; err != nil {
		return nil, fmt.Errorf("job: create: %w", err)
	}
	return &j, nil
}

// AcquireLease attempts to claim a job for the given holder token. It
// succeeds only if the job is queued, or is running with an expired lease
// (the previous holder crashed or stopped renewing). On success the job is
// marked running, its attempt count increments, and the lease is set to
// now+leaseFor. Returns false without error when the job is held by someone
// else or is not acquirable; contention is a normal condition, not a fault.
func AcquireLease(db *gorm.DB, jobID, holder string, leaseFor time.Duration) (bool, error) {
	if jobID == "" {
		return false, fmt.Errorf("job: jobID is required")
	}
	if holder == "" {
		return false, fmt.Errorf("job: holder is required")
	}
	if leaseFor <= 0 {
		leaseFor = DefaultLease
	}

	now := time.Now()
	result := db.Model(&models.Job{}).
		Where("id = ? AND (state = ? OR (state = ? AND lease_expires_at < ?))",
			jobID, StateQueued, StateRunning, now).
		Updates(map[string]interface{}{
			"state":            StateRunning,
			"lease_holder":     holder,
			"lease_expires_at": now.Add(leaseFor),
			"attempt_count":    gorm.Expr("attempt_count + 1"),
			"started_at":       gorm.Expr("COALESCE(started_at, ?)", now),
		})
	if result.Error != nil {
		return false, fmt.Errorf("job: acquire lease %s: %w", jobID, result.Error)
	}
	return result.RowsAffected == 1, nil
}

// RenewLease extends the lease on a running job. Only the current holder
// can renew; a holder whose lease already lapsed and was taken over by
// another scheduler gets false and must abandon the job.
func RenewLease(db *gorm.DB, jobID, holder string, leaseFor time.Duration) (bool, error) {
	if jobID == "" {
		return false, fmt.Errorf("job: jobID is required")
	}
	if holder == "" {
		return false, fmt.Errorf("job: holder is required")
	}
	if leaseFor <= 0 {
		leaseFor = DefaultLease
	}

	result := db.Model(&models.Job{}).
		Where("id = ? AND state = ? AND lease_holder = ?", jobID, StateRunning, holder).
		Update("lease_expires_at", time.Now().Add(leaseFor))
	if result.Error != nil {
		return false, fmt.Errorf("job: renew lease %s: %w", jobID, result.Error)
	}
	return result.RowsAffected == 1, nil
}

// ReportResult writes a terminal state for a running job and clears its
// lease. state must be succeeded, failed, or canceled. Reporting on a job
// that is not running is an error; a worker that lost its lease mid-run
// finds out here.
func ReportResult(db *gorm.DB, jobID, state, resultJSON, lastError string) error {
	if jobID == "" {
		return fmt.Errorf("job: jobID is required")
	}
	switch state {
	case StateSucceeded, StateFailed, StateCanceled:
	default:
		return fmt.Errorf("job: invalid terminal state %q", state)
	}

	updates := map[string]interface{}{
		"state":            state,
		"lease_holder":     "",
		"lease_expires_at": nil,
		"finished_at":      time.Now(),
	}
	if resultJSON != "" {
		updates["result"] = resultJSON
	}
	if lastError != "" {
		updates["last_error"] = lastError
	}

	result := db.Model(&models.Job{}).
		Where("id = ? AND state = ?", jobID, StateRunning).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("job: report result %s: %w", jobID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("job: report result: %s is not running", jobID)
	}
	return nil
}

// Cancel moves a queued or running job to canceled. Returns false when the
// job is already terminal or does not exist.
func Cancel(db *gorm.DB, jobID, reason string) (bool, error) {
	if jobID == "" {
		return false, fmt.Errorf("job: jobID is required")
	}

	updates := map[string]interface{}{
		"state":            StateCanceled,
		"lease_holder":     "",
		"lease_expires_at": nil,
		"finished_at":      time.Now(),
	}
	if reason != "" {
		updates["last_error"] = reason
	}

	result := db.Model(&models.Job{}).
		Where("id = ? AND state IN ?", jobID, []string{StateQueued, StateRunning}).
		Updates(updates)
	if result.Error != nil {
		return false, fmt.Errorf("job: cancel %s: %w", jobID, result.Error)
	}
	return result.RowsAffected == 1, nil
}

// NextEligible returns the oldest acquirable job for a project: queued, or
// running with an expired lease. Cards whose most recent failure is younger
// than the cooldown window are excluded so a persistently failing card does
// not hot-loop; jobs without a card are never cooldown-excluded. Returns
// nil when there is no eligible work.
func NextEligible(db *gorm.DB, projectID string, cooldown time.Duration) (*models.Job, error) {
	if projectID == "" {
		return nil, fmt.Errorf("job: projectID is required")
	}
	if cooldown <= 0 {
		cooldown = DefaultRetryCooldown
	}

	now := time.Now()
	cooling := db.Model(&models.Job{}).
		Select("card_id").
		Where("project_id = ? AND card_id <> '' AND state = ? AND finished_at > ?",
			projectID, StateFailed, now.Add(-cooldown))

	var j models.Job
	result := db.Where("project_id = ?", projectID).
		Where("state = ? OR (state = ? AND lease_expires_at < ?)", StateQueued, StateRunning, now).
		Where("card_id = '' OR card_id NOT IN (?)", cooling).
		Order("created_at ASC").
		Limit(1).
		Find(&j)
	if result.Error != nil {
		return nil, fmt.Errorf("job: next eligible: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &j, nil
}

// Get retrieves a job by ID.
func Get(db *gorm.DB, id string) (*models.Job, error) {
	var j models.Job
	if err := db.Where("id = ?", id).First(&j).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("job: not found: %s", id)
		}
		return nil, fmt.Errorf("job: get %s: %w", id, err)
	}
	return &j, nil
}

// List returns jobs filtered by project and/or state, oldest first.
func List(db *gorm.DB, projectID, state string) ([]models.Job, error) {
	q := db.Model(&models.Job{})
	if projectID != "" {
		q = q.Where("project_id = ?", projectID)
	}
	if state != "" {
		q = q.Where("state = ?", state)
	}

	var jobs []models.Job
	if err := q.Order("created_at ASC").Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("job: list: %w", err)
	}
	return jobs, nil
}

// Summary returns job counts grouped by state for a project.
func Summary(db *gorm.DB, projectID string) ([]StateCount, error) {
	q := db.Model(&models.Job{}).
		Select("state, COUNT(*) as count").
		Group("state").
		Order("state ASC")
	if projectID != "" {
		q = q.Where("project_id = ?", projectID)
	}

	var counts []StateCount
	if err := q.Find(&counts).Error; err != nil {
		return nil, fmt.Errorf("job: summary: %w", err)
	}
	return counts, nil
}

// generateUniqueID generates an ID and retries once on collision.
func generateUniqueID(db *gorm.DB) (string, error) {
	for i := 0; i < 2; i++ {
		id, err := GenerateID()
		if err != nil {
			return "", err
		}
		var count int64
		if err := db.Model(&models.Job{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return "", fmt.Errorf("job: check ID uniqueness: %w", err)
		}
		if count == 0 {
			return id, nil
		}
	}
	return "", fmt.Errorf("job: failed to generate unique ID after retries")
}
