// Package slot bounds per-project agent concurrency with a fixed pool of
// numbered worker slots. The pool only allocates; when every slot is busy
// the caller gets nil and polls again on its next tick.
package slot

import (
	"fmt"
	"time"

	"github.com/gantryhq/gantry/internal/models"
	"gorm.io/gorm"
)

// Slot statuses.
const (
	StatusIdle    = "idle"
	StatusRunning = "running"
)

// Binding holds the occupant fields set on an acquired slot.
type Binding struct {
	CardID     string
	JobID      string
	WorktreeID string
}

// Initialize discards all existing slots for a project and creates count
// idle slots numbered 0..count-1. The rebuild drops busy slots too, so it
// runs at provisioning time, not beside a live scheduler.
func Initialize(db *gorm.DB, projectID string, count int) error {
	if projectID == "" {
		return fmt.Errorf("slot: projectID is required")
	}
	if count <= 0 {
		return fmt.Errorf("slot: count must be positive, got %d", count)
	}

	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("project_id = ?", projectID).Delete(&models.WorkerSlot{}).Error; err != nil {
			return fmt.Errorf("slot: clear slots for %s: %w", projectID, err)
		}
		for n := 0; n < count; n++ {
			s := models.WorkerSlot{
				ProjectID:  projectID,
				SlotNumber: n,
				Status:     StatusIdle,
			}
			if err := tx.Create(&s).Error; err != nil {
				return fmt.Errorf("slot: create slot %d for %s: %w", n, projectID, err)
			}
		}
		return nil
	})
}

// Acquire claims the lowest-numbered idle slot for a project and marks it
// running with a start timestamp. Returns nil when no idle slot is
// available, or when the chosen slot was claimed concurrently; either way
// the caller retries on its next poll rather than blocking here.
func Acquire(db *gorm.DB, projectID string) (*models.WorkerSlot, error) {
	if projectID == "" {
		return nil, fmt.Errorf("slot: projectID is required")
	}

	var acquired *models.WorkerSlot
	err := db.Transaction(func(tx *gorm.DB) error {
		var s models.WorkerSlot
		result := tx.Where("project_id = ? AND status = ?", projectID, StatusIdle).
			Order("slot_number ASC").
			Limit(1).
			Find(&s)
		if result.Error != nil {
			return fmt.Errorf("slot: find idle slot for %s: %w", projectID, result.Error)
		}
		if result.RowsAffected == 0 {
			return nil
		}

		now := time.Now()
		claim := tx.Model(&models.WorkerSlot{}).
			Where("id = ? AND status = ?", s.ID, StatusIdle).
			Updates(map[string]interface{}{
				"status":     StatusRunning,
				"started_at": now,
			})
		if claim.Error != nil {
			return fmt.Errorf("slot: claim slot %d for %s: %w", s.SlotNumber, projectID, claim.Error)
		}
		if claim.RowsAffected == 0 {
			return nil
		}

		s.Status = StatusRunning
		s.StartedAt = &now
		acquired = &s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return acquired, nil
}

// Update sets occupant bindings on a slot. Only non-empty fields are
// written.
func Update(db *gorm.DB, id uint, binding Binding) error {
	updates := map[string]interface{}{}
	if binding.CardID != "" {
		updates["card_id"] = binding.CardID
	}
	if binding.JobID != "" {
		updates["job_id"] = binding.JobID
	}
	if binding.WorktreeID != "" {
		updates["worktree_id"] = binding.WorktreeID
	}
	if len(updates) == 0 {
		return nil
	}

	result := db.Model(&models.WorkerSlot{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("slot: update %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("slot: not found: %d", id)
	}
	return nil
}

// Release returns a slot to idle, clearing all occupant fields.
func Release(db *gorm.DB, id uint) error {
	result := db.Model(&models.WorkerSlot{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":      StatusIdle,
			"card_id":     "",
			"job_id":      "",
			"worktree_id": "",
			"started_at":  nil,
		})
	if result.Error != nil {
		return fmt.Errorf("slot: release %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("slot: not found: %d", id)
	}
	return nil
}

// CountIdle returns the number of idle slots for a project.
func CountIdle(db *gorm.DB, projectID string) (int64, error) {
	return countByStatus(db, projectID, StatusIdle)
}

// CountRunning returns the number of running slots for a project.
func CountRunning(db *gorm.DB, projectID string) (int64, error) {
	return countByStatus(db, projectID, StatusRunning)
}

// List returns a project's slots ordered by slot number.
func List(db *gorm.DB, projectID string) ([]models.WorkerSlot, error) {
	if projectID == "" {
		return nil, fmt.Errorf("slot: projectID is required")
	}

	var slots []models.WorkerSlot
	if err := db.Where("project_id = ?", projectID).
		Order("slot_number ASC").
		Find(&slots).Error; err != nil {
		return nil, fmt.Errorf("slot: list for %s: %w", projectID, err)
	}
	return slots, nil
}

func countByStatus(db *gorm.DB, projectID, status string) (int64, error) {
	if projectID == "" {
		return 0, fmt.Errorf("slot: projectID is required")
	}

	var count int64
	if err := db.Model(&models.WorkerSlot{}).
		Where("project_id = ? AND status = ?", projectID, status).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("slot: count %s for %s: %w", status, projectID, err)
	}
	return count, nil
}
