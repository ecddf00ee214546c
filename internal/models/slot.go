package models

import "time"

// WorkerSlot is one unit of a project's fixed concurrency budget. Slots are
// created up front by pool initialization and flip between idle and running;
// they are never grown on demand.
type WorkerSlot struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	ProjectID  string `gorm:"size:64;not null;uniqueIndex:idx_project_slot"`
	SlotNumber int    `gorm:"not null;uniqueIndex:idx_project_slot"`
	Status     string `gorm:"size:16;default:idle;index"` // idle, running
	CardID     string `gorm:"size:32"`
	JobID      string `gorm:"size:32"`
	WorktreeID string `gorm:"size:32"`
	StartedAt  *time.Time
	UpdatedAt  time.Time
}
