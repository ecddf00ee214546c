package models

import "time"

// Worktree is an isolated checkout an agent works in. Exclusive use is
// enforced by a token lock with a TTL; a crashed holder's lock expires and
// the reconciler reclaims the record.
type Worktree struct {
	ID                 string     `gorm:"primaryKey;size:32"`
	ProjectID          string     `gorm:"size:64;not null;uniqueIndex:idx_project_branch"`
	CardID             string     `gorm:"size:32;index"`
	JobID              string     `gorm:"size:32;index"`
	Path               string     `gorm:"size:512;not null;uniqueIndex"`
	BranchName         string     `gorm:"size:128;not null;uniqueIndex:idx_project_branch"`
	BaseRef            string     `gorm:"size:128"`
	Status             string     `gorm:"size:16;default:creating;index"` // creating, ready, running, cleanup_pending, cleaned, error
	LastError          string     `gorm:"type:text"`
	LockedBy           string     `gorm:"size:64;index"`
	LockExpiresAt      *time.Time `gorm:"index"`
	CleanupRequestedAt *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time

	Project *Project `gorm:"foreignKey:ProjectID"`
}
