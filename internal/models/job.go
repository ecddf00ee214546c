package models

import "time"

// Job is a schedulable unit of agent work. A job is held by at most one
// worker at a time via a token lease; an expired lease makes a running job
// acquirable again without a state change.
type Job struct {
	ID             string     `gorm:"primaryKey;size:32"`
	ProjectID      string     `gorm:"size:64;not null;index"`
	CardID         string     `gorm:"size:32;index"` // empty when the job is not card-bound
	Type           string     `gorm:"size:16;default:agent_run"`
	State          string     `gorm:"size:16;default:queued;index"` // queued, running, succeeded, failed, canceled
	LeaseHolder    string     `gorm:"size:64;index"`
	LeaseExpiresAt *time.Time `gorm:"index"`
	AttemptCount   int        `gorm:"default:0"`
	Payload        string     `gorm:"type:json"`
	Result         string     `gorm:"type:json"`
	LastError      string     `gorm:"type:text"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
	StartedAt      *time.Time
	FinishedAt     *time.Time

	Project *Project `gorm:"foreignKey:ProjectID"`
}
