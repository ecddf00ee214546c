package models

import "time"

// Project is a repository gantry schedules agent work against. Policy
// columns mirror the per-project guard policy from the YAML config so
// operators can inspect the effective policy in the store.
type Project struct {
	ID              string `gorm:"primaryKey;size:64"`
	Name            string `gorm:"size:128;not null"`
	RepoPath        string `gorm:"size:512;not null"`
	BaseBranch      string `gorm:"size:128;default:main"`
	BranchPrefix    string `gorm:"size:64;default:gantry"`
	WorktreeRoot    string `gorm:"size:512"`
	SlotCount       int    `gorm:"default:2"`
	AllowedCommands string `gorm:"type:json"`
	ForbiddenPaths  string `gorm:"type:json"`
	AllowNetwork    bool   `gorm:"default:false"`
	MaxMinutes      int    `gorm:"default:30"`
	Active          bool   `gorm:"default:true"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
