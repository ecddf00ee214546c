package db

import (
	"encoding/json"
	"fmt"

	"github.com/gantryhq/gantry/internal/config"
	"github.com/gantryhq/gantry/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AllModels returns the list of all GORM models for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.Project{},
		&models.Card{},
		&models.CardDependency{},
		&models.Job{},
		&models.Worktree{},
		&models.WorkerSlot{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// SeedProjects upserts Project rows from configuration so the store always
// reflects the effective per-project policy.
func SeedProjects(db *gorm.DB, projects []config.ProjectConfig) error {
	for _, pc := range projects {
		allowed, err := marshalJSON(pc.Policy.AllowedCommands)
		if err != nil {
			return fmt.Errorf("db: marshal allowed_commands for project %q: %w", pc.ID, err)
		}
		forbidden, err := marshalJSON(pc.Policy.ForbiddenPaths)
		if err != nil {
			return fmt.Errorf("db: marshal forbidden_paths for project %q: %w", pc.ID, err)
		}

		project := models.Project{
			ID:              pc.ID,
			Name:            pc.Name,
			RepoPath:        pc.RepoPath,
			BaseBranch:      pc.BaseBranch,
			BranchPrefix:    pc.BranchPrefix,
			WorktreeRoot:    pc.WorktreeRoot,
			SlotCount:       pc.SlotCount,
			AllowedCommands: allowed,
			ForbiddenPaths:  forbidden,
			AllowNetwork:    pc.Policy.AllowNetwork,
			MaxMinutes:      pc.Policy.MaxMinutes,
			Active:          true,
		}

		result := db.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"name", "repo_path", "base_branch", "branch_prefix", "worktree_root",
				"slot_count", "allowed_commands", "forbidden_paths", "allow_network",
				"max_minutes", "active",
			}),
		}).Create(&project)
		if result.Error != nil {
			return fmt.Errorf("db: seed project %q: %w", pc.ID, result.Error)
		}
	}
	return nil
}

// marshalJSON marshals a value to a JSON string, returning empty string for nil.
func marshalJSON(v interface{}) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
