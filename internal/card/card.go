// Package card provides card catalog operations. Cards are board-level work
// items; status moves through this package only after the dependency gate in
// internal/deps clears the transition.
package card

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/gantryhq/gantry/internal/deps"
	"github.com/gantryhq/gantry/internal/models"
	"gorm.io/gorm"
)

// Card statuses in board order.
const (
	StatusDraft      = "draft"
	StatusReady      = "ready"
	StatusInProgress = "in_progress"
	StatusInReview   = "in_review"
	StatusTesting    = "testing"
	StatusDone       = "done"
)

// CreateOpts holds parameters for creating a new card.
type CreateOpts struct {
	ProjectID   string
	Title       string
	Description string
	Priority    int // 0=critical → 4=backlog
}

// ListFilters holds optional filters for listing cards.
type ListFilters struct {
	ProjectID string
	Status    string
}

// GenerateID creates a unique card ID in card-xxxxxxxx format (8-char hex).
func GenerateID() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("card: generate ID: %w", err)
	}
	return "card-" + hex.EncodeToString(b), nil
}

// Create creates a new card in status draft with an auto-generated ID.
func Create(db *gorm.DB, opts CreateOpts) (*models.Card, error) {
	if opts.ProjectID == "" {
		return nil, fmt.Errorf("card: project is required")
	}
	if opts.Title == "" {
		return nil, fmt.Errorf("card: title is required")
	}

	var count int64
	if err := db.Model(&models.Project{}).Where("id = ?", opts.ProjectID).Count(&count).Error; err != nil {
		return nil, fmt.Errorf("card: check project %s: %w", opts.ProjectID, err)
	}
	if count == 0 {
		return nil, fmt.Errorf("card: project not found: %s", opts.ProjectID)
	}

	id, err := generateUniqueID(db)
	if err != nil {
		return nil, err
	}

	card := models.Card{
		ID:          id,
		ProjectID:   opts.ProjectID,
		Title:       opts.Title,
		Description: opts.Description,
		Status:      StatusDraft,
		Priority:    opts.Priority,
	}

	if err := db.Create(&card).Error; err != nil {
		return nil, fmt.Errorf("card: create: %w", err)
	}

	return &card, nil
}

// Get retrieves a card by ID, preloading its dependency edges.
func Get(db *gorm.DB, id string) (*models.Card, error) {
	var card models.Card
	if err := db.Preload("Deps").Where("id = ?", id).First(&card).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("card: not found: %s", id)
		}
		return nil, fmt.Errorf("card: get %s: %w", id, err)
	}
	return &card, nil
}

// List returns cards matching the given filters, ordered by priority then creation time.
func List(db *gorm.DB, filters ListFilters) ([]models.Card, error) {
	q := db.Model(&models.Card{})

	if filters.ProjectID != "" {
		q = q.Where("project_id = ?", filters.ProjectID)
	}
	if filters.Status != "" {
		q = q.Where("status = ?", filters.Status)
	}

	var cards []models.Card
	if err := q.Order("priority ASC, created_at ASC").Find(&cards).Error; err != nil {
		return nil, fmt.Errorf("card: list: %w", err)
	}
	return cards, nil
}

// Update modifies card fields. A status change must name a known status and
// clear the dependency gate for the target status.
func Update(db *gorm.DB, id string, updates map[string]interface{}) error {
	var card models.Card
	if err := db.Where("id = ?", id).First(&card).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("card: not found: %s", id)
		}
		return fmt.Errorf("card: get %s for update: %w", id, err)
	}

	if newStatus, ok := updates["status"].(string); ok {
		if !deps.IsValidStatus(newStatus) {
			return fmt.Errorf("card: unknown status %q (valid: %v)", newStatus, deps.Statuses())
		}
		check, err := deps.CheckTransition(db, &card, newStatus)
		if err != nil {
			return fmt.Errorf("card: check transition for %s: %w", id, err)
		}
		if !check.CanMove {
			return fmt.Errorf("card: %s cannot move to %s: %s", id, newStatus, check.Reason)
		}
	}

	if err := db.Model(&models.Card{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return fmt.Errorf("card: update %s: %w", id, err)
	}
	return nil
}

// SetStatus moves a card to the given status through the dependency gate.
func SetStatus(db *gorm.DB, id, status string) error {
	return Update(db, id, map[string]interface{}{"status": status})
}

// generateUniqueID generates an ID and retries once on collision.
func generateUniqueID(db *gorm.DB) (string, error) {
	for i := 0; i < 2; i++ {
		id, err := GenerateID()
		if err != nil {
			return "", err
		}
		var count int64
		if err := db.Model(&models.Card{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return "", fmt.Errorf("card: check ID uniqueness: %w", err)
		}
		if count == 0 {
			return id, nil
		}
	}
	return "", fmt.Errorf("card: failed to generate unique ID after retries")
}
