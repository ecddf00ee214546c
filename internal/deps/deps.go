// Package deps gates card status transitions on the card dependency graph
// and keeps that graph acyclic.
package deps

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/gantryhq/gantry/internal/models"
	"gorm.io/gorm"
)

// statusOrder is the canonical board progression. A prerequisite satisfies
// an edge once its rank reaches the rank of the edge's required status.
var statusOrder = []string{"draft", "ready", "in_progress", "in_review", "testing", "done"}

var statusRank = func() map[string]int {
	ranks := make(map[string]int, len(statusOrder))
	for i, s := range statusOrder {
		ranks[s] = i
	}
	return ranks
}()

// defaultBlockingStatuses gate all forward work statuses when an edge does
// not name its own set.
var defaultBlockingStatuses = []string{"in_progress", "in_review", "testing", "done"}

// Statuses returns the canonical status order.
func Statuses() []string {
	out := make([]string, len(statusOrder))
	copy(out, statusOrder)
	return out
}

// IsValidStatus reports whether s is a known card status.
func IsValidStatus(s string) bool {
	_, ok := statusRank[s]
	return ok
}

// TransitionCheck is the verdict for one attempted card transition.
type TransitionCheck struct {
	CanMove   bool
	BlockedBy []models.CardDependency
	Reason    string
}

// CheckTransition reports whether card may move to targetStatus given its
// active dependency edges. A prerequisite that no longer exists does not
// block; an edge only gates the statuses it names (or the default forward
// set when it names none).
func CheckTransition(db *gorm.DB, card *models.Card, targetStatus string) (*TransitionCheck, error) {
	if !IsValidStatus(targetStatus) {
		return nil, fmt.Errorf("deps: unknown status %q", targetStatus)
	}

	var edges []models.CardDependency
	if err := db.Where("card_id = ? AND is_active = ?", card.ID, true).Find(&edges).Error; err != nil {
		return nil, fmt.Errorf("deps: load edges for %s: %w", card.ID, err)
	}

	var blocked []models.CardDependency
	var reasons []string
	for _, edge := range edges {
		if !gatesStatus(edge.BlockingStatuses, targetStatus) {
			continue
		}

		var prereq models.Card
		err := db.First(&prereq, "id = ?", edge.DependsOnCardID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// A vanished prerequisite must not block its dependents forever.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("deps: load prerequisite %s: %w", edge.DependsOnCardID, err)
		}

		required := edge.RequiredStatus
		if required == "" {
			required = "done"
		}
		if statusRank[prereq.Status] < statusRank[required] {
			blocked = append(blocked, edge)
			reasons = append(reasons, fmt.Sprintf("%s (%s) is %s, needs %s", prereq.ID, prereq.Title, prereq.Status, required))
		}
	}

	if len(blocked) > 0 {
		return &TransitionCheck{
			BlockedBy: blocked,
			Reason:    "blocked by " + strings.Join(reasons, "; "),
		}, nil
	}
	return &TransitionCheck{CanMove: true}, nil
}

// gatesStatus reports whether an edge's blocking_statuses JSON gates the
// target status. Empty or malformed lists fall back to the default set.
func gatesStatus(blockingJSON, target string) bool {
	statuses := defaultBlockingStatuses
	if blockingJSON != "" && blockingJSON != "null" {
		var parsed []string
		if err := json.Unmarshal([]byte(blockingJSON), &parsed); err == nil && len(parsed) > 0 {
			statuses = parsed
		}
	}
	for _, s := range statuses {
		if s == target {
			return true
		}
	}
	return false
}

// WouldCreateCycle reports whether adding cardID → dependsOnID would make
// the active dependency graph cyclic. It walks depends-on edges from
// dependsOnID with an explicit stack; finding cardID means the new edge
// would close a loop.
func WouldCreateCycle(db *gorm.DB, cardID, dependsOnID string) (bool, error) {
	if cardID == dependsOnID {
		return true, nil
	}

	visited := make(map[string]bool)
	stack := []string{dependsOnID}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if current == cardID {
			return true, nil
		}
		if visited[current] {
			continue
		}
		visited[current] = true

		var next []string
		if err := db.Model(&models.CardDependency{}).
			Where("card_id = ? AND is_active = ?", current, true).
			Pluck("depends_on_card_id", &next).Error; err != nil {
			return false, fmt.Errorf("deps: walk edges of %s: %w", current, err)
		}
		stack = append(stack, next...)
	}
	return false, nil
}

// AddOpts are the parameters for Add.
type AddOpts struct {
	ProjectID        string
	CardID           string
	DependsOnCardID  string
	BlockingStatuses []string
	RequiredStatus   string
}

// Add creates a dependency edge: CardID depends on DependsOnCardID.
// Validates both cards exist, prevents self-dependency and duplicates, and
// refuses any edge that would create a cycle.
func Add(db *gorm.DB, opts AddOpts) (*models.CardDependency, error) {
	if opts.CardID == "" || opts.DependsOnCardID == "" {
		return nil, fmt.Errorf("deps: card and prerequisite IDs are required")
	}
	if opts.CardID == opts.DependsOnCardID {
		return nil, fmt.Errorf("deps: cannot add self-dependency on %s", opts.CardID)
	}
	if opts.RequiredStatus == "" {
		opts.RequiredStatus = "done"
	}
	if !IsValidStatus(opts.RequiredStatus) {
		return nil, fmt.Errorf("deps: unknown required status %q", opts.RequiredStatus)
	}
	for _, s := range opts.BlockingStatuses {
		if !IsValidStatus(s) {
			return nil, fmt.Errorf("deps: unknown blocking status %q", s)
		}
	}
	if len(opts.BlockingStatuses) == 0 {
		opts.BlockingStatuses = defaultBlockingStatuses
	}

	var dependent models.Card
	if err := db.First(&dependent, "id = ?", opts.CardID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("deps: card not found: %s", opts.CardID)
		}
		return nil, fmt.Errorf("deps: check card %s: %w", opts.CardID, err)
	}
	if err := db.First(&models.Card{}, "id = ?", opts.DependsOnCardID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("deps: card not found: %s", opts.DependsOnCardID)
		}
		return nil, fmt.Errorf("deps: check card %s: %w", opts.DependsOnCardID, err)
	}
	if opts.ProjectID == "" {
		opts.ProjectID = dependent.ProjectID
	}

	var count int64
	if err := db.Model(&models.CardDependency{}).
		Where("card_id = ? AND depends_on_card_id = ?", opts.CardID, opts.DependsOnCardID).
		Count(&count).Error; err != nil {
		return nil, fmt.Errorf("deps: check existing edge: %w", err)
	}
	if count > 0 {
		return nil, fmt.Errorf("deps: dependency %s → %s already exists", opts.CardID, opts.DependsOnCardID)
	}

	// The cycle check runs before anything is persisted.
	cycle, err := WouldCreateCycle(db, opts.CardID, opts.DependsOnCardID)
	if err != nil {
		return nil, err
	}
	if cycle {
		return nil, fmt.Errorf("deps: adding %s → %s would create a cycle", opts.CardID, opts.DependsOnCardID)
	}

	blocking, err := json.Marshal(opts.BlockingStatuses)
	if err != nil {
		return nil, fmt.Errorf("deps: marshal blocking statuses: %w", err)
	}

	edge := models.CardDependency{
		ProjectID:        opts.ProjectID,
		CardID:           opts.CardID,
		DependsOnCardID:  opts.DependsOnCardID,
		BlockingStatuses: string(blocking),
		RequiredStatus:   opts.RequiredStatus,
		IsActive:         true,
	}
	if err := db.Create(&edge).Error; err != nil {
		return nil, fmt.Errorf("deps: create %s → %s: %w", opts.CardID, opts.DependsOnCardID, err)
	}
	return &edge, nil
}

// Deactivate retires a dependency edge without deleting its history.
func Deactivate(db *gorm.DB, cardID, dependsOnID string) error {
	result := db.Model(&models.CardDependency{}).
		Where("card_id = ? AND depends_on_card_id = ? AND is_active = ?", cardID, dependsOnID, true).
		Update("is_active", false)
	if result.Error != nil {
		return fmt.Errorf("deps: deactivate %s → %s: %w", cardID, dependsOnID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("deps: dependency %s → %s not found", cardID, dependsOnID)
	}
	return nil
}

// ListDeps returns the active edges a card waits on (blockers) and the
// active edges waiting on it (dependents).
func ListDeps(db *gorm.DB, cardID string) (blockers []models.CardDependency, dependents []models.CardDependency, err error) {
	if err := db.Where("card_id = ? AND is_active = ?", cardID, true).Find(&blockers).Error; err != nil {
		return nil, nil, fmt.Errorf("deps: list blockers for %s: %w", cardID, err)
	}
	if err := db.Where("depends_on_card_id = ? AND is_active = ?", cardID, true).Find(&dependents).Error; err != nil {
		return nil, nil, fmt.Errorf("deps: list dependents for %s: %w", cardID, err)
	}
	return blockers, dependents, nil
}

// ReadyCards returns a project's ready cards that could enter in_progress
// right now, ordered by priority then age.
func ReadyCards(db *gorm.DB, projectID string) ([]models.Card, error) {
	q := db.Where("status = ?", "ready")
	if projectID != "" {
		q = q.Where("project_id = ?", projectID)
	}

	var candidates []models.Card
	if err := q.Order("priority ASC, created_at ASC").Find(&candidates).Error; err != nil {
		return nil, fmt.Errorf("deps: ready cards: %w", err)
	}

	ready := make([]models.Card, 0, len(candidates))
	for i := range candidates {
		check, err := CheckTransition(db, &candidates[i], "in_progress")
		if err != nil {
			return nil, err
		}
		if check.CanMove {
			ready = append(ready, candidates[i])
		}
	}
	return ready, nil
}
