package models

import "time"

// Card is a unit of work on a project board. Gantry reads cards to gate
// scheduling and writes status only through guarded transitions.
type Card struct {
	ID          string `gorm:"primaryKey;size:32"`
	ProjectID   string `gorm:"size:64;not null;index"`
	Title       string `gorm:"not null"`
	Description string `gorm:"type:text"`
	Status      string `gorm:"size:16;default:draft;index"` // draft, ready, in_progress, in_review, testing, done
	Priority    int    `gorm:"default:2"`
	CreatedAt   time.Time
	UpdatedAt   time.Time

	Project *Project         `gorm:"foreignKey:ProjectID"`
	Deps    []CardDependency `gorm:"foreignKey:CardID"`
}

// CardDependency is a directed edge: CardID depends on DependsOnCardID.
// The edge gates the dependent card's entry into any status listed in
// BlockingStatuses until the prerequisite reaches RequiredStatus.
type CardDependency struct {
	ID               uint   `gorm:"primaryKey;autoIncrement"`
	ProjectID        string `gorm:"size:64;index"`
	CardID           string `gorm:"size:32;not null;uniqueIndex:idx_card_depends_on"`
	DependsOnCardID  string `gorm:"size:32;not null;uniqueIndex:idx_card_depends_on"`
	BlockingStatuses string `gorm:"type:json"` // JSON array of dependent statuses gated by this edge
	RequiredStatus   string `gorm:"size:16;default:done"`
	IsActive         bool   `gorm:"default:true;index"`
	CreatedAt        time.Time

	Card      Card `gorm:"foreignKey:CardID"`
	DependsOn Card `gorm:"foreignKey:DependsOnCardID"`
}
