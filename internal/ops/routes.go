package ops

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gantryhq/gantry/internal/guard"
	"github.com/gantryhq/gantry/internal/models"
	"github.com/gantryhq/gantry/internal/slot"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

type slotView struct {
	SlotNumber int        `json:"slot_number"`
	Status     string     `json:"status"`
	CardID     string     `json:"card_id,omitempty"`
	JobID      string     `json:"job_id,omitempty"`
	WorktreeID string     `json:"worktree_id,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
}

// registerRoutes sets up all ops routes on the Gin router.
func registerRoutes(router *gin.Engine, db *gorm.DB, v *guard.Validator) {
	router.GET("/healthz", handleHealth(db))
	router.GET("/api/summary", handleSummary(db, v))
	router.GET("/api/projects/:id/slots", handleProjectSlots(db))
	router.GET("/api/audit", handleAudit(v))
}

func handleHealth(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		sqlDB, err := db.DB()
		if err == nil {
			err = sqlDB.Ping()
		}
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

func handleSummary(db *gorm.DB, v *guard.Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		s, err := BuildSummary(db)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if v != nil {
			stats := v.Stats()
			s.Guard = &stats
		}
		c.JSON(http.StatusOK, s)
	}
}

func handleProjectSlots(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")

		var p models.Project
		if err := db.Where("id = ?", id).First(&p).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("project not found: %s", id)})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		slots, err := slot.List(db, id)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		views := make([]slotView, 0, len(slots))
		for _, s := range slots {
			views = append(views, slotView{
				SlotNumber: s.SlotNumber,
				Status:     s.Status,
				CardID:     s.CardID,
				JobID:      s.JobID,
				WorktreeID: s.WorktreeID,
				StartedAt:  s.StartedAt,
			})
		}
		c.JSON(http.StatusOK, gin.H{"project": id, "slots": views})
	}
}

// handleAudit serves the in-process audit ring, newest entry first. The ring
// lives with the validator, so a scheduler restart empties it.
func handleAudit(v *guard.Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if v == nil {
			c.JSON(http.StatusOK, gin.H{"entries": []guard.AuditEntry{}})
			return
		}

		limit := 100
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
				return
			}
			limit = n
		}

		entries := v.Audit()
		if len(entries) > limit {
			entries = entries[len(entries)-limit:]
		}
		for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
			entries[i], entries[j] = entries[j], entries[i]
		}
		c.JSON(http.StatusOK, gin.H{"entries": entries})
	}
}
