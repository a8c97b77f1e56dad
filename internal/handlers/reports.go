package handlers

import (
	"log"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/carryon-app/carryon-backend/internal/flagging"
	"github.com/carryon-app/carryon-backend/internal/lifecycle"
	"github.com/carryon-app/carryon-backend/internal/models"
	"github.com/carryon-app/carryon-backend/internal/ratelimit"
	"github.com/carryon-app/carryon-backend/internal/services"
)

type ReportUserInput struct {
	ReportedUserID uint   `json:"reportedUserId" binding:"required"`
	Reason         string `json:"reason" binding:"required,max=1000"`
	Severity       string `json:"severity" binding:"omitempty,oneof=low medium high"`
}

// ReportUser files a manual incident report against another user. Reports
// land in the admin review queue; nothing is enforced until review.
func ReportUser(db *gorm.DB, limiter *ratelimit.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input ReportUserInput
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}

		userID := c.GetUint("userId")
		if input.ReportedUserID == userID {
			c.JSON(400, gin.H{"error": "You cannot report yourself"})
			return
		}

		var reported models.User
		if err := db.First(&reported, input.ReportedUserID).Error; err != nil {
			c.JSON(404, gin.H{"error": "User not found"})
			return
		}

		decision, err := limiter.CheckAndConsume(c.Request.Context(), userID, ratelimit.ActionReportUser)
		if err != nil {
			c.JSON(500, gin.H{"error": "Failed to check rate limit"})
			return
		}
		if !decision.Allowed {
			respondLifecycleError(c, &lifecycle.RateLimitError{Decision: decision})
			return
		}

		severity := input.Severity
		if severity == "" {
			severity = models.FlagSeverityMedium
		}

		incident := models.IncidentRecord{
			ReportedUserID: input.ReportedUserID,
			ReporterID:     &userID,
			Source:         models.IncidentSourceReport,
			Reason:         input.Reason,
			Severity:       severity,
			Status:         models.IncidentPendingReview,
			ActionsTaken:   []string{},
		}
		if err := db.Create(&incident).Error; err != nil {
			c.JSON(500, gin.H{"error": "Failed to file report"})
			return
		}

		c.JSON(201, gin.H{"message": "Report filed for review", "incident": incident})
	}
}

// ListIncidents returns the incident queue for admins, optionally filtered
// by status (?status=pending_review)
func ListIncidents(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		query := db.Model(&models.IncidentRecord{}).Preload("ReportedUser").Order("created_at DESC")
		if status := c.Query("status"); status != "" {
			query = query.Where("status = ?", status)
		}

		var incidents []models.IncidentRecord
		if err := query.Find(&incidents).Error; err != nil {
			c.JSON(500, gin.H{"error": "Failed to load incidents"})
			return
		}

		c.JSON(200, gin.H{"incidents": incidents})
	}
}

type ReviewIncidentInput struct {
	Verdict string `json:"verdict" binding:"required,oneof=confirmed dismissed"`
}

// ReviewIncident confirms or dismisses a pending incident. Confirming one
// re-scores the reported user immediately, since confirmed incidents weigh
// double in the flag score.
func ReviewIncident(db *gorm.DB, engine *flagging.Engine, limiter *ratelimit.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := requestID(c)
		if !ok {
			return
		}
		var input ReviewIncidentInput
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}

		adminID := c.GetUint("userId")
		decision, err := limiter.CheckAndConsume(c.Request.Context(), adminID, ratelimit.ActionAdminAction)
		if err != nil {
			c.JSON(500, gin.H{"error": "Failed to check rate limit"})
			return
		}
		if !decision.Allowed {
			respondLifecycleError(c, &lifecycle.RateLimitError{Decision: decision})
			return
		}

		var incident models.IncidentRecord
		if err := db.First(&incident, id).Error; err != nil {
			c.JSON(404, gin.H{"error": "Incident not found"})
			return
		}
		if incident.Status != models.IncidentPendingReview {
			c.JSON(409, gin.H{"error": "Incident has already been reviewed"})
			return
		}

		if err := db.Model(&incident).Update("status", input.Verdict).Error; err != nil {
			c.JSON(500, gin.H{"error": "Failed to update incident"})
			return
		}
		incident.Status = input.Verdict

		// Dismissing an auto-flag lifts the restriction it imposed
		if input.Verdict == models.IncidentDismissed && incident.Source == models.IncidentSourceAutoFlag {
			err := db.Model(&models.User{}).Where("id = ?", incident.ReportedUserID).Updates(map[string]interface{}{
				"is_banned":     false,
				"banned_until":  nil,
				"flag_reason":   "",
				"flag_severity": "",
			}).Error
			if err != nil {
				c.JSON(500, gin.H{"error": "Failed to lift restriction"})
				return
			}
			if services.RedisClient != nil {
				if err := services.ClearUserBan(c.Request.Context(), incident.ReportedUserID); err != nil {
					log.Printf("ban cache clear failed for user %d: %v", incident.ReportedUserID, err)
				}
			}
		}

		// A confirmed incident may tip the reported user over the flag
		// threshold, so re-run the engine for them right away.
		if input.Verdict == models.IncidentConfirmed {
			ctx := c.Request.Context()
			eval, err := engine.CalculateUserFlagScore(ctx, incident.ReportedUserID, time.Now())
			if err != nil {
				log.Printf("flag re-score failed for user %d: %v", incident.ReportedUserID, err)
			} else if flagging.ShouldAutoFlag(eval) {
				var reported models.User
				if err := db.First(&reported, incident.ReportedUserID).Error; err == nil {
					if err := engine.AutoFlagUser(ctx, &reported, eval); err != nil {
						log.Printf("auto-flag enforcement failed for user %d: %v", reported.ID, err)
					}
				}
			}
		}

		c.JSON(200, gin.H{"message": "Incident reviewed", "incident": incident})
	}
}
