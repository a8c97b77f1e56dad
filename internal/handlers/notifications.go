package handlers

import (
	"log"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/carryon-app/carryon-backend/internal/models"
	"github.com/carryon-app/carryon-backend/internal/services"
)

type FCMTokenInput struct {
	Token string `json:"token" binding:"required"`
}

// RegisterFCMToken stores the device token and subscribes helpers to the
// nearby-requests fan-out topic.
func RegisterFCMToken(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input FCMTokenInput
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}

		user, ok := loadUser(c, db)
		if !ok {
			return
		}

		if err := db.Model(user).Update("fcm_token", input.Token).Error; err != nil {
			c.JSON(500, gin.H{"error": "Failed to save token"})
			return
		}

		if user.CanDeliver() {
			if err := services.SubscribeToTopic(c.Request.Context(), []string{input.Token}, services.NearbyRequestsTopic); err != nil {
				log.Printf("topic subscribe failed for user %d: %v", user.ID, err)
			}
		}

		c.JSON(200, gin.H{"message": "Token registered"})
	}
}

// RemoveFCMToken clears the device token on logout
func RemoveFCMToken(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := loadUser(c, db)
		if !ok {
			return
		}

		if user.FCMToken != "" {
			if err := services.UnsubscribeFromTopic(c.Request.Context(), []string{user.FCMToken}, services.NearbyRequestsTopic); err != nil {
				log.Printf("topic unsubscribe failed for user %d: %v", user.ID, err)
			}
		}

		if err := db.Model(user).Update("fcm_token", "").Error; err != nil {
			c.JSON(500, gin.H{"error": "Failed to remove token"})
			return
		}

		c.JSON(200, gin.H{"message": "Token removed"})
	}
}

type NotificationPreferencesInput struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// UpdateNotificationPreferences toggles push notifications for the user
func UpdateNotificationPreferences(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input NotificationPreferencesInput
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}

		user, ok := loadUser(c, db)
		if !ok {
			return
		}

		if err := db.Model(user).Update("notifications_enabled", *input.Enabled).Error; err != nil {
			c.JSON(500, gin.H{"error": "Failed to update preferences"})
			return
		}

		c.JSON(200, gin.H{"message": "Preferences updated", "notificationsEnabled": *input.Enabled})
	}
}

// SendTestNotification pushes a test message to the caller's own device
func SendTestNotification(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var user models.User
		if err := db.First(&user, c.GetUint("userId")).Error; err != nil {
			c.JSON(401, gin.H{"error": "User not found"})
			return
		}
		if user.FCMToken == "" {
			c.JSON(400, gin.H{"error": "No device token registered"})
			return
		}

		err := services.SendNotificationToToken(c.Request.Context(), user.FCMToken, services.NotificationPayload{
			Title: "CarryOn",
			Body:  "Test notification delivered successfully",
		})
		if err != nil {
			c.JSON(500, gin.H{"error": "Failed to send notification"})
			return
		}

		c.JSON(200, gin.H{"message": "Test notification sent"})
	}
}
