package handlers

import (
	"math"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/carryon-app/carryon-backend/internal/models"
)

// GetProfile returns the authenticated user's profile
func GetProfile(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := loadUser(c, db)
		if !ok {
			return
		}
		c.JSON(200, gin.H{"user": user})
	}
}

type UpdateProfileInput struct {
	Username string `json:"username"`
	Phone    string `json:"phone"`
	UserType string `json:"userType" binding:"omitempty,oneof=sender helper both"`
}

// UpdateProfile updates the mutable profile fields
func UpdateProfile(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input UpdateProfileInput
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}

		user, ok := loadUser(c, db)
		if !ok {
			return
		}

		updates := map[string]interface{}{}
		if input.Username != "" {
			updates["username"] = input.Username
		}
		if input.Phone != "" {
			updates["phone_number"] = input.Phone
		}
		if input.UserType != "" {
			updates["user_type"] = input.UserType
		}
		if len(updates) > 0 {
			if err := db.Model(user).Updates(updates).Error; err != nil {
				c.JSON(500, gin.H{"error": "Failed to update profile"})
				return
			}
		}

		c.JSON(200, gin.H{"message": "Profile updated", "user": user})
	}
}

// GetUserPublicProfile returns the rating and delivery history another
// party sees before approving or offering.
func GetUserPublicProfile(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := requestID(c)
		if !ok {
			return
		}

		var user models.User
		if err := db.First(&user, id).Error; err != nil {
			c.JSON(404, gin.H{"error": "User not found"})
			return
		}

		c.JSON(200, gin.H{
			"user": gin.H{
				"id":              user.ID,
				"username":        user.Username,
				"userType":        user.UserType,
				"rating":          user.Rating,
				"totalDeliveries": user.TotalDeliveries,
			},
		})
	}
}

// RecomputeUserStats rebuilds a user's rating and delivery count from
// scratch by rescanning their finished requests. Running it twice in a
// row yields the same result, so it is safe to call after every rating.
func RecomputeUserStats(db *gorm.DB, userID uint) error {
	var asRider []models.DeliveryRequest
	err := db.Where("commuter_id = ? AND status = ?", userID, string(models.StatusCompleted)).
		Find(&asRider).Error
	if err != nil {
		return err
	}

	var asSender []models.DeliveryRequest
	err = db.Where("sender_id = ? AND status = ?", userID, string(models.StatusCompleted)).
		Find(&asSender).Error
	if err != nil {
		return err
	}

	var sum float64
	var count int
	for _, r := range asRider {
		// The sender's stars rate the rider
		if r.SenderRating != nil {
			sum += *r.SenderRating
			count++
		}
	}
	for _, r := range asSender {
		// The rider's stars rate the sender
		if r.RiderRating != nil {
			sum += *r.RiderRating
			count++
		}
	}

	rating := 0.0
	if count > 0 {
		rating = math.Round(sum/float64(count)*10) / 10
	}

	return db.Model(&models.User{}).Where("id = ?", userID).Updates(map[string]interface{}{
		"rating":           rating,
		"total_deliveries": len(asRider),
	}).Error
}
