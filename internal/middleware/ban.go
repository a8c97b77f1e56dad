package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/carryon-app/carryon-backend/internal/models"
	"github.com/carryon-app/carryon-backend/internal/services"
)

// BanCheckMiddleware blocks soft-banned users from every mutating route.
// The Redis cache is checked first; if it is unreachable the database
// row decides. When neither source can answer, the request is denied
// rather than letting a possibly banned user through.
func BanCheckMiddleware(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetUint("userId")
		if userID == 0 {
			c.Next()
			return
		}

		banned, err := services.IsUserBanned(c.Request.Context(), userID)
		if err != nil {
			var user models.User
			if dbErr := db.First(&user, userID).Error; dbErr != nil {
				c.JSON(503, gin.H{"error": "Unable to verify account status"})
				c.Abort()
				return
			}
			banned = user.BanActive(time.Now())
		}

		if banned {
			c.JSON(403, gin.H{"error": "Your account is temporarily restricted"})
			c.Abort()
			return
		}
		c.Next()
	}
}
