package handlers

import (
	"log"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/carryon-app/carryon-backend/internal/lifecycle"
	"github.com/carryon-app/carryon-backend/internal/services"
	"github.com/carryon-app/carryon-backend/pkg/utils"
)

// EnableTracking turns on live location sharing for the request
func EnableTracking(db *gorm.DB, svc *lifecycle.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := requestID(c)
		if !ok {
			return
		}

		request, err := svc.EnableTracking(c.Request.Context(), id, c.GetUint("userId"))
		if err != nil {
			respondLifecycleError(c, err)
			return
		}

		c.JSON(200, gin.H{"message": "Tracking enabled", "request": request})
	}
}

// DisableTracking turns off live location sharing
func DisableTracking(db *gorm.DB, svc *lifecycle.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := requestID(c)
		if !ok {
			return
		}

		request, err := svc.DisableTracking(c.Request.Context(), id, c.GetUint("userId"))
		if err != nil {
			respondLifecycleError(c, err)
			return
		}

		c.JSON(200, gin.H{"message": "Tracking disabled", "request": request})
	}
}

type LocationInput struct {
	Lat float64 `json:"lat" binding:"required"`
	Lng float64 `json:"lng" binding:"required"`
}

// UpdateLocation records the rider's position and pushes it live to the
// sender with the remaining distance and a rough ETA.
func UpdateLocation(db *gorm.DB, svc *lifecycle.Service, hub *services.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := requestID(c)
		if !ok {
			return
		}
		var input LocationInput
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}

		request, err := svc.RecordLocation(c.Request.Context(), id, c.GetUint("userId"), input.Lat, input.Lng)
		if err != nil {
			respondLifecycleError(c, err)
			return
		}

		// Cache and publish for other instances
		if services.RedisClient != nil {
			if err := services.SetRiderLocation(c.Request.Context(), request.ID, input.Lat, input.Lng); err != nil {
				log.Printf("location cache write failed for request %d: %v", request.ID, err)
			}
			if err := services.PublishRiderLocation(c.Request.Context(), request.ID, input.Lat, input.Lng); err != nil {
				log.Printf("location publish failed for request %d: %v", request.ID, err)
			}
		}

		update := services.RiderLocationUpdate{RequestID: request.ID}
		update.Location.Lat = input.Lat
		update.Location.Lng = input.Lng
		if request.DropLat != nil && request.DropLng != nil {
			remaining := utils.HaversineDistance(input.Lat, input.Lng, *request.DropLat, *request.DropLng)
			update.RemainingKm = remaining
			update.EtaMinutes = utils.CalculateETA(remaining, 0)
		}
		hub.SendRiderLocationUpdateToClient(request.SenderID, update)

		c.JSON(200, gin.H{"message": "Location updated"})
	}
}

// GetLocation returns the rider's last known position to the sender
func GetLocation(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := requestID(c)
		if !ok {
			return
		}
		userID := c.GetUint("userId")

		request, err := fetchParticipantRequest(db, id, userID)
		if err != nil {
			respondLifecycleError(c, err)
			return
		}
		if !request.TrackingEnabled {
			c.JSON(404, gin.H{"error": "Tracking is not enabled for this request"})
			return
		}

		// Prefer the cache; fall back to the persisted columns
		if services.RedisClient != nil {
			if lat, lng, err := services.GetRiderLocation(c.Request.Context(), request.ID); err == nil {
				c.JSON(200, gin.H{"location": gin.H{"lat": lat, "lng": lng}})
				return
			}
		}

		if request.RiderLat == nil || request.RiderLng == nil {
			c.JSON(404, gin.H{"error": "No location recorded yet"})
			return
		}
		c.JSON(200, gin.H{
			"location": gin.H{
				"lat":       *request.RiderLat,
				"lng":       *request.RiderLng,
				"locatedAt": request.RiderLocatedAt,
			},
		})
	}
}
