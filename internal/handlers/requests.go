package handlers

import (
	"errors"
	"log"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/carryon-app/carryon-backend/internal/audit"
	"github.com/carryon-app/carryon-backend/internal/lifecycle"
	"github.com/carryon-app/carryon-backend/internal/models"
	"github.com/carryon-app/carryon-backend/internal/services"
	"github.com/carryon-app/carryon-backend/pkg/utils"
)

// actorFrom captures who performed the operation for the audit journal.
func actorFrom(c *gin.Context) audit.Actor {
	return audit.Actor{
		ActorID:           c.GetUint("userId"),
		DeviceFingerprint: c.GetHeader("X-Device-Fingerprint"),
		IPAddress:         c.ClientIP(),
	}
}

// respondLifecycleError maps the service error taxonomy onto HTTP codes.
func respondLifecycleError(c *gin.Context, err error) {
	var validationErr *lifecycle.ValidationError
	var rateLimitErr *lifecycle.RateLimitError

	switch {
	case errors.Is(err, lifecycle.ErrNotFound):
		c.JSON(404, gin.H{"error": "Delivery request not found"})
	case errors.Is(err, lifecycle.ErrNotParticipant):
		c.JSON(403, gin.H{"error": "You are not a participant of this request"})
	case errors.Is(err, lifecycle.ErrAutoFlagEnforced):
		c.JSON(403, gin.H{"error": "Your account is temporarily restricted"})
	case errors.Is(err, lifecycle.ErrRiderNotQueued):
		c.JSON(400, gin.H{"error": "This rider has not offered to deliver"})
	case errors.Is(err, lifecycle.ErrOtpMismatch):
		c.JSON(400, gin.H{"error": "The code does not match. Please try again."})
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		c.JSON(409, gin.H{"error": "This request is no longer in a state that allows that action"})
	case errors.As(err, &rateLimitErr):
		c.JSON(429, gin.H{
			"error":   "Rate limit exceeded",
			"resetAt": rateLimitErr.Decision.ResetAt,
		})
	case errors.As(err, &validationErr):
		c.JSON(422, gin.H{
			"error":  "This item cannot be carried on the platform",
			"reason": validationErr.Reason(),
		})
	default:
		log.Printf("lifecycle error: %v", err)
		c.JSON(500, gin.H{"error": "Something went wrong"})
	}
}

// loadUser fetches the authenticated user row.
func loadUser(c *gin.Context, db *gorm.DB) (*models.User, bool) {
	var user models.User
	if err := db.First(&user, c.GetUint("userId")).Error; err != nil {
		c.JSON(401, gin.H{"error": "User not found"})
		return nil, false
	}
	return &user, true
}

// fetchParticipantRequest loads a request and verifies the caller is the
// sender or the approved rider.
func fetchParticipantRequest(db *gorm.DB, id, userID uint) (*models.DeliveryRequest, error) {
	var request models.DeliveryRequest
	if err := db.First(&request, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, lifecycle.ErrNotFound
		}
		return nil, err
	}
	if request.SenderID != userID && (request.CommuterID == nil || *request.CommuterID != userID) {
		return nil, lifecycle.ErrNotParticipant
	}
	return &request, nil
}

// notifyParties pushes the new status to both sides over FCM and the
// websocket hub, and publishes it for other server instances. Failures
// are logged and swallowed; the transition already happened.
func notifyParties(c *gin.Context, db *gorm.DB, hub *services.Hub, request *models.DeliveryRequest) {
	ctx := c.Request.Context()
	status := string(request.Status)

	var sender models.User
	if err := db.First(&sender, request.SenderID).Error; err == nil && sender.NotificationsEnabled {
		if err := services.SendStatusNotification(ctx, sender.FCMToken, request.ID, "sender", status); err != nil {
			log.Printf("sender notification failed for request %d: %v", request.ID, err)
		}
	}
	hub.SendRequestStatusUpdate(request.SenderID, services.RequestStatusUpdate{RequestID: request.ID, Status: status})

	if request.CommuterID != nil {
		var rider models.User
		if err := db.First(&rider, *request.CommuterID).Error; err == nil && rider.NotificationsEnabled {
			if err := services.SendStatusNotification(ctx, rider.FCMToken, request.ID, "helper", status); err != nil {
				log.Printf("rider notification failed for request %d: %v", request.ID, err)
			}
		}
		hub.SendRequestStatusUpdate(*request.CommuterID, services.RequestStatusUpdate{RequestID: request.ID, Status: status})
	}

	if services.RedisClient != nil {
		if err := services.PublishRequestUpdate(ctx, request.ID, status, nil); err != nil {
			log.Printf("redis publish failed for request %d: %v", request.ID, err)
		}
	}
}

// CreateRequest posts a new delivery request
func CreateRequest(db *gorm.DB, svc *lifecycle.Service, hub *services.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := loadUser(c, db)
		if !ok {
			return
		}
		if !user.CanSend() {
			c.JSON(403, gin.H{"error": "Only senders can create delivery requests"})
			return
		}

		var input lifecycle.CreateInput
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}

		request, err := svc.Create(c.Request.Context(), user, input, actorFrom(c))
		if err != nil {
			respondLifecycleError(c, err)
			return
		}

		// Fan the new request out to helpers who opted into nearby alerts
		if err := services.SendNearbyRequestNotification(c.Request.Context(), request.ID, request.PickupPostal, request.DropPostal); err != nil {
			log.Printf("nearby fan-out failed for request %d: %v", request.ID, err)
		}

		c.JSON(201, gin.H{
			"message": "Delivery request created",
			"request": request,
		})
	}
}

// GetOpenRequests lists requests a helper can offer on. Passing
// ?lat=&lng=&radius= narrows the feed to pickups within radius km.
func GetOpenRequests(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetUint("userId")

		query := db.Where("status IN ? AND sender_id <> ? AND expires_at > ?",
			[]string{string(models.StatusCreated), string(models.StatusRequested)},
			userID, time.Now())

		lat, latErr := strconv.ParseFloat(c.Query("lat"), 64)
		lng, lngErr := strconv.ParseFloat(c.Query("lng"), 64)
		radius, radiusErr := strconv.ParseFloat(c.Query("radius"), 64)
		nearby := latErr == nil && lngErr == nil && radiusErr == nil && radius > 0
		if nearby {
			// Bounding box in SQL, exact distance check in Go
			bbox := utils.GetBoundingBox(lat, lng, radius)
			query = query.Where("pickup_lat BETWEEN ? AND ? AND pickup_lng BETWEEN ? AND ?",
				bbox.SouthWest.Lat, bbox.NorthEast.Lat, bbox.SouthWest.Lng, bbox.NorthEast.Lng)
		}

		var requests []models.DeliveryRequest
		if err := query.Order("created_at DESC").Find(&requests).Error; err != nil {
			c.JSON(500, gin.H{"error": "Failed to fetch requests"})
			return
		}

		if nearby {
			filtered := requests[:0]
			for _, r := range requests {
				if r.PickupLat != nil && r.PickupLng != nil &&
					utils.IsWithinRadius(lat, lng, *r.PickupLat, *r.PickupLng, radius) {
					filtered = append(filtered, r)
				}
			}
			requests = filtered
		}

		c.JSON(200, gin.H{"requests": requests})
	}
}

// GetMyRequests lists the authenticated sender's requests
func GetMyRequests(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var requests []models.DeliveryRequest
		err := db.Preload("Commuter").
			Where("sender_id = ?", c.GetUint("userId")).
			Order("created_at DESC").
			Find(&requests).Error
		if err != nil {
			c.JSON(500, gin.H{"error": "Failed to fetch requests"})
			return
		}

		c.JSON(200, gin.H{"requests": requests})
	}
}

// GetMyDeliveries lists the deliveries the authenticated rider is or was
// assigned to
func GetMyDeliveries(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var requests []models.DeliveryRequest
		err := db.Preload("Sender").
			Where("commuter_id = ?", c.GetUint("userId")).
			Order("created_at DESC").
			Find(&requests).Error
		if err != nil {
			c.JSON(500, gin.H{"error": "Failed to fetch deliveries"})
			return
		}

		c.JSON(200, gin.H{"deliveries": requests})
	}
}

// requestID parses the :id path parameter.
func requestID(c *gin.Context) (uint, bool) {
	var params struct {
		ID uint `uri:"id" binding:"required"`
	}
	if err := c.ShouldBindUri(&params); err != nil {
		c.JSON(400, gin.H{"error": "Invalid request id"})
		return 0, false
	}
	return params.ID, true
}

// GetRequest returns one request; participants only
func GetRequest(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := requestID(c)
		if !ok {
			return
		}
		userID := c.GetUint("userId")

		var request models.DeliveryRequest
		if err := db.Preload("Sender").Preload("Commuter").First(&request, id).Error; err != nil {
			c.JSON(404, gin.H{"error": "Delivery request not found"})
			return
		}

		isParticipant := request.SenderID == userID ||
			(request.CommuterID != nil && *request.CommuterID == userID) ||
			request.InQueue(userID)
		if !isParticipant {
			c.JSON(403, gin.H{"error": "You are not a participant of this request"})
			return
		}

		c.JSON(200, gin.H{"request": request})
	}
}

// GetRequestCodes returns the pickup and drop codes to the sender, who
// reads them out during the physical handoffs. Riders never see them.
func GetRequestCodes(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := requestID(c)
		if !ok {
			return
		}

		var request models.DeliveryRequest
		if err := db.First(&request, id).Error; err != nil {
			c.JSON(404, gin.H{"error": "Delivery request not found"})
			return
		}
		if request.SenderID != c.GetUint("userId") {
			c.JSON(403, gin.H{"error": "Only the sender can view the codes"})
			return
		}

		c.JSON(200, gin.H{
			"pickupCode": request.PickupOTP,
			"dropCode":   request.DropOTP,
		})
	}
}

// RequestToDeliver queues the authenticated rider on a request
func RequestToDeliver(db *gorm.DB, svc *lifecycle.Service, hub *services.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := requestID(c)
		if !ok {
			return
		}
		user, ok := loadUser(c, db)
		if !ok {
			return
		}
		if !user.CanDeliver() {
			c.JSON(403, gin.H{"error": "Only helpers can offer to deliver"})
			return
		}

		request, err := svc.RequestToDeliver(c.Request.Context(), id, user, actorFrom(c))
		if err != nil {
			respondLifecycleError(c, err)
			return
		}

		notifyParties(c, db, hub, request)
		c.JSON(200, gin.H{"message": "Offer recorded", "request": request})
	}
}

type ApproveInput struct {
	RiderID uint `json:"riderId" binding:"required"`
}

// ApproveRider assigns one queued rider to the request
func ApproveRider(db *gorm.DB, svc *lifecycle.Service, hub *services.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := requestID(c)
		if !ok {
			return
		}
		var input ApproveInput
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}

		request, err := svc.Approve(c.Request.Context(), id, c.GetUint("userId"), input.RiderID, actorFrom(c))
		if err != nil {
			respondLifecycleError(c, err)
			return
		}

		// Riders also get the assignment by email and SMS; approvals are
		// time-sensitive and push alone is easy to miss.
		var sender, rider models.User
		if db.First(&sender, request.SenderID).Error == nil && db.First(&rider, input.RiderID).Error == nil {
			if err := utils.SendRequestApprovedEmail(rider.Email, sender.Username, request.PickupPostal, request.DropPostal); err != nil {
				log.Printf("approval email failed for request %d: %v", request.ID, err)
			}
			if rider.PhoneNumber != "" {
				if err := utils.SendRequestApprovedSMS(rider.PhoneNumber, sender.Username, request.DropPostal); err != nil {
					log.Printf("approval SMS failed for request %d: %v", request.ID, err)
				}
			}
		}

		notifyParties(c, db, hub, request)
		c.JSON(200, gin.H{"message": "Rider approved", "request": request})
	}
}

type RejectInput struct {
	RiderID *uint `json:"riderId"` // nil rejects all queued riders
}

// RejectRider removes one rider, or all, from the queue
func RejectRider(db *gorm.DB, svc *lifecycle.Service, hub *services.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := requestID(c)
		if !ok {
			return
		}
		var input RejectInput
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}

		request, err := svc.Reject(c.Request.Context(), id, c.GetUint("userId"), input.RiderID, actorFrom(c))
		if err != nil {
			respondLifecycleError(c, err)
			return
		}

		c.JSON(200, gin.H{"message": "Rider rejected", "request": request})
	}
}

// DeclineAllRiders terminally rejects a request with queued riders
func DeclineAllRiders(db *gorm.DB, svc *lifecycle.Service, hub *services.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := requestID(c)
		if !ok {
			return
		}

		request, err := svc.DeclineAll(c.Request.Context(), id, c.GetUint("userId"), actorFrom(c))
		if err != nil {
			respondLifecycleError(c, err)
			return
		}

		notifyParties(c, db, hub, request)
		c.JSON(200, gin.H{"message": "Request declined", "request": request})
	}
}

// MarkArrivedAtPickup is called by the rider on reaching the pickup point
func MarkArrivedAtPickup(db *gorm.DB, svc *lifecycle.Service, hub *services.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := requestID(c)
		if !ok {
			return
		}

		request, err := svc.MarkArrivedAtPickup(c.Request.Context(), id, c.GetUint("userId"), actorFrom(c))
		if err != nil {
			respondLifecycleError(c, err)
			return
		}

		notifyParties(c, db, hub, request)
		c.JSON(200, gin.H{"message": "Arrival recorded", "request": request})
	}
}

// InitiatePickupOtp signals the rider is ready to collect the parcel
func InitiatePickupOtp(db *gorm.DB, svc *lifecycle.Service, hub *services.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := requestID(c)
		if !ok {
			return
		}

		request, err := svc.InitiatePickupOtp(c.Request.Context(), id, c.GetUint("userId"), actorFrom(c))
		if err != nil {
			respondLifecycleError(c, err)
			return
		}

		notifyParties(c, db, hub, request)
		c.JSON(200, gin.H{"message": "Ask the sender for the pickup code", "request": request})
	}
}

type VerifyCodeInput struct {
	Code     string `json:"code" binding:"required"`
	PhotoURL string `json:"photoUrl"`
}

// VerifyPickupOtp confirms the handoff code and collects the parcel
func VerifyPickupOtp(db *gorm.DB, svc *lifecycle.Service, hub *services.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := requestID(c)
		if !ok {
			return
		}
		var input VerifyCodeInput
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}

		request, err := svc.VerifyPickupOtp(c.Request.Context(), id, c.GetUint("userId"), input.Code, input.PhotoURL, actorFrom(c))
		if err != nil {
			respondLifecycleError(c, err)
			return
		}

		notifyParties(c, db, hub, request)
		c.JSON(200, gin.H{"message": "Pickup confirmed", "request": request})
	}
}

// StartTransit marks the parcel as moving
func StartTransit(db *gorm.DB, svc *lifecycle.Service, hub *services.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := requestID(c)
		if !ok {
			return
		}

		request, err := svc.StartTransit(c.Request.Context(), id, c.GetUint("userId"), actorFrom(c))
		if err != nil {
			respondLifecycleError(c, err)
			return
		}

		notifyParties(c, db, hub, request)
		c.JSON(200, gin.H{"message": "Transit started", "request": request})
	}
}

// MarkArrivedAtDrop is called by the rider on reaching the drop point
func MarkArrivedAtDrop(db *gorm.DB, svc *lifecycle.Service, hub *services.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := requestID(c)
		if !ok {
			return
		}

		request, err := svc.MarkArrivedAtDrop(c.Request.Context(), id, c.GetUint("userId"), actorFrom(c))
		if err != nil {
			respondLifecycleError(c, err)
			return
		}

		// No status change; tell the sender the rider is waiting
		var sender models.User
		if err := db.First(&sender, request.SenderID).Error; err == nil && sender.NotificationsEnabled {
			payload := services.NotificationPayload{
				Title: "Rider at Drop-off",
				Body:  "Your rider arrived at the drop-off point. Share the drop-off code with the recipient.",
				Data: map[string]interface{}{
					"type":      "arrival",
					"requestId": request.ID,
				},
			}
			if err := services.SendNotificationToToken(c.Request.Context(), sender.FCMToken, payload); err != nil {
				log.Printf("drop arrival notification failed for request %d: %v", request.ID, err)
			}
		}

		c.JSON(200, gin.H{"message": "Arrival recorded", "request": request})
	}
}

// VerifyDropOtp confirms the drop-off code and completes the handoff
func VerifyDropOtp(db *gorm.DB, svc *lifecycle.Service, hub *services.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := requestID(c)
		if !ok {
			return
		}
		var input VerifyCodeInput
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}

		request, err := svc.VerifyDropOtp(c.Request.Context(), id, c.GetUint("userId"), input.Code, input.PhotoURL, actorFrom(c))
		if err != nil {
			respondLifecycleError(c, err)
			return
		}

		notifyParties(c, db, hub, request)
		c.JSON(200, gin.H{"message": "Delivery confirmed", "request": request})
	}
}

type ConfirmPaymentInput struct {
	Amount *float64 `json:"amount"`
}

// ConfirmPayment records the sender's out-of-band payment assertion
func ConfirmPayment(db *gorm.DB, svc *lifecycle.Service, hub *services.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := requestID(c)
		if !ok {
			return
		}
		var input ConfirmPaymentInput
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}

		request, err := svc.ConfirmPayment(c.Request.Context(), id, c.GetUint("userId"), input.Amount, actorFrom(c))
		if err != nil {
			respondLifecycleError(c, err)
			return
		}

		if request.CommuterID != nil {
			var rider models.User
			if err := db.First(&rider, *request.CommuterID).Error; err == nil && rider.NotificationsEnabled {
				if err := services.SendPaymentConfirmedNotification(c.Request.Context(), rider.FCMToken, request.ID); err != nil {
					log.Printf("payment notification failed for request %d: %v", request.ID, err)
				}
			}
		}

		c.JSON(200, gin.H{"message": "Payment recorded", "request": request})
	}
}

type RateInput struct {
	Rating float64 `json:"rating" binding:"required,min=1,max=5"`
}

// RateRequest records a star rating and closes out a delivered request
func RateRequest(db *gorm.DB, svc *lifecycle.Service, hub *services.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := requestID(c)
		if !ok {
			return
		}
		var input RateInput
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}

		userID := c.GetUint("userId")
		request, err := svc.Rate(c.Request.Context(), id, userID, input.Rating, actorFrom(c))
		if err != nil {
			respondLifecycleError(c, err)
			return
		}

		// Refresh the rated party's derived stats
		var ratedID uint
		if request.SenderID == userID && request.CommuterID != nil {
			ratedID = *request.CommuterID
		} else {
			ratedID = request.SenderID
		}
		if err := RecomputeUserStats(db, ratedID); err != nil {
			log.Printf("stats recompute failed for user %d: %v", ratedID, err)
		}

		notifyParties(c, db, hub, request)
		c.JSON(200, gin.H{"message": "Rating recorded", "request": request})
	}
}

type CancelInput struct {
	Reason string `json:"reason" binding:"required"`
}

// CancelRequest aborts a pre-pickup request
func CancelRequest(db *gorm.DB, svc *lifecycle.Service, hub *services.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := requestID(c)
		if !ok {
			return
		}
		var input CancelInput
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}

		request, err := svc.Cancel(c.Request.Context(), id, c.GetUint("userId"), input.Reason, actorFrom(c))
		if err != nil {
			respondLifecycleError(c, err)
			return
		}

		notifyParties(c, db, hub, request)
		c.JSON(200, gin.H{"message": "Request cancelled", "request": request})
	}
}

// UploadProofPhoto stores a handoff photo and returns its URL. The URL
// is then attached to the matching OTP verification call.
func UploadProofPhoto() gin.HandlerFunc {
	return func(c *gin.Context) {
		file, err := c.FormFile("photo")
		if err != nil {
			c.JSON(400, gin.H{"error": "Photo file required"})
			return
		}

		url, err := services.UploadImage(file, "proof-photos")
		if err != nil {
			log.Printf("proof photo upload failed: %v", err)
			c.JSON(500, gin.H{"error": "Failed to store photo"})
			return
		}

		c.JSON(201, gin.H{"photoUrl": services.GetImageURL(url)})
	}
}
