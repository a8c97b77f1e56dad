package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/carryon-app/carryon-backend/internal/audit"
	"github.com/carryon-app/carryon-backend/internal/models"
	"github.com/carryon-app/carryon-backend/internal/ratelimit"
	"github.com/carryon-app/carryon-backend/internal/safety"
	"github.com/carryon-app/carryon-backend/pkg/utils"
)

// Service coordinates every delivery-request mutation: rate limiting,
// safety validation, the guarded status writes, and the audit journal.
// Notifications are dispatched by the handlers after the journal entry
// exists, so the log is never missing an event the caller saw succeed.
type Service struct {
	db      *gorm.DB
	auditor *audit.Log
	limiter *ratelimit.Limiter
}

// NewService wires the lifecycle service.
func NewService(db *gorm.DB, auditor *audit.Log, limiter *ratelimit.Limiter) *Service {
	return &Service{db: db, auditor: auditor, limiter: limiter}
}

// CreateInput is the sender-supplied payload for a new request.
type CreateInput struct {
	PickupPostal string   `json:"pickupPostal" binding:"required"`
	PickupDetail string   `json:"pickupDetail"`
	PickupLat    *float64 `json:"pickupLat"`
	PickupLng    *float64 `json:"pickupLng"`
	DropPostal   string   `json:"dropPostal" binding:"required"`
	DropDetail   string   `json:"dropDetail"`
	DropLat      *float64 `json:"dropLat"`
	DropLng      *float64 `json:"dropLng"`

	ItemDescription string                `json:"itemDescription" binding:"required"`
	ItemCategory    string                `json:"itemCategory"`
	Item            models.ItemAttributes `json:"item" binding:"required"`
	DeclaredPrice   *float64              `json:"declaredPrice"`
}

func statusStrings(statuses []models.RequestStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// get loads a request by id.
func (s *Service) get(ctx context.Context, id uint) (*models.DeliveryRequest, error) {
	var request models.DeliveryRequest
	if err := s.db.WithContext(ctx).First(&request, id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &request, nil
}

// guardedUpdate applies updates only if the row is still in one of the
// allowed from-statuses. The WHERE clause re-checks the status inside the
// same atomic write, so the first caller wins any race and later callers
// observe ErrInvalidTransition.
func (s *Service) guardedUpdate(ctx context.Context, id uint, op Operation, updates map[string]interface{}) error {
	result := s.db.WithContext(ctx).Model(&models.DeliveryRequest{}).
		Where("id = ? AND status IN ?", id, statusStrings(AllowedFrom(op))).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		if _, err := s.get(ctx, id); err != nil {
			return err
		}
		return ErrInvalidTransition
	}
	return nil
}

// queueSwapAttempts bounds the optimistic retries on rider-queue writes.
const queueSwapAttempts = 5

// swapRiderQueue writes a new rider queue and status only while the stored
// queue still matches the one the caller read. The json serializer keeps
// the stored form canonical, so the comparison is a plain string match.
// Returns false when a concurrent writer changed the queue first.
func (s *Service) swapRiderQueue(ctx context.Context, id uint, allowed []models.RequestStatus, oldQueue, newQueue []uint, status models.RequestStatus) (bool, error) {
	oldJSON, err := json.Marshal(oldQueue)
	if err != nil {
		return false, err
	}
	newJSON, err := json.Marshal(newQueue)
	if err != nil {
		return false, err
	}
	result := s.db.WithContext(ctx).Model(&models.DeliveryRequest{}).
		Where("id = ? AND status IN ? AND rider_queue = ?", id, statusStrings(allowed), string(oldJSON)).
		Updates(map[string]interface{}{
			"rider_queue": string(newJSON),
			"status":      string(status),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (s *Service) appendEvent(requestID uint, from, to models.RequestStatus, actor audit.Actor, otpVerified bool, photoBefore, photoAfter, note string) {
	entry := &audit.TaskEventLog{
		TaskID:      requestID,
		FromStatus:  string(from),
		ToStatus:    string(to),
		OtpVerified: otpVerified,
		PhotoBefore: photoBefore,
		PhotoAfter:  photoAfter,
		Note:        note,
	}
	entry.Actor = actor
	if err := s.auditor.AppendTaskEvent(entry); err != nil {
		// An append failure must not unwind an already-applied transition;
		// the write is retried nowhere, only surfaced.
		log.Printf("audit append failed for request %d: %v", requestID, err)
	}
}

// Create validates and persists a new delivery request. Rate limiting
// runs strictly before the expensive validators; validation failures are
// journaled as blocked attempts before the error returns.
func (s *Service) Create(ctx context.Context, sender *models.User, in CreateInput, actor audit.Actor) (*models.DeliveryRequest, error) {
	decision, err := s.limiter.CheckAndConsume(ctx, sender.ID, ratelimit.ActionCreateRequest)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		return nil, &RateLimitError{Decision: decision}
	}

	content := safety.ValidateContent(in.ItemDescription)
	physical := safety.ValidatePhysical(in.Item)

	if !content.IsValid || !physical.IsValid {
		validationErr := &ValidationError{Content: content, Physical: physical}

		matched := append([]string{}, content.MatchedKeywords...)
		matched = append(matched, content.MatchedPatterns...)
		matched = append(matched, content.SuspiciousPhrases...)

		blocked := &audit.BlockedAttemptLog{
			UserID:          sender.ID,
			AttemptKind:     "create_request",
			ItemDescription: in.ItemDescription,
			ItemCategory:    in.ItemCategory,
			WeightKg:        in.Item.WeightKg,
			PickupPostal:    in.PickupPostal,
			DropPostal:      in.DropPostal,
			Reason:          validationErr.Reason(),
			MatchedKeywords: matched,
		}
		blocked.Actor = actor
		if err := s.auditor.AppendBlockedAttempt(blocked); err != nil {
			return nil, err
		}
		return nil, validationErr
	}

	now := time.Now()
	request := &models.DeliveryRequest{
		SenderID:        sender.ID,
		RiderQueue:      []uint{},
		PickupPostal:    in.PickupPostal,
		PickupDetail:    in.PickupDetail,
		PickupLat:       in.PickupLat,
		PickupLng:       in.PickupLng,
		DropPostal:      in.DropPostal,
		DropDetail:      in.DropDetail,
		DropLat:         in.DropLat,
		DropLng:         in.DropLng,
		ItemDescription: in.ItemDescription,
		ItemCategory:    in.ItemCategory,
		Item:            in.Item,
		DeclaredPrice:   in.DeclaredPrice,
		PickupOTP:       utils.GenerateOTP(fmt.Sprintf("%d:pickup:%d", sender.ID, now.UnixNano())),
		DropOTP:         utils.GenerateOTP(fmt.Sprintf("%d:drop:%d", sender.ID, now.UnixNano())),
		Status:          models.StatusCreated,
		ExpiresAt:       now.Add(models.RequestExpiry),
	}

	if err := s.db.WithContext(ctx).Create(request).Error; err != nil {
		return nil, err
	}

	taskLog := &audit.TaskLog{
		TaskID:          request.ID,
		SenderID:        sender.ID,
		ItemDescription: in.ItemDescription,
		ItemCategory:    in.ItemCategory,
		WeightKg:        in.Item.WeightKg,
		Quantity:        in.Item.Quantity,
		PickupPostal:    in.PickupPostal,
		PickupDetail:    in.PickupDetail,
		DropPostal:      in.DropPostal,
		DropDetail:      in.DropDetail,
	}
	taskLog.Actor = actor
	if err := s.auditor.AppendTaskCreated(taskLog); err != nil {
		return nil, err
	}

	return request, nil
}

// RequestToDeliver queues a rider on an open request. The first rider
// moves the request to `requested`; queueing is idempotent per rider.
func (s *Service) RequestToDeliver(ctx context.Context, requestID uint, rider *models.User, actor audit.Actor) (*models.DeliveryRequest, error) {
	decision, err := s.limiter.CheckAndConsume(ctx, rider.ID, ratelimit.ActionRequestToDeliver)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		return nil, &RateLimitError{Decision: decision}
	}

	// Concurrent riders race on the queue, so the write re-checks the
	// queue value it was derived from and retries on a lost race.
	for attempt := 0; attempt < queueSwapAttempts; attempt++ {
		request, err := s.get(ctx, requestID)
		if err != nil {
			return nil, err
		}
		if !CanTransition(OpRequestToDeliver, request.Status) {
			return nil, ErrInvalidTransition
		}
		if request.SenderID == rider.ID {
			return nil, ErrNotParticipant
		}
		if request.InQueue(rider.ID) {
			return request, nil
		}

		queue := append(append([]uint{}, request.RiderQueue...), rider.ID)
		swapped, err := s.swapRiderQueue(ctx, requestID, AllowedFrom(OpRequestToDeliver), request.RiderQueue, queue, models.StatusRequested)
		if err != nil {
			return nil, err
		}
		if !swapped {
			continue
		}
		s.appendEvent(requestID, request.Status, models.StatusRequested, actor, false, "", "", fmt.Sprintf("rider %d queued", rider.ID))
		return s.get(ctx, requestID)
	}
	return nil, ErrInvalidTransition
}

// Approve assigns a queued rider. Only the first successful approval
// wins; a racing second call fails the guarded update and surfaces
// ErrInvalidTransition.
func (s *Service) Approve(ctx context.Context, requestID, senderID, riderID uint, actor audit.Actor) (*models.DeliveryRequest, error) {
	request, err := s.get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if request.SenderID != senderID {
		return nil, ErrNotParticipant
	}
	if !request.InQueue(riderID) {
		return nil, ErrRiderNotQueued
	}

	from := request.Status
	err = s.guardedUpdate(ctx, requestID, OpApprove, map[string]interface{}{
		"commuter_id": riderID,
		"rider_queue": "[]",
		"status":      string(models.StatusApproved),
	})
	if err != nil {
		return nil, err
	}

	s.appendEvent(requestID, from, models.StatusApproved, actor, false, "", "", fmt.Sprintf("rider %d approved", riderID))
	return s.get(ctx, requestID)
}

// Reject removes one rider from the queue, or the whole queue when
// riderID is nil. The status falls back to `created` once the queue is
// empty and stays `requested` otherwise.
func (s *Service) Reject(ctx context.Context, requestID, senderID uint, riderID *uint, actor audit.Actor) (*models.DeliveryRequest, error) {
	rejectable := []models.RequestStatus{models.StatusCreated, models.StatusRequested}

	// Same queue race as RequestToDeliver: a rider may queue between the
	// read and the write, so the write is conditional on the read queue.
	for attempt := 0; attempt < queueSwapAttempts; attempt++ {
		request, err := s.get(ctx, requestID)
		if err != nil {
			return nil, err
		}
		if request.SenderID != senderID {
			return nil, ErrNotParticipant
		}
		if request.Status != models.StatusCreated && request.Status != models.StatusRequested {
			return nil, ErrInvalidTransition
		}

		queue := []uint{}
		if riderID != nil {
			for _, id := range request.RiderQueue {
				if id != *riderID {
					queue = append(queue, id)
				}
			}
		}
		target := models.StatusCreated
		if len(queue) > 0 {
			target = models.StatusRequested
		}

		swapped, err := s.swapRiderQueue(ctx, requestID, rejectable, request.RiderQueue, queue, target)
		if err != nil {
			return nil, err
		}
		if !swapped {
			continue
		}
		s.appendEvent(requestID, request.Status, target, actor, false, "", "", "rider rejected")
		return s.get(ctx, requestID)
	}
	return nil, ErrInvalidTransition
}

// DeclineAll terminally rejects a request the sender no longer wants
// delivered while riders are queued.
func (s *Service) DeclineAll(ctx context.Context, requestID, senderID uint, actor audit.Actor) (*models.DeliveryRequest, error) {
	request, err := s.get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if request.SenderID != senderID {
		return nil, ErrNotParticipant
	}

	from := request.Status
	err = s.guardedUpdate(ctx, requestID, OpDeclineAll, map[string]interface{}{
		"rider_queue": "[]",
		"status":      string(models.StatusRejected),
	})
	if err != nil {
		return nil, err
	}
	s.appendEvent(requestID, from, models.StatusRejected, actor, false, "", "", "sender declined all riders")
	return s.get(ctx, requestID)
}

// requireCommuter loads the request and verifies riderID is its approved rider.
func (s *Service) requireCommuter(ctx context.Context, requestID, riderID uint) (*models.DeliveryRequest, error) {
	request, err := s.get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if request.CommuterID == nil || *request.CommuterID != riderID {
		return nil, ErrNotParticipant
	}
	return request, nil
}

// MarkArrivedAtPickup announces the rider reached the pickup point.
func (s *Service) MarkArrivedAtPickup(ctx context.Context, requestID, riderID uint, actor audit.Actor) (*models.DeliveryRequest, error) {
	request, err := s.requireCommuter(ctx, requestID, riderID)
	if err != nil {
		return nil, err
	}
	from := request.Status
	if err := s.guardedUpdate(ctx, requestID, OpArrivePickup, map[string]interface{}{
		"status": string(models.StatusWaitingPickup),
	}); err != nil {
		return nil, err
	}
	s.appendEvent(requestID, from, models.StatusWaitingPickup, actor, false, "", "", "rider arrived at pickup")
	return s.get(ctx, requestID)
}

// InitiatePickupOtp announces the rider is about to collect the parcel.
// No code is checked yet.
func (s *Service) InitiatePickupOtp(ctx context.Context, requestID, riderID uint, actor audit.Actor) (*models.DeliveryRequest, error) {
	request, err := s.requireCommuter(ctx, requestID, riderID)
	if err != nil {
		return nil, err
	}
	from := request.Status
	if err := s.guardedUpdate(ctx, requestID, OpInitiatePickupOtp, map[string]interface{}{
		"status": string(models.StatusPickupOtpPending),
	}); err != nil {
		return nil, err
	}
	s.appendEvent(requestID, from, models.StatusPickupOtpPending, actor, false, "", "", "pickup otp initiated")
	return s.get(ctx, requestID)
}

// VerifyPickupOtp advances to `picked` on an exact match against the
// stored pickup code. A mismatch leaves the request unchanged; retries
// are unlimited.
func (s *Service) VerifyPickupOtp(ctx context.Context, requestID, riderID uint, code, photoURL string, actor audit.Actor) (*models.DeliveryRequest, error) {
	request, err := s.requireCommuter(ctx, requestID, riderID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(OpVerifyPickupOtp, request.Status) {
		return nil, ErrInvalidTransition
	}
	if code != request.PickupOTP {
		return nil, ErrOtpMismatch
	}

	from := request.Status
	if err := s.guardedUpdate(ctx, requestID, OpVerifyPickupOtp, map[string]interface{}{
		"status": string(models.StatusPicked),
	}); err != nil {
		return nil, err
	}
	s.appendEvent(requestID, from, models.StatusPicked, actor, true, photoURL, "", "pickup otp verified")
	return s.get(ctx, requestID)
}

// StartTransit moves a collected parcel onto the rider's journey.
func (s *Service) StartTransit(ctx context.Context, requestID, riderID uint, actor audit.Actor) (*models.DeliveryRequest, error) {
	if _, err := s.requireCommuter(ctx, requestID, riderID); err != nil {
		return nil, err
	}
	if err := s.guardedUpdate(ctx, requestID, OpStartTransit, map[string]interface{}{
		"status": string(models.StatusInTransit),
	}); err != nil {
		return nil, err
	}
	s.appendEvent(requestID, models.StatusPicked, models.StatusInTransit, actor, false, "", "", "transit started")
	return s.get(ctx, requestID)
}

// MarkArrivedAtDrop journals arrival at the drop point. It changes no
// status; only drop OTP verification advances the request.
func (s *Service) MarkArrivedAtDrop(ctx context.Context, requestID, riderID uint, actor audit.Actor) (*models.DeliveryRequest, error) {
	request, err := s.requireCommuter(ctx, requestID, riderID)
	if err != nil {
		return nil, err
	}
	if request.Status != models.StatusInTransit {
		return nil, ErrInvalidTransition
	}
	s.appendEvent(requestID, request.Status, request.Status, actor, false, "", "", "rider arrived at drop-off")
	return request, nil
}

// VerifyDropOtp advances `in_transit` to `delivered` on an exact match
// against the stored drop code.
func (s *Service) VerifyDropOtp(ctx context.Context, requestID, riderID uint, code, photoURL string, actor audit.Actor) (*models.DeliveryRequest, error) {
	request, err := s.requireCommuter(ctx, requestID, riderID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(OpVerifyDropOtp, request.Status) {
		return nil, ErrInvalidTransition
	}
	if code != request.DropOTP {
		return nil, ErrOtpMismatch
	}

	if err := s.guardedUpdate(ctx, requestID, OpVerifyDropOtp, map[string]interface{}{
		"status": string(models.StatusDelivered),
	}); err != nil {
		return nil, err
	}
	s.appendEvent(requestID, models.StatusInTransit, models.StatusDelivered, actor, true, "", photoURL, "drop otp verified")
	return s.get(ctx, requestID)
}

// EnableTracking turns on live location sharing. Only the approved rider
// may enable it, and only while carrying the parcel.
func (s *Service) EnableTracking(ctx context.Context, requestID, riderID uint) (*models.DeliveryRequest, error) {
	request, err := s.requireCommuter(ctx, requestID, riderID)
	if err != nil {
		return nil, err
	}
	if request.Status != models.StatusPicked && request.Status != models.StatusInTransit {
		return nil, ErrInvalidTransition
	}
	if err := s.db.WithContext(ctx).Model(request).Update("tracking_enabled", true).Error; err != nil {
		return nil, err
	}
	request.TrackingEnabled = true
	return request, nil
}

// DisableTracking turns off live location sharing. The rider may do this
// from any state.
func (s *Service) DisableTracking(ctx context.Context, requestID, riderID uint) (*models.DeliveryRequest, error) {
	request, err := s.requireCommuter(ctx, requestID, riderID)
	if err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Model(request).Update("tracking_enabled", false).Error; err != nil {
		return nil, err
	}
	request.TrackingEnabled = false
	return request, nil
}

// RecordLocation stores the rider's current position, last write wins.
// Updates are dropped silently when tracking is off.
func (s *Service) RecordLocation(ctx context.Context, requestID, riderID uint, lat, lng float64) (*models.DeliveryRequest, error) {
	request, err := s.requireCommuter(ctx, requestID, riderID)
	if err != nil {
		return nil, err
	}
	if !request.TrackingEnabled {
		return nil, ErrInvalidTransition
	}
	now := time.Now()
	if err := s.db.WithContext(ctx).Model(request).Updates(map[string]interface{}{
		"rider_lat":        lat,
		"rider_lng":        lng,
		"rider_located_at": now,
	}).Error; err != nil {
		return nil, err
	}
	request.RiderLat = &lat
	request.RiderLng = &lng
	request.RiderLocatedAt = &now
	return request, nil
}

// ConfirmPayment records the sender's assertion that payment happened
// out of band. No money moves through the platform.
func (s *Service) ConfirmPayment(ctx context.Context, requestID, senderID uint, amount *float64, actor audit.Actor) (*models.DeliveryRequest, error) {
	request, err := s.get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if request.SenderID != senderID {
		return nil, ErrNotParticipant
	}
	if request.Status == models.StatusCancelled || request.Status == models.StatusExpired || request.Status == models.StatusRejected {
		return nil, ErrInvalidTransition
	}

	if err := s.db.WithContext(ctx).Model(request).Update("payment_confirmed", true).Error; err != nil {
		return nil, err
	}
	request.PaymentConfirmed = true

	entry := &audit.PaymentLog{TaskID: requestID, Amount: amount}
	entry.Actor = actor
	if err := s.auditor.AppendPaymentConfirmation(entry); err != nil {
		return nil, err
	}
	return request, nil
}

// Rate records a post-completion star rating from one party and, when
// the sender closes out a delivered request, completes it.
func (s *Service) Rate(ctx context.Context, requestID, userID uint, rating float64, actor audit.Actor) (*models.DeliveryRequest, error) {
	request, err := s.get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if request.Status != models.StatusDelivered && request.Status != models.StatusCompleted {
		return nil, ErrInvalidTransition
	}

	var column string
	switch {
	case request.SenderID == userID:
		column = "sender_rating"
	case request.CommuterID != nil && *request.CommuterID == userID:
		column = "rider_rating"
	default:
		return nil, ErrNotParticipant
	}

	if err := s.db.WithContext(ctx).Model(request).Update(column, rating).Error; err != nil {
		return nil, err
	}

	if request.Status == models.StatusDelivered {
		if err := s.guardedUpdate(ctx, requestID, OpComplete, map[string]interface{}{
			"status": string(models.StatusCompleted),
		}); err == nil {
			s.appendEvent(requestID, models.StatusDelivered, models.StatusCompleted, actor, false, "", "", "closed by rating")
		} else if err != ErrInvalidTransition {
			return nil, err
		}
	}
	return s.get(ctx, requestID)
}

// Cancel aborts a request still in a pre-pickup state.
func (s *Service) Cancel(ctx context.Context, requestID, userID uint, reason string, actor audit.Actor) (*models.DeliveryRequest, error) {
	request, err := s.get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	isSender := request.SenderID == userID
	isRider := request.CommuterID != nil && *request.CommuterID == userID
	if !isSender && !isRider {
		return nil, ErrNotParticipant
	}

	from := request.Status
	if err := s.guardedUpdate(ctx, requestID, OpCancel, map[string]interface{}{
		"status":              string(models.StatusCancelled),
		"cancellation_reason": reason,
	}); err != nil {
		return nil, err
	}
	s.appendEvent(requestID, from, models.StatusCancelled, actor, false, "", "", reason)
	return s.get(ctx, requestID)
}

// ExpireSweep transitions every request still `created` past its
// expiry. Each expiry is its own guarded write, so a request approved
// mid-sweep is left alone. Returns the ids that were expired.
func (s *Service) ExpireSweep(ctx context.Context) ([]uint, error) {
	var candidates []models.DeliveryRequest
	err := s.db.WithContext(ctx).
		Where("status = ? AND expires_at < ?", string(models.StatusCreated), time.Now()).
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}

	var expired []uint
	for _, request := range candidates {
		err := s.guardedUpdate(ctx, request.ID, OpExpire, map[string]interface{}{
			"status": string(models.StatusExpired),
		})
		if err == ErrInvalidTransition || err == ErrNotFound {
			continue
		}
		if err != nil {
			return expired, err
		}
		s.appendEvent(request.ID, models.StatusCreated, models.StatusExpired, audit.Actor{}, false, "", "", "expired by sweep")
		expired = append(expired, request.ID)
	}
	return expired, nil
}
