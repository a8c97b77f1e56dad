package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/carryon-app/carryon-backend/internal/audit"
	"github.com/carryon-app/carryon-backend/internal/models"
	"github.com/carryon-app/carryon-backend/internal/ratelimit"
)

func newTestService(t *testing.T, quotas map[ratelimit.Action]ratelimit.Quota) (*Service, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.User{}, &models.DeliveryRequest{},
		&audit.TaskLog{}, &audit.TaskEventLog{}, &audit.ChatLog{},
		&audit.PaymentLog{}, &audit.BlockedAttemptLog{},
	))

	cipher, err := audit.NewMessageCipher("test-secret")
	require.NoError(t, err)
	auditor := audit.NewLog(db, cipher)
	limiter := ratelimit.NewLimiter(ratelimit.NewMemoryStore(), quotas)
	return NewService(db, auditor, limiter), db
}

func seedUser(t *testing.T, db *gorm.DB, username string, userType models.UserType) *models.User {
	t.Helper()
	user := &models.User{
		Username: username,
		Email:    username + "@example.com",
		UserType: string(userType),
	}
	require.NoError(t, db.Create(user).Error)
	return user
}

func validCreateInput() CreateInput {
	return CreateInput{
		PickupPostal:    "059893",
		DropPostal:      "238801",
		ItemDescription: "paperback novel with a bookmark",
		ItemCategory:    "books",
		Item:            models.ItemAttributes{WeightKg: 0.4, Quantity: 1},
	}
}

func TestCreatePersistsAndJournals(t *testing.T) {
	svc, db := newTestService(t, nil)
	sender := seedUser(t, db, "alice", models.UserTypeSender)

	request, err := svc.Create(context.Background(), sender, validCreateInput(), audit.Actor{ActorID: sender.ID})
	require.NoError(t, err)

	assert.Equal(t, models.StatusCreated, request.Status)
	assert.Len(t, request.PickupOTP, 4)
	assert.Len(t, request.DropOTP, 4)
	assert.NotEqual(t, request.PickupOTP, request.DropOTP)
	assert.WithinDuration(t, time.Now().Add(models.RequestExpiry), request.ExpiresAt, 5*time.Second)

	var taskLog audit.TaskLog
	require.NoError(t, db.First(&taskLog, "task_id = ?", request.ID).Error)
	assert.Equal(t, sender.ID, taskLog.SenderID)
	assert.Equal(t, "paperback novel with a bookmark", taskLog.ItemDescription)
}

func TestCreateBlockedContentIsJournaled(t *testing.T) {
	svc, db := newTestService(t, nil)
	sender := seedUser(t, db, "bob", models.UserTypeSender)

	in := validCreateInput()
	in.ItemDescription = "a nice bottle of wine for a friend"

	_, err := svc.Create(context.Background(), sender, in, audit.Actor{ActorID: sender.ID})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidationRejected)

	var blocked audit.BlockedAttemptLog
	require.NoError(t, db.First(&blocked, "user_id = ?", sender.ID).Error)
	assert.Equal(t, "create_request", blocked.AttemptKind)
	assert.Contains(t, blocked.MatchedKeywords, "wine")

	var count int64
	require.NoError(t, db.Model(&models.DeliveryRequest{}).Count(&count).Error)
	assert.Zero(t, count, "blocked attempts must not create requests")
}

func TestCreateOverweightReportsEveryViolation(t *testing.T) {
	svc, db := newTestService(t, nil)
	sender := seedUser(t, db, "carol", models.UserTypeSender)

	in := validCreateInput()
	in.Item.WeightKg = 2.5
	in.Item.IsLeaking = true

	_, err := svc.Create(context.Background(), sender, in, audit.Actor{ActorID: sender.ID})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidationRejected)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Reason(), "less than 1kg")
	assert.Contains(t, verr.Reason(), "leak")
}

func TestCreateRateLimited(t *testing.T) {
	quotas := map[ratelimit.Action]ratelimit.Quota{
		ratelimit.ActionCreateRequest: {Max: 1, Window: time.Hour},
	}
	svc, db := newTestService(t, quotas)
	sender := seedUser(t, db, "dave", models.UserTypeSender)

	_, err := svc.Create(context.Background(), sender, validCreateInput(), audit.Actor{ActorID: sender.ID})
	require.NoError(t, err)

	_, err = svc.Create(context.Background(), sender, validCreateInput(), audit.Actor{ActorID: sender.ID})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRateLimited)

	var rlErr *RateLimitError
	require.ErrorAs(t, err, &rlErr)
	assert.False(t, rlErr.Decision.ResetAt.IsZero())
}

func TestRequestToDeliverQueuesAndIsIdempotent(t *testing.T) {
	svc, db := newTestService(t, nil)
	sender := seedUser(t, db, "erin", models.UserTypeSender)
	rider := seedUser(t, db, "frank", models.UserTypeHelper)

	request, err := svc.Create(context.Background(), sender, validCreateInput(), audit.Actor{ActorID: sender.ID})
	require.NoError(t, err)

	request, err = svc.RequestToDeliver(context.Background(), request.ID, rider, audit.Actor{ActorID: rider.ID})
	require.NoError(t, err)
	assert.Equal(t, models.StatusRequested, request.Status)
	assert.Equal(t, []uint{rider.ID}, request.RiderQueue)

	request, err = svc.RequestToDeliver(context.Background(), request.ID, rider, audit.Actor{ActorID: rider.ID})
	require.NoError(t, err)
	assert.Equal(t, []uint{rider.ID}, request.RiderQueue, "queueing twice must not duplicate the rider")
}

func TestQueueWriteRejectsStaleRead(t *testing.T) {
	svc, db := newTestService(t, nil)
	sender := seedUser(t, db, "tara", models.UserTypeSender)
	riderA := seedUser(t, db, "uma", models.UserTypeHelper)
	riderB := seedUser(t, db, "vik", models.UserTypeHelper)

	request, err := svc.Create(context.Background(), sender, validCreateInput(), audit.Actor{ActorID: sender.ID})
	require.NoError(t, err)

	// A second rider reads the queue before the first rider's write lands.
	staleQueue := append([]uint{}, request.RiderQueue...)

	_, err = svc.RequestToDeliver(context.Background(), request.ID, riderA, audit.Actor{ActorID: riderA.ID})
	require.NoError(t, err)

	// The write derived from the stale read must lose; it would overwrite
	// rider A's entry.
	swapped, err := svc.swapRiderQueue(context.Background(), request.ID,
		AllowedFrom(OpRequestToDeliver), staleQueue, append(staleQueue, riderB.ID), models.StatusRequested)
	require.NoError(t, err)
	assert.False(t, swapped)

	var stored models.DeliveryRequest
	require.NoError(t, db.First(&stored, request.ID).Error)
	assert.Equal(t, []uint{riderA.ID}, stored.RiderQueue)

	// The retrying entry point re-reads and lands both riders.
	updated, err := svc.RequestToDeliver(context.Background(), request.ID, riderB, audit.Actor{ActorID: riderB.ID})
	require.NoError(t, err)
	assert.Equal(t, []uint{riderA.ID, riderB.ID}, updated.RiderQueue)
}

func TestRejectKeepsConcurrentlyQueuedRider(t *testing.T) {
	svc, db := newTestService(t, nil)
	sender := seedUser(t, db, "wendy", models.UserTypeSender)
	riderA := seedUser(t, db, "xena", models.UserTypeHelper)
	riderB := seedUser(t, db, "yuri", models.UserTypeHelper)

	request, err := svc.Create(context.Background(), sender, validCreateInput(), audit.Actor{ActorID: sender.ID})
	require.NoError(t, err)
	_, err = svc.RequestToDeliver(context.Background(), request.ID, riderA, audit.Actor{ActorID: riderA.ID})
	require.NoError(t, err)

	// The sender reads the queue as [A]; rider B queues before the
	// rejection is written.
	staleQueue := []uint{riderA.ID}
	_, err = svc.RequestToDeliver(context.Background(), request.ID, riderB, audit.Actor{ActorID: riderB.ID})
	require.NoError(t, err)

	// A rejection of A derived from the stale read would erase B.
	swapped, err := svc.swapRiderQueue(context.Background(), request.ID,
		[]models.RequestStatus{models.StatusCreated, models.StatusRequested},
		staleQueue, []uint{}, models.StatusCreated)
	require.NoError(t, err)
	assert.False(t, swapped)

	updated, err := svc.Reject(context.Background(), request.ID, sender.ID, &riderA.ID, audit.Actor{ActorID: sender.ID})
	require.NoError(t, err)
	assert.Equal(t, models.StatusRequested, updated.Status)
	assert.Equal(t, []uint{riderB.ID}, updated.RiderQueue)
}

func TestSenderCannotQueueOnOwnRequest(t *testing.T) {
	svc, db := newTestService(t, nil)
	sender := seedUser(t, db, "gina", models.UserTypeBoth)

	request, err := svc.Create(context.Background(), sender, validCreateInput(), audit.Actor{ActorID: sender.ID})
	require.NoError(t, err)

	_, err = svc.RequestToDeliver(context.Background(), request.ID, sender, audit.Actor{ActorID: sender.ID})
	assert.ErrorIs(t, err, ErrNotParticipant)
}

func TestApproveAssignsRiderAndClearsQueue(t *testing.T) {
	svc, db := newTestService(t, nil)
	sender := seedUser(t, db, "harry", models.UserTypeSender)
	riderA := seedUser(t, db, "iris", models.UserTypeHelper)
	riderB := seedUser(t, db, "jack", models.UserTypeHelper)

	request, err := svc.Create(context.Background(), sender, validCreateInput(), audit.Actor{ActorID: sender.ID})
	require.NoError(t, err)
	_, err = svc.RequestToDeliver(context.Background(), request.ID, riderA, audit.Actor{ActorID: riderA.ID})
	require.NoError(t, err)
	_, err = svc.RequestToDeliver(context.Background(), request.ID, riderB, audit.Actor{ActorID: riderB.ID})
	require.NoError(t, err)

	request, err = svc.Approve(context.Background(), request.ID, sender.ID, riderA.ID, audit.Actor{ActorID: sender.ID})
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, request.Status)
	require.NotNil(t, request.CommuterID)
	assert.Equal(t, riderA.ID, *request.CommuterID)
	assert.Empty(t, request.RiderQueue)
}

func TestSecondApprovalLosesTheRace(t *testing.T) {
	svc, db := newTestService(t, nil)
	sender := seedUser(t, db, "kate", models.UserTypeSender)
	riderA := seedUser(t, db, "liam", models.UserTypeHelper)
	riderB := seedUser(t, db, "maya", models.UserTypeHelper)

	// A request already approved for rider A but with a stale queue still
	// naming both riders, as a concurrent second approval would observe it.
	request := &models.DeliveryRequest{
		SenderID:        sender.ID,
		CommuterID:      &riderA.ID,
		RiderQueue:      []uint{riderA.ID, riderB.ID},
		PickupPostal:    "059893",
		DropPostal:      "238801",
		ItemDescription: "paperback novel",
		Item:            models.ItemAttributes{WeightKg: 0.4, Quantity: 1},
		PickupOTP:       "1111",
		DropOTP:         "2222",
		Status:          models.StatusApproved,
		ExpiresAt:       time.Now().Add(time.Hour),
	}
	require.NoError(t, db.Create(request).Error)

	_, err := svc.Approve(context.Background(), request.ID, sender.ID, riderB.ID, audit.Actor{ActorID: sender.ID})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	var stored models.DeliveryRequest
	require.NoError(t, db.First(&stored, request.ID).Error)
	assert.Equal(t, riderA.ID, *stored.CommuterID, "the first approval must stand")
}

func TestApproveRequiresQueuedRider(t *testing.T) {
	svc, db := newTestService(t, nil)
	sender := seedUser(t, db, "nina", models.UserTypeSender)
	rider := seedUser(t, db, "omar", models.UserTypeHelper)

	request, err := svc.Create(context.Background(), sender, validCreateInput(), audit.Actor{ActorID: sender.ID})
	require.NoError(t, err)

	_, err = svc.Approve(context.Background(), request.ID, sender.ID, rider.ID, audit.Actor{ActorID: sender.ID})
	assert.ErrorIs(t, err, ErrRiderNotQueued)
}

func TestRejectFallsBackToCreatedWhenQueueEmpties(t *testing.T) {
	svc, db := newTestService(t, nil)
	sender := seedUser(t, db, "pam", models.UserTypeSender)
	rider := seedUser(t, db, "quinn", models.UserTypeHelper)

	request, err := svc.Create(context.Background(), sender, validCreateInput(), audit.Actor{ActorID: sender.ID})
	require.NoError(t, err)
	_, err = svc.RequestToDeliver(context.Background(), request.ID, rider, audit.Actor{ActorID: rider.ID})
	require.NoError(t, err)

	request, err = svc.Reject(context.Background(), request.ID, sender.ID, &rider.ID, audit.Actor{ActorID: sender.ID})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCreated, request.Status)
	assert.Empty(t, request.RiderQueue)
}

// approvedRequest runs the flow up to an approved rider.
func approvedRequest(t *testing.T, svc *Service, db *gorm.DB) (*models.DeliveryRequest, *models.User, *models.User) {
	t.Helper()
	sender := seedUser(t, db, "sender", models.UserTypeSender)
	rider := seedUser(t, db, "rider", models.UserTypeHelper)

	request, err := svc.Create(context.Background(), sender, validCreateInput(), audit.Actor{ActorID: sender.ID})
	require.NoError(t, err)
	_, err = svc.RequestToDeliver(context.Background(), request.ID, rider, audit.Actor{ActorID: rider.ID})
	require.NoError(t, err)
	request, err = svc.Approve(context.Background(), request.ID, sender.ID, rider.ID, audit.Actor{ActorID: sender.ID})
	require.NoError(t, err)
	return request, sender, rider
}

func TestPickupOtpFlow(t *testing.T) {
	svc, db := newTestService(t, nil)
	request, _, rider := approvedRequest(t, svc, db)

	request, err := svc.MarkArrivedAtPickup(context.Background(), request.ID, rider.ID, audit.Actor{ActorID: rider.ID})
	require.NoError(t, err)
	assert.Equal(t, models.StatusWaitingPickup, request.Status)

	request, err = svc.InitiatePickupOtp(context.Background(), request.ID, rider.ID, audit.Actor{ActorID: rider.ID})
	require.NoError(t, err)
	assert.Equal(t, models.StatusPickupOtpPending, request.Status)

	// Wrong code leaves the request unchanged and the caller may retry.
	_, err = svc.VerifyPickupOtp(context.Background(), request.ID, rider.ID, "0000", "", audit.Actor{ActorID: rider.ID})
	assert.ErrorIs(t, err, ErrOtpMismatch)

	var stored models.DeliveryRequest
	require.NoError(t, db.First(&stored, request.ID).Error)
	assert.Equal(t, models.StatusPickupOtpPending, stored.Status)

	request, err = svc.VerifyPickupOtp(context.Background(), request.ID, rider.ID, stored.PickupOTP, "https://cdn.example.com/before.jpg", audit.Actor{ActorID: rider.ID})
	require.NoError(t, err)
	assert.Equal(t, models.StatusPicked, request.Status)

	// Replaying the correct code must not re-fire the transition.
	_, err = svc.VerifyPickupOtp(context.Background(), request.ID, rider.ID, stored.PickupOTP, "", audit.Actor{ActorID: rider.ID})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	var event audit.TaskEventLog
	require.NoError(t, db.First(&event, "task_id = ? AND to_status = ?", request.ID, "picked").Error)
	assert.True(t, event.OtpVerified)
	assert.Equal(t, "https://cdn.example.com/before.jpg", event.PhotoBefore)
}

func TestDeliveryAndRatingClosesRequest(t *testing.T) {
	svc, db := newTestService(t, nil)
	request, sender, rider := approvedRequest(t, svc, db)

	_, err := svc.MarkArrivedAtPickup(context.Background(), request.ID, rider.ID, audit.Actor{ActorID: rider.ID})
	require.NoError(t, err)

	var stored models.DeliveryRequest
	require.NoError(t, db.First(&stored, request.ID).Error)

	_, err = svc.VerifyPickupOtp(context.Background(), request.ID, rider.ID, stored.PickupOTP, "", audit.Actor{ActorID: rider.ID})
	require.NoError(t, err)
	_, err = svc.StartTransit(context.Background(), request.ID, rider.ID, audit.Actor{ActorID: rider.ID})
	require.NoError(t, err)

	// Drop OTP is checked before any status change.
	_, err = svc.VerifyDropOtp(context.Background(), request.ID, rider.ID, "0000", "", audit.Actor{ActorID: rider.ID})
	assert.ErrorIs(t, err, ErrOtpMismatch)

	updated, err := svc.VerifyDropOtp(context.Background(), request.ID, rider.ID, stored.DropOTP, "https://cdn.example.com/after.jpg", audit.Actor{ActorID: rider.ID})
	require.NoError(t, err)
	assert.Equal(t, models.StatusDelivered, updated.Status)

	updated, err = svc.Rate(context.Background(), request.ID, sender.ID, 5, audit.Actor{ActorID: sender.ID})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, updated.Status)
	require.NotNil(t, updated.SenderRating)
	assert.Equal(t, 5.0, *updated.SenderRating)

	// Rating again after completion updates the stars but stays completed.
	updated, err = svc.Rate(context.Background(), request.ID, rider.ID, 4, audit.Actor{ActorID: rider.ID})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, updated.Status)
	require.NotNil(t, updated.RiderRating)
	assert.Equal(t, 4.0, *updated.RiderRating)
}

func TestCancelOnlyBeforePickup(t *testing.T) {
	svc, db := newTestService(t, nil)
	request, sender, rider := approvedRequest(t, svc, db)

	var stored models.DeliveryRequest
	require.NoError(t, db.First(&stored, request.ID).Error)
	_, err := svc.MarkArrivedAtPickup(context.Background(), request.ID, rider.ID, audit.Actor{ActorID: rider.ID})
	require.NoError(t, err)
	_, err = svc.VerifyPickupOtp(context.Background(), request.ID, rider.ID, stored.PickupOTP, "", audit.Actor{ActorID: rider.ID})
	require.NoError(t, err)

	_, err = svc.Cancel(context.Background(), request.ID, sender.ID, "changed my mind", audit.Actor{ActorID: sender.ID})
	assert.ErrorIs(t, err, ErrInvalidTransition, "a picked-up parcel cannot be cancelled")
}

func TestOnlyCommuterMayAdvance(t *testing.T) {
	svc, db := newTestService(t, nil)
	request, _, _ := approvedRequest(t, svc, db)
	stranger := seedUser(t, db, "stranger", models.UserTypeHelper)

	_, err := svc.MarkArrivedAtPickup(context.Background(), request.ID, stranger.ID, audit.Actor{ActorID: stranger.ID})
	assert.ErrorIs(t, err, ErrNotParticipant)
}

func TestTrackingRequiresCarriedParcel(t *testing.T) {
	svc, db := newTestService(t, nil)
	request, _, rider := approvedRequest(t, svc, db)

	_, err := svc.EnableTracking(context.Background(), request.ID, rider.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition, "tracking cannot start before pickup")

	var stored models.DeliveryRequest
	require.NoError(t, db.First(&stored, request.ID).Error)
	_, err = svc.MarkArrivedAtPickup(context.Background(), request.ID, rider.ID, audit.Actor{ActorID: rider.ID})
	require.NoError(t, err)
	_, err = svc.VerifyPickupOtp(context.Background(), request.ID, rider.ID, stored.PickupOTP, "", audit.Actor{ActorID: rider.ID})
	require.NoError(t, err)

	updated, err := svc.EnableTracking(context.Background(), request.ID, rider.ID)
	require.NoError(t, err)
	assert.True(t, updated.TrackingEnabled)

	updated, err = svc.RecordLocation(context.Background(), request.ID, rider.ID, 1.3521, 103.8198)
	require.NoError(t, err)
	require.NotNil(t, updated.RiderLat)
	assert.InDelta(t, 1.3521, *updated.RiderLat, 1e-9)

	updated, err = svc.DisableTracking(context.Background(), request.ID, rider.ID)
	require.NoError(t, err)
	assert.False(t, updated.TrackingEnabled)

	_, err = svc.RecordLocation(context.Background(), request.ID, rider.ID, 1.3, 103.8)
	assert.Error(t, err, "location updates are dropped while tracking is off")
}

func TestExpireSweepSkipsAdvancedRequests(t *testing.T) {
	svc, db := newTestService(t, nil)
	sender := seedUser(t, db, "rachel", models.UserTypeSender)
	rider := seedUser(t, db, "steve", models.UserTypeHelper)

	stale, err := svc.Create(context.Background(), sender, validCreateInput(), audit.Actor{ActorID: sender.ID})
	require.NoError(t, err)
	active, err := svc.Create(context.Background(), sender, validCreateInput(), audit.Actor{ActorID: sender.ID})
	require.NoError(t, err)

	past := time.Now().Add(-time.Minute)
	require.NoError(t, db.Model(&models.DeliveryRequest{}).
		Where("id IN ?", []uint{stale.ID, active.ID}).
		Update("expires_at", past).Error)

	// The active request picked up a rider before the sweep ran.
	_, err = svc.RequestToDeliver(context.Background(), active.ID, rider, audit.Actor{ActorID: rider.ID})
	require.NoError(t, err)

	expired, err := svc.ExpireSweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []uint{stale.ID}, expired)

	var storedStale, storedActive models.DeliveryRequest
	require.NoError(t, db.First(&storedStale, stale.ID).Error)
	require.NoError(t, db.First(&storedActive, active.ID).Error)
	assert.Equal(t, models.StatusExpired, storedStale.Status)
	assert.Equal(t, models.StatusRequested, storedActive.Status)
}

func TestConfirmPaymentJournals(t *testing.T) {
	svc, db := newTestService(t, nil)
	request, sender, _ := approvedRequest(t, svc, db)

	amount := 8.50
	updated, err := svc.ConfirmPayment(context.Background(), request.ID, sender.ID, &amount, audit.Actor{ActorID: sender.ID})
	require.NoError(t, err)
	assert.True(t, updated.PaymentConfirmed)

	var payment audit.PaymentLog
	require.NoError(t, db.First(&payment, "task_id = ?", request.ID).Error)
	assert.Equal(t, "paynow_qr", payment.Method)
	require.NotNil(t, payment.Amount)
	assert.Equal(t, 8.50, *payment.Amount)
}
