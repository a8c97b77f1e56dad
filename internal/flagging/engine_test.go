package flagging

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/carryon-app/carryon-backend/internal/audit"
	"github.com/carryon-app/carryon-backend/internal/models"
)

type recordingBanner struct {
	userID uint
	until  time.Time
}

func (b *recordingBanner) SetUserBan(_ context.Context, userID uint, until time.Time) error {
	b.userID = userID
	b.until = until
	return nil
}

func newTestEngine(t *testing.T) (*Engine, *gorm.DB, *audit.Log, *recordingBanner) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.User{}, &models.DeliveryRequest{}, &models.IncidentRecord{},
		&audit.TaskLog{}, &audit.TaskEventLog{}, &audit.BlockedAttemptLog{},
	))
	auditor := audit.NewLog(db, nil)
	banner := &recordingBanner{}
	return NewEngine(db, auditor, banner), db, auditor, banner
}

func seedUser(t *testing.T, db *gorm.DB, username string) *models.User {
	t.Helper()
	user := &models.User{
		Username: username,
		Email:    username + "@example.com",
		UserType: string(models.UserTypeBoth),
	}
	require.NoError(t, db.Create(user).Error)
	return user
}

func seedRequest(t *testing.T, db *gorm.DB, senderID uint, commuterID *uint, status models.RequestStatus) *models.DeliveryRequest {
	t.Helper()
	request := &models.DeliveryRequest{
		SenderID:        senderID,
		CommuterID:      commuterID,
		RiderQueue:      []uint{},
		PickupPostal:    "059893",
		DropPostal:      "238801",
		ItemDescription: "paperback novel",
		Item:            models.ItemAttributes{WeightKg: 0.4, Quantity: 1},
		PickupOTP:       "1111",
		DropOTP:         "2222",
		Status:          status,
		ExpiresAt:       time.Now().Add(time.Hour),
	}
	require.NoError(t, db.Create(request).Error)
	return request
}

func TestHighFrequencyAloneStaysBelowThreshold(t *testing.T) {
	engine, db, _, _ := newTestEngine(t)
	user := seedUser(t, db, "alice")

	for i := 0; i < 5; i++ {
		seedRequest(t, db, user.ID, nil, models.StatusCreated)
	}

	eval, err := engine.CalculateUserFlagScore(context.Background(), user.ID, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, eval.Score)
	assert.False(t, ShouldAutoFlag(eval), "frequency alone must not trip enforcement")
}

func TestBlockedAttemptsCrossThreshold(t *testing.T) {
	engine, db, auditor, _ := newTestEngine(t)
	user := seedUser(t, db, "bob")

	for i := 0; i < 3; i++ {
		require.NoError(t, auditor.AppendBlockedAttempt(&audit.BlockedAttemptLog{
			UserID:      user.ID,
			AttemptKind: "create_request",
			Reason:      "restricted item: wine",
		}))
	}

	eval, err := engine.CalculateUserFlagScore(context.Background(), user.ID, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 3, eval.Score)
	assert.True(t, ShouldAutoFlag(eval))
	assert.Equal(t, "excessive_blocked_attempts", eval.Signals[0].Name)
}

func TestLowCompletionRateSignal(t *testing.T) {
	engine, db, _, _ := newTestEngine(t)
	sender := seedUser(t, db, "carol")
	rider := seedUser(t, db, "dave")

	for i := 0; i < 3; i++ {
		seedRequest(t, db, sender.ID, &rider.ID, models.StatusApproved)
	}

	eval, err := engine.CalculateUserFlagScore(context.Background(), rider.ID, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, eval.Score)

	// One completed delivery clears the signal entirely.
	seedRequest(t, db, sender.ID, &rider.ID, models.StatusCompleted)
	eval, err = engine.CalculateUserFlagScore(context.Background(), rider.ID, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, eval.Score)
}

func TestCompletionRateIgnoresTerminalAssignments(t *testing.T) {
	engine, db, _, _ := newTestEngine(t)
	sender := seedUser(t, db, "nina")
	rider := seedUser(t, db, "omar")

	// Cancelled, expired and rejected assignments are not held against
	// the rider; only in-flight acceptances feed the completion signal.
	for i := 0; i < 3; i++ {
		seedRequest(t, db, sender.ID, &rider.ID, models.StatusCancelled)
	}

	eval, err := engine.CalculateUserFlagScore(context.Background(), rider.ID, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, eval.Score)
	for _, s := range eval.Signals {
		assert.NotEqual(t, "low_completion_rate", s.Name)
	}
}

func TestConfirmedIncidentsWeighDouble(t *testing.T) {
	engine, db, _, _ := newTestEngine(t)
	user := seedUser(t, db, "erin")

	for i := 0; i < 2; i++ {
		require.NoError(t, db.Create(&models.IncidentRecord{
			ReportedUserID: user.ID,
			Source:         models.IncidentSourceReport,
			Reason:         "unsafe handoff",
			Severity:       models.FlagSeverityMedium,
			Status:         models.IncidentConfirmed,
			ActionsTaken:   []string{},
		}).Error)
	}
	// A pending report contributes nothing.
	require.NoError(t, db.Create(&models.IncidentRecord{
		ReportedUserID: user.ID,
		Source:         models.IncidentSourceReport,
		Reason:         "rude",
		Severity:       models.FlagSeverityLow,
		Status:         models.IncidentPendingReview,
		ActionsTaken:   []string{},
	}).Error)

	eval, err := engine.CalculateUserFlagScore(context.Background(), user.ID, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 4, eval.Score)
	assert.True(t, ShouldAutoFlag(eval))
}

func TestAutoFlagUserEnforcement(t *testing.T) {
	engine, db, _, banner := newTestEngine(t)
	user := seedUser(t, db, "frank")
	other := seedUser(t, db, "gina")

	open := seedRequest(t, db, user.ID, nil, models.StatusCreated)
	queued := seedRequest(t, db, user.ID, nil, models.StatusRequested)
	carrying := seedRequest(t, db, other.ID, &user.ID, models.StatusInTransit)
	done := seedRequest(t, db, user.ID, nil, models.StatusCompleted)

	eval := Evaluation{
		UserID: user.ID,
		Score:  4,
		Signals: []Signal{
			{Name: "excessive_blocked_attempts", Score: 4},
		},
	}
	require.NoError(t, engine.AutoFlagUser(context.Background(), user, eval))

	// Ban propagated to the cache and persisted on the row.
	assert.Equal(t, user.ID, banner.userID)
	var stored models.User
	require.NoError(t, db.First(&stored, user.ID).Error)
	assert.True(t, stored.IsBanned)
	require.NotNil(t, stored.BannedUntil)
	assert.WithinDuration(t, time.Now().Add(BanDuration), *stored.BannedUntil, 5*time.Second)
	assert.Equal(t, "excessive_blocked_attempts", stored.FlagReason)
	assert.Equal(t, models.FlagSeverityMedium, stored.FlagSeverity)

	// Pre-pickup requests cancelled, in-flight and terminal ones untouched.
	statusOf := func(id uint) models.RequestStatus {
		var r models.DeliveryRequest
		require.NoError(t, db.First(&r, id).Error)
		return r.Status
	}
	assert.Equal(t, models.StatusCancelled, statusOf(open.ID))
	assert.Equal(t, models.StatusCancelled, statusOf(queued.ID))
	assert.Equal(t, models.StatusInTransit, statusOf(carrying.ID))
	assert.Equal(t, models.StatusCompleted, statusOf(done.ID))

	// Every enforcement cancellation leaves a task-event entry.
	var events []audit.TaskEventLog
	require.NoError(t, db.Where("to_status = ?", string(models.StatusCancelled)).Find(&events).Error)
	require.Len(t, events, 2)
	byTask := map[uint]audit.TaskEventLog{}
	for _, ev := range events {
		byTask[ev.TaskID] = ev
	}
	assert.Equal(t, string(models.StatusCreated), byTask[open.ID].FromStatus)
	assert.Equal(t, string(models.StatusRequested), byTask[queued.ID].FromStatus)
	assert.Equal(t, "cancelled by safety enforcement", byTask[open.ID].Note)
	assert.Equal(t, user.ID, byTask[open.ID].ActorID)

	// Audit summary written and excluded from the blocked-attempt count.
	var summary audit.BlockedAttemptLog
	require.NoError(t, db.First(&summary, "user_id = ? AND attempt_kind = ?", user.ID, "auto_flag").Error)
	assert.Contains(t, summary.Reason, "score 4")

	// Incident record written last for admin review.
	var incident models.IncidentRecord
	require.NoError(t, db.First(&incident, "reported_user_id = ?", user.ID).Error)
	assert.Equal(t, models.IncidentSourceAutoFlag, incident.Source)
	assert.Equal(t, models.IncidentPendingReview, incident.Status)
	assert.Nil(t, incident.ReporterID)
	assert.Contains(t, incident.ActionsTaken, fmt.Sprintf("cancelled_request:%d", open.ID))
}

func TestSweepFlagsOnlyOverThreshold(t *testing.T) {
	engine, db, auditor, _ := newTestEngine(t)
	clean := seedUser(t, db, "harry")
	noisy := seedUser(t, db, "iris")

	for i := 0; i < 4; i++ {
		require.NoError(t, auditor.AppendBlockedAttempt(&audit.BlockedAttemptLog{
			UserID:      noisy.ID,
			AttemptKind: "create_request",
			Reason:      "restricted item: vape",
		}))
	}

	require.NoError(t, engine.Sweep(context.Background()))

	var storedClean, storedNoisy models.User
	require.NoError(t, db.First(&storedClean, clean.ID).Error)
	require.NoError(t, db.First(&storedNoisy, noisy.ID).Error)
	assert.False(t, storedClean.IsBanned)
	assert.True(t, storedNoisy.IsBanned)
}
