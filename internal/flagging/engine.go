// Package flagging scores users on behavioral signals and enforces a
// temporary restriction when the combined score crosses the threshold.
// Scoring is read-only and safe to run from the periodic sweep; only
// AutoFlagUser mutates anything.
package flagging

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/carryon-app/carryon-backend/internal/audit"
	"github.com/carryon-app/carryon-backend/internal/models"
	"github.com/carryon-app/carryon-backend/pkg/utils"
)

const (
	// FlagThreshold is the combined score at which enforcement fires.
	FlagThreshold = 3

	// BanDuration is the length of the soft ban applied on enforcement.
	BanDuration = 12 * time.Hour

	// DailyCreationLimit is the per-day creation count that trips the
	// frequency signal.
	DailyCreationLimit = 5

	// AcceptanceFloor is the minimum accepted-delivery count before the
	// completion-rate signal is considered at all.
	AcceptanceFloor = 3
)

// Banner propagates a soft ban to the shared fast path (Redis). The
// database row stays authoritative; Banner is a cache write.
type Banner interface {
	SetUserBan(ctx context.Context, userID uint, until time.Time) error
}

// NopBanner is used when no shared cache is configured.
type NopBanner struct{}

func (NopBanner) SetUserBan(context.Context, uint, time.Time) error { return nil }

// Signal is one contributing behavioral flag with its score share.
type Signal struct {
	Name  string `json:"name"`
	Score int    `json:"score"`
}

// Evaluation is the result of scoring one user.
type Evaluation struct {
	UserID  uint     `json:"userId"`
	Score   int      `json:"score"`
	Signals []Signal `json:"signals"`
}

// FlagNames joins the signal names for storage on the user row.
func (e Evaluation) FlagNames() string {
	names := make([]string, len(e.Signals))
	for i, s := range e.Signals {
		names[i] = s.Name
	}
	return strings.Join(names, ",")
}

// Severity buckets the score for the user row and incident record.
func (e Evaluation) Severity() string {
	switch {
	case e.Score >= 6:
		return models.FlagSeverityHigh
	case e.Score >= FlagThreshold:
		return models.FlagSeverityMedium
	default:
		return models.FlagSeverityLow
	}
}

// Engine evaluates and enforces behavioral flags.
type Engine struct {
	db      *gorm.DB
	auditor *audit.Log
	banner  Banner
}

// NewEngine wires the flagging engine. banner may be nil.
func NewEngine(db *gorm.DB, auditor *audit.Log, banner Banner) *Engine {
	if banner == nil {
		banner = NopBanner{}
	}
	return &Engine{db: db, auditor: auditor, banner: banner}
}

// CalculateUserFlagScore evaluates all behavioral signals for one user.
// Signals are additive and independent; a missing signal contributes
// zero rather than blocking evaluation.
func (e *Engine) CalculateUserFlagScore(ctx context.Context, userID uint, now time.Time) (Evaluation, error) {
	eval := Evaluation{UserID: userID, Signals: []Signal{}}

	// Creation frequency over the current local day.
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	var createdToday int64
	err := e.db.WithContext(ctx).Model(&models.DeliveryRequest{}).
		Where("sender_id = ? AND created_at >= ?", userID, midnight).
		Count(&createdToday).Error
	if err != nil {
		return eval, err
	}
	if createdToday >= DailyCreationLimit {
		eval.Signals = append(eval.Signals, Signal{Name: "high_task_frequency", Score: 2})
	}

	// Riders who accept deliveries but never finish any. Only requests
	// still in flight count as accepted; cancelled, expired and rejected
	// assignments say nothing about the rider's follow-through.
	terminal := make([]string, len(models.TerminalStatuses))
	for i, s := range models.TerminalStatuses {
		terminal[i] = string(s)
	}
	var accepted, completed int64
	err = e.db.WithContext(ctx).Model(&models.DeliveryRequest{}).
		Where("commuter_id = ? AND status NOT IN ?", userID, terminal).
		Count(&accepted).Error
	if err != nil {
		return eval, err
	}
	err = e.db.WithContext(ctx).Model(&models.DeliveryRequest{}).
		Where("commuter_id = ? AND status = ?", userID, string(models.StatusCompleted)).
		Count(&completed).Error
	if err != nil {
		return eval, err
	}
	if accepted >= AcceptanceFloor && completed == 0 {
		eval.Signals = append(eval.Signals, Signal{Name: "low_completion_rate", Score: 2})
	}

	// Blocked creation and chat attempts scale linearly once past three.
	blocked, err := e.auditor.CountBlockedAttempts(userID)
	if err != nil {
		return eval, err
	}
	if blocked >= 3 {
		eval.Signals = append(eval.Signals, Signal{Name: "excessive_blocked_attempts", Score: int(blocked)})
	}

	// Confirmed incident reports weigh double.
	var confirmed int64
	err = e.db.WithContext(ctx).Model(&models.IncidentRecord{}).
		Where("reported_user_id = ? AND status = ?", userID, models.IncidentConfirmed).
		Count(&confirmed).Error
	if err != nil {
		return eval, err
	}
	if confirmed > 0 {
		eval.Signals = append(eval.Signals, Signal{Name: "confirmed_incidents", Score: int(confirmed) * 2})
	}

	for _, s := range eval.Signals {
		eval.Score += s.Score
	}
	return eval, nil
}

// ShouldAutoFlag reports whether the score crosses the enforcement threshold.
func ShouldAutoFlag(eval Evaluation) bool {
	return eval.Score >= FlagThreshold
}

// enforcementCancellable are the states enforcement may cancel. A parcel
// already in a rider's hands is never touched; it must finish its run.
var enforcementCancellable = []models.RequestStatus{
	models.StatusCreated, models.StatusRequested,
	models.StatusApproved, models.StatusWaitingPickup,
}

// AutoFlagUser applies enforcement: a soft ban, cancellation of the
// user's pre-pickup requests, an audit summary, and finally the incident
// record for admin review. The incident is written last so its presence
// implies the rest of the enforcement already happened.
func (e *Engine) AutoFlagUser(ctx context.Context, user *models.User, eval Evaluation) error {
	now := time.Now()
	until := now.Add(BanDuration)

	if err := e.banner.SetUserBan(ctx, user.ID, until); err != nil {
		// The database ban below still holds; the cache write is best effort.
		log.Printf("failed to propagate ban for user %d: %v", user.ID, err)
	}

	err := e.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", user.ID).
		Updates(map[string]interface{}{
			"is_banned":     true,
			"banned_until":  until,
			"flag_reason":   eval.FlagNames(),
			"flag_severity": eval.Severity(),
		}).Error
	if err != nil {
		return err
	}

	cancelled, err := e.cancelOpenRequests(ctx, user.ID)
	if err != nil {
		return err
	}

	if err := utils.SendAccountRestrictedEmail(user.Email, eval.FlagNames(), int(BanDuration.Hours())); err != nil {
		log.Printf("restriction email failed for user %d: %v", user.ID, err)
	}

	summary := &audit.BlockedAttemptLog{
		UserID:      user.ID,
		AttemptKind: "auto_flag",
		Reason:      fmt.Sprintf("auto-flag enforcement: score %d (%s), %d requests cancelled", eval.Score, eval.FlagNames(), len(cancelled)),
	}
	summary.Actor = audit.Actor{ActorID: user.ID}
	if err := e.auditor.AppendBlockedAttempt(summary); err != nil {
		return err
	}

	actions := []string{
		fmt.Sprintf("soft_ban_until:%s", until.UTC().Format(time.RFC3339)),
	}
	for _, id := range cancelled {
		actions = append(actions, fmt.Sprintf("cancelled_request:%d", id))
	}
	incident := &models.IncidentRecord{
		ReportedUserID: user.ID,
		Source:         models.IncidentSourceAutoFlag,
		Reason:         eval.FlagNames(),
		Severity:       eval.Severity(),
		Status:         models.IncidentPendingReview,
		ActionsTaken:   actions,
	}
	return e.db.WithContext(ctx).Create(incident).Error
}

// cancelOpenRequests cancels every pre-pickup request the user is party
// to, one guarded update per row so in-flight transitions win their race.
func (e *Engine) cancelOpenRequests(ctx context.Context, userID uint) ([]uint, error) {
	statuses := make([]string, len(enforcementCancellable))
	for i, s := range enforcementCancellable {
		statuses[i] = string(s)
	}

	var candidates []models.DeliveryRequest
	err := e.db.WithContext(ctx).
		Where("(sender_id = ? OR commuter_id = ?) AND status IN ?", userID, userID, statuses).
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}

	var cancelled []uint
	for _, request := range candidates {
		result := e.db.WithContext(ctx).Model(&models.DeliveryRequest{}).
			Where("id = ? AND status IN ?", request.ID, statuses).
			Updates(map[string]interface{}{
				"status":              string(models.StatusCancelled),
				"cancellation_reason": "cancelled by safety enforcement",
			})
		if result.Error != nil {
			return cancelled, result.Error
		}
		if result.RowsAffected == 0 {
			continue
		}
		event := &audit.TaskEventLog{
			TaskID:     request.ID,
			FromStatus: string(request.Status),
			ToStatus:   string(models.StatusCancelled),
			Note:       "cancelled by safety enforcement",
		}
		event.Actor = audit.Actor{ActorID: userID}
		if err := e.auditor.AppendTaskEvent(event); err != nil {
			return cancelled, err
		}
		cancelled = append(cancelled, request.ID)
	}
	return cancelled, nil
}

// Sweep evaluates every user not currently banned and enforces where the
// threshold is crossed. Called from the periodic background job.
func (e *Engine) Sweep(ctx context.Context) error {
	var users []models.User
	if err := e.db.WithContext(ctx).Where("is_banned = ?", false).Find(&users).Error; err != nil {
		return err
	}

	now := time.Now()
	for i := range users {
		eval, err := e.CalculateUserFlagScore(ctx, users[i].ID, now)
		if err != nil {
			log.Printf("flag scoring failed for user %d: %v", users[i].ID, err)
			continue
		}
		if !ShouldAutoFlag(eval) {
			continue
		}
		log.Printf("auto-flagging user %d with score %d (%s)", users[i].ID, eval.Score, eval.FlagNames())
		if err := e.AutoFlagUser(ctx, &users[i], eval); err != nil {
			log.Printf("auto-flag enforcement failed for user %d: %v", users[i].ID, err)
		}
	}
	return nil
}
