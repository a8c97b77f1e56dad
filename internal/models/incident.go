package models

import "gorm.io/gorm"

// IncidentStatus values for review workflow
const (
	IncidentPendingReview = "pending_review"
	IncidentConfirmed     = "confirmed"
	IncidentDismissed     = "dismissed"
)

// Incident sources
const (
	IncidentSourceAutoFlag = "auto_flagged"
	IncidentSourceReport   = "user_report"
)

// IncidentRecord is created either by the auto-flagging engine or by a
// manual user report, and reviewed by an admin.
type IncidentRecord struct {
	gorm.Model
	ReportedUserID uint   `gorm:"column:reported_user_id;not null;index" json:"reportedUserId"`
	ReporterID     *uint  `gorm:"column:reporter_id" json:"reporterId,omitempty"` // nil for auto-flags
	Source         string `gorm:"column:source;not null" json:"source"`
	Reason         string `gorm:"column:reason;not null" json:"reason"`
	Severity       string `gorm:"column:severity;not null" json:"severity"`
	Status         string `gorm:"column:status;not null;default:'pending_review'" json:"status"`

	// Enforcement actions already taken, e.g. cancelled request ids.
	ActionsTaken []string `gorm:"column:actions_taken;serializer:json" json:"actionsTaken"`

	ReportedUser *User `gorm:"foreignKey:ReportedUserID" json:"reportedUser,omitempty"`
}

// TableName specifies the table name
func (IncidentRecord) TableName() string {
	return "incident_records"
}
