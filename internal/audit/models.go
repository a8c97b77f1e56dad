// Package audit is the write-once journal of every safety-relevant event.
// Records are hash-stamped at append time and no update or delete path
// exists for any of its tables. Each entry carries a denormalized snapshot
// of the fields that mattered at the time, so later edits to the source
// entities cannot rewrite history.
package audit

import (
	"time"

	"gorm.io/gorm"
)

// Actor is the metadata captured about whoever triggered an entry.
type Actor struct {
	ActorID           uint   `gorm:"column:actor_id" json:"actorId"`
	DeviceFingerprint string `gorm:"column:device_fingerprint" json:"deviceFingerprint,omitempty"`
	IPAddress         string `gorm:"column:ip_address" json:"ipAddress,omitempty"`
}

// EntryBase is shared by every log table. The gorm.Model fields are
// excluded from the JSON form so the hash covers only the payload and the
// server-assigned log id and timestamp.
type EntryBase struct {
	gorm.Model    `json:"-"`
	LogID         string    `gorm:"column:log_id;uniqueIndex;not null" json:"logId"`
	Timestamp     time.Time `gorm:"column:timestamp;not null;index" json:"timestamp"`
	HashSignature string    `gorm:"column:hash_signature;not null" json:"hashSignature"`
	Actor         `gorm:"embedded"`
}

// TaskLog is the full snapshot written when a request is created.
type TaskLog struct {
	EntryBase
	TaskID          uint    `gorm:"column:task_id;index" json:"taskId"`
	SenderID        uint    `gorm:"column:sender_id;index" json:"senderId"`
	ItemDescription string  `gorm:"column:item_description" json:"itemDescription"`
	ItemCategory    string  `gorm:"column:item_category" json:"itemCategory"`
	WeightKg        float64 `gorm:"column:weight_kg" json:"weightKg"`
	Quantity        int     `gorm:"column:quantity" json:"quantity"`
	PickupPostal    string  `gorm:"column:pickup_postal" json:"pickupPostal"`
	PickupDetail    string  `gorm:"column:pickup_detail" json:"pickupDetail,omitempty"`
	DropPostal      string  `gorm:"column:drop_postal" json:"dropPostal"`
	DropDetail      string  `gorm:"column:drop_detail" json:"dropDetail,omitempty"`
	ContentReason   string  `gorm:"column:content_reason" json:"contentReason,omitempty"`
	PhysicalReason  string  `gorm:"column:physical_reason" json:"physicalReason,omitempty"`
}

func (TaskLog) TableName() string { return "audit_task_logs" }

// TaskEventLog records one lifecycle transition.
type TaskEventLog struct {
	EntryBase
	TaskID      uint   `gorm:"column:task_id;index" json:"taskId"`
	FromStatus  string `gorm:"column:from_status" json:"fromStatus"`
	ToStatus    string `gorm:"column:to_status" json:"toStatus"`
	OtpVerified bool   `gorm:"column:otp_verified" json:"otpVerified"`
	PhotoBefore string `gorm:"column:photo_before" json:"photoBefore,omitempty"`
	PhotoAfter  string `gorm:"column:photo_after" json:"photoAfter,omitempty"`
	Note        string `gorm:"column:note" json:"note,omitempty"`
}

func (TaskEventLog) TableName() string { return "audit_task_events" }

// ChatLog stores a chat message encrypted at rest. The plaintext length
// and filtered flag are retained; the filtering method never is.
type ChatLog struct {
	EntryBase
	TaskID          uint   `gorm:"column:task_id;index" json:"taskId"`
	SenderID        uint   `gorm:"column:sender_id;index" json:"senderId"`
	RecipientID     uint   `gorm:"column:recipient_id;index" json:"recipientId"`
	EncryptedBody   string `gorm:"column:encrypted_body;not null" json:"encryptedBody"`
	PlaintextLength int    `gorm:"column:plaintext_length" json:"plaintextLength"`
	Filtered        bool   `gorm:"column:filtered" json:"filtered"`
}

func (ChatLog) TableName() string { return "audit_chat_logs" }

// PaymentLog records a user-asserted payment confirmation. No money moves
// through the platform; the method is always the out-of-band QR transfer.
type PaymentLog struct {
	EntryBase
	TaskID uint     `gorm:"column:task_id;index" json:"taskId"`
	Method string   `gorm:"column:method;not null" json:"method"`
	Amount *float64 `gorm:"column:amount" json:"amount,omitempty"`
}

func (PaymentLog) TableName() string { return "audit_payment_confirmations" }

// BlockedAttemptLog records a creation or message attempt rejected by
// content or physical validation, with the matched terms, explicitly so
// the flagging engine can mine them later.
type BlockedAttemptLog struct {
	EntryBase
	UserID          uint     `gorm:"column:user_id;index" json:"userId"`
	AttemptKind     string   `gorm:"column:attempt_kind;not null" json:"attemptKind"` // create_request, chat_message, auto_flag
	ItemDescription string   `gorm:"column:item_description" json:"itemDescription,omitempty"`
	ItemCategory    string   `gorm:"column:item_category" json:"itemCategory,omitempty"`
	WeightKg        float64  `gorm:"column:weight_kg" json:"weightKg,omitempty"`
	PickupPostal    string   `gorm:"column:pickup_postal" json:"pickupPostal,omitempty"`
	DropPostal      string   `gorm:"column:drop_postal" json:"dropPostal,omitempty"`
	Reason          string   `gorm:"column:reason;not null" json:"reason"`
	MatchedKeywords []string `gorm:"column:matched_keywords;serializer:json" json:"matchedKeywords"`
}

func (BlockedAttemptLog) TableName() string { return "audit_blocked_attempts" }
