package models

import (
	"time"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

type UserType string

const (
	UserTypeSender UserType = "sender"
	UserTypeHelper UserType = "helper"
	UserTypeBoth   UserType = "both"
)

// Severity levels attached to auto- or manually-flagged users
const (
	FlagSeverityLow    = "low"
	FlagSeverityMedium = "medium"
	FlagSeverityHigh   = "high"
)

type User struct {
	gorm.Model
	Username     string `gorm:"column:username;unique;not null" json:"username"`
	Email        string `gorm:"column:email;unique;not null" json:"email"`
	Password     string `gorm:"-" json:"-"` // Transient, hashed before persistence
	PasswordHash string `gorm:"column:password_hash;not null" json:"-"`
	PhoneNumber  string `gorm:"column:phone_number" json:"phoneNumber"`
	UserType     string `gorm:"column:user_type;not null;default:'sender'" json:"userType"`
	IsVerified   bool   `gorm:"column:is_verified;not null;default:false" json:"isVerified"`
	IsAdmin      bool   `gorm:"column:is_admin;not null;default:false" json:"-"`

	// Derived stats, recomputed from completed requests (never incremented in place)
	Rating          float64 `gorm:"column:rating;not null;default:0" json:"rating"`
	TotalDeliveries int     `gorm:"column:total_deliveries;not null;default:0" json:"totalDeliveries"`

	// Soft-ban state. BannedUntil in the past means the ban has lapsed.
	IsBanned    bool       `gorm:"column:is_banned;not null;default:false" json:"isBanned"`
	BannedUntil *time.Time `gorm:"column:banned_until" json:"bannedUntil,omitempty"`

	FlagReason   string `gorm:"column:flag_reason" json:"flagReason,omitempty"`
	FlagSeverity string `gorm:"column:flag_severity" json:"flagSeverity,omitempty"`

	NotificationsEnabled bool   `gorm:"column:notifications_enabled;not null;default:true" json:"notificationsEnabled"`
	FCMToken             string `gorm:"column:fcm_token" json:"-"`
}

// TableName specifies the table name
func (User) TableName() string {
	return "users"
}

func (u *User) HashPassword() error {
	if u.Password == "" {
		return nil
	}
	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(u.Password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	u.PasswordHash = string(hashedPassword)
	return nil
}

func (u *User) CheckPassword(password string) error {
	return bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password))
}

// BanActive reports whether the user is currently under a soft ban.
func (u *User) BanActive(now time.Time) bool {
	return u.IsBanned && u.BannedUntil != nil && now.Before(*u.BannedUntil)
}

// CanSend reports whether the user may act as a sender.
func (u *User) CanSend() bool {
	return u.UserType == string(UserTypeSender) || u.UserType == string(UserTypeBoth)
}

// CanDeliver reports whether the user may act as a helper.
func (u *User) CanDeliver() bool {
	return u.UserType == string(UserTypeHelper) || u.UserType == string(UserTypeBoth)
}
