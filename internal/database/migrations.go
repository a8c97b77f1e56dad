package database

import (
	"gorm.io/gorm"

	"github.com/carryon-app/carryon-backend/internal/audit"
	"github.com/carryon-app/carryon-backend/internal/models"
)

func RunMigrations(db *gorm.DB) error {
	// Create tables if they don't exist
	err := db.AutoMigrate(
		&models.User{},
		&models.DeliveryRequest{},
		&models.IncidentRecord{},
		&models.OTP{},
		&audit.TaskLog{},
		&audit.TaskEventLog{},
		&audit.ChatLog{},
		&audit.PaymentLog{},
		&audit.BlockedAttemptLog{},
	)
	if err != nil {
		return err
	}

	// Update users table for deployments created before the safety columns
	if db.Migrator().HasTable(&models.User{}) {
		columns := []string{
			"ADD COLUMN IF NOT EXISTS is_banned boolean DEFAULT false",
			"ADD COLUMN IF NOT EXISTS banned_until timestamptz",
			"ADD COLUMN IF NOT EXISTS flag_reason text DEFAULT ''",
			"ADD COLUMN IF NOT EXISTS flag_severity text DEFAULT ''",
			"ADD COLUMN IF NOT EXISTS user_type text DEFAULT 'sender'",
		}

		for _, column := range columns {
			if err := db.Exec("ALTER TABLE users " + column).Error; err != nil {
				return err
			}
		}

		// Update constraint
		db.Exec(`ALTER TABLE users DROP CONSTRAINT IF EXISTS users_user_type_check`)
		db.Exec(`ALTER TABLE users ADD CONSTRAINT users_user_type_check CHECK (user_type IN ('sender', 'helper', 'both'))`)
	}

	if db.Migrator().HasTable(&models.DeliveryRequest{}) {
		columns := []string{
			"ADD COLUMN IF NOT EXISTS tracking_enabled boolean DEFAULT false",
			"ADD COLUMN IF NOT EXISTS payment_confirmed boolean DEFAULT false",
			"ADD COLUMN IF NOT EXISTS cancellation_reason text DEFAULT ''",
		}

		for _, column := range columns {
			if err := db.Exec("ALTER TABLE delivery_requests " + column).Error; err != nil {
				return err
			}
		}

		db.Exec(`ALTER TABLE delivery_requests DROP CONSTRAINT IF EXISTS delivery_requests_status_check`)
		db.Exec(`ALTER TABLE delivery_requests ADD CONSTRAINT delivery_requests_status_check CHECK (status IN (
			'created', 'requested', 'approved', 'waiting_pickup', 'pickup_otp_pending',
			'picked', 'in_transit', 'delivered', 'completed', 'cancelled', 'expired', 'rejected'
		))`)
	}

	return nil
}
