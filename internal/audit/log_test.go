package audit

import (
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func testLog(t *testing.T) *Log {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&TaskLog{}, &TaskEventLog{}, &ChatLog{}, &PaymentLog{}, &BlockedAttemptLog{},
	))
	cipher, err := NewMessageCipher("test-secret")
	require.NoError(t, err)
	return NewLog(db, cipher)
}

func TestMigrationCreatesSharedEntryColumns(t *testing.T) {
	log := testLog(t)

	migrator := log.db.Migrator()
	for _, table := range []interface{}{
		&TaskLog{}, &TaskEventLog{}, &ChatLog{}, &PaymentLog{}, &BlockedAttemptLog{},
	} {
		for _, column := range []string{"log_id", "timestamp", "hash_signature", "actor_id"} {
			assert.True(t, migrator.HasColumn(table, column),
				"%T must carry column %s", table, column)
		}
	}
}

func TestAppendTaskCreatedStampsAndSigns(t *testing.T) {
	log := testLog(t)

	entry := &TaskLog{
		TaskID:          1,
		SenderID:        10,
		ItemDescription: "paperback novel",
		WeightKg:        0.4,
		Quantity:        1,
		PickupPostal:    "059893",
		DropPostal:      "238801",
	}
	entry.Actor = Actor{ActorID: 10, IPAddress: "203.0.113.7"}
	require.NoError(t, log.AppendTaskCreated(entry))

	assert.NotEmpty(t, entry.LogID)
	assert.False(t, entry.Timestamp.IsZero())
	assert.NotEmpty(t, entry.HashSignature)

	var stored TaskLog
	require.NoError(t, log.db.First(&stored, "log_id = ?", entry.LogID).Error)

	ok, err := Verify(&stored, stored.HashSignature)
	require.NoError(t, err)
	assert.True(t, ok, "re-serializing and hashing must reproduce hashSignature")
}

func TestSignatureDetectsTampering(t *testing.T) {
	log := testLog(t)

	entry := &TaskEventLog{TaskID: 3, FromStatus: "created", ToStatus: "requested"}
	require.NoError(t, log.AppendTaskEvent(entry))

	var stored TaskEventLog
	require.NoError(t, log.db.First(&stored, "log_id = ?", entry.LogID).Error)

	stored.ToStatus = "approved"
	ok, err := Verify(&stored, stored.HashSignature)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAppendChatMessageEncryptsAtRest(t *testing.T) {
	log := testLog(t)

	plaintext := "meet at the control station at 6"
	entry := &ChatLog{TaskID: 5, SenderID: 1, RecipientID: 2, Filtered: false}
	require.NoError(t, log.AppendChatMessage(entry, plaintext))

	var stored ChatLog
	require.NoError(t, log.db.First(&stored, "log_id = ?", entry.LogID).Error)

	assert.NotContains(t, stored.EncryptedBody, "control station")
	assert.Equal(t, len(plaintext), stored.PlaintextLength)

	body, err := log.cipher.Decrypt(stored.EncryptedBody)
	require.NoError(t, err)
	assert.Equal(t, plaintext, body)

	ok, err := Verify(&stored, stored.HashSignature)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAppendPaymentConfirmationDefaultsMethod(t *testing.T) {
	log := testLog(t)

	entry := &PaymentLog{TaskID: 8}
	require.NoError(t, log.AppendPaymentConfirmation(entry))
	assert.Equal(t, "paynow_qr", entry.Method)
}

func TestCountBlockedAttemptsExcludesAutoFlagSummaries(t *testing.T) {
	log := testLog(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, log.AppendBlockedAttempt(&BlockedAttemptLog{
			UserID:      7,
			AttemptKind: "create_request",
			Reason:      "restricted item: wine",
		}))
	}
	require.NoError(t, log.AppendBlockedAttempt(&BlockedAttemptLog{
		UserID:      7,
		AttemptKind: "auto_flag",
		Reason:      "auto-flag enforcement",
	}))

	count, err := log.CountBlockedAttempts(7)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}

func TestExportFiltersAndDecrypts(t *testing.T) {
	log := testLog(t)

	require.NoError(t, log.AppendTaskCreated(&TaskLog{TaskID: 1, SenderID: 10}))
	require.NoError(t, log.AppendTaskCreated(&TaskLog{TaskID: 2, SenderID: 11}))
	require.NoError(t, log.AppendTaskEvent(&TaskEventLog{TaskID: 1, FromStatus: "created", ToStatus: "requested"}))
	require.NoError(t, log.AppendChatMessage(&ChatLog{TaskID: 1, SenderID: 10, RecipientID: 11}, "see you at raffles place"))

	export, err := log.Export(99, ExportFilter{TaskID: 1})
	require.NoError(t, err)

	assert.Equal(t, uint(99), export.ExportedBy)
	require.Len(t, export.TaskLogs, 1)
	assert.Equal(t, uint(1), export.TaskLogs[0].TaskID)
	require.Len(t, export.TaskEvents, 1)
	require.Len(t, export.ChatLogs, 1)
	assert.Equal(t, "see you at raffles place", export.ChatLogs[0].Body)
}

func TestExportDateRangeFilter(t *testing.T) {
	log := testLog(t)

	require.NoError(t, log.AppendTaskCreated(&TaskLog{TaskID: 1, SenderID: 10}))

	past := time.Now().Add(-time.Hour)
	export, err := log.Export(99, ExportFilter{To: &past})
	require.NoError(t, err)
	assert.Empty(t, export.TaskLogs)

	export, err = log.Export(99, ExportFilter{From: &past})
	require.NoError(t, err)
	assert.Len(t, export.TaskLogs, 1)
}
