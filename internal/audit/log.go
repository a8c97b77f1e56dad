package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Log is the append-only audit journal. All writes go through Append*
// constructors; the package deliberately exposes no update or delete.
type Log struct {
	db     *gorm.DB
	cipher *MessageCipher
}

// NewLog builds the journal over the given database handle. cipher may be
// nil when chat logging is not needed (tests, tooling).
func NewLog(db *gorm.DB, cipher *MessageCipher) *Log {
	return &Log{db: db, cipher: cipher}
}

// canonicalJSON renders v with the hashSignature key removed. Maps marshal
// with sorted keys, which gives a stable byte form to hash.
func canonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	delete(m, "hashSignature")
	return json.Marshal(m)
}

// Signature computes the tamper-evidence hash for a fully populated
// record. Each entry hashes only itself; entries are not chained.
func Signature(record interface{}) (string, error) {
	data, err := canonicalJSON(record)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Verify re-serializes the stored record (minus the signature) and checks
// that hashing it reproduces the stored signature.
func Verify(record interface{}, storedSignature string) (bool, error) {
	sig, err := Signature(record)
	if err != nil {
		return false, err
	}
	return sig == storedSignature, nil
}

// stamp assigns the server timestamp and log id, then computes and
// attaches the hash signature. Must be called after all payload fields
// are set and before the single insert.
func stamp(base *EntryBase, record interface{}) error {
	base.LogID = uuid.NewString()
	// Microsecond precision: the database column stores no finer, and the
	// signature must survive a write-read round trip.
	base.Timestamp = time.Now().UTC().Truncate(time.Microsecond)
	base.HashSignature = ""
	sig, err := Signature(record)
	if err != nil {
		return err
	}
	base.HashSignature = sig
	return nil
}

// AppendTaskCreated journals a successful request creation with a full
// snapshot of the fields that passed validation.
func (l *Log) AppendTaskCreated(entry *TaskLog) error {
	if err := stamp(&entry.EntryBase, entry); err != nil {
		return err
	}
	return l.db.Create(entry).Error
}

// AppendTaskEvent journals one lifecycle transition.
func (l *Log) AppendTaskEvent(entry *TaskEventLog) error {
	if err := stamp(&entry.EntryBase, entry); err != nil {
		return err
	}
	return l.db.Create(entry).Error
}

// AppendChatMessage encrypts the plaintext body with the server-side key
// and journals it. The plaintext never reaches the table.
func (l *Log) AppendChatMessage(entry *ChatLog, plaintext string) error {
	if l.cipher == nil {
		return fmt.Errorf("chat cipher not configured")
	}
	encrypted, err := l.cipher.Encrypt(plaintext)
	if err != nil {
		return err
	}
	entry.EncryptedBody = encrypted
	entry.PlaintextLength = len(plaintext)
	if err := stamp(&entry.EntryBase, entry); err != nil {
		return err
	}
	return l.db.Create(entry).Error
}

// AppendPaymentConfirmation journals a user-asserted payment.
func (l *Log) AppendPaymentConfirmation(entry *PaymentLog) error {
	if entry.Method == "" {
		entry.Method = "paynow_qr"
	}
	if err := stamp(&entry.EntryBase, entry); err != nil {
		return err
	}
	return l.db.Create(entry).Error
}

// AppendBlockedAttempt journals a rejected creation or message attempt.
// It records the same fields a successful creation would have, plus the
// matched keywords, to support later pattern analysis.
func (l *Log) AppendBlockedAttempt(entry *BlockedAttemptLog) error {
	if entry.MatchedKeywords == nil {
		entry.MatchedKeywords = []string{}
	}
	if err := stamp(&entry.EntryBase, entry); err != nil {
		return err
	}
	return l.db.Create(entry).Error
}

// CountBlockedAttempts returns how many blocked attempts a user has on
// record. Used by the flagging engine.
func (l *Log) CountBlockedAttempts(userID uint) (int64, error) {
	var count int64
	err := l.db.Model(&BlockedAttemptLog{}).
		Where("user_id = ? AND attempt_kind <> ?", userID, "auto_flag").
		Count(&count).Error
	return count, err
}
