package audit

import (
	"time"
)

// ExportFilter narrows a compliance export. Zero values mean "no filter".
type ExportFilter struct {
	TaskID uint       `json:"taskId,omitempty"`
	UserID uint       `json:"userId,omitempty"`
	From   *time.Time `json:"from,omitempty"`
	To     *time.Time `json:"to,omitempty"`
}

// DecryptedChatLog is a ChatLog with its body decrypted for export.
type DecryptedChatLog struct {
	ChatLog
	Body string `json:"body"`
}

// ComplianceExport is the aggregate bundle returned to an authorized
// exporter. Chat bodies are decrypted only here and in ChatHistory.
type ComplianceExport struct {
	ExportedAt      time.Time           `json:"exportedAt"`
	ExportedBy      uint                `json:"exportedBy"`
	TaskLogs        []TaskLog           `json:"taskLogs"`
	TaskEvents      []TaskEventLog      `json:"taskEvents"`
	ChatLogs        []DecryptedChatLog  `json:"chatLogs"`
	BlockedAttempts []BlockedAttemptLog `json:"blockedAttempts"`
}

// ChatHistory returns the decrypted conversation for one task in time
// order. Callers enforce that the reader is a participant.
func (l *Log) ChatHistory(taskID uint) ([]DecryptedChatLog, error) {
	var chats []ChatLog
	err := l.db.Where("task_id = ?", taskID).Order("timestamp").Find(&chats).Error
	if err != nil {
		return nil, err
	}

	out := make([]DecryptedChatLog, 0, len(chats))
	for _, chat := range chats {
		decrypted := DecryptedChatLog{ChatLog: chat}
		if l.cipher != nil {
			body, err := l.cipher.Decrypt(chat.EncryptedBody)
			if err != nil {
				return nil, err
			}
			decrypted.Body = body
		}
		out = append(out, decrypted)
	}
	return out, nil
}

// Export reads across all log collections. It is a read-only scan and may
// run concurrently with live appends.
func (l *Log) Export(exportedBy uint, filter ExportFilter) (*ComplianceExport, error) {
	out := &ComplianceExport{
		ExportedAt:      time.Now().UTC(),
		ExportedBy:      exportedBy,
		TaskLogs:        []TaskLog{},
		TaskEvents:      []TaskEventLog{},
		ChatLogs:        []DecryptedChatLog{},
		BlockedAttempts: []BlockedAttemptLog{},
	}

	taskQuery := l.db.Model(&TaskLog{})
	eventQuery := l.db.Model(&TaskEventLog{})
	chatQuery := l.db.Model(&ChatLog{})
	blockedQuery := l.db.Model(&BlockedAttemptLog{})

	if filter.TaskID != 0 {
		taskQuery = taskQuery.Where("task_id = ?", filter.TaskID)
		eventQuery = eventQuery.Where("task_id = ?", filter.TaskID)
		chatQuery = chatQuery.Where("task_id = ?", filter.TaskID)
	}
	if filter.UserID != 0 {
		taskQuery = taskQuery.Where("sender_id = ? OR actor_id = ?", filter.UserID, filter.UserID)
		eventQuery = eventQuery.Where("actor_id = ?", filter.UserID)
		chatQuery = chatQuery.Where("sender_id = ? OR recipient_id = ?", filter.UserID, filter.UserID)
		blockedQuery = blockedQuery.Where("user_id = ?", filter.UserID)
	}
	if filter.From != nil {
		taskQuery = taskQuery.Where("timestamp >= ?", *filter.From)
		eventQuery = eventQuery.Where("timestamp >= ?", *filter.From)
		chatQuery = chatQuery.Where("timestamp >= ?", *filter.From)
		blockedQuery = blockedQuery.Where("timestamp >= ?", *filter.From)
	}
	if filter.To != nil {
		taskQuery = taskQuery.Where("timestamp <= ?", *filter.To)
		eventQuery = eventQuery.Where("timestamp <= ?", *filter.To)
		chatQuery = chatQuery.Where("timestamp <= ?", *filter.To)
		blockedQuery = blockedQuery.Where("timestamp <= ?", *filter.To)
	}

	if err := taskQuery.Order("timestamp").Find(&out.TaskLogs).Error; err != nil {
		return nil, err
	}
	if err := eventQuery.Order("timestamp").Find(&out.TaskEvents).Error; err != nil {
		return nil, err
	}

	var chats []ChatLog
	if err := chatQuery.Order("timestamp").Find(&chats).Error; err != nil {
		return nil, err
	}
	for _, chat := range chats {
		decrypted := DecryptedChatLog{ChatLog: chat}
		if l.cipher != nil {
			body, err := l.cipher.Decrypt(chat.EncryptedBody)
			if err != nil {
				return nil, err
			}
			decrypted.Body = body
		}
		out.ChatLogs = append(out.ChatLogs, decrypted)
	}

	if err := blockedQuery.Order("timestamp").Find(&out.BlockedAttempts).Error; err != nil {
		return nil, err
	}

	return out, nil
}
