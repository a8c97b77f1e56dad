package handlers

import (
	"log"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/carryon-app/carryon-backend/internal/audit"
	"github.com/carryon-app/carryon-backend/internal/lifecycle"
	"github.com/carryon-app/carryon-backend/internal/models"
	"github.com/carryon-app/carryon-backend/internal/ratelimit"
	"github.com/carryon-app/carryon-backend/internal/safety"
	"github.com/carryon-app/carryon-backend/internal/services"
)

type SendMessageInput struct {
	Body string `json:"body" binding:"required,max=2000"`
}

// SendMessage screens, journals, and pushes one chat message between the
// two participants of a request. The body is stored encrypted; only the
// journal's export paths can read it back.
func SendMessage(db *gorm.DB, auditor *audit.Log, limiter *ratelimit.Limiter, hub *services.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := requestID(c)
		if !ok {
			return
		}
		var input SendMessageInput
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}

		userID := c.GetUint("userId")
		request, err := fetchParticipantRequest(db, id, userID)
		if err != nil {
			respondLifecycleError(c, err)
			return
		}
		if request.CommuterID == nil {
			c.JSON(409, gin.H{"error": "Chat opens once a rider is approved"})
			return
		}

		decision, err := limiter.CheckAndConsume(c.Request.Context(), userID, ratelimit.ActionSendMessage)
		if err != nil {
			c.JSON(500, gin.H{"error": "Failed to check rate limit"})
			return
		}
		if !decision.Allowed {
			respondLifecycleError(c, &lifecycle.RateLimitError{Decision: decision})
			return
		}

		recipientID := request.SenderID
		if userID == request.SenderID {
			recipientID = *request.CommuterID
		}

		// Chat text passes through the same screen as item descriptions
		result := safety.ValidateContent(input.Body)
		if !result.IsValid {
			matched := append(append(result.MatchedKeywords, result.MatchedPatterns...), result.SuspiciousPhrases...)
			blocked := &audit.BlockedAttemptLog{
				UserID:          userID,
				AttemptKind:     "chat_message",
				Reason:          result.Reason,
				MatchedKeywords: matched,
			}
			blocked.Actor = actorFrom(c)
			if err := auditor.AppendBlockedAttempt(blocked); err != nil {
				log.Printf("blocked-attempt journal failed for user %d: %v", userID, err)
			}
			c.JSON(422, gin.H{"error": "Message rejected: " + result.Reason})
			return
		}

		entry := &audit.ChatLog{
			TaskID:      request.ID,
			SenderID:    userID,
			RecipientID: recipientID,
		}
		entry.Actor = actorFrom(c)
		if err := auditor.AppendChatMessage(entry, input.Body); err != nil {
			c.JSON(500, gin.H{"error": "Failed to send message"})
			return
		}

		var senderUser models.User
		senderName := ""
		if err := db.First(&senderUser, userID).Error; err == nil {
			senderName = senderUser.Username
		}

		hub.SendChatMessagePush(recipientID, services.ChatMessagePush{
			RequestID:  request.ID,
			SenderID:   userID,
			SenderName: senderName,
			Body:       input.Body,
			SentAt:     entry.Timestamp.Unix(),
		})

		var recipient models.User
		if err := db.First(&recipient, recipientID).Error; err == nil && recipient.NotificationsEnabled {
			if err := services.SendChatMessageNotification(c.Request.Context(), recipient.FCMToken, request.ID, senderName); err != nil {
				log.Printf("chat notification failed for request %d: %v", request.ID, err)
			}
		}

		c.JSON(201, gin.H{
			"message": "Message sent",
			"chat": gin.H{
				"id":          entry.LogID,
				"requestId":   request.ID,
				"senderId":    userID,
				"recipientId": recipientID,
				"sentAt":      entry.Timestamp,
			},
		})
	}
}

// GetMessages returns the decrypted conversation for one request
func GetMessages(db *gorm.DB, auditor *audit.Log) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := requestID(c)
		if !ok {
			return
		}

		request, err := fetchParticipantRequest(db, id, c.GetUint("userId"))
		if err != nil {
			respondLifecycleError(c, err)
			return
		}

		history, err := auditor.ChatHistory(request.ID)
		if err != nil {
			c.JSON(500, gin.H{"error": "Failed to load messages"})
			return
		}

		messages := make([]gin.H, 0, len(history))
		for _, m := range history {
			messages = append(messages, gin.H{
				"id":          m.LogID,
				"senderId":    m.SenderID,
				"recipientId": m.RecipientID,
				"body":        m.Body,
				"sentAt":      m.Timestamp,
			})
		}

		c.JSON(200, gin.H{"messages": messages})
	}
}
