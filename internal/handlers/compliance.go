package handlers

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/carryon-app/carryon-backend/internal/audit"
	"github.com/carryon-app/carryon-backend/internal/lifecycle"
	"github.com/carryon-app/carryon-backend/internal/ratelimit"
)

func parseExportFilter(c *gin.Context) (audit.ExportFilter, error) {
	var filter audit.ExportFilter

	if raw := c.Query("taskId"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			return filter, err
		}
		filter.TaskID = uint(id)
	}
	if raw := c.Query("userId"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			return filter, err
		}
		filter.UserID = uint(id)
	}
	if raw := c.Query("from"); raw != "" {
		from, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, err
		}
		filter.From = &from
	}
	if raw := c.Query("to"); raw != "" {
		to, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, err
		}
		filter.To = &to
	}
	return filter, nil
}

// ExportAuditLogs returns the journal bundle for a compliance request.
// Chat bodies come back decrypted, so this route sits behind the admin
// middleware and its own quota.
func ExportAuditLogs(auditor *audit.Log, limiter *ratelimit.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		adminID := c.GetUint("userId")

		decision, err := limiter.CheckAndConsume(c.Request.Context(), adminID, ratelimit.ActionAdminAction)
		if err != nil {
			c.JSON(500, gin.H{"error": "Failed to check rate limit"})
			return
		}
		if !decision.Allowed {
			respondLifecycleError(c, &lifecycle.RateLimitError{Decision: decision})
			return
		}

		filter, err := parseExportFilter(c)
		if err != nil {
			c.JSON(400, gin.H{"error": "Invalid filter: " + err.Error()})
			return
		}

		export, err := auditor.Export(adminID, filter)
		if err != nil {
			c.JSON(500, gin.H{"error": "Export failed"})
			return
		}

		c.JSON(200, export)
	}
}

// VerifyAuditLogs re-hashes every exported record and reports which ones
// no longer match their stored signature.
func VerifyAuditLogs(auditor *audit.Log, limiter *ratelimit.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		adminID := c.GetUint("userId")

		decision, err := limiter.CheckAndConsume(c.Request.Context(), adminID, ratelimit.ActionAdminAction)
		if err != nil {
			c.JSON(500, gin.H{"error": "Failed to check rate limit"})
			return
		}
		if !decision.Allowed {
			respondLifecycleError(c, &lifecycle.RateLimitError{Decision: decision})
			return
		}

		filter, err := parseExportFilter(c)
		if err != nil {
			c.JSON(400, gin.H{"error": "Invalid filter: " + err.Error()})
			return
		}

		export, err := auditor.Export(adminID, filter)
		if err != nil {
			c.JSON(500, gin.H{"error": "Export failed"})
			return
		}

		var checked int
		tampered := []string{}
		check := func(logID, signature string, record interface{}) {
			checked++
			ok, err := audit.Verify(record, signature)
			if err != nil || !ok {
				tampered = append(tampered, logID)
			}
		}

		for i := range export.TaskLogs {
			r := export.TaskLogs[i]
			check(r.LogID, r.HashSignature, r)
		}
		for i := range export.TaskEvents {
			r := export.TaskEvents[i]
			check(r.LogID, r.HashSignature, r)
		}
		for i := range export.ChatLogs {
			// Verify against the stored ciphertext form, not the decrypted view
			r := export.ChatLogs[i].ChatLog
			check(r.LogID, r.HashSignature, r)
		}
		for i := range export.BlockedAttempts {
			r := export.BlockedAttempts[i]
			check(r.LogID, r.HashSignature, r)
		}

		c.JSON(200, gin.H{
			"checked":  checked,
			"tampered": tampered,
			"intact":   len(tampered) == 0,
		})
	}
}
