package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/carryon-app/carryon-backend/internal/services"
)

// WebSocketHandler upgrades the connection and registers the client on the
// hub. Auth middleware has already validated the ?token= query parameter.
func WebSocketHandler(hub *services.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetUint("userId")
		userType := c.GetString("userType")
		services.HandleWebSocket(hub, c.Writer, c.Request, userID, userType)
	}
}
