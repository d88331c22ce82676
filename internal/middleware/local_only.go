package middleware

import (
	"net"
	"net/http"

	"github.com/gin-gonic/gin"
)

// LocalOnly restricts a route to loopback clients (127.0.0.1 / ::1).
// Used for the operational stats endpoints.
func LocalOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := net.ParseIP(c.ClientIP())
		if ip == nil || !ip.IsLoopback() {
			c.JSON(http.StatusForbidden, gin.H{"success": false, "error": "acesso restrito"})
			c.Abort()
			return
		}
		c.Next()
	}
}
