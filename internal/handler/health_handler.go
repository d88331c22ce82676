package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

var startedAt = time.Now()

// warmupPeriod keeps the readiness probe negative right after boot so
// load balancers wait for migrations and background loops to settle.
const warmupPeriod = 30 * time.Second

// Liveness answers as long as the process is up.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "alive",
		"type":   "liveness",
		"uptime": time.Since(startedAt).String(),
	})
}

// Readiness requires the warmup to have elapsed and the database to
// answer a ping.
func (h *Handler) Readiness(c *gin.Context) {
	elapsed := time.Since(startedAt)
	if elapsed < warmupPeriod {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "not ready",
			"type":    "readiness",
			"message": "serviço em aquecimento",
			"uptime":  elapsed.String(),
		})
		return
	}
	if err := h.store.Ping(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "not ready",
			"type":    "readiness",
			"message": "base de dados indisponível",
			"error":   err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"type":   "readiness",
		"uptime": elapsed.String(),
	})
}
