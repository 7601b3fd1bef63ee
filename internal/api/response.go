package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Success sends a JSON 200 response.
func Success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, data)
}

// Error sends a JSON error response with a single error field. Handlers
// that need extra context alongside the error use Errorf-style gin.H
// payloads via Conflict instead.
func Error(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"error": message})
}

// Conflict reports a request that lost a race against an earlier state
// transition, carrying the state the resource settled in.
func Conflict(c *gin.Context, message string, state any) {
	c.JSON(http.StatusConflict, gin.H{
		"error":  message,
		"status": state,
	})
}
