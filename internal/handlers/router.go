package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/studyroom/internal/middleware"
	"github.com/mossy-p/studyroom/internal/signaling"
)

// RouterConfig holds what the HTTP surface needs besides the channel
type RouterConfig struct {
	AllowedOrigins []string
	JWTSecret      string
	Logger         *slog.Logger
}

// NewRouter builds the signaling server routes on top of channel
func NewRouter(channel signaling.Channel, cfg RouterConfig) *gin.Engine {
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())

	// Global CORS middleware (runs before routing)
	router.Use(OriginFilter(cfg.AllowedOrigins))

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	calls := NewCalls(channel, cfg.Logger)

	apiGroup := router.Group("/api")
	{
		// Login endpoint (public)
		apiGroup.POST("/auth/login", Login(cfg.JWTSecret))

		// Create call (a token scopes the call to its owner)
		apiGroup.POST("/calls", middleware.OptionalJWTAuth(cfg.JWTSecret), calls.CreateCall)

		// Session document and candidates (public, the call id is the secret)
		apiGroup.GET("/calls/:callId", calls.GetCall)
		apiGroup.PUT("/calls/:callId/answer", calls.SetAnswer)
		apiGroup.POST("/calls/:callId/candidates/:role", calls.AppendCandidate)

		// Delete call (requires JWT, owner only)
		apiGroup.DELETE("/calls/:callId", middleware.JWTAuth(cfg.JWTSecret), calls.DeleteCall)
	}

	// WebSocket watch streams
	wsGroup := router.Group("/ws")
	{
		wsGroup.GET("/calls/:callId/session", calls.WatchSession)
		wsGroup.GET("/calls/:callId/candidates/:role", calls.WatchCandidates)
	}

	return router
}
