package routes

import (
	"net/http"
	"time"

	"workflow-collab-api/internal/auth"
	"workflow-collab-api/internal/handlers"
	"workflow-collab-api/internal/middleware"
	"workflow-collab-api/internal/realtime"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Deps are the collaborators the HTTP surface needs.
type Deps struct {
	Hub      *realtime.Hub
	Verifier middleware.CredentialVerifier
	Users    auth.IdentityStore
	// Online is nil when the presence mirror is disabled.
	Online           handlers.OnlineLookup
	NodeID           string
	SendBuffer       int
	HeartbeatTimeout time.Duration
	Logger           *zap.Logger
}

func SetupRoutes(d Deps) *gin.Engine {
	log := d.Logger
	if log == nil {
		log = zap.NewNop()
	}

	// Create a new GIN Router
	ginRouter := gin.New()
	ginRouter.Use(gin.Recovery(), middleware.RequestLogger(log.Named("http")))

	// CORS middleware (for frontend integration)
	ginRouter.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	})

	// Health check endpoint
	ginRouter.GET("/health", func(c *gin.Context) {
		stats := d.Hub.Stats()
		c.JSON(http.StatusOK, gin.H{
			"status":   "ok",
			"message":  "Workflow collaboration realtime server is running",
			"rooms":    stats.Rooms,
			"sessions": stats.Sessions,
		})
	})

	authenticate := middleware.Authenticate(d.Verifier)

	ws := handlers.NewWSHandler(d.Hub, d.SendBuffer, d.HeartbeatTimeout, log.Named("ws"))
	ginRouter.GET("/ws", authenticate, ws.Serve)

	presence := handlers.NewPresenceHandler(d.Hub, d.Users, d.Online, d.NodeID, log.Named("presence"))
	protectedRoutes := ginRouter.Group("/api")
	protectedRoutes.Use(authenticate)
	{
		protectedRoutes.GET("/collaboration/presence", presence.GetPresence)
		protectedRoutes.GET("/realtime/stats", presence.GetStats)
		protectedRoutes.GET("/realtime/online/:userId", presence.GetOnline)
	}

	return ginRouter
}
