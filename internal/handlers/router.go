package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/fitwager/coordinator/internal/middleware"
	"github.com/fitwager/coordinator/internal/services"
	"github.com/fitwager/coordinator/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Deps are the collaborators the HTTP surface is built from
type Deps struct {
	Store       storage.Store
	Challenges  *services.ChallengeService
	Verifier    *services.VerificationService
	Proofs      *services.ProofService
	Credentials *services.CredentialService
	Publisher   Publisher
	JWTSecret   string
	ServiceKeys middleware.ServiceKeyLookup
	Logger      *slog.Logger
}

// NewRouter wires every route onto a fresh gin engine
func NewRouter(d Deps) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	if d.Logger != nil {
		router.Use(middleware.RequestLogger(d.Logger))
	}

	router.GET("/health", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := d.Store.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	challengeHandler := NewChallengeHandler(d.Challenges, d.Verifier, d.Proofs)
	accountHandler := NewAccountHandler(d.Credentials, d.Challenges)
	internalHandler := NewInternalHandler(d.Challenges, d.Publisher)

	auth := middleware.JWTMiddleware(d.JWTSecret)
	serviceKeys := d.ServiceKeys
	if serviceKeys == nil {
		serviceKeys = middleware.StaticServiceKeys(nil)
	}

	api := router.Group("/api/v1")
	{
		// Challenge routes (reads are public)
		challenges := api.Group("/challenges")
		{
			challenges.GET("", challengeHandler.List)
			challenges.GET("/:id", challengeHandler.Get)
			challenges.GET("/:id/participants", challengeHandler.Participants)
			challenges.GET("/:id/leaderboard", challengeHandler.Leaderboard)

			challenges.POST("", auth, challengeHandler.Create)
			challenges.POST("/:id/join", auth, challengeHandler.Join)
			challenges.POST("/:id/verify", auth, challengeHandler.Verify)
			challenges.POST("/:id/verify-all", auth, challengeHandler.VerifyAll)
			challenges.POST("/:id/end", auth, challengeHandler.End)
			challenges.POST("/:id/cancel", auth, challengeHandler.Cancel)
			challenges.GET("/:id/participants/:identity/verification", auth, challengeHandler.Verification)
			challenges.GET("/:id/participants/:identity/verification/audit", auth, challengeHandler.Audit)
		}

		// Caller routes (protected)
		me := api.Group("/me")
		me.Use(auth)
		{
			me.PUT("/fitness-credential", accountHandler.LinkCredential)
			me.GET("/stats", accountHandler.Stats)
		}
	}

	// Ledger relayer routes
	internal := router.Group("/internal/v1")
	internal.Use(middleware.ServiceKeyMiddleware(serviceKeys))
	{
		internal.GET("/challenges/:id/submissions", internalHandler.Submissions)
		internal.POST("/challenges/:id/participants/:identity/publish", internalHandler.Publish)
	}

	return router
}
