package handlers

import (
	"net/http"

	"github.com/fitwager/coordinator/internal/middleware"
	"github.com/fitwager/coordinator/internal/services"
	"github.com/gin-gonic/gin"
)

// AccountHandler handles requests about the calling identity
type AccountHandler struct {
	credentials *services.CredentialService
	challenges  *services.ChallengeService
}

// NewAccountHandler creates a new account handler
func NewAccountHandler(credentials *services.CredentialService, challenges *services.ChallengeService) *AccountHandler {
	return &AccountHandler{
		credentials: credentials,
		challenges:  challenges,
	}
}

// LinkCredential stores the caller's fitness-provider tokens
func (h *AccountHandler) LinkCredential(c *gin.Context) {
	var req services.LinkCredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	user, err := h.credentials.Link(c.Request.Context(), middleware.GetIdentity(c), req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"identity":       user.ID,
		"email":          user.Email,
		"token_expiry":   user.TokenExpiry,
		"has_credential": user.HasCredential(),
	})
}

// Stats returns the caller's challenge history
func (h *AccountHandler) Stats(c *gin.Context) {
	stats, err := h.challenges.Stats(c.Request.Context(), middleware.GetIdentity(c))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, stats)
}
