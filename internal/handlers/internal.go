package handlers

import (
	"context"
	"net/http"

	"github.com/fitwager/coordinator/internal/middleware"
	"github.com/fitwager/coordinator/internal/services"
	"github.com/gin-gonic/gin"
)

// Publisher pushes ledger submissions to relay peers
type Publisher interface {
	Publish(ctx context.Context, sub *services.LedgerSubmission) (int, error)
}

// InternalHandler serves ledger relayers
type InternalHandler struct {
	challenges *services.ChallengeService
	publisher  Publisher
}

// NewInternalHandler creates a new internal handler. publisher may be nil
// when the relay network is disabled.
func NewInternalHandler(challenges *services.ChallengeService, publisher Publisher) *InternalHandler {
	return &InternalHandler{
		challenges: challenges,
		publisher:  publisher,
	}
}

// Submissions lists what the ledger should record for a challenge
func (h *InternalHandler) Submissions(c *gin.Context) {
	subs, err := h.challenges.Submissions(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"submissions": subs})
}

// Publish sends one participant's submission to the relay peers
func (h *InternalHandler) Publish(c *gin.Context) {
	if h.publisher == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "relay network is disabled", "code": "relay_disabled"})
		return
	}

	sub, err := h.challenges.Submission(c.Request.Context(), c.Param("id"), c.Param("identity"))
	if err != nil {
		respondError(c, err)
		return
	}

	delivered, err := h.publisher.Publish(c.Request.Context(), sub)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "code": "relay_error"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"submission": sub,
		"delivered":  delivered,
		"service":    middleware.GetServiceID(c),
	})
}
