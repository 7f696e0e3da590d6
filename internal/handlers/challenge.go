package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/fitwager/coordinator/internal/middleware"
	"github.com/fitwager/coordinator/internal/models"
	"github.com/fitwager/coordinator/internal/services"
	"github.com/gin-gonic/gin"
)

const maxListLimit = 100

// ChallengeHandler handles challenge requests
type ChallengeHandler struct {
	challenges *services.ChallengeService
	verifier   *services.VerificationService
	proofs     *services.ProofService
}

// NewChallengeHandler creates a new challenge handler
func NewChallengeHandler(challenges *services.ChallengeService, verifier *services.VerificationService, proofs *services.ProofService) *ChallengeHandler {
	return &ChallengeHandler{
		challenges: challenges,
		verifier:   verifier,
		proofs:     proofs,
	}
}

// Create handles challenge creation
func (h *ChallengeHandler) Create(c *gin.Context) {
	var req services.CreateChallengeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	challenge, err := h.challenges.Create(c.Request.Context(), middleware.GetIdentity(c), req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, challenge)
}

// List handles listing challenges with optional filters
func (h *ChallengeHandler) List(c *gin.Context) {
	filter, err := parseFilter(c)
	if err != nil {
		badRequest(c, err)
		return
	}

	challenges, err := h.challenges.List(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}
	if challenges == nil {
		challenges = []models.Challenge{}
	}

	c.JSON(http.StatusOK, gin.H{"challenges": challenges})
}

func parseFilter(c *gin.Context) (models.ChallengeFilter, error) {
	filter := models.ChallengeFilter{
		Status:      models.ChallengeStatus(c.Query("status")),
		Creator:     c.Query("creator"),
		Participant: c.Query("participant"),
		Limit:       maxListLimit,
	}

	if v := c.Query("public"); v != "" {
		public, err := strconv.ParseBool(v)
		if err != nil {
			return filter, fmt.Errorf("invalid public filter %q", v)
		}
		filter.Public = &public
	}

	if v := c.Query("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			return filter, fmt.Errorf("invalid limit %q", v)
		}
		filter.Limit = min(limit, maxListLimit)
	}

	switch filter.Status {
	case "", models.ChallengeStatusActive, models.ChallengeStatusEnded, models.ChallengeStatusCancelled:
	default:
		return filter, fmt.Errorf("invalid status filter %q", filter.Status)
	}
	return filter, nil
}

// Get handles fetching a single challenge
func (h *ChallengeHandler) Get(c *gin.Context) {
	challenge, err := h.challenges.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, challenge)
}

// Join handles joining a challenge as the caller
func (h *ChallengeHandler) Join(c *gin.Context) {
	participant, err := h.challenges.Join(c.Request.Context(), c.Param("id"), middleware.GetIdentity(c))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, participant)
}

// Verify runs the verification pipeline for the caller
func (h *ChallengeHandler) Verify(c *gin.Context) {
	res, err := h.verifier.Verify(c.Request.Context(), middleware.GetIdentity(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, res)
}

// VerifyAll verifies every participant; only the creator may call it
func (h *ChallengeHandler) VerifyAll(c *gin.Context) {
	outcomes, err := h.challenges.VerifyAll(c.Request.Context(), c.Param("id"), middleware.GetIdentity(c))
	if err != nil {
		respondError(c, err)
		return
	}

	failed := 0
	for _, o := range outcomes {
		if o.Err() != nil {
			failed++
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"results":   outcomes,
		"verified":  len(outcomes) - failed,
		"failed":    failed,
		"challenge": c.Param("id"),
	})
}

// EndChallengeRequest optionally names the winner explicitly
type EndChallengeRequest struct {
	Winner string `json:"winner"`
}

// End handles ending a challenge
func (h *ChallengeHandler) End(c *gin.Context) {
	var req EndChallengeRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, err)
		return
	}

	res, err := h.challenges.End(c.Request.Context(), c.Param("id"), middleware.GetIdentity(c), req.Winner)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, res)
}

// Cancel handles cancelling a challenge
func (h *ChallengeHandler) Cancel(c *gin.Context) {
	challenge, err := h.challenges.Cancel(c.Request.Context(), c.Param("id"), middleware.GetIdentity(c))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, challenge)
}

// Participants lists the participants of a challenge
func (h *ChallengeHandler) Participants(c *gin.Context) {
	participants, err := h.challenges.Participants(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if participants == nil {
		participants = []models.Participant{}
	}

	c.JSON(http.StatusOK, gin.H{"participants": participants})
}

// Leaderboard returns the ranked participants and summary
func (h *ChallengeHandler) Leaderboard(c *gin.Context) {
	view, err := h.challenges.Leaderboard(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, view)
}

// Verification returns the last verification of a participant
func (h *ChallengeHandler) Verification(c *gin.Context) {
	v, err := h.verifier.LastVerification(c.Request.Context(), c.Param("id"), c.Param("identity"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, v)
}

// Audit recomputes the hash of a participant's stored verification
func (h *ChallengeHandler) Audit(c *gin.Context) {
	res, err := h.proofs.Audit(c.Request.Context(), c.Param("id"), c.Param("identity"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, res)
}
