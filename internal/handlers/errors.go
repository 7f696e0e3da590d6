package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/fitwager/coordinator/internal/services"
	"github.com/gin-gonic/gin"
)

type errorMapping struct {
	target error
	status int
	code   string
}

// Order matters: the first match wins.
var errorMappings = []errorMapping{
	{services.ErrNotFound, http.StatusNotFound, "not_found"},
	{services.ErrInvalidChallenge, http.StatusBadRequest, "invalid_challenge"},
	{services.ErrNotCreator, http.StatusForbidden, "not_creator"},
	{services.ErrNotJoined, http.StatusForbidden, "not_joined"},
	{services.ErrAlreadyJoined, http.StatusConflict, "already_joined"},
	{services.ErrAlreadyEnded, http.StatusConflict, "already_ended"},
	{services.ErrNotYetEligible, http.StatusConflict, "not_yet_eligible"},
	{services.ErrChallengeExpired, http.StatusConflict, "challenge_expired"},
	{services.ErrNotStarted, http.StatusConflict, "not_started"},
	{services.ErrChallengeFull, http.StatusConflict, "challenge_full"},
	{services.ErrNoParticipants, http.StatusConflict, "no_participants"},
	{services.ErrCredentialExpired, http.StatusPreconditionFailed, "credential_expired"},
	{services.ErrInvalidWindow, http.StatusUnprocessableEntity, "invalid_window"},
	{services.ErrProviderError, http.StatusBadGateway, "provider_error"},
	{context.DeadlineExceeded, http.StatusGatewayTimeout, "timeout"},
	{context.Canceled, 499, "cancelled"},
}

// respondError maps a service error to a status code and JSON body. Errors
// outside the known taxonomy are logged and reported without detail.
func respondError(c *gin.Context, err error) {
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			c.JSON(m.status, gin.H{"error": err.Error(), "code": m.code})
			return
		}
	}

	_ = c.Error(err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error", "code": "internal"})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "bad_request"})
}
