package services

import (
	"errors"

	"github.com/fitwager/coordinator/internal/storage"
)

// Failures callers are expected to branch on. Each is wrapped with context
// via %w, so match with errors.Is.
var (
	ErrNotFound          = storage.ErrNotFound
	ErrCredentialExpired = errors.New("fitness credential expired")
	ErrProviderError     = errors.New("fitness provider error")
	ErrInvalidWindow     = errors.New("invalid verification window")
	ErrAlreadyJoined     = errors.New("already joined")
	ErrNotJoined         = errors.New("not joined")
	ErrAlreadyEnded      = errors.New("challenge already ended")
	ErrNotYetEligible    = errors.New("challenge not yet eligible to end")
	ErrNotCreator        = errors.New("caller is not the challenge creator")
	ErrChallengeExpired  = errors.New("challenge has expired")
	ErrNotStarted        = errors.New("challenge has not started")
	ErrChallengeFull     = errors.New("challenge is full")
	ErrNoParticipants    = errors.New("challenge has no participants")
	ErrInvalidChallenge  = errors.New("invalid challenge")
)

func isAny(err error, targets ...error) bool {
	for _, t := range targets {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}
