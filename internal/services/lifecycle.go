package services

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/fitwager/coordinator/internal/models"
	"github.com/shopspring/decimal"
)

// ChallengeRules are the configurable limits applied to challenges
type ChallengeRules struct {
	MaxParticipants      int
	MaxEntryFee          decimal.Decimal
	MaxTitleLength       int
	MaxDescriptionLength int
}

// DefaultChallengeRules mirrors the limits enforced on the ledger side
func DefaultChallengeRules() ChallengeRules {
	return ChallengeRules{
		MaxParticipants:      100,
		MaxEntryFee:          decimal.NewFromInt(100),
		MaxTitleLength:       50,
		MaxDescriptionLength: 200,
	}
}

// ValidateNewChallenge checks a challenge before it is stored
func ValidateNewChallenge(c *models.Challenge, rules ChallengeRules) error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidChallenge, fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(c.Title) == "" {
		return invalid("title is required")
	}
	if n := utf8.RuneCountInString(c.Title); rules.MaxTitleLength > 0 && n > rules.MaxTitleLength {
		return invalid("title is %d characters, limit is %d", n, rules.MaxTitleLength)
	}
	if n := utf8.RuneCountInString(c.Description); rules.MaxDescriptionLength > 0 && n > rules.MaxDescriptionLength {
		return invalid("description is %d characters, limit is %d", n, rules.MaxDescriptionLength)
	}
	if c.Creator == "" {
		return invalid("creator is required")
	}
	if !c.Type.Valid() {
		return invalid("unknown challenge type %q", c.Type)
	}
	if c.Goal <= 0 {
		return invalid("goal must be positive")
	}
	if c.EntryFee.IsNegative() {
		return invalid("entry fee must not be negative")
	}
	if !rules.MaxEntryFee.IsZero() && c.EntryFee.GreaterThan(rules.MaxEntryFee) {
		return invalid("entry fee %s exceeds limit %s", c.EntryFee, rules.MaxEntryFee)
	}
	if !c.EndTime.After(c.StartTime) {
		return invalid("end time must be after start time")
	}
	return nil
}

func requireActive(c *models.Challenge) error {
	if c.Status != models.ChallengeStatusActive {
		return fmt.Errorf("%w: challenge %s is %s", ErrAlreadyEnded, c.ID, c.Status)
	}
	return nil
}

// CanJoin decides whether identity may join c at now. existing is the
// participant record if one exists, count the current number of participants.
func CanJoin(c *models.Challenge, existing *models.Participant, count, maxParticipants int, now time.Time) error {
	if err := requireActive(c); err != nil {
		return err
	}
	if existing != nil && existing.HasJoined {
		return fmt.Errorf("%w: %s in challenge %s", ErrAlreadyJoined, existing.Identity, c.ID)
	}
	if !now.Before(c.EndTime) {
		return fmt.Errorf("%w: challenge %s ended at %s", ErrChallengeExpired, c.ID, c.EndTime.Format(time.RFC3339))
	}
	if now.Before(c.StartTime) {
		return fmt.Errorf("%w: challenge %s starts at %s", ErrNotStarted, c.ID, c.StartTime.Format(time.RFC3339))
	}
	if maxParticipants > 0 && count >= maxParticipants {
		return fmt.Errorf("%w: challenge %s has %d participants", ErrChallengeFull, c.ID, count)
	}
	return nil
}

// CanVerify decides whether participant p may submit a verified score at now
func CanVerify(c *models.Challenge, p *models.Participant, now time.Time) error {
	if err := requireActive(c); err != nil {
		return err
	}
	if p == nil || !p.HasJoined {
		return fmt.Errorf("%w: challenge %s", ErrNotJoined, c.ID)
	}
	if now.After(c.EndTime) {
		return fmt.Errorf("%w: challenge %s ended at %s", ErrChallengeExpired, c.ID, c.EndTime.Format(time.RFC3339))
	}
	return nil
}

// CanEnd decides whether caller may end c at now
func CanEnd(c *models.Challenge, caller string, now time.Time) error {
	if caller != c.Creator {
		return fmt.Errorf("%w: challenge %s", ErrNotCreator, c.ID)
	}
	if err := requireActive(c); err != nil {
		return err
	}
	if now.Before(c.EndTime) {
		return fmt.Errorf("%w: challenge %s ends at %s", ErrNotYetEligible, c.ID, c.EndTime.Format(time.RFC3339))
	}
	return nil
}

// CanCancel decides whether caller may cancel c
func CanCancel(c *models.Challenge, caller string) error {
	if caller != c.Creator {
		return fmt.Errorf("%w: challenge %s", ErrNotCreator, c.ID)
	}
	return requireActive(c)
}
