package services

import (
	"strings"
	"testing"
	"time"

	"github.com/fitwager/coordinator/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func activeChallenge() *models.Challenge {
	return &models.Challenge{
		ID:        "c1",
		Title:     "Steps",
		Creator:   "creator",
		Type:      models.ChallengeTypeSteps,
		Goal:      10000,
		StartTime: T0,
		EndTime:   T0.Add(48 * time.Hour),
		Status:    models.ChallengeStatusActive,
	}
}

func TestCanJoin(t *testing.T) {
	ended := activeChallenge()
	ended.Status = models.ChallengeStatusEnded

	tests := []struct {
		name     string
		c        *models.Challenge
		existing *models.Participant
		count    int
		now      time.Time
		wantErr  error
	}{
		{name: "inside window", c: activeChallenge(), now: T0.Add(time.Hour)},
		{name: "exactly at start", c: activeChallenge(), now: T0},
		{name: "not active", c: ended, now: T0.Add(time.Hour), wantErr: ErrAlreadyEnded},
		{name: "already joined", c: activeChallenge(), existing: &models.Participant{Identity: "alice", HasJoined: true}, now: T0.Add(time.Hour), wantErr: ErrAlreadyJoined},
		{name: "stale non-joined record", c: activeChallenge(), existing: &models.Participant{Identity: "alice"}, now: T0.Add(time.Hour)},
		{name: "at end", c: activeChallenge(), now: T0.Add(48 * time.Hour), wantErr: ErrChallengeExpired},
		{name: "after end", c: activeChallenge(), now: T0.Add(49 * time.Hour), wantErr: ErrChallengeExpired},
		{name: "before start", c: activeChallenge(), now: T0.Add(-time.Minute), wantErr: ErrNotStarted},
		{name: "full", c: activeChallenge(), count: 100, now: T0.Add(time.Hour), wantErr: ErrChallengeFull},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CanJoin(tt.c, tt.existing, tt.count, 100, tt.now)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestCanVerify(t *testing.T) {
	joined := &models.Participant{Identity: "alice", HasJoined: true}
	cancelled := activeChallenge()
	cancelled.Status = models.ChallengeStatusCancelled

	tests := []struct {
		name    string
		c       *models.Challenge
		p       *models.Participant
		now     time.Time
		wantErr error
	}{
		{name: "joined inside window", c: activeChallenge(), p: joined, now: T0.Add(time.Hour)},
		{name: "exactly at end", c: activeChallenge(), p: joined, now: T0.Add(48 * time.Hour)},
		{name: "after end", c: activeChallenge(), p: joined, now: T0.Add(48*time.Hour + time.Millisecond), wantErr: ErrChallengeExpired},
		{name: "no participant", c: activeChallenge(), now: T0.Add(time.Hour), wantErr: ErrNotJoined},
		{name: "not joined", c: activeChallenge(), p: &models.Participant{Identity: "alice"}, now: T0.Add(time.Hour), wantErr: ErrNotJoined},
		{name: "cancelled", c: cancelled, p: joined, now: T0.Add(time.Hour), wantErr: ErrAlreadyEnded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CanVerify(tt.c, tt.p, tt.now)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestCanEnd(t *testing.T) {
	ended := activeChallenge()
	ended.Status = models.ChallengeStatusEnded

	tests := []struct {
		name    string
		c       *models.Challenge
		caller  string
		now     time.Time
		wantErr error
	}{
		{name: "creator after end", c: activeChallenge(), caller: "creator", now: T0.Add(48 * time.Hour)},
		{name: "before eligible", c: activeChallenge(), caller: "creator", now: T0.Add(47 * time.Hour), wantErr: ErrNotYetEligible},
		{name: "not creator", c: activeChallenge(), caller: "alice", now: T0.Add(72 * time.Hour), wantErr: ErrNotCreator},
		{name: "already ended", c: ended, caller: "creator", now: T0.Add(72 * time.Hour), wantErr: ErrAlreadyEnded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CanEnd(tt.c, tt.caller, tt.now)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestCanCancel(t *testing.T) {
	assert.NoError(t, CanCancel(activeChallenge(), "creator"))
	assert.ErrorIs(t, CanCancel(activeChallenge(), "alice"), ErrNotCreator)

	cancelled := activeChallenge()
	cancelled.Status = models.ChallengeStatusCancelled
	assert.ErrorIs(t, CanCancel(cancelled, "creator"), ErrAlreadyEnded)
}

func TestValidateNewChallenge(t *testing.T) {
	rules := DefaultChallengeRules()

	tests := []struct {
		name    string
		mutate  func(c *models.Challenge)
		wantErr bool
	}{
		{name: "valid", mutate: func(c *models.Challenge) {}},
		{name: "empty title", mutate: func(c *models.Challenge) { c.Title = "  " }, wantErr: true},
		{name: "title at limit", mutate: func(c *models.Challenge) { c.Title = strings.Repeat("é", 50) }},
		{name: "title over limit", mutate: func(c *models.Challenge) { c.Title = strings.Repeat("a", 51) }, wantErr: true},
		{name: "long description", mutate: func(c *models.Challenge) { c.Description = strings.Repeat("a", 201) }, wantErr: true},
		{name: "unknown type", mutate: func(c *models.Challenge) { c.Type = "yoga" }, wantErr: true},
		{name: "zero goal", mutate: func(c *models.Challenge) { c.Goal = 0 }, wantErr: true},
		{name: "negative fee", mutate: func(c *models.Challenge) { c.EntryFee = decimal.NewFromInt(-1) }, wantErr: true},
		{name: "fee at max", mutate: func(c *models.Challenge) { c.EntryFee = decimal.NewFromInt(100) }},
		{name: "fee over max", mutate: func(c *models.Challenge) { c.EntryFee = decimal.RequireFromString("100.01") }, wantErr: true},
		{name: "end before start", mutate: func(c *models.Challenge) { c.EndTime = c.StartTime }, wantErr: true},
		{name: "no creator", mutate: func(c *models.Challenge) { c.Creator = "" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := activeChallenge()
			tt.mutate(c)
			err := ValidateNewChallenge(c, rules)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidChallenge)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
