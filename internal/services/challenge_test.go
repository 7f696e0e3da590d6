package services

import (
	"context"
	"testing"
	"time"

	"github.com/fitwager/coordinator/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChallengeService_Create(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	c, err := f.challenges.Create(ctx, "creator", CreateChallengeRequest{
		Title:     "June steps",
		Type:      models.ChallengeTypeSteps,
		Goal:      10000,
		EntryFee:  decimal.RequireFromString("2.5"),
		IsPublic:  true,
		StartTime: T0,
		EndTime:   T0.Add(7 * 24 * time.Hour),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, c.ID)
	assert.Equal(t, models.ChallengeStatusActive, c.Status)
	assert.Equal(t, "creator", c.Creator)

	got, err := f.challenges.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, got.EntryFee.Equal(decimal.RequireFromString("2.5")))

	_, err = f.challenges.Create(ctx, "creator", CreateChallengeRequest{
		Title:     "Too pricey",
		Type:      models.ChallengeTypeSteps,
		Goal:      10000,
		EntryFee:  decimal.NewFromInt(101),
		StartTime: T0,
		EndTime:   T0.Add(time.Hour),
	})
	assert.ErrorIs(t, err, ErrInvalidChallenge)

	_, err = f.challenges.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestChallengeService_Join(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedChallenge(t)
	f.clock.Set(T0.Add(time.Hour))

	p, err := f.challenges.Join(ctx, "c1", "alice")
	require.NoError(t, err)
	assert.True(t, p.HasJoined)
	assert.Equal(t, models.ParticipantKey("c1", "alice"), p.ID)
	assert.Equal(t, T0.Add(time.Hour), p.JoinedAt)

	_, err = f.challenges.Join(ctx, "c1", "alice")
	assert.ErrorIs(t, err, ErrAlreadyJoined)

	f.clock.Set(T0.Add(48 * time.Hour))
	_, err = f.challenges.Join(ctx, "c1", "bob")
	assert.ErrorIs(t, err, ErrChallengeExpired)

	_, err = f.challenges.Join(ctx, "missing", "bob")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestChallengeService_JoinFull(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.challenges.rules.MaxParticipants = 2
	f.seedChallenge(t)

	_, err := f.challenges.Join(ctx, "c1", "alice")
	require.NoError(t, err)
	_, err = f.challenges.Join(ctx, "c1", "bob")
	require.NoError(t, err)
	_, err = f.challenges.Join(ctx, "c1", "carol")
	assert.ErrorIs(t, err, ErrChallengeFull)
}

func TestChallengeService_End(t *testing.T) {
	ctx := context.Background()

	t.Run("highest score wins and is recorded", func(t *testing.T) {
		f := newFixture(t)
		f.seedChallenge(t)
		f.seedParticipant(t, "c1", "alice", 9000)
		f.seedParticipant(t, "c1", "bob", 12000)

		f.clock.Set(T0.Add(47 * time.Hour))
		_, err := f.challenges.End(ctx, "c1", "creator", "")
		assert.ErrorIs(t, err, ErrNotYetEligible)

		f.clock.Set(T0.Add(48 * time.Hour))
		_, err = f.challenges.End(ctx, "c1", "alice", "")
		assert.ErrorIs(t, err, ErrNotCreator)

		res, err := f.challenges.End(ctx, "c1", "creator", "")
		require.NoError(t, err)
		assert.Equal(t, "bob", res.Result.Winner)
		assert.Equal(t, models.WinMethodHighestScore, res.Result.Method)

		stored, err := f.challenges.Get(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, models.ChallengeStatusEnded, stored.Status)
		assert.Equal(t, "bob", stored.Winner)
		assert.EqualValues(t, 12000, stored.WinnerScore)
		assert.Equal(t, models.WinMethodHighestScore, stored.WinMethod)
		require.NotNil(t, stored.EndedAt)
		assert.Equal(t, T0.Add(48*time.Hour), *stored.EndedAt)

		_, err = f.challenges.End(ctx, "c1", "creator", "")
		assert.ErrorIs(t, err, ErrAlreadyEnded)
	})

	t.Run("tie records the configured policy", func(t *testing.T) {
		f := newFixture(t)
		f.seedChallenge(t)
		f.seedParticipant(t, "c1", "bob", 12000)
		f.seedParticipant(t, "c1", "alice", 12000)
		f.clock.Set(T0.Add(48 * time.Hour))

		res, err := f.challenges.End(ctx, "c1", "creator", "")
		require.NoError(t, err)
		assert.Equal(t, "alice", res.Result.Winner)
		assert.Equal(t, []string{"alice", "bob"}, res.Result.Tied)

		stored, err := f.challenges.Get(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, models.WinMethodLexicographic, stored.WinMethod)
	})

	t.Run("explicit winner", func(t *testing.T) {
		f := newFixture(t)
		f.seedChallenge(t)
		f.seedParticipant(t, "c1", "alice", 9000)
		f.seedParticipant(t, "c1", "bob", 12000)
		f.clock.Set(T0.Add(50 * time.Hour))

		res, err := f.challenges.End(ctx, "c1", "creator", "alice")
		require.NoError(t, err)
		assert.Equal(t, "alice", res.Challenge.Winner)
		assert.EqualValues(t, 9000, res.Challenge.WinnerScore)
		assert.Equal(t, models.WinMethodExplicit, res.Challenge.WinMethod)
	})

	t.Run("no participants keeps challenge active", func(t *testing.T) {
		f := newFixture(t)
		f.seedChallenge(t)
		f.clock.Set(T0.Add(50 * time.Hour))

		_, err := f.challenges.End(ctx, "c1", "creator", "")
		assert.ErrorIs(t, err, ErrNoParticipants)

		stored, err := f.challenges.Get(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, models.ChallengeStatusActive, stored.Status)
	})
}

func TestChallengeService_Cancel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedChallenge(t)

	_, err := f.challenges.Cancel(ctx, "c1", "alice")
	assert.ErrorIs(t, err, ErrNotCreator)

	c, err := f.challenges.Cancel(ctx, "c1", "creator")
	require.NoError(t, err)
	assert.Equal(t, models.ChallengeStatusCancelled, c.Status)

	_, err = f.challenges.Cancel(ctx, "c1", "creator")
	assert.ErrorIs(t, err, ErrAlreadyEnded)
}

func TestChallengeService_VerifyAll(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedChallenge(t)
	for _, id := range []string{"alice", "bob", "carol"} {
		f.seedParticipant(t, "c1", id, 0)
	}
	f.seedCredential(t, "alice", "", T0.Add(72*time.Hour))
	f.seedCredential(t, "bob", "", T0.Add(72*time.Hour))
	f.clock.Set(T0.Add(time.Hour))

	_, err := f.challenges.VerifyAll(ctx, "c1", "alice")
	assert.ErrorIs(t, err, ErrNotCreator)

	outcomes, err := f.challenges.VerifyAll(ctx, "c1", "creator")
	require.NoError(t, err)
	require.Len(t, outcomes, 3)

	byID := map[string]BatchOutcome{}
	for _, o := range outcomes {
		byID[o.Identity] = o
	}
	require.NoError(t, byID["alice"].Err())
	require.NoError(t, byID["bob"].Err())
	assert.EqualValues(t, 12000, byID["alice"].Result.Verification.CalculatedScore)
	assert.ErrorIs(t, byID["carol"].Err(), ErrNotFound)
	assert.NotEmpty(t, byID["carol"].Error)

	subs, err := f.challenges.Submissions(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, subs, 2)
	for _, s := range subs {
		assert.Len(t, s.HashBytes, 32)
		assert.True(t, s.MeetsGoal)
	}

	sub, err := f.challenges.Submission(ctx, "c1", "alice")
	require.NoError(t, err)
	assert.EqualValues(t, 12000, sub.Score)

	_, err = f.challenges.Submission(ctx, "c1", "carol")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestChallengeService_Leaderboard(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedChallenge(t)
	f.seedParticipant(t, "c1", "alice", 5000)
	f.seedParticipant(t, "c1", "bob", 11000)

	view, err := f.challenges.Leaderboard(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "steps", view.Label)
	require.Len(t, view.Entries, 2)
	assert.Equal(t, "bob", view.Entries[0].Identity)
	assert.Equal(t, 1, view.Summary.GoalMet)
	assert.Equal(t, "bob", view.Summary.Leader)
}

func TestChallengeService_Stats(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.seedChallenge(t)
	f.seedChallenge(t, func(c *models.Challenge) {
		c.ID = "c2"
		c.Creator = "alice"
		c.Status = models.ChallengeStatusEnded
		c.Winner = "alice"
	})
	f.seedChallenge(t, func(c *models.Challenge) {
		c.ID = "c3"
		c.Status = models.ChallengeStatusEnded
		c.Winner = "bob"
	})
	f.seedParticipant(t, "c1", "alice", 0)
	f.seedParticipant(t, "c2", "alice", 0)
	f.seedParticipant(t, "c3", "alice", 0)

	stats, err := f.challenges.Stats(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ChallengesCreated)
	assert.Equal(t, 3, stats.ChallengesJoined)
	assert.Equal(t, 1, stats.ActiveChallenges)
	assert.Equal(t, 2, stats.Completed)
	assert.Equal(t, 1, stats.Wins)
	assert.Equal(t, 50.0, stats.WinRate)
}
