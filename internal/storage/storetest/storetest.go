// Package storetest holds the conformance suite every storage backend must pass.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/fitwager/coordinator/internal/models"
	"github.com/fitwager/coordinator/internal/storage"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func challenge(id, creator string, created time.Time) *models.Challenge {
	return &models.Challenge{
		ID:          id,
		Title:       "Step it up " + id,
		Description: "10k a day",
		Creator:     creator,
		Type:        models.ChallengeTypeSteps,
		Goal:        10000,
		EntryFee:    decimal.RequireFromString("5.5"),
		IsPublic:    true,
		StartTime:   base,
		EndTime:     base.Add(48 * time.Hour),
		Status:      models.ChallengeStatusActive,
		CreatedAt:   created,
		UpdatedAt:   created,
	}
}

// Common runs the shared suite; open must return an empty, migrated store.
func Common(t *testing.T, open func(t *testing.T) storage.Store) {
	t.Run("challenge lifecycle", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		c := challenge("c1", "alice", base)
		require.NoError(t, s.CreateChallenge(ctx, c))

		err := s.CreateChallenge(ctx, c)
		assert.ErrorIs(t, err, storage.ErrAlreadyExists)

		got, err := s.GetChallenge(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, c.Title, got.Title)
		assert.Equal(t, models.ChallengeTypeSteps, got.Type)
		assert.True(t, c.EntryFee.Equal(got.EntryFee), "entry fee %s", got.EntryFee)
		assert.True(t, c.StartTime.Equal(got.StartTime))
		assert.True(t, c.EndTime.Equal(got.EndTime))
		assert.Nil(t, got.EndedAt)

		ended := base.Add(72 * time.Hour)
		got.Status = models.ChallengeStatusEnded
		got.Winner = "bob"
		got.WinnerScore = 12000
		got.WinMethod = models.WinMethodHighestScore
		got.EndedAt = &ended
		got.UpdatedAt = ended
		require.NoError(t, s.UpdateChallenge(ctx, got))

		again, err := s.GetChallenge(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, models.ChallengeStatusEnded, again.Status)
		assert.Equal(t, "bob", again.Winner)
		assert.EqualValues(t, 12000, again.WinnerScore)
		assert.Equal(t, models.WinMethodHighestScore, again.WinMethod)
		require.NotNil(t, again.EndedAt)
		assert.True(t, ended.Equal(*again.EndedAt))

		_, err = s.GetChallenge(ctx, "missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		err = s.UpdateChallenge(ctx, challenge("missing", "alice", base))
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("list challenges", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		c1 := challenge("c1", "alice", base)
		c2 := challenge("c2", "bob", base.Add(time.Hour))
		c2.IsPublic = false
		c3 := challenge("c3", "alice", base.Add(2*time.Hour))
		c3.Status = models.ChallengeStatusCancelled
		for _, c := range []*models.Challenge{c1, c2, c3} {
			require.NoError(t, s.CreateChallenge(ctx, c))
		}
		require.NoError(t, s.UpsertParticipant(ctx, &models.Participant{
			ChallengeID: "c2", Identity: "carol", HasJoined: true, JoinedAt: base,
		}))

		ids := func(cs []models.Challenge) []string {
			var out []string
			for _, c := range cs {
				out = append(out, c.ID)
			}
			return out
		}
		public := true

		tests := []struct {
			name   string
			filter models.ChallengeFilter
			want   []string
		}{
			{name: "all newest first", filter: models.ChallengeFilter{}, want: []string{"c3", "c2", "c1"}},
			{name: "by status", filter: models.ChallengeFilter{Status: models.ChallengeStatusActive}, want: []string{"c2", "c1"}},
			{name: "public only", filter: models.ChallengeFilter{Public: &public}, want: []string{"c3", "c1"}},
			{name: "by creator", filter: models.ChallengeFilter{Creator: "alice"}, want: []string{"c3", "c1"}},
			{name: "by participant", filter: models.ChallengeFilter{Participant: "carol"}, want: []string{"c2"}},
			{name: "limit", filter: models.ChallengeFilter{Limit: 1}, want: []string{"c3"}},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				got, err := s.ListChallenges(ctx, tt.filter)
				require.NoError(t, err)
				assert.Equal(t, tt.want, ids(got))
			})
		}
	})

	t.Run("participants", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		err := s.UpsertParticipant(ctx, &models.Participant{ChallengeID: "nope", Identity: "bob", HasJoined: true, JoinedAt: base})
		assert.ErrorIs(t, err, storage.ErrNotFound)

		require.NoError(t, s.CreateChallenge(ctx, challenge("c1", "alice", base)))

		_, err = s.GetParticipant(ctx, "c1", "bob")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		p := &models.Participant{ChallengeID: "c1", Identity: "bob", HasJoined: true, JoinedAt: base.Add(2 * time.Hour)}
		require.NoError(t, s.UpsertParticipant(ctx, p))
		assert.Equal(t, "c1_bob", p.ID)
		require.NoError(t, s.UpsertParticipant(ctx, &models.Participant{
			ChallengeID: "c1", Identity: "alice", HasJoined: true, JoinedAt: base.Add(time.Hour),
		}))

		got, err := s.GetParticipant(ctx, "c1", "bob")
		require.NoError(t, err)
		assert.Equal(t, "c1_bob", got.ID)
		assert.True(t, got.HasJoined)
		assert.False(t, got.HasSubmitted)
		assert.Nil(t, got.LastVerification)
		assert.Nil(t, got.Verification)

		list, err := s.ListParticipants(ctx, "c1")
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "alice", list[0].Identity)
		assert.Equal(t, "bob", list[1].Identity)

		empty, err := s.ListParticipants(ctx, "other")
		require.NoError(t, err)
		assert.Empty(t, empty)
	})

	t.Run("commit verification", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		require.NoError(t, s.CreateChallenge(ctx, challenge("c1", "alice", base)))
		p := &models.Participant{ChallengeID: "c1", Identity: "bob", HasJoined: true, JoinedAt: base}
		require.NoError(t, s.UpsertParticipant(ctx, p))

		_, err := s.GetVerification(ctx, "c1", "bob")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		commit := func(score int64, at time.Time) *models.FitnessVerification {
			v := &models.FitnessVerification{
				ChallengeID:   "c1",
				Identity:      "bob",
				ChallengeType: models.ChallengeTypeSteps,
				WindowStart:   base,
				WindowEnd:     at,
				Raw: models.FitnessAggregate{
					Steps:    score,
					Provider: "google_fit",
					Activities: []models.ActivitySession{
						{Name: "Morning walk", ActivityType: "Walking", StartTime: base, EndTime: base.Add(time.Hour), DurationMs: 3600000},
					},
					FetchedAt: at,
				},
				CalculatedScore: score,
				MeetsGoal:       score >= 10000,
				VerifiedAt:      at,
				Hash:            "ab12",
				HashVersion:     1,
			}
			updated := *p
			updated.Score = score
			updated.HasSubmitted = true
			updated.LastVerification = &at
			updated.Verification = v
			require.NoError(t, s.CommitVerification(ctx, v, &updated))
			return v
		}

		commit(8000, base.Add(24*time.Hour))
		second := commit(12000, base.Add(36*time.Hour))

		got, err := s.GetParticipant(ctx, "c1", "bob")
		require.NoError(t, err)
		assert.EqualValues(t, 12000, got.Score)
		assert.True(t, got.HasSubmitted)
		require.NotNil(t, got.LastVerification)
		assert.True(t, second.VerifiedAt.Equal(*got.LastVerification))
		require.NotNil(t, got.Verification)
		assert.EqualValues(t, 12000, got.Verification.CalculatedScore)

		v, err := s.GetVerification(ctx, "c1", "bob")
		require.NoError(t, err)
		assert.Equal(t, "c1_bob", v.ID)
		assert.EqualValues(t, 12000, v.Raw.Steps)
		assert.True(t, v.MeetsGoal)
		assert.Equal(t, 1, v.HashVersion)
		require.Len(t, v.Raw.Activities, 1)
		assert.Equal(t, "Walking", v.Raw.Activities[0].ActivityType)

		log, err := s.ListVerificationLog(ctx, "c1", "bob")
		require.NoError(t, err)
		require.Len(t, log, 2)
		assert.EqualValues(t, 8000, log[0].CalculatedScore)
		assert.EqualValues(t, 12000, log[1].CalculatedScore)

		list, err := s.ListParticipants(ctx, "c1")
		require.NoError(t, err)
		require.Len(t, list, 1)
		require.NotNil(t, list[0].Verification)
		assert.Equal(t, "ab12", list[0].Verification.Hash)

		orphan := &models.Participant{ChallengeID: "nope", Identity: "bob", HasJoined: true, JoinedAt: base}
		err = s.CommitVerification(ctx, &models.FitnessVerification{ChallengeID: "nope", Identity: "bob", VerifiedAt: base}, orphan)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("users", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		_, err := s.GetUser(ctx, "bob")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		expiry := base.Add(time.Hour)
		u := &models.User{
			ID:           "bob",
			Email:        "bob@example.com",
			AccessToken:  "access",
			RefreshToken: "refresh",
			TokenExpiry:  expiry,
			CreatedAt:    base,
			UpdatedAt:    base,
		}
		require.NoError(t, s.UpsertUser(ctx, u))

		got, err := s.GetUser(ctx, "bob")
		require.NoError(t, err)
		assert.Equal(t, "access", got.AccessToken)
		assert.Equal(t, "refresh", got.RefreshToken)
		assert.True(t, expiry.Equal(got.TokenExpiry))

		u.AccessToken = "access-2"
		u.TokenExpiry = expiry.Add(time.Hour)
		u.UpdatedAt = base.Add(time.Hour)
		require.NoError(t, s.UpsertUser(ctx, u))

		got, err = s.GetUser(ctx, "bob")
		require.NoError(t, err)
		assert.Equal(t, "access-2", got.AccessToken)
		assert.True(t, expiry.Add(time.Hour).Equal(got.TokenExpiry))
	})
}
