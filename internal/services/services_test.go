package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fitwager/coordinator/internal/config"
	"github.com/fitwager/coordinator/internal/fitness"
	"github.com/fitwager/coordinator/internal/models"
	"github.com/fitwager/coordinator/internal/storage"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-verification-secret"

// T0 anchors every scenario; challenges run [T0, T0+48h].
var T0 = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

type fakeProvider struct {
	mu         sync.Mutex
	agg        *models.FitnessAggregate
	fetchErr   error
	refreshed  *fitness.Credential
	refreshErr error
	block      chan struct{}

	fetches   atomic.Int32
	refreshes atomic.Int32
	windows   [][2]time.Time
	tokens    []string
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) FetchAggregate(ctx context.Context, accessToken string, start, end time.Time) (*models.FitnessAggregate, error) {
	f.fetches.Add(1)
	f.mu.Lock()
	f.windows = append(f.windows, [2]time.Time{start, end})
	f.tokens = append(f.tokens, accessToken)
	block := f.block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	agg := *f.agg
	return &agg, nil
}

func (f *fakeProvider) RefreshCredential(ctx context.Context, refreshToken string) (*fitness.Credential, error) {
	f.refreshes.Add(1)
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	return f.refreshed, nil
}

type fixture struct {
	store       *storage.Memory
	clock       *clock.Mock
	provider    *fakeProvider
	credentials *CredentialService
	proofs      *ProofService
	verifier    *VerificationService
	challenges  *ChallengeService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		store: storage.NewMemory(),
		clock: clock.NewMock(),
		provider: &fakeProvider{
			agg: &models.FitnessAggregate{Steps: 12000, DistanceMeters: 8042.7, ActiveMinutes: 95.5, Calories: 2400, Provider: "fake"},
		},
	}
	f.clock.Set(T0)
	f.proofs = NewProofService(f.store, testSecret)
	f.credentials = NewCredentialService(f.store, f.provider, f.clock, time.Second, nil)
	f.verifier = NewVerificationService(f.store, f.credentials, f.provider, f.proofs, f.clock, time.Second, nil)
	f.challenges = NewChallengeService(f.store, f.verifier, NewWinnerResolver(config.TieBreakLexicographic),
		DefaultChallengeRules(), f.clock, 4, nil)
	return f
}

// seedChallenge stores an active steps challenge "c1" by "creator" spanning [T0, T0+48h]
func (f *fixture) seedChallenge(t *testing.T, mutate ...func(*models.Challenge)) *models.Challenge {
	t.Helper()
	c := &models.Challenge{
		ID:        "c1",
		Title:     "Weekend steps",
		Creator:   "creator",
		Type:      models.ChallengeTypeSteps,
		Goal:      10000,
		EntryFee:  decimal.NewFromInt(5),
		StartTime: T0,
		EndTime:   T0.Add(48 * time.Hour),
		Status:    models.ChallengeStatusActive,
		CreatedAt: T0,
	}
	for _, m := range mutate {
		m(c)
	}
	require.NoError(t, f.store.CreateChallenge(context.Background(), c))
	return c
}

func (f *fixture) seedParticipant(t *testing.T, challengeID, identity string, score int64) {
	t.Helper()
	require.NoError(t, f.store.UpsertParticipant(context.Background(), &models.Participant{
		ChallengeID:  challengeID,
		Identity:     identity,
		Score:        score,
		HasJoined:    true,
		HasSubmitted: score > 0,
		JoinedAt:     T0,
	}))
}

// seedCredential links a token for identity valid until expiry
func (f *fixture) seedCredential(t *testing.T, identity, refresh string, expiry time.Time) {
	t.Helper()
	require.NoError(t, f.store.UpsertUser(context.Background(), &models.User{
		ID:           identity,
		AccessToken:  "access-" + identity,
		RefreshToken: refresh,
		TokenExpiry:  expiry,
	}))
}

var errUpstream = errors.New("upstream unavailable")
