package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fitwager/coordinator/internal/models"
	"github.com/fitwager/coordinator/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// ChallengeService handles challenge lifecycle operations
type ChallengeService struct {
	store            storage.Store
	verifier         *VerificationService
	resolver         *WinnerResolver
	rules            ChallengeRules
	clock            clock.Clock
	batchConcurrency int
	logger           *slog.Logger
}

// NewChallengeService creates a new challenge service
func NewChallengeService(
	store storage.Store,
	verifier *VerificationService,
	resolver *WinnerResolver,
	rules ChallengeRules,
	clk clock.Clock,
	batchConcurrency int,
	logger *slog.Logger,
) *ChallengeService {
	if logger == nil {
		logger = slog.Default()
	}
	if batchConcurrency <= 0 {
		batchConcurrency = 1
	}
	return &ChallengeService{
		store:            store,
		verifier:         verifier,
		resolver:         resolver,
		rules:            rules,
		clock:            clk,
		batchConcurrency: batchConcurrency,
		logger:           logger,
	}
}

// CreateChallengeRequest represents a challenge creation request
type CreateChallengeRequest struct {
	Title       string               `json:"title" binding:"required"`
	Description string               `json:"description"`
	Type        models.ChallengeType `json:"challenge_type" binding:"required"`
	Goal        int64                `json:"goal" binding:"required"`
	EntryFee    decimal.Decimal      `json:"entry_fee"`
	IsUSDC      bool                 `json:"is_usdc"`
	IsPublic    bool                 `json:"is_public"`
	StartTime   time.Time            `json:"start_time" binding:"required"`
	EndTime     time.Time            `json:"end_time" binding:"required"`
}

// Create validates and stores a new active challenge owned by creator
func (s *ChallengeService) Create(ctx context.Context, creator string, req CreateChallengeRequest) (*models.Challenge, error) {
	now := s.clock.Now().UTC()
	c := &models.Challenge{
		ID:          uuid.NewString(),
		Title:       req.Title,
		Description: req.Description,
		Creator:     creator,
		Type:        req.Type,
		Goal:        req.Goal,
		EntryFee:    req.EntryFee,
		IsUSDC:      req.IsUSDC,
		IsPublic:    req.IsPublic,
		StartTime:   req.StartTime.UTC(),
		EndTime:     req.EndTime.UTC(),
		Status:      models.ChallengeStatusActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := ValidateNewChallenge(c, s.rules); err != nil {
		return nil, err
	}

	if err := s.store.CreateChallenge(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to create challenge: %w", err)
	}

	s.logger.Info("challenge created", "challenge_id", c.ID, "creator", creator, "type", c.Type, "goal", c.Goal)
	return c, nil
}

// Get retrieves a challenge by ID
func (s *ChallengeService) Get(ctx context.Context, id string) (*models.Challenge, error) {
	c, err := s.store.GetChallenge(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load challenge: %w", err)
	}
	return c, nil
}

// List returns challenges matching filter
func (s *ChallengeService) List(ctx context.Context, filter models.ChallengeFilter) ([]models.Challenge, error) {
	challenges, err := s.store.ListChallenges(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list challenges: %w", err)
	}
	return challenges, nil
}

// Join adds identity to a challenge
func (s *ChallengeService) Join(ctx context.Context, challengeID, identity string) (*models.Participant, error) {
	c, err := s.Get(ctx, challengeID)
	if err != nil {
		return nil, err
	}

	existing, err := s.store.GetParticipant(ctx, challengeID, identity)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to load participant: %w", err)
	}

	participants, err := s.store.ListParticipants(ctx, challengeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}

	now := s.clock.Now().UTC()
	if err := CanJoin(c, existing, len(participants), s.rules.MaxParticipants, now); err != nil {
		return nil, err
	}

	p := &models.Participant{
		ID:          models.ParticipantKey(challengeID, identity),
		ChallengeID: challengeID,
		Identity:    identity,
		HasJoined:   true,
		JoinedAt:    now,
	}
	if err := s.store.UpsertParticipant(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to join challenge: %w", err)
	}

	s.logger.Info("participant joined", "challenge_id", challengeID, "identity", identity)
	return p, nil
}

// Participants lists the participants of a challenge
func (s *ChallengeService) Participants(ctx context.Context, challengeID string) ([]models.Participant, error) {
	if _, err := s.Get(ctx, challengeID); err != nil {
		return nil, err
	}
	participants, err := s.store.ListParticipants(ctx, challengeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}
	return participants, nil
}

// EndResult is the outcome of ending a challenge
type EndResult struct {
	Challenge *models.Challenge `json:"challenge"`
	Result    *WinnerResult     `json:"result"`
}

// End closes a challenge and records its winner. explicitWinner, when set,
// overrides score-based resolution.
func (s *ChallengeService) End(ctx context.Context, challengeID, caller, explicitWinner string) (*EndResult, error) {
	c, err := s.Get(ctx, challengeID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	if err := CanEnd(c, caller, now); err != nil {
		return nil, err
	}

	participants, err := s.store.ListParticipants(ctx, challengeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}

	result := s.resolver.Resolve(joined(participants), explicitWinner)
	if result == nil {
		return nil, fmt.Errorf("%w: challenge %s", ErrNoParticipants, challengeID)
	}

	c.Status = models.ChallengeStatusEnded
	c.Winner = result.Winner
	c.WinnerScore = result.Score
	c.WinMethod = result.Method
	c.EndedAt = &now
	c.UpdatedAt = now

	if err := s.store.UpdateChallenge(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to end challenge: %w", err)
	}

	resolutionsTotal.WithLabelValues(string(result.Method)).Inc()
	s.logger.Info("challenge ended",
		"challenge_id", challengeID,
		"winner", result.Winner,
		"score", result.Score,
		"method", result.Method,
		"tied", len(result.Tied),
	)

	return &EndResult{Challenge: c, Result: result}, nil
}

// Cancel marks an active challenge cancelled
func (s *ChallengeService) Cancel(ctx context.Context, challengeID, caller string) (*models.Challenge, error) {
	c, err := s.Get(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	if err := CanCancel(c, caller); err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	c.Status = models.ChallengeStatusCancelled
	c.EndedAt = &now
	c.UpdatedAt = now

	if err := s.store.UpdateChallenge(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to cancel challenge: %w", err)
	}

	s.logger.Info("challenge cancelled", "challenge_id", challengeID)
	return c, nil
}

// LeaderboardView is a ranked leaderboard plus summary figures
type LeaderboardView struct {
	ChallengeID string              `json:"challenge_id"`
	Goal        int64               `json:"goal"`
	Label       string              `json:"label"`
	Entries     []LeaderboardEntry  `json:"entries"`
	Summary     VerificationSummary `json:"summary"`
}

// Leaderboard ranks the participants of a challenge
func (s *ChallengeService) Leaderboard(ctx context.Context, challengeID string) (*LeaderboardView, error) {
	c, err := s.Get(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	participants, err := s.store.ListParticipants(ctx, challengeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}

	return &LeaderboardView{
		ChallengeID: c.ID,
		Goal:        c.Goal,
		Label:       ScoreLabel(c.Type),
		Entries:     Leaderboard(c, participants),
		Summary:     Summarize(participants, c.Goal),
	}, nil
}

// BatchOutcome is the per-participant result of VerifyAll
type BatchOutcome struct {
	Identity string              `json:"identity"`
	Result   *VerificationResult `json:"result,omitempty"`
	Error    string              `json:"error,omitempty"`
	err      error
}

// Err returns the verification failure, if any
func (o BatchOutcome) Err() error {
	return o.err
}

// VerifyAll verifies every joined participant of a challenge. Individual
// failures are reported in the outcome, not returned.
func (s *ChallengeService) VerifyAll(ctx context.Context, challengeID, caller string) ([]BatchOutcome, error) {
	c, err := s.Get(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	if caller != c.Creator {
		return nil, fmt.Errorf("%w: challenge %s", ErrNotCreator, c.ID)
	}
	if err := requireActive(c); err != nil {
		return nil, err
	}

	participants, err := s.store.ListParticipants(ctx, challengeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}
	participants = joined(participants)

	outcomes := make([]BatchOutcome, len(participants))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.batchConcurrency)

	for i, p := range participants {
		g.Go(func() error {
			res, err := s.verifier.Verify(gctx, p.Identity, challengeID)
			outcomes[i] = BatchOutcome{Identity: p.Identity, Result: res, err: err}
			if err != nil {
				outcomes[i].Error = err.Error()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	failed := 0
	for _, o := range outcomes {
		if o.err != nil {
			failed++
		}
	}
	s.logger.Info("batch verification finished", "challenge_id", challengeID, "participants", len(outcomes), "failed", failed)

	return outcomes, nil
}

// UserStats summarises an identity's challenge history
type UserStats struct {
	Identity          string  `json:"identity"`
	ChallengesCreated int     `json:"challenges_created"`
	ChallengesJoined  int     `json:"challenges_joined"`
	ActiveChallenges  int     `json:"active_challenges"`
	Completed         int     `json:"completed"`
	Wins              int     `json:"wins"`
	WinRate           float64 `json:"win_rate"`
}

// Stats computes the challenge history of identity
func (s *ChallengeService) Stats(ctx context.Context, identity string) (*UserStats, error) {
	created, err := s.store.ListChallenges(ctx, models.ChallengeFilter{Creator: identity})
	if err != nil {
		return nil, fmt.Errorf("failed to list created challenges: %w", err)
	}
	joinedChallenges, err := s.store.ListChallenges(ctx, models.ChallengeFilter{Participant: identity})
	if err != nil {
		return nil, fmt.Errorf("failed to list joined challenges: %w", err)
	}

	stats := &UserStats{
		Identity:          identity,
		ChallengesCreated: len(created),
		ChallengesJoined:  len(joinedChallenges),
	}
	for _, c := range joinedChallenges {
		switch c.Status {
		case models.ChallengeStatusActive:
			stats.ActiveChallenges++
		case models.ChallengeStatusEnded:
			stats.Completed++
			if c.Winner == identity {
				stats.Wins++
			}
		}
	}
	if stats.Completed > 0 {
		stats.WinRate = math.Round(float64(stats.Wins)/float64(stats.Completed)*1000) / 10
	}
	return stats, nil
}

// LedgerSubmission is what a relayer writes to the ledger for one participant
type LedgerSubmission struct {
	ChallengeID string    `json:"challenge_id"`
	Identity    string    `json:"identity"`
	Score       int64     `json:"score"`
	MeetsGoal   bool      `json:"meets_goal"`
	Hash        string    `json:"verification_hash"`
	HashBytes   ByteArray `json:"hash_bytes"`
	HashVersion int       `json:"hash_version"`
	VerifiedAt  time.Time `json:"verified_at"`
}

// NewLedgerSubmission builds a submission from a stored verification
func NewLedgerSubmission(v *models.FitnessVerification) (*LedgerSubmission, error) {
	b, err := HashToBytes(v.Hash)
	if err != nil {
		return nil, err
	}
	return &LedgerSubmission{
		ChallengeID: v.ChallengeID,
		Identity:    v.Identity,
		Score:       v.CalculatedScore,
		MeetsGoal:   v.MeetsGoal,
		Hash:        v.Hash,
		HashBytes:   b,
		HashVersion: v.HashVersion,
		VerifiedAt:  v.VerifiedAt,
	}, nil
}

// Submissions returns the pending ledger submissions of a challenge, one per
// participant that has a verification on record
func (s *ChallengeService) Submissions(ctx context.Context, challengeID string) ([]LedgerSubmission, error) {
	participants, err := s.Participants(ctx, challengeID)
	if err != nil {
		return nil, err
	}

	out := make([]LedgerSubmission, 0, len(participants))
	for _, p := range participants {
		if !p.HasSubmitted || p.Verification == nil {
			continue
		}
		sub, err := NewLedgerSubmission(p.Verification)
		if err != nil {
			return nil, fmt.Errorf("participant %s: %w", p.Identity, err)
		}
		out = append(out, *sub)
	}
	return out, nil
}

// Submission returns the ledger submission of one participant
func (s *ChallengeService) Submission(ctx context.Context, challengeID, identity string) (*LedgerSubmission, error) {
	v, err := s.store.GetVerification(ctx, challengeID, identity)
	if err != nil {
		return nil, fmt.Errorf("failed to load verification: %w", err)
	}
	return NewLedgerSubmission(v)
}

func joined(participants []models.Participant) []models.Participant {
	out := participants[:0:0]
	for _, p := range participants {
		if p.HasJoined {
			out = append(out, p)
		}
	}
	return out
}
