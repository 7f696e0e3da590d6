package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fitwager/coordinator/internal/fitness"
	"github.com/fitwager/coordinator/internal/models"
	"github.com/fitwager/coordinator/internal/storage"
	"golang.org/x/sync/singleflight"
)

// VerificationResult is what a caller hands to the ledger
type VerificationResult struct {
	Verification *models.FitnessVerification `json:"verification"`
	Participant  *models.Participant         `json:"participant"`
	HashBytes    ByteArray                   `json:"hash_bytes"`
}

// ByteArray marshals as a JSON array of numbers rather than base64
type ByteArray []byte

func (b ByteArray) MarshalJSON() ([]byte, error) {
	out := make([]byte, 0, len(b)*4+2)
	out = append(out, '[')
	for i, v := range b {
		if i > 0 {
			out = append(out, ',')
		}
		out = fmt.Appendf(out, "%d", v)
	}
	return append(out, ']'), nil
}

func (b *ByteArray) UnmarshalJSON(data []byte) error {
	var raw []int
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("byte array: %w", err)
	}
	out := make([]byte, len(raw))
	for i, v := range raw {
		if v < 0 || v > 255 {
			return fmt.Errorf("byte array: element %d out of range: %d", i, v)
		}
		out[i] = byte(v)
	}
	*b = out
	return nil
}

// VerificationService runs the fitness verification pipeline
type VerificationService struct {
	store        storage.Store
	credentials  *CredentialService
	provider     fitness.Provider
	proofs       *ProofService
	clock        clock.Clock
	fetchTimeout time.Duration
	logger       *slog.Logger

	inflight singleflight.Group
}

// NewVerificationService creates a new verification service
func NewVerificationService(
	store storage.Store,
	credentials *CredentialService,
	provider fitness.Provider,
	proofs *ProofService,
	clk clock.Clock,
	fetchTimeout time.Duration,
	logger *slog.Logger,
) *VerificationService {
	if logger == nil {
		logger = slog.Default()
	}
	return &VerificationService{
		store:        store,
		credentials:  credentials,
		provider:     provider,
		proofs:       proofs,
		clock:        clk,
		fetchTimeout: fetchTimeout,
		logger:       logger,
	}
}

// Verify fetches identity's activity for challengeID, scores it and commits
// the result. Concurrent calls for the same pair share one run.
func (s *VerificationService) Verify(ctx context.Context, identity, challengeID string) (*VerificationResult, error) {
	key := challengeID + "\x00" + identity

	// The shared run must not die with whichever caller started it.
	runCtx := context.WithoutCancel(ctx)
	ch := s.inflight.DoChan(key, func() (any, error) {
		return s.run(runCtx, identity, challengeID)
	})

	select {
	case res := <-ch:
		if res.Shared {
			verificationsShared.Inc()
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*VerificationResult), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *VerificationService) run(ctx context.Context, identity, challengeID string) (result *VerificationResult, err error) {
	started := time.Now()
	defer func() {
		verificationDuration.Observe(time.Since(started).Seconds())
		verificationsTotal.WithLabelValues(outcomeLabel(err)).Inc()
		if err != nil {
			s.logger.Info("verification failed", "challenge_id", challengeID, "identity", identity, "error", err)
		}
	}()

	challenge, err := s.store.GetChallenge(ctx, challengeID)
	if err != nil {
		return nil, fmt.Errorf("failed to load challenge: %w", err)
	}

	participant, err := s.store.GetParticipant(ctx, challengeID, identity)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to load participant: %w", err)
	}

	now := s.clock.Now().UTC()
	if err := CanVerify(challenge, participant, now); err != nil {
		return nil, err
	}

	accessToken, err := s.credentials.AccessToken(ctx, identity)
	if err != nil {
		return nil, err
	}

	windowStart := challenge.StartTime
	windowEnd := challenge.EndTime
	if now.Before(windowEnd) {
		windowEnd = now
	}
	if !windowEnd.After(windowStart) {
		return nil, fmt.Errorf("%w: window [%s, %s] is empty", ErrInvalidWindow,
			windowStart.Format(time.RFC3339), windowEnd.Format(time.RFC3339))
	}

	agg, err := s.fetch(ctx, accessToken, windowStart, windowEnd)
	if err != nil {
		return nil, err
	}

	score := CalculateScore(*agg, challenge.Type)
	verifiedAt := now.Truncate(time.Millisecond)
	hash := s.proofs.GenerateProof(identity, challenge.ID, score, verifiedAt)
	hashBytes, err := HashToBytes(hash)
	if err != nil {
		return nil, err
	}

	v := &models.FitnessVerification{
		ChallengeID:     challenge.ID,
		Identity:        identity,
		ChallengeType:   challenge.Type,
		WindowStart:     windowStart,
		WindowEnd:       windowEnd,
		Raw:             *agg,
		CalculatedScore: score,
		MeetsGoal:       MeetsGoal(score, challenge.Goal),
		VerifiedAt:      verifiedAt,
		Hash:            hash,
		HashVersion:     HashVersion,
	}

	updated := *participant
	updated.Score = score
	updated.HasSubmitted = true
	updated.LastVerification = &verifiedAt
	updated.Verification = v

	if err := s.store.CommitVerification(ctx, v, &updated); err != nil {
		return nil, fmt.Errorf("failed to commit verification: %w", err)
	}

	s.logger.Info("verification committed",
		"challenge_id", challenge.ID,
		"identity", identity,
		"score", score,
		"meets_goal", v.MeetsGoal,
	)

	return &VerificationResult{
		Verification: v,
		Participant:  &updated,
		HashBytes:    hashBytes,
	}, nil
}

func (s *VerificationService) fetch(ctx context.Context, accessToken string, start, end time.Time) (*models.FitnessAggregate, error) {
	fctx := ctx
	if s.fetchTimeout > 0 {
		var cancel context.CancelFunc
		fctx, cancel = context.WithTimeout(ctx, s.fetchTimeout)
		defer cancel()
	}

	agg, err := s.provider.FetchAggregate(fctx, accessToken, start, end)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrProviderError, s.provider.Name(), err)
	}
	if agg == nil {
		return nil, fmt.Errorf("%w: %s returned no data", ErrProviderError, s.provider.Name())
	}
	return agg, nil
}

// LastVerification returns the live verification of a participant
func (s *VerificationService) LastVerification(ctx context.Context, challengeID, identity string) (*models.FitnessVerification, error) {
	v, err := s.store.GetVerification(ctx, challengeID, identity)
	if err != nil {
		return nil, fmt.Errorf("failed to load verification: %w", err)
	}
	return v, nil
}

// History returns every accepted verification of a participant, oldest first
func (s *VerificationService) History(ctx context.Context, challengeID, identity string) ([]models.FitnessVerification, error) {
	if _, err := s.store.GetChallenge(ctx, challengeID); err != nil {
		return nil, fmt.Errorf("failed to load challenge: %w", err)
	}
	return s.store.ListVerificationLog(ctx, challengeID, identity)
}
