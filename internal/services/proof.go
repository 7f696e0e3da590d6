package services

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/fitwager/coordinator/internal/models"
	"github.com/fitwager/coordinator/internal/storage"
)

// HashVersion identifies the preimage layout produced by ComputeHash
const HashVersion = 1

// ComputeHash derives the verification hash: the hex SHA-256 of
// "<participant>:<challenge>:<score>:<unix millis>:<secret>".
func ComputeHash(participant, challengeID string, score int64, ts time.Time, secret string) string {
	preimage := participant + ":" + challengeID + ":" +
		strconv.FormatInt(score, 10) + ":" +
		strconv.FormatInt(ts.UnixMilli(), 10) + ":" + secret
	sum := sha256.Sum256([]byte(preimage))
	return hex.EncodeToString(sum[:])
}

// HashToBytes decodes a 64-character hex hash into its 32 bytes
func HashToBytes(hash string) ([]byte, error) {
	if len(hash) != sha256.Size*2 {
		return nil, fmt.Errorf("hash must be %d hex characters, got %d", sha256.Size*2, len(hash))
	}
	b, err := hex.DecodeString(hash)
	if err != nil {
		return nil, fmt.Errorf("invalid hash: %w", err)
	}
	return b, nil
}

// ProofService produces and audits verification hashes
type ProofService struct {
	store  storage.Store
	secret string
}

// NewProofService creates a new proof service
func NewProofService(store storage.Store, secret string) *ProofService {
	return &ProofService{
		store:  store,
		secret: secret,
	}
}

// GenerateProof hashes a verification outcome with the configured secret
func (s *ProofService) GenerateProof(participant, challengeID string, score int64, ts time.Time) string {
	return ComputeHash(participant, challengeID, score, ts, s.secret)
}

// VerifyProof recomputes the hash of a stored verification and compares it
func (s *ProofService) VerifyProof(v *models.FitnessVerification) bool {
	if v.HashVersion != HashVersion {
		return false
	}
	expected := s.GenerateProof(v.Identity, v.ChallengeID, v.CalculatedScore, v.VerifiedAt)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(v.Hash)) == 1
}

// AuditResult reports whether a stored hash still matches its record
type AuditResult struct {
	ChallengeID  string    `json:"challenge_id"`
	Identity     string    `json:"identity"`
	Score        int64     `json:"score"`
	VerifiedAt   time.Time `json:"verified_at"`
	StoredHash   string    `json:"stored_hash"`
	ComputedHash string    `json:"computed_hash"`
	HashVersion  int       `json:"hash_version"`
	Valid        bool      `json:"valid"`
}

// Audit loads the live verification of a participant and checks its hash
func (s *ProofService) Audit(ctx context.Context, challengeID, identity string) (*AuditResult, error) {
	v, err := s.store.GetVerification(ctx, challengeID, identity)
	if err != nil {
		return nil, fmt.Errorf("failed to load verification: %w", err)
	}

	return &AuditResult{
		ChallengeID:  v.ChallengeID,
		Identity:     v.Identity,
		Score:        v.CalculatedScore,
		VerifiedAt:   v.VerifiedAt,
		StoredHash:   v.Hash,
		ComputedHash: s.GenerateProof(v.Identity, v.ChallengeID, v.CalculatedScore, v.VerifiedAt),
		HashVersion:  v.HashVersion,
		Valid:        s.VerifyProof(v),
	}, nil
}
