package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ChallengeType is the fitness metric a challenge is scored on
type ChallengeType string

const (
	ChallengeTypeSteps    ChallengeType = "steps"
	ChallengeTypeDistance ChallengeType = "distance"
	ChallengeTypeDuration ChallengeType = "duration"
	ChallengeTypeCalories ChallengeType = "calories"
)

// Valid reports whether t is one of the known challenge types
func (t ChallengeType) Valid() bool {
	switch t {
	case ChallengeTypeSteps, ChallengeTypeDistance, ChallengeTypeDuration, ChallengeTypeCalories:
		return true
	}
	return false
}

// ChallengeStatus is the lifecycle state of a challenge
type ChallengeStatus string

const (
	ChallengeStatusActive    ChallengeStatus = "active"
	ChallengeStatusEnded     ChallengeStatus = "ended"
	ChallengeStatusCancelled ChallengeStatus = "cancelled"
)

// WinMethod records how a winner was chosen
type WinMethod string

const (
	WinMethodExplicit      WinMethod = "explicit"
	WinMethodHighestScore  WinMethod = "highest_score"
	WinMethodRandom        WinMethod = "random"
	WinMethodLexicographic WinMethod = "lexicographic"
)

// User holds a participant identity and the linked fitness-provider credential
type User struct {
	ID           string    `db:"id" json:"id"`
	Email        string    `db:"email" json:"email,omitempty"`
	AccessToken  string    `db:"access_token" json:"-"`
	RefreshToken string    `db:"refresh_token" json:"-"`
	TokenExpiry  time.Time `db:"token_expiry" json:"token_expiry"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// HasCredential reports whether a fitness-provider credential has been linked
func (u *User) HasCredential() bool {
	return u.AccessToken != "" || u.RefreshToken != ""
}

// CredentialExpired reports whether the access token is unusable at now
func (u *User) CredentialExpired(now time.Time) bool {
	return u.AccessToken == "" || !now.Before(u.TokenExpiry)
}

// Challenge represents a time-boxed fitness wager
type Challenge struct {
	ID          string          `db:"id" json:"id"`
	Title       string          `db:"title" json:"title"`
	Description string          `db:"description" json:"description"`
	Creator     string          `db:"creator" json:"creator"`
	Type        ChallengeType   `db:"challenge_type" json:"challenge_type"`
	Goal        int64           `db:"goal" json:"goal"`
	EntryFee    decimal.Decimal `db:"entry_fee" json:"entry_fee"`
	IsUSDC      bool            `db:"is_usdc" json:"is_usdc"`
	IsPublic    bool            `db:"is_public" json:"is_public"`
	StartTime   time.Time       `db:"start_time" json:"start_time"`
	EndTime     time.Time       `db:"end_time" json:"end_time"`
	Status      ChallengeStatus `db:"status" json:"status"`
	Winner      string          `db:"winner" json:"winner,omitempty"`
	WinnerScore int64           `db:"winner_score" json:"winner_score,omitempty"`
	WinMethod   WinMethod       `db:"win_method" json:"win_method,omitempty"`
	EndedAt     *time.Time      `db:"ended_at" json:"ended_at,omitempty"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time       `db:"updated_at" json:"updated_at"`
}

// Participant is a user's membership in a challenge
type Participant struct {
	ID               string               `db:"id" json:"id"`
	ChallengeID      string               `db:"challenge_id" json:"challenge_id"`
	Identity         string               `db:"identity" json:"identity"`
	Score            int64                `db:"score" json:"score"`
	HasJoined        bool                 `db:"has_joined" json:"has_joined"`
	HasSubmitted     bool                 `db:"has_submitted" json:"has_submitted"`
	JoinedAt         time.Time            `db:"joined_at" json:"joined_at"`
	LastVerification *time.Time           `db:"last_verification" json:"last_verification,omitempty"`
	Verification     *FitnessVerification `db:"-" json:"verification,omitempty"`
}

// ParticipantKey returns the deterministic record key for a participant
func ParticipantKey(challengeID, identity string) string {
	return challengeID + "_" + identity
}

// ActivitySession is a single tracked workout inside a verification window
type ActivitySession struct {
	Name         string    `json:"name"`
	StartTime    time.Time `json:"start_time"`
	EndTime      time.Time `json:"end_time"`
	DurationMs   int64     `json:"duration_ms"`
	ActivityType string    `json:"activity_type"`
}

// FitnessAggregate is the raw provider data summed over a window
type FitnessAggregate struct {
	Steps          int64             `json:"steps"`
	DistanceMeters float64           `json:"distance_meters"`
	ActiveMinutes  float64           `json:"active_minutes"`
	Calories       int64             `json:"calories"`
	Activities     []ActivitySession `json:"activities,omitempty"`
	Provider       string            `json:"provider"`
	FetchedAt      time.Time         `json:"fetched_at"`
}

// FitnessVerification is the outcome of one verification pipeline run
type FitnessVerification struct {
	ID              string           `db:"id" json:"id"`
	ChallengeID     string           `db:"challenge_id" json:"challenge_id"`
	Identity        string           `db:"identity" json:"identity"`
	ChallengeType   ChallengeType    `db:"challenge_type" json:"challenge_type"`
	WindowStart     time.Time        `db:"window_start" json:"window_start"`
	WindowEnd       time.Time        `db:"window_end" json:"window_end"`
	Raw             FitnessAggregate `db:"raw_data" json:"raw_data"`
	CalculatedScore int64            `db:"calculated_score" json:"calculated_score"`
	MeetsGoal       bool             `db:"meets_goal" json:"meets_goal"`
	VerifiedAt      time.Time        `db:"verified_at" json:"verified_at"`
	Hash            string           `db:"verification_hash" json:"verification_hash"`
	HashVersion     int              `db:"hash_version" json:"hash_version"`
}

// ChallengeFilter narrows a challenge listing
type ChallengeFilter struct {
	Status      ChallengeStatus
	Public      *bool
	Creator     string
	Participant string
	Limit       int
}
