package services

import (
	"sort"

	"github.com/fitwager/coordinator/internal/models"
)

// VerificationSummary aggregates the verified scores of a challenge
type VerificationSummary struct {
	TotalParticipants int     `json:"total_participants"`
	Verified          int     `json:"verified"`
	GoalMet           int     `json:"goal_met"`
	AverageScore      float64 `json:"average_score"`
	HighestScore      int64   `json:"highest_score"`
	LowestScore       int64   `json:"lowest_score"`
	Leader            string  `json:"leader,omitempty"`
}

// Summarize computes summary figures over the participants that have submitted
func Summarize(participants []models.Participant, goal int64) VerificationSummary {
	sum := VerificationSummary{TotalParticipants: len(participants)}

	var total int64
	for _, p := range participants {
		if !p.HasSubmitted {
			continue
		}
		if sum.Verified == 0 || p.Score > sum.HighestScore {
			sum.HighestScore = p.Score
			sum.Leader = p.Identity
		}
		if sum.Verified == 0 || p.Score < sum.LowestScore {
			sum.LowestScore = p.Score
		}
		if MeetsGoal(p.Score, goal) {
			sum.GoalMet++
		}
		sum.Verified++
		total += p.Score
	}

	if sum.Verified > 0 {
		sum.AverageScore = float64(total) / float64(sum.Verified)
	}
	return sum
}

// LeaderboardEntry is one ranked row of a challenge leaderboard
type LeaderboardEntry struct {
	Rank         int     `json:"rank"`
	Identity     string  `json:"identity"`
	Score        int64   `json:"score"`
	Display      string  `json:"display"`
	Completion   float64 `json:"completion"`
	MeetsGoal    bool    `json:"meets_goal"`
	HasSubmitted bool    `json:"has_submitted"`
}

// Leaderboard ranks participants by score, identity breaking ties.
// Equal scores share a rank.
func Leaderboard(c *models.Challenge, participants []models.Participant) []LeaderboardEntry {
	ranked := make([]models.Participant, len(participants))
	copy(ranked, participants)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].Identity < ranked[j].Identity
	})

	entries := make([]LeaderboardEntry, 0, len(ranked))
	for i, p := range ranked {
		rank := i + 1
		if i > 0 && p.Score == ranked[i-1].Score {
			rank = entries[i-1].Rank
		}
		entries = append(entries, LeaderboardEntry{
			Rank:         rank,
			Identity:     p.Identity,
			Score:        p.Score,
			Display:      FormatScore(p.Score, c.Type),
			Completion:   CompletionPercentage(p.Score, c.Goal),
			MeetsGoal:    p.HasSubmitted && MeetsGoal(p.Score, c.Goal),
			HasSubmitted: p.HasSubmitted,
		})
	}
	return entries
}
