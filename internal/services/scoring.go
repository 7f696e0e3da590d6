package services

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/fitwager/coordinator/internal/models"
)

// CalculateScore maps an aggregate to the integer score for a challenge type.
// Unknown types score 0 and the result is never negative.
func CalculateScore(agg models.FitnessAggregate, t models.ChallengeType) int64 {
	switch t {
	case models.ChallengeTypeSteps:
		return clampInt(agg.Steps)
	case models.ChallengeTypeDistance:
		return floorNonNegative(agg.DistanceMeters)
	case models.ChallengeTypeDuration:
		return floorNonNegative(agg.ActiveMinutes)
	case models.ChallengeTypeCalories:
		return clampInt(agg.Calories)
	default:
		return 0
	}
}

// MeetsGoal reports whether score reaches goal. A zero goal is always met.
func MeetsGoal(score, goal int64) bool {
	return score >= goal
}

// CompletionPercentage returns progress toward goal rounded to one decimal, capped at 100
func CompletionPercentage(score, goal int64) float64 {
	if goal <= 0 {
		return 0
	}
	pct := math.Round(float64(score)/float64(goal)*1000) / 10
	return math.Min(pct, 100)
}

// ScoreLabel returns the unit name for a challenge type
func ScoreLabel(t models.ChallengeType) string {
	switch t {
	case models.ChallengeTypeSteps:
		return "steps"
	case models.ChallengeTypeDistance:
		return "meters"
	case models.ChallengeTypeDuration:
		return "minutes"
	case models.ChallengeTypeCalories:
		return "calories"
	default:
		return "points"
	}
}

// FormatScore renders a score for display
func FormatScore(score int64, t models.ChallengeType) string {
	switch t {
	case models.ChallengeTypeSteps:
		return groupThousands(score)
	case models.ChallengeTypeDistance:
		if score >= 1000 {
			return fmt.Sprintf("%.2f km", float64(score)/1000)
		}
		return fmt.Sprintf("%d m", score)
	case models.ChallengeTypeDuration:
		if score >= 60 {
			return fmt.Sprintf("%dh %dm", score/60, score%60)
		}
		return fmt.Sprintf("%d min", score)
	case models.ChallengeTypeCalories:
		return groupThousands(score) + " cal"
	default:
		return strconv.FormatInt(score, 10)
	}
}

func clampInt(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

func floorNonNegative(v float64) int64 {
	if math.IsNaN(v) || v <= 0 {
		return 0
	}
	if v >= math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(math.Floor(v))
}

func groupThousands(v int64) string {
	s := strconv.FormatInt(v, 10)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}

	var b strings.Builder
	for i, r := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	if neg {
		return "-" + b.String()
	}
	return b.String()
}
