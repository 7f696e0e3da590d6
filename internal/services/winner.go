package services

import (
	"math/rand/v2"
	"sort"

	"github.com/fitwager/coordinator/internal/config"
	"github.com/fitwager/coordinator/internal/models"
)

// WinnerResult is the outcome of winner determination
type WinnerResult struct {
	Winner string           `json:"winner"`
	Score  int64            `json:"score"`
	Method models.WinMethod `json:"method"`
	Tied   []string         `json:"tied,omitempty"`
}

// TieBreaker picks one identity out of a non-empty, sorted tie
type TieBreaker func(tied []string) string

// RandomTieBreaker picks uniformly at random
func RandomTieBreaker(tied []string) string {
	return tied[rand.IntN(len(tied))]
}

// LexicographicTieBreaker picks the smallest identity, giving reproducible outcomes
func LexicographicTieBreaker(tied []string) string {
	return tied[0]
}

// WinnerResolver decides who takes the pot when a challenge ends
type WinnerResolver struct {
	tieBreak  TieBreaker
	tieMethod models.WinMethod
}

// NewWinnerResolver builds a resolver for a configured tie-break policy
func NewWinnerResolver(policy string) *WinnerResolver {
	if policy == config.TieBreakLexicographic {
		return NewWinnerResolverWith(LexicographicTieBreaker, models.WinMethodLexicographic)
	}
	return NewWinnerResolverWith(RandomTieBreaker, models.WinMethodRandom)
}

// NewWinnerResolverWith uses a caller-supplied tie breaker. method is
// recorded on results decided by a tie break.
func NewWinnerResolverWith(tb TieBreaker, method models.WinMethod) *WinnerResolver {
	return &WinnerResolver{tieBreak: tb, tieMethod: method}
}

// Resolve determines the winner. An explicit winner always wins with its
// recorded score (0 when not a participant). Otherwise the highest score
// wins and ties are broken by the resolver's policy. It returns nil when
// there is nobody to choose from.
func (r *WinnerResolver) Resolve(participants []models.Participant, explicit string) *WinnerResult {
	if explicit != "" {
		res := &WinnerResult{Winner: explicit, Method: models.WinMethodExplicit}
		for _, p := range participants {
			if p.Identity == explicit {
				res.Score = p.Score
				break
			}
		}
		return res
	}

	if len(participants) == 0 {
		return nil
	}

	ranked := make([]models.Participant, len(participants))
	copy(ranked, participants)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].Identity < ranked[j].Identity
	})

	top := ranked[0].Score
	var tied []string
	for _, p := range ranked {
		if p.Score != top {
			break
		}
		tied = append(tied, p.Identity)
	}

	if len(tied) == 1 {
		return &WinnerResult{Winner: tied[0], Score: top, Method: models.WinMethodHighestScore}
	}
	return &WinnerResult{
		Winner: r.tieBreak(tied),
		Score:  top,
		Method: r.tieMethod,
		Tied:   tied,
	}
}
