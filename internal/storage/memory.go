package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/fitwager/coordinator/internal/models"
)

// Memory is an in-process Store, used for development and tests
type Memory struct {
	mu            sync.RWMutex
	challenges    map[string]models.Challenge
	participants  map[string]models.Participant
	verifications map[string]models.FitnessVerification
	log           map[string][]models.FitnessVerification
	users         map[string]models.User
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		challenges:    make(map[string]models.Challenge),
		participants:  make(map[string]models.Participant),
		verifications: make(map[string]models.FitnessVerification),
		log:           make(map[string][]models.FitnessVerification),
		users:         make(map[string]models.User),
	}
}

func (m *Memory) CreateChallenge(ctx context.Context, c *models.Challenge) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.challenges[c.ID]; ok {
		return alreadyExists("challenge", c.ID)
	}
	m.challenges[c.ID] = copyChallenge(c)
	return nil
}

func (m *Memory) GetChallenge(ctx context.Context, id string) (*models.Challenge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.challenges[id]
	if !ok {
		return nil, notFound("challenge", id)
	}
	out := copyChallenge(&c)
	return &out, nil
}

func (m *Memory) UpdateChallenge(ctx context.Context, c *models.Challenge) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.challenges[c.ID]; !ok {
		return notFound("challenge", c.ID)
	}
	m.challenges[c.ID] = copyChallenge(c)
	return nil
}

func (m *Memory) ListChallenges(ctx context.Context, filter models.ChallengeFilter) ([]models.Challenge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	joined := func(challengeID string) bool {
		p, ok := m.participants[models.ParticipantKey(challengeID, filter.Participant)]
		return ok && p.HasJoined
	}

	var out []models.Challenge
	for _, c := range m.challenges {
		c := c
		if matchesFilter(&c, filter, joined) {
			out = append(out, copyChallenge(&c))
		}
	}
	sortChallenges(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *Memory) GetParticipant(ctx context.Context, challengeID, identity string) (*models.Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	key := models.ParticipantKey(challengeID, identity)
	p, ok := m.participants[key]
	if !ok {
		return nil, notFound("participant", key)
	}
	out := copyParticipant(&p)
	return &out, nil
}

func (m *Memory) UpsertParticipant(ctx context.Context, p *models.Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.challenges[p.ChallengeID]; !ok {
		return notFound("challenge", p.ChallengeID)
	}
	p.ID = models.ParticipantKey(p.ChallengeID, p.Identity)
	m.participants[p.ID] = copyParticipant(p)
	return nil
}

func (m *Memory) ListParticipants(ctx context.Context, challengeID string) ([]models.Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.Participant
	for _, p := range m.participants {
		if p.ChallengeID == challengeID {
			p := p
			out = append(out, copyParticipant(&p))
		}
	}
	sortParticipants(out)
	return out, nil
}

func (m *Memory) GetVerification(ctx context.Context, challengeID, identity string) (*models.FitnessVerification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	key := models.ParticipantKey(challengeID, identity)
	v, ok := m.verifications[key]
	if !ok {
		return nil, notFound("verification", key)
	}
	out := copyVerification(&v)
	return &out, nil
}

func (m *Memory) UpsertVerification(ctx context.Context, v *models.FitnessVerification) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v.ID = models.ParticipantKey(v.ChallengeID, v.Identity)
	m.verifications[v.ID] = copyVerification(v)
	return nil
}

func (m *Memory) ListVerificationLog(ctx context.Context, challengeID, identity string) ([]models.FitnessVerification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := m.log[models.ParticipantKey(challengeID, identity)]
	out := make([]models.FitnessVerification, 0, len(entries))
	for i := range entries {
		out = append(out, copyVerification(&entries[i]))
	}
	return out, nil
}

func (m *Memory) CommitVerification(ctx context.Context, v *models.FitnessVerification, p *models.Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.challenges[p.ChallengeID]; !ok {
		return notFound("challenge", p.ChallengeID)
	}

	key := models.ParticipantKey(v.ChallengeID, v.Identity)
	v.ID = key
	p.ID = models.ParticipantKey(p.ChallengeID, p.Identity)

	m.verifications[key] = copyVerification(v)
	m.participants[p.ID] = copyParticipant(p)
	m.log[key] = append(m.log[key], copyVerification(v))
	return nil
}

func (m *Memory) GetUser(ctx context.Context, id string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, notFound("user", id)
	}
	return &u, nil
}

func (m *Memory) UpsertUser(ctx context.Context, u *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.users[u.ID]; ok && u.CreatedAt.IsZero() {
		u.CreatedAt = existing.CreatedAt
	}
	m.users[u.ID] = *u
	return nil
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

func copyChallenge(c *models.Challenge) models.Challenge {
	out := *c
	if c.EndedAt != nil {
		t := *c.EndedAt
		out.EndedAt = &t
	}
	return out
}

func copyParticipant(p *models.Participant) models.Participant {
	out := *p
	if p.LastVerification != nil {
		t := *p.LastVerification
		out.LastVerification = &t
	}
	if p.Verification != nil {
		v := copyVerification(p.Verification)
		out.Verification = &v
	}
	return out
}

func copyVerification(v *models.FitnessVerification) models.FitnessVerification {
	out := *v
	if v.Raw.Activities != nil {
		out.Raw.Activities = append([]models.ActivitySession(nil), v.Raw.Activities...)
	}
	return out
}

// sortChallenges orders newest first, ID breaking ties
func sortChallenges(cs []models.Challenge) {
	sort.Slice(cs, func(i, j int) bool {
		if !cs[i].CreatedAt.Equal(cs[j].CreatedAt) {
			return cs[i].CreatedAt.After(cs[j].CreatedAt)
		}
		return cs[i].ID < cs[j].ID
	})
}

// sortParticipants orders by join time, identity breaking ties
func sortParticipants(ps []models.Participant) {
	sort.Slice(ps, func(i, j int) bool {
		if !ps[i].JoinedAt.Equal(ps[j].JoinedAt) {
			return ps[i].JoinedAt.Before(ps[j].JoinedAt)
		}
		return ps[i].Identity < ps[j].Identity
	})
}
