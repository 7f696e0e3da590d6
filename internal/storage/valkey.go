package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fitwager/coordinator/internal/models"
	valkey "github.com/redis/go-redis/v9"
)

var (
	ErrNoURL  = errors.New("valkey: no URL defined")
	ErrBadURL = errors.New("valkey: URL is invalid")
)

// ValkeyConfig configures the Valkey/Redis backend
type ValkeyConfig struct {
	URL    string
	Prefix string
}

func (c ValkeyConfig) Valid() error {
	if c.URL == "" {
		return ErrNoURL
	}
	if _, err := valkey.ParseURL(c.URL); err != nil {
		return fmt.Errorf("%w: %v", ErrBadURL, err)
	}
	return nil
}

// Valkey stores records as JSON documents with set-based indexes
type Valkey struct {
	client valkey.UniversalClient
	prefix string
}

var _ Store = (*Valkey)(nil)

// NewValkey connects to the server named by cfg.URL and pings it
func NewValkey(ctx context.Context, cfg ValkeyConfig) (*Valkey, error) {
	if err := cfg.Valid(); err != nil {
		return nil, err
	}

	opts, err := valkey.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("valkey: %w", err)
	}

	client := valkey.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("valkey: ping failed: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "fitwager"
	}
	return &Valkey{client: client, prefix: prefix}, nil
}

func (s *Valkey) key(parts ...string) string {
	k := s.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (s *Valkey) challengeKey(id string) string {
	return s.key("challenge", id)
}

func (s *Valkey) challengeIndexKey() string {
	return s.key("challenges")
}

func (s *Valkey) participantKey(challengeID, identity string) string {
	return s.key("participant", models.ParticipantKey(challengeID, identity))
}

func (s *Valkey) participantIndexKey(challengeID string) string {
	return s.key("participants", challengeID)
}

// joinedIndexKey indexes the challenges an identity has joined
func (s *Valkey) joinedIndexKey(identity string) string {
	return s.key("joined", identity)
}

func (s *Valkey) verificationKey(challengeID, identity string) string {
	return s.key("verification", models.ParticipantKey(challengeID, identity))
}

func (s *Valkey) logKey(challengeID, identity string) string {
	return s.key("verification_log", models.ParticipantKey(challengeID, identity))
}

func (s *Valkey) userKey(id string) string {
	return s.key("user", id)
}

func (s *Valkey) getJSON(ctx context.Context, key, kind, id string, dst any) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, valkey.Nil) {
		return notFound(kind, id)
	}
	if err != nil {
		return fmt.Errorf("failed to get %s: %w", kind, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("failed to decode %s: %w", kind, err)
	}
	return nil
}

func (s *Valkey) requireChallenge(ctx context.Context, id string) error {
	n, err := s.client.Exists(ctx, s.challengeKey(id)).Result()
	if err != nil {
		return fmt.Errorf("failed to check challenge existence: %w", err)
	}
	if n == 0 {
		return notFound("challenge", id)
	}
	return nil
}

func (s *Valkey) CreateChallenge(ctx context.Context, c *models.Challenge) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode challenge: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.challengeKey(c.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to create challenge: %w", err)
	}
	if !ok {
		return alreadyExists("challenge", c.ID)
	}
	if err := s.client.SAdd(ctx, s.challengeIndexKey(), c.ID).Err(); err != nil {
		return fmt.Errorf("failed to index challenge: %w", err)
	}
	return nil
}

func (s *Valkey) GetChallenge(ctx context.Context, id string) (*models.Challenge, error) {
	var c models.Challenge
	if err := s.getJSON(ctx, s.challengeKey(id), "challenge", id, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Valkey) UpdateChallenge(ctx context.Context, c *models.Challenge) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode challenge: %w", err)
	}
	ok, err := s.client.SetXX(ctx, s.challengeKey(c.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to update challenge: %w", err)
	}
	if !ok {
		return notFound("challenge", c.ID)
	}
	return nil
}

func (s *Valkey) ListChallenges(ctx context.Context, filter models.ChallengeFilter) ([]models.Challenge, error) {
	ids, err := s.client.SMembers(ctx, s.challengeIndexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list challenges: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	joined := map[string]bool{}
	if filter.Participant != "" {
		member, err := s.client.SMembers(ctx, s.joinedIndexKey(filter.Participant)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list joined challenges: %w", err)
		}
		for _, id := range member {
			joined[id] = true
		}
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.challengeKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load challenges: %w", err)
	}

	var out []models.Challenge
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var c models.Challenge
		if err := json.Unmarshal([]byte(str), &c); err != nil {
			return nil, fmt.Errorf("failed to decode challenge: %w", err)
		}
		if matchesFilter(&c, filter, func(id string) bool { return joined[id] }) {
			out = append(out, c)
		}
	}
	sortChallenges(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Valkey) GetParticipant(ctx context.Context, challengeID, identity string) (*models.Participant, error) {
	var p models.Participant
	key := models.ParticipantKey(challengeID, identity)
	if err := s.getJSON(ctx, s.participantKey(challengeID, identity), "participant", key, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Valkey) writeParticipant(ctx context.Context, pipe valkey.Pipeliner, p *models.Participant) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode participant: %w", err)
	}
	pipe.Set(ctx, s.participantKey(p.ChallengeID, p.Identity), data, 0)
	pipe.SAdd(ctx, s.participantIndexKey(p.ChallengeID), p.Identity)
	if p.HasJoined {
		pipe.SAdd(ctx, s.joinedIndexKey(p.Identity), p.ChallengeID)
	} else {
		pipe.SRem(ctx, s.joinedIndexKey(p.Identity), p.ChallengeID)
	}
	return nil
}

func (s *Valkey) UpsertParticipant(ctx context.Context, p *models.Participant) error {
	if err := s.requireChallenge(ctx, p.ChallengeID); err != nil {
		return err
	}
	p.ID = models.ParticipantKey(p.ChallengeID, p.Identity)

	_, err := s.client.TxPipelined(ctx, func(pipe valkey.Pipeliner) error {
		return s.writeParticipant(ctx, pipe, p)
	})
	if err != nil {
		return fmt.Errorf("failed to upsert participant: %w", err)
	}
	return nil
}

func (s *Valkey) ListParticipants(ctx context.Context, challengeID string) ([]models.Participant, error) {
	identities, err := s.client.SMembers(ctx, s.participantIndexKey(challengeID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}
	if len(identities) == 0 {
		return nil, nil
	}

	keys := make([]string, len(identities))
	for i, who := range identities {
		keys[i] = s.participantKey(challengeID, who)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load participants: %w", err)
	}

	var out []models.Participant
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var p models.Participant
		if err := json.Unmarshal([]byte(str), &p); err != nil {
			return nil, fmt.Errorf("failed to decode participant: %w", err)
		}
		out = append(out, p)
	}
	sortParticipants(out)
	return out, nil
}

func (s *Valkey) GetVerification(ctx context.Context, challengeID, identity string) (*models.FitnessVerification, error) {
	var v models.FitnessVerification
	key := models.ParticipantKey(challengeID, identity)
	if err := s.getJSON(ctx, s.verificationKey(challengeID, identity), "verification", key, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *Valkey) UpsertVerification(ctx context.Context, v *models.FitnessVerification) error {
	if err := s.requireChallenge(ctx, v.ChallengeID); err != nil {
		return err
	}
	v.ID = models.ParticipantKey(v.ChallengeID, v.Identity)

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode verification: %w", err)
	}
	if err := s.client.Set(ctx, s.verificationKey(v.ChallengeID, v.Identity), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to upsert verification: %w", err)
	}
	return nil
}

func (s *Valkey) ListVerificationLog(ctx context.Context, challengeID, identity string) ([]models.FitnessVerification, error) {
	entries, err := s.client.LRange(ctx, s.logKey(challengeID, identity), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list verification log: %w", err)
	}

	out := make([]models.FitnessVerification, 0, len(entries))
	for _, e := range entries {
		var v models.FitnessVerification
		if err := json.Unmarshal([]byte(e), &v); err != nil {
			return nil, fmt.Errorf("failed to decode verification: %w", err)
		}
		out = append(out, v)
	}
	return out, nil
}

// CommitVerification applies all writes inside one MULTI/EXEC block
func (s *Valkey) CommitVerification(ctx context.Context, v *models.FitnessVerification, p *models.Participant) error {
	if err := s.requireChallenge(ctx, p.ChallengeID); err != nil {
		return err
	}
	v.ID = models.ParticipantKey(v.ChallengeID, v.Identity)
	p.ID = models.ParticipantKey(p.ChallengeID, p.Identity)

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode verification: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe valkey.Pipeliner) error {
		pipe.Set(ctx, s.verificationKey(v.ChallengeID, v.Identity), data, 0)
		pipe.RPush(ctx, s.logKey(v.ChallengeID, v.Identity), data)
		return s.writeParticipant(ctx, pipe, p)
	})
	if err != nil {
		return fmt.Errorf("failed to commit verification: %w", err)
	}
	return nil
}

// storedUser carries the credential fields that models.User hides from JSON
type storedUser struct {
	models.User
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

func (s *Valkey) GetUser(ctx context.Context, id string) (*models.User, error) {
	var su storedUser
	if err := s.getJSON(ctx, s.userKey(id), "user", id, &su); err != nil {
		return nil, err
	}
	u := su.User
	u.AccessToken = su.AccessToken
	u.RefreshToken = su.RefreshToken
	return &u, nil
}

func (s *Valkey) UpsertUser(ctx context.Context, u *models.User) error {
	data, err := json.Marshal(storedUser{User: *u, AccessToken: u.AccessToken, RefreshToken: u.RefreshToken})
	if err != nil {
		return fmt.Errorf("failed to encode user: %w", err)
	}
	if err := s.client.Set(ctx, s.userKey(u.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}
	return nil
}

func (s *Valkey) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Valkey) Close() error {
	return s.client.Close()
}
