package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/fitwager/coordinator/internal/config"
	"github.com/fitwager/coordinator/internal/models"
)

var (
	ErrNotFound      = errors.New("storage: not found")
	ErrAlreadyExists = errors.New("storage: already exists")
)

// Store is the persistence contract shared by every backend
type Store interface {
	CreateChallenge(ctx context.Context, c *models.Challenge) error
	GetChallenge(ctx context.Context, id string) (*models.Challenge, error)
	UpdateChallenge(ctx context.Context, c *models.Challenge) error
	ListChallenges(ctx context.Context, filter models.ChallengeFilter) ([]models.Challenge, error)

	GetParticipant(ctx context.Context, challengeID, identity string) (*models.Participant, error)
	UpsertParticipant(ctx context.Context, p *models.Participant) error
	ListParticipants(ctx context.Context, challengeID string) ([]models.Participant, error)

	GetVerification(ctx context.Context, challengeID, identity string) (*models.FitnessVerification, error)
	UpsertVerification(ctx context.Context, v *models.FitnessVerification) error
	ListVerificationLog(ctx context.Context, challengeID, identity string) ([]models.FitnessVerification, error)

	// CommitVerification overwrites the live verification, updates the
	// participant and appends to the audit log as one atomic unit.
	CommitVerification(ctx context.Context, v *models.FitnessVerification, p *models.Participant) error

	GetUser(ctx context.Context, id string) (*models.User, error)
	UpsertUser(ctx context.Context, u *models.User) error

	Ping(ctx context.Context) error
	Close() error
}

// Migrator is implemented by backends that carry a schema
type Migrator interface {
	Migrate(ctx context.Context, migrationsPath string) error
}

// Open builds the backend named by cfg.Driver
func Open(ctx context.Context, cfg config.DatabaseConfig) (Store, error) {
	var (
		s   Store
		err error
	)
	switch cfg.Driver {
	case "", "memory":
		return NewMemory(), nil
	case "postgres":
		s, err = asStore(NewPostgres(ctx, cfg.DatabaseURL()))
	case "sqlite":
		s, err = asStore(NewSQLite(cfg.SQLitePath))
	case "valkey":
		s, err = asStore(NewValkey(ctx, ValkeyConfig{URL: cfg.ValkeyURL}))
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Driver, err)
	}
	return s, nil
}

// asStore keeps a failed constructor's typed nil out of the interface
func asStore[T Store](s T, err error) (Store, error) {
	if err != nil {
		return nil, err
	}
	return s, nil
}

func notFound(kind, key string) error {
	return fmt.Errorf("%w: %s %q", ErrNotFound, kind, key)
}

func alreadyExists(kind, key string) error {
	return fmt.Errorf("%w: %s %q", ErrAlreadyExists, kind, key)
}

func matchesFilter(c *models.Challenge, f models.ChallengeFilter, joined func(challengeID string) bool) bool {
	if f.Status != "" && c.Status != f.Status {
		return false
	}
	if f.Public != nil && c.IsPublic != *f.Public {
		return false
	}
	if f.Creator != "" && c.Creator != f.Creator {
		return false
	}
	if f.Participant != "" && !joined(c.ID) {
		return false
	}
	return true
}
