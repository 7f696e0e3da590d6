// Package fitness fetches activity aggregates from fitness-tracker APIs.
package fitness

import (
	"context"
	"time"

	"github.com/fitwager/coordinator/internal/models"
)

// Credential is a provider access credential
type Credential struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// Provider is a source of fitness aggregates
type Provider interface {
	Name() string
	FetchAggregate(ctx context.Context, accessToken string, start, end time.Time) (*models.FitnessAggregate, error)
	RefreshCredential(ctx context.Context, refreshToken string) (*Credential, error)
}
