package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fitwager/coordinator/internal/fitness"
	"github.com/fitwager/coordinator/internal/models"
	"github.com/fitwager/coordinator/internal/storage"
)

// CredentialService stores fitness-provider credentials and keeps them usable
type CredentialService struct {
	store          storage.Store
	provider       fitness.Provider
	clock          clock.Clock
	refreshTimeout time.Duration
	logger         *slog.Logger
}

// NewCredentialService creates a new credential service
func NewCredentialService(store storage.Store, provider fitness.Provider, clk clock.Clock, refreshTimeout time.Duration, logger *slog.Logger) *CredentialService {
	if logger == nil {
		logger = slog.Default()
	}
	return &CredentialService{
		store:          store,
		provider:       provider,
		clock:          clk,
		refreshTimeout: refreshTimeout,
		logger:         logger,
	}
}

// LinkCredentialRequest hands over tokens obtained by the external OAuth flow
type LinkCredentialRequest struct {
	Email        string    `json:"email"`
	AccessToken  string    `json:"access_token" binding:"required"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at" binding:"required"`
}

// Link stores a credential for identity, creating the user if needed
func (s *CredentialService) Link(ctx context.Context, identity string, req LinkCredentialRequest) (*models.User, error) {
	now := s.clock.Now().UTC()

	user, err := s.store.GetUser(ctx, identity)
	if errors.Is(err, storage.ErrNotFound) {
		user = &models.User{ID: identity, CreatedAt: now}
	} else if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}

	if req.Email != "" {
		user.Email = req.Email
	}
	user.AccessToken = req.AccessToken
	if req.RefreshToken != "" {
		user.RefreshToken = req.RefreshToken
	}
	user.TokenExpiry = req.ExpiresAt.UTC()
	user.UpdatedAt = now

	if err := s.store.UpsertUser(ctx, user); err != nil {
		return nil, fmt.Errorf("failed to store credential: %w", err)
	}
	return user, nil
}

// AccessToken returns a usable access token for identity. An identity with
// no user record is ErrNotFound. An expired token is refreshed at most once
// and the result persisted; any failure along the way is ErrCredentialExpired.
func (s *CredentialService) AccessToken(ctx context.Context, identity string) (string, error) {
	user, err := s.store.GetUser(ctx, identity)
	if errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("%w: user %s has no linked fitness credential", ErrNotFound, identity)
	}
	if err != nil {
		return "", fmt.Errorf("failed to load user: %w", err)
	}

	now := s.clock.Now()
	if !user.CredentialExpired(now) {
		return user.AccessToken, nil
	}

	if user.RefreshToken == "" {
		return "", fmt.Errorf("%w: access token expired and no refresh token stored", ErrCredentialExpired)
	}

	rctx := ctx
	if s.refreshTimeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, s.refreshTimeout)
		defer cancel()
	}

	cred, err := s.provider.RefreshCredential(rctx, user.RefreshToken)
	if err != nil {
		s.logger.Warn("credential refresh failed", "identity", identity, "error", err)
		return "", fmt.Errorf("%w: %w", ErrCredentialExpired, err)
	}

	user.AccessToken = cred.AccessToken
	if cred.RefreshToken != "" {
		user.RefreshToken = cred.RefreshToken
	}
	user.TokenExpiry = cred.Expiry.UTC()
	user.UpdatedAt = now.UTC()

	if err := s.store.UpsertUser(ctx, user); err != nil {
		return "", fmt.Errorf("failed to persist refreshed credential: %w", err)
	}

	s.logger.Debug("credential refreshed", "identity", identity, "expiry", user.TokenExpiry)
	return user.AccessToken, nil
}
