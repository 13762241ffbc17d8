// Package account deletes a user and everything they own.
package account

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"growthscript/internal/auth"
	"growthscript/internal/storage"
)

// IdentityDeleter removes the identity at the auth provider.
type IdentityDeleter interface {
	Configured() bool
	DeleteUser(ctx context.Context, userID string) error
}

type SessionRevoker interface {
	Revoke(ctx context.Context, s auth.Session) error
}

type Service struct {
	store    *storage.Store
	identity IdentityDeleter
	revoker  SessionRevoker
	logger   zerolog.Logger
}

type Config struct {
	Store    *storage.Store
	Identity IdentityDeleter
	Revoker  SessionRevoker
	Logger   zerolog.Logger
}

func New(cfg Config) *Service {
	return &Service{store: cfg.Store, identity: cfg.Identity, revoker: cfg.Revoker, logger: cfg.Logger}
}

// Delete removes all rows owned by the session in one transaction, then the
// auth identity. Data is gone even when the identity step fails.
func (s *Service) Delete(ctx context.Context, sess auth.Session) error {
	if err := s.store.DeleteUserData(ctx, sess.UserID, sess.Email); err != nil {
		return fmt.Errorf("delete user data: %w", err)
	}
	log := s.logger.With().Str("user_id", sess.UserID).Logger()
	log.Info().Msg("user data deleted")

	if s.revoker != nil {
		if err := s.revoker.Revoke(ctx, sess); err != nil {
			log.Warn().Err(err).Msg("failed to revoke session after account deletion")
		}
	}

	if s.identity == nil || !s.identity.Configured() {
		log.Warn().Msg("auth admin client not configured, identity left in place")
		return nil
	}
	if err := s.identity.DeleteUser(ctx, sess.UserID); err != nil {
		return fmt.Errorf("delete auth user: %w", err)
	}
	log.Info().Msg("auth user deleted")
	return nil
}
