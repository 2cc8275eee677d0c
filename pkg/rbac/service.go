package rbac

import (
	"context"
	"fmt"
	"time"

	"github.com/platinummonkey/bastion/pkg/auth"
)

// ChangeRecorder writes the compliance record for a grant change
type ChangeRecorder interface {
	LogPermissionChange(ctx context.Context, actorID *int64, targetUserID int64, permission string, granted bool) error
	LogRolePermissionChange(ctx context.Context, actorID *int64, role string, permission string, granted bool) error
}

// Service applies grant changes, records them and invalidates cached sets
type Service struct {
	store    Store
	resolver *Resolver
	recorder ChangeRecorder
}

// NewService creates a grant service. recorder is required.
func NewService(store Store, resolver *Resolver, recorder ChangeRecorder) *Service {
	return &Service{store: store, resolver: resolver, recorder: recorder}
}

// Grant gives userID perm until expiresAt (nil means no expiry)
func (s *Service) Grant(ctx context.Context, actorID *int64, userID int64, perm Permission, expiresAt *time.Time) error {
	if !perm.Valid() {
		return fmt.Errorf("unknown permission %q", perm)
	}

	err := s.store.GrantUserPermission(ctx, UserGrant{
		UserID:     userID,
		Permission: perm,
		GrantedBy:  actorID,
		GrantedAt:  time.Now(),
		ExpiresAt:  expiresAt,
	})
	if err != nil {
		return err
	}
	s.invalidate(userID)

	if err := s.recorder.LogPermissionChange(ctx, actorID, userID, string(perm), true); err != nil {
		return fmt.Errorf("failed to record permission grant: %w", err)
	}
	return nil
}

// Revoke removes perm from userID
func (s *Service) Revoke(ctx context.Context, actorID *int64, userID int64, perm Permission) error {
	if err := s.store.RevokeUserPermission(ctx, userID, perm); err != nil {
		return err
	}
	s.invalidate(userID)

	if err := s.recorder.LogPermissionChange(ctx, actorID, userID, string(perm), false); err != nil {
		return fmt.Errorf("failed to record permission revoke: %w", err)
	}
	return nil
}

// GrantRole adds perm to every holder of role
func (s *Service) GrantRole(ctx context.Context, actorID *int64, role auth.Role, perm Permission) error {
	if !role.Valid() {
		return fmt.Errorf("unknown role %q", role)
	}
	if !perm.Valid() {
		return fmt.Errorf("unknown permission %q", perm)
	}

	if err := s.store.GrantRolePermission(ctx, role, perm); err != nil {
		return err
	}
	s.purge()

	if err := s.recorder.LogRolePermissionChange(ctx, actorID, string(role), string(perm), true); err != nil {
		return fmt.Errorf("failed to record role permission grant: %w", err)
	}
	return nil
}

// RevokeRole removes perm from role
func (s *Service) RevokeRole(ctx context.Context, actorID *int64, role auth.Role, perm Permission) error {
	if err := s.store.RevokeRolePermission(ctx, role, perm); err != nil {
		return err
	}
	s.purge()

	if err := s.recorder.LogRolePermissionChange(ctx, actorID, string(role), string(perm), false); err != nil {
		return fmt.Errorf("failed to record role permission revoke: %w", err)
	}
	return nil
}

// Grants lists stored grants for userID
func (s *Service) Grants(ctx context.Context, userID int64) ([]UserGrant, error) {
	return s.store.ListUserGrants(ctx, userID)
}

func (s *Service) invalidate(userID int64) {
	if s.resolver != nil {
		s.resolver.Invalidate(userID)
	}
}

func (s *Service) purge() {
	if s.resolver != nil {
		s.resolver.Purge()
	}
}
