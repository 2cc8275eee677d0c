package rbac

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/platinummonkey/bastion/pkg/auth"
	"github.com/platinummonkey/bastion/pkg/observability"
)

// Checker answers permission questions for a principal
type Checker interface {
	EffectivePermissions(ctx context.Context, principal *auth.Principal) (EffectiveSet, error)
	HasPermission(ctx context.Context, principal *auth.Principal, perm Permission) (bool, error)
	HasAny(ctx context.Context, principal *auth.Principal, perms ...Permission) (bool, error)
	HasAll(ctx context.Context, principal *auth.Principal, perms ...Permission) (bool, error)
}

// ResolverConfig controls effective-set caching. A zero CacheTTL disables
// the cache. Cached sets never outlive the earliest expiry among the user
// grants they were built from.
type ResolverConfig struct {
	CacheTTL  time.Duration
	CacheSize int
}

type cachedSet struct {
	role      auth.Role
	set       EffectiveSet
	expiresAt time.Time
}

type resolved struct {
	set       EffectiveSet
	expiresAt time.Time
}

// Resolver computes effective permission sets from role grants, active user
// grants and the default role table
type Resolver struct {
	store  Store
	cache  *expirable.LRU[int64, cachedSet]
	ttl    time.Duration
	group  singleflight.Group
	logger *observability.Logger
	now    func() time.Time
}

// NewResolver creates a resolver over store
func NewResolver(store Store, cfg ResolverConfig, logger *observability.Logger) *Resolver {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	r := &Resolver{store: store, ttl: cfg.CacheTTL, logger: logger, now: time.Now}
	if cfg.CacheTTL > 0 {
		size := cfg.CacheSize
		if size <= 0 {
			size = 10000
		}
		r.cache = expirable.NewLRU[int64, cachedSet](size, nil, cfg.CacheTTL)
	}
	return r
}

// EffectivePermissions returns the union of the principal's role grants and
// unexpired user grants. When both are empty the default permissions for
// the principal's role are used and FromDefaults is set.
func (r *Resolver) EffectivePermissions(ctx context.Context, principal *auth.Principal) (EffectiveSet, error) {
	if r.cache != nil {
		if cached, ok := r.cache.Get(principal.ID); ok && cached.role == principal.Role {
			if r.now().Before(cached.expiresAt) {
				return cached.set, nil
			}
			r.cache.Remove(principal.ID)
		}
	}

	key := strconv.FormatInt(principal.ID, 10) + ":" + string(principal.Role)
	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		return r.resolve(ctx, principal)
	})
	if err != nil {
		return EffectiveSet{}, err
	}

	res := v.(resolved)
	if r.cache != nil {
		r.cache.Add(principal.ID, cachedSet{role: principal.Role, set: res.set, expiresAt: res.expiresAt})
	}
	return res.set, nil
}

func (r *Resolver) resolve(ctx context.Context, principal *auth.Principal) (resolved, error) {
	now := r.now()
	roleGrants, err := r.store.RoleGrants(ctx, principal.Role)
	if err != nil {
		return resolved{}, fmt.Errorf("failed to load role grants: %w", err)
	}
	userGrants, err := r.store.ActiveUserGrants(ctx, principal.ID, now)
	if err != nil {
		return resolved{}, fmt.Errorf("failed to load user grants: %w", err)
	}

	expiresAt := now.Add(r.ttl)
	if len(roleGrants) == 0 && len(userGrants) == 0 {
		r.logger.WithFields(map[string]interface{}{
			"user_id": principal.ID,
			"role":    principal.Role,
		}).Debug("no stored grants, using default role permissions")
		return resolved{set: newEffectiveSet(DefaultRolePermissions[principal.Role], true), expiresAt: expiresAt}, nil
	}

	perms := append([]Permission(nil), roleGrants...)
	for _, g := range userGrants {
		perms = append(perms, g.Permission)
		if g.ExpiresAt != nil && g.ExpiresAt.Before(expiresAt) {
			expiresAt = *g.ExpiresAt
		}
	}
	return resolved{set: newEffectiveSet(perms, false), expiresAt: expiresAt}, nil
}

// HasPermission reports whether principal holds perm or admin_all
func (r *Resolver) HasPermission(ctx context.Context, principal *auth.Principal, perm Permission) (bool, error) {
	set, err := r.EffectivePermissions(ctx, principal)
	if err != nil {
		return false, err
	}
	return set.Has(perm), nil
}

// HasAny reports whether principal holds at least one of perms
func (r *Resolver) HasAny(ctx context.Context, principal *auth.Principal, perms ...Permission) (bool, error) {
	set, err := r.EffectivePermissions(ctx, principal)
	if err != nil {
		return false, err
	}
	return set.HasAny(perms...), nil
}

// HasAll reports whether principal holds every one of perms
func (r *Resolver) HasAll(ctx context.Context, principal *auth.Principal, perms ...Permission) (bool, error) {
	set, err := r.EffectivePermissions(ctx, principal)
	if err != nil {
		return false, err
	}
	return set.HasAll(perms...), nil
}

// Invalidate drops the cached set for userID
func (r *Resolver) Invalidate(userID int64) {
	if r.cache != nil {
		r.cache.Remove(userID)
	}
}

// Purge drops every cached set. Role grant changes affect every holder of
// the role, so they purge rather than invalidate.
func (r *Resolver) Purge() {
	if r.cache != nil {
		r.cache.Purge()
	}
}
