package rbac

import (
	"sort"
	"time"

	"github.com/platinummonkey/bastion/pkg/auth"
)

// Permission is a named capability
type Permission string

const (
	PermReadUser          Permission = "read_user"
	PermWriteUser         Permission = "write_user"
	PermDeleteUser        Permission = "delete_user"
	PermReadProject       Permission = "read_project"
	PermWriteProject      Permission = "write_project"
	PermDeleteProject     Permission = "delete_project"
	PermReadAPIKey        Permission = "read_api_key"
	PermWriteAPIKey       Permission = "write_api_key"
	PermDeleteAPIKey      Permission = "delete_api_key"
	PermReadSubscription  Permission = "read_subscription"
	PermWriteSubscription Permission = "write_subscription"
	PermReadUsage         Permission = "read_usage"
	PermWriteUsage        Permission = "write_usage"
	PermExternalRead      Permission = "external_read"
	PermExternalWrite     Permission = "external_write"
	PermWebhookAccess     Permission = "webhook_access"
	PermReadSensitive     Permission = "read_sensitive"
	PermWriteSensitive    Permission = "write_sensitive"

	// PermAdminAll implies every other permission
	PermAdminAll Permission = "admin_all"
)

// AllPermissions returns the closed permission set
func AllPermissions() []Permission {
	return []Permission{
		PermReadUser, PermWriteUser, PermDeleteUser,
		PermReadProject, PermWriteProject, PermDeleteProject,
		PermReadAPIKey, PermWriteAPIKey, PermDeleteAPIKey,
		PermReadSubscription, PermWriteSubscription,
		PermReadUsage, PermWriteUsage,
		PermExternalRead, PermExternalWrite, PermWebhookAccess,
		PermReadSensitive, PermWriteSensitive,
		PermAdminAll,
	}
}

// Valid reports whether p is a known permission
func (p Permission) Valid() bool {
	for _, known := range AllPermissions() {
		if p == known {
			return true
		}
	}
	return false
}

// DefaultRolePermissions is used when neither role grants nor user grants
// exist for a principal, and is the seed for the role_permissions table.
var DefaultRolePermissions = map[auth.Role][]Permission{
	auth.RoleAdmin: {
		PermAdminAll,
		PermReadUser, PermWriteUser, PermDeleteUser,
		PermReadProject, PermWriteProject, PermDeleteProject,
		PermReadAPIKey, PermWriteAPIKey, PermDeleteAPIKey,
		PermReadSubscription, PermWriteSubscription,
		PermReadUsage, PermWriteUsage,
		PermExternalRead, PermExternalWrite, PermWebhookAccess,
		PermReadSensitive, PermWriteSensitive,
	},
	auth.RolePremium: {
		PermReadUser, PermWriteUser,
		PermReadProject, PermWriteProject, PermDeleteProject,
		PermReadAPIKey, PermWriteAPIKey, PermDeleteAPIKey,
		PermReadSubscription,
		PermReadUsage, PermWriteUsage,
		PermExternalRead, PermExternalWrite,
		PermReadSensitive,
	},
	auth.RoleUser: {
		PermReadUser, PermWriteUser,
		PermReadProject, PermWriteProject,
		PermReadAPIKey, PermWriteAPIKey,
		PermReadSubscription,
		PermReadUsage,
	},
	auth.RoleAPIIntegration: {
		PermReadUser, PermReadProject, PermReadAPIKey,
		PermExternalRead, PermExternalWrite, PermWebhookAccess,
	},
	auth.RoleExternalService: {
		PermExternalRead, PermExternalWrite, PermWebhookAccess,
	},
}

// RoleGrant assigns a permission to every principal with a role
type RoleGrant struct {
	Role       auth.Role  `json:"role"`
	Permission Permission `json:"permission"`
}

// UserGrant assigns a permission to a single principal, optionally until
// ExpiresAt
type UserGrant struct {
	UserID     int64      `json:"user_id"`
	Permission Permission `json:"permission"`
	GrantedBy  *int64     `json:"granted_by,omitempty"`
	GrantedAt  time.Time  `json:"granted_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// EffectiveSet is the union of a principal's role and user grants.
// FromDefaults is true when both were empty and the built-in role table
// was used instead.
type EffectiveSet struct {
	Permissions  map[Permission]struct{}
	FromDefaults bool
}

func newEffectiveSet(perms []Permission, fromDefaults bool) EffectiveSet {
	set := EffectiveSet{Permissions: make(map[Permission]struct{}, len(perms)), FromDefaults: fromDefaults}
	for _, p := range perms {
		set.Permissions[p] = struct{}{}
	}
	return set
}

// Has reports whether p is granted. admin_all grants everything.
func (s EffectiveSet) Has(p Permission) bool {
	if _, ok := s.Permissions[PermAdminAll]; ok {
		return true
	}
	_, ok := s.Permissions[p]
	return ok
}

// HasAny reports whether at least one of perms is granted
func (s EffectiveSet) HasAny(perms ...Permission) bool {
	for _, p := range perms {
		if s.Has(p) {
			return true
		}
	}
	return false
}

// HasAll reports whether every one of perms is granted
func (s EffectiveSet) HasAll(perms ...Permission) bool {
	for _, p := range perms {
		if !s.Has(p) {
			return false
		}
	}
	return true
}

// FirstMissing returns the first of required that set does not grant
func (s EffectiveSet) FirstMissing(required []Permission) (Permission, bool) {
	for _, p := range required {
		if !s.Has(p) {
			return p, true
		}
	}
	return "", false
}

// Names returns the granted permission names in sorted order
func (s EffectiveSet) Names() []string {
	names := make([]string, 0, len(s.Permissions))
	for p := range s.Permissions {
		names = append(names, string(p))
	}
	sort.Strings(names)
	return names
}
