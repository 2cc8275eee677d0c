package auth

import "time"

// Role is the closed set of principal roles
type Role string

const (
	RoleAdmin           Role = "admin"
	RoleUser            Role = "user"
	RolePremium         Role = "premium"
	RoleAPIIntegration  Role = "api_integration"
	RoleExternalService Role = "external_service"
)

// Roles returns every known role
func Roles() []Role {
	return []Role{RoleAdmin, RoleUser, RolePremium, RoleAPIIntegration, RoleExternalService}
}

// Valid reports whether r is a known role
func (r Role) Valid() bool {
	for _, known := range Roles() {
		if r == known {
			return true
		}
	}
	return false
}

// SubscriptionActive is the only subscription status that grants a tier
const SubscriptionActive = "active"

// Principal is an authenticated actor. Plan and PlanStatus come from the
// principal's most recent subscription and are empty when there is none.
type Principal struct {
	ID         int64  `json:"id"`
	Email      string `json:"email"`
	Username   string `json:"username"`
	Role       Role   `json:"role"`
	IsActive   bool   `json:"is_active"`
	Plan       string `json:"plan,omitempty"`
	PlanStatus string `json:"plan_status,omitempty"`
}

// ActivePlan returns the subscription plan when the subscription is active
func (p *Principal) ActivePlan() (string, bool) {
	if p.Plan == "" || p.PlanStatus != SubscriptionActive {
		return "", false
	}
	return p.Plan, true
}

// APIKey is a long-lived credential. Only the SHA-256 hash of the raw key
// is stored.
type APIKey struct {
	ID         int64      `json:"id"`
	Name       string     `json:"name"`
	KeyHash    string     `json:"-"`
	UserID     int64      `json:"user_id"`
	ProjectID  *int64     `json:"project_id,omitempty"`
	IsActive   bool       `json:"is_active"`
	RateLimit  int        `json:"rate_limit"` // requests per window, 0 means use the tier
	UsageCount int64      `json:"usage_count"`
	LastUsed   *time.Time `json:"last_used,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the key's expiry is at or before now
func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && !k.ExpiresAt.After(now)
}

// Method identifies how a request was authenticated
type Method string

const (
	MethodAPIKey Method = "api_key"
	MethodBearer Method = "bearer"
)

// AuthContext holds the authenticated principal and, for API-key requests,
// the key that was presented
type AuthContext struct {
	Principal *Principal
	APIKey    *APIKey
	Method    Method
}
