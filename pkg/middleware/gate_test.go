package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/bastion/pkg/audit"
	"github.com/platinummonkey/bastion/pkg/auth"
	"github.com/platinummonkey/bastion/pkg/observability"
	"github.com/platinummonkey/bastion/pkg/rbac"
	"github.com/platinummonkey/bastion/pkg/webhooks"
)

// grantStore is a read-only rbac.Store backed by maps
type grantStore struct {
	roles map[auth.Role][]rbac.Permission
	users map[int64][]rbac.Permission
	err   error
}

func (s *grantStore) RoleGrants(_ context.Context, role auth.Role) ([]rbac.Permission, error) {
	return s.roles[role], s.err
}

func (s *grantStore) ActiveUserGrants(_ context.Context, userID int64, _ time.Time) ([]rbac.UserGrant, error) {
	var grants []rbac.UserGrant
	for _, p := range s.users[userID] {
		grants = append(grants, rbac.UserGrant{UserID: userID, Permission: p})
	}
	return grants, s.err
}

func (s *grantStore) ListUserGrants(context.Context, int64) ([]rbac.UserGrant, error) {
	return nil, nil
}

func (s *grantStore) GrantUserPermission(context.Context, rbac.UserGrant) error { return nil }

func (s *grantStore) RevokeUserPermission(context.Context, int64, rbac.Permission) error { return nil }

func (s *grantStore) GrantRolePermission(context.Context, auth.Role, rbac.Permission) error {
	return nil
}

func (s *grantStore) RevokeRolePermission(context.Context, auth.Role, rbac.Permission) error {
	return nil
}

func (s *grantStore) SeedDefaults(context.Context) (int, error) { return 0, nil }

type credentials struct {
	keys       map[string]*auth.APIKey
	principals map[int64]*auth.Principal
	err        error
	hang       bool
}

func (c *credentials) GetAPIKeyByHash(ctx context.Context, hash string) (*auth.APIKey, error) {
	if c.hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if c.err != nil {
		return nil, c.err
	}
	if k, ok := c.keys[hash]; ok {
		return k, nil
	}
	return nil, auth.ErrNotFound
}

func (c *credentials) GetPrincipal(_ context.Context, id int64) (*auth.Principal, error) {
	if p, ok := c.principals[id]; ok {
		return p, nil
	}
	return nil, auth.ErrNotFound
}

type countingLimiter struct {
	Limiter
	calls int
	keys  []string
	lims  []int
}

func (c *countingLimiter) Check(ctx context.Context, key string, limit int, window time.Duration) (bool, RateLimitInfo) {
	c.calls++
	c.keys = append(c.keys, key)
	c.lims = append(c.lims, limit)
	return c.Limiter.Check(ctx, key, limit, window)
}

type usageSink struct {
	mu      sync.Mutex
	records []Usage
	err     error
}

func (u *usageSink) RecordUsage(_ context.Context, rec Usage) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.err != nil {
		return u.err
	}
	u.records = append(u.records, rec)
	return nil
}

type accessSink struct {
	entries []audit.APIAccess
}

func (a *accessSink) LogAPIAccess(_ context.Context, e audit.APIAccess) error {
	a.entries = append(a.entries, e)
	return nil
}

// blockingAccess holds each write until its context ends
type blockingAccess struct {
	errs chan error
}

func (a *blockingAccess) LogAPIAccess(ctx context.Context, _ audit.APIAccess) error {
	<-ctx.Done()
	a.errs <- ctx.Err()
	return ctx.Err()
}

type emitted struct {
	event  webhooks.Event
	data   map[string]interface{}
	userID *int64
}

type eventSink struct {
	events []emitted
}

func (e *eventSink) Trigger(_ context.Context, event webhooks.Event, data map[string]interface{}, userID *int64) error {
	e.events = append(e.events, emitted{event, data, userID})
	return nil
}

type fixture struct {
	gate    *Gate
	limiter *countingLimiter
	usage   *usageSink
	grants  *grantStore
	creds   *credentials
	metrics *observability.Metrics
	handled int
	lastCtx context.Context
}

func newGateFixture(t *testing.T, opts ...GateOption) *fixture {
	t.Helper()
	return newGateFixtureWithConfig(t, DefaultGateConfig(), opts...)
}

func newGateFixtureWithConfig(t *testing.T, cfg GateConfig, opts ...GateOption) *fixture {
	t.Helper()
	past := time.Now().Add(-time.Hour)

	f := &fixture{
		limiter: &countingLimiter{Limiter: NewMemorySlidingWindow()},
		usage:   &usageSink{},
		grants:  &grantStore{roles: map[auth.Role][]rbac.Permission{}, users: map[int64][]rbac.Permission{}},
		creds: &credentials{
			keys: map[string]*auth.APIKey{
				auth.HashAPIKey("user-key"):    {ID: 11, UserID: 1, IsActive: true},
				auth.HashAPIKey("limited-key"): {ID: 12, UserID: 1, IsActive: true, RateLimit: 2},
				auth.HashAPIKey("expired-key"): {ID: 13, UserID: 1, IsActive: true, ExpiresAt: &past},
				auth.HashAPIKey("reader-key"):  {ID: 14, UserID: 2, IsActive: true},
				auth.HashAPIKey("pro-key"):     {ID: 15, UserID: 3, IsActive: true},
			},
			principals: map[int64]*auth.Principal{
				1: {ID: 1, Role: auth.RoleUser, IsActive: true},
				2: {ID: 2, Role: auth.RoleUser, IsActive: true},
				3: {ID: 3, Role: auth.RoleUser, IsActive: true, Plan: "pro", PlanStatus: "active"},
			},
		},
		metrics: observability.NewMetrics(prometheus.NewRegistry()),
	}

	authn := auth.NewAuthenticator(f.creds, nil, nil)
	resolver := rbac.NewResolver(f.grants, rbac.ResolverConfig{}, nil)
	opts = append(opts, WithMetrics(f.metrics))
	f.gate = NewGate(cfg, authn, f.limiter, resolver, nil, nil, f.usage, nil, opts...)
	return f
}

func (f *fixture) handler() http.Handler {
	return f.gate.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.handled++
		f.lastCtx = r.Context()
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, `{"ok":true}`)
	}))
}

func (f *fixture) do(method, path, key string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(method, path, nil)
	if key != "" {
		r.Header.Set("X-API-Key", key)
	}
	rec := httptest.NewRecorder()
	f.handler().ServeHTTP(rec, r)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestGate_BypassPrefixes(t *testing.T) {
	f := newGateFixture(t)
	for _, path := range []string{"/health", "/health/ready", "/docs", "/metrics", "/auth/login", "/webhook/stripe", "/openapi.json"} {
		rec := f.do("GET", path, "")
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
	assert.Equal(t, 0, f.limiter.calls)
	assert.Empty(t, f.usage.records)
}

func TestGate_Unauthenticated(t *testing.T) {
	f := newGateFixture(t)

	tests := []struct {
		key  string
		want string
	}{
		{"", "Authentication required"},
		{"bogus", "Invalid API key"},
		{"expired-key", "API key expired"},
	}
	for _, tt := range tests {
		rec := f.do("GET", "/api/v1/projects", tt.key)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		body := decode(t, rec)
		assert.Equal(t, tt.want, body["error"])
		assert.NotEmpty(t, body["detail"])
	}

	assert.Equal(t, 0, f.limiter.calls, "rejected credentials never reach the limiter")
	assert.Equal(t, 0, f.handled)
	assert.Empty(t, f.usage.records)
	assert.Equal(t, float64(3), testutil.ToFloat64(f.metrics.GateRequestsTotal.WithLabelValues(observability.OutcomeUnauthorized)))
}

func TestGate_AllowsWithDefaultRoleGrants(t *testing.T) {
	f := newGateFixture(t)

	rec := f.do("POST", "/api/v1/projects", "user-key")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, f.handled)

	assert.Equal(t, "100", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "99", rec.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))

	principal := PrincipalFromContext(f.lastCtx)
	require.NotNil(t, principal)
	assert.Equal(t, int64(1), principal.ID)
	key := APIKeyFromContext(f.lastCtx)
	require.NotNil(t, key)
	assert.Equal(t, int64(11), key.ID)
	info, ok := RateLimitInfoFromContext(f.lastCtx)
	require.True(t, ok)
	assert.Equal(t, 99, info.Remaining)
	_, ok = RequestStartFromContext(f.lastCtx)
	assert.True(t, ok)

	set, ok := rbac.FromContext(f.lastCtx)
	require.True(t, ok)
	assert.True(t, set.FromDefaults)

	require.Len(t, f.usage.records, 1)
	u := f.usage.records[0]
	assert.Equal(t, "/api/v1/projects", u.Endpoint)
	assert.Equal(t, "POST", u.Method)
	assert.Equal(t, http.StatusOK, u.StatusCode)
	require.NotNil(t, u.APIKeyID)
	assert.Equal(t, int64(11), *u.APIKeyID)
}

func TestGate_ForbiddenNamesMissingPermission(t *testing.T) {
	f := newGateFixture(t)
	f.grants.users[2] = []rbac.Permission{rbac.PermReadProject}

	rec := f.do("POST", "/api/v1/projects", "reader-key")
	require.Equal(t, http.StatusForbidden, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, "Insufficient permissions", body["error"])
	assert.Equal(t, "Required permission: write_project", body["detail"])
	assert.Equal(t, []interface{}{"write_project"}, body["required_permissions"])
	assert.Equal(t, 0, f.handled)
}

func TestGate_UnlistedRouteIsAllowed(t *testing.T) {
	f := newGateFixture(t)
	f.grants.err = errors.New("must not be consulted")

	rec := f.do("GET", "/api/v1/unlisted", "user-key")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGate_PermissionStoreFailure(t *testing.T) {
	f := newGateFixture(t)
	f.grants.err = errors.New("db down")

	rec := f.do("GET", "/api/v1/projects", "user-key")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Internal server error", decode(t, rec)["error"])
}

func TestGate_CredentialStoreFailure(t *testing.T) {
	f := newGateFixture(t)
	f.creds.err = errors.New("db down")

	rec := f.do("GET", "/api/v1/projects", "user-key")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestGate_RateLimitedByAPIKeyCeiling(t *testing.T) {
	f := newGateFixture(t)

	for i := 0; i < 2; i++ {
		require.Equal(t, http.StatusOK, f.do("GET", "/api/v1/projects", "limited-key").Code)
	}
	rec := f.do("GET", "/api/v1/projects", "limited-key")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	assert.Equal(t, "3600", rec.Header().Get("Retry-After"))
	assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	body := decode(t, rec)
	assert.Equal(t, "Rate limit exceeded", body["error"])
	assert.Equal(t, "Rate limit of 2 requests per hour exceeded", body["detail"])
	rl := body["rate_limit"].(map[string]interface{})
	assert.Equal(t, float64(2), rl["limit"])
	assert.Equal(t, float64(0), rl["remaining"])
	assert.Equal(t, float64(3600), rl["window"])

	assert.Equal(t, "api_key:12", f.limiter.keys[0])
	assert.Equal(t, 2, f.handled)
	assert.Len(t, f.usage.records, 2)
}

func TestGate_TierLimit(t *testing.T) {
	f := newGateFixture(t)

	f.do("GET", "/api/v1/projects", "pro-key")
	f.do("GET", "/api/v1/projects", "user-key")

	assert.Equal(t, []string{"user:3", "user:1"}, f.limiter.keys)
	assert.Equal(t, []int{1000, 100}, f.limiter.lims)
}

func TestGate_UsageFailureIsNotFatal(t *testing.T) {
	f := newGateFixture(t)
	f.usage.err = errors.New("usage table locked")

	rec := f.do("GET", "/api/v1/projects", "user-key")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.UsageRecordFailuresTotal))
}

func TestGate_EmitsUsageEvent(t *testing.T) {
	events := &eventSink{}
	f := newGateFixture(t, WithEventEmitter(events))

	f.do("GET", "/api/v1/projects", "user-key")
	require.Len(t, events.events, 1)
	assert.Equal(t, webhooks.EventUsageRecorded, events.events[0].event)
	assert.Equal(t, "/api/v1/projects", events.events[0].data["endpoint"])
	require.NotNil(t, events.events[0].userID)
	assert.Equal(t, int64(1), *events.events[0].userID)

	f.usage.err = errors.New("down")
	f.do("GET", "/api/v1/projects", "user-key")
	assert.Len(t, events.events, 1, "no event when usage was not recorded")
}

func TestGate_AccessLoggerReceivesBodies(t *testing.T) {
	access := &accessSink{}
	f := newGateFixture(t, WithAccessLogger(access))

	var seen string
	h := f.gate.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		seen = string(b)
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error":"bad"}`)
	}))

	r := httptest.NewRequest("POST", "/api/v1/projects", strings.NewReader(`{"name":"x"}`))
	r.Header.Set("X-API-Key", "user-key")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)

	assert.Equal(t, `{"name":"x"}`, seen, "downstream handler still sees the full body")
	require.Len(t, access.entries, 1)
	e := access.entries[0]
	assert.Equal(t, http.StatusBadRequest, e.StatusCode)
	assert.Equal(t, []byte(`{"name":"x"}`), e.RequestBody)
	assert.Equal(t, []byte(`{"error":"bad"}`), e.ResponseBody)
	require.NotNil(t, e.APIKeyID)
	assert.Equal(t, int64(11), *e.APIKeyID)
}

func TestGate_HandlerWithoutWriteGetsHeaders(t *testing.T) {
	f := newGateFixture(t)
	h := f.gate.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	r := httptest.NewRequest("GET", "/api/v1/projects", nil)
	r.Header.Set("X-API-Key", "user-key")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "100", rec.Header().Get("X-RateLimit-Limit"))
}

func TestGate_PanicBecomes500(t *testing.T) {
	f := newGateFixture(t)
	h := f.gate.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	r := httptest.NewRequest("GET", "/api/v1/projects", nil)
	r.Header.Set("X-API-Key", "user-key")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.GateRequestsTotal.WithLabelValues(observability.OutcomeError)))
}

func TestGate_BearerTokenPath(t *testing.T) {
	f := newGateFixture(t)
	validator, err := auth.NewJWTValidator("s3cret", "", time.Hour)
	require.NoError(t, err)
	f.gate.authn = auth.NewAuthenticator(f.creds, validator, nil)

	token, err := validator.Issue(3, time.Now())
	require.NoError(t, err)

	r := httptest.NewRequest("GET", "/api/v1/projects", bytes.NewReader(nil))
	r.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	f.handler().ServeHTTP(rec, r)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, APIKeyFromContext(f.lastCtx))
	assert.Equal(t, "1000", rec.Header().Get("X-RateLimit-Limit"))
	require.Len(t, f.usage.records, 1)
	assert.Nil(t, f.usage.records[0].APIKeyID)
}

func TestGate_LookupsHonorStoreTimeout(t *testing.T) {
	cfg := DefaultGateConfig()
	cfg.StoreTimeout = 50 * time.Millisecond
	f := newGateFixtureWithConfig(t, cfg)
	f.creds.hang = true

	start := time.Now()
	rec := f.do("GET", "/api/v1/projects", "user-key")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 0, f.handled)
}

func TestGate_AccessLogBoundedAfterClientCancel(t *testing.T) {
	cfg := DefaultGateConfig()
	cfg.UsageTimeout = 50 * time.Millisecond
	access := &blockingAccess{errs: make(chan error, 1)}
	f := newGateFixtureWithConfig(t, cfg, WithAccessLogger(access))

	ctx, cancel := context.WithCancel(context.Background())
	r := httptest.NewRequest("GET", "/api/v1/projects", nil).WithContext(ctx)
	r.Header.Set("X-API-Key", "user-key")

	h := f.gate.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cancel()
		w.WriteHeader(http.StatusOK)
	}))

	done := make(chan struct{})
	go func() {
		h.ServeHTTP(httptest.NewRecorder(), r)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("gate still blocked on the access log after the client went away")
	}
	assert.ErrorIs(t, <-access.errs, context.DeadlineExceeded)
}
