package middleware

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/platinummonkey/bastion/pkg/audit"
	"github.com/platinummonkey/bastion/pkg/auth"
	"github.com/platinummonkey/bastion/pkg/contextkeys"
	"github.com/platinummonkey/bastion/pkg/httputil"
	"github.com/platinummonkey/bastion/pkg/observability"
	"github.com/platinummonkey/bastion/pkg/rbac"
	"github.com/platinummonkey/bastion/pkg/webhooks"
)

// DefaultBypassPrefixes are paths with their own authentication or none
var DefaultBypassPrefixes = []string{
	"/docs",
	"/redoc",
	"/openapi.json",
	"/health",
	"/metrics",
	"/auth/login",
	"/auth/register",
	"/webhook",
}

const maxCapturedBody = 64 * 1024

// Authenticator resolves request credentials
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (*auth.AuthContext, error)
}

// APIAccessLogger receives one access record per forwarded request
type APIAccessLogger interface {
	LogAPIAccess(ctx context.Context, access audit.APIAccess) error
}

// EventEmitter publishes domain events after usage is recorded
type EventEmitter interface {
	Trigger(ctx context.Context, event webhooks.Event, data map[string]interface{}, userID *int64) error
}

// GateConfig controls the gate pipeline. StoreTimeout bounds credential and
// permission lookups. UsageTimeout bounds each post-response write.
type GateConfig struct {
	BypassPrefixes []string
	Window         time.Duration
	StoreTimeout   time.Duration
	UsageTimeout   time.Duration
}

// DefaultGateConfig returns the standard allow-list, a one hour window, a ten
// second lookup timeout and a five second usage write timeout
func DefaultGateConfig() GateConfig {
	return GateConfig{
		BypassPrefixes: DefaultBypassPrefixes,
		Window:         time.Hour,
		StoreTimeout:   10 * time.Second,
		UsageTimeout:   5 * time.Second,
	}
}

// Gate authenticates, rate-limits and authorizes every request before it
// reaches a protected handler, then records usage
type Gate struct {
	config  GateConfig
	authn   Authenticator
	limiter Limiter
	checker rbac.Checker
	routes  *RouteTable
	tiers   *TierTable
	usage   UsageRecorder
	access  APIAccessLogger
	events  EventEmitter
	logger  *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// GateOption configures optional gate collaborators
type GateOption func(*Gate)

// WithAccessLogger records an audit entry for every forwarded request
func WithAccessLogger(l APIAccessLogger) GateOption {
	return func(g *Gate) { g.access = l }
}

// WithEventEmitter emits usage.recorded after each successful usage write
func WithEventEmitter(e EventEmitter) GateOption {
	return func(g *Gate) { g.events = e }
}

// WithMetrics records gate outcomes and latency
func WithMetrics(m *observability.Metrics) GateOption {
	return func(g *Gate) { g.metrics = m }
}

// NewGate creates a gate. routes and tiers default to the built-in tables
// when nil.
func NewGate(config GateConfig, authn Authenticator, limiter Limiter, checker rbac.Checker, routes *RouteTable, tiers *TierTable, usage UsageRecorder, logger *observability.Logger, opts ...GateOption) *Gate {
	if config.Window <= 0 {
		config.Window = time.Hour
	}
	if config.StoreTimeout <= 0 {
		config.StoreTimeout = 10 * time.Second
	}
	if config.UsageTimeout <= 0 {
		config.UsageTimeout = 5 * time.Second
	}
	if routes == nil {
		routes = DefaultRouteTable()
	}
	if tiers == nil {
		tiers = DefaultTierTable()
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}

	g := &Gate{
		config:  config,
		authn:   authn,
		limiter: limiter,
		checker: checker,
		routes:  routes,
		tiers:   tiers,
		usage:   usage,
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// RateLimitResponse is the 429 body
type RateLimitResponse struct {
	httputil.ErrorResponse
	RateLimit RateLimitInfo `json:"rate_limit"`
}

// Handler wraps next with the gate pipeline
func (g *Gate) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := g.now()

		if g.bypassed(r.URL.Path) {
			g.observe(observability.OutcomeBypassed, r.Method, start)
			next.ServeHTTP(w, r)
			return
		}

		ctx, span := observability.Tracer().Start(r.Context(), "gate")
		defer span.End()
		logger := observability.FromContext(ctx, g.logger).WithFields(map[string]interface{}{
			"method": r.Method,
			"path":   r.URL.Path,
		})

		rec := httputil.NewStatusRecorder(w)
		outcome := observability.OutcomeError
		defer func() {
			if p := recover(); p != nil {
				logger.WithFields(map[string]interface{}{
					"panic": p,
					"stack": string(debug.Stack()),
				}).Error("gate pipeline panicked")
				span.SetStatus(codes.Error, fmt.Sprint(p))
				if !rec.Written() {
					httputil.WriteInternalError(rec)
				}
				outcome = observability.OutcomeError
			}
			span.SetAttributes(attribute.String("gate.outcome", outcome))
			g.observe(outcome, r.Method, start)
		}()

		ac, err := g.authenticate(ctx, r)
		if err != nil {
			if auth.IsRejection(err) {
				msg, detail := auth.RejectionMessage(err)
				httputil.WriteUnauthorized(rec, msg, detail)
				outcome = observability.OutcomeUnauthorized
				return
			}
			logger.WithError(err).Error("authentication lookup failed")
			httputil.WriteInternalError(rec)
			return
		}
		span.SetAttributes(attribute.Int64("principal.id", ac.Principal.ID))

		key, limit := g.limitFor(ac)
		limited, info := g.limiter.Check(ctx, key, limit, g.config.Window)
		if limited {
			if g.metrics != nil {
				g.metrics.RateLimitRejectionsTotal.WithLabelValues(g.limiter.Backend()).Inc()
			}
			setRateLimitHeaders(rec.Header(), info)
			rec.Header().Set("Retry-After", strconv.Itoa(info.Window))
			httputil.WriteJSON(rec, http.StatusTooManyRequests, RateLimitResponse{
				ErrorResponse: httputil.ErrorResponse{
					Error:  "Rate limit exceeded",
					Detail: fmt.Sprintf("Rate limit of %d requests per hour exceeded", limit),
				},
				RateLimit: info,
			})
			outcome = observability.OutcomeRateLimited
			return
		}

		if required := g.routes.Lookup(r.Method, r.URL.Path); len(required) > 0 {
			set, err := g.permissions(ctx, ac.Principal)
			if err != nil {
				logger.WithError(err).Error("permission resolution failed")
				httputil.WriteInternalError(rec)
				return
			}
			if missing, ok := set.FirstMissing(required); ok {
				rbac.WriteForbidden(rec, string(missing), required)
				outcome = observability.OutcomeForbidden
				return
			}
			ctx = rbac.NewContext(ctx, set)
		}

		ctx = auth.NewContext(ctx, ac)
		ctx = contextkeys.WithRateLimit(ctx, info)
		ctx = contextkeys.WithRequestStartTime(ctx, start)

		var reqBody []byte
		var out http.ResponseWriter = rec
		var capture *bodyCapture
		if g.access != nil {
			reqBody = peekBody(r)
			capture = &bodyCapture{StatusRecorder: rec}
			out = capture
		}

		rec.BeforeWrite(func(h http.Header) { setRateLimitHeaders(h, info) })
		next.ServeHTTP(out, r.WithContext(ctx))
		if !rec.Written() {
			rec.WriteHeader(http.StatusOK)
		}
		outcome = observability.OutcomeAllowed

		g.recordUsage(ctx, logger, r, ac, rec.StatusCode, start)
		if g.access != nil {
			g.logAccess(ctx, logger, r, ac, rec.StatusCode, start, reqBody, capture.buf.Bytes())
		}
	})
}

func (g *Gate) authenticate(ctx context.Context, r *http.Request) (*auth.AuthContext, error) {
	ctx, cancel := context.WithTimeout(ctx, g.config.StoreTimeout)
	defer cancel()
	return g.authn.Authenticate(ctx, r)
}

func (g *Gate) permissions(ctx context.Context, p *auth.Principal) (rbac.EffectiveSet, error) {
	ctx, cancel := context.WithTimeout(ctx, g.config.StoreTimeout)
	defer cancel()
	return g.checker.EffectivePermissions(ctx, p)
}

func (g *Gate) bypassed(path string) bool {
	for _, prefix := range g.config.BypassPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// limitFor picks the limiter key and ceiling: the API key's own ceiling, then
// the tier of an active subscription, then the fallback
func (g *Gate) limitFor(ac *auth.AuthContext) (string, int) {
	if ac.APIKey != nil && ac.APIKey.RateLimit > 0 {
		return "api_key:" + strconv.FormatInt(ac.APIKey.ID, 10), ac.APIKey.RateLimit
	}
	key := "user:" + strconv.FormatInt(ac.Principal.ID, 10)
	if plan, ok := ac.Principal.ActivePlan(); ok {
		return key, g.tiers.Limit(plan)
	}
	return key, g.tiers.Fallback()
}

func (g *Gate) recordUsage(ctx context.Context, logger *observability.Logger, r *http.Request, ac *auth.AuthContext, status int, start time.Time) {
	if g.usage == nil {
		return
	}

	u := Usage{
		UserID:       ac.Principal.ID,
		Endpoint:     r.URL.Path,
		Method:       r.Method,
		StatusCode:   status,
		ResponseTime: g.now().Sub(start),
		IPAddress:    httputil.ClientIP(r),
		UserAgent:    r.UserAgent(),
		Timestamp:    start.UTC(),
	}
	if ac.APIKey != nil {
		id := ac.APIKey.ID
		u.APIKeyID = &id
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.config.UsageTimeout)
	defer cancel()

	if err := g.usage.RecordUsage(writeCtx, u); err != nil {
		logger.WithError(err).Warn("failed to record usage")
		if g.metrics != nil {
			g.metrics.UsageRecordFailuresTotal.Inc()
		}
		return
	}

	if g.events != nil {
		data := map[string]interface{}{
			"endpoint":         u.Endpoint,
			"method":           u.Method,
			"status_code":      u.StatusCode,
			"response_time_ms": u.ResponseTime.Milliseconds(),
			"timestamp":        u.Timestamp.Format(time.RFC3339),
		}
		if u.APIKeyID != nil {
			data["api_key_id"] = *u.APIKeyID
		}
		userID := u.UserID
		emitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.config.UsageTimeout)
		defer cancel()
		if err := g.events.Trigger(emitCtx, webhooks.EventUsageRecorded, data, &userID); err != nil {
			logger.WithError(err).Warn("failed to emit usage event")
		}
	}
}

func (g *Gate) logAccess(ctx context.Context, logger *observability.Logger, r *http.Request, ac *auth.AuthContext, status int, start time.Time, reqBody, respBody []byte) {
	access := audit.APIAccess{
		UserID:       &ac.Principal.ID,
		Method:       r.Method,
		Path:         r.URL.Path,
		StatusCode:   status,
		Duration:     g.now().Sub(start),
		IPAddress:    httputil.ClientIP(r),
		UserAgent:    r.UserAgent(),
		RequestBody:  reqBody,
		ResponseBody: respBody,
	}
	if ac.APIKey != nil {
		access.APIKeyID = &ac.APIKey.ID
	}
	logCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.config.UsageTimeout)
	defer cancel()
	if err := g.access.LogAPIAccess(logCtx, access); err != nil {
		logger.WithError(err).Warn("failed to record API access")
	}
}

func (g *Gate) observe(outcome, method string, start time.Time) {
	if g.metrics == nil {
		return
	}
	g.metrics.GateRequestsTotal.WithLabelValues(outcome).Inc()
	g.metrics.GateRequestDuration.WithLabelValues(method).Observe(g.now().Sub(start).Seconds())
}

func setRateLimitHeaders(h http.Header, info RateLimitInfo) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(info.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(info.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(info.ResetTime, 10))
}

// peekBody reads up to maxCapturedBody bytes and restores the full body for
// the downstream handler
func peekBody(r *http.Request) []byte {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	head, err := io.ReadAll(io.LimitReader(r.Body, maxCapturedBody))
	if err != nil {
		return nil
	}
	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(head), r.Body), r.Body}
	return head
}

// bodyCapture keeps the first maxCapturedBody bytes written to the client
type bodyCapture struct {
	*httputil.StatusRecorder
	buf bytes.Buffer
}

func (c *bodyCapture) Write(b []byte) (int, error) {
	if room := maxCapturedBody - c.buf.Len(); room > 0 {
		if len(b) < room {
			room = len(b)
		}
		c.buf.Write(b[:room])
	}
	return c.StatusRecorder.Write(b)
}
