package webhooks

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/bastion/pkg/audit"
	"github.com/platinummonkey/bastion/pkg/auth"
	"github.com/platinummonkey/bastion/pkg/observability"
)

type memoryIntegrations struct {
	mu     sync.Mutex
	nextID int64
	items  map[int64]Integration
}

func newMemoryIntegrations(seed ...Integration) *memoryIntegrations {
	m := &memoryIntegrations{items: make(map[int64]Integration)}
	for _, in := range seed {
		m.items[in.ID] = in
		if in.ID > m.nextID {
			m.nextID = in.ID
		}
	}
	return m
}

func (m *memoryIntegrations) ActiveIntegrations(context.Context) ([]Integration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Integration
	for _, in := range m.items {
		if in.IsActive && in.WebhookURL != "" {
			out = append(out, in)
		}
	}
	return out, nil
}

func (m *memoryIntegrations) Create(_ context.Context, in *Integration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	in.ID = m.nextID
	in.CreatedAt = time.Now().UTC()
	m.items[in.ID] = *in
	return nil
}

func (m *memoryIntegrations) Get(_ context.Context, id int64) (*Integration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.items[id]
	if !ok {
		return nil, ErrIntegrationNotFound
	}
	return &in, nil
}

func (m *memoryIntegrations) List(_ context.Context, createdBy *int64) ([]Integration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Integration
	for _, in := range m.items {
		if createdBy == nil || (in.CreatedBy != nil && *in.CreatedBy == *createdBy) {
			out = append(out, in)
		}
	}
	return out, nil
}

func (m *memoryIntegrations) Update(_ context.Context, in *Integration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[in.ID]; !ok {
		return ErrIntegrationNotFound
	}
	now := time.Now().UTC()
	in.UpdatedAt = &now
	m.items[in.ID] = *in
	return nil
}

func (m *memoryIntegrations) Delete(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[id]; !ok {
		return ErrIntegrationNotFound
	}
	delete(m.items, id)
	return nil
}

type changeSink struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (c *changeSink) Log(_ context.Context, e audit.Entry) (*audit.Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, e)
	return &audit.Record{Action: e.Action, ResourceType: e.ResourceType}, nil
}

func (c *changeSink) actions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, e := range c.entries {
		out = append(out, e.Action)
	}
	return out
}

var (
	admin  = &auth.Principal{ID: 1, Role: auth.RoleAdmin, IsActive: true}
	member = &auth.Principal{ID: 2, Role: auth.RoleUser, IsActive: true}
	other  = &auth.Principal{ID: 3, Role: auth.RoleUser, IsActive: true}
)

func ownedBy(id int64) *int64 {
	return &id
}

type handlerFixture struct {
	router     *mux.Router
	store      *memoryIntegrations
	changes    *changeSink
	dispatcher *Dispatcher
}

func newHandlerFixture(t *testing.T, seed ...Integration) *handlerFixture {
	store := newMemoryIntegrations(seed...)
	changes := &changeSink{}
	dispatcher := newTestDispatcher(t, store, nil)

	router := mux.NewRouter()
	NewHandlers(store, dispatcher, changes, observability.NewNopLogger()).RegisterRoutes(router)
	return &handlerFixture{router: router, store: store, changes: changes, dispatcher: dispatcher}
}

func (f *handlerFixture) do(p *auth.Principal, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if p != nil {
		req = req.WithContext(auth.NewContext(req.Context(), &auth.AuthContext{Principal: p, Method: auth.MethodBearer}))
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestHandlers_CreateIntegration(t *testing.T) {
	f := newHandlerFixture(t)

	w := f.do(member, "POST", "/api/v1/integrations",
		`{"name":"ledger","integration_type":"financial","webhook_url":"https://hooks.ledger.test","webhook_secret":"whsec"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.NotContains(t, w.Body.String(), "whsec")

	var created Integration
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.True(t, created.IsActive)
	assert.Equal(t, int64(2), *created.CreatedBy)

	stored, err := f.store.Get(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, "whsec", stored.WebhookSecret)

	require.Len(t, f.changes.entries, 1)
	entry := f.changes.entries[0]
	assert.Equal(t, "create", entry.Action)
	assert.Equal(t, resourceIntegration, entry.ResourceType)
	assert.Equal(t, int64(2), *entry.UserID)
	assert.Equal(t, created.ID, *entry.IntegrationID)
}

func TestHandlers_CreateIntegrationValidation(t *testing.T) {
	f := newHandlerFixture(t)

	w := f.do(member, "POST", "/api/v1/integrations", `{"name":"ledger"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(member, "POST", "/api/v1/integrations", `{"name":"ledger","integration_type":"general","webhook_url":"not a url"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(member, "POST", "/api/v1/integrations", `{`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(nil, "POST", "/api/v1/integrations", `{"name":"ledger","integration_type":"general"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	assert.Empty(t, f.changes.entries)
}

func TestHandlers_OwnershipScoping(t *testing.T) {
	f := newHandlerFixture(t,
		Integration{ID: 1, Name: "mine", Category: "general", CreatedBy: ownedBy(2), IsActive: true},
		Integration{ID: 2, Name: "theirs", Category: "general", CreatedBy: ownedBy(3), IsActive: true},
	)

	w := f.do(member, "GET", "/api/v1/integrations", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list []Integration
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "mine", list[0].Name)

	w = f.do(admin, "GET", "/api/v1/integrations", "")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Len(t, list, 2)

	assert.Equal(t, http.StatusOK, f.do(member, "GET", "/api/v1/integrations/1", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(member, "GET", "/api/v1/integrations/2", "").Code)
	assert.Equal(t, http.StatusOK, f.do(admin, "GET", "/api/v1/integrations/2", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(member, "GET", "/api/v1/integrations/99", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(member, "GET", "/api/v1/integrations/abc", "").Code)

	w = f.do(other, "GET", "/api/v1/integrations", "")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Len(t, list, 1)

	w = f.do(&auth.Principal{ID: 9, Role: auth.RoleUser}, "GET", "/api/v1/integrations", "")
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestHandlers_UpdateIntegration(t *testing.T) {
	f := newHandlerFixture(t, Integration{ID: 1, Name: "mine", Category: "general", WebhookURL: "https://a.test/hook", CreatedBy: ownedBy(2), IsActive: true})

	w := f.do(member, "PUT", "/api/v1/integrations/1", `{"is_active":false,"integration_type":"medical"}`)
	require.Equal(t, http.StatusOK, w.Code)

	stored, _ := f.store.Get(context.Background(), 1)
	assert.False(t, stored.IsActive)
	assert.Equal(t, "mine", stored.Name)
	assert.Equal(t, "https://a.test/hook", stored.WebhookURL)
	assert.NotNil(t, stored.UpdatedAt)

	require.Len(t, f.changes.entries, 1)
	assert.Equal(t, true, f.changes.entries[0].OldValues["is_active"])
	assert.Equal(t, false, f.changes.entries[0].NewValues["is_active"])

	w = f.do(member, "PUT", "/api/v1/integrations/1", `{"name":""}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(other, "PUT", "/api/v1/integrations/1", `{"name":"stolen"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandlers_DeleteIntegration(t *testing.T) {
	f := newHandlerFixture(t, Integration{ID: 1, Name: "mine", Category: "general", CreatedBy: ownedBy(2)})

	assert.Equal(t, http.StatusNotFound, f.do(other, "DELETE", "/api/v1/integrations/1", "").Code)

	w := f.do(member, "DELETE", "/api/v1/integrations/1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Integration deleted successfully")
	assert.Equal(t, []string{"delete"}, f.changes.actions())

	assert.Equal(t, http.StatusNotFound, f.do(member, "DELETE", "/api/v1/integrations/1", "").Code)
}

func TestHandlers_TestAndDeliveries(t *testing.T) {
	rc := newReceiver(t)
	f := newHandlerFixture(t,
		Integration{ID: 1, Name: "hooked", Category: "financial", WebhookURL: rc.URL, WebhookSecret: "s", CreatedBy: ownedBy(2), IsActive: true},
		Integration{ID: 2, Name: "bare", Category: "general", CreatedBy: ownedBy(2), IsActive: true},
	)

	w := f.do(member, "POST", "/api/v1/integrations/1/test", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Test webhook sent successfully")

	req := rc.received()[0]
	assert.True(t, VerifySignature(req.body, req.header.Get(HeaderSignature), "s"))

	w = f.do(member, "POST", "/api/v1/integrations/2/test", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "No webhook URL configured")

	w = f.do(member, "GET", "/api/v1/integrations/1/deliveries", "")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		IntegrationID int64         `json:"integration_id"`
		Deliveries    []DeliveryLog `json:"deliveries"`
		Stats         DeliveryStats `json:"stats"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, int64(1), body.IntegrationID)
	require.Len(t, body.Deliveries, 1)
	assert.True(t, body.Deliveries[0].Signed)
	assert.Equal(t, 1, body.Stats.Successful)

	assert.Equal(t, http.StatusBadRequest, f.do(member, "GET", "/api/v1/integrations/1/deliveries?limit=0", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(other, "GET", "/api/v1/integrations/1/deliveries", "").Code)
}

func TestHandlers_TestFailureIsBadGateway(t *testing.T) {
	rc := newReceiver(t, http.StatusInternalServerError)
	f := newHandlerFixture(t, Integration{ID: 1, Name: "down", Category: "general", WebhookURL: rc.URL, CreatedBy: ownedBy(2), IsActive: true})

	w := f.do(member, "POST", "/api/v1/integrations/1/test", "")
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Body.String(), "Webhook test failed")
	assert.Len(t, rc.received(), 3)
}
