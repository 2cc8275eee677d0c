package middleware

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/bastion/pkg/observability"
	"github.com/platinummonkey/bastion/pkg/rbac"
)

func TestRouteTable_Lookup(t *testing.T) {
	table := DefaultRouteTable()

	tests := []struct {
		method string
		path   string
		want   []rbac.Permission
	}{
		{"GET", "/api/v1/projects", []rbac.Permission{rbac.PermReadProject}},
		{"POST", "/api/v1/projects", []rbac.Permission{rbac.PermWriteProject}},
		{"GET", "/api/v1/projects/42", []rbac.Permission{rbac.PermReadProject}},
		{"DELETE", "/api/v1/users/7", []rbac.Permission{rbac.PermDeleteUser}},
		{"DELETE", "/users/7/permissions/read_sensitive", []rbac.Permission{rbac.PermAdminAll}},
		{"GET", "/api/v1/projects/42/members", nil},
		{"PATCH", "/api/v1/projects", nil},
		{"GET", "/api/v1/unlisted", nil},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, table.Lookup(tt.method, tt.path))
		})
	}
}

func TestRouteTable_ExactBeatsPattern(t *testing.T) {
	table, err := NewRouteTable([]RouteRule{
		{Method: "GET", Path: "/items/{id}", Permissions: []rbac.Permission{rbac.PermReadProject}},
		{Method: "GET", Path: "/items/special", Permissions: []rbac.Permission{rbac.PermAdminAll}},
	})
	require.NoError(t, err)

	assert.Equal(t, []rbac.Permission{rbac.PermAdminAll}, table.Lookup("GET", "/items/special"))
	assert.Equal(t, []rbac.Permission{rbac.PermReadProject}, table.Lookup("GET", "/items/1"))
}

func TestRouteTable_RejectsUnknownPermission(t *testing.T) {
	_, err := NewRouteTable([]RouteRule{
		{Method: "GET", Path: "/x", Permissions: []rbac.Permission{"project:read"}},
	})
	assert.Error(t, err)

	_, err = NewRouteTable([]RouteRule{{Method: "GET", Path: "relative"}})
	assert.Error(t, err)
}

const routeYAML = `
routes:
  - method: get
    path: /reports/{id}
    permissions: [read_usage]
  - method: POST
    path: /reports
    permissions: [write_usage, read_sensitive]
`

func TestLoadRouteTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(routeYAML), 0o644))

	table, err := LoadRouteTable(path)
	require.NoError(t, err)

	assert.Equal(t, []rbac.Permission{rbac.PermReadUsage}, table.Lookup("GET", "/reports/9"))
	assert.Equal(t, []rbac.Permission{rbac.PermWriteUsage, rbac.PermReadSensitive}, table.Lookup("POST", "/reports"))

	_, err = LoadRouteTable(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestWatchFile_ReloadsRouteTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(routeYAML), 0o644))

	table, err := LoadRouteTable(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, WatchFile(ctx, path, table, observability.NewNopLogger()))

	updated := `
routes:
  - method: GET
    path: /reports/{id}
    permissions: [admin_all]
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	assert.Eventually(t, func() bool {
		perms := table.Lookup("GET", "/reports/1")
		return len(perms) == 1 && perms[0] == rbac.PermAdminAll
	}, 2*time.Second, 20*time.Millisecond)

	// a broken file keeps the previous rules
	require.NoError(t, os.WriteFile(path, []byte("routes: [{method: GET, path: /x, permissions: [nope]}]"), 0o644))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, []rbac.Permission{rbac.PermAdminAll}, table.Lookup("GET", "/reports/1"))
}

func TestTierTable(t *testing.T) {
	tiers := DefaultTierTable()
	assert.Equal(t, 100, tiers.Limit("free"))
	assert.Equal(t, 1000, tiers.Limit("pro"))
	assert.Equal(t, 1000, tiers.Limit("premium"))
	assert.Equal(t, 10000, tiers.Limit("enterprise"))
	assert.Equal(t, 100, tiers.Limit("legacy"))
	assert.Equal(t, 100, tiers.Fallback())

	assert.Equal(t, 100, NewTierTable(nil, 0).Fallback())
}

func TestLoadTierTable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tiers.yaml")
	require.NoError(t, os.WriteFile(path, []byte("fallback: 50\ntiers:\n  free: 60\n  team: 5000\n"), 0o644))

	tiers, err := LoadTierTable(path)
	require.NoError(t, err)
	assert.Equal(t, 60, tiers.Limit("free"))
	assert.Equal(t, 5000, tiers.Limit("team"))
	assert.Equal(t, 50, tiers.Limit("enterprise"))

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("tiers:\n  free: -1\n"), 0o644))
	_, err = LoadTierTable(bad)
	assert.Error(t, err)

	require.Error(t, tiers.Reload(bad))
	assert.Equal(t, 60, tiers.Limit("free"))
}
