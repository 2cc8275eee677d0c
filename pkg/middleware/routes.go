package middleware

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/bastion/pkg/observability"
	"github.com/platinummonkey/bastion/pkg/rbac"
)

// RouteRule lists the permissions a method and path require. Path segments
// written as {name} match any single literal segment.
type RouteRule struct {
	Method      string            `yaml:"method"`
	Path        string            `yaml:"path"`
	Permissions []rbac.Permission `yaml:"permissions"`
}

// RouteTable resolves the permissions required by a request. Lookups are
// safe while the table is being reloaded.
type RouteTable struct {
	mu       sync.RWMutex
	exact    map[string][]rbac.Permission
	patterns []RouteRule
}

// NewRouteTable builds a table from rules
func NewRouteTable(rules []RouteRule) (*RouteTable, error) {
	t := &RouteTable{}
	if err := t.Replace(rules); err != nil {
		return nil, err
	}
	return t, nil
}

// DefaultRoutes is the built-in route table
func DefaultRoutes() []RouteRule {
	return []RouteRule{
		{"GET", "/api/v1/users", []rbac.Permission{rbac.PermReadUser}},
		{"POST", "/api/v1/users", []rbac.Permission{rbac.PermWriteUser}},
		{"PUT", "/api/v1/users", []rbac.Permission{rbac.PermWriteUser}},
		{"DELETE", "/api/v1/users", []rbac.Permission{rbac.PermDeleteUser}},
		{"GET", "/api/v1/users/{user_id}", []rbac.Permission{rbac.PermReadUser}},
		{"PUT", "/api/v1/users/{user_id}", []rbac.Permission{rbac.PermWriteUser}},
		{"DELETE", "/api/v1/users/{user_id}", []rbac.Permission{rbac.PermDeleteUser}},

		{"GET", "/api/v1/projects", []rbac.Permission{rbac.PermReadProject}},
		{"POST", "/api/v1/projects", []rbac.Permission{rbac.PermWriteProject}},
		{"PUT", "/api/v1/projects", []rbac.Permission{rbac.PermWriteProject}},
		{"DELETE", "/api/v1/projects", []rbac.Permission{rbac.PermDeleteProject}},
		{"GET", "/api/v1/projects/{project_id}", []rbac.Permission{rbac.PermReadProject}},
		{"PUT", "/api/v1/projects/{project_id}", []rbac.Permission{rbac.PermWriteProject}},
		{"DELETE", "/api/v1/projects/{project_id}", []rbac.Permission{rbac.PermDeleteProject}},

		{"GET", "/api/v1/api-keys", []rbac.Permission{rbac.PermReadAPIKey}},
		{"POST", "/api/v1/api-keys", []rbac.Permission{rbac.PermWriteAPIKey}},
		{"DELETE", "/api/v1/api-keys", []rbac.Permission{rbac.PermDeleteAPIKey}},
		{"DELETE", "/api/v1/api-keys/{key_id}", []rbac.Permission{rbac.PermDeleteAPIKey}},

		{"GET", "/api/v1/integrations", []rbac.Permission{rbac.PermExternalRead}},
		{"POST", "/api/v1/integrations", []rbac.Permission{rbac.PermExternalWrite}},
		{"PUT", "/api/v1/integrations", []rbac.Permission{rbac.PermExternalWrite}},
		{"DELETE", "/api/v1/integrations", []rbac.Permission{rbac.PermExternalWrite}},
		{"GET", "/api/v1/integrations/{integration_id}", []rbac.Permission{rbac.PermExternalRead}},
		{"PUT", "/api/v1/integrations/{integration_id}", []rbac.Permission{rbac.PermExternalWrite}},
		{"DELETE", "/api/v1/integrations/{integration_id}", []rbac.Permission{rbac.PermExternalWrite}},
		{"GET", "/api/v1/integrations/{integration_id}/deliveries", []rbac.Permission{rbac.PermWebhookAccess}},
		{"POST", "/api/v1/integrations/{integration_id}/test", []rbac.Permission{rbac.PermWebhookAccess}},

		{"GET", "/api/v1/sensitive-data", []rbac.Permission{rbac.PermReadSensitive}},
		{"POST", "/api/v1/sensitive-data", []rbac.Permission{rbac.PermWriteSensitive}},

		{"GET", "/audit/logs", []rbac.Permission{rbac.PermReadUser}},
		{"GET", "/audit/logs/{log_id}", []rbac.Permission{rbac.PermReadUser}},
		{"GET", "/audit/users/{user_id}/activity", []rbac.Permission{rbac.PermReadUser}},
		{"GET", "/audit/stats", []rbac.Permission{rbac.PermAdminAll}},
		{"GET", "/audit/export", []rbac.Permission{rbac.PermAdminAll}},
		{"DELETE", "/audit/logs/cleanup", []rbac.Permission{rbac.PermAdminAll}},

		{"GET", "/users/{user_id}/permissions", []rbac.Permission{rbac.PermAdminAll}},
		{"POST", "/users/{user_id}/permissions", []rbac.Permission{rbac.PermAdminAll}},
		{"DELETE", "/users/{user_id}/permissions/{permission}", []rbac.Permission{rbac.PermAdminAll}},
		{"PUT", "/roles/{role}/permissions/{permission}", []rbac.Permission{rbac.PermAdminAll}},
		{"DELETE", "/roles/{role}/permissions/{permission}", []rbac.Permission{rbac.PermAdminAll}},
	}
}

// DefaultRouteTable returns a table built from DefaultRoutes
func DefaultRouteTable() *RouteTable {
	t, err := NewRouteTable(DefaultRoutes())
	if err != nil {
		panic(err)
	}
	return t
}

// Replace swaps the rules. Rules naming unknown permissions are rejected.
func (t *RouteTable) Replace(rules []RouteRule) error {
	exact := make(map[string][]rbac.Permission)
	var patterns []RouteRule

	for _, rule := range rules {
		if rule.Method == "" || !strings.HasPrefix(rule.Path, "/") {
			return fmt.Errorf("invalid route rule %q %q", rule.Method, rule.Path)
		}
		for _, p := range rule.Permissions {
			if !p.Valid() {
				return fmt.Errorf("route %s %s: unknown permission %q", rule.Method, rule.Path, p)
			}
		}
		rule.Method = strings.ToUpper(rule.Method)
		if strings.Contains(rule.Path, "{") {
			patterns = append(patterns, rule)
		} else {
			exact[routeKey(rule.Method, rule.Path)] = rule.Permissions
		}
	}

	t.mu.Lock()
	t.exact = exact
	t.patterns = patterns
	t.mu.Unlock()
	return nil
}

// Lookup returns the permissions required for method and path. Exact matches
// win over patterns; patterns are tried in table order. Nil means the route
// is not access-controlled.
func (t *RouteTable) Lookup(method, path string) []rbac.Permission {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if perms, ok := t.exact[routeKey(method, path)]; ok {
		return perms
	}
	for _, rule := range t.patterns {
		if rule.Method == method && pathMatches(path, rule.Path) {
			return rule.Permissions
		}
	}
	return nil
}

// Reload replaces the rules from a YAML file
func (t *RouteTable) Reload(path string) error {
	rules, err := readRouteFile(path)
	if err != nil {
		return err
	}
	return t.Replace(rules)
}

// LoadRouteTable reads a YAML route file:
//
//	routes:
//	  - method: GET
//	    path: /api/v1/projects/{project_id}
//	    permissions: [read_project]
func LoadRouteTable(path string) (*RouteTable, error) {
	rules, err := readRouteFile(path)
	if err != nil {
		return nil, err
	}
	return NewRouteTable(rules)
}

func readRouteFile(path string) ([]RouteRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read route table: %w", err)
	}
	var f struct {
		Routes []RouteRule `yaml:"routes"`
	}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse route table: %w", err)
	}
	return f.Routes, nil
}

func routeKey(method, path string) string {
	return method + " " + path
}

func pathMatches(actual, pattern string) bool {
	actualParts := strings.Split(actual, "/")
	patternParts := strings.Split(pattern, "/")
	if len(actualParts) != len(patternParts) {
		return false
	}
	for i, part := range patternParts {
		if strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}") {
			continue
		}
		if part != actualParts[i] {
			return false
		}
	}
	return true
}

// Reloader is implemented by tables that can re-read their backing file
type Reloader interface {
	Reload(path string) error
}

// WatchFile reloads target whenever path is written or replaced, until ctx
// is done. The parent directory is watched so editors that rename over the
// file are picked up. A failed reload keeps the previous contents.
func WatchFile(ctx context.Context, path string, target Reloader, logger *observability.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}

	clean := filepath.Clean(path)
	log := logger.WithField("file", clean)

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != clean {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := target.Reload(clean); err != nil {
					log.WithError(err).Error("failed to reload policy file, keeping previous version")
					continue
				}
				log.Info("policy file reloaded")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(err).Warn("file watcher error")
			}
		}
	}()
	return nil
}
