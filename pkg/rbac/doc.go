// Package rbac resolves and administers permissions.
//
// A principal's effective set is the union of the grants stored for its
// role (role_permissions) and its unexpired per-user grants
// (user_permissions). When both are empty the built-in
// DefaultRolePermissions table applies and EffectiveSet.FromDefaults is set.
// admin_all implies every permission.
//
//	resolver := rbac.NewResolver(rbac.NewSQLStore(db), rbac.ResolverConfig{CacheTTL: 30 * time.Second}, logger)
//	ok, err := resolver.HasPermission(ctx, principal, rbac.PermReadProject)
//
// A cached set expires no later than the first expiry among the user grants
// it was built from.
//
// Grant changes go through Service so that each change is audited. A user
// grant change drops that user's cached set; a role grant change purges the
// cache:
//
//	svc := rbac.NewService(store, resolver, auditRecorder)
//	err := svc.Grant(ctx, &adminID, userID, rbac.PermReadSensitive, nil)
//	err = svc.GrantRole(ctx, &adminID, auth.RolePremium, rbac.PermReadSensitive)
//
// Handlers can be guarded directly:
//
//	pm := rbac.NewPermissionMiddleware(resolver, logger)
//	router.Handle("/export", pm.RequireSensitiveDataAccess()(exportHandler))
package rbac
