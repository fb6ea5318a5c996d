package auth

import "context"

type userContextKey struct{}

type contextUser struct {
	id    string
	roles []string
}

// ContextWithUser attaches the authenticated user and roles to the context.
// Roles are lowercased and deduplicated on the way in.
func ContextWithUser(ctx context.Context, userID string, roles []string) context.Context {
	return context.WithValue(ctx, userContextKey{}, contextUser{id: userID, roles: dedupeRoles(roles)})
}

// UserIDFromContext extracts the authenticated user id from the context.
func UserIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	u, ok := ctx.Value(userContextKey{}).(contextUser)
	if !ok || u.id == "" {
		return "", false
	}
	return u.id, true
}

// RolesFromContext returns the roles of the authenticated user, if any.
func RolesFromContext(ctx context.Context) []string {
	if ctx == nil {
		return nil
	}
	u, ok := ctx.Value(userContextKey{}).(contextUser)
	if !ok {
		return nil
	}
	return u.roles
}

// HasRole reports whether the context user carries the given role.
func HasRole(ctx context.Context, role string) bool {
	for _, r := range RolesFromContext(ctx) {
		if r == role {
			return true
		}
	}
	return false
}
