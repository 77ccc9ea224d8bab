package common

import (
	"context"
	"slices"
	"strings"
)

type (
	accountKey struct{}
	rolesKey   struct{}
)

// WithUserID records the authenticated account on ctx.
func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, accountKey{}, strings.TrimSpace(id))
}

// UserID returns the authenticated account. An empty id counts as absent.
func UserID(ctx context.Context) (string, bool) {
	id, _ := ctx.Value(accountKey{}).(string)
	return id, id != ""
}

// WithRoles records the caller's roles on ctx.
func WithRoles(ctx context.Context, roles []string) context.Context {
	return context.WithValue(ctx, rolesKey{}, slices.Clone(roles))
}

// Roles returns the caller's roles.
func Roles(ctx context.Context) []string {
	roles, _ := ctx.Value(rolesKey{}).([]string)
	return roles
}

// HasRole reports whether the caller holds role, ignoring case.
func HasRole(ctx context.Context, role string) bool {
	return slices.ContainsFunc(Roles(ctx), func(r string) bool { return strings.EqualFold(r, role) })
}
