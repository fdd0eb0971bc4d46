// Package authz carries the already-resolved caller identity into the core.
// It authorizes; it never authenticates.
package authz

import (
	"context"
	"fmt"

	"github.com/kalambet/replydesk/internal/apperr"
)

// Role is a caller role.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleManager Role = "manager"
	RoleAgent   Role = "agent"
)

// ParseRole validates a role string.
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleAdmin, RoleManager, RoleAgent:
		return r, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// Principal is the caller of a mutation.
type Principal struct {
	UserID string
	Role   Role
}

// IsSupervisor reports whether the principal may reassign tickets and set priority.
func (p *Principal) IsSupervisor() bool {
	return p != nil && (p.Role == RoleAdmin || p.Role == RoleManager)
}

// IsAdmin reports whether the principal is an admin.
func (p *Principal) IsAdmin() bool {
	return p != nil && p.Role == RoleAdmin
}

// Require returns ErrUnauthorized when p is nil or carries no identity.
func Require(p *Principal) error {
	if p == nil || p.UserID == "" || p.Role == "" {
		return apperr.ErrUnauthorized
	}
	return nil
}

// RequireRole returns ErrUnauthorized or ErrForbidden unless p has one of allowed.
func RequireRole(p *Principal, action string, allowed ...Role) error {
	if err := Require(p); err != nil {
		return err
	}
	for _, r := range allowed {
		if p.Role == r {
			return nil
		}
	}
	return apperr.Forbidden(fmt.Sprintf("role %s may not %s", p.Role, action))
}

type ctxKey struct{}

// WithPrincipal attaches p to ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

// FromContext returns the principal attached to ctx, or nil.
func FromContext(ctx context.Context) *Principal {
	p, ok := ctx.Value(ctxKey{}).(Principal)
	if !ok {
		return nil
	}
	return &p
}
