// Package sitex carries the caller's site visibility through a request.
// Operator tokens grant either all sites or an explicit site list; every
// site-scoped query receives the scope as an argument.
package sitex

import (
	"context"

	"github.com/google/uuid"
)

type contextKey struct{}

type Scope struct {
	Subject  string
	AllSites bool
	SiteIDs  []uuid.UUID
}

func (s Scope) CanAccess(siteID uuid.UUID) bool {
	if s.AllSites {
		return true
	}
	for _, id := range s.SiteIDs {
		if id == siteID {
			return true
		}
	}
	return false
}

func WithScope(ctx context.Context, scope Scope) context.Context {
	return context.WithValue(ctx, contextKey{}, scope)
}

func FromContext(ctx context.Context) (Scope, bool) {
	if v := ctx.Value(contextKey{}); v != nil {
		if s, ok := v.(Scope); ok {
			return s, true
		}
	}
	return Scope{}, false
}

func SubjectFromContext(ctx context.Context) string {
	if s, ok := FromContext(ctx); ok {
		return s.Subject
	}
	return ""
}
