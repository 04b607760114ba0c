package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"esocore-server/shared/authx"
	"esocore-server/shared/httpx"
	"esocore-server/shared/sitex"
)

// SiteScopeMiddleware derives the caller's site visibility from verified
// token claims. Requests without any site grant are rejected rather than
// silently scoped to nothing.
type SiteScopeMiddleware struct {
	Skip func(*http.Request) bool
}

func (m SiteScopeMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip != nil && m.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}

		auth, ok := authx.FromContext(r.Context())
		if !ok {
			httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "not authenticated", nil)
			return
		}

		all, rawIDs := authx.SiteGrants(auth)
		scope := sitex.Scope{Subject: auth.Subject, AllSites: all}
		if !all {
			for _, raw := range rawIDs {
				id, err := uuid.Parse(raw)
				if err != nil {
					httpx.WriteError(w, r, http.StatusForbidden, "PERMISSION_DENIED", "malformed site grant", nil)
					return
				}
				scope.SiteIDs = append(scope.SiteIDs, id)
			}
			if len(scope.SiteIDs) == 0 {
				httpx.WriteError(w, r, http.StatusForbidden, "PERMISSION_DENIED", "no site access granted", nil)
				return
			}
		}

		ctx := sitex.WithScope(r.Context(), scope)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
