package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"esocore-server/shared/authx"
	"esocore-server/shared/sitex"
)

func siteScopeHandler(captured *sitex.Scope) http.Handler {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if scope, ok := sitex.FromContext(r.Context()); ok && captured != nil {
			*captured = scope
		}
		w.WriteHeader(http.StatusOK)
	})
	return SiteScopeMiddleware{}.Wrap(next)
}

func TestSiteScopeFromClaim(t *testing.T) {
	siteA := uuid.New()
	siteB := uuid.New()

	var scope sitex.Scope
	handler := siteScopeHandler(&scope)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/events", nil)
	req = req.WithContext(authx.WithAuth(req.Context(), authx.AuthContext{
		Subject: "operator-1",
		Claims:  map[string]any{"sites": siteA.String() + "," + siteB.String()},
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if scope.AllSites {
		t.Fatalf("scope should not grant all sites")
	}
	if !scope.CanAccess(siteA) || !scope.CanAccess(siteB) {
		t.Fatalf("scope missing granted sites")
	}
	if scope.CanAccess(uuid.New()) {
		t.Fatalf("scope grants an unlisted site")
	}
	if scope.Subject != "operator-1" {
		t.Fatalf("unexpected subject %q", scope.Subject)
	}
}

func TestSiteScopeAdminSeesAllSites(t *testing.T) {
	var scope sitex.Scope
	handler := siteScopeHandler(&scope)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/events", nil)
	req = req.WithContext(authx.WithAuth(req.Context(), authx.AuthContext{
		Subject: "admin-1",
		Roles:   []string{"admin"},
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !scope.AllSites {
		t.Fatalf("admin should see all sites")
	}
}

func TestSiteScopeRejectsMissingGrant(t *testing.T) {
	handler := siteScopeHandler(nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/events", nil)
	req = req.WithContext(authx.WithAuth(req.Context(), authx.AuthContext{Subject: "operator-2"}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestSiteScopeRejectsMalformedGrant(t *testing.T) {
	handler := siteScopeHandler(nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/events", nil)
	req = req.WithContext(authx.WithAuth(req.Context(), authx.AuthContext{
		Subject: "operator-3",
		Claims:  map[string]any{"sites": "not-a-uuid"},
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestSiteScopeRequiresAuth(t *testing.T) {
	handler := siteScopeHandler(nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/events", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}
