package authx

import "testing"

func TestParseRoles(t *testing.T) {
	claims := map[string]any{
		"roles": []any{"admin", "operator"},
		"scp":   "read write",
	}
	roles := parseRoles(claims)
	if len(roles) < 3 {
		t.Fatalf("expected roles to include entries, got %v", roles)
	}
}

func TestSiteGrants(t *testing.T) {
	auth := AuthContext{Claims: map[string]any{"sites": []any{"3f1c", "9ab2"}}}
	all, ids := SiteGrants(auth)
	if all {
		t.Fatalf("did not expect all-sites grant")
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 site ids, got %v", ids)
	}

	all, _ = SiteGrants(AuthContext{Claims: map[string]any{"sites": "*"}})
	if !all {
		t.Fatalf("expected wildcard sites claim to grant all")
	}

	all, _ = SiteGrants(AuthContext{Roles: []string{"admin"}})
	if !all {
		t.Fatalf("expected admin role to grant all sites")
	}
}

func TestNewJWTVerifierValidation(t *testing.T) {
	if _, err := NewJWTVerifier("", "aud", "", 60, 0); err == nil {
		t.Fatalf("expected error for missing issuer")
	}
}
