package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func newAuthRouter(t *testing.T) (*gin.Engine, *Manager, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mgr := NewManager(NewMemoryStore())
	rawKey, _, err := mgr.GenerateKey(context.Background(), "0xabcdef1234567890abcdef1234567890abcdef12", "test")
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	r := gin.New()
	r.Use(Middleware(mgr))
	r.GET("/open", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"owner": GetAuthenticatedOwner(c)})
	})
	r.GET("/locked", RequireAuth(mgr), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"owner": GetAuthenticatedOwner(c)})
	})
	r.GET("/accounts/:address/keys", RequireOwnership(mgr, "address"), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	return r, mgr, rawKey
}

func get(r *gin.Engine, path, key string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", path, nil)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	r.ServeHTTP(w, req)
	return w
}

func TestMiddleware_PublicRouteWithoutKey(t *testing.T) {
	r, _, _ := newAuthRouter(t)
	if w := get(r, "/open", ""); w.Code != http.StatusOK {
		t.Errorf("public route: %d, want 200", w.Code)
	}
}

func TestRequireAuth(t *testing.T) {
	r, _, rawKey := newAuthRouter(t)

	if w := get(r, "/locked", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("no key: %d, want 401", w.Code)
	}
	if w := get(r, "/locked", "sk_bogus"); w.Code != http.StatusUnauthorized {
		t.Errorf("bad key: %d, want 401", w.Code)
	}
	if w := get(r, "/locked", rawKey); w.Code != http.StatusOK {
		t.Errorf("valid key: %d, want 200", w.Code)
	}
}

func TestRequireAuth_XAPIKeyHeader(t *testing.T) {
	r, _, rawKey := newAuthRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/locked", nil)
	req.Header.Set("X-API-Key", rawKey)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("X-API-Key header: %d, want 200", w.Code)
	}
}

func TestRequireOwnership(t *testing.T) {
	r, _, rawKey := newAuthRouter(t)

	own := "/accounts/0xabcdef1234567890abcdef1234567890abcdef12/keys"
	other := "/accounts/0x9999999999999999999999999999999999999999/keys"

	if w := get(r, own, rawKey); w.Code != http.StatusOK {
		t.Errorf("own address: %d, want 200", w.Code)
	}
	if w := get(r, other, rawKey); w.Code != http.StatusForbidden {
		t.Errorf("other address: %d, want 403", w.Code)
	}
	if w := get(r, own, ""); w.Code != http.StatusUnauthorized {
		t.Errorf("no key: %d, want 401", w.Code)
	}
}

func TestRequireOwnership_CaseInsensitive(t *testing.T) {
	r, _, rawKey := newAuthRouter(t)

	mixed := "/accounts/0xABCDEF1234567890abcdef1234567890ABCDEF12/keys"
	if w := get(r, mixed, rawKey); w.Code != http.StatusOK {
		t.Errorf("mixed-case address: %d, want 200", w.Code)
	}
}

// --- RequireAdmin() ---

func TestRequireAdmin_DemoMode_AuthenticatedPasses(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/admin/reconcile", nil)
	c.Set(ContextKeyAPIKey, &APIKey{OwnerAddr: "0xowner"})

	RequireAdmin("")(c)

	if c.IsAborted() {
		t.Error("Expected authenticated request to pass with empty secret")
	}
}

func TestRequireAdmin_DemoMode_UnauthenticatedRejects(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/admin/reconcile", nil)

	RequireAdmin("")(c)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without auth and empty secret, got %d", w.Code)
	}
}

func TestRequireAdmin_CorrectSecret(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/admin/reconcile", nil)
	c.Request.Header.Set("X-Admin-Secret", "supersecret123")

	RequireAdmin("supersecret123")(c)

	if c.IsAborted() {
		t.Error("Expected correct admin secret to pass")
	}
}

func TestRequireAdmin_WrongSecret(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/admin/reconcile", nil)
	c.Request.Header.Set("X-Admin-Secret", "wrongsecret")

	RequireAdmin("supersecret123")(c)

	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for wrong secret, got %d", w.Code)
	}
}

func TestRequireAdmin_MissingHeader(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/admin/reconcile", nil)

	RequireAdmin("supersecret123")(c)

	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for missing admin header, got %d", w.Code)
	}
}
