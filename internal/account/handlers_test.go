package account

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/otcdesk/escrowd/internal/auth"
)

const testAddr = "0xabcdef1234567890abcdef1234567890abcdef12"

func newRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mgr := auth.NewManager(auth.NewMemoryStore())
	h := NewHandler(NewService(NewMemoryStore()), mgr)

	r := gin.New()
	r.Use(auth.Middleware(mgr))
	v1 := r.Group("/v1")
	h.RegisterRoutes(v1)
	h.RegisterProtectedRoutes(v1, mgr)
	return r
}

func TestRegisterEndpoint_IssuesKey(t *testing.T) {
	r := newRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/accounts",
		strings.NewReader(`{"address": "`+testAddr+`", "displayName": "alice"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp struct {
		Account *Account `json:"account"`
		APIKey  string   `json:"apiKey"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad response: %v", err)
	}
	if resp.Account.Address != testAddr {
		t.Errorf("address = %s", resp.Account.Address)
	}
	if !strings.HasPrefix(resp.APIKey, "sk_") {
		t.Errorf("no API key issued: %q", resp.APIKey)
	}

	// Duplicate registration conflicts.
	w = httptest.NewRecorder()
	req = httptest.NewRequest("POST", "/v1/accounts",
		strings.NewReader(`{"address": "`+testAddr+`"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusConflict {
		t.Errorf("duplicate: status = %d, want 409", w.Code)
	}
}

func TestRegisterEndpoint_BadAddress(t *testing.T) {
	r := newRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/accounts", strings.NewReader(`{"address": "junk"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestGetEndpoint(t *testing.T) {
	r := newRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/accounts", strings.NewReader(`{"address": "`+testAddr+`"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/v1/accounts/"+testAddr, nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("get: status = %d", w.Code)
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/v1/accounts/0x9999999999999999999999999999999999999999", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown: status = %d, want 404", w.Code)
	}
}

func TestRenameEndpoint_RequiresOwnership(t *testing.T) {
	r := newRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/accounts", strings.NewReader(`{"address": "`+testAddr+`"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	var reg struct {
		APIKey string `json:"apiKey"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &reg)

	// Without a key.
	w = httptest.NewRecorder()
	req = httptest.NewRequest("PUT", "/v1/accounts/"+testAddr, strings.NewReader(`{"displayName": "bob"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("no key: status = %d, want 401", w.Code)
	}

	// With the owner's key.
	w = httptest.NewRecorder()
	req = httptest.NewRequest("PUT", "/v1/accounts/"+testAddr, strings.NewReader(`{"displayName": "bob"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+reg.APIKey)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("owner rename: status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp struct {
		Account *Account `json:"account"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Account.DisplayName != "bob" {
		t.Errorf("display name = %s, want bob", resp.Account.DisplayName)
	}
}
