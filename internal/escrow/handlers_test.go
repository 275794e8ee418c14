package escrow

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/otcdesk/escrowd/internal/chain"
	"github.com/otcdesk/escrowd/internal/vault"
)

const (
	hOwner     = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	hOwnerSrc  = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaab"
	hOwnerRecv = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaac"
	hTaker     = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	hTakerPay  = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbc"
	hTakerRecv = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbd"
)

// fakeAuth injects the caller address the way the API-key middleware does.
func fakeAuth(addr string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set("authOwnerAddr", addr)
		c.Next()
	}
}

// buildRouter mounts the handler with the given authenticated caller.
// Multiple routers over the same handler share ledger state, which lets a
// test act as the owner and the taker in turn.
func buildRouter(h *Handler, callerAddr string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	public := r.Group("/v1")
	h.RegisterRoutes(public)
	protected := r.Group("/v1", fakeAuth(callerAddr))
	h.RegisterProtectedRoutes(protected)
	return r
}

func newTestRouter(t *testing.T, callerAddr string) (*gin.Engine, *Handler, *chain.Simulator) {
	t.Helper()

	sim := chain.NewSimulator()
	store := NewMemoryStore()
	svc := NewService(store, vault.NewCustodian(sim), testBounds)
	h := NewHandler(svc, NewAnalytics(store))

	return buildRouter(h, callerAddr), h, sim
}

func doJSON(r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	r.ServeHTTP(w, req)
	return w
}

func createBody(seed string) string {
	return fmt.Sprintf(`{
		"sourceAccount": %q,
		"receiveAccount": %q,
		"offerAsset": "USDC",
		"offerAmount": 100,
		"acceptAsset": "WETH",
		"acceptAmount": 250,
		"durationSeconds": 3600,
		"seed": %q
	}`, hOwnerSrc, hOwnerRecv, seed)
}

func exchangeBody() string {
	return fmt.Sprintf(`{
		"paymentAccount": %q,
		"paymentAsset": "WETH",
		"paymentAmount": 250,
		"payTo": %q,
		"receiveAccount": %q,
		"receiveAsset": "USDC"
	}`, hTakerPay, hOwnerRecv, hTakerRecv)
}

func TestCreateEscrowEndpoint(t *testing.T) {
	r, _, sim := newTestRouter(t, hOwner)
	sim.Mint(hOwnerSrc, "USDC", 100)

	w := doJSON(r, "POST", "/v1/escrows", createBody("0000000000000001"))
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp struct {
		Escrow *Record `json:"escrow"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad response: %v", err)
	}
	if resp.Escrow.Owner != hOwner || resp.Escrow.Status != StatusPending {
		t.Errorf("escrow = %+v", resp.Escrow)
	}
	if !strings.HasPrefix(resp.Escrow.ID, "esc_") {
		t.Errorf("id = %s", resp.Escrow.ID)
	}
}

func TestCreateEscrowEndpoint_Invalid(t *testing.T) {
	r, _, _ := newTestRouter(t, hOwner)

	cases := []struct {
		name string
		body string
		want int
	}{
		{"malformed json", "{not json", http.StatusBadRequest},
		{"bad address", strings.Replace(createBody("0000000000000001"), hOwnerSrc, "nonsense", 1), http.StatusBadRequest},
		{"bad seed", createBody("xyz"), http.StatusBadRequest},
		{"zero amount", strings.Replace(createBody("0000000000000001"), `"offerAmount": 100`, `"offerAmount": 0`, 1), http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := doJSON(r, "POST", "/v1/escrows", tc.body)
			if w.Code != tc.want {
				t.Errorf("status = %d, want %d: %s", w.Code, tc.want, w.Body.String())
			}
		})
	}
}

func TestCreateEscrowEndpoint_InsufficientFunds(t *testing.T) {
	r, _, _ := newTestRouter(t, hOwner)

	w := doJSON(r, "POST", "/v1/escrows", createBody("0000000000000001"))
	if w.Code != http.StatusPaymentRequired {
		t.Errorf("status = %d, want 402: %s", w.Code, w.Body.String())
	}
}

func TestGetEscrowEndpoint(t *testing.T) {
	r, _, sim := newTestRouter(t, hOwner)
	sim.Mint(hOwnerSrc, "USDC", 100)

	w := doJSON(r, "POST", "/v1/escrows", createBody("0000000000000001"))
	var created struct {
		Escrow *Record `json:"escrow"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &created)

	w = doJSON(r, "GET", "/v1/escrows/"+created.Escrow.ID, "")
	if w.Code != http.StatusOK {
		t.Errorf("get: status = %d", w.Code)
	}

	w = doJSON(r, "GET", "/v1/escrows/esc_missing", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("missing: status = %d, want 404", w.Code)
	}
}

func TestExchangeEndpoint(t *testing.T) {
	rOwner, h, sim := newTestRouter(t, hOwner)
	rTaker := buildRouter(h, hTaker)
	sim.Mint(hOwnerSrc, "USDC", 100)
	sim.Mint(hTakerPay, "WETH", 250)

	w := doJSON(rOwner, "POST", "/v1/escrows", createBody("0000000000000001"))
	var created struct {
		Escrow *Record `json:"escrow"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &created)
	id := created.Escrow.ID

	w = doJSON(rTaker, "POST", "/v1/escrows/"+id+"/exchange", exchangeBody())
	if w.Code != http.StatusOK {
		t.Fatalf("exchange: status = %d, body = %s", w.Code, w.Body.String())
	}

	var done struct {
		Escrow *Record `json:"escrow"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &done)
	if done.Escrow.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", done.Escrow.Status)
	}

	// A second exchange conflicts.
	w = doJSON(rTaker, "POST", "/v1/escrows/"+id+"/exchange", exchangeBody())
	if w.Code != http.StatusConflict {
		t.Errorf("replay: status = %d, want 409", w.Code)
	}
}

func TestCancelEndpoint_OnlyOwner(t *testing.T) {
	rOwner, h, sim := newTestRouter(t, hOwner)
	rStranger := buildRouter(h, hTaker)
	sim.Mint(hOwnerSrc, "USDC", 100)

	w := doJSON(rOwner, "POST", "/v1/escrows", createBody("0000000000000001"))
	var created struct {
		Escrow *Record `json:"escrow"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &created)
	id := created.Escrow.ID

	w = doJSON(rStranger, "POST", "/v1/escrows/"+id+"/cancel", "")
	if w.Code != http.StatusForbidden {
		t.Fatalf("stranger cancel: status = %d, want 403: %s", w.Code, w.Body.String())
	}

	w = doJSON(rOwner, "POST", "/v1/escrows/"+id+"/cancel", "")
	if w.Code != http.StatusOK {
		t.Fatalf("owner cancel: status = %d, body = %s", w.Code, w.Body.String())
	}

	w = doJSON(rOwner, "POST", "/v1/escrows/"+id+"/cancel", "")
	if w.Code != http.StatusConflict {
		t.Errorf("double cancel: status = %d, want 409", w.Code)
	}
}

func TestListEscrowsEndpoint(t *testing.T) {
	r, _, sim := newTestRouter(t, hOwner)
	sim.Mint(hOwnerSrc, "USDC", 300)

	for i := 1; i <= 3; i++ {
		w := doJSON(r, "POST", "/v1/escrows", createBody(fmt.Sprintf("%016d", i)))
		if w.Code != http.StatusCreated {
			t.Fatalf("create %d: %d", i, w.Code)
		}
	}

	w := doJSON(r, "GET", "/v1/accounts/"+hOwner+"/escrows", "")
	if w.Code != http.StatusOK {
		t.Fatalf("list: %d", w.Code)
	}
	var resp struct {
		Escrows []*Record `json:"escrows"`
		Count   int       `json:"count"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Count != 3 || len(resp.Escrows) != 3 {
		t.Errorf("count = %d, len = %d", resp.Count, len(resp.Escrows))
	}

	// Status filter.
	w = doJSON(r, "GET", "/v1/accounts/"+hOwner+"/escrows?status=completed", "")
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Count != 0 {
		t.Errorf("completed filter count = %d, want 0", resp.Count)
	}

	w = doJSON(r, "GET", "/v1/accounts/"+hOwner+"/escrows?status=bogus", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("bogus filter: %d, want 400", w.Code)
	}

	// Malformed address param is rejected by middleware.
	w = doJSON(r, "GET", "/v1/accounts/junk/escrows", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("junk address: %d, want 400", w.Code)
	}
}

func TestStatsEndpoints(t *testing.T) {
	r, _, sim := newTestRouter(t, hOwner)
	sim.Mint(hOwnerSrc, "USDC", 100)

	doJSON(r, "POST", "/v1/escrows", createBody("0000000000000001"))

	w := doJSON(r, "GET", "/v1/stats/global", "")
	if w.Code != http.StatusOK {
		t.Fatalf("global: %d", w.Code)
	}
	var stats struct {
		Stats *GlobalStats `json:"stats"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &stats)
	if stats.Stats.TotalCreated != 1 || stats.Stats.TotalValueLocked != 100 {
		t.Errorf("stats = %+v", stats.Stats)
	}

	w = doJSON(r, "GET", "/v1/stats/daily-creations", "")
	if w.Code != http.StatusOK {
		t.Fatalf("daily: %d", w.Code)
	}
	var daily struct {
		Days  []DailyCount `json:"days"`
		Count int          `json:"count"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &daily)
	if daily.Count != 1 || daily.Days[0].Date != time.Now().UTC().Format("2006-01-02") {
		t.Errorf("daily = %+v", daily)
	}
}
