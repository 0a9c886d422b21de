package server_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"NAVVault/internal/clock"
	"NAVVault/internal/fixedpoint"
	"NAVVault/internal/observability"
	"NAVVault/internal/roles"
	"NAVVault/internal/server"
	"NAVVault/internal/token"
	"NAVVault/internal/vault"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

type apiFixture struct {
	handler http.Handler
	vault   *vault.Vault
	ledger  *token.MemoryLedger
	clk     *clock.ManualClock
	custody uuid.UUID
	admin   uuid.UUID
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	custody := uuid.New()
	treasury := uuid.New()
	ledger := token.NewMemoryLedger(custody)
	clk := clock.NewManualClock(time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC))

	v, err := vault.New(custody, treasury, vault.DefaultConfig(), ledger, clk, nil, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}

	auth := roles.NewStaticAuthority()
	admin := uuid.New()
	auth.Assign(admin, roles.RoleAdmin)
	auth.Assign(admin, roles.RoleOracle)
	auth.Assign(admin, roles.RoleTreasury)
	auth.Assign(admin, roles.RolePauser)

	health := observability.NewHealthChecker()
	health.SetReady(true)

	srv := server.NewHTTPServer(":0", &server.Deps{
		Vault:  v,
		Auth:   auth,
		Health: health,
		Logger: zerolog.Nop(),
	})
	return &apiFixture{
		handler: srv.Handler(),
		vault:   v,
		ledger:  ledger,
		clk:     clk,
		custody: custody,
		admin:   admin,
	}
}

func (f *apiFixture) fund(user uuid.UUID, amount *uint256.Int) {
	f.ledger.Mint(user, amount)
	f.ledger.Approve(user, f.custody, amount)
}

func (f *apiFixture) do(t *testing.T, method, path string, body interface{}, principal uuid.UUID) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	if principal != uuid.Nil {
		req.Header.Set("X-Vault-Principal", principal.String())
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

// ============================================================
// Queries
// ============================================================

func TestVaultStatsEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/vault", nil, uuid.Nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rec.Code)
	}

	var resp struct {
		NAV         string `json:"nav"`
		ShareSupply string `json:"share_supply"`
		Paused      bool   `json:"paused"`
	}
	decodeBody(t, rec, &resp)

	if resp.NAV != fixedpoint.Scale.Dec() {
		t.Errorf("nav: got %q, want %q", resp.NAV, fixedpoint.Scale.Dec())
	}
	if resp.ShareSupply != "0" {
		t.Errorf("share_supply: got %q, want %q", resp.ShareSupply, "0")
	}
	if resp.Paused {
		t.Error("fresh vault reports paused")
	}
}

func TestHealthEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	for _, path := range []string{"/healthz", "/readyz"} {
		rec := f.do(t, http.MethodGet, path, nil, uuid.Nil)
		if rec.Code != http.StatusOK {
			t.Errorf("%s: got %d, want 200", path, rec.Code)
		}
	}
}

func TestDepositOverHTTP(t *testing.T) {
	f := newAPIFixture(t)
	user := uuid.New()
	f.fund(user, fixedpoint.Units(100))

	rec := f.do(t, http.MethodPost, "/v1/deposits", map[string]string{
		"caller":   user.String(),
		"receiver": user.String(),
		"assets":   fixedpoint.Units(100).Dec(),
	}, uuid.Nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}

	var resp struct {
		Shares string `json:"shares"`
	}
	decodeBody(t, rec, &resp)
	if resp.Shares != fixedpoint.Units(100).Dec() {
		t.Errorf("shares: got %q, want %q", resp.Shares, fixedpoint.Units(100).Dec())
	}
	if got := f.vault.SharesOf(user); got.Cmp(fixedpoint.Units(100)) != 0 {
		t.Errorf("vault shares: got %s, want %s", got.Dec(), fixedpoint.Units(100).Dec())
	}
}

func TestWithdrawBeforeCooldownIsConflict(t *testing.T) {
	f := newAPIFixture(t)
	user := uuid.New()
	f.fund(user, fixedpoint.Units(100))
	if _, err := f.vault.Deposit(user, user, fixedpoint.Units(100)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	rec := f.do(t, http.MethodPost, "/v1/withdrawals", map[string]string{
		"caller":   user.String(),
		"receiver": user.String(),
		"assets":   fixedpoint.Units(10).Dec(),
	}, uuid.Nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("status: got %d, want 409 (body %s)", rec.Code, rec.Body.String())
	}
}

func TestAccountAndWithdrawalStatusEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	user := uuid.New()
	f.fund(user, fixedpoint.Units(50))
	if _, err := f.vault.Deposit(user, user, fixedpoint.Units(50)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	rec := f.do(t, http.MethodGet, "/v1/accounts/"+user.String(), nil, uuid.Nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("account status: got %d, want 200", rec.Code)
	}
	var account struct {
		Shares          string `json:"shares"`
		DepositedAssets string `json:"deposited_assets"`
	}
	decodeBody(t, rec, &account)
	if account.Shares != fixedpoint.Units(50).Dec() {
		t.Errorf("shares: got %q, want %q", account.Shares, fixedpoint.Units(50).Dec())
	}

	rec = f.do(t, http.MethodGet, "/v1/accounts/"+user.String()+"/withdrawal", nil, uuid.Nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("withdrawal status: got %d, want 200", rec.Code)
	}
	var status struct {
		CanWithdraw bool  `json:"can_withdraw"`
		WaitSeconds int64 `json:"wait_seconds"`
	}
	decodeBody(t, rec, &status)
	if status.CanWithdraw {
		t.Error("can_withdraw true inside cooldown")
	}
	if want := int64(24 * 60 * 60); status.WaitSeconds != want {
		t.Errorf("wait_seconds: got %d, want %d", status.WaitSeconds, want)
	}
}

func TestPreviewEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/preview/deposit?amount="+fixedpoint.Units(10).Dec(), nil, uuid.Nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rec.Code)
	}
	var resp struct {
		Result string `json:"result"`
	}
	decodeBody(t, rec, &resp)
	if resp.Result != fixedpoint.Units(10).Dec() {
		t.Errorf("result: got %q, want %q", resp.Result, fixedpoint.Units(10).Dec())
	}

	rec = f.do(t, http.MethodGet, "/v1/preview/deposit?amount=abc", nil, uuid.Nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid amount: got %d, want 400", rec.Code)
	}
}

func TestInvalidBodiesAreBadRequest(t *testing.T) {
	f := newAPIFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/deposits", bytes.NewBufferString("{broken"))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("broken JSON: got %d, want 400", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/v1/deposits", map[string]string{
		"caller":   "not-a-uuid",
		"receiver": uuid.New().String(),
		"assets":   "1",
	}, uuid.Nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad caller: got %d, want 400", rec.Code)
	}
}

// ============================================================
// Admin
// ============================================================

func TestAdminEndpointsRequireRole(t *testing.T) {
	f := newAPIFixture(t)
	outsider := uuid.New()

	rec := f.do(t, http.MethodPost, "/v1/admin/pause", nil, outsider)
	if rec.Code != http.StatusForbidden {
		t.Errorf("outsider pause: got %d, want 403", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/v1/admin/pause", nil, uuid.Nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("missing principal: got %d, want 401", rec.Code)
	}
}

func TestPauseOverHTTP(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/admin/pause", nil, f.admin)
	if rec.Code != http.StatusOK {
		t.Fatalf("pause: got %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	if !f.vault.Paused() {
		t.Error("vault not paused after pause endpoint")
	}

	user := uuid.New()
	f.fund(user, fixedpoint.Units(10))
	rec = f.do(t, http.MethodPost, "/v1/deposits", map[string]string{
		"caller":   user.String(),
		"receiver": user.String(),
		"assets":   fixedpoint.Units(10).Dec(),
	}, uuid.Nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("deposit while paused: got %d, want 409", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/v1/admin/unpause", nil, f.admin)
	if rec.Code != http.StatusOK {
		t.Fatalf("unpause: got %d, want 200", rec.Code)
	}
	if f.vault.Paused() {
		t.Error("vault still paused after unpause endpoint")
	}
}

func TestNAVUpdateOverHTTP(t *testing.T) {
	f := newAPIFixture(t)

	nav := uint256.MustFromDecimal("1050000000000000000")
	rec := f.do(t, http.MethodPost, "/v1/admin/nav", map[string]string{
		"nav":          nav.Dec(),
		"total_assets": "0",
	}, f.admin)
	if rec.Code != http.StatusOK {
		t.Fatalf("nav update: got %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	if got := f.vault.NAV(); got.Cmp(nav) != 0 {
		t.Errorf("nav: got %s, want %s", got.Dec(), nav.Dec())
	}

	// Oversized move breaches the change corridor.
	rec = f.do(t, http.MethodPost, "/v1/admin/nav", map[string]string{
		"nav":          "9000000000000000000",
		"total_assets": "0",
	}, f.admin)
	if rec.Code == http.StatusOK {
		t.Error("oversized NAV move accepted")
	}
}

func TestSetParamOverHTTP(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPut, "/v1/admin/params", map[string]string{
		"parameter": "withdrawalCooldown",
		"value":     "48h",
	}, f.admin)
	if rec.Code != http.StatusOK {
		t.Fatalf("set param: got %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	if got := f.vault.Config().WithdrawalCooldown; got != 48*time.Hour {
		t.Errorf("cooldown: got %v, want 48h", got)
	}

	rec = f.do(t, http.MethodPut, "/v1/admin/params", map[string]string{
		"parameter": "withdrawalCooldown",
		"value":     fmt.Sprintf("%dh", 31*24),
	}, f.admin)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("over-ceiling cooldown: got %d, want 422", rec.Code)
	}

	rec = f.do(t, http.MethodPut, "/v1/admin/params", map[string]string{
		"parameter": "noSuchParameter",
		"value":     "1",
	}, f.admin)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown parameter: got %d, want 400", rec.Code)
	}
}

func TestTreasurySweepOverHTTP(t *testing.T) {
	f := newAPIFixture(t)
	user := uuid.New()
	f.fund(user, fixedpoint.Units(100))
	if _, err := f.vault.Deposit(user, user, fixedpoint.Units(100)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	rec := f.do(t, http.MethodPost, "/v1/admin/sweep", map[string]string{
		"amount": fixedpoint.Units(40).Dec(),
	}, f.admin)
	if rec.Code != http.StatusOK {
		t.Fatalf("sweep: got %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	if got := f.vault.OnHandBalance(); got.Cmp(fixedpoint.Units(60)) != 0 {
		t.Errorf("on-hand: got %s, want %s", got.Dec(), fixedpoint.Units(60).Dec())
	}
}

func TestStorageEndpointsUnavailableWithoutDB(t *testing.T) {
	f := newAPIFixture(t)

	paths := []string{
		"/v1/records",
		"/v1/holders",
		"/v1/accounts/" + uuid.New().String() + "/projected",
	}
	for _, path := range paths {
		rec := f.do(t, http.MethodGet, path, nil, uuid.Nil)
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("%s: got %d, want 503", path, rec.Code)
		}
	}

	rec := f.do(t, http.MethodPost, "/v1/admin/rebuild-projections", nil, f.admin)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("rebuild-projections: got %d, want 503", rec.Code)
	}
}

// ============================================================
// Logical sequence wiring
// ============================================================

// Production runs on a SystemClock whose sequence only moves when the
// serving shell advances it. A deposit followed by a later withdrawal
// must clear the sequence-gap predicate through the HTTP surface alone.
func TestWithdrawClearsSequenceGapUnderSystemClock(t *testing.T) {
	custody := uuid.New()
	treasury := uuid.New()
	ledger := token.NewMemoryLedger(custody)
	clk := clock.NewSystemClock()

	cfg := vault.DefaultConfig()
	cfg.WithdrawalCooldown = 0
	cfg.NAVUpdateDelay = 0

	v, err := vault.New(custody, treasury, cfg, ledger, clk, nil, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}

	health := observability.NewHealthChecker()
	health.SetReady(true)

	srv := server.NewHTTPServer(":0", &server.Deps{
		Vault:    v,
		Auth:     roles.NewStaticAuthority(),
		Health:   health,
		Logger:   zerolog.Nop(),
		Sequence: clk,
	})
	handler := srv.Handler()

	user := uuid.New()
	ledger.Mint(user, fixedpoint.Units(100))
	ledger.Approve(user, custody, fixedpoint.Units(100))

	post := func(path string, body interface{}) *httptest.ResponseRecorder {
		t.Helper()
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, &buf))
		return rec
	}

	rec := post("/v1/deposits", map[string]string{
		"caller":   user.String(),
		"receiver": user.String(),
		"assets":   fixedpoint.Units(100).Dec(),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("deposit: got %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}

	rec = post("/v1/withdrawals", map[string]string{
		"caller":   user.String(),
		"receiver": user.String(),
		"owner":    user.String(),
		"assets":   fixedpoint.Units(40).Dec(),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("withdraw: got %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}

	if got := clk.Sequence(); got != 2 {
		t.Errorf("logical sequence after two operations: got %d, want 2", got)
	}
}
