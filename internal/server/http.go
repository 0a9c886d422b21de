package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"NAVVault/internal/bounds"
	"NAVVault/internal/clock"
	"NAVVault/internal/gate"
	"NAVVault/internal/observability"
	"NAVVault/internal/persistence"
	"NAVVault/internal/projection"
	"NAVVault/internal/query"
	"NAVVault/internal/roles"
	"NAVVault/internal/token"
	"NAVVault/internal/vault"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// principalHeader names the caller for privileged endpoints. The
// authority decides whether that principal holds the required role.
const principalHeader = "X-Vault-Principal"

// Deps holds everything the API serves from. DB-backed fields are
// optional; their endpoints answer 503 when unset.
type Deps struct {
	Vault     *vault.Vault
	Auth      roles.Authority
	DB        *sql.DB
	Snapshots *persistence.SnapshotManager
	Integrity *persistence.IntegrityChecker
	Queries   *query.QueryService
	Health    *observability.HealthChecker
	Metrics   *observability.Metrics
	Logger    zerolog.Logger

	// Sequence is the logical operation counter behind the withdrawal
	// gap predicate. Mutating endpoints advance it once per request.
	Sequence clock.Advancer
}

// HTTPServer is the JSON API surface: account queries, previews, the
// share operations, and role-gated admin endpoints.
type HTTPServer struct {
	vault     *vault.Vault
	auth      roles.Authority
	db        *sql.DB
	snapshots *persistence.SnapshotManager
	integrity *persistence.IntegrityChecker
	queries   *query.QueryService
	health    *observability.HealthChecker
	metrics   *observability.Metrics
	logger    zerolog.Logger
	sequence  clock.Advancer
	srv       *http.Server
}

func NewHTTPServer(addr string, deps *Deps) *HTTPServer {
	s := &HTTPServer{
		vault:     deps.Vault,
		auth:      deps.Auth,
		db:        deps.DB,
		snapshots: deps.Snapshots,
		integrity: deps.Integrity,
		queries:   deps.Queries,
		health:    deps.Health,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		sequence:  deps.Sequence,
	}
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      s.routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

func (s *HTTPServer) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)

	r.Get("/healthz", s.health.LivenessHandler)
	r.Get("/readyz", s.health.ReadinessHandler)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/vault", s.handleVaultStats)
		r.Get("/vault/config", s.handleVaultConfig)

		r.Get("/accounts/{accountID}", s.handleAccount)
		r.Get("/accounts/{accountID}/withdrawal", s.handleWithdrawalStatus)
		r.Get("/accounts/{accountID}/projected", s.handleProjectedShares)

		r.Get("/records", s.handleListRecords)
		r.Get("/holders", s.handleListHolders)

		r.Get("/preview/deposit", s.handlePreview(s.vault.PreviewDeposit))
		r.Get("/preview/mint", s.handlePreview(s.vault.PreviewMint))
		r.Get("/preview/withdraw", s.handlePreview(s.vault.PreviewWithdraw))
		r.Get("/preview/redeem", s.handlePreview(s.vault.PreviewRedeem))

		r.Group(func(r chi.Router) {
			r.Use(s.advanceSequence)
			r.Post("/deposits", s.handleDeposit)
			r.Post("/mints", s.handleMint)
			r.Post("/withdrawals", s.handleWithdraw)
			r.Post("/redemptions", s.handleRedeem)
			r.Post("/approvals", s.handleApprove)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				r.Use(s.advanceSequence)
				r.Post("/nav", s.handleUpdateNAV)
				r.Post("/pause", s.handlePause)
				r.Post("/unpause", s.handleUnpause)
				r.Post("/sweep", s.handleSweep)
				r.Post("/batch-withdraw", s.handleBatchWithdraw)
				r.Put("/params", s.handleSetParam)
			})
			r.Post("/snapshot", s.handleSnapshot)
			r.Get("/integrity", s.handleIntegrity)
			r.Post("/rebuild-projections", s.handleRebuildProjections)
		})
	})

	return r
}

// advanceSequence ticks the logical operation counter before a mutating
// request reaches the vault. These ticks are what the withdrawal
// sequence-gap predicate counts, so every vault operation must pass
// through here (or the feed pipeline's equivalent).
func (s *HTTPServer) advanceSequence(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.sequence != nil {
			s.sequence.Advance()
		}
		next.ServeHTTP(w, r)
	})
}

// instrument records per-route request counts and latency.
func (s *HTTPServer) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		if s.metrics != nil {
			s.metrics.HTTPRequests.WithLabelValues(route, fmt.Sprintf("%d", ww.Status())).Inc()
			s.metrics.HTTPDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		}
	})
}

// Handler exposes the router for in-process tests.
func (s *HTTPServer) Handler() http.Handler {
	return s.srv.Handler
}

// Start serves until ctx is cancelled (blocking).
func (s *HTTPServer) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.srv.Addr).Msg("HTTP server listening")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ============================================================
// Queries
// ============================================================

type vaultStatsResponse struct {
	NAV            string `json:"nav"`
	TotalAssets    string `json:"total_assets"`
	ShareSupply    string `json:"share_supply"`
	OnHandBalance  string `json:"on_hand_balance"`
	Paused         bool   `json:"paused"`
	RecordSequence uint64 `json:"record_sequence"`
	LastNAVUpdate  string `json:"last_nav_update,omitempty"`
}

func (s *HTTPServer) handleVaultStats(w http.ResponseWriter, r *http.Request) {
	resp := vaultStatsResponse{
		NAV:            s.vault.NAV().Dec(),
		TotalAssets:    s.vault.TotalManagedAssets().Dec(),
		ShareSupply:    s.vault.TotalShareSupply().Dec(),
		OnHandBalance:  s.vault.OnHandBalance().Dec(),
		Paused:         s.vault.Paused(),
		RecordSequence: s.vault.RecordSequence(),
	}
	if t := s.vault.LastNAVUpdate(); !t.IsZero() {
		resp.LastNAVUpdate = t.UTC().Format(time.RFC3339Nano)
	}
	writeJSON(w, http.StatusOK, resp)
}

type vaultConfigResponse struct {
	WithdrawalCooldown         string `json:"withdrawal_cooldown"`
	NAVUpdateDelay             string `json:"nav_update_delay"`
	WithdrawalSequenceGap      uint64 `json:"withdrawal_sequence_gap"`
	MaxUserDeposit             string `json:"max_user_deposit"`
	MaxTotalDeposits           string `json:"max_total_deposits"`
	MaxNAVChangeBps            uint64 `json:"max_nav_change_bps"`
	MaxTotalAssetsDeviationBps uint64 `json:"max_total_assets_deviation_bps"`
	Treasury                   string `json:"treasury"`
}

func (s *HTTPServer) handleVaultConfig(w http.ResponseWriter, r *http.Request) {
	cfg := s.vault.Config()
	writeJSON(w, http.StatusOK, vaultConfigResponse{
		WithdrawalCooldown:         cfg.WithdrawalCooldown.String(),
		NAVUpdateDelay:             cfg.NAVUpdateDelay.String(),
		WithdrawalSequenceGap:      cfg.WithdrawalSequenceGap,
		MaxUserDeposit:             cfg.MaxUserDeposit.Dec(),
		MaxTotalDeposits:           cfg.MaxTotalDeposits.Dec(),
		MaxNAVChangeBps:            cfg.MaxNAVChangeBps,
		MaxTotalAssetsDeviationBps: cfg.MaxTotalAssetsDeviationBps,
		Treasury:                   s.vault.Treasury().String(),
	})
}

type accountResponse struct {
	AccountID       string `json:"account_id"`
	Shares          string `json:"shares"`
	DepositedAssets string `json:"deposited_assets"`
	LastDepositTime string `json:"last_deposit_time,omitempty"`
}

func (s *HTTPServer) handleAccount(w http.ResponseWriter, r *http.Request) {
	accountID, err := uuid.Parse(chi.URLParam(r, "accountID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid account id: %w", err))
		return
	}

	resp := accountResponse{
		AccountID:       accountID.String(),
		Shares:          s.vault.SharesOf(accountID).Dec(),
		DepositedAssets: s.vault.DepositedAssets(accountID).Dec(),
	}
	if times := s.vault.AccountTimes(accountID); !times.LastDepositTime.IsZero() {
		resp.LastDepositTime = times.LastDepositTime.UTC().Format(time.RFC3339Nano)
	}
	writeJSON(w, http.StatusOK, resp)
}

type withdrawalStatusResponse struct {
	AccountID   string `json:"account_id"`
	CanWithdraw bool   `json:"can_withdraw"`
	WaitSeconds int64  `json:"wait_seconds"`
}

func (s *HTTPServer) handleWithdrawalStatus(w http.ResponseWriter, r *http.Request) {
	accountID, err := uuid.Parse(chi.URLParam(r, "accountID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid account id: %w", err))
		return
	}

	wait := s.vault.TimeUntilWithdrawal(accountID)
	writeJSON(w, http.StatusOK, withdrawalStatusResponse{
		AccountID:   accountID.String(),
		CanWithdraw: s.vault.CanWithdraw(accountID),
		WaitSeconds: int64(wait / time.Second),
	})
}

func (s *HTTPServer) handleProjectedShares(w http.ResponseWriter, r *http.Request) {
	if s.queries == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("query storage not configured"))
		return
	}
	accountID, err := uuid.Parse(chi.URLParam(r, "accountID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid account id: %w", err))
		return
	}

	shares, err := s.queries.GetProjectedShares(r.Context(), accountID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, shares)
}

func (s *HTTPServer) handleListRecords(w http.ResponseWriter, r *http.Request) {
	if s.queries == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("query storage not configured"))
		return
	}

	var fromSequence int64
	if raw := r.URL.Query().Get("from"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid from: %w", err))
			return
		}
		fromSequence = v
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	records, err := s.queries.ListRecords(r.Context(), r.URL.Query().Get("type"), fromSequence, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"records": records})
}

func (s *HTTPServer) handleListHolders(w http.ResponseWriter, r *http.Request) {
	if s.queries == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("query storage not configured"))
		return
	}

	after := uuid.Nil
	if raw := r.URL.Query().Get("after"); raw != "" {
		v, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid after: %w", err))
			return
		}
		after = v
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	holders, err := s.queries.ListHolders(r.Context(), after, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"holders": holders})
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	return limit, nil
}

func (s *HTTPServer) handlePreview(preview func(*uint256.Int) (*uint256.Int, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		amount, err := uint256.FromDecimal(r.URL.Query().Get("amount"))
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid amount: %w", err))
			return
		}

		result, err := preview(amount)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"amount": amount.Dec(),
			"result": result.Dec(),
		})
	}
}

// ============================================================
// Share operations
// ============================================================

type shareOpRequest struct {
	Caller   string `json:"caller"`
	Receiver string `json:"receiver"`
	Owner    string `json:"owner,omitempty"`
	Assets   string `json:"assets,omitempty"`
	Shares   string `json:"shares,omitempty"`
}

type shareOpResponse struct {
	Assets string `json:"assets"`
	Shares string `json:"shares"`
}

func (s *HTTPServer) handleDeposit(w http.ResponseWriter, r *http.Request) {
	caller, receiver, _, amount, err := decodeShareOp(r, "assets")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	shares, err := s.vault.Deposit(caller, receiver, amount)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, shareOpResponse{Assets: amount.Dec(), Shares: shares.Dec()})
}

func (s *HTTPServer) handleMint(w http.ResponseWriter, r *http.Request) {
	caller, receiver, _, amount, err := decodeShareOp(r, "shares")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	assets, err := s.vault.Mint(caller, receiver, amount)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, shareOpResponse{Assets: assets.Dec(), Shares: amount.Dec()})
}

func (s *HTTPServer) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	caller, receiver, owner, amount, err := decodeShareOp(r, "assets")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	shares, err := s.vault.Withdraw(caller, receiver, owner, amount)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, shareOpResponse{Assets: amount.Dec(), Shares: shares.Dec()})
}

func (s *HTTPServer) handleRedeem(w http.ResponseWriter, r *http.Request) {
	caller, receiver, owner, amount, err := decodeShareOp(r, "shares")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	assets, err := s.vault.Redeem(caller, receiver, owner, amount)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, shareOpResponse{Assets: assets.Dec(), Shares: amount.Dec()})
}

// decodeShareOp parses the common share-operation body. When owner is
// omitted it defaults to the caller, matching self-service operations.
func decodeShareOp(r *http.Request, amountField string) (caller, receiver, owner uuid.UUID, amount *uint256.Int, err error) {
	var req shareOpRequest
	if err = json.NewDecoder(r.Body).Decode(&req); err != nil {
		return caller, receiver, owner, nil, fmt.Errorf("decode body: %w", err)
	}

	if caller, err = uuid.Parse(req.Caller); err != nil {
		return caller, receiver, owner, nil, fmt.Errorf("invalid caller: %w", err)
	}
	if receiver, err = uuid.Parse(req.Receiver); err != nil {
		return caller, receiver, owner, nil, fmt.Errorf("invalid receiver: %w", err)
	}
	owner = caller
	if req.Owner != "" {
		if owner, err = uuid.Parse(req.Owner); err != nil {
			return caller, receiver, owner, nil, fmt.Errorf("invalid owner: %w", err)
		}
	}

	raw := req.Assets
	if amountField == "shares" {
		raw = req.Shares
	}
	if amount, err = uint256.FromDecimal(raw); err != nil {
		return caller, receiver, owner, nil, fmt.Errorf("invalid %s: %w", amountField, err)
	}
	return caller, receiver, owner, amount, nil
}

type approveRequest struct {
	Owner   string `json:"owner"`
	Spender string `json:"spender"`
	Shares  string `json:"shares"`
}

func (s *HTTPServer) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}

	owner, err := uuid.Parse(req.Owner)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid owner: %w", err))
		return
	}
	spender, err := uuid.Parse(req.Spender)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid spender: %w", err))
		return
	}
	shares, err := uint256.FromDecimal(req.Shares)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid shares: %w", err))
		return
	}

	if err := s.vault.ApproveShares(owner, spender, shares); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "approved"})
}

// ============================================================
// Admin
// ============================================================

// capability authenticates the principal header and mints the required
// role capability. Writes the error response itself on failure.
func (s *HTTPServer) capability(w http.ResponseWriter, r *http.Request, role roles.Role) (roles.Capability, bool) {
	principal, err := uuid.Parse(r.Header.Get(principalHeader))
	if err != nil {
		writeError(w, http.StatusUnauthorized, fmt.Errorf("missing or invalid %s header", principalHeader))
		return roles.Capability{}, false
	}

	cap, err := s.auth.Grant(principal, role)
	if err != nil {
		writeDomainError(w, err)
		return roles.Capability{}, false
	}
	return cap, true
}

type navUpdateRequest struct {
	NAV         string `json:"nav"`
	TotalAssets string `json:"total_assets"`
}

func (s *HTTPServer) handleUpdateNAV(w http.ResponseWriter, r *http.Request) {
	cap, ok := s.capability(w, r, roles.RoleOracle)
	if !ok {
		return
	}

	var req navUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	nav, err := uint256.FromDecimal(req.NAV)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid nav: %w", err))
		return
	}
	totalAssets, err := uint256.FromDecimal(req.TotalAssets)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid total_assets: %w", err))
		return
	}

	if err := s.vault.UpdateNAV(cap, nav, totalAssets); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"nav": nav.Dec()})
}

func (s *HTTPServer) handlePause(w http.ResponseWriter, r *http.Request) {
	cap, ok := s.capability(w, r, roles.RolePauser)
	if !ok {
		return
	}
	if err := s.vault.Pause(cap); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (s *HTTPServer) handleUnpause(w http.ResponseWriter, r *http.Request) {
	cap, ok := s.capability(w, r, roles.RolePauser)
	if !ok {
		return
	}
	if err := s.vault.Unpause(cap); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

type sweepRequest struct {
	Amount string `json:"amount"`
}

func (s *HTTPServer) handleSweep(w http.ResponseWriter, r *http.Request) {
	cap, ok := s.capability(w, r, roles.RoleTreasury)
	if !ok {
		return
	}

	var req sweepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	amount, err := uint256.FromDecimal(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid amount: %w", err))
		return
	}

	if err := s.vault.TreasurySweep(cap, amount); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"swept": amount.Dec()})
}

type batchWithdrawRequest struct {
	Owners    []string `json:"owners"`
	Emergency bool     `json:"emergency"`
}

func (s *HTTPServer) handleBatchWithdraw(w http.ResponseWriter, r *http.Request) {
	cap, ok := s.capability(w, r, roles.RoleAdmin)
	if !ok {
		return
	}

	var req batchWithdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}

	owners := make([]uuid.UUID, 0, len(req.Owners))
	for _, raw := range req.Owners {
		owner, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid owner %q: %w", raw, err))
			return
		}
		owners = append(owners, owner)
	}

	if err := s.vault.BatchWithdraw(cap, owners, req.Emergency); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"owners": len(owners)})
}

type setParamRequest struct {
	Parameter string `json:"parameter"`
	Value     string `json:"value"`
}

func (s *HTTPServer) handleSetParam(w http.ResponseWriter, r *http.Request) {
	cap, ok := s.capability(w, r, roles.RoleAdmin)
	if !ok {
		return
	}

	var req setParamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}

	if err := s.applyParam(cap, req.Parameter, req.Value); err != nil {
		var parseErr *paramParseError
		var permErr *roles.PermissionError
		switch {
		case errors.As(err, &parseErr):
			writeError(w, http.StatusBadRequest, err)
		case errors.As(err, &permErr):
			writeError(w, http.StatusForbidden, err)
		default:
			// Anything else is the vault refusing the new value.
			writeError(w, http.StatusUnprocessableEntity, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"parameter": req.Parameter,
		"value":     req.Value,
	})
}

type paramParseError struct {
	parameter string
	err       error
}

func (e *paramParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.parameter, e.err)
}

func (e *paramParseError) Unwrap() error { return e.err }

func (s *HTTPServer) applyParam(cap roles.Capability, parameter, value string) error {
	switch parameter {
	case "withdrawalCooldown":
		d, err := time.ParseDuration(value)
		if err != nil {
			return &paramParseError{parameter, err}
		}
		return s.vault.SetWithdrawalCooldown(cap, d)
	case "navUpdateDelay":
		d, err := time.ParseDuration(value)
		if err != nil {
			return &paramParseError{parameter, err}
		}
		return s.vault.SetNAVUpdateDelay(cap, d)
	case "withdrawalSequenceGap":
		gap, err := parseUint(value)
		if err != nil {
			return &paramParseError{parameter, err}
		}
		return s.vault.SetWithdrawalSequenceGap(cap, gap)
	case "maxUserDeposit":
		limit, err := uint256.FromDecimal(value)
		if err != nil {
			return &paramParseError{parameter, err}
		}
		return s.vault.SetMaxUserDeposit(cap, limit)
	case "maxTotalDeposits":
		limit, err := uint256.FromDecimal(value)
		if err != nil {
			return &paramParseError{parameter, err}
		}
		return s.vault.SetMaxTotalDeposits(cap, limit)
	case "maxNAVChangeBps":
		bps, err := parseUint(value)
		if err != nil {
			return &paramParseError{parameter, err}
		}
		return s.vault.SetMaxNAVChangeBps(cap, bps)
	case "maxTotalAssetsDeviationBps":
		bps, err := parseUint(value)
		if err != nil {
			return &paramParseError{parameter, err}
		}
		return s.vault.SetMaxTotalAssetsDeviationBps(cap, bps)
	case "treasury":
		treasury, err := uuid.Parse(value)
		if err != nil {
			return &paramParseError{parameter, err}
		}
		return s.vault.SetTreasury(cap, treasury)
	default:
		return &paramParseError{parameter, fmt.Errorf("unknown parameter")}
	}
}

func parseUint(s string) (uint64, error) {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return 0, err
	}
	if !v.IsUint64() {
		return 0, fmt.Errorf("value out of range")
	}
	return v.Uint64(), nil
}

func (s *HTTPServer) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.capability(w, r, roles.RoleAdmin); !ok {
		return
	}
	if s.snapshots == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("snapshot storage not configured"))
		return
	}

	snap := s.vault.CreateSnapshotState()
	if err := s.snapshots.SaveSnapshot(r.Context(), snap); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("save snapshot: %w", err))
		return
	}
	writeJSON(w, http.StatusCreated, map[string]uint64{"sequence": snap.Sequence})
}

func (s *HTTPServer) handleIntegrity(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.capability(w, r, roles.RoleAdmin); !ok {
		return
	}
	if s.integrity == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("event log storage not configured"))
		return
	}

	report, err := s.integrity.VerifyWithTimeout(r.Context(), time.Minute)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("verify integrity: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *HTTPServer) handleRebuildProjections(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.capability(w, r, roles.RoleAdmin); !ok {
		return
	}
	if s.db == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("event log storage not configured"))
		return
	}

	if err := projection.Rebuild(r.Context(), s.db, s.logger); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("rebuild projections: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rebuilt"})
}

// ============================================================
// Helpers
// ============================================================

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// writeDomainError maps vault rejections onto HTTP statuses. Limit and
// validation breaches are 422, timing and liquidity conflicts 409,
// missing roles 403.
func writeDomainError(w http.ResponseWriter, err error) {
	var (
		permErr    *roles.PermissionError
		notElapsed *gate.NotElapsedError
		violation  *bounds.ViolationError
		allowance  *vault.AllowanceError
		liquidity  *vault.InsufficientLiquidityError
		conversion *vault.ConversionRiskError
		transfer   *token.TransferError
	)
	switch {
	case errors.As(err, &permErr):
		writeError(w, http.StatusForbidden, err)
	case errors.As(err, &notElapsed):
		writeError(w, http.StatusConflict, err)
	case errors.As(err, &liquidity):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, vault.ErrPaused):
		writeError(w, http.StatusConflict, err)
	case errors.As(err, &violation),
		errors.As(err, &allowance),
		errors.As(err, &conversion),
		errors.As(err, &transfer),
		errors.Is(err, vault.ErrZeroShares):
		writeError(w, http.StatusUnprocessableEntity, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}
