package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"pairengine/internal/cache"
	"pairengine/internal/calendar"
	"pairengine/internal/commission"
	"pairengine/internal/errs"
	"pairengine/internal/ledger"
	"pairengine/internal/metrics"
	"pairengine/internal/report"
	"pairengine/internal/repo"
	"pairengine/internal/session"
	"pairengine/internal/settings"
	"pairengine/internal/tree"
	"pairengine/internal/wallet"
)

// Dependencies exposes core components to handlers.
type Dependencies struct {
	Repository  *repo.Store
	Redis       *cache.Redis
	Settings    *settings.Store
	Ledger      *ledger.Ledger
	Tree        *tree.Index
	Wallets     *wallet.Service
	Reports     *report.Service
	Scheduler   *session.Scheduler
	Distributor *commission.Distributor
}

// Server wraps an http.Server with predefined routes.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	metrics    *metrics.Metrics
	deps       Dependencies
	basePath   string
}

// New creates a new HTTP server listening on addr.
func New(addr string, logger *slog.Logger, metricRegistry *metrics.Metrics, deps Dependencies, basePath string) *Server {
	server := &Server{
		logger:   logger.With("component", "http"),
		metrics:  metricRegistry,
		deps:     deps,
		basePath: normaliseBasePath(basePath),
	}

	server.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mountWithBasePath(server.basePath, server.routes()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	if server.basePath != "" {
		server.logger.Info("http server configured with base path", "base_path", server.basePath)
	}

	return server
}

// Handler returns the root handler, base path included.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", healthHandler)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /events/purchase", s.handlePurchase)
	mux.HandleFunc("POST /members", s.handleRegister)
	mux.HandleFunc("POST /members/{id}/deactivate", s.handleActivation(false))
	mux.HandleFunc("POST /members/{id}/activate", s.handleActivation(true))
	mux.HandleFunc("GET /members/{id}/wallet", s.handleWallet)
	mux.HandleFunc("GET /members/{id}/wallet/transactions", s.handleWalletTransactions)
	mux.HandleFunc("POST /members/{id}/wallet/withdrawals", s.handleWithdrawal)
	mux.HandleFunc("GET /members/{id}/sessions/{date}/{index}", s.handleSessionSummary)
	mux.HandleFunc("GET /members/{id}/ledger/pv", s.handlePVHistory)
	mux.HandleFunc("GET /members/{id}/ledger/bv", s.handleBVHistory)

	mux.HandleFunc("GET /admin/config", s.handleGetConfig)
	mux.HandleFunc("PUT /admin/config", s.handlePutConfig)
	mux.HandleFunc("POST /admin/engine/start", s.handleEngine(true))
	mux.HandleFunc("POST /admin/engine/stop", s.handleEngine(false))
	mux.HandleFunc("GET /admin/engine", s.handleEngineStatus)
	mux.HandleFunc("GET /admin/sessions", s.handleSessions)
	mux.HandleFunc("POST /admin/sessions/{date}/{index}/run", s.handleRunSession)
	mux.HandleFunc("GET /admin/fund-pools", s.handleFundPools)
	mux.HandleFunc("POST /admin/fund-pools/{name}/distribute", s.handleFundPool)
	mux.HandleFunc("GET /admin/wallets/reconcile", s.handleReconcile)
	return mux
}

// Start begins listening for incoming HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server listen: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := map[string]string{"database": "ok"}
	code := http.StatusOK
	if err := s.deps.Repository.Ping(ctx); err != nil {
		status["database"] = err.Error()
		code = http.StatusServiceUnavailable
	}
	if s.deps.Redis != nil {
		status["redis"] = "ok"
		if err := s.deps.Redis.Ping(ctx); err != nil {
			// Redis only backs caches and locks.
			status["redis"] = err.Error()
		}
	}
	writeJSONStatus(w, code, status)
}

func (s *Server) handlePurchase(w http.ResponseWriter, r *http.Request) {
	var ev ledger.Event
	if !s.decode(w, r, &ev) {
		return
	}
	receipt, err := s.deps.Ledger.RecordPurchase(r.Context(), ev)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	code := http.StatusCreated
	if receipt.Replayed {
		code = http.StatusOK
	}
	writeJSONStatus(w, code, map[string]any{
		"order_ref":    receipt.Purchase.OrderRef,
		"user_id":      receipt.Purchase.UserID,
		"package_code": receipt.Purchase.PackageCode,
		"kind":         receipt.Purchase.Kind,
		"pv":           receipt.Purchase.PV,
		"bv":           receipt.Purchase.BV,
		"category":     receipt.Purchase.Category,
		"pv_entries":   receipt.PVEntries,
		"bv_posted":    receipt.BVPosted,
		"replayed":     receipt.Replayed,
	})
}

type registerRequest struct {
	ExternalRef string    `json:"external_ref"`
	SponsorID   *int64    `json:"sponsor_id"`
	ParentID    *int64    `json:"parent_id"`
	Side        string    `json:"side"`
	PackageCode string    `json:"package_code"`
	JoinedAt    time.Time `json:"joined_at"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !s.decode(w, r, &req) {
		return
	}
	m, err := s.deps.Tree.Register(r.Context(), tree.Registration{
		ExternalRef: req.ExternalRef,
		SponsorID:   req.SponsorID,
		ParentID:    req.ParentID,
		Side:        parseSide(req.Side),
		PackageCode: req.PackageCode,
		JoinedAt:    req.JoinedAt,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, memberView(m))
}

func (s *Server) handleActivation(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.pathID(w, r)
		if !ok {
			return
		}
		var err error
		if active {
			err = s.deps.Tree.Activate(r.Context(), id)
		} else {
			err = s.deps.Tree.Deactivate(r.Context(), id)
		}
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, map[string]any{"user_id": id, "active": active})
	}
}

func (s *Server) handleWallet(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	wl, err := s.deps.Wallets.Balance(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, map[string]any{
		"user_id":    wl.UserID,
		"main":       wl.MainBalance,
		"income":     wl.IncomeBalance,
		"repurchase": wl.RepurchaseBalance,
		"updated_at": wl.UpdatedAt,
	})
}

func (s *Server) handleWalletTransactions(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	txs, err := s.deps.Wallets.History(r.Context(), id, q.Get("account"), limit, offset)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	items := make([]map[string]any, 0, len(txs))
	for _, t := range txs {
		items = append(items, map[string]any{
			"id":            t.ID,
			"account":       t.Account,
			"amount":        t.Amount,
			"balance_after": t.BalanceAfter,
			"kind":          t.Kind,
			"reference":     t.Reference,
			"created_at":    t.CreatedAt,
		})
	}
	writeJSON(w, map[string]any{"user_id": id, "transactions": items})
}

func (s *Server) handlePVHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	after, _ := strconv.ParseInt(q.Get("after"), 10, 64)
	limit, _ := strconv.Atoi(q.Get("limit"))
	entries, err := s.deps.Ledger.ListPV(r.Context(), id, after, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	items := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		items = append(items, map[string]any{
			"seq":            e.Seq,
			"side":           e.Side,
			"package_code":   e.PackageCode,
			"amount":         e.Amount,
			"order_ref":      e.OrderRef,
			"source_user_id": e.SourceUserID,
			"window_id":      e.WindowID,
			"recorded_at":    e.RecordedAt,
		})
	}
	writeJSON(w, map[string]any{"user_id": id, "entries": items})
}

func (s *Server) handleBVHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := s.deps.Ledger.ListBV(r.Context(), id, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	items := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		items = append(items, map[string]any{
			"seq":            e.Seq,
			"amount":         e.Amount,
			"category":       e.Category,
			"order_ref":      e.OrderRef,
			"recorded_at":    e.RecordedAt,
			"distributed_at": e.DistributedAt,
		})
	}
	writeJSON(w, map[string]any{"user_id": id, "entries": items})
}

type withdrawalRequest struct {
	Account   string          `json:"account"`
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference"`
}

func (s *Server) handleWithdrawal(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var req withdrawalRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Reference == "" || !req.Amount.IsPositive() {
		s.writeError(w, r, fmt.Errorf("%w: reference and a positive amount are required", errs.ErrInvalidEvent))
		return
	}
	if req.Account == "" {
		req.Account = repo.AccountIncome
	}
	err := s.deps.Wallets.Debit(r.Context(), wallet.Posting{
		UserID:    id,
		Account:   req.Account,
		Amount:    req.Amount,
		Kind:      "withdrawal",
		Reference: "withdrawal:" + req.Reference,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, map[string]any{"user_id": id, "account": req.Account, "amount": wallet.Round(req.Amount)})
}

func (s *Server) handleSessionSummary(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	windowID, ok := s.pathWindow(w, r)
	if !ok {
		return
	}
	sum, err := s.deps.Reports.SessionSummary(r.Context(), id, windowID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, sum)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.deps.Settings.Current(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, cfg)
}

func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	var cfg settings.BusinessConfig
	if !s.decode(w, r, &cfg) {
		return
	}
	saved, err := s.deps.Settings.Save(r.Context(), cfg)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, saved)
}

func (s *Server) handleEngine(start bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		if start {
			err = s.deps.Scheduler.Start(r.Context())
		} else {
			err = s.deps.Scheduler.Stop(r.Context())
		}
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, map[string]any{"enabled": start})
	}
}

func (s *Server) handleEngineStatus(w http.ResponseWriter, r *http.Request) {
	enabled, err := s.deps.Scheduler.Enabled(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, map[string]any{"enabled": enabled})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	date := r.URL.Query().Get("date")
	if date == "" {
		cal, _, err := s.deps.Scheduler.Calendar(r.Context())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		date = time.Now().In(cal.Location()).Format("2006-01-02")
	}
	windows, err := s.deps.Reports.WindowList(r.Context(), date)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, map[string]any{"date": date, "windows": windows})
}

func (s *Server) handleRunSession(w http.ResponseWriter, r *http.Request) {
	windowID, ok := s.pathWindow(w, r)
	if !ok {
		return
	}
	res, err := s.deps.Scheduler.RunNow(r.Context(), windowID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, res)
}

// handleFundPools lists configured pools with their balances; a pool that
// never received a contribution shows zero.
func (s *Server) handleFundPools(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.deps.Settings.Current(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	balances, err := s.deps.Repository.ListFundPools(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	byName := make(map[string]decimal.Decimal, len(balances))
	for _, b := range balances {
		byName[b.Name] = b.Balance
	}
	items := make([]map[string]any, 0, len(cfg.FundPools))
	for _, p := range cfg.FundPools {
		items = append(items, map[string]any{
			"name":     p.Name,
			"percent":  p.Percent,
			"min_rank": p.MinRank,
			"balance":  byName[p.Name],
		})
	}
	writeJSON(w, map[string]any{"pools": items})
}

func (s *Server) handleFundPool(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.deps.Settings.Current(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	payout, err := s.deps.Distributor.DistributeFundPool(r.Context(), cfg, r.PathValue("name"), r.URL.Query().Get("period"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, payout)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	mismatches, err := s.deps.Wallets.ReconcileAll(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, map[string]any{"mismatches": mismatches, "ok": len(mismatches) == 0})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dest any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		writeJSONStatus(w, http.StatusBadRequest, map[string]string{"error": "invalid json: " + err.Error()})
		return false
	}
	return true
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSONStatus(w, http.StatusBadRequest, map[string]string{"error": "invalid member id"})
		return 0, false
	}
	return id, true
}

// pathWindow rebuilds a window id from its date and index segments.
func (s *Server) pathWindow(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("date") + "/" + r.PathValue("index")
	if _, _, err := calendar.ParseID(id); err != nil {
		s.writeError(w, r, err)
		return "", false
	}
	return id, true
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.metrics.IncError("http")
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		s.logger.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "status", code, "error", err)
	}
	writeJSONStatus(w, code, map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errs.ErrConfiguration):
		return http.StatusUnprocessableEntity
	case errors.Is(err, errs.ErrAlreadyRunning),
		errors.Is(err, errs.ErrIdempotencyViolation):
		return http.StatusConflict
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errs.ErrInvalidEvent),
		errors.Is(err, errs.ErrInvalidPlacement),
		errors.Is(err, errs.ErrUnknownWindow),
		errors.Is(err, errs.ErrInsufficientBalance):
		return http.StatusBadRequest
	case errors.Is(err, errs.ErrConcurrencyConflict):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// parseSide accepts "L", "left", "R" and "right" in any case.
func parseSide(v string) repo.Side {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "l", "left":
		return repo.SideLeft
	case "r", "right":
		return repo.SideRight
	default:
		return repo.Side(v)
	}
}

func memberView(m *repo.Member) map[string]any {
	return map[string]any{
		"id":           m.ID,
		"external_ref": m.ExternalRef,
		"sponsor_id":   m.SponsorID,
		"parent_id":    m.ParentID,
		"side":         m.Side,
		"package_code": m.PackageCode,
		"rank":         m.Rank,
		"direct_count": m.DirectCount,
		"team_count":   m.TeamCount,
		"active":       m.Active,
		"joined_at":    m.JoinedAt,
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, data any) {
	writeJSONStatus(w, http.StatusOK, data)
}

func writeJSONStatus(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "failed to encode json", http.StatusInternalServerError)
	}
}

func mountWithBasePath(basePath string, handler http.Handler) http.Handler {
	if basePath == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, basePath) {
			http.NotFound(w, r)
			return
		}
		if len(r.URL.Path) > len(basePath) && r.URL.Path[len(basePath)] != '/' {
			http.NotFound(w, r)
			return
		}
		trimmed := strings.TrimPrefix(r.URL.Path, basePath)
		if trimmed == "" {
			trimmed = "/"
		}
		r.URL.Path = trimmed
		if r.URL.RawPath != "" {
			rawTrimmed := strings.TrimPrefix(r.URL.RawPath, basePath)
			if rawTrimmed == "" {
				rawTrimmed = "/"
			}
			r.URL.RawPath = rawTrimmed
		}
		handler.ServeHTTP(w, r)
	})
}

func normaliseBasePath(base string) string {
	base = strings.TrimSpace(base)
	if base == "" || base == "/" {
		return ""
	}
	if !strings.HasPrefix(base, "/") {
		base = "/" + base
	}
	return strings.TrimSuffix(base, "/")
}
