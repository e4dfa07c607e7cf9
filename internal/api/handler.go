package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// Decider produces a decision for one transaction.
type Decider interface {
	Decide(ctx context.Context, tx *domain.Transaction, entity *domain.EntityContext) (*domain.Decision, error)
}

// PatternScanner runs the pattern detectors for one entity.
type PatternScanner interface {
	Scan(ctx context.Context, entityID string, start, end time.Time) ([]*domain.DetectionRecord, error)
}

// WindowTracker reports which velocity windows are tracked.
type WindowTracker interface {
	Tracks(w time.Duration) bool
}

// Invalidator drops cached lookups after their source changes.
type Invalidator interface {
	InvalidateEntity(ctx context.Context, entityID string) error
	InvalidatePlan(ctx context.Context, pspCode string) error
}

// Handler holds dependencies for API handlers.
type Handler struct {
	repo     domain.Repository
	cache    domain.Cache
	bus      domain.EventBus
	decider  Decider
	engine   *rules.Engine
	scanner  PatternScanner
	windows  WindowTracker
	lookups  Invalidator
	lookback time.Duration
	version  string
	now      func() time.Time
}

// NewHandler creates a new API handler.
func NewHandler(deps Dependencies, version string) *Handler {
	lookback := deps.ScanLookback
	if lookback <= 0 {
		lookback = 30 * 24 * time.Hour
	}
	return &Handler{
		repo:     deps.Repo,
		cache:    deps.Cache,
		bus:      deps.Bus,
		decider:  deps.Decider,
		engine:   deps.Rules,
		scanner:  deps.Scanner,
		windows:  deps.Windows,
		lookups:  deps.Lookups,
		lookback: lookback,
		version:  version,
		now:      time.Now,
	}
}

// TransactionRequest is the transaction part of POST /decide. Amount is a
// decimal in major units, given as a JSON string or number.
type TransactionRequest struct {
	ID                string           `json:"id,omitempty"`
	MerchantID        string           `json:"merchantId"`
	Amount            decimal.Decimal  `json:"amount"`
	Currency          string           `json:"currency"`
	CountryCode       string           `json:"countryCode"`
	Direction         domain.Direction `json:"direction,omitempty"`
	DeviceFingerprint string           `json:"deviceFingerprint,omitempty"`
	IPAddress         string           `json:"ipAddress,omitempty"`
	TransactionURL    string           `json:"transactionUrl,omitempty"`
	AccountRef        string           `json:"accountRef,omitempty"`
	Timestamp         *time.Time       `json:"timestamp,omitempty"`
}

// DecideRequest is the request body for POST /decide. Either Entity or
// EntityID must be set; EntityID loads the stored entity.
type DecideRequest struct {
	Transaction TransactionRequest    `json:"transaction"`
	Entity      *domain.EntityContext `json:"entity,omitempty"`
	EntityID    string                `json:"entityId,omitempty"`
	Async       bool                  `json:"async,omitempty"`
}

// DecideResponse is the response for POST /decide.
type DecideResponse struct {
	*domain.Decision
	Metadata struct {
		TraceID string `json:"traceId"`
		TotalMs int64  `json:"totalMs"`
		Version string `json:"version"`
	} `json:"metadata"`
}

// AcceptedResponse is returned for work queued on the event bus.
type AcceptedResponse struct {
	Status string `json:"status"`
	TxID   string `json:"txId,omitempty"`
	Topic  string `json:"topic"`
}

// toCents converts a major-unit amount to cents, rejecting sub-cent precision.
func toCents(amount decimal.Decimal) (int64, error) {
	cents := amount.Shift(2)
	if !cents.IsInteger() {
		return 0, errors.New("amount must have at most 2 decimal places")
	}
	if !cents.IsPositive() {
		return 0, errors.New("amount must be positive")
	}
	return cents.IntPart(), nil
}

// Decide handles POST /decide.
func (h *Handler) Decide(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	var req DecideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	cents, err := toCents(req.Transaction.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	entity := req.Entity
	if entity == nil && req.EntityID != "" {
		if h.repo == nil {
			writeError(w, http.StatusServiceUnavailable, "repository not available")
			return
		}
		stored, err := h.repo.GetEntity(ctx, req.EntityID)
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusBadRequest, "unknown entity "+req.EntityID)
			return
		}
		if err != nil {
			slog.Error("failed to load entity", "entity_id", req.EntityID, "error", err)
			writeError(w, http.StatusServiceUnavailable, "entity lookup failed")
			return
		}
		entity = stored.Context()
	}

	now := h.now().UTC()
	t := req.Transaction
	tx := &domain.Transaction{
		ID:                t.ID,
		MerchantID:        t.MerchantID,
		AmountCents:       cents,
		Currency:          t.Currency,
		CountryCode:       t.CountryCode,
		Direction:         t.Direction,
		DeviceFingerprint: t.DeviceFingerprint,
		IPAddress:         t.IPAddress,
		TransactionURL:    t.TransactionURL,
		AccountRef:        t.AccountRef,
		Timestamp:         now,
		CreatedAt:         now,
	}
	if tx.ID == "" {
		tx.ID = uuid.New().String()
	}
	if t.Timestamp != nil {
		tx.Timestamp = t.Timestamp.UTC()
	}

	if req.Async {
		h.enqueue(w, r, tx, entity)
		return
	}

	d, err := h.decider.Decide(ctx, tx, entity)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if h.repo != nil {
		if err := h.repo.SaveTransaction(ctx, entity.ID, tx); err != nil {
			slog.Error("failed to save transaction", "tx_id", tx.ID, "error", err)
		}
		if err := h.repo.SaveDecision(ctx, d); err != nil {
			slog.Error("failed to save decision", "tx_id", tx.ID, "error", err)
		}
	}
	h.publishDecision(ctx, d)

	resp := DecideResponse{Decision: d}
	resp.Metadata.TraceID = GetTraceID(ctx)
	resp.Metadata.TotalMs = time.Since(start).Milliseconds()
	resp.Metadata.Version = h.version

	writeJSON(w, http.StatusOK, resp)
}

// enqueue hands the transaction to the worker through the event bus.
func (h *Handler) enqueue(w http.ResponseWriter, r *http.Request, tx *domain.Transaction, entity *domain.EntityContext) {
	if entity == nil || entity.ID == "" {
		writeError(w, http.StatusBadRequest, "entity is required")
		return
	}
	if h.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus not available")
		return
	}

	payload, err := json.Marshal(domain.IngestedTransaction{Transaction: tx, Entity: entity})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to encode transaction")
		return
	}
	if err := h.bus.Publish(r.Context(), domain.TopicTransactionIngested, payload); err != nil {
		slog.Error("failed to enqueue transaction", "tx_id", tx.ID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "failed to enqueue transaction")
		return
	}

	writeJSON(w, http.StatusAccepted, AcceptedResponse{
		Status: "queued",
		TxID:   tx.ID,
		Topic:  domain.TopicTransactionIngested,
	})
}

func (h *Handler) publishDecision(ctx context.Context, d *domain.Decision) {
	if h.bus == nil {
		return
	}
	payload, err := json.Marshal(d)
	if err != nil {
		slog.Error("failed to encode decision", "decision_id", d.ID, "error", err)
		return
	}
	if err := h.bus.Publish(ctx, domain.TopicDecision, payload); err != nil {
		slog.Error("failed to publish decision", "tx_id", d.TxID, "error", err)
	}
	if d.IsAlert() {
		if err := h.bus.Publish(ctx, domain.TopicAlert, payload); err != nil {
			slog.Error("failed to publish alert", "tx_id", d.TxID, "error", err)
		}
	}
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"version": h.version,
		"rules":   h.engine.RulesCount(),
	})
}

// Ready reports whether the storage and bus backends answer.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	ready := true

	check := func(name string, ping func(context.Context) error) {
		if err := ping(r.Context()); err != nil {
			checks[name] = err.Error()
			ready = false
			return
		}
		checks[name] = "ok"
	}
	if h.repo != nil {
		check("repository", h.repo.Ping)
	}
	if h.bus != nil {
		check("eventbus", h.bus.Ping)
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"ready":  ready,
		"checks": checks,
	})
}

// GetDecision retrieves a decision by ID.
func (h *Handler) GetDecision(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	d, err := h.repo.GetDecision(r.Context(), id)
	if err != nil {
		writeRepoError(w, "decision", id, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// GetTransaction retrieves a transaction by ID.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	tx, err := h.repo.GetTransaction(r.Context(), id)
	if err != nil {
		writeRepoError(w, "transaction", id, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// ListRules returns the rules of the current snapshot in evaluation order.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	cat, err := h.engine.Snapshot(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	defs := h.engine.Definitions()
	if defs == nil {
		defs = []*domain.RuleDefinition{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rules":        defs,
		"count":        len(defs),
		"configErrors": cat.ConfigErrors(),
	})
}

// CreateRule validates and stores a rule definition. The running snapshot
// picks it up on the next refresh or POST /rules/reload.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var def domain.RuleDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	if err := h.engine.Validate(&def); err != nil {
		writeError(w, http.StatusBadRequest, "invalid rule: "+err.Error())
		return
	}

	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}
	if err := h.repo.SaveRuleDefinition(r.Context(), &def); err != nil {
		slog.Error("failed to save rule", "rule", def.Name, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save rule")
		return
	}

	slog.Info("rule saved", "rule", def.Name, "enabled", def.Enabled)
	writeJSON(w, http.StatusCreated, map[string]any{
		"rule":    def,
		"message": "Rule saved. Call POST /rules/reload to apply changes.",
	})
}

// ReloadRules rebuilds the rule snapshot from the repository.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	cat, err := h.engine.Reload(r.Context())
	if err != nil {
		slog.Error("failed to reload rules", "error", err)
		writeDomainError(w, err)
		return
	}

	slog.Info("rules reloaded", "count", cat.Len(), "config_errors", cat.ConfigErrors())
	writeJSON(w, http.StatusOK, map[string]any{
		"message":      "rules reloaded successfully",
		"count":        cat.Len(),
		"configErrors": cat.ConfigErrors(),
	})
}

// VelocityRuleRequest is the request body for POST /velocity-rules.
// Window is a Go duration string such as "1h" or "168h"; MaxAmount is in
// major units.
type VelocityRuleRequest struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Window      string           `json:"window"`
	MaxCount    int64            `json:"maxCount"`
	MaxAmount   decimal.Decimal  `json:"maxAmount"`
	RiskLevel   domain.RiskLevel `json:"riskLevel"`
	Status      string           `json:"status,omitempty"`
}

// ListVelocityRules returns the stored velocity rules.
func (h *Handler) ListVelocityRules(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}
	list, err := h.repo.ListVelocityRules(r.Context())
	if err != nil {
		slog.Error("failed to list velocity rules", "error", err)
		writeError(w, http.StatusServiceUnavailable, "failed to list velocity rules")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rules": list,
		"count": len(list),
	})
}

// CreateVelocityRule stores a velocity rule. It applies to the next decision.
func (h *Handler) CreateVelocityRule(w http.ResponseWriter, r *http.Request) {
	var req VelocityRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	window, err := time.ParseDuration(req.Window)
	if err != nil || window <= 0 {
		writeError(w, http.StatusBadRequest, "window must be a positive duration such as 1h")
		return
	}
	if h.windows != nil && !h.windows.Tracks(window) {
		writeError(w, http.StatusBadRequest, "window "+window.String()+" is not tracked")
		return
	}
	maxCents := req.MaxAmount.Shift(2)
	if !maxCents.IsInteger() || maxCents.IsNegative() || req.MaxCount < 0 {
		writeError(w, http.StatusBadRequest, "thresholds must be non-negative with at most 2 decimal places")
		return
	}
	if req.MaxCount == 0 && maxCents.IsZero() {
		writeError(w, http.StatusBadRequest, "maxCount or maxAmount is required")
		return
	}

	rule := &domain.VelocityRule{
		Name:           req.Name,
		Description:    req.Description,
		Scope:          domain.ScopeEntity,
		Window:         window,
		MaxCount:       req.MaxCount,
		MaxAmountCents: maxCents.IntPart(),
		RiskLevel:      req.RiskLevel,
		Status:         req.Status,
	}

	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}
	if err := h.repo.SaveVelocityRule(r.Context(), rule); err != nil {
		slog.Error("failed to save velocity rule", "rule", rule.Name, "error", err)
		writeRepoError(w, "velocity rule", rule.Name, err)
		return
	}

	writeJSON(w, http.StatusCreated, rule)
}

// ScanRequest is the request body for POST /patterns/scan. Start and End
// default to the lookback window ending now.
type ScanRequest struct {
	EntityID string     `json:"entityId"`
	Start    *time.Time `json:"start,omitempty"`
	End      *time.Time `json:"end,omitempty"`
	Async    bool       `json:"async,omitempty"`
}

// ScanPatterns runs the pattern detectors for one entity.
func (h *Handler) ScanPatterns(w http.ResponseWriter, r *http.Request) {
	var req ScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if req.EntityID == "" {
		writeError(w, http.StatusBadRequest, "entityId is required")
		return
	}

	end := h.now().UTC()
	if req.End != nil {
		end = req.End.UTC()
	}
	start := end.Add(-h.lookback)
	if req.Start != nil {
		start = req.Start.UTC()
	}
	if !start.Before(end) {
		writeError(w, http.StatusBadRequest, "start must be before end")
		return
	}

	if req.Async {
		if h.bus == nil {
			writeError(w, http.StatusServiceUnavailable, "event bus not available")
			return
		}
		payload, _ := json.Marshal(domain.PatternScanRequest{
			EntityID: req.EntityID,
			Start:    start.Unix(),
			End:      end.Unix(),
		})
		if err := h.bus.Publish(r.Context(), domain.TopicPatternScan, payload); err != nil {
			writeError(w, http.StatusServiceUnavailable, "failed to enqueue scan")
			return
		}
		writeJSON(w, http.StatusAccepted, AcceptedResponse{Status: "queued", Topic: domain.TopicPatternScan})
		return
	}

	if h.scanner == nil {
		writeError(w, http.StatusServiceUnavailable, "pattern scanner not available")
		return
	}
	records, err := h.scanner.Scan(r.Context(), req.EntityID, start, end)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"entityId":   req.EntityID,
		"start":      start,
		"end":        end,
		"detections": records,
		"count":      len(records),
	})
}

// ListDetections returns the stored detections of an entity.
func (h *Handler) ListDetections(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}
	recs, err := h.repo.ListDetections(r.Context(), id)
	if err != nil {
		slog.Error("failed to list detections", "entity_id", id, "error", err)
		writeError(w, http.StatusServiceUnavailable, "failed to list detections")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"detections": recs,
		"count":      len(recs),
	})
}

// SaveEntity creates or updates an entity and drops its cached status.
func (h *Handler) SaveEntity(w http.ResponseWriter, r *http.Request) {
	var e domain.Entity
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if e.ID == "" || e.Status == "" {
		writeError(w, http.StatusBadRequest, "id and status are required")
		return
	}
	e.UpdatedAt = h.now().UTC()

	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}
	if err := h.repo.SaveEntity(r.Context(), &e); err != nil {
		writeRepoError(w, "entity", e.ID, err)
		return
	}
	if h.lookups != nil {
		if err := h.lookups.InvalidateEntity(r.Context(), e.ID); err != nil {
			slog.Warn("failed to invalidate entity status", "entity_id", e.ID, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, e)
}

// GetEntity retrieves an entity by ID.
func (h *Handler) GetEntity(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}
	e, err := h.repo.GetEntity(r.Context(), id)
	if err != nil {
		writeRepoError(w, "entity", id, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// PlanRequest is the request body for POST /plans.
type PlanRequest struct {
	PSPCode string `json:"pspCode"`
	Plan    string `json:"plan"`
}

// SavePlan assigns a billing plan to a caller.
func (h *Handler) SavePlan(w http.ResponseWriter, r *http.Request) {
	var req PlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if req.PSPCode == "" {
		writeError(w, http.StatusBadRequest, "pspCode is required")
		return
	}

	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}
	if err := h.repo.SavePlan(r.Context(), req.PSPCode, req.Plan); err != nil {
		writeRepoError(w, "plan", req.PSPCode, err)
		return
	}
	if h.lookups != nil {
		if err := h.lookups.InvalidatePlan(r.Context(), req.PSPCode); err != nil {
			slog.Warn("failed to invalidate plan", "psp_code", req.PSPCode, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, req)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps error kinds to status codes: invalid input and
// configuration problems are the caller's to fix, dependency failures are
// retryable.
func writeDomainError(w http.ResponseWriter, err error) {
	body := map[string]string{"error": err.Error()}
	status := http.StatusInternalServerError
	switch kind := domain.KindOf(err); kind {
	case domain.KindInvalidInput, domain.KindConfiguration:
		status = http.StatusBadRequest
		body["kind"] = string(kind)
	case domain.KindDependencyUnavailable:
		status = http.StatusServiceUnavailable
		body["kind"] = string(kind)
	default:
		slog.Error("unclassified error", "error", err)
	}
	writeJSON(w, status, body)
}

func writeRepoError(w http.ResponseWriter, what, id string, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, what+" not found")
	case errors.Is(err, repository.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		slog.Error("repository error", "kind", what, "id", id, "error", err)
		writeError(w, http.StatusServiceUnavailable, what+" lookup failed")
	}
}
