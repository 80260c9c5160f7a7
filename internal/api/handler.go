package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/opensource-finance/billwatch/internal/cache"
	"github.com/opensource-finance/billwatch/internal/domain"
	"github.com/opensource-finance/billwatch/internal/mrp"
	"github.com/opensource-finance/billwatch/internal/repository"
	"github.com/opensource-finance/billwatch/internal/verdict"
)

// Reference resolves item names against the loaded MRP index.
type Reference interface {
	FindMRP(ctx context.Context, name string) (domain.PriceMatch, bool)
	Index() *mrp.Index
}

// Deps holds handler dependencies. Repo, Cache and Bus are optional.
type Deps struct {
	Repo      domain.Repository
	Cache     domain.Cache
	Bus       domain.EventBus
	Analyzer  *verdict.Analyzer
	Reference Reference
	Version   string

	// Async enables POST /bills; set when a worker consumes submissions.
	Async bool

	// Limits is filled from the server config by NewServer.
	Limits domain.ServerConfig
}

// Handler holds dependencies for API handlers.
type Handler struct {
	Deps
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps) *Handler {
	if deps.Limits.MaxItems <= 0 {
		deps.Limits.MaxItems = 5000
	}
	if deps.Limits.MaxBodyBytes <= 0 {
		deps.Limits.MaxBodyBytes = 4 << 20
	}
	return &Handler{Deps: deps}
}

var (
	errEmptyBill    = errors.New("at least one item is required")
	errTooManyItems = errors.New("too many items")
	errBadBody      = errors.New("invalid JSON request body")
)

// decodeBill accepts either a bare JSON array of items or {"bill_id", "items"}.
func (h *Handler) decodeBill(w http.ResponseWriter, r *http.Request) (*domain.BillRequest, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.Limits.MaxBodyBytes))
	if err != nil {
		return nil, errBadBody
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, errBadBody
	}

	var req domain.BillRequest
	switch body[0] {
	case '[':
		if err := json.Unmarshal(body, &req.Items); err != nil {
			return nil, errBadBody
		}
	case '{':
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, errBadBody
		}
	default:
		return nil, errBadBody
	}

	if len(req.Items) == 0 {
		return nil, errEmptyBill
	}
	if len(req.Items) > h.Limits.MaxItems {
		return nil, errTooManyItems
	}
	return &req, nil
}

// Analyze handles POST /analyze.
func (h *Handler) Analyze(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req, err := h.decodeBill(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	analysis := h.Analyzer.Analyze(ctx, req, GetTraceID(ctx))

	slog.Debug("bill analyzed",
		"analysis_id", analysis.ID,
		"items", analysis.Summary.ItemCount,
		"anomalies", analysis.Summary.AnomalyCount,
		"status", analysis.Summary.Status,
	)

	writeJSON(w, http.StatusOK, analysis)
}

// SubmitBillResponse is the response for POST /bills.
type SubmitBillResponse struct {
	BillID  string `json:"bill_id"`
	Status  string `json:"status"`
	Topic   string `json:"topic"`
	TraceID string `json:"trace_id"`
}

// SubmitBill handles POST /bills by publishing the bill for async analysis.
func (h *Handler) SubmitBill(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.Bus == nil || !h.Async {
		writeError(w, http.StatusServiceUnavailable, "async analysis is not enabled")
		return
	}

	req, err := h.decodeBill(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.BillID == "" {
		req.BillID = uuid.New().String()
	}

	traceID := GetTraceID(ctx)
	payload, err := json.Marshal(domain.BillSubmission{
		BillRequest: *req,
		TraceID:     traceID,
		SubmittedAt: time.Now().UnixNano(),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to encode bill")
		return
	}

	if err := h.Bus.Publish(ctx, domain.TopicBillSubmitted, payload); err != nil {
		slog.Error("failed to publish bill", "bill_id", req.BillID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "failed to queue bill")
		return
	}

	writeJSON(w, http.StatusAccepted, SubmitBillResponse{
		BillID:  req.BillID,
		Status:  "queued",
		Topic:   domain.TopicBillSubmitted,
		TraceID: traceID,
	})
}

// MatchReference handles GET /reference/match?name=.
func (h *Handler) MatchReference(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.URL.Query().Get("name"))
	if name == "" {
		writeError(w, http.StatusBadRequest, "name query parameter is required")
		return
	}

	match, ok := h.Reference.FindMRP(r.Context(), name)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"query": name,
			"found": false,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"query": name,
		"found": true,
		"match": match,
	})
}

// ReferenceStats handles GET /reference/stats.
func (h *Handler) ReferenceStats(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"index":     h.Reference.Index().Stats(),
		"tolerance": h.Analyzer.Engine.Tolerance(),
	}
	if s, ok := h.Cache.(interface{ Stats() cache.Stats }); ok {
		resp["cache"] = s.Stats()
	}
	writeJSON(w, http.StatusOK, resp)
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := "healthy"
	checks := map[string]string{}

	if h.Repo != nil {
		checks["repository"] = "ok"
		if err := h.Repo.Ping(ctx); err != nil {
			status = "degraded"
			checks["repository"] = err.Error()
		}
	}
	if h.Cache != nil {
		checks["cache"] = "ok"
		if err := h.Cache.Ping(ctx); err != nil {
			status = "degraded"
			checks["cache"] = err.Error()
		}
	}
	if h.Bus != nil {
		checks["eventbus"] = "ok"
		if err := h.Bus.Ping(ctx); err != nil {
			status = "degraded"
			checks["eventbus"] = err.Error()
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"version": h.Version,
		"checks":  checks,
	})
}

// Ready reports readiness. The server only listens after the reference
// index is built, so a running server is ready.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ready":             true,
		"reference_entries": h.Reference.Index().Len(),
		"rules":             h.Analyzer.Engine.RulesCount(),
	})
}

// ListRules returns the custom rules loaded in the engine.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	loaded := h.Analyzer.Engine.GetLoadedRules()

	writeJSON(w, http.StatusOK, map[string]any{
		"builtin": h.Analyzer.Engine.BuiltinIDs(),
		"rules":   loaded,
		"count":   len(loaded),
	})
}

// GetRule returns one loaded custom rule.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")

	for _, rule := range h.Analyzer.Engine.GetLoadedRules() {
		if rule.ID == ruleID {
			writeJSON(w, http.StatusOK, rule)
			return
		}
	}
	writeError(w, http.StatusNotFound, "rule not found")
}

// CreateRule validates, persists and loads a custom rule.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var rule domain.RuleConfig
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&rule); err != nil {
		writeError(w, http.StatusBadRequest, errBadBody.Error())
		return
	}
	if rule.ID == "" || rule.Name == "" || rule.Expression == "" {
		writeError(w, http.StatusBadRequest, "id, name, and expression are required")
		return
	}
	if rule.Version == "" {
		rule.Version = "1.0.0"
	}

	if err := h.Analyzer.Engine.ValidateRule(&rule); err != nil {
		writeError(w, http.StatusBadRequest, "invalid rule: "+err.Error())
		return
	}

	if h.Repo != nil {
		if err := h.Repo.SaveRuleConfig(ctx, &rule); err != nil {
			slog.Error("failed to save rule config", "id", rule.ID, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to save rule")
			return
		}
	}

	if err := h.Analyzer.Engine.LoadRule(&rule); err != nil {
		writeError(w, http.StatusBadRequest, "invalid rule: "+err.Error())
		return
	}

	slog.Info("rule created", "id", rule.ID, "name", rule.Name, "enabled", rule.Enabled)
	writeJSON(w, http.StatusCreated, map[string]any{
		"rule": rule,
	})
}

// DeleteRule disables a custom rule and unloads it.
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ruleID := chi.URLParam(r, "id")

	if h.Repo != nil {
		if err := h.Repo.DeleteRuleConfig(ctx, ruleID); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				writeError(w, http.StatusNotFound, "rule not found")
				return
			}
			slog.Error("failed to delete rule", "id", ruleID, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to delete rule")
			return
		}
	} else if !h.ruleLoaded(ruleID) {
		writeError(w, http.StatusNotFound, "rule not found")
		return
	}

	h.Analyzer.Engine.RemoveRule(ruleID)
	slog.Info("rule deleted", "id", ruleID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ruleLoaded(id string) bool {
	for _, rule := range h.Analyzer.Engine.GetLoadedRules() {
		if rule.ID == id {
			return true
		}
	}
	return false
}

// ReloadRules replaces the engine's custom rules with the repository's.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.Repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	stored, err := h.Repo.ListRuleConfigs(ctx)
	if err != nil {
		slog.Error("failed to list rules from database", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load rules from database")
		return
	}

	if err := h.Analyzer.Engine.ReloadRules(stored); err != nil {
		slog.Error("failed to reload rules into engine", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to reload rules: "+err.Error())
		return
	}

	slog.Info("rules reloaded from database", "count", len(stored))
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules reloaded successfully",
		"count":   len(stored),
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
