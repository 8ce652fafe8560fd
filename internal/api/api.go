// Package api exposes run submission, status and the rule catalog over HTTP.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/animus-labs/backtest-orchestrator/internal/backtest"
	"github.com/animus-labs/backtest-orchestrator/internal/codec"
	"github.com/animus-labs/backtest-orchestrator/internal/domain"
	"github.com/animus-labs/backtest-orchestrator/internal/platform/httpserver"
	"github.com/animus-labs/backtest-orchestrator/internal/repo"
	"github.com/animus-labs/backtest-orchestrator/internal/service/status"
)

const maxRequestBytes = 1 << 20

type Submitter interface {
	Submit(ctx context.Context, req codec.Request) (domain.Run, error)
}

type StatusReader interface {
	Get(ctx context.Context, runID string) (status.View, error)
	List(ctx context.Context, st domain.Status, limit int) ([]status.View, error)
}

type API struct {
	logger  *slog.Logger
	submit  Submitter
	status  StatusReader
	catalog *backtest.Catalog
}

func New(logger *slog.Logger, submit Submitter, st StatusReader, catalog *backtest.Catalog) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{logger: logger, submit: submit, status: st, catalog: catalog}
}

func (api *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/runs", api.handleSubmit)
	mux.HandleFunc("GET /v1/runs", api.handleList)
	mux.HandleFunc("GET /v1/runs/{run_id}", api.handleGet)
	mux.HandleFunc("GET /v1/rules", api.handleRules)
}

type submitResponse struct {
	RunID  string        `json:"run_id"`
	Status domain.Status `json:"status"`
}

func (api *API) handleSubmit(w http.ResponseWriter, r *http.Request) {
	req, err := codec.DecodeRequestJSON(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpserver.WriteError(w, r, http.StatusRequestEntityTooLarge, "request_too_large", nil)
			return
		}
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_json", map[string]any{"message": err.Error()})
		return
	}

	run, err := api.submit.Submit(r.Context(), req)
	if err != nil {
		var verr *codec.ValidationError
		kind, _ := domain.KindOf(err)
		switch {
		case errors.As(err, &verr):
			httpserver.WriteError(w, r, http.StatusBadRequest, "validation_failed", map[string]any{"issues": verr.Issues})
		case errors.Is(err, repo.ErrConflict):
			httpserver.WriteError(w, r, http.StatusConflict, "run_exists", nil)
		case kind == domain.KindLaunch:
			httpserver.WriteError(w, r, http.StatusBadGateway, "launch_failed", map[string]any{
				"run_id": run.ID,
				"status": run.Status,
			})
		default:
			api.logger.Error("submit failed", "error", err)
			httpserver.WriteError(w, r, http.StatusInternalServerError, "internal_error", nil)
		}
		return
	}
	httpserver.WriteJSON(w, http.StatusAccepted, submitResponse{RunID: run.ID, Status: run.Status})
}

func (api *API) handleGet(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("run_id"))
	if runID == "" {
		httpserver.WriteError(w, r, http.StatusBadRequest, "run_id_required", nil)
		return
	}
	view, err := api.status.Get(r.Context(), runID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			httpserver.WriteError(w, r, http.StatusNotFound, "not_found", nil)
			return
		}
		api.logger.Error("get run failed", "run_id", runID, "error", err)
		httpserver.WriteError(w, r, http.StatusInternalServerError, "internal_error", nil)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, view)
}

func (api *API) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var st domain.Status
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		parsed, ok := domain.ParseStatus(raw)
		if !ok {
			httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_status", nil)
			return
		}
		st = parsed
	}
	limit := 0
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_limit", nil)
			return
		}
		limit = n
	}
	views, err := api.status.List(r.Context(), st, limit)
	if err != nil {
		api.logger.Error("list runs failed", "error", err)
		httpserver.WriteError(w, r, http.StatusInternalServerError, "internal_error", nil)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"runs": views})
}

type ruleResponse struct {
	Type        string             `json:"type"`
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	Params      map[string]float64 `json:"params"`
}

func (api *API) handleRules(w http.ResponseWriter, r *http.Request) {
	out := make([]ruleResponse, 0, len(api.catalog.Rules))
	for _, t := range api.catalog.Types() {
		spec, _ := api.catalog.Lookup(t)
		params := make(map[string]float64, len(spec.Params))
		for _, p := range spec.Params {
			params[p.Name] = p.Default
		}
		out = append(out, ruleResponse{Type: spec.Type, Name: spec.Name, Description: spec.Description, Params: params})
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"schema": api.catalog.Schema, "rules": out})
}
