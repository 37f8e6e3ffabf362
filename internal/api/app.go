package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kalambet/sqlagent/internal/agent"
	"github.com/kalambet/sqlagent/internal/retrieval"
	"github.com/kalambet/sqlagent/internal/storage"
)

const maxRunBodySize = 1 << 20

// RunRequest is the body of POST /runs.
type RunRequest struct {
	Goal          string `json:"goal" validate:"required"`
	Table         string `json:"table" validate:"omitempty,max=128"`
	MaxIterations int    `json:"max_iterations" validate:"gte=0,lte=100"`
	SystemPrompt  string `json:"system_prompt"`
}

// SearchRequest holds the query parameters of GET /search.
type SearchRequest struct {
	Table  string `validate:"required"`
	Column string `validate:"required"`
	Query  string `validate:"required"`
	Limit  int    `validate:"gte=1,lte=100"`
}

type AppDeps struct {
	Agent    Agent
	Runs     RunStore
	Search   Searcher    // optional; if nil, /search answers 503
	Indexes  IndexLister // optional; if nil, /indexes answers 503
	Token    string
	Gatherer prometheus.Gatherer // optional; if nil, /metrics is not served
	Logger   *slog.Logger
}

func NewAppHandler(deps AppDeps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	v := validator.New(validator.WithRequiredStructEnabled())

	r := chi.NewRouter()
	r.Get("/health", handleHealth)
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))
		r.Post("/runs", handleCreateRun(deps, v))
		r.Get("/runs", handleListRuns(deps))
		r.Get("/runs/{id}", handleGetRun(deps))
		r.Get("/search", handleSearch(deps, v))
		r.Get("/indexes", handleListIndexes(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleCreateRun(deps AppDeps, v *validator.Validate) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRunBodySize)
		defer r.Body.Close()

		var req RunRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		req.Goal = strings.TrimSpace(req.Goal)
		if err := v.Struct(req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%s", validationMessage(err))
			return
		}

		goal := agent.Goal{
			Text:          req.Goal,
			Table:         req.Table,
			MaxIterations: req.MaxIterations,
			SystemPrompt:  req.SystemPrompt,
		}
		res, rec, err := Execute(r.Context(), deps.Agent, deps.Runs, goal, deps.Logger)
		if err != nil {
			code, typ := errorKind(err)
			httpError(w, code, typ, "run %s failed: %v", res.RunID, err)
			return
		}
		writeJSON(w, http.StatusOK, resultJSON(rec, res))
	}
}

func handleListRuns(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := queryInt(r, "limit", 20)
		offset := queryInt(r, "offset", 0)
		if limit <= 0 || limit > 100 {
			limit = 20
		}
		if offset < 0 {
			offset = 0
		}

		runs, err := deps.Runs.ListRuns(r.Context(), limit, offset)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing runs: %v", err)
			return
		}
		out := make([]runJSON, len(runs))
		for i, run := range runs {
			out[i] = toRunJSON(run)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleGetRun(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		run, err := deps.Runs.GetRun(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "run %s not found", id)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "getting run: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, toRunJSON(run))
	}
}

func handleSearch(deps AppDeps, v *validator.Validate) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Search == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "search is not available: no embedding model configured")
			return
		}
		q := r.URL.Query()
		req := SearchRequest{
			Table:  q.Get("table"),
			Column: q.Get("column"),
			Query:  q.Get("q"),
			Limit:  queryInt(r, "limit", 5),
		}
		if err := v.Struct(req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%s", validationMessage(err))
			return
		}

		matches, err := deps.Search.Retrieve(r.Context(), req.Table, req.Column, req.Query, req.Limit)
		if errors.Is(err, retrieval.ErrNoIndex) {
			httpError(w, http.StatusNotFound, "not_found", "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "search failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, toMatchJSON(matches))
	}
}

func handleListIndexes(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Indexes == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "no index registry available")
			return
		}
		infos, err := deps.Indexes.List(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
			return
		}
		writeJSON(w, http.StatusOK, toIndexJSON(infos))
	}
}

// validationMessage renders validator errors as "field: rule" pairs.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, len(verrs))
	for i, fe := range verrs {
		if fe.Param() != "" {
			parts[i] = fmt.Sprintf("%s: must satisfy %s=%s", strings.ToLower(fe.Field()), fe.Tag(), fe.Param())
		} else {
			parts[i] = fmt.Sprintf("%s: %s", strings.ToLower(fe.Field()), fe.Tag())
		}
	}
	return "invalid request: " + strings.Join(parts, "; ")
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}
