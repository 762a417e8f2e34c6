// Package commander exposes executions and the snippet cache over HTTP.
package commander

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/metorial/sentinel-runner/internal/log"
	"github.com/metorial/sentinel-runner/internal/models"
	"github.com/metorial/sentinel-runner/internal/snippets"
)

const prefetchLimit = 4

// Executions is the orchestrator surface used by the API.
type Executions interface {
	Submit(ctx context.Context, req models.ExecutionRequest) (string, error)
	PollOnce(ctx context.Context, requestID string) (models.ExecutionResult, error)
	Cancel(ctx context.Context, requestID string) (models.ExecutionResult, error)
}

type History interface {
	ListExecutions(portalID string, limit int) ([]models.ExecutionResult, error)
	Ping() error
}

// FetcherFactory builds the remote fetcher for one portal and collector.
type FetcherFactory func(target snippets.Target) (*snippets.RemoteFetcher, error)

type API struct {
	executions Executions
	history    History
	cache      *snippets.Cache
	fetchers   FetcherFactory
	logger     *slog.Logger
}

func NewAPI(executions Executions, history History, cache *snippets.Cache, fetchers FetcherFactory, logger *slog.Logger) *API {
	if logger == nil {
		logger = log.Discard()
	}
	return &API{
		executions: executions,
		history:    history,
		cache:      cache,
		fetchers:   fetchers,
		logger:     logger,
	}
}

func (api *API) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/executions", api.withContext(api.handleSubmit))
	mux.HandleFunc("GET /api/v1/executions", api.withContext(api.handleHistory))
	mux.HandleFunc("GET /api/v1/executions/{id}", api.withContext(api.handlePoll))
	mux.HandleFunc("POST /api/v1/executions/{id}/cancel", api.withContext(api.handleCancel))
	mux.HandleFunc("GET /api/v1/snippets", api.withContext(api.handleCatalog))
	mux.HandleFunc("POST /api/v1/snippets/refresh", api.withContext(api.handleRefresh))
	mux.HandleFunc("GET /api/v1/snippets/{name}/{version}", api.withContext(api.handleSource))
	mux.HandleFunc("DELETE /api/v1/snippets", api.withContext(api.handleClear))
	mux.HandleFunc("GET /api/v1/health", api.handleHealth)
}

func (api *API) withContext(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := log.With(r.Context(), slog.String("method", r.Method), slog.String("path", r.URL.Path))
		next(w, r.WithContext(ctx))
	}
}

func (api *API) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req models.ExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondBadRequest(w, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if err := req.Validate(); err != nil {
		respondBadRequest(w, err)
		return
	}

	ctx := log.With(r.Context(), slog.String("portal_id", req.PortalID), slog.String("collector_id", req.CollectorID))
	id, err := api.executions.Submit(ctx, req)
	if errors.Is(err, models.ErrConflict) {
		respondJSON(w, http.StatusConflict, models.Envelope{Error: &models.ErrorBody{Message: err.Error(), Code: http.StatusConflict}})
		return
	}
	if err != nil {
		api.logger.WarnContext(ctx, "submit execution", slog.String("request_id", id), slog.String("error", err.Error()))
		env := models.Failure(err)
		if id != "" {
			env.Data = map[string]string{"requestId": id}
		}
		respondJSON(w, env.Error.Code, env)
		return
	}

	respondJSON(w, http.StatusAccepted, models.Success(map[string]string{"requestId": id}))
}

func (api *API) handlePoll(w http.ResponseWriter, r *http.Request) {
	res, err := api.executions.PollOnce(r.Context(), r.PathValue("id"))
	if err != nil {
		api.respondError(r.Context(), w, "poll execution", err)
		return
	}
	respondJSON(w, http.StatusOK, models.Success(res))
}

func (api *API) handleCancel(w http.ResponseWriter, r *http.Request) {
	res, err := api.executions.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		api.respondError(r.Context(), w, "cancel execution", err)
		return
	}
	respondJSON(w, http.StatusOK, models.Success(res))
}

func (api *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 1000 {
			limit = l
		}
	}

	results, err := api.history.ListExecutions(r.URL.Query().Get("portalId"), limit)
	if err != nil {
		api.respondError(r.Context(), w, "list executions", err)
		return
	}
	if results == nil {
		results = []models.ExecutionResult{}
	}

	respondJSON(w, http.StatusOK, models.Success(map[string]interface{}{
		"executions": results,
		"count":      len(results),
	}))
}

type catalogResponse struct {
	Catalog *models.Catalog       `json:"catalog"`
	Groups  []models.SnippetGroup `json:"groups"`
}

func newCatalogResponse(cat *models.Catalog) catalogResponse {
	resp := catalogResponse{Catalog: cat, Groups: []models.SnippetGroup{}}
	if cat != nil {
		if groups := cat.Groups(); groups != nil {
			resp.Groups = groups
		}
	}
	return resp
}

func (api *API) handleCatalog(w http.ResponseWriter, r *http.Request) {
	cat, err := api.cache.Catalog()
	if err != nil {
		api.respondError(r.Context(), w, "load catalog", err)
		return
	}
	respondJSON(w, http.StatusOK, models.Success(newCatalogResponse(cat)))
}

func (api *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PortalID    string `json:"portalId"`
		CollectorID string `json:"collectorId"`
		Prefetch    bool   `json:"prefetch"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondBadRequest(w, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if req.PortalID == "" || req.CollectorID == "" {
		respondBadRequest(w, errors.New("portalId and collectorId are required"))
		return
	}

	ctx := log.With(r.Context(), slog.String("portal_id", req.PortalID), slog.String("collector_id", req.CollectorID))
	fetcher, err := api.fetchers(snippets.Target{PortalID: req.PortalID, CollectorID: req.CollectorID})
	if err != nil {
		api.respondError(ctx, w, "build fetcher", err)
		return
	}

	cat, err := api.cache.RefreshCatalog(ctx, fetcher.FetchCatalog)
	if err != nil {
		api.respondError(ctx, w, "refresh catalog", err)
		return
	}

	if req.Prefetch {
		if err := api.cache.PrefetchSources(ctx, cat.Snippets, fetcher.FetchSource, prefetchLimit); err != nil {
			api.logger.WarnContext(ctx, "prefetch sources", slog.String("error", err.Error()))
		}
	}

	respondJSON(w, http.StatusOK, models.Success(newCatalogResponse(&cat)))
}

func (api *API) handleSource(w http.ResponseWriter, r *http.Request) {
	name, version := r.PathValue("name"), r.PathValue("version")

	src, ok, err := api.cache.Source(name, version)
	if err != nil {
		api.respondError(r.Context(), w, "load source", err)
		return
	}
	if ok {
		respondJSON(w, http.StatusOK, models.Success(src))
		return
	}

	portalID, collectorID := r.URL.Query().Get("portalId"), r.URL.Query().Get("collectorId")
	if portalID == "" || collectorID == "" {
		api.respondError(r.Context(), w, "load source",
			fmt.Errorf("snippet %s@%s is not cached: %w", name, version, models.ErrNotFound))
		return
	}

	ctx := log.With(r.Context(), slog.String("portal_id", portalID), slog.String("collector_id", collectorID))
	fetcher, err := api.fetchers(snippets.Target{PortalID: portalID, CollectorID: collectorID})
	if err != nil {
		api.respondError(ctx, w, "build fetcher", err)
		return
	}

	src, err = api.cache.FetchSource(ctx, name, version, fetcher.FetchSource)
	if err != nil {
		api.respondError(ctx, w, "fetch source", err)
		return
	}
	respondJSON(w, http.StatusOK, models.Success(src))
}

func (api *API) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := api.cache.Clear(); err != nil {
		api.respondError(r.Context(), w, "clear snippet cache", err)
		return
	}
	respondJSON(w, http.StatusOK, models.Success(map[string]bool{"cleared": true}))
}

func (api *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := api.history.Ping(); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, models.Envelope{Error: &models.ErrorBody{
			Message: fmt.Sprintf("database unhealthy: %v", err),
			Code:    http.StatusServiceUnavailable,
		}})
		return
	}

	respondJSON(w, http.StatusOK, models.Success(map[string]string{
		"status":   "healthy",
		"database": "connected",
	}))
}

func (api *API) respondError(ctx context.Context, w http.ResponseWriter, op string, err error) {
	env := models.Failure(err)
	if env.Error.Code >= http.StatusInternalServerError {
		api.logger.ErrorContext(ctx, op, slog.String("error", err.Error()))
	}
	respondJSON(w, env.Error.Code, env)
}

func respondBadRequest(w http.ResponseWriter, err error) {
	respondJSON(w, http.StatusBadRequest, models.Envelope{Error: &models.ErrorBody{
		Message: err.Error(),
		Code:    http.StatusBadRequest,
	}})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Default().Error("encode JSON response", slog.String("error", err.Error()))
	}
}
