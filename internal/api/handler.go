// internal/api/handler.go
package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"workflow-crawler/internal/database"
)

// Handler is the container for API dependencies.
type Handler struct {
	db     database.Querier
	logger *slog.Logger
}

// NewRouter creates and configures a new chi router with all API routes.
func NewRouter(db database.Querier, logger *slog.Logger) http.Handler {
	h := &Handler{
		db:     db,
		logger: logger,
	}

	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger) // Chi's default logger
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// API Routes
	r.Get("/health", h.healthCheck)
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/v1", func(r chi.Router) {
		r.Get("/summary", h.getSummary)
		r.Get("/orgs/{org}", h.getOrganisation)
		r.Get("/orgs/{org}/repos", h.getRepositories)
		r.Get("/orgs/{org}/repos/{name}/workflows", h.getWorkflows)
		r.Get("/workflows/{id}/children", h.getChildWorkflows)
	})

	return r
}

// healthCheck is a simple health endpoint.
func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// getSummary reports row counts and the distribution of terminal states.
// GET /v1/summary
func (h *Handler) getSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.db.Summary(r.Context())
	if err != nil {
		h.logger.Error("Failed to build summary", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	respondWithJSON(w, http.StatusOK, summary)
}

// getOrganisation returns one organisation, matched case-insensitively.
// GET /v1/orgs/{org}
func (h *Handler) getOrganisation(w http.ResponseWriter, r *http.Request) {
	org, err := h.db.FindOrganisation(r.Context(), chi.URLParam(r, "org"))
	if err != nil {
		h.handleLookupError(w, err, "Organisation not found")
		return
	}
	respondWithJSON(w, http.StatusOK, newOrganisationResponse(org))
}

// getRepositories lists every stored ref of every repository in an organisation.
// GET /v1/orgs/{org}/repos
func (h *Handler) getRepositories(w http.ResponseWriter, r *http.Request) {
	org := chi.URLParam(r, "org")
	if _, err := h.db.FindOrganisation(r.Context(), org); err != nil {
		h.handleLookupError(w, err, "Organisation not found")
		return
	}

	repos, err := h.db.ListRepositories(r.Context(), org)
	if err != nil {
		h.logger.Error("Failed to list repositories", "org", org, "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	resp := make([]repositoryResponse, 0, len(repos))
	for _, repo := range repos {
		resp = append(resp, newRepositoryResponse(repo))
	}
	respondWithJSON(w, http.StatusOK, resp)
}

// getWorkflows lists the workflows of one repository. Without ?ref= the first
// stored ref of the repository is used.
// GET /v1/orgs/{org}/repos/{name}/workflows?ref=main
func (h *Handler) getWorkflows(w http.ResponseWriter, r *http.Request) {
	org, err := h.db.FindOrganisation(r.Context(), chi.URLParam(r, "org"))
	if err != nil {
		h.handleLookupError(w, err, "Organisation not found")
		return
	}

	repo, err := h.db.FindRepository(r.Context(), database.FindRepositoryParams{
		OrgID: org.ID,
		Name:  chi.URLParam(r, "name"),
		Ref:   r.URL.Query().Get("ref"),
	})
	if err != nil {
		h.handleLookupError(w, err, "Repository not found")
		return
	}

	workflows, err := h.db.ListWorkflows(r.Context(), repo.ID)
	if err != nil {
		h.logger.Error("Failed to list workflows", "repo", repo.String(), "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	respondWithJSON(w, http.StatusOK, newWorkflowResponses(workflows))
}

// getChildWorkflows lists the workflows a workflow uses.
// GET /v1/workflows/{id}/children
func (h *Handler) getChildWorkflows(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		respondWithError(w, http.StatusBadRequest, "Invalid workflow id")
		return
	}

	children, err := h.db.ListChildWorkflows(r.Context(), id)
	if err != nil {
		h.logger.Error("Failed to list child workflows", "id", id, "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	respondWithJSON(w, http.StatusOK, newWorkflowResponses(children))
}

// handleLookupError maps a missing row to 404 and anything else to 500.
func (h *Handler) handleLookupError(w http.ResponseWriter, err error, notFound string) {
	if database.IsNotFound(err) {
		respondWithError(w, http.StatusNotFound, notFound)
		return
	}
	h.logger.Error("Lookup failed", "error", err)
	respondWithError(w, http.StatusInternalServerError, "Internal server error")
}
