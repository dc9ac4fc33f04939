package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/braxtechnologies/appstation/internal/logctx"
	"github.com/braxtechnologies/appstation/internal/store"
	"github.com/go-chi/chi/v5"
)

// Pipeline is the slice of the orchestrator the REST surface needs.
type Pipeline interface {
	Install(ctx context.Context, packageID, versionHint string) (*store.DownloadJob, error)
	Cancel(ctx context.Context, packageID string) error
}

// PackageStatus is the JSON representation of one package's pipeline state.
type PackageStatus struct {
	PackageID    string `json:"package_id"`
	State        string `json:"state"`
	SourceURL    string `json:"source_url,omitempty"`
	DeclaredSize int64  `json:"declared_size,omitempty"`
	Unverified   bool   `json:"unverified,omitempty"`
	Attempts     int    `json:"attempts,omitempty"`
	CreatedAt    string `json:"created_at,omitempty"`
}

// InstallHandler exposes the install pipeline over HTTP.
type InstallHandler struct {
	username string
	password string
	pipeline Pipeline
	jobs     store.JobRepository
	retries  store.RetryRepository
}

// NewInstallHandler creates a new install handler. Empty credentials disable
// basic auth.
func NewInstallHandler(username, password string, pipeline Pipeline, jobs store.JobRepository, retries store.RetryRepository) *InstallHandler {
	return &InstallHandler{
		username: username,
		password: password,
		pipeline: pipeline,
		jobs:     jobs,
		retries:  retries,
	}
}

func (h *InstallHandler) Routes() http.Handler {
	r := chi.NewRouter()

	if h.username != "" {
		r.Use(h.basicAuthMiddleware)
	}

	r.Post("/packages/{packageID}/install", h.HandleInstall)
	r.Delete("/packages/{packageID}", h.HandleCancel)
	r.Get("/packages/{packageID}", h.HandleStatus)
	r.Get("/packages", h.HandleList)

	return r
}

// HandleInstall requests (or restarts) an install for a package.
func (h *InstallHandler) HandleInstall(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logctx.LoggerFromContext(ctx)

	packageID := chi.URLParam(r, "packageID")
	if packageID == "" {
		http.Error(w, "missing package id", http.StatusBadRequest)

		return
	}

	job, err := h.pipeline.Install(ctx, packageID, r.URL.Query().Get("version"))
	if err != nil {
		logger.Error("failed to request install", "package_id", packageID, "err", err)
		http.Error(w, "failed to request install", http.StatusInternalServerError)

		return
	}

	writeJSON(w, http.StatusAccepted, jobStatus(job))
}

// HandleCancel cancels whatever is in flight for the package. Cancelling a
// package with nothing in flight is not an error.
func (h *InstallHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logctx.LoggerFromContext(ctx)

	packageID := chi.URLParam(r, "packageID")
	if packageID == "" {
		http.Error(w, "missing package id", http.StatusBadRequest)

		return
	}

	if err := h.pipeline.Cancel(ctx, packageID); err != nil {
		logger.Error("failed to cancel install", "package_id", packageID, "err", err)
		http.Error(w, "failed to cancel install", http.StatusInternalServerError)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleStatus reports the pipeline state of one package. Deferred packages
// have no job row; they are reported from the retry table instead.
func (h *InstallHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logctx.LoggerFromContext(ctx)

	packageID := chi.URLParam(r, "packageID")
	if packageID == "" {
		http.Error(w, "missing package id", http.StatusBadRequest)

		return
	}

	job, err := h.jobs.Get(ctx, packageID)
	if err == nil {
		writeJSON(w, http.StatusOK, jobStatus(job))

		return
	}

	if !errors.Is(err, store.ErrNotFound) {
		logger.Error("failed to read job", "package_id", packageID, "err", err)
		http.Error(w, "failed to read job", http.StatusInternalServerError)

		return
	}

	req, err := h.retries.Get(ctx, packageID)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "package not found", http.StatusNotFound)

		return
	}

	if err != nil {
		logger.Error("failed to read deferred package", "package_id", packageID, "err", err)
		http.Error(w, "failed to read deferred package", http.StatusInternalServerError)

		return
	}

	writeJSON(w, http.StatusOK, retryStatus(req))
}

// HandleList lists every package the pipeline currently tracks: active job
// rows plus deferred packages awaiting the retry sweep.
func (h *InstallHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logctx.LoggerFromContext(ctx)

	jobs, err := h.jobs.List(ctx)
	if err != nil {
		logger.Error("failed to list jobs", "err", err)
		http.Error(w, "failed to list jobs", http.StatusInternalServerError)

		return
	}

	pending, err := h.retries.ListPending(ctx)
	if err != nil {
		logger.Error("failed to list deferred packages", "err", err)
		http.Error(w, "failed to list deferred packages", http.StatusInternalServerError)

		return
	}

	statuses := make([]PackageStatus, 0, len(jobs)+len(pending))

	for i := range jobs {
		statuses = append(statuses, *jobStatus(&jobs[i]))
	}

	for i := range pending {
		statuses = append(statuses, *retryStatus(&pending[i]))
	}

	writeJSON(w, http.StatusOK, statuses)
}

func (h *InstallHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		if username != h.username || password != h.password {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func jobStatus(job *store.DownloadJob) *PackageStatus {
	return &PackageStatus{
		PackageID:    job.PackageID,
		State:        string(job.State),
		SourceURL:    job.SourceURL,
		DeclaredSize: job.DeclaredSize,
		Unverified:   job.Unverified,
		CreatedAt:    job.CreatedAt,
	}
}

func retryStatus(req *store.RetryableRequest) *PackageStatus {
	state := string(store.StateRequested)
	if req.Status == store.RetryUnavailable {
		state = string(store.RetryUnavailable)
	}

	return &PackageStatus{
		PackageID: req.PackageID,
		State:     state,
		Attempts:  req.AttemptCount,
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}
