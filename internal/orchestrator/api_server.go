package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"extractd/internal/api"
	"extractd/internal/catalog"
	"extractd/internal/config"
	"extractd/internal/jobs"
	"extractd/internal/logging"
)

type apiServer struct {
	bind   string
	token  string
	logger *slog.Logger
	orch   *Orchestrator

	listener net.Listener
	server   *http.Server
}

func newAPIServer(cfg *config.Config, o *Orchestrator, logger *slog.Logger) *apiServer {
	bind := strings.TrimSpace(cfg.Paths.APIBind)
	if bind == "" {
		return nil
	}

	srv := &apiServer{
		bind:   bind,
		token:  strings.TrimSpace(cfg.Paths.APIToken),
		logger: logging.NewComponentLogger(logger, "api-server"),
		orch:   o,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", srv.authorized(srv.handleStatus))
	mux.HandleFunc("/api/jobs", srv.authorized(srv.handleJobs))
	mux.HandleFunc("/api/jobs/", srv.authorized(srv.handleJob))
	mux.HandleFunc("/api/handlers", srv.authorized(srv.handleHandlers))
	mux.HandleFunc("/api/handlers/", srv.authorized(srv.handleHandlerSubtree))

	srv.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv
}

func (s *apiServer) start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.listener = listener

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server error", logging.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("api server listening", logging.String("address", listener.Addr().String()))
	return nil
}

func (s *apiServer) stop() {
	if s == nil {
		return
	}
	if s.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}
	if s.listener != nil {
		_ = s.listener.Close()
		s.listener = nil
	}
}

func (s *apiServer) authorized(next http.HandlerFunc) http.HandlerFunc {
	if s.token == "" {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header != "Bearer "+s.token {
			s.writeError(w, http.StatusUnauthorized, "invalid or missing bearer token")
			return
		}
		next(w, r)
	}
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	queueHealth, err := s.orch.QueueHealth(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	flags, err := s.orch.ReviewFlags(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, api.DaemonStatus{
		Running:        s.orch.Running(),
		PID:            os.Getpid(),
		RegistryDBPath: s.orch.RegistryDBPath(),
		QueueDBPath:    s.orch.QueueDBPath(),
		LockFilePath:   s.orch.LockFilePath(),
		Queue:          api.FromHealth(queueHealth),
		ReviewFlags:    api.FromReviewFlags(flags),
	})
}

func (s *apiServer) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		var states []jobs.State
		for _, value := range r.URL.Query()["state"] {
			state, ok := jobs.ParseState(value)
			if !ok {
				s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown state %q", value))
				return
			}
			states = append(states, state)
		}
		list, err := s.orch.ListJobs(r.Context(), states...)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, api.JobListResponse{Jobs: api.FromJobs(list)})
	case http.MethodPost:
		var req api.SubmitJobRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		job, err := s.orch.SubmitJob(r.Context(), jobs.SubmitParams{
			HandlerID:   req.HandlerID,
			TenantID:    req.TenantID,
			PayloadRef:  req.PayloadRef,
			WebhookURL:  req.WebhookURL,
			Priority:    req.Priority,
			MaxAttempts: req.MaxAttempts,
		})
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.writeJSON(w, http.StatusCreated, api.JobResponse{Job: api.FromJob(job)})
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *apiServer) handleJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
	if id == "" || strings.Contains(id, "/") {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	job, err := s.orch.GetJob(r.Context(), id)
	if errors.Is(err, jobs.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, api.JobResponse{Job: api.FromJob(job)})
}

func (s *apiServer) handleHandlers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	ids, err := s.orch.HandlerIDs(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, api.HandlerListResponse{Handlers: ids})
}

// handleHandlerSubtree routes /api/handlers/{id}/... paths:
//
//	GET  /api/handlers/{id}/versions
//	POST /api/handlers/{id}/versions
//	POST /api/handlers/{id}/versions/{version}/deprecate
//	PUT  /api/handlers/{id}/weights
//	POST /api/handlers/{id}/rollback
//	PUT  /api/handlers/{id}/overrides
//	DELETE /api/handlers/{id}/overrides?tenant={tenant}
func (s *apiServer) handleHandlerSubtree(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/handlers/")
	parts := strings.Split(rest, "/")
	if len(parts) < 2 || parts[0] == "" {
		s.writeError(w, http.StatusNotFound, "not found")
		return
	}
	handlerID := parts[0]

	switch {
	case len(parts) == 2 && parts[1] == "versions":
		s.handleVersions(w, r, handlerID)
	case len(parts) == 4 && parts[1] == "versions" && parts[3] == "deprecate":
		s.handleDeprecate(w, r, handlerID, parts[2])
	case len(parts) == 2 && parts[1] == "weights":
		s.handleWeights(w, r, handlerID)
	case len(parts) == 2 && parts[1] == "rollback":
		s.handleRollback(w, r, handlerID)
	case len(parts) == 2 && parts[1] == "overrides":
		s.handleOverrides(w, r, handlerID)
	default:
		s.writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *apiServer) handleVersions(w http.ResponseWriter, r *http.Request, handlerID string) {
	switch r.Method {
	case http.MethodGet:
		versions, err := s.orch.Versions(r.Context(), handlerID)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		views := make([]catalog.HandlerVersion, 0, len(versions))
		for _, v := range versions {
			views = append(views, *v)
		}
		s.writeJSON(w, http.StatusOK, api.VersionListResponse{Versions: api.FromVersions(views, time.Now().UTC())})
	case http.MethodPost:
		var req api.RegisterVersionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		registered, err := s.orch.RegisterVersion(r.Context(), handlerID, req.Version, req.Weight, req.SchemaTags)
		if err != nil {
			s.writeCatalogError(w, err)
			return
		}
		s.writeJSON(w, http.StatusCreated, api.FromVersion(*registered, time.Now().UTC()))
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *apiServer) handleDeprecate(w http.ResponseWriter, r *http.Request, handlerID, version string) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req api.DeprecateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sunsetAt, err := time.Parse(time.RFC3339, req.SunsetAt)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "sunsetAt must be RFC3339")
		return
	}
	if err := s.orch.DeprecateVersion(r.Context(), handlerID, version, sunsetAt, req.GuideURL); err != nil {
		s.writeCatalogError(w, err)
		return
	}
	s.writeJSON(w, http.StatusNoContent, nil)
}

func (s *apiServer) handleWeights(w http.ResponseWriter, r *http.Request, handlerID string) {
	if r.Method != http.MethodPut {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req api.SetWeightsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.orch.SetWeights(r.Context(), handlerID, req.Weights); err != nil {
		s.writeCatalogError(w, err)
		return
	}
	s.writeJSON(w, http.StatusNoContent, nil)
}

func (s *apiServer) handleRollback(w http.ResponseWriter, r *http.Request, handlerID string) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req api.RollbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.orch.Rollback(r.Context(), handlerID, req.ToVersion); err != nil {
		s.writeCatalogError(w, err)
		return
	}
	s.writeJSON(w, http.StatusNoContent, nil)
}

func (s *apiServer) handleOverrides(w http.ResponseWriter, r *http.Request, handlerID string) {
	switch r.Method {
	case http.MethodPut:
		var req api.OverrideRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if err := s.orch.SetTenantOverride(r.Context(), req.TenantID, handlerID, req.Version); err != nil {
			s.writeCatalogError(w, err)
			return
		}
		s.writeJSON(w, http.StatusNoContent, nil)
	case http.MethodDelete:
		tenant := strings.TrimSpace(r.URL.Query().Get("tenant"))
		if tenant == "" {
			s.writeError(w, http.StatusBadRequest, "tenant query parameter is required")
			return
		}
		if err := s.orch.RemoveTenantOverride(r.Context(), tenant, handlerID); err != nil {
			s.writeCatalogError(w, err)
			return
		}
		s.writeJSON(w, http.StatusNoContent, nil)
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// writeCatalogError maps typed catalog failures onto HTTP statuses: conflicts
// for duplicates, unprocessable for invariant violations, not found for
// missing versions.
func (s *apiServer) writeCatalogError(w http.ResponseWriter, err error) {
	var duplicate *catalog.DuplicateVersionError
	var notFound *catalog.VersionNotFoundError
	var weights *catalog.WeightInvariantError
	var sunset *catalog.InvalidSunsetError

	switch {
	case errors.As(err, &duplicate):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &notFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &weights), errors.As(err, &sunset):
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *apiServer) writeJSON(w http.ResponseWriter, status int, payload any) {
	if payload == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", logging.Error(err))
	}
}

func (s *apiServer) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, api.ErrorResponse{Error: message})
}
