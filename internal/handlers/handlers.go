// Package handlers implements the admin API: targeted credential
// refresh, revocation, and service health.
package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"credential-coordinator/internal/auth"
	"credential-coordinator/internal/common/errors"
	"credential-coordinator/internal/common/logging"
	"credential-coordinator/internal/middleware"
	"credential-coordinator/internal/oauth"
	"credential-coordinator/internal/redis"
	"credential-coordinator/internal/store"
)

type Handlers struct {
	coordinator *oauth.Coordinator
	credStore   store.Store
	redisClient *redis.Client
	logger      logging.Logger
}

func New(coordinator *oauth.Coordinator, credStore store.Store, redisClient *redis.Client, logger logging.Logger) *Handlers {
	return &Handlers{
		coordinator: coordinator,
		credStore:   credStore,
		redisClient: redisClient,
		logger:      logger,
	}
}

// Router assembles the admin API routes. Everything under /api requires
// a service bearer token; health is open for load balancer probes.
func (h *Handlers) Router(authService *auth.Service) *mux.Router {
	router := mux.NewRouter()
	router.Use(middleware.RequestLogging)
	router.HandleFunc("/health", h.HandleHealth).Methods(http.MethodGet)

	api := router.PathPrefix("/api").Subrouter()
	api.Use(authService.RequireAuth)
	api.HandleFunc("/credentials/{pool}/{id}/refresh", h.HandleRefresh).Methods(http.MethodPost)
	api.HandleFunc("/credentials/{pool}/{id}/revoke", h.HandleRevoke).Methods(http.MethodPost)

	return router
}

type refreshResponse struct {
	CredentialID        string `json:"credential_id"`
	Pool                string `json:"pool"`
	Status              string `json:"status"`
	RotatedRefreshToken bool   `json:"rotated_refresh_token"`
	RetryCount          int    `json:"retry_count"`
	DurationMs          int64  `json:"duration_ms"`
	Error               string `json:"error,omitempty"`
	ErrorCode           string `json:"error_code,omitempty"`
}

// HandleRefresh triggers an on-demand refresh of a single credential,
// using the same advisory-lock path as the batch runs.
func (h *Handlers) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	pool, id, ok := h.credentialVars(w, r)
	if !ok {
		return
	}

	result := h.coordinator.RefreshOne(r.Context(), pool, id)

	response := refreshResponse{
		CredentialID:        result.CredentialID,
		Pool:                string(result.Pool),
		Status:              string(result.Status),
		RotatedRefreshToken: result.RotatedRefreshToken,
		RetryCount:          result.RetryCount,
		DurationMs:          result.Duration.Milliseconds(),
	}
	if result.Err != nil {
		response.Error = result.Err.Error()
		response.ErrorCode = errors.GetCode(result.Err)
	}

	switch result.Status {
	case oauth.StatusSuccess:
		h.writeJSON(w, http.StatusOK, response)
	case oauth.StatusSkipped:
		// Another worker holds the lock; the refresh is already underway.
		h.writeJSON(w, http.StatusConflict, response)
	default:
		if errors.IsType(result.Err, errors.ErrTypeNotFound) {
			h.writeJSON(w, http.StatusNotFound, response)
			return
		}
		h.writeJSON(w, http.StatusUnprocessableEntity, response)
	}
}

// HandleRevoke marks a credential revoked so it drops out of refresh
// sweeps and downstream use.
func (h *Handlers) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	pool, id, ok := h.credentialVars(w, r)
	if !ok {
		return
	}

	if err := h.credStore.MarkRevoked(r.Context(), pool, id); err != nil {
		if errors.IsType(err, errors.ErrTypeNotFound) {
			h.writeError(w, http.StatusNotFound, "credential not found")
			return
		}
		h.logger.Error("failed to revoke credential", err,
			logging.String("credential_id", id),
			logging.String("pool", string(pool)))
		h.writeError(w, http.StatusInternalServerError, "failed to revoke credential")
		return
	}

	h.logger.Info("credential revoked",
		logging.String("credential_id", id),
		logging.String("pool", string(pool)))
	w.WriteHeader(http.StatusNoContent)
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
	Time   time.Time         `json:"time"`
}

func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	response := healthResponse{
		Status: "ok",
		Checks: map[string]string{},
		Time:   time.Now().UTC(),
	}
	status := http.StatusOK

	if err := h.credStore.Health(); err != nil {
		response.Checks["store"] = err.Error()
		response.Status = "degraded"
		status = http.StatusServiceUnavailable
	} else {
		response.Checks["store"] = "ok"
	}

	if err := h.redisClient.Health(); err != nil {
		response.Checks["redis"] = err.Error()
		response.Status = "degraded"
		status = http.StatusServiceUnavailable
	} else {
		response.Checks["redis"] = "ok"
	}

	h.writeJSON(w, status, response)
}

func (h *Handlers) credentialVars(w http.ResponseWriter, r *http.Request) (store.Pool, string, bool) {
	vars := mux.Vars(r)
	pool := store.Pool(vars["pool"])
	id := vars["id"]

	if !pool.Valid() {
		h.writeError(w, http.StatusBadRequest, "pool must be 'shared' or 'user'")
		return "", "", false
	}
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "credential id is required")
		return "", "", false
	}
	return pool, id, true
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Warn("failed to encode response", logging.Err(err))
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}
