package models

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/aquasense/inference-runner/pkg/logging"
)

// Handler exposes the registry over HTTP.
type Handler struct {
	log      logging.Logger
	registry *Registry
	router   *http.ServeMux
}

// NewHandler creates a registry HTTP handler.
func NewHandler(log logging.Logger, registry *Registry) *Handler {
	h := &Handler{
		log:      log,
		registry: registry,
		router:   http.NewServeMux(),
	}
	h.router.HandleFunc("GET /v1/models", h.handleList)
	h.router.HandleFunc("POST /v1/models/{version}/load", h.handleLoad)
	h.router.HandleFunc("DELETE /v1/models/{version}", h.handleEvict)
	return h
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.registry.Health()); err != nil {
		h.log.Warnln("Error while encoding model list:", err)
	}
}

func (h *Handler) handleLoad(w http.ResponseWriter, r *http.Request) {
	version := r.PathValue("version")
	force := r.URL.Query().Get("force") == "true"
	handle, err := h.registry.Load(r.Context(), version, force)
	if err != nil {
		if errors.Is(err, ErrModelNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		if errors.Is(err, ErrModelCorrupt) || errors.Is(err, ErrUnsupportedArchitecture) {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer handle.Release()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(handle.Status()); err != nil {
		h.log.Warnln("Error while encoding model status:", err)
	}
}

func (h *Handler) handleEvict(w http.ResponseWriter, r *http.Request) {
	if !h.registry.Evict(r.PathValue("version")) {
		http.Error(w, "model not loaded", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetRoutes returns the routes the handler serves.
func (h *Handler) GetRoutes() []string {
	return []string{
		"GET /v1/models",
		"POST /v1/models/{version}/load",
		"DELETE /v1/models/{version}",
	}
}

// ServeHTTP implements net/http.Handler.ServeHTTP.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}
