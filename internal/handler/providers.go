package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"pluginlookup/internal/connection"
	"pluginlookup/internal/domain"
	"pluginlookup/internal/supervisor"
)

// Supervisor is the part of *supervisor.Supervisor the API needs
type Supervisor interface {
	List() []*connection.Handle
	Get(id domain.ProviderID) (*connection.Handle, bool)
	Refresh(ctx context.Context) (supervisor.Result, error)
	Playback() (*connection.Handle, bool)
	ConnectPlayback() error
}

// ErrorResponse is the body of every error reply
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// ProviderHandler serves the provider directory
type ProviderHandler struct {
	sup    Supervisor
	logger zerolog.Logger
}

// NewProviderHandler creates a new provider handler
func NewProviderHandler(sup Supervisor, logger zerolog.Logger) *ProviderHandler {
	return &ProviderHandler{sup: sup, logger: logger}
}

// Register adds the provider routes to mux
func (h *ProviderHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/providers", h.ListProviders)
	mux.HandleFunc("GET /api/providers/{id...}", h.GetProvider)
	mux.HandleFunc("POST /api/providers/{path...}", h.ProviderAction)
	mux.HandleFunc("POST /api/refresh", h.Refresh)
	mux.HandleFunc("GET /api/playback", h.GetPlayback)
	mux.HandleFunc("POST /api/playback/connect", h.ConnectPlayback)
}

// ListProviders returns every provider in discovery order
func (h *ProviderHandler) ListProviders(w http.ResponseWriter, r *http.Request) {
	handles := h.sup.List()
	infos := make([]domain.ProviderInfo, 0, len(handles))
	for _, c := range handles {
		infos = append(infos, c.Info())
	}
	h.writeJSON(w, infos, http.StatusOK)
}

// GetProvider returns a single provider. The id is module/entry; the module
// may itself contain slashes.
func (h *ProviderHandler) GetProvider(w http.ResponseWriter, r *http.Request) {
	c, ok := h.lookup(w, r.PathValue("id"))
	if !ok {
		return
	}
	h.writeJSON(w, c.Info(), http.StatusOK)
}

// ProviderAction handles POST {id}/bind and {id}/unbind. Both only request
// the transition; the outcome arrives on the event stream.
func (h *ProviderHandler) ProviderAction(w http.ResponseWriter, r *http.Request) {
	path := r.PathValue("path")
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		h.writeError(w, "Not found", "no action in "+path, http.StatusNotFound)
		return
	}

	action := path[idx+1:]
	if action != "bind" && action != "unbind" {
		h.writeError(w, "Not found", "unknown action "+action, http.StatusNotFound)
		return
	}

	c, ok := h.lookup(w, path[:idx])
	if !ok {
		return
	}
	if action == "bind" {
		c.Bind()
	} else {
		c.Unbind()
	}
	h.writeJSON(w, c.Info(), http.StatusAccepted)
}

// Refresh rescans the registry and reports what changed
func (h *ProviderHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	res, err := h.sup.Refresh(r.Context())
	if err != nil {
		h.logger.Warn().Err(err).Msg("refresh failed")
		status := http.StatusServiceUnavailable
		if errors.Is(err, supervisor.ErrClosed) {
			status = http.StatusConflict
		}
		h.writeError(w, "Refresh failed", err.Error(), status)
		return
	}
	h.writeJSON(w, res, http.StatusOK)
}

// GetPlayback returns the playback connection
func (h *ProviderHandler) GetPlayback(w http.ResponseWriter, r *http.Request) {
	c, ok := h.sup.Playback()
	if !ok {
		h.writeError(w, "Not found", supervisor.ErrNoPlayback.Error(), http.StatusNotFound)
		return
	}
	h.writeJSON(w, c.Info(), http.StatusOK)
}

// ConnectPlayback binds the playback connection
func (h *ProviderHandler) ConnectPlayback(w http.ResponseWriter, r *http.Request) {
	if err := h.sup.ConnectPlayback(); err != nil {
		status := http.StatusConflict
		if errors.Is(err, supervisor.ErrNoPlayback) {
			status = http.StatusNotFound
		}
		h.writeError(w, "Failed to connect playback", err.Error(), status)
		return
	}
	c, _ := h.sup.Playback()
	h.writeJSON(w, c.Info(), http.StatusAccepted)
}

func (h *ProviderHandler) lookup(w http.ResponseWriter, raw string) (*connection.Handle, bool) {
	id, err := domain.ParseProviderID(raw)
	if err != nil {
		h.writeError(w, "Invalid provider ID", err.Error(), http.StatusBadRequest)
		return nil, false
	}
	c, ok := h.sup.Get(id)
	if !ok {
		h.writeError(w, "Not found", "unknown provider "+id.String(), http.StatusNotFound)
		return nil, false
	}
	return c, true
}

func (h *ProviderHandler) writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error().Err(err).Msg("failed to encode JSON")
	}
}

func (h *ProviderHandler) writeError(w http.ResponseWriter, error, details string, statusCode int) {
	h.writeJSON(w, ErrorResponse{Error: error, Details: details}, statusCode)
}
