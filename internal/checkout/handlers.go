package checkout

import (
	"net/http"
	"slices"

	"github.com/go-chi/chi/v5"

	"github.com/noah-isme/backend-bullion/internal/common"
	"github.com/noah-isme/backend-bullion/internal/pricing"
)

// Handler exposes checkout sessions over HTTP.
type Handler struct {
	Svc *Service
}

type createRequest struct {
	Side pricing.Side `json:"side"`
}

type overrideRequest struct {
	Enabled *bool `json:"enabled"`
}

type submitRequest struct {
	InstrumentRef string `json:"instrumentRef"`
}

// Create handles POST /checkout/sessions.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	var payload createRequest
	if err := common.DecodeJSON(r, &payload, true); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return
	}
	view, err := h.Svc.Create(r.Context(), payload.Side)
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.Data(w, http.StatusCreated, view)
}

// Get handles GET /checkout/sessions/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	view, err := h.Svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	common.Data(w, http.StatusOK, view)
}

// Event handles POST /checkout/sessions/{id}/events.
func (h *Handler) Event(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	var ev Event
	if err := common.DecodeJSON(r, &ev, false); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return
	}
	if !slices.Contains(ClientEvents, ev.Type) {
		common.JSONError(w, http.StatusBadRequest, "EVENT_NOT_ALLOWED", "event type cannot be sent by clients", map[string]any{"type": ev.Type})
		return
	}
	view, err := h.Svc.Apply(r.Context(), chi.URLParam(r, "id"), ev)
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.Data(w, http.StatusOK, view)
}

// Override handles POST /checkout/sessions/{id}/override.
func (h *Handler) Override(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	var payload overrideRequest
	if err := common.DecodeJSON(r, &payload, false); err != nil || payload.Enabled == nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "enabled is required", nil)
		return
	}
	view, err := h.Svc.Override(r.Context(), chi.URLParam(r, "id"), *payload.Enabled)
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.Data(w, http.StatusOK, view)
}

// Submit handles POST /checkout/sessions/{id}/submit.
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	var payload submitRequest
	if err := common.DecodeJSON(r, &payload, true); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return
	}
	view, receipt, err := h.Svc.Submit(r.Context(), chi.URLParam(r, "id"), payload.InstrumentRef)
	if err != nil {
		h.writeError(w, err)
		return
	}
	status := http.StatusCreated
	if receipt.Queued {
		status = http.StatusAccepted
	}
	common.JSON(w, status, map[string]any{"data": view, "receipt": receipt})
}

func (h *Handler) ready(w http.ResponseWriter) bool {
	if h == nil || h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "checkout service not configured", nil)
		return false
	}
	return true
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	common.WriteError(w, err, "checkout failed")
}
