package spot

import (
	"net/http"

	"github.com/noah-isme/backend-bullion/internal/common"
)

// Handler serves the latest quotes.
type Handler struct {
	Feed *Feed
}

// List handles GET /spot.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	if h.Feed == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "spot feed not configured", nil)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	common.Data(w, http.StatusOK, h.Feed.List())
}
