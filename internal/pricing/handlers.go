package pricing

import (
	"errors"
	"net/http"

	"github.com/noah-isme/backend-bullion/internal/common"
)

// QuoteSource returns the latest spot snapshot.
type QuoteSource interface {
	Latest() Quotes
}

// Handler exposes stateless order-total computation.
type Handler struct {
	Svc    *Service
	Quotes QuoteSource
}

type orderTotalsResponse struct {
	OrderTotals
	NetPayout *Money      `json:"netPayout,omitempty"`
	Quotes    []SpotQuote `json:"quotes"`
}

// OrderTotals handles POST /pricing/order-totals.
func (h *Handler) OrderTotals(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Svc == nil || h.Quotes == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "pricing service not configured", nil)
		return
	}
	var req TotalsRequest
	if err := common.DecodeJSON(r, &req, false); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return
	}

	quotes := h.Quotes.Latest()
	in, err := req.Input(quotes)
	var infeasible *InfeasibleOverrideError
	switch {
	case errors.As(err, &infeasible):
		common.JSONError(w, http.StatusUnprocessableEntity, "PAYMENT_METHOD_INFEASIBLE", err.Error(),
			map[string]any{"baseTotal": infeasible.BaseTotal, "beginningFunds": infeasible.BeginningFunds, "fallbackMethod": infeasible.Fallback})
		return
	case errors.Is(err, ErrUnsupportedOverride):
		// Card and split payment are chosen by the resolver; only stored funds can be forced.
		common.JSONError(w, http.StatusBadRequest, "PAYMENT_METHOD_NOT_OVERRIDABLE", err.Error(),
			map[string]any{"overridable": []PaymentMethod{MethodFunds}})
		return
	case errors.Is(err, ErrUnknownPaymentMethod) && req.Side == Sell:
		common.JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), map[string]any{"allowed": PayoutMethods})
		return
	case err != nil:
		common.JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return
	}

	totals, err := h.Svc.ComputeOrderTotals(r.Context(), in)
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return
	}
	resp := orderTotalsResponse{OrderTotals: totals, Quotes: quotes.List()}
	if totals.Side == Sell {
		net := totals.NetPayout()
		resp.NetPayout = &net
	}
	common.Data(w, http.StatusOK, resp)
}
