package funds

import (
	"net/http"

	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-bullion/internal/common"
	"github.com/noah-isme/backend-bullion/internal/pricing"
)

// Handler exposes the caller's balance.
type Handler struct {
	Repo   Repository
	Logger zerolog.Logger
}

type balanceResponse struct {
	AccountID    string        `json:"accountId"`
	BalanceMinor pricing.Money `json:"balanceMinor"`
	Balance      string        `json:"balance"`
}

// Me handles GET /accounts/me/funds.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	userID, ok := common.UserID(r.Context())
	if !ok || userID == "" {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required", nil)
		return
	}
	balance, err := h.Repo.Balance(r.Context(), userID)
	if err != nil {
		h.Logger.Error().Err(err).Str("account_id", userID).Msg("funds_lookup_failed")
		common.JSONError(w, http.StatusServiceUnavailable, "FUNDS_UNAVAILABLE", "unable to load balance", nil)
		return
	}
	common.Data(w, http.StatusOK, balanceResponse{
		AccountID:    userID,
		BalanceMinor: balance,
		Balance:      pricing.FormatMoney(balance),
	})
}
