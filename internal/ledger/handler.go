package ledger

import (
	"context"
	"net/http"

	"vaultpay/internal/httputil"

	"go.uber.org/zap"
)

type BalanceSource interface {
	BalancesByUser(ctx context.Context, userID string) ([]Balance, error)
}

type Handler struct {
	src    BalanceSource
	logger *zap.Logger
}

func NewHandler(src BalanceSource, logger *zap.Logger) *Handler {
	return &Handler{src: src, logger: logger}
}

func (h *Handler) Balances(w http.ResponseWriter, r *http.Request, userID string) {
	balances, err := h.src.BalancesByUser(r.Context(), userID)
	if err != nil {
		h.logger.Error("list balances", zap.String("user_id", userID), zap.Error(err))
		httputil.WriteJSON(w, http.StatusInternalServerError, httputil.ErrorResponse{Error: "failed to load balances"})
		return
	}
	if balances == nil {
		balances = []Balance{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"balances": balances})
}
