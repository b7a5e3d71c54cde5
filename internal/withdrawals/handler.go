package withdrawals

import (
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"vaultpay/internal/httputil"
	"vaultpay/internal/ledger"
	"vaultpay/internal/model"
	"vaultpay/internal/notify"
	"vaultpay/internal/payout"
	"vaultpay/internal/security"
	"vaultpay/internal/types"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const maxCallbackBody = 1 << 20

type Handler struct {
	svc       *Service
	providers *payout.Registry
	sink      notify.Sink
	logger    *zap.Logger
}

func NewHandler(svc *Service, providers *payout.Registry, sink notify.Sink, logger *zap.Logger) *Handler {
	return &Handler{svc: svc, providers: providers, sink: sink, logger: logger}
}

type methodInfo struct {
	Provider   string   `json:"provider"`
	Currencies []string `json:"currencies"`
	Kind       string   `json:"kind"`
}

// Methods lists the payout rails available for new withdrawal requests.
func (h *Handler) Methods(w http.ResponseWriter, r *http.Request, userID string) {
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"methods": []methodInfo{
			{Provider: string(types.ProviderCryptomus), Currencies: []string{"BTC", "ETH", "USDT"}, Kind: "crypto"},
			{Provider: string(types.ProviderNOWPayments), Currencies: []string{"BTC", "ETH", "USDT"}, Kind: "crypto"},
		},
	})
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request, userID string) {
	var req struct {
		Currency           string          `json:"currency"`
		Amount             decimal.Decimal `json:"amount"`
		DestinationAddress string          `json:"destination_address"`
		Provider           string          `json:"provider"`
	}
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	currency, ok := types.ParseCurrency(req.Currency)
	if !ok {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "unsupported currency"})
		return
	}
	provider, ok := types.ParseProvider(req.Provider)
	if !ok && !currency.IsFiat() {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "unsupported provider"})
		return
	}

	created, err := h.svc.Create(r.Context(), CreateParams{
		UserID:             userID,
		OriginIP:           clientIP(r),
		Currency:           currency,
		Amount:             req.Amount,
		DestinationAddress: strings.TrimSpace(req.DestinationAddress),
		Provider:           provider,
	})
	if err != nil {
		var denied *security.DeniedError
		switch {
		case errors.As(err, &denied):
			httputil.WriteJSON(w, http.StatusForbidden, httputil.ErrorResponse{Error: denied.Reason, Hint: denied.Hint})
		case errors.Is(err, ledger.ErrInsufficientFunds):
			httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "insufficient balance"})
		case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrAddressRequired):
			httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: err.Error()})
		default:
			h.logger.Error("create withdrawal", zap.String("user_id", userID), zap.Error(err))
			httputil.WriteJSON(w, http.StatusInternalServerError, httputil.ErrorResponse{Error: "failed to create withdrawal"})
		}
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, map[string]any{"withdrawal": created})
}

func (h *Handler) ListMine(w http.ResponseWriter, r *http.Request, userID string) {
	list, err := h.svc.ListByUser(r.Context(), userID)
	if err != nil {
		h.logger.Error("list withdrawals", zap.String("user_id", userID), zap.Error(err))
		httputil.WriteJSON(w, http.StatusInternalServerError, httputil.ErrorResponse{Error: "failed to load withdrawals"})
		return
	}
	if list == nil {
		list = []model.Withdrawal{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"withdrawals": list})
}

// ListAll is the admin view; ?status= narrows to one lifecycle state.
func (h *Handler) ListAll(w http.ResponseWriter, r *http.Request, adminID string) {
	var status types.WithdrawalStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		parsed, ok := types.ParseWithdrawalStatus(raw)
		if !ok {
			httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "unknown status filter"})
			return
		}
		status = parsed
	}
	list, err := h.svc.List(r.Context(), status)
	if err != nil {
		h.logger.Error("list all withdrawals", zap.Error(err))
		httputil.WriteJSON(w, http.StatusInternalServerError, httputil.ErrorResponse{Error: "failed to load withdrawals"})
		return
	}
	if list == nil {
		list = []model.Withdrawal{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"withdrawals": list})
}

// Dispose is the admin decision endpoint: approve pushes the payout to the
// provider, reject refunds the debit.
func (h *Handler) Dispose(w http.ResponseWriter, r *http.Request, adminID string) {
	id := chi.URLParam(r, "id")
	var req struct {
		Action     string           `json:"action"`
		Notes      string           `json:"notes"`
		TxHash     string           `json:"tx_hash"`
		NetworkFee *decimal.Decimal `json:"network_fee"`
	}
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: err.Error()})
		return
	}

	var (
		updated model.Withdrawal
		err     error
	)
	switch req.Action {
	case "approve":
		updated, err = h.svc.Approve(r.Context(), id, adminID, req.Notes, strings.TrimSpace(req.TxHash), req.NetworkFee)
	case "reject":
		updated, err = h.svc.Reject(r.Context(), id, adminID, req.Notes)
	default:
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "action must be approve or reject"})
		return
	}
	if err != nil {
		var adapterErr *payout.AdapterError
		switch {
		case errors.Is(err, ErrNotFound):
			httputil.WriteJSON(w, http.StatusNotFound, httputil.ErrorResponse{Error: "withdrawal not found"})
		case errors.Is(err, ErrInvalidTransition):
			httputil.WriteJSON(w, http.StatusConflict, httputil.ErrorResponse{Error: "withdrawal is not in a state that allows this action"})
		case errors.As(err, &adapterErr):
			httputil.WriteJSON(w, http.StatusBadGateway, httputil.ErrorResponse{
				Error: "payout provider error",
				Hint:  "the withdrawal is still pending and can be retried",
			})
		default:
			h.logger.Error("dispose withdrawal", zap.String("withdrawal_id", id), zap.Error(err))
			httputil.WriteJSON(w, http.StatusInternalServerError, httputil.ErrorResponse{Error: "failed to update withdrawal"})
		}
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"withdrawal": updated})
}

// PayoutCallback receives provider settlement notifications. The signature is
// checked before anything in the body is trusted. Verified callbacks are
// always acknowledged with 200, including ones referencing unknown requests:
// providers retry on non-2xx and a retry cannot make an unknown reference
// known.
func (h *Handler) PayoutCallback(w http.ResponseWriter, r *http.Request) {
	provider, ok := types.ParseProvider(chi.URLParam(r, "provider"))
	if !ok {
		httputil.WriteJSON(w, http.StatusNotFound, httputil.ErrorResponse{Error: "unknown provider"})
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBody))
	if err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "failed to read body"})
		return
	}

	adapter := h.providers.ForProvider(provider)
	cb, err := adapter.VerifyCallback(body, r.Header.Get(payout.SignatureHeader(provider)))
	if err != nil {
		if errors.Is(err, payout.ErrInvalidSignature) {
			h.logger.Warn("callback signature rejected",
				zap.String("provider", string(provider)),
				zap.String("remote_addr", r.RemoteAddr))
			h.sink.Record(r.Context(), notify.Event{
				Type:  notify.EventInvalidSignature,
				Admin: true,
				Data:  map[string]any{"provider": string(provider), "remote_addr": r.RemoteAddr},
				At:    time.Now().UTC(),
			})
			httputil.WriteJSON(w, http.StatusUnauthorized, httputil.ErrorResponse{Error: "invalid signature"})
			return
		}
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "malformed callback"})
		return
	}

	if err := h.svc.Reconcile(r.Context(), cb); err != nil {
		// Ack anyway: the callback is authentic and retrying it will not
		// change the outcome. Operators act on the log.
		h.logger.Warn("callback not applied",
			zap.String("provider", string(provider)),
			zap.String("external_ref", cb.ExternalRef),
			zap.String("status", string(cb.Status)),
			zap.Error(err))
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// clientIP prefers proxy-set headers so the gate sees the real origin when
// the service runs behind a load balancer.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	if real := r.Header.Get("X-Real-Ip"); real != "" {
		return strings.TrimSpace(real)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
