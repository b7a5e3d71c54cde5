package security

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"vaultpay/internal/cache"
	"vaultpay/internal/httputil"
	"vaultpay/internal/model"
	"vaultpay/internal/types"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const verifyTokenTTL = time.Hour

// Handler exposes the self-service allow-list endpoints. Adding an address
// stores it unverified and issues a one-time token; the Gate only honors
// verified entries.
type Handler struct {
	store  Store
	tokens cache.Cache
	logger *zap.Logger
}

func NewHandler(store Store, tokens cache.Cache, logger *zap.Logger) *Handler {
	return &Handler{store: store, tokens: tokens, logger: logger}
}

func (h *Handler) ListIPs(w http.ResponseWriter, r *http.Request, userID string) {
	ips, err := h.store.ListIPs(r.Context(), userID)
	if err != nil {
		h.logger.Error("list whitelisted ips", zap.String("user_id", userID), zap.Error(err))
		httputil.WriteJSON(w, http.StatusInternalServerError, httputil.ErrorResponse{Error: "failed to load whitelist"})
		return
	}
	if ips == nil {
		ips = []string{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"ips": ips})
}

func (h *Handler) AddIP(w http.ResponseWriter, r *http.Request, userID string) {
	var req struct {
		IP string `json:"ip"`
	}
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	ip := strings.TrimSpace(req.IP)
	if net.ParseIP(ip) == nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "invalid IP address format"})
		return
	}
	if err := h.store.AddIP(r.Context(), userID, ip); err != nil {
		if errors.Is(err, ErrAlreadyWhitelisted) {
			httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "IP already whitelisted"})
			return
		}
		h.logger.Error("add whitelisted ip", zap.String("user_id", userID), zap.Error(err))
		httputil.WriteJSON(w, http.StatusInternalServerError, httputil.ErrorResponse{Error: "failed to add IP"})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"ip": ip})
}

func (h *Handler) RemoveIP(w http.ResponseWriter, r *http.Request, userID string) {
	ip := chi.URLParam(r, "ip")
	if err := h.store.RemoveIP(r.Context(), userID, ip); err != nil {
		if errors.Is(err, ErrNotFound) {
			httputil.WriteJSON(w, http.StatusNotFound, httputil.ErrorResponse{Error: "IP not found in whitelist"})
			return
		}
		h.logger.Error("remove whitelisted ip", zap.String("user_id", userID), zap.Error(err))
		httputil.WriteJSON(w, http.StatusInternalServerError, httputil.ErrorResponse{Error: "failed to remove IP"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ListAddresses(w http.ResponseWriter, r *http.Request, userID string) {
	addresses, err := h.store.ListAddresses(r.Context(), userID)
	if err != nil {
		h.logger.Error("list whitelisted addresses", zap.String("user_id", userID), zap.Error(err))
		httputil.WriteJSON(w, http.StatusInternalServerError, httputil.ErrorResponse{Error: "failed to load whitelist"})
		return
	}
	if addresses == nil {
		addresses = []model.WhitelistedAddress{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"addresses": addresses})
}

func (h *Handler) AddAddress(w http.ResponseWriter, r *http.Request, userID string) {
	var req struct {
		Address  string `json:"address"`
		Currency string `json:"currency"`
		Label    string `json:"label"`
	}
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	currency, ok := types.ParseCurrency(req.Currency)
	if !ok || currency.IsFiat() {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "unsupported currency"})
		return
	}
	address := strings.TrimSpace(req.Address)
	if address == "" {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "address is required"})
		return
	}
	entry, err := h.store.AddAddress(r.Context(), model.WhitelistedAddress{
		UserID:   userID,
		Currency: currency,
		Address:  address,
		Label:    strings.TrimSpace(req.Label),
	})
	if err != nil {
		if errors.Is(err, ErrAlreadyWhitelisted) {
			httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "address already whitelisted"})
			return
		}
		h.logger.Error("add whitelisted address", zap.String("user_id", userID), zap.Error(err))
		httputil.WriteJSON(w, http.StatusInternalServerError, httputil.ErrorResponse{Error: "failed to add address"})
		return
	}
	token, err := h.issueVerifyToken(r, entry.ID)
	if err != nil {
		h.logger.Error("issue verification token", zap.String("entry_id", entry.ID), zap.Error(err))
		httputil.WriteJSON(w, http.StatusInternalServerError, httputil.ErrorResponse{Error: "failed to issue verification token"})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"address":            entry,
		"verification_token": token,
		"message":            "address added, verification required before use",
	})
}

func (h *Handler) VerifyAddress(w http.ResponseWriter, r *http.Request, userID string) {
	id := chi.URLParam(r, "id")
	var req struct {
		Token string `json:"token"`
	}
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	stored, err := h.tokens.Get(r.Context(), verifyTokenKey(id))
	if err != nil || stored == "" || stored != strings.TrimSpace(req.Token) {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "invalid or expired verification token"})
		return
	}
	entry, err := h.store.VerifyAddress(r.Context(), userID, id)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			httputil.WriteJSON(w, http.StatusNotFound, httputil.ErrorResponse{Error: "address not found"})
		case errors.Is(err, ErrAlreadyVerified):
			httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "address already verified"})
		default:
			h.logger.Error("verify whitelisted address", zap.String("entry_id", id), zap.Error(err))
			httputil.WriteJSON(w, http.StatusInternalServerError, httputil.ErrorResponse{Error: "failed to verify address"})
		}
		return
	}
	_ = h.tokens.Delete(r.Context(), verifyTokenKey(id))
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"address": entry})
}

func (h *Handler) RemoveAddress(w http.ResponseWriter, r *http.Request, userID string) {
	id := chi.URLParam(r, "id")
	if err := h.store.RemoveAddress(r.Context(), userID, id); err != nil {
		if errors.Is(err, ErrNotFound) {
			httputil.WriteJSON(w, http.StatusNotFound, httputil.ErrorResponse{Error: "address not found"})
			return
		}
		h.logger.Error("remove whitelisted address", zap.String("entry_id", id), zap.Error(err))
		httputil.WriteJSON(w, http.StatusInternalServerError, httputil.ErrorResponse{Error: "failed to remove address"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) issueVerifyToken(r *http.Request, entryID string) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	token := hex.EncodeToString(buf)
	if err := h.tokens.Set(r.Context(), verifyTokenKey(entryID), token, verifyTokenTTL); err != nil {
		return "", err
	}
	return token, nil
}

func verifyTokenKey(entryID string) string {
	return "addrverify:" + entryID
}
