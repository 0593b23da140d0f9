// Package api is the internal, read-only ops API over the settlement state.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/atmx/settlement-engine/internal/ledger"
	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/store"
)

// Handler serves read-only views of wallets, trades, vaults and bots.
type Handler struct {
	store  store.Store
	logger *slog.Logger
}

func NewHandler(s store.Store, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{store: s, logger: logger}
}

// RouterConfig carries the pieces of the ops router outside the handler.
type RouterConfig struct {
	Service     string
	Consistency string
	Feed        http.HandlerFunc // websocket event feed; nil disables /api/v1/ws
}

// NewRouter mounts health, metrics, the event feed and the read API.
func NewRouter(h *Handler, cfg RouterConfig) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":      "ok",
			"service":     cfg.Service,
			"consistency": cfg.Consistency,
		})
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if cfg.Feed != nil {
			r.Get("/ws", cfg.Feed)
		}
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			h.Routes(r)
		})
	})
	return r
}

// Routes registers the read endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/wallets/{userID}", h.GetWallet)
	r.Get("/wallets/{userID}/ledger", h.GetLedger)
	r.Get("/wallets/{userID}/reconcile", h.Reconcile)
	r.Get("/trades/{tradeID}", h.GetTrade)
	r.Get("/vaults/{vaultID}", h.GetVault)
	r.Get("/vaults/{vaultID}/participations", h.ListParticipations)
	r.Get("/vaults/{vaultID}/reconcile", h.ReconcileVault)
	r.Get("/bots/{botID}", h.GetBot)
}

func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := h.store.GetWallet(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.fail(w, r, "wallet", err)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	wallet, err := h.store.GetWallet(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.fail(w, r, "wallet", err)
		return
	}
	entries, err := h.store.LedgerEntriesByWallet(r.Context(), wallet.ID)
	if err != nil {
		h.fail(w, r, "ledger", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"wallet_id": wallet.ID,
		"entries":   entries,
	})
}

func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	report, err := ledger.Reconcile(r.Context(), h.store, chi.URLParam(r, "userID"))
	if err != nil {
		h.fail(w, r, "wallet", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) GetTrade(w http.ResponseWriter, r *http.Request) {
	t, err := h.store.GetTrade(r.Context(), chi.URLParam(r, "tradeID"))
	if err != nil {
		h.fail(w, r, "trade", err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handler) GetVault(w http.ResponseWriter, r *http.Request) {
	v, err := h.store.GetVault(r.Context(), chi.URLParam(r, "vaultID"))
	if err != nil {
		h.fail(w, r, "vault", err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *Handler) ReconcileVault(w http.ResponseWriter, r *http.Request) {
	report, err := ledger.ReconcileVault(r.Context(), h.store, chi.URLParam(r, "vaultID"))
	if err != nil {
		h.fail(w, r, "vault", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) ListParticipations(w http.ResponseWriter, r *http.Request) {
	vaultID := chi.URLParam(r, "vaultID")
	if _, err := h.store.GetVault(r.Context(), vaultID); err != nil {
		h.fail(w, r, "vault", err)
		return
	}
	parts, err := h.store.ListParticipations(r.Context(), vaultID)
	if err != nil {
		h.fail(w, r, "participations", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"vault_id":       vaultID,
		"participations": parts,
	})
}

func (h *Handler) GetBot(w http.ResponseWriter, r *http.Request) {
	b, err := h.store.GetBot(r.Context(), chi.URLParam(r, "botID"))
	if err != nil {
		h.fail(w, r, "bot", err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, what string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, what+" not found", http.StatusNotFound)
		return
	}
	h.logger.Error("api read failed",
		"path", r.URL.Path,
		"request_id", middleware.GetReqID(r.Context()),
		"error", err,
	)
	writeError(w, "internal error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
