// Package api exposes the paper engine over HTTP/JSON with chi.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/paper-engine/internal/engine"
	"github.com/atmx/paper-engine/internal/model"
	"github.com/atmx/paper-engine/internal/notify"
	"github.com/atmx/paper-engine/internal/pnl"
)

const maxBodyBytes = 1 << 20

// Handler serves the /api/v1 routes.
type Handler struct {
	engine         *engine.Engine
	pnl            *pnl.Aggregator
	hub            *notify.Hub // optional; nil disables /ws
	defaultCapital decimal.Decimal
}

// NewHandler creates the API handler. Pass nil for hub if WebSocket
// streaming is not needed.
func NewHandler(eng *engine.Engine, agg *pnl.Aggregator, hub *notify.Hub, defaultCapital decimal.Decimal) *Handler {
	return &Handler{
		engine:         eng,
		pnl:            agg,
		hub:            hub,
		defaultCapital: defaultCapital,
	}
}

// Routes registers the API on r. Mount it under /api/v1.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/accounts", h.CreateAccount)
	r.Get("/accounts/{accountID}", h.GetAccount)

	r.Get("/option-chain", h.GetOptionChain)

	r.Post("/orders", h.PlaceOrder)
	r.Get("/orders", h.ListOrders)
	r.Get("/orders/{orderID}", h.GetOrder)
	r.Post("/orders/{orderID}/cancel", h.CancelOrder)

	r.Get("/positions", h.GetPositions)
	r.Get("/pnl", h.GetPnL)
	r.Get("/ledger", h.GetLedger)

	if h.hub != nil {
		r.Get("/ws", h.StreamPnL)
	}
}

// --- Request/Response types ---

// CreateAccountRequest is the JSON body for POST /accounts.
type CreateAccountRequest struct {
	BaseCapital *decimal.Decimal `json:"base_capital,omitempty"` // nil → configured default
}

// CancelOrderResponse is the JSON body returned from POST /orders/{id}/cancel.
type CancelOrderResponse struct {
	Success bool   `json:"success"`
	OrderID string `json:"order_id"`
}

// --- HTTP Handlers ---

// CreateAccount handles POST /api/v1/accounts
func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := decode(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	capital := h.defaultCapital
	if req.BaseCapital != nil {
		capital = *req.BaseCapital
	}

	acc, err := h.engine.CreateAccount(r.Context(), capital)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, acc)
}

// GetAccount handles GET /api/v1/accounts/{accountID}
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	acc, err := h.engine.GetAccount(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

// GetOptionChain handles GET /api/v1/option-chain?underlying=NIFTY&expiry=2025-08-14
func (h *Handler) GetOptionChain(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var expiry *time.Time
	if s := q.Get("expiry"); s != "" {
		t, err := time.Parse(time.DateOnly, s)
		if err != nil {
			writeError(w, "expiry must be YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		expiry = &t
	}

	chain, err := h.engine.OptionChain(r.Context(), q.Get("underlying"), expiry)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chain)
}

// PlaceOrder handles POST /api/v1/orders
// Creates the order and attempts an immediate fill; the response status
// is OPEN or FILLED.
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req engine.PlaceOrderRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	order, err := h.engine.PlaceOrder(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

// ListOrders handles GET /api/v1/orders?account_id=
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.engine.ListOrders(r.Context(), r.URL.Query().Get("account_id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

// GetOrder handles GET /api/v1/orders/{orderID}
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.engine.GetOrder(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// CancelOrder handles POST /api/v1/orders/{orderID}/cancel
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	if err := h.engine.CancelOrder(r.Context(), orderID); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CancelOrderResponse{Success: true, OrderID: orderID})
}

// GetPositions handles GET /api/v1/positions?account_id=
func (h *Handler) GetPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := h.engine.GetPositions(r.Context(), r.URL.Query().Get("account_id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, positions)
}

// GetPnL handles GET /api/v1/pnl?account_id=
func (h *Handler) GetPnL(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("account_id")
	if accountID == "" {
		writeError(w, "account_id is required", http.StatusBadRequest)
		return
	}
	snapshot, err := h.pnl.GetAccountPnL(r.Context(), accountID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

// GetLedger handles GET /api/v1/ledger?account_id=
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("account_id")
	if accountID == "" {
		writeError(w, "account_id is required", http.StatusBadRequest)
		return
	}
	entries, err := h.engine.ListLedger(r.Context(), accountID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// StreamPnL handles GET /api/v1/ws?account_id=
// Upgrades to a WebSocket that receives the account's P&L after each fill.
func (h *Handler) StreamPnL(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("account_id")
	if accountID == "" {
		writeError(w, "account_id is required", http.StatusBadRequest)
		return
	}
	if _, err := h.engine.GetAccount(r.Context(), accountID); err != nil {
		writeErr(w, err)
		return
	}
	h.hub.Subscribe(w, r, accountID)
}

// --- Helpers ---

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInvalidParameters):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrInvalidState), errors.Is(err, model.ErrLimitExceeded):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeErr writes err with its mapped status. Internal errors are logged
// and not echoed to the client.
func writeErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
