package handlers

import (
	"context"
	"net/http"

	"tradeengine/internal/models"
)

// TradeReader - история закрытых сделок
type TradeReader interface {
	Recent(ctx context.Context, limit int) ([]*models.Trade, error)
}

// OrderReader - журнал ордеров
type OrderReader interface {
	Recent(ctx context.Context, status models.OrderStatus, limit int) ([]*models.Order, error)
}

// ReconciliationReader - история сверок
type ReconciliationReader interface {
	Recent(ctx context.Context, limit int) ([]*models.ReconciliationRecord, error)
}

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
)

// HistoryHandler - чтение журналов: сделки, ордера, сверки
type HistoryHandler struct {
	trades          TradeReader
	orders          OrderReader
	reconciliations ReconciliationReader
}

func NewHistoryHandler(trades TradeReader, orders OrderReader, reconciliations ReconciliationReader) *HistoryHandler {
	return &HistoryHandler{trades: trades, orders: orders, reconciliations: reconciliations}
}

// GetTrades - GET /api/v1/trades?limit=
func (h *HistoryHandler) GetTrades(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, defaultHistoryLimit, maxHistoryLimit)
	if err != nil {
		respondError(w, err)
		return
	}
	trades, err := h.trades.Recent(r.Context(), limit)
	if err != nil {
		respondError(w, err)
		return
	}
	if trades == nil {
		trades = []*models.Trade{}
	}
	respondJSON(w, http.StatusOK, trades)
}

var orderStatuses = map[models.OrderStatus]bool{
	models.OrderStatusPending:         true,
	models.OrderStatusPartiallyFilled: true,
	models.OrderStatusFilled:          true,
	models.OrderStatusCancelled:       true,
	models.OrderStatusRejected:        true,
	models.OrderStatusUnknown:         true,
}

// GetOrders - GET /api/v1/orders?status=&limit=
func (h *HistoryHandler) GetOrders(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, defaultHistoryLimit, maxHistoryLimit)
	if err != nil {
		respondError(w, err)
		return
	}
	status := models.OrderStatus(r.URL.Query().Get("status"))
	if status != "" && !orderStatuses[status] {
		respondError(w, badRequest("unknown order status "+string(status)))
		return
	}
	orders, err := h.orders.Recent(r.Context(), status, limit)
	if err != nil {
		respondError(w, err)
		return
	}
	if orders == nil {
		orders = []*models.Order{}
	}
	respondJSON(w, http.StatusOK, orders)
}

// GetReconciliations - GET /api/v1/reconciliations?limit=
func (h *HistoryHandler) GetReconciliations(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, 20, 500)
	if err != nil {
		respondError(w, err)
		return
	}
	recs, err := h.reconciliations.Recent(r.Context(), limit)
	if err != nil {
		respondError(w, err)
		return
	}
	if recs == nil {
		recs = []*models.ReconciliationRecord{}
	}
	respondJSON(w, http.StatusOK, recs)
}
