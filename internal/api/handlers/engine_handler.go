package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"tradeengine/internal/bot"
	"tradeengine/internal/models"
)

// EngineController - операции движка, доступные оператору
type EngineController interface {
	SubmitSignal(ctx context.Context, sig models.Signal) (bot.Decision, error)
	StartTrading()
	StopTrading()
	Status() bot.EngineStatus
	Portfolio() models.PortfolioView
	ClosePosition(ctx context.Context, positionID string) (*models.Trade, error)
	TripBreaker(reason string)
	ResetBreaker()
	Breaker() bot.BreakerStatus
	EmergencyStop(ctx context.Context, flatten bool) (*bot.EmergencyReport, error)
	Reconcile(ctx context.Context) (*models.ReconciliationRecord, error)
}

// EngineHandler - сигналы и управление движком
//
// Endpoints:
//   - POST /api/v1/signals
//   - POST /api/v1/trading/start, /api/v1/trading/stop
//   - GET  /api/v1/status, /api/v1/portfolio, /api/v1/positions
//   - POST /api/v1/positions/{id}/close
//   - GET  /api/v1/breaker, POST /api/v1/breaker/trip, /api/v1/breaker/reset
//   - POST /api/v1/emergency-stop?flatten=true
//   - POST /api/v1/reconcile
type EngineHandler struct {
	engine EngineController
}

func NewEngineHandler(engine EngineController) *EngineHandler {
	return &EngineHandler{engine: engine}
}

// SignalResponse - решение по сигналу.
// Отказ - штатный исход, поэтому отвечаем 200 со status=rejected.
type SignalResponse struct {
	Status       string                 `json:"status"` // accepted | rejected
	Outcome      bot.Outcome            `json:"outcome,omitempty"`
	Reason       bot.RejectReason       `json:"reason,omitempty"`
	Detail       string                 `json:"detail,omitempty"`
	Orders       []*models.Order        `json:"orders,omitempty"`
	Deltas       []models.PositionDelta `json:"deltas,omitempty"`
	OpenRejected *bot.Rejected          `json:"open_rejected,omitempty"`
}

func newSignalResponse(d bot.Decision) SignalResponse {
	switch v := d.(type) {
	case bot.Accepted:
		return SignalResponse{
			Status:       "accepted",
			Outcome:      v.Outcome,
			Orders:       v.Orders,
			Deltas:       v.Deltas,
			OpenRejected: v.OpenRejected,
		}
	case bot.Rejected:
		return SignalResponse{Status: "rejected", Reason: v.Reason, Detail: v.Detail}
	default:
		return SignalResponse{Status: "unknown"}
	}
}

// SubmitSignal принимает торговый сигнал
// POST /api/v1/signals
//
// HTTP коды:
//   - 200 OK: решение принято (accepted или rejected)
//   - 400 Bad Request: некорректный или устаревший сигнал
//   - 503 Service Unavailable: движок не запущен
func (h *EngineHandler) SubmitSignal(w http.ResponseWriter, r *http.Request) {
	var sig models.Signal
	if err := decodeJSON(r, &sig); err != nil {
		respondError(w, err)
		return
	}
	d, err := h.engine.SubmitSignal(r.Context(), sig)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, newSignalResponse(d))
}

// StartTrading - POST /api/v1/trading/start
func (h *EngineHandler) StartTrading(w http.ResponseWriter, r *http.Request) {
	h.engine.StartTrading()
	respondJSON(w, http.StatusOK, h.engine.Status())
}

// StopTrading - POST /api/v1/trading/stop
func (h *EngineHandler) StopTrading(w http.ResponseWriter, r *http.Request) {
	h.engine.StopTrading()
	respondJSON(w, http.StatusOK, h.engine.Status())
}

// GetStatus - GET /api/v1/status
func (h *EngineHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.engine.Status())
}

// GetPortfolio - GET /api/v1/portfolio
func (h *EngineHandler) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.engine.Portfolio())
}

// GetPositions - GET /api/v1/positions
func (h *EngineHandler) GetPositions(w http.ResponseWriter, r *http.Request) {
	view := h.engine.Portfolio()
	positions := view.Positions
	if positions == nil {
		positions = []models.PositionView{}
	}
	respondJSON(w, http.StatusOK, positions)
}

// ClosePosition закрывает позицию рыночным reduce-only ордером
// POST /api/v1/positions/{id}/close
func (h *EngineHandler) ClosePosition(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if id == "" {
		respondError(w, badRequest("position id is required"))
		return
	}
	trade, err := h.engine.ClosePosition(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, trade)
}

// GetBreaker - GET /api/v1/breaker
func (h *EngineHandler) GetBreaker(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.engine.Breaker())
}

// TripBreakerRequest - необязательное тело POST /breaker/trip
type TripBreakerRequest struct {
	Reason string `json:"reason"`
}

// TripBreaker - POST /api/v1/breaker/trip
func (h *EngineHandler) TripBreaker(w http.ResponseWriter, r *http.Request) {
	var req TripBreakerRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			respondError(w, err)
			return
		}
	}
	h.engine.TripBreaker(req.Reason)
	respondJSON(w, http.StatusOK, h.engine.Breaker())
}

// ResetBreaker - POST /api/v1/breaker/reset, снимает и аварийную фиксацию
func (h *EngineHandler) ResetBreaker(w http.ResponseWriter, r *http.Request) {
	h.engine.ResetBreaker()
	respondJSON(w, http.StatusOK, h.engine.Breaker())
}

// EmergencyStop - POST /api/v1/emergency-stop?flatten=true
//
// Частичные ошибки не прерывают остановку: отчёт возвращается с 200,
// список ошибок в поле errors.
func (h *EngineHandler) EmergencyStop(w http.ResponseWriter, r *http.Request) {
	flatten := false
	if raw := r.URL.Query().Get("flatten"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			respondError(w, badRequest("flatten must be a boolean"))
			return
		}
		flatten = v
	}
	report, _ := h.engine.EmergencyStop(r.Context(), flatten)
	respondJSON(w, http.StatusOK, report)
}

// Reconcile - POST /api/v1/reconcile, внеочередная сверка
func (h *EngineHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	rec, err := h.engine.Reconcile(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}
