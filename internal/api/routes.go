package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tradeengine/internal/api/handlers"
	"tradeengine/internal/api/middleware"
	"tradeengine/pkg/utils"
)

// Dependencies содержит все зависимости для API handlers
type Dependencies struct {
	Engine          handlers.EngineController
	Settings        handlers.SettingsManager
	Trades          handlers.TradeReader
	Orders          handlers.OrderReader
	Reconciliations handlers.ReconciliationReader
	Notifications   handlers.NotificationReader

	// Hub - WebSocket поток событий, монтируется на /ws
	Hub http.Handler

	// TokenHash - bcrypt-хеш токена оператора; пустой отключает auth
	TokenHash      string
	AllowedOrigins []string
	Logger         *utils.Logger
}

// SetupRoutes настраивает все HTTP маршруты приложения
//
// Структура маршрутов:
//
// /api/v1/
//
//	├── POST /signals - подать сигнал стратегии
//	├── POST /trading/start, /trading/stop - приём сигналов
//	├── GET  /status, /portfolio, /positions
//	├── POST /positions/{id}/close - ручное закрытие
//	├── GET  /trades, /orders, /reconciliations - журналы
//	├── GET  /breaker; POST /breaker/trip, /breaker/reset
//	├── POST /emergency-stop?flatten=true
//	├── POST /reconcile - внеплановая сверка
//	├── GET  /settings, PUT /settings (If-Match), GET /settings/history
//	└── GET  /notifications
//
// /ws - WebSocket поток событий движка
// /health, /metrics - без аутентификации
//
// Порядок middleware: Recovery, Logging, CORS, затем Auth для /api/v1 и /ws.
func SetupRoutes(deps *Dependencies) *mux.Router {
	log := deps.Logger
	if log == nil {
		log = utils.L()
	}

	router := mux.NewRouter()
	router.Use(middleware.Recovery(log))
	router.Use(middleware.Logging(log))
	router.Use(middleware.NewCORS(deps.AllowedOrigins).Middleware)

	auth := middleware.NewTokenAuth(deps.TokenHash, log)
	if !auth.Enabled() {
		log.Warn("operator token hash is not set, API is unauthenticated")
	}

	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(auth.Middleware)

	if deps.Engine != nil {
		h := handlers.NewEngineHandler(deps.Engine)
		api.HandleFunc("/signals", h.SubmitSignal).Methods("POST")
		api.HandleFunc("/trading/start", h.StartTrading).Methods("POST")
		api.HandleFunc("/trading/stop", h.StopTrading).Methods("POST")
		api.HandleFunc("/status", h.GetStatus).Methods("GET")
		api.HandleFunc("/portfolio", h.GetPortfolio).Methods("GET")
		api.HandleFunc("/positions", h.GetPositions).Methods("GET")
		api.HandleFunc("/positions/{id}/close", h.ClosePosition).Methods("POST")
		api.HandleFunc("/breaker", h.GetBreaker).Methods("GET")
		api.HandleFunc("/breaker/trip", h.TripBreaker).Methods("POST")
		api.HandleFunc("/breaker/reset", h.ResetBreaker).Methods("POST")
		api.HandleFunc("/emergency-stop", h.EmergencyStop).Methods("POST")
		api.HandleFunc("/reconcile", h.Reconcile).Methods("POST")
	}

	if deps.Trades != nil && deps.Orders != nil && deps.Reconciliations != nil {
		h := handlers.NewHistoryHandler(deps.Trades, deps.Orders, deps.Reconciliations)
		api.HandleFunc("/trades", h.GetTrades).Methods("GET")
		api.HandleFunc("/orders", h.GetOrders).Methods("GET")
		api.HandleFunc("/reconciliations", h.GetReconciliations).Methods("GET")
	}

	if deps.Settings != nil {
		h := handlers.NewSettingsHandler(deps.Settings)
		api.HandleFunc("/settings", h.GetSettings).Methods("GET")
		api.HandleFunc("/settings", h.UpdateSettings).Methods("PUT")
		api.HandleFunc("/settings/history", h.GetSettingsHistory).Methods("GET")
	}

	if deps.Notifications != nil {
		h := handlers.NewNotificationHandler(deps.Notifications)
		api.HandleFunc("/notifications", h.GetNotifications).Methods("GET")
	}

	if deps.Hub != nil {
		router.Handle("/ws", auth.Middleware(deps.Hub)).Methods("GET")
	}

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	router.HandleFunc("/health", healthHandler(deps.Engine)).Methods("GET")

	return router
}

// healthHandler - 200 пока движок работает, иначе 503
func healthHandler(engine handlers.EngineController) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if engine != nil && !engine.Status().Running {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("STOPPED"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}
}
