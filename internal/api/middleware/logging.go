package middleware

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"tradeengine/pkg/utils"
)

// ============ HTTP метрики ============

var (
	httpRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tradeengine",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status code",
		},
		[]string{"method", "route", "code"},
	)

	httpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tradeengine",
			Subsystem: "http",
			Name:      "request_duration_ms",
			Help:      "HTTP request duration in milliseconds",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000},
		},
		[]string{"method", "route"},
	)
)

// responseWriter запоминает код ответа и размер тела
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.written += int64(n)
	return n, err
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Hijack нужен websocket upgrade на /ws
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

// routeTemplate - шаблон маршрута mux, чтобы id позиций не раздували метки
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

// RequestIDHeader - сквозной идентификатор запроса
const RequestIDHeader = "X-Request-ID"

// requestID берёт id клиента или создаёт новый
func requestID(r *http.Request) string {
	if id := r.Header.Get(RequestIDHeader); id != "" && len(id) <= 64 {
		return id
	}
	return uuid.NewString()
}

// Logging - middleware логирования HTTP запросов через zap
//
// Пишет метод, путь, статус, длительность, адрес клиента и размер
// ответа. 5xx логируются как error, 4xx как warn, остальное на debug,
// чтобы поток сигналов не забивал лог.
func Logging(log *utils.Logger) mux.MiddlewareFunc {
	if log == nil {
		log = utils.L()
	}
	log = log.WithComponent("http")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			id := requestID(r)
			w.Header().Set(RequestIDHeader, id)
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			duration := time.Since(start)
			route := routeTemplate(r)
			httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(wrapped.statusCode)).Inc()
			httpDuration.WithLabelValues(r.Method, route).Observe(float64(duration.Microseconds()) / 1000)

			fields := []zap.Field{
				utils.RequestID(id),
				utils.String("method", r.Method),
				utils.String("path", r.URL.Path),
				utils.Int("status", wrapped.statusCode),
				utils.Duration("duration", duration),
				utils.String("remote", r.RemoteAddr),
				utils.Int64("bytes", wrapped.written),
			}
			switch {
			case wrapped.statusCode >= http.StatusInternalServerError:
				log.Error("http request", fields...)
			case wrapped.statusCode >= http.StatusBadRequest:
				log.Warn("http request", fields...)
			default:
				log.Debug("http request", fields...)
			}
		})
	}
}
