package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"

	"tradeengine/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// writeError пишет ошибку в формате handlers.ErrorResponse
func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// Recovery - middleware для восстановления после паники в handlers
//
// Паника логируется со stack trace, клиент получает 500 без деталей.
// http.ErrAbortHandler пробрасывается дальше: это штатный обрыв ответа.
func Recovery(log *utils.Logger) mux.MiddlewareFunc {
	if log == nil {
		log = utils.L()
	}
	log = log.WithComponent("http")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				log.Error("handler panic",
					utils.Any("panic", rec),
					utils.String("method", r.Method),
					utils.String("path", r.URL.Path),
					utils.String("stack", string(debug.Stack())),
				)
				writeError(w, http.StatusInternalServerError, "internal server error")
			}()

			next.ServeHTTP(w, r)
		})
	}
}
