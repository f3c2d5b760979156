package middleware

import (
	"net/http"
	"strings"
)

// CORS - middleware для Cross-Origin Resource Sharing
//
// Разрешённые origins приходят из CORS_ALLOWED_ORIGINS. Для них
// выставляется конкретный origin с credentials; для запросов без Origin
// (curl, сигнальные сервисы) заголовок "*". Чужим origins заголовки
// не выставляются, браузер заблокирует ответ.
type CORS struct {
	origins  map[string]bool
	allowAll bool
}

// NewCORS создаёт middleware; "*" в списке разрешает любой origin
func NewCORS(origins []string) *CORS {
	c := &CORS{origins: make(map[string]bool, len(origins))}
	for _, o := range origins {
		o = strings.TrimSpace(o)
		switch o {
		case "":
		case "*":
			c.allowAll = true
		default:
			c.origins[strings.TrimSuffix(o, "/")] = true
		}
	}
	return c
}

// Allowed проверяет origin
func (c *CORS) Allowed(origin string) bool {
	if origin == "" {
		return false
	}
	return c.allowAll || c.origins[origin]
}

func (c *CORS) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if c.Allowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Add("Vary", "Origin")
		} else if origin == "" {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, If-Match, X-Request-ID")
		w.Header().Set("Access-Control-Expose-Headers", "ETag, X-Request-ID")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
