package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"

	"tradeengine/pkg/crypto"
	"tradeengine/pkg/ratelimit"
	"tradeengine/pkg/utils"
)

// TokenAuth - middleware для проверки токена оператора
//
// Токен передаётся в заголовке Authorization: Bearer <token> и
// сверяется с bcrypt-хешем из OPERATOR_TOKEN_HASH. bcrypt медленный,
// поэтому отпечаток последнего принятого токена хранится в памяти и
// повторные запросы сравниваются за константное время.
//
// Неудачные попытки расходуют токены из failures; когда ведро пустое,
// ответ 429 без обращения к bcrypt.
type TokenAuth struct {
	hash     string
	failures *ratelimit.RateLimiter
	log      *utils.Logger

	mu       sync.RWMutex
	accepted []byte
}

// NewTokenAuth создаёт проверку; пустой hash отключает аутентификацию
func NewTokenAuth(hash string, log *utils.Logger) *TokenAuth {
	if log == nil {
		log = utils.L()
	}
	return &TokenAuth{
		hash:     hash,
		failures: ratelimit.NewRateLimiter(1, 10),
		log:      log.WithComponent("auth"),
	}
}

// Enabled - задан ли хеш токена
func (a *TokenAuth) Enabled() bool {
	return a.hash != ""
}

// bearerToken достаёт токен из Authorization. Браузер не умеет ставить
// заголовки на websocket upgrade, для него принимается ?access_token=.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) >= 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return r.URL.Query().Get("access_token")
	}
	return ""
}

func (a *TokenAuth) cached(digest []byte) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.accepted != nil && subtle.ConstantTimeCompare(a.accepted, digest) == 1
}

func (a *TokenAuth) verify(token string, digest []byte) bool {
	if err := crypto.VerifyToken(token, a.hash); err != nil {
		return false
	}
	a.mu.Lock()
	a.accepted = digest
	a.mu.Unlock()
	return true
}

// Middleware оборачивает защищённые маршруты
func (a *TokenAuth) Middleware(next http.Handler) http.Handler {
	if !a.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		sum := sha256.Sum256([]byte(token))
		digest := sum[:]

		if token != "" && a.cached(digest) {
			next.ServeHTTP(w, r)
			return
		}
		if a.failures.Tokens() < 1 {
			a.log.Warn("auth throttled", utils.String("remote", r.RemoteAddr))
			writeError(w, http.StatusTooManyRequests, "too many failed attempts")
			return
		}
		if token != "" && a.verify(token, digest) {
			next.ServeHTTP(w, r)
			return
		}

		a.failures.Allow()
		a.log.Warn("unauthorized request",
			utils.String("remote", r.RemoteAddr),
			utils.String("path", r.URL.Path),
		)
		w.Header().Set("WWW-Authenticate", `Bearer realm="tradeengine"`)
		writeError(w, http.StatusUnauthorized, "unauthorized")
	})
}
