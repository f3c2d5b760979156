package handlers

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	jsoniter "github.com/json-iterator/go"

	"tradeengine/internal/bot"
	"tradeengine/internal/models"
	"tradeengine/internal/service"
	"tradeengine/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// maxBodyBytes - предел тела запроса
const maxBodyBytes = 1 << 20

// ErrorResponse стандартный формат ответа об ошибке для всех API endpoints
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// SuccessResponse стандартный формат успешного ответа
type SuccessResponse struct {
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// respondJSON отправляет JSON ответ
func respondJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		utils.L().Warn("write response", utils.Err(err))
	}
}

// respondError переводит ошибку домена в HTTP статус.
// Единственное место, где ошибки получают коды ответа.
func respondError(w http.ResponseWriter, err error) {
	code, status := errorStatus(err)
	if status >= http.StatusInternalServerError {
		utils.L().Error("request failed", utils.Err(err), utils.Int("status", status))
	}
	respondJSON(w, status, ErrorResponse{Error: err.Error(), Code: code})
}

func errorStatus(err error) (string, int) {
	switch {
	case errors.Is(err, models.ErrValidation), errors.Is(err, errBadRequest):
		return "validation_error", http.StatusBadRequest
	case errors.Is(err, bot.ErrPositionNotFound):
		return "not_found", http.StatusNotFound
	case errors.Is(err, service.ErrVersionConflict):
		return "version_conflict", http.StatusPreconditionFailed
	case errors.Is(err, bot.ErrOrderNotFilled), errors.Is(err, bot.ErrDuplicateOrder):
		return "order_not_filled", http.StatusConflict
	case errors.Is(err, bot.ErrPoisonedSection):
		return "symbol_poisoned", http.StatusConflict
	case errors.Is(err, bot.ErrNotRunning), errors.Is(err, service.ErrNotLoaded):
		return "not_running", http.StatusServiceUnavailable
	default:
		return "internal_error", http.StatusInternalServerError
	}
}

var errBadRequest = errors.New("bad request")

func badRequest(msg string) error {
	return &requestError{msg: msg}
}

type requestError struct{ msg string }

func (e *requestError) Error() string        { return e.msg }
func (e *requestError) Is(target error) bool { return target == errBadRequest }

// decodeJSON читает тело запроса в v, неизвестные поля запрещены
func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badRequest("invalid JSON body: " + err.Error())
	}
	return nil
}

// parseLimit читает ?limit= с умолчанием и потолком
func parseLimit(r *http.Request, def, max int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, badRequest("limit must be a positive integer")
	}
	if n > max {
		n = max
	}
	return n, nil
}
