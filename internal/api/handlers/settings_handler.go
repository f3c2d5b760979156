package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"tradeengine/internal/models"
	"tradeengine/internal/service"
)

// SettingsManager - источник риск-настроек
type SettingsManager interface {
	Current() models.Settings
	Update(ctx context.Context, req service.UpdateSettingsRequest) (models.Settings, error)
	History(ctx context.Context, limit int) ([]*models.Settings, error)
}

// SettingsHandler отвечает за риск-настройки движка
//
// Настройки заменяются целиком. Версия отдаётся в ETag; клиент может
// передать её в If-Match, и тогда обновление поверх чужого изменения
// вернёт 412.
type SettingsHandler struct {
	settings SettingsManager
}

// NewSettingsHandler создает новый SettingsHandler
func NewSettingsHandler(settings SettingsManager) *SettingsHandler {
	return &SettingsHandler{settings: settings}
}

func etag(version int64) string {
	return `"` + strconv.FormatInt(version, 10) + `"`
}

// parseIfMatch принимает "3", "\"3\"" и W/"3"
func parseIfMatch(raw string) (*int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "*" {
		return nil, nil
	}
	raw = strings.TrimPrefix(raw, "W/")
	raw = strings.Trim(raw, `"`)
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v <= 0 {
		return nil, badRequest("If-Match must hold a settings version")
	}
	return &v, nil
}

// GetSettings возвращает текущие настройки
// GET /api/v1/settings
func (h *SettingsHandler) GetSettings(w http.ResponseWriter, r *http.Request) {
	s := h.settings.Current()
	w.Header().Set("ETag", etag(s.Version))
	respondJSON(w, http.StatusOK, s)
}

// UpdateSettings заменяет настройки
// PUT /api/v1/settings
//
// HTTP коды:
//   - 200 OK: новая версия в теле и в ETag
//   - 400 Bad Request: невалидные значения
//   - 412 Precondition Failed: If-Match не совпал с текущей версией
func (h *SettingsHandler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	ifMatch, err := parseIfMatch(r.Header.Get("If-Match"))
	if err != nil {
		respondError(w, err)
		return
	}

	var next models.Settings
	if err := decodeJSON(r, &next); err != nil {
		respondError(w, err)
		return
	}

	updated, err := h.settings.Update(r.Context(), service.UpdateSettingsRequest{IfMatch: ifMatch, Settings: next})
	if err != nil {
		respondError(w, err)
		return
	}
	w.Header().Set("ETag", etag(updated.Version))
	respondJSON(w, http.StatusOK, updated)
}

// GetSettingsHistory - GET /api/v1/settings/history?limit=
func (h *SettingsHandler) GetSettingsHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, 20, 200)
	if err != nil {
		respondError(w, err)
		return
	}
	history, err := h.settings.History(r.Context(), limit)
	if err != nil {
		respondError(w, err)
		return
	}
	if history == nil {
		history = []*models.Settings{}
	}
	respondJSON(w, http.StatusOK, history)
}
