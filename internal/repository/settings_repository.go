package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"tradeengine/internal/models"
)

// Ошибки репозитория настроек
var (
	ErrSettingsNotFound = errors.New("settings not found")
	// ErrSettingsVersionExists - версия уже записана (конкурентное обновление)
	ErrSettingsVersionExists = errors.New("settings version already exists")
)

// SettingsRepository - история версий настроек
//
// Каждое обновление добавляет строку, текущие настройки - строка с
// наибольшей версией. Общая для обоих режимов.
type SettingsRepository struct {
	db *sql.DB
}

// NewSettingsRepository создает новый экземпляр репозитория
func NewSettingsRepository(db *sql.DB) *SettingsRepository {
	return &SettingsRepository{db: db}
}

// Latest возвращает последнюю версию настроек
func (r *SettingsRepository) Latest(ctx context.Context) (*models.Settings, error) {
	query := `
		SELECT version, payload, updated_at
		FROM settings_versions
		ORDER BY version DESC
		LIMIT 1`

	s, err := scanSettings(r.db.QueryRowContext(ctx, query))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSettingsNotFound
		}
		return nil, err
	}
	return s, nil
}

// Insert записывает новую версию
func (r *SettingsRepository) Insert(ctx context.Context, s *models.Settings) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO settings_versions (version, payload, updated_at)
		VALUES ($1, $2, $3)`

	_, err = r.db.ExecContext(ctx, query, s.Version, string(payload), s.UpdatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %d", ErrSettingsVersionExists, s.Version)
		}
		return err
	}
	return nil
}

// History возвращает последние limit версий (новые первыми)
func (r *SettingsRepository) History(ctx context.Context, limit int) ([]*models.Settings, error) {
	query := `
		SELECT version, payload, updated_at
		FROM settings_versions
		ORDER BY version DESC
		LIMIT $1`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []*models.Settings
	for rows.Next() {
		s, err := scanSettings(rows)
		if err != nil {
			return nil, err
		}
		history = append(history, s)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return history, nil
}

func scanSettings(sc scanner) (*models.Settings, error) {
	var (
		version   int64
		payload   []byte
		updatedAt time.Time
	)
	if err := sc.Scan(&version, &payload, &updatedAt); err != nil {
		return nil, err
	}

	s := &models.Settings{}
	if err := json.Unmarshal(payload, s); err != nil {
		return nil, fmt.Errorf("settings version %d: %w", version, err)
	}

	// колонки авторитетнее копии в payload
	s.Version = version
	s.UpdatedAt = updatedAt.UTC()
	return s, nil
}
