package repository

import (
	"context"
	"database/sql"
	"time"

	jsoniter "github.com/json-iterator/go"

	"tradeengine/internal/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ReconciliationRepository - журнал проходов сверки (только добавление)
type ReconciliationRepository struct {
	db   *sql.DB
	mode models.TradingMode
}

// NewReconciliationRepository создает новый экземпляр репозитория
func NewReconciliationRepository(db *sql.DB, mode models.TradingMode) *ReconciliationRepository {
	return &ReconciliationRepository{db: db, mode: mode}
}

// Create записывает отчёт сверки
func (r *ReconciliationRepository) Create(ctx context.Context, rec *models.ReconciliationRecord) error {
	discrepancies := rec.Discrepancies
	if discrepancies == nil {
		discrepancies = []models.Discrepancy{}
	}
	discJSON, err := json.Marshal(discrepancies)
	if err != nil {
		return err
	}

	errs := rec.Errors
	if errs == nil {
		errs = []string{}
	}
	errsJSON, err := json.Marshal(errs)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO reconciliations (id, mode, trigger_type, started_at, finished_at, broker_balance, discrepancies, errors)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err = r.db.ExecContext(ctx, query,
		rec.ID,
		string(r.mode),
		string(rec.Trigger),
		rec.StartedAt.UTC(),
		rec.FinishedAt.UTC(),
		rec.BrokerBalance,
		string(discJSON),
		string(errsJSON),
	)
	return err
}

// Recent возвращает последние limit отчётов
func (r *ReconciliationRepository) Recent(ctx context.Context, limit int) ([]*models.ReconciliationRecord, error) {
	query := `
		SELECT id, trigger_type, started_at, finished_at, broker_balance, discrepancies, errors
		FROM reconciliations
		WHERE mode = $1
		ORDER BY started_at DESC
		LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, string(r.mode), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*models.ReconciliationRecord
	for rows.Next() {
		var (
			rec                 models.ReconciliationRecord
			trigger             string
			startedAt, finished time.Time
			discJSON, errsJSON  []byte
		)
		err := rows.Scan(
			&rec.ID,
			&trigger,
			&startedAt,
			&finished,
			&rec.BrokerBalance,
			&discJSON,
			&errsJSON,
		)
		if err != nil {
			return nil, err
		}

		if len(discJSON) > 0 {
			if err := json.Unmarshal(discJSON, &rec.Discrepancies); err != nil {
				return nil, err
			}
		}
		if len(errsJSON) > 0 {
			if err := json.Unmarshal(errsJSON, &rec.Errors); err != nil {
				return nil, err
			}
		}

		rec.Mode = r.mode
		rec.Trigger = models.ReconcileTrigger(trigger)
		rec.StartedAt = startedAt.UTC()
		rec.FinishedAt = finished.UTC()
		records = append(records, &rec)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return records, nil
}
