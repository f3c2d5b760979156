package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"tradeengine/internal/models"
)

// Ошибки репозитория ордеров
var (
	ErrOrderNotFound = errors.New("order not found")
	// ErrDuplicateOrder - ордер с таким client_order_id уже записан
	ErrDuplicateOrder = errors.New("duplicate order")
)

const orderColumns = `id, client_order_id, signal_id, symbol, side, type, price, stop_price, quantity, leverage,
		reduce_only, position_id, status, broker_order_id, filled_qty, avg_fill_price, fee, slippage, reason,
		created_at, updated_at`

// OrderRepository - работа с таблицей orders
//
// Уникальный client_order_id является журналом идемпотентности:
// второй ордер на тот же (symbol, side, signal_id) не записывается.
type OrderRepository struct {
	db   *sql.DB
	mode models.TradingMode
}

// NewOrderRepository создает новый экземпляр репозитория
func NewOrderRepository(db *sql.DB, mode models.TradingMode) *OrderRepository {
	return &OrderRepository{db: db, mode: mode}
}

// Create записывает новый ордер
func (r *OrderRepository) Create(ctx context.Context, o *models.Order) error {
	query := `
		INSERT INTO orders (id, mode, client_order_id, signal_id, symbol, side, type, price, stop_price, quantity,
			leverage, reduce_only, position_id, status, broker_order_id, filled_qty, avg_fill_price, fee, slippage,
			reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)`

	typ, price, stopPrice := models.KindColumns(o.Kind)

	_, err := r.db.ExecContext(ctx, query,
		o.ID,
		string(r.mode),
		o.ClientOrderID,
		o.SignalID,
		o.Symbol,
		string(o.Side),
		string(typ),
		price,
		stopPrice,
		o.Quantity,
		o.Leverage,
		o.ReduceOnly,
		o.PositionID,
		string(o.Status),
		nullString(o.BrokerOrderID),
		o.FilledQty,
		o.AvgFillPrice,
		o.Fee,
		o.Slippage,
		o.Reason,
		o.CreatedAt.UTC(),
		o.UpdatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateOrder, o.ClientOrderID)
		}
		return err
	}

	return nil
}

// Update сохраняет изменяемые поля жизненного цикла ордера
func (r *OrderRepository) Update(ctx context.Context, o *models.Order) error {
	query := `
		UPDATE orders
		SET status = $1, broker_order_id = $2, filled_qty = $3, avg_fill_price = $4, fee = $5, slippage = $6,
			reason = $7, position_id = $8, updated_at = $9
		WHERE id = $10 AND mode = $11`

	result, err := r.db.ExecContext(ctx, query,
		string(o.Status),
		nullString(o.BrokerOrderID),
		o.FilledQty,
		o.AvgFillPrice,
		o.Fee,
		o.Slippage,
		o.Reason,
		o.PositionID,
		o.UpdatedAt.UTC(),
		o.ID,
		string(r.mode),
	)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrOrderNotFound
	}

	return nil
}

// GetByID возвращает ордер по ID
func (r *OrderRepository) GetByID(ctx context.Context, id string) (*models.Order, error) {
	query := `SELECT ` + orderColumns + `
		FROM orders
		WHERE id = $1 AND mode = $2`

	return r.getOne(ctx, query, id)
}

// GetByClientOrderID возвращает ордер по client order id
func (r *OrderRepository) GetByClientOrderID(ctx context.Context, clientOrderID string) (*models.Order, error) {
	query := `SELECT ` + orderColumns + `
		FROM orders
		WHERE client_order_id = $1 AND mode = $2`

	return r.getOne(ctx, query, clientOrderID)
}

func (r *OrderRepository) getOne(ctx context.Context, query, key string) (*models.Order, error) {
	o, err := scanOrder(r.db.QueryRowContext(ctx, query, key, string(r.mode)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return o, nil
}

// ListByStatus возвращает ордера в указанных статусах (старые первыми)
func (r *OrderRepository) ListByStatus(ctx context.Context, statuses ...models.OrderStatus) ([]*models.Order, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	args := []interface{}{string(r.mode)}
	placeholders := make([]string, 0, len(statuses))
	for i, s := range statuses {
		args = append(args, string(s))
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+2))
	}

	query := `SELECT ` + orderColumns + `
		FROM orders
		WHERE mode = $1 AND status IN (` + strings.Join(placeholders, ", ") + `)
		ORDER BY created_at ASC`

	return r.list(ctx, query, args...)
}

// Recent возвращает последние limit ордеров, опционально с фильтром по статусу
func (r *OrderRepository) Recent(ctx context.Context, status models.OrderStatus, limit int) ([]*models.Order, error) {
	if status == "" {
		query := `SELECT ` + orderColumns + `
			FROM orders
			WHERE mode = $1
			ORDER BY created_at DESC
			LIMIT $2`
		return r.list(ctx, query, string(r.mode), limit)
	}

	query := `SELECT ` + orderColumns + `
		FROM orders
		WHERE mode = $1 AND status = $2
		ORDER BY created_at DESC
		LIMIT $3`
	return r.list(ctx, query, string(r.mode), string(status), limit)
}

func (r *OrderRepository) list(ctx context.Context, query string, args ...interface{}) ([]*models.Order, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return orders, nil
}

func scanOrder(s scanner) (*models.Order, error) {
	var (
		o                    models.Order
		side, typ, status    string
		price, stopPrice     float64
		brokerOrderID        sql.NullString
		createdAt, updatedAt time.Time
	)

	err := s.Scan(
		&o.ID,
		&o.ClientOrderID,
		&o.SignalID,
		&o.Symbol,
		&side,
		&typ,
		&price,
		&stopPrice,
		&o.Quantity,
		&o.Leverage,
		&o.ReduceOnly,
		&o.PositionID,
		&status,
		&brokerOrderID,
		&o.FilledQty,
		&o.AvgFillPrice,
		&o.Fee,
		&o.Slippage,
		&o.Reason,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	kind, err := models.KindFromColumns(models.OrderType(typ), price, stopPrice)
	if err != nil {
		return nil, fmt.Errorf("order %s: %w", o.ID, err)
	}

	o.Side = models.Side(side)
	o.Kind = kind
	o.Status = models.OrderStatus(status)
	o.BrokerOrderID = stringPtr(brokerOrderID)
	o.CreatedAt = createdAt.UTC()
	o.UpdatedAt = updatedAt.UTC()

	return &o, nil
}
