package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/quota-saga/internal/domain"
	"github.com/vladislavdragonenkov/quota-saga/internal/txn"
)

type orderRepository struct {
	db *sql.DB
}

// NewOrderRepository создаёт PostgreSQL-реализацию OrderRepository.
func NewOrderRepository(store *Store) domain.OrderRepository {
	return &orderRepository{db: store.DB()}
}

func (r *orderRepository) Create(ctx context.Context, order domain.Order) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := txn.From(ctx, r.db).ExecContext(ctx, `
		INSERT INTO quantity_usage_order (
			id, order_sn, description, account_id, digest_id, usage_id,
			quantity, order_status, create_time, update_time
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`,
		order.ID, order.OrderSn, order.Description, order.AccountID, order.DigestID,
		order.UsageID, order.Quantity, int(order.Status), order.CreateTime, order.UpdateTime,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrOrderSnConflict
		}
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (r *orderRepository) FindByOrderSn(ctx context.Context, orderSn string) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var order domain.Order
	var status int
	err := txn.From(ctx, r.db).QueryRowContext(ctx, `
		SELECT id, order_sn, description, account_id, digest_id, usage_id,
		       quantity, order_status, create_time, update_time
		FROM quantity_usage_order
		WHERE order_sn = $1 AND is_deleted = FALSE
	`, orderSn).Scan(
		&order.ID, &order.OrderSn, &order.Description, &order.AccountID, &order.DigestID,
		&order.UsageID, &order.Quantity, &status, &order.CreateTime, &order.UpdateTime,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, domain.ErrOrderNotFound
		}
		return domain.Order{}, fmt.Errorf("select order: %w", err)
	}
	order.Status = domain.OrderStatus(status)
	return order, nil
}

func (r *orderRepository) ListByAccount(ctx context.Context, accountID int64, limit int) ([]domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	query := `
		SELECT id, order_sn, description, account_id, digest_id, usage_id,
		       quantity, order_status, create_time, update_time
		FROM quantity_usage_order
		WHERE account_id = $1 AND is_deleted = FALSE
		ORDER BY create_time DESC, order_sn DESC`
	args := []any{accountID}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := txn.From(ctx, r.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	defer rows.Close()

	var result []domain.Order
	for rows.Next() {
		var order domain.Order
		var status int
		if err := rows.Scan(
			&order.ID, &order.OrderSn, &order.Description, &order.AccountID, &order.DigestID,
			&order.UsageID, &order.Quantity, &status, &order.CreateTime, &order.UpdateTime,
		); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		order.Status = domain.OrderStatus(status)
		result = append(result, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate orders: %w", err)
	}
	return result, nil
}

func (r *orderRepository) UpdateStatusBySn(ctx context.Context, orderSn string, from []domain.OrderStatus, to domain.OrderStatus) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	placeholders := make([]string, 0, len(from))
	args := []any{int(to), time.Now().UTC(), orderSn}
	for i, s := range from {
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+4))
		args = append(args, int(s))
	}

	res, err := txn.From(ctx, r.db).ExecContext(ctx, fmt.Sprintf(`
		UPDATE quantity_usage_order
		SET order_status = $1, update_time = $2
		WHERE order_sn = $3 AND is_deleted = FALSE AND order_status IN (%s)
	`, strings.Join(placeholders, ",")), args...)
	if err != nil {
		return false, fmt.Errorf("update order status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

func (r *orderRepository) UpdatePlacement(ctx context.Context, orderSn string, usageID string, to domain.OrderStatus) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := txn.From(ctx, r.db).ExecContext(ctx, `
		UPDATE quantity_usage_order
		SET order_status = $1, usage_id = $2, update_time = $3
		WHERE order_sn = $4 AND is_deleted = FALSE AND order_status = $5
	`, int(to), usageID, time.Now().UTC(), orderSn, int(domain.OrderStatusNew))
	if err != nil {
		return false, fmt.Errorf("update order placement: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

var _ domain.OrderRepository = (*orderRepository)(nil)
