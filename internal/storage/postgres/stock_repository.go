package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/quota-saga/internal/domain"
	"github.com/vladislavdragonenkov/quota-saga/internal/txn"
)

// stockRepository мутирует счётчики квоты только одиночными условными
// апдейтами: конкуренция разруливается на уровне строк базы, без
// блокировок в приложении.
type stockRepository struct {
	db *sql.DB
}

// NewStockRepository создаёт PostgreSQL-реализацию StockRepository.
func NewStockRepository(store *Store) domain.StockRepository {
	return &stockRepository{db: store.DB()}
}

func (r *stockRepository) EnsureUsage(ctx context.Context, accountID, digestID int64) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	q := txn.From(ctx, r.db)
	now := time.Now().UTC()

	// INSERT ... ON CONFLICT DO NOTHING + SELECT: ленивое создание записи
	// безопасно при конкурентных первых списаниях.
	if _, err := q.ExecContext(ctx, `
		INSERT INTO quantity_usage_stock (
			usage_id, account_id, digest_id, usage_status, create_time, update_time
		) VALUES ($1,$2,$3,$4,$5,$5)
		ON CONFLICT (account_id, digest_id) DO NOTHING
	`, uuid.NewString(), accountID, digestID, int(domain.UsageStatusActive), now); err != nil {
		return "", fmt.Errorf("ensure usage row: %w", err)
	}

	var usageID string
	if err := q.QueryRowContext(ctx, `
		SELECT usage_id FROM quantity_usage_stock
		WHERE account_id = $1 AND digest_id = $2
	`, accountID, digestID).Scan(&usageID); err != nil {
		return "", fmt.Errorf("select usage id: %w", err)
	}
	return usageID, nil
}

func (r *stockRepository) FindByUsageID(ctx context.Context, usageID string) (domain.StockCounter, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var counter domain.StockCounter
	var status int
	err := txn.From(ctx, r.db).QueryRowContext(ctx, `
		SELECT usage_id, account_id, digest_id, total, failure, stock,
		       usage_status, create_time, update_time
		FROM quantity_usage_stock
		WHERE usage_id = $1
	`, usageID).Scan(
		&counter.UsageID, &counter.AccountID, &counter.DigestID,
		&counter.Total, &counter.Failure, &counter.Stock,
		&status, &counter.CreateTime, &counter.UpdateTime,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.StockCounter{}, domain.ErrUsageNotFound
		}
		return domain.StockCounter{}, fmt.Errorf("select stock counter: %w", err)
	}
	counter.UsageStatus = domain.UsageStatus(status)
	return counter, nil
}

func (r *stockRepository) DeductIfSufficient(ctx context.Context, usageID string, quantity int64) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := txn.From(ctx, r.db).ExecContext(ctx, `
		UPDATE quantity_usage_stock
		SET stock = stock - $1, update_time = $2
		WHERE usage_id = $3 AND stock >= $1
	`, quantity, time.Now().UTC(), usageID)
	if err != nil {
		return false, fmt.Errorf("deduct stock: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

func (r *stockRepository) AddFailure(ctx context.Context, usageID string, quantity int64) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := txn.From(ctx, r.db).ExecContext(ctx, `
		UPDATE quantity_usage_stock
		SET failure = failure + $1, update_time = $2
		WHERE usage_id = $3
	`, quantity, time.Now().UTC(), usageID)
	if err != nil {
		return fmt.Errorf("add failure: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return domain.ErrUsageNotFound
	}
	return nil
}

func (r *stockRepository) AddConfirmed(ctx context.Context, usageID string, quantity int64) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := txn.From(ctx, r.db).ExecContext(ctx, `
		UPDATE quantity_usage_stock
		SET total = total + $1, update_time = $2
		WHERE usage_id = $3
	`, quantity, time.Now().UTC(), usageID)
	if err != nil {
		return false, fmt.Errorf("add confirmed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

func (r *stockRepository) Release(ctx context.Context, accountID, digestID int64, quantity int64) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := txn.From(ctx, r.db).ExecContext(ctx, `
		UPDATE quantity_usage_stock
		SET stock = stock + $1, update_time = $2
		WHERE account_id = $3 AND digest_id = $4
	`, quantity, time.Now().UTC(), accountID, digestID)
	if err != nil {
		return false, fmt.Errorf("release stock: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

var _ domain.StockRepository = (*stockRepository)(nil)
