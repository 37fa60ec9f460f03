package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/quota-saga/internal/domain"
)

// orderRepositoryInMemory — простая in-memory реализация OrderRepository.
type orderRepositoryInMemory struct {
	mu    sync.RWMutex
	items map[string]domain.Order // ключ — order_sn
}

// NewOrderRepository возвращает in-memory репозиторий для локальной разработки и тестов.
func NewOrderRepository() domain.OrderRepository {
	return &orderRepositoryInMemory{
		items: make(map[string]domain.Order),
	}
}

// Create сохраняет новый заказ, если order_sn ещё не занят.
func (r *orderRepositoryInMemory) Create(_ context.Context, order domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.items[order.OrderSn]; exists {
		return domain.ErrOrderSnConflict
	}
	// Сохраняем копию, чтобы избежать непредсказуемых мутаций извне.
	r.items[order.OrderSn] = order
	return nil
}

// FindByOrderSn возвращает заказ или ErrOrderNotFound, если его нет.
func (r *orderRepositoryInMemory) FindByOrderSn(_ context.Context, orderSn string) (domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	order, ok := r.items[orderSn]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return order, nil
}

// ListByAccount возвращает заказы аккаунта, ограничивая выборку limit (если > 0).
func (r *orderRepositoryInMemory) ListByAccount(_ context.Context, accountID int64, limit int) ([]domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.Order, 0, len(r.items))
	for _, order := range r.items {
		if order.AccountID != accountID {
			continue
		}
		result = append(result, order)
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreateTime.Equal(result[j].CreateTime) {
			return result[i].CreateTime.After(result[j].CreateTime)
		}
		return result[i].OrderSn > result[j].OrderSn
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}

	return result, nil
}

// UpdateStatusBySn выполняет условный переход статуса (compare-and-set).
func (r *orderRepositoryInMemory) UpdateStatusBySn(_ context.Context, orderSn string, from []domain.OrderStatus, to domain.OrderStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	order, ok := r.items[orderSn]
	if !ok {
		return false, nil
	}
	if !statusIn(order.Status, from) {
		return false, nil
	}

	order.Status = to
	order.UpdateTime = time.Now().UTC()
	r.items[orderSn] = order
	return true, nil
}

// UpdatePlacement фиксирует исход размещения; допустим только из NEW.
func (r *orderRepositoryInMemory) UpdatePlacement(_ context.Context, orderSn string, usageID string, to domain.OrderStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	order, ok := r.items[orderSn]
	if !ok {
		return false, nil
	}
	if order.Status != domain.OrderStatusNew {
		return false, nil
	}

	order.Status = to
	order.UsageID = usageID
	order.UpdateTime = time.Now().UTC()
	r.items[orderSn] = order
	return true, nil
}

func statusIn(status domain.OrderStatus, set []domain.OrderStatus) bool {
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}

var _ domain.OrderRepository = (*orderRepositoryInMemory)(nil)
