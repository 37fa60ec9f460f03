package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/quota-saga/internal/domain"
)

// stockRepositoryInMemory — in-memory реализация счётчиков квоты.
// Условные апдейты сериализуются мьютексом так же, как в SQL-реализации
// их сериализует строковая блокировка.
type stockRepositoryInMemory struct {
	mu      sync.RWMutex
	byUsage map[string]domain.StockCounter
	byPair  map[string]string // (account, digest) → usage_id
}

// NewStockRepository возвращает in-memory репозиторий счётчиков квоты.
func NewStockRepository() domain.StockRepository {
	return &stockRepositoryInMemory{
		byUsage: make(map[string]domain.StockCounter),
		byPair:  make(map[string]string),
	}
}

// NewStockRepositoryWithStock создаёт репозиторий с преднаполненной записью
// (для тестов и локальных прогонов).
func NewStockRepositoryWithStock(accountID, digestID, stock int64) (domain.StockRepository, string) {
	repo := &stockRepositoryInMemory{
		byUsage: make(map[string]domain.StockCounter),
		byPair:  make(map[string]string),
	}
	usageID, _ := repo.EnsureUsage(context.Background(), accountID, digestID)
	counter := repo.byUsage[usageID]
	counter.Stock = stock
	repo.byUsage[usageID] = counter
	return repo, usageID
}

func pairKey(accountID, digestID int64) string {
	return fmt.Sprintf("%d:%d", accountID, digestID)
}

// EnsureUsage лениво создаёт запись (аккаунт, digest) и возвращает её usage_id.
func (r *stockRepositoryInMemory) EnsureUsage(_ context.Context, accountID, digestID int64) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := pairKey(accountID, digestID)
	if usageID, ok := r.byPair[key]; ok {
		return usageID, nil
	}

	now := time.Now().UTC()
	usageID := uuid.NewString()
	r.byPair[key] = usageID
	r.byUsage[usageID] = domain.StockCounter{
		UsageID:     usageID,
		AccountID:   accountID,
		DigestID:    digestID,
		UsageStatus: domain.UsageStatusActive,
		CreateTime:  now,
		UpdateTime:  now,
	}
	return usageID, nil
}

// FindByUsageID возвращает счётчик или ErrUsageNotFound.
func (r *stockRepositoryInMemory) FindByUsageID(_ context.Context, usageID string) (domain.StockCounter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counter, ok := r.byUsage[usageID]
	if !ok {
		return domain.StockCounter{}, domain.ErrUsageNotFound
	}
	return counter, nil
}

// DeductIfSufficient уменьшает доступный резерв, если его хватает.
func (r *stockRepositoryInMemory) DeductIfSufficient(_ context.Context, usageID string, quantity int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	counter, ok := r.byUsage[usageID]
	if !ok || counter.Stock < quantity {
		return false, nil
	}

	counter.Stock -= quantity
	counter.UpdateTime = time.Now().UTC()
	r.byUsage[usageID] = counter
	return true, nil
}

// AddFailure накапливает количество по неуспешным заказам.
func (r *stockRepositoryInMemory) AddFailure(_ context.Context, usageID string, quantity int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	counter, ok := r.byUsage[usageID]
	if !ok {
		return domain.ErrUsageNotFound
	}
	counter.Failure += quantity
	counter.UpdateTime = time.Now().UTC()
	r.byUsage[usageID] = counter
	return nil
}

// AddConfirmed добавляет количество к подтверждённому счётчику.
func (r *stockRepositoryInMemory) AddConfirmed(_ context.Context, usageID string, quantity int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	counter, ok := r.byUsage[usageID]
	if !ok {
		return false, nil
	}
	counter.Total += quantity
	counter.UpdateTime = time.Now().UTC()
	r.byUsage[usageID] = counter
	return true, nil
}

// Release возвращает резерв записи (аккаунт, digest).
func (r *stockRepositoryInMemory) Release(_ context.Context, accountID, digestID int64, quantity int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	usageID, ok := r.byPair[pairKey(accountID, digestID)]
	if !ok {
		return false, nil
	}
	counter := r.byUsage[usageID]
	counter.Stock += quantity
	counter.UpdateTime = time.Now().UTC()
	r.byUsage[usageID] = counter
	return true, nil
}

var _ domain.StockRepository = (*stockRepositoryInMemory)(nil)
