package memory

import (
	"context"
	"sync"

	"github.com/vladislavdragonenkov/quota-saga/internal/domain"
)

// semaphoreInMemory — счётчик разрешений по учётной записи квоты.
type semaphoreInMemory struct {
	mu      sync.Mutex
	permits map[string]int64
}

// NewPermitSemaphore создаёт in-memory семафор разрешений.
func NewPermitSemaphore() domain.PermitSemaphore {
	return &semaphoreInMemory{
		permits: make(map[string]int64),
	}
}

// AddPermits добавляет разрешения записи usage_id.
func (s *semaphoreInMemory) AddPermits(_ context.Context, usageID string, permits int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.permits[usageID] += permits
	return nil
}

// TryAcquire атомарно забирает одно разрешение.
func (s *semaphoreInMemory) TryAcquire(_ context.Context, usageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.permits[usageID] <= 0 {
		return false, nil
	}
	s.permits[usageID]--
	return true, nil
}

// Available возвращает текущее число разрешений.
func (s *semaphoreInMemory) Available(_ context.Context, usageID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.permits[usageID], nil
}

var _ domain.PermitSemaphore = (*semaphoreInMemory)(nil)
