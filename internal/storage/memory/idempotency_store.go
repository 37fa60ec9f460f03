package memory

import (
	"context"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/quota-saga/internal/domain"
)

// idempotencyStoreInMemory — in-memory check-and-set-шлюз.
type idempotencyStoreInMemory struct {
	mu    sync.Mutex
	items map[string]string
}

// NewIdempotencyStore создаёт in-memory реализацию IdempotencyStore.
func NewIdempotencyStore() domain.IdempotencyStore {
	return &idempotencyStoreInMemory{
		items: make(map[string]string),
	}
}

// CheckAndSet атомарно сравнивает и записывает значение ключа.
func (s *idempotencyStoreInMemory) CheckAndSet(_ context.Context, key, value string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if stored, ok := s.items[key]; ok && stored == value {
		return false, nil
	}
	s.items[key] = value
	return true, nil
}

// Set безусловно записывает значение ключа.
func (s *idempotencyStoreInMemory) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items[key] = value
	return nil
}

// Delete удаляет ключ.
func (s *idempotencyStoreInMemory) Delete(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[key]; !ok {
		return false, nil
	}
	delete(s.items, key)
	return true, nil
}

var _ domain.IdempotencyStore = (*idempotencyStoreInMemory)(nil)

// verificationStoreInMemory — одноразовые проверочные коды с TTL.
type verificationStoreInMemory struct {
	mu    sync.Mutex
	codes map[string]time.Time // код → срок действия
}

// NewVerificationCodeStore создаёт in-memory хранилище проверочных кодов.
func NewVerificationCodeStore() domain.VerificationCodeStore {
	return &verificationStoreInMemory{
		codes: make(map[string]time.Time),
	}
}

// Issue сохраняет код с TTL.
func (s *verificationStoreInMemory) Issue(_ context.Context, code string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.codes[code] = time.Now().UTC().Add(ttl)
	return nil
}

// Consume атомарно гасит код; просроченный код считается отсутствующим.
func (s *verificationStoreInMemory) Consume(_ context.Context, code string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expiry, ok := s.codes[code]
	if !ok {
		return false, nil
	}
	delete(s.codes, code)
	if time.Now().UTC().After(expiry) {
		return false, nil
	}
	return true, nil
}

var _ domain.VerificationCodeStore = (*verificationStoreInMemory)(nil)
