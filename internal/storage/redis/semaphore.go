package redis

import (
	"context"

	rd "github.com/redis/go-redis/v9"

	"github.com/vladislavdragonenkov/quota-saga/internal/domain"
)

// luaAcquireOne забирает одно разрешение, если счётчик положителен.
const luaAcquireOne = `
local available = tonumber(redis.call('GET', KEYS[1]) or '0')
if available <= 0 then
  return 0
end
redis.call('DECR', KEYS[1])
return 1
`

// semaphore — счётчик разрешений на вызовы по учётной записи квоты.
// INCRBY/DECR атомарны на стороне Redis, поэтому конкурентные потребители
// не требуют координации.
type semaphore struct {
	client *rd.Client
}

// NewPermitSemaphore создаёт Redis-семафор разрешений.
func NewPermitSemaphore(client *rd.Client) domain.PermitSemaphore {
	return &semaphore{client: client}
}

func (s *semaphore) AddPermits(ctx context.Context, usageID string, permits int64) error {
	return s.client.IncrBy(ctx, domain.PermitsKey(usageID), permits).Err()
}

func (s *semaphore) TryAcquire(ctx context.Context, usageID string) (bool, error) {
	n, err := s.client.Eval(ctx, luaAcquireOne, []string{domain.PermitsKey(usageID)}).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *semaphore) Available(ctx context.Context, usageID string) (int64, error) {
	n, err := s.client.Get(ctx, domain.PermitsKey(usageID)).Int64()
	if err == rd.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return n, nil
}

var _ domain.PermitSemaphore = (*semaphore)(nil)
