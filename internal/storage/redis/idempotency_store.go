package redis

import (
	"context"
	"time"

	rd "github.com/redis/go-redis/v9"

	"github.com/vladislavdragonenkov/quota-saga/internal/domain"
)

// Токены живут дольше любого разумного окна redelivery брокера.
const tokenTTL = 7 * 24 * time.Hour

// luaCheckAndSet сравнивает сохранённое значение с keys-идентификатором
// доставки: совпадение — дубликат (0), иначе значение записывается (1).
const luaCheckAndSet = `
local stored = redis.call('GET', KEYS[1])
if stored == ARGV[1] then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'EX', tonumber(ARGV[2]))
return 1
`

// idempotencyStore реализует check-and-set-шлюз на Redis.
type idempotencyStore struct {
	client *rd.Client
}

// NewIdempotencyStore создаёт Redis-реализацию IdempotencyStore.
func NewIdempotencyStore(client *rd.Client) domain.IdempotencyStore {
	return &idempotencyStore{client: client}
}

func (s *idempotencyStore) CheckAndSet(ctx context.Context, key, value string) (bool, error) {
	n, err := s.client.Eval(ctx, luaCheckAndSet, []string{key}, value, int64(tokenTTL/time.Second)).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *idempotencyStore) Set(ctx context.Context, key, value string) error {
	return s.client.Set(ctx, key, value, tokenTTL).Err()
}

func (s *idempotencyStore) Delete(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Del(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

var _ domain.IdempotencyStore = (*idempotencyStore)(nil)

// verificationStore — одноразовые проверочные коды клиента.
type verificationStore struct {
	client *rd.Client
}

// NewVerificationCodeStore создаёт Redis-хранилище проверочных кодов.
func NewVerificationCodeStore(client *rd.Client) domain.VerificationCodeStore {
	return &verificationStore{client: client}
}

func (s *verificationStore) Issue(ctx context.Context, code string, ttl time.Duration) error {
	return s.client.Set(ctx, domain.VerificationCodeKey(code), "1", ttl).Err()
}

// Consume гасит код атомарным GETDEL: повторное использование невозможно.
func (s *verificationStore) Consume(ctx context.Context, code string) (bool, error) {
	val, err := s.client.GetDel(ctx, domain.VerificationCodeKey(code)).Result()
	if err == rd.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return val != "", nil
}

var _ domain.VerificationCodeStore = (*verificationStore)(nil)
