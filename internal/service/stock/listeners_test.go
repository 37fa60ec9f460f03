package stock_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/quota-saga/internal/domain"
	"github.com/vladislavdragonenkov/quota-saga/internal/messaging"
	"github.com/vladislavdragonenkov/quota-saga/internal/messaging/inmem"
	"github.com/vladislavdragonenkov/quota-saga/internal/service/stock"
	"github.com/vladislavdragonenkov/quota-saga/internal/storage/memory"
	"github.com/vladislavdragonenkov/quota-saga/internal/txn"
)

func releaseMessage(t *testing.T, orderSn string, accountID, digestID int64, quantity string) domain.Message {
	t.Helper()
	body, err := json.Marshal(domain.StockRelease{
		OrderSn:   orderSn,
		AccountID: accountID,
		DigestID:  digestID,
		Quantity:  quantity,
	})
	require.NoError(t, err)
	return domain.Message{
		Topic: domain.TopicFacadeTransaction,
		Tag:   domain.TagStockRelease,
		Key:   orderSn,
		Body:  body,
	}
}

func TestReleaseListener_PrimedTokenAdmitsFirstDelivery(t *testing.T) {
	ctx := context.Background()
	repo, usageID := memory.NewStockRepositoryWithStock(7, 42, 50)
	idem := memory.NewIdempotencyStore()
	listener := stock.NewReleaseListener(repo, idem, txn.NewMemoryManager(nil), nil)

	const orderSn = "sn-release-1"
	// Security заряжает токен до отправки сообщения; значение токена
	// отличается от order_sn, поэтому первая доставка проходит шлюз.
	require.NoError(t, idem.Set(ctx, domain.StockReleaseKey(orderSn), domain.ReleasePendingToken(orderSn)))

	require.NoError(t, listener.Handle(ctx, releaseMessage(t, orderSn, 7, 42, "10")))

	counter, err := repo.FindByUsageID(ctx, usageID)
	require.NoError(t, err)
	assert.Equal(t, int64(60), counter.Stock)

	// Повторная доставка — уже дубликат.
	require.NoError(t, listener.Handle(ctx, releaseMessage(t, orderSn, 7, 42, "10")))
	counter, err = repo.FindByUsageID(ctx, usageID)
	require.NoError(t, err)
	assert.Equal(t, int64(60), counter.Stock, "duplicate release must not double-credit")
}

func TestReleaseListener_UnknownDigestIsInconsistency(t *testing.T) {
	ctx := context.Background()
	repo, _ := memory.NewStockRepositoryWithStock(7, 42, 50)
	idem := memory.NewIdempotencyStore()
	listener := stock.NewReleaseListener(repo, idem, txn.NewMemoryManager(nil), nil)

	err := listener.Handle(ctx, releaseMessage(t, "sn-release-2", 7, 999, "10"))
	assert.True(t, domain.IsDataInconsistency(err), "unexpected error: %v", err)

	// Токен откатился: повторная доставка снова доходит до репозитория.
	fresh, err := idem.CheckAndSet(ctx, domain.StockReleaseKey("sn-release-2"), "sn-release-2")
	require.NoError(t, err)
	assert.True(t, fresh, "failed delivery must roll back its idempotency token")
}

func TestReleaseListener_CreditsOnlyOriginatingAccount(t *testing.T) {
	ctx := context.Background()
	repo, usageA := memory.NewStockRepositoryWithStock(1, 42, 50)
	idem := memory.NewIdempotencyStore()
	listener := stock.NewReleaseListener(repo, idem, txn.NewMemoryManager(nil), nil)

	// Чужой аккаунт с тем же digest: возврат его трогать не должен.
	usageB, err := repo.EnsureUsage(ctx, 2, 42)
	require.NoError(t, err)

	require.NoError(t, listener.Handle(ctx, releaseMessage(t, "sn-release-3", 1, 42, "30")))

	counterA, err := repo.FindByUsageID(ctx, usageA)
	require.NoError(t, err)
	assert.Equal(t, int64(80), counterA.Stock, "release must credit the deducting account")

	counterB, err := repo.FindByUsageID(ctx, usageB)
	require.NoError(t, err)
	assert.Zero(t, counterB.Stock, "release must not leak into another account")
}

func TestConfirmationListener_UnknownUsageRollsBackToken(t *testing.T) {
	ctx := context.Background()
	repo, _ := memory.NewStockRepositoryWithStock(7, 42, 50)
	idem := memory.NewIdempotencyStore()
	sem := memory.NewPermitSemaphore()
	listener := stock.NewConfirmationListener(repo, idem, sem, txn.NewMemoryManager(nil), nil)

	body, err := json.Marshal(domain.StockConfirmation{
		OrderSn:  "sn-confirm-1",
		UsageID:  "missing-usage",
		Quantity: "10",
	})
	require.NoError(t, err)

	err = listener.Handle(ctx, domain.Message{
		Topic: domain.TopicFacadeTransaction,
		Tag:   domain.TagStockConfirmation,
		Key:   "sn-confirm-1",
		Body:  body,
	})
	assert.ErrorIs(t, err, domain.ErrDataInconsistency)

	permits, err := sem.Available(ctx, "missing-usage")
	require.NoError(t, err)
	assert.Zero(t, permits, "failed confirmation must not issue permits")

	fresh, err := idem.CheckAndSet(ctx, domain.StockConfirmationKey("sn-confirm-1"), "sn-confirm-1")
	require.NoError(t, err)
	assert.True(t, fresh, "failed delivery must roll back its idempotency token")
}

func TestDeductionListener_LazyUsageCreation(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewStockRepository()
	idem := memory.NewIdempotencyStore()
	registry := messaging.NewRegistry()
	bus := inmem.NewBus(registry, nil)
	listener := stock.NewDeductionListener(repo, idem, bus, txn.NewMemoryManager(nil), nil)

	body, err := json.Marshal(domain.StockDeductionRequest{
		AccountID: 11,
		DigestID:  12,
		Quantity:  "5",
		OrderSn:   "sn-deduct-1",
	})
	require.NoError(t, err)

	require.NoError(t, listener.Handle(ctx, domain.Message{
		Topic: domain.TopicFacadeTransaction,
		Tag:   domain.TagStockDeduction,
		Key:   "sn-deduct-1",
		Body:  body,
	}))

	// Записи не было, она создана лениво с нулевым остатком: списание
	// обязано ответить нехваткой, а не ошибкой.
	sent := bus.Sent()
	require.Len(t, sent, 1)
	var update domain.OrderStatusUpdate
	require.NoError(t, json.Unmarshal(sent[0].Body, &update))
	assert.Equal(t, domain.OrderStatusStockShortage, update.OrderStatus)
	assert.NotEmpty(t, update.UsageID)

	counter, err := repo.FindByUsageID(ctx, update.UsageID)
	require.NoError(t, err)
	assert.Zero(t, counter.Stock)
	assert.Equal(t, int64(5), counter.Failure)
}

func TestDeductionListener_RejectsMalformedQuantity(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewStockRepository()
	idem := memory.NewIdempotencyStore()
	registry := messaging.NewRegistry()
	bus := inmem.NewBus(registry, nil)
	listener := stock.NewDeductionListener(repo, idem, bus, txn.NewMemoryManager(nil), nil)

	body, err := json.Marshal(domain.StockDeductionRequest{
		AccountID: 11,
		DigestID:  12,
		Quantity:  "-3",
		OrderSn:   "sn-deduct-2",
	})
	require.NoError(t, err)

	err = listener.Handle(ctx, domain.Message{
		Topic: domain.TopicFacadeTransaction,
		Tag:   domain.TagStockDeduction,
		Key:   "sn-deduct-2",
		Body:  body,
	})
	assert.ErrorIs(t, err, domain.ErrQuantityInvalid)
	assert.Empty(t, bus.Sent())
}
