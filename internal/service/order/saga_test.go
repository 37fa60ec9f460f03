package order_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/quota-saga/internal/domain"
	"github.com/vladislavdragonenkov/quota-saga/internal/messaging"
	"github.com/vladislavdragonenkov/quota-saga/internal/messaging/inmem"
	"github.com/vladislavdragonenkov/quota-saga/internal/service/order"
	"github.com/vladislavdragonenkov/quota-saga/internal/service/stock"
	"github.com/vladislavdragonenkov/quota-saga/internal/storage/memory"
	"github.com/vladislavdragonenkov/quota-saga/internal/txn"
)

const (
	testAccountID = int64(7)
	testDigestID  = int64(42)
	testCode      = "482913"
)

// saga собирает обе стороны поверх in-memory хранилищ и синхронной шины:
// сообщение, отправленное Security, обрабатывается Facade в том же вызове.
type saga struct {
	orders       domain.OrderRepository
	stockRepo    domain.StockRepository
	usageID      string
	bus          *inmem.Bus
	machine      *order.StateMachine
	codes        domain.VerificationCodeStore
	sem          domain.PermitSemaphore
	securityIdem domain.IdempotencyStore
	facadeIdem   domain.IdempotencyStore
}

func newSaga(t *testing.T, initialStock int64) *saga {
	t.Helper()

	registry := messaging.NewRegistry()
	bus := inmem.NewBus(registry, nil)
	mgr := txn.NewMemoryManager(nil)

	orders := memory.NewOrderRepository()
	stockRepo, usageID := memory.NewStockRepositoryWithStock(testAccountID, testDigestID, initialStock)
	securityIdem := memory.NewIdempotencyStore()
	facadeIdem := memory.NewIdempotencyStore()
	codes := memory.NewVerificationCodeStore()
	sem := memory.NewPermitSemaphore()

	machine := order.NewStateMachine(orders, securityIdem, codes, bus, mgr, nil).
		WithCloseDelay(time.Minute)

	statusListener := order.NewStatusUpdateListener(machine, orders, securityIdem, nil)
	closeListener := order.NewScheduledCloseListener(machine, orders, securityIdem, nil)
	deductionListener := stock.NewDeductionListener(stockRepo, facadeIdem, bus, mgr, nil)
	confirmationListener := stock.NewConfirmationListener(stockRepo, facadeIdem, sem, mgr, nil)
	releaseListener := stock.NewReleaseListener(stockRepo, facadeIdem, mgr, nil)

	registry.Register(domain.TopicFacadeTransaction, domain.TagStockDeduction, deductionListener.Handle)
	registry.Register(domain.TopicFacadeTransaction, domain.TagStockConfirmation, confirmationListener.Handle)
	registry.Register(domain.TopicFacadeTransaction, domain.TagStockRelease, releaseListener.Handle)
	registry.Register(domain.TopicSecurityNormal, domain.TagOrderStatusUpdate, statusListener.Handle)
	registry.Register(domain.TopicSecurityDelay, domain.TagOrderScheduledClose, closeListener.Handle)

	return &saga{
		orders:       orders,
		stockRepo:    stockRepo,
		usageID:      usageID,
		bus:          bus,
		machine:      machine,
		codes:        codes,
		sem:          sem,
		securityIdem: securityIdem,
		facadeIdem:   facadeIdem,
	}
}

func (s *saga) createOrder(t *testing.T, quantity string) string {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, s.codes.Issue(ctx, testCode, time.Minute))
	orderSn, err := s.machine.CreateOrder(ctx, order.CreateOrderRequest{
		AccountID:        testAccountID,
		DigestID:         testDigestID,
		Quantity:         quantity,
		Description:      "api quota order",
		VerificationCode: testCode,
	})
	require.NoError(t, err)
	require.NotEmpty(t, orderSn)
	return orderSn
}

func (s *saga) counter(t *testing.T) domain.StockCounter {
	t.Helper()
	counter, err := s.stockRepo.FindByUsageID(context.Background(), s.usageID)
	require.NoError(t, err)
	return counter
}

func (s *saga) orderStatus(t *testing.T, orderSn string) domain.OrderStatus {
	t.Helper()
	ord, err := s.orders.FindByOrderSn(context.Background(), orderSn)
	require.NoError(t, err)
	return ord.Status
}

func TestSaga_HappyPathConfirmed(t *testing.T) {
	s := newSaga(t, 100)
	ctx := context.Background()

	orderSn := s.createOrder(t, "30")

	// Синхронная шина: к возврату CreateOrder списание и статус уже применены.
	ord, err := s.orders.FindByOrderSn(ctx, orderSn)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusSuccess, ord.Status)
	assert.Equal(t, s.usageID, ord.UsageID)
	assert.Equal(t, int64(70), s.counter(t).Stock)
	assert.Equal(t, 1, s.bus.DelayedCount(), "placement must schedule a delayed close")

	require.NoError(t, s.machine.ConfirmOrder(ctx, order.ConfirmOrderRequest{OrderSn: orderSn}))

	assert.Equal(t, domain.OrderStatusConfirmed, s.orderStatus(t, orderSn))
	counter := s.counter(t)
	assert.Equal(t, int64(30), counter.Total)
	assert.Equal(t, int64(70), counter.Stock, "confirmation must not touch the remaining stock")

	permits, err := s.sem.Available(ctx, s.usageID)
	require.NoError(t, err)
	assert.Equal(t, int64(30), permits, "confirmed quantity becomes call permits")
}

func TestSaga_StockShortage(t *testing.T) {
	s := newSaga(t, 10)

	orderSn := s.createOrder(t, "30")

	assert.Equal(t, domain.OrderStatusStockShortage, s.orderStatus(t, orderSn))
	counter := s.counter(t)
	assert.Equal(t, int64(10), counter.Stock, "shortage must leave the stock untouched")
	assert.Equal(t, int64(30), counter.Failure)
	assert.Equal(t, 0, s.bus.DelayedCount(), "shortage must not schedule a close")
}

func TestSaga_UserCancellationReleasesStock(t *testing.T) {
	s := newSaga(t, 100)
	ctx := context.Background()

	orderSn := s.createOrder(t, "30")
	require.Equal(t, int64(70), s.counter(t).Stock)

	require.NoError(t, s.machine.CancelOrder(ctx, order.CancelOrderRequest{OrderSn: orderSn}))

	assert.Equal(t, domain.OrderStatusUserCancellation, s.orderStatus(t, orderSn))
	assert.Equal(t, int64(100), s.counter(t).Stock, "cancelled quantity must return to stock")

	// Повторная отмена и подтверждение отменённого заказа отклоняются.
	assert.ErrorIs(t, s.machine.CancelOrder(ctx, order.CancelOrderRequest{OrderSn: orderSn}), domain.ErrOrderNotCancellable)
	assert.ErrorIs(t, s.machine.ConfirmOrder(ctx, order.ConfirmOrderRequest{OrderSn: orderSn}), domain.ErrOrderNotConfirmable)
}

func TestSaga_CancellationCreditsOriginatingAccount(t *testing.T) {
	s := newSaga(t, 100)
	ctx := context.Background()

	// Другой аккаунт держит счётчик того же digest: возврат не для него.
	otherUsage, err := s.stockRepo.EnsureUsage(ctx, testAccountID+1, testDigestID)
	require.NoError(t, err)

	orderSn := s.createOrder(t, "30")
	require.NoError(t, s.machine.CancelOrder(ctx, order.CancelOrderRequest{OrderSn: orderSn}))

	assert.Equal(t, int64(100), s.counter(t).Stock, "release must credit the deducting account")
	other, err := s.stockRepo.FindByUsageID(ctx, otherUsage)
	require.NoError(t, err)
	assert.Zero(t, other.Stock, "release must not leak into another account")
}

func TestSaga_PartialConfirmation(t *testing.T) {
	s := newSaga(t, 100)
	ctx := context.Background()

	orderSn := s.createOrder(t, "5")
	require.Equal(t, int64(95), s.counter(t).Stock)

	require.NoError(t, s.machine.ConfirmOrder(ctx, order.ConfirmOrderRequest{
		OrderSn:  orderSn,
		Quantity: "3",
	}))

	assert.Equal(t, domain.OrderStatusConfirmed, s.orderStatus(t, orderSn))
	counter := s.counter(t)
	assert.Equal(t, int64(3), counter.Total, "only the confirmed part counts")
	assert.Equal(t, int64(95), counter.Stock)

	permits, err := s.sem.Available(ctx, s.usageID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), permits)

	// Таймер обязан промолчать: заказ уже подтверждён.
	delivered := s.bus.DeliverDue(ctx, time.Now().Add(2*time.Minute))
	require.Equal(t, 1, delivered)
	assert.Equal(t, domain.OrderStatusConfirmed, s.orderStatus(t, orderSn))
	assert.Equal(t, int64(95), s.counter(t).Stock)
}

func TestSaga_RejectsConfirmQuantityAboveOrdered(t *testing.T) {
	s := newSaga(t, 100)
	ctx := context.Background()

	orderSn := s.createOrder(t, "5")

	err := s.machine.ConfirmOrder(ctx, order.ConfirmOrderRequest{
		OrderSn:  orderSn,
		Quantity: "6",
	})
	assert.ErrorIs(t, err, domain.ErrQuantityInvalid)

	// Заказ остаётся подтверждаемым, счётчики не тронуты.
	assert.Equal(t, domain.OrderStatusSuccess, s.orderStatus(t, orderSn))
	assert.Zero(t, s.counter(t).Total)
}

func TestSaga_TimeoutClosesUnconfirmedOrder(t *testing.T) {
	s := newSaga(t, 100)
	ctx := context.Background()

	orderSn := s.createOrder(t, "30")
	require.Equal(t, 1, s.bus.DelayedCount())

	delivered := s.bus.DeliverDue(ctx, time.Now().Add(2*time.Minute))
	require.Equal(t, 1, delivered)

	assert.Equal(t, domain.OrderStatusTimeoutCancellation, s.orderStatus(t, orderSn))
	assert.Equal(t, int64(100), s.counter(t).Stock, "timed out quantity must return to stock")

	// Окно подтверждения закрыто.
	assert.ErrorIs(t, s.machine.ConfirmOrder(ctx, order.ConfirmOrderRequest{OrderSn: orderSn}), domain.ErrOrderNotConfirmable)
}

func TestSaga_ConfirmationWinsOverScheduledClose(t *testing.T) {
	s := newSaga(t, 100)
	ctx := context.Background()

	orderSn := s.createOrder(t, "30")
	require.NoError(t, s.machine.ConfirmOrder(ctx, order.ConfirmOrderRequest{OrderSn: orderSn}))

	// Таймер всё равно сработает; закрытие обязано стать no-op.
	delivered := s.bus.DeliverDue(ctx, time.Now().Add(2*time.Minute))
	require.Equal(t, 1, delivered)

	assert.Equal(t, domain.OrderStatusConfirmed, s.orderStatus(t, orderSn))
	counter := s.counter(t)
	assert.Equal(t, int64(70), counter.Stock, "confirmed order must not be released by the timer")
	assert.Equal(t, int64(30), counter.Total)
}

func TestSaga_DuplicateStatusUpdateSkipped(t *testing.T) {
	s := newSaga(t, 100)
	ctx := context.Background()

	orderSn := s.createOrder(t, "30")

	var statusMsg domain.Message
	for _, msg := range s.bus.Sent() {
		if msg.Tag == domain.TagOrderStatusUpdate && msg.Key == orderSn {
			statusMsg = msg
		}
	}
	require.NotEmpty(t, statusMsg.Body, "placement status message must have been published")

	// Повторная доставка того же статуса не меняет ни заказ, ни расписание.
	require.NoError(t, s.bus.Send(ctx, statusMsg))

	assert.Equal(t, domain.OrderStatusSuccess, s.orderStatus(t, orderSn))
	assert.Equal(t, 1, s.bus.DelayedCount(), "duplicate must not schedule a second close")
	assert.Equal(t, int64(70), s.counter(t).Stock)
}

func TestSaga_DuplicateDeductionSkipped(t *testing.T) {
	s := newSaga(t, 100)
	ctx := context.Background()

	orderSn := s.createOrder(t, "30")

	var deductionMsg domain.Message
	for _, msg := range s.bus.Sent() {
		if msg.Tag == domain.TagStockDeduction && msg.Key == orderSn {
			deductionMsg = msg
		}
	}
	require.NotEmpty(t, deductionMsg.Body)

	require.NoError(t, s.bus.Send(ctx, deductionMsg))

	assert.Equal(t, int64(70), s.counter(t).Stock, "duplicate deduction must not double-charge")
}

func TestSaga_RejectsBadVerificationCode(t *testing.T) {
	s := newSaga(t, 100)
	ctx := context.Background()

	_, err := s.machine.CreateOrder(ctx, order.CreateOrderRequest{
		AccountID:        testAccountID,
		DigestID:         testDigestID,
		Quantity:         "30",
		VerificationCode: "000000",
	})
	assert.ErrorIs(t, err, domain.ErrVerification)
	assert.Empty(t, s.bus.Sent(), "rejected request must not publish anything")
}

func TestSaga_VerificationCodeIsSingleUse(t *testing.T) {
	s := newSaga(t, 100)
	ctx := context.Background()

	s.createOrder(t, "30")

	_, err := s.machine.CreateOrder(ctx, order.CreateOrderRequest{
		AccountID:        testAccountID,
		DigestID:         testDigestID,
		Quantity:         "10",
		VerificationCode: testCode,
	})
	assert.ErrorIs(t, err, domain.ErrVerification)
}

func TestSaga_RejectsInvalidQuantity(t *testing.T) {
	s := newSaga(t, 100)
	ctx := context.Background()

	for _, quantity := range []string{"", "0", "-5", "many"} {
		_, err := s.machine.CreateOrder(ctx, order.CreateOrderRequest{
			AccountID:        testAccountID,
			DigestID:         testDigestID,
			Quantity:         quantity,
			VerificationCode: testCode,
		})
		assert.ErrorIs(t, err, domain.ErrQuantityInvalid, "quantity %q", quantity)
	}
}

func TestSaga_RejectsMissingAccount(t *testing.T) {
	s := newSaga(t, 100)
	ctx := context.Background()

	require.NoError(t, s.codes.Issue(ctx, testCode, time.Minute))
	_, err := s.machine.CreateOrder(ctx, order.CreateOrderRequest{
		DigestID:         testDigestID,
		Quantity:         "10",
		VerificationCode: testCode,
	})
	assert.ErrorIs(t, err, domain.ErrAccountIDRequired)
	assert.Empty(t, s.bus.Sent())
}

func TestSaga_CancelUnknownOrder(t *testing.T) {
	s := newSaga(t, 100)

	err := s.machine.CancelOrder(context.Background(), order.CancelOrderRequest{OrderSn: "missing"})
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestSaga_QuantityConservation(t *testing.T) {
	s := newSaga(t, 100)
	ctx := context.Background()

	confirmed := s.createOrder(t, "20")
	cancelled := s.createOrder(t, "30")
	timedOut := s.createOrder(t, "10")

	require.NoError(t, s.machine.ConfirmOrder(ctx, order.ConfirmOrderRequest{OrderSn: confirmed}))
	require.NoError(t, s.machine.CancelOrder(ctx, order.CancelOrderRequest{OrderSn: cancelled}))
	s.bus.DeliverDue(ctx, time.Now().Add(2*time.Minute))

	assert.Equal(t, domain.OrderStatusTimeoutCancellation, s.orderStatus(t, timedOut))

	// Из 100: 20 подтверждены, 30 и 10 вернулись, 40 так и не списывались.
	counter := s.counter(t)
	assert.Equal(t, int64(80), counter.Stock)
	assert.Equal(t, int64(20), counter.Total)
	assert.Equal(t, int64(100), counter.Stock+counter.Total, "quantity must be conserved across the saga")
}

func TestSaga_ListByAccountNewestFirst(t *testing.T) {
	s := newSaga(t, 100)
	ctx := context.Background()

	first := s.createOrder(t, "10")
	second := s.createOrder(t, "10")

	listed, err := s.orders.ListByAccount(ctx, testAccountID, 10)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, second, listed[0].OrderSn)
	assert.Equal(t, first, listed[1].OrderSn)
}
