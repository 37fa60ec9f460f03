package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/quota-saga/internal/domain"
	"github.com/vladislavdragonenkov/quota-saga/internal/metrics"
)

// StatusUpdateListener принимает исход размещения от Facade и применяет его
// к заказу. Перед обработкой каждая доставка проходит через шлюз
// идемпотентности: повтор по тому же order_sn отбрасывается.
type StatusUpdateListener struct {
	machine *StateMachine
	orders  domain.OrderRepository
	idem    domain.IdempotencyStore
	logger  *log.Entry
	metrics *metrics.SagaMetrics
}

// NewStatusUpdateListener создаёт слушатель статусных сообщений.
func NewStatusUpdateListener(machine *StateMachine, orders domain.OrderRepository, idem domain.IdempotencyStore, logger *log.Entry) *StatusUpdateListener {
	if logger == nil {
		logger = log.WithField("component", "order-status-listener")
	}
	return &StatusUpdateListener{
		machine: machine,
		orders:  orders,
		idem:    idem,
		logger:  logger,
		metrics: metrics.NewSagaMetrics(),
	}
}

// WithMetrics подставляет разделяемый экземпляр метрик сервиса.
func (l *StatusUpdateListener) WithMetrics(sm *metrics.SagaMetrics) *StatusUpdateListener {
	if sm != nil {
		l.metrics = sm
	}
	return l
}

// Handle обрабатывает одно статусное сообщение.
func (l *StatusUpdateListener) Handle(ctx context.Context, msg domain.Message) error {
	var upd domain.OrderStatusUpdate
	if err := json.Unmarshal(msg.Body, &upd); err != nil {
		return fmt.Errorf("decode order status update: %w", err)
	}
	if upd.OrderSn == "" {
		return fmt.Errorf("order status update: %w", domain.ErrOrderSnRequired)
	}

	tokenKey := domain.OrderStatusUpdateKey(upd.OrderSn)
	fresh, err := l.idem.CheckAndSet(ctx, tokenKey, upd.OrderSn)
	if err != nil {
		return fmt.Errorf("idempotency check: %w", err)
	}
	if !fresh {
		l.metrics.RecordDuplicateDelivery("order-status-update")
		l.logger.WithField("order_sn", upd.OrderSn).Debug("duplicate status update skipped")
		return nil
	}

	if err := l.machine.UpdatePlacementStatus(ctx, upd); err != nil {
		// Токен снимается, чтобы повторная доставка смогла дообработать.
		if _, delErr := l.idem.Delete(ctx, tokenKey); delErr != nil {
			l.logger.WithError(delErr).WithField("order_sn", upd.OrderSn).
				Error("failed to roll back idempotency token, manual intervention required")
		}
		return err
	}

	if order, err := l.orders.FindByOrderSn(ctx, upd.OrderSn); err == nil {
		l.metrics.RecordPlacementDuration(time.Since(order.CreateTime))
	}
	return nil
}

// ScheduledCloseListener обрабатывает отложенное сообщение закрытия:
// спустя окно подтверждения заказ, оставшийся в SUCCESS, отменяется по
// таймауту с возвратом квоты.
type ScheduledCloseListener struct {
	machine *StateMachine
	orders  domain.OrderRepository
	idem    domain.IdempotencyStore
	logger  *log.Entry
	metrics *metrics.SagaMetrics
}

// NewScheduledCloseListener создаёт слушатель отложенного закрытия.
func NewScheduledCloseListener(machine *StateMachine, orders domain.OrderRepository, idem domain.IdempotencyStore, logger *log.Entry) *ScheduledCloseListener {
	if logger == nil {
		logger = log.WithField("component", "scheduled-close-listener")
	}
	return &ScheduledCloseListener{
		machine: machine,
		orders:  orders,
		idem:    idem,
		logger:  logger,
		metrics: metrics.NewSagaMetrics(),
	}
}

// WithMetrics подставляет разделяемый экземпляр метрик сервиса.
func (l *ScheduledCloseListener) WithMetrics(sm *metrics.SagaMetrics) *ScheduledCloseListener {
	if sm != nil {
		l.metrics = sm
	}
	return l
}

// Handle обрабатывает одно сообщение закрытия.
func (l *ScheduledCloseListener) Handle(ctx context.Context, msg domain.Message) error {
	var evt domain.OrderScheduledClose
	if err := json.Unmarshal(msg.Body, &evt); err != nil {
		return fmt.Errorf("decode scheduled close: %w", err)
	}
	if evt.OrderSn == "" {
		return fmt.Errorf("scheduled close: %w", domain.ErrOrderSnRequired)
	}

	tokenKey := domain.OrderScheduledCloseKey(evt.OrderSn)
	fresh, err := l.idem.CheckAndSet(ctx, tokenKey, evt.OrderSn)
	if err != nil {
		return fmt.Errorf("idempotency check: %w", err)
	}
	if !fresh {
		l.metrics.RecordDuplicateDelivery("order-scheduled-close")
		l.logger.WithField("order_sn", evt.OrderSn).Debug("duplicate scheduled close skipped")
		return nil
	}

	// Свежее чтение: между постановкой таймера и его срабатыванием заказ
	// мог быть подтверждён или отменён пользователем.
	current, err := l.orders.FindByOrderSn(ctx, evt.OrderSn)
	if err != nil {
		return l.rollbackToken(ctx, tokenKey, evt.OrderSn, err)
	}
	if current.Status.Terminal() {
		l.logger.WithFields(log.Fields{
			"order_sn": evt.OrderSn,
			"status":   current.Status.String(),
		}).Debug("order already resolved, scheduled close is a no-op")
		return nil
	}

	if err := l.machine.CloseOrder(ctx, evt.OrderSn); err != nil {
		if errors.Is(err, domain.ErrOrderNotCancellable) {
			// Подтверждение выиграло гонку внутри транзакции закрытия.
			l.logger.WithField("order_sn", evt.OrderSn).Debug("order resolved concurrently, close dropped")
			return nil
		}
		return l.rollbackToken(ctx, tokenKey, evt.OrderSn, err)
	}
	return nil
}

func (l *ScheduledCloseListener) rollbackToken(ctx context.Context, tokenKey, orderSn string, cause error) error {
	if _, delErr := l.idem.Delete(ctx, tokenKey); delErr != nil {
		l.logger.WithError(delErr).WithField("order_sn", orderSn).
			Error("failed to roll back idempotency token, manual intervention required")
	}
	return cause
}

var (
	_ = domain.Handler((*StatusUpdateListener)(nil).Handle)
	_ = domain.Handler((*ScheduledCloseListener)(nil).Handle)
)
