// Package order — Security-сторона саги: машина состояний заказа на квоту
// и слушатели статусных/отложенных сообщений.
package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/quota-saga/internal/domain"
	"github.com/vladislavdragonenkov/quota-saga/internal/metrics"
	"github.com/vladislavdragonenkov/quota-saga/internal/ordersn"
	"github.com/vladislavdragonenkov/quota-saga/internal/txn"
)

// DefaultCloseDelay — окно, в течение которого размещённый заказ ждёт
// подтверждения, прежде чем отложенное сообщение закроет его.
const DefaultCloseDelay = 60 * time.Second

// CreateOrderRequest — запрос на создание заказа.
type CreateOrderRequest struct {
	AccountID        int64
	DigestID         int64
	Quantity         string
	Description      string
	VerificationCode string
}

// CancelOrderRequest — запрос пользователя на отмену заказа.
type CancelOrderRequest struct {
	OrderSn string
}

// ConfirmOrderRequest — запрос клиента на подтверждение заказа.
// Quantity позволяет подтвердить часть резерва; пустое значение
// подтверждает заказ целиком.
type ConfirmOrderRequest struct {
	OrderSn  string
	Quantity string
}

// StateMachine управляет переходами статусов заказа и спаривает каждый
// межсервисный шаг с транзакционным сообщением.
type StateMachine struct {
	orders     domain.OrderRepository
	idem       domain.IdempotencyStore
	codes      domain.VerificationCodeStore
	bus        domain.MessageBus
	mgr        txn.Manager
	sn         *ordersn.Generator
	logger     *log.Entry
	metrics    *metrics.SagaMetrics
	closeDelay time.Duration
}

// NewStateMachine создаёт машину состояний заказа.
func NewStateMachine(
	orders domain.OrderRepository,
	idem domain.IdempotencyStore,
	codes domain.VerificationCodeStore,
	bus domain.MessageBus,
	mgr txn.Manager,
	logger *log.Entry,
) *StateMachine {
	if logger == nil {
		logger = log.WithField("component", "order-state-machine")
	}
	return &StateMachine{
		orders:     orders,
		idem:       idem,
		codes:      codes,
		bus:        bus,
		mgr:        mgr,
		sn:         ordersn.New(),
		logger:     logger,
		metrics:    metrics.NewSagaMetrics(),
		closeDelay: DefaultCloseDelay,
	}
}

// WithCloseDelay переопределяет окно подтверждения (для тестов).
func (m *StateMachine) WithCloseDelay(delay time.Duration) *StateMachine {
	m.closeDelay = delay
	return m
}

// WithMetrics подставляет разделяемый экземпляр метрик сервиса.
func (m *StateMachine) WithMetrics(sm *metrics.SagaMetrics) *StateMachine {
	if sm != nil {
		m.metrics = sm
	}
	return m
}

// CreateOrder проверяет одноразовый код клиента, сохраняет заказ в статусе
// NEW и транзакционно отправляет запрос на списание квоты. Возвращает
// order_sn сразу после подтверждения публикации, не дожидаясь исхода
// списания на стороне Facade.
func (m *StateMachine) CreateOrder(ctx context.Context, req CreateOrderRequest) (string, error) {
	quantity, err := domain.ParseQuantity(req.Quantity)
	if err != nil {
		return "", err
	}

	ok, err := m.codes.Consume(ctx, req.VerificationCode)
	if err != nil {
		return "", fmt.Errorf("consume verification code: %w", err)
	}
	if !ok {
		return "", domain.ErrVerification
	}

	orderSn := m.sn.Next()
	now := time.Now().UTC()
	order := domain.Order{
		ID:          uuid.NewString(),
		OrderSn:     orderSn,
		Description: req.Description,
		AccountID:   req.AccountID,
		DigestID:    req.DigestID,
		Quantity:    domain.FormatQuantity(quantity),
		Status:      domain.OrderStatusNew,
		CreateTime:  now,
		UpdateTime:  now,
	}

	if errs := order.ValidateInvariants(); len(errs) > 0 {
		return "", errs[0]
	}

	body, err := json.Marshal(domain.StockDeductionRequest{
		AccountID: req.AccountID,
		DigestID:  req.DigestID,
		Quantity:  order.Quantity,
		OrderSn:   orderSn,
	})
	if err != nil {
		return "", fmt.Errorf("marshal deduction request: %w", err)
	}

	local := func(ctx context.Context) error {
		return m.mgr.WithTransaction(ctx, func(ctx context.Context, tx *txn.Tx) error {
			return m.orders.Create(ctx, order)
		})
	}
	// Существование строки заказа — единственный долговечный признак того,
	// что локальная транзакция создания зафиксирована.
	check := func(ctx context.Context) domain.TxDecision {
		_, err := m.orders.FindByOrderSn(ctx, orderSn)
		switch {
		case err == nil:
			return domain.TxCommit
		case errors.Is(err, domain.ErrOrderNotFound):
			return domain.TxRollback
		default:
			return domain.TxUnknown
		}
	}

	msg := domain.Message{
		Topic: domain.TopicFacadeTransaction,
		Tag:   domain.TagStockDeduction,
		Key:   orderSn,
		Body:  body,
	}
	if err := m.bus.SendTransactional(ctx, msg, local, check); err != nil {
		m.logger.WithError(err).WithField("order_sn", orderSn).Error("order creation failed")
		return "", fmt.Errorf("%w: %v", domain.ErrServer, err)
	}

	m.metrics.RecordOrderCreated()
	m.logger.WithFields(log.Fields{
		"order_sn":   orderSn,
		"account_id": req.AccountID,
		"digest_id":  req.DigestID,
		"quantity":   order.Quantity,
	}).Info("order created, stock deduction requested")
	return orderSn, nil
}

// UpdatePlacementStatus применяет исход размещения, о котором сообщил
// Facade: статус и usage_id записываются безусловно (Facade — источник
// истины для исхода списания). При переходе в SUCCESS ставится отложенное
// сообщение на закрытие заказа.
func (m *StateMachine) UpdatePlacementStatus(ctx context.Context, upd domain.OrderStatusUpdate) error {
	if upd.OrderStatus != domain.OrderStatusSuccess && upd.OrderStatus != domain.OrderStatusStockShortage {
		return fmt.Errorf("unexpected placement status %s", upd.OrderStatus)
	}

	return m.mgr.WithTransaction(ctx, func(ctx context.Context, tx *txn.Tx) error {
		applied, err := m.orders.UpdatePlacement(ctx, upd.OrderSn, upd.UsageID, upd.OrderStatus)
		if err != nil {
			return fmt.Errorf("update placement: %w", err)
		}
		if !applied {
			// Заказ уже ушёл из NEW: повтор или гонка с отменой.
			m.logger.WithField("order_sn", upd.OrderSn).Debug("placement update skipped, order already moved")
			return nil
		}

		tx.OnCommit(func() {
			m.metrics.RecordOrderPlaced(upd.OrderStatus.String())
			if upd.OrderStatus != domain.OrderStatusSuccess {
				return
			}
			body, err := json.Marshal(domain.OrderScheduledClose{OrderSn: upd.OrderSn})
			if err != nil {
				m.logger.WithError(err).WithField("order_sn", upd.OrderSn).Error("marshal scheduled close")
				return
			}
			msg := domain.Message{
				Topic: domain.TopicSecurityDelay,
				Tag:   domain.TagOrderScheduledClose,
				Key:   upd.OrderSn,
				Body:  body,
			}
			if err := m.bus.SendDelayed(ctx, msg, m.closeDelay); err != nil {
				// Заказ останется в SUCCESS без таймера; нужен оператор.
				m.logger.WithError(err).WithField("order_sn", upd.OrderSn).
					Error("failed to schedule order close, manual intervention required")
			}
		})
		return nil
	})
}

// CancelOrder отменяет заказ по инициативе пользователя.
func (m *StateMachine) CancelOrder(ctx context.Context, req CancelOrderRequest) error {
	if err := m.release(ctx, req.OrderSn, domain.OrderStatusUserCancellation); err != nil {
		return err
	}
	m.metrics.RecordOrderCancelled("user")
	return nil
}

// CloseOrder закрывает неподтверждённый заказ по таймауту; вызывается
// слушателем отложенного сообщения.
func (m *StateMachine) CloseOrder(ctx context.Context, orderSn string) error {
	if err := m.release(ctx, orderSn, domain.OrderStatusTimeoutCancellation); err != nil {
		return err
	}
	m.metrics.RecordOrderCancelled("timeout")
	return nil
}

// release — общий путь компенсации: локальная транзакция «заряжает» токен
// идемпотентности release-сообщения и переводит заказ в статус отмены,
// после чего транзакционно отправляется StockRelease.
func (m *StateMachine) release(ctx context.Context, orderSn string, target domain.OrderStatus) error {
	order, err := m.orders.FindByOrderSn(ctx, orderSn)
	if err != nil {
		return err
	}
	if order.Status.Terminal() {
		return domain.ErrOrderNotCancellable
	}
	quantity, err := domain.ParseQuantity(order.Quantity)
	if err != nil {
		return err
	}

	body, err := json.Marshal(domain.StockRelease{
		OrderSn:   orderSn,
		AccountID: order.AccountID,
		DigestID:  order.DigestID,
		Quantity:  domain.FormatQuantity(quantity),
	})
	if err != nil {
		return fmt.Errorf("marshal stock release: %w", err)
	}

	local := func(ctx context.Context) error {
		return m.mgr.WithTransaction(ctx, func(ctx context.Context, tx *txn.Tx) error {
			if err := m.idem.Set(ctx, domain.StockReleaseKey(orderSn), domain.ReleasePendingToken(orderSn)); err != nil {
				return fmt.Errorf("prime release token: %w", err)
			}
			applied, err := m.orders.UpdateStatusBySn(ctx, orderSn,
				[]domain.OrderStatus{domain.OrderStatusNew, domain.OrderStatusSuccess}, target)
			if err != nil {
				return fmt.Errorf("update order status: %w", err)
			}
			if !applied {
				// Конкурентное подтверждение или другая отмена успели раньше.
				return domain.ErrOrderNotCancellable
			}
			return nil
		})
	}
	// Отправлять release можно, только если заказ действительно в статусе
	// отмены: гонка с подтверждением разрешается откатом сообщения.
	check := func(ctx context.Context) domain.TxDecision {
		current, err := m.orders.FindByOrderSn(ctx, orderSn)
		switch {
		case err == nil && (current.Status == domain.OrderStatusTimeoutCancellation ||
			current.Status == domain.OrderStatusUserCancellation):
			return domain.TxCommit
		case err == nil, errors.Is(err, domain.ErrOrderNotFound):
			return domain.TxRollback
		default:
			return domain.TxUnknown
		}
	}

	msg := domain.Message{
		Topic: domain.TopicFacadeTransaction,
		Tag:   domain.TagStockRelease,
		Key:   orderSn,
		Body:  body,
	}
	if err := m.bus.SendTransactional(ctx, msg, local, check); err != nil {
		if errors.Is(err, domain.ErrOrderNotCancellable) {
			return domain.ErrOrderNotCancellable
		}
		m.logger.WithError(err).WithFields(log.Fields{
			"order_sn": orderSn,
			"target":   target.String(),
		}).Error("stock release failed")
		return fmt.Errorf("%w: %v", domain.ErrServer, err)
	}

	m.logger.WithFields(log.Fields{
		"order_sn": orderSn,
		"target":   target.String(),
	}).Info("order cancelled, stock release requested")
	return nil
}

// ConfirmOrder фиксирует зарезервированную квоту: локальная транзакция
// переводит заказ из SUCCESS в CONFIRMED, сообщение подтверждения уходит
// транзакционно. Клиент может подтвердить часть резерва; без явного
// количества подтверждается заказ целиком.
func (m *StateMachine) ConfirmOrder(ctx context.Context, req ConfirmOrderRequest) error {
	order, err := m.orders.FindByOrderSn(ctx, req.OrderSn)
	if err != nil {
		return err
	}
	if order.Status != domain.OrderStatusSuccess {
		return domain.ErrOrderNotConfirmable
	}
	ordered, err := domain.ParseQuantity(order.Quantity)
	if err != nil {
		return err
	}
	quantity := ordered
	if req.Quantity != "" {
		quantity, err = domain.ParseQuantity(req.Quantity)
		if err != nil {
			return err
		}
		if quantity > ordered {
			return fmt.Errorf("confirm quantity %d exceeds ordered %d: %w",
				quantity, ordered, domain.ErrQuantityInvalid)
		}
	}

	body, err := json.Marshal(domain.StockConfirmation{
		OrderSn:  req.OrderSn,
		UsageID:  order.UsageID,
		Quantity: domain.FormatQuantity(quantity),
	})
	if err != nil {
		return fmt.Errorf("marshal stock confirmation: %w", err)
	}

	local := func(ctx context.Context) error {
		return m.mgr.WithTransaction(ctx, func(ctx context.Context, tx *txn.Tx) error {
			applied, err := m.orders.UpdateStatusBySn(ctx, req.OrderSn,
				[]domain.OrderStatus{domain.OrderStatusSuccess}, domain.OrderStatusConfirmed)
			if err != nil {
				return fmt.Errorf("update order status: %w", err)
			}
			if !applied {
				return domain.ErrOrderNotConfirmable
			}
			return nil
		})
	}
	check := func(ctx context.Context) domain.TxDecision {
		current, err := m.orders.FindByOrderSn(ctx, req.OrderSn)
		switch {
		case err == nil && current.Status == domain.OrderStatusConfirmed:
			return domain.TxCommit
		case err == nil, errors.Is(err, domain.ErrOrderNotFound):
			return domain.TxRollback
		default:
			return domain.TxUnknown
		}
	}

	msg := domain.Message{
		Topic: domain.TopicFacadeTransaction,
		Tag:   domain.TagStockConfirmation,
		Key:   req.OrderSn,
		Body:  body,
	}
	if err := m.bus.SendTransactional(ctx, msg, local, check); err != nil {
		if errors.Is(err, domain.ErrOrderNotConfirmable) {
			return domain.ErrOrderNotConfirmable
		}
		m.logger.WithError(err).WithField("order_sn", req.OrderSn).Error("order confirmation failed")
		return fmt.Errorf("%w: %v", domain.ErrServer, err)
	}

	m.metrics.RecordOrderConfirmed()
	m.logger.WithField("order_sn", req.OrderSn).Info("order confirmed")
	return nil
}

// OrderBySn возвращает заказ для чтения (витрина для внешней поверхности).
func (m *StateMachine) OrderBySn(ctx context.Context, orderSn string) (domain.Order, error) {
	return m.orders.FindByOrderSn(ctx, orderSn)
}
