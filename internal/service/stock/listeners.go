// Package stock — Facade-сторона саги: слушатели транзакционных сообщений,
// изменяющие счётчик квоты атомарными условными обновлениями.
package stock

import (
	"context"
	"encoding/json"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/quota-saga/internal/domain"
	"github.com/vladislavdragonenkov/quota-saga/internal/metrics"
	"github.com/vladislavdragonenkov/quota-saga/internal/txn"
)

// DeductionListener обрабатывает запрос на списание квоты: резервирует
// количество, если остатка хватает, и в любом случае сообщает Security
// исход размещения.
type DeductionListener struct {
	stock   domain.StockRepository
	idem    domain.IdempotencyStore
	bus     domain.MessageBus
	mgr     txn.Manager
	logger  *log.Entry
	metrics *metrics.SagaMetrics
}

// NewDeductionListener создаёт слушатель списания.
func NewDeductionListener(stock domain.StockRepository, idem domain.IdempotencyStore, bus domain.MessageBus, mgr txn.Manager, logger *log.Entry) *DeductionListener {
	if logger == nil {
		logger = log.WithField("component", "stock-deduction-listener")
	}
	return &DeductionListener{
		stock:   stock,
		idem:    idem,
		bus:     bus,
		mgr:     mgr,
		logger:  logger,
		metrics: metrics.NewSagaMetrics(),
	}
}

// WithMetrics подставляет разделяемый экземпляр метрик сервиса.
func (l *DeductionListener) WithMetrics(sm *metrics.SagaMetrics) *DeductionListener {
	if sm != nil {
		l.metrics = sm
	}
	return l
}

// Handle обрабатывает один запрос на списание.
func (l *DeductionListener) Handle(ctx context.Context, msg domain.Message) error {
	var req domain.StockDeductionRequest
	if err := json.Unmarshal(msg.Body, &req); err != nil {
		return fmt.Errorf("decode stock deduction request: %w", err)
	}
	if req.OrderSn == "" {
		return fmt.Errorf("stock deduction request: %w", domain.ErrOrderSnRequired)
	}
	quantity, err := domain.ParseQuantity(req.Quantity)
	if err != nil {
		return fmt.Errorf("stock deduction request %s: %w", req.OrderSn, err)
	}

	tokenKey := domain.StockDeductionKey(req.OrderSn)
	fresh, err := l.idem.CheckAndSet(ctx, tokenKey, req.OrderSn)
	if err != nil {
		return fmt.Errorf("idempotency check: %w", err)
	}
	if !fresh {
		l.metrics.RecordDuplicateDelivery("stock-deduction")
		l.logger.WithField("order_sn", req.OrderSn).Debug("duplicate deduction request skipped")
		return nil
	}

	return l.mgr.WithTransaction(ctx, func(ctx context.Context, tx *txn.Tx) error {
		usageID, err := l.stock.EnsureUsage(ctx, req.AccountID, req.DigestID)
		if err != nil {
			return fmt.Errorf("ensure usage: %w", err)
		}

		deducted, err := l.stock.DeductIfSufficient(ctx, usageID, quantity)
		if err != nil {
			return fmt.Errorf("deduct stock: %w", err)
		}

		status := domain.OrderStatusSuccess
		if !deducted {
			status = domain.OrderStatusStockShortage
			if err := l.stock.AddFailure(ctx, usageID, quantity); err != nil {
				return fmt.Errorf("record failed quantity: %w", err)
			}
		}
		update := domain.OrderStatusUpdate{
			OrderSn:     req.OrderSn,
			UsageID:     usageID,
			OrderStatus: status,
		}

		tx.OnCommit(func() {
			l.metrics.RecordStockDeduction(status.String())
			body, err := json.Marshal(update)
			if err != nil {
				l.logger.WithError(err).WithField("order_sn", req.OrderSn).Error("marshal status update")
				return
			}
			statusMsg := domain.Message{
				Topic: domain.TopicSecurityNormal,
				Tag:   domain.TagOrderStatusUpdate,
				Key:   req.OrderSn,
				Body:  body,
			}
			if err := l.bus.Send(ctx, statusMsg); err != nil {
				// Квота уже списана, а Security об этом не узнает сама.
				l.logger.WithError(err).WithField("order_sn", req.OrderSn).
					Error("failed to publish placement status, manual intervention required")
			}
		})
		tx.OnRollback(func() {
			if _, err := l.idem.Delete(ctx, tokenKey); err != nil {
				l.logger.WithError(err).WithField("order_sn", req.OrderSn).
					Error("failed to roll back idempotency token, manual intervention required")
			}
		})
		tx.OnUnknown(func() {
			l.logger.WithField("order_sn", req.OrderSn).
				Error("deduction outcome unknown, manual intervention required")
		})
		return nil
	})
}

// ConfirmationListener фиксирует подтверждённую квоту и выдаёт разрешения
// на вызовы через семафор.
type ConfirmationListener struct {
	stock   domain.StockRepository
	idem    domain.IdempotencyStore
	sem     domain.PermitSemaphore
	mgr     txn.Manager
	logger  *log.Entry
	metrics *metrics.SagaMetrics
}

// NewConfirmationListener создаёт слушатель подтверждения.
func NewConfirmationListener(stock domain.StockRepository, idem domain.IdempotencyStore, sem domain.PermitSemaphore, mgr txn.Manager, logger *log.Entry) *ConfirmationListener {
	if logger == nil {
		logger = log.WithField("component", "stock-confirmation-listener")
	}
	return &ConfirmationListener{
		stock:   stock,
		idem:    idem,
		sem:     sem,
		mgr:     mgr,
		logger:  logger,
		metrics: metrics.NewSagaMetrics(),
	}
}

// WithMetrics подставляет разделяемый экземпляр метрик сервиса.
func (l *ConfirmationListener) WithMetrics(sm *metrics.SagaMetrics) *ConfirmationListener {
	if sm != nil {
		l.metrics = sm
	}
	return l
}

// Handle обрабатывает одно подтверждение.
func (l *ConfirmationListener) Handle(ctx context.Context, msg domain.Message) error {
	var req domain.StockConfirmation
	if err := json.Unmarshal(msg.Body, &req); err != nil {
		return fmt.Errorf("decode stock confirmation: %w", err)
	}
	if req.OrderSn == "" {
		return fmt.Errorf("stock confirmation: %w", domain.ErrOrderSnRequired)
	}
	quantity, err := domain.ParseQuantity(req.Quantity)
	if err != nil {
		return fmt.Errorf("stock confirmation %s: %w", req.OrderSn, err)
	}

	tokenKey := domain.StockConfirmationKey(req.OrderSn)
	fresh, err := l.idem.CheckAndSet(ctx, tokenKey, req.OrderSn)
	if err != nil {
		return fmt.Errorf("idempotency check: %w", err)
	}
	if !fresh {
		l.metrics.RecordDuplicateDelivery("stock-confirmation")
		l.logger.WithField("order_sn", req.OrderSn).Debug("duplicate confirmation skipped")
		return nil
	}

	return l.mgr.WithTransaction(ctx, func(ctx context.Context, tx *txn.Tx) error {
		applied, err := l.stock.AddConfirmed(ctx, req.UsageID, quantity)
		if err != nil {
			return fmt.Errorf("confirm stock: %w", err)
		}
		if !applied {
			// Подтверждение пришло для несуществующего счётчика: сага
			// разошлась с данными, чинить оператору.
			return fmt.Errorf("%w: usage %s not found for confirmation %s",
				domain.ErrDataInconsistency, req.UsageID, req.OrderSn)
		}

		tx.OnCommit(func() {
			if err := l.sem.AddPermits(ctx, req.UsageID, quantity); err != nil {
				l.logger.WithError(err).WithFields(log.Fields{
					"order_sn": req.OrderSn,
					"usage_id": req.UsageID,
				}).Error("failed to add call permits, manual intervention required")
				return
			}
			l.metrics.RecordPermitsIssued(quantity)
		})
		tx.OnRollback(func() {
			if _, err := l.idem.Delete(ctx, tokenKey); err != nil {
				l.logger.WithError(err).WithField("order_sn", req.OrderSn).
					Error("failed to roll back idempotency token, manual intervention required")
			}
		})
		tx.OnUnknown(func() {
			l.logger.WithField("order_sn", req.OrderSn).
				Error("confirmation outcome unknown, manual intervention required")
		})
		return nil
	})
}

// ReleaseListener возвращает зарезервированное количество в остаток при
// отмене заказа. Токен идемпотентности для release «заряжается» Security
// ещё до отправки сообщения, поэтому первая доставка проходит шлюз за счёт
// несовпадения значения токена.
type ReleaseListener struct {
	stock   domain.StockRepository
	idem    domain.IdempotencyStore
	mgr     txn.Manager
	logger  *log.Entry
	metrics *metrics.SagaMetrics
}

// NewReleaseListener создаёт слушатель возврата.
func NewReleaseListener(stock domain.StockRepository, idem domain.IdempotencyStore, mgr txn.Manager, logger *log.Entry) *ReleaseListener {
	if logger == nil {
		logger = log.WithField("component", "stock-release-listener")
	}
	return &ReleaseListener{
		stock:   stock,
		idem:    idem,
		mgr:     mgr,
		logger:  logger,
		metrics: metrics.NewSagaMetrics(),
	}
}

// WithMetrics подставляет разделяемый экземпляр метрик сервиса.
func (l *ReleaseListener) WithMetrics(sm *metrics.SagaMetrics) *ReleaseListener {
	if sm != nil {
		l.metrics = sm
	}
	return l
}

// Handle обрабатывает один возврат.
func (l *ReleaseListener) Handle(ctx context.Context, msg domain.Message) error {
	var req domain.StockRelease
	if err := json.Unmarshal(msg.Body, &req); err != nil {
		return fmt.Errorf("decode stock release: %w", err)
	}
	if req.OrderSn == "" {
		return fmt.Errorf("stock release: %w", domain.ErrOrderSnRequired)
	}
	quantity, err := domain.ParseQuantity(req.Quantity)
	if err != nil {
		return fmt.Errorf("stock release %s: %w", req.OrderSn, err)
	}

	tokenKey := domain.StockReleaseKey(req.OrderSn)
	fresh, err := l.idem.CheckAndSet(ctx, tokenKey, req.OrderSn)
	if err != nil {
		return fmt.Errorf("idempotency check: %w", err)
	}
	if !fresh {
		l.metrics.RecordDuplicateDelivery("stock-release")
		l.logger.WithField("order_sn", req.OrderSn).Debug("duplicate release skipped")
		return nil
	}

	return l.mgr.WithTransaction(ctx, func(ctx context.Context, tx *txn.Tx) error {
		applied, err := l.stock.Release(ctx, req.AccountID, req.DigestID, quantity)
		if err != nil {
			return fmt.Errorf("release stock: %w", err)
		}
		if !applied {
			return fmt.Errorf("%w: usage (%d, %d) not found for release %s",
				domain.ErrDataInconsistency, req.AccountID, req.DigestID, req.OrderSn)
		}

		tx.OnCommit(func() {
			l.metrics.RecordStockRelease()
		})
		tx.OnRollback(func() {
			if _, err := l.idem.Delete(ctx, tokenKey); err != nil {
				l.logger.WithError(err).WithField("order_sn", req.OrderSn).
					Error("failed to roll back idempotency token, manual intervention required")
			}
		})
		tx.OnUnknown(func() {
			l.logger.WithField("order_sn", req.OrderSn).
				Error("release outcome unknown, manual intervention required")
		})
		return nil
	})
}

var (
	_ = domain.Handler((*DeductionListener)(nil).Handle)
	_ = domain.Handler((*ConfirmationListener)(nil).Handle)
	_ = domain.Handler((*ReleaseListener)(nil).Handle)
)
