package domain

import "time"

// OrderStatus описывает жизненный цикл заказа на квоту вызовов.
type OrderStatus int

const (
	// OrderStatusNew — заказ создан, резервирование квоты ещё не подтверждено.
	OrderStatusNew OrderStatus = 0
	// OrderStatusSuccess — Facade списал квоту, заказ ожидает подтверждения клиентом.
	OrderStatusSuccess OrderStatus = 1
	// OrderStatusStockShortage — доступной квоты не хватило, заказ завершён неуспехом.
	OrderStatusStockShortage OrderStatus = 2
	// OrderStatusTimeoutCancellation — заказ закрыт по таймауту, резерв возвращён.
	OrderStatusTimeoutCancellation OrderStatus = 3
	// OrderStatusUserCancellation — заказ отменён пользователем, резерв возвращён.
	OrderStatusUserCancellation OrderStatus = 4
	// OrderStatusConfirmed — клиент подтвердил заказ, квота зафиксирована.
	OrderStatusConfirmed OrderStatus = 5
)

// String возвращает человекочитаемое имя статуса для логов и метрик.
func (s OrderStatus) String() string {
	switch s {
	case OrderStatusNew:
		return "new"
	case OrderStatusSuccess:
		return "success"
	case OrderStatusStockShortage:
		return "stock_shortage"
	case OrderStatusTimeoutCancellation:
		return "timeout_cancellation"
	case OrderStatusUserCancellation:
		return "user_cancellation"
	case OrderStatusConfirmed:
		return "confirmed"
	default:
		return "unknown"
	}
}

// Terminal сообщает, является ли статус конечным.
// SUCCESS конечным не считается: до подтверждения заказ ещё может быть
// отменён пользователем или закрыт по таймауту.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusStockShortage, OrderStatusTimeoutCancellation,
		OrderStatusUserCancellation, OrderStatusConfirmed:
		return true
	default:
		return false
	}
}

// Order агрегирует состояние заказа на квоту вызовов API.
type Order struct {
	ID string
	// OrderSn — глобально уникальный, монотонно растущий серийный номер.
	// Генерируется один раз при создании и служит ключом корреляции
	// для всех сообщений саги.
	OrderSn     string
	Description string
	AccountID   int64
	DigestID    int64
	// UsageID заполняется после того, как Facade вернёт идентификатор
	// учётной записи квоты; до этого пустая строка.
	UsageID string
	// Quantity — зарезервированное число вызовов; строковое представление
	// целого (формат провода).
	Quantity   string
	Status     OrderStatus
	CreateTime time.Time
	UpdateTime time.Time
}

// ValidateInvariants проверяет базовые инварианты заказа и возвращает список замечаний.
func (o *Order) ValidateInvariants() []error {
	var errs []error

	if o.OrderSn == "" {
		errs = append(errs, ErrOrderSnRequired)
	}
	if o.AccountID <= 0 {
		errs = append(errs, ErrAccountIDRequired)
	}
	if o.DigestID <= 0 {
		errs = append(errs, ErrDigestIDRequired)
	}
	if _, err := ParseQuantity(o.Quantity); err != nil {
		errs = append(errs, err)
	}

	return errs
}
