package domain

import (
	"context"
	"time"
)

// OrderRepository хранит заказы; ключ бизнес-операций — order_sn.
// Реализации обязаны уважать транзакцию из контекста (см. internal/txn).
type OrderRepository interface {
	// Create сохраняет новый заказ; ErrOrderSnConflict при повторном order_sn.
	Create(ctx context.Context, order Order) error
	// FindByOrderSn возвращает заказ или ErrOrderNotFound.
	FindByOrderSn(ctx context.Context, orderSn string) (Order, error)
	// ListByAccount возвращает заказы аккаунта, новые первыми, не более limit (если > 0).
	ListByAccount(ctx context.Context, accountID int64, limit int) ([]Order, error)
	// UpdateStatusBySn — условный переход статуса: выполняется только если
	// текущий статус входит в from. Возвращает false, если строка не подошла.
	UpdateStatusBySn(ctx context.Context, orderSn string, from []OrderStatus, to OrderStatus) (bool, error)
	// UpdatePlacement фиксирует исход размещения: статус и usage_id из
	// сообщения Facade. Переход допускается только из NEW.
	UpdatePlacement(ctx context.Context, orderSn string, usageID string, to OrderStatus) (bool, error)
}

// StockRepository — счётчики квоты Facade-стороны. Все мутации —
// одиночные атомарные условные апдейты; межпроцессных блокировок нет.
type StockRepository interface {
	// EnsureUsage возвращает usage_id записи (аккаунт, digest), лениво создавая её.
	EnsureUsage(ctx context.Context, accountID, digestID int64) (string, error)
	// FindByUsageID возвращает счётчик или ErrUsageNotFound.
	FindByUsageID(ctx context.Context, usageID string) (StockCounter, error)
	// DeductIfSufficient уменьшает доступный резерв, если его хватает.
	// false — резерв недостаточен, счётчики не тронуты.
	DeductIfSufficient(ctx context.Context, usageID string, quantity int64) (bool, error)
	// AddFailure накапливает количество по неуспешным заказам.
	AddFailure(ctx context.Context, usageID string, quantity int64) error
	// AddConfirmed добавляет количество к подтверждённому счётчику.
	// false — запись не найдена (условный апдейт не нашёл строку).
	AddConfirmed(ctx context.Context, usageID string, quantity int64) (bool, error)
	// Release возвращает резерв записи (аккаунт, digest) после отмены или
	// таймаута. false — записи нет (условный апдейт не нашёл строку).
	Release(ctx context.Context, accountID, digestID int64, quantity int64) (bool, error)
}

// IdempotencyStore — check-and-set-шлюз от повторной обработки сообщений.
type IdempotencyStore interface {
	// CheckAndSet атомарно сравнивает сохранённое значение ключа с value.
	// Совпадение означает дубликат: возвращается false, хранилище не меняется.
	// Отсутствие ключа или другое значение — сообщение новое: значение
	// записывается, возвращается true.
	CheckAndSet(ctx context.Context, key, value string) (bool, error)
	// Set безусловно записывает значение (прайминг и откат токена).
	Set(ctx context.Context, key, value string) error
	// Delete удаляет ключ; false — ключа не было.
	Delete(ctx context.Context, key string) (bool, error)
}

// PermitSemaphore выдаёт разрешения на вызовы по учётной записи квоты.
type PermitSemaphore interface {
	// AddPermits добавляет permits разрешений записи usage_id.
	AddPermits(ctx context.Context, usageID string, permits int64) error
	// TryAcquire атомарно забирает одно разрешение; false — разрешений нет.
	TryAcquire(ctx context.Context, usageID string) (bool, error)
	// Available возвращает текущее число разрешений.
	Available(ctx context.Context, usageID string) (int64, error)
}

// VerificationCodeStore хранит одноразовые проверочные коды клиента.
type VerificationCodeStore interface {
	// Issue сохраняет код с TTL.
	Issue(ctx context.Context, code string, ttl time.Duration) error
	// Consume атомарно гасит код; false — код не выдавался или уже использован.
	Consume(ctx context.Context, code string) (bool, error)
}

// Message — конверт сообщения саги. Key всегда равен order_sn.
type Message struct {
	Topic string
	Tag   string
	Key   string
	Body  []byte
}

// Handler обрабатывает декодированное сообщение; ошибка ведёт к redelivery.
type Handler func(ctx context.Context, msg Message) error

// TxDecision — исход проверки транзакционного сообщения.
type TxDecision int

const (
	// TxUnknown — исход определить нельзя; решает оператор, автоповторов нет.
	TxUnknown TxDecision = iota
	// TxCommit — локальная транзакция зафиксирована, сообщение должно уйти.
	TxCommit
	// TxRollback — локальная транзакция откатилась, сообщение отбрасывается.
	TxRollback
)

// LocalTransaction — локальная транзакция, спаренная с отправкой сообщения.
type LocalTransaction func(ctx context.Context) error

// TransactionCheck переопределяет исход неоднозначной отправки, выводя
// commit/rollback заново из долговечного состояния (не из флагов в памяти).
type TransactionCheck func(ctx context.Context) TxDecision

// MessageBus — шина сообщений саги.
type MessageBus interface {
	// Send публикует обычное сообщение.
	Send(ctx context.Context, msg Message) error
	// SendDelayed публикует сообщение с отложенной доставкой.
	SendDelayed(ctx context.Context, msg Message, delay time.Duration) error
	// SendTransactional публикует сообщение, только если local завершилась
	// фиксацией; check разрешает неоднозначные отправки.
	SendTransactional(ctx context.Context, msg Message, local LocalTransaction, check TransactionCheck) error
}
