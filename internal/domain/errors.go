package domain

import "errors"

var (
	// Ошибка отсутствующего серийного номера заказа.
	ErrOrderSnRequired = errors.New("order_sn is required")
	// Ошибка отсутствующего идентификатора аккаунта.
	ErrAccountIDRequired = errors.New("account_id is required")
	// Ошибка отсутствующего идентификатора API digest.
	ErrDigestIDRequired = errors.New("digest_id is required")
	// Ошибка некорректного количества (пустое, нечисловое или <= 0).
	ErrQuantityInvalid = errors.New("quantity must be a positive integer")
	// ErrOrderNotFound возвращается, если заказ не найден в репозитории.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderSnConflict сигнализирует о повторной вставке того же order_sn.
	ErrOrderSnConflict = errors.New("order_sn already exists")
	// ErrUsageNotFound возвращается, если учётная запись квоты отсутствует.
	ErrUsageNotFound = errors.New("usage record not found")

	// ErrVerification — проверочный код клиента невалиден или уже использован.
	// Заказ в этом случае не создаётся.
	ErrVerification = errors.New("verification code invalid or already consumed")
	// ErrServer — локальная транзакция или транзакционная отправка сообщения
	// не состоялась; сага не продвинулась, ошибка отдаётся вызывающему.
	ErrServer = errors.New("order operation failed")
	// ErrDataInconsistency — условный апдейт подтверждения не нашёл строку.
	// Никогда не гасится молча: транзакция откатывается, брокер повторит доставку.
	ErrDataInconsistency = errors.New("stock data inconsistency detected")
	// ErrOrderNotCancellable — заказ уже в конечном статусе, отмена невозможна.
	ErrOrderNotCancellable = errors.New("order is not cancellable")
	// ErrOrderNotConfirmable — подтверждать можно только заказ в статусе SUCCESS.
	ErrOrderNotConfirmable = errors.New("order is not confirmable")
)

// IsDataInconsistency проверяет, является ли ошибка нарушением консистентности счётчиков.
func IsDataInconsistency(err error) bool {
	return errors.Is(err, ErrDataInconsistency)
}
