package domain

// Топики и теги саги. Теги передаются заголовком сообщения; ключом
// сообщения всегда служит order_sn (роутинг + корреляция идемпотентности).
const (
	// TopicFacadeTransaction — транзакционные сообщения Security → Facade.
	TopicFacadeTransaction = "facade.quantity-usage.transaction"
	TagStockDeduction      = "stock-deduction"
	TagStockConfirmation   = "stock-confirmation"
	TagStockRelease        = "stock-release"

	// TopicSecurityNormal — обычные сообщения Facade → Security.
	TopicSecurityNormal = "security.quantity-usage-order.normal"
	TagOrderStatusUpdate = "order-status-update"

	// TopicSecurityDelay — отложенные сообщения Security самому себе.
	TopicSecurityDelay    = "security.quantity-usage-order.delay"
	TagOrderScheduledClose = "order-scheduled-close"

	// TopicDeadLetter — тупиковая очередь для сообщений, исчерпавших retry.
	TopicDeadLetter = "quantity-usage.dlq"
)

// StockDeductionRequest — запрос Facade на списание квоты под заказ.
type StockDeductionRequest struct {
	AccountID int64  `json:"account_id"`
	DigestID  int64  `json:"digest_id"`
	Quantity  string `json:"quantity"`
	OrderSn   string `json:"order_sn"`
}

// OrderStatusUpdate — результат размещения заказа, Facade → Security.
type OrderStatusUpdate struct {
	OrderSn     string      `json:"order_sn"`
	UsageID     string      `json:"usage_id"`
	OrderStatus OrderStatus `json:"order_status"`
}

// StockConfirmation — подтверждение клиентом зарезервированной квоты.
type StockConfirmation struct {
	OrderSn  string `json:"order_sn"`
	UsageID  string `json:"usage_id"`
	Quantity string `json:"quantity"`
}

// StockRelease — компенсация: возврат резерва после отмены или таймаута.
// Несёт и account_id: счётчики ведутся на пару (аккаунт, digest), и резерв
// обязан вернуться именно тому аккаунту, с которого списывался.
type StockRelease struct {
	OrderSn   string `json:"order_sn"`
	AccountID int64  `json:"account_id"`
	DigestID  int64  `json:"digest_id"`
	Quantity  string `json:"quantity"`
}

// OrderScheduledClose — отложенная команда на закрытие неподтверждённого заказа.
type OrderScheduledClose struct {
	OrderSn string `json:"order_sn"`
}
