package domain

// Префиксы ключей идемпотентности. Полный ключ — конкатенация префикса
// и order_sn; значением хранится keys-идентификатор доставки сообщения.
const (
	StockDeductionKeysPrefix      = "quota:keys:stock-deduction:"
	StockConfirmationKeysPrefix   = "quota:keys:stock-confirmation:"
	StockReleaseKeysPrefix        = "quota:keys:stock-release:"
	OrderStatusUpdateKeysPrefix   = "quota:keys:order-status-update:"
	OrderScheduledCloseKeysPrefix = "quota:keys:order-scheduled-close:"

	// VerificationCodePrefix — одноразовые проверочные коды клиента.
	VerificationCodePrefix = "quota:verification-code:"

	// PermitsKeyPrefix — счётчик разрешений (семафор) учётной записи квоты.
	PermitsKeyPrefix = "quota:permits:"
)

func StockDeductionKey(orderSn string) string      { return StockDeductionKeysPrefix + orderSn }
func StockConfirmationKey(orderSn string) string   { return StockConfirmationKeysPrefix + orderSn }
func StockReleaseKey(orderSn string) string        { return StockReleaseKeysPrefix + orderSn }
func OrderStatusUpdateKey(orderSn string) string   { return OrderStatusUpdateKeysPrefix + orderSn }
func OrderScheduledCloseKey(orderSn string) string { return OrderScheduledCloseKeysPrefix + orderSn }
func VerificationCodeKey(code string) string       { return VerificationCodePrefix + code }
func PermitsKey(usageID string) string             { return PermitsKeyPrefix + usageID }

// ReleasePendingToken — значение, которым транзакция отмены «заряжает»
// токен идемпотентности release-сообщения до его отправки. Отличается от
// keys-значения доставки (order_sn), поэтому первая доставка проходит
// проверку check-and-set как новая.
func ReleasePendingToken(orderSn string) string { return "pending:" + orderSn }
