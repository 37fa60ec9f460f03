package domain

import (
	"strconv"
	"time"
)

// UsageStatus описывает состояние учётной записи квоты.
type UsageStatus int

const (
	// UsageStatusActive — запись активна, квота может списываться и пополняться.
	UsageStatusActive UsageStatus = 0
	// UsageStatusFrozen — запись заморожена оператором.
	UsageStatusFrozen UsageStatus = 1
)

// StockCounter — счётчик квоты для пары (аккаунт, API digest).
// Total/Failure/Stock меняются только атомарными условными апдейтами
// на уровне хранилища; запись создаётся лениво при первом списании.
type StockCounter struct {
	// UsageID — идентификатор учётной записи квоты; им оперируют
	// сообщения подтверждения и семафор разрешений.
	UsageID   string
	AccountID int64
	DigestID  int64
	// Total — накопленное подтверждённое число вызовов.
	Total int64
	// Failure — суммарное число вызовов по неуспешным заказам.
	Failure int64
	// Stock — доступный резерв вызовов.
	Stock       int64
	UsageStatus UsageStatus
	CreateTime  time.Time
	UpdateTime  time.Time
}

// ParseQuantity разбирает строковое количество из заказа или сообщения.
// Возвращает ErrQuantityInvalid для пустых, нечисловых и неположительных значений.
func ParseQuantity(raw string) (int64, error) {
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return 0, ErrQuantityInvalid
	}
	return n, nil
}

// FormatQuantity кодирует количество в строковый формат провода.
func FormatQuantity(n int64) string {
	return strconv.FormatInt(n, 10)
}
