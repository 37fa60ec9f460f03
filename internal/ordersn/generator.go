// Package ordersn генерирует серийные номера заказов: глобально уникальные,
// упорядоченные по времени, монотонные в пределах процесса.
package ordersn

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"time"
)

const maxSequence = 999999

// Generator выдаёт номера вида <unix-millis:13><node:4><seq:6>.
// Часы, ушедшие назад, не ломают монотонность: генератор держится
// за последний выданный момент времени.
type Generator struct {
	mu         sync.Mutex
	node       uint16
	lastMillis int64
	sequence   int64
	now        func() time.Time
}

// New создаёт генератор со случайным идентификатором узла.
func New() *Generator {
	var buf [2]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand недоступен только в сломанном окружении;
		// нулевой узел оставляет номера валидными.
		return &Generator{now: time.Now}
	}
	return &Generator{
		node: binary.BigEndian.Uint16(buf[:]) % 10000,
		now:  time.Now,
	}
}

// NewWithClock создаёт генератор с внешними часами (для тестов).
func NewWithClock(node uint16, now func() time.Time) *Generator {
	return &Generator{node: node % 10000, now: now}
}

// Next возвращает следующий серийный номер.
func (g *Generator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	millis := g.now().UTC().UnixMilli()
	if millis < g.lastMillis {
		millis = g.lastMillis
	}
	if millis == g.lastMillis {
		g.sequence++
		if g.sequence > maxSequence {
			// Переполнение внутри миллисекунды: сдвигаем момент вперёд.
			millis++
			g.sequence = 0
		}
	} else {
		g.sequence = 0
	}
	g.lastMillis = millis

	return fmt.Sprintf("%013d%04d%06d", millis, g.node, g.sequence)
}
