// Package messaging — таблица привязки обработчиков к (topic, tag).
// Заполняется при старте процесса; каждый обработчик — обычная функция,
// принимающая декодированный конверт сообщения.
package messaging

import (
	"sync"

	"github.com/vladislavdragonenkov/quota-saga/internal/domain"
)

type registryKey struct {
	topic string
	tag   string
}

// Registry сопоставляет (topic, tag) обработчику сообщений.
type Registry struct {
	mu       sync.RWMutex
	handlers map[registryKey]domain.Handler
}

// NewRegistry создаёт пустую таблицу обработчиков.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[registryKey]domain.Handler),
	}
}

// Register привязывает обработчик к паре (topic, tag).
// Повторная регистрация той же пары перезаписывает предыдущий обработчик.
func (r *Registry) Register(topic, tag string, handler domain.Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.handlers[registryKey{topic: topic, tag: tag}] = handler
}

// Resolve возвращает обработчик пары (topic, tag), если он зарегистрирован.
func (r *Registry) Resolve(topic, tag string) (domain.Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handler, ok := r.handlers[registryKey{topic: topic, tag: tag}]
	return handler, ok
}

// Topics возвращает список топиков с зарегистрированными обработчиками.
func (r *Registry) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	var topics []string
	for key := range r.handlers {
		if _, ok := seen[key.topic]; ok {
			continue
		}
		seen[key.topic] = struct{}{}
		topics = append(topics, key.topic)
	}
	return topics
}
