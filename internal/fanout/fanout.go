// Package fanout рассылает одно событие списку получателей. Паника одного
// получателя восстанавливается и не мешает доставке остальным.
package fanout

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"
)

// List упорядоченный список получателей
type List[T comparable] struct {
	mu     sync.RWMutex
	items  []T
	logger *slog.Logger
	name   string
}

// New создает пустой список. name попадает в лог при панике.
func New[T comparable](name string, logger *slog.Logger) *List[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &List[T]{name: name, logger: logger}
}

// Add добавляет получателя, повторное добавление игнорируется
func (l *List[T]) Add(item T) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !slices.Contains(l.items, item) {
		l.items = append(l.items, item)
	}
}

// Remove удаляет получателя
func (l *List[T]) Remove(item T) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = slices.DeleteFunc(l.items, func(v T) bool { return v == item })
}

// Len возвращает число получателей
func (l *List[T]) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.items)
}

// Notify последовательно вызывает fn для каждого получателя. Список
// копируется, получатель может отписаться прямо из обработчика.
// Возвращает число восстановленных паник.
func (l *List[T]) Notify(event string, fn func(T)) int {
	l.mu.RLock()
	items := slices.Clone(l.items)
	l.mu.RUnlock()

	panics := 0
	for _, item := range items {
		if !l.call(event, item, fn) {
			panics++
		}
	}
	return panics
}

func (l *List[T]) call(event string, item T, fn func(T)) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("listener panic recovered",
				slog.String("component", l.name),
				slog.String("event", event),
				slog.String("listener", fmt.Sprintf("%T", item)),
				slog.Any("panic_value", r),
				slog.String("stack_trace", string(debug.Stack())))
			ok = false
		}
	}()
	fn(item)
	return true
}
