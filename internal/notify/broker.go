// Package notify содержит простую рассылку событий подписчикам (проекции для UI).
package notify

import "sync"

// DefaultBuffer - размер буфера канала подписчика по умолчанию.
const DefaultBuffer = 16

// Broker рассылает события типа T всем подписчикам.
// Публикация не блокируется: если буфер подписчика заполнен, событие для него отбрасывается.
type Broker[T any] struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]chan T
	closed bool
}

// NewBroker создаёт рассыльщик событий.
func NewBroker[T any]() *Broker[T] {
	return &Broker[T]{subs: make(map[int]chan T)}
}

// Subscribe регистрирует подписчика и возвращает канал событий и функцию отписки.
func (b *Broker[T]) Subscribe(buffer int) (<-chan T, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan T, buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// Publish отправляет событие всем подписчикам.
func (b *Broker[T]) Publish(event T) {
	if b == nil {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Close закрывает каналы всех подписчиков.
func (b *Broker[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
