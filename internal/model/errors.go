package model

import (
	"errors"
	"fmt"
)

// Классы ошибок кассового ядра. Конкретные ошибки оборачивают их через %w.
var (
	// ErrInvalidArgument - некорректный ввод, ошибка вызывающего кода; не повторяется.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrInvalidQuantity - количество в строке корзины стало бы ≤ 0.
	ErrInvalidQuantity = fmt.Errorf("%w: invalid quantity", ErrInvalidArgument)
	// ErrInsufficientStock - бизнес-условие, корзина остаётся редактируемой.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrWouldGoNegative - корректировка увела бы остаток ниже нуля.
	ErrWouldGoNegative = errors.New("stock would go negative")
	// ErrBusy - временная ошибка, можно повторить.
	ErrBusy = errors.New("resource busy")
	// ErrTimeout - временная ошибка, можно повторить.
	ErrTimeout = errors.New("timeout")
	// ErrConflict - повторное применение обнаружено по ключу идемпотентности; считается успехом.
	ErrConflict = errors.New("already applied")
	// ErrDurability - локальная запись не удалась; попытка оформления прерывается.
	ErrDurability = errors.New("local write failed")
	// ErrSyncFailure - удалённая сторона отклонила запись или недоступна.
	ErrSyncFailure = errors.New("sync failure")
	// ErrInvalidState - операция недопустима в текущем состоянии.
	ErrInvalidState = errors.New("invalid state")
)

// StockError уточняет ErrInsufficientStock товаром и доступным количеством.
type StockError struct {
	ProductID string
	Requested int
	Available int
}

func (e *StockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: requested %d, available %d",
		e.ProductID, e.Requested, e.Available)
}

func (e *StockError) Unwrap() error {
	return ErrInsufficientStock
}

// IsRetryable сообщает, что ошибку можно повторить автоматически.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrBusy) || errors.Is(err, ErrTimeout)
}
