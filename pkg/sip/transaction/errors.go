package transaction

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTimeout финальный ответ не получен вовремя
	ErrTimeout = errors.New("transaction timeout")

	// ErrCanceled ожидание отменено (abort, завершение работы)
	ErrCanceled = errors.New("transaction canceled")

	// ErrTransactionExists запрос с тем же ключом уже ожидает ответа
	ErrTransactionExists = errors.New("transaction already exists")

	// ErrTransportFailure запрос не удалось отправить
	ErrTransportFailure = errors.New("transport failure")

	// ErrClosed менеджер закрыт
	ErrClosed = errors.New("transaction manager closed")

	// ErrInvalidRequest запрос без Call-ID или CSeq
	ErrInvalidRequest = errors.New("invalid request")
)

// TimeoutError представляет истечение ожидания финального ответа.
// Ошибка временная: запрос можно повторить.
type TimeoutError struct {
	ID    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("transaction %s: no final response after %s", e.ID, e.After)
}

// Timeout реализует net.Error
func (e *TimeoutError) Timeout() bool { return true }

// Temporary сообщает вызывающему, что операцию можно повторить
func (e *TimeoutError) Temporary() bool { return true }

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// IsTimeout проверяет, является ли ошибка таймаутом транзакции
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsCanceled проверяет, была ли транзакция отменена
func IsCanceled(err error) bool {
	return errors.Is(err, ErrCanceled)
}
