package registration

import (
	"errors"
	"fmt"
)

// ErrStopped возвращается операции, прерванной Stop (потеря сети)
var ErrStopped = errors.New("registration stopped")

// ErrorType классифицирует ошибку регистрации
type ErrorType int

const (
	// RegistrationFailed финальный отказ регистратора
	RegistrationFailed ErrorType = iota
	// AuthenticationFailed повторный вызов или некорректный challenge
	AuthenticationFailed
	// TransactionFailed нет финального ответа или ошибка отправки
	TransactionFailed
)

func (t ErrorType) String() string {
	switch t {
	case RegistrationFailed:
		return "registration failed"
	case AuthenticationFailed:
		return "authentication failed"
	case TransactionFailed:
		return "transaction failed"
	default:
		return fmt.Sprintf("ErrorType(%d)", int(t))
	}
}

// Error передается в HandleRegistrationFailed
type Error struct {
	Type   ErrorType
	Code   int // код ответа, 0 если ответа нет
	Reason string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Type.String()
	if e.Code != 0 {
		msg = fmt.Sprintf("%s: %d %s", msg, e.Code, e.Reason)
	} else if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}
