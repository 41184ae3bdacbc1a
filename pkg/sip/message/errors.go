package message

import (
	"errors"
	"fmt"
)

var (
	// ErrParse совпадает с любой *ParseError через errors.Is
	ErrParse = errors.New("sip parse error")

	// Ошибки разбора
	ErrInvalidMessage       = errors.New("invalid SIP message")
	ErrInvalidRequestLine   = errors.New("invalid request line")
	ErrInvalidStatusLine    = errors.New("invalid status line")
	ErrInvalidHeader        = errors.New("invalid header format")
	ErrInvalidSIPVersion    = errors.New("invalid SIP version")
	ErrInvalidStatusCode    = errors.New("invalid status code")
	ErrUnterminatedHeaders  = errors.New("unterminated header block")
	ErrInvalidContentLength = errors.New("invalid Content-Length")
	ErrInvalidCSeq          = errors.New("invalid CSeq")
	ErrInvalidURI           = errors.New("invalid URI")

	// Ошибки проверки
	ErrMissingHeader = errors.New("missing required header")

	// Ошибки размера
	ErrMessageTooLarge = errors.New("message too large")
	ErrHeaderTooLarge  = errors.New("header too large")
	ErrTooManyHeaders  = errors.New("too many headers")

	// ErrHeaderMismatch заголовок добавлен в список с другим именем
	ErrHeaderMismatch = errors.New("header name does not match list")
)

// ParseError описывает некорректные данные. Сообщение отбрасывается.
type ParseError struct {
	Line   int // номер строки с 1, 0 если ошибка не в строке
	Reason string
	Err    error
}

func newParseError(line int, err error, format string, args ...any) *ParseError {
	return &ParseError{Line: line, Reason: fmt.Sprintf(format, args...), Err: err}
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("sip parse error at line %d: %v: %s", e.Line, e.Err, e.Reason)
	}
	return fmt.Sprintf("sip parse error: %v: %s", e.Err, e.Reason)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Is делает errors.Is(err, ErrParse) истинным для любой ошибки разбора
func (e *ParseError) Is(target error) bool {
	return target == ErrParse
}
