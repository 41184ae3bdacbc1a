// Package transport доставляет SIP сообщения по сети.
//
// Прием всегда выполняется в отдельной горутине чтения; обработчик сообщений
// не должен блокироваться надолго. Ошибки разбора приводят к отбрасыванию
// датаграммы с записью в лог.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/arzzra/ims_core/pkg/sip/message"
)

var (
	// ErrTransportClosed операция на закрытом транспорте
	ErrTransportClosed = errors.New("transport closed")

	// ErrInvalidAddress некорректный адрес
	ErrInvalidAddress = errors.New("invalid address")

	// ErrMessageTooLarge сообщение больше максимальной датаграммы
	ErrMessageTooLarge = errors.New("message too large")
)

// Handler получает разобранное сообщение и адрес отправителя
type Handler func(msg message.Message, from net.Addr)

// Transport отправляет и принимает SIP сообщения
type Transport interface {
	// Send кодирует сообщение и отправляет его на addr (host:port)
	Send(ctx context.Context, msg message.Message, addr string) error

	// OnMessage устанавливает обработчик входящих сообщений
	OnMessage(handler Handler)

	// Network возвращает имя протокола ("udp")
	Network() string

	// LocalAddr возвращает локальный адрес
	LocalAddr() net.Addr

	// Close закрывает транспорт и дожидается горутины чтения
	Close() error

	// Stats возвращает счетчики
	Stats() Stats
}

// IsReliable сообщает, гарантирует ли протокол доставку. Для ненадежного
// транспорта запросы повторяются по таймерам RFC 3261.
func IsReliable(network string) bool {
	switch strings.ToLower(network) {
	case "tcp", "tls", "sctp", "ws", "wss":
		return true
	}
	return false
}

// Stats статистика транспорта
type Stats struct {
	MessagesSent     uint64
	MessagesReceived uint64
	BytesSent        uint64
	BytesReceived    uint64
	ParseErrors      uint64
	Errors           uint64
}

// Error ошибка транспортного уровня
type Error struct {
	Transport string
	Operation string
	Err       error
	Temporary bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Transport, e.Operation, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// isTemporary сообщает, можно ли повторить операцию
func isTemporary(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}
