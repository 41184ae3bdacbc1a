package service

import (
	"errors"
	"fmt"

	"github.com/arzzra/ims_core/pkg/sip/message"
)

// TerminationReason причина завершения сессии, фиксируется один раз
type TerminationReason int

const (
	ReasonNone TerminationReason = iota
	ByUser
	ByRemote
	BySystem
	ByTimeout
)

func (r TerminationReason) String() string {
	switch r {
	case ByUser:
		return "BY_USER"
	case ByRemote:
		return "BY_REMOTE"
	case BySystem:
		return "BY_SYSTEM"
	case ByTimeout:
		return "BY_TIMEOUT"
	default:
		return "NONE"
	}
}

// Role сторона сессии
type Role int

const (
	Originating Role = iota
	Terminating
)

func (r Role) String() string {
	if r == Terminating {
		return "terminating"
	}
	return "originating"
}

// Состояния сессии
const (
	StateInitiated   = "initiated"
	StateEstablished = "established"
	StateTerminated  = "terminated"
)

var (
	// ErrInvalidState операция недопустима в текущем состоянии сессии
	ErrInvalidState = errors.New("invalid session state")
	// ErrSessionTerminated сессия завершена во время операции
	ErrSessionTerminated = errors.New("session terminated")
	// ErrServiceStopped сервис не запущен
	ErrServiceStopped = errors.New("service not started")
)

// SessionError неуспешный финальный ответ на INVITE
type SessionError struct {
	Code   int
	Reason string
	Err    error
}

func (e *SessionError) Error() string {
	if e.Err != nil {
		if e.Code != 0 {
			return fmt.Sprintf("session failed: %d %s: %v", e.Code, e.Reason, e.Err)
		}
		return fmt.Sprintf("session failed: %v", e.Err)
	}
	return fmt.Sprintf("session failed: %d %s", e.Code, e.Reason)
}

func (e *SessionError) Unwrap() error { return e.Err }

// Listener получает события сессии
type Listener interface {
	HandleSessionStarted(s *Session)
	HandleSessionAborted(s *Session, reason TerminationReason)
	HandleSessionTerminatedByRemote(s *Session)
	HandleSessionError(s *Session, err error)
}

// Capability поведение конкретного сервиса внутри общей машины состояний
type Capability interface {
	// OnAccept возвращает содержимое 200 OK на входящий INVITE
	OnAccept(s *Session) (contentType string, body []byte, err error)
	// OnReject вызывается при отклонении входящей сессии
	OnReject(s *Session)
	// OnReInvite отвечает на re-INVITE и UPDATE внутри сессии
	OnReInvite(s *Session, req *message.Request) (code int, contentType string, body []byte)
}

// Initiator строит содержимое исходящего INVITE
type Initiator interface {
	BuildInvite(s *Session) (contentType string, body []byte, err error)
}

// MessageHandler принимает MESSAGE внутри сессии
type MessageHandler interface {
	OnMessage(s *Session, req *message.Request) int
}

// BaseCapability принимает сессию без содержимого и не понимает
// изменение сессии: re-INVITE и UPDATE получают 405
type BaseCapability struct{}

func (BaseCapability) OnAccept(*Session) (string, []byte, error) { return "", nil, nil }
func (BaseCapability) OnReject(*Session)                         {}

func (BaseCapability) OnReInvite(*Session, *message.Request) (int, string, []byte) {
	return message.StatusMethodNotAllowed, "", nil
}

// Observer получает метрики сессий
type Observer interface {
	SessionOpened(service string)
	SessionClosed(service, outcome string)
}
