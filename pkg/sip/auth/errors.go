package auth

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthentication совпадает с любой *AuthenticationError через errors.Is
	ErrAuthentication = errors.New("authentication failed")

	// ErrMalformedChallenge challenge не разбирается или использует
	// неподдерживаемый алгоритм
	ErrMalformedChallenge = errors.New("malformed challenge")

	// ErrChallengeConsumed повторный challenge на запрос с учетными данными
	ErrChallengeConsumed = errors.New("challenge already consumed")

	// ErrNoChallenge учетные данные запрошены до получения challenge
	ErrNoChallenge = errors.New("no challenge received")
)

// AuthenticationError фатальна для текущей операции и не повторяется
type AuthenticationError struct {
	Reason string
	Code   int // код последнего challenge, 0 если его не было
	Err    error
}

func (e *AuthenticationError) Error() string {
	msg := "authentication failed: " + e.Reason
	if e.Code != 0 {
		msg = fmt.Sprintf("%s (%d)", msg, e.Code)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

// Is сообщает ErrAuthentication для любой AuthenticationError
func (e *AuthenticationError) Is(target error) bool {
	return target == ErrAuthentication
}
