package dialog

import "errors"

var (
	// ErrProtocolViolation сообщение не соответствует диалогу (теги, CSeq).
	// Такие сообщения отбрасываются с записью в лог.
	ErrProtocolViolation = errors.New("protocol violation")

	// Ошибки нумерации
	ErrCSeqOutOfOrder = errors.New("CSeq out of order")
	ErrTagMismatch    = errors.New("dialog tag mismatch")
	ErrCallIDMismatch = errors.New("Call-ID mismatch")
)
