package transaction

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/arzzra/ims_core/pkg/sip/message"
)

// DefaultTimeout ожидание финального ответа по умолчанию
const DefaultTimeout = 30 * time.Second

// Таймеры RFC 3261 для ненадежного транспорта
const (
	// T1 оценка RTT, начальный интервал повторов
	T1 = 500 * time.Millisecond
	// T2 предельный интервал повторов не-INVITE запроса
	T2 = 4 * time.Second
	// TimerD время, в течение которого повтор отказа на INVITE получает ACK
	TimerD = 32 * time.Second
	// ServerLifetime время хранения серверной транзакции, 64*T1
	ServerLifetime = 64 * T1
)

// State состояние клиентской транзакции
type State int

const (
	StateCalling State = iota
	StateProceeding
	StateCompleted
	StateTimedOut
	StateCanceled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCalling:
		return "Calling"
	case StateProceeding:
		return "Proceeding"
	case StateCompleted:
		return "Completed"
	case StateTimedOut:
		return "TimedOut"
	case StateCanceled:
		return "Canceled"
	case StateFailed:
		return "Failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Key возвращает ключ транзакции сообщения: Call-ID, номер и метод CSeq.
// Метод входит в ключ, чтобы CANCEL не совпадал с отменяемым INVITE.
func Key(msg message.Message) (string, error) {
	callID := msg.CallID()
	if callID == "" {
		return "", fmt.Errorf("%w: missing Call-ID", ErrInvalidRequest)
	}
	seq, method, err := msg.CSeq()
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return fmt.Sprintf("%s_%d_%s", callID, seq, method), nil
}

// Context владеет исходящим запросом и накапливает финальный ответ.
// Создается на каждый запрос и не переиспользуется.
type Context struct {
	id      string
	request *message.Request
	created time.Time

	onProvisional func(*message.Response)

	mu          sync.Mutex
	state       State
	provisional *message.Response
	final       *message.Response
	err         error
	done        chan struct{}
}

// NewContext создает контекст транзакции для запроса
func NewContext(req *message.Request) (*Context, error) {
	id, err := Key(req)
	if err != nil {
		return nil, err
	}
	c := &Context{
		id:      id,
		request: req,
		created: time.Now(),
		state:   StateCalling,
		done:    make(chan struct{}),
	}
	req.SetTransaction(c)
	return c, nil
}

// ID возвращает ключ транзакции
func (c *Context) ID() string {
	return c.id
}

// Request возвращает исходящий запрос
func (c *Context) Request() *message.Request {
	return c.request
}

// State возвращает текущее состояние
func (c *Context) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Response возвращает финальный ответ или nil
func (c *Context) Response() *message.Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.final
}

// Provisional возвращает последний предварительный ответ
func (c *Context) Provisional() *message.Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.provisional
}

// StatusCode возвращает код финального ответа или 0
func (c *Context) StatusCode() int {
	if res := c.Response(); res != nil {
		return res.StatusCode
	}
	return 0
}

// Err возвращает ошибку завершения (таймаут, отмена)
func (c *Context) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Done закрывается при завершении транзакции
func (c *Context) Done() <-chan struct{} {
	return c.done
}

// Wait блокирует вызывающую горутину до финального ответа, таймаута или
// отмены ctx. Таймаут переводит транзакцию в StateTimedOut и возвращает
// *TimeoutError.
func (c *Context) Wait(ctx context.Context, timeout time.Duration) (*message.Response, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-c.done:
	case <-timer.C:
		c.finish(nil, &TimeoutError{ID: c.id, After: timeout}, StateTimedOut)
	case <-ctx.Done():
		c.finish(nil, fmt.Errorf("%w: %w", ErrCanceled, ctx.Err()), StateCanceled)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.final, c.err
}

// receive обрабатывает ответ. Возвращает false для ответов после завершения.
func (c *Context) receive(res *message.Response) bool {
	if message.IsProvisional(res.StatusCode) {
		c.mu.Lock()
		if c.state != StateCalling && c.state != StateProceeding {
			c.mu.Unlock()
			return false
		}
		c.state = StateProceeding
		c.provisional = res
		c.mu.Unlock()
		return true
	}
	return c.finish(res, nil, StateCompleted)
}

// finish завершает транзакцию ровно один раз
func (c *Context) finish(res *message.Response, err error, state State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state >= StateCompleted {
		return false
	}
	c.state = state
	c.final = res
	c.err = err
	close(c.done)
	return true
}
