package transaction

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arzzra/ims_core/pkg/sip/message"
)

// Sender отправляет запрос в сеть
type Sender interface {
	SendRequest(ctx context.Context, req *message.Request) error
}

// SenderFunc адаптер функции к Sender
type SenderFunc func(ctx context.Context, req *message.Request) error

func (f SenderFunc) SendRequest(ctx context.Context, req *message.Request) error {
	return f(ctx, req)
}

// Observer получает результат каждой завершенной транзакции
type Observer interface {
	TransactionFinished(method string, result string, duration time.Duration)
}

// Результаты транзакций для Observer
const (
	ResultCompleted = "completed"
	ResultTimeout   = "timeout"
	ResultCanceled  = "canceled"
	ResultFailed    = "failed"
)

// Stats статистика менеджера
type Stats struct {
	Sent          uint64
	Retransmitted uint64
	Acked         uint64
	Completed     uint64
	TimedOut      uint64
	Canceled      uint64
	Dropped       uint64
	Pending       uint64
}

type stats struct {
	sent          atomic.Uint64
	retransmitted atomic.Uint64
	acked         atomic.Uint64
	completed     atomic.Uint64
	timedOut      atomic.Uint64
	canceled      atomic.Uint64
	dropped       atomic.Uint64
}

// AckBuilder строит ACK на отказ (>= 300) в транзакции INVITE
type AckBuilder func(invite *message.Request, res *message.Response) *message.Request

// inviteRecord INVITE, отказы на который подтверждаются ACK. until
// нулевой, пока транзакция ожидает ответа.
type inviteRecord struct {
	request *message.Request
	until   time.Time
}

// Manager сопоставляет ответы ожидающим запросам
type Manager struct {
	sender   Sender
	logger   *slog.Logger
	observer Observer

	// t1, t2 таймеры повторов, t1 == 0 для надежного транспорта
	t1, t2 time.Duration
	ack    AckBuilder

	mu      sync.Mutex
	pending map[string]*Context
	invites map[string]*inviteRecord
	closed  bool
	done    chan struct{}
	wg      sync.WaitGroup

	stats stats
}

// Option настраивает Manager
type Option func(*Manager)

// WithLogger задает логгер
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithObserver подключает наблюдателя (метрики)
func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observer = o }
}

// WithRetransmission включает повторы запросов по таймерам A и E:
// интервал начинается с t1 и удваивается, для не-INVITE не больше t2.
// Нужен только для ненадежного транспорта.
func WithRetransmission(t1, t2 time.Duration) Option {
	return func(m *Manager) {
		if t1 > 0 {
			m.t1, m.t2 = t1, max(t1, t2)
		}
	}
}

// WithAckBuilder включает ACK на отказы INVITE на уровне транзакций.
// ACK отправляется и на отказ, пришедший после отмены ожидания
// (CancelAll), и на повторы отказа в течение TimerD.
func WithAckBuilder(fn AckBuilder) Option {
	return func(m *Manager) { m.ack = fn }
}

// NewManager создает менеджер транзакций
func NewManager(sender Sender, opts ...Option) *Manager {
	m := &Manager{
		sender:  sender,
		logger:  slog.Default(),
		pending: make(map[string]*Context),
		invites: make(map[string]*inviteRecord),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(slog.String("component", "transaction"))
	return m
}

// WaitOption настраивает одно ожидание
type WaitOption func(*Context)

// WithProvisional вызывает fn для каждого 1xx ответа. fn выполняется
// вне горутины приема.
func WithProvisional(fn func(*message.Response)) WaitOption {
	return func(c *Context) { c.onProvisional = fn }
}

// Send регистрирует транзакцию и отправляет запрос без ожидания.
// Транзакция остается зарегистрированной до вызова Wait.
func (m *Manager) Send(ctx context.Context, req *message.Request, opts ...WaitOption) (*Context, error) {
	tx, err := NewContext(req)
	if err != nil {
		return nil, err
	}
	for _, opt := range opts {
		opt(tx)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if _, exists := m.pending[tx.id]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrTransactionExists, tx.id)
	}
	m.pending[tx.id] = tx
	if m.ack != nil && req.Method == message.MethodInvite {
		m.pruneInvites(time.Now())
		m.invites[tx.id] = &inviteRecord{request: req}
	}
	m.mu.Unlock()

	if err := m.sender.SendRequest(ctx, req); err != nil {
		m.remove(tx)
		tx.finish(nil, err, StateFailed)
		m.observe(tx, ResultFailed)
		return nil, fmt.Errorf("%w: %w", ErrTransportFailure, err)
	}
	m.stats.sent.Add(1)
	m.logger.Debug("request sent",
		slog.String("tx", tx.id),
		slog.String("method", req.Method))

	if m.t1 > 0 {
		m.goTracked(func() { m.retransmit(tx) })
	}
	return tx, nil
}

// retransmit повторяет запрос, пока нет ответа: INVITE до первого ответа
// (таймер A), остальные методы до финального (таймер E).
func (m *Manager) retransmit(tx *Context) {
	invite := tx.request.Method == message.MethodInvite
	interval := m.t1
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-tx.done:
			return
		case <-m.done:
			return
		case <-timer.C:
		}

		state := tx.State()
		if state >= StateCompleted || (invite && state == StateProceeding) {
			return
		}
		if err := m.sender.SendRequest(context.Background(), tx.request); err != nil {
			m.logger.Debug("retransmission failed",
				slog.String("tx", tx.id),
				slog.Any("error", err))
			return
		}
		m.stats.retransmitted.Add(1)
		m.logger.Debug("request retransmitted",
			slog.String("tx", tx.id),
			slog.Duration("interval", interval))

		interval *= 2
		if !invite && (interval > m.t2 || state == StateProceeding) {
			interval = m.t2
		}
		timer.Reset(interval)
	}
}

// goTracked запускает fn, если менеджер не закрыт. Close дожидается fn.
func (m *Manager) goTracked(fn func()) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()
	go func() {
		defer m.wg.Done()
		fn()
	}()
}

// ackFailure подтверждает отказ на INVITE, отправленный этим менеджером
func (m *Manager) ackFailure(id string, res *message.Response) {
	now := time.Now()
	m.mu.Lock()
	m.pruneInvites(now)
	rec, ok := m.invites[id]
	m.mu.Unlock()
	if !ok {
		return
	}

	ack := m.ack(rec.request, res)
	m.goTracked(func() {
		if err := m.sender.SendRequest(context.Background(), ack); err != nil {
			m.logger.Debug("ack not sent", slog.String("tx", id), slog.Any("error", err))
			return
		}
		m.stats.acked.Add(1)
		m.logger.Debug("failure acknowledged",
			slog.String("tx", id),
			slog.Int("status", res.StatusCode))
	})
}

// pruneInvites удаляет INVITE с истекшим TimerD. Вызывается под m.mu.
func (m *Manager) pruneInvites(now time.Time) {
	for id, rec := range m.invites {
		if !rec.until.IsZero() && now.After(rec.until) {
			delete(m.invites, id)
		}
	}
}

// SendAndWait отправляет запрос и блокирует вызывающую горутину до
// финального ответа или таймаута. Горутина приема никогда не блокируется:
// ответы передаются через HandleResponse.
//
// Таймаут возвращает *TimeoutError (повторяемая ошибка), отмена ctx или
// CancelAll возвращает ErrCanceled.
func (m *Manager) SendAndWait(ctx context.Context, req *message.Request, timeout time.Duration, opts ...WaitOption) (*message.Response, error) {
	tx, err := m.Send(ctx, req, opts...)
	if err != nil {
		return nil, err
	}
	return m.Wait(ctx, tx, timeout)
}

// Wait ожидает финальный ответ транзакции, созданной через Send, и снимает
// ее с регистрации
func (m *Manager) Wait(ctx context.Context, tx *Context, timeout time.Duration) (*message.Response, error) {
	res, err := tx.Wait(ctx, timeout)
	m.remove(tx)

	switch {
	case err == nil:
		m.observe(tx, ResultCompleted)
	case IsTimeout(err):
		m.stats.timedOut.Add(1)
		m.observe(tx, ResultTimeout)
		m.logger.Warn("transaction timed out",
			slog.String("tx", tx.id),
			slog.Duration("after", timeout))
	case IsCanceled(err):
		m.stats.canceled.Add(1)
		m.observe(tx, ResultCanceled)
		m.logger.Debug("transaction canceled", slog.String("tx", tx.id))
	default:
		m.observe(tx, ResultFailed)
	}
	return res, err
}

// HandleResponse передает ответ ожидающей транзакции. Никогда не блокирует.
// Возвращает false, если ответ отброшен (неизвестная или завершенная
// транзакция).
func (m *Manager) HandleResponse(res *message.Response) bool {
	id, err := Key(res)
	if err != nil {
		m.stats.dropped.Add(1)
		m.logger.Warn("response dropped", slog.Any("error", err))
		return false
	}

	if m.ack != nil && res.StatusCode >= 300 {
		if _, method, _ := res.CSeq(); method == message.MethodInvite {
			m.ackFailure(id, res)
		}
	}

	m.mu.Lock()
	tx, ok := m.pending[id]
	m.mu.Unlock()
	if !ok {
		m.stats.dropped.Add(1)
		m.logger.Debug("stale response dropped",
			slog.String("tx", id),
			slog.Int("status", res.StatusCode))
		return false
	}

	res.SetTransaction(tx)
	if !tx.receive(res) {
		m.stats.dropped.Add(1)
		m.logger.Debug("response after completion dropped",
			slog.String("tx", id),
			slog.Int("status", res.StatusCode))
		return false
	}

	if message.IsProvisional(res.StatusCode) {
		if tx.onProvisional != nil {
			go tx.onProvisional(res)
		}
		return true
	}
	m.stats.completed.Add(1)
	return true
}

// CancelAll отменяет все ожидания транзакций диалога. Заблокированные
// SendAndWait возвращают ErrCanceled.
func (m *Manager) CancelAll(callID string) int {
	m.mu.Lock()
	var victims []*Context
	for _, tx := range m.pending {
		if tx.request.CallID() == callID {
			victims = append(victims, tx)
		}
	}
	m.mu.Unlock()

	n := 0
	for _, tx := range victims {
		if tx.finish(nil, fmt.Errorf("%w: %s", ErrCanceled, tx.id), StateCanceled) {
			n++
		}
	}
	if n > 0 {
		m.logger.Debug("transactions canceled",
			slog.String("call_id", callID),
			slog.Int("count", n))
	}
	return n
}

// Pending возвращает число ожидающих транзакций
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Stats возвращает статистику менеджера
func (m *Manager) Stats() Stats {
	return Stats{
		Sent:          m.stats.sent.Load(),
		Retransmitted: m.stats.retransmitted.Load(),
		Acked:         m.stats.acked.Load(),
		Completed:     m.stats.completed.Load(),
		TimedOut:      m.stats.timedOut.Load(),
		Canceled:      m.stats.canceled.Load(),
		Dropped:       m.stats.dropped.Load(),
		Pending:       uint64(m.Pending()),
	}
}

// Close отменяет все ожидания, останавливает повторы и запрещает новые
// запросы
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.done)
	victims := make([]*Context, 0, len(m.pending))
	for _, tx := range m.pending {
		victims = append(victims, tx)
	}
	clear(m.invites)
	m.mu.Unlock()

	for _, tx := range victims {
		tx.finish(nil, fmt.Errorf("%w: %w", ErrCanceled, ErrClosed), StateCanceled)
	}
	m.wg.Wait()
	return nil
}

func (m *Manager) remove(tx *Context) {
	m.mu.Lock()
	if cur, ok := m.pending[tx.id]; ok && cur == tx {
		delete(m.pending, tx.id)
	}
	if rec, ok := m.invites[tx.id]; ok && rec.request == tx.request {
		rec.until = time.Now().Add(TimerD)
	}
	m.mu.Unlock()
}

func (m *Manager) observe(tx *Context, result string) {
	if m.observer == nil {
		return
	}
	m.observer.TransactionFinished(tx.request.Method, result, time.Since(tx.created))
}
