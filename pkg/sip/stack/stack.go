// Package stack связывает транспорт, менеджер транзакций и диспетчеризацию
// входящих запросов и строит SIP запросы IMS ядра.
package stack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/arzzra/ims_core/pkg/sip/message"
	"github.com/arzzra/ims_core/pkg/sip/transaction"
	"github.com/arzzra/ims_core/pkg/sip/transport"
)

// ErrStackClosed возвращается после Close
var ErrStackClosed = errors.New("stack closed")

// RequestHandler обрабатывает входящий запрос. Выполняется в собственной
// горутине, никогда в горутине приема транспорта.
type RequestHandler func(req *message.Request, from net.Addr)

// Stack SIP менеджер пользовательского агента
type Stack struct {
	config    Config
	transport transport.Transport
	tx        *transaction.Manager
	server    *transaction.ServerCache
	logger    *slog.Logger

	host       string
	port       int
	instanceID string

	mu      sync.RWMutex
	proxy   string
	handler RequestHandler

	closed atomic.Bool
	wg     sync.WaitGroup
}

// Option настраивает Stack
type Option func(*options)

type options struct {
	logger   *slog.Logger
	observer transaction.Observer
}

// WithLogger задает логгер
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithTransactionObserver передает завершенные транзакции в метрики
func WithTransactionObserver(obs transaction.Observer) Option {
	return func(o *options) { o.observer = obs }
}

// New создает стек поверх открытого транспорта
func New(t transport.Transport, cfg Config, opts ...Option) (*Stack, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid stack config: %w", err)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if len(cfg.Allow) == 0 {
		cfg.Allow = DefaultAllow
	}
	if cfg.T1 == 0 {
		cfg.T1 = transaction.T1
	}
	if cfg.T2 == 0 {
		cfg.T2 = transaction.T2
	}

	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	public := cfg.PublicAddr
	if public == "" {
		public = t.LocalAddr().String()
	}
	host, portStr, err := net.SplitHostPort(public)
	if err != nil {
		return nil, fmt.Errorf("invalid local address %q: %w", public, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid local port %q: %w", portStr, err)
	}

	s := &Stack{
		config:     cfg,
		transport:  t,
		logger:     o.logger.With(slog.String("component", "stack")),
		host:       host,
		port:       port,
		instanceID: "urn:uuid:" + uuid.NewString(),
		proxy:      cfg.Proxy,
		server:     transaction.NewServerCache(0),
	}

	txOpts := []transaction.Option{
		transaction.WithLogger(o.logger),
		transaction.WithAckBuilder(s.CreateFailureAck),
	}
	if !transport.IsReliable(t.Network()) {
		txOpts = append(txOpts, transaction.WithRetransmission(cfg.T1, cfg.T2))
	}
	if o.observer != nil {
		txOpts = append(txOpts, transaction.WithObserver(o.observer))
	}
	s.tx = transaction.NewManager(transaction.SenderFunc(s.SendRequest), txOpts...)

	t.OnMessage(s.handleMessage)
	return s, nil
}

// OnRequest устанавливает обработчик входящих запросов
func (s *Stack) OnRequest(handler RequestHandler) {
	s.mu.Lock()
	s.handler = handler
	s.mu.Unlock()
}

// Transactions возвращает менеджер транзакций
func (s *Stack) Transactions() *transaction.Manager {
	return s.tx
}

// Transport возвращает транспорт
func (s *Stack) Transport() transport.Transport {
	return s.transport
}

// Config возвращает конфигурацию
func (s *Stack) Config() Config {
	return s.config
}

// LocalHost возвращает объявляемый хост
func (s *Stack) LocalHost() string { return s.host }

// LocalPort возвращает объявляемый порт
func (s *Stack) LocalPort() int { return s.port }

// LocalHostPort возвращает host:port для Via и Contact
func (s *Stack) LocalHostPort() string {
	return net.JoinHostPort(s.host, strconv.Itoa(s.port))
}

// InstanceID возвращает значение +sip.instance агента
func (s *Stack) InstanceID() string { return s.instanceID }

// Proxy возвращает исходящий прокси
func (s *Stack) Proxy() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.proxy
}

// SetProxy меняет исходящий прокси (после обнаружения P-CSCF)
func (s *Stack) SetProxy(addr string) {
	s.mu.Lock()
	s.proxy = addr
	s.mu.Unlock()
}

// SendAndWait отправляет запрос и блокирует до финального ответа или
// таймаута. Нулевой timeout означает таймаут конфигурации. Отказ на INVITE
// подтверждается ACK на уровне транзакций.
func (s *Stack) SendAndWait(ctx context.Context, req *message.Request, timeout time.Duration, opts ...transaction.WaitOption) (*message.Response, error) {
	if s.closed.Load() {
		return nil, ErrStackClosed
	}
	if timeout <= 0 {
		timeout = s.config.Timeout
	}
	return s.tx.SendAndWait(ctx, req, timeout, opts...)
}

// SendRequest отправляет запрос без транзакции (ACK)
func (s *Stack) SendRequest(ctx context.Context, req *message.Request) error {
	if s.closed.Load() {
		return ErrStackClosed
	}
	dst, err := s.destination(req)
	if err != nil {
		return err
	}
	return s.transport.Send(ctx, req, dst)
}

// SendResponse отправляет ответ на адрес из верхнего Via (RFC 3261 18.2.2,
// RFC 3581). Ответ запоминается в серверной транзакции для повторов
// запроса.
func (s *Stack) SendResponse(ctx context.Context, res *message.Response) error {
	if s.closed.Load() {
		return ErrStackClosed
	}
	dst, err := responseDestination(res)
	if err != nil {
		return err
	}
	s.server.Respond(res)
	return s.transport.Send(ctx, res, dst)
}

// Respond строит и отправляет ответ на req
func (s *Stack) Respond(ctx context.Context, req *message.Request, code int, reason string) error {
	return s.SendResponse(ctx, s.CreateResponse(req, code, reason, ""))
}

// CancelAll отменяет ожидающие транзакции диалога
func (s *Stack) CancelAll(callID string) int {
	return s.tx.CancelAll(callID)
}

// Close останавливает менеджер транзакций и транспорт и дожидается
// работающих обработчиков запросов
func (s *Stack) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	_ = s.tx.Close()
	err := s.transport.Close()
	s.wg.Wait()
	return err
}

func (s *Stack) destination(req *message.Request) (string, error) {
	if proxy := s.Proxy(); proxy != "" {
		return proxy, nil
	}
	target := req.RequestURI
	if route := req.HeaderValue(message.HeaderRoute); route != "" {
		target = message.ExtractURI(route)
	}
	uri, err := message.ParseURI(target)
	if err != nil {
		return "", fmt.Errorf("no destination for %s: %w", req.Method, err)
	}
	if uri.Scheme == "tel" {
		return "", fmt.Errorf("no destination for %s: tel URI %s requires a proxy", req.Method, target)
	}
	return uri.HostPort(), nil
}

func responseDestination(res *message.Response) (string, error) {
	via := res.Header(message.HeaderVia)
	if via == nil {
		return "", fmt.Errorf("response without Via: %w", message.ErrMissingHeader)
	}
	sentBy := message.TopViaSentBy(res)
	host, port, err := net.SplitHostPort(sentBy)
	if err != nil {
		host, port = sentBy, "5060"
	}
	params := message.TopViaParams(res)
	if received, ok := params.Get("received"); ok && received != "" {
		host = received
	}
	if rport, ok := params.Get("rport"); ok && rport != "" {
		port = rport
	}
	return net.JoinHostPort(host, port), nil
}

// handleMessage выполняется в горутине приема и не должен блокировать
func (s *Stack) handleMessage(msg message.Message, from net.Addr) {
	if s.closed.Load() {
		return
	}
	switch m := msg.(type) {
	case *message.Response:
		s.tx.HandleResponse(m)
	case *message.Request:
		stampVia(m, from)

		if fresh, last := s.server.Receive(m); !fresh {
			s.logger.Debug("request retransmission absorbed",
				slog.String("method", m.Method),
				slog.String("call_id", m.CallID()),
				slog.Bool("replayed", last != nil))
			if last != nil {
				s.spawn(func() { s.resend(last) })
			}
			return
		}

		s.mu.RLock()
		handler := s.handler
		s.mu.RUnlock()

		if handler == nil {
			s.logger.Warn("no request handler",
				slog.String("method", m.Method),
				slog.String("call_id", m.CallID()))
			if m.Method != message.MethodAck {
				s.spawn(func() {
					_ = s.Respond(context.Background(), m, message.StatusServiceUnavailable, "")
				})
			}
			return
		}
		s.spawn(func() { handler(m, from) })
	}
}

// resend повторяет последний ответ серверной транзакции
func (s *Stack) resend(res *message.Response) {
	dst, err := responseDestination(res)
	if err != nil || s.closed.Load() {
		return
	}
	if err := s.transport.Send(context.Background(), res, dst); err != nil {
		s.logger.Debug("response replay failed", slog.Any("error", err))
	}
}

func (s *Stack) spawn(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// stampVia добавляет received и rport в верхний Via входящего запроса
// (RFC 3261 18.2.1, RFC 3581)
func stampVia(req *message.Request, from net.Addr) {
	via := req.Header(message.HeaderVia)
	if via == nil || from == nil {
		return
	}
	host, port, err := net.SplitHostPort(from.String())
	if err != nil {
		return
	}
	sentBy := message.TopViaSentBy(req)
	sentHost, _, splitErr := net.SplitHostPort(sentBy)
	if splitErr != nil {
		sentHost = sentBy
	}

	params := message.TopViaParams(req)
	changed := false
	if sentHost != host {
		params.Set("received", host)
		changed = true
	}
	if params.Has("rport") {
		if v, _ := params.Get("rport"); v == "" {
			params.Set("rport", port)
			changed = true
		}
	}
	if changed {
		via.Value = via.MainValue() + params.String()
	}
}
