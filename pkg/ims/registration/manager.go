// Package registration реализует регистрацию UE в IMS: REGISTER с
// аутентификацией, обновление до истечения срока, снятие регистрации и
// реакцию на потерю сети.
package registration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"

	"github.com/arzzra/ims_core/pkg/ims/refresh"
	"github.com/arzzra/ims_core/pkg/sip/auth"
	"github.com/arzzra/ims_core/pkg/sip/dialog"
	"github.com/arzzra/ims_core/pkg/sip/message"
	"github.com/arzzra/ims_core/pkg/sip/transaction"
)

// Состояния регистрации. В StateRefreshing обновляется действующая
// регистрация, UE остается зарегистрированным.
const (
	StateUnregistered  = "unregistered"
	StateRegistering   = "registering"
	StateRegistered    = "registered"
	StateRefreshing    = "refreshing"
	StateUnregistering = "unregistering"
)

// События FSM
const (
	eventRegister   = "register"
	eventRefresh    = "refresh"
	eventSuccess    = "success"
	eventFail       = "fail"
	eventUnregister = "unregister"
	eventTerminated = "terminated"
	eventLost       = "lost"
)

// Результаты попыток для Observer
const (
	ResultSuccess    = "success"
	ResultChallenged = "challenged"
	ResultFailure    = "failure"
	ResultTimeout    = "timeout"
)

// Client часть SIP стека, нужная регистрации
type Client interface {
	CreateRegister(p *dialog.Path, featureTags []string, expire int) *message.Request
	SendAndWait(ctx context.Context, req *message.Request, timeout time.Duration, opts ...transaction.WaitOption) (*message.Response, error)
	CancelAll(callID string) int
	LocalHost() string
}

// Listener получает события регистрации
type Listener interface {
	HandleRegistrationSuccessful()
	HandleRegistrationFailed(err error)
	HandleRegistrationTerminated()
}

// Observer получает метрики регистрации
type Observer interface {
	RegistrationAttempt(result string)
	RegistrationStateChanged(state string)
}

// Config параметры регистрации
type Config struct {
	// Запрашиваемый срок регистрации
	Expire time.Duration
	// Доля срока, после которой выполняется обновление
	RefreshRatio float64
	// Ожидание финального ответа, 0 означает таймаут стека
	Timeout time.Duration
	// Feature tags для Contact
	FeatureTags []string
}

// DefaultConfig возвращает параметры по умолчанию
func DefaultConfig() Config {
	return Config{
		Expire:       3600 * time.Second,
		RefreshRatio: refresh.DefaultRatio,
	}
}

// Manager управляет регистрацией одного UE
type Manager struct {
	client    Client
	procedure Procedure
	config    Config
	logger    *slog.Logger
	listener  Listener
	observer  Observer

	refresher *refresh.Refresher
	fsm       *fsm.FSM

	// op сериализует Register и Unregister
	op sync.Mutex
	// epoch увеличивается при Stop, операции прошлой эпохи не уведомляют
	epoch atomic.Uint64

	mu            sync.RWMutex
	path          *dialog.Path
	expire        int // секунды, последнее запрошенное или выданное значение
	serviceRoutes []string
	associated    []string

	ctx    context.Context
	cancel context.CancelFunc
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

// WithListener задает получателя событий
func WithListener(l Listener) Option {
	return func(m *Manager) { m.listener = l }
}

// WithObserver задает получателя метрик
func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observer = o }
}

// NewManager создает менеджер регистрации
func NewManager(client Client, procedure Procedure, cfg Config, opts ...Option) *Manager {
	if cfg.Expire <= 0 {
		cfg.Expire = DefaultConfig().Expire
	}
	if cfg.RefreshRatio <= 0 || cfg.RefreshRatio >= 1 {
		cfg.RefreshRatio = refresh.DefaultRatio
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		client:    client,
		procedure: procedure,
		config:    cfg,
		logger:    slog.Default(),
		listener:  nopListener{},
		expire:    int(cfg.Expire / time.Second),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(slog.String("component", "registration"))
	m.path = m.newPath()
	m.refresher = refresh.New(m.onRefresh)
	m.initStateMachine()
	return m
}

func (m *Manager) initStateMachine() {
	m.fsm = fsm.NewFSM(
		StateUnregistered,
		fsm.Events{
			{Name: eventRegister, Src: []string{StateUnregistered}, Dst: StateRegistering},
			{Name: eventRefresh, Src: []string{StateRegistered}, Dst: StateRefreshing},
			{Name: eventSuccess, Src: []string{StateRegistering, StateRefreshing}, Dst: StateRegistered},
			{Name: eventFail, Src: []string{StateRegistering, StateRefreshing}, Dst: StateUnregistered},
			{Name: eventUnregister, Src: []string{StateRegistered, StateRegistering, StateRefreshing}, Dst: StateUnregistering},
			{Name: eventTerminated, Src: []string{StateUnregistering}, Dst: StateUnregistered},
			{Name: eventLost, Src: []string{StateRegistering, StateRegistered, StateRefreshing, StateUnregistering}, Dst: StateUnregistered},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				m.logger.Debug("registration state changed",
					slog.String("from", e.Src),
					slog.String("to", e.Dst),
					slog.String("event", e.Event))
				if m.observer != nil {
					m.observer.RegistrationStateChanged(e.Dst)
				}
			},
		},
	)
}

// newPath создает путь регистрации. Call-ID один на все REGISTER к
// регистратору (RFC 3261 10.2), CSeq растет.
func (m *Manager) newPath() *dialog.Path {
	uri := m.procedure.PublicURI()
	p := dialog.NewPath(message.GenerateCallID(m.client.LocalHost()), 0,
		uri, uri, "sip:"+m.procedure.HomeDomain(), nil)
	_ = p.SetLocalTag(message.GenerateTag())
	return p
}

// State возвращает текущее состояние
func (m *Manager) State() string {
	return m.fsm.Current()
}

// IsRegistered сообщает, зарегистрирован ли UE. Во время обновления
// регистрация действует.
func (m *Manager) IsRegistered() bool {
	switch m.fsm.Current() {
	case StateRegistered, StateRefreshing:
		return true
	}
	return false
}

// ExpirePeriod возвращает срок регистрации, выданный регистратором
func (m *Manager) ExpirePeriod() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Duration(m.expire) * time.Second
}

// NextRefresh возвращает момент следующего обновления
func (m *Manager) NextRefresh() time.Time {
	return m.refresher.Deadline()
}

// ServiceRoutes возвращает Service-Route из последнего 2xx
// (RFC 3608), маршрут для всех запросов кроме REGISTER
func (m *Manager) ServiceRoutes() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.serviceRoutes)
}

// AssociatedURIs возвращает P-Associated-URI из последнего 2xx
func (m *Manager) AssociatedURIs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.associated)
}

// CallID возвращает Call-ID регистрации
func (m *Manager) CallID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.path.CallID()
}

// Register выполняет регистрацию или ее обновление. Результат также
// сообщается Listener.
func (m *Manager) Register(ctx context.Context) error {
	m.op.Lock()
	defer m.op.Unlock()

	epoch := m.epoch.Load()
	event := eventRegister
	if m.fsm.Is(StateRegistered) {
		event = eventRefresh
	}
	if err := m.fsm.Event(context.Background(), event); err != nil {
		return fmt.Errorf("register in state %s: %w", m.fsm.Current(), err)
	}

	m.mu.RLock()
	expire := m.expire
	m.mu.RUnlock()

	res, err := m.send(ctx, expire, epoch)
	if err == nil && res.StatusCode == message.StatusIntervalTooBrief {
		// 423: повтор с Min-Expires сервера, один раз
		minExpires, convErr := strconv.Atoi(res.HeaderValue(message.HeaderMinExpires))
		if convErr == nil && minExpires > 0 {
			m.logger.Info("interval too brief, retrying",
				slog.Int("expires", expire),
				slog.Int("min_expires", minExpires))
			expire = minExpires
			m.mu.Lock()
			m.expire = minExpires
			m.mu.Unlock()
			res, err = m.send(ctx, expire, epoch)
		}
	}

	if m.epoch.Load() != epoch {
		return ErrStopped
	}
	if err != nil {
		return m.fail(classify(err, res))
	}
	if !message.IsSuccess(res.StatusCode) {
		return m.fail(&Error{Type: RegistrationFailed, Code: res.StatusCode, Reason: res.Reason})
	}

	m.registered(res, expire)
	return nil
}

func (m *Manager) send(ctx context.Context, expire int, epoch uint64) (*message.Response, error) {
	m.mu.RLock()
	p := m.path
	m.mu.RUnlock()

	build := func() (*message.Request, error) {
		p.IncrementCSeq()
		return m.client.CreateRegister(p, m.config.FeatureTags, expire), nil
	}
	send := func(ctx context.Context, req *message.Request) (*message.Response, error) {
		if m.epoch.Load() != epoch {
			return nil, ErrStopped
		}
		res, err := m.client.SendAndWait(ctx, req, m.config.Timeout)
		if err == nil && m.observer != nil && (res.StatusCode == message.StatusUnauthorized ||
			res.StatusCode == message.StatusProxyAuthRequired) {
			m.observer.RegistrationAttempt(ResultChallenged)
		}
		return res, err
	}
	return m.procedure.Exchange(ctx, send, build)
}

func classify(err error, res *message.Response) *Error {
	e := &Error{Type: TransactionFailed, Err: err}
	if errors.Is(err, auth.ErrAuthentication) {
		e.Type = AuthenticationFailed
	}
	if res != nil {
		e.Code, e.Reason = res.StatusCode, res.Reason
	}
	return e
}

func (m *Manager) fail(regErr *Error) error {
	m.refresher.Stop()
	_ = m.fsm.Event(context.Background(), eventFail)
	m.procedure.Reset()

	m.logger.Warn("registration failed", slog.Any("error", regErr))
	if m.observer != nil {
		result := ResultFailure
		if transaction.IsTimeout(regErr.Err) {
			result = ResultTimeout
		}
		m.observer.RegistrationAttempt(result)
	}
	m.listener.HandleRegistrationFailed(regErr)
	return regErr
}

func (m *Manager) registered(res *message.Response, requested int) {
	granted := grantedExpire(res, requested)
	routes := headerValues(res, message.HeaderServiceRoute)
	associated := headerValues(res, message.HeaderPAssociatedURI)
	_ = m.procedure.ReadSecurityHeader(res)

	m.mu.Lock()
	m.expire = granted
	m.serviceRoutes = routes
	m.associated = associated
	m.mu.Unlock()

	_ = m.fsm.Event(context.Background(), eventSuccess)
	m.refresher.Start(time.Duration(granted)*time.Second, m.config.RefreshRatio)

	m.logger.Info("registered",
		slog.Int("expires", granted),
		slog.Time("refresh_at", m.refresher.Deadline()),
		slog.Int("service_routes", len(routes)))
	if m.observer != nil {
		m.observer.RegistrationAttempt(ResultSuccess)
	}
	m.listener.HandleRegistrationSuccessful()
}

// grantedExpire берет срок из expires параметра Contact, затем из
// заголовка Expires, иначе запрошенный
func grantedExpire(res *message.Response, requested int) int {
	for _, h := range res.Headers(message.HeaderContact) {
		if v, ok := h.Param("expires"); ok {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				return n
			}
		}
	}
	if n := res.Expires(); n > 0 {
		return n
	}
	return requested
}

func headerValues(m message.Message, name string) []string {
	headers := m.Headers(name)
	if len(headers) == 0 {
		return nil
	}
	out := make([]string, 0, len(headers))
	for _, h := range headers {
		out = append(out, h.Value)
	}
	return out
}

// onRefresh вызывается таймером обновления
func (m *Manager) onRefresh() {
	if err := m.Register(m.ctx); err != nil && !errors.Is(err, ErrStopped) {
		m.logger.Warn("registration refresh failed", slog.Any("error", err))
	}
}

// Unregister снимает регистрацию (Expires: 0). Ответ не влияет на результат:
// состояние всегда становится unregistered.
func (m *Manager) Unregister(ctx context.Context) error {
	m.op.Lock()
	defer m.op.Unlock()

	if m.fsm.Is(StateUnregistered) {
		return nil
	}
	m.refresher.Stop()
	if err := m.fsm.Event(context.Background(), eventUnregister); err != nil {
		return fmt.Errorf("unregister in state %s: %w", m.fsm.Current(), err)
	}

	res, err := m.send(ctx, 0, m.epoch.Load())
	switch {
	case err != nil:
		m.logger.Warn("unregister failed", slog.Any("error", err))
	case !message.IsSuccess(res.StatusCode):
		m.logger.Warn("unregister rejected", slog.Int("status", res.StatusCode))
	default:
		m.logger.Info("unregistered")
	}

	m.reset()
	_ = m.fsm.Event(context.Background(), eventTerminated)
	m.listener.HandleRegistrationTerminated()
	return nil
}

// Stop переводит регистрацию в unregistered без сетевого обмена (потеря
// сети). Ожидающая транзакция отменяется, таймер обновления
// останавливается.
func (m *Manager) Stop() {
	m.epoch.Add(1)
	m.refresher.Stop()
	m.client.CancelAll(m.CallID())

	if !m.fsm.Is(StateUnregistered) {
		_ = m.fsm.Event(context.Background(), eventLost)
		m.logger.Info("registration stopped")
	}

	m.op.Lock()
	m.reset()
	m.op.Unlock()
}

// Close останавливает регистрацию и освобождает таймер обновления
func (m *Manager) Close() {
	m.Stop()
	m.cancel()
}

// reset сбрасывает состояние регистрации, вызывается под op
func (m *Manager) reset() {
	m.refresher.Stop()
	m.procedure.Reset()
	m.mu.Lock()
	m.serviceRoutes = nil
	m.associated = nil
	m.expire = int(m.config.Expire / time.Second)
	m.path = m.newPath()
	m.mu.Unlock()
}

type nopListener struct{}

func (nopListener) HandleRegistrationSuccessful()  {}
func (nopListener) HandleRegistrationFailed(error) {}
func (nopListener) HandleRegistrationTerminated()  {}
