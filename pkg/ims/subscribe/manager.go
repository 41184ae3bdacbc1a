// Package subscribe реализует подписки SUBSCRIBE/NOTIFY (RFC 6665) для
// пакетов событий: обновление до истечения срока, проверку NOTIFY и
// завершение подписки сервером.
package subscribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/qmuntal/stateless"

	"github.com/arzzra/ims_core/pkg/ims/refresh"
	"github.com/arzzra/ims_core/pkg/sip/auth"
	"github.com/arzzra/ims_core/pkg/sip/dialog"
	"github.com/arzzra/ims_core/pkg/sip/message"
	"github.com/arzzra/ims_core/pkg/sip/transaction"
)

// ErrStopped возвращается операцией, прерванной Stop
var ErrStopped = errors.New("subscription stopped")

// State состояние подписки
type State string

const (
	StateIdle        State = "idle"
	StateSubscribing State = "subscribing"
	StateActive      State = "active"
	StateTerminated  State = "terminated"
)

type trigger string

const (
	triggerSubscribe   trigger = "subscribe"
	triggerSuccess     trigger = "success"
	triggerFail        trigger = "fail"
	triggerTerminated  trigger = "terminated"
	triggerUnsubscribe trigger = "unsubscribe"
	triggerStop        trigger = "stop"
)

// Результаты обработки NOTIFY для Observer
const (
	NotifyAccepted   = "accepted"
	NotifyRejected   = "rejected"
	NotifyTerminated = "terminated"
)

// Причины завершения (RFC 6665 4.1.3)
const (
	ReasonDeactivated = "deactivated"
	ReasonProbation   = "probation"
	ReasonRejected    = "rejected"
	ReasonTimeout     = "timeout"
	ReasonGiveUp      = "giveup"
	ReasonNoResource  = "noresource"
	ReasonInvariant   = "invariant"
)

// Client часть SIP стека, нужная подписке
type Client interface {
	CreateSubscribe(p *dialog.Path, event string, expire int) *message.Request
	SendAndWait(ctx context.Context, req *message.Request, timeout time.Duration, opts ...transaction.WaitOption) (*message.Response, error)
	CancelAll(callID string) int
	LocalHost() string
}

// Listener получает события подписки
type Listener interface {
	// TerminatedByServer вызывается при NOTIFY с Subscription-State: terminated
	TerminatedByServer(event, reason string)
	// SubscriptionFailed вызывается при отказе SUBSCRIBE или его обновления,
	// включая повторный challenge (*auth.AuthenticationError)
	SubscriptionFailed(event string, err error)
}

// Observer получает метрики NOTIFY
type Observer interface {
	NotifyReceived(event, result string)
}

// Config параметры подписки
type Config struct {
	// Локальная идентичность, From подписки
	PublicURI string
	// Запрашиваемый срок
	Expire time.Duration
	// Доля срока, после которой выполняется обновление
	RefreshRatio float64
	// Ожидание финального ответа, 0 означает таймаут стека
	Timeout time.Duration
	// Routes возвращает Service-Route регистрации для нового диалога
	Routes func() []string
}

// Error ошибка подписки с кодом ответа
type Error struct {
	Event  string
	Code   int
	Reason string
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Code != 0:
		return fmt.Sprintf("subscribe %s: %d %s: %v", e.Event, e.Code, e.Reason, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("subscribe %s: %v", e.Event, e.Err)
	default:
		return fmt.Sprintf("subscribe %s: %d %s", e.Event, e.Code, e.Reason)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Manager ведет одну подписку пакета событий
type Manager struct {
	client   Client
	pkg      EventPackage
	config   Config
	agent    *auth.Agent
	logger   *slog.Logger
	listener Listener
	observer Observer

	refresher *refresh.Refresher
	fsm       *stateless.StateMachine

	// op сериализует Subscribe и Unsubscribe
	op    sync.Mutex
	epoch atomic.Uint64

	mu     sync.RWMutex
	path   *dialog.Path
	expire int

	wg     sync.WaitGroup
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

// WithAuthAgent включает ответ на 401/407 для SUBSCRIBE
func WithAuthAgent(agent *auth.Agent) Option {
	return func(m *Manager) { m.agent = agent }
}

// NewManager создает менеджер подписки на пакет pkg
func NewManager(client Client, pkg EventPackage, cfg Config, opts ...Option) *Manager {
	if cfg.Expire <= 0 {
		cfg.Expire = 3600 * time.Second
	}
	if cfg.RefreshRatio <= 0 || cfg.RefreshRatio >= 1 {
		cfg.RefreshRatio = refresh.DefaultRatio
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		client:   client,
		pkg:      pkg,
		config:   cfg,
		logger:   slog.Default(),
		listener: nopListener{},
		expire:   int(cfg.Expire / time.Second),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(slog.String("component", "subscribe"), slog.String("event", pkg.Event()))
	m.refresher = refresh.New(m.onRefresh)
	m.initStateMachine()
	return m
}

func (m *Manager) initStateMachine() {
	m.fsm = stateless.NewStateMachine(StateIdle)

	m.fsm.Configure(StateIdle).
		Permit(triggerSubscribe, StateSubscribing).
		Ignore(triggerStop).
		Ignore(triggerUnsubscribe).
		Ignore(triggerFail).
		Ignore(triggerTerminated)

	m.fsm.Configure(StateSubscribing).
		Permit(triggerSuccess, StateActive).
		Permit(triggerFail, StateIdle).
		Permit(triggerTerminated, StateTerminated).
		Permit(triggerUnsubscribe, StateIdle).
		Permit(triggerStop, StateIdle)

	m.fsm.Configure(StateActive).
		Permit(triggerFail, StateIdle).
		Permit(triggerTerminated, StateTerminated).
		Permit(triggerUnsubscribe, StateIdle).
		Permit(triggerStop, StateIdle).
		Ignore(triggerSuccess)

	// NOTIFY с terminated мог прийти раньше 2xx на SUBSCRIBE
	m.fsm.Configure(StateTerminated).
		Permit(triggerSubscribe, StateSubscribing).
		Permit(triggerUnsubscribe, StateIdle).
		Permit(triggerStop, StateIdle).
		Ignore(triggerSuccess).
		Ignore(triggerFail).
		Ignore(triggerTerminated)

	m.fsm.OnTransitioned(func(_ context.Context, tr stateless.Transition) {
		m.logger.Debug("subscription state changed",
			slog.Any("from", tr.Source),
			slog.Any("to", tr.Destination),
			slog.Any("trigger", tr.Trigger))
	})
}

// Event возвращает пакет событий подписки
func (m *Manager) Event() string {
	return m.pkg.Event()
}

// State возвращает текущее состояние
func (m *Manager) State() State {
	return m.fsm.MustState().(State)
}

// IsSubscribed сообщает, активна ли подписка
func (m *Manager) IsSubscribed() bool {
	return m.State() == StateActive
}

// ExpirePeriod возвращает срок, выданный сервером
func (m *Manager) ExpirePeriod() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Duration(m.expire) * time.Second
}

// NextRefresh возвращает момент следующего обновления
func (m *Manager) NextRefresh() time.Time {
	return m.refresher.Deadline()
}

// CallID возвращает Call-ID текущего диалога подписки
func (m *Manager) CallID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.path == nil {
		return ""
	}
	return m.path.CallID()
}

func (m *Manager) newDialog() {
	var routes []string
	if m.config.Routes != nil {
		routes = m.config.Routes()
	}
	target := m.pkg.Target()
	p := dialog.NewPath(message.GenerateCallID(m.client.LocalHost()), 0,
		m.config.PublicURI, target, target, routes)
	_ = p.SetLocalTag(message.GenerateTag())

	m.mu.Lock()
	m.path = p
	m.expire = int(m.config.Expire / time.Second)
	m.mu.Unlock()
}

// Subscribe создает подписку или обновляет активную внутри ее диалога
func (m *Manager) Subscribe(ctx context.Context) error {
	m.op.Lock()
	defer m.op.Unlock()
	return m.subscribe(ctx, m.epoch.Load())
}

func (m *Manager) subscribe(ctx context.Context, epoch uint64) error {
	refreshing := m.State() == StateActive
	if !refreshing {
		if err := m.fsm.Fire(triggerSubscribe); err != nil {
			return fmt.Errorf("subscribe in state %s: %w", m.State(), err)
		}
		m.newDialog()
	}

	m.mu.RLock()
	expire := m.expire
	m.mu.RUnlock()

	res, err := m.send(ctx, expire, epoch)
	if err == nil && res.StatusCode == message.StatusIntervalTooBrief {
		minExpires, convErr := strconv.Atoi(res.HeaderValue(message.HeaderMinExpires))
		if convErr == nil && minExpires > 0 {
			m.logger.Info("interval too brief, retrying", slog.Int("min_expires", minExpires))
			expire = minExpires
			m.mu.Lock()
			m.expire = minExpires
			m.mu.Unlock()
			res, err = m.send(ctx, expire, epoch)
		}
	}
	if err == nil && refreshing && res.StatusCode == message.StatusCallDoesNotExist {
		// сервер забыл подписку, новый диалог
		m.logger.Info("subscription unknown to notifier, renewing dialog")
		refreshing = false
		m.newDialog()
		res, err = m.send(ctx, expire, epoch)
	}

	if m.epoch.Load() != epoch {
		return ErrStopped
	}
	if err != nil {
		return m.fail(&Error{Event: m.pkg.Event(), Err: err}, res)
	}
	if !message.IsSuccess(res.StatusCode) {
		return m.fail(&Error{Event: m.pkg.Event(), Code: res.StatusCode, Reason: res.Reason}, res)
	}

	m.subscribed(res, expire, refreshing)
	return nil
}

func (m *Manager) send(ctx context.Context, expire int, epoch uint64) (*message.Response, error) {
	m.mu.RLock()
	p := m.path
	m.mu.RUnlock()

	build := func() (*message.Request, error) {
		p.IncrementCSeq()
		req := m.client.CreateSubscribe(p, m.pkg.Event(), expire)
		req.AddHeader(message.HeaderAccept, strings.Join(m.pkg.Accept(), ", "))
		m.pkg.Decorate(req)
		return req, nil
	}
	send := func(ctx context.Context, req *message.Request) (*message.Response, error) {
		if m.epoch.Load() != epoch {
			return nil, ErrStopped
		}
		return m.client.SendAndWait(ctx, req, m.config.Timeout)
	}

	if m.agent != nil {
		return m.agent.Exchange(ctx, send, build)
	}
	req, err := build()
	if err != nil {
		return nil, err
	}
	return send(ctx, req)
}

func (m *Manager) fail(subErr *Error, res *message.Response) error {
	if res != nil && subErr.Code == 0 {
		subErr.Code, subErr.Reason = res.StatusCode, res.Reason
	}
	m.refresher.Stop()
	_ = m.fsm.Fire(triggerFail)
	m.logger.Warn("subscription failed", slog.Any("error", subErr))
	m.listener.SubscriptionFailed(m.pkg.Event(), subErr)
	return subErr
}

func (m *Manager) subscribed(res *message.Response, requested int, refreshing bool) {
	m.mu.RLock()
	p := m.path
	m.mu.RUnlock()

	if err := p.ApplyResponse(res); err != nil {
		m.logger.Warn("subscribe response does not fit dialog", slog.Any("error", err))
	}

	granted := requested
	if n := res.Expires(); n > 0 {
		granted = n
	}
	m.mu.Lock()
	m.expire = granted
	m.mu.Unlock()

	_ = m.fsm.Fire(triggerSuccess)
	if m.State() != StateActive {
		// подписка уже завершена сервером
		return
	}
	m.refresher.Start(time.Duration(granted)*time.Second, m.config.RefreshRatio)
	m.logger.Info("subscribed",
		slog.Bool("refresh", refreshing),
		slog.Int("expires", granted),
		slog.Time("refresh_at", m.refresher.Deadline()))
}

func (m *Manager) onRefresh() {
	if err := m.Subscribe(m.ctx); err != nil && !errors.Is(err, ErrStopped) {
		m.logger.Warn("subscription refresh failed", slog.Any("error", err))
	}
}

// Matches сообщает, относится ли NOTIFY к диалогу подписки. Удаленный тег
// еще неизвестен, пока не пришел 2xx или первый NOTIFY.
func (m *Manager) Matches(notify *message.Request) bool {
	if notify.Method != message.MethodNotify {
		return false
	}
	event := notify.Header(message.HeaderEvent)
	if event == nil || !strings.EqualFold(event.MainValue(), m.pkg.Event()) {
		return false
	}

	m.mu.RLock()
	p := m.path
	m.mu.RUnlock()
	if p == nil || notify.CallID() != p.CallID() || notify.ToTag() != p.LocalTag() {
		return false
	}
	remote := p.RemoteTag()
	return remote == "" || notify.FromTag() == remote
}

// ReceiveNotify обрабатывает NOTIFY и возвращает код ответа на него
func (m *Manager) ReceiveNotify(notify *message.Request) int {
	if !m.Matches(notify) {
		m.observe(NotifyRejected)
		return message.StatusCallDoesNotExist
	}

	m.mu.RLock()
	p := m.path
	m.mu.RUnlock()

	if p.RemoteTag() == "" {
		// первый NOTIFY раньше 2xx: он и создает диалог (RFC 6665 4.1.2.4)
		if err := p.SetRemoteTag(notify.FromTag()); err != nil {
			m.observe(NotifyRejected)
			return message.StatusCallDoesNotExist
		}
		if contact := notify.HeaderValue(message.HeaderContact); contact != "" {
			p.SetTarget(message.ExtractURI(contact))
		}
		if rr := notify.Headers(message.HeaderRecordRoute); len(rr) > 0 {
			routes := make([]string, 0, len(rr))
			for _, h := range rr {
				routes = append(routes, h.Value)
			}
			p.SetRouteFromRecordRoute(routes, false)
		}
		p.Confirm()
	}

	if seq, _, err := notify.CSeq(); err == nil {
		if err := p.AcceptRemoteCSeq(seq, message.MethodNotify); err != nil {
			m.logger.Warn("notify out of order", slog.Any("error", err))
			m.observe(NotifyRejected)
			return message.StatusServerInternalError
		}
	}

	state := notify.Header(message.HeaderSubscriptionState)
	if state == nil {
		m.observe(NotifyRejected)
		return message.StatusBadRequest
	}

	if m.State() == StateIdle {
		// завершающий NOTIFY после Unsubscribe или Stop
		return message.StatusOK
	}

	if len(notify.Body()) > 0 {
		if !m.accepts(notify.ContentType()) {
			m.observe(NotifyRejected)
			return message.StatusUnsupportedMedia
		}
		if err := m.pkg.Deliver(notify); err != nil {
			m.logger.Warn("notify body not delivered", slog.Any("error", err))
		}
	}

	switch strings.ToLower(state.MainValue()) {
	case "terminated":
		reason, _ := state.Param("reason")
		m.terminated(strings.ToLower(reason))
		m.observe(NotifyTerminated)
	default:
		if v, ok := state.Param("expires"); ok && m.State() == StateActive {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				m.mu.Lock()
				shorter := n < m.expire
				if shorter {
					m.expire = n
				}
				m.mu.Unlock()
				if shorter {
					m.refresher.Start(time.Duration(n)*time.Second, m.config.RefreshRatio)
				}
			}
		}
		m.observe(NotifyAccepted)
	}
	return message.StatusOK
}

func (m *Manager) accepts(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return slices.ContainsFunc(m.pkg.Accept(), func(a string) bool {
		return strings.EqualFold(a, mediaType)
	})
}

func (m *Manager) terminated(reason string) {
	m.refresher.Stop()
	_ = m.fsm.Fire(triggerTerminated)
	m.logger.Info("subscription terminated by server", slog.String("reason", reason))
	m.listener.TerminatedByServer(m.pkg.Event(), reason)

	if !ShouldResubscribe(reason) {
		return
	}
	epoch := m.epoch.Load()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.op.Lock()
		defer m.op.Unlock()
		if m.epoch.Load() != epoch || m.State() != StateTerminated {
			return
		}
		if err := m.subscribe(m.ctx, epoch); err != nil && !errors.Is(err, ErrStopped) {
			m.logger.Warn("resubscribe failed", slog.Any("error", err))
		}
	}()
}

// ShouldResubscribe сообщает, нужна ли новая подписка после terminated с
// причиной reason
func ShouldResubscribe(reason string) bool {
	switch reason {
	case "", ReasonTimeout, ReasonProbation, ReasonGiveUp:
		return true
	}
	return false
}

func (m *Manager) observe(result string) {
	if m.observer != nil {
		m.observer.NotifyReceived(m.pkg.Event(), result)
	}
}

// Unsubscribe завершает подписку (Expires: 0). Ответ не влияет на
// результат: состояние становится idle.
func (m *Manager) Unsubscribe(ctx context.Context) error {
	m.op.Lock()
	defer m.op.Unlock()

	m.refresher.Stop()
	if m.State() != StateActive {
		_ = m.fsm.Fire(triggerUnsubscribe)
		return nil
	}

	res, err := m.send(ctx, 0, m.epoch.Load())
	switch {
	case err != nil:
		m.logger.Warn("unsubscribe failed", slog.Any("error", err))
	case !message.IsSuccess(res.StatusCode):
		m.logger.Warn("unsubscribe rejected", slog.Int("status", res.StatusCode))
	default:
		m.logger.Info("unsubscribed")
	}
	_ = m.fsm.Fire(triggerUnsubscribe)
	return nil
}

// Stop переводит подписку в idle без сетевого обмена (потеря сети)
func (m *Manager) Stop() {
	m.epoch.Add(1)
	m.refresher.Stop()
	if callID := m.CallID(); callID != "" {
		m.client.CancelAll(callID)
	}
	if m.State() != StateIdle {
		_ = m.fsm.Fire(triggerStop)
		m.logger.Info("subscription stopped")
	}
}

// Close останавливает подписку и ждет фоновую переподписку
func (m *Manager) Close() {
	m.Stop()
	m.cancel()
	m.wg.Wait()
}

type nopListener struct{}

func (nopListener) TerminatedByServer(string, string) {}
func (nopListener) SubscriptionFailed(string, error)  {}
