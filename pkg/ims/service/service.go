// Package service реализует общий каркас IMS сервисов: реестр сессий
// сервиса и машину состояний сессии на основе INVITE, параметризованную
// поведением конкретного сервиса.
package service

import (
	"context"
	"log/slog"
	"mime"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/arzzra/ims_core/pkg/sip/auth"
	"github.com/arzzra/ims_core/pkg/sip/dialog"
	"github.com/arzzra/ims_core/pkg/sip/message"
	"github.com/arzzra/ims_core/pkg/sip/transaction"
)

// Client часть SIP стека, нужная сессиям
type Client interface {
	CreateInvite(p *dialog.Path, featureTags []string, contentType string, body []byte) *message.Request
	CreateAck(p *dialog.Path) *message.Request
	CreateCancel(invite *message.Request) *message.Request
	CreateBye(p *dialog.Path) *message.Request
	CreateResponse(req *message.Request, code int, reason, toTag string) *message.Response
	CreateRinging(req *message.Request, p *dialog.Path) *message.Response
	Create200OkInvite(req *message.Request, p *dialog.Path, featureTags []string, contentType string, body []byte) *message.Response
	SendAndWait(ctx context.Context, req *message.Request, timeout time.Duration, opts ...transaction.WaitOption) (*message.Response, error)
	SendRequest(ctx context.Context, req *message.Request) error
	SendResponse(ctx context.Context, res *message.Response) error
	CancelAll(callID string) int
	LocalHost() string
}

// Config параметры сервиса
type Config struct {
	// Локальная идентичность, From исходящих сессий
	PublicURI string
	// Ожидание Accept или Reject входящей сессии
	RingingPeriod time.Duration
	// Ожидание финального ответа на исходящий INVITE
	InviteTimeout time.Duration
	// Ожидание ответа на BYE
	Timeout time.Duration
	// Routes возвращает Service-Route регистрации
	Routes func() []string
}

// Значения по умолчанию
const (
	DefaultRingingPeriod = 30 * time.Second
	DefaultInviteTimeout = 40 * time.Second
)

// Service один IMS сервис (чат, передача файлов, видео) со своим реестром
// сессий
type Service struct {
	name         string
	client       Client
	config       Config
	featureTags  []string
	contentTypes []string
	capability   Capability
	agent        *auth.Agent
	logger       *slog.Logger
	observer     Observer
	listeners    []Listener

	mu        sync.RWMutex
	activated bool
	started   bool
	sessions  map[string]*Session
}

// Option настраивает Service
type Option func(*Service)

// WithLogger задает логгер
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithFeatureTags задает feature tags сервиса (RFC 3840) для Contact и
// выбора входящих INVITE
func WithFeatureTags(tags ...string) Option {
	return func(s *Service) { s.featureTags = tags }
}

// WithContentTypes ограничивает типы содержимого входящих INVITE
func WithContentTypes(types ...string) Option {
	return func(s *Service) { s.contentTypes = types }
}

// WithCapability задает поведение сессий сервиса
func WithCapability(c Capability) Option {
	return func(s *Service) {
		if c != nil {
			s.capability = c
		}
	}
}

// WithAuthAgent включает ответ на 401/407 для исходящего INVITE
func WithAuthAgent(agent *auth.Agent) Option {
	return func(s *Service) { s.agent = agent }
}

// WithObserver задает получателя метрик
func WithObserver(o Observer) Option {
	return func(s *Service) { s.observer = o }
}

// WithSessionListener подписывает l на события каждой сессии сервиса
func WithSessionListener(l Listener) Option {
	return func(s *Service) { s.listeners = append(s.listeners, l) }
}

// New создает активированный, но не запущенный сервис
func New(name string, client Client, cfg Config, opts ...Option) *Service {
	if cfg.RingingPeriod <= 0 {
		cfg.RingingPeriod = DefaultRingingPeriod
	}
	if cfg.InviteTimeout <= 0 {
		cfg.InviteTimeout = DefaultInviteTimeout
	}
	s := &Service{
		name:       name,
		client:     client,
		config:     cfg,
		capability: BaseCapability{},
		logger:     slog.Default(),
		activated:  true,
		sessions:   make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("component", "service"), slog.String("service", name))
	return s
}

// Name возвращает имя сервиса
func (s *Service) Name() string { return s.name }

// FeatureTags возвращает feature tags сервиса
func (s *Service) FeatureTags() []string { return slices.Clone(s.featureTags) }

// SetActivated включает или выключает сервис в настройках
func (s *Service) SetActivated(v bool) {
	s.mu.Lock()
	s.activated = v
	s.mu.Unlock()
}

// IsActivated сообщает, включен ли сервис
func (s *Service) IsActivated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activated
}

// Start запускает сервис. Повторный вызов ничего не делает.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || !s.activated {
		return
	}
	s.started = true
	s.logger.Info("service started")
}

// Stop останавливает сервис и прерывает его сессии (BY_SYSTEM).
// Повторный вызов ничего не делает.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	for _, session := range s.Sessions() {
		session.Abort(ctx, BySystem)
	}
	s.logger.Info("service stopped")
}

// DropSessions завершает сессии без сигнализации, например при потере
// сети. Сервис остается запущенным.
func (s *Service) DropSessions(reason TerminationReason) int {
	sessions := s.Sessions()
	for _, session := range sessions {
		session.Drop(reason)
	}
	return len(sessions)
}

// IsStarted сообщает, запущен ли сервис
func (s *Service) IsStarted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started
}

// Check удаляет из реестра завершенные сессии и возвращает их число
func (s *Service) Check() int {
	var stale []*Session
	for _, session := range s.Sessions() {
		if session.State() == StateTerminated {
			stale = append(stale, session)
		}
	}
	for _, session := range stale {
		s.RemoveSession(session)
	}
	if len(stale) > 0 {
		s.logger.Warn("stale sessions removed", slog.Int("count", len(stale)))
	}
	return len(stale)
}

// AddSession добавляет сессию в реестр
func (s *Service) AddSession(session *Session) {
	s.mu.Lock()
	s.sessions[session.ID()] = session
	s.mu.Unlock()
	if s.observer != nil {
		s.observer.SessionOpened(s.name)
	}
	s.logger.Debug("session added", slog.String("session", session.ID()))
}

// RemoveSession удаляет сессию из реестра. Повторное удаление ничего не
// делает.
func (s *Service) RemoveSession(session *Session) {
	s.mu.Lock()
	_, ok := s.sessions[session.ID()]
	delete(s.sessions, session.ID())
	s.mu.Unlock()
	if !ok {
		return
	}
	if s.observer != nil {
		s.observer.SessionClosed(s.name, session.outcome())
	}
	s.logger.Debug("session removed", slog.String("session", session.ID()))
}

// Session возвращает сессию по идентификатору
func (s *Service) Session(id string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	return session, ok
}

// SessionByCallID возвращает сессию по Call-ID ее диалога
func (s *Service) SessionByCallID(callID string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, session := range s.sessions {
		if session.CallID() == callID {
			return session, true
		}
	}
	return nil, false
}

// SessionsWith возвращает сессии с контактом
func (s *Service) SessionsWith(contact string) []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Session
	for _, session := range s.sessions {
		if session.Contact() == contact {
			out = append(out, session)
		}
	}
	return out
}

// Sessions возвращает согласованный снимок реестра
func (s *Service) Sessions() []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		out = append(out, session)
	}
	return out
}

// SessionCount возвращает число сессий
func (s *Service) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Accepts сообщает, адресован ли входящий INVITE этому сервису: сервис
// запущен и Accept-Contact или Contact запроса несут все его feature tags
func (s *Service) Accepts(req *message.Request) bool {
	if !s.IsStarted() || !s.IsActivated() {
		return false
	}
	if len(s.featureTags) == 0 {
		return true
	}
	var params message.Params
	for _, name := range []string{message.HeaderAcceptContact, message.HeaderContact} {
		for _, h := range req.Headers(name) {
			params = append(params, message.ParseParams(paramsOf(h.Value))...)
		}
	}
	for _, tag := range s.featureTags {
		name, value, hasValue := strings.Cut(tag, "=")
		got, ok := params.Get(name)
		if !ok {
			return false
		}
		if hasValue && !strings.EqualFold(message.Unquote(got), message.Unquote(value)) {
			return false
		}
	}
	return true
}

// paramsOf возвращает часть значения после адреса
func paramsOf(value string) string {
	if i := strings.LastIndexByte(value, '>'); i >= 0 {
		return value[i+1:]
	}
	if i := strings.IndexByte(value, ';'); i >= 0 {
		return value[i:]
	}
	return ""
}

// SupportsContent сообщает, понимает ли сервис тип содержимого INVITE
func (s *Service) SupportsContent(contentType string) bool {
	if len(s.contentTypes) == 0 || contentType == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return slices.ContainsFunc(s.contentTypes, func(t string) bool {
		return strings.EqualFold(t, mediaType)
	})
}

// CreateSession создает исходящую сессию к contact и добавляет ее в
// реестр. INVITE отправляет Session.Start.
func (s *Service) CreateSession(contact string) (*Session, error) {
	if !s.IsStarted() {
		return nil, ErrServiceStopped
	}
	var routes []string
	if s.config.Routes != nil {
		routes = s.config.Routes()
	}
	p := dialog.NewPath(message.GenerateCallID(s.client.LocalHost()), 0,
		s.config.PublicURI, contact, contact, routes)
	_ = p.SetLocalTag(message.GenerateTag())

	session := newSession(s, Originating, contact, p, nil)
	s.AddSession(session)
	return session, nil
}

// ReceiveInvite создает входящую сессию: 180 Ringing и ожидание Accept
// или Reject в течение RingingPeriod
func (s *Service) ReceiveInvite(ctx context.Context, invite *message.Request) (*Session, error) {
	if !s.IsStarted() {
		return nil, ErrServiceStopped
	}
	p, err := dialog.NewPathFromRequest(invite)
	if err != nil {
		return nil, err
	}
	p.SetRemoteContent(invite.Body())

	contact := message.ExtractURI(invite.HeaderValue(message.HeaderFrom))
	if pai := invite.HeaderValue(message.HeaderPAssertedIdentity); pai != "" {
		contact = message.ExtractURI(pai)
	}

	session := newSession(s, Terminating, contact, p, invite)
	s.AddSession(session)
	session.ring(ctx)
	return session, nil
}
