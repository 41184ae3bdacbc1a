// Package core собирает IMS клиент: регистрацию, подписки присутствия,
// сервисы сессий и маршрутизацию входящих запросов поверх SIP стека.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arzzra/ims_core/internal/fanout"
	"github.com/arzzra/ims_core/pkg/ims/config"
	"github.com/arzzra/ims_core/pkg/ims/registration"
	"github.com/arzzra/ims_core/pkg/ims/service"
	"github.com/arzzra/ims_core/pkg/ims/subscribe"
	"github.com/arzzra/ims_core/pkg/sip/auth"
	"github.com/arzzra/ims_core/pkg/sip/message"
	"github.com/arzzra/ims_core/pkg/sip/stack"
)

// ErrStopped возвращается операциями после Stop
var ErrStopped = errors.New("core stopped")

// Observer получает метрики всех компонентов ядра
type Observer interface {
	registration.Observer
	subscribe.Observer
	service.Observer
}

type serviceDef struct {
	name string
	opts []service.Option
}

// Core IMS модуль одного пользователя
type Core struct {
	settings config.Settings
	stack    *stack.Stack
	logger   *slog.Logger
	observer Observer
	parser   subscribe.DocumentParser

	listeners *fanout.List[Listener]
	initial   []Listener

	registration *registration.Manager
	presence     *subscribe.Manager
	watcherInfo  *subscribe.Manager
	fetcher      *subscribe.Fetcher
	services     []*service.Service

	subscribePresence    bool
	subscribeWatcherInfo bool
	defs                 []serviceDef

	// mu упорядочивает wg.Add фоновых подписок с переходом в stopped
	mu      sync.Mutex
	stopped atomic.Bool
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

// Option настраивает Core
type Option func(*Core)

// WithLogger задает логгер
func WithLogger(logger *slog.Logger) Option {
	return func(c *Core) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithListener подписывает получателя событий ядра
func WithListener(l Listener) Option {
	return func(c *Core) { c.initial = append(c.initial, l) }
}

// WithObserver задает получателя метрик
func WithObserver(o Observer) Option {
	return func(c *Core) { c.observer = o }
}

// WithParser задает разбор документов присутствия. По умолчанию тела
// передаются как Document.
func WithParser(p subscribe.DocumentParser) Option {
	return func(c *Core) {
		if p != nil {
			c.parser = p
		}
	}
}

// WithSubscriptions включает подписки presence и presence.winfo после
// регистрации. По умолчанию только presence.
func WithSubscriptions(presence, watcherInfo bool) Option {
	return func(c *Core) {
		c.subscribePresence = presence
		c.subscribeWatcherInfo = watcherInfo
	}
}

// WithService добавляет сервис сессий. Feature tags сервиса попадают в
// Contact регистрации.
func WithService(name string, opts ...service.Option) Option {
	return func(c *Core) { c.defs = append(c.defs, serviceDef{name: name, opts: opts}) }
}

// New собирает ядро поверх стека и устанавливает обработчик входящих
// запросов
func New(settings config.Settings, stk *stack.Stack, opts ...Option) (*Core, error) {
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Core{
		settings:          settings,
		stack:             stk,
		logger:            slog.Default(),
		parser:            rawParser{},
		subscribePresence: true,
		ctx:               ctx,
		cancel:            cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(slog.String("component", "core"))
	c.listeners = fanout.New[Listener]("core", c.logger)
	for _, l := range c.initial {
		c.listeners.Add(l)
	}

	var proxyAgent *auth.Agent
	var procedure registration.Procedure
	switch settings.AuthMode {
	case config.AuthGIBA:
		procedure = registration.NewGibaProcedure(settings.HomeDomain, settings.SIPURI())
	default:
		agent := auth.NewAgent(settings.AuthUsername(), settings.Password, auth.WithLogger(c.logger))
		procedure = registration.NewDigestProcedure(settings.HomeDomain, settings.SIPURI(), agent)
		proxyAgent = auth.NewAgent(settings.AuthUsername(), settings.Password, auth.WithLogger(c.logger))
	}

	routes := func() []string { return c.registration.ServiceRoutes() }
	publicURI := settings.PublicURI()

	var tags []string
	for _, def := range c.defs {
		svcOpts := []service.Option{
			service.WithLogger(c.logger),
			service.WithAuthAgent(proxyAgent),
		}
		if c.observer != nil {
			svcOpts = append(svcOpts, service.WithObserver(c.observer))
		}
		svc := service.New(def.name, stk, service.Config{
			PublicURI:     publicURI,
			RingingPeriod: settings.RingingPeriod,
			Timeout:       settings.TransactionTimeout,
			Routes:        routes,
		}, append(svcOpts, def.opts...)...)
		c.services = append(c.services, svc)
		tags = appendUnique(tags, svc.FeatureTags()...)
	}

	regOpts := []registration.Option{
		registration.WithLogger(c.logger),
		registration.WithListener(c),
	}
	if c.observer != nil {
		regOpts = append(regOpts, registration.WithObserver(c.observer))
	}
	c.registration = registration.NewManager(stk, procedure, registration.Config{
		Expire:       settings.RegisterExpire,
		RefreshRatio: settings.RefreshRatio,
		Timeout:      settings.TransactionTimeout,
		FeatureTags:  tags,
	}, regOpts...)

	subCfg := subscribe.Config{
		PublicURI:    publicURI,
		Expire:       settings.SubscribeExpire,
		RefreshRatio: settings.RefreshRatio,
		Timeout:      settings.TransactionTimeout,
		Routes:       routes,
	}
	subOpts := []subscribe.Option{
		subscribe.WithLogger(c.logger),
		subscribe.WithListener(c),
		subscribe.WithAuthAgent(proxyAgent),
	}
	if c.observer != nil {
		subOpts = append(subOpts, subscribe.WithObserver(c.observer))
	}
	c.presence = subscribe.NewManager(stk, subscribe.NewPresence(publicURI, c.parser, c), subCfg, subOpts...)
	c.watcherInfo = subscribe.NewManager(stk, subscribe.NewWatcherInfo(publicURI, c.parser, c), subCfg, subOpts...)

	var fetchObserver subscribe.Observer
	if c.observer != nil {
		fetchObserver = c.observer
	}
	c.fetcher = subscribe.NewFetcher(stk, c.parser, c, subscribe.FetchConfig{
		PublicURI: publicURI,
		Timeout:   settings.TransactionTimeout,
		Routes:    routes,
	}, c.logger, fetchObserver)

	stk.OnRequest(func(req *message.Request, from net.Addr) { c.handleRequest(req, from) })
	return c, nil
}

func appendUnique(dst []string, values ...string) []string {
	for _, v := range values {
		if !slices.Contains(dst, v) {
			dst = append(dst, v)
		}
	}
	return dst
}

// AddListener подписывает получателя событий ядра
func (c *Core) AddListener(l Listener) { c.listeners.Add(l) }

// RemoveListener отписывает получателя
func (c *Core) RemoveListener(l Listener) { c.listeners.Remove(l) }

// Settings возвращает настройки ядра
func (c *Core) Settings() config.Settings { return c.settings }

// Registration менеджер регистрации
func (c *Core) Registration() *registration.Manager { return c.registration }

// Presence подписка на список присутствия
func (c *Core) Presence() *subscribe.Manager { return c.presence }

// WatcherInfo подписка на наблюдателей
func (c *Core) WatcherInfo() *subscribe.Manager { return c.watcherInfo }

// Services возвращает сервисы сессий
func (c *Core) Services() []*service.Service { return append([]*service.Service(nil), c.services...) }

// Service возвращает сервис по имени
func (c *Core) Service(name string) (*service.Service, bool) {
	for _, svc := range c.services {
		if svc.Name() == name {
			return svc, true
		}
	}
	return nil, false
}

// IsRegistered сообщает, зарегистрирован ли UE
func (c *Core) IsRegistered() bool { return c.registration.IsRegistered() }

// Start запускает сервисы и выполняет регистрацию. Подписки присутствия
// открываются после успешной регистрации.
func (c *Core) Start(ctx context.Context) error {
	if c.stopped.Load() {
		return ErrStopped
	}
	for _, svc := range c.services {
		svc.Start()
	}
	c.logger.Info("core started",
		slog.String("public_uri", c.settings.PublicURI()),
		slog.Int("services", len(c.services)))
	return c.registration.Register(ctx)
}

func (c *Core) subscribeAfterRegistration() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped.Load() {
		return
	}
	var managers []*subscribe.Manager
	if c.subscribePresence && c.presence.State() == subscribe.StateIdle {
		managers = append(managers, c.presence)
	}
	if c.subscribeWatcherInfo && c.watcherInfo.State() == subscribe.StateIdle {
		managers = append(managers, c.watcherInfo)
	}
	for _, m := range managers {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			if err := m.Subscribe(c.ctx); err != nil && !errors.Is(err, subscribe.ErrStopped) {
				c.logger.Warn("subscription failed",
					slog.String("event", m.Event()),
					slog.Any("error", err))
			}
		}()
	}
}

// AnonymousFetch запрашивает разовое состояние присутствия contact
func (c *Core) AnonymousFetch(ctx context.Context, contact string) error {
	if c.stopped.Load() {
		return ErrStopped
	}
	return c.fetcher.AnonymousFetch(ctx, contact)
}

// HandleNetworkLoss сбрасывает регистрацию, подписки и сессии без
// сетевого обмена. Сессии завершаются с BY_SYSTEM.
func (c *Core) HandleNetworkLoss() {
	c.logger.Warn("network lost")
	c.registration.Stop()
	c.presence.Stop()
	c.watcherInfo.Stop()
	for _, svc := range c.services {
		svc.DropSessions(service.BySystem)
	}
}

// Stop останавливает сервисы с BYE, снимает подписки и регистрацию.
// Повторный вызов ничего не делает.
func (c *Core) Stop(ctx context.Context) {
	c.mu.Lock()
	first := c.stopped.CompareAndSwap(false, true)
	c.mu.Unlock()
	if !first {
		return
	}
	c.cancel()
	for _, svc := range c.services {
		svc.Stop(ctx)
	}
	for _, m := range []*subscribe.Manager{c.presence, c.watcherInfo} {
		if m.IsSubscribed() {
			_ = m.Unsubscribe(ctx)
		}
		m.Close()
	}
	c.fetcher.Close()
	if c.registration.IsRegistered() {
		stopCtx, cancel := context.WithTimeout(ctx, unregisterTimeout)
		if err := c.registration.Unregister(stopCtx); err != nil {
			c.logger.Warn("unregister failed", slog.Any("error", err))
		}
		cancel()
	}
	c.registration.Close()
	c.wg.Wait()
	c.logger.Info("core stopped")
}

const unregisterTimeout = 5 * time.Second
