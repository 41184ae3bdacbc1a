package core

import (
	"github.com/arzzra/ims_core/pkg/ims/service"
)

// Listener получает события ядра. Получатели вызываются последовательно,
// паника одного получателя не мешает остальным.
type Listener interface {
	HandleRegistrationSuccessful()
	HandleRegistrationFailed(err error)
	HandleRegistrationTerminated()
	HandlePresenceInfoNotification(contact string, doc any)
	HandleWatcherInfoNotification(doc any)
	HandleAnonymousFetchNotification(contact string, doc any)
	HandleSubscriptionTerminated(event, reason string)
	// HandleSubscriptionFailed SUBSCRIBE или его обновление отклонены
	HandleSubscriptionFailed(event string, err error)
	// HandleSessionInvitation новая входящая сессия ждет Accept или Reject
	HandleSessionInvitation(s *service.Session)
}

// BaseListener пустая реализация Listener для встраивания
type BaseListener struct{}

func (BaseListener) HandleRegistrationSuccessful()                {}
func (BaseListener) HandleRegistrationFailed(error)               {}
func (BaseListener) HandleRegistrationTerminated()                {}
func (BaseListener) HandlePresenceInfoNotification(string, any)   {}
func (BaseListener) HandleWatcherInfoNotification(any)            {}
func (BaseListener) HandleAnonymousFetchNotification(string, any) {}
func (BaseListener) HandleSubscriptionTerminated(string, string)  {}
func (BaseListener) HandleSubscriptionFailed(string, error)       {}
func (BaseListener) HandleSessionInvitation(*service.Session)     {}

// Document тело NOTIFY без разбора
type Document struct {
	ContentType string
	Body        []byte
}

// rawParser отдает тела как Document
type rawParser struct{}

func (rawParser) Parse(contentType string, body []byte) (any, error) {
	return Document{ContentType: contentType, Body: body}, nil
}

// события от компонентов ядра рассылаются всем получателям

func (c *Core) HandleRegistrationSuccessful() {
	c.listeners.Notify("registration_successful", func(l Listener) { l.HandleRegistrationSuccessful() })
	c.subscribeAfterRegistration()
}

func (c *Core) HandleRegistrationFailed(err error) {
	c.listeners.Notify("registration_failed", func(l Listener) { l.HandleRegistrationFailed(err) })
}

func (c *Core) HandleRegistrationTerminated() {
	c.listeners.Notify("registration_terminated", func(l Listener) { l.HandleRegistrationTerminated() })
}

func (c *Core) HandlePresenceInfoNotification(contact string, doc any) {
	c.listeners.Notify("presence", func(l Listener) { l.HandlePresenceInfoNotification(contact, doc) })
}

func (c *Core) HandleWatcherInfoNotification(doc any) {
	c.listeners.Notify("watcher_info", func(l Listener) { l.HandleWatcherInfoNotification(doc) })
}

func (c *Core) HandleAnonymousFetchNotification(contact string, doc any) {
	c.listeners.Notify("anonymous_fetch", func(l Listener) { l.HandleAnonymousFetchNotification(contact, doc) })
}

// TerminatedByServer вызывается менеджером подписки
func (c *Core) TerminatedByServer(event, reason string) {
	c.listeners.Notify("subscription_terminated", func(l Listener) { l.HandleSubscriptionTerminated(event, reason) })
}

// SubscriptionFailed вызывается менеджером подписки
func (c *Core) SubscriptionFailed(event string, err error) {
	c.listeners.Notify("subscription_failed", func(l Listener) { l.HandleSubscriptionFailed(event, err) })
}
