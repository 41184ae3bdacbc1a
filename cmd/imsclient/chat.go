package main

import (
	"context"
	"log/slog"

	"github.com/arzzra/ims_core/pkg/ims/core"
	"github.com/arzzra/ims_core/pkg/ims/service"
	"github.com/arzzra/ims_core/pkg/sip/message"
)

const (
	chatService    = "chat"
	chatFeatureTag = "+g.oma.sip-im"
)

var chatContentTypes = []string{"message/cpim", "text/plain"}

// chatCapability принимает сессии без SDP и печатает входящие MESSAGE
type chatCapability struct {
	service.BaseCapability
	logger *slog.Logger
}

func (c chatCapability) OnMessage(s *service.Session, req *message.Request) int {
	c.logger.Info("chat message",
		slog.String("session", s.ID()),
		slog.String("from", s.Contact()),
		slog.String("content_type", req.ContentType()),
		slog.String("text", string(req.Body())))
	return message.StatusOK
}

// consoleListener пишет события ядра и сессий в лог
type consoleListener struct {
	core.BaseListener
	ctx    context.Context
	logger *slog.Logger
	accept bool
}

func (l *consoleListener) HandleRegistrationSuccessful() {
	l.logger.Info("registered")
}

func (l *consoleListener) HandleRegistrationFailed(err error) {
	l.logger.Error("registration failed", slog.Any("error", err))
}

func (l *consoleListener) HandleRegistrationTerminated() {
	l.logger.Warn("registration terminated")
}

func (l *consoleListener) HandlePresenceInfoNotification(contact string, doc any) {
	l.logger.Info("presence", slog.String("contact", contact), slog.Any("document", describe(doc)))
}

func (l *consoleListener) HandleWatcherInfoNotification(doc any) {
	l.logger.Info("watcher info", slog.Any("document", describe(doc)))
}

func (l *consoleListener) HandleAnonymousFetchNotification(contact string, doc any) {
	l.logger.Info("anonymous fetch", slog.String("contact", contact), slog.Any("document", describe(doc)))
}

func (l *consoleListener) HandleSubscriptionTerminated(event, reason string) {
	l.logger.Warn("subscription terminated", slog.String("event", event), slog.String("reason", reason))
}

func (l *consoleListener) HandleSubscriptionFailed(event string, err error) {
	l.logger.Error("subscription failed", slog.String("event", event), slog.Any("error", err))
}

func (l *consoleListener) HandleSessionInvitation(s *service.Session) {
	l.logger.Info("incoming session",
		slog.String("service", s.Service().Name()),
		slog.String("from", s.Contact()),
		slog.Bool("accept", l.accept))
	if !l.accept {
		s.Reject(l.ctx)
		return
	}
	if err := s.Accept(l.ctx); err != nil {
		l.logger.Warn("accept failed", slog.String("session", s.ID()), slog.Any("error", err))
	}
}

func (l *consoleListener) HandleSessionStarted(s *service.Session) {
	l.logger.Info("session started", slog.String("session", s.ID()), slog.String("role", s.Role().String()))
}

func (l *consoleListener) HandleSessionAborted(s *service.Session, reason service.TerminationReason) {
	l.logger.Info("session aborted", slog.String("session", s.ID()), slog.String("reason", reason.String()))
}

func (l *consoleListener) HandleSessionTerminatedByRemote(s *service.Session) {
	l.logger.Info("session terminated by remote", slog.String("session", s.ID()))
}

func (l *consoleListener) HandleSessionError(s *service.Session, err error) {
	l.logger.Warn("session failed", slog.String("session", s.ID()), slog.Any("error", err))
}

// describe сокращает документ до типа и размера тела
func describe(doc any) slog.Value {
	if d, ok := doc.(core.Document); ok {
		return slog.GroupValue(
			slog.String("content_type", d.ContentType),
			slog.Int("size", len(d.Body)))
	}
	return slog.AnyValue(doc)
}
