package core

import (
	"context"
	"log/slog"
	"net"
	"strings"

	"github.com/arzzra/ims_core/pkg/ims/subscribe"
	"github.com/arzzra/ims_core/pkg/sip/message"
)

// handleRequest направляет входящий запрос: запросы внутри диалога
// сессии по Call-ID, новый INVITE сервису по feature tags, NOTIFY
// подписке
func (c *Core) handleRequest(req *message.Request, from net.Addr) {
	ctx := c.ctx
	logger := c.logger.With(
		slog.String("method", req.Method),
		slog.String("call_id", req.CallID()))

	if c.stopped.Load() {
		if req.Method != message.MethodAck {
			c.respond(ctx, req, message.StatusServiceUnavailable)
		}
		return
	}

	for _, svc := range c.services {
		if session, ok := svc.SessionByCallID(req.CallID()); ok {
			session.ReceiveRequest(ctx, req)
			return
		}
	}

	switch {
	case req.Method == message.MethodAck:
		logger.Debug("ack outside session dropped")
	case req.Method == message.MethodInvite && req.ToTag() == "":
		c.routeInvite(ctx, req, logger)
	case req.Method == message.MethodNotify:
		c.respond(ctx, req, c.routeNotify(req))
	case req.Method == message.MethodOptions:
		c.answerOptions(ctx, req)
	case req.ToTag() != "" || req.Method == message.MethodBye || req.Method == message.MethodCancel:
		logger.Debug("request for unknown dialog", slog.Any("from", from))
		c.respond(ctx, req, message.StatusCallDoesNotExist)
	default:
		logger.Debug("method not supported")
		c.respond(ctx, req, message.StatusMethodNotAllowed)
	}
}

func (c *Core) routeInvite(ctx context.Context, req *message.Request, logger *slog.Logger) {
	if !c.IsRegistered() {
		logger.Info("invite while unregistered")
		c.respond(ctx, req, message.StatusTemporarilyUnavail)
		return
	}
	for _, svc := range c.services {
		if !svc.Accepts(req) {
			continue
		}
		if !svc.SupportsContent(req.ContentType()) {
			logger.Info("invite content not supported",
				slog.String("service", svc.Name()),
				slog.String("content_type", req.ContentType()))
			c.respond(ctx, req, message.StatusUnsupportedMedia)
			return
		}
		session, err := svc.ReceiveInvite(ctx, req)
		if err != nil {
			logger.Warn("invite not accepted", slog.String("service", svc.Name()), slog.Any("error", err))
			c.respond(ctx, req, message.StatusServerInternalError)
			return
		}
		logger.Info("session invitation",
			slog.String("service", svc.Name()),
			slog.String("contact", session.Contact()))
		c.listeners.Notify("session_invitation", func(l Listener) { l.HandleSessionInvitation(session) })
		return
	}
	logger.Info("no service for invite")
	c.respond(ctx, req, message.StatusDecline)
}

func (c *Core) routeNotify(notify *message.Request) int {
	if c.fetcher.Matches(notify) {
		return c.fetcher.ReceiveNotify(notify)
	}
	for _, m := range []*subscribe.Manager{c.presence, c.watcherInfo} {
		if m.Matches(notify) {
			return m.ReceiveNotify(notify)
		}
	}
	c.logger.Debug("notify for unknown subscription",
		slog.String("event", notify.HeaderValue(message.HeaderEvent)),
		slog.String("call_id", notify.CallID()))
	return message.StatusCallDoesNotExist
}

// answerOptions отвечает на запрос возможностей feature tags запущенных
// сервисов
func (c *Core) answerOptions(ctx context.Context, req *message.Request) {
	res := c.stack.CreateResponse(req, message.StatusOK, "", "")
	res.AddHeader(message.HeaderAllow, strings.Join(c.stack.Config().Allow, ", "))
	res.AddHeader(message.HeaderAccept, "application/sdp")
	var tags []string
	for _, svc := range c.services {
		if svc.IsStarted() {
			tags = appendUnique(tags, svc.FeatureTags()...)
		}
	}
	contact := "<" + c.stack.ContactURI(c.settings.Username) + ">"
	for _, tag := range tags {
		contact += ";" + tag
	}
	res.AddHeader(message.HeaderContact, contact)
	if err := c.stack.SendResponse(ctx, res); err != nil {
		c.logger.Warn("options response not sent", slog.Any("error", err))
	}
}

func (c *Core) respond(ctx context.Context, req *message.Request, code int) {
	if err := c.stack.Respond(ctx, req, code, ""); err != nil {
		c.logger.Warn("response not sent",
			slog.String("method", req.Method),
			slog.Int("status", code),
			slog.Any("error", err))
	}
}
