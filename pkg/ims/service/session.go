package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"

	"github.com/arzzra/ims_core/internal/fanout"
	"github.com/arzzra/ims_core/pkg/sip/dialog"
	"github.com/arzzra/ims_core/pkg/sip/message"
	"github.com/arzzra/ims_core/pkg/sip/transaction"
)

const (
	eventEstablish = "establish"
	eventTerminate = "terminate"
)

// Session одна сессия сервиса на основе INVITE.
//
// Жизненный цикл:
//   - initiated: INVITE отправлен или получен
//   - established: 2xx и ACK
//   - terminated: BYE, CANCEL, отказ, таймаут или Abort
//
// Причина завершения фиксируется один раз, Listener уведомляется о
// завершении ровно один раз. Завершенная сессия удаляется из реестра
// сервиса.
type Session struct {
	id      string
	service *Service
	role    Role
	contact string
	path    *dialog.Path
	invite  *message.Request // входящий INVITE
	logger  *slog.Logger

	fsm       *fsm.FSM
	listeners *fanout.List[Listener]

	// op сериализует действия, меняющие исход сессии
	op sync.Mutex

	mu       sync.Mutex
	reason   TerminationReason
	failed   bool
	started  bool
	answered bool
	ringing  *time.Timer
	sent     *message.Request // последний исходящий INVITE

	done     chan struct{}
	doneOnce sync.Once
}

func newSession(svc *Service, role Role, contact string, p *dialog.Path, invite *message.Request) *Session {
	s := &Session{
		id:      uuid.NewString(),
		service: svc,
		role:    role,
		contact: contact,
		path:    p,
		invite:  invite,
		done:    make(chan struct{}),
	}
	s.logger = svc.logger.With(
		slog.String("session", s.id),
		slog.String("role", role.String()),
		slog.String("call_id", p.CallID()))
	s.listeners = fanout.New[Listener]("session", svc.logger)
	for _, l := range svc.listeners {
		s.listeners.Add(l)
	}
	s.fsm = fsm.NewFSM(
		StateInitiated,
		fsm.Events{
			{Name: eventEstablish, Src: []string{StateInitiated}, Dst: StateEstablished},
			{Name: eventTerminate, Src: []string{StateInitiated, StateEstablished}, Dst: StateTerminated},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				s.logger.Debug("session state changed",
					slog.String("from", e.Src),
					slog.String("to", e.Dst))
			},
		},
	)
	return s
}

// ID идентификатор сессии в реестре
func (s *Session) ID() string { return s.id }

// Role сторона сессии
func (s *Session) Role() Role { return s.role }

// Contact удаленная сторона
func (s *Session) Contact() string { return s.contact }

// CallID Call-ID диалога
func (s *Session) CallID() string { return s.path.CallID() }

// Path диалог сессии
func (s *Session) Path() *dialog.Path { return s.path }

// Service сервис-владелец
func (s *Session) Service() *Service { return s.service }

// Invite входящий INVITE, nil для исходящей сессии
func (s *Session) Invite() *message.Request { return s.invite }

// State текущее состояние
func (s *Session) State() string { return s.fsm.Current() }

// Done закрывается при завершении сессии
func (s *Session) Done() <-chan struct{} { return s.done }

// TerminationReason причина завершения, ReasonNone пока сессия жива
func (s *Session) TerminationReason() TerminationReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// AddListener подписывает получателя событий сессии
func (s *Session) AddListener(l Listener) { s.listeners.Add(l) }

// RemoveListener отписывает получателя
func (s *Session) RemoveListener(l Listener) { s.listeners.Remove(l) }

// latch фиксирует причину завершения. false, если сессия уже завершается.
func (s *Session) latch(reason TerminationReason) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reason != ReasonNone || s.failed {
		return false
	}
	s.reason = reason
	return true
}

func (s *Session) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason != ReasonNone || s.failed
}

func (s *Session) outcome() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed {
		return "error"
	}
	return s.reason.String()
}

func (s *Session) stopRinging() {
	s.mu.Lock()
	t := s.ringing
	s.mu.Unlock()
	if t != nil {
		t.Stop()
	}
}

// terminate переводит сессию в terminated и удаляет ее из реестра
func (s *Session) terminate() {
	_ = s.fsm.Event(context.Background(), eventTerminate)
	s.service.RemoveSession(s)
	s.doneOnce.Do(func() { close(s.done) })
}

// fail завершает сессию с ошибкой
func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.reason != ReasonNone || s.failed {
		s.mu.Unlock()
		return
	}
	s.failed = true
	s.mu.Unlock()

	s.stopRinging()
	s.terminate()
	s.logger.Warn("session failed", slog.Any("error", err))
	s.listeners.Notify("error", func(l Listener) { l.HandleSessionError(s, err) })
}

// Start отправляет INVITE исходящей сессии и ждет финального ответа.
// 401/407 получает один повтор с учетными данными.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.role != Originating || s.started || s.reason != ReasonNone || s.failed {
		s.mu.Unlock()
		return ErrInvalidState
	}
	s.started = true
	s.mu.Unlock()

	client := s.service.client
	var contentType string
	var body []byte
	if init, ok := s.service.capability.(Initiator); ok {
		var err error
		if contentType, body, err = init.BuildInvite(s); err != nil {
			s.fail(err)
			return err
		}
	}

	build := func() (*message.Request, error) {
		s.path.IncrementCSeq()
		req := client.CreateInvite(s.path, s.service.featureTags, contentType, body)
		s.mu.Lock()
		s.sent = req
		s.mu.Unlock()
		return req, nil
	}
	send := func(ctx context.Context, req *message.Request) (*message.Response, error) {
		if s.isClosing() {
			return nil, ErrSessionTerminated
		}
		// ACK на отказ отправляет уровень транзакций
		return client.SendAndWait(ctx, req, s.service.config.InviteTimeout,
			transaction.WithProvisional(s.onProvisional))
	}

	var res *message.Response
	var err error
	if s.service.agent != nil {
		res, err = s.service.agent.Exchange(ctx, send, build)
	} else {
		var req *message.Request
		if req, err = build(); err == nil {
			res, err = send(ctx, req)
		}
	}

	if err != nil {
		if s.isClosing() {
			return ErrSessionTerminated
		}
		sessErr := &SessionError{Err: err}
		if res != nil {
			sessErr.Code, sessErr.Reason = res.StatusCode, res.Reason
		}
		s.fail(sessErr)
		return sessErr
	}
	if !message.IsSuccess(res.StatusCode) {
		if s.isClosing() {
			return ErrSessionTerminated
		}
		sessErr := &SessionError{Code: res.StatusCode, Reason: res.Reason}
		s.fail(sessErr)
		return sessErr
	}

	if err := s.path.ApplyResponse(res); err != nil {
		s.logger.Warn("answer does not fit dialog", slog.Any("error", err))
	}
	s.path.SetRemoteContent(res.Body())
	if err := client.SendRequest(ctx, client.CreateAck(s.path)); err != nil {
		s.logger.Warn("ack not sent", slog.Any("error", err))
	}
	s.path.SetSigEstablished()

	s.op.Lock()
	defer s.op.Unlock()
	if s.isClosing() {
		// Abort во время ожидания 2xx: диалог уже создан у удаленной стороны
		s.sendBye(ctx)
		return ErrSessionTerminated
	}
	_ = s.fsm.Event(context.Background(), eventEstablish)
	s.logger.Info("session established")
	s.listeners.Notify("started", func(l Listener) { l.HandleSessionStarted(s) })
	return nil
}

func (s *Session) onProvisional(res *message.Response) {
	s.logger.Debug("provisional response", slog.Int("status", res.StatusCode))
}

// ring отвечает 180 Ringing и запускает ожидание ответа пользователя
func (s *Session) ring(ctx context.Context) {
	s.mu.Lock()
	s.ringing = time.AfterFunc(s.service.config.RingingPeriod, s.ringingTimeout)
	s.mu.Unlock()
	client := s.service.client
	if err := client.SendResponse(ctx, client.CreateRinging(s.invite, s.path)); err != nil {
		s.logger.Warn("ringing not sent", slog.Any("error", err))
	}
}

func (s *Session) ringingTimeout() {
	s.op.Lock()
	defer s.op.Unlock()

	s.mu.Lock()
	if s.answered {
		s.mu.Unlock()
		return
	}
	s.answered = true
	s.mu.Unlock()
	if !s.latch(ByTimeout) {
		return
	}

	s.respond(context.Background(), s.invite, message.StatusTemporarilyUnavail)
	s.terminate()
	s.logger.Info("session not answered in time")
	s.listeners.Notify("aborted", func(l Listener) { l.HandleSessionAborted(s, ByTimeout) })
}

// answer отмечает ответ пользователя на входящую сессию. false, если
// ответ уже был или сессия не входящая.
func (s *Session) answer(action string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.role != Terminating || s.answered || s.reason != ReasonNone || s.failed {
		s.logger.Warn("session answer ignored",
			slog.String("action", action),
			slog.String("state", s.fsm.Current()))
		return false
	}
	s.answered = true
	return true
}

// Accept принимает входящую сессию (200 OK). Повторный вызов или вызов
// после завершения ничего не делает.
func (s *Session) Accept(ctx context.Context) error {
	s.op.Lock()
	defer s.op.Unlock()
	if !s.answer("accept") {
		return nil
	}
	s.stopRinging()

	contentType, body, err := s.service.capability.OnAccept(s)
	if err != nil {
		s.respond(ctx, s.invite, message.StatusNotAcceptableHere)
		s.fail(err)
		return err
	}

	client := s.service.client
	res := client.Create200OkInvite(s.invite, s.path, s.service.featureTags, contentType, body)
	if err := client.SendResponse(ctx, res); err != nil {
		s.fail(err)
		return err
	}
	s.path.Confirm()
	_ = s.fsm.Event(context.Background(), eventEstablish)
	s.logger.Info("session accepted")
	s.listeners.Notify("started", func(l Listener) { l.HandleSessionStarted(s) })
	return nil
}

// Reject отклоняет входящую сессию (603 Decline). Повторный вызов или
// вызов после завершения ничего не делает.
func (s *Session) Reject(ctx context.Context) {
	s.op.Lock()
	defer s.op.Unlock()
	if !s.answer("reject") {
		return
	}
	s.stopRinging()
	if !s.latch(ByUser) {
		return
	}

	s.service.capability.OnReject(s)
	s.respond(ctx, s.invite, message.StatusDecline)
	s.terminate()
	s.logger.Info("session rejected")
	s.listeners.Notify("aborted", func(l Listener) { l.HandleSessionAborted(s, ByUser) })
}

// Abort завершает сессию: BYE для установленной, CANCEL для исходящей,
// 487 для входящей. Ожидающие транзакции диалога отменяются. Только
// первый вызов имеет эффект.
func (s *Session) Abort(ctx context.Context, reason TerminationReason) {
	s.abort(ctx, reason, true)
}

// Drop завершает сессию без сигнализации (потеря сети)
func (s *Session) Drop(reason TerminationReason) {
	s.abort(context.Background(), reason, false)
}

func (s *Session) abort(ctx context.Context, reason TerminationReason, signal bool) {
	if !s.latch(reason) {
		return
	}
	s.stopRinging()
	s.service.client.CancelAll(s.CallID())

	s.op.Lock()
	defer s.op.Unlock()

	if signal {
		s.signalAbort(ctx)
	}
	s.terminate()
	s.logger.Info("session aborted", slog.String("reason", reason.String()))
	s.listeners.Notify("aborted", func(l Listener) { l.HandleSessionAborted(s, reason) })
}

func (s *Session) signalAbort(ctx context.Context) {
	client := s.service.client
	switch {
	case s.fsm.Is(StateEstablished):
		s.sendBye(ctx)
	case s.role == Originating:
		s.mu.Lock()
		invite := s.sent
		s.mu.Unlock()
		if invite != nil {
			if err := client.SendRequest(ctx, client.CreateCancel(invite)); err != nil {
				s.logger.Warn("cancel not sent", slog.Any("error", err))
			}
		}
	default:
		s.mu.Lock()
		answered := s.answered
		s.answered = true
		s.mu.Unlock()
		if !answered {
			s.respond(ctx, s.invite, message.StatusRequestTerminated)
		}
	}
}

func (s *Session) sendBye(ctx context.Context) {
	client := s.service.client
	err := s.path.Do(func(uint32) error {
		res, err := client.SendAndWait(ctx, client.CreateBye(s.path), s.service.config.Timeout)
		if err != nil {
			return err
		}
		if !message.IsSuccess(res.StatusCode) {
			s.logger.Debug("bye answered", slog.Int("status", res.StatusCode))
		}
		return nil
	})
	if err != nil && !errors.Is(err, transaction.ErrCanceled) {
		s.logger.Warn("bye failed", slog.Any("error", err))
	}
}

func (s *Session) respond(ctx context.Context, req *message.Request, code int) {
	client := s.service.client
	res := client.CreateResponse(req, code, "", s.path.LocalTag())
	if err := client.SendResponse(ctx, res); err != nil {
		s.logger.Warn("response not sent",
			slog.Int("status", code),
			slog.Any("error", err))
	}
}

// ReceiveRequest обрабатывает запрос внутри диалога сессии
func (s *Session) ReceiveRequest(ctx context.Context, req *message.Request) {
	switch req.Method {
	case message.MethodBye:
		s.ReceiveBye(ctx, req)
	case message.MethodCancel:
		s.ReceiveCancel(ctx, req)
	case message.MethodAck:
		s.ReceiveAck(req)
	case message.MethodInvite, message.MethodUpdate:
		s.ReceiveReInvite(ctx, req)
	case message.MethodMessage:
		s.ReceiveMessage(ctx, req)
	default:
		s.respond(ctx, req, message.StatusMethodNotAllowed)
	}
}

// ReceiveBye завершает сессию по инициативе удаленной стороны
func (s *Session) ReceiveBye(ctx context.Context, bye *message.Request) {
	if seq, _, err := bye.CSeq(); err == nil {
		if err := s.path.AcceptRemoteCSeq(seq, message.MethodBye); err != nil {
			s.logger.Warn("bye out of order", slog.Any("error", err))
			s.respond(ctx, bye, message.StatusServerInternalError)
			return
		}
	}
	s.respond(ctx, bye, message.StatusOK)
	s.terminatedByRemote()
}

// ReceiveCancel отменяет входящую сессию, пока она не принята
func (s *Session) ReceiveCancel(ctx context.Context, cancel *message.Request) {
	s.respond(ctx, cancel, message.StatusOK)

	s.op.Lock()
	defer s.op.Unlock()
	s.mu.Lock()
	pending := s.role == Terminating && !s.answered && s.reason == ReasonNone && !s.failed
	if pending {
		s.answered = true
	}
	s.mu.Unlock()
	if !pending {
		return
	}
	s.stopRinging()
	s.respond(ctx, s.invite, message.StatusRequestTerminated)
	s.terminatedByRemoteLocked()
}

func (s *Session) terminatedByRemote() {
	s.op.Lock()
	defer s.op.Unlock()
	s.terminatedByRemoteLocked()
}

func (s *Session) terminatedByRemoteLocked() {
	if !s.latch(ByRemote) {
		return
	}
	s.stopRinging()
	s.service.client.CancelAll(s.CallID())
	s.terminate()
	s.logger.Info("session terminated by remote")
	s.listeners.Notify("terminated_by_remote", func(l Listener) { l.HandleSessionTerminatedByRemote(s) })
}

// ReceiveAck подтверждает 2xx на входящий INVITE
func (s *Session) ReceiveAck(_ *message.Request) {
	s.path.SetSigEstablished()
}

// ReceiveReInvite передает re-INVITE или UPDATE поведению сервиса. По
// умолчанию ответ 405 с Allow.
func (s *Session) ReceiveReInvite(ctx context.Context, req *message.Request) {
	if s.fsm.Is(StateTerminated) {
		s.respond(ctx, req, message.StatusCallDoesNotExist)
		return
	}
	if seq, method, err := req.CSeq(); err == nil {
		if err := s.path.AcceptRemoteCSeq(seq, method); err != nil {
			s.logger.Warn("request out of order", slog.Any("error", err))
			s.respond(ctx, req, message.StatusServerInternalError)
			return
		}
	}

	code, contentType, body := s.service.capability.OnReInvite(s, req)
	client := s.service.client
	var res *message.Response
	if message.IsSuccess(code) && req.Method == message.MethodInvite {
		res = client.Create200OkInvite(req, s.path, s.service.featureTags, contentType, body)
	} else {
		res = client.CreateResponse(req, code, "", s.path.LocalTag())
		if len(body) > 0 {
			res.SetBody(contentType, body)
		}
	}
	if err := client.SendResponse(ctx, res); err != nil {
		s.logger.Warn("response not sent", slog.Any("error", err))
	}
}

// ReceiveMessage передает MESSAGE внутри сессии сервису, если он их
// принимает
func (s *Session) ReceiveMessage(ctx context.Context, req *message.Request) {
	code := message.StatusMethodNotAllowed
	if h, ok := s.service.capability.(MessageHandler); ok && !s.fsm.Is(StateTerminated) {
		code = h.OnMessage(s, req)
	}
	s.respond(ctx, req, code)
}
