package service

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/arzzra/ims_core/pkg/sip/auth"
	"github.com/arzzra/ims_core/pkg/sip/dialog"
	"github.com/arzzra/ims_core/pkg/sip/message"
	"github.com/arzzra/ims_core/pkg/sip/stack"
	"github.com/arzzra/ims_core/pkg/sip/transaction"
	"github.com/arzzra/ims_core/pkg/sip/transport"
	"github.com/arzzra/ims_core/pkg/sip/transport/memnet"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	ueAddr   = "10.0.0.1:5060"
	peerAddr = "10.0.0.3:5060"
	alice    = "sip:alice@ims.test"
	bob      = "sip:bob@ims.test"
	peerTag  = "bob-1"
	chatTag  = `+g.3gpp.icsi-ref="urn%3Aurn-7%3A3gpp-service.ims.icsi.oma.cpm.session"`
)

// answer возвращает ответы удаленной стороны на запрос
type answer func(p *peer, req *message.Request) []*message.Response

// peer удаленный UA поверх memnet
type peer struct {
	stack *stack.Stack

	mu       sync.Mutex
	requests []*message.Request
	arrived  chan *message.Request
}

func (p *peer) respond(req *message.Request, code int) *message.Response {
	return p.stack.CreateResponse(req, code, "", peerTag)
}

func (p *peer) ok(req *message.Request) *message.Response {
	res := p.respond(req, message.StatusOK)
	res.AddHeader(message.HeaderContact, "<sip:bob@"+peerAddr+">")
	return res
}

// next ждет запрос с методом method, остальные пропускает
func (p *peer) next(t *testing.T, method string) *message.Request {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case req := <-p.arrived:
			if req.Method == method {
				return req
			}
		case <-deadline:
			t.Fatalf("%s не получен", method)
			return nil
		}
	}
}

// find ждет запрос method с номером CSeq seq. Обработчики запросов
// выполняются параллельно, порядок прихода не гарантирован.
func (p *peer) find(t *testing.T, method string, seq uint32) *message.Request {
	t.Helper()
	var found *message.Request
	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		for _, req := range p.requests {
			if n, m, err := req.CSeq(); err == nil && m == method && n == seq {
				found = req
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "%s %d не получен", method, seq)
	return found
}

func (p *peer) count(method string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, req := range p.requests {
		if req.Method == method {
			n++
		}
	}
	return n
}

// call входящий для UE вызов со стороны peer
type call struct {
	peer    *peer
	path    *dialog.Path
	invite  *message.Request
	ringing chan *message.Response
	final   chan *message.Response
}

func (p *peer) call(tags ...string) *call {
	path := dialog.NewPath(message.GenerateCallID(p.stack.LocalHost()), 0, bob, alice, "sip:alice@"+ueAddr, nil)
	_ = path.SetLocalTag(message.GenerateTag())
	path.IncrementCSeq()
	c := &call{
		peer:    p,
		path:    path,
		invite:  p.stack.CreateInvite(path, tags, "application/sdp", []byte("v=0\r\no=bob\r\n")),
		ringing: make(chan *message.Response, 4),
		final:   make(chan *message.Response, 1),
	}
	go func() {
		res, err := p.stack.SendAndWait(context.Background(), c.invite, 5*time.Second,
			transaction.WithProvisional(func(r *message.Response) {
				select {
				case c.ringing <- r:
				default:
				}
			}))
		if err != nil {
			res = nil
		}
		c.final <- res
	}()
	return c
}

func (c *call) waitRinging(t *testing.T) *message.Response {
	t.Helper()
	select {
	case res := <-c.ringing:
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("180 Ringing не получен")
		return nil
	}
}

func (c *call) waitFinal(t *testing.T) *message.Response {
	t.Helper()
	select {
	case res := <-c.final:
		require.NotNil(t, res, "нет финального ответа на INVITE")
		return res
	case <-time.After(3 * time.Second):
		t.Fatal("финальный ответ не получен")
		return nil
	}
}

func (c *call) ack(t *testing.T, res *message.Response) {
	t.Helper()
	require.NoError(t, c.path.ApplyResponse(res))
	require.NoError(t, c.peer.stack.SendRequest(context.Background(), c.peer.stack.CreateAck(c.path)))
}

// send отправляет запрос внутри диалога и возвращает код ответа
func (c *call) send(t *testing.T, build func(p *dialog.Path) *message.Request) *message.Response {
	t.Helper()
	var res *message.Response
	err := c.path.Do(func(uint32) error {
		var err error
		res, err = c.peer.stack.SendAndWait(context.Background(), build(c.path), time.Second)
		return err
	})
	require.NoError(t, err)
	return res
}

type notification struct {
	event  string
	reason TerminationReason
	err    error
}

// recorder запоминает события сессий
type recorder struct {
	mu     sync.Mutex
	events []notification
	ch     chan notification
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan notification, 32)}
}

func (r *recorder) add(n notification) {
	r.mu.Lock()
	r.events = append(r.events, n)
	r.mu.Unlock()
	r.ch <- n
}

func (r *recorder) HandleSessionStarted(*Session) { r.add(notification{event: "started"}) }

func (r *recorder) HandleSessionAborted(_ *Session, reason TerminationReason) {
	r.add(notification{event: "aborted", reason: reason})
}

func (r *recorder) HandleSessionTerminatedByRemote(*Session) {
	r.add(notification{event: "remote", reason: ByRemote})
}

func (r *recorder) HandleSessionError(_ *Session, err error) {
	r.add(notification{event: "error", err: err})
}

func (r *recorder) wait(t *testing.T, event string) notification {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case n := <-r.ch:
			if n.event == event {
				return n
			}
		case <-deadline:
			t.Fatalf("событие %s не получено", event)
			return notification{}
		}
	}
}

func (r *recorder) count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.event == event {
			n++
		}
	}
	return n
}

// observer считает открытые и закрытые сессии
type observer struct {
	mu       sync.Mutex
	opened   int
	outcomes []string
}

func (o *observer) SessionOpened(string) {
	o.mu.Lock()
	o.opened++
	o.mu.Unlock()
}

func (o *observer) SessionClosed(_, outcome string) {
	o.mu.Lock()
	o.outcomes = append(o.outcomes, outcome)
	o.mu.Unlock()
}

func (o *observer) closed() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.outcomes...)
}

type env struct {
	ue       *stack.Stack
	peer     *peer
	service  *Service
	events   *recorder
	observer *observer
}

func newEnv(t *testing.T, a answer, cfg Config, opts ...Option) *env {
	t.Helper()
	network := memnet.NewNetwork()

	newStack := func(addr string, sc stack.Config) *stack.Stack {
		conn, err := network.Listen(addr)
		require.NoError(t, err)
		s, err := stack.New(transport.NewPacketTransport(conn), sc)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	}

	ueCfg := stack.DefaultConfig()
	ueCfg.Proxy = peerAddr
	e := &env{
		ue:       newStack(ueAddr, ueCfg),
		events:   newRecorder(),
		observer: &observer{},
	}

	p := &peer{arrived: make(chan *message.Request, 32)}
	p.stack = newStack(peerAddr, stack.DefaultConfig())
	p.stack.OnRequest(func(req *message.Request, _ net.Addr) {
		p.mu.Lock()
		p.requests = append(p.requests, req)
		p.mu.Unlock()
		select {
		case p.arrived <- req:
		default:
		}
		var responses []*message.Response
		if a != nil {
			responses = a(p, req)
		}
		if responses == nil && (req.Method == message.MethodBye || req.Method == message.MethodCancel) {
			responses = []*message.Response{p.respond(req, message.StatusOK)}
		}
		for _, res := range responses {
			_ = p.stack.SendResponse(context.Background(), res)
		}
	})
	e.peer = p

	if cfg.PublicURI == "" {
		cfg.PublicURI = alice
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = time.Second
	}
	opts = append([]Option{WithSessionListener(e.events), WithObserver(e.observer)}, opts...)
	e.service = New("chat", e.ue, cfg, opts...)
	e.service.Start()
	t.Cleanup(func() { e.service.Stop(context.Background()) })

	e.ue.OnRequest(func(req *message.Request, _ net.Addr) {
		ctx := context.Background()
		if session, ok := e.service.SessionByCallID(req.CallID()); ok {
			session.ReceiveRequest(ctx, req)
			return
		}
		switch {
		case req.Method == message.MethodInvite && req.ToTag() == "":
			if !e.service.Accepts(req) {
				_ = e.ue.Respond(ctx, req, message.StatusDecline, "")
				return
			}
			if _, err := e.service.ReceiveInvite(ctx, req); err != nil {
				_ = e.ue.Respond(ctx, req, message.StatusServerInternalError, "")
			}
		case req.Method != message.MethodAck:
			_ = e.ue.Respond(ctx, req, message.StatusCallDoesNotExist, "")
		}
	})
	return e
}

// established открывает исходящую сессию, которую peer принимает
func (e *env) established(t *testing.T) *Session {
	t.Helper()
	s, err := e.service.CreateSession(bob)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	e.events.wait(t, "started")
	e.peer.next(t, message.MethodAck)
	return s
}

func acceptingPeer(p *peer, req *message.Request) []*message.Response {
	if req.Method == message.MethodInvite {
		return []*message.Response{p.respond(req, message.StatusRinging), p.ok(req)}
	}
	return nil
}

func TestOriginatingSession(t *testing.T) {
	e := newEnv(t, acceptingPeer, Config{})

	s, err := e.service.CreateSession(bob)
	require.NoError(t, err)
	assert.Equal(t, Originating, s.Role())
	assert.Equal(t, StateInitiated, s.State())
	assert.Equal(t, 1, e.service.SessionCount())

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, StateEstablished, s.State())
	e.events.wait(t, "started")

	invite := e.peer.next(t, message.MethodInvite)
	assert.Equal(t, bob, invite.RequestURI)
	ack := e.peer.next(t, message.MethodAck)
	assert.Equal(t, "1 ACK", ack.HeaderValue(message.HeaderCSeq))
	assert.Equal(t, "sip:bob@"+peerAddr, ack.RequestURI, "ACK идет на Contact из 200 OK")
	assert.Equal(t, peerTag, ack.ToTag())
	assert.ErrorIs(t, s.Start(context.Background()), ErrInvalidState)

	s.Abort(context.Background(), ByUser)
	bye := e.peer.next(t, message.MethodBye)
	assert.Equal(t, "2 BYE", bye.HeaderValue(message.HeaderCSeq))

	s.Abort(context.Background(), BySystem)
	assert.Equal(t, StateTerminated, s.State())
	assert.Equal(t, ByUser, s.TerminationReason())
	assert.Equal(t, 1, e.events.count("aborted"))
	assert.Zero(t, e.service.SessionCount())
	_, ok := e.service.Session(s.ID())
	assert.False(t, ok)
	assert.Equal(t, []string{"BY_USER"}, e.observer.closed())
	assert.Equal(t, 1, e.peer.count(message.MethodBye))
}

func TestOriginatingSessionRejected(t *testing.T) {
	e := newEnv(t, func(p *peer, req *message.Request) []*message.Response {
		if req.Method == message.MethodInvite {
			return []*message.Response{p.respond(req, message.StatusBusyHere)}
		}
		return nil
	}, Config{})

	s, err := e.service.CreateSession(bob)
	require.NoError(t, err)
	err = s.Start(context.Background())

	var sessErr *SessionError
	require.ErrorAs(t, err, &sessErr)
	assert.Equal(t, message.StatusBusyHere, sessErr.Code)

	invite := e.peer.next(t, message.MethodInvite)
	ack := e.peer.next(t, message.MethodAck)
	assert.Equal(t, "1 ACK", ack.HeaderValue(message.HeaderCSeq))
	assert.Equal(t, message.TopViaParams(invite), message.TopViaParams(ack), "ACK на отказ в той же транзакции")

	n := e.events.wait(t, "error")
	assert.ErrorAs(t, n.err, &sessErr)
	assert.Equal(t, StateTerminated, s.State())
	assert.Zero(t, e.service.SessionCount())
	assert.Equal(t, []string{"error"}, e.observer.closed())
	assert.Zero(t, e.events.count("aborted"))
}

func TestOriginatingSessionProxyChallenge(t *testing.T) {
	const challenge = `Digest realm="ims.test", nonce="n1", algorithm=MD5, qop="auth"`
	e := newEnv(t, func(p *peer, req *message.Request) []*message.Response {
		if req.Method != message.MethodInvite {
			return nil
		}
		if req.HeaderValue(message.HeaderProxyAuthorization) == "" {
			res := p.respond(req, message.StatusProxyAuthRequired)
			res.AddHeader(message.HeaderProxyAuthenticate, challenge)
			return []*message.Response{res}
		}
		return []*message.Response{p.ok(req)}
	}, Config{}, WithAuthAgent(auth.NewAgent("alice@ims.test", "secret")))

	s, err := e.service.CreateSession(bob)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	first := e.peer.find(t, message.MethodInvite, 1)
	failureAck := e.peer.find(t, message.MethodAck, 1)
	second := e.peer.find(t, message.MethodInvite, 2)
	ack := e.peer.find(t, message.MethodAck, 2)

	assert.Empty(t, first.HeaderValue(message.HeaderProxyAuthorization))
	assert.Equal(t, message.TopViaParams(first), message.TopViaParams(failureAck), "ACK на 407 в транзакции первого INVITE")
	assert.Equal(t, first.CallID(), second.CallID())
	assert.Contains(t, second.HeaderValue(message.HeaderProxyAuthorization), `nonce="n1"`)
	assert.NotEqual(t, message.Branch(second), message.Branch(ack), "ACK на 2xx в новой транзакции")
	assert.Equal(t, StateEstablished, s.State())
}

func TestAbortPendingInvite(t *testing.T) {
	e := newEnv(t, func(p *peer, req *message.Request) []*message.Response {
		if req.Method == message.MethodInvite {
			return []*message.Response{p.respond(req, message.StatusRinging)}
		}
		return nil
	}, Config{InviteTimeout: 10 * time.Second})

	s, err := e.service.CreateSession(bob)
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- s.Start(context.Background()) }()
	e.peer.next(t, message.MethodInvite)

	s.Abort(context.Background(), ByUser)
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrSessionTerminated)
	case <-time.After(2 * time.Second):
		t.Fatal("Start не прерван")
	}

	cancel := e.peer.next(t, message.MethodCancel)
	assert.Equal(t, "1 CANCEL", cancel.HeaderValue(message.HeaderCSeq))
	assert.Equal(t, 1, e.events.count("aborted"))
	assert.Zero(t, e.events.count("error"))
	assert.Zero(t, e.service.SessionCount())
}

func TestAbortedInviteFailureAcked(t *testing.T) {
	var mu sync.Mutex
	var pending *message.Request
	e := newEnv(t, func(p *peer, req *message.Request) []*message.Response {
		mu.Lock()
		defer mu.Unlock()
		switch req.Method {
		case message.MethodInvite:
			pending = req
			return []*message.Response{p.respond(req, message.StatusRinging)}
		case message.MethodCancel:
			return []*message.Response{
				p.respond(req, message.StatusOK),
				p.respond(pending, message.StatusRequestTerminated),
			}
		}
		return nil
	}, Config{InviteTimeout: 10 * time.Second})

	s, err := e.service.CreateSession(bob)
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- s.Start(context.Background()) }()
	invite := e.peer.next(t, message.MethodInvite)

	s.Abort(context.Background(), ByUser)
	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrSessionTerminated)
	case <-time.After(2 * time.Second):
		t.Fatal("Start не прерван")
	}

	ack := e.peer.next(t, message.MethodAck)
	assert.Equal(t, "1 ACK", ack.HeaderValue(message.HeaderCSeq))
	assert.Equal(t, message.Branch(invite), message.Branch(ack), "ACK на 487 в транзакции INVITE")
	assert.Equal(t, peerTag, ack.ToTag())
	assert.Equal(t, 1, e.events.count("aborted"))
}

func TestAbortIsIdempotent(t *testing.T) {
	e := newEnv(t, acceptingPeer, Config{})
	s := e.established(t)

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				s.Abort(context.Background(), ByUser)
			} else {
				s.Drop(BySystem)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, e.events.count("aborted"))
	assert.Equal(t, StateTerminated, s.State())
	assert.Zero(t, e.service.SessionCount())
	assert.LessOrEqual(t, e.peer.count(message.MethodBye), 1)
	select {
	case <-s.Done():
	default:
		t.Fatal("Done не закрыт")
	}
}

func TestDropSessionsIsSilent(t *testing.T) {
	e := newEnv(t, acceptingPeer, Config{})
	e.established(t)

	assert.Equal(t, 1, e.service.DropSessions(BySystem))
	n := e.events.wait(t, "aborted")
	assert.Equal(t, BySystem, n.reason)

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, e.peer.count(message.MethodBye))
	assert.True(t, e.service.IsStarted())
}

func TestStopAbortsSessions(t *testing.T) {
	e := newEnv(t, acceptingPeer, Config{})
	e.established(t)

	e.service.Stop(context.Background())
	n := e.events.wait(t, "aborted")
	assert.Equal(t, BySystem, n.reason)
	e.peer.next(t, message.MethodBye)
	assert.False(t, e.service.IsStarted())

	_, err := e.service.CreateSession(bob)
	assert.ErrorIs(t, err, ErrServiceStopped)
	e.service.Stop(context.Background())
}

// answering отвечает SDP и понимает re-INVITE
type answering struct {
	BaseCapability

	mu       sync.Mutex
	rejected int
	modify   bool
}

func (a *answering) OnAccept(*Session) (string, []byte, error) {
	return "application/sdp", []byte("v=0\r\no=alice\r\n"), nil
}

func (a *answering) OnReject(*Session) {
	a.mu.Lock()
	a.rejected++
	a.mu.Unlock()
}

func (a *answering) OnReInvite(s *Session, req *message.Request) (int, string, []byte) {
	if !a.modify {
		return a.BaseCapability.OnReInvite(s, req)
	}
	return message.StatusOK, "application/sdp", []byte("v=0\r\no=alice 2\r\n")
}

func incoming(t *testing.T, e *env) (*call, *Session, *message.Response) {
	t.Helper()
	c := e.peer.call(chatTag)
	ringing := c.waitRinging(t)
	require.Equal(t, message.StatusRinging, ringing.StatusCode)
	sessions := e.service.Sessions()
	require.Len(t, sessions, 1)
	return c, sessions[0], ringing
}

func TestTerminatingSessionAccepted(t *testing.T) {
	capability := &answering{}
	e := newEnv(t, nil, Config{}, WithFeatureTags(chatTag), WithCapability(capability))

	c, s, ringing := incoming(t, e)
	assert.Equal(t, Terminating, s.Role())
	assert.Equal(t, bob, s.Contact())
	assert.Equal(t, StateInitiated, s.State())
	assert.NotEmpty(t, ringing.ToTag())
	assert.Equal(t, "v=0\r\no=bob\r\n", string(s.Path().RemoteContent()))

	require.NoError(t, s.Accept(context.Background()))
	res := c.waitFinal(t)
	assert.Equal(t, message.StatusOK, res.StatusCode)
	assert.Equal(t, ringing.ToTag(), res.ToTag(), "тег диалога не меняется")
	assert.Contains(t, res.HeaderValue(message.HeaderContact), "icsi-ref")
	assert.Equal(t, "v=0\r\no=alice\r\n", string(res.Body()))
	assert.Equal(t, StateEstablished, s.State())
	e.events.wait(t, "started")
	c.ack(t, res)

	require.NoError(t, s.Accept(context.Background()), "повторный Accept ничего не делает")
	assert.Equal(t, 1, e.events.count("started"))

	bye := c.send(t, e.peer.stack.CreateBye)
	assert.Equal(t, message.StatusOK, bye.StatusCode)
	e.events.wait(t, "remote")
	assert.Equal(t, ByRemote, s.TerminationReason())
	assert.Zero(t, e.service.SessionCount())
	assert.Equal(t, []string{"BY_REMOTE"}, e.observer.closed())
}

func TestTerminatingSessionRejected(t *testing.T) {
	capability := &answering{}
	e := newEnv(t, nil, Config{}, WithFeatureTags(chatTag), WithCapability(capability))

	c, s, _ := incoming(t, e)
	s.Reject(context.Background())

	res := c.waitFinal(t)
	assert.Equal(t, message.StatusDecline, res.StatusCode)
	n := e.events.wait(t, "aborted")
	assert.Equal(t, ByUser, n.reason)
	assert.Equal(t, 1, capability.rejected)

	require.NoError(t, s.Accept(context.Background()))
	s.Reject(context.Background())
	assert.Equal(t, 1, e.events.count("aborted"))
	assert.Zero(t, e.events.count("started"))
	assert.Zero(t, e.service.SessionCount())
}

func TestTerminatingSessionRingingTimeout(t *testing.T) {
	e := newEnv(t, nil, Config{RingingPeriod: 50 * time.Millisecond}, WithFeatureTags(chatTag))

	c, s, _ := incoming(t, e)
	res := c.waitFinal(t)
	assert.Equal(t, message.StatusTemporarilyUnavail, res.StatusCode)

	n := e.events.wait(t, "aborted")
	assert.Equal(t, ByTimeout, n.reason)
	assert.Equal(t, StateTerminated, s.State())
	assert.Zero(t, e.service.SessionCount())
}

func TestTerminatingSessionCanceled(t *testing.T) {
	e := newEnv(t, nil, Config{}, WithFeatureTags(chatTag))

	c, s, _ := incoming(t, e)
	res, err := e.peer.stack.SendAndWait(context.Background(), e.peer.stack.CreateCancel(c.invite), time.Second)
	require.NoError(t, err)
	assert.Equal(t, message.StatusOK, res.StatusCode)

	final := c.waitFinal(t)
	assert.Equal(t, message.StatusRequestTerminated, final.StatusCode)
	e.events.wait(t, "remote")
	assert.Equal(t, ByRemote, s.TerminationReason())
	assert.Zero(t, e.service.SessionCount())
}

func TestInviteWithoutFeatureTagDeclined(t *testing.T) {
	e := newEnv(t, nil, Config{}, WithFeatureTags(chatTag))

	c := e.peer.call()
	res := c.waitFinal(t)
	assert.Equal(t, message.StatusDecline, res.StatusCode)
	assert.Zero(t, e.service.SessionCount())
}

func TestReInviteNotAllowedByDefault(t *testing.T) {
	e := newEnv(t, nil, Config{}, WithFeatureTags(chatTag))

	c, s, _ := incoming(t, e)
	require.NoError(t, s.Accept(context.Background()))
	c.ack(t, c.waitFinal(t))

	res := c.send(t, func(p *dialog.Path) *message.Request {
		return e.peer.stack.CreateInvite(p, nil, "application/sdp", []byte("v=0\r\n"))
	})
	assert.Equal(t, message.StatusMethodNotAllowed, res.StatusCode)
	assert.NotEmpty(t, res.HeaderValue(message.HeaderAllow))

	res = c.send(t, func(p *dialog.Path) *message.Request {
		return e.peer.stack.CreateMessage(p, "text/plain", []byte("hi"))
	})
	assert.Equal(t, message.StatusMethodNotAllowed, res.StatusCode)
	assert.Equal(t, StateEstablished, s.State())
}

func TestReInviteHandledByCapability(t *testing.T) {
	capability := &answering{modify: true}
	e := newEnv(t, nil, Config{}, WithFeatureTags(chatTag), WithCapability(capability))

	c, s, _ := incoming(t, e)
	require.NoError(t, s.Accept(context.Background()))
	c.ack(t, c.waitFinal(t))

	res := c.send(t, func(p *dialog.Path) *message.Request {
		return e.peer.stack.CreateInvite(p, nil, "application/sdp", []byte("v=0\r\n"))
	})
	assert.Equal(t, message.StatusOK, res.StatusCode)
	assert.Equal(t, "v=0\r\no=alice 2\r\n", string(res.Body()))
}

func TestAccepts(t *testing.T) {
	svc := New("chat", nil, Config{}, WithFeatureTags(chatTag), WithContentTypes("application/sdp"))

	req := message.NewRequest(message.MethodInvite, alice)
	req.AddHeader(message.HeaderAcceptContact, "*;"+chatTag)
	assert.False(t, svc.Accepts(req), "сервис не запущен")

	svc.Start()
	assert.True(t, svc.Accepts(req))

	other := message.NewRequest(message.MethodInvite, alice)
	other.AddHeader(message.HeaderAcceptContact, `*;+g.3gpp.icsi-ref="urn%3Aurn-7%3A3gpp-service.ims.icsi.mmtel"`)
	assert.False(t, svc.Accepts(other))

	byContact := message.NewRequest(message.MethodInvite, alice)
	byContact.AddHeader(message.HeaderContact, "<sip:bob@10.0.0.3:5060>;"+chatTag)
	assert.True(t, svc.Accepts(byContact))

	assert.True(t, svc.SupportsContent("application/sdp; charset=utf-8"))
	assert.True(t, svc.SupportsContent(""))
	assert.False(t, svc.SupportsContent("text/plain"))

	svc.SetActivated(false)
	assert.False(t, svc.Accepts(req))
}

func TestStartRequiresActivation(t *testing.T) {
	svc := New("chat", nil, Config{})
	svc.SetActivated(false)
	svc.Start()
	assert.False(t, svc.IsStarted())

	svc.SetActivated(true)
	svc.Start()
	svc.Start()
	assert.True(t, svc.IsStarted())
}

func TestRegistryConcurrentAccess(t *testing.T) {
	e := newEnv(t, nil, Config{})

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s, err := e.service.CreateSession(bob)
			if assert.NoError(t, err) {
				e.service.RemoveSession(s)
				e.service.RemoveSession(s)
			}
		}()
		go func() {
			defer wg.Done()
			for _, s := range e.service.Sessions() {
				_ = s.Contact()
			}
			_ = e.service.SessionsWith(bob)
		}()
	}
	wg.Wait()

	assert.Zero(t, e.service.SessionCount())
	assert.Len(t, e.observer.closed(), 20)
	assert.Zero(t, e.service.Check())
}
