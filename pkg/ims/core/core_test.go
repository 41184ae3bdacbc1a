package core

import (
	"context"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/arzzra/ims_core/pkg/ims/config"
	"github.com/arzzra/ims_core/pkg/ims/service"
	"github.com/arzzra/ims_core/pkg/ims/subscribe"
	"github.com/arzzra/ims_core/pkg/sip/dialog"
	"github.com/arzzra/ims_core/pkg/sip/message"
	"github.com/arzzra/ims_core/pkg/sip/stack"
	"github.com/arzzra/ims_core/pkg/sip/transport"
	"github.com/arzzra/ims_core/pkg/sip/transport/memnet"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	ueAddr   = "10.0.0.1:5060"
	imsAddr  = "10.0.0.3:5060"
	imsTag   = "ims-1"
	bob      = "sip:bob@ims.test"
	chatTag  = `+g.3gpp.icsi-ref="urn%3Aurn-7%3A3gpp-service.ims.icsi.oma.cpm.session"`
	scscf    = "<sip:scscf.ims.test;lr>"
	pidfBody = `<presence entity="sip:bob@ims.test"/>`
)

// network сторона IMS: P-CSCF, регистратор и удаленные абоненты
type network struct {
	stack *stack.Stack

	mu       sync.Mutex
	requests []*message.Request
	arrived  chan *message.Request
	handler  func(req *message.Request) *message.Response
}

func (n *network) respond(req *message.Request, code int, headers ...string) *message.Response {
	res := n.stack.CreateResponse(req, code, "", imsTag)
	for _, h := range headers {
		name, value, _ := strings.Cut(h, ": ")
		res.AddHeader(name, value)
	}
	return res
}

// serve отвечает как работающая сеть: регистрация и подписки успешны,
// исходящие INVITE принимаются
func (n *network) serve(req *message.Request) *message.Response {
	switch req.Method {
	case message.MethodRegister:
		return n.respond(req, message.StatusOK,
			"Expires: 600",
			message.HeaderServiceRoute+": "+scscf,
			message.HeaderPAssociatedURI+": <sip:alice@ims.test>")
	case message.MethodSubscribe:
		return n.respond(req, message.StatusOK, "Expires: 600")
	case message.MethodInvite:
		return n.respond(req, message.StatusOK, "Contact: <sip:bob@"+imsAddr+">")
	case message.MethodBye:
		return n.respond(req, message.StatusOK)
	}
	return nil
}

func (n *network) next(t *testing.T, method string) *message.Request {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case req := <-n.arrived:
			if req.Method == method {
				return req
			}
		case <-deadline:
			t.Fatalf("%s не получен", method)
			return nil
		}
	}
}

func (n *network) count(method string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, req := range n.requests {
		if req.Method == method {
			c++
		}
	}
	return c
}

// path диалог удаленного абонента к UE
func (n *network) path() *dialog.Path {
	p := dialog.NewPath(message.GenerateCallID(n.stack.LocalHost()), 0, bob, "sip:alice@ims.test", "sip:alice@"+ueAddr, nil)
	_ = p.SetLocalTag(message.GenerateTag())
	p.IncrementCSeq()
	return p
}

func (n *network) send(t *testing.T, req *message.Request) *message.Response {
	t.Helper()
	res, err := n.stack.SendAndWait(context.Background(), req, 2*time.Second)
	require.NoError(t, err)
	return res
}

// request строит запрос вне диалога с минимальным набором заголовков
func (n *network) request(method string) *message.Request {
	req := message.NewRequest(method, "sip:alice@"+ueAddr)
	req.AddHeader(message.HeaderVia, "SIP/2.0/UDP "+imsAddr+";branch="+message.GenerateBranch())
	req.AddHeader(message.HeaderMaxForwards, "70")
	req.AddHeader(message.HeaderFrom, "<"+bob+">;tag="+message.GenerateTag())
	req.AddHeader(message.HeaderTo, "<sip:alice@ims.test>")
	req.AddHeader(message.HeaderCallID, message.GenerateCallID("ims.test"))
	req.AddHeader(message.HeaderCSeq, message.FormatCSeq(1, method))
	return req
}

type event struct {
	name    string
	kind    string
	contact string
	doc     any
	err     error
	session *service.Session
	reason  service.TerminationReason
}

// recorder запоминает события ядра и сессий
type recorder struct {
	BaseListener
	ch chan event
}

func newRecorder() *recorder { return &recorder{ch: make(chan event, 64)} }

func (r *recorder) HandleRegistrationSuccessful() { r.ch <- event{name: "registered"} }
func (r *recorder) HandleRegistrationFailed(err error) {
	r.ch <- event{name: "registration_failed", err: err}
}
func (r *recorder) HandleRegistrationTerminated() { r.ch <- event{name: "unregistered"} }
func (r *recorder) HandlePresenceInfoNotification(contact string, doc any) {
	r.ch <- event{name: "presence", contact: contact, doc: doc}
}
func (r *recorder) HandleSubscriptionFailed(pkg string, err error) {
	r.ch <- event{name: "subscription_failed", kind: pkg, err: err}
}
func (r *recorder) HandleSessionInvitation(s *service.Session) {
	r.ch <- event{name: "invitation", session: s}
}

func (r *recorder) HandleSessionStarted(s *service.Session) {
	r.ch <- event{name: "started", session: s}
}
func (r *recorder) HandleSessionAborted(s *service.Session, reason service.TerminationReason) {
	r.ch <- event{name: "aborted", session: s, reason: reason}
}
func (r *recorder) HandleSessionTerminatedByRemote(s *service.Session) {
	r.ch <- event{name: "remote", session: s}
}
func (r *recorder) HandleSessionError(s *service.Session, err error) {
	r.ch <- event{name: "session_error", session: s, err: err}
}

func (r *recorder) wait(t *testing.T, name string) event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-r.ch:
			if e.name == name {
				return e
			}
		case <-deadline:
			t.Fatalf("событие %s не получено", name)
			return event{}
		}
	}
}

type env struct {
	core    *Core
	ue      *stack.Stack
	network *network
	events  *recorder
}

func settings() config.Settings {
	s := config.Default()
	s.Username = "alice"
	s.Password = "secret"
	s.HomeDomain = "ims.test"
	s.TransactionTimeout = time.Second
	return s
}

func newEnv(t *testing.T, opts ...Option) *env {
	t.Helper()
	return newEnvWith(t, newRecorder(), opts...)
}

func newEnvWith(t *testing.T, events *recorder, opts ...Option) *env {
	t.Helper()
	mem := memnet.NewNetwork()

	newStack := func(addr string, sc stack.Config) *stack.Stack {
		conn, err := mem.Listen(addr)
		require.NoError(t, err)
		s, err := stack.New(transport.NewPacketTransport(conn), sc)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	}

	ueCfg := stack.DefaultConfig()
	ueCfg.Proxy = imsAddr
	e := &env{ue: newStack(ueAddr, ueCfg), events: events}

	n := &network{arrived: make(chan *message.Request, 64)}
	n.stack = newStack(imsAddr, stack.DefaultConfig())
	n.handler = n.serve
	n.stack.OnRequest(func(req *message.Request, _ net.Addr) {
		n.mu.Lock()
		n.requests = append(n.requests, req)
		handler := n.handler
		n.mu.Unlock()
		select {
		case n.arrived <- req:
		default:
		}
		if res := handler(req); res != nil {
			_ = n.stack.SendResponse(context.Background(), res)
		}
	})
	e.network = n

	c, err := New(settings(), e.ue, append([]Option{WithListener(e.events)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Stop(context.Background()) })
	e.core = c
	return e
}

func TestStartRegistersAndSubscribesPresence(t *testing.T) {
	e := newEnv(t)

	require.NoError(t, e.core.Start(context.Background()))
	assert.True(t, e.core.IsRegistered())
	e.events.wait(t, "registered")

	register := e.network.next(t, message.MethodRegister)
	assert.Equal(t, "sip:ims.test", register.RequestURI)

	sub := e.network.next(t, message.MethodSubscribe)
	assert.Equal(t, "presence", sub.HeaderValue(message.HeaderEvent))
	assert.Equal(t, scscf, sub.HeaderValue(message.HeaderRoute), "подписка идет по Service-Route")
	require.Eventually(t, e.core.Presence().IsSubscribed, 2*time.Second, 10*time.Millisecond)

	notify := e.network.request(message.MethodNotify)
	notify.RequestURI = message.ExtractURI(sub.HeaderValue(message.HeaderContact))
	notify.SetHeader(message.HeaderFrom, "<"+sub.RequestURI+">;tag="+imsTag)
	notify.SetHeader(message.HeaderTo, sub.HeaderValue(message.HeaderFrom))
	notify.SetHeader(message.HeaderCallID, sub.CallID())
	notify.AddHeader(message.HeaderContact, "<sip:rls@"+imsAddr+">")
	notify.AddHeader(message.HeaderEvent, "presence")
	notify.AddHeader(message.HeaderSubscriptionState, "active;expires=600")
	notify.SetBody("application/pidf+xml", []byte(pidfBody))

	res := e.network.send(t, notify)
	assert.Equal(t, message.StatusOK, res.StatusCode)
	ev := e.events.wait(t, "presence")
	assert.Equal(t, Document{ContentType: "application/pidf+xml", Body: []byte(pidfBody)}, ev.doc)

	e.core.Stop(context.Background())
	unsubscribe := e.network.next(t, message.MethodSubscribe)
	assert.Equal(t, "0", unsubscribe.HeaderValue(message.HeaderExpires))
	unregister := e.network.next(t, message.MethodRegister)
	assert.Equal(t, "0", unregister.HeaderValue(message.HeaderExpires))
	e.events.wait(t, "unregistered")
	assert.False(t, e.core.IsRegistered())
	assert.ErrorIs(t, e.core.Start(context.Background()), ErrStopped)
}

func TestRegistrationFailureReported(t *testing.T) {
	e := newEnv(t, WithSubscriptions(false, false))
	e.network.mu.Lock()
	e.network.handler = func(req *message.Request) *message.Response {
		return e.network.respond(req, message.StatusForbidden)
	}
	e.network.mu.Unlock()

	require.Error(t, e.core.Start(context.Background()))
	ev := e.events.wait(t, "registration_failed")
	assert.Error(t, ev.err)
	assert.False(t, e.core.IsRegistered())
}

func TestSubscriptionFailureReported(t *testing.T) {
	e := newEnv(t)
	n := e.network
	n.mu.Lock()
	n.handler = func(req *message.Request) *message.Response {
		if req.Method == message.MethodSubscribe {
			return n.respond(req, message.StatusForbidden)
		}
		return n.serve(req)
	}
	n.mu.Unlock()

	require.NoError(t, e.core.Start(context.Background()))
	ev := e.events.wait(t, "subscription_failed")
	assert.Equal(t, "presence", ev.kind)
	var subErr *subscribe.Error
	require.ErrorAs(t, ev.err, &subErr)
	assert.Equal(t, message.StatusForbidden, subErr.Code)
	assert.True(t, e.core.IsRegistered(), "отказ подписки не трогает регистрацию")
}

func TestSubscribeAfterStopIsIgnored(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.core.Start(context.Background()))
	e.network.next(t, message.MethodSubscribe)
	require.Eventually(t, e.core.Presence().IsSubscribed, 2*time.Second, 10*time.Millisecond)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range 50 {
			e.core.subscribeAfterRegistration()
		}
	}()
	e.core.Stop(context.Background())
	<-done

	subscribes := e.network.count(message.MethodSubscribe)
	e.core.subscribeAfterRegistration()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, subscribes, e.network.count(message.MethodSubscribe))
}

type panicking struct{ BaseListener }

func (panicking) HandleRegistrationSuccessful() { panic("listener bug") }

func TestListenerPanicDoesNotStopDelivery(t *testing.T) {
	e := newEnv(t, WithSubscriptions(false, false), WithListener(panicking{}))
	second := newRecorder()
	e.core.AddListener(second)

	require.NoError(t, e.core.Start(context.Background()))
	e.events.wait(t, "registered")
	second.wait(t, "registered")
}

// chatEnv ядро с сервисом чата. События сессий приходят в тот же
// recorder, что и события ядра.
func chatEnv(t *testing.T, opts ...service.Option) *env {
	t.Helper()
	events := newRecorder()
	return newEnvWith(t, events,
		WithSubscriptions(false, false),
		WithService("chat", append([]service.Option{
			service.WithFeatureTags(chatTag),
			service.WithSessionListener(events),
		}, opts...)...))
}

func TestIncomingInviteRouting(t *testing.T) {
	e := chatEnv(t, service.WithContentTypes("application/sdp"))
	n := e.network

	res := n.send(t, n.stack.CreateInvite(n.path(), []string{chatTag}, "application/sdp", []byte("v=0\r\n")))
	assert.Equal(t, message.StatusTemporarilyUnavail, res.StatusCode, "UE не зарегистрирован")

	require.NoError(t, e.core.Start(context.Background()))

	register := n.next(t, message.MethodRegister)
	assert.Contains(t, register.HeaderValue(message.HeaderContact), "icsi-ref", "feature tags сервиса в регистрации")

	res = n.send(t, n.stack.CreateInvite(n.path(), nil, "application/sdp", []byte("v=0\r\n")))
	assert.Equal(t, message.StatusDecline, res.StatusCode, "нет сервиса для INVITE")

	res = n.send(t, n.stack.CreateInvite(n.path(), []string{chatTag}, "text/plain", []byte("hi")))
	assert.Equal(t, message.StatusUnsupportedMedia, res.StatusCode)

	final := make(chan *message.Response, 1)
	go func() {
		res, err := n.stack.SendAndWait(context.Background(),
			n.stack.CreateInvite(n.path(), []string{chatTag}, "application/sdp", []byte("v=0\r\n")), 2*time.Second)
		if err != nil {
			res = nil
		}
		final <- res
	}()

	ev := e.events.wait(t, "invitation")
	require.NotNil(t, ev.session)
	assert.Equal(t, bob, ev.session.Contact())
	ev.session.Reject(context.Background())

	select {
	case res := <-final:
		require.NotNil(t, res)
		assert.Equal(t, message.StatusDecline, res.StatusCode)
	case <-time.After(2 * time.Second):
		t.Fatal("нет ответа на INVITE")
	}
	e.events.wait(t, "aborted")
	chat, ok := e.core.Service("chat")
	require.True(t, ok)
	assert.Zero(t, chat.SessionCount())
}

func TestRequestsOutsideDialogs(t *testing.T) {
	e := chatEnv(t)
	n := e.network
	require.NoError(t, e.core.Start(context.Background()))

	res := n.send(t, n.stack.CreateBye(n.path()))
	assert.Equal(t, message.StatusCallDoesNotExist, res.StatusCode)

	notify := n.request(message.MethodNotify)
	notify.AddHeader(message.HeaderEvent, "presence")
	notify.AddHeader(message.HeaderSubscriptionState, "active")
	res = n.send(t, notify)
	assert.Equal(t, message.StatusCallDoesNotExist, res.StatusCode)

	res = n.send(t, n.request(message.MethodOptions))
	assert.Equal(t, message.StatusOK, res.StatusCode)
	assert.Contains(t, res.HeaderValue(message.HeaderAllow), "INVITE")
	assert.Contains(t, res.HeaderValue(message.HeaderContact), "icsi-ref")

	res = n.send(t, n.request(message.MethodPublish))
	assert.Equal(t, message.StatusMethodNotAllowed, res.StatusCode)
	assert.NotEmpty(t, res.HeaderValue(message.HeaderAllow))
}

func TestNetworkLossDropsEverythingSilently(t *testing.T) {
	e := chatEnv(t)
	n := e.network
	require.NoError(t, e.core.Start(context.Background()))

	chat, _ := e.core.Service("chat")
	session, err := chat.CreateSession(bob)
	require.NoError(t, err)
	require.NoError(t, session.Start(context.Background()))
	e.events.wait(t, "started")
	registers := n.count(message.MethodRegister)

	e.core.HandleNetworkLoss()

	ev := e.events.wait(t, "aborted")
	assert.Equal(t, service.BySystem, ev.reason)
	assert.False(t, e.core.IsRegistered())
	assert.Zero(t, chat.SessionCount())

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, n.count(message.MethodBye))
	assert.Equal(t, registers, n.count(message.MethodRegister))
}

// observer считает вызовы, которые метрики получили бы от ядра
type observer struct {
	attempts atomic.Int32
	opened   atomic.Int32
	closed   atomic.Int32
}

func (o *observer) RegistrationAttempt(string)      { o.attempts.Add(1) }
func (o *observer) RegistrationStateChanged(string) {}
func (o *observer) NotifyReceived(string, string)   {}
func (o *observer) SessionOpened(string)            { o.opened.Add(1) }
func (o *observer) SessionClosed(string, string)    { o.closed.Add(1) }

func TestObserverWired(t *testing.T) {
	obs := &observer{}
	e := newEnv(t, WithSubscriptions(false, false), WithObserver(obs), WithService("chat"))
	require.NoError(t, e.core.Start(context.Background()))
	assert.Equal(t, int32(1), obs.attempts.Load())

	chat, _ := e.core.Service("chat")
	session, err := chat.CreateSession(bob)
	require.NoError(t, err)
	session.Drop(service.ByUser)
	assert.Equal(t, int32(1), obs.opened.Load())
	assert.Equal(t, int32(1), obs.closed.Load())
}

func TestNewRejectsInvalidSettings(t *testing.T) {
	s := settings()
	s.HomeDomain = ""
	_, err := New(s, nil)
	assert.Error(t, err)
}
