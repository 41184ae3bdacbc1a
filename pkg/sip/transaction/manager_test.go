package transaction

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/arzzra/ims_core/pkg/sip/message"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// captureSender запоминает отправленные запросы
type captureSender struct {
	mu   sync.Mutex
	sent chan *message.Request
	err  error
}

func newCaptureSender() *captureSender {
	return &captureSender{sent: make(chan *message.Request, 16)}
}

func (s *captureSender) SendRequest(_ context.Context, req *message.Request) error {
	s.mu.Lock()
	err := s.err
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.sent <- req
	return nil
}

func (s *captureSender) next(t *testing.T) *message.Request {
	t.Helper()
	select {
	case req := <-s.sent:
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("запрос не отправлен")
		return nil
	}
}

func testRequest(method string, cseq uint32, callID string) *message.Request {
	req := message.NewRequest(method, "sip:registrar.ims.test")
	req.AddHeader(message.HeaderVia, "SIP/2.0/UDP 10.0.0.1:5060;branch="+message.GenerateBranch())
	req.AddHeader(message.HeaderFrom, "<sip:alice@ims.test>;tag=abc")
	req.AddHeader(message.HeaderTo, "<sip:alice@ims.test>")
	req.AddHeader(message.HeaderCallID, callID)
	req.AddHeader(message.HeaderCSeq, message.FormatCSeq(cseq, method))
	return req
}

func TestKey(t *testing.T) {
	invite := testRequest(message.MethodInvite, 1, "c1")
	cancel := testRequest(message.MethodCancel, 1, "c1")

	k1, err := Key(invite)
	require.NoError(t, err)
	k2, err := Key(cancel)
	require.NoError(t, err)
	assert.Equal(t, "c1_1_INVITE", k1)
	assert.NotEqual(t, k1, k2)

	res := message.NewResponse(invite, message.StatusOK, "", "t")
	kr, err := Key(res)
	require.NoError(t, err)
	assert.Equal(t, k1, kr)

	bad := message.NewRequest(message.MethodOptions, "sip:x")
	_, err = Key(bad)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestSendAndWaitFinalResponse(t *testing.T) {
	sender := newCaptureSender()
	m := NewManager(sender)
	defer m.Close()

	req := testRequest(message.MethodRegister, 1, "reg-1")

	var (
		provisional []int
		provMu      sync.Mutex
		provDone    = make(chan struct{})
	)
	go func() {
		sent := <-sender.sent
		// ответы приходят из "горутины приема"
		assert.True(t, m.HandleResponse(message.NewResponse(sent, message.StatusTrying, "", "")))
		assert.True(t, m.HandleResponse(message.NewResponse(sent, message.StatusOK, "", "srv")))
	}()

	res, err := m.SendAndWait(context.Background(), req, time.Second, WithProvisional(func(r *message.Response) {
		provMu.Lock()
		provisional = append(provisional, r.StatusCode)
		provMu.Unlock()
		close(provDone)
	}))
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, message.StatusOK, res.StatusCode)
	assert.Equal(t, "reg-1_1_REGISTER", res.Transaction().ID())

	select {
	case <-provDone:
	case <-time.After(time.Second):
		t.Fatal("1xx не доставлен")
	}
	provMu.Lock()
	assert.Equal(t, []int{message.StatusTrying}, provisional)
	provMu.Unlock()

	assert.Equal(t, 0, m.Pending())
	st := m.Stats()
	assert.Equal(t, uint64(1), st.Sent)
	assert.Equal(t, uint64(1), st.Completed)
}

func TestSendAndWaitTimeout(t *testing.T) {
	m := NewManager(SenderFunc(func(context.Context, *message.Request) error { return nil }))
	defer m.Close()

	req := testRequest(message.MethodRegister, 7, "reg-timeout")
	start := time.Now()
	res, err := m.SendAndWait(context.Background(), req, 50*time.Millisecond)
	assert.Nil(t, res)
	require.Error(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "reg-timeout_7_REGISTER", te.ID)
	assert.True(t, te.Temporary())
	assert.True(t, IsTimeout(err))

	// timeout реализует net.Error
	var ne net.Error
	assert.True(t, errors.As(err, &ne))
	assert.True(t, ne.Timeout())

	// поздний ответ отбрасывается
	assert.False(t, m.HandleResponse(message.NewResponse(req, message.StatusOK, "", "x")))
	st := m.Stats()
	assert.Equal(t, uint64(1), st.TimedOut)
	assert.Equal(t, uint64(1), st.Dropped)
	assert.Equal(t, 0, m.Pending())
}

func TestCancelAllUnblocksWaiters(t *testing.T) {
	sender := newCaptureSender()
	m := NewManager(sender)
	defer m.Close()

	errs := make(chan error, 2)
	for i, method := range []string{message.MethodInvite, message.MethodUpdate} {
		req := testRequest(method, uint32(i+1), "session-1")
		go func() {
			_, err := m.SendAndWait(context.Background(), req, 10*time.Second)
			errs <- err
		}()
	}
	sender.next(t)
	sender.next(t)

	other := testRequest(message.MethodOptions, 1, "other-call")
	tx, err := m.Send(context.Background(), other)
	require.NoError(t, err)
	sender.next(t)

	start := time.Now()
	assert.Equal(t, 2, m.CancelAll("session-1"))
	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, ErrCanceled)
		case <-time.After(time.Second):
			t.Fatal("ожидание не отменено")
		}
	}
	assert.Less(t, time.Since(start), time.Second)

	// чужой диалог не затронут
	assert.Equal(t, StateCalling, tx.State())
	require.True(t, m.HandleResponse(message.NewResponse(other, message.StatusOK, "", "o")))
	res, err := m.Wait(context.Background(), tx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, message.StatusOK, res.StatusCode)
	assert.Equal(t, uint64(2), m.Stats().Canceled)
}

func TestContextCancellation(t *testing.T) {
	m := NewManager(SenderFunc(func(context.Context, *message.Request) error { return nil }))
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := m.SendAndWait(ctx, testRequest(message.MethodSubscribe, 1, "sub"), 5*time.Second)
	assert.ErrorIs(t, err, ErrCanceled)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSendFailure(t *testing.T) {
	sender := newCaptureSender()
	sender.err = errors.New("network unreachable")
	m := NewManager(sender)
	defer m.Close()

	_, err := m.SendAndWait(context.Background(), testRequest(message.MethodRegister, 1, "c"), time.Second)
	assert.ErrorIs(t, err, ErrTransportFailure)
	assert.Equal(t, 0, m.Pending())
}

func TestDuplicateTransaction(t *testing.T) {
	m := NewManager(SenderFunc(func(context.Context, *message.Request) error { return nil }))

	req := testRequest(message.MethodRegister, 1, "dup")
	tx, err := m.Send(context.Background(), req)
	require.NoError(t, err)

	_, err = m.Send(context.Background(), testRequest(message.MethodRegister, 1, "dup"))
	assert.ErrorIs(t, err, ErrTransactionExists)

	require.NoError(t, m.Close())
	_, err = m.Wait(context.Background(), tx, time.Second)
	assert.ErrorIs(t, err, ErrCanceled)

	_, err = m.Send(context.Background(), testRequest(message.MethodRegister, 2, "dup"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestDuplicateFinalResponseDropped(t *testing.T) {
	m := NewManager(SenderFunc(func(context.Context, *message.Request) error { return nil }))
	defer m.Close()

	req := testRequest(message.MethodRegister, 3, "c3")
	tx, err := m.Send(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, m.HandleResponse(message.NewResponse(req, message.StatusUnauthorized, "", "")))
	assert.False(t, m.HandleResponse(message.NewResponse(req, message.StatusOK, "", "")))
	assert.False(t, m.HandleResponse(message.NewResponse(req, message.StatusRinging, "", "")))

	assert.Equal(t, StateCompleted, tx.State())
	assert.Equal(t, message.StatusUnauthorized, tx.StatusCode())
	res, err := m.Wait(context.Background(), tx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, message.StatusUnauthorized, res.StatusCode)
}

type recordingObserver struct {
	mu      sync.Mutex
	results []string
}

func (o *recordingObserver) TransactionFinished(method, result string, _ time.Duration) {
	o.mu.Lock()
	o.results = append(o.results, method+":"+result)
	o.mu.Unlock()
}

func TestObserver(t *testing.T) {
	obs := &recordingObserver{}
	m := NewManager(SenderFunc(func(context.Context, *message.Request) error { return nil }), WithObserver(obs))
	defer m.Close()

	_, err := m.SendAndWait(context.Background(), testRequest(message.MethodOptions, 1, "o"), 10*time.Millisecond)
	require.Error(t, err)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, []string{"OPTIONS:timeout"}, obs.results)
}

func TestRetransmitUntilFinalResponse(t *testing.T) {
	sender := newCaptureSender()
	m := NewManager(sender, WithRetransmission(10*time.Millisecond, 40*time.Millisecond))
	defer m.Close()

	req := testRequest(message.MethodRegister, 1, "rtx")
	tx, err := m.Send(context.Background(), req)
	require.NoError(t, err)

	first := sender.next(t)
	again := sender.next(t)
	assert.Same(t, first, again, "повтор того же запроса")
	sender.next(t)

	require.True(t, m.HandleResponse(message.NewResponse(req, message.StatusOK, "", "srv")))
	_, err = m.Wait(context.Background(), tx, time.Second)
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	retransmitted := m.Stats().Retransmitted
	assert.GreaterOrEqual(t, retransmitted, uint64(2))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, retransmitted, m.Stats().Retransmitted, "после финального ответа повторов нет")
	assert.Equal(t, uint64(1), m.Stats().Sent)
}

func TestInviteRetransmissionStopsOnProvisional(t *testing.T) {
	sender := newCaptureSender()
	m := NewManager(sender, WithRetransmission(10*time.Millisecond, 40*time.Millisecond))
	defer m.Close()

	req := testRequest(message.MethodInvite, 1, "inv")
	_, err := m.Send(context.Background(), req)
	require.NoError(t, err)
	sender.next(t)
	sender.next(t)

	require.True(t, m.HandleResponse(message.NewResponse(req, message.StatusRinging, "", "srv")))
	time.Sleep(30 * time.Millisecond)
	retransmitted := m.Stats().Retransmitted
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, retransmitted, m.Stats().Retransmitted, "1xx останавливает таймер A")
}

func TestFailureAckedAfterCancel(t *testing.T) {
	sender := newCaptureSender()
	m := NewManager(sender, WithAckBuilder(func(invite *message.Request, res *message.Response) *message.Request {
		seq, _, _ := invite.CSeq()
		ack := testRequest(message.MethodAck, seq, invite.CallID())
		ack.SetHeader(message.HeaderVia, invite.HeaderValue(message.HeaderVia))
		ack.SetHeader(message.HeaderTo, res.HeaderValue(message.HeaderTo))
		return ack
	}))
	defer m.Close()

	invite := testRequest(message.MethodInvite, 1, "abort")
	tx, err := m.Send(context.Background(), invite)
	require.NoError(t, err)
	sender.next(t)

	assert.Equal(t, 1, m.CancelAll("abort"))
	_, err = m.Wait(context.Background(), tx, time.Second)
	require.ErrorIs(t, err, ErrCanceled)

	terminated := message.NewResponse(invite, message.StatusRequestTerminated, "", "callee")
	assert.False(t, m.HandleResponse(terminated), "ожидание уже снято")
	ack := sender.next(t)
	assert.Equal(t, message.MethodAck, ack.Method)
	assert.Equal(t, message.Branch(invite), message.Branch(ack))
	assert.Equal(t, "callee", ack.ToTag())

	// повтор 487 снова получает ACK
	m.HandleResponse(message.NewResponse(invite, message.StatusRequestTerminated, "", "callee"))
	sender.next(t)
	require.Eventually(t, func() bool { return m.Stats().Acked == 2 }, time.Second, 5*time.Millisecond)
}

func TestSuccessNotAckedByTransaction(t *testing.T) {
	sender := newCaptureSender()
	acks := 0
	m := NewManager(sender, WithAckBuilder(func(invite *message.Request, _ *message.Response) *message.Request {
		acks++
		return invite
	}))
	defer m.Close()

	invite := testRequest(message.MethodInvite, 1, "ok")
	go func() {
		sent := <-sender.sent
		m.HandleResponse(message.NewResponse(sent, message.StatusOK, "", "callee"))
	}()
	res, err := m.SendAndWait(context.Background(), invite, time.Second)
	require.NoError(t, err)
	assert.Equal(t, message.StatusOK, res.StatusCode)
	assert.Zero(t, acks, "ACK на 2xx строит диалог")
}
