package transport

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arzzra/ims_core/pkg/sip/message"
)

// maxDatagramSize максимальный размер UDP датаграммы
const maxDatagramSize = 65535

var noDeadline time.Time

// PacketTransport SIP транспорт поверх любого net.PacketConn (UDP или
// in-memory сеть в тестах)
type PacketTransport struct {
	conn    net.PacketConn
	network string
	parser  *message.Parser
	logger  *slog.Logger
	resolve func(addr string) (net.Addr, error)

	handler atomic.Pointer[Handler]
	closed  atomic.Bool
	wg      sync.WaitGroup

	sent, received           atomic.Uint64
	bytesSent, bytesReceived atomic.Uint64
	parseErrors, errs        atomic.Uint64
}

var _ Transport = (*PacketTransport)(nil)

// PacketOption настраивает PacketTransport
type PacketOption func(*PacketTransport)

// WithLogger задает логгер
func WithLogger(logger *slog.Logger) PacketOption {
	return func(t *PacketTransport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithParser задает парсер входящих сообщений
func WithParser(p *message.Parser) PacketOption {
	return func(t *PacketTransport) { t.parser = p }
}

// WithResolver задает разрешение адресов назначения
func WithResolver(resolve func(addr string) (net.Addr, error)) PacketOption {
	return func(t *PacketTransport) { t.resolve = resolve }
}

// NewPacketTransport создает транспорт и запускает горутину чтения
func NewPacketTransport(conn net.PacketConn, opts ...PacketOption) *PacketTransport {
	network := conn.LocalAddr().Network()
	t := &PacketTransport{
		conn:    conn,
		network: "udp",
		parser:  message.NewParser(),
		logger:  slog.Default(),
	}
	if !strings.HasPrefix(network, "udp") {
		t.network = network
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.resolve == nil {
		t.resolve = defaultResolver(network)
	}
	t.logger = t.logger.With(
		slog.String("component", "transport"),
		slog.String("local", conn.LocalAddr().String()))

	t.wg.Add(1)
	go t.readLoop()
	return t
}

// ListenUDP открывает UDP сокет на addr и создает транспорт
func ListenUDP(addr string, opts ...PacketOption) (*PacketTransport, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, &Error{Transport: "udp", Operation: "listen", Err: err}
	}
	return NewPacketTransport(conn, opts...), nil
}

func defaultResolver(network string) func(string) (net.Addr, error) {
	if strings.HasPrefix(network, "udp") {
		return func(addr string) (net.Addr, error) {
			return net.ResolveUDPAddr("udp", addr)
		}
	}
	return func(addr string) (net.Addr, error) {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return nil, err
		}
		return packetAddr{network: network, addr: addr}, nil
	}
}

type packetAddr struct {
	network string
	addr    string
}

func (a packetAddr) Network() string { return a.network }
func (a packetAddr) String() string  { return a.addr }

func (t *PacketTransport) Network() string { return t.network }

func (t *PacketTransport) LocalAddr() net.Addr { return t.conn.LocalAddr() }

func (t *PacketTransport) OnMessage(handler Handler) {
	t.handler.Store(&handler)
}

// Send кодирует сообщение и отправляет одну датаграмму
func (t *PacketTransport) Send(ctx context.Context, msg message.Message, addr string) error {
	if t.closed.Load() {
		return &Error{Transport: t.network, Operation: "send", Err: ErrTransportClosed}
	}
	if err := ctx.Err(); err != nil {
		return &Error{Transport: t.network, Operation: "send", Err: err}
	}

	dst, err := t.resolve(addr)
	if err != nil {
		return &Error{Transport: t.network, Operation: "resolve address", Err: errors.Join(ErrInvalidAddress, err)}
	}

	data := msg.Encode()
	if len(data) > maxDatagramSize {
		return &Error{Transport: t.network, Operation: "send", Err: ErrMessageTooLarge}
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(deadline)
		defer t.conn.SetWriteDeadline(noDeadline)
	}

	n, err := t.conn.WriteTo(data, dst)
	if err != nil {
		t.errs.Add(1)
		return &Error{
			Transport: t.network,
			Operation: "send",
			Err:       err,
			Temporary: isTemporary(err),
		}
	}

	t.sent.Add(1)
	t.bytesSent.Add(uint64(n))
	t.logger.Debug("message sent",
		slog.String("to", addr),
		slog.String("start_line", msg.StartLine()))
	return nil
}

// Close закрывает сокет и дожидается завершения горутины чтения
func (t *PacketTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := t.conn.Close()
	t.wg.Wait()
	return err
}

func (t *PacketTransport) Stats() Stats {
	return Stats{
		MessagesSent:     t.sent.Load(),
		MessagesReceived: t.received.Load(),
		BytesSent:        t.bytesSent.Load(),
		BytesReceived:    t.bytesReceived.Load(),
		ParseErrors:      t.parseErrors.Load(),
		Errors:           t.errs.Load(),
	}
}

func (t *PacketTransport) readLoop() {
	defer t.wg.Done()

	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := t.conn.ReadFrom(buf)
		if err != nil {
			if t.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			t.errs.Add(1)
			t.logger.Warn("read failed", slog.Any("error", err))
			continue
		}
		t.bytesReceived.Add(uint64(n))

		// keep-alive CRLF
		if len(strings.TrimSpace(string(buf[:n]))) == 0 {
			continue
		}

		msg, err := t.parser.Parse(buf[:n])
		if err != nil {
			t.parseErrors.Add(1)
			t.logger.Warn("malformed message dropped",
				slog.String("from", from.String()),
				slog.Any("error", err))
			continue
		}
		t.received.Add(1)

		h := t.handler.Load()
		if h == nil || *h == nil {
			t.logger.Debug("no handler, message dropped", slog.String("from", from.String()))
			continue
		}
		(*h)(msg, from)
	}
}
