// Package memnet предоставляет in-memory реализацию net.PacketConn для тестов.
//
// Network маршрутизирует датаграммы между соединениями по строковому адресу
// "host:port", что позволяет запускать два SIP стека в одном процессе без
// сокетов.
//
//	network := memnet.NewNetwork()
//	ue, _ := network.Listen("10.0.0.1:5060")
//	pcscf, _ := network.Listen("10.0.0.2:5060")
//	_, err := ue.WriteTo([]byte("OPTIONS ..."), pcscf.LocalAddr())
package memnet

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"os"
	"sync"
	"time"
)

// NetworkName имя сети, возвращаемое Addr.Network
const NetworkName = "memnet"

var (
	ErrAddressInUse = errors.New("address already in use")
	ErrUnreachable  = errors.New("destination unreachable")
	ErrBufferFull   = errors.New("receive buffer full")
)

// Addr адрес in-memory соединения
type Addr string

func (a Addr) Network() string { return NetworkName }
func (a Addr) String() string  { return string(a) }

// packet представляет пакет данных с адресом отправителя.
type packet struct {
	data []byte
	from net.Addr
}

// Network управляет соединениями и маршрутизацией пакетов.
type Network struct {
	mu         sync.RWMutex
	conns      map[string]*Conn
	bufferSize int
	dropRate   float64 // Вероятность потери пакета (0.0-1.0)
}

// NewNetwork создает пустую сеть
func NewNetwork() *Network {
	return &Network{
		conns:      make(map[string]*Conn),
		bufferSize: 128,
	}
}

// SetBufferSize устанавливает размер буфера для новых соединений.
func (n *Network) SetBufferSize(size int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.bufferSize = size
}

// SetDropRate устанавливает вероятность потери пакетов.
func (n *Network) SetDropRate(rate float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dropRate = min(max(rate, 0), 1)
}

// Listen создает соединение с адресом addr
func (n *Network) Listen(addr string) (*Conn, error) {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return nil, fmt.Errorf("memnet: listen %q: %w", addr, err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if _, exists := n.conns[addr]; exists {
		return nil, fmt.Errorf("memnet: listen %s: %w", addr, ErrAddressInUse)
	}
	c := &Conn{
		addr:     Addr(addr),
		network:  n,
		incoming: make(chan packet, n.bufferSize),
		closed:   make(chan struct{}),
	}
	n.conns[addr] = c
	return c, nil
}

// Addrs возвращает адреса всех открытых соединений
func (n *Network) Addrs() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	addrs := make([]string, 0, len(n.conns))
	for addr := range n.conns {
		addrs = append(addrs, addr)
	}
	return addrs
}

// Close закрывает все соединения
func (n *Network) Close() {
	n.mu.Lock()
	conns := make([]*Conn, 0, len(n.conns))
	for _, c := range n.conns {
		conns = append(conns, c)
	}
	n.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}

func (n *Network) remove(addr string) {
	n.mu.Lock()
	delete(n.conns, addr)
	n.mu.Unlock()
}

// deliver доставляет пакет по адресу to.
func (n *Network) deliver(to string, data []byte, from net.Addr) error {
	n.mu.RLock()
	c, ok := n.conns[to]
	dropRate := n.dropRate
	n.mu.RUnlock()

	// Эмуляция потери пакета
	if dropRate > 0 && rand.Float64() < dropRate {
		return nil
	}
	if !ok {
		return fmt.Errorf("memnet: %s: %w", to, ErrUnreachable)
	}

	pkt := packet{data: append([]byte(nil), data...), from: from}
	select {
	case <-c.closed:
		return fmt.Errorf("memnet: %s: %w", to, ErrUnreachable)
	default:
	}
	select {
	case c.incoming <- pkt:
		return nil
	case <-c.closed:
		return fmt.Errorf("memnet: %s: %w", to, ErrUnreachable)
	case <-time.After(100 * time.Millisecond):
		return fmt.Errorf("memnet: %s: %w", to, ErrBufferFull)
	}
}

// Conn реализует net.PacketConn поверх Network.
type Conn struct {
	addr    Addr
	network *Network

	incoming  chan packet
	closed    chan struct{}
	closeOnce sync.Once

	deadlineMu    sync.RWMutex
	readDeadline  time.Time
	writeDeadline time.Time
}

var _ net.PacketConn = (*Conn)(nil)

// ReadFrom читает пакет из соединения.
func (c *Conn) ReadFrom(b []byte) (int, net.Addr, error) {
	c.deadlineMu.RLock()
	deadline := c.readDeadline
	c.deadlineMu.RUnlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d <= 0 {
			return 0, nil, c.opError("read", os.ErrDeadlineExceeded)
		}
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-c.closed:
		return 0, nil, c.opError("read", net.ErrClosed)
	default:
	}

	select {
	case pkt := <-c.incoming:
		n := copy(b, pkt.data)
		return n, pkt.from, nil
	case <-timeout:
		return 0, nil, c.opError("read", os.ErrDeadlineExceeded)
	case <-c.closed:
		return 0, nil, c.opError("read", net.ErrClosed)
	}
}

// WriteTo отправляет пакет по адресу addr. Принимается любой net.Addr,
// маршрутизация выполняется по addr.String().
func (c *Conn) WriteTo(b []byte, addr net.Addr) (int, error) {
	select {
	case <-c.closed:
		return 0, c.opError("write", net.ErrClosed)
	default:
	}

	c.deadlineMu.RLock()
	deadline := c.writeDeadline
	c.deadlineMu.RUnlock()
	if !deadline.IsZero() && time.Now().After(deadline) {
		return 0, c.opError("write", os.ErrDeadlineExceeded)
	}

	if err := c.network.deliver(addr.String(), b, c.addr); err != nil {
		return 0, c.opError("write", err)
	}
	return len(b), nil
}

// Close закрывает соединение и освобождает адрес.
func (c *Conn) Close() error {
	err := c.opError("close", net.ErrClosed)
	c.closeOnce.Do(func() {
		close(c.closed)
		c.network.remove(string(c.addr))
		err = nil
	})
	return err
}

func (c *Conn) LocalAddr() net.Addr {
	return c.addr
}

// SetDeadline устанавливает deadline для всех операций ввода-вывода.
func (c *Conn) SetDeadline(t time.Time) error {
	c.deadlineMu.Lock()
	defer c.deadlineMu.Unlock()
	c.readDeadline = t
	c.writeDeadline = t
	return nil
}

// SetReadDeadline устанавливает deadline для операций чтения.
func (c *Conn) SetReadDeadline(t time.Time) error {
	c.deadlineMu.Lock()
	defer c.deadlineMu.Unlock()
	c.readDeadline = t
	return nil
}

// SetWriteDeadline устанавливает deadline для операций записи.
func (c *Conn) SetWriteDeadline(t time.Time) error {
	c.deadlineMu.Lock()
	defer c.deadlineMu.Unlock()
	c.writeDeadline = t
	return nil
}

func (c *Conn) opError(op string, err error) error {
	return &net.OpError{Op: op, Net: NetworkName, Addr: c.addr, Err: err}
}
