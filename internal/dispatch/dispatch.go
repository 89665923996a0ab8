// Package dispatch owns the resolver's outbound sockets: a shared UDP
// socket per address family that multiplexes many outstanding queries by
// 16-bit id, and a private-per-query TCP path for truncated responses.
//
// Grounded on the teacher's internal/server/udp_server.go and
// tcp_server.go: the receiver-goroutine-plus-registry shape is the same,
// turned around from "one socket, many clients" (a listening server) to
// "one socket, many outstanding queries" (a resolver).
package dispatch

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// PortRangeLow and PortRangeHigh bound the ephemeral source-port search
// (spec.md §6 "Ports").
const (
	PortRangeLow  = 5353
	PortRangeHigh = 5399
)

// MaxUDPMessageSize is the outbound UDP buffer size (spec.md §6).
const MaxUDPMessageSize = 512

var errNoPortAvailable = errors.New("dispatch: no UDP port available in configured range")

// Response is delivered to a registered query exactly once.
type Response struct {
	Data []byte
	From netip.AddrPort
	Err  error
}

type registration struct {
	addr netip.AddrPort
	ch   chan Response
}

// Dispatcher multiplexes outstanding UDP queries on one socket by
// (address, id), per spec.md §2 item 2 and §4.4.
type Dispatcher struct {
	logger *slog.Logger
	conn   *net.UDPConn

	mu      sync.Mutex
	pending map[uint16]map[netip.AddrPort]*registration
	closed  bool

	cancel context.CancelFunc
	done   chan struct{}
}

// Listen opens a UDP socket on network ("udp4" or "udp6"), searching
// PortRangeLow..PortRangeHigh for a free source port, and starts the
// receive loop.
func Listen(network string, logger *slog.Logger) (*Dispatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := bindEphemeralPort(network)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		logger:  logger,
		conn:    conn,
		pending: make(map[uint16]map[netip.AddrPort]*registration),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go d.recvLoop(ctx)
	return d, nil
}

// reuseAddrListenConfig sets SO_REUSEADDR before bind, so a source port
// left in TIME_WAIT by a previous process doesn't shrink the already
// narrow 5353-5399 search range.
var reuseAddrListenConfig = net.ListenConfig{
	Control: func(_, _ string, c syscall.RawConn) error {
		var sockErr error
		if err := c.Control(func(fd uintptr) {
			sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		}); err != nil {
			return err
		}
		return sockErr
	},
}

func bindEphemeralPort(network string) (*net.UDPConn, error) {
	var lastErr error
	for port := PortRangeLow; port <= PortRangeHigh; port++ {
		pc, err := reuseAddrListenConfig.ListenPacket(context.Background(), network, fmt.Sprintf(":%d", port))
		if err == nil {
			return pc.(*net.UDPConn), nil
		}
		lastErr = err
	}
	if lastErr != nil {
		return nil, fmt.Errorf("%w: %v", errNoPortAvailable, lastErr)
	}
	return nil, errNoPortAvailable
}

// LocalAddr returns the bound local address.
func (d *Dispatcher) LocalAddr() net.Addr { return d.conn.LocalAddr() }

// Register reserves a fresh 16-bit id for a query to addr and returns a
// channel that receives exactly one Response (or is abandoned by
// Unregister). This is the dispatcher's "addresponse" operation
// (spec.md §6 external collaborator contract).
func (d *Dispatcher) Register(addr netip.AddrPort) (id uint16, ch <-chan Response, err error) {
	respCh := make(chan Response, 1)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, nil, errors.New("dispatch: dispatcher is closed")
	}
	id, err = d.allocateIDLocked(addr)
	if err != nil {
		return 0, nil, err
	}
	if d.pending[id] == nil {
		d.pending[id] = make(map[netip.AddrPort]*registration)
	}
	d.pending[id][addr] = &registration{addr: addr, ch: respCh}
	return id, respCh, nil
}

func (d *Dispatcher) allocateIDLocked(addr netip.AddrPort) (uint16, error) {
	for attempt := 0; attempt < 64; attempt++ {
		id := randomID()
		if byAddr, ok := d.pending[id]; ok {
			if _, taken := byAddr[addr]; taken {
				continue
			}
		}
		return id, nil
	}
	return 0, errors.New("dispatch: could not allocate a free query id")
}

func randomID() uint16 {
	var b [2]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint16(b[:])
}

// Unregister removes a pending registration without waiting for a
// response (used when a query is canceled or replaced).
func (d *Dispatcher) Unregister(id uint16, addr netip.AddrPort) {
	d.mu.Lock()
	defer d.mu.Unlock()
	byAddr := d.pending[id]
	if byAddr == nil {
		return
	}
	delete(byAddr, addr)
	if len(byAddr) == 0 {
		delete(d.pending, id)
	}
}

// Send writes msg to addr over the shared UDP socket.
func (d *Dispatcher) Send(addr netip.AddrPort, msg []byte) error {
	_, err := d.conn.WriteToUDPAddrPort(msg, addr)
	return err
}

func (d *Dispatcher) recvLoop(ctx context.Context) {
	defer close(d.done)
	buf := make([]byte, 65535)
	for {
		if ctx.Err() != nil {
			return
		}
		n, from, err := d.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.logger.Debug("dispatch: udp read error", "error", err)
			continue
		}
		if n < 2 {
			continue
		}
		id := binary.BigEndian.Uint16(buf[0:2])
		data := make([]byte, n)
		copy(data, buf[:n])
		d.deliver(id, from, data)
	}
}

func (d *Dispatcher) deliver(id uint16, from netip.AddrPort, data []byte) {
	d.mu.Lock()
	byAddr := d.pending[id]
	var reg *registration
	if byAddr != nil {
		reg = byAddr[from]
		if reg != nil {
			delete(byAddr, from)
			if len(byAddr) == 0 {
				delete(d.pending, id)
			}
		}
	}
	d.mu.Unlock()

	if reg == nil {
		d.logger.Debug("dispatch: unsolicited response dropped", "from", from, "id", id)
		return
	}
	reg.ch <- Response{Data: data, From: from}
}

// Close shuts down the receive loop and the underlying socket.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	d.cancel()
	err := d.conn.Close()
	<-d.done
	return err
}
