package dispatch

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/netip"
	"time"

	"github.com/jroosing/hydradns/internal/pool"
)

// MaxTCPMessageSize bounds a single length-prefixed TCP DNS message.
const MaxTCPMessageSize = 65535

// framePool recycles the write-side length-prefix buffer across TCPQuery
// calls; a resolver under load dials many short-lived TCP connections for
// truncated UDP responses (spec.md §4.4), and each one otherwise pays for
// a fresh allocation sized to the largest possible message.
var framePool = pool.New(func() []byte { return make([]byte, 2+MaxTCPMessageSize) })

// TCPQuery opens a fresh TCP connection to addr, writes msg with the
// 2-byte length prefix RFC 1035 §4.2.2 requires, reads back exactly one
// length-prefixed response, and closes the connection. Each call to
// resquery_send over TCP (spec.md §4.4) gets its own connection; the
// resolver does not pool or pipeline TCP queries.
func TCPQuery(ctx context.Context, addr netip.AddrPort, msg []byte, timeout time.Duration) ([]byte, error) {
	if len(msg) > MaxTCPMessageSize {
		return nil, fmt.Errorf("dispatch: message too large for TCP framing: %d bytes", len(msg))
	}

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else if timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(timeout))
	}

	buf := framePool.Get()
	defer framePool.Put(buf)
	framed := buf[:2+len(msg)]
	binary.BigEndian.PutUint16(framed, uint16(len(msg)))
	copy(framed[2:], msg)
	if _, err := conn.Write(framed); err != nil {
		return nil, err
	}

	var lenBuf [2]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return nil, err
	}
	respLen := binary.BigEndian.Uint16(lenBuf[:])
	resp := make([]byte, respLen)
	if _, err := io.ReadFull(conn, resp); err != nil {
		return nil, err
	}
	return resp, nil
}
