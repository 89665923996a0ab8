package dispatch_test

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/jroosing/hydradns/internal/dispatch"
	"github.com/stretchr/testify/require"
)

func TestDispatcherRegisterAndDeliver(t *testing.T) {
	d, err := dispatch.Listen("udp4", nil)
	require.NoError(t, err)
	defer d.Close()

	peer, err := net.ListenUDP("udp4", &net.UDPAddr{})
	require.NoError(t, err)
	defer peer.Close()

	peerAddr := netip.MustParseAddrPort(peer.LocalAddr().String())
	id, ch, err := d.Register(peerAddr)
	require.NoError(t, err)

	go func() {
		buf := make([]byte, 512)
		n, from, rerr := peer.ReadFromUDP(buf)
		require.NoError(t, rerr)
		resp := make([]byte, n)
		binary.BigEndian.PutUint16(resp, id)
		copy(resp[2:], buf[2:n])
		_, _ = peer.WriteToUDP(resp, from)
	}()

	query := make([]byte, 12)
	binary.BigEndian.PutUint16(query, id)
	require.NoError(t, d.Send(peerAddr, query))

	select {
	case resp := <-ch:
		require.NoError(t, resp.Err)
		require.Equal(t, id, binary.BigEndian.Uint16(resp.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for response")
	}
}

func TestDispatcherUnregisterDropsUnsolicited(t *testing.T) {
	d, err := dispatch.Listen("udp4", nil)
	require.NoError(t, err)
	defer d.Close()

	peerAddr := netip.MustParseAddrPort("127.0.0.1:9")
	id, ch, err := d.Register(peerAddr)
	require.NoError(t, err)
	d.Unregister(id, peerAddr)

	select {
	case <-ch:
		t.Fatal("unregistered query should not receive a response")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBindEphemeralPortWithinRange(t *testing.T) {
	d, err := dispatch.Listen("udp4", nil)
	require.NoError(t, err)
	defer d.Close()

	addr, ok := d.LocalAddr().(*net.UDPAddr)
	require.True(t, ok)
	require.GreaterOrEqual(t, addr.Port, dispatch.PortRangeLow)
	require.LessOrEqual(t, addr.Port, dispatch.PortRangeHigh)
}

func TestTCPQueryRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, aerr := ln.Accept()
		if aerr != nil {
			return
		}
		defer conn.Close()
		var lenBuf [2]byte
		if _, err := conn.Read(lenBuf[:]); err != nil {
			return
		}
		n := binary.BigEndian.Uint16(lenBuf[:])
		body := make([]byte, n)
		_, _ = conn.Read(body)

		resp := make([]byte, 2+len(body))
		binary.BigEndian.PutUint16(resp, uint16(len(body)))
		copy(resp[2:], body)
		_, _ = conn.Write(resp)
	}()

	addr := netip.MustParseAddrPort(ln.Addr().String())
	msg := []byte{0xAB, 0xCD, 0x01, 0x00}
	resp, err := dispatch.TCPQuery(context.Background(), addr, msg, time.Second)
	require.NoError(t, err)
	require.Equal(t, msg, resp)
}

// TestTCPQueryConcurrentDistinctMessages drives many concurrent TCPQuery
// calls with distinct message bodies, guarding against the pooled
// write-buffer (framePool) leaking one call's bytes into another's frame.
func TestTCPQueryConcurrentDistinctMessages(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		for {
			conn, aerr := ln.Accept()
			if aerr != nil {
				return
			}
			go func() {
				defer conn.Close()
				var lenBuf [2]byte
				if _, err := conn.Read(lenBuf[:]); err != nil {
					return
				}
				n := binary.BigEndian.Uint16(lenBuf[:])
				body := make([]byte, n)
				if _, err := conn.Read(body); err != nil {
					return
				}
				resp := make([]byte, 2+len(body))
				binary.BigEndian.PutUint16(resp, uint16(len(body)))
				copy(resp[2:], body)
				_, _ = conn.Write(resp)
			}()
		}
	}()

	addr := netip.MustParseAddrPort(ln.Addr().String())

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg := []byte(fmt.Sprintf("query-%02d", i))
			resp, err := dispatch.TCPQuery(context.Background(), addr, msg, time.Second)
			require.NoError(t, err)
			require.Equal(t, msg, resp)
		}()
	}
	wg.Wait()
}
