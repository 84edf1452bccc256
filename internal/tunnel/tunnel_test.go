package tunnel

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startEchoServer(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 4096)
				for {
					n, err := c.Read(buf)
					if n > 0 {
						c.Write(buf[:n])
					}
					if err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	return ln
}

func TestRepeaterRelaysBothWays(t *testing.T) {
	upstream := startEchoServer(t)
	defer upstream.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := NewRepeater(ctx, upstream.Addr().String(), Options{}, nil)

	clientLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer clientLn.Close()

	go func() {
		conn, err := clientLn.Accept()
		if err != nil {
			return
		}
		r.TryAndRun(conn)
	}()

	conn, err := net.Dial("tcp", clientLn.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return r.State() == "Running" }, time.Second, 5*time.Millisecond)

	_, err = conn.Write([]byte("hello\n"))
	require.NoError(t, err)

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "hello\n", line)
}

func TestRepeaterStoppedSuppressesForwarding(t *testing.T) {
	upstream := startEchoServer(t)
	defer upstream.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := NewRepeater(ctx, upstream.Addr().String(), Options{}, nil)
	r.SetStopped(true)

	clientLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer clientLn.Close()

	go func() {
		conn, err := clientLn.Accept()
		if err != nil {
			return
		}
		r.TryAndRun(conn)
	}()

	conn, err := net.Dial("tcp", clientLn.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return r.State() == "Running" }, time.Second, 5*time.Millisecond)

	_, err = conn.Write([]byte("hello\n"))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	buf := make([]byte, 16)
	_, err = conn.Read(buf)
	assert.Error(t, err, "expected a read timeout since forwarding is stopped")
}

func TestPoolDispatchExhaustsWorkers(t *testing.T) {
	upstream := startEchoServer(t)
	defer upstream.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := NewPool(ctx, upstream.Addr().String(), 1, Options{}, nil)

	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()
	assert.True(t, pool.Dispatch(c1))

	c3, c4 := net.Pipe()
	defer c3.Close()
	defer c4.Close()
	assert.False(t, pool.Dispatch(c3))
}
