package tunnel

import (
	"bufio"
	"context"
	"net"
	"strings"

	"go.uber.org/zap"
)

// Pool is a fixed-size set of Repeater slots plus the command port that
// toggles them, matching packet-repeater.cpp's worker vector and
// cmdThread.
type Pool struct {
	workers []*Repeater
	logger  *zap.SugaredLogger
}

// NewPool starts n Repeaters dialing serverAddr, all sharing opts.
func NewPool(ctx context.Context, serverAddr string, n int, opts Options, logger *zap.SugaredLogger) *Pool {
	p := &Pool{logger: logger}
	for i := 0; i < n; i++ {
		p.workers = append(p.workers, NewRepeater(ctx, serverAddr, opts, logger))
	}
	return p
}

// Dispatch hands client to the first idle worker, matching the accept
// loop's worker scan in packet-repeater.cpp's main(). It reports false if
// every worker is currently busy.
func (p *Pool) Dispatch(client net.Conn) bool {
	for _, w := range p.workers {
		if w.TryAndRun(client) {
			return true
		}
	}
	return false
}

// SetStopped toggles every worker's forwarding state, matching cmdThread's
// "stop"/"start" commands.
func (p *Pool) SetStopped(stopped bool) {
	for _, w := range p.workers {
		w.SetStopped(stopped)
	}
}

// ServeCommands runs the command-port accept loop: one line per
// connection, "stop"/"start"/"quit" understood, an 'a' byte acked back,
// matching cmdThread. It returns when ctx is cancelled or the listener
// closes.
func ServeCommands(ctx context.Context, ln net.Listener, pool *Pool, onQuit func()) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return err
		}
		go handleCommandConn(conn, pool, onQuit)
	}
}

func handleCommandConn(conn net.Conn, pool *Pool, onQuit func()) {
	defer conn.Close()
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && line == "" {
		return
	}
	cmd := strings.TrimRight(line, "\r\n")
	switch cmd {
	case "quit":
		if onQuit != nil {
			onQuit()
		}
	case "stop":
		pool.SetStopped(true)
	case "start":
		pool.SetStopped(false)
	}
	conn.Write([]byte{'a'})
}
