// Package tunnel is a duplex socket repeater: accept a client, dial a
// fixed upstream server, and shuttle bytes both ways until either side
// closes, with an optional per-direction rate cap and injected delay.
// Grounded on original_source/binsrc/packet-repeater.cpp's Repeater,
// reusing its exact state enumeration (Sleep/Ready/Running/Closing0/1/
// Close0/1/Error0/1) and compare-exchange transition guards, but
// replacing its busy-polling accept/read loops (queryAccept spun in a
// tight while) with blocking net.Conn reads driven by goroutines — the
// idiomatic Go translation of "one OS thread parked on a socket", not a
// literal port of the original's poll loop.
package tunnel

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

type state int32

const (
	stateSleep state = iota
	stateReady
	stateRunning
	stateClosing0
	stateClosing1
	stateClose0
	stateClose1
	stateError0
	stateError1
)

// Options configures one Repeater's throttling behavior, matching
// packet-repeater.cpp's Option::delaySec/rateMbps.
type Options struct {
	// Delay is injected before every relayed write, matching -d.
	Delay time.Duration
	// RateBytesPerSec caps each direction's relay throughput; zero
	// means unlimited, matching -r (there: megabits/sec).
	RateBytesPerSec float64
}

// Repeater owns one duplex client<->server pairing slot. Its two
// directions (client->server, server->client) each run in their own
// goroutine for the Repeater's entire lifetime; TryAndRun hands it a
// freshly accepted client connection when the slot is free (stateSleep),
// matching the original's fixed worker-pool sizing (-t threadNum).
type Repeater struct {
	serverAddr string
	opts       Options
	logger     *zap.SugaredLogger

	state atomic.Int32

	mu    sync.Mutex
	conns [2]net.Conn // conns[0] = client, conns[1] = server

	stopped atomic.Bool // the command port's "stop"/"start" toggle
}

// NewRepeater starts a Repeater dialing serverAddr for every accepted
// client, running until ctx is cancelled.
func NewRepeater(ctx context.Context, serverAddr string, opts Options, logger *zap.SugaredLogger) *Repeater {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	r := &Repeater{serverAddr: serverAddr, opts: opts, logger: logger}
	r.state.Store(int32(stateSleep))
	for dir := 0; dir < 2; dir++ {
		go r.loop(ctx, dir)
	}
	return r
}

// SetStopped toggles whether relayed bytes are actually forwarded
// (matching the command port's "stop"/"start" verbs): connections stay
// open and reads keep draining, but writes to the peer are suppressed.
func (r *Repeater) SetStopped(stopped bool) { r.stopped.Store(stopped) }

// State reports the repeater's current state, for tests and status
// reporting.
func (r *Repeater) State() string {
	switch state(r.state.Load()) {
	case stateSleep:
		return "Sleep"
	case stateReady:
		return "Ready"
	case stateRunning:
		return "Running"
	case stateClosing0, stateClosing1:
		return "Closing"
	case stateClose0, stateClose1:
		return "Close"
	case stateError0, stateError1:
		return "Error"
	default:
		return "Unknown"
	}
}

// TryAndRun claims this repeater for client if it is idle (stateSleep),
// dialing serverAddr and wiring both directions. It returns false if the
// repeater was already busy — the caller should try the next one in its
// pool, matching packet-repeater.cpp's worker-scan loop.
func (r *Repeater) TryAndRun(client net.Conn) bool {
	if !r.state.CompareAndSwap(int32(stateSleep), int32(stateReady)) {
		return false
	}
	server, err := net.Dial("tcp", r.serverAddr)
	if err != nil {
		r.logger.Infow("tunnel: dial upstream failed", "addr", r.serverAddr, "error", err)
		client.Close()
		r.state.Store(int32(stateSleep))
		return true
	}
	r.mu.Lock()
	r.conns[0] = client
	r.conns[1] = server
	r.mu.Unlock()
	r.state.Store(int32(stateRunning))
	return true
}

func (r *Repeater) connFor(dir int) net.Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns[dir]
}

func (r *Repeater) loop(ctx context.Context, dir int) {
	buf := make([]byte, 32*1024)
	var limiter rateLimiter
	if r.opts.RateBytesPerSec > 0 {
		limiter = newTokenBucket(r.opts.RateBytesPerSec)
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		switch state(r.state.Load()) {
		case stateSleep:
			time.Sleep(10 * time.Millisecond)
		case stateReady:
			time.Sleep(time.Millisecond)
		case stateRunning:
			from := r.connFor(dir)
			to := r.connFor(1 - dir)
			if from == nil {
				r.toError(dir)
				continue
			}
			if err := r.relayOnce(from, to, buf, limiter); err != nil {
				if err == io.EOF {
					r.toClosing(dir)
				} else {
					from.Close()
					r.toError(dir)
				}
			}
		case stateClosing0, stateClosing1:
			r.handleClosing(dir, buf, limiter)
		case stateClose0, stateClose1:
			r.handleClose(dir)
		case stateError0, stateError1:
			r.handleError(dir)
		}
	}
}

func (r *Repeater) relayOnce(from, to net.Conn, buf []byte, limiter rateLimiter) error {
	from.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	n, err := from.Read(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil
		}
		return io.EOF
	}
	if n == 0 {
		return nil
	}
	if limiter != nil {
		limiter.wait(n)
	}
	if r.stopped.Load() || to == nil {
		return nil
	}
	if r.opts.Delay > 0 {
		time.Sleep(r.opts.Delay)
	}
	_, err = to.Write(buf[:n])
	return err
}

func (r *Repeater) toClosing(dir int) {
	want := stateClosing1
	if dir == 0 {
		want = stateClosing0
	}
	r.state.CompareAndSwap(int32(stateRunning), int32(want))
	if to := r.connFor(1 - dir); to != nil {
		if tc, ok := to.(interface{ CloseWrite() error }); ok {
			tc.CloseWrite()
		}
	}
}

// handleClosing mirrors packet-repeater.cpp's handleClosing: the
// direction that triggered the half-close (doesSetClose) just waits,
// having already shut its write side down; the other direction keeps
// relaying until it too observes EOF, then closes its own read side and
// advances to the matching Close state.
func (r *Repeater) handleClosing(dir int, buf []byte, limiter rateLimiter) {
	cur := state(r.state.Load())
	doesSetClose := (cur == stateClosing0 && dir == 0) || (cur == stateClosing1 && dir == 1)
	if doesSetClose {
		time.Sleep(time.Millisecond)
		return
	}
	from := r.connFor(dir)
	to := r.connFor(1 - dir)
	if from != nil {
		if err := r.relayOnce(from, to, buf, limiter); err == nil {
			return
		}
		from.Close()
	}
	next := stateClose1
	if dir == 1 {
		next = stateClose0
	}
	r.state.Store(int32(next))
}

// handleClose mirrors packet-repeater.cpp's handleClose: the direction
// named by the current Close state performs the actual teardown (closes
// its own connection, resets the pair to Sleep); the other direction
// just waits for that to happen.
func (r *Repeater) handleClose(dir int) {
	cur := state(r.state.Load())
	doesSetClose := (cur == stateClose0 && dir == 0) || (cur == stateClose1 && dir == 1)
	if !doesSetClose {
		time.Sleep(time.Millisecond)
		return
	}
	if from := r.connFor(dir); from != nil {
		from.Close()
	}
	r.mu.Lock()
	r.conns[0], r.conns[1] = nil, nil
	r.mu.Unlock()
	r.state.Store(int32(stateSleep))
}

// handleError mirrors packet-repeater.cpp's handleError: the direction
// that raised the error (doesSetError) already closed its own socket
// before setting the Error state, so it just waits; the other direction
// closes everything and resets the pair to Sleep.
func (r *Repeater) handleError(dir int) {
	cur := state(r.state.Load())
	doesSetError := (cur == stateError0 && dir == 0) || (cur == stateError1 && dir == 1)
	if doesSetError {
		time.Sleep(time.Millisecond)
		return
	}
	r.mu.Lock()
	for i, c := range r.conns {
		if c != nil {
			c.Close()
		}
		r.conns[i] = nil
	}
	r.mu.Unlock()
	r.state.Store(int32(stateSleep))
}

func (r *Repeater) toError(dir int) {
	want := stateError1
	if dir == 0 {
		want = stateError0
	}
	r.state.CompareAndSwap(int32(stateRunning), int32(want))
}
