package proto

import (
	"net"

	"go.uber.org/zap"
)

// Handler serves one accepted connection after a successful greeting.
// clientID comes from the already-consumed Greeting. The Dispatcher
// closes conn when the handler returns; handlers must not close it
// themselves.
type Handler func(conn net.Conn, clientID string) error

// Table maps a protocol name to the handler that serves it, matching
// storage-server.cpp's storageHandlerMap passed to
// protocol::serverDispatch.
type Table map[string]Handler

// Dispatcher runs one role daemon's accept loop: for every accepted
// connection, it completes the greeting, looks the protocol name up in
// its Table, and hands the connection to a bounded worker pool sized by
// maxForegroundTasks, matching §5's "bounded worker pool (configurable
// foreground task count)". A call that finds the pool full blocks until
// a slot frees, matching the original's fixed-size
// MultiThreadedServer(concurrency) rather than spawning unboundedly.
type Dispatcher struct {
	serverID string
	table    Table
	sem      chan struct{}
	logger   *zap.SugaredLogger
}

// NewDispatcher builds a Dispatcher that identifies itself as serverID
// in every greeting ack and runs at most maxForegroundTasks handlers
// concurrently.
func NewDispatcher(serverID string, table Table, maxForegroundTasks int, logger *zap.SugaredLogger) *Dispatcher {
	if maxForegroundTasks <= 0 {
		maxForegroundTasks = 1
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Dispatcher{
		serverID: serverID,
		table:    table,
		sem:      make(chan struct{}, maxForegroundTasks),
		logger:   logger,
	}
}

// Serve accepts connections from ln until it errors (typically because
// the caller closed it, e.g. on a forceQuit signal), greeting and
// dispatching each one in its own goroutine gated by the worker-pool
// semaphore.
func (d *Dispatcher) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		d.sem <- struct{}{}
		go func() {
			defer func() { <-d.sem }()
			d.handleOne(conn)
		}()
	}
}

func (d *Dispatcher) handleOne(conn net.Conn) {
	defer conn.Close()
	g, err := RecvGreeting(conn)
	if err != nil {
		d.logger.Infow("proto: greeting read failed", "error", err)
		return
	}
	handler, ok := d.table[g.ProtocolName]
	if !ok {
		if err := RejectGreeting(conn); err != nil {
			d.logger.Infow("proto: reject write failed", "error", err)
		}
		return
	}
	if err := AckGreeting(conn, d.serverID); err != nil {
		d.logger.Infow("proto: ack write failed", "error", err)
		return
	}
	if err := handler(conn, g.ClientID); err != nil {
		d.logger.Infow("proto: handler failed", "protocol", g.ProtocolName, "error", err)
	}
}
