package proto

import (
	"context"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/cybozu-go/walb-tools/internal/meta"
	"github.com/cybozu-go/walb-tools/internal/walberr"
	"github.com/cybozu-go/walb-tools/internal/wdiff"
)

// Client dials a role daemon's listen port and speaks its transfer
// protocol, retrying the whole round trip on failure per §4.8: "the
// client retries after backoff; the server must be idempotent for a
// retried (volumeId, MetaDiff)."
type Client struct {
	ClientID    string
	Addr        string
	DialTimeout time.Duration
	Backoff     backoff.BackOff
}

// NewClient builds a Client with a default exponential backoff capped
// at 30s between attempts and a 2-minute overall ceiling, matching the
// original's delaySecForRetry option generalized into a standard
// backoff curve.
func NewClient(clientID, addr string) *Client {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 2 * time.Minute
	return &Client{
		ClientID:    clientID,
		Addr:        addr,
		DialTimeout: 10 * time.Second,
		Backoff:     b,
	}
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: c.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.Addr)
	if err != nil {
		return nil, walberr.Wrap(walberr.IoError, err, "proto: dial %s", c.Addr)
	}
	return conn, nil
}

// SendWdiff dials c.Addr, greets as protocolName WdiffSendProtocol, and
// streams the reader returned by open via SendWdiff, retrying the entire
// attempt (including the greeting) under c.Backoff until it succeeds,
// ctx is cancelled, or the backoff policy gives up. open is called
// afresh on every attempt, so each retry streams the wdiff from its
// start.
func (c *Client) SendWdiff(ctx context.Context, volumeID string, diff meta.Diff, open func() (*wdiff.SortedReader, error)) error {
	b := backoff.WithContext(c.Backoff, ctx)
	return backoff.Retry(func() error {
		conn, err := c.dial(ctx)
		if err != nil {
			return err
		}
		defer conn.Close()

		serverID, err := SendGreeting(conn, Greeting{ClientID: c.ClientID, ProtocolName: WdiffSendProtocol})
		if err != nil {
			if walberr.Is(err, walberr.ProtocolMismatch) {
				return backoff.Permanent(err)
			}
			return err
		}
		_ = serverID

		src, err := open()
		if err != nil {
			return backoff.Permanent(err)
		}
		return SendWdiff(conn, volumeID, diff, src)
	}, b)
}
