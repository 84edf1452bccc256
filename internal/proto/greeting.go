// Package proto is the transfer protocol every role daemon speaks on its
// listen port: a greeting handshake, a dispatch table keyed by protocol
// name, and the wdiff-send protocol itself. Grounded on
// original_source/binsrc/storage-server.cpp's
// protocol::serverDispatch(sock, nodeId, procStat, storageHandlerMap)
// call and spec.md §4.8 ("Transfer protocol"); the retrieved source tree
// does not carry a protocol.hpp, so the wire-level framing below is this
// package's own expression of §4.8's prose rather than a literal port.
package proto

import (
	"encoding/binary"
	"io"
	"net"

	"github.com/cybozu-go/walb-tools/internal/walberr"
)

// maxWireString caps a greeting/protocol-name field, guarding against a
// garbled length prefix turning into a multi-gigabyte allocation.
const maxWireString = 4096

// writeString writes a uint16-length-prefixed UTF-8 string.
func writeString(w io.Writer, s string) error {
	if len(s) > maxWireString {
		return walberr.New(walberr.InvalidFormat, "proto: string %q exceeds wire limit", s)
	}
	var lenBuf [2]byte
	binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(s)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return walberr.Wrap(walberr.IoError, err, "proto: write string length")
	}
	if len(s) == 0 {
		return nil
	}
	if _, err := io.WriteString(w, s); err != nil {
		return walberr.Wrap(walberr.IoError, err, "proto: write string body")
	}
	return nil
}

// readString reads a writeString-framed string.
func readString(r io.Reader) (string, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", walberr.Wrap(walberr.IoError, err, "proto: read string length")
	}
	n := binary.LittleEndian.Uint16(lenBuf[:])
	if n == 0 {
		return "", nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", walberr.Wrap(walberr.IoError, err, "proto: read string body")
	}
	return string(buf), nil
}

// Greeting is the connection's opening exchange, matching §4.8: "client
// dials a well-known port, then (clientId, protocolName) -> serverId
// greeting. On mismatch the server closes with ProtocolMismatch."
type Greeting struct {
	ClientID     string
	ProtocolName string
}

// SendGreeting writes the client's half of the handshake and returns the
// server's id, or a ProtocolMismatch error if the server rejected the
// protocol name.
func SendGreeting(conn net.Conn, g Greeting) (serverID string, err error) {
	if err := writeString(conn, g.ClientID); err != nil {
		return "", err
	}
	if err := writeString(conn, g.ProtocolName); err != nil {
		return "", err
	}
	ok, err := readAck(conn)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", walberr.New(walberr.ProtocolMismatch, "proto: server rejected protocol %q", g.ProtocolName)
	}
	return readString(conn)
}

// RecvGreeting reads the client's half of the handshake. The caller
// decides whether the protocol name is recognized and must call
// AckGreeting or RejectGreeting exactly once.
func RecvGreeting(conn net.Conn) (Greeting, error) {
	clientID, err := readString(conn)
	if err != nil {
		return Greeting{}, err
	}
	protoName, err := readString(conn)
	if err != nil {
		return Greeting{}, err
	}
	return Greeting{ClientID: clientID, ProtocolName: protoName}, nil
}

// AckGreeting accepts the handshake and sends this server's id.
func AckGreeting(conn net.Conn, serverID string) error {
	if err := writeAck(conn, true); err != nil {
		return err
	}
	return writeString(conn, serverID)
}

// RejectGreeting refuses the handshake; the caller should close conn
// afterward.
func RejectGreeting(conn net.Conn) error {
	return writeAck(conn, false)
}

func writeAck(w io.Writer, ok bool) error {
	b := byte(0)
	if ok {
		b = 1
	}
	if _, err := w.Write([]byte{b}); err != nil {
		return walberr.Wrap(walberr.IoError, err, "proto: write greeting ack")
	}
	return nil
}

func readAck(r io.Reader) (bool, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return false, walberr.Wrap(walberr.IoError, err, "proto: read greeting ack")
	}
	return b[0] != 0, nil
}
