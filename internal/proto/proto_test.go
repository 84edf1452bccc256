package proto

import (
	"bytes"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cybozu-go/walb-tools/internal/diffrec"
	"github.com/cybozu-go/walb-tools/internal/meta"
	"github.com/cybozu-go/walb-tools/internal/walberr"
	"github.com/cybozu-go/walb-tools/internal/wdiff"
)

func pipe(t *testing.T) (client, server net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	var srv net.Conn
	done := make(chan struct{})
	go func() {
		srv, _ = ln.Accept()
		close(done)
	}()
	cli, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	<-done
	return cli, srv
}

func TestGreetingAckRoundTrip(t *testing.T) {
	cli, srv := pipe(t)
	defer cli.Close()
	defer srv.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		g, err := RecvGreeting(srv)
		require.NoError(t, err)
		assert.Equal(t, "me", g.ClientID)
		assert.Equal(t, WdiffSendProtocol, g.ProtocolName)
		require.NoError(t, AckGreeting(srv, "archive0"))
	}()

	got, err := SendGreeting(cli, Greeting{ClientID: "me", ProtocolName: WdiffSendProtocol})
	require.NoError(t, err)
	assert.Equal(t, "archive0", got)
	wg.Wait()
}

func TestGreetingMismatchIsProtocolMismatch(t *testing.T) {
	cli, srv := pipe(t)
	defer cli.Close()
	defer srv.Close()

	go func() {
		_, err := RecvGreeting(srv)
		require.NoError(t, err)
		require.NoError(t, RejectGreeting(srv))
	}()

	_, err := SendGreeting(cli, Greeting{ClientID: "me", ProtocolName: "unknown-protocol"})
	require.Error(t, err)
	assert.True(t, walberr.Is(err, walberr.ProtocolMismatch))
}

func TestDispatcherRoutesByProtocolName(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	var gotClientID string
	table := Table{
		"echo": func(conn net.Conn, clientID string) error {
			gotClientID = clientID
			buf := make([]byte, 5)
			if _, err := conn.Read(buf); err != nil {
				return err
			}
			_, err := conn.Write(buf)
			return err
		},
	}
	d := NewDispatcher("server1", table, 2, nil)
	go d.Serve(ln)

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	serverID, err := SendGreeting(conn, Greeting{ClientID: "client9", ProtocolName: "echo"})
	require.NoError(t, err)
	assert.Equal(t, "server1", serverID)

	_, err = conn.Write([]byte("hello"))
	require.NoError(t, err)
	buf := make([]byte, 5)
	_, err = conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))

	require.Eventually(t, func() bool { return gotClientID == "client9" }, time.Second, 5*time.Millisecond)
}

func TestDispatcherRejectsUnknownProtocol(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	d := NewDispatcher("server1", Table{}, 2, nil)
	go d.Serve(ln)

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = SendGreeting(conn, Greeting{ClientID: "c", ProtocolName: "nope"})
	require.Error(t, err)
}

type fakeReceiver struct {
	mu       sync.Mutex
	accepted bool
	stored   map[string]meta.Diff
	dir      string
}

func (f *fakeReceiver) AcceptState(volumeID string) bool { return f.accepted }
func (f *fakeReceiver) Dir(volumeID string) (string, error) { return f.dir, nil }
func (f *fakeReceiver) AlreadyPresent(volumeID string, diff meta.Diff) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stored == nil {
		return false
	}
	existing, ok := f.stored[volumeID]
	return ok && existing.Equal(diff)
}
func (f *fakeReceiver) Store(volumeID string, diff meta.Diff, tmpPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stored == nil {
		f.stored = map[string]meta.Diff{}
	}
	f.stored[volumeID] = diff
	return nil
}

func buildSortedSource(t *testing.T, recs []diffrec.RecIo) *wdiff.SortedReader {
	t.Helper()
	var buf bytes.Buffer
	sw, err := wdiff.NewSortedWriter(&buf, uuid.New())
	require.NoError(t, err)
	for _, ri := range recs {
		require.NoError(t, sw.AddRecord(ri.Rec, ri.Io))
	}
	require.NoError(t, sw.Close())
	sr, err := wdiff.NewSortedReader(&buf)
	require.NoError(t, err)
	return sr
}

func TestWdiffSendRoundTripStoresDiff(t *testing.T) {
	dir := t.TempDir()
	recv := &fakeReceiver{accepted: true, dir: dir}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	table := Table{WdiffSendProtocol: NewWdiffSendHandler(recv)}
	d := NewDispatcher("archive0", table, 2, nil)
	go d.Serve(ln)

	payload := bytes.Repeat([]byte{0x5A}, 4096)
	rec := diffrec.Record{
		IoAddress: 0,
		IoBlocks:  8,
		DataSize:  uint32(len(payload)),
		Checksum:  diffrec.ChecksumPayload(payload),
	}
	src := buildSortedSource(t, []diffrec.RecIo{{Rec: rec, Io: payload}})

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = SendGreeting(conn, Greeting{ClientID: "storage0", ProtocolName: WdiffSendProtocol})
	require.NoError(t, err)

	diff := meta.Diff{SnapB: meta.CleanSnap(3), SnapE: meta.CleanSnap(4), Timestamp: time.Unix(1700000000, 0)}
	require.NoError(t, SendWdiff(conn, "vol0", diff, src))

	recv.mu.Lock()
	stored, ok := recv.stored["vol0"]
	recv.mu.Unlock()
	require.True(t, ok)
	assert.True(t, stored.Equal(diff))
}

func TestWdiffSendRejectedWhenStateNotAccepting(t *testing.T) {
	dir := t.TempDir()
	recv := &fakeReceiver{accepted: false, dir: dir}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	table := Table{WdiffSendProtocol: NewWdiffSendHandler(recv)}
	d := NewDispatcher("archive0", table, 2, nil)
	go d.Serve(ln)

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = SendGreeting(conn, Greeting{ClientID: "storage0", ProtocolName: WdiffSendProtocol})
	require.NoError(t, err)

	src := buildSortedSource(t, nil)
	diff := meta.Diff{SnapB: meta.CleanSnap(0), SnapE: meta.CleanSnap(1), Timestamp: time.Unix(1700000000, 0)}
	err = SendWdiff(conn, "vol0", diff, src)
	require.Error(t, err)
}
