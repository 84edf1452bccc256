package diffmem

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cybozu-go/walb-tools/internal/diffrec"
)

func mkRec(addr uint64, blocks uint32, pattern byte) (diffrec.Record, []byte) {
	rec := diffrec.Record{IoAddress: addr, IoBlocks: blocks}
	rec.SetNormal()
	payload := make([]byte, int(blocks)*diffrec.LogicalBlockSize)
	for i := range payload {
		payload[i] = pattern
	}
	rec.DataSize = uint32(len(payload))
	rec.Checksum = diffrec.ChecksumPayload(payload)
	return rec, payload
}

func TestAddNonOverlapping(t *testing.T) {
	m := New(0)
	r1, p1 := mkRec(0, 4, 0x11)
	r2, p2 := mkRec(8, 4, 0x22)
	require.NoError(t, m.Add(r1, p1))
	require.NoError(t, m.Add(r2, p2))
	assert.Equal(t, 2, m.Len())
	assert.True(t, m.CheckNoOverlappedAndSorted())
	assert.Equal(t, uint64(8), m.NBlocks())
}

func TestAddOverlapSplitsResiduals(t *testing.T) {
	m := New(0)
	r1, p1 := mkRec(0, 10, 0x11)
	require.NoError(t, m.Add(r1, p1))

	r2, p2 := mkRec(4, 2, 0x22)
	require.NoError(t, m.Add(r2, p2))

	require.True(t, m.CheckNoOverlappedAndSorted())
	// Expect 3 entries: [0,4) leftover, [4,6) new, [6,10) leftover.
	require.Len(t, m.Entries(), 3)
	entries := m.Entries()
	assert.Equal(t, uint64(0), entries[0].Rec.IoAddress)
	assert.Equal(t, uint32(4), entries[0].Rec.IoBlocks)
	assert.Equal(t, uint64(4), entries[1].Rec.IoAddress)
	assert.Equal(t, uint32(2), entries[1].Rec.IoBlocks)
	assert.Equal(t, byte(0x22), entries[1].Io[0])
	assert.Equal(t, uint64(6), entries[2].Rec.IoAddress)
	assert.Equal(t, uint32(4), entries[2].Rec.IoBlocks)
	assert.Equal(t, uint64(10), m.NBlocks())
}

func TestAddFullOverwriteDropsOld(t *testing.T) {
	m := New(0)
	r1, p1 := mkRec(0, 4, 0x11)
	require.NoError(t, m.Add(r1, p1))

	r2, p2 := mkRec(0, 8, 0x22)
	require.NoError(t, m.Add(r2, p2))

	require.Len(t, m.Entries(), 1)
	assert.Equal(t, uint32(8), m.Entries()[0].Rec.IoBlocks)
	assert.True(t, m.CheckNoOverlappedAndSorted())
}

func TestAddSplitsOnMaxIoBlocks(t *testing.T) {
	m := New(4)
	r, p := mkRec(0, 10, 0x33)
	require.NoError(t, m.Add(r, p))

	assert.True(t, m.CheckNoOverlappedAndSorted())
	for _, e := range m.Entries() {
		assert.LessOrEqual(t, e.Rec.IoBlocks, uint32(4))
	}
	assert.Equal(t, uint64(10), m.NBlocks())
}

func TestWriteToReadFromRoundTrip(t *testing.T) {
	m := New(0)
	r1, p1 := mkRec(0, 4, 0x11)
	r2, p2 := mkRec(4, 4, 0x22)
	require.NoError(t, m.Add(r1, p1))
	require.NoError(t, m.Add(r2, p2))

	var buf bytes.Buffer
	require.NoError(t, m.WriteTo(&buf, uuid.New()))

	m2 := New(0)
	require.NoError(t, m2.ReadFrom(bytes.NewReader(buf.Bytes())))
	require.Equal(t, m.Len(), m2.Len())
	assert.True(t, m2.CheckNoOverlappedAndSorted())
	for i, e := range m.Entries() {
		assert.Equal(t, e.Rec.IoAddress, m2.Entries()[i].Rec.IoAddress)
		assert.Equal(t, e.Io, m2.Entries()[i].Io)
	}
}
