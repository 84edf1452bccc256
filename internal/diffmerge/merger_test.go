package diffmerge

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cybozu-go/walb-tools/internal/diffrec"
	"github.com/cybozu-go/walb-tools/internal/wdiff"
)

func mkMergeRec(addr uint64, blocks uint32, pattern byte) diffrec.RecIo {
	rec := diffrec.Record{IoAddress: addr, IoBlocks: blocks}
	rec.SetNormal()
	payload := make([]byte, int(blocks)*diffrec.LogicalBlockSize)
	for i := range payload {
		payload[i] = pattern
	}
	rec.DataSize = uint32(len(payload))
	rec.Checksum = diffrec.ChecksumPayload(payload)
	return diffrec.RecIo{Rec: rec, Io: payload}
}

func buildSortedFile(t *testing.T, recs ...diffrec.RecIo) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := wdiff.NewSortedWriter(&buf, uuid.New())
	require.NoError(t, err)
	for _, r := range recs {
		require.NoError(t, w.AddRecord(r.Rec, r.Io))
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func readAllSorted(t *testing.T, data []byte) []diffrec.RecIo {
	t.Helper()
	r, err := wdiff.NewSortedReader(bytes.NewReader(data))
	require.NoError(t, err)
	var out []diffrec.RecIo
	for {
		ri, ok, err := r.ReadDiff()
		require.NoError(t, err)
		if !ok {
			break
		}
		out = append(out, ri)
	}
	return out
}

func TestMergeNonOverlappingTwoStreams(t *testing.T) {
	base := buildSortedFile(t, mkMergeRec(0, 4, 0x11), mkMergeRec(8, 4, 0x22))
	overlay := buildSortedFile(t, mkMergeRec(4, 2, 0x33))

	s1, err := NewSortedSource(bytes.NewReader(base))
	require.NoError(t, err)
	s2, err := NewSortedSource(bytes.NewReader(overlay))
	require.NoError(t, err)

	m := New(false)
	m.AddSource(s1)
	m.AddSource(s2)

	var out bytes.Buffer
	require.NoError(t, m.WriteTo(&out))

	got := readAllSorted(t, out.Bytes())
	require.Len(t, got, 3)
	assert.Equal(t, uint64(0), got[0].Rec.IoAddress)
	assert.Equal(t, byte(0x11), got[0].Io[0])
	assert.Equal(t, uint64(4), got[1].Rec.IoAddress)
	assert.Equal(t, byte(0x33), got[1].Io[0])
	assert.Equal(t, uint64(8), got[2].Rec.IoAddress)
	assert.Equal(t, byte(0x22), got[2].Io[0])
}

func TestMergeLaterStreamOverwritesEarlier(t *testing.T) {
	older := buildSortedFile(t, mkMergeRec(0, 10, 0xAA))
	newer := buildSortedFile(t, mkMergeRec(2, 4, 0xBB))

	s1, err := NewSortedSource(bytes.NewReader(older))
	require.NoError(t, err)
	s2, err := NewSortedSource(bytes.NewReader(newer))
	require.NoError(t, err)

	m := New(false)
	m.AddSource(s1)
	m.AddSource(s2)

	var out bytes.Buffer
	require.NoError(t, m.WriteTo(&out))

	got := readAllSorted(t, out.Bytes())
	require.Len(t, got, 3)
	assert.Equal(t, uint64(0), got[0].Rec.IoAddress)
	assert.Equal(t, uint32(2), got[0].Rec.IoBlocks)
	assert.Equal(t, byte(0xAA), got[0].Io[0])
	assert.Equal(t, uint64(2), got[1].Rec.IoAddress)
	assert.Equal(t, uint32(4), got[1].Rec.IoBlocks)
	assert.Equal(t, byte(0xBB), got[1].Io[0])
	assert.Equal(t, uint64(6), got[2].Rec.IoAddress)
	assert.Equal(t, uint32(4), got[2].Rec.IoBlocks)
	assert.Equal(t, byte(0xAA), got[2].Io[0])
}

func TestMergeThreeWayChain(t *testing.T) {
	f1 := buildSortedFile(t, mkMergeRec(0, 20, 0x01))
	f2 := buildSortedFile(t, mkMergeRec(5, 5, 0x02))
	f3 := buildSortedFile(t, mkMergeRec(8, 2, 0x03))

	s1, err := NewSortedSource(bytes.NewReader(f1))
	require.NoError(t, err)
	s2, err := NewSortedSource(bytes.NewReader(f2))
	require.NoError(t, err)
	s3, err := NewSortedSource(bytes.NewReader(f3))
	require.NoError(t, err)

	m := New(false)
	m.AddSource(s1)
	m.AddSource(s2)
	m.AddSource(s3)

	var out bytes.Buffer
	require.NoError(t, m.WriteTo(&out))

	got := readAllSorted(t, out.Bytes())
	var total uint32
	for i, r := range got {
		total += r.Rec.IoBlocks
		if i > 0 {
			assert.GreaterOrEqual(t, r.Rec.IoAddress, got[i-1].Rec.EndIoAddress())
		}
	}
	assert.Equal(t, uint32(20), total)
}
