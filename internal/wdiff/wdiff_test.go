package wdiff

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cybozu-go/walb-tools/internal/diffrec"
)

func mkNormalRec(addr uint64, blocks uint32, pattern byte) diffrec.RecIo {
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

func TestSortedRoundTrip(t *testing.T) {
	id := uuid.New()
	var buf bytes.Buffer
	w, err := NewSortedWriter(&buf, id)
	require.NoError(t, err)

	recs := []diffrec.RecIo{
		mkNormalRec(0, 4, 0x11),
		mkNormalRec(4, 4, 0x22),
	}
	discardRec := diffrec.Record{IoAddress: 8, IoBlocks: 2}
	discardRec.SetDiscard()
	recs = append(recs, diffrec.RecIo{Rec: discardRec})

	for _, r := range recs {
		require.NoError(t, w.AddRecord(r.Rec, r.Io))
	}
	require.NoError(t, w.Close())

	r, err := NewSortedReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, id, r.Header().UUID)

	var got []diffrec.RecIo
	for {
		ri, ok, err := r.ReadDiff()
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, ri)
	}
	require.Len(t, got, 3)
	assert.Equal(t, recs[0].Rec.IoAddress, got[0].Rec.IoAddress)
	assert.Equal(t, recs[0].Io, got[0].Io)
	assert.Equal(t, recs[1].Io, got[1].Io)
	assert.True(t, got[2].Rec.IsDiscard())
}

func TestIndexedRoundTrip(t *testing.T) {
	id := uuid.New()
	var buf bytes.Buffer
	w, err := NewIndexedWriter(&buf, id)
	require.NoError(t, err)

	// Written out of address order to exercise the "supports unsorted
	// writes during construction" property from §4.2.
	r2 := mkNormalRec(100, 2, 0x33)
	r1 := mkNormalRec(0, 2, 0x44)
	require.NoError(t, w.AddRecord(r2.Rec, r2.Io))
	require.NoError(t, w.AddRecord(r1.Rec, r1.Io))
	require.NoError(t, w.Close())

	reader, err := OpenIndexed(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	all := reader.All()
	require.Len(t, all, 2)
	assert.True(t, all[0].IoAddress < all[1].IoAddress, "index must be sorted by address")

	found, ok := reader.Lookup(0)
	require.True(t, ok)
	payload, err := reader.ReadPayload(found)
	require.NoError(t, err)
	assert.Equal(t, r1.Io, payload)

	_, ok = reader.Lookup(50)
	assert.False(t, ok)
}
