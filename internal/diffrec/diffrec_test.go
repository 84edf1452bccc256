package diffrec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pattern(n int, b byte) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = b
	}
	return buf
}

func TestSplitRecord(t *testing.T) {
	rec := Record{IoAddress: 1000, IoBlocks: 10}
	rec.SetNormal()
	payload := pattern(10*LogicalBlockSize, 0xAB)

	recs := rec.Split(4)
	require.Len(t, recs, 3)
	assert.Equal(t, uint64(1000), recs[0].IoAddress)
	assert.Equal(t, uint32(4), recs[0].IoBlocks)
	assert.Equal(t, uint64(1004), recs[1].IoAddress)
	assert.Equal(t, uint32(4), recs[1].IoBlocks)
	assert.Equal(t, uint64(1008), recs[2].IoAddress)
	assert.Equal(t, uint32(2), recs[2].IoBlocks)

	payloads := SplitPayload(payload, 10, 4)
	require.Len(t, payloads, 3)
	assert.Len(t, payloads[0], 4*LogicalBlockSize)
	assert.Len(t, payloads[1], 4*LogicalBlockSize)
	assert.Len(t, payloads[2], 2*LogicalBlockSize)
}

func TestOverlapSubtraction(t *testing.T) {
	recA := Record{IoAddress: 100, IoBlocks: 10}
	recA.SetNormal()
	recA.DataSize = 10 * LogicalBlockSize
	a := RecIo{Rec: recA, Io: pattern(10*LogicalBlockSize, 0xAA)}

	recB := Record{IoAddress: 102, IoBlocks: 6}
	recB.SetNormal()
	b := RecIo{Rec: recB}

	residuals, err := a.Minus(b)
	require.NoError(t, err)
	require.Len(t, residuals, 2)

	assert.Equal(t, uint64(100), residuals[0].Rec.IoAddress)
	assert.Equal(t, uint32(2), residuals[0].Rec.IoBlocks)
	assert.Equal(t, pattern(2*LogicalBlockSize, 0xAA), residuals[0].Io)

	assert.Equal(t, uint64(108), residuals[1].Rec.IoAddress)
	assert.Equal(t, uint32(2), residuals[1].Rec.IoBlocks)
	assert.Equal(t, pattern(2*LogicalBlockSize, 0xAA), residuals[1].Io)
}

func TestFullOverwriteSubtractionIsEmpty(t *testing.T) {
	recA := Record{IoAddress: 100, IoBlocks: 4}
	recA.SetNormal()
	a := RecIo{Rec: recA}

	recB := Record{IoAddress: 90, IoBlocks: 20}
	recB.SetNormal()
	b := RecIo{Rec: recB}

	residuals, err := a.Minus(b)
	require.NoError(t, err)
	assert.Empty(t, residuals)
}

func TestFlagsExclusive(t *testing.T) {
	r := Record{IoAddress: 0, IoBlocks: 1, Flags: FlagAllZero | FlagDiscard}
	assert.Error(t, r.Verify())
}

func TestNonNormalRejectsPayload(t *testing.T) {
	r := Record{IoAddress: 0, IoBlocks: 1, DataSize: 4}
	r.SetDiscard()
	assert.Error(t, r.Verify())
}
