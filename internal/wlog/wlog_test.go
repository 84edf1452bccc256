package wlog

import (
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cybozu-go/walb-tools/internal/blockdev"
)

const testPbs = 4096

func openTempDevice(t *testing.T, nBlocks int) (blockdev.Device, string) {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "ldev")
	require.NoError(t, err)
	require.NoError(t, f.Truncate(int64(nBlocks)*testPbs))
	path := f.Name()
	require.NoError(t, f.Close())
	dev, err := blockdev.OpenReadWrite(path)
	require.NoError(t, err)
	return dev, path
}

func writeBlock(t *testing.T, dev blockdev.Device, blockNo uint64, data []byte) {
	t.Helper()
	buf := make([]byte, testPbs)
	copy(buf, data)
	require.NoError(t, dev.WriteAt(int64(blockNo)*testPbs, buf))
}

func TestSuperBlockRoundTrip(t *testing.T) {
	dev, _ := openTempDevice(t, 20)
	defer dev.Close()

	s := SuperBlock{
		Pbs: testPbs, LogicalBs: testPbs, Salt: 12345,
		UUID: uuid.New(), Name: "vol0",
		RingBufferOffset: 1, RingBufferSize: 16,
		OldestLsid: 0, WrittenLsid: 3, DeviceSize: 1 << 20,
	}
	require.NoError(t, WriteSuperBlock(dev, s))

	got, err := ReadSuperBlock(dev)
	require.NoError(t, err)
	assert.Equal(t, s.Salt, got.Salt)
	assert.Equal(t, s.Name, got.Name)
	assert.Equal(t, s.RingBufferSize, got.RingBufferSize)
	assert.Equal(t, s.UUID, got.UUID)
	assert.Equal(t, uint64(1+2%16), got.OffsetFromLsid(2))
}

func TestReaderReadsPacksAndConverts(t *testing.T) {
	dev, _ := openTempDevice(t, 20)
	defer dev.Close()

	super := SuperBlock{
		Pbs: testPbs, LogicalBs: testPbs, Salt: 999,
		UUID: uuid.New(), RingBufferOffset: 1, RingBufferSize: 16,
	}
	require.NoError(t, WriteSuperBlock(dev, super))

	// Pack 1 at lsid 0: one normal, non-zero record of 1 block.
	payload := make([]byte, testPbs)
	for i := range payload {
		payload[i] = 0xAA
	}
	pack1 := LogPackHeader{
		Lsid: 0,
		Records: []LogRecord{
			{Lsid: 0, IoAddr: 0, IoBlocks: 1, Flags: RecordExist, Checksum: 0xdead},
		},
	}
	writeBlock(t, dev, super.OffsetFromLsid(0), pack1.Encode(testPbs, super.Salt))
	writeBlock(t, dev, super.OffsetFromLsid(1), payload)

	// Pack 2 at lsid 2: one discard record, no payload blocks.
	pack2 := LogPackHeader{
		Lsid: 2,
		Records: []LogRecord{
			{Lsid: 2, IoAddr: 100, IoBlocks: 4, Flags: RecordDiscard},
		},
	}
	writeBlock(t, dev, super.OffsetFromLsid(2), pack2.Encode(testPbs, super.Salt))

	r := NewReader(dev, super, 0, nil)

	h1, payloads1, ok, err := r.ReadPack(3)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, h1.Records, 1)
	assert.Equal(t, uint64(0), h1.Records[0].IoAddr)
	assert.Equal(t, payload, payloads1[0])

	h2, _, ok, err := r.ReadPack(3)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, h2.Records, 1)
	assert.True(t, h2.Records[0].IsDiscard())

	_, _, ok, err = r.ReadPack(3)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, uint64(3), r.Lsid())

	diffs1 := ToDiffRecords(h1, payloads1, 0)
	require.Len(t, diffs1, 1)
	assert.True(t, diffs1[0].Rec.IsNormal())
	assert.Equal(t, payload, diffs1[0].Io)

	diffs2 := ToDiffRecords(h2, nil, 0)
	require.Len(t, diffs2, 1)
	assert.True(t, diffs2[0].Rec.IsDiscard())
	assert.Equal(t, uint32(4), diffs2[0].Rec.IoBlocks)
}

func TestToDiffRecordsSkipsPadding(t *testing.T) {
	h := LogPackHeader{Records: []LogRecord{{Flags: RecordPadding, IoBlocks: 2}}}
	diffs := ToDiffRecords(h, make([][]byte, 1), 0)
	assert.Empty(t, diffs)
}
