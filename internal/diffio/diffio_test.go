package diffio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cybozu-go/walb-tools/internal/diffrec"
)

func TestChecksumRoundTrip(t *testing.T) {
	plain := make([]byte, 8*diffrec.LogicalBlockSize)
	for i := range plain {
		plain[i] = byte(i % 251)
	}
	types := []diffrec.CompressionType{
		diffrec.CompressionNone,
		diffrec.CompressionGzip,
		diffrec.CompressionSnappy,
		diffrec.CompressionLZMA,
		diffrec.CompressionLZ4,
		diffrec.CompressionZstd,
	}
	for _, ct := range types {
		rec := diffrec.Record{IoAddress: 0, IoBlocks: 8, DataSize: uint32(len(plain))}
		rec.SetNormal()
		ri := diffrec.RecIo{Rec: rec, Io: plain}

		compressed, err := CompressRecord(ri, ct)
		require.NoError(t, err, ct)

		plainBack, err := DecompressRecord(compressed)
		require.NoError(t, err, ct)
		assert.Equal(t, plain, plainBack.Io, ct)
	}
}
