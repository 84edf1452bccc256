// Package diffio wraps the diff payload codecs behind a single interface,
// one real third-party library per WALB_DIFF_CMPR_* type, grounded on
// original_source/src/walb_diff_base.hpp's compressData/uncompressData.
package diffio

import (
	"bytes"
	"compress/gzip"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"

	"github.com/cybozu-go/walb-tools/internal/diffrec"
	"github.com/cybozu-go/walb-tools/internal/walberr"
)

// Codec compresses and decompresses a single payload buffer.
type Codec interface {
	Compress(plain []byte) ([]byte, error)
	Decompress(compressed []byte, plainSize int) ([]byte, error)
}

// For gets the Codec for a compression type. NONE returns an identity
// codec so callers never need to special-case it.
func For(t diffrec.CompressionType) (Codec, error) {
	switch t {
	case diffrec.CompressionNone:
		return noneCodec{}, nil
	case diffrec.CompressionGzip:
		return gzipCodec{}, nil
	case diffrec.CompressionSnappy:
		return snappyCodec{}, nil
	case diffrec.CompressionLZ4:
		return lz4Codec{}, nil
	case diffrec.CompressionZstd:
		return zstdCodec{}, nil
	case diffrec.CompressionLZMA:
		return xzCodec{}, nil
	default:
		return nil, walberr.New(walberr.InvalidFormat, "unknown compression type %d", t)
	}
}

type noneCodec struct{}

func (noneCodec) Compress(plain []byte) ([]byte, error) { return plain, nil }
func (noneCodec) Decompress(c []byte, _ int) ([]byte, error) {
	return c, nil
}

type gzipCodec struct{}

func (gzipCodec) Compress(plain []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(plain); err != nil {
		return nil, walberr.Wrap(walberr.IoError, err, "gzip compress")
	}
	if err := w.Close(); err != nil {
		return nil, walberr.Wrap(walberr.IoError, err, "gzip close")
	}
	return buf.Bytes(), nil
}

func (gzipCodec) Decompress(c []byte, plainSize int) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(c))
	if err != nil {
		return nil, walberr.Wrap(walberr.InvalidFormat, err, "gzip open")
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, walberr.Wrap(walberr.InvalidFormat, err, "gzip read")
	}
	return out, nil
}

type snappyCodec struct{}

func (snappyCodec) Compress(plain []byte) ([]byte, error) {
	return snappy.Encode(nil, plain), nil
}

func (snappyCodec) Decompress(c []byte, plainSize int) ([]byte, error) {
	out, err := snappy.Decode(nil, c)
	if err != nil {
		return nil, walberr.Wrap(walberr.InvalidFormat, err, "snappy decode")
	}
	return out, nil
}

type lz4Codec struct{}

func (lz4Codec) Compress(plain []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(plain); err != nil {
		return nil, walberr.Wrap(walberr.IoError, err, "lz4 compress")
	}
	if err := w.Close(); err != nil {
		return nil, walberr.Wrap(walberr.IoError, err, "lz4 close")
	}
	return buf.Bytes(), nil
}

func (lz4Codec) Decompress(c []byte, plainSize int) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(c))
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, walberr.Wrap(walberr.InvalidFormat, err, "lz4 decode")
	}
	return out, nil
}

type zstdCodec struct{}

func (zstdCodec) Compress(plain []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, walberr.Wrap(walberr.Internal, err, "zstd encoder init")
	}
	defer enc.Close()
	return enc.EncodeAll(plain, nil), nil
}

func (zstdCodec) Decompress(c []byte, plainSize int) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, walberr.Wrap(walberr.Internal, err, "zstd decoder init")
	}
	defer dec.Close()
	out, err := dec.DecodeAll(c, make([]byte, 0, plainSize))
	if err != nil {
		return nil, walberr.Wrap(walberr.InvalidFormat, err, "zstd decode")
	}
	return out, nil
}

// xzCodec backs WALB_DIFF_CMPR_LZMA. The Go ecosystem has no maintained
// pure-Go raw-LZMA codec; xz (an LZMA2 container) is the closest available
// substitute and is what this compression type actually produces here —
// see SPEC_FULL.md's domain stack section for the rationale.
type xzCodec struct{}

func (xzCodec) Compress(plain []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := xz.NewWriter(&buf)
	if err != nil {
		return nil, walberr.Wrap(walberr.Internal, err, "xz writer init")
	}
	if _, err := w.Write(plain); err != nil {
		return nil, walberr.Wrap(walberr.IoError, err, "xz compress")
	}
	if err := w.Close(); err != nil {
		return nil, walberr.Wrap(walberr.IoError, err, "xz close")
	}
	return buf.Bytes(), nil
}

func (xzCodec) Decompress(c []byte, plainSize int) ([]byte, error) {
	r, err := xz.NewReader(bytes.NewReader(c))
	if err != nil {
		return nil, walberr.Wrap(walberr.InvalidFormat, err, "xz open")
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, walberr.Wrap(walberr.InvalidFormat, err, "xz read")
	}
	return out, nil
}

// CompressRecord compresses an uncompressed RecIo's payload in place,
// updating DataSize/Checksum/CompressionType on the returned record.
func CompressRecord(ri diffrec.RecIo, t diffrec.CompressionType) (diffrec.RecIo, error) {
	if !ri.Rec.IsNormal() || t == diffrec.CompressionNone {
		ri.Rec.CompressionType = diffrec.CompressionNone
		return ri, nil
	}
	codec, err := For(t)
	if err != nil {
		return diffrec.RecIo{}, err
	}
	compressed, err := codec.Compress(ri.Io)
	if err != nil {
		return diffrec.RecIo{}, err
	}
	out := ri
	out.Rec.CompressionType = t
	out.Rec.DataSize = uint32(len(compressed))
	out.Rec.Checksum = diffrec.ChecksumPayload(compressed)
	out.Io = compressed
	return out, nil
}

// DecompressRecord clears CompressionType and recomputes DataSize/Checksum
// on the plaintext, matching read_and_uncompress_diff in §4.2.
func DecompressRecord(ri diffrec.RecIo) (diffrec.RecIo, error) {
	if !ri.Rec.IsNormal() || !ri.Rec.IsCompressed() {
		return ri, nil
	}
	codec, err := For(ri.Rec.CompressionType)
	if err != nil {
		return diffrec.RecIo{}, err
	}
	plainSize := int(ri.Rec.IoBlocks) * diffrec.LogicalBlockSize
	plain, err := codec.Decompress(ri.Io, plainSize)
	if err != nil {
		return diffrec.RecIo{}, err
	}
	out := ri
	out.Rec.CompressionType = diffrec.CompressionNone
	out.Rec.DataSize = uint32(len(plain))
	out.Rec.Checksum = diffrec.ChecksumPayload(plain)
	out.Io = plain
	return out, nil
}
