package diffmerge

import (
	"io"

	"github.com/google/uuid"

	"github.com/cybozu-go/walb-tools/internal/diffio"
	"github.com/cybozu-go/walb-tools/internal/diffrec"
	"github.com/cybozu-go/walb-tools/internal/wdiff"
)

// Source is one wdiff input stream to the merger: an ordered, buffered
// sequence of (Record, payload) pairs plus the volume UUID its file
// header carries. Grounded on DiffMerger::Wdiff, which wraps either a
// sorted or an indexed reader behind the same front()/getAndRemoveIo()
// interface.
type Source interface {
	// Front returns the current buffered entry without consuming it.
	// ok is false once the stream is exhausted.
	Front() (diffrec.RecIo, bool)
	// Advance discards Front and buffers the next entry, if any.
	Advance() error
	UUID() uuid.UUID
}

// sortedSource adapts a wdiff.SortedReader to Source.
type sortedSource struct {
	r     *wdiff.SortedReader
	front diffrec.RecIo
	ok    bool
}

// NewSortedSource reads the file header and buffers the first record.
func NewSortedSource(r io.Reader) (Source, error) {
	sr, err := wdiff.NewSortedReader(r)
	if err != nil {
		return nil, err
	}
	s := &sortedSource{r: sr}
	if err := s.Advance(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *sortedSource) Front() (diffrec.RecIo, bool) { return s.front, s.ok }
func (s *sortedSource) UUID() uuid.UUID              { return s.r.Header().UUID }

func (s *sortedSource) Advance() error {
	ri, ok, err := s.r.ReadDiff()
	if err != nil {
		return err
	}
	if ok {
		ri, err = diffio.DecompressRecord(ri)
		if err != nil {
			return err
		}
	}
	s.front, s.ok = ri, ok
	return nil
}

// indexedSource adapts a wdiff.IndexedReader to Source. The indexed
// format is already sorted by address in its footer index, so this just
// walks that index in order, matching DiffMerger::Wdiff::readIndexedDiff.
type indexedSource struct {
	r       *wdiff.IndexedReader
	records []wdiff.IndexRecord
	pos     int
	front   diffrec.RecIo
	ok      bool
}

// NewIndexedSource opens an indexed wdiff file of the given size and
// buffers its first record.
func NewIndexedSource(ra io.ReaderAt, size int64) (Source, error) {
	r, err := wdiff.OpenIndexed(ra, size)
	if err != nil {
		return nil, err
	}
	s := &indexedSource{r: r, records: r.All()}
	if err := s.Advance(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *indexedSource) Front() (diffrec.RecIo, bool) { return s.front, s.ok }
func (s *indexedSource) UUID() uuid.UUID              { return s.r.Header().UUID }

func (s *indexedSource) Advance() error {
	if s.pos >= len(s.records) {
		s.ok = false
		return nil
	}
	ir := s.records[s.pos]
	s.pos++
	rec := diffrec.Record{
		IoAddress:       ir.IoAddress,
		IoBlocks:        ir.IoBlocks,
		Flags:           ir.Flags,
		CompressionType: ir.CompressionType,
		DataSize:        ir.DataSize,
		Checksum:        ir.IoChecksum,
	}
	payload, err := s.r.ReadPayload(ir)
	if err != nil {
		return err
	}
	ri, err := diffio.DecompressRecord(diffrec.RecIo{Rec: rec, Io: payload})
	if err != nil {
		return err
	}
	s.front, s.ok = ri, true
	return nil
}
