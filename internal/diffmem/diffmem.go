// Package diffmem implements DiffMemory, the overlap-resolving in-memory
// map of diff records keyed by ioAddress, grounded on
// original_source/src/walb_diff_mem.cpp.
package diffmem

import (
	"io"
	"sort"

	"github.com/google/uuid"

	"github.com/cybozu-go/walb-tools/internal/diffrec"
	"github.com/cybozu-go/walb-tools/internal/wdiff"
)

// Memory holds a set of non-overlapping (Record, payload) entries sorted
// by ioAddress. It is not safe for concurrent use without external
// synchronization, matching the teacher's mutex-at-the-caller convention.
type Memory struct {
	entries    []diffrec.RecIo // kept sorted by Rec.IoAddress, non-overlapping
	maxIoBlocks uint32
	nBlocks     uint64
}

// New creates an empty Memory. maxIoBlocks, if non-zero, causes every
// inserted record larger than it to be pre-split on Add.
func New(maxIoBlocks uint32) *Memory {
	return &Memory{maxIoBlocks: maxIoBlocks}
}

// Len returns the number of entries currently buffered.
func (m *Memory) Len() int { return len(m.entries) }

// NBlocks returns the total logical-block count across all entries.
func (m *Memory) NBlocks() uint64 { return m.nBlocks }

// Entries returns the buffered entries in ascending ioAddress order. The
// caller must not mutate the returned slice.
func (m *Memory) Entries() []diffrec.RecIo { return m.entries }

// lowerBound returns the index of the first entry whose ioAddress >= addr.
func (m *Memory) lowerBound(addr uint64) int {
	return sort.Search(len(m.entries), func(i int) bool {
		return m.entries[i].Rec.IoAddress >= addr
	})
}

// Add inserts rec/payload, removing or shrinking any existing entries it
// overlaps via subtraction (§4.1), then optionally splitting the inserted
// record to maxIoBlocks. After the call the map still has no overlap and
// its address-range union is old_union ∪ rec.range.
func (m *Memory) Add(rec diffrec.Record, payload []byte) error {
	addr0 := rec.IoAddress
	addr1 := rec.EndIoAddress()

	start := m.lowerBound(addr0)
	// Back up one entry: the entry just before addr0 may still overlap
	// rec if its range extends past addr0.
	if start > 0 {
		prev := m.entries[start-1]
		if prev.Rec.EndIoAddress() > addr0 {
			start--
		}
	}

	var overlapped []diffrec.RecIo
	kept := m.entries[:start]
	i := start
	for i < len(m.entries) && m.entries[i].Rec.IoAddress < addr1 {
		if m.entries[i].Rec.IsOverlapped(rec) {
			overlapped = append(overlapped, m.entries[i])
			m.nBlocks -= uint64(m.entries[i].Rec.IoBlocks)
		} else {
			kept = append(kept, m.entries[i])
		}
		i++
	}
	tail := m.entries[i:]

	newRi := diffrec.RecIo{Rec: rec, Io: payload}
	var residuals []diffrec.RecIo
	for _, old := range overlapped {
		res, err := old.Minus(newRi)
		if err != nil {
			return err
		}
		residuals = append(residuals, res...)
	}

	var inserted []diffrec.RecIo
	if m.maxIoBlocks > 0 && rec.IoBlocks > m.maxIoBlocks {
		inserted = newRi.Split(m.maxIoBlocks)
		if rec.IsNormal() {
			for i := range inserted {
				inserted[i].Rec.DataSize = uint32(len(inserted[i].Io))
				inserted[i].Rec.Checksum = diffrec.ChecksumPayload(inserted[i].Io)
			}
		}
	} else {
		inserted = []diffrec.RecIo{newRi}
	}

	merged := make([]diffrec.RecIo, 0, len(kept)+len(residuals)+len(inserted)+len(tail))
	merged = append(merged, kept...)
	merged = append(merged, residuals...)
	merged = append(merged, inserted...)
	merged = append(merged, tail...)
	sort.Slice(merged, func(i, j int) bool { return merged[i].Rec.IoAddress < merged[j].Rec.IoAddress })

	m.entries = merged
	m.nBlocks = 0
	for _, e := range m.entries {
		m.nBlocks += uint64(e.Rec.IoBlocks)
	}
	return nil
}

// WriteTo serializes the current contents as a sorted-format wdiff file,
// grounded on DiffMemory::writeTo (walb_diff_mem.cpp).
func (m *Memory) WriteTo(w io.Writer, id uuid.UUID) error {
	sw, err := wdiff.NewSortedWriter(w, id)
	if err != nil {
		return err
	}
	for _, e := range m.entries {
		if err := sw.AddRecord(e.Rec, e.Io); err != nil {
			return err
		}
	}
	return sw.Close()
}

// ReadFrom populates Memory by replaying every record of a sorted-format
// wdiff stream through Add, grounded on DiffMemory::readFrom (only the
// sorted format is supported there, matching this implementation).
func (m *Memory) ReadFrom(r io.Reader) error {
	sr, err := wdiff.NewSortedReader(r)
	if err != nil {
		return err
	}
	for {
		ri, ok, err := sr.ReadDiff()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := m.Add(ri.Rec, ri.Io); err != nil {
			return err
		}
	}
}

// PopBefore removes and returns every entry whose range ends at or before
// addr, in ascending address order, leaving the rest buffered. Used by the
// merger to drain entries it has proven final once every input stream has
// advanced past them, grounded on DiffMerger::moveToMergedQueue's
// begin-while-endIoAddress-le-doneAddr loop over DiffMemory::Map.
func (m *Memory) PopBefore(addr uint64) []diffrec.RecIo {
	i := 0
	for i < len(m.entries) && m.entries[i].Rec.EndIoAddress() <= addr {
		m.nBlocks -= uint64(m.entries[i].Rec.IoBlocks)
		i++
	}
	if i == 0 {
		return nil
	}
	out := append([]diffrec.RecIo(nil), m.entries[:i]...)
	m.entries = m.entries[i:]
	return out
}

// CheckNoOverlappedAndSorted verifies the DiffMemory non-overlap invariant
// from §8, for tests and crash-recovery sanity checks.
func (m *Memory) CheckNoOverlappedAndSorted() bool {
	for i := 1; i < len(m.entries); i++ {
		if m.entries[i-1].Rec.EndIoAddress() > m.entries[i].Rec.IoAddress {
			return false
		}
	}
	return true
}
