package meta

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cybozu-go/walb-tools/internal/walberr"
)

const timestampLayout = "20060102150405"

func formatTimestamp(t time.Time) string { return t.UTC().Format(timestampLayout) }

func parseTimestamp(s string) (time.Time, error) {
	t, err := time.ParseInLocation(timestampLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, walberr.Wrap(walberr.InvalidFormat, err, "meta: bad timestamp %q", s)
	}
	return t, nil
}

// DiffFileName formats diff per the wdiff file naming grammar:
// YYYYMMDDhhmmss-{M|-}{C|-}-gidB[-gidE]-gidB'[-gidE'].wdiff, grounded on
// meta.cpp's createDiffFileName.
func DiffFileName(d Diff) string {
	var b strings.Builder
	b.WriteString(formatTimestamp(d.Timestamp))
	b.WriteByte('-')
	if d.IsMergeable {
		b.WriteByte('M')
	} else {
		b.WriteByte('-')
	}
	if d.IsCompDiff {
		b.WriteByte('C')
	} else {
		b.WriteByte('-')
	}
	var gids []uint64
	if d.IsDirty() {
		gids = []uint64{d.SnapB.GidB, d.SnapB.GidE, d.SnapE.GidB, d.SnapE.GidE}
	} else {
		gids = []uint64{d.SnapB.GidB, d.SnapE.GidB}
	}
	for _, g := range gids {
		b.WriteByte('-')
		b.WriteString(strconv.FormatUint(g, 10))
	}
	b.WriteString(".wdiff")
	return b.String()
}

// ParseDiffFileName parses a name produced by DiffFileName, grounded on
// meta.cpp's parseDiffFileName.
func ParseDiffFileName(name string) (Diff, error) {
	const minLen = len("YYYYMMDDhhmmss-MC-0-1.wdiff")
	if len(name) < minLen {
		return Diff{}, walberr.New(walberr.InvalidFormat, "meta: diff file name %q too short", name)
	}
	ts, err := parseTimestamp(name[0:14])
	if err != nil {
		return Diff{}, err
	}
	if name[14] != '-' {
		return Diff{}, walberr.New(walberr.InvalidFormat, "meta: diff file name %q: expected '-' at 14", name)
	}
	isMergeable := name[15] == 'M'
	isCompDiff := name[16] == 'C'
	if name[17] != '-' {
		return Diff{}, walberr.New(walberr.InvalidFormat, "meta: diff file name %q: expected '-' at 17", name)
	}
	rest := name[18:]
	suffix := ".wdiff"
	if !strings.HasSuffix(rest, suffix) {
		return Diff{}, walberr.New(walberr.InvalidFormat, "meta: diff file name %q: wrong suffix", name)
	}
	rest = strings.TrimSuffix(rest, suffix)
	parts := strings.Split(rest, "-")
	gids := make([]uint64, 0, len(parts))
	for _, p := range parts {
		g, err := strconv.ParseUint(p, 10, 64)
		if err != nil {
			return Diff{}, walberr.Wrap(walberr.InvalidFormat, err, "meta: diff file name %q: bad gid %q", name, p)
		}
		gids = append(gids, g)
	}
	var d Diff
	switch len(gids) {
	case 2:
		d.SnapB = CleanSnap(gids[0])
		d.SnapE = CleanSnap(gids[1])
	case 4:
		d.SnapB = DirtySnap(gids[0], gids[1])
		d.SnapE = DirtySnap(gids[2], gids[3])
	default:
		return Diff{}, walberr.New(walberr.InvalidFormat, "meta: diff file name %q: expected 2 or 4 gids, got %d", name, len(gids))
	}
	d.Timestamp = ts
	d.IsMergeable = isMergeable
	d.IsCompDiff = isCompDiff
	if err := d.Verify(); err != nil {
		return Diff{}, err
	}
	return d, nil
}

func findNonInt(s string, i int) int {
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	return i
}

// parseSnap parses a "|gid|" or "|gidB,gidE|" fragment starting at s[i],
// returning the snap and the index just past the closing '|'.
func parseSnap(s string, i int) (Snap, int, error) {
	bad := func() (Snap, int, error) {
		return Snap{}, 0, walberr.New(walberr.InvalidFormat, "meta: bad snap string %q at %d", s, i)
	}
	if i >= len(s) || s[i] != '|' {
		return bad()
	}
	i++
	j := findNonInt(s, i)
	if j == i {
		return bad()
	}
	gidB, err := strconv.ParseUint(s[i:j], 10, 64)
	if err != nil {
		return bad()
	}
	if j < len(s) && s[j] == '|' {
		return CleanSnap(gidB), j + 1, nil
	}
	if j >= len(s) || s[j] != ',' {
		return bad()
	}
	i = j + 1
	j = findNonInt(s, i)
	if j == i || j >= len(s) || s[j] != '|' {
		return bad()
	}
	gidE, err := strconv.ParseUint(s[i:j], 10, 64)
	if err != nil {
		return bad()
	}
	return DirtySnap(gidB, gidE), j + 1, nil
}

func formatSnap(s Snap) string {
	if s.IsClean() {
		return fmt.Sprintf("|%d|", s.GidB)
	}
	return fmt.Sprintf("|%d,%d|", s.GidB, s.GidE)
}

// StateString formats a State as "<snap>-timestamp" (resting) or
// "<snapB-->snapE>-timestamp" (applying), grounded on meta.cpp's
// (implicit) metaStateToStr counterpart of strToMetaState.
func StateString(st State) string {
	var b strings.Builder
	b.WriteByte('<')
	b.WriteString(formatSnap(st.SnapB))
	if st.IsApplying {
		b.WriteString("-->")
		b.WriteString(formatSnap(st.SnapE))
	}
	b.WriteByte('>')
	b.WriteByte('-')
	b.WriteString(formatTimestamp(st.Timestamp))
	return b.String()
}

// ParseStateString parses the grammar StateString produces, grounded on
// meta.cpp's strToMetaState. A missing trailing "-TIMESTAMP" defaults to
// the zero time, mirroring the original's "::time(0)" only in shape (this
// package never calls a wall-clock function itself, per the no-Now-in-
// library-code convention observed in the rest of this repo).
func ParseStateString(s string) (State, error) {
	bad := func() (State, error) {
		return State{}, walberr.New(walberr.InvalidFormat, "meta: bad state string %q", s)
	}
	if len(s) == 0 || s[0] != '<' {
		return bad()
	}
	snapB, pos, err := parseSnap(s, 1)
	if err != nil {
		return State{}, err
	}
	isApplying := pos >= len(s) || s[pos] != '>'
	var snapE Snap
	if isApplying {
		if pos+3 > len(s) || s[pos:pos+3] != "-->" {
			return bad()
		}
		snapE, pos, err = parseSnap(s, pos+3)
		if err != nil {
			return State{}, err
		}
	}
	if pos >= len(s) || s[pos] != '>' {
		return bad()
	}
	pos++
	var ts time.Time
	if pos != len(s) {
		if s[pos] != '-' {
			return bad()
		}
		pos++
		end := findNonInt(s, pos)
		if end != len(s) {
			return bad()
		}
		ts, err = parseTimestamp(s[pos:end])
		if err != nil {
			return State{}, err
		}
	}
	st := State{SnapB: snapB, Timestamp: ts, IsExplicit: !isApplying}
	if isApplying {
		st.SnapE = snapE
		st.IsApplying = true
	}
	return st, nil
}
