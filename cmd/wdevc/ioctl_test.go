package main

import "testing"

func TestStartParamEncodeDecodeRoundTrip(t *testing.T) {
	p := startParam{
		MaxLogpackKB:       64,
		MaxPendingMB:       48,
		MinPendingMB:       12,
		QueueStopTimeoutMs: 200,
		LogFlushIntervalMB: 8,
		LogFlushIntervalMs: 50,
		NPackBulk:          256,
		NIoBulk:            2048,
		Name:               nameToFixed("vol0"),
	}
	got := decodeStartParam(p.encode())
	if got != p {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, p)
	}
	if name := fixedToName(got.Name); name != "vol0" {
		t.Fatalf("fixedToName: got %q want vol0", name)
	}
}

func TestNameToFixedTruncatesAtFieldSize(t *testing.T) {
	long := ""
	for i := 0; i < diskNameLen+10; i++ {
		long += "x"
	}
	fixed := nameToFixed(long)
	if len(fixed) != diskNameLen {
		t.Fatalf("fixed array length = %d, want %d", len(fixed), diskNameLen)
	}
}
