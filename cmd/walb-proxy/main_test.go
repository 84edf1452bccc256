package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRelayDaemonTracksSentGidPerVolumeAndArchive(t *testing.T) {
	r := newRelayDaemon(nil, nil, nil)
	assert.Equal(t, uint64(0), r.lastSentGid("vol0", "arc1"))

	r.recordSentGid("vol0", "arc1", 5)
	r.recordSentGid("vol0", "arc2", 3)
	r.recordSentGid("vol1", "arc1", 9)

	assert.Equal(t, uint64(5), r.lastSentGid("vol0", "arc1"))
	assert.Equal(t, uint64(3), r.lastSentGid("vol0", "arc2"))
	assert.Equal(t, uint64(9), r.lastSentGid("vol1", "arc1"))
	assert.Equal(t, uint64(0), r.lastSentGid("vol1", "arc2"), "unseen pair defaults to zero")
}
