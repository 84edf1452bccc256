package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cybozu-go/walb-tools/internal/config"
	"github.com/cybozu-go/walb-tools/internal/proto"
)

func TestActiveClientPicksFirstConfiguredProxy(t *testing.T) {
	d := newSendDaemon(nil, nil, config.StorageConfig{}, nil)
	assert.Nil(t, d.activeClient())

	c1 := proto.NewClient("storage", "proxy1:7100")
	c2 := proto.NewClient("storage", "proxy2:7100")
	d = newSendDaemon(nil, []*proto.Client{c1, c2}, config.StorageConfig{}, nil)
	assert.Same(t, c1, d.activeClient())
}
