package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeToml(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadStorageAppliesDefaultsAndValidates(t *testing.T) {
	path := writeToml(t, `
base_dir = "/var/walb/storage"
port = 5000

[[proxy]]
name = "proxy0"
address = "127.0.0.1:5001"
`)
	c, err := LoadStorage(path)
	require.NoError(t, err)
	assert.Equal(t, 5000, c.Port)
	assert.Equal(t, 4, c.MaxForegroundTasks)
	assert.Equal(t, 30, c.SocketTimeoutSec)
	require.Len(t, c.Proxies, 1)
	assert.Equal(t, "proxy0", c.Proxies[0].Name)
}

func TestLoadStorageRejectsMissingProxies(t *testing.T) {
	path := writeToml(t, `base_dir = "/var/walb/storage"`)
	_, err := LoadStorage(path)
	assert.Error(t, err)
}

func TestLoadArchiveDefaultsRetryCeiling(t *testing.T) {
	path := writeToml(t, `base_dir = "/var/walb/archive"`)
	c, err := LoadArchive(path)
	require.NoError(t, err)
	assert.Equal(t, defaultMaxReplicationRetries, c.MaxReplicationRetries)
}

func TestLoadProxyRequiresArchives(t *testing.T) {
	path := writeToml(t, `base_dir = "/var/walb/proxy"`)
	_, err := LoadProxy(path)
	assert.Error(t, err)
}
