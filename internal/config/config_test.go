package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "broker.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "uuid: peer-1\ntopology-path: ./topology.xml\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", cfg.ListenAddress)
	assert.EqualValues(t, 1870, cfg.ListenPort)
	assert.EqualValues(t, 1872, cfg.BridgePort)
	assert.Equal(t, 64, cfg.BridgeVectorSize)
}

func TestLoadRejectsMissingUUID(t *testing.T) {
	path := writeConfig(t, "topology-path: ./topology.xml\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsMissingTopologyPath(t *testing.T) {
	path := writeConfig(t, "uuid: peer-1\n")
	_, err := Load(path)
	assert.Error(t, err)
}
