package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name string, content []byte, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, content, perm))
	return path
}

func TestLoadServerDefinitionsFile_JSON(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "servers.json", []byte(`{"mcpServers": {
		"weather": {"command": ["weather-server"]}
	}}`), 0600)

	defs, err := LoadServerDefinitionsFile(path)
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "weather", defs[0].Name)
}

func TestLoadServerDefinitionsFile_YAML(t *testing.T) {
	dir := t.TempDir()
	yaml := "name: weather\ncommand:\n  - weather-server\n"
	path := writeFile(t, dir, "servers.yaml", []byte(yaml), 0600)

	defs, err := LoadServerDefinitionsFile(path)
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "weather", defs[0].Name)
	assert.Equal(t, TransportStdio, defs[0].Type)
}

func TestLoadServerDefinitionsFile_RejectsWorldReadable(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "servers.json", []byte(`{"name":"x","command":["y"]}`), 0644)

	_, err := LoadServerDefinitionsFile(path)
	assert.Error(t, err)
}

func TestLoadServerDefinitionsFile_RejectsOversized(t *testing.T) {
	dir := t.TempDir()
	big := make([]byte, maxConfigFileSize+1)
	for i := range big {
		big[i] = ' '
	}
	path := writeFile(t, dir, "servers.json", big, 0600)

	_, err := LoadServerDefinitionsFile(path)
	assert.Error(t, err)
}

func TestLoadServerDefinitionsFile_MissingFile(t *testing.T) {
	_, err := LoadServerDefinitionsFile("/nonexistent/path/servers.json")
	assert.Error(t, err)
}

func TestIsYAMLPath(t *testing.T) {
	assert.True(t, isYAMLPath("servers.yaml"))
	assert.True(t, isYAMLPath("servers.yml"))
	assert.False(t, isYAMLPath("servers.json"))
}

func TestWatchServerDefinitionsFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "servers.json", []byte(`{"name":"weather","command":["weather-server"]}`), 0600)

	changed := make(chan []ServerDefinition, 1)
	w, err := WatchServerDefinitionsFile(path, func(defs []ServerDefinition, err error) {
		if err == nil {
			changed <- defs
		}
	})
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(path, []byte(`{"name":"weather2","command":["weather-server"]}`), 0600))

	select {
	case defs := <-changed:
		require.Len(t, defs, 1)
		assert.Equal(t, "weather2", defs[0].Name)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for watcher callback")
	}
}
