package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gigapi/gigapi-datalink/frame"
)

func TestDefaults(t *testing.T) {
	s, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 100_000, s.DisplayMaxRows)
	assert.Equal(t, 50, s.DisplayMaxColumns)
	assert.Equal(t, "application/vnd.dex.v1+json", s.MediaType)
	assert.True(t, s.EnableDatalink)
	assert.True(t, s.EnableAssignment)
	assert.Equal(t, "", s.DataDir)
	assert.Equal(t, "datalink.duckdb", s.DBFile)
	assert.Equal(t, 256, s.MaxDisplays)
	assert.Equal(t, frame.SampleStride, s.Sampling())
	assert.Equal(t, 7971, s.Port)
}

func TestEnvironment(t *testing.T) {
	t.Setenv("DX_DISPLAY_MAX_ROWS", "10")
	t.Setenv("DX_ENABLE_ASSIGNMENT", "false")
	t.Setenv("DX_SAMPLING_METHOD", "head")

	s, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 10, s.DisplayMaxRows)
	assert.False(t, s.EnableAssignment)
	assert.Equal(t, frame.SampleHead, s.Sampling())
}

func TestConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "datalink.yaml")
	require.NoError(t, os.WriteFile(path, []byte("display_max_columns: 3\nasync_persist: true\ndata_dir: /tmp/dx\n"), 0o644))

	s, err := InitConfig(path)
	require.NoError(t, err)
	assert.Same(t, s, Config)
	assert.Equal(t, 3, s.DisplayMaxColumns)
	assert.True(t, s.AsyncPersist)
	assert.Equal(t, "/tmp/dx", s.DataDir)
}

func TestInvalid(t *testing.T) {
	t.Setenv("DX_SAMPLING_METHOD", "shuffle")
	_, err := Load("")
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestDefaultIgnoresEnvironment(t *testing.T) {
	t.Setenv("DX_DISPLAY_MAX_ROWS", "10")
	assert.Equal(t, 100_000, Default().DisplayMaxRows)
}
