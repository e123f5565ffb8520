package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "data"))
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv("XDG_CACHE_HOME", filepath.Join(dir, "cache"))

	cfg := New()
	assert.Equal(t, filepath.Join(dir, "data", AppName), cfg.DataDir)
	assert.Equal(t, filepath.Join(cfg.DataDir, "godefrag.db"), cfg.DBPath)
	assert.Equal(t, filepath.Join(cfg.DataDir, "journal"), cfg.JournalDir)
	assert.Equal(t, ":8148", cfg.APIAddress)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 4096, cfg.NumFilteredClusters)
	assert.Equal(t, 5*time.Second, cfg.StopTimeout)
	assert.Equal(t, uint64(50<<20), cfg.SpaceHogBytes)
	assert.Equal(t, uint64(3), cfg.ReadRetries)
	assert.False(t, cfg.Writable)
	assert.DirExists(t, cfg.DataDir)
}

func TestNewFromEnvironment(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_DATA_HOME", dir)
	t.Setenv("GODEFRAG_DB_PATH", filepath.Join(dir, "x.db"))
	t.Setenv("GODEFRAG_SQUARES", "800")
	t.Setenv("GODEFRAG_STOP_TIMEOUT", "250ms")
	t.Setenv("GODEFRAG_SPACEHOG_BYTES", "1MiB")
	t.Setenv("GODEFRAG_READ_RETRIES", "0")
	t.Setenv("GODEFRAG_WRITE", "true")

	cfg := New()
	assert.Equal(t, filepath.Join(dir, "x.db"), cfg.DBPath)
	assert.Equal(t, 800, cfg.NumFilteredClusters)
	assert.Equal(t, 250*time.Millisecond, cfg.StopTimeout)
	assert.Equal(t, uint64(1<<20), cfg.SpaceHogBytes)
	assert.Equal(t, uint64(0), cfg.ReadRetries)
	assert.True(t, cfg.Writable)
}

func TestMalformedValuesFallBack(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	t.Setenv("GODEFRAG_SQUARES", "lots")
	t.Setenv("GODEFRAG_STOP_TIMEOUT", "-1s")
	t.Setenv("GODEFRAG_SPACEHOG_BYTES", "huge")
	t.Setenv("GODEFRAG_WRITE", "maybe")

	cfg := New()
	assert.Equal(t, 4096, cfg.NumFilteredClusters)
	assert.Equal(t, 5*time.Second, cfg.StopTimeout)
	assert.Equal(t, uint64(50<<20), cfg.SpaceHogBytes)
	assert.False(t, cfg.Writable)
}
