package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	viper.Set(KeyDataDir, dir)
	t.Cleanup(func() { viper.Set(KeyDataDir, "") })

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, DefaultListen, cfg.Listen)
	assert.Equal(t, "sqlite", cfg.Backend)
	assert.Equal(t, "hash", cfg.EmbedProvider)
	assert.Equal(t, 0.95, cfg.DedupSkipThreshold)
	assert.Equal(t, 0.85, cfg.DedupSupersedeThreshold)
	assert.Equal(t, 5, cfg.DedupCandidates)
	assert.Equal(t, 0.5, cfg.SearchWeightSemantic)
	assert.Equal(t, 0.3, cfg.SearchWeightKeyword)
	assert.Equal(t, 0.1, cfg.SearchWeightTrust)
	assert.Equal(t, 0.1, cfg.SearchWeightRecency)
	assert.Equal(t, 30*24*time.Hour, cfg.TrustRecencyHalfLife)
	assert.Equal(t, 0.88, cfg.ConsolidationThreshold)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, filepath.Join(dir, "memory.db"), cfg.MemoryDBPath())
}

func TestLoad_OverridesApply(t *testing.T) {
	viper.Set(KeyBackend, "memvec")
	viper.Set(KeyDedupSkipThreshold, 0.99)
	t.Cleanup(func() {
		viper.Set(KeyBackend, DefaultBackend)
		viper.Set(KeyDedupSkipThreshold, DefaultDedupSkip)
	})

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "memvec", cfg.Backend)
	assert.Equal(t, 0.99, cfg.DedupSkipThreshold)
}

func TestLoad_RejectsUnknownBackend(t *testing.T) {
	viper.Set(KeyBackend, "postgres")
	t.Cleanup(func() { viper.Set(KeyBackend, DefaultBackend) })

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend")
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Backend:                 "sqlite",
			DedupSkipThreshold:      0.95,
			DedupSupersedeThreshold: 0.85,
			DedupCandidates:         5,
			SearchWeightSemantic:    0.5,
			SearchWeightKeyword:     0.3,
			SearchWeightTrust:       0.1,
			SearchWeightRecency:     0.1,
			ConsolidationThreshold:  0.88,
		}
	}
	require.NoError(t, base().validate())

	c := base()
	c.DedupSkipThreshold = 0.8 // below supersede
	assert.Error(t, c.validate())

	c = base()
	c.DedupCandidates = 0
	assert.Error(t, c.validate())

	c = base()
	c.SearchWeightSemantic, c.SearchWeightKeyword, c.SearchWeightTrust, c.SearchWeightRecency = 0, 0, 0, 0
	assert.Error(t, c.validate())

	c = base()
	c.ConsolidationThreshold = 1.5
	assert.Error(t, c.validate())

	c = base()
	c.ConsolidationThreshold = 0
	assert.Error(t, c.validate())
}

func TestLoadFile_MergesYAML(t *testing.T) {
	dir := t.TempDir()
	yaml := "listen: \":9999\"\nembed_provider: ollama\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "engram.config.yaml"), []byte(yaml), 0o600))
	t.Cleanup(func() {
		viper.Set(KeyListen, DefaultListen)
		viper.Set(KeyEmbedProvider, DefaultEmbedProvider)
	})

	require.NoError(t, LoadFile(dir))
	assert.Equal(t, ":9999", viper.GetString(KeyListen))
	assert.Equal(t, "ollama", viper.GetString(KeyEmbedProvider))
}

func TestLoadFile_MissingFileIsFine(t *testing.T) {
	assert.NoError(t, LoadFile(t.TempDir()))
}

func TestEnsureDataDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "engram")
	c := &Config{DataDir: dir}
	require.NoError(t, c.EnsureDataDir())
	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
