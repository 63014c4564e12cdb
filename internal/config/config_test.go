package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultback/vaultback/internal/bytesize"
)

func validConfig() *Config {
	cfg := &Config{
		AppKeyID:   "key-id",
		AppKey:     "app-key",
		BucketID:   "bucket-id",
		BucketName: "bucket-name",
		Key:        "0000000000000000000000000000000000000000000000000000000000000000"[:64],
		Includes:   []string{"/home/user/docs"},
	}
	ApplyDefaults(cfg)
	return cfg
}

func TestApplyDefaults(t *testing.T) {
	cfg := validConfig()

	assert.Positive(t, cfg.NumThreads)
	assert.EqualValues(t, 17, cfg.CompressionLevel)
	assert.EqualValues(t, 50_000_000, cfg.MinArchiveLen)
	assert.EqualValues(t, 10_000_000, cfg.MaxManifestLen)
	assert.EqualValues(t, 10, cfg.SmallArchivesUpperLimit)
	assert.EqualValues(t, 5, cfg.SmallArchivesLowerLimit)
	assert.EqualValues(t, 25, cfg.SmallPatchsetsLimit)
	assert.EqualValues(t, 256*bytesize.MiB, cfg.CacheBudget)
	assert.Equal(t, "INFO", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, "stdout", cfg.Logging.Output)
}

func TestValidateRejectsMissingFields(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)
	err := Validate(cfg)
	assert.Error(t, err)
}

func TestValidateAcceptsWellFormedConfig(t *testing.T) {
	require.NoError(t, Validate(validConfig()))
}

func TestValidateRejectsShortKey(t *testing.T) {
	cfg := validConfig()
	cfg.Key = "deadbeef"
	assert.Error(t, Validate(cfg))
}

func TestMasterKeyDecodesHex(t *testing.T) {
	cfg := validConfig()
	cfg.Key = "0102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f20"[:64]

	mk, err := cfg.MasterKey()
	require.NoError(t, err)
	assert.Equal(t, byte(0x01), mk[0])
	assert.Equal(t, byte(0x20), mk[31])
}

func TestSaveAndLoadConfigRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	cfg := validConfig()
	require.NoError(t, SaveConfig(cfg, path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.BucketName, loaded.BucketName)
	assert.Equal(t, cfg.Key, loaded.Key)
}

func TestGetDefaultConfigPathHonorsXDG(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdgtest")
	assert.Equal(t, "/tmp/xdgtest/vaultback/config.yaml", GetDefaultConfigPath())
}
