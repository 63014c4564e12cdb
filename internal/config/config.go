// Package config loads vaultback's YAML configuration file, following the
// precedence file -> VAULTBACK_* environment -> defaults.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/vaultback/vaultback/internal/bytesize"
	"github.com/vaultback/vaultback/internal/crypto"
)

// Config is the full recognized option set.
type Config struct {
	// Remote credentials/target.
	AppKeyID   string `mapstructure:"app_key_id" validate:"required" yaml:"app_key_id"`
	AppKey     string `mapstructure:"app_key" validate:"required" yaml:"app_key"`
	BucketID   string `mapstructure:"bucket_id" validate:"required" yaml:"bucket_id"`
	BucketName string `mapstructure:"bucket_name" validate:"required" yaml:"bucket_name"`

	// Key is 64 hex chars = 32 bytes, the master encryption key.
	Key string `mapstructure:"key" validate:"required,len=64,hexadecimal" yaml:"key"`

	Includes []string `mapstructure:"includes" validate:"required,min=1" yaml:"includes"`
	Excludes []string `mapstructure:"excludes" yaml:"excludes,omitempty"`

	KeepDeletedFiles bool   `mapstructure:"keep_deleted_files" yaml:"keep_deleted_files"`
	NumThreads       uint32 `mapstructure:"num_threads" yaml:"num_threads"`
	CompressionLevel int32  `mapstructure:"compression_level" yaml:"compression_level"`

	MinArchiveLen  bytesize.ByteSize `mapstructure:"min_archive_len" yaml:"min_archive_len"`
	MaxManifestLen bytesize.ByteSize `mapstructure:"max_manifest_len" yaml:"max_manifest_len"`

	SmallArchivesUpperLimit uint32 `mapstructure:"small_archives_upper_limit" yaml:"small_archives_upper_limit"`
	SmallArchivesLowerLimit uint32 `mapstructure:"small_archives_lower_limit" yaml:"small_archives_lower_limit"`
	SmallPatchsetsLimit     uint32 `mapstructure:"small_patchsets_limit" yaml:"small_patchsets_limit"`

	// Endpoint/Region name the S3-compatible endpoint to talk to; B2's
	// S3-compatible API takes them like any other S3 region/endpoint pair.
	Endpoint       string        `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	Region         string        `mapstructure:"region" yaml:"region,omitempty"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout,omitempty"`

	// CacheBudget bounds the decrypted-archive LRU fetch cache.
	CacheBudget bytesize.ByteSize `mapstructure:"cache_budget" yaml:"cache_budget,omitempty"`

	// ManifestPath is the local manifest database file. Defaults under the
	// same XDG config directory the config file itself lives in.
	ManifestPath string `mapstructure:"manifest_path" yaml:"manifest_path,omitempty"`

	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
}

// LoggingConfig controls internal/logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// MasterKey decodes Key into a crypto.MasterKey.
func (c *Config) MasterKey() (crypto.MasterKey, error) {
	var mk crypto.MasterKey
	raw, err := hex.DecodeString(c.Key)
	if err != nil {
		return mk, fmt.Errorf("decode master key: %w", err)
	}
	if len(raw) != crypto.KeySize {
		return mk, fmt.Errorf("master key must decode to %d bytes, got %d", crypto.KeySize, len(raw))
	}
	copy(mk[:], raw)
	return mk, nil
}

// Load loads configuration from file, environment, and defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	found, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	ApplyDefaults(cfg)

	if found {
		if err := v.Unmarshal(cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
		ApplyDefaults(cfg)
		// An explicit 0 for either upper limit disables the matching
		// compaction sweep, so it is kept rather than defaulted.
		if v.IsSet("small_archives_upper_limit") && v.GetUint32("small_archives_upper_limit") == 0 {
			cfg.SmallArchivesUpperLimit = 0
		}
		if v.IsSet("small_patchsets_limit") && v.GetUint32("small_patchsets_limit") == 0 {
			cfg.SmallPatchsetsLimit = 0
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// MustLoad loads configuration, producing an actionable error if no config
// file exists at the resolved path.
func MustLoad(configPath string) (*Config, error) {
	if configPath == "" {
		if !DefaultConfigExists() {
			return nil, fmt.Errorf("no configuration file found at default location: %s\n\n"+
				"initialize one first:\n  vaultback init-config\n\n"+
				"or point at an existing one:\n  vaultback <command> --config /path/to/config.yaml",
				GetDefaultConfigPath())
		}
		configPath = GetDefaultConfigPath()
	} else if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s", configPath)
	}

	return Load(configPath)
}

// SaveConfig writes cfg as YAML to path, creating parent directories as
// needed. The file is written 0600 since it contains credentials and the
// master key.
func SaveConfig(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// InitConfig writes a starter configuration file to the default location,
// refusing to overwrite an existing one unless force is set.
func InitConfig(force bool) (string, error) {
	return GetDefaultConfigPath(), InitConfigToPath(GetDefaultConfigPath(), force)
}

// InitConfigToPath writes a starter configuration file to path, generating
// a fresh random master key so the file is immediately usable.
func InitConfigToPath(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("configuration file already exists at %s (use --force to overwrite)", path)
		}
	}

	var key [crypto.KeySize]byte
	if _, err := rand.Read(key[:]); err != nil {
		return fmt.Errorf("failed to generate master key: %w", err)
	}

	cfg := &Config{
		AppKeyID:   "REPLACE_WITH_B2_APPLICATION_KEY_ID",
		AppKey:     "REPLACE_WITH_B2_APPLICATION_KEY",
		BucketID:   "REPLACE_WITH_B2_BUCKET_ID",
		BucketName: "REPLACE_WITH_B2_BUCKET_NAME",
		Key:        hex.EncodeToString(key[:]),
		Includes:   []string{"/home/REPLACE_WITH_USER/Documents"},
	}
	ApplyDefaults(cfg)

	return SaveConfig(cfg, path)
}

// Validate runs struct-tag validation over cfg.
func Validate(cfg *Config) error {
	return validator.New().Struct(cfg)
}

// ApplyDefaults fills zero-valued fields with their defaults. Load keeps an
// explicitly configured 0 for small_archives_upper_limit and
// small_patchsets_limit afterwards.
func ApplyDefaults(cfg *Config) {
	if cfg.NumThreads == 0 {
		cfg.NumThreads = uint32(runtime.NumCPU())
	}
	if cfg.CompressionLevel == 0 {
		cfg.CompressionLevel = 17
	}
	if cfg.MinArchiveLen == 0 {
		cfg.MinArchiveLen = bytesize.ByteSize(50_000_000)
	}
	if cfg.MaxManifestLen == 0 {
		cfg.MaxManifestLen = bytesize.ByteSize(10_000_000)
	}
	if cfg.SmallArchivesUpperLimit == 0 {
		cfg.SmallArchivesUpperLimit = 10
	}
	if cfg.SmallArchivesLowerLimit == 0 {
		cfg.SmallArchivesLowerLimit = 5
	}
	if cfg.SmallPatchsetsLimit == 0 {
		cfg.SmallPatchsetsLimit = 25
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if cfg.CacheBudget == 0 {
		cfg.CacheBudget = bytesize.ByteSize(256 * bytesize.MiB)
	}
	if cfg.ManifestPath == "" {
		cfg.ManifestPath = filepath.Join(getConfigDir(), "manifest.db")
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
	}
	cfg.Logging.Level = strings.ToUpper(cfg.Logging.Level)
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("VAULTBACK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}

	configDir := getConfigDir()
	v.AddConfigPath(configDir)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
}

func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
	)
}

func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(_ reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return bytesize.ParseByteSize(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(_ reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

func getConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "vaultback")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "vaultback")
}

// GetDefaultConfigPath returns the default config file location.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists reports whether a config file exists at the default
// location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir exposes the config directory for the init-config command.
func GetConfigDir() string {
	return getConfigDir()
}
