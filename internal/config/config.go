package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/spf13/viper"
)

// Config represents the quench configuration
type Config struct {
	// Storage paths
	Storage StorageConfig `mapstructure:"storage"`

	// Stage defaults
	Optimize  OptimizeConfig  `mapstructure:"optimize"`
	Quantize  QuantizeConfig  `mapstructure:"quantize"`
	Benchmark BenchmarkConfig `mapstructure:"benchmark"`

	// Remote hub and local servers
	Hub   HubConfig   `mapstructure:"hub"`
	Serve ServeConfig `mapstructure:"serve"`

	// UI settings
	UI UIConfig `mapstructure:"ui"`

	// Security settings
	Security SecurityConfig `mapstructure:"security"`
}

type StorageConfig struct {
	BaseDir      string `mapstructure:"base_dir"`
	ModelsDir    string `mapstructure:"models_dir"`
	ArtifactsDir string `mapstructure:"artifacts_dir"`
	HubDir       string `mapstructure:"hub_dir"`
	CacheDir     string `mapstructure:"cache_dir"`
}

type OptimizeConfig struct {
	Level     string  `mapstructure:"level"`
	Verify    bool    `mapstructure:"verify"`
	Tolerance float64 `mapstructure:"tolerance"`
	Probes    int     `mapstructure:"probes"`
}

type QuantizeConfig struct {
	ISA        string  `mapstructure:"isa"`
	PerChannel bool    `mapstructure:"per_channel"`
	Static     bool    `mapstructure:"static"`
	Method     string  `mapstructure:"method"`
	Samples    int     `mapstructure:"samples"`
	Percentile float64 `mapstructure:"percentile"`
	Embeddings bool    `mapstructure:"embeddings"`
	HostCheck  bool    `mapstructure:"host_check"`
	// ReduceRange overrides the ISA preset when set.
	ReduceRange *bool `mapstructure:"reduce_range"`
}

type BenchmarkConfig struct {
	Warmup     int `mapstructure:"warmup"`
	Iterations int `mapstructure:"iterations"`
	BatchSize  int `mapstructure:"batch_size"`
}

type HubConfig struct {
	// URL of an HTTP hub. Empty means the local directory hub in storage.hub_dir.
	URL        string        `mapstructure:"url"`
	Token      string        `mapstructure:"token"`
	Retries    int           `mapstructure:"retries"`
	Backoff    time.Duration `mapstructure:"backoff"`
	UploadRate int64         `mapstructure:"upload_rate"`
	ListenAddr string        `mapstructure:"listen_addr"`
	// UploadTTL is how long a served hub keeps an idle upload session.
	UploadTTL time.Duration `mapstructure:"upload_ttl"`
}

type ServeConfig struct {
	Addr string `mapstructure:"addr"`
}

type UIConfig struct {
	ProgressBar bool   `mapstructure:"progress_bar"`
	Color       bool   `mapstructure:"color"`
	Verbose     bool   `mapstructure:"verbose"`
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"`
}

type SecurityConfig struct {
	SignManifests   bool   `mapstructure:"sign_manifests"`
	VerifyManifests bool   `mapstructure:"verify_manifests"`
	KeysDir         string `mapstructure:"keys_dir"`
}

var (
	cfg *Config
	v   *viper.Viper
)

// Initialize sets up the configuration. An explicit configFile overrides the
// search path.
func Initialize(configFile string) error {
	nv := viper.New()

	if configFile != "" {
		nv.SetConfigFile(configFile)
	} else {
		nv.SetConfigName("config")
		nv.SetConfigType("yaml")
		nv.AddConfigPath(".")
		if configDir := getUserConfigDir(); configDir != "" {
			nv.AddConfigPath(configDir)
		}
		nv.AddConfigPath(getDefaultBaseDir())
	}

	setDefaults(nv)

	nv.SetEnvPrefix("QUENCH")
	nv.AutomaticEnv()

	if err := nv.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	c := &Config{}
	if err := nv.Unmarshal(c); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}
	expandPaths(c)

	cfg, v = c, nv
	return nil
}

// setDefaults sets all default values
func setDefaults(v *viper.Viper) {
	// Storage defaults; empty subdirectories resolve under base_dir
	v.SetDefault("storage.base_dir", getDefaultBaseDir())
	v.SetDefault("storage.models_dir", "")
	v.SetDefault("storage.artifacts_dir", "")
	v.SetDefault("storage.hub_dir", "")
	v.SetDefault("storage.cache_dir", "")

	v.SetDefault("optimize.level", "all")
	v.SetDefault("optimize.verify", true)
	v.SetDefault("optimize.tolerance", 1e-4)
	v.SetDefault("optimize.probes", 64)

	v.SetDefault("quantize.isa", "avx512_vnni")
	v.SetDefault("quantize.per_channel", false)
	v.SetDefault("quantize.static", false)
	v.SetDefault("quantize.method", "minmax")
	v.SetDefault("quantize.samples", 100)
	v.SetDefault("quantize.percentile", 99.99)
	v.SetDefault("quantize.embeddings", false)
	v.SetDefault("quantize.host_check", false)
	// No reduce_range default: unset lets the ISA preset decide.
	_ = v.BindEnv("quantize.reduce_range")

	v.SetDefault("benchmark.warmup", 10)
	v.SetDefault("benchmark.iterations", 100)
	v.SetDefault("benchmark.batch_size", 1)

	v.SetDefault("hub.url", "")
	v.SetDefault("hub.token", "")
	v.SetDefault("hub.retries", 3)
	v.SetDefault("hub.backoff", 500*time.Millisecond)
	v.SetDefault("hub.upload_rate", 0) // Unlimited
	v.SetDefault("hub.listen_addr", "127.0.0.1:8470")
	v.SetDefault("hub.upload_ttl", time.Hour)

	v.SetDefault("serve.addr", "127.0.0.1:8471")

	v.SetDefault("ui.progress_bar", true)
	v.SetDefault("ui.color", true)
	v.SetDefault("ui.verbose", false)
	v.SetDefault("ui.log_level", "info")
	v.SetDefault("ui.log_format", "text")

	v.SetDefault("security.sign_manifests", true)
	v.SetDefault("security.verify_manifests", true)
	v.SetDefault("security.keys_dir", "")
}

// getDefaultBaseDir returns the default base directory
func getDefaultBaseDir() string {
	if dir := os.Getenv("QUENCH_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".quench"
	}
	return filepath.Join(home, ".quench")
}

// getUserConfigDir returns the user's config directory
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "quench")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "quench")
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "quench")
		}
		return filepath.Join(home, "AppData", "Roaming", "quench")
	default:
		return filepath.Join(home, ".config", "quench")
	}
}

// expandPaths expands ~ and env vars and fills subdirectories from base_dir
func expandPaths(cfg *Config) {
	cfg.Storage.BaseDir = expandPath(cfg.Storage.BaseDir)

	sub := func(p *string, name string) {
		if *p == "" {
			*p = filepath.Join(cfg.Storage.BaseDir, name)
			return
		}
		*p = expandPath(*p)
	}
	sub(&cfg.Storage.ModelsDir, "models")
	sub(&cfg.Storage.ArtifactsDir, "artifacts")
	sub(&cfg.Storage.HubDir, "hub")
	sub(&cfg.Storage.CacheDir, "cache")
	sub(&cfg.Security.KeysDir, "keys")
}

// expandPath expands ~ and environment variables
func expandPath(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[1:])
		}
	}
	return os.ExpandEnv(path)
}

// Get returns the current configuration
func Get() *Config {
	if cfg == nil {
		panic("config not initialized")
	}
	return cfg
}

// GetViper returns the viper instance
func GetViper() *viper.Viper {
	if v == nil {
		panic("config not initialized")
	}
	return v
}

// SaveConfig writes the current configuration to path
func SaveConfig(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return GetViper().WriteConfigAs(path)
}

// ConfigPath is where `quench init` writes the configuration.
func ConfigPath() string {
	return filepath.Join(Get().Storage.BaseDir, "config.yaml")
}

// CreateAllDirs creates all configured directories
func CreateAllDirs() error {
	c := Get()
	dirs := []string{
		c.Storage.BaseDir,
		c.Storage.ModelsDir,
		c.Storage.ArtifactsDir,
		c.Storage.HubDir,
		c.Storage.CacheDir,
		c.Security.KeysDir,
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	// Keys dir should be more secure
	if err := os.Chmod(c.Security.KeysDir, 0o700); err != nil {
		return fmt.Errorf("failed to secure keys directory: %w", err)
	}
	return nil
}
