package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
)

const (
	// AppName is the application name used in paths
	AppName = "godefrag"
)

// Config holds all application configuration.
type Config struct {
	// Paths
	DataDir   string // Base data directory (XDG_DATA_HOME/godefrag)
	ConfigDir string // Config directory (XDG_CONFIG_HOME/godefrag)
	CacheDir  string // Cache directory (XDG_CACHE_HOME/godefrag)

	// Derived paths
	DBPath     string // SQLite session history
	JournalDir string // move journal for writable volumes

	// Server
	APIAddress string

	// Logging
	LogLevel string

	// Engine
	NumFilteredClusters int
	StopTimeout         time.Duration
	SpaceHogBytes       uint64
	ReadRetries         uint64
	// Writable lets sessions relocate clusters on image files and devices.
	Writable bool
}

// New creates a new Config with values from environment or defaults.
func New() *Config {
	cfg := &Config{}

	// Base directories (XDG base directories)
	cfg.DataDir = getDataDir()
	cfg.ConfigDir = getConfigDir()
	cfg.CacheDir = getCacheDir()

	// Ensure directories exist
	os.MkdirAll(cfg.DataDir, 0755)
	os.MkdirAll(cfg.ConfigDir, 0755)
	os.MkdirAll(cfg.CacheDir, 0755)

	// Derived paths
	cfg.DBPath = envOrDefault("GODEFRAG_DB_PATH", filepath.Join(cfg.DataDir, "godefrag.db"))
	cfg.JournalDir = envOrDefault("GODEFRAG_JOURNAL_DIR", filepath.Join(cfg.DataDir, "journal"))

	// Server config
	cfg.APIAddress = envOrDefault("GODEFRAG_API_ADDRESS", ":8148")

	// Logging
	cfg.LogLevel = envOrDefault("GODEFRAG_LOG_LEVEL", "info")

	// Engine
	cfg.NumFilteredClusters = envInt("GODEFRAG_SQUARES", 4096)
	cfg.StopTimeout = envDuration("GODEFRAG_STOP_TIMEOUT", 5*time.Second)
	cfg.SpaceHogBytes = envBytes("GODEFRAG_SPACEHOG_BYTES", 50*humanize.MiByte)
	cfg.ReadRetries = uint64(envInt("GODEFRAG_READ_RETRIES", 3))
	cfg.Writable = envBool("GODEFRAG_WRITE", false)

	return cfg
}

// getDataDir returns the data directory following the XDG base directory layout.
// $XDG_DATA_HOME/godefrag or ~/.local/share/godefrag
func getDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, AppName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", AppName, "data")
	}
	return filepath.Join(home, ".local", "share", AppName)
}

// getConfigDir returns the config directory following the XDG base directory layout.
// $XDG_CONFIG_HOME/godefrag or ~/.config/godefrag
func getConfigDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, AppName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", AppName, "config")
	}
	return filepath.Join(home, ".config", AppName)
}

// getCacheDir returns the cache directory following the XDG base directory layout.
// $XDG_CACHE_HOME/godefrag or ~/.cache/godefrag
func getCacheDir() string {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return filepath.Join(dir, AppName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", AppName, "cache")
	}
	return filepath.Join(home, ".cache", AppName)
}

// envOrDefault returns the environment variable value or the default.
func envOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// Malformed numeric values fall back to the default.

func envInt(key string, defaultVal int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(key))
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}

// envBytes accepts sizes like "64MiB" or "100MB".
func envBytes(key string, defaultVal uint64) uint64 {
	n, err := humanize.ParseBytes(os.Getenv(key))
	if err != nil {
		return defaultVal
	}
	return n
}

func envBool(key string, defaultVal bool) bool {
	b, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return defaultVal
	}
	return b
}

// SubPath returns a path under the data directory.
func (c *Config) SubPath(parts ...string) string {
	return filepath.Join(append([]string{c.DataDir}, parts...)...)
}
