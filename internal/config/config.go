package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"nitrosync/internal/utils"

	_ "embed"
)

//go:embed config.sample.json
var sampleConfig []byte

const (
	CONFIG_DIR_PATH  = "nitrosync"
	CONFIG_FILE_PATH = "config.json"
	CONFIG_DIR_PERM  = 0755
	CONFIG_FILE_PERM = 0644

	// DATA_FILE_NAME is the default sqlite database name.
	DATA_FILE_NAME = "nitrosync.db"
)

// Storage types.
const (
	StorageSQLite = "sqlite"
	StorageFile   = "file"
	StorageRedis  = "redis"
	StorageMemory = "memory"
)

var (
	configMu         sync.Mutex
	globalConfig     *Config
	customConfigPath string // set via --config
)

// Config is the application configuration.
type Config struct {
	ServerURL string        `json:"server_url" validate:"required,url"`
	Storage   StorageConfig `json:"storage"`
	Sync      SyncConfig    `json:"sync"`
	Verbose   bool          `json:"verbose"`
}

// StorageConfig selects the local key-value store.
type StorageConfig struct {
	Type string `json:"type" validate:"oneof=sqlite file redis memory"`
	// Path is the sqlite database file or the file store directory. Empty
	// means the XDG data directory.
	Path        string `json:"path,omitempty"`
	RedisAddr   string `json:"redis_addr,omitempty" validate:"required_if=Type redis"`
	RedisPrefix string `json:"redis_prefix,omitempty"`
}

// SyncConfig tunes the sync engine.
type SyncConfig struct {
	AutoSync              bool `json:"auto_sync"`
	MaxAttempts           int  `json:"max_attempts" validate:"gte=0"`
	RequestTimeoutSeconds int  `json:"request_timeout_seconds" validate:"gte=0,lte=600"`
	// TaskServerParams extends the task fields sent to the server.
	TaskServerParams []string `json:"task_server_params,omitempty" validate:"dive,required"`
}

// Validate checks the struct tags.
func (c Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return err
	}
	return nil
}

// RequestTimeout returns the configured per-request timeout, or zero.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Sync.RequestTimeoutSeconds) * time.Second
}

// StoragePath returns the expanded storage path, defaulting to the XDG data
// directory.
func (c *Config) StoragePath() (string, error) {
	if c.Storage.Path != "" {
		return ExpandPath(c.Storage.Path)
	}
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	if c.Storage.Type == StorageFile {
		return filepath.Join(dir, "store"), nil
	}
	return filepath.Join(dir, DATA_FILE_NAME), nil
}

// DataDir returns $XDG_DATA_HOME/nitrosync or ~/.local/share/nitrosync.
func DataDir() (string, error) {
	if xdgDataHome := os.Getenv("XDG_DATA_HOME"); xdgDataHome != "" {
		return filepath.Join(xdgDataHome, CONFIG_DIR_PATH), nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", CONFIG_DIR_PATH), nil
}

// SetCustomConfigPath sets a custom config path to use instead of the
// default user config directory. If path is a directory, config.json inside
// it is used. It resets any cached config.
func SetCustomConfigPath(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	globalConfig = nil
	if path == "" {
		customConfigPath = ""
		return
	}
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		customConfigPath = filepath.Join(path, CONFIG_FILE_PATH)
	} else {
		customConfigPath = path
	}
}

// GetConfigPath returns the config file location.
func GetConfigPath() (string, error) {
	configMu.Lock()
	custom := customConfigPath
	configMu.Unlock()
	if custom != "" {
		return custom, nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user config dir: %w", err)
	}
	return filepath.Join(dir, CONFIG_DIR_PATH, CONFIG_FILE_PATH), nil
}

// GetConfig loads the configuration once and caches it.
func GetConfig() (*Config, error) {
	configMu.Lock()
	if globalConfig != nil {
		defer configMu.Unlock()
		return globalConfig, nil
	}
	configMu.Unlock()

	path, err := GetConfigPath()
	if err != nil {
		return nil, err
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	configMu.Lock()
	defer configMu.Unlock()
	globalConfig = cfg
	return cfg, nil
}

// Load reads the config at path, creating it from the sample if missing. A
// .env file next to the config is loaded into the environment first so
// tokens can be supplied there.
func Load(path string) (*Config, error) {
	loadDotEnv(filepath.Join(filepath.Dir(path), ".env"))

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		utils.Infof("No config at %s, creating it from the sample", path)
		if err := createConfigFromSample(path); err != nil {
			return nil, err
		}
		data = sampleConfig
	} else if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse(data, path)
}

// Parse decodes and validates config data. path is only used in errors.
func Parse(data []byte, path string) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(sampleConfig, &cfg); err != nil {
		return nil, fmt.Errorf("invalid sample config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid JSON in config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return &cfg, nil
}

// Sample returns the default config.
func Sample() *Config {
	cfg, err := Parse(sampleConfig, "sample")
	if err != nil {
		panic(err)
	}
	return cfg
}

func createConfigFromSample(configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), CONFIG_DIR_PERM); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}
	if err := os.WriteFile(configPath, sampleConfig, CONFIG_FILE_PERM); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func loadDotEnv(path string) {
	if _, err := os.Stat(path); err != nil {
		return
	}
	if err := godotenv.Load(path); err != nil {
		utils.Warnf("failed to load %s: %v", path, err)
		return
	}
	utils.Debugf("loaded environment from %s", path)
}

// ExpandPath expands ~ and environment variables in file paths.
// A leading backslash keeps a literal ~ or $.
func ExpandPath(path string) (string, error) {
	if path == "" {
		return path, nil
	}
	if strings.HasPrefix(path, `\~`) || strings.HasPrefix(path, `\$`) {
		return path[1:], nil
	}

	path = os.ExpandEnv(path)
	if path == "~" || strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if path == "~" {
			return homeDir, nil
		}
		path = filepath.Join(homeDir, path[2:])
	}
	return path, nil
}
