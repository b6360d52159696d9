package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// RuntimeConfig is the process-level configuration assembled from flags
// and environment variables. It is distinct from the settings document,
// which is owned by the Store and reloadable at runtime.
type RuntimeConfig struct {
	Listen         string        `json:"listen" mapstructure:"listen"`
	BasePath       string        `json:"base_path" mapstructure:"base-path"`
	NameSeparator  string        `json:"name_separator" mapstructure:"name-separator"`
	RequestTimeout time.Duration `json:"request_timeout" mapstructure:"request-timeout"`
	DataDir        string        `json:"data_dir" mapstructure:"data-dir"`
	SettingsPath   string        `json:"settings_path" mapstructure:"settings"`
	Development    bool          `json:"development" mapstructure:"development"`

	Logging *LogConfig `json:"logging,omitempty" mapstructure:"logging"`
}

// LogConfig represents logging configuration.
type LogConfig struct {
	Level         string `json:"level" mapstructure:"level"`
	EnableFile    bool   `json:"enable_file" mapstructure:"enable-file"`
	EnableConsole bool   `json:"enable_console" mapstructure:"enable-console"`
	Filename      string `json:"filename" mapstructure:"filename"`
	LogDir        string `json:"log_dir,omitempty" mapstructure:"log-dir"`
	MaxSize       int    `json:"max_size" mapstructure:"max-size"` // MB
	MaxBackups    int    `json:"max_backups" mapstructure:"max-backups"`
	MaxAge        int    `json:"max_age" mapstructure:"max-age"` // days
	Compress      bool   `json:"compress" mapstructure:"compress"`
	JSONFormat    bool   `json:"json_format" mapstructure:"json-format"`
}

// DefaultRuntimeConfig returns process defaults before flag and env
// overrides are applied.
func DefaultRuntimeConfig() *RuntimeConfig {
	return &RuntimeConfig{
		Listen:         ":3000",
		BasePath:       "",
		NameSeparator:  DefaultNameSeparator,
		RequestTimeout: 60 * time.Second,
		DataDir:        DefaultDataDir(),
		Logging: &LogConfig{
			Level:         "info",
			EnableFile:    true,
			EnableConsole: true,
			Filename:      "mcphub.log",
			MaxSize:       10,
			MaxBackups:    5,
			MaxAge:        30,
			Compress:      true,
		},
	}
}

// ApplyEnv overlays the well-known environment variables PORT, BASE_PATH,
// REQUEST_TIMEOUT and NODE_ENV onto the runtime config.
func (c *RuntimeConfig) ApplyEnv(lookup func(string) string) error {
	if port := lookup("PORT"); port != "" {
		if _, err := strconv.Atoi(port); err != nil {
			return fmt.Errorf("invalid PORT value %q: %w", port, err)
		}
		c.Listen = ":" + port
	}
	if base := lookup("BASE_PATH"); base != "" {
		c.BasePath = normalizeBasePath(base)
	}
	if timeout := lookup("REQUEST_TIMEOUT"); timeout != "" {
		ms, err := strconv.ParseInt(timeout, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid REQUEST_TIMEOUT value %q: %w", timeout, err)
		}
		c.RequestTimeout = time.Duration(ms) * time.Millisecond
	}
	if env := lookup("NODE_ENV"); env != "" {
		c.Development = env == "development"
	}
	return nil
}

// Validate normalises and checks the runtime config.
func (c *RuntimeConfig) Validate() error {
	if c.Listen == "" {
		c.Listen = ":3000"
	}
	if c.NameSeparator == "" {
		return fmt.Errorf("name separator must not be empty")
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 60 * time.Second
	}
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir()
	}
	c.BasePath = normalizeBasePath(c.BasePath)
	return nil
}

// DefaultDataDir is ~/.mcphub, falling back to a relative .mcphub when
// the home directory cannot be resolved.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mcphub"
	}
	return filepath.Join(home, ".mcphub")
}

// normalizeBasePath ensures a leading slash and no trailing slash; the
// empty string means the server root.
func normalizeBasePath(p string) string {
	if p == "" || p == "/" {
		return ""
	}
	if p[0] != '/' {
		p = "/" + p
	}
	for len(p) > 1 && p[len(p)-1] == '/' {
		p = p[:len(p)-1]
	}
	return p
}
