package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultRemoteDBFull   = "I:/6_EQUITIES/Database/Eiere-Database/topchanges.db"
	defaultRemoteDBRecent = "I:/6_EQUITIES/Database/Eiere-Database/topchanges_recent_60d.db"
	defaultListDir        = "I:/6_EQUITIES/Database/Eiere-Styring"
	defaultLocalDBName    = "topchanges.db"
	defaultBindAddress    = "0.0.0.0"
	defaultBindPort       = 8501
	defaultRateLimitRPS   = 25.0
	defaultRateLimitBurst = 50

	localWorkdirName = "topchanges_sqlite_work"
)

// DatabaseVariant selects which remote database the dashboard is staged from.
type DatabaseVariant string

const (
	// VariantFull is the complete ownership-change history.
	VariantFull DatabaseVariant = "full"
	// VariantRecent is the rolling 60-day window, used when the full
	// history is too large or slow to copy over the network share.
	VariantRecent DatabaseVariant = "recent"
)

// Config aggregates runtime configuration resolved from multiple sources.
// Precedence: CLI flags > YAML config > Environment variables > Defaults
//
// The snapshot is built once at startup and passed to consumers; nothing
// reads the environment after Load returns.
type Config struct {
	RemoteDBFull    string
	RemoteDBRecent  string
	ListDir         string
	LocalWorkdir    string
	LocalDBName     string
	BindAddress     string
	BindPort        int
	PublicURL       string
	DatabaseVariant DatabaseVariant
	ForceSync       bool

	ShutdownGracePeriod  time.Duration
	ReadHeaderTimeout    time.Duration
	WriteTimeout         time.Duration
	IdleTimeout          time.Duration
	EnableRequestLogging bool
	RateLimitRPS         float64
	RateLimitBurst       int
	LogLevel             string
}

// RemoteDBPath returns the remote source path for the configured variant.
func (c Config) RemoteDBPath() string {
	if c.DatabaseVariant == VariantRecent {
		return c.RemoteDBRecent
	}
	return c.RemoteDBFull
}

// LocalDBPath returns the staging destination inside the local workdir.
func (c Config) LocalDBPath() string {
	return filepath.Join(c.LocalWorkdir, c.LocalDBName)
}

// AdvertisedURL returns the address a parent application should link to:
// the configured public URL when present, otherwise a URL derived from the
// bind address and port.
func (c Config) AdvertisedURL() string {
	if c.PublicURL != "" {
		return c.PublicURL
	}
	return fmt.Sprintf("http://%s:%d", c.BindAddress, c.BindPort)
}

// yamlConfig represents the YAML configuration file structure.
type yamlConfig struct {
	RemoteDBFull        string        `yaml:"remote_db_full"`
	RemoteDBRecent      string        `yaml:"remote_db_recent"`
	ListDir             string        `yaml:"list_dir"`
	LocalWorkdir        string        `yaml:"local_workdir"`
	LocalDBName         string        `yaml:"local_db_name"`
	BindAddress         string        `yaml:"bind_address"`
	BindPort            int           `yaml:"bind_port"`
	PublicURL           string        `yaml:"public_url"`
	DatabaseVariant     string        `yaml:"database_variant"`
	ShutdownGracePeriod string        `yaml:"shutdown_grace_period"`
	ReadHeaderTimeout   string        `yaml:"read_header_timeout"`
	WriteTimeout        string        `yaml:"write_timeout"`
	IdleTimeout         string        `yaml:"idle_timeout"`
	EnableRequestLog    *bool         `yaml:"enable_request_logging"`
	LogLevel            string        `yaml:"log_level"`
	RateLimit           yamlRateLimit `yaml:"rate_limit"`
}

// yamlRateLimit represents the rate limit section in YAML.
type yamlRateLimit struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// CLIOverrides holds command-line flag overrides.
type CLIOverrides struct {
	ConfigFile      string
	BindAddress     *string
	BindPort        *int
	LocalWorkdir    *string
	DatabaseVariant *string
	ForceSync       *bool
}

// Load extracts configuration from multiple sources with precedence:
// CLI flags > YAML config > Environment variables > Defaults
//
// The environment layer never fails: absent or unparseable values fall back
// silently to the layer below, so the dashboard is always startable without
// any HANDLER_* variables set.
func Load(overrides *CLIOverrides) (Config, error) {
	cfg := defaultConfig()

	applyEnvConfig(&cfg)

	// The config file path is an explicit operator request, so failures
	// there are surfaced rather than swallowed.
	if overrides != nil && overrides.ConfigFile != "" {
		yamlCfg, err := loadFromFile(overrides.ConfigFile)
		if err != nil {
			return Config{}, fmt.Errorf("load YAML config: %w", err)
		}
		applyYAMLConfig(&cfg, yamlCfg)
	}

	if overrides != nil {
		if err := applyCLIOverrides(&cfg, overrides); err != nil {
			return Config{}, err
		}
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// defaultConfig returns a Config with default values.
func defaultConfig() Config {
	return Config{
		RemoteDBFull:         defaultRemoteDBFull,
		RemoteDBRecent:       defaultRemoteDBRecent,
		ListDir:              defaultListDir,
		LocalWorkdir:         filepath.Join(os.TempDir(), localWorkdirName),
		LocalDBName:          defaultLocalDBName,
		BindAddress:          defaultBindAddress,
		BindPort:             defaultBindPort,
		DatabaseVariant:      VariantFull,
		ShutdownGracePeriod:  10 * time.Second,
		ReadHeaderTimeout:    5 * time.Second,
		WriteTimeout:         30 * time.Second,
		IdleTimeout:          60 * time.Second,
		EnableRequestLogging: true,
		RateLimitRPS:         defaultRateLimitRPS,
		RateLimitBurst:       defaultRateLimitBurst,
		LogLevel:             "info",
	}
}

// loadFromFile loads configuration from a YAML file.
func loadFromFile(path string) (*yamlConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	var yamlCfg yamlConfig
	if err := yaml.Unmarshal(data, &yamlCfg); err != nil {
		return nil, fmt.Errorf("parse YAML: %w", err)
	}

	return &yamlCfg, nil
}

// applyYAMLConfig applies YAML configuration to the Config struct.
func applyYAMLConfig(cfg *Config, yamlCfg *yamlConfig) {
	if yamlCfg.RemoteDBFull != "" {
		cfg.RemoteDBFull = expandPath(yamlCfg.RemoteDBFull)
	}
	if yamlCfg.RemoteDBRecent != "" {
		cfg.RemoteDBRecent = expandPath(yamlCfg.RemoteDBRecent)
	}
	if yamlCfg.ListDir != "" {
		cfg.ListDir = expandPath(yamlCfg.ListDir)
	}
	if yamlCfg.LocalWorkdir != "" {
		cfg.LocalWorkdir = expandPath(yamlCfg.LocalWorkdir)
	}
	if yamlCfg.LocalDBName != "" {
		cfg.LocalDBName = yamlCfg.LocalDBName
	}
	if yamlCfg.BindAddress != "" {
		cfg.BindAddress = yamlCfg.BindAddress
	}
	if yamlCfg.BindPort > 0 {
		cfg.BindPort = yamlCfg.BindPort
	}
	if yamlCfg.PublicURL != "" {
		cfg.PublicURL = yamlCfg.PublicURL
	}
	if v, ok := parseVariant(yamlCfg.DatabaseVariant); ok {
		cfg.DatabaseVariant = v
	}

	if yamlCfg.ShutdownGracePeriod != "" {
		if d, err := time.ParseDuration(yamlCfg.ShutdownGracePeriod); err == nil {
			cfg.ShutdownGracePeriod = d
		}
	}
	if yamlCfg.ReadHeaderTimeout != "" {
		if d, err := time.ParseDuration(yamlCfg.ReadHeaderTimeout); err == nil {
			cfg.ReadHeaderTimeout = d
		}
	}
	if yamlCfg.WriteTimeout != "" {
		if d, err := time.ParseDuration(yamlCfg.WriteTimeout); err == nil {
			cfg.WriteTimeout = d
		}
	}
	if yamlCfg.IdleTimeout != "" {
		if d, err := time.ParseDuration(yamlCfg.IdleTimeout); err == nil {
			cfg.IdleTimeout = d
		}
	}

	if yamlCfg.EnableRequestLog != nil {
		cfg.EnableRequestLogging = *yamlCfg.EnableRequestLog
	}
	if yamlCfg.LogLevel != "" {
		cfg.LogLevel = yamlCfg.LogLevel
	}
	if yamlCfg.RateLimit.RPS > 0 {
		cfg.RateLimitRPS = yamlCfg.RateLimit.RPS
	}
	if yamlCfg.RateLimit.Burst > 0 {
		cfg.RateLimitBurst = yamlCfg.RateLimit.Burst
	}
}

// applyEnvConfig applies environment variable configuration.
func applyEnvConfig(cfg *Config) {
	if v := envPath("HANDLER_REMOTE_DB_FULL"); v != "" {
		cfg.RemoteDBFull = v
	}
	if v := envPath("HANDLER_REMOTE_DB_RECENT"); v != "" {
		cfg.RemoteDBRecent = v
	}
	if v := envPath("HANDLER_LIST_DIR"); v != "" {
		cfg.ListDir = v
	}
	if v := envPath("HANDLER_LOCAL_WORKDIR"); v != "" {
		cfg.LocalWorkdir = v
	}
	if v := strings.TrimSpace(os.Getenv("HANDLER_LOCAL_DB_NAME")); v != "" {
		cfg.LocalDBName = v
	}
	if v := strings.TrimSpace(os.Getenv("HANDLER_STREAMLIT_ADDRESS")); v != "" {
		cfg.BindAddress = v
	}
	if v := strings.TrimSpace(os.Getenv("HANDLER_OSLO_BORS_URL")); v != "" {
		cfg.PublicURL = v
	}
	if v, ok := parseVariant(os.Getenv("HANDLER_DB_VARIANT")); ok {
		cfg.DatabaseVariant = v
	}
	if v := strings.TrimSpace(os.Getenv("HANDLER_LOG_LEVEL")); v != "" {
		cfg.LogLevel = v
	}

	// Port precedence: the dashboard-specific variable wins over the
	// generic PORT set by most hosting environments, which wins over the
	// default.
	if port, ok := envPort("PORT"); ok {
		cfg.BindPort = port
	}
	if port, ok := envPort("HANDLER_STREAMLIT_PORT"); ok {
		cfg.BindPort = port
	}
}

// applyCLIOverrides applies command-line flag overrides.
func applyCLIOverrides(cfg *Config, overrides *CLIOverrides) error {
	if overrides.BindAddress != nil && *overrides.BindAddress != "" {
		cfg.BindAddress = *overrides.BindAddress
	}

	if overrides.BindPort != nil {
		if *overrides.BindPort <= 0 || *overrides.BindPort > 65535 {
			return fmt.Errorf("invalid port %d", *overrides.BindPort)
		}
		cfg.BindPort = *overrides.BindPort
	}

	if overrides.LocalWorkdir != nil && *overrides.LocalWorkdir != "" {
		cfg.LocalWorkdir = expandPath(*overrides.LocalWorkdir)
	}

	if overrides.DatabaseVariant != nil && *overrides.DatabaseVariant != "" {
		v, ok := parseVariant(*overrides.DatabaseVariant)
		if !ok {
			return fmt.Errorf("invalid database variant %q (want full or recent)", *overrides.DatabaseVariant)
		}
		cfg.DatabaseVariant = v
	}

	if overrides.ForceSync != nil {
		cfg.ForceSync = *overrides.ForceSync
	}

	return nil
}

// validateConfig validates the final configuration.
func validateConfig(cfg Config) error {
	if cfg.BindPort <= 0 || cfg.BindPort > 65535 {
		return fmt.Errorf("bind port must be in 1..65535, got %d", cfg.BindPort)
	}
	if cfg.LocalDBName == "" || strings.ContainsAny(cfg.LocalDBName, `/\`) {
		return fmt.Errorf("local DB name must be a bare filename, got %q", cfg.LocalDBName)
	}
	return nil
}

func parseVariant(raw string) (DatabaseVariant, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(VariantFull):
		return VariantFull, true
	case string(VariantRecent):
		return VariantRecent, true
	default:
		return "", false
	}
}

func envPath(key string) string {
	return expandPath(os.Getenv(key))
}

func envPort(key string) (int, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false
	}
	port, err := strconv.Atoi(raw)
	if err != nil || port <= 0 || port > 65535 {
		return 0, false
	}
	return port, true
}

// expandPath expands environment references and a leading ~ in operator
// supplied paths. The network share defaults are used verbatim.
func expandPath(raw string) string {
	path := strings.TrimSpace(raw)
	if path == "" {
		return ""
	}
	path = os.ExpandEnv(path)
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
		}
	}
	return path
}
