package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jo-hoe/clipwatch/internal/common"
)

const (
	envConfigPath     = "CLIPWATCH_CONFIG"
	defaultConfigPath = "config.yaml"
)

// Config is the root configuration loaded from YAML.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	Polling   PollingConfig   `yaml:"polling"`
	Server    ServerConfig    `yaml:"server"`
	Listing   ListingConfig   `yaml:"listing"`
	Downloads DownloadsConfig `yaml:"downloads"`
}

// ServiceConfig describes the remote clip processing service.
type ServiceConfig struct {
	BaseURL          string        `yaml:"baseUrl"`          // e.g. http://localhost:3000/api
	APIKey           string        `yaml:"apiKey"`           // optional X-API-Key
	AdminKey         string        `yaml:"adminKey"`         // optional X-Admin-Key for /admin routes
	Timeout          time.Duration `yaml:"timeout"`          // per request
	RetryPathPrefix  string        `yaml:"retryPathPrefix"`  // default /admin/jobs
	DeletePathPrefix string        `yaml:"deletePathPrefix"` // default /admin/jobs
}

// PollingConfig holds the status polling cadence.
type PollingConfig struct {
	Interval     time.Duration `yaml:"interval"`
	MaxWait      time.Duration `yaml:"maxWait"` // negative disables the limit
	MaxBatchSize int           `yaml:"maxBatchSize"`
}

// ServerConfig holds the local bridge settings.
type ServerConfig struct {
	Addr           string        `yaml:"address"`
	ReadTimeout    time.Duration `yaml:"readTimeout"`
	WriteTimeout   time.Duration `yaml:"writeTimeout"`
	IdleTimeout    time.Duration `yaml:"idleTimeout"`
	MaxBodySize    ByteSize      `yaml:"maxBodySize"`
	AllowedOrigins []string      `yaml:"allowedOrigins"`
	ShutdownGrace  time.Duration `yaml:"shutdownGrace"` // time to wait for watchers before forced stop
	LogLevel       string        `yaml:"logLevel"`      // debug|info|warn|error
}

// ListingConfig configures the admin listing store.
type ListingConfig struct {
	DatabasePath string `yaml:"databasePath"` // empty keeps the listing in memory
}

// DownloadsConfig controls where finished clips are saved.
type DownloadsConfig struct {
	Dir         string   `yaml:"dir"`         // default ./clips
	MaxClipSize ByteSize `yaml:"maxClipSize"` // per clip, default 512Mi
}

// ByteSize represents a size in bytes that unmarshals from strings like "10Mi", "20MB", "512KiB", "1024".
type ByteSize uint64

// UnmarshalYAML implements yaml unmarshalling for ByteSize.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("invalid bytesize node kind: %v", value.Kind)
	}
	parsed, err := ParseByteSize(strings.TrimSpace(value.Value))
	if err != nil {
		return err
	}
	*b = ByteSize(parsed)
	return nil
}

var reNumeric = regexp.MustCompile(`^\d+$`)

// ParseByteSize parses a string like "10Mi", "20MB", "512KiB", "1024" into bytes.
// Binary units accept Ki/Mi/Gi and KiB/MiB/GiB, decimal units KB/MB/GB.
func ParseByteSize(s string) (uint64, error) {
	orig := s
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty size")
	}
	if reNumeric.MatchString(s) {
		val, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid size number: %w", err)
		}
		return val, nil
	}

	up := strings.ToUpper(s)
	units := []struct {
		suffix string
		value  uint64
	}{
		{"KIB", 1024},
		{"MIB", 1024 * 1024},
		{"GIB", 1024 * 1024 * 1024},
		{"KI", 1024},
		{"MI", 1024 * 1024},
		{"GI", 1024 * 1024 * 1024},
		{"KB", 1000},
		{"MB", 1000 * 1000},
		{"GB", 1000 * 1000 * 1000},
		{"B", 1},
	}
	for _, u := range units {
		if strings.HasSuffix(up, u.suffix) {
			num := strings.TrimSpace(s[:len(s)-len(u.suffix)])
			val, err := strconv.ParseFloat(num, 64)
			if err != nil || val < 0 {
				return 0, fmt.Errorf("invalid size number in %q", orig)
			}
			return uint64(val * float64(u.value)), nil
		}
	}
	return 0, fmt.Errorf("unknown size suffix in %q", orig)
}

// Load reads YAML config from path, expands environment variables, and validates it.
// If path is empty, it tries env var CLIPWATCH_CONFIG, then "config.yaml". A missing
// default file is not an error: the defaults are used instead.
func Load(path string) (*Config, error) {
	explicit := true
	if path == "" {
		if env := os.Getenv(envConfigPath); env != "" {
			path = env
		} else {
			path = defaultConfigPath
			explicit = false
		}
	}
	cleanPath := filepath.Clean(path)
	data, err := os.ReadFile(cleanPath) // #nosec G304 - reading sanitized config file path is expected
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			data = nil
		} else {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return Parse(data)
}

// Parse decodes YAML content, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	if p := strings.TrimSpace(cfg.Listing.DatabasePath); p != "" {
		if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
			return nil, fmt.Errorf("ensure listing dir: %w", err)
		}
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	// Service defaults
	if strings.TrimSpace(cfg.Service.BaseURL) == "" {
		cfg.Service.BaseURL = "http://localhost:3000/api"
	}
	cfg.Service.BaseURL = strings.TrimRight(cfg.Service.BaseURL, "/")
	if cfg.Service.Timeout == 0 {
		cfg.Service.Timeout = 30 * time.Second
	}
	if strings.TrimSpace(cfg.Service.RetryPathPrefix) == "" {
		cfg.Service.RetryPathPrefix = common.PathAdminJobs
	}
	if strings.TrimSpace(cfg.Service.DeletePathPrefix) == "" {
		cfg.Service.DeletePathPrefix = common.PathAdminJobs
	}
	cfg.Service.RetryPathPrefix = normalizePathPrefix(cfg.Service.RetryPathPrefix)
	cfg.Service.DeletePathPrefix = normalizePathPrefix(cfg.Service.DeletePathPrefix)

	// Polling defaults
	if cfg.Polling.Interval == 0 {
		cfg.Polling.Interval = common.DefaultPollInterval
	}
	if cfg.Polling.MaxWait == 0 {
		cfg.Polling.MaxWait = common.DefaultMaxWait
	}
	if cfg.Polling.MaxBatchSize == 0 {
		cfg.Polling.MaxBatchSize = common.MaxBatchSize
	}

	// Server defaults
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	// Watch responses may wait for a terminal status.
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 2 * time.Minute
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 60 * time.Second
	}
	if cfg.Server.MaxBodySize == 0 {
		cfg.Server.MaxBodySize = ByteSize(1024 * 1024) // 1 MiB
	}
	if len(cfg.Server.AllowedOrigins) == 0 {
		cfg.Server.AllowedOrigins = []string{"*"}
	}
	if cfg.Server.ShutdownGrace == 0 {
		cfg.Server.ShutdownGrace = 15 * time.Second
	}
	if strings.TrimSpace(cfg.Server.LogLevel) == "" {
		cfg.Server.LogLevel = "info"
	}

	// Download defaults
	if strings.TrimSpace(cfg.Downloads.Dir) == "" {
		cfg.Downloads.Dir = common.DefaultDownloadsDir
	}
	if cfg.Downloads.MaxClipSize == 0 {
		cfg.Downloads.MaxClipSize = ByteSize(common.DefaultMaxClipBytes)
	}
}

func validate(cfg *Config) error {
	u, err := url.Parse(cfg.Service.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("service.baseUrl must be an absolute http(s) url, got %q", cfg.Service.BaseURL)
	}
	if cfg.Service.Timeout < 0 {
		return errors.New("service.timeout must not be negative")
	}
	if cfg.Polling.Interval < 0 {
		return errors.New("polling.interval must be positive")
	}
	if cfg.Polling.MaxBatchSize < 1 || cfg.Polling.MaxBatchSize > common.MaxBatchSize {
		return fmt.Errorf("polling.maxBatchSize must be between 1 and %d", common.MaxBatchSize)
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Server.LogLevel)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("server.logLevel %q is not one of debug|info|warn|error", cfg.Server.LogLevel)
	}
	return nil
}

// normalizePathPrefix returns p with a single leading slash and no trailing slash.
func normalizePathPrefix(p string) string {
	p = strings.ReplaceAll(strings.TrimSpace(p), "\\", "/")
	p = strings.TrimPrefix(p, ".")
	p = strings.Trim(p, "/")
	return "/" + p
}
