package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/miradorstack/topdesk-stats/internal/cache"
	"github.com/miradorstack/topdesk-stats/internal/models"
	"github.com/miradorstack/topdesk-stats/internal/utils"
)

// DefaultUpdateInterval applies to instances without an updateInterval.
const DefaultUpdateInterval = 5 * time.Minute

var validate = validator.New()

// Config captures every setting of the topdesk-stats service.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Clients   ClientsConfig    `yaml:"clients"`
	Logging   LoggingConfig    `yaml:"logging"`
	Cache     CacheConfig      `yaml:"cache"`
	Sentry    SentryConfig     `yaml:"sentry"`
	Instances []InstanceConfig `yaml:"instances" validate:"dive"`
}

// ServerConfig controls the metrics and admin listeners.
type ServerConfig struct {
	MetricsAddress  string        `yaml:"metricsAddress" validate:"required"`
	AdminAddress    string        `yaml:"adminAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout" validate:"gte=0"`
}

// ClientsConfig groups outbound integrations.
type ClientsConfig struct {
	TOPdesk TOPdeskClientConfig `yaml:"topdesk"`
}

// TOPdeskClientConfig holds the HTTP settings shared by every instance.
type TOPdeskClientConfig struct {
	RequestTimeout    time.Duration `yaml:"requestTimeout" validate:"gt=0"`
	RefreshTimeout    time.Duration `yaml:"refreshTimeout" validate:"gt=0"`
	RequestsPerSecond float64       `yaml:"requestsPerSecond" validate:"gte=0"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// CacheConfig selects where last-good snapshots are persisted.
type CacheConfig struct {
	Backend     string             `yaml:"backend" validate:"omitempty,oneof=none memory valkey"`
	MaxEntries  int                `yaml:"maxEntries" validate:"gte=0"`
	SnapshotTTL time.Duration      `yaml:"snapshotTTL" validate:"gte=0"`
	Valkey      cache.ValkeyConfig `yaml:"valkey"`
}

// SentryConfig enables alert delivery to Sentry.
type SentryConfig struct {
	DSN         string `yaml:"dsn"`
	Environment string `yaml:"environment"`
}

// InstanceConfig is one TOPdesk system as written in the config file.
type InstanceConfig struct {
	Name           string   `yaml:"name" validate:"required"`
	Host           string   `yaml:"host" validate:"required,url"`
	Username       string   `yaml:"username" validate:"required"`
	Password       string   `yaml:"password"`
	PasswordEnv    string   `yaml:"passwordEnv"`
	Categories     []string `yaml:"categories" validate:"required,min=1"`
	UpdateInterval int      `yaml:"updateInterval" validate:"gte=0"`
}

// Load initialises Config from a YAML file and optional environment overrides, then
// validates it.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("TOPDESK_STATS_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			MetricsAddress:  ":9750",
			AdminAddress:    ":50061",
			GracefulTimeout: 10 * time.Second,
		},
		Clients: ClientsConfig{
			TOPdesk: TOPdeskClientConfig{
				RequestTimeout: 10 * time.Second,
				RefreshTimeout: 15 * time.Second,
			},
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Cache: CacheConfig{
			Backend:     cache.BackendNone,
			MaxEntries:  1024,
			SnapshotTTL: cache.DefaultSnapshotTTL,
			Valkey: cache.ValkeyConfig{
				DialTimeout:  2 * time.Second,
				ReadTimeout:  500 * time.Millisecond,
				WriteTimeout: 500 * time.Millisecond,
				MaxRetries:   2,
			},
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TOPDESK_STATS_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("TOPDESK_STATS_ADMIN_ADDRESS"); v != "" {
		cfg.Server.AdminAddress = v
	}
	if v := os.Getenv("TOPDESK_STATS_REQUEST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Clients.TOPdesk.RequestTimeout = d
		}
	}
	if v := os.Getenv("TOPDESK_STATS_REFRESH_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Clients.TOPdesk.RefreshTimeout = d
		}
	}
	if v := os.Getenv("TOPDESK_STATS_REQUESTS_PER_SECOND"); v != "" {
		if rps, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Clients.TOPdesk.RequestsPerSecond = rps
		}
	}
	if v := os.Getenv("TOPDESK_STATS_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("TOPDESK_STATS_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("TOPDESK_STATS_CACHE_BACKEND"); v != "" {
		cfg.Cache.Backend = strings.ToLower(v)
	}
	if v := os.Getenv("TOPDESK_STATS_CACHE_SNAPSHOT_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.SnapshotTTL = d
		}
	}
	if v := os.Getenv("TOPDESK_STATS_CACHE_ADDR"); v != "" {
		cfg.Cache.Valkey.Addr = v
	}
	if v := os.Getenv("TOPDESK_STATS_CACHE_USERNAME"); v != "" {
		cfg.Cache.Valkey.Username = v
	}
	if v := os.Getenv("TOPDESK_STATS_CACHE_PASSWORD"); v != "" {
		cfg.Cache.Valkey.Password = v
	}
	if v := os.Getenv("TOPDESK_STATS_CACHE_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Cache.Valkey.DB = db
		}
	}
	if v := os.Getenv("TOPDESK_STATS_CACHE_TLS"); strings.EqualFold(v, "true") || v == "1" {
		cfg.Cache.Valkey.TLS = true
	}
	if v := os.Getenv("TOPDESK_STATS_SENTRY_DSN"); v != "" {
		cfg.Sentry.DSN = v
	}
	if v := os.Getenv("TOPDESK_STATS_SENTRY_ENVIRONMENT"); v != "" {
		cfg.Sentry.Environment = v
	}
}

// Validate checks struct constraints, then the parts validator tags cannot express:
// category names, resolvable passwords and unique instances.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Cache.Backend == cache.BackendValkey && c.Cache.Valkey.Addr == "" {
		return errors.New("invalid config: cache.valkey.addr is required for the valkey backend")
	}

	seen := make(map[string]string, len(c.Instances))
	for i, ic := range c.Instances {
		instance, err := ic.Instance()
		if err != nil {
			return fmt.Errorf("invalid config: instances[%d]: %w", i, err)
		}
		if rps := c.Clients.TOPdesk.RequestsPerSecond; rps > 0 {
			need := float64(len(instance.Categories) * models.MaxCallsPerRefresh())
			if rps*instance.UpdateInterval.Seconds() < need {
				return fmt.Errorf("invalid config: instances[%d] %q needs %.0f requests per %s, more than requestsPerSecond %g allows", i, ic.Name, need, instance.UpdateInterval, rps)
			}
		}
		if prev, dup := seen[instance.ID]; dup {
			return fmt.Errorf("invalid config: instances[%d] %q duplicates %q (same host and name)", i, ic.Name, prev)
		}
		seen[instance.ID] = ic.Name
	}
	return nil
}

// Instance resolves the config entry into a domain instance: categories are parsed, the
// password is read from PasswordEnv when set and the interval defaults to five minutes.
func (ic InstanceConfig) Instance() (models.Instance, error) {
	categories := make([]models.Category, 0, len(ic.Categories))
	for _, raw := range ic.Categories {
		category, err := models.ParseCategory(raw)
		if err != nil {
			return models.Instance{}, err
		}
		if !slices.Contains(categories, category) {
			categories = append(categories, category)
		}
	}

	password := ic.Password
	if ic.PasswordEnv != "" {
		v, ok := os.LookupEnv(ic.PasswordEnv)
		if !ok {
			return models.Instance{}, fmt.Errorf("password env %s is not set", ic.PasswordEnv)
		}
		password = v
	}
	if password == "" {
		return models.Instance{}, errors.New("password or passwordEnv is required")
	}

	interval := utils.MinutesToDuration(ic.UpdateInterval)
	if interval == 0 {
		interval = DefaultUpdateInterval
	}
	return models.NewInstance(ic.Name, ic.Host, ic.Username, password, categories, interval), nil
}

// ResolvedInstances converts every instance entry. Call after Validate.
func (c *Config) ResolvedInstances() ([]models.Instance, error) {
	out := make([]models.Instance, 0, len(c.Instances))
	for i, ic := range c.Instances {
		instance, err := ic.Instance()
		if err != nil {
			return nil, fmt.Errorf("instances[%d]: %w", i, err)
		}
		out = append(out, instance)
	}
	return out, nil
}
