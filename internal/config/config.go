package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fleetyard/fleetyard/internal/util"
	"sigs.k8s.io/yaml"
)

const appName = "fleetyard"

type Config struct {
	Database   *DatabaseConfig   `json:"database,omitempty"`
	Service    *ServiceConfig    `json:"service,omitempty"`
	Queue      *QueueConfig      `json:"queue,omitempty"`
	Rollout    *RolloutConfig    `json:"rollout,omitempty"`
	Auth       *AuthConfig       `json:"auth,omitempty"`
	Events     *EventsConfig     `json:"events,omitempty"`
	Prometheus *PrometheusConfig `json:"prometheus,omitempty"`
}

type DatabaseConfig struct {
	Hostname string `json:"hostname,omitempty"`
	Port     uint   `json:"port,omitempty"`
	Name     string `json:"name,omitempty"`
	User     string `json:"user,omitempty"`
	Password string `json:"password,omitempty"`
	SSLMode  string `json:"sslmode,omitempty"`
}

type ServiceConfig struct {
	Address string `json:"address,omitempty"`
	BaseUrl string `json:"baseUrl,omitempty"`
	// MaxRequestSizeBytes bounds admin and webhook request bodies;
	// MaxDeviceRequestSizeBytes bounds device state reports.
	MaxRequestSizeBytes       int64 `json:"maxRequestSizeBytes,omitempty"`
	MaxDeviceRequestSizeBytes int64 `json:"maxDeviceRequestSizeBytes,omitempty"`
	MaxURLLength              int   `json:"maxUrlLength,omitempty"`
	MaxNumHeaders             int   `json:"maxNumHeaders,omitempty"`
	// TrustedProxies are peers whose forwarded-client-IP headers are honored.
	TrustedProxies []string `json:"trustedProxies,omitempty"`
	// InternalNamespaces are image prefixes exempt from registry admission.
	InternalNamespaces []string `json:"internalNamespaces,omitempty"`
	// WebhookRateLimit is requests per WebhookRateWindow per remote IP.
	WebhookRateLimit  int           `json:"webhookRateLimit,omitempty"`
	WebhookRateWindow util.Duration `json:"webhookRateWindow,omitempty"`
	// DeviceRateLimit is requests per DeviceRateWindow per authenticated device.
	DeviceRateLimit  int           `json:"deviceRateLimit,omitempty"`
	DeviceRateWindow util.Duration `json:"deviceRateWindow,omitempty"`
	LogLevel         string        `json:"logLevel,omitempty"`
	// ProfilingEnabled exposes /debug/pprof on loopback.
	ProfilingEnabled bool `json:"profilingEnabled,omitempty"`
}

type QueueConfig struct {
	Enabled  bool   `json:"enabled"`
	Hostname string `json:"hostname,omitempty"`
	Port     uint   `json:"port,omitempty"`
	Password string `json:"password,omitempty"`
}

type RolloutConfig struct {
	// TickInterval is the Monitor wake period.
	TickInterval util.Duration `json:"tickInterval,omitempty"`
	// ConvergenceTimeout fails scheduled rows the device never picked up;
	// policies may override it per rollout.
	ConvergenceTimeout util.Duration `json:"convergenceTimeout,omitempty"`
	// OfflineAfter flips is_online off when a device stops polling.
	OfflineAfter util.Duration `json:"offlineAfter,omitempty"`
	// HealthCheckConcurrency bounds parallel health probes per tick.
	HealthCheckConcurrency int `json:"healthCheckConcurrency,omitempty"`
	// RollbackConcurrency bounds parallel device rollbacks.
	RollbackConcurrency int `json:"rollbackConcurrency,omitempty"`
	// DefaultBatchPercents are the cumulative staged batch sizes applied
	// when a policy names a batch count but no explicit percentages.
	DefaultBatchPercents []int `json:"defaultBatchPercents,omitempty"`
}

type AuthConfig struct {
	// BcryptCost is the hashing cost for device API keys.
	BcryptCost int `json:"bcryptCost,omitempty"`
	// VerifyCacheTTL bounds how long a verified key is accepted without
	// re-running bcrypt.
	VerifyCacheTTL util.Duration `json:"verifyCacheTTL,omitempty"`
}

type EventsConfig struct {
	// Retention is how long events are kept before housekeeping deletes them.
	Retention util.Duration `json:"retention,omitempty"`
}

type PrometheusConfig struct {
	Address string `json:"address,omitempty"`
	// SampleInterval is how often the domain collectors re-query the store.
	SampleInterval util.Duration `json:"sampleInterval,omitempty"`
}

func ConfigDir() string {
	return filepath.Join(util.MustString(os.UserHomeDir), "."+appName)
}

func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

func NewDefault() *Config {
	c := &Config{
		Database: &DatabaseConfig{
			Hostname: "localhost",
			Port:     5432,
			Name:     "fleetyard",
			User:     "admin",
			Password: "adminpass",
			SSLMode:  "disable",
		},
		Service: &ServiceConfig{
			Address:                   ":3443",
			BaseUrl:                   "http://localhost:3443",
			MaxRequestSizeBytes:       1024 * 1024,
			MaxDeviceRequestSizeBytes: 256 * 1024,
			MaxURLLength:              2000,
			MaxNumHeaders:             32,
			WebhookRateLimit:          60,
			WebhookRateWindow:         util.Duration(time.Minute),
			DeviceRateLimit:           120,
			DeviceRateWindow:          util.Duration(time.Minute),
			LogLevel:                  "info",
		},
		Queue: &QueueConfig{
			Enabled:  true,
			Hostname: "localhost",
			Port:     6379,
		},
		Rollout: &RolloutConfig{
			TickInterval:           util.Duration(30 * time.Second),
			ConvergenceTimeout:     util.Duration(15 * time.Minute),
			OfflineAfter:           util.Duration(10 * time.Minute),
			HealthCheckConcurrency: 5,
			RollbackConcurrency:    10,
			DefaultBatchPercents:   []int{10, 50, 100},
		},
		Auth: &AuthConfig{
			BcryptCost:     10,
			VerifyCacheTTL: util.Duration(time.Minute),
		},
		Events: &EventsConfig{
			Retention: util.Duration(30 * util.Day),
		},
		Prometheus: &PrometheusConfig{
			Address:        ":15690",
			SampleInterval: util.Duration(30 * time.Second),
		},
	}
	return c
}

func NewFromFile(cfgFile string) (*Config, error) {
	cfg, err := Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadOrGenerate(cfgFile string) (*Config, error) {
	if _, err := os.Stat(cfgFile); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(cfgFile), os.FileMode(0755)); err != nil {
			return nil, fmt.Errorf("creating directory for config file: %v", err)
		}
		if err := Save(NewDefault(), cfgFile); err != nil {
			return nil, err
		}
	}
	return NewFromFile(cfgFile)
}

func Load(cfgFile string) (*Config, error) {
	contents, err := os.ReadFile(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %v", err)
	}
	c := NewDefault()
	if err := yaml.Unmarshal(contents, c); err != nil {
		return nil, fmt.Errorf("decoding config: %v", err)
	}
	c.applyEnv()
	return c, nil
}

func Save(cfg *Config, cfgFile string) error {
	contents, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding config: %v", err)
	}
	if err := os.WriteFile(cfgFile, contents, 0600); err != nil {
		return fmt.Errorf("writing config file: %v", err)
	}
	return nil
}

// applyEnv overrides secrets from the environment so they can stay out of
// the config file.
func (cfg *Config) applyEnv() {
	if v := os.Getenv("FLEETYARD_DB_PASSWORD"); v != "" && cfg.Database != nil {
		cfg.Database.Password = v
	}
	if v := os.Getenv("FLEETYARD_QUEUE_PASSWORD"); v != "" && cfg.Queue != nil {
		cfg.Queue.Password = v
	}
}

func Validate(cfg *Config) error {
	if cfg.Database == nil || cfg.Database.Hostname == "" || cfg.Database.Name == "" {
		return errors.New("database hostname and name are required")
	}
	if cfg.Service == nil || cfg.Service.Address == "" {
		return errors.New("service address is required")
	}
	if cfg.Queue != nil && cfg.Queue.Enabled && cfg.Queue.Hostname == "" {
		return errors.New("queue hostname is required when the queue is enabled")
	}
	if cfg.Rollout != nil {
		if cfg.Rollout.HealthCheckConcurrency < 0 || cfg.Rollout.RollbackConcurrency < 0 {
			return errors.New("concurrency limits must not be negative")
		}
		if err := validateBatchPercents(cfg.Rollout.DefaultBatchPercents); err != nil {
			return err
		}
	}
	if cfg.Auth != nil && cfg.Auth.BcryptCost != 0 && (cfg.Auth.BcryptCost < 4 || cfg.Auth.BcryptCost > 31) {
		return errors.New("bcryptCost must be between 4 and 31")
	}
	return nil
}

func validateBatchPercents(percents []int) error {
	if len(percents) == 0 {
		return nil
	}
	prev := 0
	for _, p := range percents {
		if p <= prev || p > 100 {
			return fmt.Errorf("batch percents must be strictly increasing and at most 100, got %v", percents)
		}
		prev = p
	}
	if percents[len(percents)-1] != 100 {
		return fmt.Errorf("last batch percent must be 100, got %v", percents)
	}
	return nil
}

// String renders the config as JSON with secrets redacted, for startup logs.
func (cfg *Config) String() string {
	redacted := *cfg
	if cfg.Database != nil && cfg.Database.Password != "" {
		db := *cfg.Database
		db.Password = "[REDACTED]"
		redacted.Database = &db
	}
	if cfg.Queue != nil && cfg.Queue.Password != "" {
		q := *cfg.Queue
		q.Password = "[REDACTED]"
		redacted.Queue = &q
	}
	contents, err := json.Marshal(&redacted)
	if err != nil {
		return "<error>"
	}
	return string(contents)
}
