package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fleetyard/fleetyard/internal/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrGenerateWritesDefaults(t *testing.T) {
	require := require.New(t)

	cfgFile := filepath.Join(t.TempDir(), "config.yaml")
	cfg, err := LoadOrGenerate(cfgFile)
	require.NoError(err)

	assert.Equal(t, "fleetyard", cfg.Database.Name)
	assert.Equal(t, 30*time.Second, cfg.Rollout.TickInterval.D())
	assert.Equal(t, 15*time.Minute, cfg.Rollout.ConvergenceTimeout.D())
	assert.Equal(t, []int{10, 50, 100}, cfg.Rollout.DefaultBatchPercents)
	assert.Equal(t, 10, cfg.Auth.BcryptCost)

	// second load reads the generated file
	again, err := LoadOrGenerate(cfgFile)
	require.NoError(err)
	assert.Equal(t, cfg.String(), again.String())
}

func TestLoadAppliesOverridesOnDefaults(t *testing.T) {
	require := require.New(t)

	cfgFile := filepath.Join(t.TempDir(), "config.yaml")
	contents := `
database:
  hostname: db.internal
  name: fleetyard
service:
  address: ":8080"
rollout:
  tickInterval: 10s
  healthCheckConcurrency: 2
`
	require.NoError(os.WriteFile(cfgFile, []byte(contents), 0600))

	cfg, err := NewFromFile(cfgFile)
	require.NoError(err)

	assert.Equal(t, "db.internal", cfg.Database.Hostname)
	assert.Equal(t, ":8080", cfg.Service.Address)
	assert.Equal(t, 10*time.Second, cfg.Rollout.TickInterval.D())
	assert.Equal(t, 2, cfg.Rollout.HealthCheckConcurrency)
	// untouched sections keep defaults
	assert.Equal(t, uint(5432), cfg.Database.Port)
	assert.Equal(t, 10, cfg.Rollout.RollbackConcurrency)
}

func TestEnvOverridesSecrets(t *testing.T) {
	require := require.New(t)

	t.Setenv("FLEETYARD_DB_PASSWORD", "s3cret")
	t.Setenv("FLEETYARD_QUEUE_PASSWORD", "qu3ue")

	cfgFile := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(Save(NewDefault(), cfgFile))

	cfg, err := Load(cfgFile)
	require.NoError(err)
	assert.Equal(t, "s3cret", cfg.Database.Password)
	assert.Equal(t, "qu3ue", cfg.Queue.Password)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults are valid", mutate: func(c *Config) {}},
		{
			name:    "missing database host",
			mutate:  func(c *Config) { c.Database.Hostname = "" },
			wantErr: "database hostname",
		},
		{
			name:    "missing service address",
			mutate:  func(c *Config) { c.Service.Address = "" },
			wantErr: "service address",
		},
		{
			name:    "queue enabled without host",
			mutate:  func(c *Config) { c.Queue.Hostname = "" },
			wantErr: "queue hostname",
		},
		{
			name:    "batch percents not increasing",
			mutate:  func(c *Config) { c.Rollout.DefaultBatchPercents = []int{50, 10, 100} },
			wantErr: "strictly increasing",
		},
		{
			name:    "batch percents not ending at 100",
			mutate:  func(c *Config) { c.Rollout.DefaultBatchPercents = []int{10, 50} },
			wantErr: "must be 100",
		},
		{
			name:    "bcrypt cost out of range",
			mutate:  func(c *Config) { c.Auth.BcryptCost = 2 },
			wantErr: "bcryptCost",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefault()
			tt.mutate(cfg)
			err := Validate(cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestStringObfuscatesSensitiveData(t *testing.T) {
	cfg := NewDefault()
	cfg.Database.Password = "secretpassword"
	cfg.Queue.Password = "queuepassword"

	result := cfg.String()

	assert.NotContains(t, result, "secretpassword")
	assert.NotContains(t, result, "queuepassword")
	assert.True(t, strings.Contains(result, "[REDACTED]"))
	assert.Contains(t, result, "localhost")
}

func TestDurationFieldSerialization(t *testing.T) {
	cfg := NewDefault()
	cfg.Rollout.ConvergenceTimeout = util.Duration(20 * time.Minute)

	cfgFile := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, Save(cfg, cfgFile))

	loaded, err := Load(cfgFile)
	require.NoError(t, err)
	assert.Equal(t, 20*time.Minute, loaded.Rollout.ConvergenceTimeout.D())
}
