package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "outreach.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, []float64{0.25, 0.5, 0.75}, cfg.Campaign.CheckpointFractions)
	assert.InDelta(t, 0.75, cfg.Campaign.EscalationThreshold, 1e-9)
	assert.Equal(t, 3, cfg.Campaign.MaxEscalations)
	assert.Equal(t, 5, cfg.Campaign.UrgencyBaselines["emergency"])
	assert.Equal(t, 20, cfg.Campaign.UrgencyBaselines["group"])
	assert.Equal(t, 30, cfg.Campaign.ExactConfidenceLimit)
	assert.Equal(t, 3, cfg.Dispatch.MaxAttempts)
	assert.Equal(t, 8, cfg.Dispatch.Concurrency)
	assert.Equal(t, "file", cfg.Directory.Driver)
	assert.Equal(t, "timer", cfg.Scheduler.Driver)
	assert.Equal(t, "outreach-checkpoints", cfg.Scheduler.TaskQueue)
	assert.False(t, cfg.Feed.Enabled())
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/outreach
log:
  level: debug
  format: console
campaign:
  checkpoint_fractions: [0.2, 0.4, 0.6, 0.8]
  max_escalations: 2
dispatch:
  webhook_url: https://channel.example.com/send
feed:
  project_id: proj
  subscription: responses
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, []float64{0.2, 0.4, 0.6, 0.8}, cfg.Campaign.CheckpointFractions)
	assert.Equal(t, 2, cfg.Campaign.MaxEscalations)
	assert.Equal(t, "https://channel.example.com/send", cfg.Dispatch.WebhookURL)
	assert.True(t, cfg.Feed.Enabled())
	// Unset values keep defaults.
	assert.InDelta(t, 0.75, cfg.Campaign.EscalationThreshold, 1e-9)
}

func TestLoadEnvOverrides(t *testing.T) {
	chdirTemp(t)
	t.Setenv("OUTREACH_LOG_LEVEL", "warn")
	t.Setenv("OUTREACH_CAMPAIGN_MAX_ESCALATIONS", "5")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 5, cfg.Campaign.MaxEscalations)
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("store: [unclosed"), 0o644))

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config: read file")
}

func validConfig(t *testing.T) *Config {
	t.Helper()
	chdirTemp(t)
	cfg, err := Load()
	require.NoError(t, err)
	return cfg
}

func TestValidate_Defaults(t *testing.T) {
	cfg := validConfig(t)
	assert.NoError(t, cfg.Validate("plan"))
	assert.NoError(t, cfg.Validate("serve"))
}

func TestValidate_Fractions(t *testing.T) {
	tests := []struct {
		name      string
		fractions []float64
		want      string
	}{
		{"empty", nil, "must not be empty"},
		{"out of range", []float64{0.5, 1.0}, "(0,1)"},
		{"not increasing", []float64{0.5, 0.25}, "strictly increasing"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			cfg.Campaign.CheckpointFractions = tt.fractions
			err := cfg.Validate("plan")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidate_CampaignBounds(t *testing.T) {
	cfg := validConfig(t)
	cfg.Campaign.EscalationThreshold = 1.5
	cfg.Campaign.MaxEscalations = -1
	cfg.Campaign.UrgencyBaselines["urgent"] = 0

	err := cfg.Validate("plan")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escalation_threshold")
	assert.Contains(t, err.Error(), "max_escalations")
	assert.Contains(t, err.Error(), "urgency_baselines.urgent")
}

func TestValidate_ServeRequirements(t *testing.T) {
	cfg := validConfig(t)
	cfg.Store.Driver = "postgres"
	cfg.Store.DatabaseURL = ""
	cfg.Scheduler.Driver = "cron"
	cfg.Monitoring.Enabled = true

	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url")
	assert.Contains(t, err.Error(), "scheduler.driver")
	assert.Contains(t, err.Error(), "monitoring.webhook_url")
}

func TestValidate_WorkerNeedsTemporal(t *testing.T) {
	cfg := validConfig(t)
	err := cfg.Validate("worker")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scheduler.driver=temporal")

	cfg.Scheduler.Driver = "temporal"
	assert.NoError(t, cfg.Validate("worker"))
}

func TestValidate_PostgresDirectory(t *testing.T) {
	cfg := validConfig(t)
	cfg.Directory.Driver = "postgres"
	err := cfg.Validate("plan")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "directory.database_url")
}

func TestInitLogger(t *testing.T) {
	for _, format := range []string{"json", "console"} {
		require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: format}))
		assert.NotNil(t, zap.L())
	}
}

func TestInitLogger_BadLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "loud", Format: "json"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse log level")
}
