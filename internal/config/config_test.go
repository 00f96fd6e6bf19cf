package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "zone_and_user", cfg.Tracking.AggregationMode)
	assert.Equal(t, "ymid", cfg.Tracking.UserIDField)
	assert.Equal(t, int64(20), cfg.Tracking.ImpressionThreshold)
	assert.Equal(t, int64(8), cfg.Tracking.ClickThreshold)
	assert.Equal(t, 15*time.Minute, cfg.Tracking.SessionDuration)
	assert.Equal(t, "auto", cfg.Tracking.StoreBackend)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("POSTBACK_PORT", "9999")
	t.Setenv("POSTBACK_AGGREGATION_MODE", "zone_user")
	t.Setenv("POSTBACK_USER_ID_FIELD", "telegram_id")
	t.Setenv("POSTBACK_IMPRESSION_THRESHOLD", "5")
	t.Setenv("POSTBACK_CLICK_THRESHOLD", "1")
	t.Setenv("POSTBACK_SESSION_DURATION", "30m")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9999", cfg.Server.Port)
	assert.Equal(t, "zone_user", cfg.Tracking.AggregationMode)
	assert.Equal(t, "telegram_id", cfg.Tracking.UserIDField)
	assert.Equal(t, int64(5), cfg.Tracking.ImpressionThreshold)
	assert.Equal(t, int64(1), cfg.Tracking.ClickThreshold)
	assert.Equal(t, 30*time.Minute, cfg.Tracking.SessionDuration)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{"POSTBACK_AGGREGATION_MODE", "per_campaign"},
		{"POSTBACK_USER_ID_FIELD", "cookie"},
		{"POSTBACK_STORE_BACKEND", "cassandra"},
		{"POSTBACK_IMPRESSION_THRESHOLD", "-1"},
		{"POSTBACK_CLICK_THRESHOLD", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestDatabaseDSN(t *testing.T) {
	d := DatabaseConfig{
		Host: "db", Port: "5432", User: "u", Password: "p",
		Name: "postback", SSLMode: "disable",
	}
	assert.Equal(t, "postgres://u:p@db:5432/postback?sslmode=disable", d.DSN())
}
