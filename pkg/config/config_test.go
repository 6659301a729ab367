package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestDefaults(t *testing.T) {
	v := viper.New()
	setDefaults(v)
	cfg := fromViper(v)

	assert.Equal(t, EnvDevelopment, cfg.Env)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 1500*time.Millisecond, cfg.Capture.Cooldown)
	assert.Equal(t, time.Minute, cfg.Capture.ValidityWindow)
	assert.Equal(t, 2*time.Minute, cfg.Sync.Timeout)
	assert.Equal(t, 3*time.Second, cfg.Sync.DisplayInterval)
	assert.Equal(t, "@every 15m", cfg.Sync.Schedule)
	assert.Equal(t, time.UTC, cfg.School.Location())
}

func TestOverridesAndFallbacks(t *testing.T) {
	v := viper.New()
	setDefaults(v)
	v.Set("CAPTURE_COOLDOWN", "2s")
	v.Set("SYNC_TIMEOUT", "not-a-duration")
	v.Set("ALLOWED_ORIGINS", "http://a.test, ,http://b.test")
	v.Set("SCHOOL_TIMEZONE", "Asia/Manila")
	cfg := fromViper(v)

	assert.Equal(t, 2*time.Second, cfg.Capture.Cooldown)
	assert.Equal(t, 2*time.Minute, cfg.Sync.Timeout)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.CORS.AllowedOrigins)
	assert.Equal(t, "Asia/Manila", cfg.School.Location().String())
}

func TestSchoolLocationInvalid(t *testing.T) {
	assert.Equal(t, time.UTC, SchoolConfig{Timezone: "Mars/Olympus"}.Location())
}
