package config

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetDefaultConfig(t *testing.T) {
	cfg := GetDefaultConfig()

	assert.NotEmpty(t, cfg.Server.Host)
	assert.NotZero(t, cfg.Server.Port)
	assert.NotEmpty(t, cfg.Database.Name)
	assert.NotEmpty(t, cfg.Log.Level)

	// 引擎默认开启，延迟到期不重新校验
	assert.True(t, cfg.Automation.Enabled)
	assert.Equal(t, time.Hour, cfg.Automation.TickInterval)
	assert.False(t, cfg.Automation.RevalidateOnFire)
	assert.Equal(t, "log", cfg.Notification.Email.Provider)
	require.NoError(t, cfg.Validate())
}

func TestConfig_DSN(t *testing.T) {
	d := GetDefaultConfig().Database
	dsn := d.DSN()
	assert.Contains(t, dsn, "host=localhost")
	assert.Contains(t, dsn, "dbname=arcana")
	assert.Contains(t, dsn, "sslmode=disable")
}

func TestLoadFrom_YAMLOverridesDefaults(t *testing.T) {
	v := viper.New()
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(bytes.NewBufferString(`
server:
  port: 9090
automation:
  tick_interval: 30s
  workers: 8
  revalidate_on_fire: true
notification:
  email:
    provider: ses
`)))

	cfg, err := LoadFrom(v)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Automation.TickInterval)
	assert.Equal(t, 8, cfg.Automation.Workers)
	assert.True(t, cfg.Automation.RevalidateOnFire)
	assert.Equal(t, "ses", cfg.Notification.Email.Provider)
	// 未出现的键保留默认值
	assert.Equal(t, 64, cfg.Automation.QueueSize)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
}

func TestLoadFrom_Env(t *testing.T) {
	t.Setenv("ARCANA_AUTOMATION_WORKERS", "12")
	t.Setenv("ARCANA_DATABASE_HOST", "db.internal")

	cfg, err := LoadFrom(viper.New())
	require.NoError(t, err)
	assert.Equal(t, 12, cfg.Automation.Workers)
	assert.Equal(t, "db.internal", cfg.Database.Host)
}

func TestConfig_Validate(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Automation.Workers = 0
	assert.Error(t, cfg.Validate())

	cfg = GetDefaultConfig()
	cfg.Notification.Email.Provider = "carrier-pigeon"
	assert.Error(t, cfg.Validate())

	cfg = GetDefaultConfig()
	cfg.Automation.Enabled = false
	cfg.Automation.Workers = 0
	assert.NoError(t, cfg.Validate())
}

func TestConfigureLogger(t *testing.T) {
	logger := logrus.New()
	lc := GetDefaultConfig().Log
	lc.Level = "warn"
	lc.Format = "text"
	require.NoError(t, ConfigureLogger(logger, lc))
	assert.Equal(t, logrus.WarnLevel, logger.GetLevel())
	assert.IsType(t, &logrus.TextFormatter{}, logger.Formatter)

	lc.Output = "file"
	lc.FilePath = filepath.Join(t.TempDir(), "logs", "arcana.log")
	require.NoError(t, ConfigureLogger(logger, lc))

	lc.FilePath = ""
	assert.Error(t, ConfigureLogger(logger, lc))
}
