package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix 环境变量前缀，例如 ARCANA_DATABASE_HOST
const EnvPrefix = "ARCANA"

type Config struct {
	Server       ServerConfig       `mapstructure:"server" yaml:"server"`
	Database     DatabaseConfig     `mapstructure:"database" yaml:"database"`
	Log          LogConfig          `mapstructure:"log" yaml:"log"`
	Monitoring   MonitoringConfig   `mapstructure:"monitoring" yaml:"monitoring"`
	Automation   AutomationConfig   `mapstructure:"automation" yaml:"automation"`
	Notification NotificationConfig `mapstructure:"notification" yaml:"notification"`
	EventBus     EventBusConfig     `mapstructure:"event_bus" yaml:"event_bus"`
}

type ServerConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	User            string        `mapstructure:"user" yaml:"user"`
	Password        string        `mapstructure:"password" yaml:"password"`
	Name            string        `mapstructure:"name" yaml:"name"`
	SSLMode         string        `mapstructure:"ssl_mode" yaml:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
}

// DSN 构建 Postgres 连接串
func (d DatabaseConfig) DSN() string {
	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%d sslmode=%s TimeZone=UTC",
		d.Host, d.User, d.Password, d.Name, d.Port, sslMode,
	)
}

type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"` // json, text
	Output     string `mapstructure:"output" yaml:"output"` // stdout, file, both
	FilePath   string `mapstructure:"file_path" yaml:"file_path"`
	MaxSize    int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge     int    `mapstructure:"max_age" yaml:"max_age"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

type MonitoringConfig struct {
	Enabled bool          `mapstructure:"enabled" yaml:"enabled"`
	Tracing TracingConfig `mapstructure:"tracing" yaml:"tracing"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// TracingConfig OpenTelemetry 追踪配置
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled" yaml:"enabled"`
	Endpoint    string  `mapstructure:"endpoint" yaml:"endpoint"` // OTLP gRPC 端点，例如 http://otel-collector:4317
	Insecure    bool    `mapstructure:"insecure" yaml:"insecure"`
	SampleRatio float64 `mapstructure:"sample_ratio" yaml:"sample_ratio"`
	ServiceName string  `mapstructure:"service_name" yaml:"service_name"`
}

// MetricsConfig Prometheus 指标暴露
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// AutomationConfig 自动化引擎配置
type AutomationConfig struct {
	Enabled       bool          `mapstructure:"enabled" yaml:"enabled"`
	TickInterval  time.Duration `mapstructure:"tick_interval" yaml:"tick_interval"`
	Workers       int           `mapstructure:"workers" yaml:"workers"`
	QueueSize     int           `mapstructure:"queue_size" yaml:"queue_size"`
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace" yaml:"shutdown_grace"`
	// EventTimeout 单次动作执行超时
	EventTimeout time.Duration `mapstructure:"event_timeout" yaml:"event_timeout"`
	// RevalidateOnFire 延迟执行到期时重新检查触发条件
	RevalidateOnFire bool `mapstructure:"revalidate_on_fire" yaml:"revalidate_on_fire"`
}

type NotificationConfig struct {
	Email EmailConfig `mapstructure:"email" yaml:"email"`
}

type EmailConfig struct {
	Provider string `mapstructure:"provider" yaml:"provider"` // log, ses
	From     string `mapstructure:"from" yaml:"from"`
	Region   string `mapstructure:"region" yaml:"region"`
}

type EventBusConfig struct {
	Buffer int64 `mapstructure:"buffer" yaml:"buffer"`
}

// Load 读取 viper 中的配置并覆盖默认值
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom 从指定的 viper 实例加载配置
func LoadFrom(v *viper.Viper) (*Config, error) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// AutomaticEnv 只对已知键生效，Unmarshal 前把所有键登记一遍
	bindEnvs(v, reflect.TypeOf(Config{}), "")

	cfg := GetDefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func bindEnvs(v *viper.Viper, t reflect.Type, prefix string) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		key := f.Tag.Get("mapstructure")
		if key == "" {
			continue
		}
		if prefix != "" {
			key = prefix + "." + key
		}
		if f.Type.Kind() == reflect.Struct && f.Type != reflect.TypeOf(time.Duration(0)) {
			bindEnvs(v, f.Type, key)
			continue
		}
		_ = v.BindEnv(key)
	}
}

// Validate 检查配置中无法自动修正的错误
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Automation.Enabled {
		if c.Automation.TickInterval <= 0 {
			return fmt.Errorf("automation.tick_interval must be positive")
		}
		if c.Automation.Workers <= 0 {
			return fmt.Errorf("automation.workers must be positive")
		}
		if c.Automation.QueueSize < 0 {
			return fmt.Errorf("automation.queue_size must not be negative")
		}
	}
	switch c.Notification.Email.Provider {
	case "", "log", "ses":
	default:
		return fmt.Errorf("notification.email.provider %q is not one of log, ses", c.Notification.Email.Provider)
	}
	return nil
}

// GetDefaultConfig 返回默认配置
func GetDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "postgres",
			Password:        "password",
			Name:            "arcana",
			SSLMode:         "disable",
			MaxOpenConns:    50,
			MaxIdleConns:    10,
			ConnMaxLifetime: time.Hour,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			FilePath:   "./logs/arcana.log",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     28,
			Compress:   true,
		},
		Monitoring: MonitoringConfig{
			Enabled: true,
			Tracing: TracingConfig{
				Enabled:     false,
				Endpoint:    "http://localhost:4317",
				Insecure:    true,
				SampleRatio: 0.1,
				ServiceName: "arcana-automation",
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
		Automation: AutomationConfig{
			Enabled:          true,
			TickInterval:     time.Hour,
			Workers:          4,
			QueueSize:        64,
			ShutdownGrace:    30 * time.Second,
			EventTimeout:     30 * time.Second,
			RevalidateOnFire: false,
		},
		Notification: NotificationConfig{
			Email: EmailConfig{
				Provider: "log",
				From:     "no-reply@arcana.local",
				Region:   "us-east-1",
			},
		},
		EventBus: EventBusConfig{
			Buffer: 256,
		},
	}
}
