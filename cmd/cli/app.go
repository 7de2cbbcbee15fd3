package cli

import (
	"context"
	"fmt"

	"github.com/boothsbychristy-ops/arcana-event-os-sub001/internal/automation"
	"github.com/boothsbychristy-ops/arcana-event-os-sub001/internal/config"
	"github.com/boothsbychristy-ops/arcana-event-os-sub001/internal/mail"
	"github.com/boothsbychristy-ops/arcana-event-os-sub001/internal/services"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	gormtracing "gorm.io/plugin/opentelemetry/tracing"
)

// app 运行期组件
type app struct {
	cfg      *config.Config
	logger   *logrus.Logger
	db       *gorm.DB
	registry *prometheus.Registry
	hub      *services.NotificationHub
	notifier *services.NotificationService
	engine   *automation.Engine
	service  *services.AutomationService
}

func loadConfig() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if err := config.InitLogger(cfg); err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, logrus.StandardLogger(), nil
}

func openDatabase(cfg *config.Config) (*gorm.DB, error) {
	level := logger.Warn
	if cfg.Log.Level == "debug" {
		level = logger.Info
	}
	db, err := gorm.Open(postgres.Open(cfg.Database.DSN()), &gorm.Config{Logger: logger.Default.LogMode(level)})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if cfg.Monitoring.Tracing.Enabled {
		_ = db.Use(gormtracing.NewPlugin())
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if cfg.Database.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	}
	if cfg.Database.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	}
	if cfg.Database.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
	}
	return db, nil
}

// buildApp 连接数据库并组装引擎；引擎未启动
func buildApp(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*app, error) {
	db, err := openDatabase(cfg)
	if err != nil {
		return nil, err
	}
	sender, err := mail.New(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: log, db: db, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a.hub = services.NewNotificationHub(log)
	a.notifier = services.NewNotificationService(db, log, a.hub, sender)
	entities := services.NewEntityStore(db, log)
	rules := services.NewRuleRepository(db, log)
	reg := automation.NewDefaultRegistry(automation.Deps{Entities: entities, Notifier: a.notifier, Mailer: sender})

	var runner services.RuleRunner
	if cfg.Automation.Enabled {
		a.engine = automation.NewEngine(rules, rules, entities, reg, automation.Options{
			TickInterval:     cfg.Automation.TickInterval,
			Workers:          cfg.Automation.Workers,
			QueueSize:        cfg.Automation.QueueSize,
			ShutdownGrace:    cfg.Automation.ShutdownGrace,
			ExecTimeout:      cfg.Automation.EventTimeout,
			RevalidateOnFire: cfg.Automation.RevalidateOnFire,
			Logger:           log,
			Metrics:          automation.NewMetrics(a.registry),
		})
		runner = a.engine.Dispatcher()
	}
	a.service = services.NewAutomationService(db, log, reg, runner)
	return a, nil
}

// engineStatus 避免把 nil *Engine 包装成非 nil 接口
func (a *app) engineStatus() interface{ Running() bool } {
	if a.engine == nil {
		return nil
	}
	return a.engine
}
