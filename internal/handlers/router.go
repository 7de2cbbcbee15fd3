package handlers

import (
	"github.com/boothsbychristy-ops/arcana-event-os-sub001/internal/config"
	"github.com/boothsbychristy-ops/arcana-event-os-sub001/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"
)

// RouterDeps HTTP 层依赖
type RouterDeps struct {
	Config        *config.Config
	DB            *gorm.DB
	Engine        EngineStatus
	Automation    *services.AutomationService
	Events        EventPublisher
	Notifications *services.NotificationService
	Hub           *services.NotificationHub
	Gatherer      prometheus.Gatherer
	Version       string
	Logger        *logrus.Logger
}

// NewRouter 组装 gin 路由
func NewRouter(d RouterDeps) *gin.Engine {
	cfg := d.Config
	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(corsMiddleware())
	if cfg.Monitoring.Tracing.Enabled {
		r.Use(otelgin.Middleware(cfg.Monitoring.Tracing.ServiceName))
	}

	health := NewHealthHandler(cfg, d.DB, d.Engine, d.Version)
	r.GET("/health", health.Health)
	r.GET("/ready", health.Ready)

	if cfg.Monitoring.Enabled && cfg.Monitoring.Metrics.Enabled && d.Gatherer != nil {
		RegisterMetricsRoute(r, cfg.Monitoring.Metrics.Path, d.Gatherer)
	}

	api := r.Group("/api/v1")
	if d.Automation != nil {
		RegisterAutomationRoutes(api, NewAutomationHandler(d.Automation, d.Events, d.Logger))
	}
	if d.Notifications != nil && d.Hub != nil {
		RegisterNotificationRoutes(api, NewNotificationHandler(d.Notifications, d.Hub, d.Logger))
	}
	return r
}

// corsMiddleware CORS 中间件
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization, X-Operator")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}
