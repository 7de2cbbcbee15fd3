package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RegisterMetricsRoute 暴露 Prometheus 指标
func RegisterMetricsRoute(r gin.IRoutes, path string, gatherer prometheus.Gatherer) {
	if path == "" {
		path = "/metrics"
	}
	r.GET(path, gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
}
