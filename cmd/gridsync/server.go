package main

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/developer-mesh/gridsync/pkg/collaboration"
	"github.com/developer-mesh/gridsync/pkg/config"
	"github.com/developer-mesh/gridsync/pkg/observability"
)

// newRouter exposes engine state, the document and Prometheus metrics.
func newRouter(ed editor, registry *prometheus.Registry, cfg config.HTTPConfig, logLevel string) *gin.Engine {
	if logLevel == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.RateLimit.Enabled {
		router.Use(rateLimiter(cfg.RateLimit))
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/status", func(c *gin.Context) {
		s, err := ed.Stats(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		code := http.StatusOK
		if s.Status == collaboration.StatusSaveError || s.Status == collaboration.StatusUpdateError {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, s)
	})

	router.GET("/document", func(c *gin.Context) {
		data, err := ed.Snapshot(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.Data(http.StatusOK, "application/json", data)
	})

	router.POST("/resume", func(c *gin.Context) {
		if err := ed.Resume(c.Request.Context()); err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusAccepted)
	})

	if registry != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	}
	return router
}

func newHTTPServer(cfg config.HTTPConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
}

// newMetrics returns the metrics client and the registry to serve, or a
// no-op client when metrics are disabled.
func newMetrics(cfg observability.MetricsConfig, clientID string) (observability.MetricsClient, *prometheus.Registry) {
	if !cfg.Enabled {
		return observability.NewNoopMetricsClient(), nil
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return observability.NewPrometheusMetricsClient(reg, cfg.Namespace, cfg.Subsystem, map[string]string{"client": clientID}), reg
}
