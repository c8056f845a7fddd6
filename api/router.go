// Package api serves read-only run status over HTTP.
package api

import (
	"github.com/gin-gonic/gin"

	"github.com/use-agent/shopmetrics/api/handler"
	"github.com/use-agent/shopmetrics/api/middleware"
	"github.com/use-agent/shopmetrics/config"
)

// NewRouter creates a configured Gin engine with all routes and middleware.
//
// Middleware chain:
//
//	Global:  Recovery → Logger
//	API:     Auth (if keys are configured)
//
// Health stays outside auth so monitoring probes always work.
func NewRouter(run *handler.Run, cfg config.ServerConfig) *gin.Engine {
	gin.SetMode(cfg.Mode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.Logger())

	v1 := r.Group("/api/v1")
	v1.GET("/health", handler.Health(run))

	protected := v1.Group("")
	protected.Use(middleware.Auth(cfg.APIKeys))
	protected.GET("/status", handler.Status(run))
	protected.GET("/ledger", handler.Ledger(run))

	return r
}
