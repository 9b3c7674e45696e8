package server

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/abduss/meshdrop/internal/config"
	"github.com/abduss/meshdrop/internal/logger"
	"github.com/abduss/meshdrop/internal/metrics"
	"github.com/abduss/meshdrop/internal/upload"
)

// Dependencies groups the services required by the HTTP router.
type Dependencies struct {
	Config  config.Config
	Logger  *zap.Logger
	Uploads *upload.Service
}

// NewRouter builds a Gin engine with foundational middleware and routes.
func NewRouter(deps Dependencies) *gin.Engine {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	router := gin.New()
	router.HandleMethodNotAllowed = true
	router.Use(gin.Recovery())
	router.Use(logger.Middleware(deps.Logger))
	router.Use(metrics.Middleware())
	router.Use(cors.New(corsConfig()))

	router.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, gin.H{"success": false, "error": "method not allowed"})
	})
	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "not found"})
	})

	registerHealthRoutes(router, deps)
	metrics.Register(router, deps.Config.Metrics.PrometheusPath)

	if deps.Uploads != nil {
		upload.RegisterRoutes(router, deps.Uploads)
	}

	return router
}

// corsConfig allows any origin; preflights answer 200 rather than 204.
func corsConfig() cors.Config {
	return cors.Config{
		AllowAllOrigins:           true,
		AllowMethods:              []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:              []string{"Origin", "Content-Type", "Accept", "Authorization", logger.CorrelationIDHeader},
		ExposeHeaders:             []string{logger.CorrelationIDHeader},
		MaxAge:                    12 * time.Hour,
		OptionsResponseStatusCode: http.StatusOK,
	}
}
