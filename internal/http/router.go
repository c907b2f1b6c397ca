package httpapi

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/propintel/backend/internal/config"
	"github.com/propintel/backend/internal/db"
	"github.com/propintel/backend/internal/http/handlers"
	"github.com/propintel/backend/internal/http/middleware"
	"github.com/propintel/backend/internal/scoring"
	"github.com/propintel/backend/internal/service"
)

func Router(cfg config.Config, store db.Store, gateway *scoring.Gateway, orch *service.Orchestrator, sweeper *service.Sweeper, reg *prometheus.Registry, logger zerolog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(logger))

	corsCfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Admin-Key", "X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if cfg.CORSAllowed == "*" {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = []string{cfg.CORSAllowed}
	}
	r.Use(cors.New(corsCfg))

	h := &handlers.Handler{
		Store:       store,
		Gateway:     gateway,
		Orch:        orch,
		Sweeper:     sweeper,
		Validator:   validator.New(),
		Logger:      logger,
		BatchBudget: cfg.ScoreBatchBudget,
	}

	r.GET("/healthz", h.Healthz)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	api := r.Group("/api")
	{
		api.GET("/alerts", h.AlertsList)
		api.GET("/alerts/:id", h.AlertDetails)
		api.GET("/agents", h.AgentsList)
		api.GET("/rules", h.RulesList)
	}

	admin := api.Group("")
	admin.Use(middleware.AdminKey(cfg.AdminKey))
	{
		admin.POST("/signals", h.IngestSignals)
		admin.PUT("/agents", h.AgentsUpsert)
		admin.POST("/score", h.Score)
		admin.POST("/alerts/sweep", h.Sweep)
		admin.POST("/alerts/bulk-assign", h.BulkAssign)
		admin.POST("/alerts/:id/route", h.RouteAlert)
		admin.POST("/alerts/:id/reassign", h.ReassignAlert)
		admin.POST("/alerts/:id/acknowledge", h.AcknowledgeAlert)
		admin.POST("/alerts/:id/outcome", h.RecordOutcome)
		admin.POST("/rules", h.RuleCreate)
		admin.PUT("/rules/:id", h.RuleUpdate)
		admin.DELETE("/rules/:id", h.RuleDelete)
	}

	return r
}
