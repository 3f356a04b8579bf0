package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"earnedvalue/internal/handler"
	"earnedvalue/pkg/otel"
)

// Check is a named readiness probe (database, redis, broker).
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

func newEngine(logger *zap.Logger, checks []Check) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(TraceID())
	r.Use(otel.GinMiddleware())
	r.Use(Metrics())
	r.Use(RequestLogger(logger))

	// Health endpoints first
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.HEAD("/healthz", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	r.GET("/readyz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 1*time.Second)
		defer cancel()

		for _, check := range checks {
			if err := check.Fn(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": check.Name + "_not_ready", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}

// NewRouter builds the API engine. admin may be nil when the outbox is not
// in use (memory storage).
func NewRouter(
	progress *handler.ProgressHandler,
	admin *handler.OutboxHandler,
	jwtSecret string,
	logger *zap.Logger,
	checks ...Check,
) *gin.Engine {
	r := newEngine(logger, checks)

	api := r.Group("/")
	api.Use(OptionalAuth(jwtSecret))
	{
		api.POST("/components/:id/milestones", progress.RecordMilestone)
		api.GET("/components/:id", progress.GetComponent)
		api.PUT("/components/:id/attributes/:attr", progress.SetComponentAttribute)
		api.PUT("/components/:id/flags", progress.SetComponentFlags)
		api.POST("/components/:id/retire", progress.RetireComponent)

		api.POST("/projects/:project_id/components", progress.CreateComponent)
		api.POST("/projects/:project_id/drawings", progress.CreateDrawing)
		api.POST("/projects/:project_id/groupings", progress.CreateGrouping)
		api.GET("/projects/:project_id/delta", progress.GetDelta)
		api.GET("/projects/:project_id/templates/:type", progress.GetTemplate)
		api.PUT("/projects/:project_id/templates/:type", progress.SetTemplateOverride)

		api.PUT("/drawings/:id/attributes/:attr", progress.SetDrawingAttribute)
		api.GET("/groupings/:id/components", progress.ListGroupingComponents)
		api.GET("/aggregations/:scope/:key", progress.GetAggregation)

		api.GET("/recompute-jobs/:id", progress.GetRecomputeJob)
		api.POST("/recompute-jobs/:id/resume", progress.ResumeRecomputeJob)
	}

	if admin != nil && jwtSecret != "" {
		adm := r.Group("/admin")
		adm.Use(AuthMiddleware(jwtSecret))
		{
			adm.POST("/outbox/failed/replay", admin.ReplayFailed)
			adm.POST("/outbox/events/:id/replay", admin.ReplayEvent)
		}
	}

	return r
}

// NewOpsRouter serves only health and metrics, for the worker process.
func NewOpsRouter(logger *zap.Logger, checks ...Check) *gin.Engine {
	return newEngine(logger, checks)
}
