package web

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RouteConfig holds the secrets and limits the routes are guarded with.
type RouteConfig struct {
	AdminToken string
	CronSecret string
	RPS        float64
	Burst      int
}

// SetupRoutes configures all application routes.
func SetupRoutes(r *gin.Engine, h *Handlers, rc RouteConfig) {
	// Health endpoints (no auth, no rate limit)
	r.GET("/health", h.HealthCheck)
	r.GET("/healthz", h.Liveness)
	r.GET("/ready", h.Readiness)

	// Provider deliveries authenticate by channel id or signature
	webhooks := r.Group("/webhooks")
	webhooks.Use(RateLimiter(rc.RPS*5, rc.Burst*5))
	{
		webhooks.POST("/calendar", h.CalendarWebhook)
		webhooks.POST("/notion", h.NotionWebhook)
	}

	// Admin API with bearer auth and rate limiting
	admin := r.Group("/api")
	admin.Use(RateLimiter(rc.RPS, rc.Burst))
	admin.Use(RequireBearer(rc.AdminToken))
	admin.Use(RequireJSONContentType())
	{
		admin.POST("/sync", h.APITriggerSync)
		admin.GET("/logs/sync", h.APISyncLogs)
		admin.GET("/logs/webhook", h.APIWebhookLogs)
		admin.GET("/metrics", h.APIMetrics)

		admin.GET("/backfill/preview", h.APIBackfillPreview)
		admin.GET("/backfill/status", h.APIBackfillStatus)
		admin.POST("/backfill/start", h.APIBackfillStart)
		admin.POST("/backfill/cancel", h.APIBackfillCancel)
		admin.POST("/backfill/reset", h.APIBackfillReset)

		admin.GET("/channel", h.APIChannelStatus)
		admin.POST("/channel", h.APIChannelSetup)
		admin.DELETE("/channel", h.APIChannelStop)

		admin.GET("/subscription", h.APISubscriptionStatus)
		admin.POST("/subscription", h.APISubscriptionCreate)
		admin.DELETE("/subscription", h.APISubscriptionDelete)
	}

	// Cron endpoints; GET is accepted for schedulers that cannot POST
	cron := r.Group("/api/cron")
	cron.Use(RateLimiter(2, 5))
	cron.Use(RequireBearer(rc.CronSecret))
	{
		for _, method := range []string{http.MethodGet, http.MethodPost} {
			cron.Handle(method, "/poll", h.CronPoll)
			cron.Handle(method, "/renew", h.CronRenew)
			cron.Handle(method, "/cleanup", h.CronCleanup)
		}
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	})
}
