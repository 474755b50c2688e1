package web

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/macjediwizard/calnotionsync/internal/model"
)

// backfillRequest is the body of a backfill start.
type backfillRequest struct {
	Days int `json:"days"`
}

// APITriggerSync runs the calendar to database incremental pass.
func (h *Handlers) APITriggerSync(c *gin.Context) {
	res, err := h.engine.SyncCalendarIncremental(c.Request.Context())
	if err != nil {
		h.respondError(c, err, "Sync failed")
		return
	}
	c.JSON(http.StatusOK, res)
}

// APISyncLogs returns the most recent record translations.
func (h *Handlers) APISyncLogs(c *gin.Context) {
	entries, err := h.logs.RecentSync(c.Request.Context(), parseLimit(c))
	if err != nil {
		h.respondError(c, err, "Failed to read sync log")
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// APIWebhookLogs returns the most recent webhook deliveries.
func (h *Handlers) APIWebhookLogs(c *gin.Context) {
	entries, err := h.logs.RecentWebhook(c.Request.Context(), parseLimit(c))
	if err != nil {
		h.respondError(c, err, "Failed to read webhook log")
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// APIMetrics returns rolling metrics plus the passes in flight.
func (h *Handlers) APIMetrics(c *gin.Context) {
	metrics, err := h.logs.Metrics(c.Request.Context())
	if err != nil {
		h.respondError(c, err, "Failed to compute metrics")
		return
	}
	resp := gin.H{"metrics": metrics}
	if h.tracker != nil {
		resp["active_runs"] = h.tracker.GetActive()
		resp["recent_runs"] = h.tracker.GetRecent()
	}
	if h.notifier != nil {
		resp["failing"] = h.notifier.Failing()
	}
	c.JSON(http.StatusOK, resp)
}

// APIBackfillPreview classifies the candidate window without writing.
func (h *Handlers) APIBackfillPreview(c *gin.Context) {
	days, err := strconv.Atoi(c.Query("days"))
	if err != nil {
		h.respondError(c, &model.ValidationError{Reason: "days must be an integer"}, "")
		return
	}
	preview, err := h.backfill.Preview(c.Request.Context(), days)
	if err != nil {
		h.respondError(c, err, "Failed to preview backfill")
		return
	}
	c.JSON(http.StatusOK, preview)
}

// APIBackfillStart starts a backfill in the background.
func (h *Handlers) APIBackfillStart(c *gin.Context) {
	var req backfillRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, &model.ValidationError{Reason: "invalid request body"}, "")
		return
	}
	progress, err := h.backfill.Start(c.Request.Context(), req.Days)
	if err != nil {
		h.respondError(c, err, "Failed to start backfill")
		return
	}
	c.JSON(http.StatusAccepted, progress)
}

// APIBackfillStatus returns the persisted backfill progress.
func (h *Handlers) APIBackfillStatus(c *gin.Context) {
	progress, err := h.backfill.Status(c.Request.Context())
	if err != nil {
		h.respondError(c, err, "Failed to read backfill status")
		return
	}
	c.JSON(http.StatusOK, progress)
}

// APIBackfillCancel asks the running backfill to stop.
func (h *Handlers) APIBackfillCancel(c *gin.Context) {
	progress, err := h.backfill.Cancel(c.Request.Context())
	if err != nil {
		h.respondError(c, err, "Failed to cancel backfill")
		return
	}
	c.JSON(http.StatusAccepted, progress)
}

// APIBackfillReset clears backfill progress back to idle.
func (h *Handlers) APIBackfillReset(c *gin.Context) {
	if err := h.backfill.Reset(c.Request.Context()); err != nil {
		h.respondError(c, err, "Failed to reset backfill")
		return
	}
	c.JSON(http.StatusOK, model.IdleProgress())
}

// APIChannelStatus classifies the stored calendar channel.
func (h *Handlers) APIChannelStatus(c *gin.Context) {
	status, err := h.channels.Status(c.Request.Context())
	if err != nil {
		h.respondError(c, err, "Failed to read channel")
		return
	}
	c.JSON(http.StatusOK, status)
}

// APIChannelSetup registers a new calendar channel, replacing any existing one.
func (h *Handlers) APIChannelSetup(c *gin.Context) {
	if h.calendarCallbackURL == "" {
		h.respondError(c, &model.ValidationError{Reason: "BASE_URL is not configured"}, "")
		return
	}
	ch, err := h.channels.Setup(c.Request.Context(), h.calendarCallbackURL)
	if err != nil {
		h.respondError(c, err, "Failed to set up channel")
		return
	}
	c.JSON(http.StatusCreated, ch)
}

// APIChannelStop stops the calendar channel and removes its record.
func (h *Handlers) APIChannelStop(c *gin.Context) {
	res, err := h.channels.Stop(c.Request.Context())
	if err != nil {
		h.respondError(c, err, "Failed to stop channel")
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": res})
}

// APISubscriptionStatus reconciles the Notion subscription with the provider.
func (h *Handlers) APISubscriptionStatus(c *gin.Context) {
	state, sub, err := h.subscriptions.ReconcileWithProvider(c.Request.Context())
	if err != nil {
		h.respondError(c, err, "Failed to read subscription")
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": state, "subscription": sub})
}

// APISubscriptionCreate registers a Notion subscription pending verification.
func (h *Handlers) APISubscriptionCreate(c *gin.Context) {
	if h.notionCallbackURL == "" {
		h.respondError(c, &model.ValidationError{Reason: "BASE_URL is not configured"}, "")
		return
	}
	sub, err := h.subscriptions.Create(c.Request.Context(), h.notionCallbackURL, "")
	if err != nil {
		h.respondError(c, err, "Failed to create subscription")
		return
	}
	c.JSON(http.StatusCreated, sub)
}

// APISubscriptionDelete removes the Notion subscription.
func (h *Handlers) APISubscriptionDelete(c *gin.Context) {
	res, err := h.subscriptions.Delete(c.Request.Context())
	if err != nil {
		h.respondError(c, err, "Failed to delete subscription")
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": res})
}

// CronPoll runs the fallback poll.
func (h *Handlers) CronPoll(c *gin.Context) {
	res, err := h.tasks.Poll(c.Request.Context())
	if err != nil {
		h.respondError(c, err, "Poll failed")
		return
	}
	c.JSON(http.StatusOK, res)
}

// CronRenew renews or re-creates the calendar channel.
func (h *Handlers) CronRenew(c *gin.Context) {
	res, err := h.tasks.RenewChannel(c.Request.Context())
	if err != nil {
		h.respondError(c, err, "Channel renewal failed")
		return
	}
	c.JSON(http.StatusOK, res)
}

// CronCleanup removes expired state keys.
func (h *Handlers) CronCleanup(c *gin.Context) {
	n, err := h.tasks.CleanExpired(c.Request.Context())
	if err != nil {
		h.respondError(c, err, "Cleanup failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": n})
}
