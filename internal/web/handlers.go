package web

import (
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/macjediwizard/calnotionsync/internal/activity"
	"github.com/macjediwizard/calnotionsync/internal/backfill"
	"github.com/macjediwizard/calnotionsync/internal/health"
	"github.com/macjediwizard/calnotionsync/internal/model"
	"github.com/macjediwizard/calnotionsync/internal/notify"
	"github.com/macjediwizard/calnotionsync/internal/reconcile"
	"github.com/macjediwizard/calnotionsync/internal/scheduler"
	"github.com/macjediwizard/calnotionsync/internal/webhook"
)

const (
	defaultLogLimit = 50
	maxLogLimit     = 500
)

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	ingress       *webhook.Ingress
	channels      *webhook.ChannelManager
	subscriptions *webhook.SubscriptionManager
	engine        *reconcile.Engine
	backfill      *backfill.Engine
	tasks         *scheduler.Tasks
	logs          *activity.Log
	tracker       *activity.Tracker
	health        *health.Checker
	notifier      *notify.Notifier

	calendarCallbackURL string
	notionCallbackURL   string
}

// NewHandlers creates a new Handlers instance. The callback URLs are empty
// when BASE_URL is not configured.
func NewHandlers(
	ingress *webhook.Ingress,
	channels *webhook.ChannelManager,
	subscriptions *webhook.SubscriptionManager,
	engine *reconcile.Engine,
	backfillEngine *backfill.Engine,
	tasks *scheduler.Tasks,
	logs *activity.Log,
	tracker *activity.Tracker,
	healthChecker *health.Checker,
	notifier *notify.Notifier,
	calendarCallbackURL string,
	notionCallbackURL string,
) *Handlers {
	return &Handlers{
		ingress:             ingress,
		channels:            channels,
		subscriptions:       subscriptions,
		engine:              engine,
		backfill:            backfillEngine,
		tasks:               tasks,
		logs:                logs,
		tracker:             tracker,
		health:              healthChecker,
		notifier:            notifier,
		calendarCallbackURL: calendarCallbackURL,
		notionCallbackURL:   notionCallbackURL,
	}
}

// HealthCheck returns a full health report.
func (h *Handlers) HealthCheck(c *gin.Context) {
	report := h.health.Check(c.Request.Context())
	status := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

// Liveness returns a simple liveness check.
func (h *Handlers) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, h.health.Liveness())
}

// Readiness checks all dependencies.
func (h *Handlers) Readiness(c *gin.Context) {
	report := h.health.Check(c.Request.Context())
	if report.Status == health.StatusUnhealthy {
		c.JSON(http.StatusServiceUnavailable, report)
		return
	}
	c.JSON(http.StatusOK, report)
}

// sanitizeError returns a user-safe error message without exposing internal details.
// Internal error details are logged but not returned to the client.
func sanitizeError(err error, userMessage string) string {
	if err != nil {
		// Log the full error for debugging (server-side only)
		log.Printf("[Web] Error: %s - Details: %v", userMessage, err)
	}
	return userMessage
}

// statusForError maps the error taxonomy onto HTTP status codes.
func statusForError(err error) int {
	var ve *model.ValidationError
	var pe *model.ProviderError
	switch {
	case errors.As(err, &ve):
		if ve.Unauthorized {
			return http.StatusUnauthorized
		}
		return http.StatusBadRequest
	case model.IsConflict(err), model.IsChannelState(err):
		return http.StatusConflict
	case errors.As(err, &pe):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes err with the status its type maps to. Unclassified
// errors are logged and reported generically.
func (h *Handlers) respondError(c *gin.Context, err error, userMessage string) {
	status := statusForError(err)
	body := gin.H{"error": err.Error()}
	switch {
	case status == http.StatusInternalServerError:
		body["error"] = sanitizeError(err, userMessage)
	case status == http.StatusBadGateway:
		body["error"] = sanitizeError(err, userMessage+": upstream provider error")
	case model.IsChannelState(err):
		body["hint"] = "re-create the calendar channel with POST /api/channel"
	}
	c.JSON(status, body)
}

// parseLimit reads the limit query parameter, defaulting and clamping it.
func parseLimit(c *gin.Context) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultLogLimit)))
	if err != nil || limit <= 0 {
		return defaultLogLimit
	}
	return min(limit, maxLogLimit)
}
