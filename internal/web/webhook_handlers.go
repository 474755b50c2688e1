package web

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/macjediwizard/calnotionsync/internal/model"
	"github.com/macjediwizard/calnotionsync/internal/webhook"
)

const maxWebhookBody = 1 << 20

// CalendarWebhook receives calendar push notifications. Everything the
// provider needs is in the headers; the body is ignored.
func (h *Handlers) CalendarWebhook(c *gin.Context) {
	out, err := h.ingress.HandleCalendar(c.Request.Context(), c.Request.Header)
	if err != nil {
		h.respondError(c, err, "Failed to process calendar notification")
		return
	}
	c.JSON(http.StatusOK, out)
}

// NotionWebhook receives Notion webhook deliveries, including the one-time
// verification challenge.
func (h *Handlers) NotionWebhook(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload too large"})
			return
		}
		h.respondError(c, &model.ValidationError{Reason: "unreadable body"}, "")
		return
	}

	out, err := h.ingress.HandleNotion(c.Request.Context(), body, c.GetHeader(webhook.HeaderNotionSignature))
	if err != nil {
		h.respondError(c, err, "Failed to process Notion event")
		return
	}
	c.JSON(http.StatusOK, out)
}
