package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/signaldesk/sessiond/internal/audit"
	"github.com/signaldesk/sessiond/pkg/response"
)

// EventHandler serves the admin view over the security event stream.
type EventHandler struct {
	events *audit.Logger
}

// NewEventHandler wires the handler.
func NewEventHandler(events *audit.Logger) (*EventHandler, error) {
	if events == nil {
		return nil, errors.New("event handler: audit logger is required")
	}
	return &EventHandler{events: events}, nil
}

// List returns a filtered, paginated slice of the event stream, newest
// first. Admin only; the route group enforces that.
func (h *EventHandler) List(c *gin.Context) {
	opts := audit.ListOptions{
		Page:     queryInt(c, "page", 1),
		PageSize: queryInt(c, "page_size", 50),
		Filters: audit.Filters{
			UserID:   c.Query("user_id"),
			Kind:     c.Query("kind"),
			Severity: c.Query("severity"),
			Since:    queryTime(c, "since"),
			Until:    queryTime(c, "until"),
		},
	}

	events, total, err := h.events.List(c.Request.Context(), opts)
	if err != nil {
		response.Error(c, err)
		return
	}

	totalPages := int(total) / opts.PageSize
	if int(total)%opts.PageSize > 0 {
		totalPages++
	}

	response.SuccessWithMeta(c, http.StatusOK, gin.H{"events": events}, &response.Meta{
		Page:       opts.Page,
		PerPage:    opts.PageSize,
		Total:      int(total),
		TotalPages: totalPages,
	})
}

func queryInt(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}

func queryTime(c *gin.Context, name string) *time.Time {
	raw := c.Query(name)
	if raw == "" {
		return nil
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil
	}
	return &parsed
}
