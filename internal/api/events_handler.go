package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/deployd/agent/internal/events"
	"github.com/deployd/agent/internal/middleware"
	"github.com/deployd/agent/internal/service"
	"github.com/gin-gonic/gin"
)

// EventsHandler serves the event history
type EventsHandler struct {
	bus *events.EventBus
}

func NewEventsHandler(bus *events.EventBus) *EventsHandler {
	return &EventsHandler{bus: bus}
}

// ListEvents handles GET /api/events?type=&deployment=&subject=&since=&limit=
// type accepts a comma separated list.
func (h *EventsHandler) ListEvents(c *gin.Context) {
	limit, err := queryLimit(c)
	if err != nil {
		middleware.RespondError(c, err)
		return
	}
	if limit == 0 || limit > 500 {
		limit = 100
	}

	filters := events.EventFilters{
		Deployment: c.Query("deployment"),
		Subject:    c.Query("subject"),
		Limit:      limit,
	}
	if raw := c.Query("type"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				filters.Types = append(filters.Types, events.EventType(t))
			}
		}
	}
	if raw := c.Query("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			middleware.RespondError(c, &service.ValidationError{Field: "since", Message: "must be an RFC3339 timestamp"})
			return
		}
		filters.StartTime = since
	}

	list, err := h.bus.Query(filters)
	if err != nil {
		middleware.RespondError(c, err)
		return
	}
	if list == nil {
		list = []events.Event{}
	}
	c.JSON(http.StatusOK, gin.H{"events": list})
}
