package api

import (
	"strconv"

	"github.com/deployd/agent/internal/service"
	"github.com/gin-gonic/gin"
)

// parseID reads a numeric path parameter.
func parseID(c *gin.Context, name string) (uint, error) {
	id, err := strconv.ParseUint(c.Param(name), 10, 32)
	if err != nil || id == 0 {
		return 0, &service.ValidationError{Field: name, Message: "must be a positive integer"}
	}
	return uint(id), nil
}

// queryLimit reads ?limit=. Zero means the service default.
func queryLimit(c *gin.Context) (int, error) {
	raw := c.Query("limit")
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, &service.ValidationError{Field: "limit", Message: "must be a non-negative integer"}
	}
	return limit, nil
}
