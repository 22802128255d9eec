package service

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Standard five fields: minute hour day-of-month month day-of-week.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// parseCronExpr accepts exactly five fields; descriptors and timezone
// prefixes are rejected.
func parseCronExpr(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, validationErrorf("cron_expr", "is required")
	}
	if strings.HasPrefix(expr, "@") {
		return nil, validationErrorf("cron_expr", "descriptors like %s are not supported; use five fields", strings.Fields(expr)[0])
	}
	if n := len(strings.Fields(expr)); n != 5 {
		return nil, validationErrorf("cron_expr", "expected 5 fields, got %d", n)
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, validationErrorf("cron_expr", "%v", err)
	}
	if sched.Next(time.Now().UTC()).IsZero() {
		return nil, validationErrorf("cron_expr", "%q never fires", expr)
	}
	return sched, nil
}

// nextRunAfter is the earliest instant strictly after t, evaluated in UTC.
func nextRunAfter(sched cron.Schedule, t time.Time) (time.Time, error) {
	next := sched.Next(t.UTC())
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("schedule has no run after %s", t.UTC().Format(time.RFC3339))
	}
	return next, nil
}
