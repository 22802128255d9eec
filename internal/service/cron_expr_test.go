package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCronExprRejects(t *testing.T) {
	cases := map[string]string{
		"empty":        "",
		"descriptor":   "@daily",
		"six fields":   "0 0 3 * * *",
		"four fields":  "0 3 * *",
		"bad minute":   "61 * * * *",
		"bad month":    "0 0 1 13 *",
		"garbage":      "every day",
		"never fires":  "0 0 30 2 *",
		"tz prefix":    "CRON_TZ=UTC 0 3 * * *",
		"whitespace":   "   ",
		"bad dow name": "0 3 * * XYZ",
	}
	for name, expr := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := parseCronExpr(expr)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, "cron_expr", verr.Field)
		})
	}
}

func TestNextRunAfterIsStrictlyLater(t *testing.T) {
	sched, err := parseCronExpr("0 3 * * *")
	require.NoError(t, err)

	at := time.Date(2026, 5, 10, 3, 0, 0, 0, time.UTC)
	next, err := nextRunAfter(sched, at)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 5, 11, 3, 0, 0, 0, time.UTC), next)

	next, err = nextRunAfter(sched, at.Add(-time.Second))
	require.NoError(t, err)
	assert.Equal(t, at, next)
}

func TestNextRunAfterUsesUTC(t *testing.T) {
	sched, err := parseCronExpr("30 14 * * 1-5")
	require.NoError(t, err)

	berlin := time.FixedZone("CEST", 2*60*60)
	// Friday 15:00 in Berlin is 13:00 UTC
	at := time.Date(2026, 5, 15, 15, 0, 0, 0, berlin)
	next, err := nextRunAfter(sched, at)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 5, 15, 14, 30, 0, 0, time.UTC), next)
	assert.Equal(t, time.UTC, next.Location())
}

func TestParseCronExprAcceptsStandardSyntax(t *testing.T) {
	for _, expr := range []string{"*/5 * * * *", "0 0 1 * *", "15 2 * * SUN", "0 9-17/2 * * mon-fri", " 0 3 * * * "} {
		_, err := parseCronExpr(expr)
		assert.NoError(t, err, expr)
	}
}
