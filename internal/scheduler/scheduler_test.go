package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"switchboard/internal/domain"
)

func TestParseTaskScheduleDefaultsToUTC(t *testing.T) {
	sched, err := parseTaskSchedule(domain.ScheduledTask{CronExpr: "0 9 * * *"})
	require.NoError(t, err)
	ts, ok := sched.(tzSchedule)
	require.True(t, ok)
	assert.Equal(t, time.UTC, ts.loc)
}

func TestParseTaskScheduleLoadsNamedTimezone(t *testing.T) {
	sched, err := parseTaskSchedule(domain.ScheduledTask{CronExpr: "0 9 * * *", Timezone: "America/New_York"})
	require.NoError(t, err)
	ts, ok := sched.(tzSchedule)
	require.True(t, ok)
	assert.Equal(t, "America/New_York", ts.loc.String())
}

func TestParseTaskScheduleRejectsInvalidTimezone(t *testing.T) {
	_, err := parseTaskSchedule(domain.ScheduledTask{CronExpr: "0 9 * * *", Timezone: "Not/AZone"})
	assert.Error(t, err)
}

func TestParseTaskScheduleRejectsInvalidCron(t *testing.T) {
	_, err := parseTaskSchedule(domain.ScheduledTask{CronExpr: "not a cron expr"})
	assert.Error(t, err)
}

func TestTzScheduleNextConvertsAcrossTimezone(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	sched, err := parseTaskSchedule(domain.ScheduledTask{CronExpr: "0 9 * * *", Timezone: "America/New_York"})
	require.NoError(t, err)

	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	next := sched.Next(from)
	assert.Equal(t, time.UTC, next.Location())

	wantLocal := time.Date(2026, 1, 1, 9, 0, 0, 0, loc)
	assert.True(t, next.Equal(wantLocal))
}
