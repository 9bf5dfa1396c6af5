package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/reelflow/pkg/schema"
)

func TestNext_Interval(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 15, 30, 0, time.UTC)
	def := &schema.WorkflowDefinition{ID: "wf", ScheduleIntervalMinutes: 30}

	next, err := Next(def, now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(30*time.Minute), next)
}

func TestNext_DefaultInterval(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	next, err := Next(&schema.WorkflowDefinition{ID: "wf"}, now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Duration(schema.DefaultScheduleIntervalMinutes)*time.Minute), next)
}

func TestNext_NeverEarlierThanInterval(t *testing.T) {
	def := &schema.WorkflowDefinition{ID: "wf", ScheduleIntervalMinutes: 1}
	now := time.Date(2026, 3, 1, 10, 0, 0, 999_999_999, time.UTC)

	next, err := Next(def, now)
	require.NoError(t, err)
	assert.False(t, next.Before(now.Add(time.Minute)), "next %s is before now+interval", next)
}

func TestNext_CronAfterInterval(t *testing.T) {
	def := &schema.WorkflowDefinition{ID: "wf", ScheduleIntervalMinutes: 60, ScheduleCron: "0 */6 * * *"}
	now := time.Date(2026, 3, 1, 5, 30, 0, 0, time.UTC)

	// now+60m = 06:30, so the 06:00 firing is skipped.
	next, err := Next(def, now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), next)
}

func TestNext_CronFiringAtEarliestIsKept(t *testing.T) {
	def := &schema.WorkflowDefinition{ID: "wf", ScheduleIntervalMinutes: 30, ScheduleCron: "0 * * * *"}
	now := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

	next, err := Next(def, now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), next)
}

func TestNext_Descriptor(t *testing.T) {
	def := &schema.WorkflowDefinition{ID: "wf", ScheduleIntervalMinutes: 1, ScheduleCron: "@daily"}
	now := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

	next, err := Next(def, now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), next)
}

func TestNext_BadCron(t *testing.T) {
	def := &schema.WorkflowDefinition{ID: "wf", ScheduleCron: "not a cron"}
	_, err := Next(def, time.Now())
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestAfter(t *testing.T) {
	def := &schema.WorkflowDefinition{ID: "wf", ScheduleIntervalMinutes: 15, ScheduleCron: "@daily"}
	now := time.Date(2026, 3, 1, 9, 30, 0, 500, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 1, 9, 45, 1, 0, time.UTC), After(def, now))
}
