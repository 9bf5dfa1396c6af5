// Package schedule computes when a workflow runs next.
package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/reelflow/pkg/schema"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron parses a five-field cron expression or a descriptor such as "@daily".
func ParseCron(expr string) (cron.Schedule, error) {
	s, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse cron expression %q: %w", expr, err)
	}
	return s, nil
}

// Next returns the next execution time of def after a run finishing at now.
// The result is never earlier than now plus the definition's interval. When
// the definition carries a cron expression the result is the first firing at
// or after that point.
func Next(def *schema.WorkflowDefinition, now time.Time) (time.Time, error) {
	earliest := cron.Every(def.Interval()).Next(ceilSecond(now))
	if def.ScheduleCron == "" {
		return earliest.UTC(), nil
	}
	s, err := ParseCron(def.ScheduleCron)
	if err != nil {
		return time.Time{}, schema.NewError(schema.ErrCodeValidation, err.Error()).WithWorkflow(def.ID)
	}
	next := s.Next(earliest.Add(-time.Nanosecond))
	if next.IsZero() {
		return time.Time{}, schema.NewErrorf(schema.ErrCodeValidation, "cron expression %q never fires", def.ScheduleCron).WithWorkflow(def.ID)
	}
	return next.UTC(), nil
}

// After returns now plus the definition's interval, rounded up to the second.
// Cancellation uses it to push the next run out by one full interval.
func After(def *schema.WorkflowDefinition, now time.Time) time.Time {
	return cron.Every(def.Interval()).Next(ceilSecond(now)).UTC()
}

func ceilSecond(t time.Time) time.Time {
	if t.Nanosecond() == 0 {
		return t
	}
	return t.Truncate(time.Second).Add(time.Second)
}
