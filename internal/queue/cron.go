package queue

import (
	"time"

	"github.com/robfig/cron/v3"
)

// ValidateCronExpression validates a cron expression
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// NextRunTime calculates the next run time for a cron expression
func NextRunTime(expr string, from time.Time) (time.Time, error) {
	cronSchedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, err
	}
	return cronSchedule.Next(from), nil
}

// IsDue reports whether expr fires in the minute containing now. Every tick
// inside that minute sees the same answer.
func IsDue(expr string, now time.Time) (bool, error) {
	cronSchedule, err := cron.ParseStandard(expr)
	if err != nil {
		return false, err
	}
	minute := now.Truncate(time.Minute)
	return cronSchedule.Next(minute.Add(-time.Nanosecond)).Equal(minute), nil
}
