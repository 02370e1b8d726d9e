// Package scheduler bridges TaskDefinitions to recurring execution:
// cron-triggered agent/maintenance runs and interval-driven email
// polling. A ticker loop keeps per-binding next-run bookkeeping;
// field parsing is robfig/cron/v3's standard 5-field POSIX parser
// rather than a hand-rolled one.
package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/nova/internal/novaerr"
	"github.com/haasonsaas/nova/internal/store"
	"github.com/haasonsaas/nova/pkg/models"
)

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// ParseCron parses a 5-field POSIX cron expression in the given tz
// (empty means UTC, the on-disk default).
func ParseCron(expr, tz string) (cron.Schedule, error) {
	loc := time.UTC
	if tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("invalid tz %q: %w", tz, err)
		}
		loc = l
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return locationSchedule{inner: sched, loc: loc}, nil
}

// locationSchedule evaluates the wrapped schedule in a fixed location,
// so "30 2 * * *" means 02:30 in the definition's tz regardless of the
// host clock's zone.
type locationSchedule struct {
	inner cron.Schedule
	loc   *time.Location
}

func (s locationSchedule) Next(t time.Time) time.Time {
	return s.inner.Next(t.In(s.loc))
}

// ValidateMaintenanceCron enforces that a maintenance definition runs
// daily (only minute and hour are editable) and actually parses. The
// shape half lives in the store so it applies on every write path; the
// parse half needs the cron parser, which only this package owns.
func ValidateMaintenanceCron(expr string) error {
	if err := store.ValidateDailyCron(expr); err != nil {
		return err
	}
	if _, err := cronParser.Parse(expr); err != nil {
		return novaerr.New(novaerr.CategoryValidation, fmt.Sprintf("invalid maintenance cron: %v", err))
	}
	return nil
}

// NextRun computes when a definition fires next after the given time:
// the cron schedule's next match, or one poll interval out for
// email_poll triggers.
func NextRun(td *models.TaskDefinition, after time.Time) (time.Time, error) {
	switch td.Trigger {
	case models.TriggerCron:
		sched, err := ParseCron(td.CronExpression, td.TZ)
		if err != nil {
			return time.Time{}, err
		}
		return sched.Next(after), nil
	case models.TriggerEmailPoll:
		return after.Add(time.Duration(td.PollIntervalMins) * time.Minute), nil
	default:
		return time.Time{}, fmt.Errorf("unknown trigger %q", td.Trigger)
	}
}

// scheduleKey captures every schedule-defining field of a definition.
// Two definitions with equal keys need no external-binding resync —
// runtime-only writes (cursor, last_run_at) leave the key unchanged.
type scheduleKey struct {
	Trigger          models.TaskTrigger
	CronExpression   string
	TZ               string
	PollIntervalMins int
	IsActive         bool
}

func keyOf(td *models.TaskDefinition) scheduleKey {
	return scheduleKey{
		Trigger:          td.Trigger,
		CronExpression:   td.CronExpression,
		TZ:               td.TZ,
		PollIntervalMins: td.PollIntervalMins,
		IsActive:         td.IsActive,
	}
}
