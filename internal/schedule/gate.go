// Package schedule decides whether a mission is due at a given instant,
// honoring the mission timezone. Modes: once, daily, weekly, interval, and
// cron expressions.
package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"

	"github.com/novachat/nova/internal/missions"
)

// Decision is the gate's answer.
type Decision struct {
	Due      bool
	Reason   string
	DayStamp string // YYYY-MM-DD in the mission's local timezone
	Mode     string
	Timezone string
}

var weekdayShort = map[time.Weekday]string{
	time.Sunday:    "sun",
	time.Monday:    "mon",
	time.Tuesday:   "tue",
	time.Wednesday: "wed",
	time.Thursday:  "thu",
	time.Friday:    "fri",
	time.Saturday:  "sat",
}

// ShouldRunNow evaluates the mission's schedule trigger against now. Missions
// without a schedule trigger are always due (manual/webhook path).
func ShouldRunNow(m *missions.Mission, now time.Time) Decision {
	trigger, ok := m.ScheduleTriggerNode()
	if !ok {
		return Decision{Due: true, Reason: "no schedule trigger", DayStamp: dayStamp(now, time.UTC)}
	}

	var spec missions.ScheduleSpec
	if err := trigger.DecodeAttrs(&spec); err != nil {
		return Decision{Due: false, Reason: fmt.Sprintf("invalid schedule trigger: %v", err)}
	}

	tz := spec.Timezone
	if tz == "" {
		tz = m.Settings.Timezone
	}
	if tz == "" {
		tz = missions.DefaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		loc = time.UTC
		tz = "UTC"
	}

	local := now.In(loc)
	today := dayStamp(now, loc)
	d := Decision{DayStamp: today, Mode: spec.Mode, Timezone: tz}

	// A scheduled-at override replaces the trigger's own time gate.
	if m.ScheduledAtOverride != nil {
		if now.Before(*m.ScheduledAtOverride) {
			d.Reason = "before scheduled override"
			return d
		}
		if m.LastSentLocalDate == today {
			d.Reason = "already ran today"
			return d
		}
		d.Due = true
		d.Reason = "scheduled override reached"
		return d
	}

	switch spec.Mode {
	case "interval":
		if spec.IntervalMinutes <= 0 {
			d.Reason = "interval not configured"
			return d
		}
		if m.LastRunAt == nil {
			d.Due = true
			d.Reason = "first interval run"
			return d
		}
		elapsed := now.Sub(*m.LastRunAt)
		if elapsed >= time.Duration(spec.IntervalMinutes)*time.Minute {
			d.Due = true
			d.Reason = fmt.Sprintf("interval elapsed (%dm)", spec.IntervalMinutes)
		} else {
			d.Reason = fmt.Sprintf("interval not elapsed (%s of %dm)", elapsed.Truncate(time.Second), spec.IntervalMinutes)
		}
		return d

	case "once":
		if m.LastSentLocalDate != "" {
			d.Reason = "one-shot mission already ran"
			return d
		}
		if !timeReached(local, spec.Time) {
			d.Reason = "before trigger time"
			return d
		}
		d.Due = true
		d.Reason = "one-shot due"
		return d

	case "daily":
		if m.LastSentLocalDate == today {
			d.Reason = "already ran today"
			return d
		}
		if !timeReached(local, spec.Time) {
			d.Reason = "before trigger time"
			return d
		}
		d.Due = true
		d.Reason = "daily due"
		return d

	case "weekly":
		if !weekdayListed(local.Weekday(), spec.Days) {
			d.Reason = "not a trigger day"
			return d
		}
		if m.LastSentLocalDate == today {
			d.Reason = "already ran today"
			return d
		}
		if !timeReached(local, spec.Time) {
			d.Reason = "before trigger time"
			return d
		}
		d.Due = true
		d.Reason = "weekly due"
		return d

	case "cron":
		if spec.CronExpr == "" {
			d.Reason = "cron expression missing"
			return d
		}
		due, err := gronx.New().IsDue(spec.CronExpr, local)
		if err != nil {
			d.Reason = fmt.Sprintf("invalid cron expression: %v", err)
			return d
		}
		// Dedup within the matching minute.
		if due && m.LastRunAt != nil && local.Sub(m.LastRunAt.In(loc)) < time.Minute {
			d.Reason = "cron minute already served"
			return d
		}
		d.Due = due
		if due {
			d.Reason = "cron due"
		} else {
			d.Reason = "cron not due"
		}
		return d

	default:
		d.Reason = fmt.Sprintf("unknown schedule mode %q", spec.Mode)
		return d
	}
}

// timeReached reports whether the local clock has passed "HH:MM". An empty
// trigger time never blocks.
func timeReached(local time.Time, hhmm string) bool {
	if hhmm == "" {
		return true
	}
	return local.Format("15:04") >= hhmm
}

func weekdayListed(day time.Weekday, days []string) bool {
	want := weekdayShort[day]
	for _, d := range days {
		if strings.ToLower(strings.TrimSpace(d)) == want {
			return true
		}
	}
	return false
}

func dayStamp(now time.Time, loc *time.Location) string {
	return now.In(loc).Format("2006-01-02")
}
