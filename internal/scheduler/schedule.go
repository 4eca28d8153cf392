package scheduler

import "time"

// WeeklySchedule returns true if a weekly job has not succeeded since the
// start of the current ISO week (Monday 00:00 in now's location).
func WeeklySchedule(now time.Time, lastRun *time.Time) bool {
	if lastRun == nil {
		return true
	}
	weekday := int(now.Weekday())
	if weekday == 0 {
		weekday = 7
	}
	weekStart := time.Date(now.Year(), now.Month(), now.Day()-(weekday-1), 0, 0, 0, 0, now.Location())
	return lastRun.Before(weekStart)
}
