// -----------------------------------------------------------------------
// QuotaUsage - Per-(project, engine, UTC day) submission accounting
// -----------------------------------------------------------------------

package models

import (
	"time"
)

// QuotaUsage counts successful submissions for a project/engine/day. Used is
// monotonically non-decreasing within a day; increments go through the
// storage layer's atomic read-modify-write.
type QuotaUsage struct {
	Key       string    `badgerhold:"key" json:"-"` // projectID|engine|YYYY-MM-DD
	ProjectID string    `badgerhold:"index" json:"projectId"`
	Engine    Engine    `json:"engine"`
	Date      time.Time `json:"date"` // Midnight UTC
	Used      int       `json:"used"`
	Limit     int       `json:"limit"`
}

// QuotaDay truncates t to midnight UTC.
func QuotaDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// QuotaKey builds the storage key for (projectId, engine, day).
func QuotaKey(projectID string, engine Engine, day time.Time) string {
	return projectID + "|" + string(engine) + "|" + QuotaDay(day).Format("2006-01-02")
}

// Remaining returns how many successful submissions the day still allows.
func (q *QuotaUsage) Remaining() int {
	if q.Limit <= 0 {
		return 0
	}
	r := q.Limit - q.Used
	if r < 0 {
		return 0
	}
	return r
}
